package backend

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/gfx/driver"
)

var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)

	// backendPriority is the order OpenDefault tries. noop never reaches a
	// GPU, so it comes last.
	backendPriority = []string{BackendVulkan, BackendHAL, BackendNoop}
)

// Register makes a backend available under name. Backend packages call it
// from init; importing the package for side effects is enough to enable
// it. A later registration under the same name wins.
func Register(name string, factory Factory) {
	if name == "" || factory == nil {
		panic("backend: Register with empty name or nil factory")
	}
	registryMu.Lock()
	backends[name] = factory
	registryMu.Unlock()
}

// Unregister drops the backend registered under name.
func Unregister(name string) {
	registryMu.Lock()
	delete(backends, name)
	registryMu.Unlock()
}

// Available returns the sorted names of the registered backends.
func Available() []string {
	registryMu.RLock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	registryMu.RUnlock()
	slices.Sort(names)
	return names
}

// IsRegistered reports whether a backend is registered under name.
func IsRegistered(name string) bool {
	_, ok := lookup(name)
	return ok
}

func lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := backends[name]
	return f, ok
}

// Open opens a device on the named backend.
func Open(name string, opts Options) (driver.Device, error) {
	factory, ok := lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	dev, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", name, err)
	}
	return dev, nil
}

// OpenDefault opens a device on the best backend that works on this
// machine. Backends are tried in priority order, then the remaining
// registered ones by name. The returned name identifies the backend used.
func OpenDefault(opts Options) (driver.Device, string, error) {
	order := make([]string, 0, len(backendPriority))
	for _, name := range backendPriority {
		if IsRegistered(name) {
			order = append(order, name)
		}
	}
	for _, name := range Available() {
		if !slices.Contains(order, name) {
			order = append(order, name)
		}
	}

	var errs []error
	for _, name := range order {
		dev, err := Open(name, opts)
		if err == nil {
			return dev, name, nil
		}
		errs = append(errs, err)
	}
	return nil, "", fmt.Errorf("%w: %w", ErrNoBackend, errors.Join(errs...))
}

// MustOpenDefault returns a device from OpenDefault or panics.
func MustOpenDefault(opts Options) driver.Device {
	dev, _, err := OpenDefault(opts)
	if err != nil {
		panic(err)
	}
	return dev
}
