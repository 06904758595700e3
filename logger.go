package gfx

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gfx/internal/descpool"
	"github.com/gogpu/gfx/internal/notify"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// slogger returns the current package logger.
func slogger() *slog.Logger { return loggerPtr.Load() }

// SetLogger configures the logger for gfx, its internal packages and the
// drivers of all open devices that accept a logger. By default gfx produces
// no log output. Pass nil to restore silence.
//
// Log levels used by gfx:
//   - [slog.LevelDebug]: descriptor pool growth, barriers, native buffer reuse
//   - [slog.LevelInfo]: device and queue lifecycle
//   - [slog.LevelWarn]: recoverable problems (drain timeout, cleanup errors)
//   - [slog.LevelError]: dropped encoder calls and failed commits
//
// Example:
//
//	gfx.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
	descpool.SetLogger(l)
	notify.SetLogger(l)

	devicesMu.Lock()
	defer devicesMu.Unlock()
	for d := range devices {
		propagateLogger(d.drv, l)
	}
}

// Logger returns the current logger used by gfx.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by drivers that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

func propagateLogger(drv any, l *slog.Logger) {
	if ls, ok := drv.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}

// devices tracks open devices for logger propagation.
var (
	devicesMu sync.Mutex
	devices   = make(map[*GraphicsDevice]struct{})
)

func registerDevice(d *GraphicsDevice) {
	devicesMu.Lock()
	devices[d] = struct{}{}
	devicesMu.Unlock()
	propagateLogger(d.drv, Logger())
}

func unregisterDevice(d *GraphicsDevice) {
	devicesMu.Lock()
	delete(devices, d)
	devicesMu.Unlock()
}
