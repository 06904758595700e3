package shadercache

import (
	"errors"
	"strconv"
	"sync"
	"testing"
)

func words(source string) ([]uint32, error) {
	return []uint32{0x07230203, uint32(len(source))}, nil //nolint:gosec // G115: test input
}

func TestNew_DefaultCapacity(t *testing.T) {
	if got := New(0).Stats().Capacity; got != DefaultCapacity {
		t.Errorf("New(0) capacity = %d, want %d", got, DefaultCapacity)
	}
	if got := New(3).Stats().Capacity; got != 3 {
		t.Errorf("New(3) capacity = %d, want 3", got)
	}
}

func TestCompile_CachesResult(t *testing.T) {
	c := New(4)
	calls := 0
	compile := func(s string) ([]uint32, error) {
		calls++
		return words(s)
	}
	for range 3 {
		got, err := c.Compile("fn main() {}", compile)
		if err != nil {
			t.Fatalf("Compile() error = %v", err)
		}
		if len(got) != 2 || got[1] != 12 {
			t.Fatalf("Compile() = %v, want [magic 12]", got)
		}
	}
	if calls != 1 {
		t.Errorf("compile called %d times, want 1", calls)
	}
	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 || s.Len != 1 {
		t.Errorf("Stats() = %+v, want 2 hits, 1 miss, 1 entry", s)
	}
}

func TestCompile_ErrorNotCached(t *testing.T) {
	c := New(4)
	errBad := errors.New("bad shader")
	if _, err := c.Compile("broken", func(string) ([]uint32, error) { return nil, errBad }); !errors.Is(err, errBad) {
		t.Fatalf("Compile() error = %v, want %v", err, errBad)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after failed compile, want 0", c.Len())
	}
	if _, err := c.Compile("broken", words); err != nil {
		t.Errorf("Compile() after failure error = %v", err)
	}
}

func TestPut_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	c.Put("a", []uint32{1})
	c.Put("b", []uint32{2})
	if _, ok := c.Get("a"); !ok {
		t.Fatal("Get(a) missed")
	}
	c.Put("c", []uint32{3})

	if _, ok := c.Get("b"); ok {
		t.Error("Get(b) hit, want evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("Get(%s) missed, want cached", k)
		}
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}
}

func TestPut_Replace(t *testing.T) {
	c := New(2)
	c.Put("a", []uint32{1})
	c.Put("a", []uint32{9})
	got, ok := c.Get("a")
	if !ok || got[0] != 9 {
		t.Errorf("Get(a) = %v, %v, want [9], true", got, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestClear(t *testing.T) {
	c := New(4)
	c.Put("a", []uint32{1})
	c.Put("b", []uint32{2})
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", c.Len())
	}
	c.Put("c", []uint32{3})
	if _, ok := c.Get("c"); !ok {
		t.Error("Get(c) missed after Clear and Put")
	}
}

func TestCompile_Concurrent(t *testing.T) {
	c := New(8)
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src := "shader" + strconv.Itoa(i%4)
			if _, err := c.Compile(src, words); err != nil {
				t.Errorf("Compile(%s) error = %v", src, err)
			}
		}()
	}
	wg.Wait()
	if got := c.Len(); got != 4 {
		t.Errorf("Len() = %d, want 4", got)
	}
}

func TestLRUList(t *testing.T) {
	var l lruList
	a := l.pushFront(1)
	l.pushFront(2)
	l.pushFront(3)
	l.moveToFront(a)
	for _, want := range []uint64{2, 3, 1} {
		got, ok := l.removeOldest()
		if !ok || got != want {
			t.Fatalf("removeOldest() = %d, %v, want %d", got, ok, want)
		}
	}
	if _, ok := l.removeOldest(); ok || l.len != 0 {
		t.Errorf("removeOldest() on empty list ok = %v, len = %d", ok, l.len)
	}
}
