package gfx

import (
	"errors"
	"strings"
	"testing"
)

func TestDeviceMemoryBlock_LockRefcount(t *testing.T) {
	fake, dev := newTestDevice(t)
	buf, err := dev.CreateBuffer(BufferDescriptor{Label: "staging", Size: 64, HostVisible: true})
	if err != nil {
		t.Fatal(err)
	}
	block := buf.Memory()
	if !block.HostVisible() || block.Size() != 64 {
		t.Fatalf("block = host visible %v, size %d; want true, 64", block.HostVisible(), block.Size())
	}

	a, err := block.Lock(0, 16)
	if err != nil {
		t.Fatalf("Lock() = %v", err)
	}
	b, err := block.Lock(16, WholeSize)
	if err != nil {
		t.Fatalf("second Lock() = %v", err)
	}
	if len(a) != 16 || len(b) != 48 {
		t.Errorf("Lock lengths = %d, %d; want 16, 48", len(a), len(b))
	}
	if cap(a) != 16 {
		t.Errorf("cap(Lock(0, 16)) = %d, want 16", cap(a))
	}
	a[0], b[0] = 0xAA, 0xBB

	block.Unlock()
	if !fake.Mapped(block.Native()) || !block.Mapped() {
		t.Error("block unmapped while a lock is held")
	}
	if got := dev.MemoryStats().MappedCount; got != 1 {
		t.Errorf("MappedCount = %d, want 1", got)
	}
	block.Unlock()
	if fake.Mapped(block.Native()) || block.Mapped() {
		t.Error("block still mapped after the last Unlock")
	}
	block.Unlock() // logged, ignored

	data, err := buf.Read(0, 17)
	if err != nil {
		t.Fatal(err)
	}
	if data[0] != 0xAA || data[16] != 0xBB {
		t.Errorf("Read() = %v, want writes through Lock to persist", data)
	}
}

func TestDeviceMemoryBlock_LockErrors(t *testing.T) {
	_, dev := newTestDevice(t)
	buf, _ := dev.CreateBuffer(BufferDescriptor{Size: 32, HostVisible: true})
	if _, err := buf.Memory().Lock(16, 32); !errors.Is(err, ErrInvalidRegion) {
		t.Errorf("Lock(out of range) = %v, want ErrInvalidRegion", err)
	}
	if _, err := buf.Memory().Lock(64, WholeSize); !errors.Is(err, ErrInvalidRegion) {
		t.Errorf("Lock(offset beyond block) = %v, want ErrInvalidRegion", err)
	}

	img := newTestTexture(t, dev, 4, 4, 1)
	if _, err := img.Memory().Lock(0, WholeSize); !errors.Is(err, ErrNotHostVisible) {
		t.Errorf("Lock(device local) = %v, want ErrNotHostVisible", err)
	}
}

func TestBuffer_WriteRead(t *testing.T) {
	_, dev := newTestDevice(t)
	buf, _ := dev.CreateBuffer(BufferDescriptor{Size: 8, HostVisible: true})
	if err := buf.Write(4, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	got, err := buf.Read(2, 6)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0, 0, 1, 2, 3, 4}
	if string(got) != string(want) {
		t.Errorf("Read() = %v, want %v", got, want)
	}
	if err := buf.Write(6, []byte{1, 2, 3}); !errors.Is(err, ErrInvalidRegion) {
		t.Errorf("Write(past end) = %v, want ErrInvalidRegion", err)
	}

	local, _ := dev.CreateBuffer(BufferDescriptor{Size: 8})
	if err := local.Write(0, []byte{1}); !errors.Is(err, ErrNotHostVisible) {
		t.Errorf("Write(device local) = %v, want ErrNotHostVisible", err)
	}
}

func TestMemoryManager_ClosedRejects(t *testing.T) {
	m := NewMemoryManager(MemoryManagerConfig{})
	if got := m.Stats().TotalBytes; got != DefaultMaxMemoryMB*1024*1024 {
		t.Errorf("default budget = %d, want %d MB", got, DefaultMaxMemoryMB)
	}
	m.Close()
	if err := m.reserve(1); !errors.Is(err, ErrMemoryManagerClosed) {
		t.Errorf("reserve after Close = %v, want ErrMemoryManagerClosed", err)
	}
}

func TestMemoryStats_String(t *testing.T) {
	s := MemoryStats{TotalBytes: 64 << 20, UsedBytes: 16 << 20, BlockCount: 2, Utilization: 0.25}
	got := s.String()
	for _, want := range []string{"25.0%", "16/64 MB", "2 blocks"} {
		if !strings.Contains(got, want) {
			t.Errorf("String() = %q, missing %q", got, want)
		}
	}
}
