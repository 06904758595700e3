package notify

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gfx/driver"
	"github.com/gogpu/gfx/internal/fakegpu"
)

func newNotifier(t *testing.T, dev *fakegpu.Device, timeline bool) *Notifier {
	t.Helper()
	n, err := New(Config{
		Device:       dev,
		Timeline:     timeline,
		PollInterval: time.Millisecond,
		DrainTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(n.Close)
	return n
}

func recordedBatch(t *testing.T, dev *fakegpu.Device) []driver.SubmitInfo {
	t.Helper()
	pool, err := dev.CreateCommandPool(0)
	if err != nil {
		t.Fatal(err)
	}
	cbs, err := pool.AllocateCommandBuffers(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := cbs[0].Begin(); err != nil {
		t.Fatal(err)
	}
	cbs[0].Dispatch(1, 1, 1)
	if err := cbs[0].End(); err != nil {
		t.Fatal(err)
	}
	return []driver.SubmitInfo{{CommandBuffers: cbs}}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached within 2s")
		}
		time.Sleep(time.Millisecond)
	}
}

// ============================================================================
// Completion Tests
// ============================================================================

func TestNotifier_CallbackOnceAfterCompletion(t *testing.T) {
	for _, timeline := range []bool{false, true} {
		name := "fence"
		if timeline {
			name = "timeline"
		}
		t.Run(name, func(t *testing.T) {
			dev := fakegpu.New(fakegpu.WithTimeline(timeline))
			n := newNotifier(t, dev, timeline)
			if n.Timeline() != timeline {
				t.Fatalf("Timeline() = %v, want %v", n.Timeline(), timeline)
			}
			q, _ := dev.Queue(0, 0)

			var calls atomic.Int32
			if err := n.Submit(q, recordedBatch(t, dev), func() { calls.Add(1) }); err != nil {
				t.Fatal(err)
			}

			time.Sleep(20 * time.Millisecond)
			if got := calls.Load(); got != 0 {
				t.Fatalf("callback fired %d times before the GPU completed", got)
			}
			if n.Pending() != 1 {
				t.Errorf("Pending() = %d, want 1", n.Pending())
			}

			dev.CompleteNext()
			waitUntil(t, func() bool { return calls.Load() == 1 })

			time.Sleep(20 * time.Millisecond)
			if got := calls.Load(); got != 1 {
				t.Errorf("callback fired %d times, want exactly 1", got)
			}
			if n.Pending() != 0 || n.Completed() != 1 {
				t.Errorf("Pending() = %d, Completed() = %d", n.Pending(), n.Completed())
			}
		})
	}
}

func TestNotifier_OnlyReachedTokensComplete(t *testing.T) {
	dev := fakegpu.New(fakegpu.WithTimeline(true))
	n := newNotifier(t, dev, true)
	q, _ := dev.Queue(0, 0)

	var first, second atomic.Int32
	if err := n.Submit(q, recordedBatch(t, dev), func() { first.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if err := n.Submit(q, recordedBatch(t, dev), func() { second.Add(1) }); err != nil {
		t.Fatal(err)
	}

	subs := dev.Submissions()
	if len(subs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(subs))
	}
	for i, s := range subs {
		last := s.Infos[len(s.Infos)-1]
		if len(last.SignalValues) != 1 || last.SignalValues[0] != uint64(i+1) {
			t.Errorf("submission %d signal values = %v, want [%d]", i, last.SignalValues, i+1)
		}
	}

	dev.CompleteNext()
	waitUntil(t, func() bool { return first.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if second.Load() != 0 {
		t.Fatal("second callback fired before its token was reached")
	}

	dev.CompleteNext()
	waitUntil(t, func() bool { return second.Load() == 1 })
}

func TestNotifier_FenceReturnedToPool(t *testing.T) {
	dev := fakegpu.New(fakegpu.WithTimeline(false), fakegpu.WithAutoComplete(true))
	n := newNotifier(t, dev, false)
	q, _ := dev.Queue(0, 0)

	for i := 0; i < 3; i++ {
		done := make(chan struct{})
		if err := n.Submit(q, recordedBatch(t, dev), func() { close(done) }); err != nil {
			t.Fatal(err)
		}
		<-done
		waitUntil(t, func() bool { return n.InactiveFences() == 1 })
	}

	seen := make(map[*fakegpu.Fence]bool)
	for _, s := range dev.Submissions() {
		seen[s.Fence] = true
	}
	if len(seen) != 1 {
		t.Errorf("distinct fences = %d, want 1 (fences are recycled)", len(seen))
	}
}

func TestNotifier_CallbackNotOnSubmitter(t *testing.T) {
	dev := fakegpu.New(fakegpu.WithAutoComplete(true))
	n := newNotifier(t, dev, true)
	q, _ := dev.Queue(0, 0)

	release := make(chan struct{})
	fired := make(chan struct{})
	returned := make(chan error, 1)
	batch := recordedBatch(t, dev)
	go func() {
		returned <- n.Submit(q, batch, func() {
			<-release
			close(fired)
		})
	}()

	select {
	case err := <-returned:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on its own callback")
	}
	close(release)
	<-fired
}

func TestNotifier_DoesNotAliasSemaphoreArrays(t *testing.T) {
	dev := fakegpu.New(fakegpu.WithTimeline(true))
	n := newNotifier(t, dev, true)
	q, _ := dev.Queue(0, 0)

	bin, _ := dev.CreateSemaphore()
	shared := make([]driver.Semaphore, 1, 4)
	shared[0] = bin
	batch := recordedBatch(t, dev)
	batch[0].SignalSemaphores = shared[:1]

	if err := n.Submit(q, batch, nil); err != nil {
		t.Fatal(err)
	}
	if len(batch[0].SignalSemaphores) != 1 || shared[:2][1] != nil {
		t.Error("caller's semaphore array was modified")
	}
	got := dev.Submissions()[0].Infos[0]
	if len(got.SignalSemaphores) != 2 || got.SignalSemaphores[0] != bin {
		t.Errorf("submitted signal semaphores = %v", got.SignalSemaphores)
	}
	if len(got.SignalValues) != 2 || got.SignalValues[1] != 1 {
		t.Errorf("submitted signal values = %v, want [0 1]", got.SignalValues)
	}
}

// ============================================================================
// Failure and Lifecycle Tests
// ============================================================================

func TestNotifier_SubmitFailure(t *testing.T) {
	dev := fakegpu.New(fakegpu.WithTimeline(false))
	n := newNotifier(t, dev, false)
	q, _ := dev.Queue(0, 0)

	boom := errors.New("device lost")
	dev.FailSubmit(boom)
	called := false
	err := n.Submit(q, recordedBatch(t, dev), func() { called = true })
	if !errors.Is(err, boom) {
		t.Fatalf("Submit() error = %v, want %v", err, boom)
	}
	if n.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", n.Pending())
	}
	if n.InactiveFences() != 1 {
		t.Errorf("InactiveFences() = %d, want 1 (fence returned)", n.InactiveFences())
	}
	time.Sleep(10 * time.Millisecond)
	if called {
		t.Error("callback of a failed submit fired")
	}
}

func TestNotifier_CloseDrains(t *testing.T) {
	dev := fakegpu.New()
	n, err := New(Config{Device: dev, Timeline: true, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	q, _ := dev.Queue(0, 0)

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		if err := n.Submit(q, recordedBatch(t, dev), func() { calls.Add(1) }); err != nil {
			t.Fatal(err)
		}
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		dev.CompleteAll()
	}()

	n.Close()
	if got := calls.Load(); got != 3 {
		t.Errorf("callbacks after Close = %d, want 3", got)
	}
	if err := n.Submit(q, recordedBatch(t, dev), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close error = %v, want ErrClosed", err)
	}
	n.Close()
}

func TestNotifier_CloseDrainTimeout(t *testing.T) {
	dev := fakegpu.New(fakegpu.WithTimeline(false))
	n, err := New(Config{Device: dev, PollInterval: time.Millisecond, DrainTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	q, _ := dev.Queue(0, 0)

	var calls atomic.Int32
	if err := n.Submit(q, recordedBatch(t, dev), func() { calls.Add(1) }); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	n.Close()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Close took %v with a 20ms drain timeout", elapsed)
	}
	if calls.Load() != 0 {
		t.Error("callback fired for work the GPU never completed")
	}
	select {
	case <-n.Done():
	default:
		t.Error("Done() not closed after Close")
	}
}

func TestNew_FallsBackToFences(t *testing.T) {
	dev := fakegpu.New(fakegpu.WithTimeline(false))
	n := newNotifier(t, dev, true)
	if n.Timeline() {
		t.Error("Timeline() = true on a device without timeline semaphores")
	}
}

func TestNew_NilDevice(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New(nil device) succeeded")
	}
}
