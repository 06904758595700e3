package notify

import (
	"time"

	"github.com/gogpu/gfx/driver"
)

// run is the notifier goroutine.
func (n *Notifier) run() {
	defer close(n.done)

	var pending []*entry
	for {
		if len(pending) == 0 {
			select {
			case e := <-n.incoming:
				pending = append(pending, e)
			case <-n.ctx.Done():
				n.drainAll(n.receive(pending))
				return
			}
		}
		pending = n.receive(pending)

		n.waitOldest(pending[0], n.poll)
		pending = n.completeReady(pending)

		if n.ctx.Err() != nil {
			n.drainAll(n.receive(pending))
			return
		}
	}
}

// receive appends every token already queued without blocking.
func (n *Notifier) receive(pending []*entry) []*entry {
	for {
		select {
		case e := <-n.incoming:
			pending = append(pending, e)
		default:
			return pending
		}
	}
}

// waitOldest blocks until e is reached or timeout elapses. Driver errors
// are logged and turned into a sleep so a failing device does not spin.
func (n *Notifier) waitOldest(e *entry, timeout time.Duration) {
	var err error
	if e.fence != nil {
		_, err = n.dev.WaitForFences([]driver.Fence{e.fence}, true, timeout)
	} else {
		_, err = n.dev.WaitSemaphore(e.timeline.sem, e.value, timeout)
	}
	if err != nil {
		slogger().Error("notify: wait failed", "err", err)
		time.Sleep(timeout)
	}
}

// completeReady runs the callback of every reached token and returns the
// rest in their original order.
func (n *Notifier) completeReady(pending []*entry) []*entry {
	values := make(map[*timeline]uint64)
	rest := pending[:0]
	for _, e := range pending {
		if !n.reached(e, values) {
			rest = append(rest, e)
			continue
		}
		n.invoke(e)
		if e.fence != nil {
			if err := n.dev.ResetFence(e.fence); err != nil {
				slogger().Warn("notify: reset fence", "err", err)
				n.dev.DestroyFence(e.fence)
			} else {
				n.releaseFence(e.fence)
			}
		}
		n.pending.Add(-1)
		n.completed.Add(1)
	}
	clear(pending[len(rest):])
	return rest
}

// reached reports whether the GPU passed e. values caches semaphore
// counters for one pass.
func (n *Notifier) reached(e *entry, values map[*timeline]uint64) bool {
	if e.fence != nil {
		ok, err := n.dev.FenceStatus(e.fence)
		if err != nil {
			slogger().Error("notify: fence status", "err", err)
			return false
		}
		return ok
	}
	v, ok := values[e.timeline]
	if !ok {
		var err error
		v, err = n.dev.SemaphoreValue(e.timeline.sem)
		if err != nil {
			slogger().Error("notify: semaphore value", "err", err)
			return false
		}
		values[e.timeline] = v
	}
	return v >= e.value
}

// invoke runs a callback, logging a panic instead of killing the notifier.
func (n *Notifier) invoke(e *entry) {
	if e.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slogger().Error("notify: completion callback panicked", "panic", r)
		}
	}()
	e.callback()
}

// drainAll completes outstanding tokens until none is left or the drain
// timeout elapses. Tokens still outstanding afterwards are abandoned.
func (n *Notifier) drainAll(pending []*entry) {
	deadline := time.Now().Add(n.drain)
	for len(pending) > 0 {
		pending = n.completeReady(pending)
		if len(pending) == 0 {
			return
		}
		left := time.Until(deadline)
		if left <= 0 {
			slogger().Warn("notify: drain timeout, abandoning callbacks", "pending", len(pending))
			return
		}
		n.waitOldest(pending[0], min(left, n.poll))
	}
}
