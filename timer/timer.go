// Package timer is dsmed's monotonic, single-threaded timer engine
// (spec.md §4.2): a priority min-heap keyed by absolute deadline, with a
// strict two-tier priority system so the watchdog kick and the IPHB resume
// timer (both HIGH) always run before NORMAL timers due in the same tick.
//
// The engine has no locking of its own — like the teacher's HAL poller
// (services/hal/internal/core/poller.go, the direct ancestor of this
// package), it is owned exclusively by the single goroutine that runs the
// event loop, and every exported method must only be called from that
// goroutine or from within one of its own callbacks.
package timer

import (
	"container/heap"
	"time"

	"dsmed/types"
)

// Priority re-exports types.TimerPriority so callers don't need to import
// both packages for a single constant.
type Priority = types.TimerPriority

const (
	Normal = types.PriorityNormal
	High   = types.PriorityHigh
)

// Callback runs when a timer expires. Returning true reinstalls the timer
// with the same period it was created with (in dsmed only the watchdog kick
// does this); returning false removes it for good.
type Callback func() bool

// Handle identifies a timer. It stays valid for the timer's entire life,
// including across reschedules triggered by a Callback returning true.
type Handle struct {
	id uint64
}

type entry struct {
	id       uint64
	deadline int64 // UnixNano
	period   time.Duration
	priority Priority
	cb       Callback
	index    int // heap slot, maintained by container/heap
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Engine is the timer queue itself. The zero value is not usable; use New.
type Engine struct {
	h      entryHeap
	byID   map[uint64]*entry
	nextID uint64
	now    func() time.Time // overridable for tests
}

// New creates an empty timer engine.
func New() *Engine {
	return &Engine{
		byID: make(map[uint64]*entry),
		now:  time.Now,
	}
}

// SetClock overrides the engine's notion of the current time. Intended for
// tests that need to advance a debounce or delayed-transition timer without
// sleeping.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Create schedules cb to run after d elapses, at the given priority, and
// returns a Handle that can cancel it with Destroy. after<=0 fires on the
// next RunExpired.
func (e *Engine) Create(after time.Duration, cb Callback, priority Priority) Handle {
	e.nextID++
	id := e.nextID
	it := &entry{
		id:       id,
		deadline: e.now().Add(after).UnixNano(),
		period:   after,
		priority: priority,
		cb:       cb,
	}
	e.byID[id] = it
	heap.Push(&e.h, it)
	return Handle{id: id}
}

// Destroy cancels a pending timer. It is a no-op if the handle is unknown,
// already fired, or already destroyed — including when called from within
// the timer's own callback (spec.md §4.2, §5), since RunExpired removes an
// entry from byID before invoking its callback.
func (e *Engine) Destroy(h Handle) {
	it, ok := e.byID[h.id]
	if !ok {
		return
	}
	heap.Remove(&e.h, it.index)
	delete(e.byID, h.id)
}

// Pending reports whether handle still refers to a live, unfired timer.
func (e *Engine) Pending(h Handle) bool {
	_, ok := e.byID[h.id]
	return ok
}

// FireNow runs a pending timer's callback immediately instead of waiting for
// its deadline, removing it from the queue first exactly as RunExpired does.
// Used where a later event makes a scheduled wait pointless (spec.md §4.1:
// a runlevel-switch-done signal can make the opposite-direction delayed
// timer fire immediately rather than wait out its remainder). It is a no-op
// if the handle is unknown. A true return reinstalls it, same as RunExpired.
func (e *Engine) FireNow(h Handle) {
	it, ok := e.byID[h.id]
	if !ok {
		return
	}
	heap.Remove(&e.h, it.index)
	delete(e.byID, h.id)
	if it.cb != nil && it.cb() {
		e.reinstall(it)
	}
}

// NextDeadline returns the duration until the next timer fires, or a
// negative duration if the queue is empty. The event loop uses this to size
// its select's timeout.
func (e *Engine) NextDeadline() time.Duration {
	if e.h.Len() == 0 {
		return -1
	}
	d := time.Unix(0, e.h[0].deadline).Sub(e.now())
	if d < 0 {
		return 0
	}
	return d
}

// RunExpired fires every timer whose deadline has passed. All HIGH-priority
// timers due in this tick run before any NORMAL-priority timer due in this
// tick (spec.md §4.2); within a tier, firing order follows deadline order.
// A callback that creates or destroys timers (including rescheduling
// itself) is safe to call from here.
func (e *Engine) RunExpired() {
	now := e.now().UnixNano()

	var due []*entry
	for e.h.Len() > 0 && e.h[0].deadline <= now {
		it := heap.Pop(&e.h).(*entry)
		delete(e.byID, it.id)
		due = append(due, it)
	}
	if len(due) == 0 {
		return
	}

	// Stable partition: HIGH first, preserving relative deadline order
	// within each tier (the slice is already deadline-ascending from the
	// heap pops above).
	high := due[:0:0]
	normal := make([]*entry, 0, len(due))
	for _, it := range due {
		if it.priority == High {
			high = append(high, it)
		} else {
			normal = append(normal, it)
		}
	}
	ordered := append(high, normal...)

	for _, it := range ordered {
		if it.cb == nil {
			continue
		}
		if it.cb() {
			e.reinstall(it)
		}
	}
}

func (e *Engine) reinstall(it *entry) {
	it.deadline = e.now().Add(it.period).UnixNano()
	e.byID[it.id] = it
	heap.Push(&e.h, it)
}

// Len reports the number of live timers; used by tests and diagnostics.
func (e *Engine) Len() int { return e.h.Len() }
