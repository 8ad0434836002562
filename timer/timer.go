// Package timer implements the reactor's cyclic timer store: a
// time-ordered plus id-ordered index of periodic callbacks, with the
// cycle-miss reconciliation policies a single-threaded event loop needs
// when a timer falls behind wall-clock time.
package timer

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// Policy controls how a cyclic timer recovers when its previous firing was
// processed late (the loop was busy, or blocked in the OS multiplexer for
// longer than one interval).
type Policy int

const (
	// FromBase recomputes the next firing relative to the timer's original
	// base time, preserving phase across missed cycles.
	FromBase Policy = iota
	// FromCurrent schedules the next firing one interval from now, dropping
	// any cycles that were missed.
	FromCurrent
)

// Callback is invoked when a timer entry fires. It runs with the Tree's
// internal lock released, so it may safely call back into Add/Modify/Remove.
type Callback func(application, data any)

var (
	// ErrInvalidInterval is returned by Add/Modify for a non-positive interval.
	ErrInvalidInterval = errors.New("timer: interval must be positive")
	// ErrNotFound is returned by Modify/Remove for an unknown id.
	ErrNotFound = errors.New("timer: id not found")
)

type entry struct {
	id       uint64
	nextTime time.Time
	interval time.Duration
	baseTime time.Time
	policy   Policy
	callback Callback
	app      any
	data     any
	index    int
}

// timerHeap orders entries by (nextTime, id), giving a total order even
// when two entries share an exact firing time.
type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].nextTime.Equal(h[j].nextTime) {
		return h[i].id < h[j].id
	}
	return h[i].nextTime.Before(h[j].nextTime)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Tree is the dual-indexed cyclic timer store. The heap gives O(log n)
// access to the earliest-firing entry; the id map gives O(log n)
// lookup/removal by id, the two operations the select/epoll-driven loop
// needs once per iteration.
type Tree struct {
	mu     sync.Mutex
	h      timerHeap
	byID   map[uint64]*entry
	nextID uint64
}

// New creates an empty timer tree.
func New() *Tree {
	return &Tree{
		byID:   make(map[uint64]*entry),
		nextID: 1,
	}
}

// calculateNextTime computes the next firing time for a timer with the
// given interval anchored at baseTime. If baseTime is the zero value the
// timer has no phase anchor and simply fires one interval from now.
func calculateNextTime(now, baseTime time.Time, interval time.Duration) time.Time {
	if baseTime.IsZero() {
		return now.Add(interval)
	}
	diff := now.Sub(baseTime)
	mod := diff % interval
	if mod < 0 {
		mod += interval
	}
	return now.Add(interval - mod)
}

// Add registers a new cyclic callback. interval must be positive. baseTime
// may be the zero Time, in which case the timer phase is anchored at the
// moment of registration (so FromBase behaves sensibly without an explicit
// anchor). Returns the new entry's id, which is never zero.
func (t *Tree) Add(cb Callback, application, data any, interval time.Duration, baseTime time.Time, policy Policy) (uint64, error) {
	if interval <= 0 {
		return 0, ErrInvalidInterval
	}

	now := time.Now()
	if baseTime.IsZero() && policy == FromBase {
		baseTime = now
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	if t.nextID == 0 {
		t.nextID = 1 // skip zero on wraparound
	}

	e := &entry{
		id:       id,
		interval: interval,
		baseTime: baseTime,
		policy:   policy,
		callback: cb,
		app:      application,
		data:     data,
	}
	e.nextTime = calculateNextTime(now, baseTime, interval)
	heap.Push(&t.h, e)
	t.byID[id] = e
	return id, nil
}

// Modify re-schedules an existing entry, keeping its id.
func (t *Tree) Modify(id uint64, interval time.Duration, baseTime time.Time, policy Policy) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[id]
	if !ok {
		return ErrNotFound
	}

	now := time.Now()
	if baseTime.IsZero() && policy == FromBase {
		baseTime = now
	}

	e.interval = interval
	e.baseTime = baseTime
	e.policy = policy
	e.nextTime = calculateNextTime(now, baseTime, interval)
	heap.Fix(&t.h, e.index)
	return nil
}

// Remove detaches and destroys the entry with the given id.
func (t *Tree) Remove(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[id]
	if !ok {
		return ErrNotFound
	}
	heap.Remove(&t.h, e.index)
	delete(t.byID, id)
	return nil
}

// Process fires every entry whose nextTime is at or before now, in
// ascending nextTime order, advancing each entry's nextTime (per its
// policy) before invoking its callback with the tree's lock released. It
// returns the nextTime of the earliest remaining entry, or ok=false if the
// tree is empty.
func (t *Tree) Process(now time.Time) (next time.Time, ok bool) {
	for {
		t.mu.Lock()
		if t.h.Len() == 0 {
			t.mu.Unlock()
			return time.Time{}, false
		}

		e := t.h[0]
		if e.nextTime.After(now) {
			next = e.nextTime
			t.mu.Unlock()
			return next, true
		}

		switch e.policy {
		case FromBase:
			e.nextTime = calculateNextTime(now, e.baseTime, e.interval)
		default:
			e.nextTime = now.Add(e.interval)
		}
		heap.Fix(&t.h, e.index)

		cb, app, data := e.callback, e.app, e.data
		t.mu.Unlock()

		if cb != nil {
			cb(app, data)
		}
	}
}

// Len reports the number of live entries.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h.Len()
}
