// Package delayed implements the EventLoop's delayed-callback queue: a
// single-linked list of "run once more, then forget" tasks, the mechanism
// the TCP/UDP/MQTT connection managers use to avoid closing a file
// descriptor while it may still be sitting in an in-flight readiness
// vector.
package delayed

import "sync"

// Callback runs once, with the owning EventLoop's lock released. A nil
// Callback on an entry means "just forget it" — the entry carries no work,
// only the drain-once discipline.
type Callback func(application, context any)

// Entry is one item in the queue. The owner constructs an Entry and calls
// Queue.Enqueue; after the entry is drained the owner may reuse or free it,
// but must not enqueue it a second time without first being drained.
type Entry struct {
	Callback    Callback
	Application any
	Context     any

	next *Entry
}

// Queue is the EventLoop's delayed-callback list: O(1) prepend, drained in
// full once per loop iteration.
type Queue struct {
	mu   sync.Mutex
	head *Entry
}

// New creates an empty delayed-callback queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue prepends e to the queue in O(1).
func (q *Queue) Enqueue(e *Entry) {
	q.mu.Lock()
	e.next = q.head
	q.head = e
	q.mu.Unlock()
}

// Drain pops every entry currently queued and invokes each non-nil
// callback with the queue's lock released. Entries queued by a callback
// while Drain is running are not visited by this call.
func (q *Queue) Drain() {
	q.mu.Lock()
	head := q.head
	q.head = nil
	q.mu.Unlock()

	for e := head; e != nil; {
		next := e.next
		e.next = nil
		if e.Callback != nil {
			e.Callback(e.Application, e.Context)
		}
		e = next
	}
}
