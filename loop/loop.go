// Package loop implements the EventLoop: the single-threaded cooperative
// scheduler that drives the timer tree, the fd registry, and the delayed
// callback queue behind one iteration of run, and owns the registered
// EventSources (connection managers, interrupt manager) whose lifecycle it
// aggregates.
package loop

import (
	"errors"
	"sync"
	"time"

	"github.com/ruaan-deysel/reactor/delayed"
	"github.com/ruaan-deysel/reactor/fdregistry"
	"github.com/ruaan-deysel/reactor/rlog"
	"github.com/ruaan-deysel/reactor/timer"
)

// State is the EventLoop's own lifecycle state.
type State int

const (
	Fresh State = iota
	Started
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "Fresh"
	case Started:
		return "Started"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// SourceState is an EventSource's own lifecycle state, aggregated by the
// Loop to decide when a Stopping loop may transition to Stopped.
type SourceState int

const (
	SourceFresh SourceState = iota
	SourceStopped
	SourceStarting
	SourceStarted
	SourceStopping
)

func (s SourceState) String() string {
	switch s {
	case SourceFresh:
		return "Fresh"
	case SourceStopped:
		return "Stopped"
	case SourceStarting:
		return "Starting"
	case SourceStarted:
		return "Started"
	case SourceStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// EventSource is the common shape of everything that plugs into a Loop:
// connection managers and the interrupt manager. Start/Stop/Free are the
// three source lifecycle operations named in the public API surface;
// State lets the Loop aggregate source status when deciding whether a
// Stopping loop may become Stopped.
type EventSource interface {
	Name() string
	State() SourceState
	Start(l *Loop) error
	Stop()
	Free()
}

var (
	// ErrBadState is returned when an operation is illegal in the loop's
	// current state (e.g. starting an already-started loop).
	ErrBadState = errors.New("loop: operation illegal in current state")
)

// Loop is the EventLoop. The timer tree, fd registry, and delayed queue
// each carry their own internal lock (see reactor/timer, reactor/
// fdregistry, reactor/delayed); Loop's own mutex guards only the loop
// state and the EventSource list, which is the minimal serialization
// needed for the state-machine invariants in the absence of a single
// giant lock around the blocking OS multiplex call.
type Loop struct {
	mu      sync.Mutex
	state   State
	sources []EventSource

	timers  *timer.Tree
	delayed *delayed.Queue
	fds     *fdregistry.Registry
}

// New creates a Fresh EventLoop backed by the given fd multiplex backend.
func New(backend fdregistry.Backend) *Loop {
	return &Loop{
		timers:  timer.New(),
		delayed: delayed.New(),
		fds:     fdregistry.New(backend),
	}
}

// GetState returns the loop's current lifecycle state.
func (l *Loop) GetState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RegisterEventSource attaches a Fresh EventSource to the loop. It does
// not start the source; Start does that for every registered source.
func (l *Loop) RegisterEventSource(s EventSource) {
	l.mu.Lock()
	l.sources = append(l.sources, s)
	l.mu.Unlock()
}

// SourceStates returns each registered EventSource's name and current
// state, for diagnostics (status endpoints, metrics gauges).
func (l *Loop) SourceStates() map[string]SourceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]SourceState, len(l.sources))
	for _, s := range l.sources {
		out[s.Name()] = s.State()
	}
	return out
}

// FindEventSourceByName returns the first registered EventSource whose
// Name matches, or nil. Used by layered EventSources (e.g. the MQTT
// ConnectionManager) that must bind to a sibling source at Start.
func (l *Loop) FindEventSourceByName(name string) EventSource {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sources {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// DeregisterEventSource detaches s and calls its Free.
func (l *Loop) DeregisterEventSource(s EventSource) {
	l.mu.Lock()
	for i, src := range l.sources {
		if src == s {
			l.sources = append(l.sources[:i], l.sources[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	s.Free()
}

// Start transitions the loop to Started and starts every registered
// source. Errors returned by individual sources are logged; Start does
// not abort on the first failing source.
func (l *Loop) Start() error {
	l.mu.Lock()
	if l.state != Fresh {
		l.mu.Unlock()
		return ErrBadState
	}
	l.state = Started
	sources := append([]EventSource(nil), l.sources...)
	l.mu.Unlock()

	for _, s := range sources {
		if err := s.Start(l); err != nil {
			rlog.Error("loop: event source %q failed to start: %v", s.Name(), err)
		}
	}
	return nil
}

// Stop transitions the loop to Stopping and stops every registered
// source. The loop reaches Stopped once every source reports
// SourceStopped, checked at the end of each Run iteration.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if l.state != Started {
		l.mu.Unlock()
		return ErrBadState
	}
	l.state = Stopping
	sources := append([]EventSource(nil), l.sources...)
	l.mu.Unlock()

	for _, s := range sources {
		s.Stop()
	}
	return nil
}

// Run executes one loop iteration, bounded by maxTimeout: process expired
// timers, wait for fd readiness (or a timer/timeout deadline, whichever is
// sooner), dispatch ready fds, drain the delayed queue, and check for a
// Stopping -> Stopped transition.
func (l *Loop) Run(maxTimeout time.Duration) error {
	now := time.Now()
	next, hasNext := l.timers.Process(now)

	wait := maxTimeout
	if hasNext {
		if d := next.Sub(time.Now()); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}

	ready, err := l.fds.Wait(wait)
	if err != nil {
		rlog.Warning("loop: multiplex wait error: %v", err)
		return nil
	}
	if ready != nil {
		l.fds.Dispatch(ready)
	}

	l.delayed.Drain()

	l.mu.Lock()
	if l.state == Stopping {
		allStopped := true
		for _, s := range l.sources {
			if s.State() != SourceStopped {
				allStopped = false
				break
			}
		}
		if allStopped {
			l.state = Stopped
		}
	}
	l.mu.Unlock()
	return nil
}

// AddCyclicCallback registers a new cyclic timer. See reactor/timer.Tree.Add.
func (l *Loop) AddCyclicCallback(cb timer.Callback, application, data any, interval time.Duration, baseTime time.Time, policy timer.Policy) (uint64, error) {
	return l.timers.Add(cb, application, data, interval, baseTime, policy)
}

// ModifyCyclicCallback re-schedules an existing timer, keeping its id.
func (l *Loop) ModifyCyclicCallback(id uint64, interval time.Duration, baseTime time.Time, policy timer.Policy) error {
	return l.timers.Modify(id, interval, baseTime, policy)
}

// RemoveCyclicCallback detaches and destroys a timer.
func (l *Loop) RemoveCyclicCallback(id uint64) error {
	return l.timers.Remove(id)
}

// AddDelayedCallback enqueues e to run once at the end of the current or
// next loop iteration.
func (l *Loop) AddDelayedCallback(e *delayed.Entry) {
	l.delayed.Enqueue(e)
}

// RegisterFD adds fd to the loop's fd registry.
func (l *Loop) RegisterFD(fd int, mask fdregistry.EventMask, owner, application, context any, cb fdregistry.Callback) error {
	return l.fds.Register(fd, mask, owner, application, context, cb)
}

// FDCount reports the number of file descriptors currently registered,
// for diagnostics (e.g. a metrics gauge) rather than anything the loop
// itself depends on.
func (l *Loop) FDCount() int {
	return l.fds.Len()
}

// ModifyFD changes the event mask and/or context of a registered fd.
func (l *Loop) ModifyFD(fd int, mask fdregistry.EventMask, context any) error {
	return l.fds.Modify(fd, mask, context)
}

// DeregisterFD removes fd from the loop's fd registry.
func (l *Loop) DeregisterFD(fd int) error {
	return l.fds.Deregister(fd)
}

// MarkFDClosing flags fd so Dispatch suppresses further events on it until
// the fd is actually deregistered.
func (l *Loop) MarkFDClosing(fd int) {
	l.fds.MarkClosing(fd)
}

// IterateFD invokes fn on every fd registry entry belonging to owner.
func (l *Loop) IterateFD(owner any, fn func(*fdregistry.Entry)) {
	l.fds.Iterate(owner, fn)
}
