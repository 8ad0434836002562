// Package interrupt turns asynchronous POSIX signals into cooperative
// callbacks delivered from inside an EventLoop run iteration, never from
// OS signal context. Two backends provide the same public contract:
// signalfd on Linux (one fd per registered signal, synchronous dispatch)
// and a portable self-pipe variant used everywhere else (coalescing,
// singleton-enforced). The build selects exactly one of them; both export
// the same Manager type and New/RegisterInterrupt/DeregisterInterrupt API.
package interrupt

import "errors"

var (
	// ErrDuplicateSignal is returned by RegisterInterrupt for an
	// already-registered signal number.
	ErrDuplicateSignal = errors.New("interrupt: signal already registered")
	// ErrUnknownSignal is returned by DeregisterInterrupt for a signal
	// that was never registered.
	ErrUnknownSignal = errors.New("interrupt: signal not registered")
	// ErrSingletonExists is returned by New when a self-pipe-variant
	// InterruptManager already exists in this process.
	ErrSingletonExists = errors.New("interrupt: a self-pipe InterruptManager already exists in this process")
)

// Callback is invoked from inside the EventLoop's Run, never from an OS
// signal handler. The signalfd backend invokes it once per signal read
// from the fd; the self-pipe backend coalesces raises of a signal between
// two loop iterations into a single invocation.
type Callback func(context any)
