//go:build !linux

package interrupt

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ruaan-deysel/reactor/fdregistry"
	"github.com/ruaan-deysel/reactor/loop"
)

// singletonExists enforces the process-wide "at most one self-pipe
// InterruptManager" rule from the source: the OS signal handler touches a
// single async-signal-safe pipe write, so only one Manager may own it.
var singletonExists atomic.Bool

type registeredSignal struct {
	sig       syscall.Signal
	cb        Callback
	context   any
	triggered atomic.Bool
}

// Manager is the portable self-pipe InterruptManager: a single process-
// wide pipe whose write end every registered signal's handler goroutine
// writes a wakeup byte to, and whose read end the EventLoop polls. Firing
// is coalescing: multiple raises of the same signal between loop
// iterations collapse into a single callback invocation.
type Manager struct {
	mu      sync.Mutex
	l       *loop.Loop
	state   loop.SourceState
	signals map[syscall.Signal]*registeredSignal

	notifyCh chan os.Signal
	stopCh   chan struct{}
	readFD   int
	writeFD  int
}

// New creates the self-pipe InterruptManager. Fails with
// ErrSingletonExists if one already exists in this process.
func New(l *loop.Loop) (*Manager, error) {
	if !singletonExists.CompareAndSwap(false, true) {
		return nil, ErrSingletonExists
	}
	m := &Manager{
		l:       l,
		state:   loop.SourceFresh,
		signals: make(map[syscall.Signal]*registeredSignal),
	}
	l.RegisterEventSource(m)
	m.state = loop.SourceStopped
	return m, nil
}

func (m *Manager) Name() string { return "interrupt-selfpipe" }
func (m *Manager) State() loop.SourceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start opens the wakeup pipe, registers its read end with the loop, and
// arms os/signal.Notify for every registered signal number.
func (m *Manager) Start(l *loop.Loop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != loop.SourceStopped {
		return loop.ErrBadState
	}
	m.state = loop.SourceStarting

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		m.state = loop.SourceStopped
		return err
	}
	m.readFD, m.writeFD = fds[0], fds[1]

	sigs := make([]os.Signal, 0, len(m.signals))
	for sig := range m.signals {
		sigs = append(sigs, sig)
	}
	m.notifyCh = make(chan os.Signal, 16)
	m.stopCh = make(chan struct{})
	signal.Notify(m.notifyCh, sigs...)

	go m.signalPump()

	if err := l.RegisterFD(m.readFD, fdregistry.Read, m, nil, nil, func(int, fdregistry.EventMask) {
		m.handleReadable()
	}); err != nil {
		m.state = loop.SourceStopped
		return err
	}

	m.state = loop.SourceStarted
	return nil
}

// signalPump is the goroutine-based stand-in for the source's
// async-signal-safe OS handler: on every delivered signal it marks the
// matching entry triggered and writes one wakeup byte, never invoking the
// application callback itself.
func (m *Manager) signalPump() {
	for {
		select {
		case sig := <-m.notifyCh:
			m.mu.Lock()
			rs, ok := m.signals[sig.(syscall.Signal)]
			m.mu.Unlock()
			if !ok {
				continue
			}
			rs.triggered.Store(true)
			unix.Write(m.writeFD, []byte{0})
		case <-m.stopCh:
			return
		}
	}
}

// Stop unregisters from os/signal, stops the pump, and closes the pipe.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state != loop.SourceStarted {
		m.mu.Unlock()
		return
	}
	m.state = loop.SourceStopping
	m.mu.Unlock()

	signal.Stop(m.notifyCh)
	close(m.stopCh)
	_ = m.l.DeregisterFD(m.readFD)
	unix.Close(m.readFD)
	unix.Close(m.writeFD)

	m.mu.Lock()
	m.state = loop.SourceStopped
	m.mu.Unlock()
}

// Free releases the process-wide singleton slot.
func (m *Manager) Free() {
	singletonExists.Store(false)
}

// RegisterInterrupt installs a callback for signalNumber. Arming of
// os/signal.Notify for a signal registered after Start is not supported
// by this backend; register every signal before Start.
func (m *Manager) RegisterInterrupt(sig syscall.Signal, context any, cb Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.signals[sig]; exists {
		return ErrDuplicateSignal
	}
	m.signals[sig] = &registeredSignal{sig: sig, cb: cb, context: context}
	return nil
}

// DeregisterInterrupt removes the callback for signalNumber.
func (m *Manager) DeregisterInterrupt(sig syscall.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signals[sig]; !ok {
		return ErrUnknownSignal
	}
	delete(m.signals, sig)
	return nil
}

// handleReadable drains every pending wakeup byte, then fires every
// currently triggered entry exactly once. Because triggered is a flag,
// not a counter, several raises that land between two loop iterations
// collapse into one callback invocation -- the documented coalescing
// behavior.
func (m *Manager) handleReadable() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(m.readFD, buf)
		if err != nil || n <= 0 {
			break
		}
		if n < len(buf) {
			break
		}
	}

	m.mu.Lock()
	entries := make([]*registeredSignal, 0, len(m.signals))
	for _, rs := range m.signals {
		entries = append(entries, rs)
	}
	m.mu.Unlock()

	for _, rs := range entries {
		if rs.triggered.CompareAndSwap(true, false) {
			rs.cb(rs.context)
		}
	}
}
