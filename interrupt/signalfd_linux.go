//go:build linux

package interrupt

import (
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ruaan-deysel/reactor/fdregistry"
	"github.com/ruaan-deysel/reactor/loop"
	"github.com/ruaan-deysel/reactor/rlog"
)

type registeredSignal struct {
	sig     syscall.Signal
	cb      Callback
	context any
	fd      int // -1 until activated
}

// Manager is the Linux signalfd-backed InterruptManager: each registered
// signal gets its own fd, blocked via the process signal mask, read
// synchronously from inside the EventLoop.
type Manager struct {
	mu      sync.Mutex
	l       *loop.Loop
	state   loop.SourceState
	signals map[syscall.Signal]*registeredSignal
}

// New creates a signalfd-backed InterruptManager registered with l. The
// signalfd variant has no process-wide singleton restriction (each
// registered signal gets its own independent fd).
func New(l *loop.Loop) (*Manager, error) {
	m := &Manager{
		l:       l,
		state:   loop.SourceFresh,
		signals: make(map[syscall.Signal]*registeredSignal),
	}
	l.RegisterEventSource(m)
	m.state = loop.SourceStopped
	return m, nil
}

func (m *Manager) Name() string          { return "interrupt-signalfd" }
func (m *Manager) State() loop.SourceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start activates every registered signal's signalfd.
func (m *Manager) Start(l *loop.Loop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != loop.SourceStopped {
		return loop.ErrBadState
	}
	m.state = loop.SourceStarting
	for _, rs := range m.signals {
		if err := m.activateLocked(rs); err != nil {
			rlog.Error("interrupt: failed to activate signal %v: %v", rs.sig, err)
		}
	}
	m.state = loop.SourceStarted
	return nil
}

// Stop deactivates every signalfd and unblocks its signal. The fds are
// independent, so they are visited in map iteration order.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != loop.SourceStarted {
		return
	}
	m.state = loop.SourceStopping
	for _, rs := range m.signals {
		m.deactivateLocked(rs)
	}
	m.state = loop.SourceStopped
}

// Free releases any remaining resources. No-op beyond Stop for this
// backend; kept to satisfy the EventSource contract.
func (m *Manager) Free() {}

// RegisterInterrupt installs a callback for signalNumber. If the manager
// is already Started, the signalfd is activated immediately; otherwise
// activation is deferred to Start.
func (m *Manager) RegisterInterrupt(sig syscall.Signal, context any, cb Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.signals[sig]; exists {
		return ErrDuplicateSignal
	}
	rs := &registeredSignal{sig: sig, cb: cb, context: context, fd: -1}
	m.signals[sig] = rs
	if m.state == loop.SourceStarted {
		if err := m.activateLocked(rs); err != nil {
			delete(m.signals, sig)
			return err
		}
	}
	return nil
}

// DeregisterInterrupt removes the callback for signalNumber and
// deactivates its signalfd.
func (m *Manager) DeregisterInterrupt(sig syscall.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.signals[sig]
	if !ok {
		return ErrUnknownSignal
	}
	m.deactivateLocked(rs)
	delete(m.signals, sig)
	return nil
}

func (m *Manager) activateLocked(rs *registeredSignal) error {
	var mask unix.Sigset_t
	addSignal(&mask, rs.sig)
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &mask, nil); err != nil {
		return err
	}
	fd, err := unix.Signalfd(-1, &mask, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		return err
	}
	rs.fd = fd
	return m.l.RegisterFD(fd, fdregistry.Read, m, rs, nil, func(int, fdregistry.EventMask) {
		m.handleReadable(rs)
	})
}

func (m *Manager) deactivateLocked(rs *registeredSignal) {
	if rs.fd < 0 {
		return
	}
	_ = m.l.DeregisterFD(rs.fd)
	unix.Close(rs.fd)

	var mask unix.Sigset_t
	addSignal(&mask, rs.sig)
	unix.PthreadSigmask(unix.SIG_UNBLOCK, &mask, nil)
	rs.fd = -1
}

// handleReadable drains the signalfd_siginfo record(s) and dispatches the
// callback once per queued signal -- the signalfd variant does not
// coalesce the way the self-pipe variant does.
func (m *Manager) handleReadable(rs *registeredSignal) {
	var buf [unix.SizeofSignalfdSiginfo]byte
	for {
		n, err := unix.Read(rs.fd, buf[:])
		if err != nil || n != unix.SizeofSignalfdSiginfo {
			return
		}
		rs.cb(rs.context)
	}
}

func addSignal(set *unix.Sigset_t, sig syscall.Signal) {
	// unix.Sigset_t is an opaque bitmask; Val is a fixed array of words on
	// linux/amd64. Each bit n-1 in the mask corresponds to signal n.
	bit := uint(sig) - 1
	set.Val[bit/64] |= 1 << (bit % 64)
}
