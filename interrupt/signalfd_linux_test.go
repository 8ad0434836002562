//go:build linux

package interrupt

import (
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/ruaan-deysel/reactor/fdregistry"
	"github.com/ruaan-deysel/reactor/loop"
)

func newTestLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.New(fdregistry.NewSelectBackend())
	if err := l.Start(); err != nil {
		t.Fatalf("loop.Start() error = %v", err)
	}
	return l
}

func TestManagerNameAndInitialState(t *testing.T) {
	l := newTestLoop(t)
	m, err := New(l)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if m.Name() != "interrupt-signalfd" {
		t.Errorf("Name() = %q, want interrupt-signalfd", m.Name())
	}
	if m.State() != loop.SourceStopped {
		t.Errorf("State() = %v, want SourceStopped", m.State())
	}
}

func TestRegisterInterruptRejectsDuplicate(t *testing.T) {
	l := newTestLoop(t)
	m, _ := New(l)

	cb := func(any) {}
	if err := m.RegisterInterrupt(syscall.SIGUSR1, nil, cb); err != nil {
		t.Fatalf("RegisterInterrupt() error = %v", err)
	}
	if err := m.RegisterInterrupt(syscall.SIGUSR1, nil, cb); err != ErrDuplicateSignal {
		t.Errorf("second RegisterInterrupt() err = %v, want %v", err, ErrDuplicateSignal)
	}
}

func TestDeregisterInterruptUnknownSignal(t *testing.T) {
	l := newTestLoop(t)
	m, _ := New(l)

	if err := m.DeregisterInterrupt(syscall.SIGUSR1); err != ErrUnknownSignal {
		t.Errorf("DeregisterInterrupt() err = %v, want %v", err, ErrUnknownSignal)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	l := newTestLoop(t)
	m, _ := New(l)

	if err := m.Start(l); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if m.State() != loop.SourceStarted {
		t.Errorf("State() = %v, want SourceStarted", m.State())
	}

	m.Stop()
	if m.State() != loop.SourceStopped {
		t.Errorf("State() = %v, want SourceStopped after Stop", m.State())
	}
	m.Free()
}

func TestRegisterInterruptAfterStartActivatesImmediately(t *testing.T) {
	l := newTestLoop(t)
	m, _ := New(l)
	if err := m.Start(l); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	var fired atomic.Bool
	if err := m.RegisterInterrupt(syscall.SIGUSR2, nil, func(any) { fired.Store(true) }); err != nil {
		t.Fatalf("RegisterInterrupt() error = %v", err)
	}

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR2); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := l.Run(10 * time.Millisecond); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if fired.Load() {
			break
		}
	}
	if !fired.Load() {
		t.Error("callback was not invoked for a delivered signal")
	}

	if err := m.DeregisterInterrupt(syscall.SIGUSR2); err != nil {
		t.Fatalf("DeregisterInterrupt() error = %v", err)
	}
}

func TestCallbackRunsFromLoopNotSignalContext(t *testing.T) {
	l := newTestLoop(t)
	m, _ := New(l)
	if err := m.Start(l); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	var mu sync.Mutex
	var runGoroutine bool

	if err := m.RegisterInterrupt(syscall.SIGUSR1, nil, func(any) {
		mu.Lock()
		runGoroutine = true
		mu.Unlock()
	}); err != nil {
		t.Fatalf("RegisterInterrupt() error = %v", err)
	}
	defer m.DeregisterInterrupt(syscall.SIGUSR1)

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	// Give the kernel a moment to deliver the signal into the signalfd
	// before the loop polls it; the callback must fire only once Run is
	// called, not asynchronously off the signal.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	before := runGoroutine
	mu.Unlock()
	if before {
		t.Error("callback fired before Run was called")
	}

	if err := l.Run(time.Second); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !runGoroutine {
		t.Error("callback did not fire after Run")
	}
}
