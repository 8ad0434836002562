package fdregistry

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestSelectBackendWaitReadReady(t *testing.T) {
	fds, err := syscallPipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	b := NewSelectBackend()
	entries := []*Entry{{FD: fds[0], Mask: Read}}
	ready, err := b.Wait(entries, time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if ready[fds[0]]&Read == 0 {
		t.Errorf("ready = %v, want Read set on fd %d", ready, fds[0])
	}
}

func TestSelectBackendWaitTimesOutWithNoData(t *testing.T) {
	fds, err := syscallPipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	b := NewSelectBackend()
	entries := []*Entry{{FD: fds[0], Mask: Read}}

	start := time.Now()
	ready, err := b.Wait(entries, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("ready = %v, want empty", ready)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Wait() returned after %v, expected to block near the timeout", elapsed)
	}
}

func TestSelectBackendWaitNoEntriesSleepsOutTimeout(t *testing.T) {
	b := NewSelectBackend()
	start := time.Now()
	ready, err := b.Wait(nil, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if ready != nil {
		t.Errorf("ready = %v, want nil", ready)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("Wait() returned after %v, expected to sleep out the timeout", elapsed)
	}
}

func TestSelectBackendSkipsClosingEntries(t *testing.T) {
	fds, err := syscallPipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	b := NewSelectBackend()
	e := &Entry{FD: fds[0], Mask: Read}
	e.closing = true
	ready, err := b.Wait([]*Entry{e}, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("ready = %v, want empty (closing entry must be skipped)", ready)
	}
}

func syscallPipe() ([2]int, error) {
	var fds [2]int
	err := unix.Pipe(fds[:])
	return fds, err
}
