package fdregistry

import (
	"time"

	"golang.org/x/sys/unix"
)

// SelectBackend is the portable multiplex backend: it rebuilds fd_sets
// from the live entry slice on every Wait call rather than maintaining
// kernel-side state, a linear scan each iteration. Bit layout assumes a
// 64-bit-word unix.FdSet (true on Linux; other unix targets would need a
// different word width here).
type SelectBackend struct{}

// NewSelectBackend creates a select(2)-based Backend.
func NewSelectBackend() *SelectBackend { return &SelectBackend{} }

func (s *SelectBackend) Register(fd int, mask EventMask) error   { return nil }
func (s *SelectBackend) Modify(fd int, mask EventMask) error     { return nil }
func (s *SelectBackend) Deregister(fd int) error                 { return nil }

func (s *SelectBackend) Wait(entries []*Entry, timeout time.Duration) (map[int]EventMask, error) {
	var rset, wset, eset unix.FdSet
	maxFD := -1
	for _, e := range entries {
		if e.Closing() {
			continue
		}
		if e.Mask&Read != 0 {
			fdSet(&rset, e.FD)
		}
		if e.Mask&Write != 0 {
			fdSet(&wset, e.FD)
		}
		fdSet(&eset, e.FD) // always watch for exceptional conditions
		if e.FD > maxFD {
			maxFD = e.FD
		}
	}

	if maxFD < 0 {
		// Nothing registered; just sleep out the timeout.
		time.Sleep(timeout)
		return nil, nil
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(maxFD+1, &rset, &wset, &eset, &tv)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	ready := make(map[int]EventMask, n)
	for _, e := range entries {
		if e.Closing() {
			continue
		}
		var m EventMask
		if fdIsSet(&rset, e.FD) {
			m |= Read
		}
		if fdIsSet(&wset, e.FD) {
			m |= Write
		}
		if fdIsSet(&eset, e.FD) {
			m |= Err
		}
		if m != 0 {
			ready[e.FD] = m
		}
	}
	return ready, nil
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
