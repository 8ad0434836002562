//go:build linux

package fdregistry

import (
	"time"

	"golang.org/x/sys/unix"
)

// EpollBackend is the Linux multiplex backend: the kernel maintains the
// interest set, so Register/Modify/Deregister mutate it via epoll_ctl
// instead of Wait rebuilding it every call.
type EpollBackend struct {
	epfd int
}

// NewEpollBackend creates an epoll(7)-based Backend.
func NewEpollBackend() (*EpollBackend, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EpollBackend{epfd: fd}, nil
}

func toEpollEvents(mask EventMask) uint32 {
	var ev uint32
	if mask&Read != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	ev |= unix.EPOLLERR | unix.EPOLLHUP
	return ev
}

func (b *EpollBackend) Register(fd int, mask EventMask) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (b *EpollBackend) Modify(fd int, mask EventMask) error {
	ev := &unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (b *EpollBackend) Deregister(fd int) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait calls epoll_wait; entries is unused since the kernel already holds
// the interest set, but is still fed a "closing" check against the live
// registry by the caller (entries is kept for interface symmetry with
// SelectBackend).
func (b *EpollBackend) Wait(entries []*Entry, timeout time.Duration) (map[int]EventMask, error) {
	events := make([]unix.EpollEvent, 64)
	ms := int(timeout.Milliseconds())
	if timeout > 0 && ms == 0 {
		ms = 1 // don't busy-spin on a sub-millisecond wait
	}
	n, err := unix.EpollWait(b.epfd, events, ms)
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
	for i := 0; i < n; i++ {
		ev := events[i]
		var m EventMask
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			m |= Err
		}
		if ev.Events&unix.EPOLLIN != 0 {
			m |= Read
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			m |= Write
		}
		ready[int(ev.Fd)] = m
	}
	return ready, nil
}

// Close releases the underlying epoll fd.
func (b *EpollBackend) Close() error {
	return unix.Close(b.epfd)
}
