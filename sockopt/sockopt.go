// Package sockopt holds the raw socket-option helpers shared by the TCP
// and UDP connection managers: non-blocking mode, SIGPIPE suppression,
// Nagle control, and the listen-socket binding options.
package sockopt

import "golang.org/x/sys/unix"

// SetNonBlocking puts fd into non-blocking mode, required for every
// socket the EventLoop multiplexes.
func SetNonBlocking(fd int) error {
	return unix.SetNonblock(fd, true)
}

// SetNoSigPipe suppresses SIGPIPE delivery for writes to a socket whose
// peer has closed, where the platform supports it as a socket option
// (BSD/Darwin SO_NOSIGPIPE; Linux instead passes MSG_NOSIGNAL per send,
// handled at the call site).
func SetNoSigPipe(fd int) error {
	return setNoSigPipe(fd)
}

// SetNoDelay disables Nagle's algorithm (TCP_NODELAY).
func SetNoDelay(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

// SetReuseAddr allows rebinding to an address/port combination still in
// TIME_WAIT, so a restarted listener doesn't fail to bind.
func SetReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// SetV6Only forces an AF_INET6 socket to accept only IPv6 connections, so
// dual binding of the same port on IPv4 and IPv6 sockets doesn't collide
// on platforms where net.ipv6.bindv6only defaults to off.
func SetV6Only(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
}

// GetSockError reads and clears SO_ERROR, the way a non-blocking
// connect's completion status is probed on a WRITE-ready event.
func GetSockError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// ListenBacklog is the backlog passed to listen(2), matching the source's
// UA_MAXBACKLOG constant.
const ListenBacklog = 100
