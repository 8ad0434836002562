//go:build !linux

package sockopt

import "golang.org/x/sys/unix"

// SendFlags are the flags passed to every send(2) call. On BSD/Darwin
// SIGPIPE suppression is a socket option (setNoSigPipe), so no per-send
// flag is needed.
const SendFlags = 0

func setNoSigPipe(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
}
