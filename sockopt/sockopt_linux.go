//go:build linux

package sockopt

// SendFlags are the flags passed to every send(2) call. Linux has no
// SO_NOSIGPIPE socket option; MSG_NOSIGNAL on each send is the
// per-platform equivalent.
import "golang.org/x/sys/unix"

const SendFlags = unix.MSG_NOSIGNAL

// setNoSigPipe is a no-op on Linux: SIGPIPE suppression happens per-call
// via SendFlags instead of a socket option.
func setNoSigPipe(fd int) error { return nil }
