// Package tcpconn implements the TCP ConnectionManager: active connect,
// passive listen+accept, a reused process-lifetime receive buffer, and
// the delayed-close discipline that keeps a closing fd out of the
// iteration window it might still be sitting in.
package tcpconn

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ruaan-deysel/reactor/connmgr"
	"github.com/ruaan-deysel/reactor/delayed"
	"github.com/ruaan-deysel/reactor/fdregistry"
	"github.com/ruaan-deysel/reactor/loop"
	"github.com/ruaan-deysel/reactor/rlog"
	"github.com/ruaan-deysel/reactor/sockopt"
)

// DefaultRecvBufSize is the default size of the CM's reused receive
// buffer (64 KiB), matching spec's recv-bufsize default.
const DefaultRecvBufSize = 64 * 1024

var (
	ErrMissingParams  = errors.New("tcpconn: hostname/port or listen-port required")
	ErrConnectionNotFound = errors.New("tcpconn: connection id not found")
)

type connRecord struct {
	fd          int
	application any
	context     any
	callback    connmgr.Callback
	isListener  bool
	closing     bool
}

// ConnectionManager is the TCP EventSource. One instance owns one reused
// receive buffer and a set of tracked fds, each wrapped in a connRecord.
type ConnectionManager struct {
	mu    sync.Mutex
	l     *loop.Loop
	state loop.SourceState

	recvBufSize int
	rxBuffer    []byte
	conns       map[int]*connRecord
}

// New creates a Fresh TCP ConnectionManager and registers it with l.
// recvBufSize of 0 selects DefaultRecvBufSize.
func New(l *loop.Loop, recvBufSize int) *ConnectionManager {
	if recvBufSize <= 0 {
		recvBufSize = DefaultRecvBufSize
	}
	cm := &ConnectionManager{
		l:           l,
		state:       loop.SourceFresh,
		recvBufSize: recvBufSize,
		conns:       make(map[int]*connRecord),
	}
	l.RegisterEventSource(cm)
	cm.state = loop.SourceStopped
	return cm
}

func (cm *ConnectionManager) Name() string { return "tcp" }

func (cm *ConnectionManager) State() loop.SourceState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Start allocates the reused receive buffer. No sockets are created until
// OpenConnection is called.
func (cm *ConnectionManager) Start(l *loop.Loop) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.state != loop.SourceStopped {
		return loop.ErrBadState
	}
	cm.rxBuffer = make([]byte, cm.recvBufSize)
	cm.state = loop.SourceStarted
	return nil
}

// Stop flags every tracked fd for delayed close. The CM reaches
// SourceStopped once its fd count drops to zero.
func (cm *ConnectionManager) Stop() {
	cm.mu.Lock()
	if cm.state != loop.SourceStarted {
		cm.mu.Unlock()
		return
	}
	cm.state = loop.SourceStopping
	recs := make([]*connRecord, 0, len(cm.conns))
	for _, rec := range cm.conns {
		recs = append(recs, rec)
	}
	cm.mu.Unlock()

	for _, rec := range recs {
		cm.shutdown(rec)
	}
	cm.checkStopped()
}

// Free is a no-op: the CM owns no resources beyond its tracked fds, which
// Stop already drains.
func (cm *ConnectionManager) Free() {}

func (cm *ConnectionManager) checkStopped() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.state == loop.SourceStopping && len(cm.conns) == 0 {
		cm.state = loop.SourceStopped
	}
}

// OpenConnection opens an active (hostname+port) or passive
// (listen-hostnames+listen-port) TCP connection. validate:true parses and
// validates params without touching the network.
func (cm *ConnectionManager) OpenConnection(params connmgr.Params, application, context any, cb connmgr.Callback) error {
	validate, _ := params["validate"].(bool)

	if port, ok := params["port"].(uint16); ok {
		hostname, _ := params["hostname"].(string)
		if hostname == "" {
			return ErrMissingParams
		}
		if validate {
			return nil
		}
		return cm.openActive(hostname, port, application, context, cb)
	}

	if port, ok := params["listen-port"].(uint16); ok {
		hostnames, _ := params["listen-hostnames"].([]string)
		if validate {
			return nil
		}
		if len(hostnames) == 0 {
			return cm.openListener("", port, application, context, cb)
		}
		var firstErr error
		for _, h := range hostnames {
			if err := cm.openListener(h, port, application, context, cb); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	return ErrMissingParams
}

func (cm *ConnectionManager) openActive(hostname string, port uint16, application, context any, cb connmgr.Callback) error {
	family, sa, err := resolveSockaddr(hostname, port)
	if err != nil {
		return fmt.Errorf("tcpconn: resolve %s:%d: %w", hostname, port, err)
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return err
	}
	if err := applyConnOpts(fd); err != nil {
		unix.Close(fd)
		return err
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EWOULDBLOCK {
		unix.Close(fd)
		return err
	}

	rec := &connRecord{fd: fd, application: application, context: context, callback: cb}
	cm.mu.Lock()
	cm.conns[fd] = rec
	cm.mu.Unlock()

	return cm.l.RegisterFD(fd, fdregistry.Write, cm, application, context, func(fd int, mask fdregistry.EventMask) {
		cm.handleConnecting(rec, mask)
	})
}

func (cm *ConnectionManager) handleConnecting(rec *connRecord, mask fdregistry.EventMask) {
	if mask&fdregistry.Err != 0 {
		cm.shutdown(rec)
		return
	}
	if err := sockopt.GetSockError(rec.fd); err != nil {
		cm.shutdown(rec)
		return
	}

	rlog.Debug("tcp %d: connection established", rec.fd)
	rec.callback(cm, uintptr(rec.fd), rec.application, &rec.context, connmgr.Established, nil, nil)

	// Now interested in read-events instead of write-readiness.
	_ = cm.l.DeregisterFD(rec.fd)
	_ = cm.l.RegisterFD(rec.fd, fdregistry.Read, cm, rec.application, rec.context, func(fd int, mask fdregistry.EventMask) {
		cm.handleEstablished(rec, mask)
	})
}

func (cm *ConnectionManager) openListener(hostname string, port uint16, application, context any, cb connmgr.Callback) error {
	addrs := []string{hostname}
	if hostname == "" {
		addrs = []string{"0.0.0.0", "::"}
	}

	var firstErr error
	opened := false
	for _, h := range addrs {
		if err := cm.bindListen(h, port, application, context, cb); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		opened = true
	}
	if !opened {
		return firstErr
	}
	return nil
}

func (cm *ConnectionManager) bindListen(hostname string, port uint16, application, context any, cb connmgr.Callback) error {
	family, sa, err := resolveSockaddr(hostname, port)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return err
	}

	if family == unix.AF_INET6 {
		_ = sockopt.SetV6Only(fd)
	}
	if err := sockopt.SetReuseAddr(fd); err != nil {
		unix.Close(fd)
		return err
	}
	if err := sockopt.SetNonBlocking(fd); err != nil {
		unix.Close(fd)
		return err
	}
	_ = sockopt.SetNoSigPipe(fd)

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.Listen(fd, sockopt.ListenBacklog); err != nil {
		unix.Close(fd)
		return err
	}

	// Read back the OS-assigned port (port 0 requests ephemeral
	// assignment); the caller needs the actual bound port, not the literal
	// value it passed in, to open a matching active connection.
	boundPort := port
	if sa, err := unix.Getsockname(fd); err == nil {
		if p, ok := sockaddrPort(sa); ok {
			boundPort = p
		}
	}

	rec := &connRecord{fd: fd, application: application, context: context, callback: cb, isListener: true}
	cm.mu.Lock()
	cm.conns[fd] = rec
	cm.mu.Unlock()

	if err := cm.l.RegisterFD(fd, fdregistry.Read, cm, application, context, func(fd int, mask fdregistry.EventMask) {
		cm.handleListenReadable(rec)
	}); err != nil {
		unix.Close(fd)
		return err
	}

	params := connmgr.Params{"listen-port": boundPort}
	if hostname != "" {
		params["listen-hostname"] = hostname
	}
	cb(cm, uintptr(fd), application, &rec.context, connmgr.Established, params, nil)
	return nil
}

func (cm *ConnectionManager) handleListenReadable(listener *connRecord) {
	for {
		nfd, _, err := unix.Accept(listener.fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				return
			}
			cm.shutdown(listener)
			return
		}

		_ = sockopt.SetNoSigPipe(nfd)
		_ = sockopt.SetNoDelay(nfd)
		_ = sockopt.SetNonBlocking(nfd)

		remote := "unknown"
		if sa, err := unix.Getpeername(nfd); err == nil {
			remote = sockaddrHost(sa)
		}

		rec := &connRecord{fd: nfd, application: listener.application, context: listener.context, callback: listener.callback}
		cm.mu.Lock()
		cm.conns[nfd] = rec
		cm.mu.Unlock()

		if err := cm.l.RegisterFD(nfd, fdregistry.Read, cm, rec.application, rec.context, func(fd int, mask fdregistry.EventMask) {
			cm.handleEstablished(rec, mask)
		}); err != nil {
			unix.Close(nfd)
			continue
		}

		params := connmgr.Params{"remote-hostname": remote}
		rec.callback(cm, uintptr(nfd), rec.application, &rec.context, connmgr.Established, params, nil)
	}
}

func (cm *ConnectionManager) handleEstablished(rec *connRecord, mask fdregistry.EventMask) {
	if mask&fdregistry.Err != 0 {
		cm.shutdown(rec)
		return
	}

	n, err := unix.Read(rec.fd, cm.rxBuffer)
	if n <= 0 {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return
		}
		cm.shutdown(rec)
		return
	}

	rec.callback(cm, uintptr(rec.fd), rec.application, &rec.context, connmgr.Established, nil, cm.rxBuffer[:n])
}

// SendWithConnection writes buf in full, retrying on EAGAIN with a
// bounded 100ms poll, per §4.6. The buffer is never retained past this
// call regardless of outcome.
func (cm *ConnectionManager) SendWithConnection(connectionID uintptr, buf []byte) error {
	cm.mu.Lock()
	rec, ok := cm.conns[int(connectionID)]
	cm.mu.Unlock()
	if !ok {
		return ErrConnectionNotFound
	}

	written := 0
	for written < len(buf) {
		n, err := unix.SendmsgN(rec.fd, buf[written:], nil, nil, sockopt.SendFlags)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				pfd := []unix.PollFd{{Fd: int32(rec.fd), Events: unix.POLLOUT}}
				if _, perr := unix.Poll(pfd, 100); perr != nil && perr != unix.EINTR {
					cm.shutdown(rec)
					return perr
				}
				continue
			}
			cm.shutdown(rec)
			return err
		}
		written += n
	}
	return nil
}

// CloseConnection installs a delayed close on connectionID's fd.
func (cm *ConnectionManager) CloseConnection(connectionID uintptr) error {
	cm.mu.Lock()
	rec, ok := cm.conns[int(connectionID)]
	cm.mu.Unlock()
	if !ok {
		return ErrConnectionNotFound
	}
	cm.shutdown(rec)
	return nil
}

// AllocNetworkBuffer allocates a buffer of size bytes. The reference
// implementation just allocates; a pooled implementation could swap this
// out without changing the ConnectionManager interface.
func (cm *ConnectionManager) AllocNetworkBuffer(connectionID uintptr, size int) []byte {
	return make([]byte, size)
}

// FreeNetworkBuffer is a no-op: Go's GC reclaims the slice once the
// caller drops its reference.
func (cm *ConnectionManager) FreeNetworkBuffer(connectionID uintptr, buf []byte) {}

// shutdown notifies the application with Closing (connection records
// only; a listener record gets no Closing callback), then installs a
// delayed callback that performs the actual OS close in a later loop
// iteration, after the fd is guaranteed out of the readiness vector being
// iterated.
func (cm *ConnectionManager) shutdown(rec *connRecord) {
	cm.mu.Lock()
	if rec.closing {
		cm.mu.Unlock()
		return
	}
	rec.closing = true
	cm.mu.Unlock()

	cm.l.MarkFDClosing(rec.fd)
	if !rec.isListener {
		rec.callback(cm, uintptr(rec.fd), rec.application, &rec.context, connmgr.Closing, nil, nil)
	}

	cm.l.AddDelayedCallback(&delayed.Entry{
		Callback:    func(application, context any) { cm.finishClose(rec) },
		Application: cm,
		Context:     rec,
	})
}

func (cm *ConnectionManager) finishClose(rec *connRecord) {
	_ = cm.l.DeregisterFD(rec.fd)
	unix.Close(rec.fd)

	cm.mu.Lock()
	delete(cm.conns, rec.fd)
	cm.mu.Unlock()

	cm.checkStopped()
}

func applyConnOpts(fd int) error {
	if err := sockopt.SetNonBlocking(fd); err != nil {
		return err
	}
	if err := sockopt.SetNoSigPipe(fd); err != nil {
		return err
	}
	return sockopt.SetNoDelay(fd)
}

func resolveSockaddr(hostname string, port uint16) (int, unix.Sockaddr, error) {
	ip := net.ParseIP(hostname)
	if ip == nil {
		addr, err := net.ResolveIPAddr("ip", hostname)
		if err != nil {
			return 0, nil, err
		}
		ip = addr.IP
	}

	if v4 := ip.To4(); v4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = int(port)
		copy(sa.Addr[:], v4)
		return unix.AF_INET, &sa, nil
	}

	var sa unix.SockaddrInet6
	sa.Port = int(port)
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, &sa, nil
}

func sockaddrHost(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String()
	default:
		return "unknown"
	}
}

func sockaddrPort(sa unix.Sockaddr) (uint16, bool) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return uint16(a.Port), true
	case *unix.SockaddrInet6:
		return uint16(a.Port), true
	default:
		return 0, false
	}
}
