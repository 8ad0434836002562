// Package udpconn implements the UDP ConnectionManager: bound receive
// sockets (no accept, multi-interface allowed) and connect-ed send
// sockets, whose Established notification is deferred to the first
// WRITE-ready event so the application's context is installed before any
// data flows.
package udpconn

import (
	"errors"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ruaan-deysel/reactor/connmgr"
	"github.com/ruaan-deysel/reactor/delayed"
	"github.com/ruaan-deysel/reactor/fdregistry"
	"github.com/ruaan-deysel/reactor/loop"
	"github.com/ruaan-deysel/reactor/sockopt"
)

const DefaultRecvBufSize = 64 * 1024

var (
	ErrMissingParams      = errors.New("udpconn: hostname/port or listen-port required")
	ErrConnectionNotFound = errors.New("udpconn: connection id not found")
)

type connRecord struct {
	fd            int
	application   any
	context       any
	callback      connmgr.Callback
	isSendSocket  bool
	established   bool
	closing       bool
}

// ConnectionManager is the UDP EventSource.
type ConnectionManager struct {
	mu    sync.Mutex
	l     *loop.Loop
	state loop.SourceState

	recvBufSize int
	rxBuffer    []byte
	conns       map[int]*connRecord
}

// New creates a Fresh UDP ConnectionManager and registers it with l.
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

func (cm *ConnectionManager) Name() string { return "udp" }

func (cm *ConnectionManager) State() loop.SourceState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

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

func (cm *ConnectionManager) Free() {}

func (cm *ConnectionManager) checkStopped() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.state == loop.SourceStopping && len(cm.conns) == 0 {
		cm.state = loop.SourceStopped
	}
}

// OpenConnection opens either a connected send socket (hostname+port) or
// a bound receive socket (listen-hostnames+listen-port). validate:true
// parses and validates params without touching the network.
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
		return cm.openSend(hostname, port, application, context, cb)
	}
	if port, ok := params["listen-port"].(uint16); ok {
		if validate {
			return nil
		}
		hostnames, _ := params["listen-hostnames"].([]string)
		if len(hostnames) == 0 {
			return cm.openListener("", port, application, context, cb)
		}
		var firstErr error
		opened := false
		for _, h := range hostnames {
			if err := cm.openListener(h, port, application, context, cb); err != nil && firstErr == nil {
				firstErr = err
			} else if err == nil {
				opened = true
			}
		}
		if !opened {
			return firstErr
		}
		return nil
	}
	return ErrMissingParams
}

// openListener binds one receive socket per configured hostname, expanding
// an empty hostname into both wildcard families (multi-interface listening,
// matching reactor/tcpconn's openListener).
func (cm *ConnectionManager) openListener(hostname string, port uint16, application, context any, cb connmgr.Callback) error {
	addrs := []string{hostname}
	if hostname == "" {
		addrs = []string{"0.0.0.0", "::"}
	}

	var firstErr error
	opened := false
	for _, h := range addrs {
		if err := cm.openReceive(h, port, application, context, cb); err != nil {
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

func (cm *ConnectionManager) openSend(hostname string, port uint16, application, context any, cb connmgr.Callback) error {
	family, sa, err := resolveSockaddr(hostname, port)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return err
	}
	if err := sockopt.SetNonBlocking(fd); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return err
	}

	rec := &connRecord{fd: fd, application: application, context: context, callback: cb, isSendSocket: true}
	cm.mu.Lock()
	cm.conns[fd] = rec
	cm.mu.Unlock()

	// Established is deferred to the first WRITE-ready event so the
	// application's context pointer is installed before any data flows.
	return cm.l.RegisterFD(fd, fdregistry.Write, cm, application, context, func(fd int, mask fdregistry.EventMask) {
		cm.handleSendReady(rec, mask)
	})
}

func (cm *ConnectionManager) handleSendReady(rec *connRecord, mask fdregistry.EventMask) {
	if mask&fdregistry.Err != 0 {
		cm.shutdown(rec)
		return
	}
	if !rec.established {
		rec.established = true
		rec.callback(cm, uintptr(rec.fd), rec.application, &rec.context, connmgr.Established, nil, nil)
		_ = cm.l.DeregisterFD(rec.fd)
		_ = cm.l.RegisterFD(rec.fd, fdregistry.Read, cm, rec.application, rec.context, func(fd int, mask fdregistry.EventMask) {
			cm.handleReadable(rec, mask)
		})
		return
	}
}

func (cm *ConnectionManager) openReceive(hostname string, port uint16, application, context any, cb connmgr.Callback) error {
	if hostname == "" {
		hostname = "0.0.0.0"
	}
	family, sa, err := resolveSockaddr(hostname, port)
	if err != nil {
		return err
	}

	fd, err := unix.Socket(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
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
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return err
	}

	rec := &connRecord{fd: fd, application: application, context: context, callback: cb, established: true}
	cm.mu.Lock()
	cm.conns[fd] = rec
	cm.mu.Unlock()

	if err := cm.l.RegisterFD(fd, fdregistry.Read, cm, application, context, func(fd int, mask fdregistry.EventMask) {
		cm.handleReadable(rec, mask)
	}); err != nil {
		unix.Close(fd)
		return err
	}

	// No three-way handshake: a bound receive socket is Established the
	// moment it's bound.
	rec.callback(cm, uintptr(fd), application, &rec.context, connmgr.Established, nil, nil)
	return nil
}

func (cm *ConnectionManager) handleReadable(rec *connRecord, mask fdregistry.EventMask) {
	n, _, err := unix.Recvfrom(rec.fd, cm.rxBuffer, 0)
	if err != nil || n <= 0 {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return
		}
		// recv errors are treated as an orderly close immediately: no
		// delayed-close for this half-open state.
		cm.immediateClose(rec)
		return
	}
	rec.callback(cm, uintptr(rec.fd), rec.application, &rec.context, connmgr.Established, nil, cm.rxBuffer[:n])
}

// SendWithConnection writes buf as a single datagram.
func (cm *ConnectionManager) SendWithConnection(connectionID uintptr, buf []byte) error {
	cm.mu.Lock()
	rec, ok := cm.conns[int(connectionID)]
	cm.mu.Unlock()
	if !ok {
		return ErrConnectionNotFound
	}
	_, err := unix.Write(rec.fd, buf)
	if err != nil {
		cm.shutdown(rec)
	}
	return err
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

func (cm *ConnectionManager) AllocNetworkBuffer(connectionID uintptr, size int) []byte {
	return make([]byte, size)
}

func (cm *ConnectionManager) FreeNetworkBuffer(connectionID uintptr, buf []byte) {}

func (cm *ConnectionManager) shutdown(rec *connRecord) {
	cm.mu.Lock()
	if rec.closing {
		cm.mu.Unlock()
		return
	}
	rec.closing = true
	cm.mu.Unlock()

	cm.l.MarkFDClosing(rec.fd)
	rec.callback(cm, uintptr(rec.fd), rec.application, &rec.context, connmgr.Closing, nil, nil)

	cm.l.AddDelayedCallback(&delayed.Entry{
		Callback:    func(application, context any) { cm.finishClose(rec) },
		Application: cm,
		Context:     rec,
	})
}

// immediateClose skips the delayed-queue step for the recv-error path
// spec carves out as not needing the half-open delayed-close discipline.
func (cm *ConnectionManager) immediateClose(rec *connRecord) {
	cm.mu.Lock()
	if rec.closing {
		cm.mu.Unlock()
		return
	}
	rec.closing = true
	cm.mu.Unlock()

	rec.callback(cm, uintptr(rec.fd), rec.application, &rec.context, connmgr.Closing, nil, nil)
	cm.finishClose(rec)
}

func (cm *ConnectionManager) finishClose(rec *connRecord) {
	_ = cm.l.DeregisterFD(rec.fd)
	unix.Close(rec.fd)

	cm.mu.Lock()
	delete(cm.conns, rec.fd)
	cm.mu.Unlock()

	cm.checkStopped()
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
