package tcpconn

import (
	"net"
	"testing"
	"time"

	"github.com/ruaan-deysel/reactor/connmgr"
	"github.com/ruaan-deysel/reactor/fdregistry"
	"github.com/ruaan-deysel/reactor/loop"
)

// freePort reserves an ephemeral TCP port on 127.0.0.1 by briefly
// listening with the standard library, then releasing it for the raw
// socket test to rebind. Inherently racy against other processes, but
// good enough for a single-host test run.
func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return uint16(port)
}

// newTestCM creates a fresh Loop and registers a ConnectionManager on it,
// then starts the loop (which in turn starts the CM, allocating its
// receive buffer) before returning either.
func newTestCM(t *testing.T) (*loop.Loop, *ConnectionManager) {
	t.Helper()
	l := loop.New(fdregistry.NewSelectBackend())
	cm := New(l, 0)
	if err := l.Start(); err != nil {
		t.Fatalf("loop.Start() error = %v", err)
	}
	return l, cm
}

// pumpUntil runs l.Run repeatedly, up to timeout, until cond returns true.
func pumpUntil(t *testing.T, l *loop.Loop, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := l.Run(20 * time.Millisecond); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if cond() {
			return
		}
	}
	t.Fatal("condition not met before timeout")
}

type event struct {
	connID uintptr
	state  connmgr.State
	params connmgr.Params
	data   []byte
}

func TestOpenConnectionMissingParams(t *testing.T) {
	_, cm := newTestCM(t)

	err := cm.OpenConnection(connmgr.Params{}, nil, nil, nil)
	if err != ErrMissingParams {
		t.Errorf("OpenConnection() err = %v, want %v", err, ErrMissingParams)
	}
}

func TestOpenConnectionValidateActiveDoesNotDial(t *testing.T) {
	_, cm := newTestCM(t)

	err := cm.OpenConnection(connmgr.Params{
		"hostname": "127.0.0.1",
		"port":     uint16(1), // a port nothing listens on
		"validate": true,
	}, nil, nil, nil)
	if err != nil {
		t.Errorf("OpenConnection(validate) error = %v, want nil", err)
	}
}

func TestOpenConnectionValidateListenDoesNotBind(t *testing.T) {
	_, cm := newTestCM(t)

	err := cm.OpenConnection(connmgr.Params{
		"listen-port": uint16(1),
		"validate":    true,
	}, nil, nil, nil)
	if err != nil {
		t.Errorf("OpenConnection(validate) error = %v, want nil", err)
	}
}

func TestPassiveListenerEstablishedImmediately(t *testing.T) {
	_, cm := newTestCM(t)
	port := freePort(t)

	var events []event
	cb := func(cmAny any, connID uintptr, application any, context *any, state connmgr.State, params connmgr.Params, payload []byte) {
		events = append(events, event{connID: connID, state: state, params: params, data: payload})
	}

	err := cm.OpenConnection(connmgr.Params{
		"listen-hostnames": []string{"127.0.0.1"},
		"listen-port":      port,
	}, nil, nil, cb)
	if err != nil {
		t.Fatalf("OpenConnection() error = %v", err)
	}

	if len(events) != 1 || events[0].state != connmgr.Established {
		t.Fatalf("events = %+v, want one Established event", events)
	}
	if events[0].params["listen-hostname"] != "127.0.0.1" {
		t.Errorf("listen-hostname param = %v, want 127.0.0.1", events[0].params["listen-hostname"])
	}
}

func TestPassiveListenerPortZeroReadsBackOSAssignedPort(t *testing.T) {
	l, cm := newTestCM(t)

	var events []event
	cb := func(cmAny any, connID uintptr, application any, context *any, state connmgr.State, params connmgr.Params, payload []byte) {
		events = append(events, event{connID: connID, state: state, params: params, data: payload})
	}

	if err := cm.OpenConnection(connmgr.Params{
		"listen-hostnames": []string{"127.0.0.1"},
		"listen-port":      uint16(0),
	}, nil, nil, cb); err != nil {
		t.Fatalf("OpenConnection() error = %v", err)
	}
	if len(events) != 1 || events[0].state != connmgr.Established {
		t.Fatalf("events = %+v, want one Established event", events)
	}

	boundPort, ok := events[0].params["listen-port"].(uint16)
	if !ok || boundPort == 0 {
		t.Fatalf("listen-port param = %v, want a non-zero OS-assigned port", events[0].params["listen-port"])
	}

	// The returned port must actually be connectable: open an active
	// connection to it and confirm the listener accepts.
	var clientEvents []event
	clientCB := func(cmAny any, connID uintptr, application any, context *any, state connmgr.State, params connmgr.Params, payload []byte) {
		clientEvents = append(clientEvents, event{connID: connID, state: state})
	}
	if err := cm.OpenConnection(connmgr.Params{
		"hostname": "127.0.0.1",
		"port":     boundPort,
	}, nil, nil, clientCB); err != nil {
		t.Fatalf("connect OpenConnection() error = %v", err)
	}

	pumpUntil(t, l, 2*time.Second, func() bool {
		for _, e := range clientEvents {
			if e.state == connmgr.Established {
				return true
			}
		}
		return false
	})
}

func TestActiveConnectAndAcceptRoundTrip(t *testing.T) {
	l, cm := newTestCM(t)
	port := freePort(t)

	var serverEvents []event
	serverCB := func(cmAny any, connID uintptr, application any, context *any, state connmgr.State, params connmgr.Params, payload []byte) {
		serverEvents = append(serverEvents, event{connID: connID, state: state, data: append([]byte(nil), payload...)})
	}
	if err := cm.OpenConnection(connmgr.Params{
		"listen-hostnames": []string{"127.0.0.1"},
		"listen-port":      port,
	}, nil, nil, serverCB); err != nil {
		t.Fatalf("listen OpenConnection() error = %v", err)
	}

	var clientEvents []event
	clientCB := func(cmAny any, connID uintptr, application any, context *any, state connmgr.State, params connmgr.Params, payload []byte) {
		clientEvents = append(clientEvents, event{connID: connID, state: state, data: append([]byte(nil), payload...)})
	}
	if err := cm.OpenConnection(connmgr.Params{
		"hostname": "127.0.0.1",
		"port":     port,
	}, nil, nil, clientCB); err != nil {
		t.Fatalf("connect OpenConnection() error = %v", err)
	}

	// Wait for the client to see Established (connect completes) and the
	// server to see the accepted connection's Established notification.
	pumpUntil(t, l, 2*time.Second, func() bool {
		clientUp := false
		for _, e := range clientEvents {
			if e.state == connmgr.Established {
				clientUp = true
			}
		}
		serverAccepted := false
		for _, e := range serverEvents {
			if e.state == connmgr.Established && e.connID != 0 {
				serverAccepted = true
			}
		}
		return clientUp && serverAccepted && len(serverEvents) >= 2
	})

	var clientConnID uintptr
	for _, e := range clientEvents {
		if e.state == connmgr.Established {
			clientConnID = e.connID
			break
		}
	}
	if clientConnID == 0 {
		t.Fatal("client never observed Established")
	}

	if err := cm.SendWithConnection(clientConnID, []byte("ping")); err != nil {
		t.Fatalf("SendWithConnection() error = %v", err)
	}

	pumpUntil(t, l, 2*time.Second, func() bool {
		for _, e := range serverEvents {
			if len(e.data) > 0 {
				return true
			}
		}
		return false
	})

	found := false
	for _, e := range serverEvents {
		if string(e.data) == "ping" {
			found = true
		}
	}
	if !found {
		t.Errorf("server events = %+v, want one carrying payload \"ping\"", serverEvents)
	}
}

func TestSendWithConnectionUnknownID(t *testing.T) {
	_, cm := newTestCM(t)

	if err := cm.SendWithConnection(999, []byte("x")); err != ErrConnectionNotFound {
		t.Errorf("SendWithConnection() err = %v, want %v", err, ErrConnectionNotFound)
	}
}

func TestCloseConnectionUnknownID(t *testing.T) {
	_, cm := newTestCM(t)

	if err := cm.CloseConnection(999); err != ErrConnectionNotFound {
		t.Errorf("CloseConnection() err = %v, want %v", err, ErrConnectionNotFound)
	}
}

func TestCloseConnectionDelaysActualClose(t *testing.T) {
	l, cm := newTestCM(t)
	port := freePort(t)

	var clientEvents []event
	clientCB := func(cmAny any, connID uintptr, application any, context *any, state connmgr.State, params connmgr.Params, payload []byte) {
		clientEvents = append(clientEvents, event{connID: connID, state: state})
	}
	if err := cm.OpenConnection(connmgr.Params{
		"listen-hostnames": []string{"127.0.0.1"},
		"listen-port":      port,
	}, nil, nil, func(any, uintptr, any, *any, connmgr.State, connmgr.Params, []byte) {}); err != nil {
		t.Fatalf("listen OpenConnection() error = %v", err)
	}
	if err := cm.OpenConnection(connmgr.Params{
		"hostname": "127.0.0.1",
		"port":     port,
	}, nil, nil, clientCB); err != nil {
		t.Fatalf("connect OpenConnection() error = %v", err)
	}

	pumpUntil(t, l, 2*time.Second, func() bool {
		for _, e := range clientEvents {
			if e.state == connmgr.Established {
				return true
			}
		}
		return false
	})

	var connID uintptr
	for _, e := range clientEvents {
		if e.state == connmgr.Established {
			connID = e.connID
		}
	}

	if err := cm.CloseConnection(connID); err != nil {
		t.Fatalf("CloseConnection() error = %v", err)
	}

	// Closing should be delivered synchronously from CloseConnection's
	// call to shutdown, before the fd is actually torn down.
	sawClosing := false
	for _, e := range clientEvents {
		if e.state == connmgr.Closing {
			sawClosing = true
		}
	}
	if !sawClosing {
		t.Error("expected a Closing notification from CloseConnection")
	}

	// A second close must be rejected once the connection record is gone.
	pumpUntil(t, l, time.Second, func() bool { return true })
	if err := cm.CloseConnection(connID); err != ErrConnectionNotFound {
		t.Errorf("CloseConnection() after delayed close err = %v, want %v", err, ErrConnectionNotFound)
	}
}
