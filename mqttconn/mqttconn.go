// Package mqttconn implements the MQTT ConnectionManager: a stateful
// overlay that multiplexes multiple topic connections onto a shared
// broker TCP connection obtained from the first TCP ConnectionManager
// registered with the same EventLoop, performing CONNECT/SUBSCRIBE/
// PUBLISH framing and keep-alive over a wholly-owned MQTT 3.1.1 framer.
package mqttconn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ruaan-deysel/reactor/connmgr"
	"github.com/ruaan-deysel/reactor/loop"
	"github.com/ruaan-deysel/reactor/rlog"
	"github.com/ruaan-deysel/reactor/tcpconn"
	"github.com/ruaan-deysel/reactor/timer"
)

// DefaultPort is the broker port assumed when a topic connection's
// params omit one.
const DefaultPort = 1883

// DefaultKeepAlive is the keep-alive timer interval assumed when a topic
// connection's params omit one.
const DefaultKeepAlive = 400 * time.Second

var (
	ErrNoTCPManager   = errors.New("mqttconn: no TCP connection manager registered in this loop")
	ErrMissingAddress = errors.New("mqttconn: address is required")
	ErrMissingTopic   = errors.New("mqttconn: topic is required")
	ErrRejected       = errors.New("mqttconn: connection rejected")
	ErrNotFound       = errors.New("mqttconn: topic connection id not found")
)

type tcpState int

const (
	tcpOpening tcpState = iota
	tcpEstablished
	tcpClosing
	tcpClosed
)

// kind distinguishes a topic connection's direction.
type kind int

const (
	subscribeKind kind = iota
	publishKind
)

// fingerprint is the tuple that decides whether two open requests may
// share one BrokerConnection: address, port, keep-alive, username,
// password.
type fingerprint struct {
	address   string
	port      uint16
	keepalive time.Duration
	username  string
	password  string
}

type topicConn struct {
	id          uint64
	state       connmgr.State
	topic       string
	kind        kind
	application any
	context     any
	callback    connmgr.Callback
}

type brokerConn struct {
	id          uint64
	fp          fingerprint
	tcpConnID   uintptr
	tcpState    tcpState
	framer      *framer
	lastSend    time.Time
	keepaliveID uint64
	topics      []*topicConn
	lastSeq     uint64
}

// ConnectionManager is the MQTT EventSource. It binds to the first TCP
// ConnectionManager registered in the same EventLoop at Start, and owns
// BrokerConnection/TopicConnection records keyed by opaque ids handed to
// the application.
type ConnectionManager struct {
	mu    sync.Mutex
	l     *loop.Loop
	state loop.SourceState
	tcp   *tcpconn.ConnectionManager

	brokers map[uint64]*brokerConn
	nextBID uint64
}

// New creates a Fresh MQTT ConnectionManager and registers it with l.
func New(l *loop.Loop) *ConnectionManager {
	cm := &ConnectionManager{
		l:       l,
		state:   loop.SourceFresh,
		brokers: make(map[uint64]*brokerConn),
		nextBID: 1,
	}
	l.RegisterEventSource(cm)
	cm.state = loop.SourceStopped
	return cm
}

func (cm *ConnectionManager) Name() string { return "mqtt" }

func (cm *ConnectionManager) State() loop.SourceState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Start locates the first TCP ConnectionManager registered with l. It
// fails if none exists, per spec §4.8.
func (cm *ConnectionManager) Start(l *loop.Loop) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.state != loop.SourceStopped {
		return loop.ErrBadState
	}

	src := l.FindEventSourceByName("tcp")
	if src == nil {
		return ErrNoTCPManager
	}
	tcp, ok := src.(*tcpconn.ConnectionManager)
	if !ok {
		return ErrNoTCPManager
	}
	cm.tcp = tcp
	cm.state = loop.SourceStarted
	return nil
}

// Stop closes every broker connection, which in turn closes their
// topic connections and the underlying TCP connections.
func (cm *ConnectionManager) Stop() {
	cm.mu.Lock()
	if cm.state != loop.SourceStarted {
		cm.mu.Unlock()
		return
	}
	cm.state = loop.SourceStopping
	brokers := make([]*brokerConn, 0, len(cm.brokers))
	for _, b := range cm.brokers {
		brokers = append(brokers, b)
	}
	cm.mu.Unlock()

	for _, b := range brokers {
		cm.shutdownBroker(b)
	}

	cm.mu.Lock()
	if len(cm.brokers) == 0 {
		cm.state = loop.SourceStopped
	}
	cm.mu.Unlock()
}

func (cm *ConnectionManager) Free() {}

// OpenConnection opens (or attaches to) a topic connection. params follow
// the shape table in spec §4.8: address, port, keep-alive, username,
// password (broker scope), validate, subscribe, topic (topic scope).
func (cm *ConnectionManager) OpenConnection(params connmgr.Params, application, context any, cb connmgr.Callback) error {
	address, _ := params["address"].(string)
	if address == "" {
		return ErrMissingAddress
	}
	topic, _ := params["topic"].(string)
	if topic == "" {
		return ErrMissingTopic
	}

	fp := fingerprint{
		address:   address,
		port:      DefaultPort,
		keepalive: DefaultKeepAlive,
	}
	if port, ok := params["port"].(uint16); ok {
		fp.port = port
	}
	if ka, ok := params["keep-alive"].(uint16); ok {
		fp.keepalive = time.Duration(ka) * time.Second
	}
	if u, ok := params["username"].(string); ok {
		fp.username = u
	}
	if p, ok := params["password"].(string); ok {
		fp.password = p
	}

	if validate, _ := params["validate"].(bool); validate {
		return nil
	}

	subscribe := true
	if v, ok := params["subscribe"].(bool); ok {
		subscribe = v
	}
	k := publishKind
	if subscribe {
		k = subscribeKind
	}

	cm.mu.Lock()
	b := cm.findBroker(fp)
	creating := b == nil
	if creating {
		b = &brokerConn{
			id:       cm.nextBID,
			fp:       fp,
			tcpState: tcpOpening,
		}
		cm.nextBID++
		cm.brokers[b.id] = b
	}
	b.lastSeq++
	tc := &topicConn{
		id:          b.id*1000 + b.lastSeq,
		state:       connmgr.Opening,
		topic:       topic,
		kind:        k,
		application: application,
		context:     context,
		callback:    cb,
	}
	b.topics = append(b.topics, tc)
	established := b.tcpState == tcpEstablished
	cm.mu.Unlock()

	if creating {
		if err := cm.openBrokerTCP(b); err != nil {
			cm.mu.Lock()
			delete(cm.brokers, b.id)
			cm.mu.Unlock()
			return fmt.Errorf("mqttconn: %w: %v", ErrRejected, err)
		}
	} else if established {
		cm.activateTopic(b, tc)
	}

	return nil
}

func (cm *ConnectionManager) findBroker(fp fingerprint) *brokerConn {
	for _, b := range cm.brokers {
		if b.fp == fp {
			return b
		}
	}
	return nil
}

func (cm *ConnectionManager) openBrokerTCP(b *brokerConn) error {
	params := connmgr.Params{
		"hostname": b.fp.address,
		"port":     b.fp.port,
	}
	return cm.tcp.OpenConnection(params, cm, b, func(tcm any, connID uintptr, application any, context *any, state connmgr.State, p connmgr.Params, payload []byte) {
		cm.onTCPEvent(b, connID, state, payload)
	})
}

// onTCPEvent is the TCP CM's callback for a BrokerConnection's underlying
// socket. It initializes the framer and drains deferred topic connections
// on first Established, feeds inbound bytes to the framer and drives it on
// subsequent data events, and tears down the broker on Closing/error.
func (cm *ConnectionManager) onTCPEvent(b *brokerConn, connID uintptr, state connmgr.State, payload []byte) {
	cm.mu.Lock()
	first := b.tcpConnID == 0
	b.tcpConnID = connID
	cm.mu.Unlock()

	switch state {
	case connmgr.Established:
		if first && b.tcpState != tcpEstablished {
			cm.onBrokerEstablished(b)
		} else if len(payload) > 0 {
			cm.onBrokerData(b, payload)
		}
	case connmgr.Closing, connmgr.Closed:
		cm.onBrokerTCPClosed(b)
	}
}

func (cm *ConnectionManager) onBrokerEstablished(b *brokerConn) {
	cm.mu.Lock()
	b.tcpState = tcpEstablished
	b.framer = newFramer()
	b.lastSend = time.Now()
	b.framer.EmitConnect("reactor-mqttconn", b.fp.username, b.fp.password)
	out := b.framer.TakeSendBuffer()
	connID := b.tcpConnID
	topics := append([]*topicConn(nil), b.topics...)
	cm.mu.Unlock()

	if len(out) > 0 {
		if err := cm.tcp.SendWithConnection(connID, out); err != nil {
			rlog.Warning("mqttconn: CONNECT flush failed: %v", err)
			cm.abortBroker(b)
			return
		}
	}

	id, err := cm.l.AddCyclicCallback(func(application, data any) {
		cm.onKeepalive(b)
	}, cm, b, b.fp.keepalive, time.Time{}, timer.FromCurrent)
	if err == nil {
		cm.mu.Lock()
		b.keepaliveID = id
		cm.mu.Unlock()
	}

	for _, tc := range topics {
		cm.activateTopic(b, tc)
	}
}

func (cm *ConnectionManager) activateTopic(b *brokerConn, tc *topicConn) {
	cm.mu.Lock()
	connID := b.tcpConnID
	if tc.kind == subscribeKind {
		b.framer.EmitSubscribe(uint16(tc.id%65536), tc.topic)
		out := b.framer.TakeSendBuffer()
		cm.mu.Unlock()
		if len(out) > 0 {
			_ = cm.tcp.SendWithConnection(connID, out)
		}
		return
	}
	tc.state = connmgr.Established
	cb := tc.callback
	app := tc.application
	ctx := tc.context
	cm.mu.Unlock()
	cb(cm, uintptr(tc.id), app, &ctx, connmgr.Established, nil, nil)
}

func (cm *ConnectionManager) onBrokerData(b *brokerConn, payload []byte) {
	cm.mu.Lock()
	if b.framer == nil {
		cm.mu.Unlock()
		return
	}
	b.framer.Feed(payload)
	err := b.framer.Drain(func(ev publishEvent) {
		cm.dispatchPublish(b, ev)
	})
	cm.mu.Unlock()
	if err != nil {
		rlog.Warning("mqttconn: framer error: %v", err)
	}
}

// dispatchPublish notifies every subscribed topic connection whose topic
// exactly matches ev.topic. A subscriber that has never received a
// message before is notified Established on this occasion -- the framer
// does not surface SUBACK, so first-PUBLISH is the only observable
// "subscription live" signal.
func (cm *ConnectionManager) dispatchPublish(b *brokerConn, ev publishEvent) {
	for _, tc := range b.topics {
		if tc.kind != subscribeKind || tc.topic != ev.topic {
			continue
		}
		tc.state = connmgr.Established
		cb := tc.callback
		app := tc.application
		ctx := tc.context
		cb(cm, uintptr(tc.id), app, &ctx, connmgr.Established, nil, ev.payload)
	}
}

func (cm *ConnectionManager) onKeepalive(b *brokerConn) {
	cm.mu.Lock()
	if b.tcpState != tcpEstablished || b.framer == nil {
		cm.mu.Unlock()
		return
	}
	if time.Since(b.lastSend) < b.fp.keepalive {
		cm.mu.Unlock()
		return
	}
	b.framer.EmitPingreq()
	out := b.framer.TakeSendBuffer()
	b.lastSend = time.Now()
	connID := b.tcpConnID
	cm.mu.Unlock()

	if len(out) > 0 {
		_ = cm.tcp.SendWithConnection(connID, out)
	}
}

// onBrokerTCPClosed tears down every topic connection on a lost broker
// TCP connection and drops the broker record.
func (cm *ConnectionManager) onBrokerTCPClosed(b *brokerConn) {
	cm.mu.Lock()
	if b.tcpState == tcpClosed {
		cm.mu.Unlock()
		return
	}
	b.tcpState = tcpClosed
	topics := append([]*topicConn(nil), b.topics...)
	keepaliveID := b.keepaliveID
	cm.mu.Unlock()

	if keepaliveID != 0 {
		_ = cm.l.RemoveCyclicCallback(keepaliveID)
	}

	for _, tc := range topics {
		cb := tc.callback
		app := tc.application
		ctx := tc.context
		cb(cm, uintptr(tc.id), app, &ctx, connmgr.Closing, nil, nil)
	}

	cm.mu.Lock()
	delete(cm.brokers, b.id)
	allClosed := cm.state == loop.SourceStopping && len(cm.brokers) == 0
	cm.mu.Unlock()

	if allClosed {
		cm.mu.Lock()
		cm.state = loop.SourceStopped
		cm.mu.Unlock()
	}
}

// abortBroker is used for transient framer errors on CONNECT: the broker
// is torn down without DISCONNECT, because the session was never really
// up.
func (cm *ConnectionManager) abortBroker(b *brokerConn) {
	cm.mu.Lock()
	connID := b.tcpConnID
	cm.mu.Unlock()
	_ = cm.tcp.CloseConnection(connID)
}

// SendWithConnection translates to an MQTT PUBLISH on the owning broker's
// framer and flushes. Fails with ErrRejected if the broker TCP is not
// Established.
func (cm *ConnectionManager) SendWithConnection(connectionID uintptr, buf []byte) error {
	tc, b, err := cm.lookupTopic(connectionID)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	if b.tcpState != tcpEstablished || b.framer == nil {
		cm.mu.Unlock()
		return ErrRejected
	}
	b.framer.EmitPublish(tc.topic, buf)
	out := b.framer.TakeSendBuffer()
	b.lastSend = time.Now()
	connID := b.tcpConnID
	cm.mu.Unlock()

	if err := cm.tcp.SendWithConnection(connID, out); err != nil {
		cm.closeTopicOnSendFailure(tc, b)
		return err
	}
	return nil
}

func (cm *ConnectionManager) closeTopicOnSendFailure(tc *topicConn, b *brokerConn) {
	cb := tc.callback
	app := tc.application
	ctx := tc.context
	cb(cm, uintptr(tc.id), app, &ctx, connmgr.Closing, nil, nil)
	cm.detachTopic(b, tc)
}

// CloseConnection closes one topic connection: unsubscribes (subscribe
// kind only) if both topic and broker are Established, detaches it,
// notifies Closing, and shuts down the broker if it has no more topics.
func (cm *ConnectionManager) CloseConnection(connectionID uintptr) error {
	tc, b, err := cm.lookupTopic(connectionID)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	established := b.tcpState == tcpEstablished && tc.state == connmgr.Established
	connID := b.tcpConnID
	framer := b.framer
	cm.mu.Unlock()

	if established && tc.kind == subscribeKind && framer != nil {
		cm.mu.Lock()
		framer.EmitUnsubscribe(uint16(tc.id%65536), tc.topic)
		out := framer.TakeSendBuffer()
		cm.mu.Unlock()
		if len(out) > 0 {
			_ = cm.tcp.SendWithConnection(connID, out)
		}
	}

	cb := tc.callback
	app := tc.application
	ctx := tc.context
	cb(cm, uintptr(tc.id), app, &ctx, connmgr.Closing, nil, nil)

	empty := cm.detachTopic(b, tc)
	if empty {
		cm.shutdownBroker(b)
	}
	return nil
}

// detachTopic removes tc from its broker's list and reports whether the
// broker now has zero topic connections.
func (cm *ConnectionManager) detachTopic(b *brokerConn, tc *topicConn) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for i, t := range b.topics {
		if t == tc {
			b.topics = append(b.topics[:i], b.topics[i+1:]...)
			break
		}
	}
	return len(b.topics) == 0
}

// shutdownBroker sends DISCONNECT (if established) then closes the
// underlying TCP connection.
func (cm *ConnectionManager) shutdownBroker(b *brokerConn) {
	cm.mu.Lock()
	if b.keepaliveID != 0 {
		_ = cm.l.RemoveCyclicCallback(b.keepaliveID)
		b.keepaliveID = 0
	}
	established := b.tcpState == tcpEstablished
	connID := b.tcpConnID
	framer := b.framer
	cm.mu.Unlock()

	if established && framer != nil {
		cm.mu.Lock()
		framer.EmitDisconnect()
		out := framer.TakeSendBuffer()
		cm.mu.Unlock()
		if len(out) > 0 {
			_ = cm.tcp.SendWithConnection(connID, out)
		}
	}
	if connID != 0 {
		_ = cm.tcp.CloseConnection(connID)
	}
}

func (cm *ConnectionManager) lookupTopic(connectionID uintptr) (*topicConn, *brokerConn, error) {
	id := uint64(connectionID)
	brokerID := id / 1000

	cm.mu.Lock()
	defer cm.mu.Unlock()
	b, ok := cm.brokers[brokerID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	for _, tc := range b.topics {
		if tc.id == id {
			return tc, b, nil
		}
	}
	return nil, nil, ErrNotFound
}

// AllocNetworkBuffer allocates a buffer of size bytes.
func (cm *ConnectionManager) AllocNetworkBuffer(connectionID uintptr, size int) []byte {
	return make([]byte, size)
}

// FreeNetworkBuffer is a no-op: Go's GC reclaims the slice once the
// caller drops its reference.
func (cm *ConnectionManager) FreeNetworkBuffer(connectionID uintptr, buf []byte) {}

// BrokerCount reports the number of distinct broker TCP connections
// currently open, for diagnostics (a metrics gauge).
func (cm *ConnectionManager) BrokerCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.brokers)
}

var _ connmgr.ConnectionManager = (*ConnectionManager)(nil)
var _ loop.EventSource = (*ConnectionManager)(nil)
