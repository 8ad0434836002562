package main

import (
	"fmt"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ruaan-deysel/reactor/connmgr"
	"github.com/ruaan-deysel/reactor/interrupt"
	"github.com/ruaan-deysel/reactor/loop"
	"github.com/ruaan-deysel/reactor/mqttconn"
	"github.com/ruaan-deysel/reactor/rbus"
	"github.com/ruaan-deysel/reactor/rlog"
	"github.com/ruaan-deysel/reactor/tcpconn"
	"github.com/ruaan-deysel/reactor/udpconn"
)

// SourceEvent is published on TopicSourceEvents whenever a connection
// callback fires, for the demo's websocket diagnostics stream and any
// other watchdog-style subscriber.
type SourceEvent struct {
	Source       string
	ConnectionID uintptr
	State        string
	RemoteInfo   string
	At           time.Time
}

// TopicSourceEvents is the rbus topic SourceEvent values are published on.
var TopicSourceEvents = rbus.NewTopic[SourceEvent]("reactor.source.events")

// App wires one EventLoop together with the TCP, UDP, and MQTT connection
// managers, the interrupt manager, a diagnostics bus, and a Prometheus
// registry, and owns the demo binary's top-level Run/Stop lifecycle.
type App struct {
	Loop    *loop.Loop
	TCP     *tcpconn.ConnectionManager
	UDP     *udpconn.ConnectionManager
	MQTT    *mqttconn.ConnectionManager
	Bus     *rbus.Bus
	Metrics *Metrics

	cfg *Config
}

// NewApp constructs the EventLoop and registers the TCP, UDP and MQTT
// connection managers with it. The interrupt manager is created in Start;
// no sockets are opened and no signal handlers are installed until then.
func NewApp(cfg *Config, reg *prometheus.Registry) (*App, error) {
	backend, err := newDefaultBackend()
	if err != nil {
		return nil, fmt.Errorf("reactord: fd backend: %w", err)
	}

	l := loop.New(backend)
	a := &App{
		Loop:    l,
		TCP:     tcpconn.New(l, tcpconn.DefaultRecvBufSize),
		UDP:     udpconn.New(l, udpconn.DefaultRecvBufSize),
		Bus:     rbus.New(64),
		Metrics: NewMetrics(reg),
		cfg:     cfg,
	}
	a.MQTT = mqttconn.New(l)
	return a, nil
}

// Start starts the EventLoop's registered sources, installs SIGINT/SIGTERM
// handling via the interrupt manager, and opens the configured static
// listeners and MQTT subscriptions.
func (a *App) Start(requestStop func()) (*interrupt.Manager, error) {
	if err := a.Loop.Start(); err != nil {
		return nil, fmt.Errorf("reactord: loop start: %w", err)
	}

	im, err := interrupt.New(a.Loop)
	if err != nil {
		return nil, fmt.Errorf("reactord: interrupt manager: %w", err)
	}
	if err := im.RegisterInterrupt(syscall.SIGINT, nil, func(any) { requestStop() }); err != nil {
		return nil, err
	}
	if err := im.RegisterInterrupt(syscall.SIGTERM, nil, func(any) { requestStop() }); err != nil {
		return nil, err
	}
	if err := im.Start(a.Loop); err != nil {
		return nil, fmt.Errorf("reactord: interrupt manager start: %w", err)
	}

	a.openListeners()
	a.openMQTTSubscriptions()
	return im, nil
}

func (a *App) openListeners() {
	listeners, _ := a.cfg.Snapshot()
	if listeners.Port == 0 {
		return
	}
	params := connmgr.Params{"listen-port": listeners.Port}
	if len(listeners.Hostnames) > 0 {
		params["listen-hostnames"] = listeners.Hostnames
	}
	err := a.TCP.OpenConnection(params, a, nil, a.onTCPEvent)
	if err != nil {
		rlog.Error("reactord: failed to open listener on port %d: %v", listeners.Port, err)
	}
}

func (a *App) openMQTTSubscriptions() {
	_, mqtt := a.cfg.Snapshot()
	if !mqtt.Enabled || mqtt.Broker == "" {
		return
	}
	for _, topic := range mqtt.Topics {
		params := connmgr.Params{
			"address":    mqtt.Broker,
			"port":       mqtt.Port,
			"keep-alive": mqtt.KeepAlive,
			"topic":      topic,
			"subscribe":  true,
		}
		if mqtt.Username != "" {
			params["username"] = mqtt.Username
		}
		if mqtt.Password != "" {
			params["password"] = mqtt.Password
		}
		if err := a.MQTT.OpenConnection(params, a, nil, a.onMQTTEvent); err != nil {
			rlog.Error("reactord: failed to subscribe to %q: %v", topic, err)
		}
	}
}

func (a *App) onTCPEvent(cm any, connID uintptr, application any, context *any, state connmgr.State, params connmgr.Params, payload []byte) {
	remote, _ := params["remote-hostname"].(string)
	rbus.Publish(a.Bus, TopicSourceEvents, SourceEvent{
		Source:       "tcp",
		ConnectionID: connID,
		State:        state.String(),
		RemoteInfo:   remote,
		At:           time.Now(),
	})
}

func (a *App) onMQTTEvent(cm any, connID uintptr, application any, context *any, state connmgr.State, params connmgr.Params, payload []byte) {
	rbus.Publish(a.Bus, TopicSourceEvents, SourceEvent{
		Source:       "mqtt",
		ConnectionID: connID,
		State:        state.String(),
		At:           time.Now(),
	})
}

// Reload opens every listener in the current config again, including
// ones already opened by Start or an earlier Reload (a port that is still
// bound fails and is logged). It does not close listeners that were
// removed: closing a
// bound TCP listener out from under an active accept path is out of
// scope for this demo's hot-reload support.
func (a *App) Reload() {
	a.openListeners()
}

// RunForever drives the EventLoop until its state reaches Stopped,
// bounded per iteration by maxTimeout so Metrics and the stop signal are
// both observed promptly.
func (a *App) RunForever(maxTimeout time.Duration) {
	for a.Loop.GetState() != loop.Stopped {
		if err := a.Loop.Run(maxTimeout); err != nil {
			rlog.Warning("reactord: loop iteration error: %v", err)
		}
		a.sampleMetrics()
	}
}

func (a *App) sampleMetrics() {
	a.Metrics.loopIterations.Inc()
	a.Metrics.registeredFDs.Set(float64(a.Loop.FDCount()))
	a.Metrics.brokerConns.Set(float64(a.MQTT.BrokerCount()))
	for name, state := range a.Loop.SourceStates() {
		a.Metrics.sourceState.WithLabelValues(name).Set(float64(state))
	}
}

// Stop transitions the loop to Stopping; RunForever's loop exits once
// every EventSource (including the interrupt manager) reaches Stopped.
func (a *App) Stop() {
	if err := a.Loop.Stop(); err != nil {
		rlog.Warning("reactord: loop stop: %v", err)
	}
}
