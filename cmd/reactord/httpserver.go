package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ruaan-deysel/reactor/rbus"
	"github.com/ruaan-deysel/reactor/rlog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// HTTPServer exposes the demo binary's status endpoint, a Prometheus
// /metrics endpoint, and a /ws/events websocket that streams SourceEvent
// values published on rbus as they occur.
type HTTPServer struct {
	app    *App
	router *mux.Router
	srv    *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHTTPServer builds the router, mounting reg's Prometheus handler at
// /metrics. Listen does not start serving until ListenAndServe is called.
func NewHTTPServer(app *App, reg *prometheus.Registry) *HTTPServer {
	h := &HTTPServer{
		app:     app,
		router:  mux.NewRouter(),
		clients: make(map[*websocket.Conn]struct{}),
	}
	h.router.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	h.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	h.router.HandleFunc("/ws/events", h.handleWS).Methods(http.MethodGet)
	return h
}

type statusResponse struct {
	Loop    string            `json:"loop"`
	Sources map[string]string `json:"sources"`
}

func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Loop:    h.app.Loop.GetState().String(),
		Sources: make(map[string]string),
	}
	for name, state := range h.app.Loop.SourceStates() {
		resp.Sources[name] = state.String()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.Warning("reactord: websocket upgrade failed: %v", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Drain and discard anything the client sends; this endpoint is
	// push-only. Exiting on read error (including client-initiated close)
	// is what tears the handler down.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast pushes evt as JSON to every currently connected websocket
// client, dropping (and logging) any client whose write fails.
func (h *HTTPServer) Broadcast(evt SourceEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// PumpEvents subscribes to TopicSourceEvents and forwards every message to
// Broadcast until stop is closed.
func (h *HTTPServer) PumpEvents(bus *rbus.Bus, stop <-chan struct{}) {
	ch := bus.SubTopics(TopicSourceEvents)
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if evt, ok := msg.(SourceEvent); ok {
					h.Broadcast(evt)
				}
			case <-stop:
				bus.Unsub(ch)
				return
			}
		}
	}()
}

// ListenAndServe starts the HTTP server on addr, blocking until it
// returns (on Shutdown or a listen error).
func (h *HTTPServer) ListenAndServe(addr string) error {
	h.srv = &http.Server{Addr: addr, Handler: h.router}
	return h.srv.ListenAndServe()
}

// Shutdown closes the HTTP server immediately (http.Server.Close): open
// connections are closed without waiting for in-flight requests.
func (h *HTTPServer) Shutdown() {
	if h.srv != nil {
		_ = h.srv.Close()
	}
}
