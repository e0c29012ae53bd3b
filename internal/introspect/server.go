// Package introspect implements the optional, local-only read-only HTTP
// and WebSocket surface of spec SPEC_FULL §6.5: GET /api/peers, GET
// /api/sessions, GET /metrics, and GET /ws/events. It never binds the
// directory or peer wire ports and cannot originate overlay traffic.
package introspect

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peerchat/peerchat/internal/logging"
	"github.com/peerchat/peerchat/internal/orchestrator"
	"github.com/peerchat/peerchat/internal/peertable"
)

// Server is the introspection HTTP/WS listener, a mux.Router-based API
// server stripped to four read-only routes. It depends only on the
// orchestrator (sessions, peer table) — the router is never touched,
// since this surface cannot originate or observe individual message
// traffic, only aggregate DeliveryEvent occurrences relayed through the
// Hub by the caller.
type Server struct {
	router *mux.Router
	http   *http.Server

	orch *orchestrator.Orchestrator
	hub  *Hub
	coll *Collector

	stopCh chan struct{}
	log    *logging.Logger
}

// NewServer builds a Server bound to addr, reading session/peer state
// from orch and fanning events through hub. coll may be nil, in which
// case /metrics is omitted. The hub's fan-out loop starts immediately,
// independent of Start, so tests can drive the Server directly as an
// http.Handler without running the listener.
func NewServer(addr string, orch *orchestrator.Orchestrator, hub *Hub, coll *Collector) *Server {
	s := &Server{
		router: mux.NewRouter(),
		orch:   orch,
		hub:    hub,
		coll:   coll,
		stopCh: make(chan struct{}),
		log:    logging.New("introspect"),
	}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.setupRoutes()
	go s.hub.Run(s.stopCh)
	return s
}

// ServeHTTP lets a Server stand in directly as an http.Handler, which is
// how the test suite exercises routes via httptest.NewServer without
// going through Start's blocking ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/api/peers", s.handlePeers).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/api/sessions", s.handleSessions).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/ws/events", s.handleWSEvents).Methods(http.MethodGet)

	if s.coll != nil {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
}

// Start runs the HTTP listener until Shutdown is called. Blocks; intended
// to run in its own goroutine.
func (s *Server) Start() error {
	s.log.Infof("introspection surface listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server within ctx's deadline and
// stops the hub's fan-out loop.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	return s.http.Shutdown(ctx)
}

// peerView is the JSON shape of one peertable.Descriptor for /api/peers.
type peerView struct {
	Identity           string    `json:"identity"`
	Status             string    `json:"status"`
	AdvertisedIP       string    `json:"advertised_ip,omitempty"`
	AdvertisedPort     int       `json:"advertised_port,omitempty"`
	ObservedIP         string    `json:"observed_ip,omitempty"`
	ObservedPort       int       `json:"observed_port,omitempty"`
	LastSeen           time.Time `json:"last_seen"`
	RTTMillis          float64   `json:"rtt_ms,omitempty"`
	ReconnectAttempts  int       `json:"reconnect_attempts"`
	NextRetryNotBefore time.Time `json:"next_retry_not_before,omitempty"`
}

func peerViewOf(d peertable.Descriptor) peerView {
	return peerView{
		Identity:           d.Identity.String(),
		Status:             d.Status.String(),
		AdvertisedIP:       d.AdvertisedIP,
		AdvertisedPort:     d.AdvertisedPort,
		ObservedIP:         d.ObservedIP,
		ObservedPort:       d.ObservedPort,
		LastSeen:           d.LastSeen,
		RTTMillis:          float64(d.RTT) / float64(time.Millisecond),
		ReconnectAttempts:  d.ReconnectAttempts,
		NextRetryNotBefore: d.NextRetryNotBefore,
	}
}

// handlePeers serves GET /api/peers, mirroring peer_table.snapshot()
// verbatim per SPEC_FULL §6.5.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	snap := s.orch.PeerTable().Snapshot()
	views := make([]peerView, 0, len(snap))
	for _, d := range snap {
		views = append(views, peerViewOf(d))
	}
	respondJSON(w, http.StatusOK, views)
}

// sessionView is the JSON shape of one live session for /api/sessions,
// joining session.Stats (frames, state) with the peer table's RTT and
// reconnect bookkeeping for the same identity.
type sessionView struct {
	Remote            string    `json:"remote"`
	State             string    `json:"state"`
	FramesIn          int64     `json:"frames_in"`
	FramesOut         int64     `json:"frames_out"`
	OpenedAt          time.Time `json:"opened_at"`
	MissedPings       int32     `json:"missed_pings"`
	RTTMillis         float64   `json:"rtt_ms,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
}

// handleSessions serves GET /api/sessions: per-session stats including
// RTT, frames, and reconnects, per SPEC_FULL §6.5.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	stats := s.orch.SessionStats()
	views := make([]sessionView, 0, len(stats))
	for _, st := range stats {
		v := sessionView{
			Remote:      st.Remote.String(),
			State:       st.State.String(),
			FramesIn:    st.FramesIn,
			FramesOut:   st.FramesOut,
			OpenedAt:    st.OpenedAt,
			MissedPings: st.MissedPings,
		}
		if d, ok := s.orch.PeerTable().Lookup(st.Remote); ok {
			v.RTTMillis = float64(d.RTT) / float64(time.Millisecond)
			v.ReconnectAttempts = d.ReconnectAttempts
		}
		views = append(views, v)
	}
	respondJSON(w, http.StatusOK, views)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.New("introspect").Warnf("encode response: %v", err)
	}
}
