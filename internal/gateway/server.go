// Package gateway implements the WebSocket boundary between clients and the
// broker pipeline. Each accepted socket becomes one session actor: inbound
// mic audio and client control messages are published to the shared broker
// channels, and transcripts, tokens, tool traffic, barge-in notifications,
// and synthesized audio are forwarded back down the socket.
package gateway

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-ai/parley/internal/broker"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/protocol"
)

// Server accepts client sockets and serves the gateway's probe and metrics
// endpoints. Create instances with New and mount Routes on an http.Server
// whose BaseContext is the process context, so shutdown reaches the
// sessions.
type Server struct {
	log       *slog.Logger
	bus       broker.Broker
	met       *observe.Metrics
	authToken string
}

// New assembles a server from its collaborators and the gateway section of
// the shared configuration.
func New(bus broker.Broker, cfg *config.Config, log *slog.Logger) *Server {
	return &Server{
		log:       log,
		bus:       bus,
		met:       observe.DefaultMetrics(),
		authToken: cfg.Gateway.AuthToken,
	}
}

// Routes returns the gateway mux: the audio socket, liveness and readiness
// probes, and the Prometheus scrape endpoint.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	health.New(health.Checker{Name: "broker", Check: s.bus.Ping}).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/ws/audio", s.handleSocket)
	return mux
}

// handleSocket authenticates the upgrade request, accepts the socket, and
// runs the session actor until the socket closes or the server shuts down.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if s.authToken != "" && r.URL.Query().Get("token") != s.authToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	log := s.log.With("conversation_id", id)
	if clientID := r.URL.Query().Get("client_id"); clientID != "" {
		log = log.With("client_id", clientID)
	}

	// An optional voice override is stored as conversation configuration for
	// the TTS worker to pick up.
	if voice := r.URL.Query().Get("voice"); voice != "" {
		blob := protocol.Marshal(struct {
			VoiceID string `json:"voice_id"`
		}{voice})
		if err := s.bus.Set(r.Context(), broker.ConfigKey(id), blob, broker.ConversationTTL); err != nil {
			log.Warn("voice config store failed", "error", err)
		}
	}

	sess := newSession(id, conn, s.bus, s.met, log)
	sess.run(r.Context())
}
