// Package api provides the HTTP server for PeerLink: a REST API over the
// peer directory, messaging and groups, plus the websocket relay hub.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peerlink-network/peerlink/internal/app/groups"
	"github.com/peerlink-network/peerlink/internal/app/messaging"
	"github.com/peerlink-network/peerlink/internal/app/peers"
	"github.com/peerlink-network/peerlink/internal/domain"
	"github.com/peerlink-network/peerlink/internal/health"
	"github.com/peerlink-network/peerlink/internal/infra/transport"
)

// Version is reported by /api/status.
var Version = "0.1.0"

// Services are the components the API serves.
type Services struct {
	Peers      *peers.Service
	Messages   *messaging.Service
	Groups     *groups.Service
	Transports *transport.Registry
	Health     *health.Checker // optional
	Relay      *RelayHub       // optional; mounts /relay
}

// Server is the PeerLink HTTP API server.
type Server struct {
	svc            Services
	metricsEnabled bool
	corsOrigin     string
}

// NewServer creates a new API server.
func NewServer(svc Services) *Server {
	return &Server{svc: svc, corsOrigin: "*"}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetCORSOrigin sets the Access-Control-Allow-Origin value. Empty disables CORS headers.
func (s *Server) SetCORSOrigin(origin string) { s.corsOrigin = origin }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	// The relay socket is long-lived, so it sits outside the request timeout.
	if s.svc.Relay != nil {
		r.Handle("/relay", s.svc.Relay)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(2 * time.Minute))

		r.Get("/health", s.handleHealth)
		r.Get("/api/status", s.handleStatus)

		r.Route("/api/transports", func(r chi.Router) {
			r.Get("/", s.handleListTransports)
			r.Post("/{type}/refresh", s.handleRefreshTransport)
		})

		r.Route("/api/peers", func(r chi.Router) {
			r.Get("/", s.handleListPeers)
			r.Post("/", s.handleStorePeer)
			r.Post("/discover", s.handleDiscoverPeers)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetPeer)
				r.Put("/", s.handleStorePeer)
				r.Post("/connect", s.handleConnectPeer)
				r.Post("/disconnect", s.handleDisconnectPeer)
				r.Put("/trust", s.handleUpdateTrust)
				r.Put("/blocked", s.handleSetBlocked)
				r.Get("/transfers", s.handleListTransfers)
				r.Post("/transfers", s.handleSendTransfer)
			})
		})

		r.Route("/api/messages", func(r chi.Router) {
			r.Post("/", s.handleSendMessage)
			r.Post("/read", s.handleMarkRead)
			r.Get("/unread", s.handleUnreadCount)
			r.Get("/{peerId}", s.handleMessageHistory)
		})

		r.Route("/api/groups", func(r chi.Router) {
			r.Get("/", s.handleListGroups)
			r.Post("/", s.handleCreateGroup)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetGroup)
				r.Delete("/", s.handleDeleteGroup)
				r.Get("/members", s.handleListMembers)
				r.Post("/members", s.handleAddMember)
				r.Delete("/members/{peerId}", s.handleRemoveMember)
				r.Post("/send", s.handleSendToGroup)
			})
		})
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Status ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.svc.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.svc.Health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": s.svc.Health.Statuses(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":            "PeerLink is running",
		"version":           Version,
		"active_transports": s.svc.Transports.Active(),
	}
	if s.svc.Relay != nil {
		resp["relay_peers"] = len(s.svc.Relay.Addresses())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTransports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"priority":   s.svc.Transports.Priority(),
		"transports": s.svc.Transports.Statuses(),
	})
}

func (s *Server) handleRefreshTransport(w http.ResponseWriter, r *http.Request) {
	t, err := domain.ParseTransportType(chi.URLParam(r, "type"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	st, err := s.svc.Transports.Refresh(t)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// writeServiceError maps domain errors onto HTTP statuses. Transport
// failures are 503 and marked retryable.
func writeServiceError(w http.ResponseWriter, err error) {
	status, typ := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, typ = http.StatusNotFound, "not_found"
	case domain.IsRetryable(err):
		status, typ = http.StatusServiceUnavailable, "transport"
	case errors.Is(err, domain.ErrRegistryClosed):
		status, typ = http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, domain.ErrPeerBlocked):
		status, typ = http.StatusForbidden, "blocked"
	case errors.Is(err, domain.ErrOwnerRemoval):
		status, typ = http.StatusConflict, "conflict"
	case isValidation(err):
		status, typ = http.StatusBadRequest, "invalid_request"
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message":   err.Error(),
			"type":      typ,
			"retryable": domain.IsRetryable(err),
		},
	})
}

func isValidation(err error) bool {
	for _, target := range []error{
		domain.ErrInvalidPeer,
		domain.ErrInvalidTrustLevel,
		domain.ErrInvalidPeerStatus,
		domain.ErrEmptyMessage,
		domain.ErrInvalidGroup,
		domain.ErrInvalidRole,
		domain.ErrInvalidSendType,
		domain.ErrUnknownTransport,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// decodeJSON reads a JSON body into v. An empty body leaves v unchanged.
func decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(key + " must be an integer")
	}
	return n, nil
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

// corsMiddleware adds CORS headers for browser clients.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
