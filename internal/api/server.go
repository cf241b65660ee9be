// Package api serves the monitoring HTTP surface: the exam page endpoints
// (/analyze, /tab_switch, WebSocket and WebRTC ingest), the admin views and
// the live alert stream.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/auth"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/metrics"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/notify"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/proctor"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/webrtc"
)

// DefaultMaxFrameBytes bounds a single encoded frame.
const DefaultMaxFrameBytes = 8 << 20

// Options wires a Server. WebRTC and Metrics may be nil.
type Options struct {
	Service       *proctor.Service
	Hub           *notify.Hub
	Verifier      *auth.Verifier
	WebRTC        *webrtc.Server
	Metrics       *metrics.Metrics
	MaxFrameBytes int64
}

// Server serves the monitoring endpoints.
type Server struct {
	svc       *proctor.Service
	hub       *notify.Hub
	verifier  *auth.Verifier
	webrtc    *webrtc.Server
	metrics   *metrics.Metrics
	maxFrame  int64
	upgrader  websocket.Upgrader
	keepalive time.Duration
}

// New returns a configured server.
func New(opts Options) *Server {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return &Server{
		svc:      opts.Service,
		hub:      opts.Hub,
		verifier: opts.Verifier,
		webrtc:   opts.WebRTC,
		metrics:  opts.Metrics,
		maxFrame: opts.MaxFrameBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		keepalive: 30 * time.Second,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.verifier.Middleware)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	// Exam page
	r.Post("/analyze", s.handleAnalyze)
	r.Post("/tab_switch", s.handleTabSwitch)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Post("/session/start", s.handleSessionStart)
		r.Post("/session/end", s.handleSessionEnd)
		r.Post("/webrtc/offer", s.handleWebRTCOffer)
		r.Get("/alerts/stream", s.handleAlertStream)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/students", s.handleStudents)
			r.Get("/students/{username}", s.handleStudentHistory)
			r.Delete("/students/{username}", s.handleStudentDelete)
			r.Get("/stats", s.handleStats)
			r.Get("/sessions", s.handleSessions)
		})
	})

	return r
}

// requestLogger logs one DEBUG line per request through the module logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			logger.Debug("HTTP", "%s %s %d %dB %s [%s]", r.Method, r.URL.Path,
				ww.Status(), ww.BytesWritten(), time.Since(start), middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}

// requireAdmin rejects callers without the admin role.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, "Not authenticated", http.StatusUnauthorized)
			return
		}
		if !id.IsAdmin() {
			writeError(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// student returns the caller's username if they are a student, otherwise
// writes 401.
func student(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok || id.Role != auth.RoleStudent || id.Username == "" {
		writeError(w, "Not authenticated", http.StatusUnauthorized)
		return "", false
	}
	return id.Username, true
}

// writeServiceError maps proctor errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, proctor.ErrInvalidInput):
		writeError(w, "No image data provided", http.StatusBadRequest)
	case errors.Is(err, proctor.ErrUnauthenticated):
		writeError(w, "Not authenticated", http.StatusUnauthorized)
	case errors.As(err, &tooLarge):
		writeError(w, "Frame too large", http.StatusRequestEntityTooLarge)
	default:
		logger.Error("API", "Request failed: %v", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSONWithStatus(w, map[string]any{"error": msg}, status)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
