package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/alert"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/webrtc"
)

const maxOfferBytes = 64 << 10

type analyzeRequest struct {
	Image string `json:"image"`
}

// encodedLimit is the request body bound for a base64 frame in JSON.
func (s *Server) encodedLimit() int64 {
	return s.maxFrame/3*4 + 4096
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":   "ok",
		"sessions": s.svc.Sessions().Count(),
		"users":    len(s.svc.Aggregator().Users()),
	})
}

// handleAnalyze accepts {"image": "<data URL or base64>"} or a raw image
// body (Content-Type image/* or application/octet-stream).
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	user, ok := student(w, r)
	if !ok {
		return
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "application/octet-stream") {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxFrame))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if len(data) == 0 {
			data = nil
		}
		res, err := s.svc.ClassifyFrame(r.Context(), user, data)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, analyzeReply(res))
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.encodedLimit())).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeServiceError(w, err)
			return
		}
		logger.Debug("API", "Bad /analyze body from %s: %v", user, err)
		writeError(w, "No image data provided", http.StatusBadRequest)
		return
	}

	res, err := s.svc.ClassifyEncoded(r.Context(), user, req.Image)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, analyzeReply(res))
}

func (s *Server) handleTabSwitch(w http.ResponseWriter, r *http.Request) {
	user, ok := student(w, r)
	if !ok {
		return
	}
	res, err := s.svc.TabSwitch(r.Context(), user)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, tabSwitchReply(res))
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	user, ok := student(w, r)
	if !ok {
		return
	}
	if err := s.svc.Begin(user); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"status": "started", "username": user})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	user, ok := student(w, r)
	if !ok {
		return
	}
	ended := s.svc.EndSession(user)
	writeJSON(w, map[string]any{"status": "ended", "username": user, "ended": ended})
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	user, ok := student(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOfferBytes))
	if err != nil {
		writeError(w, "Invalid offer data", http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, "Invalid offer data", http.StatusBadRequest)
		return
	}

	if payload["sdp"] == nil || payload["type"] == nil {
		writeError(w, "Invalid offer data", http.StatusBadRequest)
		return
	}

	if s.webrtc == nil {
		writeError(w, "WebRTC ingest is disabled", http.StatusServiceUnavailable)
		return
	}

	answer, err := s.webrtc.HandleOffer(user, body)
	switch {
	case errors.Is(err, webrtc.ErrInvalidOffer):
		writeError(w, "Invalid offer data", http.StatusBadRequest)
		return
	case errors.Is(err, webrtc.ErrTooManyClients):
		writeError(w, "Too many clients", http.StatusServiceUnavailable)
		return
	case err != nil:
		logger.Error("API", "WebRTC offer from %s failed: %v", user, err)
		writeError(w, "Failed to create answer", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(answer)
}

// Admin views

func (s *Server) handleStudents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.svc.Aggregator().All())
}

func (s *Server) handleStudentHistory(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	record, ok := s.svc.Aggregator().Snapshot(username)
	if !ok {
		writeJSONWithStatus(w, map[string]any{
			"username": username,
			"error":    "No data available for this student",
		}, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"username": username,
		"history":  record,
	})
}

func (s *Server) handleStudentDelete(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if !s.svc.DeleteRecord(username) {
		writeError(w, "No data available for this student", http.StatusNotFound)
		return
	}
	logger.Info("API", "Record for %s deleted", username)
	writeJSON(w, map[string]any{"status": "deleted", "username": username})
}

type statsReply struct {
	alert.Stats
	ActiveSessions int `json:"active_sessions"`
	StreamClients  int `json:"stream_clients"`
	WebRTCClients  int `json:"webrtc_clients"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	reply := statsReply{
		Stats:          s.svc.Aggregator().Stats(),
		ActiveSessions: s.svc.Sessions().Count(),
		StreamClients:  s.hub.Count(),
	}
	if s.webrtc != nil {
		reply.WebRTCClients = s.webrtc.GetClientCount()
	}
	writeJSON(w, reply)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"sessions": s.svc.Sessions().List()}
	if s.webrtc != nil {
		payload["webrtc"] = s.webrtc.GetClientStats()
	} else {
		payload["webrtc"] = map[string]webrtc.ClientStats{}
	}
	writeJSON(w, payload)
}
