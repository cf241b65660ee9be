package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/auth"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/notify"
)

// streamFilter returns which student's events the caller may watch. Admins
// see everyone unless ?username= narrows it; students only see their own.
func streamFilter(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok || id.Username == "" {
		writeError(w, "Not authenticated", http.StatusUnauthorized)
		return "", false
	}
	if id.IsAdmin() {
		return r.URL.Query().Get("username"), true
	}
	return id.Username, true
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	filter, ok := streamFilter(w, r)
	if !ok {
		return
	}

	id, eventCh := s.hub.Subscribe(filter)
	defer s.hub.Unsubscribe(id)

	if s.metrics != nil {
		s.metrics.StreamClients.Add(1)
		s.metrics.TotalClients.Add(1)
		defer s.metrics.StreamClients.Add(-1)
	}

	streamEventsFromChannel(r.Context(), w, eventCh, wantsProtobuf(r), s.keepalive)
}

// streamEventsFromChannel streams pre-serialized alert events to an SSE
// client until the client goes away or the hub closes the channel.
func streamEventsFromChannel(ctx context.Context, w http.ResponseWriter, eventCh <-chan *notify.SerializedEvent, useProtobuf bool, keepalive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-eventCh:
			if !ok {
				return
			}

			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}

			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()

		case <-ticker.C:
			// Keepalive comment so proxies do not time the stream out
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
