package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/auth"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/notify"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/proctor"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingInterval = 25 * time.Second
	wsWriteWait    = 10 * time.Second
	wsSendBuffer   = 16
)

// WebSocket message types
const (
	MsgWelcome   = "welcome"
	MsgAnalysis  = "analysis"
	MsgTabSwitch = "tab_switch"
	MsgAlert     = "alert"
	MsgPong      = "pong"
	MsgError     = "error"
)

// WSMessage is the envelope for every server-to-client message.
type WSMessage struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// wsRequest is a text message from the client. Binary messages are raw
// encoded frames.
type wsRequest struct {
	Type  string `json:"type"` // "frame", "tab_switch", "ping"
	Image string `json:"image,omitempty"`
}

type wsClient struct {
	conn       *websocket.Conn
	id         string
	identity   auth.Identity
	send       chan WSMessage
	writerDone chan struct{}
}

func newWSMessage(typ string, payload any) WSMessage {
	return WSMessage{Type: typ, Payload: payload, Timestamp: time.Now().Unix()}
}

// push queues msg for the writer, giving up once the writer has exited.
func (c *wsClient) push(msg WSMessage) {
	select {
	case c.send <- msg:
	case <-c.writerDone:
	}
}

// handleWebSocket serves /ws. Students stream frames and tab switches and
// receive their own alerts; admins receive the alert feed only.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok || id.Username == "" {
		writeError(w, "Not authenticated", http.StatusUnauthorized)
		return
	}
	filter := id.Username
	if id.IsAdmin() {
		filter = r.URL.Query().Get("username")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket", "Upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		conn:       conn,
		id:         uuid.NewString(),
		identity:   id,
		send:       make(chan WSMessage, wsSendBuffer),
		writerDone: make(chan struct{}),
	}

	subID, events := s.hub.Subscribe(filter)
	if s.metrics != nil {
		s.metrics.StreamClients.Add(1)
		s.metrics.TotalClients.Add(1)
	}
	logger.Info("WebSocket", "Client %s connected (user: %s, role: %s)", client.id, id.Username, id.Role)

	done := make(chan struct{})
	go s.writePump(client, events, done)

	welcome := newWSMessage(MsgWelcome, map[string]any{"username": id.Username, "role": id.Role})
	welcome.ClientID = client.id
	client.push(welcome)

	s.readPump(r.Context(), client)

	close(done)
	<-client.writerDone
	s.hub.Unsubscribe(subID)
	if s.metrics != nil {
		s.metrics.StreamClients.Add(-1)
	}
	logger.Info("WebSocket", "Client %s disconnected", client.id)
}

// readPump handles client messages one at a time, so a student's frames
// are classified in the order they were sent.
func (s *Server) readPump(ctx context.Context, client *wsClient) {
	defer client.conn.Close()

	client.conn.SetReadLimit(s.encodedLimit())
	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		kind, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket", "Read error for %s: %v", client.id, err)
			}
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		client.push(s.handleWSMessage(ctx, client, kind, data))
	}
}

func (s *Server) handleWSMessage(ctx context.Context, client *wsClient, kind int, data []byte) WSMessage {
	req := wsRequest{Type: "frame"}
	switch {
	case kind == websocket.BinaryMessage:
	case strings.TrimSpace(string(data)) == MsgTabSwitch:
		req.Type = MsgTabSwitch
	default:
		if err := json.Unmarshal(data, &req); err != nil {
			return newWSMessage(MsgError, map[string]any{"error": "Invalid message"})
		}
	}

	if req.Type == "ping" {
		return newWSMessage(MsgPong, nil)
	}
	if client.identity.Role != auth.RoleStudent {
		return newWSMessage(MsgError, map[string]any{"error": "Not authenticated"})
	}
	user := client.identity.Username

	switch req.Type {
	case "frame":
		var (
			res proctor.FrameResult
			err error
		)
		if kind == websocket.BinaryMessage {
			res, err = s.svc.ClassifyFrame(ctx, user, data)
		} else {
			res, err = s.svc.ClassifyEncoded(ctx, user, req.Image)
		}
		if err != nil {
			return wsError(err)
		}
		return newWSMessage(MsgAnalysis, analyzeReply(res))

	case MsgTabSwitch:
		res, err := s.svc.TabSwitch(ctx, user)
		if err != nil {
			return wsError(err)
		}
		return newWSMessage(MsgTabSwitch, tabSwitchReply(res))

	default:
		logger.Debug("WebSocket", "Unknown message type from %s: %q", client.id, req.Type)
		return newWSMessage(MsgError, map[string]any{"error": "Unknown message type"})
	}
}

func wsError(err error) WSMessage {
	msg := err.Error()
	switch {
	case errors.Is(err, proctor.ErrInvalidInput):
		msg = "No image data provided"
	case errors.Is(err, proctor.ErrUnauthenticated):
		msg = "Not authenticated"
	}
	return newWSMessage(MsgError, map[string]any{"error": msg})
}

// writePump is the connection's only writer: replies, pushed alerts and
// pings.
func (s *Server) writePump(client *wsClient, events <-chan *notify.SerializedEvent, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
		close(client.writerDone)
	}()

	for {
		select {
		case <-done:
			return

		case msg := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteJSON(msg); err != nil {
				return
			}

		case event, ok := <-events:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			msg := newWSMessage(MsgAlert, json.RawMessage(event.JSONData))
			if err := client.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
