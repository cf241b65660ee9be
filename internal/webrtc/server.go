// Package webrtc accepts camera frames from exam pages over a WebRTC data
// channel. Each peer belongs to one authenticated student; binary messages
// are encoded frames, the text message "tab_switch" reports a tab switch,
// and every message is answered with a JSON reply on the same channel.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/metrics"
)

const (
	// DataChannelLabel is the label exam pages open their channel with.
	DataChannelLabel = "frames"

	// TabSwitchMessage is the text message reporting a tab switch.
	TabSwitchMessage = "tab_switch"

	inboxSize      = 4
	messageTimeout = 10 * time.Second
)

var (
	// ErrTooManyClients is returned when the peer limit is reached.
	ErrTooManyClients = errors.New("maximum clients reached")
	// ErrInvalidOffer is returned for offers that cannot be parsed.
	ErrInvalidOffer = errors.New("invalid offer")
)

// Ingest processes messages received from a peer. The returned value is sent
// back to the peer as JSON.
type Ingest interface {
	Frame(ctx context.Context, user string, data []byte) (any, error)
	TabSwitch(ctx context.Context, user string) (any, error)
}

type message struct {
	data     []byte
	isString bool
}

// Client represents a connected exam page
type Client struct {
	id       string
	user     string
	peerConn *webrtc.PeerConnection

	mu      sync.Mutex
	channel *webrtc.DataChannel

	inbox     chan message
	closeChan chan struct{}
	closeOnce sync.Once

	received atomic.Uint64
	dropped  atomic.Uint64
}

// ClientStats describes one connected peer.
type ClientStats struct {
	User     string `json:"username"`
	Received uint64 `json:"frames_received"`
	Dropped  uint64 `json:"frames_dropped"`
}

// Server manages WebRTC connections
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	ingest     Ingest
	metrics    *metrics.Metrics
}

// NewServer creates a new WebRTC server. m may be nil.
func NewServer(stunServers []string, maxClients int, ingest Ingest, m *metrics.Metrics) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	// If no STUN servers provided, use default
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		}
	}

	settingsEngine := webrtc.SettingEngine{}

	// Reduce DTLS retransmission timeout (faster connection, less CPU on retries)
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)

	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	// Data channels only; no media codecs are registered.
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: maxClients,
		api:        api,
		ingest:     ingest,
		metrics:    m,
	}
}

// HandleOffer handles an offer from user and returns the answer with ICE
// candidates included.
func (s *Server) HandleOffer(user string, offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if offer.SDP == "" || offer.Type != webrtc.SDPTypeOffer {
		return nil, ErrInvalidOffer
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        uuid.NewString(),
		user:      user,
		peerConn:  peerConn,
		inbox:     make(chan message, inboxSize),
		closeChan: make(chan struct{}),
	}
	if err := s.reserve(client); err != nil {
		peerConn.Close()
		return nil, err
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			logger.Warn("WebRTC", "Client %s opened unexpected channel %q", client.id, dc.Label())
			return
		}
		client.mu.Lock()
		client.channel = dc
		client.mu.Unlock()

		dc.OnOpen(func() {
			logger.Debug("WebRTC", "Client %s data channel open (user: %s)", client.id, user)
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			client.enqueue(message{data: msg.Data, isString: msg.IsString})
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())

		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (Peer: %s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)

	if err := peerConn.SetLocalDescription(answer); err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	if err := s.activate(client); err != nil {
		return nil, err
	}

	logger.Info("WebRTC", "Client %s connected (user: %s)", client.id, user)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("no local description available")
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	return answerJSON, nil
}

// reserve registers client if the peer limit allows it. The slot is held
// while ICE gathering runs so concurrent offers cannot exceed the limit.
func (s *Server) reserve(client *Client) error {
	s.clientsMu.Lock()
	if s.maxClients > 0 && len(s.clients) >= s.maxClients {
		s.clientsMu.Unlock()
		return fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}
	s.clients[client.id] = client
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.WebRTCClients.Add(1)
		s.metrics.TotalClients.Add(1)
	}
	return nil
}

// activate starts the worker for a reserved client, unless its peer
// connection was lost before the answer was ready.
func (s *Server) activate(client *Client) error {
	select {
	case <-client.closeChan:
		return fmt.Errorf("client %s: peer connection closed during ICE gathering", client.id)
	default:
	}
	go s.processMessages(client)
	return nil
}

// enqueue hands a message to the client's worker, dropping frames while the
// previous ones are still being classified. Text messages are never dropped;
// they wait for a free slot.
func (c *Client) enqueue(msg message) {
	select {
	case <-c.closeChan:
		return
	default:
	}
	if msg.isString {
		select {
		case c.inbox <- msg:
			c.received.Add(1)
		case <-c.closeChan:
		}
		return
	}
	select {
	case c.inbox <- msg:
		c.received.Add(1)
	default:
		c.dropped.Add(1)
	}
}

// processMessages classifies a client's messages in arrival order.
func (s *Server) processMessages(client *Client) {
	for {
		select {
		case <-client.closeChan:
			return

		case msg := <-client.inbox:
			reply := s.handleMessage(client, msg)
			if reply == nil {
				continue
			}
			if err := client.send(reply); err != nil {
				logger.Debug("WebRTC", "Reply to client %s failed: %v", client.id, err)
			}
		}
	}
}

func (s *Server) handleMessage(client *Client, msg message) any {
	ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
	defer cancel()

	var (
		reply any
		err   error
	)
	switch {
	case msg.isString && string(msg.data) == TabSwitchMessage:
		reply, err = s.ingest.TabSwitch(ctx, client.user)
	case msg.isString:
		logger.Debug("WebRTC", "Client %s sent unknown message %q", client.id, msg.data)
		return map[string]any{"error": "Unknown message"}
	default:
		reply, err = s.ingest.Frame(ctx, client.user, msg.data)
	}
	if err != nil {
		logger.Warn("WebRTC", "Client %s message failed: %v", client.id, err)
		return map[string]any{"error": err.Error()}
	}
	return reply
}

func (c *Client) send(v any) error {
	c.mu.Lock()
	dc := c.channel
	c.mu.Unlock()
	if dc == nil {
		return errors.New("data channel not open")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return dc.SendText(string(data))
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	if s.metrics != nil {
		s.metrics.WebRTCClients.Add(-1)
	}

	client.closeOnce.Do(func() { close(client.closeChan) })
	if client.peerConn != nil {
		if err := client.peerConn.Close(); err != nil {
			logger.Debug("WebRTC", "Client %s close: %v", clientID, err)
		}
	}

	logger.Info("WebRTC", "Client %s disconnected (received: %d, dropped: %d)",
		clientID, client.received.Load(), client.dropped.Load())
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns stats for all clients
func (s *Server) GetClientStats() map[string]ClientStats {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]ClientStats, len(s.clients))
	for id, client := range s.clients {
		stats[id] = ClientStats{
			User:     client.user,
			Received: client.received.Load(),
			Dropped:  client.dropped.Load(),
		}
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
