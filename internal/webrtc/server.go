package webrtc

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/formsuite/proctoring/internal/logger"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// ChannelLabel is the data channel the overlay page opens.
const ChannelLabel = "proctoring"

// ControlMessage is sent by the overlay page over the data channel.
type ControlMessage struct {
	Type      string `json:"type"` // "visibility", "minimize" or "dismiss"
	Hidden    *bool  `json:"hidden,omitempty"`
	Minimized *bool  `json:"minimized,omitempty"`
}

// MessageHandler receives decoded control messages.
type MessageHandler func(ControlMessage)

// Client represents a connected overlay page
type Client struct {
	id          string
	peerConn    *webrtc.PeerConnection
	channel     *webrtc.DataChannel
	sendChan    chan []byte
	closeChan   chan struct{}
	msgsSent    atomic.Uint64
	msgsDropped atomic.Uint64
}

// Server manages WebRTC data channel connections
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	handler    MessageHandler

	lastMu sync.Mutex
	last   []byte // Most recent broadcast, replayed when a channel opens
}

// NewServer creates a new WebRTC server
func NewServer(stunServers []string, maxClients int, handler MessageHandler) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	if maxClients <= 0 {
		maxClients = 4
	}
	if handler == nil {
		handler = func(ControlMessage) {}
	}

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: maxClients,
		api:        api,
		handler:    handler,
	}
}

// HandleOffer handles a WebRTC offer and returns an answer
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("invalid offer")
	}

	s.clientsMu.RLock()
	numClients := len(s.clients)
	s.clientsMu.RUnlock()

	if numClients >= s.maxClients {
		return nil, fmt.Errorf("maximum clients reached (%d)", s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        uuid.NewString(),
		peerConn:  peerConn,
		sendChan:  make(chan []byte, 8),
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			logger.Debug("WebRTC", "Client %s opened unexpected channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			s.clientsMu.Lock()
			client.channel = dc
			s.clientsMu.Unlock()
			logger.Debug("WebRTC", "Client %s data channel open", client.id)

			s.lastMu.Lock()
			last := s.last
			s.lastMu.Unlock()
			if last != nil {
				s.enqueue(client, last)
			}
			go s.sendMessages(client, dc)
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			var ctrl ControlMessage
			if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
				logger.Warn("WebRTC", "Client %s sent malformed message: %v", client.id, err)
				return
			}
			s.handler(ctrl)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())

		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Client %s connection lost (Peer: %s), removing...", client.id, state.String())
			go s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)

	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()

	logger.Info("WebRTC", "Client %s connected", client.id)

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

// Broadcast queues payload for every client with an open channel. Slow
// clients drop messages rather than block the caller.
func (s *Server) Broadcast(payload []byte) {
	s.lastMu.Lock()
	s.last = payload
	s.lastMu.Unlock()

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		if client.channel == nil {
			continue
		}
		s.enqueueLocked(client, payload)
	}
}

func (s *Server) enqueue(client *Client, payload []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	s.enqueueLocked(client, payload)
}

func (s *Server) enqueueLocked(client *Client, payload []byte) {
	select {
	case <-client.closeChan:
	case client.sendChan <- payload:
		client.msgsSent.Add(1)
	default:
		client.msgsDropped.Add(1)
	}
}

func (s *Server) sendMessages(client *Client, dc *webrtc.DataChannel) {
	for {
		select {
		case <-client.closeChan:
			return
		case payload := <-client.sendChan:
			if err := dc.SendText(string(payload)); err != nil {
				logger.Warn("WebRTC", "Error sending to client %s: %v", client.id, err)
				return
			}
		}
	}
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
		close(client.closeChan)
	}
	s.clientsMu.Unlock()

	if !exists {
		return
	}
	client.peerConn.Close()

	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.msgsSent.Load(), client.msgsDropped.Load())
}

// GetClientCount returns the number of connected clients
func (s *Server) GetClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetClientStats returns stats for all clients
func (s *Server) GetClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64)
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"messages_sent":    client.msgsSent.Load(),
			"messages_dropped": client.msgsDropped.Load(),
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
