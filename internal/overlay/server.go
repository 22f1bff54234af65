// Package overlay serves the floating monitor page shown to the test-taker
// and the endpoints it uses to report visibility and user actions.
package overlay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/formsuite/proctoring/internal/logger"
	"github.com/formsuite/proctoring/internal/metrics"
	"github.com/formsuite/proctoring/internal/proctor"
	"github.com/formsuite/proctoring/internal/recorder"
	"github.com/formsuite/proctoring/internal/webrtc"
)

// Session is the part of proctor.Session the overlay drives.
type Session interface {
	Snapshot() proctor.Snapshot
	Subscribe(fn func(proctor.Snapshot)) (unsubscribe func())
	DismissAlert()
	SetMinimized(minimized bool)
}

// RecorderStatus is implemented by recorder.Recorder.
type RecorderStatus interface {
	GetStatus() recorder.RecordingStatus
}

// Server serves the overlay endpoints.
type Server struct {
	cfg         Config
	session     Session
	visibility  *proctor.VisibilityHub
	frames      *FrameBroadcaster
	status      *StatusBroadcaster
	webrtc      *webrtc.Server
	metrics     *metrics.Metrics
	unsubscribe func()

	mu       sync.RWMutex
	recorder RecorderStatus
}

// NewServer wires the overlay to a session. frames is the preview surface
// the camera manager attaches to.
func NewServer(cfg Config, session Session, visibility *proctor.VisibilityHub, frames *FrameBroadcaster, m *metrics.Metrics) *Server {
	def := DefaultConfig()
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.MJPEGInterval <= 0 {
		cfg.MJPEGInterval = def.MJPEGInterval
	}
	if cfg.MaxWebRTCClients <= 0 {
		cfg.MaxWebRTCClients = def.MaxWebRTCClients
	}
	if frames == nil {
		frames = NewFrameBroadcaster(cfg.MJPEGInterval)
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:        cfg,
		session:    session,
		visibility: visibility,
		frames:     frames,
		status:     NewStatusBroadcaster(),
		metrics:    m,
	}
	s.webrtc = webrtc.NewServer(cfg.STUNServers, cfg.MaxWebRTCClients, s.applyControl)
	s.unsubscribe = session.Subscribe(func(snap proctor.Snapshot) {
		if data := s.status.Publish(snap); data != nil {
			s.webrtc.Broadcast(data)
		}
	})
	return s
}

// SetRecorder makes the local violation log's status part of /api/agent.
func (s *Server) SetRecorder(r RecorderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorder = r
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/agent", s.handleAgent)
	mux.HandleFunc("/api/visibility", s.handleVisibility)
	mux.HandleFunc("/api/overlay/minimize", s.handleMinimize)
	mux.HandleFunc("/api/alert/dismiss", s.handleDismiss)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.Handle("/metrics", s.metrics.Handler())

	return mux
}

// Close detaches from the session and drops WebRTC peers.
func (s *Server) Close() error {
	s.unsubscribe()
	return s.webrtc.Close()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)
	streamMJPEGFromChannel(w, r, frameCh)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.session.Snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	refresh := func() []byte {
		data, err := json.Marshal(s.session.Snapshot())
		if err != nil {
			return nil
		}
		return data
	}
	streamEventsFromChannel(w, r, eventCh, refresh(), s.cfg.StatusInterval, refresh)
}

type webrtcStatus struct {
	Clients int                          `json:"clients"`
	Peers   map[string]map[string]uint64 `json:"peers"`
}

type agentStatus struct {
	PreviewAttached bool                      `json:"previewAttached"`
	WebRTC          webrtcStatus              `json:"webrtc"`
	Recorder        *recorder.RecordingStatus `json:"recorder,omitempty"`
}

// handleAgent reports the state of the agent's local surfaces.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	status := agentStatus{
		PreviewAttached: s.frames.Attached(),
		WebRTC: webrtcStatus{
			Clients: s.webrtc.GetClientCount(),
			Peers:   s.webrtc.GetClientStats(),
		},
	}

	s.mu.RLock()
	rec := s.recorder
	s.mu.RUnlock()
	if rec != nil {
		rs := rec.GetStatus()
		status.Recorder = &rs
	}
	writeJSON(w, status)
}

type visibilityRequest struct {
	Hidden *bool `json:"hidden"`
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req visibilityRequest
	if err := decodeBody(r, &req); err != nil || req.Hidden == nil {
		writeJSONWithStatus(w, map[string]any{"error": "expected {\"hidden\": bool}"}, http.StatusBadRequest)
		return
	}
	if s.visibility != nil {
		s.visibility.SetHidden(*req.Hidden)
	}
	w.WriteHeader(http.StatusNoContent)
}

type minimizeRequest struct {
	Minimized *bool `json:"minimized"`
}

func (s *Server) handleMinimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req minimizeRequest
	if err := decodeBody(r, &req); err != nil || req.Minimized == nil {
		writeJSONWithStatus(w, map[string]any{"error": "expected {\"minimized\": bool}"}, http.StatusBadRequest)
		return
	}
	s.session.SetMinimized(*req.Minimized)
	writeJSON(w, map[string]any{"minimized": *req.Minimized})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.session.DismissAlert()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	offerJSON, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answerJSON, err := s.webrtc.HandleOffer(offerJSON)
	if err != nil {
		logger.Warn("Overlay", "WebRTC offer error: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("Failed to handle offer: %v", err)}, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answerJSON)
}

// applyControl handles messages arriving on the WebRTC data channel.
func (s *Server) applyControl(msg webrtc.ControlMessage) {
	switch msg.Type {
	case "visibility":
		if msg.Hidden != nil && s.visibility != nil {
			s.visibility.SetHidden(*msg.Hidden)
		}
	case "minimize":
		if msg.Minimized != nil {
			s.session.SetMinimized(*msg.Minimized)
		}
	case "dismiss":
		s.session.DismissAlert()
	default:
		logger.Debug("Overlay", "Ignoring control message %q", msg.Type)
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<10))
	return dec.Decode(v)
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
