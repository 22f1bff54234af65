package overlay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/formsuite/proctoring/internal/camera"
	"github.com/formsuite/proctoring/internal/logger"
	"github.com/formsuite/proctoring/internal/proctor"
)

// FrameBroadcaster fans the attached camera's preview JPEGs out to MJPEG
// clients. It is the camera's preview surface.
type FrameBroadcaster struct {
	interval time.Duration

	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	stream  camera.Stream
	stop    chan struct{}
}

// NewFrameBroadcaster creates a broadcaster polling at interval.
func NewFrameBroadcaster(interval time.Duration) *FrameBroadcaster {
	if interval <= 0 {
		interval = DefaultConfig().MJPEGInterval
	}
	return &FrameBroadcaster{
		interval: interval,
		clients:  make(map[int]chan []byte),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	fb.clients[id] = ch

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(fb.clients))
	}
}

// Attach starts forwarding frames from s.
func (fb *FrameBroadcaster) Attach(s camera.Stream) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.stream != nil {
		return fmt.Errorf("preview already attached")
	}
	fb.stream = s
	fb.stop = make(chan struct{})
	go fb.run(s, fb.stop)
	logger.Info("FrameBroadcaster", "Preview attached")
	return nil
}

// Detach stops forwarding. Connected clients fall back to the placeholder.
func (fb *FrameBroadcaster) Detach() {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.stream == nil {
		return
	}
	close(fb.stop)
	fb.stream = nil
	logger.Info("FrameBroadcaster", "Preview detached")
}

// Attached reports whether a stream is attached.
func (fb *FrameBroadcaster) Attached() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.stream != nil
}

func (fb *FrameBroadcaster) run(s camera.Stream, stop <-chan struct{}) {
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()

	var (
		lastSeq   uint64
		skipCount int // polls skipped while no clients are connected
	)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		fb.mu.Lock()
		clientCount := len(fb.clients)
		fb.mu.Unlock()

		if clientCount == 0 {
			skipCount++
			if skipCount%100 == 0 {
				logger.Debug("FrameBroadcaster", "No clients connected (idle for %d polls)", skipCount)
			}
			continue
		}
		skipCount = 0

		f := s.LatestFrame()
		if f == nil || f.Sequence == lastSeq || len(f.JPEG) == 0 {
			continue
		}
		lastSeq = f.Sequence
		fb.broadcast(f.JPEG)
	}
}

func (fb *FrameBroadcaster) broadcast(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, skip this frame for this client
		}
	}
}

// StatusBroadcaster fans serialized session snapshots out to SSE clients.
type StatusBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
}

// NewStatusBroadcaster creates an empty broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{clients: make(map[int]chan []byte)}
}

// Subscribe adds a new client.
func (sb *StatusBroadcaster) Subscribe() (int, <-chan []byte) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	id := sb.nextID
	sb.nextID++
	ch := make(chan []byte, 4)
	sb.clients[id] = ch
	logger.Debug("StatusBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(sb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (sb *StatusBroadcaster) Unsubscribe(id int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if ch, ok := sb.clients[id]; ok {
		close(ch)
		delete(sb.clients, id)
	}
}

// Publish serializes snap once and queues it for every client.
func (sb *StatusBroadcaster) Publish(snap proctor.Snapshot) []byte {
	data, err := json.Marshal(snap)
	if err != nil {
		logger.Error("StatusBroadcaster", "JSON marshal error: %v", err)
		return nil
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	for _, ch := range sb.clients {
		select {
		case ch <- data:
		default:
			// The periodic refresh will catch this client up.
		}
	}
	return data
}
