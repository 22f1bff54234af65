package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/formsuite/proctoring/internal/logger"
)

const (
	deniedMessage      = "Camera access required for proctoring. Please allow camera access and refresh."
	unavailableMessage = "No camera available. Proctoring will continue with tab-switch detection only."
)

// Manager acquires one capture stream and guarantees its release.
type Manager struct {
	device      Device
	surface     Surface
	constraints Constraints

	mu        sync.Mutex
	stream    Stream
	status    Status
	message   string
	acquiring bool
	released  bool
}

// NewManager creates a manager. surface may be nil when no preview is shown.
func NewManager(device Device, surface Surface, c Constraints) *Manager {
	return &Manager{
		device:      device,
		surface:     surface,
		constraints: c,
		status:      StatusIdle,
	}
}

// Acquire opens the device, attaches the stream to the preview surface and
// marks the camera active. On failure the status becomes denied or error and
// a user-facing message is recorded.
func (m *Manager) Acquire(ctx context.Context) (Stream, error) {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil, ErrReleased
	}
	if m.stream != nil {
		s := m.stream
		m.mu.Unlock()
		return s, nil
	}
	if m.acquiring {
		m.mu.Unlock()
		return nil, fmt.Errorf("camera acquisition already in progress")
	}
	m.acquiring = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.acquiring = false
		m.mu.Unlock()
	}()

	stream, err := m.device.Open(ctx, m.constraints)
	if err != nil {
		m.fail(err)
		return nil, err
	}

	if m.surface != nil {
		if err := m.surface.Attach(stream); err != nil {
			StopAll(stream)
			err = fmt.Errorf("attach preview: %w", err)
			m.fail(err)
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		// Released while the device was opening; nobody will release this one.
		if m.surface != nil {
			m.surface.Detach()
		}
		StopAll(stream)
		return nil, ErrReleased
	}
	m.stream = stream
	m.status = StatusActive
	m.message = ""
	logger.Info("Camera", "Camera active (%dx%d, facing=%s)", m.constraints.Width, m.constraints.Height, m.constraints.FacingMode)
	return stream, nil
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	if errors.Is(err, ErrAccessDenied) {
		m.status = StatusDenied
		m.message = deniedMessage
	} else {
		m.status = StatusError
		m.message = unavailableMessage
	}
	logger.Warn("Camera", "Camera acquisition failed: %v", err)
}

// Release stops every track and detaches the preview. It is safe to call
// repeatedly and before Acquire has returned.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	stream := m.stream
	m.stream = nil
	if m.status == StatusActive {
		m.status = StatusIdle
	}
	m.mu.Unlock()

	if stream == nil {
		return
	}
	if m.surface != nil {
		m.surface.Detach()
	}
	StopAll(stream)
	logger.Info("Camera", "Camera released")
}

// Status returns the current camera status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Message returns the user-facing failure message, if any.
func (m *Manager) Message() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.message
}

// Stream returns the acquired stream, or nil.
func (m *Manager) Stream() Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}
