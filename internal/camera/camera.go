// Package camera owns the webcam capture lifecycle: acquisition, attachment to
// a live preview surface, and teardown.
package camera

import (
	"context"
	"errors"

	"github.com/formsuite/proctoring/pkg/types"
)

var (
	// ErrAccessDenied means the user or platform refused camera access.
	ErrAccessDenied = errors.New("camera access denied")
	// ErrUnavailable means no usable capture device was found.
	ErrUnavailable = errors.New("camera unavailable")
	// ErrReleased is returned when the session was released while acquiring.
	ErrReleased = errors.New("camera session released")
)

// Status is the camera state shown to the user.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusActive Status = "active"
	StatusDenied Status = "denied"
	StatusError  Status = "error"
)

// Constraints describes the requested capture format.
type Constraints struct {
	Width      int
	Height     int
	FacingMode string
	Audio      bool
}

// DefaultConstraints requests a low resolution front-facing video-only stream.
func DefaultConstraints() Constraints {
	return Constraints{
		Width:      320,
		Height:     240,
		FacingMode: "user",
		Audio:      false,
	}
}

// Track is one media track of a live stream.
type Track interface {
	ID() string
	Kind() string
	Live() bool
	// Stop ends the track. Calling it more than once is a no-op.
	Stop()
}

// Stream is a live capture stream.
type Stream interface {
	Tracks() []Track
	// LatestFrame returns the most recent frame, or nil before the first one.
	LatestFrame() *types.Frame
}

// Device opens capture streams.
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Surface is a live preview the stream is attached to.
type Surface interface {
	Attach(s Stream) error
	Detach()
}

// StopAll stops every track of s.
func StopAll(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
