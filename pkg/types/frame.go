package types

import (
	"image"
	"time"
)

// ReadyState mirrors the readiness levels of a media element.
// Only HaveEnoughData means the frame has been fully decoded.
type ReadyState int

const (
	HaveNothing ReadyState = iota
	HaveMetadata
	HaveCurrentData
	HaveFutureData
	HaveEnoughData
)

// Frame is one decoded video frame with metadata
type Frame struct {
	Sequence   uint64      // Monotonic per stream, starts at 1
	CapturedAt time.Time   // Time the frame was decoded
	Width      int         // Frame width after scaling
	Height     int         // Frame height after scaling
	Image      image.Image // Decoded pixels
	JPEG       []byte      // Encoded copy used for preview and remote inference
	ReadyState ReadyState
}

// Ready reports whether the frame is complete and differs from lastSequence.
func (f *Frame) Ready(lastSequence uint64) bool {
	if f == nil {
		return false
	}
	return f.ReadyState == HaveEnoughData && f.Sequence != lastSequence
}

// Detection is one classifier output for a single frame.
type Detection struct {
	ClassLabel string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
}
