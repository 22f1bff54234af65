// Package classifier turns camera frames into normalized person and object
// detections. Backends are interchangeable behind the Classifier interface.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/formsuite/proctoring/pkg/types"
)

// ErrClosed is returned by Classify after Close.
var ErrClosed = errors.New("classifier closed")

// PersonLabel is the object class a single detector uses for people.
const PersonLabel = "person"

// Result is the normalized output of one classification.
type Result struct {
	PersonCount int
	// PersonConfidences is sorted descending; the first entry is the primary person.
	PersonConfidences []float64
	Objects           []types.Detection
}

// Classifier runs inference on a single frame.
type Classifier interface {
	Classify(ctx context.Context, f *types.Frame) (Result, error)
	Close() error
}

// FaceDetector finds faces in a frame.
type FaceDetector interface {
	DetectFaces(ctx context.Context, f *types.Frame) ([]types.Detection, error)
}

// ObjectDetector finds labelled objects in a frame.
type ObjectDetector interface {
	DetectObjects(ctx context.Context, f *types.Frame) ([]types.Detection, error)
}

// Loader produces a ready classifier. It may block while models load.
type Loader func(ctx context.Context) (Classifier, error)

// Backend selects the detection strategy.
type Backend string

const (
	// BackendDual pairs a face detector for people with an object detector.
	BackendDual Backend = "dual"
	// BackendSingle uses one object detector for people and objects.
	BackendSingle Backend = "single"
)

// ParseBackend validates a configured backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendDual, BackendSingle:
		return b, nil
	default:
		return "", fmt.Errorf("unknown classifier backend %q", s)
	}
}

type dualModel struct {
	faces   FaceDetector
	objects ObjectDetector
	closer  closeOnce
}

// NewDualModel counts people by face and reports every object detection.
func NewDualModel(faces FaceDetector, objects ObjectDetector) Classifier {
	return &dualModel{
		faces:   faces,
		objects: objects,
		closer:  closeOnce{targets: []any{faces, objects}},
	}
}

func (m *dualModel) Classify(ctx context.Context, f *types.Frame) (Result, error) {
	if m.closer.isClosed() {
		return Result{}, ErrClosed
	}
	faces, err := m.faces.DetectFaces(ctx, f)
	if err != nil {
		return Result{}, fmt.Errorf("detect faces: %w", err)
	}
	objects, err := m.objects.DetectObjects(ctx, f)
	if err != nil {
		return Result{}, fmt.Errorf("detect objects: %w", err)
	}

	confs := make([]float64, 0, len(faces))
	for _, d := range faces {
		confs = append(confs, d.Confidence)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(confs)))
	return Result{
		PersonCount:       len(faces),
		PersonConfidences: confs,
		Objects:           objects,
	}, nil
}

func (m *dualModel) Close() error { return m.closer.close() }

// MinPersonConfidence is the cut-off for counting a person detection in
// single-model mode.
const MinPersonConfidence = 0.5

type singleModel struct {
	detector ObjectDetector
	closer   closeOnce
}

// NewSingleModel derives the person count from "person" detections and passes
// every other detection through as an object.
func NewSingleModel(detector ObjectDetector) Classifier {
	return &singleModel{
		detector: detector,
		closer:   closeOnce{targets: []any{detector}},
	}
}

func (m *singleModel) Classify(ctx context.Context, f *types.Frame) (Result, error) {
	if m.closer.isClosed() {
		return Result{}, ErrClosed
	}
	dets, err := m.detector.DetectObjects(ctx, f)
	if err != nil {
		return Result{}, fmt.Errorf("detect objects: %w", err)
	}

	var res Result
	for _, d := range dets {
		if strings.EqualFold(d.ClassLabel, PersonLabel) {
			if d.Confidence >= MinPersonConfidence {
				res.PersonConfidences = append(res.PersonConfidences, d.Confidence)
			}
			continue
		}
		res.Objects = append(res.Objects, d)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(res.PersonConfidences)))
	res.PersonCount = len(res.PersonConfidences)
	return res, nil
}

func (m *singleModel) Close() error { return m.closer.close() }

// closeOnce closes every distinct io.Closer among its targets exactly once.
type closeOnce struct {
	targets []any
	closed  atomic.Bool
}

func (c *closeOnce) isClosed() bool { return c.closed.Load() }

func (c *closeOnce) close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	seen := make(map[io.Closer]bool)
	for _, t := range c.targets {
		cl, ok := t.(io.Closer)
		if !ok || seen[cl] {
			continue
		}
		seen[cl] = true
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
