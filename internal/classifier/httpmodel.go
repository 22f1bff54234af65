package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/formsuite/proctoring/internal/logger"
	"github.com/formsuite/proctoring/pkg/types"
)

// ModelOptions configures one model served by the inference service.
type ModelOptions struct {
	BaseURL       string
	Name          string
	MinConfidence float64
	MaxResults    int    // 0 means no limit
	Delegate      string // "GPU" or "CPU"
	Client        *http.Client
}

// HTTPModel is a handle to a model hosted by the inference service. It
// satisfies both FaceDetector and ObjectDetector.
type HTTPModel struct {
	opts   ModelOptions
	client *http.Client

	closeOnce sync.Once
	closed    chan struct{}
}

type detectResponse struct {
	Detections []types.Detection `json:"detections"`
}

// LoadHTTPModel checks that the service has the model ready and returns a
// handle to it.
func LoadHTTPModel(ctx context.Context, opts ModelOptions) (*HTTPModel, error) {
	if opts.BaseURL == "" || opts.Name == "" {
		return nil, fmt.Errorf("model base url and name are required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	m := &HTTPModel{opts: opts, client: client, closed: make(chan struct{})}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.modelURL(""), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", opts.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("load model %s: service returned %d", opts.Name, resp.StatusCode)
	}

	logger.Info("Classifier", "Model %s ready (delegate=%s)", opts.Name, opts.Delegate)
	return m, nil
}

func (m *HTTPModel) modelURL(suffix string) string {
	return strings.TrimRight(m.opts.BaseURL, "/") + "/v1/models/" + url.PathEscape(m.opts.Name) + suffix
}

// Detect posts the frame as JPEG and returns the raw detections.
func (m *HTTPModel) Detect(ctx context.Context, f *types.Frame) ([]types.Detection, error) {
	select {
	case <-m.closed:
		return nil, ErrClosed
	default:
	}
	if f == nil {
		return nil, fmt.Errorf("nil frame")
	}

	body := f.JPEG
	if len(body) == 0 {
		if f.Image == nil {
			return nil, fmt.Errorf("frame %d has no image data", f.Sequence)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, f.Image, nil); err != nil {
			return nil, fmt.Errorf("encode frame: %w", err)
		}
		body = buf.Bytes()
	}

	q := url.Values{}
	q.Set("min_confidence", strconv.FormatFloat(m.opts.MinConfidence, 'f', -1, 64))
	if m.opts.MaxResults > 0 {
		q.Set("max_results", strconv.Itoa(m.opts.MaxResults))
	}
	if m.opts.Delegate != "" {
		q.Set("delegate", m.opts.Delegate)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.modelURL(":detect")+"?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("detect: service returned %d", resp.StatusCode)
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}
	return out.Detections, nil
}

// DetectFaces implements FaceDetector.
func (m *HTTPModel) DetectFaces(ctx context.Context, f *types.Frame) ([]types.Detection, error) {
	return m.Detect(ctx, f)
}

// DetectObjects implements ObjectDetector.
func (m *HTTPModel) DetectObjects(ctx context.Context, f *types.Frame) ([]types.Detection, error) {
	return m.Detect(ctx, f)
}

// Close releases the server-side handle. Failures are logged, not returned.
func (m *HTTPModel) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, m.modelURL("/handle"), nil)
		if err != nil {
			return
		}
		resp, err := m.client.Do(req)
		if err != nil {
			logger.Debug("Classifier", "Release of %s failed: %v", m.opts.Name, err)
			return
		}
		resp.Body.Close()
	})
	return nil
}

// HTTPConfig selects the models for an HTTP-backed classifier.
type HTTPConfig struct {
	Backend             Backend
	BaseURL             string
	FaceModel           string
	ObjectModel         string
	Delegate            string
	FaceMinConfidence   float64
	ObjectMinConfidence float64
	MaxObjectResults    int
	Client              *http.Client
}

// DefaultHTTPConfig mirrors the thresholds the browser monitor used.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Backend:             BackendDual,
		BaseURL:             "http://127.0.0.1:8501",
		FaceModel:           "blaze_face_short_range",
		ObjectModel:         "efficientdet_lite0",
		Delegate:            "GPU",
		FaceMinConfidence:   0.5,
		ObjectMinConfidence: 0.5,
		MaxObjectResults:    10,
	}
}

// NewHTTPLoader returns a Loader that loads the configured models. If the
// second model fails to load, the first is released.
func NewHTTPLoader(cfg HTTPConfig) Loader {
	return func(ctx context.Context) (Classifier, error) {
		objects, err := LoadHTTPModel(ctx, ModelOptions{
			BaseURL:       cfg.BaseURL,
			Name:          cfg.ObjectModel,
			MinConfidence: cfg.ObjectMinConfidence,
			MaxResults:    cfg.MaxObjectResults,
			Delegate:      cfg.Delegate,
			Client:        cfg.Client,
		})
		if err != nil {
			return nil, err
		}

		switch cfg.Backend {
		case BackendSingle:
			return NewSingleModel(objects), nil
		case BackendDual:
			faces, err := LoadHTTPModel(ctx, ModelOptions{
				BaseURL:       cfg.BaseURL,
				Name:          cfg.FaceModel,
				MinConfidence: cfg.FaceMinConfidence,
				Delegate:      cfg.Delegate,
				Client:        cfg.Client,
			})
			if err != nil {
				objects.Close()
				return nil, err
			}
			return NewDualModel(faces, objects), nil
		default:
			objects.Close()
			return nil, fmt.Errorf("unknown classifier backend %q", cfg.Backend)
		}
	}
}
