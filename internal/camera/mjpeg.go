package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/formsuite/proctoring/internal/logger"
	"github.com/formsuite/proctoring/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/image/draw"
)

// MJPEGDevice reads a multipart/x-mixed-replace JPEG stream from a local
// webcam bridge over HTTP.
type MJPEGDevice struct {
	URL         string
	Client      *http.Client // Must not set a Timeout; the response is a long-lived stream
	JPEGQuality int
}

// NewMJPEGDevice returns a device reading from rawURL.
func NewMJPEGDevice(rawURL string) *MJPEGDevice {
	return &MJPEGDevice{
		URL:         rawURL,
		Client:      &http.Client{},
		JPEGQuality: 75,
	}
}

// Open connects to the bridge and starts decoding frames in the background.
func (d *MJPEGDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if c.Audio {
		return nil, fmt.Errorf("%w: audio capture is not supported", ErrUnavailable)
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid device url: %v", ErrUnavailable, err)
	}
	q := u.Query()
	q.Set("width", strconv.Itoa(c.Width))
	q.Set("height", strconv.Itoa(c.Height))
	if c.FacingMode != "" {
		q.Set("facing", c.FacingMode)
	}
	u.RawQuery = q.Encode()

	// The stream outlives the Open call, so it gets its own context. ctx only
	// bounds the connection phase.
	streamCtx, cancel := context.WithCancel(context.Background())
	stopConnectWatch := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		stopConnectWatch()
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "multipart/x-mixed-replace")

	client := d.Client
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	connectInterrupted := !stopConnectWatch()
	if err != nil {
		cancel()
		if connectInterrupted && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if connectInterrupted {
		resp.Body.Close()
		cancel()
		return nil, ctx.Err()
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: bridge returned %d", ErrAccessDenied, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: bridge returned %d", ErrUnavailable, resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: unexpected content type %q", ErrUnavailable, resp.Header.Get("Content-Type"))
	}

	quality := d.JPEGQuality
	if quality <= 0 {
		quality = 75
	}
	s := &mjpegStream{
		width:   c.Width,
		height:  c.Height,
		quality: quality,
	}
	s.track = &videoTrack{id: uuid.NewString(), cancel: cancel, body: resp.Body, live: true}
	go s.read(multipart.NewReader(resp.Body, params["boundary"]))
	return s, nil
}

type mjpegStream struct {
	width   int
	height  int
	quality int
	track   *videoTrack

	mu     sync.Mutex
	latest *types.Frame
	seq    uint64
}

func (s *mjpegStream) Tracks() []Track {
	return []Track{s.track}
}

func (s *mjpegStream) LatestFrame() *types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

func (s *mjpegStream) read(mr *multipart.Reader) {
	defer s.track.end()

	for {
		part, err := mr.NextPart()
		if err != nil {
			if !errors.Is(err, io.EOF) && s.track.Live() {
				logger.Warn("Camera", "MJPEG stream ended: %v", err)
			}
			return
		}
		frame, err := s.decode(part)
		part.Close()
		if err != nil {
			logger.Debug("Camera", "Skipping undecodable part: %v", err)
			continue
		}

		s.mu.Lock()
		s.seq++
		frame.Sequence = s.seq
		s.latest = frame
		s.mu.Unlock()
	}
}

func (s *mjpegStream) decode(r io.Reader) (*types.Frame, error) {
	src, err := jpeg.Decode(r)
	if err != nil {
		return nil, err
	}

	img := src
	if b := src.Bounds(); s.width > 0 && s.height > 0 && (b.Dx() != s.width || b.Dy() != s.height) {
		dst := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return nil, err
	}

	b := img.Bounds()
	return &types.Frame{
		CapturedAt: time.Now(),
		Width:      b.Dx(),
		Height:     b.Dy(),
		Image:      img,
		JPEG:       buf.Bytes(),
		ReadyState: types.HaveEnoughData,
	}, nil
}

type videoTrack struct {
	id     string
	cancel context.CancelFunc
	body   io.Closer

	mu   sync.Mutex
	live bool
}

func (t *videoTrack) ID() string   { return t.id }
func (t *videoTrack) Kind() string { return "video" }

func (t *videoTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *videoTrack) Stop() {
	t.mu.Lock()
	wasLive := t.live
	t.live = false
	t.mu.Unlock()
	if !wasLive {
		return
	}
	t.cancel()
	_ = t.body.Close()
}

// end marks the track ended after the source closed on its own.
func (t *videoTrack) end() {
	t.mu.Lock()
	t.live = false
	t.mu.Unlock()
	t.cancel()
	_ = t.body.Close()
}
