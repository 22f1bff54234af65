package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/formsuite/proctoring/internal/logger"
	"golang.org/x/image/draw"
)

var (
	placeholderOnce sync.Once
	placeholderData []byte
	placeholderErr  error
)

// placeholderJPEG is shown while no camera frame is available.
func placeholderJPEG() ([]byte, error) {
	placeholderOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, 320, 240))
		draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 24, G: 24, B: 27, A: 255}), image.Point{}, draw.Src)

		// Crossed-out camera glyph
		stroke := color.RGBA{R: 113, G: 113, B: 122, A: 255}
		draw.Draw(img, image.Rect(130, 100, 180, 140), image.NewUniform(stroke), image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(180, 110, 195, 130), image.NewUniform(stroke), image.Point{}, draw.Src)
		for i := 0; i < 80; i++ {
			img.Set(120+i, 80+i, color.RGBA{R: 239, G: 68, B: 68, A: 255})
			img.Set(121+i, 80+i, color.RGBA{R: 239, G: 68, B: 68, A: 255})
		}

		var buf bytes.Buffer
		if placeholderErr = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); placeholderErr == nil {
			placeholderData = buf.Bytes()
		}
	})
	return placeholderData, placeholderErr
}

func writeSSE(w http.ResponseWriter, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// streamMJPEGFromChannel streams MJPEG from a channel (fanout pattern).
func streamMJPEGFromChannel(w http.ResponseWriter, r *http.Request, frameCh <-chan []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	placeholder, err := placeholderJPEG()
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	// Send the placeholder first so the page has something to show before
	// the first camera frame.
	jpegData := placeholder
	for {
		if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
			logger.Debug("MJPEG", "Client disconnected during write: %v", err)
			return
		}
		if _, err := w.Write(jpegData); err != nil {
			logger.Debug("MJPEG", "Client disconnected during frame write: %v", err)
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			logger.Debug("MJPEG", "Client disconnected during delimiter write: %v", err)
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				return
			}
			jpegData = data
		case <-time.After(5 * time.Second):
			// No frame for 5 seconds, keep the connection alive
			jpegData = placeholder
		}
	}
}

// streamEventsFromChannel streams pre-serialized events to an SSE client.
// refresh, when non-nil, is sent every interval in addition to channel events.
func streamEventsFromChannel(w http.ResponseWriter, r *http.Request, eventCh <-chan []byte, initial []byte, interval time.Duration, refresh func() []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if initial != nil {
		if err := writeSSE(w, initial); err != nil {
			return
		}
	}
	flusher.Flush()

	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-eventCh:
			if !ok {
				return
			}
			if err := writeSSE(w, data); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
		case <-ticker.C:
			var err error
			if refresh != nil {
				if data := refresh(); data != nil {
					err = writeSSE(w, data)
				}
			} else {
				_, err = fmt.Fprintf(w, ": keepalive\n\n")
			}
			if err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
		}
		flusher.Flush()
	}
}
