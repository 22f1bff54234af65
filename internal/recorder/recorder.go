// Package recorder appends accepted violations to a per-session JSON-lines
// log file.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/formsuite/proctoring/internal/logger"
	"github.com/formsuite/proctoring/pkg/types"
)

// Recorder writes violations to a JSON-lines file
type Recorder struct {
	mu           sync.RWMutex
	file         *os.File
	out          *bufio.Writer
	filename     string
	basePath     string
	recording    bool
	count        uint64
	bytesWritten uint64
	dropped      uint64
	startTime    time.Time
	entryChan    chan entry
	stopChan     chan struct{}
	wg           sync.WaitGroup
	now          func() time.Time
}

type entry struct {
	FormID    string          `json:"formId"`
	Violation types.Violation `json:"violation"`
}

// NewRecorder creates a recorder writing under basePath
func NewRecorder(basePath string) *Recorder {
	return &Recorder{
		basePath: basePath,
		now:      time.Now,
	}
}

// Start opens violations_<formID>_<timestamp>.jsonl and starts the writer.
func (r *Recorder) Start(formID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("already recording")
	}
	if formID == "" {
		return fmt.Errorf("form id is required")
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	timestamp := r.now().Format("20060102_150405")
	filename := fmt.Sprintf("violations_%s_%s.jsonl", sanitize(formID), timestamp)
	file, err := os.OpenFile(filepath.Join(r.basePath, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.out = bufio.NewWriter(file)
	r.filename = filename
	r.recording = true
	r.count = 0
	r.bytesWritten = 0
	r.dropped = 0
	r.startTime = r.now()
	r.entryChan = make(chan entry, 64)
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.writeEntries(r.entryChan, r.stopChan)

	logger.Info("Recorder", "Recording violations to %s", filename)
	return nil
}

// sanitize keeps form ids usable as file name components.
func sanitize(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

// Stop flushes pending entries and closes the file
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return fmt.Errorf("not recording")
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		if err := r.out.Flush(); err != nil {
			return fmt.Errorf("failed to flush file: %w", err)
		}
		if err := r.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync file: %w", err)
		}
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("failed to close file: %w", err)
		}
		r.file = nil
		r.out = nil
	}

	logger.Info("Recorder", "Stopped %s (%d violations, %d bytes)", r.filename, r.count, r.bytesWritten)
	return nil
}

// Record queues v for writing (non-blocking). It reports false when not
// recording or when the queue is full.
func (r *Recorder) Record(formID string, v types.Violation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return false
	}

	select {
	case r.entryChan <- entry{FormID: formID, Violation: v}:
		return true
	default:
		r.dropped++
		return false
	}
}

func (r *Recorder) writeEntries(entries <-chan entry, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case e := <-entries:
			r.writeEntry(e)
		case <-stop:
			// Record holds the lock while sending, so nothing arrives after stop.
			for {
				select {
				case e := <-entries:
					r.writeEntry(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeEntry(e entry) {
	line, err := json.Marshal(e)
	if err != nil {
		logger.Warn("Recorder", "Failed to encode violation: %v", err)
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.out == nil {
		return
	}
	n, err := r.out.Write(line)
	if err != nil {
		logger.Warn("Recorder", "Write failed: %v", err)
		return
	}
	// Each line is flushed so the log survives a crash.
	if err := r.out.Flush(); err != nil {
		logger.Warn("Recorder", "Flush failed: %v", err)
		return
	}

	r.bytesWritten += uint64(n)
	r.count++
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = r.now().Sub(r.startTime)
	}

	return RecordingStatus{
		Recording:      r.recording,
		Filename:       r.filename,
		ViolationCount: r.count,
		BytesWritten:   r.bytesWritten,
		Dropped:        r.dropped,
		DurationMs:     duration.Milliseconds(),
		StartTime:      r.startTime,
	}
}

// Close stops recording if active
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording      bool      `json:"recording"`
	Filename       string    `json:"filename"`
	ViolationCount uint64    `json:"violation_count"`
	BytesWritten   uint64    `json:"bytes_written"`
	Dropped        uint64    `json:"dropped"`
	DurationMs     int64     `json:"duration_ms"`
	StartTime      time.Time `json:"start_time"`
}
