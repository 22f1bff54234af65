// Package config loads the monitor agent configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/formsuite/proctoring/internal/camera"
	"github.com/formsuite/proctoring/internal/classifier"
	"github.com/formsuite/proctoring/internal/overlay"
	"github.com/formsuite/proctoring/internal/proctor"
	"gopkg.in/yaml.v3"
)

// Detection loop interval bounds in milliseconds.
const (
	MinIntervalMs = 2000
	MaxIntervalMs = 2500
)

// Config contains the settings for one monitoring session
type Config struct {
	FormID     string           `yaml:"formId"`
	Session    SessionConfig    `yaml:"session"`
	Camera     CameraConfig     `yaml:"camera"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Reporter   ReporterConfig   `yaml:"reporter"`
	Overlay    OverlayConfig    `yaml:"overlay"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Log        LogConfig        `yaml:"log"`
}

// SessionConfig holds detection cadence. The debounce cooldown and alert
// duration are fixed by proctor.DefaultConfig and not configurable.
type SessionConfig struct {
	IntervalMs int64 `yaml:"intervalMs"` // detection loop period, 2000-2500
}

// CameraConfig points at the MJPEG webcam bridge. Capture size is always
// camera.DefaultConstraints.
type CameraConfig struct {
	URL        string `yaml:"url"`
	FacingMode string `yaml:"facingMode"`
}

// ClassifierConfig selects and configures the inference backend. Detection
// thresholds stay at the classifier defaults so the model never filters out
// a detection the interpreter must flag.
type ClassifierConfig struct {
	Backend     string `yaml:"backend"` // dual or single
	BaseURL     string `yaml:"baseUrl"`
	FaceModel   string `yaml:"faceModel"`
	ObjectModel string `yaml:"objectModel"`
	Delegate    string `yaml:"delegate"`
	MaxResults  int    `yaml:"maxResults"`
}

// ReporterConfig is the ingestion endpoint the agent posts to
type ReporterConfig struct {
	Endpoint  string `yaml:"endpoint"`
	TimeoutMs int64  `yaml:"timeoutMs"`
}

// OverlayConfig configures the local monitor page
type OverlayConfig struct {
	Addr             string   `yaml:"addr"`
	StatusIntervalMs int64    `yaml:"statusIntervalMs"`
	PreviewFPS       int      `yaml:"previewFps"`
	STUNServers      []string `yaml:"stunServers"`
	MaxClients       int      `yaml:"maxClients"`
}

// RecorderConfig enables the local JSON-lines violation log
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// LogConfig sets logger verbosity
type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// Default returns the configuration used when no file overrides a value.
func Default() Config {
	cam := camera.DefaultConstraints()
	cls := classifier.DefaultHTTPConfig()
	ov := overlay.DefaultConfig()
	sess := proctor.DefaultConfig("")

	return Config{
		Session: SessionConfig{
			IntervalMs: sess.Interval.Milliseconds(),
		},
		Camera: CameraConfig{
			URL:        "http://127.0.0.1:8081/stream",
			FacingMode: cam.FacingMode,
		},
		Classifier: ClassifierConfig{
			Backend:     string(cls.Backend),
			BaseURL:     cls.BaseURL,
			FaceModel:   cls.FaceModel,
			ObjectModel: cls.ObjectModel,
			Delegate:    cls.Delegate,
			MaxResults:  cls.MaxObjectResults,
		},
		Reporter: ReporterConfig{
			Endpoint:  "http://127.0.0.1:3000/api/proctoring",
			TimeoutMs: 5000,
		},
		Overlay: OverlayConfig{
			Addr:             ov.Addr,
			StatusIntervalMs: ov.StatusInterval.Milliseconds(),
			PreviewFPS:       int(time.Second / ov.MJPEGInterval),
			MaxClients:       ov.MaxWebRTCClients,
		},
		Recorder: RecorderConfig{
			Dir: "./violations",
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

// Load reads path and decodes it over Default. Unknown keys are errors.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Write encodes cfg as YAML.
func Write(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.FormID == "" {
		errs = append(errs, errors.New("formId is required"))
	}
	if c.Session.IntervalMs < MinIntervalMs || c.Session.IntervalMs > MaxIntervalMs {
		errs = append(errs, fmt.Errorf("session.intervalMs must be between %d and %d, got %d", MinIntervalMs, MaxIntervalMs, c.Session.IntervalMs))
	}
	if c.Camera.URL == "" {
		errs = append(errs, errors.New("camera.url is required"))
	}
	if _, err := classifier.ParseBackend(c.Classifier.Backend); err != nil {
		errs = append(errs, fmt.Errorf("classifier.backend: %w", err))
	}
	if c.Classifier.BaseURL == "" {
		errs = append(errs, errors.New("classifier.baseUrl is required"))
	}
	if c.Classifier.MaxResults <= 0 {
		errs = append(errs, errors.New("classifier.maxResults must be positive"))
	}
	if c.Reporter.TimeoutMs <= 0 {
		errs = append(errs, errors.New("reporter.timeoutMs must be positive"))
	}
	if c.Overlay.PreviewFPS <= 0 {
		errs = append(errs, errors.New("overlay.previewFps must be positive"))
	}
	if c.Recorder.Enabled && c.Recorder.Dir == "" {
		errs = append(errs, errors.New("recorder.dir is required when the recorder is enabled"))
	}
	return errors.Join(errs...)
}

// SessionTiming converts to the session timing config.
func (c Config) SessionTiming() proctor.Config {
	cfg := proctor.DefaultConfig(c.FormID)
	cfg.Interval = time.Duration(c.Session.IntervalMs) * time.Millisecond
	return cfg
}

// Constraints converts to capture constraints. Audio is never requested.
func (c Config) Constraints() camera.Constraints {
	cons := camera.DefaultConstraints()
	if c.Camera.FacingMode != "" {
		cons.FacingMode = c.Camera.FacingMode
	}
	return cons
}

// ClassifierHTTP converts to the inference client config.
func (c Config) ClassifierHTTP() classifier.HTTPConfig {
	cfg := classifier.DefaultHTTPConfig()
	cfg.Backend, _ = classifier.ParseBackend(c.Classifier.Backend)
	cfg.BaseURL = c.Classifier.BaseURL
	cfg.FaceModel = c.Classifier.FaceModel
	cfg.ObjectModel = c.Classifier.ObjectModel
	cfg.Delegate = c.Classifier.Delegate
	cfg.MaxObjectResults = c.Classifier.MaxResults
	return cfg
}

// ReporterTimeout is the per-request delivery timeout.
func (c Config) ReporterTimeout() time.Duration {
	return time.Duration(c.Reporter.TimeoutMs) * time.Millisecond
}

// OverlayServer converts to the overlay server config.
func (c Config) OverlayServer() overlay.Config {
	cfg := overlay.Config{
		Addr:             c.Overlay.Addr,
		StatusInterval:   time.Duration(c.Overlay.StatusIntervalMs) * time.Millisecond,
		STUNServers:      c.Overlay.STUNServers,
		MaxWebRTCClients: c.Overlay.MaxClients,
	}
	if c.Overlay.PreviewFPS > 0 {
		cfg.MJPEGInterval = time.Second / time.Duration(c.Overlay.PreviewFPS)
	}
	return cfg
}
