// Package proctor runs a monitoring session: it owns the camera stream and
// the classifier, drives the detection loop, watches page visibility, gates
// violations through the per-kind debouncer and exposes the UI state.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/formsuite/proctoring/internal/camera"
	"github.com/formsuite/proctoring/internal/classifier"
	"github.com/formsuite/proctoring/internal/logger"
	"github.com/formsuite/proctoring/internal/metrics"
	"github.com/formsuite/proctoring/pkg/types"
	"github.com/google/uuid"
)

// ErrStopped is returned by Start on a session that has been stopped.
var ErrStopped = errors.New("session stopped")

const modelFailedMessage = "Failed to load AI models. Proctoring will continue with tab-switch detection only."

// ModelStatus is the classifier lifecycle state.
type ModelStatus string

const (
	ModelLoading ModelStatus = "loading"
	ModelReady   ModelStatus = "ready"
	ModelFailed  ModelStatus = "failed"
)

// StatusLabel is the overall state shown in the overlay header.
type StatusLabel string

const (
	StatusLoading  StatusLabel = "loading"
	StatusActive   StatusLabel = "active"
	StatusDegraded StatusLabel = "degraded"
)

// CameraSession is the part of camera.Manager the session depends on.
type CameraSession interface {
	Acquire(ctx context.Context) (camera.Stream, error)
	Release()
	Stream() camera.Stream
	Status() camera.Status
	Message() string
}

// Reporter delivers accepted violations. Report must not block.
type Reporter interface {
	Report(formID string, v types.Violation)
}

// Config holds session timing.
type Config struct {
	FormID        string
	Interval      time.Duration
	Cooldown      time.Duration
	AlertDuration time.Duration
}

// DefaultConfig returns the standard cadence for formID.
func DefaultConfig(formID string) Config {
	return Config{
		FormID:        formID,
		Interval:      2500 * time.Millisecond,
		Cooldown:      DefaultCooldown,
		AlertDuration: 4 * time.Second,
	}
}

// Deps are the collaborators a session owns or uses. Camera and Loader are
// required; the rest are optional.
type Deps struct {
	Camera     CameraSession
	Loader     classifier.Loader
	Visibility VisibilitySource
	Reporter   Reporter
	Metrics    *metrics.Metrics
	Clock      Clock
}

// Snapshot is a copy of the session state for the overlay.
type Snapshot struct {
	SessionID           string            `json:"sessionId"`
	FormID              string            `json:"formId"`
	CameraStatus        camera.Status     `json:"cameraStatus"`
	ModelStatus         ModelStatus       `json:"modelStatus"`
	Status              StatusLabel       `json:"status"`
	Violations          []types.Violation `json:"violations"`
	ViolationCount      int               `json:"violationCount"`
	TabSwitchCount      int               `json:"tabSwitchCount"`
	AcceptedTabSwitches int               `json:"acceptedTabSwitches"`
	CurrentAlert        string            `json:"currentAlert,omitempty"`
	Notice              string            `json:"notice,omitempty"`
	Minimized           bool              `json:"minimized"`
	LoopRunning         bool              `json:"loopRunning"`
	StartedAt           time.Time         `json:"startedAt"`
}

// Session is one monitoring session. It exclusively owns the camera stream
// and classifier handle between Start and Stop.
type Session struct {
	id      string
	cfg     Config
	camera  CameraSession
	loader  classifier.Loader
	vis     VisibilitySource
	rep     Reporter
	metrics *metrics.Metrics
	clock   Clock

	stopOnce sync.Once

	mu            sync.Mutex
	started       bool
	stopped       bool
	ctx           context.Context
	cancel        context.CancelFunc
	startedAt     time.Time
	cameraPending bool
	modelStatus   ModelStatus
	classifier    classifier.Classifier
	loopDone      chan struct{}
	unsubscribe   func()

	debouncer     *Debouncer
	watcher       visibilityWatcher
	violations    []types.Violation
	tabSwitches   int
	acceptedTabs  int
	notice        string
	minimized     bool
	alert         string
	alertGen      uint64
	alertTimer    Timer
	nextObserver  uint64
	observers     map[uint64]func(Snapshot)
	violationSubs []func(types.Violation)
}

// NewSession validates deps and returns an idle session.
func NewSession(cfg Config, deps Deps) (*Session, error) {
	if deps.Camera == nil {
		return nil, fmt.Errorf("camera is required")
	}
	if deps.Loader == nil {
		return nil, fmt.Errorf("classifier loader is required")
	}
	if cfg.Interval <= 0 || cfg.Cooldown <= 0 || cfg.AlertDuration <= 0 {
		return nil, fmt.Errorf("interval, cooldown and alert duration must be positive")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	return &Session{
		id:          uuid.NewString(),
		cfg:         cfg,
		camera:      deps.Camera,
		loader:      deps.Loader,
		vis:         deps.Visibility,
		rep:         deps.Reporter,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
		modelStatus: ModelLoading,
		debouncer:   NewDebouncer(cfg.Cooldown),
		observers:   make(map[uint64]func(Snapshot)),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// OnViolation registers fn to run for every accepted violation. Callbacks run
// on the accepting goroutine and must not block.
func (s *Session) OnViolation(fn func(types.Violation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violationSubs = append(s.violationSubs, fn)
}

// Subscribe registers fn to receive a snapshot after every state change.
func (s *Session) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextObserver++
	id := s.nextObserver
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Start begins camera acquisition and model loading concurrently and
// subscribes to visibility changes. It returns immediately; the detection
// loop starts once both the camera and the model are ready.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx, s.cancel = runCtx, cancel
	s.startedAt = s.clock.Now()
	s.cameraPending = true
	if s.vis != nil {
		s.unsubscribe = s.vis.Subscribe(s.onVisibility)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	logger.Info("Session", "Session %s started for form %s", s.id, s.cfg.FormID)
	go s.acquireCamera(runCtx)
	go s.loadModel(runCtx)
	s.publish(snap)
	return nil
}

func (s *Session) acquireCamera(ctx context.Context) {
	_, err := s.camera.Acquire(ctx)

	s.mu.Lock()
	s.cameraPending = false
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.notice = s.camera.Message()
		logger.Warn("Session", "Camera unavailable, continuing with tab-switch detection only: %v", err)
	} else {
		metrics.SetFlag(&s.metrics.CameraActive, true)
	}
	s.maybeStartLoopLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

func (s *Session) loadModel(ctx context.Context) {
	c, err := s.loader(ctx)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		if c != nil {
			// Finished loading after teardown; nobody else will close it.
			c.Close()
		}
		return
	}
	if err != nil {
		s.modelStatus = ModelFailed
		s.notice = modelFailedMessage
		logger.Warn("Session", "Model load failed, continuing with tab-switch detection only: %v", err)
	} else {
		s.classifier = c
		s.modelStatus = ModelReady
		metrics.SetFlag(&s.metrics.ModelReady, true)
		logger.Info("Session", "Models ready")
	}
	s.maybeStartLoopLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// maybeStartLoopLocked starts the detection loop once the camera is active
// and the model is ready. Whichever finishes last triggers it.
func (s *Session) maybeStartLoopLocked() {
	if s.loopDone != nil || s.stopped || s.modelStatus != ModelReady || s.cameraPending {
		return
	}
	if s.camera.Status() != camera.StatusActive {
		return
	}
	stream := s.camera.Stream()
	if stream == nil {
		return
	}
	s.loopDone = make(chan struct{})
	go s.runLoop(s.ctx, stream, s.classifier, s.loopDone)
}

// Submit runs a candidate through the debouncer. On acceptance the
// violation is recorded, raised as the current alert, reported and
// broadcast. It reports whether the candidate was accepted.
func (s *Session) Submit(c Candidate) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	now := s.clock.Now()
	if n := len(s.violations); n > 0 && now.Before(s.violations[n-1].OccurredAt) {
		now = s.violations[n-1].OccurredAt
	}
	if !s.debouncer.Allow(c.Kind, now) {
		s.mu.Unlock()
		s.metrics.ViolationsSuppressed.Add(1)
		return false
	}

	v := types.NewViolation(c.Kind, now, c.Message, c.Confidence)
	s.violations = append(s.violations, v)
	if c.Kind == types.ViolationTabSwitch {
		s.acceptedTabs++
	}
	s.raiseAlertLocked(v.Message)
	subs := append([](func(types.Violation))(nil), s.violationSubs...)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.metrics.ViolationsAccepted.Add(1)
	logger.Info("Session", "Violation %s: %s", v.Kind, v.Message)
	if s.rep != nil {
		s.rep.Report(s.cfg.FormID, v)
	}
	for _, fn := range subs {
		fn(v)
	}
	s.publish(snap)
	return true
}

func (s *Session) onVisibility(v Visibility) {
	s.mu.Lock()
	if s.stopped || !s.watcher.observe(v) {
		s.mu.Unlock()
		return
	}
	s.tabSwitches++
	s.mu.Unlock()

	s.metrics.TabSwitches.Add(1)
	if !s.Submit(Candidate{Kind: types.ViolationTabSwitch, Message: tabSwitchMessage}) {
		s.publish(s.Snapshot())
	}
}

// raiseAlertLocked shows msg and schedules its expiry. The expiry only
// clears the alert it was scheduled for.
func (s *Session) raiseAlertLocked(msg string) {
	if s.alertTimer != nil {
		s.alertTimer.Stop()
	}
	s.alertGen++
	gen := s.alertGen
	s.alert = msg
	s.alertTimer = s.clock.AfterFunc(s.cfg.AlertDuration, func() { s.expireAlert(gen) })
}

func (s *Session) expireAlert(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.alertGen || s.alert == "" {
		s.mu.Unlock()
		return
	}
	s.alert = ""
	s.alertTimer = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// DismissAlert clears the current alert immediately.
func (s *Session) DismissAlert() {
	s.mu.Lock()
	if s.alert == "" {
		s.mu.Unlock()
		return
	}
	if s.alertTimer != nil {
		s.alertTimer.Stop()
		s.alertTimer = nil
	}
	s.alertGen++
	s.alert = ""
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// SetMinimized toggles the preview. The detection loop is unaffected.
func (s *Session) SetMinimized(minimized bool) {
	s.mu.Lock()
	if s.minimized == minimized {
		s.mu.Unlock()
		return
	}
	s.minimized = minimized
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// Stop tears the session down. It is idempotent and safe to call before
// Start or while acquisition and model loading are still in flight.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		cancel := s.cancel
		done := s.loopDone
		unsubscribe := s.unsubscribe
		cls := s.classifier
		s.classifier = nil
		if s.alertTimer != nil {
			s.alertTimer.Stop()
			s.alertTimer = nil
		}
		s.alert = ""
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
		if unsubscribe != nil {
			unsubscribe()
		}
		s.camera.Release()
		if cls != nil {
			if err := cls.Close(); err != nil {
				logger.Warn("Session", "Classifier close failed: %v", err)
			}
		}
		metrics.SetFlag(&s.metrics.CameraActive, false)
		metrics.SetFlag(&s.metrics.ModelReady, false)
		logger.Info("Session", "Session %s stopped", s.id)
	})
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	cameraStatus := s.camera.Status()
	violations := make([]types.Violation, len(s.violations))
	copy(violations, s.violations)
	return Snapshot{
		SessionID:           s.id,
		FormID:              s.cfg.FormID,
		CameraStatus:        cameraStatus,
		ModelStatus:         s.modelStatus,
		Status:              statusLabel(s.modelStatus, cameraStatus, s.cameraPending),
		Violations:          violations,
		ViolationCount:      len(violations),
		TabSwitchCount:      s.tabSwitches,
		AcceptedTabSwitches: s.acceptedTabs,
		CurrentAlert:        s.alert,
		Notice:              s.notice,
		Minimized:           s.minimized,
		LoopRunning:         s.loopDone != nil && !s.stopped,
		StartedAt:           s.startedAt,
	}
}

func statusLabel(model ModelStatus, cam camera.Status, cameraPending bool) StatusLabel {
	switch {
	case model == ModelLoading || cameraPending:
		return StatusLoading
	case model == ModelReady && cam == camera.StatusActive:
		return StatusActive
	default:
		return StatusDegraded
	}
}

func (s *Session) publish(snap Snapshot) {
	s.mu.Lock()
	fns := make([]func(Snapshot), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
