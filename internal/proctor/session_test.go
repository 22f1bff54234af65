package proctor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/formsuite/proctoring/internal/camera"
	"github.com/formsuite/proctoring/internal/classifier"
	"github.com/formsuite/proctoring/internal/metrics"
	"github.com/formsuite/proctoring/internal/reporter"
	"github.com/formsuite/proctoring/pkg/types"
)

// manualClock only moves when Advance is called.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock *manualClock
	at    time.Time
	fn    func()
	done  bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.done
	t.done = true
	return was
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.done && !t.at.After(c.now) {
			t.done = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

type fakeTrack struct{ stopped atomic.Int32 }

func (t *fakeTrack) ID() string   { return "t" }
func (t *fakeTrack) Kind() string { return "video" }
func (t *fakeTrack) Live() bool   { return t.stopped.Load() == 0 }
func (t *fakeTrack) Stop()        { t.stopped.Add(1) }

// frameStream produces a fresh ready frame every time next is called.
type frameStream struct {
	track fakeTrack
	mu    sync.Mutex
	frame *types.Frame
}

func (s *frameStream) Tracks() []camera.Track { return []camera.Track{&s.track} }

func (s *frameStream) LatestFrame() *types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

func (s *frameStream) next() {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := uint64(1)
	if s.frame != nil {
		seq = s.frame.Sequence + 1
	}
	s.frame = &types.Frame{Sequence: seq, ReadyState: types.HaveEnoughData, JPEG: []byte{0xFF, 0xD8}}
}

// blockingDevice waits on gate before returning stream or err.
type blockingDevice struct {
	stream camera.Stream
	err    error
	gate   chan struct{}
}

func (d *blockingDevice) Open(ctx context.Context, c camera.Constraints) (camera.Stream, error) {
	if d.gate != nil {
		<-d.gate
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.stream, nil
}

type fakeClassifier struct {
	mu     sync.Mutex
	result classifier.Result
	err    error
	calls  int
	closed int
}

func (c *fakeClassifier) Classify(ctx context.Context, f *types.Frame) (classifier.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.result, c.err
}

func (c *fakeClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeClassifier) stats() (calls, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.closed
}

func loaderFor(c classifier.Classifier) classifier.Loader {
	return func(ctx context.Context) (classifier.Classifier, error) { return c, nil }
}

type recordingReporter struct {
	mu  sync.Mutex
	got []types.Violation
}

func (r *recordingReporter) Report(formID string, v types.Violation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testConfig() Config {
	cfg := DefaultConfig("form-1")
	cfg.Interval = 10 * time.Millisecond
	return cfg
}

func newTestSession(t *testing.T, dev camera.Device, loader classifier.Loader, deps Deps) *Session {
	t.Helper()
	deps.Camera = camera.NewManager(dev, nil, camera.DefaultConstraints())
	deps.Loader = loader
	if deps.Clock == nil {
		deps.Clock = newManualClock()
	}
	s, err := NewSession(testConfig(), deps)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestSession_LoopClassifiesEachFrameOnce(t *testing.T) {
	stream := &frameStream{}
	stream.next()
	cls := &fakeClassifier{result: classifier.Result{PersonCount: 0}}
	rep := &recordingReporter{}
	s := newTestSession(t, &blockingDevice{stream: stream}, loaderFor(cls), Deps{Reporter: rep})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "active status", func() bool { return s.Snapshot().Status == StatusActive })
	waitFor(t, "first classification", func() bool { calls, _ := cls.stats(); return calls == 1 })

	// Same frame on later ticks is skipped.
	time.Sleep(50 * time.Millisecond)
	if calls, _ := cls.stats(); calls != 1 {
		t.Fatalf("expected stale frame to be skipped, got %d calls", calls)
	}

	stream.next()
	waitFor(t, "second classification", func() bool { calls, _ := cls.stats(); return calls == 2 })

	snap := s.Snapshot()
	if snap.ViolationCount != 1 || snap.Violations[0].Kind != types.ViolationNoPerson {
		t.Fatalf("expected one debounced no_person violation, got %+v", snap.Violations)
	}
	if rep.count() != 1 {
		t.Errorf("expected one report, got %d", rep.count())
	}
	if !snap.LoopRunning {
		t.Error("expected loop running")
	}
}

func TestSession_ClassifierErrorsSkipTick(t *testing.T) {
	stream := &frameStream{}
	stream.next()
	cls := &fakeClassifier{err: errors.New("inference failed")}
	m := metrics.New()
	s := newTestSession(t, &blockingDevice{stream: stream}, loaderFor(cls), Deps{Metrics: m})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "classify error", func() bool { return m.ClassifyErrors.Load() == 1 })
	stream.next()
	waitFor(t, "loop continues after error", func() bool { return m.ClassifyErrors.Load() == 2 })
	if s.Snapshot().ViolationCount != 0 {
		t.Error("errors must not produce violations")
	}
}

func TestSession_CrossKindSameTick(t *testing.T) {
	stream := &frameStream{}
	stream.next()
	cls := &fakeClassifier{result: classifier.Result{
		PersonCount:       2,
		PersonConfidences: []float64{0.9, 0.8},
		Objects:           []types.Detection{{ClassLabel: "cell phone", Confidence: 0.7}},
	}}
	s := newTestSession(t, &blockingDevice{stream: stream}, loaderFor(cls), Deps{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "two violations", func() bool { return s.Snapshot().ViolationCount == 2 })

	snap := s.Snapshot()
	if snap.Violations[0].Kind != types.ViolationMultiplePeople || snap.Violations[1].Kind != types.ViolationPhoneDetected {
		t.Errorf("unexpected violations %+v", snap.Violations)
	}
	if snap.CurrentAlert != snap.Violations[1].Message {
		t.Errorf("alert should show the most recent violation, got %q", snap.CurrentAlert)
	}
}

func TestSession_DegradedModeKeepsTabSwitchDetection(t *testing.T) {
	clock := newManualClock()
	hub := NewVisibilityHub()
	cls := &fakeClassifier{}
	rep := &recordingReporter{}
	s := newTestSession(t, &blockingDevice{err: camera.ErrAccessDenied}, loaderFor(cls), Deps{
		Visibility: hub, Reporter: rep, Clock: clock,
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "degraded", func() bool {
		snap := s.Snapshot()
		return snap.Status == StatusDegraded && snap.ModelStatus == ModelReady
	})

	snap := s.Snapshot()
	if snap.CameraStatus != camera.StatusDenied || snap.Notice == "" {
		t.Fatalf("expected denied camera with notice, got %+v", snap)
	}
	if snap.LoopRunning {
		t.Fatal("loop must not start without a camera")
	}

	hub.SetHidden(true)
	hub.SetHidden(false)
	clock.Advance(time.Second)
	hub.SetHidden(true)
	hub.SetHidden(true)

	snap = s.Snapshot()
	if snap.TabSwitchCount != 2 {
		t.Errorf("expected 2 raw tab switches, got %d", snap.TabSwitchCount)
	}
	if snap.AcceptedTabSwitches != 1 || snap.ViolationCount != 1 {
		t.Errorf("expected 1 accepted tab_switch, got accepted=%d total=%d", snap.AcceptedTabSwitches, snap.ViolationCount)
	}

	hub.SetHidden(false)
	clock.Advance(5 * time.Second)
	hub.SetHidden(true)

	snap = s.Snapshot()
	if snap.TabSwitchCount != 3 || snap.AcceptedTabSwitches != 2 {
		t.Errorf("expected 3 raw and 2 accepted, got %d and %d", snap.TabSwitchCount, snap.AcceptedTabSwitches)
	}
	if rep.count() != 2 {
		t.Errorf("expected 2 reports, got %d", rep.count())
	}
	if calls, _ := cls.stats(); calls != 0 {
		t.Errorf("classifier must not run in degraded mode, got %d calls", calls)
	}
}

func TestSession_ModelFailureDegrades(t *testing.T) {
	stream := &frameStream{}
	stream.next()
	failing := func(ctx context.Context) (classifier.Classifier, error) {
		return nil, errors.New("fetch model assets: connection refused")
	}
	s := newTestSession(t, &blockingDevice{stream: stream}, failing, Deps{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "model failure", func() bool { return s.Snapshot().ModelStatus == ModelFailed })
	waitFor(t, "camera settled", func() bool { return s.Snapshot().Status == StatusDegraded })

	snap := s.Snapshot()
	if snap.Notice != modelFailedMessage {
		t.Errorf("unexpected notice %q", snap.Notice)
	}
	if snap.LoopRunning {
		t.Error("loop must not start without a model")
	}
}

func TestSession_StatusLoadingWhileCameraPending(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	s := newTestSession(t, &blockingDevice{stream: &frameStream{}, gate: gate}, loaderFor(&fakeClassifier{}), Deps{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "model ready", func() bool { return s.Snapshot().ModelStatus == ModelReady })
	if got := s.Snapshot().Status; got != StatusLoading {
		t.Errorf("expected loading while camera is pending, got %s", got)
	}
}

func TestSession_AlertExpiryRace(t *testing.T) {
	clock := newManualClock()
	s := newTestSession(t, &blockingDevice{err: camera.ErrUnavailable}, loaderFor(&fakeClassifier{}), Deps{Clock: clock})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if !s.Submit(Candidate{Kind: types.ViolationBookDetected, Message: "A"}) {
		t.Fatal("A should be accepted")
	}
	clock.Advance(3 * time.Second)
	if !s.Submit(Candidate{Kind: types.ViolationLaptopDetected, Message: "B"}) {
		t.Fatal("B should be accepted")
	}

	// A's original expiry passes.
	clock.Advance(1500 * time.Millisecond)
	if got := s.Snapshot().CurrentAlert; got != "B" {
		t.Fatalf("stale timer cleared newer alert, got %q", got)
	}

	clock.Advance(2500 * time.Millisecond)
	if got := s.Snapshot().CurrentAlert; got != "" {
		t.Fatalf("expected B to expire, got %q", got)
	}
}

func TestSession_AlertExpiryWithRepeatedMessage(t *testing.T) {
	clock := newManualClock()
	s := newTestSession(t, &blockingDevice{err: camera.ErrUnavailable}, loaderFor(&fakeClassifier{}), Deps{Clock: clock})

	s.Submit(Candidate{Kind: types.ViolationNoPerson, Message: "same"})
	clock.Advance(3 * time.Second)
	s.Submit(Candidate{Kind: types.ViolationTabSwitch, Message: "same"})
	clock.Advance(1500 * time.Millisecond)
	if got := s.Snapshot().CurrentAlert; got != "same" {
		t.Fatalf("second alert must survive the first timer, got %q", got)
	}
}

func TestSession_DismissAndMinimize(t *testing.T) {
	clock := newManualClock()
	s := newTestSession(t, &blockingDevice{err: camera.ErrUnavailable}, loaderFor(&fakeClassifier{}), Deps{Clock: clock})

	var mu sync.Mutex
	var snaps []Snapshot
	unsubscribe := s.Subscribe(func(snap Snapshot) {
		mu.Lock()
		snaps = append(snaps, snap)
		mu.Unlock()
	})
	defer unsubscribe()

	s.Submit(Candidate{Kind: types.ViolationNoPerson, Message: "gone"})
	s.DismissAlert()
	if got := s.Snapshot().CurrentAlert; got != "" {
		t.Fatalf("expected dismissed alert, got %q", got)
	}
	clock.Advance(5 * time.Second)

	s.SetMinimized(true)
	if !s.Snapshot().Minimized {
		t.Error("expected minimized")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) != 3 {
		t.Errorf("expected 3 state notifications, got %d", len(snaps))
	}
}

func TestSession_ViolationsAreTimeOrdered(t *testing.T) {
	clock := newManualClock()
	s := newTestSession(t, &blockingDevice{err: camera.ErrUnavailable}, loaderFor(&fakeClassifier{}), Deps{Clock: clock})

	var observed []types.Violation
	s.OnViolation(func(v types.Violation) { observed = append(observed, v) })
	for i, kind := range types.ViolationKinds {
		clock.Advance(time.Duration(i) * time.Millisecond)
		s.Submit(Candidate{Kind: kind, Message: string(kind)})
	}

	snap := s.Snapshot()
	if snap.ViolationCount != types.ViolationKindCount || len(observed) != types.ViolationKindCount {
		t.Fatalf("expected every kind accepted, got %d", snap.ViolationCount)
	}
	for i := 1; i < len(snap.Violations); i++ {
		if snap.Violations[i].OccurredAt.Before(snap.Violations[i-1].OccurredAt) {
			t.Fatalf("violations out of order at %d", i)
		}
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	stream := &frameStream{}
	stream.next()
	cls := &fakeClassifier{result: classifier.Result{PersonCount: 1}}
	s := newTestSession(t, &blockingDevice{stream: stream}, loaderFor(cls), Deps{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "loop", func() bool { return s.Snapshot().LoopRunning })

	s.Stop()
	s.Stop()

	if stream.track.Live() {
		t.Error("camera track still running after stop")
	}
	if _, closed := cls.stats(); closed != 1 {
		t.Errorf("expected classifier closed once, got %d", closed)
	}
	calls, _ := cls.stats()
	stream.next()
	time.Sleep(50 * time.Millisecond)
	if after, _ := cls.stats(); after != calls {
		t.Error("tick ran after stop")
	}
	if s.Snapshot().LoopRunning {
		t.Error("snapshot reports loop running after stop")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped on restart, got %v", err)
	}
}

func TestSession_StopBeforeAcquisitionCompletes(t *testing.T) {
	stream := &frameStream{}
	camGate := make(chan struct{})
	modelGate := make(chan struct{})
	cls := &fakeClassifier{}
	loader := func(ctx context.Context) (classifier.Classifier, error) {
		<-modelGate
		return cls, nil
	}
	s := newTestSession(t, &blockingDevice{stream: stream, gate: camGate}, loader, Deps{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
	close(camGate)
	close(modelGate)

	waitFor(t, "late stream stopped", func() bool { return !stream.track.Live() })
	waitFor(t, "late classifier closed", func() bool { _, closed := cls.stats(); return closed == 1 })
	if s.Snapshot().LoopRunning {
		t.Error("loop must not start after stop")
	}
}

func TestSession_StopBeforeStart(t *testing.T) {
	s := newTestSession(t, &blockingDevice{stream: &frameStream{}}, loaderFor(&fakeClassifier{}), Deps{})
	s.Stop()
	s.Stop()
	if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestSession_ReporterFailureKeepsLocalState(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := metrics.New()
	rep := reporter.NewHTTPReporter(srv.URL, time.Second, m)
	stream := &frameStream{}
	stream.next()
	cls := &fakeClassifier{result: classifier.Result{
		PersonCount: 1,
		Objects:     []types.Detection{{ClassLabel: "book", Confidence: 0.9}},
	}}
	clock := newManualClock()
	s := newTestSession(t, &blockingDevice{stream: stream}, loaderFor(cls), Deps{Reporter: rep, Metrics: m, Clock: clock})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first violation", func() bool { return s.Snapshot().ViolationCount == 1 })
	waitFor(t, "first failed report", func() bool { return m.ReportsFailed.Load() == 1 })

	clock.Advance(DefaultCooldown)
	stream.next()
	waitFor(t, "second violation", func() bool { return s.Snapshot().ViolationCount == 2 })
	waitFor(t, "second failed report", func() bool { return m.ReportsFailed.Load() == 2 })

	s.Stop()
	if err := rep.Close(context.Background()); err != nil {
		t.Fatalf("close reporter: %v", err)
	}
	if got := s.Snapshot().ViolationCount; got != 2 {
		t.Errorf("failed delivery removed local violations, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("expected 2 delivery attempts, got %d", attempts)
	}
}
