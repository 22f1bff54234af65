package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/formsuite/proctoring/internal/camera"
	"github.com/formsuite/proctoring/internal/classifier"
	"github.com/formsuite/proctoring/internal/config"
	"github.com/formsuite/proctoring/internal/logger"
	"github.com/formsuite/proctoring/internal/metrics"
	"github.com/formsuite/proctoring/internal/overlay"
	"github.com/formsuite/proctoring/internal/proctor"
	"github.com/formsuite/proctoring/internal/recorder"
	"github.com/formsuite/proctoring/internal/reporter"
	"github.com/formsuite/proctoring/pkg/types"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a monitoring session until interrupted",
		Example: `  proctor run --form-id exam-42
  proctor run --config proctor.yaml --record`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			level, err := logger.ParseLevel(cfg.Log.Level)
			if err != nil {
				return err
			}
			logger.Init(level, os.Stderr, cfg.Log.Color)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	addOverrideFlags(cmd)
	return cmd
}

// agent holds the components of one monitoring session.
type agent struct {
	metrics  *metrics.Metrics
	session  *proctor.Session
	overlay  *overlay.Server
	reporter *reporter.HTTPReporter
	recorder *recorder.Recorder
	http     *http.Server
}

func newAgent(cfg config.Config) (*agent, error) {
	m := metrics.New()
	ovCfg := cfg.OverlayServer()

	frames := overlay.NewFrameBroadcaster(ovCfg.MJPEGInterval)
	cam := camera.NewManager(camera.NewMJPEGDevice(cfg.Camera.URL), frames, cfg.Constraints())
	hub := proctor.NewVisibilityHub()

	deps := proctor.Deps{
		Camera:     cam,
		Loader:     classifier.NewHTTPLoader(cfg.ClassifierHTTP()),
		Visibility: hub,
		Metrics:    m,
	}

	a := &agent{metrics: m}
	if cfg.Reporter.Endpoint != "" {
		a.reporter = reporter.NewHTTPReporter(cfg.Reporter.Endpoint, cfg.ReporterTimeout(), m)
		deps.Reporter = a.reporter
	} else {
		logger.Warn("Agent", "No ingestion endpoint configured, violations stay local")
	}

	sess, err := proctor.NewSession(cfg.SessionTiming(), deps)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	a.session = sess

	if cfg.Recorder.Enabled {
		a.recorder = recorder.NewRecorder(cfg.Recorder.Dir)
		if err := a.recorder.Start(cfg.FormID); err != nil {
			return nil, fmt.Errorf("start recorder: %w", err)
		}
		formID := cfg.FormID
		sess.OnViolation(func(v types.Violation) {
			if !a.recorder.Record(formID, v) {
				logger.Warn("Agent", "Recorder dropped %s violation", v.Kind)
			}
		})
	}

	a.overlay = overlay.NewServer(ovCfg, sess, hub, frames, m)
	if a.recorder != nil {
		a.overlay.SetRecorder(a.recorder)
	}
	a.http = &http.Server{
		Addr:              ovCfg.Addr,
		Handler:           a.overlay.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func run(ctx context.Context, cfg config.Config) error {
	a, err := newAgent(cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Overlay", "Monitor page on http://%s/", a.http.Addr)
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if err := a.session.Start(ctx); err != nil {
		a.shutdown()
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("Agent", "Shutting down...")
	case err = <-errCh:
		logger.Error("Agent", "Overlay server failed: %v", err)
	}

	a.shutdown()
	return err
}

// shutdown tears the session down before the surfaces that observe it.
func (a *agent) shutdown() {
	a.session.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.reporter != nil {
		if err := a.reporter.Close(ctx); err != nil {
			logger.Warn("Agent", "Pending reports abandoned: %v", err)
		}
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			logger.Warn("Agent", "Recorder close failed: %v", err)
		}
	}
	if err := a.overlay.Close(); err != nil {
		logger.Warn("Agent", "Overlay close failed: %v", err)
	}
	if err := a.http.Shutdown(ctx); err != nil {
		logger.Warn("Agent", "HTTP shutdown: %v", err)
	}

	snap := a.session.Snapshot()
	logger.Info("Agent", "Session %s ended: %d violations, %d tab switches",
		snap.SessionID, snap.ViolationCount, snap.TabSwitchCount)
}
