package proctor

import (
	"context"
	"time"

	"github.com/formsuite/proctoring/internal/camera"
	"github.com/formsuite/proctoring/internal/classifier"
	"github.com/formsuite/proctoring/internal/logger"
)

// runLoop classifies the latest frame once per interval until the session is
// stopped. Ticks run on this goroutine only, so they never overlap.
func (s *Session) runLoop(ctx context.Context, stream camera.Stream, c classifier.Classifier, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	logger.Info("Loop", "Detection loop started (interval=%s)", s.cfg.Interval)
	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			logger.Info("Loop", "Detection loop stopped")
			return
		case <-ticker.C:
			lastSeq = s.tick(ctx, stream, c, lastSeq)
		}
	}
}

// tick performs one detection pass and returns the sequence of the frame it
// classified, or lastSeq when it skipped.
func (s *Session) tick(ctx context.Context, stream camera.Stream, c classifier.Classifier, lastSeq uint64) uint64 {
	s.metrics.Ticks.Add(1)

	frame := stream.LatestFrame()
	if !frame.Ready(lastSeq) {
		s.metrics.TicksSkipped.Add(1)
		return lastSeq
	}

	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.Interval)
	defer cancel()

	start := time.Now()
	res, err := c.Classify(tickCtx, frame)
	s.metrics.UpdateClassifyLatency(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return frame.Sequence
		}
		s.metrics.ClassifyErrors.Add(1)
		logger.Warn("Loop", "Classification of frame %d failed: %v", frame.Sequence, err)
		return frame.Sequence
	}

	for _, cand := range Interpret(res) {
		s.Submit(cand)
	}
	return frame.Sequence
}
