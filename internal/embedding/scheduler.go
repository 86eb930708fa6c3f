package embedding

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/po-intake/internal/model"
)

// Scheduler runs a bounded catch-up pass over every entity kind on a fixed
// interval, picking up entities created or changed since the backfill.
type Scheduler struct {
	maintainer *Maintainer
	batchSize  int
	interval   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(maintainer *Maintainer, batchSize int, interval time.Duration) *Scheduler {
	if batchSize <= 0 {
		batchSize = 75
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{maintainer: maintainer, batchSize: batchSize, interval: interval}
}

// Start launches the background loop. Calling Start on a running scheduler
// is a no-op; there is never more than one loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done

	go s.loop(ctx, done)
	zap.L().Info("embedding scheduler started",
		zap.Int("batch_size", s.batchSize),
		zap.Duration("interval", s.interval))
}

// Stop halts the loop and waits for an in-flight pass to finish. Safe to
// call multiple times or on a never-started scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	zap.L().Info("embedding scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// One immediate pass, then the timer takes over.
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick embeds at most batchSize entities per kind. Failures are logged and
// swallowed; the next tick gets a fresh attempt.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("embedding scheduler pass panicked", zap.Any("panic", r))
		}
	}()

	for _, kind := range model.AllKinds {
		if ctx.Err() != nil {
			return
		}
		report, err := s.maintainer.GenerateMissing(ctx, kind, s.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			zap.L().Warn("embedding scheduler pass failed",
				zap.String("kind", string(kind)),
				zap.Error(err))
			continue
		}
		if report.Processed > 0 || report.Failed > 0 {
			zap.L().Info("embedding scheduler pass",
				zap.String("kind", string(kind)),
				zap.Int("processed", report.Processed),
				zap.Int("failed", report.Failed))
		}
	}
}
