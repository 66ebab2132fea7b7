package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	logx "remindd/pkg/logx"
)

// MinInterval is the platform floor for the background cadence.
const MinInterval = 15 * time.Minute

// Service drives periodic sweeps. The cadence is coarse and imprecise on
// purpose: correctness lives in the idempotent Sweep pass, never in exact
// invocation timing.
type Service struct {
	sw       *Sweeper
	interval time.Duration
	log      logx.Logger
	c        *cron.Cron
}

// NewService wraps sw in a cron-driven runner. Intervals below the
// platform floor are raised to it.
func NewService(sw *Sweeper, interval time.Duration, log logx.Logger) *Service {
	if interval < MinInterval {
		interval = MinInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{sw: sw, interval: interval, log: log}
}

// Start registers the periodic tick and runs one sweep immediately to
// catch up after a restart.
func (s *Service) Start(ctx context.Context) error {
	s.c = cron.New()
	_, err := s.c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("register sweep schedule: %w", err)
	}
	s.c.Start()
	s.log.Info("sweeper started", logx.Duration("interval", s.interval))

	go s.tick(ctx)
	return nil
}

// Stop halts the cadence and waits for a running tick to finish.
func (s *Service) Stop(ctx context.Context) {
	if s.c == nil {
		return
	}
	select {
	case <-s.c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("sweeper stopped")
}

func (s *Service) tick(ctx context.Context) {
	res, err := s.sw.Sweep(ctx)
	if err != nil {
		s.log.Error("sweep failed", logx.Err(err))
		return
	}
	for _, stepErr := range res.StepErrors {
		s.log.Warn("sweep step error", logx.Err(stepErr))
	}
}
