package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const checkTimeout = 30 * time.Second

// Scheduler runs the reconciler on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	rec    *Reconciler
	logger *slog.Logger
}

// NewScheduler registers the check under spec. spec accepts standard five
// field expressions and descriptors such as "@every 5m".
func NewScheduler(rec *Reconciler, spec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		rec:    rec,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return nil, fmt.Errorf("register reconcile task %q: %w", spec, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running check to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("reconcile scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("reconcile scheduler stopped")
	return nil
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	if _, err := s.rec.Check(ctx); err != nil {
		s.logger.Error("reconcile check failed", "error", err)
	}
}
