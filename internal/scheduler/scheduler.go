// Package scheduler submits recurring harvest runs on a cron schedule. With the
// id-cache enabled each scheduled run only collects listings not seen before.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/multisession-harvester/internal/harvest"
)

// Submitter queues a run and returns its id.
type Submitter interface {
	Submit(ctx context.Context, req harvest.RunRequest) (string, error)
}

// Config describes the recurring run.
type Config struct {
	// Spec is a standard cron expression or descriptor such as "@every 6h".
	Spec       string
	Template   harvest.RunRequest
	RunOnStart bool
}

// Scheduler wraps robfig/cron.
type Scheduler struct {
	cron      *cron.Cron
	cfg       Config
	submitter Submitter
	logger    *zap.Logger

	mu      sync.Mutex
	started bool
}

// New creates a Scheduler. Start must be called to begin firing.
func New(cfg Config, submitter Submitter, logger *zap.Logger) (*Scheduler, error) {
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if cfg.Spec == "" {
		return nil, fmt.Errorf("schedule.spec is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	return &Scheduler{
		cron:      cron.New(cron.WithLogger(cronLogger{logger.Sugar()})),
		cfg:       cfg,
		submitter: submitter,
		logger:    logger,
	}, nil
}

// Start registers the job and starts the cron loop. Runs submitted by the
// schedule inherit ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	if _, err := s.cron.AddFunc(s.cfg.Spec, func() { s.Trigger(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("scheduler started", zap.String("spec", s.cfg.Spec))
	if s.cfg.RunOnStart {
		go s.Trigger(ctx)
	}
	return nil
}

// Stop halts the schedule and waits for a running trigger to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	<-s.cron.Stop().Done()
	s.started = false
	s.logger.Info("scheduler stopped")
}

// Trigger submits one run from the template.
func (s *Scheduler) Trigger(ctx context.Context) {
	req := s.cfg.Template
	req.RunID = ""
	runID, err := s.submitter.Submit(ctx, req)
	if err != nil {
		s.logger.Error("scheduled run submission failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled run submitted",
		zap.String("run_id", runID),
		zap.Int("target", req.Target),
		zap.String("topic", req.Topic),
	)
}

// cronLogger routes cron's internal logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
