package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper is the job the cron service triggers
type Sweeper interface {
	RunOnce(ctx context.Context) (*SweepReport, error)
}

// CronService manages scheduled background jobs
type CronService struct {
	cron     *cron.Cron
	sweeper  Sweeper
	schedule string
	logger   *logrus.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewCronService creates a new CronService running the lifecycle sweep on schedule
// (cron format with seconds: second minute hour day month weekday)
func NewCronService(sweeper Sweeper, schedule string, logger *logrus.Logger) *CronService {
	cl := cron.VerbosePrintfLogger(logger)
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &CronService{
		cron:     c,
		sweeper:  sweeper,
		schedule: schedule,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start schedules the sweep and starts the scheduler
func (s *CronService) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.sweepJob); err != nil {
		return fmt.Errorf("failed to schedule lifecycle sweep: %w", err)
	}
	s.cron.Start()
	s.logger.WithField("schedule", s.schedule).Info("Cron service started")
	return nil
}

// Stop stops scheduling and waits for a running sweep to return
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
	s.logger.Info("Cron service stopped")
}

func (s *CronService) sweepJob() {
	if _, err := s.sweeper.RunOnce(s.ctx); err != nil {
		if errors.Is(err, ErrSweepInProgress) {
			s.logger.Debug("Skipping sweep tick, previous sweep still running")
			return
		}
		s.logger.WithError(err).Error("Lifecycle sweep failed")
	}
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	entries := s.cron.Entries()

	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	return map[string]interface{}{
		"schedule":  s.schedule,
		"job_count": len(entries),
		"jobs":      jobs,
	}
}
