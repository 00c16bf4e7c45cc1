// Package reaper periodically scans the job registry for running
// records that have outlived a horizon — almost always the result of a
// process restart mid-job — and flips them to failed. No reason string
// is stored with the record; the orphaning is only logged.
package reaper

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Registry is the subset of registry.Registry the reaper needs.
type Registry interface {
	RunningOlderThan(cutoff time.Time) ([]string, error)
	MarkOrphaned(jobID string, at time.Time) error
}

// Reaper wraps a gocron scheduler running a single recurring scan.
type Reaper struct {
	cron    gocron.Scheduler
	reg     Registry
	horizon time.Duration
	logger  *zap.Logger
}

// New creates a Reaper. horizon is how long a job may sit in "running"
// before it is considered orphaned; interval is how often the scan
// runs. Call Start to begin scanning.
func New(reg Registry, horizon, interval time.Duration, logger *zap.Logger) (*Reaper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("reaper: create gocron scheduler: %w", err)
	}
	r := &Reaper{cron: s, reg: reg, horizon: horizon, logger: logger.Named("reaper")}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(r.scan),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("reaper: gocron.NewJob: %w", err)
	}
	return r, nil
}

// Start runs one scan immediately, then starts the recurring schedule.
func (r *Reaper) Start() {
	r.scan()
	r.cron.Start()
}

// Stop shuts the underlying scheduler down, waiting for an in-flight
// scan to finish.
func (r *Reaper) Stop() error {
	return r.cron.Shutdown()
}

func (r *Reaper) scan() {
	cutoff := time.Now().UTC().Add(-r.horizon)
	ids, err := r.reg.RunningOlderThan(cutoff)
	if err != nil {
		r.logger.Error("reaper scan failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := r.reg.MarkOrphaned(id, time.Now().UTC()); err != nil {
			r.logger.Error("failed to mark job orphaned", zap.String("job_id", id), zap.Error(err))
			continue
		}
		r.logger.Warn("marked orphaned job as failed", zap.String("job_id", id))
	}
}
