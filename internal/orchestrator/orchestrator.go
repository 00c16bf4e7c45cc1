// Package orchestrator implements the job orchestrator (C4): the
// queue→run→terminal state machine with dual persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsforge/backupagent/internal/audit"
	"github.com/opsforge/backupagent/internal/domain"
	"github.com/opsforge/backupagent/internal/metrics"
	"github.com/opsforge/backupagent/internal/registry"
)

// ErrUnknownAction is returned when start() is called with an action
// outside the closed allow-list.
var ErrUnknownAction = errors.New("orchestrator: unknown action")

// PipelineFunc runs one job's work. It receives the job id, the
// decoded payload, and the path of the job's run log, and returns an
// optional result map. Any returned error fails the job.
type PipelineFunc func(ctx context.Context, jobID string, payload map[string]any, logPath string) (map[string]any, error)

// Orchestrator owns the in-memory job map and the durable registry
// mirroring it. jobsMu guards only the map itself — never process
// waits or file I/O — so long-running pipelines never block status
// reads.
type Orchestrator struct {
	jobsMu sync.Mutex
	jobs   map[string]domain.Job

	reg     *registry.Registry
	auditL  *audit.Log
	logger  *zap.Logger
	metrics *metrics.Metrics

	newJobID func(time.Time) (string, error)
	now      func() time.Time

	onTerminal func(domain.Job)
}

// New builds an Orchestrator over a durable registry and audit log.
func New(reg *registry.Registry, auditL *audit.Log, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		jobs:     make(map[string]domain.Job),
		reg:      reg,
		auditL:   auditL,
		logger:   logger.Named("orchestrator"),
		metrics:  m,
		newJobID: registry.NewJobID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start implements spec.md §4.4's start(): validates the action,
// mints a job id, persists the initial queued record, audits it, and
// dispatches a background worker to run fn.
func (o *Orchestrator) Start(ctx context.Context, action domain.Action, payload map[string]any, actor string, fn PipelineFunc) (domain.Job, error) {
	if !domain.ValidActions[action] {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	jobID, err := o.newJobID(o.now())
	if err != nil {
		return domain.Job{}, err
	}

	now := o.now()
	job := domain.Job{
		JobID:     jobID,
		Action:    action,
		Status:    domain.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Payload:   payload,
		LogPath:   o.auditL.RunLogPath(jobID),
	}

	o.jobsMu.Lock()
	o.jobs[jobID] = job
	o.jobsMu.Unlock()

	if err := o.reg.Upsert(job); err != nil {
		return domain.Job{}, err
	}
	if err := o.auditL.Emit(string(action), string(domain.StatusQueued), actor, map[string]any{"job_id": jobID}); err != nil {
		o.logger.Warn("failed to emit queued audit record", zap.String("job_id", jobID), zap.Error(err))
	}

	go o.runWorker(context.WithoutCancel(ctx), job, fn)

	return job.Clone(), nil
}

func (o *Orchestrator) runWorker(ctx context.Context, job domain.Job, fn PipelineFunc) {
	o.transition(job.JobID, func(j *domain.Job) {
		j.Status = domain.StatusRunning
		j.UpdatedAt = o.now()
	})
	o.metrics.JobsRunningInc()
	defer o.metrics.JobsRunningDec()

	o.persist(job.JobID)

	result, err := fn(ctx, job.JobID, job.Payload, job.LogPath)

	if err != nil {
		o.transition(job.JobID, func(j *domain.Job) {
			j.Status = domain.StatusFailed
			j.Error = err.Error()
			j.UpdatedAt = o.now()
		})
		o.persist(job.JobID)
		if logErr := audit.AppendRunLog(job.LogPath, "ERROR: "+err.Error()); logErr != nil {
			o.logger.Warn("failed to append run log", zap.String("job_id", job.JobID), zap.Error(logErr))
		}
		if auditErr := o.auditL.Emit(string(job.Action), string(domain.StatusFailed), audit.ActorOpsDashboard, map[string]any{"job_id": job.JobID, "error": err.Error()}); auditErr != nil {
			o.logger.Warn("failed to emit failed audit record", zap.String("job_id", job.JobID), zap.Error(auditErr))
		}
		if o.onTerminal != nil {
			if j, getErr := o.Get(job.JobID); getErr == nil {
				o.onTerminal(j)
			}
		}
		return
	}

	o.transition(job.JobID, func(j *domain.Job) {
		j.Status = domain.StatusSuccess
		j.Result = result
		j.UpdatedAt = o.now()
	})
	o.persist(job.JobID)
	if auditErr := o.auditL.Emit(string(job.Action), string(domain.StatusSuccess), audit.ActorOpsDashboard, map[string]any{"job_id": job.JobID}); auditErr != nil {
		o.logger.Warn("failed to emit success audit record", zap.String("job_id", job.JobID), zap.Error(auditErr))
	}
	if o.onTerminal != nil {
		if j, getErr := o.Get(job.JobID); getErr == nil {
			o.onTerminal(j)
		}
	}
}

// transition applies mutate under the jobs lock only — no I/O here.
func (o *Orchestrator) transition(jobID string, mutate func(*domain.Job)) {
	o.jobsMu.Lock()
	defer o.jobsMu.Unlock()
	j := o.jobs[jobID]
	mutate(&j)
	o.jobs[jobID] = j
}

// persist copies the current in-memory record and upserts it to the
// durable registry outside the lock.
func (o *Orchestrator) persist(jobID string) {
	o.jobsMu.Lock()
	j := o.jobs[jobID].Clone()
	o.jobsMu.Unlock()

	if err := o.reg.Upsert(j); err != nil {
		o.logger.Error("failed to persist job", zap.String("job_id", jobID), zap.Error(err))
	}
}

// OnTerminal registers a hook invoked with a copy of the job record
// every time a job reaches success or failed. Used to wire optional
// notification delivery without the orchestrator depending on the
// notify package directly.
func (o *Orchestrator) OnTerminal(hook func(domain.Job)) {
	o.onTerminal = hook
}

// Get returns the in-memory record for jobID, falling back to the
// durable registry when the job is no longer held in memory.
func (o *Orchestrator) Get(jobID string) (domain.Job, error) {
	o.jobsMu.Lock()
	j, ok := o.jobs[jobID]
	o.jobsMu.Unlock()
	if ok {
		return j.Clone(), nil
	}

	j, err := o.reg.Get(jobID)
	if err != nil {
		return domain.Job{}, err
	}
	return j, nil
}
