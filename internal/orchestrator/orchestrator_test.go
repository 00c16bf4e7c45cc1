package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/opsforge/backupagent/internal/audit"
	"github.com/opsforge/backupagent/internal/domain"
	"github.com/opsforge/backupagent/internal/metrics"
	"github.com/opsforge/backupagent/internal/registry"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(filepath.Join(dir, "backups.sqlite"))
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	auditL, err := audit.New(filepath.Join(dir, "audit.log"), filepath.Join(dir, "runs"))
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	return New(reg, auditL, zap.NewNop(), metrics.New())
}

func waitForTerminal(t *testing.T, o *Orchestrator, jobID string) domain.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, err := o.Get(jobID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if j.Status == domain.StatusSuccess || j.Status == domain.StatusFailed {
			return j
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return domain.Job{}
}

func TestStartRejectsUnknownAction(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.Start(context.Background(), domain.Action("bogus"), nil, audit.ActorOpsDashboard, nil)
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("err = %v, want ErrUnknownAction", err)
	}
}

func TestStartSuccessPath(t *testing.T) {
	o := newTestOrchestrator(t)
	fn := func(ctx context.Context, jobID string, payload map[string]any, logPath string) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}
	job, err := o.Start(context.Background(), domain.ActionBackup, nil, audit.ActorOpsDashboard, fn)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job.Status != domain.StatusQueued {
		t.Fatalf("initial status = %q, want queued", job.Status)
	}

	final := waitForTerminal(t, o, job.JobID)
	if final.Status != domain.StatusSuccess {
		t.Fatalf("final status = %q, want success", final.Status)
	}

	reg, err := o.reg.Get(job.JobID)
	if err != nil {
		t.Fatalf("registry Get: %v", err)
	}
	if reg.Status != domain.StatusSuccess {
		t.Fatalf("durable status = %q, want success", reg.Status)
	}
}

func TestStartFailurePath(t *testing.T) {
	o := newTestOrchestrator(t)
	fn := func(ctx context.Context, jobID string, payload map[string]any, logPath string) (map[string]any, error) {
		return nil, errors.New("boom")
	}
	job, err := o.Start(context.Background(), domain.ActionValidate, nil, audit.ActorOpsDashboard, fn)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitForTerminal(t, o, job.JobID)
	if final.Status != domain.StatusFailed {
		t.Fatalf("final status = %q, want failed", final.Status)
	}
	if final.Error != "boom" {
		t.Fatalf("error = %q, want boom", final.Error)
	}
}

func TestGetFallsBackToRegistry(t *testing.T) {
	o := newTestOrchestrator(t)
	now := time.Now().UTC()
	job := domain.Job{
		JobID:     "20260731120000-deadbeef",
		Action:    domain.ActionPrune,
		Status:    domain.StatusSuccess,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.reg.Upsert(job); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := o.Get(job.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.StatusSuccess {
		t.Fatalf("status = %q, want success", got.Status)
	}
}
