package reaper

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeRegistry struct {
	mu       sync.Mutex
	running  []string
	orphaned []string
}

func (f *fakeRegistry) RunningOlderThan(cutoff time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.running...), nil
}

func (f *fakeRegistry) MarkOrphaned(jobID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orphaned = append(f.orphaned, jobID)
	return nil
}

func TestReaperScanMarksStaleRunningJobsOrphaned(t *testing.T) {
	reg := &fakeRegistry{running: []string{"job-1", "job-2"}}
	r, err := New(reg, time.Hour, time.Minute, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.scan()

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.orphaned) != 2 {
		t.Fatalf("orphaned = %v, want 2 entries", reg.orphaned)
	}
}

func TestReaperStartAndStop(t *testing.T) {
	reg := &fakeRegistry{}
	r, err := New(reg, time.Hour, time.Hour, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Start()
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
