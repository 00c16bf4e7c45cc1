package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordBackupSuccess(t *testing.T) {
	m := New()
	m.RecordBackupSuccess("blog", 1700000000)

	if got := testutil.ToFloat64(m.backupLastSuccess.WithLabelValues("blog")); got != 1 {
		t.Fatalf("ops_backup_last_success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.backupLastEpoch.WithLabelValues("blog")); got != 1700000000 {
		t.Fatalf("ops_backup_last_epoch = %v, want 1700000000", got)
	}
}

func TestJobsRunningGauge(t *testing.T) {
	m := New()
	m.JobsRunningInc()
	m.JobsRunningInc()
	if got := testutil.ToFloat64(m.jobsRunning); got != 2 {
		t.Fatalf("ops_jobs_running = %v, want 2", got)
	}
	m.JobsRunningDec()
	if got := testutil.ToFloat64(m.jobsRunning); got != 1 {
		t.Fatalf("ops_jobs_running = %v, want 1", got)
	}
}
