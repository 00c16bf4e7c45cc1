package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsforge/backupagent/internal/domain"
)

func TestWriteAndReadManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	metaRuns := filepath.Join(dir, "meta", "runs")

	artifactPath := filepath.Join(dir, "blog.sql.gz")
	if err := os.WriteFile(artifactPath, []byte("dump-contents"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	a, err := newArtifact(domain.ArtifactDB, "blog", artifactPath)
	if err != nil {
		t.Fatalf("newArtifact: %v", err)
	}

	m := domain.Manifest{
		JobID:      "20260731120000-aabbccdd",
		Type:       "backup",
		Timestamp:  time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC),
		Apps:       []string{"blog"},
		Scopes:     []string{"db"},
		Host:       "host-a",
		Artifacts:  []domain.Artifact{a},
		Validation: domain.ValidationReport{OK: true},
		Restic:     domain.ResticInfo{SnapshotID: "abc123"},
	}

	if err := writeManifest(metaRuns, m); err != nil {
		t.Fatalf("writeManifest: %v", err)
	}

	got, err := readManifest(metaRuns, m.JobID)
	if err != nil {
		t.Fatalf("readManifest: %v", err)
	}
	if got.JobID != m.JobID || got.Restic.SnapshotID != "abc123" || len(got.Artifacts) != 1 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if got.Artifacts[0].SHA256 != a.SHA256 {
		t.Fatalf("artifact hash mismatch: got %s want %s", got.Artifacts[0].SHA256, a.SHA256)
	}

	checksums, err := os.ReadFile(filepath.Join(metaRuns, m.JobID, "checksums.sha256"))
	if err != nil {
		t.Fatalf("ReadFile checksums: %v", err)
	}
	if len(checksums) == 0 {
		t.Fatalf("checksums file empty")
	}
}

func TestReadManifestNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := readManifest(dir, "missing-run")
	if err == nil {
		t.Fatalf("expected error for missing manifest")
	}
}
