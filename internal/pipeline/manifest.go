// Package pipeline implements the backup (C5), validate (C6), restore
// (C7) and replication (C8) pipelines: the functions dispatched by the
// orchestrator's pipeline_fn slot.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/opsforge/backupagent/internal/domain"
)

// ReadManifest loads META/runs/<job_id>/manifest.json. Exported for the
// HTTP layer's GET /runs/{id}/manifest and GET /runs handlers.
func ReadManifest(metaRunsDir, jobID string) (domain.Manifest, error) {
	return readManifest(metaRunsDir, jobID)
}

// ListRunIDs returns every run id under metaRunsDir that has a
// manifest.json, sorted ascending (job_id's timestamp prefix sorts the
// directory in creation order per spec.md's testable property).
func ListRunIDs(metaRunsDir string) ([]string, error) {
	entries, err := os.ReadDir(metaRunsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("pipeline: read dir %s: %w", metaRunsDir, err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(metaRunsDir, e.Name(), "manifest.json")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// sha256File returns the lowercase hex sha256 digest of the file at
// path.
func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("pipeline: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("pipeline: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// newArtifact stats and hashes path, producing an Artifact record.
// Every artifact listed in a manifest must be physically present and
// its recorded sha256 equal the file's hash at manifest-write time
// (spec.md §3 invariant); computing the artifact at write time keeps
// that invariant by construction.
func newArtifact(kind, app, path string) (domain.Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("pipeline: stat artifact %s: %w", path, err)
	}
	sum, err := sha256File(path)
	if err != nil {
		return domain.Artifact{}, err
	}
	return domain.Artifact{Type: kind, App: app, Path: path, Size: info.Size(), SHA256: sum}, nil
}

// writeManifest writes META/runs/<job_id>/manifest.json (pretty JSON,
// 2-space indent matching the original Python's json.dumps(indent=2))
// and a parallel checksums.sha256 file, one "<sha256>␠␠<abs_path>" line
// per artifact, per spec.md §4.5 step 9.
func writeManifest(metaRunsDir string, m domain.Manifest) error {
	runDir := filepath.Join(metaRunsDir, m.JobID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("pipeline: mkdir %s: %w", runDir, err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "manifest.json"), data, 0o644); err != nil {
		return fmt.Errorf("pipeline: write manifest: %w", err)
	}

	checksums := make([]string, 0, len(m.Artifacts))
	for _, a := range m.Artifacts {
		abs, err := filepath.Abs(a.Path)
		if err != nil {
			abs = a.Path
		}
		checksums = append(checksums, fmt.Sprintf("%s  %s", a.SHA256, abs))
	}
	sort.Strings(checksums)

	var out []byte
	for _, line := range checksums {
		out = append(out, []byte(line+"\n")...)
	}
	if err := os.WriteFile(filepath.Join(runDir, "checksums.sha256"), out, 0o644); err != nil {
		return fmt.Errorf("pipeline: write checksums: %w", err)
	}
	return nil
}

// readManifest loads META/runs/<job_id>/manifest.json.
func readManifest(metaRunsDir, jobID string) (domain.Manifest, error) {
	path := filepath.Join(metaRunsDir, jobID, "manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Manifest{}, fmt.Errorf("%w: manifest %s", ErrNotFound, jobID)
		}
		return domain.Manifest{}, fmt.Errorf("pipeline: read manifest %s: %w", jobID, err)
	}
	var m domain.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Manifest{}, fmt.Errorf("pipeline: parse manifest %s: %w", jobID, err)
	}
	return m, nil
}
