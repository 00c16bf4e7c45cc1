package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/opsforge/backupagent/internal/config"
	"github.com/opsforge/backupagent/internal/launcher"
)

// UploadRequest is the decoded POST /actions/upload/latest and
// /actions/upload/snapshot payload.
type UploadRequest struct {
	Remote     string `json:"remote"`
	RemotePath string `json:"remote_path,omitempty"`
	RunID      string `json:"run_id,omitempty"`
}

// ReplicateDeps bundles the replication pipeline's dependencies.
type ReplicateDeps struct {
	Layout    config.Layout
	RcloneBin string
	Remotes   []string
}

// defaultRemotePath matches spec.md §4.8's default destination prefix.
const defaultRemotePath = "ops-backups"

// UploadLatest implements upload_job(remote, remote_path, "latest"):
// picks the lexicographically greatest run_id under META/runs with a
// manifest, per spec.md §4.8 and the "Upload latest" test scenario.
func (d ReplicateDeps) UploadLatest(ctx context.Context, jobID string, payload map[string]any, logPath string) (map[string]any, error) {
	var req UploadRequest
	decodePayload(payload, &req)

	runID, err := d.latestRunID()
	if err != nil {
		return nil, err
	}
	return d.upload(ctx, req, runID, logPath)
}

// UploadSnapshot implements upload_job for an explicit run_id.
func (d ReplicateDeps) UploadSnapshot(ctx context.Context, jobID string, payload map[string]any, logPath string) (map[string]any, error) {
	var req UploadRequest
	decodePayload(payload, &req)
	if req.RunID == "" {
		return nil, fmt.Errorf("%w: missing run_id", ErrValidation)
	}
	return d.upload(ctx, req, req.RunID, logPath)
}

func (d ReplicateDeps) upload(ctx context.Context, req UploadRequest, runID, logPath string) (map[string]any, error) {
	if !contains(d.Remotes, req.Remote) {
		return nil, fmt.Errorf("%w: unknown remote %q", ErrValidation, req.Remote)
	}
	remotePath := req.RemotePath
	if remotePath == "" {
		remotePath = defaultRemotePath
	}

	src := filepath.Join(d.Layout.MetaRunsDir, runID)
	dst := fmt.Sprintf("%s:%s/%s", req.Remote, remotePath, runID)

	if _, err := launcher.Run(ctx, []string{d.RcloneBin, "copy", src, dst}, nil, true, logPath); err != nil {
		return nil, err
	}
	return map[string]any{"source": src, "destination": dst}, nil
}

// RcloneTest implements the rclone_test action: list a remote's root.
func (d ReplicateDeps) RcloneTest(ctx context.Context, jobID string, payload map[string]any, logPath string) (map[string]any, error) {
	var req struct {
		Remote string `json:"remote"`
	}
	decodePayload(payload, &req)
	if !contains(d.Remotes, req.Remote) {
		return nil, fmt.Errorf("%w: unknown remote %q", ErrValidation, req.Remote)
	}
	res, err := launcher.Run(ctx, []string{d.RcloneBin, "lsd", req.Remote + ":"}, nil, true, logPath)
	if err != nil {
		return nil, err
	}
	return map[string]any{"listing": res.Stdout}, nil
}

func (d ReplicateDeps) latestRunID() (string, error) {
	entries, err := os.ReadDir(d.Layout.MetaRunsDir)
	if err != nil {
		return "", fmt.Errorf("pipeline: read %s: %w", d.Layout.MetaRunsDir, err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(d.Layout.MetaRunsDir, e.Name(), "manifest.json")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: no runs with a manifest", ErrNotFound)
	}
	sort.Strings(ids)
	return ids[len(ids)-1], nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
