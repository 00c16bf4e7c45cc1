// Package repo wraps the external, deduplicating snapshot store (the
// "Repo" in spec.md's glossary) via the restic binary on PATH. All
// restic invocations are encapsulated here — no other package shells
// out to restic directly.
package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opsforge/backupagent/internal/launcher"
)

// Snapshot mirrors the fields of a restic snapshot relevant to tag
// queries and manifest recording.
type Snapshot struct {
	ID       string   `json:"id"`
	ShortID  string   `json:"short_id"`
	Time     string   `json:"time"`
	Paths    []string `json:"paths"`
	Tags     []string `json:"tags"`
	Hostname string   `json:"hostname"`
}

// RetentionPolicy is spec.md's fixed prune policy: keep last 14 daily,
// 8 weekly, 12 monthly snapshots.
var RetentionPolicy = struct{ Daily, Weekly, Monthly int }{Daily: 14, Weekly: 8, Monthly: 12}

// Repo talks to a single local restic repository, unlocked by a
// password file, via the restic binary on PATH.
type Repo struct {
	bin          string
	repoDir      string
	passwordFile string
}

// New builds a Repo bound to repoDir, unlocked with the contents of
// passwordFile. bin defaults to "restic" when empty.
func New(bin, repoDir, passwordFile string) *Repo {
	if bin == "" {
		bin = "restic"
	}
	return &Repo{bin: bin, repoDir: repoDir, passwordFile: passwordFile}
}

// EnsureInit initializes the repository if it is not already
// initialized, checked per spec.md §4.5 step 1 by testing for the
// presence of a "config" object under the repo root — restic's own
// marker of an initialized repository. Idempotent.
func (r *Repo) EnsureInit(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(r.repoDir, "config")); err == nil {
		return nil
	}
	if err := os.MkdirAll(r.repoDir, 0o755); err != nil {
		return fmt.Errorf("repo: mkdir %s: %w", r.repoDir, err)
	}
	_, err := r.run(ctx, []string{"init"})
	if err != nil {
		return fmt.Errorf("repo: init: %w", err)
	}
	return nil
}

// Snapshot runs restic backup on dir with the given tags and returns
// only an error; restic's output is discarded. Tag order is passed
// through stably (callers are responsible for a deterministic order,
// per spec.md §4.5's "stable argv for test reproducibility" note).
func (r *Repo) Snapshot(ctx context.Context, dir string, tags []string) error {
	args := []string{"backup", "--json"}
	for _, t := range tags {
		args = append(args, "--tag", t)
	}
	args = append(args, dir)
	_, err := r.run(ctx, args)
	if err != nil {
		return fmt.Errorf("repo: snapshot %s: %w", dir, err)
	}
	return nil
}

// SnapshotsByTag returns every snapshot carrying tag, most-recent
// first. An empty tag lists every snapshot in the repo, untagged or
// not, since restic's --tag flag filters rather than matches "no tag".
func (r *Repo) SnapshotsByTag(ctx context.Context, tag string) ([]Snapshot, error) {
	args := []string{"snapshots", "--json", "--no-lock"}
	if tag != "" {
		args = append(args, "--tag", tag)
	}
	out, err := r.output(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("repo: snapshots tag=%s: %w", tag, err)
	}
	var snaps []Snapshot
	if err := json.Unmarshal(out, &snaps); err != nil {
		return nil, fmt.Errorf("repo: parse snapshots: %w", err)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Time > snaps[j].Time })
	return snaps, nil
}

// LatestSnapshotForRun returns the most recent snapshot tagged
// run:<jobID>, per spec.md §4.5 step 8 / §4.7's ensure_restore_source.
func (r *Repo) LatestSnapshotForRun(ctx context.Context, jobID string) (Snapshot, error) {
	snaps, err := r.SnapshotsByTag(ctx, "run:"+jobID)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, fmt.Errorf("repo: no snapshot tagged run:%s", jobID)
	}
	return snaps[0], nil
}

// Forget applies the fixed RetentionPolicy with --prune.
func (r *Repo) Forget(ctx context.Context) error {
	args := []string{
		"forget", "--prune", "--json",
		"--keep-daily", fmt.Sprintf("%d", RetentionPolicy.Daily),
		"--keep-weekly", fmt.Sprintf("%d", RetentionPolicy.Weekly),
		"--keep-monthly", fmt.Sprintf("%d", RetentionPolicy.Monthly),
	}
	_, err := r.run(ctx, args)
	if err != nil {
		return fmt.Errorf("repo: forget: %w", err)
	}
	return nil
}

// Check runs restic check with the given read-data-subset fraction
// (e.g. "1/20") and returns the last n bytes of its combined output.
func (r *Repo) Check(ctx context.Context, readDataSubset string, tailBytes int) (string, error) {
	out, err := r.run(ctx, []string{"check", "--read-data-subset=" + readDataSubset})
	tail := string(out)
	if len(tail) > tailBytes {
		tail = tail[len(tail)-tailBytes:]
	}
	if err != nil {
		return tail, fmt.Errorf("repo: check: %w", err)
	}
	return tail, nil
}

// Restore restores snapshotID into targetDir.
func (r *Repo) Restore(ctx context.Context, snapshotID, targetDir string) error {
	_, err := r.run(ctx, []string{"restore", snapshotID, "--target", targetDir})
	if err != nil {
		return fmt.Errorf("repo: restore %s: %w", snapshotID, err)
	}
	return nil
}

func (r *Repo) passwordContents() (string, error) {
	data, err := os.ReadFile(r.passwordFile)
	if err != nil {
		return "", fmt.Errorf("repo: read password file %s: %w", r.passwordFile, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// env builds the RESTIC_REPOSITORY/RESTIC_PASSWORD overlay every
// restic invocation runs with, via internal/launcher so every external
// tool invocation in this agent (restic included) goes through C1.
func (r *Repo) env() (map[string]string, error) {
	password, err := r.passwordContents()
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"RESTIC_REPOSITORY": r.repoDir,
		"RESTIC_PASSWORD":   password,
	}, nil
}

// run invokes restic and returns its combined stdout+stderr.
func (r *Repo) run(ctx context.Context, args []string) ([]byte, error) {
	env, err := r.env()
	if err != nil {
		return nil, err
	}
	res, runErr := launcher.Run(ctx, append([]string{r.bin}, args...), env, true, "")
	combined := res.Stdout + res.Stderr
	if runErr != nil {
		return []byte(combined), fmt.Errorf("%s: %w", strings.Join(args, " "), runErr)
	}
	return []byte(combined), nil
}

// output invokes restic and returns only its stdout, for callers that
// parse --json output and don't want stderr mixed in.
func (r *Repo) output(ctx context.Context, args []string) ([]byte, error) {
	env, err := r.env()
	if err != nil {
		return nil, err
	}
	res, runErr := launcher.Run(ctx, append([]string{r.bin}, args...), env, true, "")
	if runErr != nil {
		return nil, fmt.Errorf("%s: %w", strings.Join(args, " "), runErr)
	}
	return []byte(res.Stdout), nil
}
