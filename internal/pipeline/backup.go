package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/opsforge/backupagent/internal/config"
	"github.com/opsforge/backupagent/internal/domain"
	"github.com/opsforge/backupagent/internal/launcher"
	"github.com/opsforge/backupagent/internal/metrics"
)

// BackupRequest is the decoded POST /actions/backup payload.
type BackupRequest struct {
	Apps   []string `json:"apps,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// BackupDeps bundles the backup pipeline's (C5) dependencies; its Run
// method satisfies orchestrator.PipelineFunc.
type BackupDeps struct {
	Layout     config.Layout
	Apps       map[string]domain.App
	Repo       Repo
	Docker     Docker
	AgeBin     string
	TarBin     string
	GzipBin    string
	Hostname   string
	Metrics    *metrics.Metrics
}

// Run executes the backup pipeline for job jobID with the given
// payload, writing process records to logPath, per spec.md §4.5.
func (d BackupDeps) Run(ctx context.Context, jobID string, payload map[string]any, logPath string) (map[string]any, error) {
	var req BackupRequest
	decodePayload(payload, &req)

	scopes := parseScopes(req.Scopes)

	// Step 1: ensure Repo is initialized (idempotent).
	if err := d.Repo.EnsureInit(ctx); err != nil {
		return nil, err
	}

	// Step 2: resolve apps; unknown keys fail before any artifact work.
	apps, err := config.ResolveApps(d.Apps, req.Apps)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	// Step 3: work directories.
	workDir := filepath.Join(d.Layout.WorkDir, jobID)
	for _, sub := range []string{"db", "files", "env", "caddy"} {
		if err := os.MkdirAll(filepath.Join(workDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("pipeline: mkdir %s: %w", sub, err)
		}
	}

	// Step 4: derive the encryption recipient from the private key.
	recipient, err := d.deriveRecipient(ctx)
	if err != nil {
		return nil, err
	}

	var artifacts []domain.Artifact
	appKeys := make([]string, 0, len(apps))

	for _, app := range apps {
		appKeys = append(appKeys, app.Key)

		if hasScope(scopes, domain.ScopeDB) && app.DBContainer != "" {
			a, err := d.backupDB(ctx, workDir, app, logPath)
			if err != nil {
				return nil, err
			}
			if a != nil {
				artifacts = append(artifacts, *a)
			}
		}

		if hasScope(scopes, domain.ScopeFiles) {
			a, err := d.backupFiles(ctx, workDir, app, logPath)
			if err != nil {
				return nil, err
			}
			if a != nil {
				artifacts = append(artifacts, *a)
			}
		}

		if hasScope(scopes, domain.ScopeEnv) {
			a, err := d.backupEnv(ctx, workDir, app, recipient, logPath)
			if err != nil {
				return nil, err
			}
			if a != nil {
				artifacts = append(artifacts, *a)
			}
		}
	}

	if hasScope(scopes, domain.ScopeCaddy) {
		a, err := d.backupCaddy(ctx, workDir, logPath)
		if err != nil {
			return nil, err
		}
		if a != nil {
			artifacts = append(artifacts, *a)
		}
	}

	// Step 7: snapshot the work directory with structured tags.
	tags := buildSnapshotTags(jobID, scopes, d.Hostname, appKeys)
	if err := d.Repo.Snapshot(ctx, workDir, tags); err != nil {
		return nil, err
	}

	// Step 8: the most recent snapshot tagged run:<job_id>.
	snap, err := d.Repo.LatestSnapshotForRun(ctx, jobID)
	if err != nil {
		return nil, err
	}

	manifest := domain.Manifest{
		JobID:     jobID,
		Type:      "backup",
		Timestamp: time.Now().UTC(),
		Apps:      appKeys,
		Scopes:    scopesToStrings(scopes),
		Host:      d.Hostname,
		Artifacts: artifacts,
		Validation: domain.ValidationReport{OK: true},
		Restic:    domain.ResticInfo{SnapshotID: snap.ID},
	}

	if err := writeManifest(d.Layout.MetaRunsDir, manifest); err != nil {
		return nil, err
	}

	// Step 10: update metrics.
	now := float64(time.Now().Unix())
	for _, key := range appKeys {
		d.Metrics.RecordBackupSuccess(key, now)
	}

	return map[string]any{"manifest": manifest}, nil
}

func (d BackupDeps) deriveRecipient(ctx context.Context) (string, error) {
	res, err := launcher.Run(ctx, []string{d.AgeBin, "-y", d.Layout.AgeKeyFile}, nil, true, "")
	if err != nil {
		return "", fmt.Errorf("pipeline: derive recipient: %w", err)
	}
	return trimNewline(res.Stdout), nil
}

func (d BackupDeps) backupDB(ctx context.Context, workDir string, app domain.App, logPath string) (*domain.Artifact, error) {
	dbName := app.DBName
	if dbName == "" {
		dbName = app.Key
	}
	dumpPath := filepath.Join(workDir, "db", app.Key+".sql.gz")

	out, err := os.Create(dumpPath)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create %s: %w", dumpPath, err)
	}
	defer out.Close()

	dumpArgv := []string{"pg_dump", "-U", app.DBUser, dbName}
	reader, err := d.Docker.ExecStreamOut(ctx, app.DBContainer, dumpArgv)
	if err != nil {
		return nil, fmt.Errorf("pipeline: exec db dump for %s: %w", app.Key, err)
	}
	defer reader.Close()

	if err := gzipStream(reader, out, logPath); err != nil {
		return nil, err
	}

	if _, err := launcher.Run(ctx, []string{d.GzipBin, "-t", dumpPath}, nil, true, logPath); err != nil {
		return nil, err
	}

	a, err := newArtifact(domain.ArtifactDB, app.Key, dumpPath)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (d BackupDeps) backupFiles(ctx context.Context, workDir string, app domain.App, logPath string) (*domain.Artifact, error) {
	paths := collectExistingPaths(app.ComposeDir, app.MediaPaths, app.StaticPaths, app.ExtraPaths)
	if len(paths) == 0 {
		return nil, nil
	}
	archivePath := filepath.Join(workDir, "files", app.Key+"_files.tar.zst")
	if err := d.tarZst(ctx, archivePath, paths, logPath); err != nil {
		return nil, err
	}
	if _, err := launcher.Run(ctx, []string{d.TarBin, "--zstd", "-tf", archivePath}, nil, true, logPath); err != nil {
		return nil, err
	}
	a, err := newArtifact(domain.ArtifactFiles, app.Key, archivePath)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (d BackupDeps) backupEnv(ctx context.Context, workDir string, app domain.App, recipient, logPath string) (*domain.Artifact, error) {
	existing := filterExisting(app.EnvFiles)
	if len(existing) == 0 {
		return nil, nil
	}

	staging, err := os.MkdirTemp("", "ops-env-*")
	if err != nil {
		return nil, fmt.Errorf("pipeline: mkdtemp: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, src := range existing {
		dst := filepath.Join(staging, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
	}

	plainTar := filepath.Join(staging, app.Key+"_env.tar.zst")
	if err := d.tarZst(ctx, plainTar, []string{staging}, logPath); err != nil {
		return nil, err
	}

	encPath := filepath.Join(workDir, "env", app.Key+"_env.tar.zst.age")
	encErr := func() error {
		_, err := launcher.Run(ctx, []string{d.AgeBin, "-r", recipient, "-o", encPath, plainTar}, nil, true, logPath)
		return err
	}()
	// The plaintext tar is removed on every exit path, including
	// encryption failure, so a plaintext copy never persists.
	os.Remove(plainTar)
	if encErr != nil {
		return nil, encErr
	}

	a, err := newArtifact(domain.ArtifactEnv, app.Key, encPath)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (d BackupDeps) backupCaddy(ctx context.Context, workDir, logPath string) (*domain.Artifact, error) {
	caddyPaths := filterExisting([]string{"/etc/caddy", "/srv/caddy"})
	if len(caddyPaths) == 0 {
		return nil, nil
	}
	archivePath := filepath.Join(workDir, "caddy", "caddy_config.tar.zst")
	if err := d.tarZst(ctx, archivePath, caddyPaths, logPath); err != nil {
		return nil, err
	}
	if _, err := launcher.Run(ctx, []string{d.TarBin, "--zstd", "-tf", archivePath}, nil, true, logPath); err != nil {
		return nil, err
	}
	a, err := newArtifact(domain.ArtifactCaddy, "", archivePath)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (d BackupDeps) tarZst(ctx context.Context, archivePath string, paths []string, logPath string) error {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	argv := append([]string{d.TarBin, "--zstd", "-cPf", archivePath}, sorted...)
	_, err := launcher.Run(ctx, argv, nil, true, logPath)
	return err
}

func buildSnapshotTags(jobID string, scopes []domain.Scope, hostname string, apps []string) []string {
	tags := []string{"run:" + jobID}
	if len(scopes) == len(domain.FullScopes()) {
		tags = append(tags, "scope:full")
	} else {
		tags = append(tags, "scope:partial")
	}
	tags = append(tags, "server:"+hostname)
	sortedApps := append([]string(nil), apps...)
	sort.Strings(sortedApps)
	for _, a := range sortedApps {
		tags = append(tags, "app:"+a)
	}
	return tags
}
