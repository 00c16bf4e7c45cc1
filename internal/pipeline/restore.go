package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opsforge/backupagent/internal/config"
	"github.com/opsforge/backupagent/internal/domain"
	"github.com/opsforge/backupagent/internal/launcher"
)

// RestoreMode is the closed set of restore operating modes.
type RestoreMode string

const (
	ModeValidateOnly  RestoreMode = "validate-only"
	ModeRestoreDB     RestoreMode = "restore-db"
	ModeRestoreFiles  RestoreMode = "restore-files"
	ModeRestoreCaddy  RestoreMode = "restore-caddy"
	ModeFull          RestoreMode = "full"
	ModeExportBundle  RestoreMode = "export-bundle"
)

var validModes = map[RestoreMode]bool{
	ModeValidateOnly: true, ModeRestoreDB: true, ModeRestoreFiles: true,
	ModeRestoreCaddy: true, ModeFull: true, ModeExportBundle: true,
}

var destructiveModes = map[RestoreMode]bool{
	ModeRestoreDB: true, ModeRestoreFiles: true, ModeRestoreCaddy: true, ModeFull: true,
}

// RestoreRequest is the decoded POST /actions/restore payload.
type RestoreRequest struct {
	RunID             string      `json:"run_id"`
	Mode              RestoreMode `json:"mode"`
	Apps              []string    `json:"apps,omitempty"`
	TypedConfirmation string      `json:"typed_confirmation"`
	AllowSameServer   bool        `json:"allow_same_server"`
}

// RestoreDeps bundles the restore pipeline's dependencies.
type RestoreDeps struct {
	Layout config.Layout
	Apps   map[string]domain.App
	Repo   Repo
	Docker Docker
	TarBin string
}

// Run implements the restore pipeline (C7): gate, source
// materialization, and the mode-specific restore logic.
func (d RestoreDeps) Run(ctx context.Context, jobID string, payload map[string]any, logPath string) (map[string]any, error) {
	var req RestoreRequest
	decodePayload(payload, &req)

	if req.RunID == "" {
		return nil, fmt.Errorf("%w: missing run_id", ErrValidation)
	}
	if !validModes[req.Mode] {
		return nil, fmt.Errorf("%w: mode %q not in closed set", ErrValidation, req.Mode)
	}
	if destructiveModes[req.Mode] {
		want := "RESTORE " + req.RunID
		if req.TypedConfirmation != want {
			return nil, fmt.Errorf("%w: typed confirmation mismatch", ErrValidation)
		}
	}

	if req.Mode == ModeExportBundle {
		return d.exportBundle(ctx, req.RunID, logPath)
	}

	runDir, cleanup, err := d.ensureRestoreSource(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}

	if req.Mode == ModeValidateOnly {
		return map[string]any{"run_dir": runDir}, nil
	}

	if req.Mode == ModeRestoreDB || req.Mode == ModeFull {
		if err := d.restoreDB(ctx, runDir, req, logPath); err != nil {
			return nil, err
		}
	}
	if req.Mode == ModeRestoreFiles || req.Mode == ModeFull {
		if err := d.restoreFiles(ctx, runDir, logPath); err != nil {
			return nil, err
		}
	}
	if req.Mode == ModeRestoreCaddy || req.Mode == ModeFull {
		if err := d.restoreCaddy(ctx, runDir, logPath); err != nil {
			return nil, err
		}
	}

	return map[string]any{"run_dir": runDir}, nil
}

// ensureRestoreSource materializes WORK/<run_id> locally, restoring
// from the Repo into a fresh temp directory when it is not already
// present on this host, per spec.md §4.7.
func (d RestoreDeps) ensureRestoreSource(ctx context.Context, runID string) (string, func(), error) {
	local := filepath.Join(d.Layout.WorkDir, runID)
	if _, err := os.Stat(local); err == nil {
		return local, nil, nil
	}

	snap, err := d.Repo.LatestSnapshotForRun(ctx, runID)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, err)
	}

	tmp, err := os.MkdirTemp("", "ops-restore-*")
	if err != nil {
		return "", nil, fmt.Errorf("pipeline: mkdtemp: %w", err)
	}
	cleanup := func() { os.RemoveAll(tmp) }

	if err := d.Repo.Restore(ctx, snap.ID, tmp); err != nil {
		cleanup()
		return "", nil, err
	}

	// restic preserves the original absolute path, so the run directory
	// lands at <temp>/srv/backups/work/<run_id>.
	materialized := filepath.Join(tmp, d.Layout.WorkDir, runID)
	if _, err := os.Stat(materialized); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("pipeline: restored snapshot missing %s: %w", materialized, err)
	}
	return materialized, cleanup, nil
}

func (d RestoreDeps) restoreDB(ctx context.Context, runDir string, req RestoreRequest, logPath string) error {
	apps := req.Apps
	for _, appKey := range apps {
		dumpPath := filepath.Join(runDir, "db", appKey+".sql.gz")
		if _, err := os.Stat(dumpPath); err != nil {
			continue // no dump present for this app
		}

		if !req.AllowSameServer {
			return fmt.Errorf("%w: same-server restore refused for app %s (allow_same_server is false)", ErrSafetyRefusal, appKey)
		}

		app, ok := d.Apps[appKey]
		if !ok {
			return fmt.Errorf("%w: unknown app %s", ErrValidation, appKey)
		}
		dbName := app.DBName
		if dbName == "" {
			dbName = app.Key
		}

		count, err := d.countTablesFor(ctx, app, dbName)
		if err != nil || count > 0 {
			return fmt.Errorf("%w: target database for app %s is not empty, refusing restore", ErrSafetyRefusal, appKey)
		}

		if err := d.streamRestoreDump(ctx, app, dbName, dumpPath, logPath); err != nil {
			return err
		}
	}
	return nil
}

// countTablesFor counts tables in app's public schema, via app's own
// configured db_container/db_user. A very large sentinel is used when
// the count cannot be parsed, treating the target as effectively
// non-empty and refusing the restore, per spec.md §4.7.1.
func (d RestoreDeps) countTablesFor(ctx context.Context, app domain.App, dbName string) (int, error) {
	const sentinel = 1 << 30
	out, err := d.Docker.Exec(ctx, app.DBContainer, []string{"psql", "-U", app.DBUser, "-d", dbName, "-tAc",
		"select count(*) from information_schema.tables where table_schema='public'"})
	if err != nil {
		return sentinel, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return sentinel, nil
	}
	return n, nil
}

func (d RestoreDeps) streamRestoreDump(ctx context.Context, app domain.App, dbName, dumpPath, logPath string) error {
	f, err := os.Open(dumpPath)
	if err != nil {
		return fmt.Errorf("pipeline: open dump %s: %w", dumpPath, err)
	}
	defer f.Close()

	writer, err := d.Docker.ExecStreamIn(ctx, app.DBContainer, []string{"psql", "-U", app.DBUser, "-d", dbName})
	if err != nil {
		return fmt.Errorf("pipeline: exec restore for %s: %w", app.Key, err)
	}
	defer writer.Close()

	return ungzipStream(f, writer)
}

func (d RestoreDeps) restoreFiles(ctx context.Context, runDir, logPath string) error {
	return d.extractAll(ctx, filepath.Join(runDir, "files"), logPath)
}

func (d RestoreDeps) restoreCaddy(ctx context.Context, runDir, logPath string) error {
	return d.extractAll(ctx, filepath.Join(runDir, "caddy"), logPath)
}

// extractAll extracts every archive under dir with absolute-path
// preservation (tar -P), per spec.md §4.7.2.
func (d RestoreDeps) extractAll(ctx context.Context, dir, logPath string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("pipeline: read %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dir, name)
		if _, err := launcher.Run(ctx, []string{d.TarBin, "--zstd", "-xPf", path}, nil, true, logPath); err != nil {
			return err
		}
	}
	return nil
}

// exportBundle materializes the run directory, copies it into a fresh
// temp parent, writes RESTORE_GUIDE.md, and tar-zstd's the parent into
// META/restore_bundle_<run_id>.tar.zst, per spec.md §4.7.3.
func (d RestoreDeps) exportBundle(ctx context.Context, runID, logPath string) (map[string]any, error) {
	runDir, cleanup, err := d.ensureRestoreSource(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}

	parent, err := os.MkdirTemp("", "ops-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("pipeline: mkdtemp: %w", err)
	}
	defer os.RemoveAll(parent)

	bundleDir := filepath.Join(parent, "restore_bundle_"+runID)
	if err := copyTree(runDir, bundleDir); err != nil {
		return nil, err
	}

	guide := restoreGuideText(runID)
	if err := os.WriteFile(filepath.Join(bundleDir, "RESTORE_GUIDE.md"), []byte(guide), 0o644); err != nil {
		return nil, fmt.Errorf("pipeline: write restore guide: %w", err)
	}

	bundlePath := filepath.Join(d.Layout.MetaRunsDir, "..", "restore_bundle_"+runID+".tar.zst")
	if _, err := launcher.Run(ctx, []string{d.TarBin, "--zstd", "-cPf", bundlePath, "-C", parent, "restore_bundle_" + runID}, nil, true, logPath); err != nil {
		return nil, err
	}

	return map[string]any{"bundle_path": bundlePath}, nil
}

func restoreGuideText(runID string) string {
	return fmt.Sprintf(`# Restore guide for run %s

Generated %s.

1. Extract this bundle: tar --zstd -xPf restore_bundle_%s.tar.zst
2. db/: gzip-compressed SQL dumps per app. Restore with:
   gunzip -c db/<app>.sql.gz | psql -U <user> <db>
3. files/: tar.zst archives with absolute paths. Restore with:
   tar --zstd -xPf files/<app>_files.tar.zst
4. env/: age-encrypted env bundles. Decrypt with the matching private key:
   age -d -i age.key env/<app>_env.tar.zst.age | tar --zstd -x
5. caddy/: reverse-proxy configuration, restored the same way as files/.
`, runID, time.Now().UTC().Format(time.RFC3339), runID)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}
