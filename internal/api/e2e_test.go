package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/opsforge/backupagent/internal/audit"
	"github.com/opsforge/backupagent/internal/config"
	"github.com/opsforge/backupagent/internal/dockerx"
	"github.com/opsforge/backupagent/internal/domain"
	"github.com/opsforge/backupagent/internal/metrics"
	"github.com/opsforge/backupagent/internal/orchestrator"
	"github.com/opsforge/backupagent/internal/pipeline"
	"github.com/opsforge/backupagent/internal/registry"
	"github.com/opsforge/backupagent/internal/repo"
)

// fakeRepo and fakeDocker are local to this package's e2e tests so they
// never depend on a real restic binary or Docker daemon being present.
type fakeRepo struct{}

func (fakeRepo) EnsureInit(ctx context.Context) error { return nil }
func (fakeRepo) Snapshot(ctx context.Context, dir string, tags []string) error { return nil }
func (fakeRepo) SnapshotsByTag(ctx context.Context, tag string) ([]repo.Snapshot, error) {
	return nil, nil
}
func (fakeRepo) LatestSnapshotForRun(ctx context.Context, jobID string) (repo.Snapshot, error) {
	return repo.Snapshot{}, errors.New("fakeRepo: no snapshot")
}
func (fakeRepo) Forget(ctx context.Context) error                               { return nil }
func (fakeRepo) Check(ctx context.Context, subset string, tail int) (string, error) { return "ok", nil }
func (fakeRepo) Restore(ctx context.Context, snapshotID, targetDir string) error { return nil }

type fakeDocker struct{}

func (fakeDocker) Status(ctx context.Context, name string) (dockerx.ContainerStatus, error) {
	return dockerx.ContainerStatus{Name: name, Status: "running", Health: "healthy"}, nil
}
func (fakeDocker) Exec(ctx context.Context, containerName string, argv []string) (string, error) {
	return "0\n", nil
}
func (fakeDocker) ExecStreamOut(ctx context.Context, containerName string, argv []string) (io.ReadCloser, error) {
	return nil, errors.New("not configured")
}
func (fakeDocker) ExecStreamIn(ctx context.Context, containerName string, argv []string) (io.WriteCloser, error) {
	return nil, errors.New("not configured")
}

type testServer struct {
	srv    *httptest.Server
	layout config.Layout
	token  string
}

func newTestServer(t *testing.T, apps map[string]domain.App) *testServer {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Config{
		OpsDir:  filepath.Join(dir, "ops"),
		WorkDir: filepath.Join(dir, "work"),
		MetaDir: filepath.Join(dir, "meta"),
		RepoDir: filepath.Join(dir, "repo"),
	}
	layout := config.NewLayout(cfg)

	if err := os.MkdirAll(filepath.Dir(layout.TokenFile), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(layout.TokenFile, []byte("test-token\n"), 0o644); err != nil {
		t.Fatalf("WriteFile token: %v", err)
	}

	auditL, err := audit.New(layout.AuditLog, layout.RunsLogDir)
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(layout.BackupsSQLite), 0o755); err != nil {
		t.Fatalf("MkdirAll meta dir: %v", err)
	}
	reg, err := registry.Open(layout.BackupsSQLite)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	m := metrics.New()
	orch := orchestrator.New(reg, auditL, zap.NewNop(), m)

	fr := fakeRepo{}
	fd := fakeDocker{}

	cfgRouter := RouterConfig{
		Logger: zap.NewNop(),
		Layout: layout,
		Apps: func() (map[string]domain.App, error) {
			return apps, nil
		},
		Orchestrator: orch,
		Repo:         fr,
		Docker:       fd,
		Metrics:      m,
		Remotes:      []string{"s3-offsite"},
		Backup: pipeline.BackupDeps{
			Layout: layout, Apps: apps, Repo: fr, Docker: fd,
			AgeBin: "true", TarBin: "tar", GzipBin: "gzip", Hostname: "test-host", Metrics: m,
		},
		Validate:  pipeline.ValidateDeps{Layout: layout, Repo: fr, TarBin: "tar", GzipBin: "gzip"},
		Restore:   pipeline.RestoreDeps{Layout: layout, Apps: apps, Repo: fr, Docker: fd, TarBin: "tar"},
		Replicate: pipeline.ReplicateDeps{Layout: layout, RcloneBin: "true", Remotes: []string{"s3-offsite"}},
		Prune:     pipeline.PruneDeps{Repo: fr},
	}

	h := NewRouter(cfgRouter)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, layout: layout, token: "test-token"}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("X-OPS-TOKEN", ts.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func TestUnknownAppRejectedSynchronouslyWithoutEnqueueing(t *testing.T) {
	apps := map[string]domain.App{}
	ts := newTestServer(t, apps)

	resp := ts.do(t, http.MethodPost, "/actions/backup", map[string]any{"apps": []string{"nope"}})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	if _, err := os.Stat(ts.layout.WorkDir); err == nil {
		t.Fatalf("expected no work directory to be created")
	}
}

func TestRestoreSameServerRefusalObservableViaJobsEndpoint(t *testing.T) {
	apps := map[string]domain.App{"blog": {Key: "blog"}}
	ts := newTestServer(t, apps)

	runID := "20260101000000-aaaaaaaa"
	runDir := filepath.Join(ts.layout.WorkDir, runID, "db")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "blog.sql.gz"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	resp := ts.do(t, http.MethodPost, "/actions/restore", map[string]any{
		"run_id": runID, "mode": "restore-db", "apps": []string{"blog"},
		"typed_confirmation": "RESTORE " + runID, "allow_same_server": false,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var body struct {
		Data domain.Job `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	jobID := body.Data.JobID
	deadline := time.Now().Add(5 * time.Second)
	var job domain.Job
	for time.Now().Before(deadline) {
		r := ts.do(t, http.MethodGet, "/jobs/"+jobID, nil)
		var jb struct {
			Data domain.Job `json:"data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&jb)
		r.Body.Close()
		job = jb.Data
		if job.Status == domain.StatusFailed || job.Status == domain.StatusSuccess {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if job.Status != domain.StatusFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}
	if job.Error == "" {
		t.Fatalf("expected a non-empty error message")
	}
}

func TestHealthAndMetricsRequireNoToken(t *testing.T) {
	ts := newTestServer(t, map[string]domain.App{})

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.srv.URL+"/metrics", nil)
	mresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer mresp.Body.Close()
	if mresp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", mresp.StatusCode)
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	ts := newTestServer(t, map[string]domain.App{})

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/status/apps", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}
