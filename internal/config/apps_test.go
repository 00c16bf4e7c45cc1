package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testAppsYAML = `
blog:
  db_container: pg
  db_user: postgres
  db_name: blog
  compose_dir: /tmp/blog
  env_files:
    - /tmp/blog/.env
wiki:
  compose_dir: /tmp/wiki
`

func writeTestApps(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "apps.yml")
	if err := os.WriteFile(path, []byte(testAppsYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadApps(t *testing.T) {
	apps, err := LoadApps(writeTestApps(t))
	if err != nil {
		t.Fatalf("LoadApps: %v", err)
	}
	if len(apps) != 2 {
		t.Fatalf("got %d apps, want 2", len(apps))
	}
	blog, ok := apps["blog"]
	if !ok {
		t.Fatalf("missing blog app")
	}
	if blog.Key != "blog" || blog.DBContainer != "pg" || blog.DBName != "blog" {
		t.Fatalf("unexpected blog app: %+v", blog)
	}
	if len(blog.EnvFiles) != 1 || blog.EnvFiles[0] != "/tmp/blog/.env" {
		t.Fatalf("unexpected env files: %v", blog.EnvFiles)
	}
}

func TestResolveAppsUnknown(t *testing.T) {
	apps, err := LoadApps(writeTestApps(t))
	if err != nil {
		t.Fatalf("LoadApps: %v", err)
	}
	_, err = ResolveApps(apps, []string{"nope"})
	if !errors.Is(err, ErrUnknownApp) {
		t.Fatalf("err = %v, want ErrUnknownApp", err)
	}
}

func TestResolveAppsEmptySelectsAllSorted(t *testing.T) {
	apps, err := LoadApps(writeTestApps(t))
	if err != nil {
		t.Fatalf("LoadApps: %v", err)
	}
	resolved, err := ResolveApps(apps, nil)
	if err != nil {
		t.Fatalf("ResolveApps: %v", err)
	}
	if len(resolved) != 2 || resolved[0].Key != "blog" || resolved[1].Key != "wiki" {
		t.Fatalf("unexpected resolved order: %+v", resolved)
	}
}
