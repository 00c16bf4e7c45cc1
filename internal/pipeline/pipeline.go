package pipeline

import (
	"context"
	"errors"
	"io"

	"github.com/opsforge/backupagent/internal/dockerx"
	"github.com/opsforge/backupagent/internal/repo"
)

// Error taxonomy per spec.md §7.
var (
	ErrValidation    = errors.New("pipeline: validation error")
	ErrNotFound      = errors.New("pipeline: not found")
	ErrSafetyRefusal = errors.New("pipeline: safety refusal")
)

// Repo is the subset of internal/repo.Repo the pipelines depend on,
// narrowed to an interface so tests can substitute a fake snapshot
// store instead of shelling out to a real restic binary.
type Repo interface {
	EnsureInit(ctx context.Context) error
	Snapshot(ctx context.Context, dir string, tags []string) error
	SnapshotsByTag(ctx context.Context, tag string) ([]repo.Snapshot, error)
	LatestSnapshotForRun(ctx context.Context, jobID string) (repo.Snapshot, error)
	Forget(ctx context.Context) error
	Check(ctx context.Context, readDataSubset string, tailBytes int) (string, error)
	Restore(ctx context.Context, snapshotID, targetDir string) error
}

// Docker is the subset of internal/dockerx.Client the pipelines depend
// on.
type Docker interface {
	Status(ctx context.Context, name string) (dockerx.ContainerStatus, error)
	Exec(ctx context.Context, containerName string, argv []string) (string, error)
	ExecStreamOut(ctx context.Context, containerName string, argv []string) (io.ReadCloser, error)
	ExecStreamIn(ctx context.Context, containerName string, argv []string) (io.WriteCloser, error)
}
