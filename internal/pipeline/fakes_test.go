package pipeline

import (
	"context"
	"errors"
	"io"

	"github.com/opsforge/backupagent/internal/dockerx"
	"github.com/opsforge/backupagent/internal/repo"
)

// fakeRepo is an in-memory double for Repo, used so pipeline tests do
// not depend on a real restic binary being on PATH.
type fakeRepo struct {
	initCalled bool
	snapshots  map[string][]repo.Snapshot
	checkTail  string
	checkErr   error
	restoreErr error
	restoreDir func(targetDir string) error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{snapshots: map[string][]repo.Snapshot{}}
}

func (f *fakeRepo) EnsureInit(ctx context.Context) error { f.initCalled = true; return nil }

func (f *fakeRepo) Snapshot(ctx context.Context, dir string, tags []string) error {
	for _, tag := range tags {
		f.snapshots[tag] = append(f.snapshots[tag], repo.Snapshot{ID: "snap-" + tag, Tags: tags})
	}
	return nil
}

func (f *fakeRepo) SnapshotsByTag(ctx context.Context, tag string) ([]repo.Snapshot, error) {
	return f.snapshots[tag], nil
}

func (f *fakeRepo) LatestSnapshotForRun(ctx context.Context, jobID string) (repo.Snapshot, error) {
	snaps := f.snapshots["run:"+jobID]
	if len(snaps) == 0 {
		return repo.Snapshot{}, errors.New("fakeRepo: no snapshot")
	}
	return snaps[len(snaps)-1], nil
}

func (f *fakeRepo) Forget(ctx context.Context) error { return nil }

func (f *fakeRepo) Check(ctx context.Context, readDataSubset string, tailBytes int) (string, error) {
	return f.checkTail, f.checkErr
}

func (f *fakeRepo) Restore(ctx context.Context, snapshotID, targetDir string) error {
	if f.restoreErr != nil {
		return f.restoreErr
	}
	if f.restoreDir != nil {
		return f.restoreDir(targetDir)
	}
	return nil
}

// fakeDocker is an in-memory double for Docker.
type fakeDocker struct {
	status  map[string]dockerx.ContainerStatus
	execOut map[string]string
	execErr map[string]error
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		status:  map[string]dockerx.ContainerStatus{},
		execOut: map[string]string{},
		execErr: map[string]error{},
	}
}

func (f *fakeDocker) Status(ctx context.Context, name string) (dockerx.ContainerStatus, error) {
	if st, ok := f.status[name]; ok {
		return st, nil
	}
	return dockerx.ContainerStatus{Name: name, NotFound: true}, nil
}

func (f *fakeDocker) Exec(ctx context.Context, containerName string, argv []string) (string, error) {
	return f.execOut[containerName], f.execErr[containerName]
}

func (f *fakeDocker) ExecStreamOut(ctx context.Context, containerName string, argv []string) (io.ReadCloser, error) {
	return nil, errors.New("fakeDocker: ExecStreamOut not configured")
}

func (f *fakeDocker) ExecStreamIn(ctx context.Context, containerName string, argv []string) (io.WriteCloser, error) {
	return nil, errors.New("fakeDocker: ExecStreamIn not configured")
}
