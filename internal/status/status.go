// Package status implements status_apps (C9): container health
// inspection across every container named by the configured apps.
package status

import (
	"context"
	"sort"

	"github.com/opsforge/backupagent/internal/dockerx"
	"github.com/opsforge/backupagent/internal/domain"
)

// Docker is the subset of dockerx.Client status needs.
type Docker interface {
	Status(ctx context.Context, name string) (dockerx.ContainerStatus, error)
}

// Apps inspects every container referenced by apps (db_container plus
// each entry in containers) and returns one ContainerStatus per
// container name, sorted for stable output.
func Apps(ctx context.Context, docker Docker, apps map[string]domain.App) ([]dockerx.ContainerStatus, error) {
	names := map[string]bool{}
	for _, app := range apps {
		if app.DBContainer != "" {
			names[app.DBContainer] = true
		}
		for _, c := range app.Containers {
			names[c] = true
		}
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	out := make([]dockerx.ContainerStatus, 0, len(sorted))
	for _, name := range sorted {
		st, err := docker.Status(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
