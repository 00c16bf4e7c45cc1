package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/opsforge/backupagent/internal/domain"
)

// ErrUnknownApp is returned by ResolveApps for an app key absent from
// the loaded configuration.
var ErrUnknownApp = errors.New("config: unknown app")

// LoadApps reads apps.yml from path. The file is loaded on demand on
// every call — never cached — so operator edits take effect on the
// next job without a restart. Order of apps in the file is irrelevant;
// callers that need a stable order should sort by key themselves.
func LoadApps(path string) (map[string]domain.App, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read apps file %s: %w", path, err)
	}

	var raw map[string]domain.App
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse apps file %s: %w", path, err)
	}

	apps := make(map[string]domain.App, len(raw))
	for key, app := range raw {
		app.Key = key
		apps[key] = app
	}
	return apps, nil
}

// ResolveApps validates that every key in selected exists in apps,
// returning the resolved App values in the order requested. An unknown
// key fails immediately, before any artifact work begins, per
// spec.md §4.5 step 2. When selected is empty, every configured app is
// returned in sorted key order.
func ResolveApps(apps map[string]domain.App, selected []string) ([]domain.App, error) {
	if len(selected) == 0 {
		keys := make([]string, 0, len(apps))
		for k := range apps {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		selected = keys
	}

	resolved := make([]domain.App, 0, len(selected))
	for _, key := range selected {
		app, ok := apps[key]
		if !ok {
			return nil, fmt.Errorf("%w: unknown app %q", ErrUnknownApp, key)
		}
		resolved = append(resolved, app)
	}
	return resolved, nil
}
