package pipeline

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/opsforge/backupagent/internal/audit"
	"github.com/opsforge/backupagent/internal/domain"
)

// decodePayload round-trips a job's generic payload map into a typed
// request struct via JSON, matching spec.md §9's tagged-variant design
// note without requiring the orchestrator itself to know every action's
// shape.
func decodePayload(payload map[string]any, dst any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, dst)
}

func parseScopes(raw []string) []domain.Scope {
	if len(raw) == 0 {
		return domain.FullScopes()
	}
	scopes := make([]domain.Scope, 0, len(raw))
	for _, s := range raw {
		scopes = append(scopes, domain.Scope(s))
	}
	return scopes
}

func hasScope(scopes []domain.Scope, s domain.Scope) bool {
	for _, sc := range scopes {
		if sc == s {
			return true
		}
	}
	return false
}

func scopesToStrings(scopes []domain.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	sort.Strings(out)
	return out
}

// collectExistingPaths unions compose files under composeDir with the
// other path lists, keeping only paths that exist, sorted and
// deduplicated by absolute path per spec.md §4.5's tie-breaking rule.
func collectExistingPaths(composeDir string, pathLists ...[]string) []string {
	var all []string
	if composeDir != "" {
		all = append(all, composeFiles(composeDir)...)
	}
	for _, list := range pathLists {
		all = append(all, list...)
	}
	return filterExisting(all)
}

func composeFiles(dir string) []string {
	candidates := []string{"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"}
	var found []string
	for _, c := range candidates {
		p := dir + "/" + c
		if _, err := os.Stat(p); err == nil {
			found = append(found, p)
		}
	}
	return found
}

func filterExisting(paths []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// gzipStream compresses everything read from r into w, appending a log
// record if logPath is non-empty.
func gzipStream(r io.Reader, w io.Writer, logPath string) error {
	gw := gzip.NewWriter(w)
	if _, err := io.Copy(gw, r); err != nil {
		gw.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	if logPath != "" {
		_ = audit.AppendRunLog(logPath, "$ gzip (streamed db dump)")
	}
	return nil
}

func trimNewline(s string) string {
	return strings.TrimSpace(s)
}

// ungzipStream decompresses everything read from r into w.
func ungzipStream(r io.Reader, w io.Writer) error {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gr.Close()
	_, err = io.Copy(w, gr)
	return err
}
