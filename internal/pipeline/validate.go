package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsforge/backupagent/internal/config"
	"github.com/opsforge/backupagent/internal/domain"
	"github.com/opsforge/backupagent/internal/launcher"
)

// ValidateRequest is the decoded POST /actions/validate payload.
type ValidateRequest struct {
	RunID string `json:"run_id,omitempty"`
}

// ValidateDeps bundles the validate pipeline's dependencies.
type ValidateDeps struct {
	Layout  config.Layout
	Repo    Repo
	TarBin  string
	GzipBin string
}

// Run implements the validate pipeline (C6). Per spec.md §9's Open
// Question resolution (b): every check is attempted and recorded
// before any tool-invocation failure is allowed to fail the job, so a
// hash mismatch never gets masked by a later archive self-test panic.
func (d ValidateDeps) Run(ctx context.Context, jobID string, payload map[string]any, logPath string) (map[string]any, error) {
	var req ValidateRequest
	decodePayload(payload, &req)

	var checks []domain.ValidationCheck
	var toolErrs []error

	if req.RunID != "" {
		manifest, err := readManifest(d.Layout.MetaRunsDir, req.RunID)
		if err != nil {
			return nil, err
		}

		for _, a := range manifest.Artifacts {
			ok := true
			sum, err := sha256File(a.Path)
			if err != nil || sum != a.SHA256 {
				ok = false
			}
			checks = append(checks, domain.ValidationCheck{Path: a.Path, OK: ok})

			if err := d.selfTest(ctx, a, logPath); err != nil {
				toolErrs = append(toolErrs, err)
			}
		}
	}

	tail, checkErr := d.Repo.Check(ctx, "1/20", 1000)
	checks = append(checks, domain.ValidationCheck{Path: "repo:check", OK: checkErr == nil})
	if checkErr != nil {
		toolErrs = append(toolErrs, checkErr)
	}

	ok := true
	for _, c := range checks {
		if !c.OK {
			ok = false
		}
	}

	report := domain.ValidationReport{OK: ok, Checks: checks}

	if len(toolErrs) > 0 {
		msgs := make([]string, len(toolErrs))
		for i, e := range toolErrs {
			msgs[i] = e.Error()
		}
		return map[string]any{"validation": report, "repo_check_tail": tail}, fmt.Errorf("%s", strings.Join(msgs, "; "))
	}

	return map[string]any{"validation": report, "repo_check_tail": tail}, nil
}

func (d ValidateDeps) selfTest(ctx context.Context, a domain.Artifact, logPath string) error {
	switch a.Type {
	case domain.ArtifactDB:
		_, err := launcher.Run(ctx, []string{d.GzipBin, "-t", a.Path}, nil, true, logPath)
		return err
	case domain.ArtifactFiles, domain.ArtifactCaddy:
		_, err := launcher.Run(ctx, []string{d.TarBin, "--zstd", "-tf", a.Path}, nil, true, logPath)
		return err
	default:
		return nil
	}
}
