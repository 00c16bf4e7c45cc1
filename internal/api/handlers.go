package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opsforge/backupagent/internal/audit"
	"github.com/opsforge/backupagent/internal/config"
	"github.com/opsforge/backupagent/internal/domain"
	"github.com/opsforge/backupagent/internal/orchestrator"
	"github.com/opsforge/backupagent/internal/pipeline"
	"github.com/opsforge/backupagent/internal/registry"
	"github.com/opsforge/backupagent/internal/status"
)

type handlers struct {
	cfg RouterConfig
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{"status": "ok"})
}

func (h *handlers) statusApps(w http.ResponseWriter, r *http.Request) {
	apps, err := h.cfg.Apps()
	if err != nil {
		ErrInternal(w)
		return
	}
	st, err := status.Apps(r.Context(), h.cfg.Docker, apps)
	if err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, st)
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.cfg.Orchestrator.Get(id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			ErrNotFound(w, "unknown job id")
			return
		}
		ErrInternal(w)
		return
	}
	Ok(w, job)
}

// listRuns returns every manifest under META/runs (newest first by
// job_id prefix) alongside the Repo's full snapshot list.
func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := pipeline.ListRunIDs(h.cfg.Layout.MetaRunsDir)
	if err != nil {
		ErrInternal(w)
		return
	}
	manifests := make([]domain.Manifest, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		m, err := pipeline.ReadManifest(h.cfg.Layout.MetaRunsDir, ids[i])
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}

	snaps, err := h.cfg.Repo.SnapshotsByTag(r.Context(), "")
	if err != nil {
		snaps = nil
	}

	Ok(w, map[string]any{"runs": manifests, "snapshots": snaps})
}

func (h *handlers) getManifest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := pipeline.ReadManifest(h.cfg.Layout.MetaRunsDir, id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			ErrNotFound(w, "unknown run id")
			return
		}
		ErrInternal(w)
		return
	}
	Ok(w, m)
}

func (h *handlers) getRunLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logPath := h.cfg.Layout.RunsLogDir + "/" + id + ".log"
	text, err := audit.ReadRunLog(logPath)
	if err != nil {
		ErrNotFound(w, "unknown run log")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func (h *handlers) cloudRemotes(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{"remotes": h.cfg.Remotes})
}

func (h *handlers) cloudTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Remote string `json:"remote"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	payload := map[string]any{"remote": req.Remote}
	result, err := h.cfg.Replicate.RcloneTest(r.Context(), "", payload, "")
	if err != nil {
		if errors.Is(err, pipeline.ErrValidation) {
			ErrBadRequest(w, err.Error())
			return
		}
		ErrInternal(w)
		return
	}
	Ok(w, result)
}

func (h *handlers) actionBackup(w http.ResponseWriter, r *http.Request) {
	var req pipeline.BackupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	apps, err := h.cfg.Apps()
	if err != nil {
		ErrInternal(w)
		return
	}
	// Unknown app keys are rejected synchronously, before any job is
	// enqueued, per spec.md §8 scenario 2.
	if _, err := config.ResolveApps(apps, req.Apps); err != nil {
		ErrNotFound(w, err.Error())
		return
	}

	h.enqueue(w, r, domain.ActionBackup, toPayload(req), h.cfg.Backup.Run)
}

func (h *handlers) actionValidate(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ValidateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.enqueue(w, r, domain.ActionValidate, toPayload(req), h.cfg.Validate.Run)
}

func (h *handlers) actionPrune(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, domain.ActionPrune, nil, h.cfg.Prune.Run)
}

func (h *handlers) actionRestore(w http.ResponseWriter, r *http.Request) {
	var req pipeline.RestoreRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.enqueue(w, r, domain.ActionRestore, toPayload(req), h.cfg.Restore.Run)
}

func (h *handlers) actionExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"run_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	payload := map[string]any{"run_id": req.RunID, "mode": string(pipeline.ModeExportBundle)}
	h.enqueue(w, r, domain.ActionExportBundle, payload, h.cfg.Restore.Run)
}

func (h *handlers) actionUploadLatest(w http.ResponseWriter, r *http.Request) {
	var req pipeline.UploadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.enqueue(w, r, domain.ActionUploadLatest, toPayload(req), h.cfg.Replicate.UploadLatest)
}

func (h *handlers) actionUploadSnapshot(w http.ResponseWriter, r *http.Request) {
	var req pipeline.UploadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.enqueue(w, r, domain.ActionUploadSnapsh, toPayload(req), h.cfg.Replicate.UploadSnapshot)
}

// enqueue starts a job via the orchestrator and writes the 202 envelope.
func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request, action domain.Action, payload map[string]any, fn orchestrator.PipelineFunc) {
	job, err := h.cfg.Orchestrator.Start(r.Context(), action, payload, audit.ActorOpsDashboard, fn)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownAction) {
			ErrBadRequest(w, err.Error())
			return
		}
		ErrInternal(w)
		return
	}
	Accepted(w, job)
}

// toPayload round-trips a typed request struct through JSON into the
// map[string]any shape the orchestrator and pipelines operate on.
func toPayload(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}
