package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opsforge/backupagent/internal/config"
	"github.com/opsforge/backupagent/internal/domain"
	"github.com/opsforge/backupagent/internal/metrics"
	"github.com/opsforge/backupagent/internal/orchestrator"
	"github.com/opsforge/backupagent/internal/pipeline"
)

// RouterConfig holds every dependency the HTTP layer needs. Populated
// once in main.go after all components are constructed. Repo and
// Docker are narrowed to the same interfaces the pipelines depend on,
// so tests can wire in-memory fakes without a real restic binary or
// Docker daemon.
type RouterConfig struct {
	Logger       *zap.Logger
	Layout       config.Layout
	Apps         func() (map[string]domain.App, error)
	Orchestrator *orchestrator.Orchestrator
	Repo         pipeline.Repo
	Docker       pipeline.Docker
	Metrics      *metrics.Metrics
	Remotes      []string

	Backup    pipeline.BackupDeps
	Validate  pipeline.ValidateDeps
	Restore   pipeline.RestoreDeps
	Replicate pipeline.ReplicateDeps
	Prune     pipeline.PruneDeps
}

// NewRouter builds the fully configured chi router per spec.md §6.1.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	h := &handlers{cfg: cfg}

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics.Registry(), promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(RequireToken(cfg.Layout.TokenFile))

		r.Get("/status/apps", h.statusApps)
		r.Get("/runs", h.listRuns)
		r.Get("/jobs/{id}", h.getJob)
		r.Get("/runs/{id}/manifest", h.getManifest)
		r.Get("/runs/{id}/log", h.getRunLog)
		r.Get("/cloud/remotes", h.cloudRemotes)
		r.Post("/cloud/test", h.cloudTest)

		r.Post("/actions/backup", h.actionBackup)
		r.Post("/actions/validate", h.actionValidate)
		r.Post("/actions/prune", h.actionPrune)
		r.Post("/actions/restore", h.actionRestore)
		r.Post("/actions/export", h.actionExport)
		r.Post("/actions/upload/latest", h.actionUploadLatest)
		r.Post("/actions/upload/snapshot", h.actionUploadSnapshot)
	})

	return r
}
