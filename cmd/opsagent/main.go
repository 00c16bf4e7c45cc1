// Package main is the entry point for the opsagent binary. It wires
// every internal package together and starts the HTTP control plane.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load apps.yml and rclone remotes
//  4. Open the job registry (sqlite) and audit log
//  5. Build Repo (restic wrapper) and Docker client (non-fatal if unavailable)
//  6. Build the orchestrator, pipeline deps, orphan reaper and notifier
//  7. Start the HTTP server
//  8. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opsforge/backupagent/internal/api"
	"github.com/opsforge/backupagent/internal/audit"
	"github.com/opsforge/backupagent/internal/config"
	"github.com/opsforge/backupagent/internal/dockerx"
	"github.com/opsforge/backupagent/internal/domain"
	"github.com/opsforge/backupagent/internal/metrics"
	"github.com/opsforge/backupagent/internal/notify"
	"github.com/opsforge/backupagent/internal/orchestrator"
	"github.com/opsforge/backupagent/internal/pipeline"
	"github.com/opsforge/backupagent/internal/reaper"
	"github.com/opsforge/backupagent/internal/registry"
	"github.com/opsforge/backupagent/internal/repo"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	addr           string
	opsDir         string
	workDir        string
	metaDir        string
	repoDir        string
	dockerSocket   string
	resticBin      string
	rcloneBin      string
	ageBin         string
	tarBin         string
	gzipBin        string
	logLevel       string
	reaperHorizon  time.Duration
	reaperInterval time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "opsagent",
		Short: "opsagent — single-host backup and recovery agent",
		Long: `opsagent runs on a single host, discovers the containerized
applications listed in apps.yml, and exposes an authenticated HTTP
control plane for deduplicated snapshot backups, integrity
validation, retention pruning, restore and off-site replication.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.addr, "addr", config.EnvOrDefault("OPS_ADDR", ":8443"), "HTTP control plane listen address")
	root.PersistentFlags().StringVar(&cfg.opsDir, "ops-dir", config.EnvOrDefault("OPS_DIR", config.DefaultOpsDir()), "root directory for config and logs (<OPS>)")
	root.PersistentFlags().StringVar(&cfg.workDir, "work-dir", config.EnvOrDefault("OPS_WORK_DIR", "/srv/backups/work"), "scratch directory for in-progress runs")
	root.PersistentFlags().StringVar(&cfg.metaDir, "meta-dir", config.EnvOrDefault("OPS_META_DIR", "/srv/backups/meta"), "directory for run manifests and the job registry")
	root.PersistentFlags().StringVar(&cfg.repoDir, "repo-dir", config.EnvOrDefault("OPS_REPO_DIR", "/srv/backups/restic_repo"), "restic repository directory")
	root.PersistentFlags().StringVar(&cfg.dockerSocket, "docker-socket", config.EnvOrDefault("OPS_DOCKER_SOCKET", ""), "Docker socket path (empty = platform default)")
	root.PersistentFlags().StringVar(&cfg.resticBin, "restic-bin", config.EnvOrDefault("OPS_RESTIC_BIN", "restic"), "path to the restic binary")
	root.PersistentFlags().StringVar(&cfg.rcloneBin, "rclone-bin", config.EnvOrDefault("OPS_RCLONE_BIN", "rclone"), "path to the rclone binary")
	root.PersistentFlags().StringVar(&cfg.ageBin, "age-bin", config.EnvOrDefault("OPS_AGE_BIN", "age"), "path to the age binary")
	root.PersistentFlags().StringVar(&cfg.tarBin, "tar-bin", config.EnvOrDefault("OPS_TAR_BIN", "tar"), "path to the tar binary")
	root.PersistentFlags().StringVar(&cfg.gzipBin, "gzip-bin", config.EnvOrDefault("OPS_GZIP_BIN", "gzip"), "path to the gzip binary")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", config.EnvOrDefault("OPS_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.reaperHorizon, "reaper-horizon", 6*time.Hour, "mark a \"running\" job orphaned once its last registry update is older than this")
	root.PersistentFlags().DurationVar(&cfg.reaperInterval, "reaper-interval", 15*time.Minute, "how often the orphan reaper scans the job registry")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("opsagent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cliConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting opsagent",
		zap.String("version", version),
		zap.String("addr", cfg.addr),
		zap.String("ops_dir", cfg.opsDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	layout := config.NewLayout(config.Config{
		Addr:         cfg.addr,
		OpsDir:       cfg.opsDir,
		WorkDir:      cfg.workDir,
		MetaDir:      cfg.metaDir,
		RepoDir:      cfg.repoDir,
		DockerSocket: cfg.dockerSocket,
		LogLevel:     cfg.logLevel,
	})

	apps, err := config.LoadApps(layout.AppsYML)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", layout.AppsYML, err)
	}
	logger.Info("loaded app inventory", zap.Int("count", len(apps)))

	remotes, err := config.LoadRemotes(layout.RcloneConfFile)
	if err != nil {
		logger.Warn("failed to parse rclone remotes, continuing with none", zap.Error(err))
	}

	auditL, err := audit.New(layout.AuditLog, layout.RunsLogDir)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	reg, err := registry.Open(layout.BackupsSQLite)
	if err != nil {
		return fmt.Errorf("failed to open job registry: %w", err)
	}
	defer reg.Close()

	m := metrics.New()

	resticRepo := repo.New(cfg.resticBin, layout.RepoDir, layout.ResticPasswordFile)

	// Docker is best-effort: if the socket is unavailable or the daemon
	// is not running, the agent starts normally but every action that
	// touches a container fails at job-run time instead of at startup.
	// docker stays a nil interface (not a typed-nil *dockerx.Client) in
	// that case, so downstream nil checks behave correctly.
	var docker pipeline.Docker
	dc, dockerErr := dockerx.NewClient(cfg.dockerSocket)
	if dockerErr != nil {
		logger.Warn("failed to create Docker client, container status and DB backup unavailable", zap.Error(dockerErr))
	} else {
		docker = dc
		defer dc.Close()
		logger.Info("Docker client ready")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "opsagent"
	}

	orch := orchestrator.New(reg, auditL, logger, m)

	notifier := notify.New(logger)
	orch.OnTerminal(func(j domain.Job) { notifier.JobTerminal(context.Background(), j) })

	// --- Orphan reaper ---
	rpr, err := reaper.New(reg, cfg.reaperHorizon, cfg.reaperInterval, logger)
	if err != nil {
		return fmt.Errorf("failed to create orphan reaper: %w", err)
	}
	rpr.Start()
	defer func() {
		if err := rpr.Stop(); err != nil {
			logger.Warn("reaper shutdown error", zap.Error(err))
		}
	}()

	backupDeps := pipeline.BackupDeps{
		Layout: layout, Apps: apps, Repo: resticRepo, Docker: docker,
		AgeBin: cfg.ageBin, TarBin: cfg.tarBin, GzipBin: cfg.gzipBin,
		Hostname: hostname, Metrics: m,
	}
	validateDeps := pipeline.ValidateDeps{Layout: layout, Repo: resticRepo, TarBin: cfg.tarBin, GzipBin: cfg.gzipBin}
	restoreDeps := pipeline.RestoreDeps{Layout: layout, Apps: apps, Repo: resticRepo, Docker: docker, TarBin: cfg.tarBin}
	replicateDeps := pipeline.ReplicateDeps{Layout: layout, RcloneBin: cfg.rcloneBin, Remotes: remotes}
	pruneDeps := pipeline.PruneDeps{Repo: resticRepo}

	router := api.NewRouter(api.RouterConfig{
		Logger: logger,
		Layout: layout,
		Apps: func() (map[string]domain.App, error) {
			return config.LoadApps(layout.AppsYML)
		},
		Orchestrator: orch,
		Repo:         resticRepo,
		Docker:       docker,
		Metrics:      m,
		Remotes:      remotes,
		Backup:       backupDeps,
		Validate:     validateDeps,
		Restore:      restoreDeps,
		Replicate:    replicateDeps,
		Prune:        pruneDeps,
	})

	httpSrv := &http.Server{
		Addr:         cfg.addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down opsagent")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("opsagent stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
