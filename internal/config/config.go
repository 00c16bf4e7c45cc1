// Package config holds process-wide configuration: CLI flags/env vars
// and the filesystem layout fixed by spec.md §6.2.
package config

import "os"

// Config is the agent's startup configuration.
type Config struct {
	Addr         string
	OpsDir       string // <OPS>: config + logs root
	WorkDir      string // /srv/backups/work
	MetaDir      string // /srv/backups/meta
	RepoDir      string // /srv/backups/restic_repo
	DockerSocket string
	LogLevel     string
}

// Layout derives the fixed filesystem paths from OpsDir/WorkDir/MetaDir
// per spec.md §6.2.
type Layout struct {
	AppsYML            string
	TokenFile          string
	ResticPasswordFile string
	AgeKeyFile         string
	RcloneConfFile     string
	AuditLog           string
	RunsLogDir         string
	WorkDir            string
	MetaRunsDir        string
	BackupsSQLite      string
	RepoDir            string
}

// NewLayout builds the fixed directory layout from a Config.
func NewLayout(cfg Config) Layout {
	cfgDir := cfg.OpsDir + "/config"
	logDir := cfg.OpsDir + "/logs"
	return Layout{
		AppsYML:            cfgDir + "/apps.yml",
		TokenFile:          cfgDir + "/ops_token.txt",
		ResticPasswordFile: cfgDir + "/restic_password.txt",
		AgeKeyFile:         cfgDir + "/age.key",
		RcloneConfFile:     cfgDir + "/rclone.conf",
		AuditLog:           logDir + "/audit.log",
		RunsLogDir:         logDir + "/runs",
		WorkDir:            cfg.WorkDir,
		MetaRunsDir:        cfg.MetaDir + "/runs",
		BackupsSQLite:      cfg.MetaDir + "/backups.sqlite",
		RepoDir:            cfg.RepoDir,
	}
}

// EnvOrDefault returns the value of the named environment variable, or
// defaultVal when unset or empty.
func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// DefaultOpsDir returns the default <OPS> root.
func DefaultOpsDir() string {
	return "/srv/backups/ops"
}
