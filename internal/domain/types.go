// Package domain holds the data model shared across the backup and
// recovery agent: apps, scopes, jobs, manifests and artifacts.
package domain

import "time"

// Scope selects which artifact families a backup or restore touches.
type Scope string

const (
	ScopeDB    Scope = "db"
	ScopeFiles Scope = "files"
	ScopeEnv   Scope = "env"
	ScopeCaddy Scope = "caddy"
)

// FullScopes is the complete scope set, used both as the backup default
// and to decide the scope:full vs scope:partial snapshot tag.
func FullScopes() []Scope {
	return []Scope{ScopeDB, ScopeFiles, ScopeEnv, ScopeCaddy}
}

// App is a configured application: the unit a backup, restore or status
// check operates on. Loaded on demand from apps.yml; never cached.
type App struct {
	Key         string   `yaml:"-"`
	DBContainer string   `yaml:"db_container,omitempty"`
	DBUser      string   `yaml:"db_user,omitempty"`
	DBName      string   `yaml:"db_name,omitempty"`
	ComposeDir  string   `yaml:"compose_dir,omitempty"`
	Containers  []string `yaml:"containers,omitempty"`
	EnvFiles    []string `yaml:"env_files,omitempty"`
	MediaPaths  []string `yaml:"media_paths,omitempty"`
	StaticPaths []string `yaml:"static_paths,omitempty"`
	ExtraPaths  []string `yaml:"extra_paths,omitempty"`
}

// Action is a job's requested operation, drawn from a closed allow-list.
type Action string

const (
	ActionBackup        Action = "backup"
	ActionValidate      Action = "validate"
	ActionPrune         Action = "prune"
	ActionRestore       Action = "restore"
	ActionExportBundle  Action = "export_bundle"
	ActionUploadLatest  Action = "upload_latest"
	ActionUploadSnapsh  Action = "upload_snapshot"
	ActionRcloneTest    Action = "rclone_test"
)

// ValidActions is the closed set of action names the orchestrator
// accepts; anything else is rejected before a job is ever created.
var ValidActions = map[Action]bool{
	ActionBackup:       true,
	ActionValidate:     true,
	ActionPrune:        true,
	ActionRestore:      true,
	ActionExportBundle: true,
	ActionUploadLatest: true,
	ActionUploadSnapsh: true,
	ActionRcloneTest:   true,
}

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Job is the in-memory and durable record of one orchestrated action.
// Created by the HTTP handler, mutated only by the orchestrator
// goroutine running it, and never destroyed.
type Job struct {
	JobID     string         `json:"job_id"`
	Action    Action         `json:"action"`
	Status    Status         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Payload   map[string]any `json:"payload,omitempty"`
	LogPath   string         `json:"log_path,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// orchestrator's lock.
func (j Job) Clone() Job {
	cp := j
	if j.Payload != nil {
		cp.Payload = make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			cp.Payload[k] = v
		}
	}
	if j.Result != nil {
		cp.Result = make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			cp.Result[k] = v
		}
	}
	return cp
}

// Artifact records one file produced by a backup job.
type Artifact struct {
	Type   string `json:"type"`
	App    string `json:"app,omitempty"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

const (
	ArtifactDB       = "db"
	ArtifactFiles    = "files"
	ArtifactEnv      = "env_encrypted"
	ArtifactCaddy    = "caddy"
)

// ValidationReport is the result of the validate pipeline, embedded in
// a manifest once computed.
type ValidationReport struct {
	OK     bool                `json:"ok"`
	Checks []ValidationCheck   `json:"checks"`
}

// ValidationCheck is one artifact's pass/fail verdict.
type ValidationCheck struct {
	Path string `json:"path"`
	OK   bool   `json:"ok"`
}

// ResticInfo carries the snapshot id a backup was stored under.
type ResticInfo struct {
	SnapshotID string `json:"snapshot_id"`
}

// Manifest is the canonical per-run record written to
// META/runs/<job_id>/manifest.json.
type Manifest struct {
	JobID      string           `json:"job_id"`
	Type       string           `json:"type"`
	Timestamp  time.Time        `json:"timestamp"`
	Apps       []string         `json:"apps"`
	Scopes     []string         `json:"scopes"`
	Host       string           `json:"host"`
	Artifacts  []Artifact       `json:"artifacts"`
	Validation ValidationReport `json:"validation"`
	Restic     ResticInfo       `json:"restic"`
}
