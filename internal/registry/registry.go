// Package registry is the durable run registry (C3): a single-table
// key→record store mirroring the orchestrator's in-memory job map.
package registry

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/opsforge/backupagent/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a job_id is absent from both the
// in-memory map and the durable registry.
var ErrNotFound = errors.New("registry: job not found")

// jobRow is the gorm model backing the jobs table.
type jobRow struct {
	JobID       string `gorm:"column:job_id;primaryKey"`
	Action      string `gorm:"column:action"`
	Status      string `gorm:"column:status"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
	PayloadJSON string `gorm:"column:payload_json"`
}

func (jobRow) TableName() string { return "jobs" }

// Registry wraps a gorm/sqlite connection implementing the durable
// half of the job lifecycle. Safe for concurrent use: each call opens
// a short-lived transaction, matching the teacher's "open, upsert,
// commit, close" discipline for SQLite under concurrent writers.
type Registry struct {
	db *gorm.DB
}

// Open creates (or attaches to) the sqlite database at path and runs
// pending migrations.
func Open(path string) (*Registry, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	gdb, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: gorm open: %w", err)
	}

	if err := runMigrations(sqlDB); err != nil {
		return nil, err
	}

	return &Registry{db: gdb}, nil
}

func runMigrations(sqlDB *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("registry: migrations source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("registry: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("registry: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("registry: migrate up: %w", err)
	}
	return nil
}

// Upsert replaces action, status, updated_at and payload for job_id,
// inserting the row if absent.
func (r *Registry) Upsert(j domain.Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("registry: marshal payload: %w", err)
	}
	row := jobRow{
		JobID:       j.JobID,
		Action:      string(j.Action),
		Status:      string(j.Status),
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		PayloadJSON: string(payload),
	}
	err = r.db.Save(&row).Error
	if err != nil {
		return fmt.Errorf("registry: upsert %s: %w", j.JobID, err)
	}
	return nil
}

// Get fetches a job by id, returning ErrNotFound when absent. Used
// only on the GET /jobs/{id} fallback path for jobs no longer held in
// the orchestrator's in-memory map.
func (r *Registry) Get(jobID string) (domain.Job, error) {
	var row jobRow
	err := r.db.First(&row, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Job{}, ErrNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("registry: get %s: %w", jobID, err)
	}
	var payload map[string]any
	if row.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(row.PayloadJSON), &payload); err != nil {
			return domain.Job{}, fmt.Errorf("registry: unmarshal payload %s: %w", jobID, err)
		}
	}
	return domain.Job{
		JobID:     row.JobID,
		Action:    domain.Action(row.Action),
		Status:    domain.Status(row.Status),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		Payload:   payload,
	}, nil
}

// RunningOlderThan returns job ids whose status is "running" and whose
// updated_at is older than cutoff, for the orphan reaper.
func (r *Registry) RunningOlderThan(cutoff time.Time) ([]string, error) {
	var rows []jobRow
	err := r.db.Where("status = ? AND updated_at < ?", string(domain.StatusRunning), cutoff).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("registry: scan running: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.JobID)
	}
	return ids, nil
}

// MarkOrphaned transitions a stale running record to failed, setting
// updated_at to at. The jobs table has no reason column, so no reason
// string is recorded.
func (r *Registry) MarkOrphaned(jobID string, at time.Time) error {
	err := r.db.Model(&jobRow{}).Where("job_id = ?", jobID).Updates(map[string]any{
		"status":     string(domain.StatusFailed),
		"updated_at": at,
	}).Error
	if err != nil {
		return fmt.Errorf("registry: mark orphaned %s: %w", jobID, err)
	}
	return nil
}
