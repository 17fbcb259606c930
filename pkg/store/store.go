package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dirkhh/adsb-boottest/pkg/config"
)

// Store provides crash-durable persistence for test runs. It is the only
// shared mutable resource between the scheduler and the reporter.
type Store interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	// Intake.
	CreateRun(ctx context.Context, run *TestRun) error
	CreateRunDeduped(
		ctx context.Context, run *TestRun, window time.Duration,
	) (prior *TestRun, created bool, err error)
	GetRun(ctx context.Context, id string) (*TestRun, error)
	CountByStatus(ctx context.Context, status string) (int64, error)

	// Scheduler. Only the scheduler writes status and telemetry.
	OldestQueued(ctx context.Context) (*TestRun, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	CompleteRun(
		ctx context.Context,
		id string,
		passed bool,
		duration float64,
		errorStage string,
	) error
	RecoverInterrupted(ctx context.Context) (int64, error)

	// Reporter. Only the reporter writes report status.
	ListReportable(ctx context.Context) ([]TestRun, error)
	ListReportableForTarget(
		ctx context.Context, eventType string, releaseID *int64, prNumber *int,
	) ([]TestRun, error)
	MarkReported(ctx context.Context, ids []string, at time.Time) error
	MarkReportFailed(ctx context.Context, ids []string) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB

	// dedupMu serializes the duplicate lookup+insert. The transaction
	// alone is not enough on postgres: under read committed two
	// concurrent lookups can both miss and both insert.
	dedupMu sync.Mutex
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&TestRun{}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.PingContext(ctx)
}

// CreateRun inserts a new queued run, assigning an ID if none is set.
func (s *store) CreateRun(ctx context.Context, run *TestRun) error {
	if err := s.prepareNew(run); err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

// CreateRunDeduped atomically checks for a recent run with the same
// image URL and reporting target and inserts the new run only if none is
// found. Concurrent duplicate webhook deliveries (a known upstream
// behavior) must not race past the check-then-insert boundary, so the
// whole operation holds dedupMu; the service owns the rig and runs as a
// single instance, so in-process serialization covers all writers.
func (s *store) CreateRunDeduped(
	ctx context.Context, run *TestRun, window time.Duration,
) (*TestRun, bool, error) {
	if run.GithubReleaseID == nil && run.GithubPRNumber == nil {
		// No target identifier: manual submissions are always accepted.
		if err := s.CreateRun(ctx, run); err != nil {
			return nil, false, err
		}

		return nil, true, nil
	}

	if err := s.prepareNew(run); err != nil {
		return nil, false, err
	}

	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()

	var (
		prior   TestRun
		created bool
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cutoff := time.Now().UTC().Add(-window)

		q := tx.Where("image_url = ? AND created_at > ?", run.ImageURL, cutoff)

		if run.GithubReleaseID != nil {
			q = q.Where("github_release_id = ?", *run.GithubReleaseID)
		} else {
			q = q.Where("github_pr_number = ?", *run.GithubPRNumber)
		}

		err := q.Order("created_at ASC").First(&prior).Error
		if err == nil {
			// Duplicate found; do not insert.
			return nil
		}

		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("looking up duplicate: %w", err)
		}

		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		created = true

		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		return nil, true, nil
	}

	return &prior, false, nil
}

// GetRun returns a single run by ID.
func (s *store) GetRun(ctx context.Context, id string) (*TestRun, error) {
	var run TestRun
	if err := s.db.WithContext(ctx).
		First(&run, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}

	return &run, nil
}

// CountByStatus returns the number of runs in the given status.
func (s *store) CountByStatus(
	ctx context.Context, status string,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("status = ?", status).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting %s runs: %w", status, err)
	}

	return count, nil
}

// OldestQueued returns the oldest queued run, or nil when the queue is empty.
func (s *store) OldestQueued(ctx context.Context) (*TestRun, error) {
	var run TestRun

	err := s.db.WithContext(ctx).
		Where("status = ?", StatusQueued).
		Order("created_at ASC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("getting oldest queued run: %w", err)
	}

	return &run, nil
}

// MarkRunning transitions a queued run to running and records the start
// time. The update is guarded on the current status so the transition can
// never regress or double-fire.
func (s *store) MarkRunning(
	ctx context.Context, id string, at time.Time,
) error {
	result := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("id = ? AND status = ?", id, StatusQueued).
		Updates(map[string]any{
			"status":     StatusRunning,
			"started_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("marking run %s running: %w", id, result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("run %s is not queued", id)
	}

	return nil
}

// CompleteRun transitions a running run to its terminal state and records
// execution telemetry.
func (s *store) CompleteRun(
	ctx context.Context,
	id string,
	passed bool,
	duration float64,
	errorStage string,
) error {
	status := StatusPassed
	if !passed {
		status = StatusFailed
	}

	result := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("id = ? AND status = ?", id, StatusRunning).
		Updates(map[string]any{
			"status":           status,
			"duration_seconds": duration,
			"error_stage":      errorStage,
		})
	if result.Error != nil {
		return fmt.Errorf("completing run %s: %w", id, result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("run %s is not running", id)
	}

	return nil
}

// RecoverInterrupted marks any run left in running state as failed with
// error stage "interrupted". Called once at scheduler startup: after an
// unclean process exit the physical rig state is unknown, so an in-flight
// run cannot be resumed.
func (s *store) RecoverInterrupted(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("status = ?", StatusRunning).
		Updates(map[string]any{
			"status":      StatusFailed,
			"error_stage": StageInterrupted,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("recovering interrupted runs: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// reportableScope scopes a query to runs that still need external
// notification.
func reportableScope(db *gorm.DB) *gorm.DB {
	return db.
		Where("github_event_type <> ?", EventNone).
		Where(
			"github_reported_at IS NULL OR github_report_status = ?",
			ReportFailed,
		)
}

// ListReportable returns all runs that need external notification,
// ordered by creation time for deterministic rendering.
func (s *store) ListReportable(ctx context.Context) ([]TestRun, error) {
	var runs []TestRun
	if err := reportableScope(s.db.WithContext(ctx)).
		Order("created_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing reportable runs: %w", err)
	}

	return runs, nil
}

// ListReportableForTarget returns the reportable runs for a single release
// or pull request target. The reporter re-queries per target at render
// time so the rendered block never reflects stale state.
func (s *store) ListReportableForTarget(
	ctx context.Context, eventType string, releaseID *int64, prNumber *int,
) ([]TestRun, error) {
	q := reportableScope(s.db.WithContext(ctx)).
		Where("github_event_type = ?", eventType)

	switch {
	case releaseID != nil:
		q = q.Where("github_release_id = ?", *releaseID)
	case prNumber != nil:
		q = q.Where("github_pr_number = ?", *prNumber)
	default:
		return nil, fmt.Errorf("target identifier is required")
	}

	var runs []TestRun
	if err := q.Order("created_at ASC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing reportable runs for target: %w", err)
	}

	return runs, nil
}

// MarkReported marks the given runs as posted with the report timestamp.
func (s *store) MarkReported(
	ctx context.Context, ids []string, at time.Time,
) error {
	if len(ids) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"github_report_status": ReportPosted,
			"github_reported_at":   at,
		}).Error; err != nil {
		return fmt.Errorf("marking runs reported: %w", err)
	}

	return nil
}

// MarkReportFailed marks the given runs as report-failed. They are picked
// up again on the next reporter cycle. Runs already posted are left
// untouched so a report never transitions backward.
func (s *store) MarkReportFailed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("id IN ? AND github_report_status <> ?", ids, ReportPosted).
		Update("github_report_status", ReportFailed).Error; err != nil {
		return fmt.Errorf("marking runs report-failed: %w", err)
	}

	return nil
}

// prepareNew fills in defaults for a run about to be inserted.
func (s *store) prepareNew(run *TestRun) error {
	if run.ID == "" {
		id, err := NewRunID()
		if err != nil {
			return err
		}

		run.ID = id
	}

	if run.Status == "" {
		run.Status = StatusQueued
	}

	if run.GithubEventType == "" {
		run.GithubEventType = EventNone
	}

	if run.GithubReportStatus == "" {
		run.GithubReportStatus = ReportPending
	}

	return nil
}
