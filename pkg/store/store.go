package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/polymicro/testlab/pkg/config"
)

// LogSink appends log entries and returns them with a stable id. It is the
// narrow surface the orchestrator and discovery engine depend on.
type LogSink interface {
	CreateLog(ctx context.Context, entry *LogEntry) (*LogEntry, error)
}

// Catalog exposes the manual-test catalog queried during discovery.
type Catalog interface {
	ListCatalogTests(ctx context.Context, serviceID string, limit int) ([]CatalogTest, error)
}

// RunIndexer maintains the run id secondary index.
type RunIndexer interface {
	IndexRun(ctx context.Context, idx *RunIndex) error
	GetRunIndex(ctx context.Context, runID string) (*RunIndex, error)
	ListRunIndexByService(ctx context.Context, serviceID string) ([]RunIndex, error)
}

// Store provides persistence for logs, the manual-test catalog and the run
// index.
type Store interface {
	LogSink
	Catalog
	RunIndexer

	Start(ctx context.Context) error
	Stop() error

	AddCatalogTest(ctx context.Context, test *CatalogTest) error
	GetLogsByTestRun(ctx context.Context, testRunID string) ([]LogEntry, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
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

	if err := s.db.WithContext(ctx).AutoMigrate(
		&LogEntry{},
		&CatalogTest{},
		&RunIndex{},
	); err != nil {
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

// --- Log sink ---

// CreateLog appends a log entry, assigning an id and timestamp when absent.
func (s *store) CreateLog(ctx context.Context, entry *LogEntry) (*LogEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if entry.Metadata != nil {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nil, fmt.Errorf("serializing log metadata: %w", err)
		}

		entry.MetadataJSON = string(data)
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("creating log entry: %w", err)
	}

	return entry, nil
}

// GetLogsByTestRun returns all log entries for a run, oldest first.
func (s *store) GetLogsByTestRun(
	ctx context.Context, testRunID string,
) ([]LogEntry, error) {
	var entries []LogEntry
	if err := s.db.WithContext(ctx).
		Where("test_run_id = ?", testRunID).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing logs by test run: %w", err)
	}

	for i := range entries {
		if entries[i].MetadataJSON == "" {
			continue
		}

		if err := json.Unmarshal([]byte(entries[i].MetadataJSON), &entries[i].Metadata); err != nil {
			return nil, fmt.Errorf("deserializing log metadata: %w", err)
		}
	}

	return entries, nil
}

// --- Manual-test catalog ---

// ListCatalogTests returns up to limit catalog entries for a service.
func (s *store) ListCatalogTests(
	ctx context.Context, serviceID string, limit int,
) ([]CatalogTest, error) {
	var tests []CatalogTest
	if err := s.db.WithContext(ctx).
		Where("service_id = ?", serviceID).
		Order("created_at ASC").
		Limit(limit).
		Find(&tests).Error; err != nil {
		return nil, fmt.Errorf("listing catalog tests: %w", err)
	}

	return tests, nil
}

// AddCatalogTest registers a manual test for a service.
func (s *store) AddCatalogTest(ctx context.Context, test *CatalogTest) error {
	if test.ID == "" {
		test.ID = uuid.NewString()
	}

	if test.CreatedAt.IsZero() {
		test.CreatedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(test).Error; err != nil {
		return fmt.Errorf("creating catalog test: %w", err)
	}

	return nil
}

// --- Run index ---

// IndexRun upserts the index row for a run. Identity fields never change,
// so a repeat write for the same run id is a no-op.
func (s *store) IndexRun(ctx context.Context, idx *RunIndex) error {
	result := s.db.WithContext(ctx).
		Where("run_id = ?", idx.RunID).
		FirstOrCreate(idx)
	if result.Error != nil {
		return fmt.Errorf("indexing run: %w", result.Error)
	}

	return nil
}

// GetRunIndex returns the index row for a run id, or gorm.ErrRecordNotFound.
func (s *store) GetRunIndex(ctx context.Context, runID string) (*RunIndex, error) {
	var idx RunIndex
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&idx).Error; err != nil {
		return nil, fmt.Errorf("getting run index: %w", err)
	}

	return &idx, nil
}

// ListRunIndexByService returns index rows for a service, newest first.
func (s *store) ListRunIndexByService(
	ctx context.Context, serviceID string,
) ([]RunIndex, error) {
	var rows []RunIndex
	if err := s.db.WithContext(ctx).
		Where("service_id = ?", serviceID).
		Order("start_time DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing run index by service: %w", err)
	}

	return rows, nil
}
