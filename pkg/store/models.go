package store

import (
	"time"
)

// Severity is the log entry severity level.
type Severity string

// Log severities.
const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// LogEntry is one structured log record attached to a project, service and
// optionally a test run. The metadata bag is serialized to JSON in a single
// column so arbitrary payloads round-trip without schema changes.
type LogEntry struct {
	ID        string `gorm:"primaryKey"`
	ProjectID string `gorm:"index"`
	ServiceID string `gorm:"index"`
	TestRunID string `gorm:"index"`
	Message   string
	Severity  Severity
	Source    string

	// Metadata is the in-memory bag; MetadataJSON is its stored form.
	Metadata     map[string]interface{} `gorm:"-"`
	MetadataJSON string                 `gorm:"column:metadata"`

	CreatedAt time.Time
}

// TableName overrides the default table name.
func (LogEntry) TableName() string {
	return "logs"
}

// CatalogTest is a manually registered test for a service. The catalog does
// not store paths or node identifiers; discovery synthesizes those.
type CatalogTest struct {
	ID        string `gorm:"primaryKey"`
	ServiceID string `gorm:"index"`
	Name      string
	Type      string
	Status    string
	Duration  string

	CreatedAt time.Time
}

// TableName overrides the default table name.
func (CatalogTest) TableName() string {
	return "catalog_tests"
}

// RunIndex maps a run id to its project and service so point lookups avoid
// scanning every project directory. Rows are written once at run creation;
// the identity fields never change afterwards.
type RunIndex struct {
	RunID     string `gorm:"primaryKey"`
	ProjectID string `gorm:"index"`
	ServiceID string `gorm:"index"`

	// StartTime is unix nanoseconds, used for recency ordering.
	StartTime int64 `gorm:"index"`
}

// TableName overrides the default table name.
func (RunIndex) TableName() string {
	return "run_index"
}
