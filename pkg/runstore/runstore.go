// Package runstore persists test run metadata as one durable JSON record per
// run, laid out as <dir>/<projectID>/<runID>/metadata.json. Records are full
// snapshots: every save rewrites the whole run, which makes saves idempotent.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/polymicro/testlab/pkg/store"
)

// ErrNotFound is returned when a run id is unknown to the store.
var ErrNotFound = errors.New("test run not found")

// Status is the lifecycle state of a test run.
type Status string

// Run lifecycle states. Passed, failed and error are terminal.
const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusPassed || s == StatusFailed || s == StatusError
}

// TestRun is the durable record of one test execution attempt.
type TestRun struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	ServiceID string `json:"service_id"`

	TestPath string `json:"test_path"`
	TestID   string `json:"test_id,omitempty"`

	Status Status `json:"status"`

	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`

	TotalTests   int `json:"total_tests"`
	PassedTests  int `json:"passed_tests"`
	FailedTests  int `json:"failed_tests"`
	ErrorTests   int `json:"error_tests"`
	SkippedTests int `json:"skipped_tests"`

	// LogIDs is append-only, in the order the entries were created.
	LogIDs []string `json:"log_ids"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Store persists and retrieves test run records.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Save writes the full run snapshot. Saving the same run twice yields
	// an identical stored record.
	Save(ctx context.Context, run *TestRun) error

	// Load returns the run with the given id, or ErrNotFound.
	Load(ctx context.Context, runID string) (*TestRun, error)

	// ListByProject returns all runs of a project, newest start time first.
	ListByProject(ctx context.Context, projectID string) ([]*TestRun, error)

	// ListByService returns all runs of a service, newest start time first.
	ListByService(ctx context.Context, serviceID string) ([]*TestRun, error)

	// RunDir returns the directory holding a run's record and artifacts.
	RunDir(projectID, runID string) string
}

// Compile-time interface check.
var _ Store = (*fileStore)(nil)

type fileStore struct {
	log   logrus.FieldLogger
	dir   string
	index store.RunIndexer
}

// NewStore creates a file-backed run store rooted at dir. The index
// accelerates point lookups and service listings; a nil index falls back to
// directory scans everywhere.
func NewStore(log logrus.FieldLogger, dir string, index store.RunIndexer) Store {
	return &fileStore{
		log:   log.WithField("component", "runstore"),
		dir:   dir,
		index: index,
	}
}

// Start ensures the results directory exists.
func (s *fileStore) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}

	return nil
}

// Stop is a no-op for the file store.
func (s *fileStore) Stop() error {
	return nil
}

// RunDir returns the directory holding a run's record and artifacts.
func (s *fileStore) RunDir(projectID, runID string) string {
	return filepath.Join(s.dir, projectID, runID)
}

// Save writes the run snapshot and maintains the run index.
func (s *fileStore) Save(ctx context.Context, run *TestRun) error {
	runDir := s.RunDir(run.ProjectID, run.ID)

	if err := os.MkdirAll(filepath.Join(runDir, "logs"), 0755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	// Canonical, sortable timestamp form.
	run.StartTime = run.StartTime.UTC()
	if run.EndTime != nil {
		utc := run.EndTime.UTC()
		run.EndTime = &utc
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing run metadata: %w", err)
	}

	if err := os.WriteFile(filepath.Join(runDir, "metadata.json"), data, 0644); err != nil {
		return fmt.Errorf("writing run metadata: %w", err)
	}

	if s.index != nil {
		if err := s.index.IndexRun(ctx, &store.RunIndex{
			RunID:     run.ID,
			ProjectID: run.ProjectID,
			ServiceID: run.ServiceID,
			StartTime: run.StartTime.UnixNano(),
		}); err != nil {
			// The record on disk is authoritative; a failed index write
			// degrades lookups to scans but must not fail the save.
			s.log.WithError(err).WithField("run_id", run.ID).
				Warn("Failed to index run")
		}
	}

	return nil
}

// Load returns the run with the given id, consulting the index first and
// falling back to a scan across all projects.
func (s *fileStore) Load(ctx context.Context, runID string) (*TestRun, error) {
	if s.index != nil {
		if idx, err := s.index.GetRunIndex(ctx, runID); err == nil {
			run, err := s.readRun(idx.ProjectID, runID)
			if err == nil {
				return run, nil
			}
		}
	}

	projects, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("reading results directory: %w", err)
	}

	for _, project := range projects {
		if !project.IsDir() {
			continue
		}

		run, err := s.readRun(project.Name(), runID)
		if err == nil {
			return run, nil
		}
	}

	return nil, ErrNotFound
}

// ListByProject returns all runs of a project, newest start time first.
func (s *fileStore) ListByProject(
	ctx context.Context, projectID string,
) ([]*TestRun, error) {
	projectDir := filepath.Join(s.dir, projectID)

	entries, err := os.ReadDir(projectDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*TestRun{}, nil
		}

		return nil, fmt.Errorf("reading project directory: %w", err)
	}

	runs := make([]*TestRun, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		run, err := s.readRun(projectID, entry.Name())
		if err != nil {
			continue
		}

		runs = append(runs, run)
	}

	sortByRecency(runs)

	return runs, nil
}

// ListByService returns all runs of a service, newest start time first.
func (s *fileStore) ListByService(
	ctx context.Context, serviceID string,
) ([]*TestRun, error) {
	if s.index != nil {
		rows, err := s.index.ListRunIndexByService(ctx, serviceID)
		if err == nil {
			runs := make([]*TestRun, 0, len(rows))

			for _, row := range rows {
				run, err := s.readRun(row.ProjectID, row.RunID)
				if err != nil {
					continue
				}

				runs = append(runs, run)
			}

			sortByRecency(runs)

			return runs, nil
		}

		s.log.WithError(err).Warn("Run index unavailable, scanning projects")
	}

	return s.scanByService(serviceID)
}

// scanByService walks every project directory looking for runs of a service.
func (s *fileStore) scanByService(serviceID string) ([]*TestRun, error) {
	projects, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*TestRun{}, nil
		}

		return nil, fmt.Errorf("reading results directory: %w", err)
	}

	runs := make([]*TestRun, 0)

	for _, project := range projects {
		if !project.IsDir() {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(s.dir, project.Name()))
		if err != nil {
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			run, err := s.readRun(project.Name(), entry.Name())
			if err != nil {
				continue
			}

			if run.ServiceID == serviceID {
				runs = append(runs, run)
			}
		}
	}

	sortByRecency(runs)

	return runs, nil
}

// readRun reads and decodes one run record.
func (s *fileStore) readRun(projectID, runID string) (*TestRun, error) {
	data, err := os.ReadFile(filepath.Join(s.RunDir(projectID, runID), "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("reading run metadata: %w", err)
	}

	var run TestRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parsing run metadata: %w", err)
	}

	return &run, nil
}

// sortByRecency orders runs newest start time first.
func sortByRecency(runs []*TestRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartTime.After(runs[j].StartTime)
	})
}
