// Package orchestrator drives test runs through their lifecycle: it creates
// run records, dispatches the test command into a service container,
// retrieves the report artifact and reconciles the outcome into a terminal
// run state. Execution failures never escape as errors; they are converted
// into an error-stated run so a caller polling the run always reaches a
// terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/polymicro/testlab/pkg/config"
	"github.com/polymicro/testlab/pkg/container"
	"github.com/polymicro/testlab/pkg/report"
	"github.com/polymicro/testlab/pkg/runstore"
	"github.com/polymicro/testlab/pkg/store"
	"github.com/polymicro/testlab/pkg/sysmetrics"
	"github.com/polymicro/testlab/pkg/upload"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("test run not found")

// CreateRequest describes a new test run.
type CreateRequest struct {
	ProjectID string
	ServiceID string
	TestPath  string

	// TestID narrows execution to a single test case when set.
	TestID string
}

// ServiceRunRequest describes a whole-service test run.
type ServiceRunRequest struct {
	ProjectID     string
	ServiceID     string
	ServiceName   string
	ContainerName string
}

// RunUpdate carries a partial update to a run record. Nil fields are left
// untouched; metadata entries are merged over the existing bag.
type RunUpdate struct {
	Status   *runstore.Status
	Metadata map[string]interface{}
}

// Orchestrator owns TestRun mutation for the whole active lifecycle of a run.
type Orchestrator interface {
	// CreateRun creates a pending run and its on-disk scaffold.
	CreateRun(ctx context.Context, req *CreateRequest) (*runstore.TestRun, error)

	// ExecuteRun executes a previously created run to a terminal state.
	// The only error it returns is ErrRunNotFound; execution failures are
	// folded into the returned run.
	ExecuteRun(ctx context.Context, runID string) (*runstore.TestRun, error)

	// RunServiceTests creates and executes a run covering all tests of a
	// service. The returned run is always terminal.
	RunServiceTests(ctx context.Context, req *ServiceRunRequest) (*runstore.TestRun, error)

	// GetRun returns a run by id, or ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*runstore.TestRun, error)

	// GetRunsByProject returns a project's runs, newest first.
	GetRunsByProject(ctx context.Context, projectID string) ([]*runstore.TestRun, error)

	// GetRunsByService returns a service's runs, newest first.
	GetRunsByService(ctx context.Context, serviceID string) ([]*runstore.TestRun, error)

	// UpdateRun applies a partial update to a run, or ErrRunNotFound.
	UpdateRun(ctx context.Context, runID string, upd *RunUpdate) (*runstore.TestRun, error)
}

// Compile-time interface check.
var _ Orchestrator = (*orchestrator)(nil)

type orchestrator struct {
	log     logrus.FieldLogger
	cfg     *config.RuntimeConfig
	metrics *config.MetricsConfig

	runtime  container.Runtime
	runs     runstore.Store
	sink     store.LogSink
	uploader upload.Uploader

	sem   *semaphore.Weighted
	locks *runLocks
}

// NewOrchestrator creates an orchestrator. The uploader may be nil to skip
// run archival; metrics may be nil to skip host sampling.
func NewOrchestrator(
	log logrus.FieldLogger,
	cfg *config.RuntimeConfig,
	metrics *config.MetricsConfig,
	runtime container.Runtime,
	runs runstore.Store,
	sink store.LogSink,
	uploader upload.Uploader,
) Orchestrator {
	return &orchestrator{
		log:      log.WithField("component", "orchestrator"),
		cfg:      cfg,
		metrics:  metrics,
		runtime:  runtime,
		runs:     runs,
		sink:     sink,
		uploader: uploader,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentRuns),
		locks:    newRunLocks(),
	}
}

// CreateRun creates a pending run, its directory scaffold and the start log
// entry.
func (o *orchestrator) CreateRun(
	ctx context.Context, req *CreateRequest,
) (*runstore.TestRun, error) {
	run := &runstore.TestRun{
		ID:        uuid.NewString(),
		ProjectID: req.ProjectID,
		ServiceID: req.ServiceID,
		TestPath:  req.TestPath,
		TestID:    req.TestID,
		Status:    runstore.StatusPending,
		StartTime: time.Now().UTC(),
		LogIDs:    []string{},
	}

	if err := o.runs.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run record: %w", err)
	}

	o.appendLog(ctx, run, store.SeverityInfo, "orchestrator",
		fmt.Sprintf("Test run started: %s", run.TestPath),
		map[string]interface{}{
			"test_path": run.TestPath,
			"test_id":   run.TestID,
		})

	if err := o.runs.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("saving run record: %w", err)
	}

	o.log.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"service": run.ServiceID,
	}).Info("Test run created")

	return run, nil
}

// ExecuteRun executes a previously created run to a terminal state. The
// container is addressed by the run's service id.
func (o *orchestrator) ExecuteRun(
	ctx context.Context, runID string,
) (*runstore.TestRun, error) {
	unlock := o.locks.lock(runID)
	defer unlock()

	run, err := o.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	o.execute(ctx, run, run.ServiceID)

	return run, nil
}

// RunServiceTests creates and executes a run covering all tests of a
// service at the fixed in-container path /tests.
func (o *orchestrator) RunServiceTests(
	ctx context.Context, req *ServiceRunRequest,
) (*runstore.TestRun, error) {
	run, err := o.CreateRun(ctx, &CreateRequest{
		ProjectID: req.ProjectID,
		ServiceID: req.ServiceID,
		TestPath:  "/tests",
	})
	if err != nil {
		return nil, err
	}

	unlock := o.locks.lock(run.ID)
	defer unlock()

	o.execute(ctx, run, req.ContainerName)

	return run, nil
}

// execute drives a run from pending to a terminal state. Every failure path
// ends in forceError; the run is always terminal on return.
func (o *orchestrator) execute(ctx context.Context, run *runstore.TestRun, containerName string) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.forceError(ctx, run, fmt.Errorf("waiting for run slot: %w", err))

		return
	}
	defer o.sem.Release(1)

	run.Status = runstore.StatusRunning
	if err := o.runs.Save(ctx, run); err != nil {
		o.forceError(ctx, run, fmt.Errorf("persisting running state: %w", err))

		return
	}

	if !o.runtime.IsRunning(ctx, containerName) {
		o.forceError(ctx, run, fmt.Errorf(
			"container %s is not running, cannot execute tests", containerName))

		return
	}

	var sampler sysmetrics.Sampler
	if o.metrics != nil && o.metrics.Enabled {
		sampler = sysmetrics.NewSampler(o.log, o.metrics.SampleInterval)
		sampler.Start(ctx)
	}

	execErr := o.runInContainer(ctx, run, containerName)

	if sampler != nil {
		if summary := sampler.Stop(); summary != nil {
			o.setMetadata(run, "host_metrics", summary)
		}
	}

	if execErr != nil {
		o.forceError(ctx, run, execErr)

		return
	}

	o.processResults(ctx, run)
	o.archive(ctx, run)
}

// artifactPath returns the per-run in-container report location. Deriving it
// from the run id keeps concurrent runs on one container from racing over a
// shared file.
func artifactPath(runID string) string {
	return fmt.Sprintf("/tmp/testlab-report-%s.json", runID)
}

// runInContainer executes the test command, captures its output and copies
// the report artifact into the run directory. Artifact copy failure is not
// an error here: result processing turns a missing artifact into an
// error-stated run.
func (o *orchestrator) runInContainer(
	ctx context.Context, run *runstore.TestRun, containerName string,
) error {
	parts := []string{"pytest", run.TestPath}
	if run.TestID != "" {
		parts[1] = run.TestPath + "::" + run.TestID
	}

	reportFile := artifactPath(run.ID)
	parts = append(parts, "-v", "--json-report", "--json-report-file="+reportFile)

	cmd := []string{"sh", "-c", strings.Join(parts, " ")}

	o.log.WithFields(logrus.Fields{
		"run_id":    run.ID,
		"container": containerName,
	}).Info("Executing tests in container")

	execCtx, cancel := context.WithTimeout(ctx, o.cfg.ExecTimeout)
	defer cancel()

	result, err := o.runtime.Exec(execCtx, containerName, cmd)
	if err != nil {
		return fmt.Errorf("executing tests in container %s: %w", containerName, err)
	}

	o.captureOutput(ctx, run, result)

	copyCtx, cancel := context.WithTimeout(ctx, o.cfg.CopyTimeout)
	defer cancel()

	localReport := filepath.Join(o.runs.RunDir(run.ProjectID, run.ID), "report.json")

	if err := o.runtime.CopyFrom(copyCtx, containerName, reportFile, localReport); err != nil {
		o.log.WithError(err).WithField("run_id", run.ID).
			Error("Failed to copy test report from container")
	}

	return nil
}

// captureOutput writes stdout/stderr to the run's logs directory and appends
// them as log entries. Stderr is logged at warning severity when non-empty.
func (o *orchestrator) captureOutput(
	ctx context.Context, run *runstore.TestRun, result *container.ExecResult,
) {
	logsDir := filepath.Join(o.runs.RunDir(run.ProjectID, run.ID), "logs")

	if err := os.WriteFile(filepath.Join(logsDir, "stdout.log"), result.Stdout, 0644); err != nil {
		o.log.WithError(err).Warn("Failed to write stdout log file")
	}

	if err := os.WriteFile(filepath.Join(logsDir, "stderr.log"), result.Stderr, 0644); err != nil {
		o.log.WithError(err).Warn("Failed to write stderr log file")
	}

	o.appendLog(ctx, run, store.SeverityInfo, "execution",
		"Test execution stdout",
		map[string]interface{}{"content": string(result.Stdout)})

	stderrSeverity := store.SeverityInfo
	if len(result.Stderr) > 0 {
		stderrSeverity = store.SeverityWarning
	}

	o.appendLog(ctx, run, stderrSeverity, "execution",
		"Test execution stderr",
		map[string]interface{}{"content": string(result.Stderr)})
}

// processResults reconciles the report artifact into the run's terminal
// state, per-case log entries and the completion log.
func (o *orchestrator) processResults(ctx context.Context, run *runstore.TestRun) {
	reportPath := filepath.Join(o.runs.RunDir(run.ProjectID, run.ID), "report.json")

	data, err := os.ReadFile(reportPath)
	if err != nil {
		run.Status = runstore.StatusError

		o.appendLog(ctx, run, store.SeverityError, "orchestrator",
			"No test report found", nil)
	} else if rep, perr := report.Parse(data); perr != nil {
		run.Status = runstore.StatusError

		o.appendLog(ctx, run, store.SeverityError, "orchestrator",
			fmt.Sprintf("Error processing test results: %s", perr), map[string]interface{}{
				"error": perr.Error(),
			})
	} else {
		run.TotalTests = rep.Summary.Total
		run.PassedTests = rep.Summary.Passed
		run.FailedTests = rep.Summary.Failed
		run.ErrorTests = rep.Summary.Error
		run.SkippedTests = rep.Summary.Skipped

		if rep.HasFailures() {
			run.Status = runstore.StatusFailed
		} else {
			run.Status = runstore.StatusPassed
		}

		o.setMetadata(run, "json_report", rep)

		// Per-case entries keep artifact order.
		for _, caseLog := range rep.CaseLogs() {
			o.appendLog(ctx, run, store.Severity(caseLog.Severity), "test_result",
				caseLog.Message, caseLog.Metadata)
		}
	}

	o.finishRun(ctx, run)
}

// forceError transitions a run to the error terminal state with an
// explanatory log entry.
func (o *orchestrator) forceError(ctx context.Context, run *runstore.TestRun, cause error) {
	o.log.WithError(cause).WithField("run_id", run.ID).Error("Test run failed")

	run.Status = runstore.StatusError
	o.setMetadata(run, "error_message", cause.Error())

	o.appendLog(ctx, run, store.SeverityError, "orchestrator", cause.Error(), nil)

	o.finishRun(ctx, run)
}

// finishRun stamps the terminal timing fields, persists the run and appends
// the completion log entry.
func (o *orchestrator) finishRun(ctx context.Context, run *runstore.TestRun) {
	end := time.Now().UTC()
	run.EndTime = &end
	run.DurationSeconds = end.Sub(run.StartTime).Seconds()

	if err := o.runs.Save(ctx, run); err != nil {
		o.log.WithError(err).WithField("run_id", run.ID).Error("Failed to persist run")
	}

	severity := store.SeverityWarning
	if run.Status == runstore.StatusPassed {
		severity = store.SeverityInfo
	}

	o.appendLog(ctx, run, severity, "orchestrator",
		fmt.Sprintf("Test run completed: %s", run.Status),
		map[string]interface{}{
			"status":           string(run.Status),
			"total_tests":      run.TotalTests,
			"passed_tests":     run.PassedTests,
			"failed_tests":     run.FailedTests,
			"error_tests":      run.ErrorTests,
			"skipped_tests":    run.SkippedTests,
			"duration_seconds": run.DurationSeconds,
			"duration_human":   units.HumanDuration(time.Duration(run.DurationSeconds * float64(time.Second))),
		})

	if err := o.runs.Save(ctx, run); err != nil {
		o.log.WithError(err).WithField("run_id", run.ID).Error("Failed to persist run")
	}

	o.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"status": run.Status,
		"total":  run.TotalTests,
		"failed": run.FailedTests,
	}).Info("Test run completed")
}

// archive uploads the run directory to remote storage when configured.
// Archival failure never affects the run outcome.
func (o *orchestrator) archive(ctx context.Context, run *runstore.TestRun) {
	if o.uploader == nil {
		return
	}

	dir := o.runs.RunDir(run.ProjectID, run.ID)

	if err := o.uploader.UploadRun(ctx, run.ProjectID, run.ID, dir); err != nil {
		o.log.WithError(err).WithField("run_id", run.ID).Warn("Failed to archive run")
	}
}

// GetRun returns a run by id, or ErrRunNotFound.
func (o *orchestrator) GetRun(ctx context.Context, runID string) (*runstore.TestRun, error) {
	return o.loadRun(ctx, runID)
}

// GetRunsByProject returns a project's runs, newest first.
func (o *orchestrator) GetRunsByProject(
	ctx context.Context, projectID string,
) ([]*runstore.TestRun, error) {
	return o.runs.ListByProject(ctx, projectID)
}

// GetRunsByService returns a service's runs, newest first.
func (o *orchestrator) GetRunsByService(
	ctx context.Context, serviceID string,
) ([]*runstore.TestRun, error) {
	return o.runs.ListByService(ctx, serviceID)
}

// UpdateRun applies a partial update to a run record.
func (o *orchestrator) UpdateRun(
	ctx context.Context, runID string, upd *RunUpdate,
) (*runstore.TestRun, error) {
	unlock := o.locks.lock(runID)
	defer unlock()

	run, err := o.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if upd.Status != nil {
		run.Status = *upd.Status
	}

	for k, v := range upd.Metadata {
		o.setMetadata(run, k, v)
	}

	if err := o.runs.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("saving run record: %w", err)
	}

	return run, nil
}

// loadRun fetches a run, mapping store misses to ErrRunNotFound.
func (o *orchestrator) loadRun(ctx context.Context, runID string) (*runstore.TestRun, error) {
	run, err := o.runs.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			return nil, ErrRunNotFound
		}

		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}

	return run, nil
}

// appendLog creates a log entry through the sink and records its id on the
// run. Sink failures are logged and swallowed so an unavailable sink cannot
// fail a run.
func (o *orchestrator) appendLog(
	ctx context.Context,
	run *runstore.TestRun,
	severity store.Severity,
	source, message string,
	metadata map[string]interface{},
) {
	if o.sink == nil {
		return
	}

	entry, err := o.sink.CreateLog(ctx, &store.LogEntry{
		ProjectID: run.ProjectID,
		ServiceID: run.ServiceID,
		TestRunID: run.ID,
		Message:   message,
		Severity:  severity,
		Source:    source,
		Metadata:  metadata,
	})
	if err != nil {
		o.log.WithError(err).WithField("run_id", run.ID).Warn("Failed to append run log")

		return
	}

	run.LogIDs = append(run.LogIDs, entry.ID)
}

// setMetadata writes one key into the run's metadata bag, allocating it on
// first use.
func (o *orchestrator) setMetadata(run *runstore.TestRun, key string, value interface{}) {
	if run.Metadata == nil {
		run.Metadata = map[string]interface{}{}
	}

	run.Metadata[key] = value
}
