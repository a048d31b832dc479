// Package discovery enumerates the tests available for a service without
// executing them. Two sources feed the inventory: a collect-only dry run of
// the test framework against the service's tests directory, and the
// manual-test catalog kept in the database. Source failures are recorded in
// result metadata and never abort a discovery call.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/polymicro/testlab/pkg/config"
	"github.com/polymicro/testlab/pkg/store"
)

// ErrNotCached is returned when no prior discovery result exists for a
// project and service.
var ErrNotCached = errors.New("no cached tests for service")

// TestItem is one discovered test. Items are produced fresh on every
// discovery call and are not durable records.
type TestItem struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	NodeID     string `json:"nodeid"`
	Type       string `json:"type"`
	ClassName  string `json:"class_name,omitempty"`
	ModuleName string `json:"module_name"`
	Status     string `json:"status,omitempty"`
	Duration   string `json:"duration,omitempty"`
}

// Result is the merged inventory of one discovery call.
type Result struct {
	ProjectID   string                 `json:"project_id"`
	ServiceID   string                 `json:"service_id"`
	ServiceName string                 `json:"service_name"`
	Tests       []TestItem             `json:"tests"`
	Metadata    map[string]interface{} `json:"metadata"`

	DiscoveryTime time.Time `json:"discovery_time"`
}

// Request identifies the service to discover tests for.
type Request struct {
	ProjectID   string
	ServiceID   string
	ServiceName string

	// ProjectPath is the absolute path to the project source tree on the
	// host; TestsDirPath is the tests directory relative to it.
	ProjectPath  string
	TestsDirPath string
}

// Engine discovers tests for services and caches the results.
type Engine interface {
	// Collect enumerates tests from the filesystem and the manual-test
	// catalog. Source failures are recorded in the result metadata; the
	// call itself fails only on cache persistence problems.
	Collect(ctx context.Context, req *Request) (*Result, error)

	// CachedTests returns the most recent discovery result for a service,
	// or ErrNotCached.
	CachedTests(ctx context.Context, projectID, serviceName string) (*Result, error)
}

// Compile-time interface check.
var _ Engine = (*engine)(nil)

type engine struct {
	log      logrus.FieldLogger
	cfg      *config.DiscoveryConfig
	cacheDir string
	catalog  store.Catalog
	sink     store.LogSink
}

// NewEngine creates a discovery engine. The catalog and sink may be nil, in
// which case catalog tests are skipped and discovery progress is not
// journaled.
func NewEngine(
	log logrus.FieldLogger,
	cfg *config.DiscoveryConfig,
	cacheDir string,
	catalog store.Catalog,
	sink store.LogSink,
) Engine {
	return &engine{
		log:      log.WithField("component", "discovery"),
		cfg:      cfg,
		cacheDir: cacheDir,
		catalog:  catalog,
		sink:     sink,
	}
}

// Collect enumerates tests from both sources and persists the merged
// inventory when anything was found.
func (e *engine) Collect(ctx context.Context, req *Request) (*Result, error) {
	testsPath := filepath.Join(req.ProjectPath, req.TestsDirPath, req.ServiceName)

	result := &Result{
		ProjectID:   req.ProjectID,
		ServiceID:   req.ServiceID,
		ServiceName: req.ServiceName,
		Tests:       []TestItem{},
		Metadata: map[string]interface{}{
			"tests_path":         testsPath,
			"collection_command": fmt.Sprintf("pytest %s --collect-only -q", testsPath),
		},
		DiscoveryTime: time.Now().UTC(),
	}

	e.journal(ctx, req, store.SeverityInfo,
		fmt.Sprintf("Collecting tests for service %s", req.ServiceName))

	var (
		fsTests      []TestItem
		fsErr        string
		catalogTests []TestItem
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fsTests, fsErr = e.collectFilesystem(gctx, testsPath)

		return nil
	})

	g.Go(func() error {
		var err error

		catalogTests, err = e.collectCatalog(gctx, req)
		if err != nil {
			e.log.WithError(err).Warn("Catalog query failed")
		}

		return nil
	})

	// Both collectors recover their own failures.
	_ = g.Wait()

	if fsErr != "" {
		e.journal(ctx, req, store.SeverityError,
			fmt.Sprintf("Error collecting tests from filesystem: %s", fsErr))

		result.Metadata["filesystem_error"] = fsErr
	}

	// Filesystem tests first, catalog tests appended after.
	result.Tests = append(result.Tests, fsTests...)
	result.Tests = append(result.Tests, catalogTests...)

	if len(result.Tests) > 0 {
		if err := e.saveCache(result); err != nil {
			return nil, fmt.Errorf("persisting discovery cache: %w", err)
		}

		e.journal(ctx, req, store.SeverityInfo,
			fmt.Sprintf("Total of %d tests collected for %s", len(result.Tests), req.ServiceName))
	} else {
		e.journal(ctx, req, store.SeverityWarning,
			fmt.Sprintf("No tests found for service %s in filesystem or database", req.ServiceName))
	}

	return result, nil
}

// collectFilesystem runs a collect-only pass of the test framework. A missing
// directory or a failed run is reported through the returned error string.
func (e *engine) collectFilesystem(ctx context.Context, testsPath string) ([]TestItem, string) {
	if _, err := os.Stat(testsPath); err != nil {
		return nil, fmt.Sprintf("Tests directory does not exist: %s", testsPath)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.CollectTimeout)
	defer cancel()

	e.log.WithField("path", testsPath).Info("Running collect-only pass")

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, "pytest", testsPath, "--collect-only", "-q")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}

		return nil, msg
	}

	return parseCollectOutput(stdout.String()), ""
}

// parseCollectOutput extracts node identifiers from collect-only output, one
// per line. Summary and warning lines contain spaces and are skipped.
func parseCollectOutput(output string) []TestItem {
	items := make([]TestItem, 0)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.ContainsRune(line, ' ') {
			continue
		}

		items = append(items, itemFromNodeID(line, len(items)))
	}

	return items
}

// collectCatalog queries the manual-test catalog for a service. The catalog
// stores neither paths nor node identifiers, so those are synthesized
// deterministically from the service name and position.
func (e *engine) collectCatalog(ctx context.Context, req *Request) ([]TestItem, error) {
	if e.catalog == nil {
		return nil, nil
	}

	tests, err := e.catalog.ListCatalogTests(ctx, req.ServiceID, e.cfg.CatalogLimit)
	if err != nil {
		return nil, fmt.Errorf("listing catalog tests: %w", err)
	}

	items := make([]TestItem, 0, len(tests))

	for i, t := range tests {
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("Test %d", i)
		}

		items = append(items, TestItem{
			ID:         t.ID,
			Name:       name,
			Type:       t.Type,
			Status:     t.Status,
			Duration:   t.Duration,
			Path:       fmt.Sprintf("demo_tests/%s/%s", req.ServiceName, name),
			NodeID:     fmt.Sprintf("%s::test_%d", req.ServiceName, i),
			ModuleName: fmt.Sprintf("%s_tests", req.ServiceName),
			ClassName:  "TestClass",
		})
	}

	return items, nil
}

// CachedTests returns the most recent discovery result for a service.
func (e *engine) CachedTests(
	ctx context.Context, projectID, serviceName string,
) (*Result, error) {
	data, err := os.ReadFile(e.cachePath(projectID, serviceName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotCached
		}

		return nil, fmt.Errorf("reading discovery cache: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parsing discovery cache: %w", err)
	}

	return &result, nil
}

// cachePath returns the cache file location for a project and service.
func (e *engine) cachePath(projectID, serviceName string) string {
	return filepath.Join(e.cacheDir, projectID, serviceName+".json")
}

// saveCache writes the discovery result to its cache file.
func (e *engine) saveCache(result *Result) error {
	path := e.cachePath(result.ProjectID, result.ServiceName)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing discovery result: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing discovery cache: %w", err)
	}

	return nil
}

// journal appends a discovery progress entry to the log sink, when present.
func (e *engine) journal(
	ctx context.Context, req *Request, severity store.Severity, message string,
) {
	if e.sink == nil {
		return
	}

	if _, err := e.sink.CreateLog(ctx, &store.LogEntry{
		ProjectID: req.ProjectID,
		ServiceID: req.ServiceID,
		Message:   message,
		Severity:  severity,
		Source:    "discovery",
	}); err != nil {
		e.log.WithError(err).Warn("Failed to journal discovery progress")
	}
}
