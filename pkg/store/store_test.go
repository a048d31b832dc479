package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymicro/testlab/pkg/config"
	"github.com/polymicro/testlab/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestStore_CreateLogAssignsIdentity(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entry, err := s.CreateLog(ctx, &store.LogEntry{
		ProjectID: "p1",
		ServiceID: "s1",
		TestRunID: "r1",
		Message:   "Test run started: /tests",
		Severity:  store.SeverityInfo,
		Source:    "orchestrator",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
}

func TestStore_LogMetadataRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateLog(ctx, &store.LogEntry{
		ProjectID: "p1",
		ServiceID: "s1",
		TestRunID: "r1",
		Message:   "❌ Test test_b failed",
		Severity:  store.SeverityError,
		Source:    "test_result",
		Metadata: map[string]interface{}{
			"nodeid":          "t.py::test_b",
			"failure_details": "AssertionError: boom",
		},
	})
	require.NoError(t, err)

	entries, err := s.GetLogsByTestRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, "t.py::test_b", entries[0].Metadata["nodeid"])
	assert.Equal(t, "AssertionError: boom", entries[0].Metadata["failure_details"])
}

func TestStore_LogsOrderedByCreation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		_, err := s.CreateLog(ctx, &store.LogEntry{
			ProjectID: "p1",
			ServiceID: "s1",
			TestRunID: "r1",
			Message:   fmt.Sprintf("entry %d", i),
			Severity:  store.SeverityInfo,
			Source:    "orchestrator",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	entries, err := s.GetLogsByTestRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for i, entry := range entries {
		assert.Equal(t, fmt.Sprintf("entry %d", i), entry.Message)
	}
}

func TestStore_CatalogLimit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AddCatalogTest(ctx, &store.CatalogTest{
			ServiceID: "s1",
			Name:      fmt.Sprintf("Manual check %d", i),
			Type:      "Unit Test",
			Status:    "Unknown",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	require.NoError(t, s.AddCatalogTest(ctx, &store.CatalogTest{
		ServiceID: "other",
		Name:      "Unrelated",
	}))

	tests, err := s.ListCatalogTests(ctx, "s1", 3)
	require.NoError(t, err)
	assert.Len(t, tests, 3)

	all, err := s.ListCatalogTests(ctx, "s1", 100)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestStore_RunIndex(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UnixNano()

	require.NoError(t, s.IndexRun(ctx, &store.RunIndex{
		RunID:     "run-1",
		ProjectID: "p1",
		ServiceID: "s1",
		StartTime: now,
	}))

	// A repeat write for the same run id is a no-op.
	require.NoError(t, s.IndexRun(ctx, &store.RunIndex{
		RunID:     "run-1",
		ProjectID: "p1",
		ServiceID: "s1",
		StartTime: now,
	}))

	require.NoError(t, s.IndexRun(ctx, &store.RunIndex{
		RunID:     "run-2",
		ProjectID: "p1",
		ServiceID: "s1",
		StartTime: now + 1,
	}))

	idx, err := s.GetRunIndex(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "p1", idx.ProjectID)

	_, err = s.GetRunIndex(ctx, "missing")
	require.Error(t, err)

	rows, err := s.ListRunIndexByService(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "run-2", rows[0].RunID)
	assert.Equal(t, "run-1", rows[1].RunID)
}
