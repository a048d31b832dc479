package runstore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymicro/testlab/pkg/runstore"
)

func setupRunStore(t *testing.T) runstore.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := runstore.NewStore(log, t.TempDir(), nil)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func newRun(id, projectID, serviceID string, start time.Time) *runstore.TestRun {
	return &runstore.TestRun{
		ID:        id,
		ProjectID: projectID,
		ServiceID: serviceID,
		TestPath:  "/tests",
		Status:    runstore.StatusPending,
		StartTime: start,
		LogIDs:    []string{},
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := setupRunStore(t)
	ctx := context.Background()

	run := newRun("run-1", "p1", "s1", time.Now().UTC())
	run.Status = runstore.StatusPassed
	run.TotalTests = 3
	run.PassedTests = 3
	run.LogIDs = []string{"l1", "l2"}

	require.NoError(t, s.Save(ctx, run))

	loaded, err := s.Load(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, run.ID, loaded.ID)
	assert.Equal(t, runstore.StatusPassed, loaded.Status)
	assert.Equal(t, 3, loaded.TotalTests)
	assert.Equal(t, []string{"l1", "l2"}, loaded.LogIDs)
}

func TestStore_IdempotentResave(t *testing.T) {
	s := setupRunStore(t)
	ctx := context.Background()

	run := newRun("run-1", "p1", "s1", time.Now().UTC())
	run.Status = runstore.StatusFailed
	run.FailedTests = 1

	require.NoError(t, s.Save(ctx, run))

	first, err := s.Load(ctx, "run-1")
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, run))

	second, err := s.Load(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestStore_LoadNotFound(t *testing.T) {
	s := setupRunStore(t)

	_, err := s.Load(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, runstore.ErrNotFound))
}

func TestStore_ListByProjectOrdering(t *testing.T) {
	s := setupRunStore(t)
	ctx := context.Background()

	base := time.Now().UTC()

	// Insert out of chronological order.
	for i, offset := range []int{2, 0, 3, 1} {
		run := newRun(fmt.Sprintf("run-%d", i), "p1", "s1", base.Add(time.Duration(offset)*time.Minute))
		require.NoError(t, s.Save(ctx, run))
	}

	runs, err := s.ListByProject(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, runs, 4)

	for i := 1; i < len(runs); i++ {
		assert.False(t, runs[i].StartTime.After(runs[i-1].StartTime),
			"runs must be non-increasing in start time")
	}
}

func TestStore_ListByProjectEmpty(t *testing.T) {
	s := setupRunStore(t)

	runs, err := s.ListByProject(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStore_ListByServiceAcrossProjects(t *testing.T) {
	s := setupRunStore(t)
	ctx := context.Background()

	base := time.Now().UTC()

	require.NoError(t, s.Save(ctx, newRun("run-1", "p1", "s1", base)))
	require.NoError(t, s.Save(ctx, newRun("run-2", "p2", "s1", base.Add(time.Minute))))
	require.NoError(t, s.Save(ctx, newRun("run-3", "p1", "s2", base.Add(2*time.Minute))))

	runs, err := s.ListByService(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, "run-1", runs[1].ID)
}

func TestStore_SaveCreatesLogsDir(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	dir := t.TempDir()

	s := runstore.NewStore(log, dir, nil)
	require.NoError(t, s.Start(context.Background()))

	run := newRun("run-1", "p1", "s1", time.Now().UTC())
	require.NoError(t, s.Save(context.Background(), run))

	info, err := os.Stat(filepath.Join(dir, "p1", "run-1", "logs"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	assert.Equal(t, filepath.Join(dir, "p1", "run-1"), s.RunDir("p1", "run-1"))
}
