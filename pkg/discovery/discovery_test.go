package discovery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymicro/testlab/pkg/config"
	"github.com/polymicro/testlab/pkg/discovery"
	"github.com/polymicro/testlab/pkg/store"
)

// fakeCatalog serves a fixed catalog without a database.
type fakeCatalog struct {
	tests []store.CatalogTest
	err   error

	gotServiceID string
	gotLimit     int
}

func (f *fakeCatalog) ListCatalogTests(
	ctx context.Context, serviceID string, limit int,
) ([]store.CatalogTest, error) {
	f.gotServiceID = serviceID
	f.gotLimit = limit

	if f.err != nil {
		return nil, f.err
	}

	if len(f.tests) > limit {
		return f.tests[:limit], nil
	}

	return f.tests, nil
}

func testConfig() *config.DiscoveryConfig {
	return &config.DiscoveryConfig{
		TestsDirPath:   "tests",
		CollectTimeout: 10 * time.Second,
		CatalogLimit:   100,
	}
}

func newEngine(t *testing.T, catalog store.Catalog) (discovery.Engine, string) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cacheDir := t.TempDir()

	return discovery.NewEngine(log, testConfig(), cacheDir, catalog, nil), cacheDir
}

func TestCollect_MissingDirectoryIsRecovered(t *testing.T) {
	engine, _ := newEngine(t, &fakeCatalog{})

	result, err := engine.Collect(context.Background(), &discovery.Request{
		ProjectID:    "p1",
		ServiceID:    "s1",
		ServiceName:  "billing",
		ProjectPath:  t.TempDir(),
		TestsDirPath: "tests",
	})
	require.NoError(t, err)

	assert.Empty(t, result.Tests)
	assert.Contains(t, result.Metadata["filesystem_error"], "does not exist")
	assert.Contains(t, result.Metadata["tests_path"], "billing")
	assert.Contains(t, result.Metadata["collection_command"], "--collect-only -q")
}

func TestCollect_CatalogSynthesis(t *testing.T) {
	catalog := &fakeCatalog{
		tests: []store.CatalogTest{
			{ID: "cat-1", Name: "Login flow", Type: "Unit Test", Status: "Unknown"},
			{ID: "cat-2", Name: "Signup flow", Type: "Integration", Status: "Unknown"},
		},
	}

	engine, _ := newEngine(t, catalog)

	result, err := engine.Collect(context.Background(), &discovery.Request{
		ProjectID:    "p1",
		ServiceID:    "s1",
		ServiceName:  "billing",
		ProjectPath:  t.TempDir(),
		TestsDirPath: "tests",
	})
	require.NoError(t, err)

	assert.Equal(t, "s1", catalog.gotServiceID)
	assert.Equal(t, 100, catalog.gotLimit)

	require.Len(t, result.Tests, 2)

	first := result.Tests[0]
	assert.Equal(t, "cat-1", first.ID)
	assert.Equal(t, "Login flow", first.Name)
	assert.Equal(t, "demo_tests/billing/Login flow", first.Path)
	assert.Equal(t, "billing::test_0", first.NodeID)
	assert.Equal(t, "billing_tests", first.ModuleName)

	assert.Equal(t, "billing::test_1", result.Tests[1].NodeID)
}

func TestCollect_CatalogFailureIsRecovered(t *testing.T) {
	engine, _ := newEngine(t, &fakeCatalog{err: errors.New("db down")})

	result, err := engine.Collect(context.Background(), &discovery.Request{
		ProjectID:    "p1",
		ServiceID:    "s1",
		ServiceName:  "billing",
		ProjectPath:  t.TempDir(),
		TestsDirPath: "tests",
	})
	require.NoError(t, err)
	assert.Empty(t, result.Tests)
}

func TestCollect_CachesResultForRetrieval(t *testing.T) {
	catalog := &fakeCatalog{
		tests: []store.CatalogTest{{ID: "cat-1", Name: "Login flow"}},
	}

	engine, _ := newEngine(t, catalog)
	ctx := context.Background()

	_, err := engine.Collect(ctx, &discovery.Request{
		ProjectID:    "p1",
		ServiceID:    "s1",
		ServiceName:  "billing",
		ProjectPath:  t.TempDir(),
		TestsDirPath: "tests",
	})
	require.NoError(t, err)

	cached, err := engine.CachedTests(ctx, "p1", "billing")
	require.NoError(t, err)

	require.Len(t, cached.Tests, 1)
	assert.Equal(t, "cat-1", cached.Tests[0].ID)
	assert.False(t, cached.DiscoveryTime.IsZero())
}

func TestCachedTests_NotCached(t *testing.T) {
	engine, _ := newEngine(t, &fakeCatalog{})

	_, err := engine.CachedTests(context.Background(), "p1", "billing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, discovery.ErrNotCached))
}

func TestCollect_EmptyInventoryIsNotCached(t *testing.T) {
	engine, _ := newEngine(t, &fakeCatalog{})
	ctx := context.Background()

	_, err := engine.Collect(ctx, &discovery.Request{
		ProjectID:    "p1",
		ServiceID:    "s1",
		ServiceName:  "billing",
		ProjectPath:  t.TempDir(),
		TestsDirPath: "tests",
	})
	require.NoError(t, err)

	_, err = engine.CachedTests(ctx, "p1", "billing")
	assert.True(t, errors.Is(err, discovery.ErrNotCached))
}
