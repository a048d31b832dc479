package report_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymicro/testlab/pkg/report"
)

func TestParse_SparseArtifact(t *testing.T) {
	r, err := report.Parse([]byte(`{"summary":{}}`))
	require.NoError(t, err)

	assert.Equal(t, 0, r.Summary.Total)
	assert.Equal(t, 0, r.Summary.Failed)
	assert.Empty(t, r.Tests)
	assert.False(t, r.HasFailures())
}

func TestParse_MissingSummary(t *testing.T) {
	_, err := report.Parse([]byte(`{"tests":[]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no summary")
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := report.Parse([]byte(`{not json`))
	require.Error(t, err)
}

func TestHasFailures(t *testing.T) {
	tests := []struct {
		name     string
		artifact string
		want     bool
	}{
		{"failed counts", `{"summary":{"total":3,"failed":2}}`, true},
		{"error counts", `{"summary":{"total":3,"error":1}}`, true},
		{"all passed", `{"summary":{"total":3,"passed":3}}`, false},
		{"skipped only", `{"summary":{"total":3,"skipped":3}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := report.Parse([]byte(tt.artifact))
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.HasFailures())
		})
	}
}

func TestCaseLogs_OrderAndSeverity(t *testing.T) {
	artifact := `{
		"summary": {"total": 3, "passed": 1, "failed": 1, "skipped": 1},
		"tests": [
			{"nodeid": "t.py::test_a", "outcome": "passed", "duration": 0.1},
			{"nodeid": "t.py::test_b", "outcome": "failed", "duration": 0.2,
			 "call": {"longrepr": "AssertionError: boom"}},
			{"nodeid": "t.py::test_c", "outcome": "skipped", "duration": 0.0}
		]
	}`

	r, err := report.Parse([]byte(artifact))
	require.NoError(t, err)

	logs := r.CaseLogs()
	require.Len(t, logs, 3)

	assert.Equal(t, "✅ Test test_a passed", logs[0].Message)
	assert.Equal(t, report.SeverityInfo, logs[0].Severity)

	assert.Equal(t, "❌ Test test_b failed", logs[1].Message)
	assert.Equal(t, report.SeverityError, logs[1].Severity)
	assert.Equal(t, "AssertionError: boom", logs[1].Metadata["failure_details"])

	assert.Equal(t, "⚠️ Test test_c skipped", logs[2].Message)
	assert.Equal(t, report.SeverityWarning, logs[2].Severity)
	_, hasFailure := logs[2].Metadata["failure_details"]
	assert.False(t, hasFailure)
}

func TestCaseLogs_CrashDetail(t *testing.T) {
	artifact := `{
		"summary": {"total": 1, "failed": 1},
		"tests": [
			{"nodeid": "t.py::test_crash", "outcome": "failed",
			 "crash": {"path": "t.py", "lineno": 12, "message": "segfault"}}
		]
	}`

	r, err := report.Parse([]byte(artifact))
	require.NoError(t, err)

	logs := r.CaseLogs()
	require.Len(t, logs, 1)

	crash, ok := logs[0].Metadata["crash_details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "segfault", crash["message"])
}

func TestCaseLogs_MetadataFields(t *testing.T) {
	r, err := report.Parse([]byte(
		`{"summary":{"total":1},"tests":[{"nodeid":"a/b.py::TestX::test_y","outcome":"passed","duration":1.5}]}`,
	))
	require.NoError(t, err)

	logs := r.CaseLogs()
	require.Len(t, logs, 1)

	assert.Equal(t, "a/b.py::TestX::test_y", logs[0].Metadata["nodeid"])
	assert.Equal(t, "passed", logs[0].Metadata["outcome"])
	assert.Equal(t, 1.5, logs[0].Metadata["duration"])
	assert.Equal(t, "test_y", logs[0].Metadata["test_name"])
}

func TestCaseName(t *testing.T) {
	assert.Equal(t, "test_y", report.CaseName("a/b.py::TestX::test_y"))
	assert.Equal(t, "test_basic", report.CaseName("tests/t.py::test_basic"))
	assert.Equal(t, "tests/t.py", report.CaseName("tests/t.py"))
}
