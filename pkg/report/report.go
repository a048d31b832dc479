// Package report parses the structured JSON artifact produced by the test
// framework inside a service container. The artifact shape is semi-structured
// and every field is optional; absent fields decode to zero values so a
// sparse artifact still yields usable counts.
package report

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outcome values observed in artifacts. Anything else is informational.
const (
	OutcomePassed  = "passed"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

// Severity levels attached to per-case log payloads.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Summary holds the artifact's aggregate counts. Total is authoritative as
// reported and is never re-derived from the per-outcome counts.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Error   int `json:"error"`
	Skipped int `json:"skipped"`
}

// CaseStage holds the detail of one execution stage of a test case.
type CaseStage struct {
	Longrepr string `json:"longrepr"`
}

// Case is one per-test entry in the artifact.
type Case struct {
	NodeID   string                 `json:"nodeid"`
	Outcome  string                 `json:"outcome"`
	Duration float64                `json:"duration"`
	Call     *CaseStage             `json:"call,omitempty"`
	Crash    map[string]interface{} `json:"crash,omitempty"`
}

// Report is the parsed artifact.
type Report struct {
	Summary *Summary `json:"summary,omitempty"`
	Tests   []Case   `json:"tests,omitempty"`
}

// Parse decodes an artifact. A report without a summary object is malformed:
// counts cannot be established, so the caller must treat the run as errored.
func Parse(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing report artifact: %w", err)
	}

	if r.Summary == nil {
		return nil, fmt.Errorf("report artifact has no summary")
	}

	return &r, nil
}

// HasFailures reports whether the summary indicates a failed run.
func (r *Report) HasFailures() bool {
	return r.Summary.Failed > 0 || r.Summary.Error > 0
}

// CaseLog is the log payload derived from one test case.
type CaseLog struct {
	Message  string
	Severity string
	Metadata map[string]interface{}
}

// CaseLogs materializes one log payload per test case, in artifact order.
func (r *Report) CaseLogs() []CaseLog {
	logs := make([]CaseLog, 0, len(r.Tests))

	for _, c := range r.Tests {
		logs = append(logs, buildCaseLog(c))
	}

	return logs
}

// buildCaseLog formats the message, severity and metadata bag for one case.
func buildCaseLog(c Case) CaseLog {
	name := CaseName(c.NodeID)

	severity := SeverityInfo

	switch c.Outcome {
	case OutcomeFailed:
		severity = SeverityError
	case OutcomeSkipped:
		severity = SeverityWarning
	}

	message := fmt.Sprintf("Test %s %s", name, c.Outcome)

	switch c.Outcome {
	case OutcomePassed:
		message = "✅ " + message
	case OutcomeFailed:
		message = "❌ " + message
	case OutcomeSkipped:
		message = "⚠️ " + message
	}

	metadata := map[string]interface{}{
		"nodeid":    c.NodeID,
		"outcome":   c.Outcome,
		"duration":  c.Duration,
		"test_name": name,
	}

	// Failure detail is preserved verbatim, never truncated or reformatted.
	if c.Outcome == OutcomeFailed {
		if c.Call != nil && c.Call.Longrepr != "" {
			metadata["failure_details"] = c.Call.Longrepr
		}

		if len(c.Crash) > 0 {
			metadata["crash_details"] = c.Crash
		}
	}

	return CaseLog{
		Message:  message,
		Severity: severity,
		Metadata: metadata,
	}
}

// CaseName extracts the human-readable test name from a node identifier:
// the segment after the last "::", or the whole identifier when there is
// no selector.
func CaseName(nodeID string) string {
	if idx := strings.LastIndex(nodeID, "::"); idx != -1 {
		return nodeID[idx+2:]
	}

	return nodeID
}
