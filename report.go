package ezproxy

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Test result states.
const (
	TestPassed = "passed"
	TestFailed = "failed"
)

// Report is the root of a test run's result tree. Its layout follows the
// mochawesome JSON format so existing report tooling can render it.
type Report struct {
	UUID        string   `json:"uuid"`
	Title       string   `json:"title"`
	FullFile    string   `json:"fullFile"`
	File        string   `json:"file"`
	BeforeHooks []any    `json:"beforeHooks"`
	AfterHooks  []any    `json:"afterHooks"`
	Tests       []string `json:"tests"`
	Suites      []*Suite `json:"suites"`
	Passes      []string `json:"passes"`
	Failures    []string `json:"failures"`
	Pending     []string `json:"pending"`
	Skipped     []string `json:"skipped"`
	Duration    int64    `json:"duration"`
	Root        bool     `json:"root"`
	RootEmpty   bool     `json:"rootEmpty"`
	Timeout     int      `json:"_timeout"`
}

// Suite groups the test results produced for one record.
type Suite struct {
	UUID        string       `json:"uuid"`
	ParentUUID  string       `json:"parentUUID"`
	Title       string       `json:"title"`
	FullFile    string       `json:"fullFile"`
	File        string       `json:"file"`
	BeforeHooks []any        `json:"beforeHooks"`
	AfterHooks  []any        `json:"afterHooks"`
	Tests       []TestResult `json:"tests"`
	Suites      []*Suite     `json:"suites"`
	Passes      []string     `json:"passes"`
	Failures    []string     `json:"failures"`
	Pending     []string     `json:"pending"`
	Skipped     []string     `json:"skipped"`
	Duration    int64        `json:"duration"`
	Root        bool         `json:"root"`
	RootEmpty   bool         `json:"rootEmpty"`
	Timeout     int          `json:"_timeout"`
}

// TestResult is one assertion execution against one record.
type TestResult struct {
	Title      string         `json:"title"`
	FullTitle  string         `json:"fullTitle"`
	TimedOut   bool           `json:"timedOut"`
	Duration   int64          `json:"duration"`
	State      string         `json:"state"`
	Speed      string         `json:"speed"`
	Pass       bool           `json:"pass"`
	Fail       bool           `json:"fail"`
	Pending    bool           `json:"pending"`
	Context    string         `json:"context"`
	Code       string         `json:"code"`
	Err        map[string]any `json:"err"`
	UUID       string         `json:"uuid"`
	ParentUUID string         `json:"parentUUID"`
	IsHook     bool           `json:"isHook"`
	Skipped    bool           `json:"skipped"`
}

const suiteTimeout = 2000

func newReport(start time.Time) *Report {
	return &Report{
		UUID:        uuid.NewString(),
		Title:       "EZProxy Test Results [" + start.Format("Mon Jan 02 2006 15:04:05 GMT-0700") + "]",
		BeforeHooks: []any{},
		AfterHooks:  []any{},
		Tests:       []string{},
		Suites:      []*Suite{},
		Passes:      []string{},
		Failures:    []string{},
		Pending:     []string{},
		Skipped:     []string{},
		Timeout:     suiteTimeout,
	}
}

func newSuite(parent string, rec *Record) *Suite {
	started := time.UnixMilli(rec.StartTime).Format("15:04:05")
	return &Suite{
		UUID:        uuid.NewString(),
		ParentUUID:  parent,
		Title:       fmt.Sprintf("[%s] CONNECT %s", started, rec.Host),
		BeforeHooks: []any{},
		AfterHooks:  []any{},
		Tests:       []TestResult{},
		Suites:      []*Suite{},
		Passes:      []string{},
		Failures:    []string{},
		Pending:     []string{},
		Skipped:     []string{},
		Timeout:     suiteTimeout,
	}
}

// reportName builds html_report_<Mon_Jan_02>_<time-based uuid>.
func reportName(start time.Time) string {
	id, err := uuid.NewUUID()
	if err != nil {
		id = uuid.New()
	}
	return "html_report_" + start.Format("Mon_Jan_02") + "_" + id.String()
}

// recordContext is the serialized record snapshot attached to a result.
func recordContext(rec *Record) string {
	b, err := json.Marshal(struct {
		Title string  `json:"title"`
		Value *Record `json:"value"`
	}{Title: "Data ", Value: rec})
	if err != nil {
		return ""
	}
	return string(b)
}

func (r *Report) clone() Report {
	out := *r
	out.Tests = slices.Clone(r.Tests)
	out.Passes = slices.Clone(r.Passes)
	out.Failures = slices.Clone(r.Failures)
	out.Pending = slices.Clone(r.Pending)
	out.Skipped = slices.Clone(r.Skipped)
	out.Suites = slices.Clone(r.Suites)
	return out
}

// writeReport stores r as <dir>/<name>.json and returns the path.
func writeReport(fs afero.Fs, dir, name string, r Report) (string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	p := filepath.Join(dir, name+".json")
	if err := afero.WriteFile(fs, p, b, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return p, nil
}
