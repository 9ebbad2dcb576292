package ezproxy

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ErrAssertRequired is returned when a test definition has no assertion.
var ErrAssertRequired = errors.New("test definition requires an Assert function")

// TestDefinition is a named assertion run against captured records.
type TestDefinition struct {
	// Assert inspects a record. A false result, a non-nil error or a panic
	// all count as a failed run.
	Assert func(rec *Record) (bool, error)

	// TotalRuns is how many executions complete the definition. Zero means 1.
	TotalRuns int

	// AlwaysRequired is reported alongside the definition by TestInfo.
	AlwaysRequired bool
}

type testState struct {
	name      string
	def       TestDefinition
	completed int
	enabled   bool
}

func (s *testState) exhausted() bool { return s.completed >= s.def.TotalRuns }

// TestEngine runs registered assertions against records and accumulates
// the results in a report tree.
type TestEngine struct {
	logger *slog.Logger

	// OnResult, when set, is called with TestPassed or TestFailed after
	// every execution.
	OnResult func(state string)

	mu      sync.Mutex
	order   []string
	defs    map[string]*testState
	report  *Report
	name    string
	started time.Time
}

// NewTestEngine creates an engine with an empty report.
func NewTestEngine(logger *slog.Logger) *TestEngine {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	return &TestEngine{
		logger:  logger,
		defs:    make(map[string]*testState),
		report:  newReport(now),
		name:    reportName(now),
		started: now,
	}
}

// Register adds or replaces the definition called name. It starts enabled
// with no completed runs.
func (te *TestEngine) Register(name string, def TestDefinition) error {
	if def.Assert == nil {
		return fmt.Errorf("test %q: %w", name, ErrAssertRequired)
	}
	if def.TotalRuns <= 0 {
		def.TotalRuns = 1
	}

	te.mu.Lock()
	defer te.mu.Unlock()
	if _, ok := te.defs[name]; !ok {
		te.order = append(te.order, name)
	}
	te.defs[name] = &testState{name: name, def: def, enabled: true}
	return nil
}

// Enable re-enables a registered definition. It reports whether name is
// still registered.
func (te *TestEngine) Enable(name string) bool { return te.setEnabled(name, true) }

// Disable stops a registered definition from running.
func (te *TestEngine) Disable(name string) bool { return te.setEnabled(name, false) }

func (te *TestEngine) setEnabled(name string, on bool) bool {
	te.mu.Lock()
	defer te.mu.Unlock()
	s, ok := te.defs[name]
	if ok {
		s.enabled = on
	}
	return ok
}

// EnableAll enables every registered definition.
func (te *TestEngine) EnableAll() { te.setAll(true) }

// DisableAll disables every registered definition.
func (te *TestEngine) DisableAll() { te.setAll(false) }

func (te *TestEngine) setAll(on bool) {
	te.mu.Lock()
	defer te.mu.Unlock()
	for _, s := range te.defs {
		s.enabled = on
	}
}

// Active returns the number of definitions that have not been retired.
func (te *TestEngine) Active() int {
	te.mu.Lock()
	defer te.mu.Unlock()
	return len(te.defs)
}

// Names returns the active definition names in registration order.
func (te *TestEngine) Names() []string {
	te.mu.Lock()
	defer te.mu.Unlock()
	return slices.Clone(te.order)
}

// Run evaluates every enabled definition against rec and returns the suite
// it produced, or nil when nothing ran.
func (te *TestEngine) Run(rec *Record) *Suite {
	te.mu.Lock()
	var due []*testState
	for _, name := range te.order {
		if s := te.defs[name]; s.enabled && !s.exhausted() {
			due = append(due, s)
		}
	}
	parent := te.report.UUID
	te.mu.Unlock()

	if len(due) == 0 {
		return nil
	}

	suite := newSuite(parent, rec)
	ctx := recordContext(rec)
	ran := make([]*testState, 0, len(due))
	for _, s := range due {
		start := time.Now()
		ok, err := runAssertion(s.def.Assert, rec)
		if err != nil {
			ok = false
			te.logger.Warn("test execution failed", "test", s.name, "error", err)
		}
		result := TestResult{
			Title:      s.name,
			FullTitle:  s.name,
			Duration:   time.Since(start).Milliseconds(),
			Context:    ctx,
			Err:        map[string]any{},
			UUID:       uuid.NewString(),
			ParentUUID: suite.UUID,
		}
		if err != nil {
			result.Code = err.Error()
		}
		if ok {
			result.State, result.Pass, result.Speed = TestPassed, true, "fast"
			suite.Passes = append(suite.Passes, result.UUID)
		} else {
			result.State, result.Fail = TestFailed, true
			suite.Failures = append(suite.Failures, result.UUID)
		}
		suite.Tests = append(suite.Tests, result)
		ran = append(ran, s)
		if te.OnResult != nil {
			te.OnResult(result.State)
		}
	}

	te.mu.Lock()
	defer te.mu.Unlock()
	for _, s := range ran {
		s.completed++
		if s.exhausted() && te.defs[s.name] == s {
			delete(te.defs, s.name)
			te.order = slices.DeleteFunc(te.order, func(n string) bool { return n == s.name })
			te.logger.Info(s.name + " was completed!")
		}
	}
	suite.Duration = time.Since(te.started).Milliseconds()
	for _, t := range suite.Tests {
		te.report.Tests = append(te.report.Tests, t.UUID)
	}
	te.report.Passes = append(te.report.Passes, suite.Passes...)
	te.report.Failures = append(te.report.Failures, suite.Failures...)
	te.report.Suites = append(te.report.Suites, suite)
	te.report.Duration = suite.Duration
	return suite
}

func runAssertion(fn func(*Record) (bool, error), rec *Record) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(rec)
}

// TestInfo describes a registered definition.
type TestInfo struct {
	Name           string `json:"name"`
	TotalRuns      int    `json:"totalRuns"`
	CompletedRuns  int    `json:"completedRuns"`
	Enabled        bool   `json:"enabled"`
	AlwaysRequired bool   `json:"alwaysRequired"`
}

// Info lists the active definitions in registration order.
func (te *TestEngine) Info() []TestInfo {
	te.mu.Lock()
	defer te.mu.Unlock()
	out := make([]TestInfo, 0, len(te.order))
	for _, name := range te.order {
		s := te.defs[name]
		out = append(out, TestInfo{
			Name:           name,
			TotalRuns:      s.def.TotalRuns,
			CompletedRuns:  s.completed,
			Enabled:        s.enabled,
			AlwaysRequired: s.def.AlwaysRequired,
		})
	}
	return out
}

// Name is the file name (without extension) the report is written under.
func (te *TestEngine) Name() string {
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.name
}

// Report returns a snapshot of the report tree.
func (te *TestEngine) Report() Report {
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.report.clone()
}

// WriteReport finalizes the report duration and writes it as JSON into dir.
func (te *TestEngine) WriteReport(fs afero.Fs, dir string) (string, error) {
	te.mu.Lock()
	te.report.Duration = time.Since(te.started).Milliseconds()
	r := te.report.clone()
	name := te.name
	te.mu.Unlock()

	p, err := writeReport(fs, dir, name, r)
	if err != nil {
		return "", err
	}
	te.logger.Info("test report written", "path", p, "suites", len(r.Suites))
	return p, nil
}
