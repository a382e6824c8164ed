package model

// ExecutionMode selects how a task's tests are driven.
type ExecutionMode string

const (
	// ModeFailFast stops at the first failing test and reports a single verdict.
	ModeFailFast ExecutionMode = "fail_fast"
	// ModeScoring runs every test and sums the points of the passing ones.
	ModeScoring ExecutionMode = "scoring"
)

// Valid reports whether m is a known mode. The empty mode means fail-fast.
func (m ExecutionMode) Valid() bool {
	return m == "" || m == ModeFailFast || m == ModeScoring
}

// TaskSpec is read-only task data supplied by the problem authoring side.
type TaskSpec struct {
	TaskID        string
	TestCount     int
	TimeLimitMs   int64
	MemoryLimitMB int64
	Mode          ExecutionMode
	Tests         []TestCase
	SQL           *SQLTask
}

// TestCase is one ordered input/expected pair. Index is 0-based.
type TestCase struct {
	Index    int
	Input    []byte
	Expected []byte
	Points   int
}

// SQLTask carries the reference side of an SQL task.
// A test's Input, when non-empty, replaces SetupScript for that test.
type SQLTask struct {
	SetupScript    string
	ReferenceQuery string
}

// EffectiveMode resolves the empty mode to fail-fast.
func (t TaskSpec) EffectiveMode() ExecutionMode {
	if t.Mode == "" {
		return ModeFailFast
	}
	return t.Mode
}

// MaxScore is the sum of all test points.
func (t TaskSpec) MaxScore() int {
	total := 0
	for _, tc := range t.Tests {
		total += tc.Points
	}
	return total
}
