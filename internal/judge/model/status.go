package model

import "fmt"

// State is the coarse lifecycle position of a judgment.
type State string

const (
	StateQueued    State = "Queued"
	StateCompiling State = "Compiling"
	StateTesting   State = "Testing"
	StateFinished  State = "Finished"
)

// StatusRecord is the per-submission status upserted on every transition.
type StatusRecord struct {
	SubmissionID     string       `json:"submission_id"`
	TaskID           string       `json:"task_id,omitempty"`
	LanguageCode     string       `json:"language_code,omitempty"`
	State            State        `json:"state"`
	StatusText       string       `json:"status_text"`
	Verdict          Verdict      `json:"verdict_kind,omitempty"`
	EventNum         int          `json:"event_num"`
	TimeMs           int64        `json:"time_ms"`
	MemoryKB         int64        `json:"memory_kb"`
	CurrentTestIndex int          `json:"current_test_index"`
	TotalTests       int          `json:"total_tests"`
	Score            int          `json:"score"`
	MaxScore         int          `json:"max_score"`
	Tests            []TestRecord `json:"tests,omitempty"`
	CompileOutput    string       `json:"compile_output,omitempty"`
	ErrorCode        int          `json:"error_code,omitempty"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	ArtifactKey      string       `json:"artifact_key,omitempty"`
	Generation       int64        `json:"generation,omitempty"`
	CreatedAt        int64        `json:"created_at"`
	UpdatedAt        int64        `json:"updated_at"`
	FinishedAt       int64        `json:"finished_at,omitempty"`
}

// TestRecord is the structured per-test outcome.
// TestNumber is 1-based to match the status text.
type TestRecord struct {
	TestNumber int     `json:"test_number"`
	Status     Verdict `json:"status"`
	ElapsedMs  int64   `json:"elapsed_ms"`
	MemoryKB   int64   `json:"memory_kb"`
	Points     int     `json:"points,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// Terminal reports whether the record holds a final verdict.
func (r StatusRecord) Terminal() bool {
	return r.State == StateFinished
}

// Status text helpers. Test numbers shown to people are 1-based.

func TestPassedText(index int) string {
	return fmt.Sprintf("Test #%d passed", index+1)
}

func FailedTestText(v Verdict, index int) string {
	return fmt.Sprintf("%s #%d", v, index+1)
}

const (
	QueuedText      = "Queued"
	CompilingText   = "Compiling"
	UnavailableText = "Judging unavailable"
)

// StatusEventType represents the status event type.
type StatusEventType string

const (
	// StatusEventFinal indicates the final status event.
	StatusEventFinal StatusEventType = "final"
)

// StatusEvent carries terminal statuses to downstream consumers.
type StatusEvent struct {
	Type      StatusEventType `json:"type"`
	Status    StatusRecord    `json:"status"`
	CreatedAt int64           `json:"created_at"`
}

// TestFailedText is the progress text of a failed test in scoring mode, where judging continues.
func TestFailedText(index int) string {
	return fmt.Sprintf("Test #%d failed", index+1)
}
