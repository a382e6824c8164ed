package model

import "time"

// Artifact is the diagnostic left behind by every judgment that did not end Accepted.
type Artifact struct {
	SubmissionID string    `json:"submission_id"`
	TaskID       string    `json:"task_id,omitempty"`
	LanguageCode string    `json:"language_code,omitempty"`
	Verdict      Verdict   `json:"verdict"`
	Stage        string    `json:"stage"`
	TestNumber   int       `json:"test_number,omitempty"`
	Stderr       string    `json:"stderr,omitempty"`
	Error        string    `json:"error,omitempty"`
	Attempt      int       `json:"attempt"`
	OccurredAt   time.Time `json:"occurred_at"`
}
