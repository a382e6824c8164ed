package model

import "time"

// JudgeMessage is the queue payload of a judge request. The caller never waits for judging.
type JudgeMessage struct {
	SubmissionID string `json:"submission_id" validate:"required,max=128"`
	TaskID       string `json:"task_id" validate:"required,max=128"`
	LanguageCode string `json:"language_code" validate:"required,max=32"`
	// SourceCode carries the program inline; SourceKey points to an object in storage instead.
	SourceCode string `json:"source_code,omitempty" validate:"required_without=SourceKey"`
	SourceKey  string `json:"source_key,omitempty" validate:"required_without=SourceCode"`
	SourceHash string `json:"source_hash,omitempty"`
	ReceivedAt int64  `json:"received_at,omitempty"`
}

// Submission is the unit of work owned by one orchestrator run.
type Submission struct {
	ID           string
	TaskID       string
	LanguageCode string
	SourceCode   string
	CreatedAt    time.Time
}

// CancelMessage asks every judge instance to stop a submission's in-flight judgment.
type CancelMessage struct {
	SubmissionID string `json:"submission_id"`
	Reason       string `json:"reason,omitempty"`
	IssuedAt     int64  `json:"issued_at"`
}
