package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13099: Submission errors
// 13100-13199: Judge verdict-level errors
// 13200-13299: Judge infrastructure errors (system faults)
// 13300-13399: Task data errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError  ErrorCode = 10100
	RecordNotFound ErrorCode = 10101

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300
	InvalidFormat    ErrorCode = 10301

	// ========== Submission & Judge Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound   ErrorCode = 13000
	CodeTooLarge         ErrorCode = 13002
	LanguageNotSupported ErrorCode = 13003

	// Judge (13100-13199)
	JudgeQueueFull      ErrorCode = 13100
	JudgeSystemError    ErrorCode = 13101
	CompilationError    ErrorCode = 13102
	RuntimeError        ErrorCode = 13103
	TimeLimitExceeded   ErrorCode = 13104
	MemoryLimitExceeded ErrorCode = 13105
	OutputLimitExceeded ErrorCode = 13106
	JudgeCancelled      ErrorCode = 13107

	// Judge infrastructure (13200-13299)
	SandboxFault      ErrorCode = 13200
	WorkspaceIOError  ErrorCode = 13201
	StoreWriteFailure ErrorCode = 13202
	ArtifactFailure   ErrorCode = 13203
	MessageQueueError ErrorCode = 13204
	StorageError      ErrorCode = 13205

	// Task data (13300-13399)
	TaskNotFound    ErrorCode = 13300
	TaskDataInvalid ErrorCode = 13301
	TaskPackCorrupt ErrorCode = 13302
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:  "Database operation failed",
	RecordNotFound: "Record not found in database",

	// Cache
	CacheError: "Cache operation failed",
	CacheMiss:  "Cache miss",
	LockFailed: "Failed to acquire lock",

	// Validation
	ValidationFailed: "Validation failed",
	InvalidFormat:    "Invalid format",

	// Submission
	SubmissionNotFound:   "Submission not found",
	CodeTooLarge:         "Code is too large",
	LanguageNotSupported: "Programming language not supported",

	// Judge
	JudgeQueueFull:      "Judge queue is full, please try again later",
	JudgeSystemError:    "Judging unavailable",
	CompilationError:    "Compilation error",
	RuntimeError:        "Runtime error",
	TimeLimitExceeded:   "Time limit exceeded",
	MemoryLimitExceeded: "Memory limit exceeded",
	OutputLimitExceeded: "Output limit exceeded",
	JudgeCancelled:      "Judging cancelled",

	// Judge infrastructure
	SandboxFault:      "Sandbox backend failure",
	WorkspaceIOError:  "Workspace I/O failure",
	StoreWriteFailure: "Failed to persist judge status",
	ArtifactFailure:   "Failed to persist diagnostic artifact",
	MessageQueueError: "Message queue operation failed",
	StorageError:      "Object storage operation failed",

	// Task data
	TaskNotFound:    "Task not found",
	TaskDataInvalid: "Task data is invalid",
	TaskPackCorrupt: "Task data pack is corrupt",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == SubmissionNotFound, c == TaskNotFound, c == RecordNotFound:
		return 404
	case c == TooManyRequests, c == JudgeQueueFull:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == LanguageNotSupported, c == CodeTooLarge:
		return 400
	default:
		return 500
	}
}

// IsSystemFault reports whether the code describes an infrastructure failure that may be transient,
// as opposed to a verdict about the submitted program.
func (c ErrorCode) IsSystemFault() bool {
	switch c {
	case SandboxFault, WorkspaceIOError, StoreWriteFailure, ArtifactFailure,
		MessageQueueError, StorageError, DatabaseError, CacheError, LockFailed, Timeout:
		return true
	default:
		return false
	}
}
