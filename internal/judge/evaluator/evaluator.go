// Package evaluator turns execution results into verdicts.
package evaluator

import (
	"bytes"
	"strings"

	"ojudge/internal/judge/executor"
	"ojudge/internal/judge/model"
)

// Normalize strips trailing newlines, carriage returns and spaces, then drops
// every remaining carriage return.
func Normalize(s string) string {
	s = strings.TrimRight(s, "\n\r ")
	return strings.ReplaceAll(s, "\r", "")
}

// Compare reports whether actual matches expected after normalization.
func Compare(actual, expected string) bool {
	return Normalize(actual) == Normalize(expected)
}

// CompareBytes is Compare for raw output buffers.
func CompareBytes(actual, expected []byte) bool {
	return bytes.Equal(normalizeBytes(actual), normalizeBytes(expected))
}

func normalizeBytes(b []byte) []byte {
	b = bytes.TrimRight(b, "\n\r ")
	return bytes.ReplaceAll(b, []byte("\r"), nil)
}

// Input is everything known about one step when it is classified.
type Input struct {
	// Fault is a sandbox failure returned by the backend.
	Fault error
	// Compile is set when classifying a compile step.
	Compile *executor.CompileResult
	Run     executor.ExecutionResult
	// MemoryLimitMB is the task limit after language scaling. Zero disables the check.
	MemoryLimitMB int64
	Actual        []byte
	Expected      []byte
	// ResultsMatch replaces the text comparison when set (SQL tasks).
	ResultsMatch *bool
}

// Classify applies the verdict priority; the first matching rule wins.
// VerdictNone means the step passed.
func Classify(in Input) model.Verdict {
	switch {
	case in.Fault != nil:
		return model.VerdictServerError
	case in.Compile != nil:
		if in.Compile.Failure() == executor.FailureCompileError {
			return model.VerdictCompilationError
		}
		return model.VerdictNone
	}

	failure := in.Run.Failure()
	if failure == executor.FailureTimeout {
		return model.VerdictTimeLimitExceeded
	}
	if exceedsMemory(in.Run, in.MemoryLimitMB) {
		return model.VerdictMemoryLimitExceeded
	}
	switch failure {
	case executor.FailureOutputTooLarge:
		return model.VerdictOutputLimitExceeded
	case executor.FailureRuntimeError:
		return model.VerdictRuntimeError
	}

	if in.ResultsMatch != nil {
		if *in.ResultsMatch {
			return model.VerdictNone
		}
		return model.VerdictWrongAnswer
	}
	actual := normalizeBytes(in.Actual)
	expected := normalizeBytes(in.Expected)
	if len(actual) == 0 && len(expected) > 0 {
		return model.VerdictPresentationError
	}
	if !bytes.Equal(actual, expected) {
		return model.VerdictWrongAnswer
	}
	return model.VerdictNone
}

func exceedsMemory(res executor.ExecutionResult, limitMB int64) bool {
	if res.OOMKilled {
		return true
	}
	return limitMB > 0 && res.MemoryKB > limitMB*1024
}
