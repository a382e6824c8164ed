package executor

import (
	"testing"
	"time"

	"ojudge/internal/judge/language"
)

func TestFailurePriority(t *testing.T) {
	t.Parallel()
	cases := []struct {
		res  ExecutionResult
		want FailureKind
	}{
		{ExecutionResult{}, FailureNone},
		{ExecutionResult{ExitCode: 1}, FailureRuntimeError},
		{ExecutionResult{ExitCode: 137, TimedOut: true}, FailureTimeout},
		{ExecutionResult{ExitCode: 137, OutputTruncated: true}, FailureOutputTooLarge},
		{ExecutionResult{TimedOut: true, OutputTruncated: true}, FailureTimeout},
	}
	for _, tc := range cases {
		if got := tc.res.Failure(); got != tc.want {
			t.Fatalf("%+v: expected %q, got %q", tc.res, tc.want, got)
		}
	}
	if (CompileResult{OK: false}).Failure() != FailureCompileError {
		t.Fatalf("expected compile error")
	}
}

func TestRunLimitsAppliesMultipliers(t *testing.T) {
	t.Parallel()
	lang := language.Spec{
		TimeMultiplier:   2.5,
		MemoryMultiplier: 2,
		DefaultLimits:    language.Limits{TimeLimitMs: 1000, MemoryLimitMB: 128},
	}
	got := RunLimits(lang, 1000, 64, 0)
	if got.TimeLimitMs != 2500 || got.MemoryLimitMB != 128 {
		t.Fatalf("unexpected limits %+v", got)
	}
	if got.OutputLimitBytes != DefaultOutputLimitBytes {
		t.Fatalf("expected default output cap, got %d", got.OutputLimitBytes)
	}
	// Task limits of zero fall back to the language defaults.
	got = RunLimits(lang, 0, 0, 10)
	if got.TimeLimitMs != 2500 || got.MemoryLimitMB != 256 || got.OutputLimitBytes != 10 {
		t.Fatalf("unexpected fallback limits %+v", got)
	}
}

func TestDeadlineAddsOverhead(t *testing.T) {
	t.Parallel()
	if got := deadline(1000, 200*time.Millisecond); got != 1200*time.Millisecond {
		t.Fatalf("unexpected deadline %v", got)
	}
	if got := deadline(0, 0); got != 10*time.Second {
		t.Fatalf("unlimited steps still need a deadline, got %v", got)
	}
}

func TestCompileResultUsesStdoutWhenStderrEmpty(t *testing.T) {
	t.Parallel()
	res := compileResultFrom(ExecutionResult{ExitCode: 1, Stdout: []byte("main.cs(1,1): error")})
	if res.OK || res.Stderr != "main.cs(1,1): error" {
		t.Fatalf("unexpected compile result %+v", res)
	}
	res = compileResultFrom(ExecutionResult{ExitCode: 137, TimedOut: true})
	if res.OK || res.Stderr != "compilation timed out" {
		t.Fatalf("unexpected timeout result %+v", res)
	}
}
