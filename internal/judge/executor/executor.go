// Package executor runs compile and run steps of untrusted programs under limits.
//
// A Backend returns an error only for sandbox faults, i.e. when the backend itself
// could not do its job. Everything the submitted program does wrong is reported
// through the result flags and classified by the caller.
package executor

import (
	"context"
	"math"
	"time"

	"ojudge/internal/judge/language"
	"ojudge/internal/judge/workspace"
	appErr "ojudge/pkg/errors"
)

const (
	// DefaultOutputLimitBytes caps captured stdout and stderr of one step.
	DefaultOutputLimitBytes int64 = 1 << 20
	// DefaultOverhead is added to every limit to form the hard deadline of a wait.
	DefaultOverhead = 500 * time.Millisecond
	// DefaultPIDsLimit bounds the process count of one step.
	DefaultPIDsLimit int64 = 64
)

// Backend executes steps on the host or in a container.
type Backend interface {
	Name() string
	Compile(ctx context.Context, req CompileRequest) (CompileResult, error)
	Run(ctx context.Context, req RunRequest) (ExecutionResult, error)
}

// Limits bound one step.
type Limits struct {
	TimeLimitMs      int64
	MemoryLimitMB    int64
	OutputLimitBytes int64
	PIDs             int64
}

// CompileRequest builds the source already written into the workspace.
type CompileRequest struct {
	Language  language.Spec
	Workspace *workspace.Workspace
	Limits    Limits
}

// RunRequest runs the built program with the workspace input on stdin.
type RunRequest struct {
	Language  language.Spec
	Workspace *workspace.Workspace
	Limits    Limits
}

// CompileResult contains compilation outcomes.
type CompileResult struct {
	OK        bool
	ExitCode  int
	Stderr    string
	ElapsedMs int64
	TimedOut  bool
}

// ExecutionResult is produced fresh for every step.
type ExecutionResult struct {
	ExitCode        int
	Stdout          []byte
	Stderr          []byte
	ElapsedMs       int64
	CPUTimeMs       int64
	MemoryKB        int64
	CPUPercent      float64
	TimedOut        bool
	OutputTruncated bool
	OOMKilled       bool
}

// FailureKind is the executor-level reading of a finished step.
type FailureKind string

const (
	FailureNone           FailureKind = ""
	FailureCompileError   FailureKind = "CompileError"
	FailureRuntimeError   FailureKind = "RuntimeError"
	FailureTimeout        FailureKind = "Timeout"
	FailureOutputTooLarge FailureKind = "OutputTooLarge"
)

// Failure reports the executor-level failure of a run, if any.
// Memory is judged by the evaluator against the task limit.
func (r ExecutionResult) Failure() FailureKind {
	switch {
	case r.TimedOut:
		return FailureTimeout
	case r.OutputTruncated:
		return FailureOutputTooLarge
	case r.ExitCode != 0:
		return FailureRuntimeError
	default:
		return FailureNone
	}
}

// Failure reports whether compilation failed.
func (r CompileResult) Failure() FailureKind {
	if r.OK {
		return FailureNone
	}
	return FailureCompileError
}

// Run writes input into the workspace and runs the program against it.
func Run(ctx context.Context, b Backend, lang language.Spec, ws *workspace.Workspace, input []byte, limits Limits) (ExecutionResult, error) {
	if err := ws.WriteInput(input); err != nil {
		return ExecutionResult{}, err
	}
	res, err := b.Run(ctx, RunRequest{Language: lang, Workspace: ws, Limits: limits})
	if err != nil {
		return res, err
	}
	if err := ws.WriteOutput(res.Stdout); err != nil {
		return res, err
	}
	return res, nil
}

// RunLimits combines task limits with the language multipliers and defaults.
func RunLimits(lang language.Spec, timeLimitMs, memoryLimitMB, outputLimitBytes int64) Limits {
	if timeLimitMs <= 0 {
		timeLimitMs = lang.DefaultLimits.TimeLimitMs
	}
	if memoryLimitMB <= 0 {
		memoryLimitMB = lang.DefaultLimits.MemoryLimitMB
	}
	if outputLimitBytes <= 0 {
		outputLimitBytes = DefaultOutputLimitBytes
	}
	return Limits{
		TimeLimitMs:      scaleLimit(timeLimitMs, lang.TimeMultiplier),
		MemoryLimitMB:    scaleLimit(memoryLimitMB, lang.MemoryMultiplier),
		OutputLimitBytes: outputLimitBytes,
		PIDs:             DefaultPIDsLimit,
	}
}

// CompileLimits returns the limits of a compile step.
func CompileLimits(lang language.Spec, outputLimitBytes int64) Limits {
	if outputLimitBytes <= 0 {
		outputLimitBytes = DefaultOutputLimitBytes
	}
	return Limits{
		TimeLimitMs:      lang.DefaultLimits.CompileTimeoutMs,
		MemoryLimitMB:    lang.DefaultLimits.CompileMemoryMB,
		OutputLimitBytes: outputLimitBytes,
		PIDs:             DefaultPIDsLimit * 4,
	}
}

func scaleLimit(value int64, multiplier float64) int64 {
	if value <= 0 {
		return 0
	}
	if multiplier <= 0 {
		return value
	}
	return int64(math.Ceil(float64(value) * multiplier))
}

// deadline is the hard wait bound of a step.
func deadline(limitMs int64, overhead time.Duration) time.Duration {
	if limitMs <= 0 {
		limitMs = 10_000
	}
	return time.Duration(limitMs)*time.Millisecond + overhead
}

func compileResultFrom(res ExecutionResult) CompileResult {
	out := CompileResult{
		OK:        res.ExitCode == 0 && !res.TimedOut && !res.OutputTruncated,
		ExitCode:  res.ExitCode,
		ElapsedMs: res.ElapsedMs,
		TimedOut:  res.TimedOut,
	}
	// Some compilers (mcs) report diagnostics on stdout.
	diag := res.Stderr
	if len(diag) == 0 {
		diag = res.Stdout
	}
	out.Stderr = string(diag)
	if res.TimedOut && out.Stderr == "" {
		out.Stderr = "compilation timed out"
	}
	return out
}

func sandboxFault(err error, format string, args ...interface{}) error {
	return appErr.Wrapf(err, appErr.SandboxFault, format, args...)
}
