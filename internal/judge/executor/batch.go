package executor

import (
	"context"
	"fmt"
	"os"

	"ojudge/internal/judge/language"
	"ojudge/internal/judge/workspace"
	appErr "ojudge/pkg/errors"
)

// BatchRequest is the single-call contract used by judge images that run a
// whole test set themselves: the directory holds the source and input<i>.txt files.
type BatchRequest struct {
	TestCount      int
	WorkspacePath  string
	CompileCommand string
	RunCommand     string
	TimeLimitMs    int64
	MemoryLimitMB  int64
	Image          string
}

// BatchRecord is emitted once per executed test (and once for a failed compile).
type BatchRecord struct {
	TestNumber int    `json:"test_number"`
	Status     string `json:"status"`
	ElapsedMs  int64  `json:"elapsed_ms"`
	MemoryKB   int64  `json:"memory_kb"`
	Message    string `json:"message,omitempty"`
}

// Batch record statuses.
const (
	BatchOK          = "ok"
	BatchCompilation = "compilation"
	BatchTimeout     = "timeout"
	BatchRuntime     = "runtime"
	BatchOutputLimit = "output_limit"
)

const batchMessageLimit = 4 << 10

// RunBatch compiles once and runs every input in order, writing actual<i>.txt
// next to each input. Outputs are not compared; that is the caller's job.
func RunBatch(ctx context.Context, b Backend, req BatchRequest, emit func(BatchRecord) error) error {
	if req.TestCount <= 0 {
		return appErr.ValidationError("test_count", "must be positive")
	}
	ws, err := workspace.Open(req.WorkspacePath, "batch")
	if err != nil {
		return err
	}
	lang := language.Spec{
		Code:           "batch",
		Mode:           language.ModeProcess,
		SourceFile:     "source",
		NeedsCompile:   req.CompileCommand != "",
		CompileCommand: req.CompileCommand,
		RunCommand:     req.RunCommand,
		Image:          req.Image,
		DefaultLimits:  language.Limits{CompileTimeoutMs: 30_000},
	}

	if lang.NeedsCompile {
		res, err := b.Compile(ctx, CompileRequest{Language: lang, Workspace: ws, Limits: CompileLimits(lang, 0)})
		if err != nil {
			return err
		}
		if !res.OK {
			return emit(BatchRecord{TestNumber: 0, Status: BatchCompilation, ElapsedMs: res.ElapsedMs, Message: clip(res.Stderr)})
		}
	}

	limits := RunLimits(lang, req.TimeLimitMs, req.MemoryLimitMB, 0)
	for i := 0; i < req.TestCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		input, err := os.ReadFile(ws.Path(fmt.Sprintf("input%d.txt", i)))
		if err != nil {
			return appErr.Wrapf(err, appErr.WorkspaceIOError, "read input %d failed", i)
		}
		res, err := Run(ctx, b, lang, ws, input, limits)
		if err != nil {
			return err
		}
		if err := os.WriteFile(ws.Path(fmt.Sprintf("actual%d.txt", i)), res.Stdout, 0o644); err != nil {
			return appErr.Wrapf(err, appErr.WorkspaceIOError, "write actual output %d failed", i)
		}
		rec := BatchRecord{TestNumber: i + 1, ElapsedMs: res.ElapsedMs, MemoryKB: res.MemoryKB}
		switch res.Failure() {
		case FailureTimeout:
			rec.Status = BatchTimeout
		case FailureOutputTooLarge:
			rec.Status = BatchOutputLimit
		case FailureRuntimeError:
			rec.Status = BatchRuntime
			rec.Message = clip(string(res.Stderr))
		default:
			rec.Status = BatchOK
		}
		if err := emit(rec); err != nil {
			return err
		}
	}
	return nil
}

func clip(s string) string {
	if len(s) <= batchMessageLimit {
		return s
	}
	return s[:batchMessageLimit] + "..."
}
