package orchestrator

import (
	"ojudge/internal/judge/evaluator"
	"ojudge/internal/judge/executor"
	"ojudge/internal/judge/model"
	"ojudge/internal/judge/sqlrunner"
)

func classifyCompile(res executor.CompileResult) model.Verdict {
	return evaluator.Classify(evaluator.Input{Compile: &res})
}

func classifyRun(res executor.ExecutionResult, memoryLimitMB int64, actual, expected []byte) model.Verdict {
	return evaluator.Classify(evaluator.Input{
		Run:           res,
		MemoryLimitMB: memoryLimitMB,
		Actual:        actual,
		Expected:      expected,
	})
}

// classifySQL maps a query outcome onto the same priority as a program run.
func classifySQL(out sqlrunner.Outcome) model.Verdict {
	run := executor.ExecutionResult{
		ElapsedMs:       out.ElapsedMs,
		TimedOut:        out.TimedOut,
		OutputTruncated: out.Truncated,
	}
	if out.QueryError != "" {
		run.ExitCode = 1
		run.Stderr = []byte(out.QueryError)
	}
	match := evaluator.CompareResultSets(out.Submitted, out.Reference)
	return evaluator.Classify(evaluator.Input{Run: run, ResultsMatch: &match})
}

func diffResultSets(out sqlrunner.Outcome) string {
	return evaluator.Diff(out.Submitted, out.Reference)
}
