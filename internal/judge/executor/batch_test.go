package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// scriptedBackend answers runs from a table keyed by the current input.
type scriptedBackend struct {
	compile CompileResult
	runs    map[string]ExecutionResult
	ran     int
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Compile(ctx context.Context, req CompileRequest) (CompileResult, error) {
	return b.compile, nil
}

func (b *scriptedBackend) Run(ctx context.Context, req RunRequest) (ExecutionResult, error) {
	b.ran++
	input, err := os.ReadFile(req.Workspace.InputPath())
	if err != nil {
		return ExecutionResult{}, err
	}
	return b.runs[strings.TrimSpace(string(input))], nil
}

func writeInputs(t *testing.T, dir string, inputs ...string) {
	t.Helper()
	for i, in := range inputs {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("input%d.txt", i)), []byte(in), 0o644); err != nil {
			t.Fatalf("write input failed: %v", err)
		}
	}
}

func TestRunBatchEmitsRecordPerTest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeInputs(t, dir, "a", "b", "c")
	backend := &scriptedBackend{
		compile: CompileResult{OK: true},
		runs: map[string]ExecutionResult{
			"a": {Stdout: []byte("1\n"), ElapsedMs: 5},
			"b": {TimedOut: true, ExitCode: 137},
			"c": {ExitCode: 1, Stderr: []byte("panic")},
		},
	}
	var records []BatchRecord
	err := RunBatch(context.Background(), backend, BatchRequest{
		TestCount:      3,
		WorkspacePath:  dir,
		CompileCommand: "cc {src}",
		RunCommand:     "./a.out",
		TimeLimitMs:    1000,
	}, func(r BatchRecord) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	want := []string{BatchOK, BatchTimeout, BatchRuntime}
	for i, r := range records {
		if r.TestNumber != i+1 || r.Status != want[i] {
			t.Fatalf("record %d: expected #%d %s, got %+v", i, i+1, want[i], r)
		}
	}
	if records[2].Message != "panic" {
		t.Fatalf("expected stderr message, got %q", records[2].Message)
	}
	actual, err := os.ReadFile(filepath.Join(dir, "actual0.txt"))
	if err != nil || string(actual) != "1\n" {
		t.Fatalf("expected actual0.txt, got %q err=%v", actual, err)
	}
}

func TestRunBatchStopsOnCompileError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeInputs(t, dir, "a")
	backend := &scriptedBackend{compile: CompileResult{OK: false, Stderr: "expected ;"}}
	var records []BatchRecord
	err := RunBatch(context.Background(), backend, BatchRequest{
		TestCount:      1,
		WorkspacePath:  dir,
		CompileCommand: "cc {src}",
		RunCommand:     "./a.out",
	}, func(r BatchRecord) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(records) != 1 || records[0].Status != BatchCompilation || records[0].TestNumber != 0 {
		t.Fatalf("expected single compilation record, got %+v", records)
	}
	if backend.ran != 0 {
		t.Fatalf("expected no runs after compile error, got %d", backend.ran)
	}
}

func TestRunBatchRejectsEmptyTestCount(t *testing.T) {
	t.Parallel()
	err := RunBatch(context.Background(), &scriptedBackend{}, BatchRequest{WorkspacePath: t.TempDir(), RunCommand: "x"}, func(BatchRecord) error { return nil })
	if err == nil {
		t.Fatalf("expected validation error")
	}
}
