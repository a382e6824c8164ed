package evaluator

import (
	"errors"
	"testing"

	"ojudge/internal/judge/executor"
	"ojudge/internal/judge/model"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"5\r\n":           "5",
		"5":               "5",
		"1 2 \n \r\n\n":   "1 2",
		"a\r\nb\r\n":      "a\nb",
		"":                "",
		"  lead\n":        "  lead",
		"x\t\n":           "x\t",
		"\r\n\r\n":        "",
		"line\r\rmid\r\n": "linemid",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()
	inputs := []string{"5\r\n", "a \r \n", "\r \r\n", "x\r\n \r", "multi\r\nline \n\n", " \r"}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Fatalf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestCompare(t *testing.T) {
	t.Parallel()
	if !Compare("7\r\n", "7") {
		t.Fatalf("expected CRLF output to match")
	}
	if Compare("7 8", "7\n8") {
		t.Fatalf("inner whitespace must still matter")
	}
	if !CompareBytes([]byte("30\n\n"), []byte("30")) {
		t.Fatalf("expected byte comparison to match")
	}
}

func TestClassifyPriority(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   Input
		want model.Verdict
	}{
		{"fault wins", Input{Fault: errors.New("daemon gone"), Run: executor.ExecutionResult{TimedOut: true}}, model.VerdictServerError},
		{"compile error", Input{Compile: &executor.CompileResult{OK: false}}, model.VerdictCompilationError},
		{"compile ok", Input{Compile: &executor.CompileResult{OK: true}}, model.VerdictNone},
		{"timeout over memory", Input{Run: executor.ExecutionResult{TimedOut: true, OOMKilled: true}}, model.VerdictTimeLimitExceeded},
		{"memory over runtime", Input{Run: executor.ExecutionResult{ExitCode: 137, MemoryKB: 300 * 1024}, MemoryLimitMB: 256}, model.VerdictMemoryLimitExceeded},
		{"oom killed", Input{Run: executor.ExecutionResult{ExitCode: 137, OOMKilled: true}}, model.VerdictMemoryLimitExceeded},
		{"output cap", Input{Run: executor.ExecutionResult{OutputTruncated: true, ExitCode: 137}}, model.VerdictOutputLimitExceeded},
		{"runtime over wrong", Input{Run: executor.ExecutionResult{ExitCode: 1}, Actual: []byte("x"), Expected: []byte("y")}, model.VerdictRuntimeError},
		{"presentation", Input{Actual: []byte("\r\n"), Expected: []byte("7")}, model.VerdictPresentationError},
		{"wrong answer", Input{Actual: []byte("1\n"), Expected: []byte("7")}, model.VerdictWrongAnswer},
		{"pass", Input{Actual: []byte("7\r\n"), Expected: []byte("7")}, model.VerdictNone},
		{"both empty", Input{Actual: nil, Expected: []byte("\n")}, model.VerdictNone},
	}
	for _, tc := range cases {
		if got := Classify(tc.in); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestClassifyUsesResultMatch(t *testing.T) {
	t.Parallel()
	match, mismatch := true, false
	if got := Classify(Input{ResultsMatch: &match, Actual: []byte("ignored")}); got != model.VerdictNone {
		t.Fatalf("expected pass, got %q", got)
	}
	if got := Classify(Input{ResultsMatch: &mismatch}); got != model.VerdictWrongAnswer {
		t.Fatalf("expected wrong answer, got %q", got)
	}
	if got := Classify(Input{ResultsMatch: &match, Run: executor.ExecutionResult{ExitCode: 1}}); got != model.VerdictRuntimeError {
		t.Fatalf("expected runtime error to win, got %q", got)
	}
}

func TestCompareResultSets(t *testing.T) {
	t.Parallel()
	base := ResultSet{Columns: []string{"id", "name"}, Rows: [][]string{{"1", "ann"}, {"2", "bob"}}}
	same := ResultSet{Columns: []string{"ID", "Name"}, Rows: [][]string{{"1", "ann"}, {"2", "bob"}}}
	if !CompareResultSets(same, base) {
		t.Fatalf("expected equal sets")
	}
	reordered := ResultSet{Columns: base.Columns, Rows: [][]string{{"2", "bob"}, {"1", "ann"}}}
	if CompareResultSets(reordered, base) {
		t.Fatalf("row order must matter")
	}
	if d := Diff(reordered, base); d != "row 1 differs" {
		t.Fatalf("unexpected diff %q", d)
	}
	short := ResultSet{Columns: []string{"id"}, Rows: [][]string{{"1"}}}
	if CompareResultSets(short, base) {
		t.Fatalf("column count must matter")
	}
	if base.String() != "id\tname\n1\tann\n2\tbob" {
		t.Fatalf("unexpected rendering %q", base.String())
	}
}
