//go:build linux

package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"ojudge/internal/judge/language"
	"ojudge/internal/judge/workspace"
)

var shellLang = language.Spec{
	Code:       "sh",
	Mode:       language.ModeProcess,
	SourceFile: "main.sh",
	RunCommand: "sh {src}",
}

func newShellWorkspace(t *testing.T, script string) *workspace.Workspace {
	t.Helper()
	mgr, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	ws, err := mgr.Create("sub-1")
	if err != nil {
		t.Fatalf("create workspace failed: %v", err)
	}
	t.Cleanup(func() { _ = ws.Destroy() })
	if err := ws.WriteSource(shellLang, script); err != nil {
		t.Fatalf("write source failed: %v", err)
	}
	return ws
}

func newTestHost() *HostBackend {
	return NewHostBackend(HostConfig{Overhead: 100 * time.Millisecond}, nil)
}

func TestHostRunEchoesInput(t *testing.T) {
	t.Parallel()
	ws := newShellWorkspace(t, "read a b\necho $((a + b))\n")
	res, err := Run(context.Background(), newTestHost(), shellLang, ws, []byte("2 3\n"), Limits{TimeLimitMs: 2000, OutputLimitBytes: 1024})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Failure() != FailureNone {
		t.Fatalf("expected success, got %q (stderr %q)", res.Failure(), res.Stderr)
	}
	if string(res.Stdout) != "5\n" {
		t.Fatalf("unexpected stdout %q", res.Stdout)
	}
	out, err := ws.ReadOutput()
	if err != nil || string(out) != "5\n" {
		t.Fatalf("expected output file to hold stdout, got %q err=%v", out, err)
	}
}

func TestHostRunReportsExitCode(t *testing.T) {
	t.Parallel()
	ws := newShellWorkspace(t, "echo boom >&2\nexit 3\n")
	res, err := Run(context.Background(), newTestHost(), shellLang, ws, nil, Limits{TimeLimitMs: 2000})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.ExitCode != 3 || res.Failure() != FailureRuntimeError {
		t.Fatalf("expected runtime error with code 3, got %+v", res)
	}
	if !strings.Contains(string(res.Stderr), "boom") {
		t.Fatalf("expected stderr captured, got %q", res.Stderr)
	}
}

func TestHostRunTimesOut(t *testing.T) {
	t.Parallel()
	ws := newShellWorkspace(t, "sleep 5\n")
	start := time.Now()
	res, err := Run(context.Background(), newTestHost(), shellLang, ws, nil, Limits{TimeLimitMs: 200})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !res.TimedOut || res.Failure() != FailureTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("process was not killed promptly")
	}
}

func TestHostRunCapsOutput(t *testing.T) {
	t.Parallel()
	ws := newShellWorkspace(t, "while true; do echo aaaaaaaaaaaaaaaa; done\n")
	res, err := Run(context.Background(), newTestHost(), shellLang, ws, nil, Limits{TimeLimitMs: 5000, OutputLimitBytes: 1024})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !res.OutputTruncated || res.Failure() != FailureOutputTooLarge {
		t.Fatalf("expected output cap, got truncated=%v timedOut=%v", res.OutputTruncated, res.TimedOut)
	}
	if len(res.Stdout) != 1024 {
		t.Fatalf("expected exactly the cap retained, got %d bytes", len(res.Stdout))
	}
}

func TestHostRunCancelled(t *testing.T) {
	t.Parallel()
	ws := newShellWorkspace(t, "sleep 5\n")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := Run(ctx, newTestHost(), shellLang, ws, nil, Limits{TimeLimitMs: 4000})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHostCompileFailure(t *testing.T) {
	t.Parallel()
	lang := shellLang
	lang.NeedsCompile = true
	lang.CompileCommand = "sh -c \"echo syntax error at {src} >&2; exit 1\""
	ws := newShellWorkspace(t, "")
	res, err := newTestHost().Compile(context.Background(), CompileRequest{Language: lang, Workspace: ws, Limits: Limits{TimeLimitMs: 2000}})
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if res.OK || !strings.Contains(res.Stderr, "syntax error") {
		t.Fatalf("expected compile error with diagnostics, got %+v", res)
	}
}

func TestHostStartFailureIsSandboxFault(t *testing.T) {
	t.Parallel()
	lang := shellLang
	lang.RunCommand = "/nonexistent/interpreter {src}"
	ws := newShellWorkspace(t, "")
	_, err := Run(context.Background(), newTestHost(), lang, ws, nil, Limits{TimeLimitMs: 1000})
	if err == nil {
		t.Fatalf("expected sandbox fault")
	}
}

func TestInitRequestAddressSpace(t *testing.T) {
	t.Parallel()
	step := hostStep{argv: []string{"./main"}, dir: "/tmp", limits: Limits{MemoryLimitMB: 128, PIDs: 4}}

	req := newTestHost().initRequest(step)
	if req.AddressSpaceBytes != 256<<20 {
		t.Fatalf("expected 256MiB address space, got %d", req.AddressSpaceBytes)
	}

	withCgroup := NewHostBackend(HostConfig{CgroupRoot: "/sys/fs/cgroup/ojudge"}, nil)
	if got := withCgroup.initRequest(step).AddressSpaceBytes; got != 0 {
		t.Fatalf("expected cgroup to own the memory bound, got %d", got)
	}
}
