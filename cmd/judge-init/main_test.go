//go:build linux

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	"ojudge/internal/judge/executor"
)

func TestDecodeAndValidateRequest(t *testing.T) {
	req, err := decodeRequest(strings.NewReader(`{"work_dir":"/tmp/ws","cmd":["./main"],"cpu_time_ms":1500,"processes":8}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if err := validateRequest(req); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if err := validateRequest(executor.InitRequest{WorkDir: "/tmp"}); err == nil {
		t.Fatalf("expected missing command error")
	}
	if err := validateRequest(executor.InitRequest{Cmd: []string{"ls"}}); err == nil {
		t.Fatalf("expected missing work dir error")
	}
}

func TestRlimitsFor(t *testing.T) {
	limits := rlimitsFor(executor.InitRequest{CPUTimeMs: 1500, StackMB: 64, FileSizeBytes: 1024, Processes: 4})
	got := make(map[int]uint64, len(limits))
	for _, lim := range limits {
		got[lim.resource] = lim.value
	}
	if got[unix.RLIMIT_CPU] != 2 {
		t.Fatalf("expected cpu limit rounded up to 2s, got %d", got[unix.RLIMIT_CPU])
	}
	if got[unix.RLIMIT_STACK] != 64<<20 {
		t.Fatalf("unexpected stack limit %d", got[unix.RLIMIT_STACK])
	}
	if got[unix.RLIMIT_NPROC] != 4 {
		t.Fatalf("unexpected nproc limit %d", got[unix.RLIMIT_NPROC])
	}
	if v, ok := got[unix.RLIMIT_CORE]; !ok || v != 0 {
		t.Fatalf("expected core dumps disabled")
	}
	if _, ok := got[unix.RLIMIT_AS]; ok {
		t.Fatalf("expected no address space limit when unset")
	}
}

func TestRlimitsForAddressSpace(t *testing.T) {
	limits := rlimitsFor(executor.InitRequest{AddressSpaceBytes: 512 << 20})
	for _, lim := range limits {
		if lim.resource == unix.RLIMIT_AS {
			if lim.value != 512<<20 {
				t.Fatalf("expected 512MiB address space, got %d", lim.value)
			}
			return
		}
	}
	t.Fatalf("expected RLIMIT_AS in %v", limits)
}

func TestBuildEnvAddsPath(t *testing.T) {
	env := buildEnv([]string{"LANG=C"})
	if len(env) != 2 || !strings.HasPrefix(env[1], "PATH=") {
		t.Fatalf("expected default PATH, got %v", env)
	}
	env = buildEnv([]string{"PATH=/opt/bin"})
	if len(env) != 1 {
		t.Fatalf("expected PATH to be kept, got %v", env)
	}
}

func TestParseSeccompAction(t *testing.T) {
	if action, err := parseSeccompAction("scmp_act_allow"); err != nil || action != seccomp.ActAllow {
		t.Fatalf("expected allow, got %v, %v", action, err)
	}
	if _, err := parseSeccompAction("SCMP_ACT_TRACE"); err == nil {
		t.Fatalf("expected unsupported action error")
	}
}

func TestLoadSeccompConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.json")
	profile := `{"defaultAction":"SCMP_ACT_KILL","syscalls":[{"names":["read","write"],"action":"SCMP_ACT_ALLOW"}]}`
	if err := os.WriteFile(path, []byte(profile), 0o644); err != nil {
		t.Fatalf("write profile failed: %v", err)
	}
	cfg, err := loadSeccompConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.DefaultAction != "SCMP_ACT_KILL" || len(cfg.Syscalls) != 1 || len(cfg.Syscalls[0].Names) != 2 {
		t.Fatalf("unexpected profile %+v", cfg)
	}
}
