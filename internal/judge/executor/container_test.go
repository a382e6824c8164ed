package executor

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/docker/docker/api/types/mount"
)

func newSpecBackend(cfg ContainerConfig) *ContainerBackend {
	cfg.applyDefaults()
	return &ContainerBackend{cfg: cfg}
}

func TestContainerSpecLimits(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		cfg        ContainerConfig
		step       containerStep
		wantCmd    []string
		wantPids   int64
		wantMemory int64
		wantNano   int64
	}{
		{
			name: "compile step writes workspace",
			cfg:  ContainerConfig{CPUs: 2, PidsLimit: 50, User: "1000:1000"},
			step: containerStep{
				image:        "gcc:13",
				argv:         []string{"g++", "main.cpp"},
				workspaceDir: "/work/sub-1",
				readOnly:     false,
				limits:       Limits{MemoryLimitMB: 512, PIDs: 100},
			},
			wantCmd:    []string{"/usr/bin/time", "-v", "-o", "/meta/usage.log", "g++", "main.cpp"},
			wantPids:   50,
			wantMemory: 640 << 20,
			wantNano:   2e9,
		},
		{
			name: "run step with tighter pids",
			cfg:  ContainerConfig{CPUs: 1, PidsLimit: 50},
			step: containerStep{
				image:        "gcc:13",
				argv:         []string{"./main"},
				workspaceDir: "/work/sub-1",
				readOnly:     true,
				limits:       Limits{MemoryLimitMB: 256, PIDs: 8},
			},
			wantCmd:    []string{"/usr/bin/time", "-v", "-o", "/meta/usage.log", "./main"},
			wantPids:   8,
			wantMemory: 320 << 20,
			wantNano:   1e9,
		},
		{
			name: "usage report disabled",
			cfg:  ContainerConfig{DisableUsage: true},
			step: containerStep{
				image:        "python:3.12",
				argv:         []string{"python3", "main.py"},
				workspaceDir: "/work/sub-2",
				readOnly:     true,
			},
			wantCmd:    []string{"python3", "main.py"},
			wantPids:   DefaultPIDsLimit,
			wantMemory: 0,
			wantNano:   1e9,
		},
	}
	for _, tc := range cases {
		b := newSpecBackend(tc.cfg)
		cfg, hostCfg := b.containerSpec(tc.step, "/tmp/meta")

		if !reflect.DeepEqual([]string(cfg.Cmd), tc.wantCmd) {
			t.Fatalf("%s: expected cmd %v, got %v", tc.name, tc.wantCmd, cfg.Cmd)
		}
		if cfg.Image != tc.step.image || cfg.WorkingDir != containerWorkDir || cfg.User != tc.cfg.User {
			t.Fatalf("%s: unexpected config %+v", tc.name, cfg)
		}
		if !cfg.NetworkDisabled || hostCfg.NetworkMode != "none" {
			t.Fatalf("%s: expected network disabled", tc.name)
		}
		if !hostCfg.ReadonlyRootfs {
			t.Fatalf("%s: expected read-only root filesystem", tc.name)
		}
		if !reflect.DeepEqual([]string(hostCfg.CapDrop), []string{"ALL"}) {
			t.Fatalf("%s: expected all capabilities dropped, got %v", tc.name, hostCfg.CapDrop)
		}
		if hostCfg.Resources.PidsLimit == nil || *hostCfg.Resources.PidsLimit != tc.wantPids {
			t.Fatalf("%s: expected pids %d, got %v", tc.name, tc.wantPids, hostCfg.Resources.PidsLimit)
		}
		if hostCfg.Resources.Memory != tc.wantMemory || hostCfg.Resources.MemorySwap != tc.wantMemory {
			t.Fatalf("%s: expected memory and swap %d, got %d and %d", tc.name, tc.wantMemory, hostCfg.Resources.Memory, hostCfg.Resources.MemorySwap)
		}
		if hostCfg.Resources.NanoCPUs != tc.wantNano {
			t.Fatalf("%s: expected nano cpus %d, got %d", tc.name, tc.wantNano, hostCfg.Resources.NanoCPUs)
		}

		if len(hostCfg.Mounts) != 2 {
			t.Fatalf("%s: expected 2 mounts, got %d", tc.name, len(hostCfg.Mounts))
		}
		box := hostCfg.Mounts[0]
		if box.Type != mount.TypeBind || box.Source != tc.step.workspaceDir || box.Target != containerWorkDir {
			t.Fatalf("%s: unexpected workspace mount %+v", tc.name, box)
		}
		if box.ReadOnly != tc.step.readOnly {
			t.Fatalf("%s: expected workspace read-only=%v, got %v", tc.name, tc.step.readOnly, box.ReadOnly)
		}
		if meta := hostCfg.Mounts[1]; meta.Source != "/tmp/meta" || meta.Target != containerMetaDir || meta.ReadOnly {
			t.Fatalf("%s: unexpected meta mount %+v", tc.name, meta)
		}
	}
}

func TestContainerSpecKeepsStepArgv(t *testing.T) {
	t.Parallel()
	b := newSpecBackend(ContainerConfig{})
	argv := []string{"./main", "--fast"}
	b.containerSpec(containerStep{image: "img", argv: argv}, "/tmp/meta")
	if !reflect.DeepEqual(argv, []string{"./main", "--fast"}) {
		t.Fatalf("expected step argv untouched, got %v", argv)
	}
}

const containerUsage = `	Percent of CPU this job got: 87%
	Elapsed (wall clock) time (h:mm:ss or m:ss): 0:00.42
	Maximum resident set size (kbytes): 20480
	Exit status: 0
`

func TestApplyUsageReport(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	report := filepath.Join(dir, usageReportName)
	if err := os.WriteFile(report, []byte(containerUsage), 0o644); err != nil {
		t.Fatalf("write report failed: %v", err)
	}
	b := newSpecBackend(ContainerConfig{})

	cases := []struct {
		name        string
		path        string
		res         ExecutionResult
		wantElapsed int64
		wantMemory  int64
		wantCPU     float64
	}{
		{name: "replaces host wall time", path: report, res: ExecutionResult{ElapsedMs: 1900}, wantElapsed: 420, wantMemory: 20480, wantCPU: 87},
		{name: "keeps wall time of timed out run", path: report, res: ExecutionResult{ElapsedMs: 3000, TimedOut: true}, wantElapsed: 3000, wantMemory: 20480, wantCPU: 87},
		{name: "missing report", path: filepath.Join(dir, "absent.log"), res: ExecutionResult{ElapsedMs: 1900}, wantElapsed: 1900},
	}
	for _, tc := range cases {
		res := tc.res
		b.applyUsageReport(context.Background(), &res, tc.path)
		if res.ElapsedMs != tc.wantElapsed {
			t.Fatalf("%s: expected elapsed %d, got %d", tc.name, tc.wantElapsed, res.ElapsedMs)
		}
		if res.MemoryKB != tc.wantMemory {
			t.Fatalf("%s: expected memory %d, got %d", tc.name, tc.wantMemory, res.MemoryKB)
		}
		if res.CPUPercent != tc.wantCPU {
			t.Fatalf("%s: expected cpu %v, got %v", tc.name, tc.wantCPU, res.CPUPercent)
		}
	}
}

func TestWorkspaceDirMode(t *testing.T) {
	t.Parallel()
	cases := map[string]os.FileMode{
		"":          0o777,
		"1000:1000": 0o777,
		"nobody":    0o777,
		"0":         0o755,
		"0:0":       0o755,
		"root":      0o755,
	}
	for user, want := range cases {
		if got := (ContainerConfig{User: user}).WorkspaceDirMode(); got != want {
			t.Fatalf("user %q: expected %o, got %o", user, want, got)
		}
	}
}
