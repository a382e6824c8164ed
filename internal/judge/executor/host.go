package executor

import (
	"time"

	"ojudge/internal/judge/observer"
)

// addressSpaceFactor scales the memory limit into RLIMIT_AS when no cgroup is configured.
const addressSpaceFactor = 2

// HostConfig configures the host-process backend.
type HostConfig struct {
	// HelperPath points at judge-init. Empty means the program is spawned directly.
	HelperPath string `yaml:"helperPath"`
	// SeccompDir resolves relative seccomp profile names of languages.
	SeccompDir    string `yaml:"seccompDir"`
	EnableSeccomp bool   `yaml:"enableSeccomp"`
	// CgroupRoot is a delegated cgroup v2 directory. Empty disables cgroup limits.
	CgroupRoot       string        `yaml:"cgroupRoot"`
	OutputLimitBytes int64         `yaml:"outputLimitBytes"`
	StackMB          int64         `yaml:"stackMB"`
	Overhead         time.Duration `yaml:"overhead"`
	WaitDelay        time.Duration `yaml:"waitDelay"`
	Env              []string      `yaml:"env"`
}

func (c *HostConfig) applyDefaults() {
	if c.OutputLimitBytes <= 0 {
		c.OutputLimitBytes = DefaultOutputLimitBytes
	}
	if c.Overhead <= 0 {
		c.Overhead = DefaultOverhead
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = time.Second
	}
	if c.StackMB <= 0 {
		c.StackMB = 256
	}
}

// HostBackend spawns compilers and programs as child processes of the judge.
type HostBackend struct {
	cfg     HostConfig
	metrics observer.MetricsRecorder
}

// NewHostBackend creates a host backend.
func NewHostBackend(cfg HostConfig, metrics observer.MetricsRecorder) *HostBackend {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	return &HostBackend{cfg: cfg, metrics: metrics}
}

func (b *HostBackend) Name() string {
	return "host"
}
