package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ojudge/internal/judge/observer"
	"ojudge/pkg/utils/logger"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

const (
	containerWorkDir = "/box"
	containerMetaDir = "/meta"
	usageReportName  = "usage.log"
)

// ContainerConfig configures the docker backend.
type ContainerConfig struct {
	// Host overrides DOCKER_HOST.
	Host             string        `yaml:"host"`
	CPUs             float64       `yaml:"cpus"`
	PidsLimit        int64         `yaml:"pidsLimit"`
	User             string        `yaml:"user"`
	DefaultImage     string        `yaml:"defaultImage"`
	TimeBinary       string        `yaml:"timeBinary"`
	DisableUsage     bool          `yaml:"disableUsageReport"`
	TmpfsSize        string        `yaml:"tmpfsSize"`
	MetaRoot         string        `yaml:"metaRoot"`
	OutputLimitBytes int64         `yaml:"outputLimitBytes"`
	Overhead         time.Duration `yaml:"overhead"`
	TeardownTimeout  time.Duration `yaml:"teardownTimeout"`
	Env              []string      `yaml:"env"`
}

func (c *ContainerConfig) applyDefaults() {
	if c.CPUs <= 0 {
		c.CPUs = 1
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = DefaultPIDsLimit
	}
	if c.TimeBinary == "" {
		c.TimeBinary = "/usr/bin/time"
	}
	if c.TmpfsSize == "" {
		c.TmpfsSize = "64m"
	}
	if c.OutputLimitBytes <= 0 {
		c.OutputLimitBytes = DefaultOutputLimitBytes
	}
	if c.Overhead <= 0 {
		// Container start adds latency on top of the process itself.
		c.Overhead = 2 * time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 10 * time.Second
	}
}

// WorkspaceDirMode is the mode workspace directories need so the container
// user can write build output into the bind-mounted workspace. Only an explicit
// root user can do with the default mode.
func (c ContainerConfig) WorkspaceDirMode() os.FileMode {
	uid, _, _ := strings.Cut(strings.TrimSpace(c.User), ":")
	if uid == "0" || uid == "root" {
		return 0o755
	}
	return 0o777
}

// ContainerBackend runs every step in a fresh, resource-capped container.
type ContainerBackend struct {
	cfg     ContainerConfig
	cli     *client.Client
	metrics observer.MetricsRecorder
}

// NewContainerBackend connects to the docker daemon.
func NewContainerBackend(cfg ContainerConfig, metrics observer.MetricsRecorder) (*ContainerBackend, error) {
	cfg.applyDefaults()
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, sandboxFault(err, "create docker client failed")
	}
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	return &ContainerBackend{cfg: cfg, cli: cli, metrics: metrics}, nil
}

func (b *ContainerBackend) Name() string {
	return "container"
}

// Ping checks that the daemon answers.
func (b *ContainerBackend) Ping(ctx context.Context) error {
	if _, err := b.cli.Ping(ctx); err != nil {
		return sandboxFault(err, "docker daemon unreachable")
	}
	return nil
}

// Close releases the daemon connection.
func (b *ContainerBackend) Close() error {
	return b.cli.Close()
}

type containerStep struct {
	image        string
	argv         []string
	env          []string
	workspaceDir string
	readOnly     bool
	stdin        io.Reader
	limits       Limits
}

func (b *ContainerBackend) Compile(ctx context.Context, req CompileRequest) (CompileResult, error) {
	if !req.Language.NeedsCompile {
		return CompileResult{OK: true}, nil
	}
	argv, err := ExpandCommand(req.Language.CompileCommand, req.Language, containerWorkDir)
	if err != nil {
		return CompileResult{}, sandboxFault(err, "expand compile command failed")
	}
	res, err := b.exec(ctx, containerStep{
		image:        b.image(req.Language.Image),
		argv:         argv,
		env:          mergeEnv(b.cfg.Env, req.Language.Env),
		workspaceDir: req.Workspace.Dir(),
		readOnly:     false,
		limits:       req.Limits,
	})
	out := compileResultFrom(res)
	b.metrics.ObserveCompile(ctx, req.Language.Code, out.OK, res.ElapsedMs, res.MemoryKB)
	return out, err
}

func (b *ContainerBackend) Run(ctx context.Context, req RunRequest) (ExecutionResult, error) {
	argv, err := ExpandCommand(req.Language.RunCommand, req.Language, containerWorkDir)
	if err != nil {
		return ExecutionResult{}, sandboxFault(err, "expand run command failed")
	}
	input, err := os.Open(req.Workspace.InputPath())
	if err != nil {
		return ExecutionResult{}, sandboxFault(err, "open input failed")
	}
	defer input.Close()

	res, err := b.exec(ctx, containerStep{
		image:        b.image(req.Language.Image),
		argv:         argv,
		env:          mergeEnv(b.cfg.Env, req.Language.Env),
		workspaceDir: req.Workspace.Dir(),
		readOnly:     true,
		stdin:        input,
		limits:       req.Limits,
	})
	b.metrics.ObserveRun(ctx, req.Language.Code, string(res.Failure()), res.ElapsedMs, res.MemoryKB, int64(len(res.Stdout)))
	return res, err
}

func (b *ContainerBackend) image(langImage string) string {
	if langImage != "" {
		return langImage
	}
	return b.cfg.DefaultImage
}

func (b *ContainerBackend) exec(ctx context.Context, step containerStep) (ExecutionResult, error) {
	if step.image == "" {
		return ExecutionResult{}, sandboxFault(fmt.Errorf("no image for %s", step.argv[0]), "invalid step")
	}
	metaDir, err := os.MkdirTemp(b.cfg.MetaRoot, "ojudge-meta-")
	if err != nil {
		return ExecutionResult{}, sandboxFault(err, "create meta dir failed")
	}
	defer os.RemoveAll(metaDir)
	if err := os.Chmod(metaDir, 0o777); err != nil {
		return ExecutionResult{}, sandboxFault(err, "chmod meta dir failed")
	}

	cfg, hostCfg := b.containerSpec(step, metaDir)
	created, err := b.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return ExecutionResult{}, sandboxFault(err, "create container failed")
	}
	defer b.remove(ctx, created.ID)

	attach, err := b.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return ExecutionResult{}, sandboxFault(err, "attach container failed")
	}
	defer attach.Close()

	overflow := make(chan struct{})
	var overflowOnce sync.Once
	onOverflow := func() { overflowOnce.Do(func() { close(overflow) }) }
	stdout := newCappedBuffer(step.limits.OutputLimitBytes, onOverflow)
	stderr := newCappedBuffer(step.limits.OutputLimitBytes, onOverflow)
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
	}()

	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return ExecutionResult{}, sandboxFault(err, "start container failed")
	}
	start := time.Now()
	go func() {
		if step.stdin != nil {
			_, _ = io.Copy(attach.Conn, step.stdin)
		}
		_ = attach.CloseWrite()
	}()

	waitCh, errCh := b.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	timer := time.NewTimer(deadline(step.limits.TimeLimitMs, b.cfg.Overhead))
	defer timer.Stop()

	var timedOut, cancelled, exited bool
	exitCode := 0
	select {
	case st := <-waitCh:
		exited = true
		exitCode = int(st.StatusCode)
	case err := <-errCh:
		if ctx.Err() == nil {
			return ExecutionResult{}, sandboxFault(err, "wait container failed")
		}
		cancelled = true
	case <-ctx.Done():
		cancelled = true
	case <-timer.C:
		timedOut = true
	case <-overflow:
	}
	elapsed := time.Since(start)

	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.TeardownTimeout)
	defer cancel()
	if !exited {
		if err := b.cli.ContainerKill(teardownCtx, created.ID, "KILL"); err != nil {
			logger.Warn(ctx, "kill container failed", zap.String("container", created.ID), zap.Error(err))
		}
		stopCh, stopErrCh := b.cli.ContainerWait(teardownCtx, created.ID, container.WaitConditionNotRunning)
		select {
		case st := <-stopCh:
			exitCode = int(st.StatusCode)
		case err := <-stopErrCh:
			return ExecutionResult{}, sandboxFault(err, "container did not stop after kill")
		}
	}
	select {
	case <-copyDone:
	case <-teardownCtx.Done():
		logger.Warn(ctx, "container output drain timed out", zap.String("container", created.ID))
	}

	res := ExecutionResult{
		ExitCode:        exitCode,
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		ElapsedMs:       elapsed.Milliseconds(),
		TimedOut:        timedOut,
		OutputTruncated: stdout.Exceeded() || stderr.Exceeded(),
	}
	if info, err := b.cli.ContainerInspect(teardownCtx, created.ID); err == nil && info.ContainerJSONBase != nil && info.State != nil {
		res.OOMKilled = info.State.OOMKilled
	}
	if !b.cfg.DisableUsage {
		b.applyUsageReport(ctx, &res, filepath.Join(metaDir, usageReportName))
	}
	if step.limits.TimeLimitMs > 0 && res.ElapsedMs > step.limits.TimeLimitMs {
		res.TimedOut = true
	}
	if cancelled {
		return res, ctx.Err()
	}
	return res, nil
}

// applyUsageReport replaces the host-side wall time, which includes container
// start latency, with the wrapper's own measurement.
func (b *ContainerBackend) applyUsageReport(ctx context.Context, res *ExecutionResult, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !res.TimedOut {
			logger.Debug(ctx, "usage report missing", zap.String("path", path), zap.Error(err))
		}
		return
	}
	rep, ok := ParseUsageReport(string(data))
	if !ok {
		return
	}
	res.MemoryKB = rep.MaxRSSKB
	res.CPUPercent = rep.CPUPercent
	if !res.TimedOut && rep.Elapsed > 0 {
		res.ElapsedMs = rep.Elapsed.Milliseconds()
	}
}

func (b *ContainerBackend) containerSpec(step containerStep, metaDir string) (*container.Config, *container.HostConfig) {
	cmd := step.argv
	if !b.cfg.DisableUsage {
		cmd = append([]string{b.cfg.TimeBinary, "-v", "-o", containerMetaDir + "/" + usageReportName}, step.argv...)
	}
	cfg := &container.Config{
		Image:           step.image,
		Cmd:             cmd,
		Env:             step.env,
		WorkingDir:      containerWorkDir,
		User:            b.cfg.User,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       true,
		NetworkDisabled: true,
	}

	pids := b.cfg.PidsLimit
	if step.limits.PIDs > 0 && step.limits.PIDs < pids {
		pids = step.limits.PIDs
	}
	resources := container.Resources{
		NanoCPUs:  int64(b.cfg.CPUs * 1e9),
		PidsLimit: &pids,
	}
	if step.limits.MemoryLimitMB > 0 {
		// Headroom above the task limit lets the evaluator report MLE from the peak.
		mem := step.limits.MemoryLimitMB * 1024 * 1024 * 5 / 4
		resources.Memory = mem
		resources.MemorySwap = mem
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		AutoRemove:     false,
		Resources:      resources,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Tmpfs:          map[string]string{"/tmp": "rw,exec,size=" + b.cfg.TmpfsSize},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: step.workspaceDir, Target: containerWorkDir, ReadOnly: step.readOnly},
			{Type: mount.TypeBind, Source: metaDir, Target: containerMetaDir},
		},
	}
	return cfg, hostCfg
}

func (b *ContainerBackend) remove(ctx context.Context, id string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.TeardownTimeout)
	defer cancel()
	if err := b.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
		logger.Warn(ctx, "remove container failed", zap.String("container", id), zap.Error(err))
	}
}
