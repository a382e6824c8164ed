//go:build linux

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"ojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

type hostStep struct {
	submissionID string
	argv         []string
	dir          string
	env          []string
	stdin        io.Reader
	limits       Limits
	seccomp      string
}

func (b *HostBackend) Compile(ctx context.Context, req CompileRequest) (CompileResult, error) {
	if !req.Language.NeedsCompile {
		return CompileResult{OK: true}, nil
	}
	argv, err := ExpandCommand(req.Language.CompileCommand, req.Language, req.Workspace.Dir())
	if err != nil {
		return CompileResult{}, sandboxFault(err, "expand compile command failed")
	}
	res, err := b.exec(ctx, hostStep{
		submissionID: req.Workspace.SubmissionID(),
		argv:         argv,
		dir:          req.Workspace.Dir(),
		env:          mergeEnv(b.cfg.Env, req.Language.Env),
		limits:       req.Limits,
	})
	out := compileResultFrom(res)
	b.metrics.ObserveCompile(ctx, req.Language.Code, out.OK, res.ElapsedMs, res.MemoryKB)
	return out, err
}

func (b *HostBackend) Run(ctx context.Context, req RunRequest) (ExecutionResult, error) {
	argv, err := ExpandCommand(req.Language.RunCommand, req.Language, req.Workspace.Dir())
	if err != nil {
		return ExecutionResult{}, sandboxFault(err, "expand run command failed")
	}
	input, err := os.Open(req.Workspace.InputPath())
	if err != nil {
		return ExecutionResult{}, sandboxFault(err, "open input failed")
	}
	defer input.Close()

	seccompProfile := ""
	if b.cfg.EnableSeccomp && req.Language.SeccompProfile != "" {
		seccompProfile = req.Language.SeccompProfile
		if !filepath.IsAbs(seccompProfile) && b.cfg.SeccompDir != "" {
			seccompProfile = filepath.Join(b.cfg.SeccompDir, seccompProfile)
		}
	}
	res, err := b.exec(ctx, hostStep{
		submissionID: req.Workspace.SubmissionID(),
		argv:         argv,
		dir:          req.Workspace.Dir(),
		env:          mergeEnv(b.cfg.Env, req.Language.Env),
		stdin:        input,
		limits:       req.Limits,
		seccomp:      seccompProfile,
	})
	b.metrics.ObserveRun(ctx, req.Language.Code, string(res.Failure()), res.ElapsedMs, res.MemoryKB, int64(len(res.Stdout)))
	return res, err
}

func (b *HostBackend) exec(ctx context.Context, step hostStep) (ExecutionResult, error) {
	if len(step.argv) == 0 {
		return ExecutionResult{}, sandboxFault(errors.New("empty command"), "invalid step")
	}

	var cmd *exec.Cmd
	var reqWriter *os.File
	if b.cfg.HelperPath != "" {
		cmd = exec.Command(b.cfg.HelperPath)
		reader, writer, err := os.Pipe()
		if err != nil {
			return ExecutionResult{}, sandboxFault(err, "create helper pipe failed")
		}
		defer reader.Close()
		reqWriter = writer
		cmd.ExtraFiles = []*os.File{reader}
	} else {
		cmd = exec.Command(step.argv[0], step.argv[1:]...)
		cmd.Env = step.env
	}
	cmd.Dir = step.dir
	cmd.Stdin = step.stdin
	cmd.WaitDelay = b.cfg.WaitDelay
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	var cg *runCgroup
	if b.cfg.CgroupRoot != "" {
		var err error
		cg, err = newRunCgroup(b.cfg.CgroupRoot, step.submissionID)
		if err != nil {
			return ExecutionResult{}, sandboxFault(err, "create cgroup failed")
		}
		defer cg.remove()
		if err := cg.applyLimits(step.limits); err != nil {
			return ExecutionResult{}, sandboxFault(err, "apply cgroup limits failed")
		}
		fd, err := cg.openFD()
		if err != nil {
			return ExecutionResult{}, sandboxFault(err, "open cgroup failed")
		}
		defer fd.Close()
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = int(fd.Fd())
	}

	kill := func() {
		if cg != nil {
			_ = cg.kill()
		}
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
	stdout := newCappedBuffer(step.limits.OutputLimitBytes, kill)
	stderr := newCappedBuffer(step.limits.OutputLimitBytes, kill)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if reqWriter != nil {
			_ = reqWriter.Close()
		}
		return ExecutionResult{}, sandboxFault(err, "start %s failed", step.argv[0])
	}
	if reqWriter != nil {
		go func() {
			_ = json.NewEncoder(reqWriter).Encode(b.initRequest(step))
			_ = reqWriter.Close()
		}()
	}

	var timedOut, cancelled atomic.Bool
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(deadline(step.limits.TimeLimitMs, b.cfg.Overhead))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			cancelled.Store(true)
			kill()
		case <-timer.C:
			timedOut.Store(true)
			kill()
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	elapsed := time.Since(start)

	res := ExecutionResult{
		ExitCode:        exitCode(waitErr, cmd.ProcessState),
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		ElapsedMs:       elapsed.Milliseconds(),
		CPUTimeMs:       cpuTimeMs(cmd.ProcessState),
		MemoryKB:        peakMemoryKB(cg, cmd.ProcessState),
		OutputTruncated: stdout.Exceeded() || stderr.Exceeded(),
		OOMKilled:       cg.oomKilled(),
	}
	if timedOut.Load() || (step.limits.TimeLimitMs > 0 && res.ElapsedMs > step.limits.TimeLimitMs) {
		res.TimedOut = true
	}
	if waitErr != nil && errors.Is(waitErr, exec.ErrWaitDelay) {
		logger.Warn(ctx, "process left pipes open after exit", zap.String("cmd", step.argv[0]))
	}
	if cancelled.Load() {
		return res, ctx.Err()
	}
	return res, nil
}

func (b *HostBackend) initRequest(step hostStep) InitRequest {
	cpuMs := int64(0)
	if step.limits.TimeLimitMs > 0 {
		// RLIMIT_CPU is a backstop only; the wall deadline kills first.
		cpuMs = step.limits.TimeLimitMs*2 + b.cfg.Overhead.Milliseconds()
	}
	addressSpace := int64(0)
	if b.cfg.CgroupRoot == "" && step.limits.MemoryLimitMB > 0 {
		// Without a cgroup the address space cap is the only memory bound.
		addressSpace = step.limits.MemoryLimitMB * addressSpaceFactor << 20
	}
	return InitRequest{
		WorkDir:           step.dir,
		Cmd:               step.argv,
		Env:               step.env,
		CPUTimeMs:         cpuMs,
		StackMB:           b.cfg.StackMB,
		FileSizeBytes:     step.limits.OutputLimitBytes * 4,
		Processes:         step.limits.PIDs,
		AddressSpaceBytes: addressSpace,
		SeccompProfile:    step.seccomp,
	}
}

func exitCode(err error, state *os.ProcessState) int {
	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func cpuTimeMs(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	return (state.UserTime() + state.SystemTime()).Milliseconds()
}

// peakMemoryKB prefers the cgroup high-water mark, which covers the whole
// process tree; otherwise the peak RSS of the waited child is used.
func peakMemoryKB(cg *runCgroup, state *os.ProcessState) int64 {
	if v := cg.memoryPeakKB(); v > 0 {
		return v
	}
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss
	}
	return 0
}
