//go:build linux

// Command judge-init is exec'd by the host backend in place of a judged program.
// It reads an executor.InitRequest from fd 3, restricts itself and then execs the
// program, which inherits the limits along with the backend's stdio pipes.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	"ojudge/internal/judge/executor"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "judge-init: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	reqFile := os.NewFile(uintptr(executor.InitRequestFD), "init-request")
	if reqFile == nil {
		return fmt.Errorf("request descriptor %d is not open", executor.InitRequestFD)
	}
	req, err := decodeRequest(reqFile)
	_ = reqFile.Close()
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := applyRlimits(req); err != nil {
		return err
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}

	env := buildEnv(req.Env)
	cmdPath, err := lookPath(req.Cmd[0], env)
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}
	// The filter goes last: after it only the judged program's own syscalls matter.
	if req.SeccompProfile != "" {
		if err := applySeccomp(req.SeccompProfile); err != nil {
			return err
		}
	}
	return unix.Exec(cmdPath, req.Cmd, env)
}

func decodeRequest(r io.Reader) (executor.InitRequest, error) {
	var req executor.InitRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return executor.InitRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req executor.InitRequest) error {
	if len(req.Cmd) == 0 || req.Cmd[0] == "" {
		return fmt.Errorf("command is required")
	}
	if req.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	return nil
}

type rlimit struct {
	resource int
	value    uint64
	name     string
}

func rlimitsFor(req executor.InitRequest) []rlimit {
	var out []rlimit
	if req.CPUTimeMs > 0 {
		out = append(out, rlimit{unix.RLIMIT_CPU, uint64((req.CPUTimeMs + 999) / 1000), "cpu"})
	}
	if req.FileSizeBytes > 0 {
		out = append(out, rlimit{unix.RLIMIT_FSIZE, uint64(req.FileSizeBytes), "fsize"})
	}
	if req.StackMB > 0 {
		out = append(out, rlimit{unix.RLIMIT_STACK, uint64(req.StackMB) << 20, "stack"})
	}
	if req.Processes > 0 {
		out = append(out, rlimit{unix.RLIMIT_NPROC, uint64(req.Processes), "nproc"})
	}
	if req.AddressSpaceBytes > 0 {
		out = append(out, rlimit{unix.RLIMIT_AS, uint64(req.AddressSpaceBytes), "as"})
	}
	out = append(out, rlimit{unix.RLIMIT_CORE, 0, "core"})
	return out
}

func applyRlimits(req executor.InitRequest) error {
	for _, lim := range rlimitsFor(req) {
		if err := unix.Setrlimit(lim.resource, &unix.Rlimit{Cur: lim.value, Max: lim.value}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", lim.name, err)
		}
	}
	return nil
}

func buildEnv(env []string) []string {
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			return env
		}
	}
	return append(env, "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}

// lookPath resolves name against the PATH of the program's environment, not ours.
func lookPath(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			if err := os.Setenv("PATH", strings.TrimPrefix(kv, "PATH=")); err != nil {
				return "", err
			}
			break
		}
	}
	return exec.LookPath(name)
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func loadSeccompConfig(path string) (seccompConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return seccompConfig{}, fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return seccompConfig{}, fmt.Errorf("parse seccomp profile: %w", err)
	}
	return cfg, nil
}

func applySeccomp(profilePath string) error {
	cfg, err := loadSeccompConfig(profilePath)
	if err != nil {
		return err
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Profiles are shared across kernels; unknown names are skipped.
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
