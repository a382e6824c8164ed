//go:build linux

package executor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// runCgroup is a throwaway cgroup v2 leaf for one step. A nil *runCgroup is valid and inert.
type runCgroup struct {
	path string
}

func newRunCgroup(root, submissionID string) (*runCgroup, error) {
	path := filepath.Join(root, "judge-"+sanitizeName(submissionID)+"-"+uuid.NewString()[:8])
	if err := os.Mkdir(path, 0o750); err != nil {
		return nil, err
	}
	return &runCgroup{path: path}, nil
}

func (c *runCgroup) applyLimits(limits Limits) error {
	pids := "max"
	if limits.PIDs > 0 {
		pids = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := c.write("pids.max", pids); err != nil {
		return err
	}
	if limits.MemoryLimitMB > 0 {
		// Headroom above the task limit lets the evaluator see MLE instead of a bare kill.
		bytes := limits.MemoryLimitMB * 1024 * 1024 * 5 / 4
		if err := c.write("memory.max", strconv.FormatInt(bytes, 10)); err != nil {
			return err
		}
		// memory.swap.max is absent when swap accounting is off.
		_ = c.write("memory.swap.max", "0")
	}
	return c.write("cpu.max", "100000 100000")
}

func (c *runCgroup) openFD() (*os.File, error) {
	return os.Open(c.path)
}

func (c *runCgroup) kill() error {
	if c == nil {
		return nil
	}
	return c.write("cgroup.kill", "1")
}

func (c *runCgroup) oomKilled() bool {
	if c == nil {
		return false
	}
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			v, _ := strconv.ParseInt(fields[1], 10, 64)
			return v > 0
		}
	}
	return false
}

func (c *runCgroup) memoryPeakKB() int64 {
	if c == nil {
		return 0
	}
	data, err := os.ReadFile(filepath.Join(c.path, "memory.peak"))
	if err != nil {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return v / 1024
}

func (c *runCgroup) remove() {
	if c == nil {
		return
	}
	_ = c.kill()
	_ = os.Remove(c.path)
}

func (c *runCgroup) write(name, value string) error {
	return os.WriteFile(filepath.Join(c.path, name), []byte(value), 0o640)
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
