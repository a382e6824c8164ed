// Package workspace owns the per-submission scratch directories.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"ojudge/internal/judge/language"
	appErr "ojudge/pkg/errors"

	"github.com/google/uuid"
)

const (
	InputFileName  = "input.txt"
	OutputFileName = "output.txt"

	defaultDirMode = 0o755
	maxIDPrefixLen = 48
)

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Manager allocates workspaces under an injected root directory.
type Manager struct {
	root    string
	dirMode os.FileMode
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDirMode sets the permission bits of created workspace directories.
// Container backends running as an unprivileged user need a world-writable directory.
func WithDirMode(mode os.FileMode) Option {
	return func(m *Manager) {
		m.dirMode = mode
	}
}

// NewManager creates the root if needed.
func NewManager(root string, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, appErr.ValidationError("work_root", "required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceIOError, "resolve work root failed")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceIOError, "create work root failed")
	}
	m := &Manager{root: abs, dirMode: defaultDirMode}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Root returns the absolute root directory.
func (m *Manager) Root() string {
	return m.root
}

// Create allocates a fresh directory for one judging attempt.
// The name mixes the submission id with a random uuid so that concurrent
// attempts for the same or numerically colliding ids never share a directory.
func (m *Manager) Create(submissionID string) (*Workspace, error) {
	if strings.TrimSpace(submissionID) == "" {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	prefix := unsafeIDChars.ReplaceAllString(submissionID, "_")
	if len(prefix) > maxIDPrefixLen {
		prefix = prefix[:maxIDPrefixLen]
	}
	dir := filepath.Join(m.root, fmt.Sprintf("%s-%s", prefix, uuid.NewString()))
	// Mkdir, not MkdirAll: an existing directory is an error, never a shared one.
	if err := os.Mkdir(dir, m.dirMode); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceIOError, "create workspace failed")
	}
	if err := os.Chmod(dir, m.dirMode); err != nil {
		_ = os.RemoveAll(dir)
		return nil, appErr.Wrapf(err, appErr.WorkspaceIOError, "chmod workspace failed")
	}
	return &Workspace{dir: dir, submissionID: submissionID}, nil
}

// Workspace is a directory exclusively owned by one orchestrator run.
type Workspace struct {
	dir          string
	submissionID string

	once       sync.Once
	destroyErr error
}

// Dir returns the absolute workspace path.
func (w *Workspace) Dir() string {
	return w.dir
}

// SubmissionID returns the submission that owns the workspace.
func (w *Workspace) SubmissionID() string {
	return w.submissionID
}

// Path joins a file name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// InputPath is where the current test's input lives.
func (w *Workspace) InputPath() string {
	return w.Path(InputFileName)
}

// OutputPath is where the current run's stdout is written.
func (w *Workspace) OutputPath() string {
	return w.Path(OutputFileName)
}

// WriteSource stores the submitted code under the language's file name.
func (w *Workspace) WriteSource(lang language.Spec, code string) error {
	name := lang.SourceName()
	if err := os.WriteFile(w.Path(name), []byte(code), 0o644); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceIOError, "write source failed")
	}
	return nil
}

// WriteInput replaces the current input and clears the previous output.
func (w *Workspace) WriteInput(input []byte) error {
	if err := os.WriteFile(w.InputPath(), input, 0o644); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceIOError, "write input failed")
	}
	if err := os.Remove(w.OutputPath()); err != nil && !os.IsNotExist(err) {
		return appErr.Wrapf(err, appErr.WorkspaceIOError, "reset output failed")
	}
	return nil
}

// WriteOutput persists a run's captured stdout.
func (w *Workspace) WriteOutput(output []byte) error {
	if err := os.WriteFile(w.OutputPath(), output, 0o644); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceIOError, "write output failed")
	}
	return nil
}

// ReadOutput returns the last run's stdout. A run that printed nothing yields an empty slice.
func (w *Workspace) ReadOutput() ([]byte, error) {
	data, err := os.ReadFile(w.OutputPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []byte{}, nil
		}
		return nil, appErr.Wrapf(err, appErr.WorkspaceIOError, "read output failed")
	}
	return data, nil
}

// Destroy removes the directory. Safe to call more than once.
func (w *Workspace) Destroy() error {
	w.once.Do(func() {
		if err := os.RemoveAll(w.dir); err != nil {
			w.destroyErr = appErr.Wrapf(err, appErr.WorkspaceIOError, "destroy workspace failed")
		}
	})
	return w.destroyErr
}

// Open wraps an existing directory that the caller owns. Destroy on it still removes the directory.
func Open(dir, submissionID string) (*Workspace, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceIOError, "open workspace failed")
	}
	if !info.IsDir() {
		return nil, appErr.Newf(appErr.WorkspaceIOError, "%s is not a directory", dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceIOError, "resolve workspace failed")
	}
	return &Workspace{dir: abs, submissionID: submissionID}, nil
}
