// Package task loads test data for a task from disk or from packed archives in object storage.
//
// A task directory holds input<i>.txt and output<i>.txt with i counted from 0,
// plus an optional task.yaml. Status text shows tests counted from 1.
package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"ojudge/internal/judge/model"
	appErr "ojudge/pkg/errors"

	"gopkg.in/yaml.v3"
)

const (
	// ManifestFileName is the optional per-task settings file.
	ManifestFileName = "task.yaml"
	// DefaultPoints is awarded for a passed test when task.yaml gives no points.
	DefaultPoints = 1
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Repository supplies read-only task data to the orchestrator.
type Repository interface {
	Load(ctx context.Context, taskID string) (model.TaskSpec, error)
}

// Manifest is the task.yaml layout.
type Manifest struct {
	TestCount     int                 `yaml:"test_count"`
	TimeLimitMs   int64               `yaml:"time_limit_ms"`
	MemoryLimitMB int64               `yaml:"memory_limit_mb"`
	Mode          model.ExecutionMode `yaml:"mode"`
	Points        []int               `yaml:"points"`
	SQL           *SQLManifest        `yaml:"sql"`
}

// SQLManifest describes the reference side of an SQL task.
// Inline text wins over the file variants.
type SQLManifest struct {
	SetupScript    string `yaml:"setup_script"`
	SetupFile      string `yaml:"setup_file"`
	ReferenceQuery string `yaml:"reference_query"`
	ReferenceFile  string `yaml:"reference_file"`
}

// InputFileName returns the on-disk name of test index i.
func InputFileName(i int) string {
	return fmt.Sprintf("input%d.txt", i)
}

// OutputFileName returns the on-disk expected output name of test index i.
func OutputFileName(i int) string {
	return fmt.Sprintf("output%d.txt", i)
}

// FileRepository reads tasks from <root>/<task_id>/.
type FileRepository struct {
	root string
}

// NewFileRepository creates a repository rooted at root.
func NewFileRepository(root string) *FileRepository {
	return &FileRepository{root: root}
}

// Load reads and validates one task.
func (r *FileRepository) Load(ctx context.Context, taskID string) (model.TaskSpec, error) {
	if err := validateTaskID(taskID); err != nil {
		return model.TaskSpec{}, err
	}
	return LoadDir(ctx, filepath.Join(r.root, taskID), taskID)
}

// LoadDir reads a task from an explicit directory.
func LoadDir(ctx context.Context, dir, taskID string) (model.TaskSpec, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return model.TaskSpec{}, appErr.Newf(appErr.TaskNotFound, "task %s not found", taskID)
	}

	manifest, err := readManifest(dir)
	if err != nil {
		return model.TaskSpec{}, err
	}
	if !manifest.Mode.Valid() {
		return model.TaskSpec{}, appErr.Newf(appErr.TaskDataInvalid, "unknown execution mode %q", manifest.Mode)
	}

	spec := model.TaskSpec{
		TaskID:        taskID,
		TimeLimitMs:   manifest.TimeLimitMs,
		MemoryLimitMB: manifest.MemoryLimitMB,
		Mode:          manifest.Mode,
	}
	if manifest.SQL != nil {
		sqlTask, err := loadSQL(dir, manifest.SQL)
		if err != nil {
			return model.TaskSpec{}, err
		}
		spec.SQL = sqlTask
	}

	count := manifest.TestCount
	if count <= 0 {
		count = countInputs(dir)
	}
	if count <= 0 && spec.SQL != nil {
		// An SQL task without per-test setup has a single test on the shared setup script.
		count = 1
	}
	if count <= 0 {
		return model.TaskSpec{}, appErr.Newf(appErr.TaskDataInvalid, "task %s has no tests", taskID)
	}
	if len(manifest.Points) > 0 && len(manifest.Points) != count {
		return model.TaskSpec{}, appErr.Newf(appErr.TaskDataInvalid, "task %s lists %d points for %d tests", taskID, len(manifest.Points), count)
	}

	spec.TestCount = count
	spec.Tests = make([]model.TestCase, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return model.TaskSpec{}, err
		}
		tc := model.TestCase{Index: i, Points: DefaultPoints}
		if len(manifest.Points) > 0 {
			tc.Points = manifest.Points[i]
		}
		input, err := readOptional(filepath.Join(dir, InputFileName(i)))
		if err != nil {
			return model.TaskSpec{}, err
		}
		expected, err := readOptional(filepath.Join(dir, OutputFileName(i)))
		if err != nil {
			return model.TaskSpec{}, err
		}
		if spec.SQL == nil {
			if input == nil {
				return model.TaskSpec{}, appErr.Newf(appErr.TaskDataInvalid, "task %s is missing %s", taskID, InputFileName(i))
			}
			if expected == nil {
				return model.TaskSpec{}, appErr.Newf(appErr.TaskDataInvalid, "task %s is missing %s", taskID, OutputFileName(i))
			}
		}
		tc.Input = input
		tc.Expected = expected
		spec.Tests = append(spec.Tests, tc)
	}
	return spec, nil
}

func validateTaskID(taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return appErr.ValidationError("task_id", "required")
	}
	if !taskIDPattern.MatchString(taskID) || taskID == "." || taskID == ".." {
		return appErr.ValidationError("task_id", "invalid characters")
	}
	return nil
}

func readManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, nil
		}
		return m, appErr.Wrapf(err, appErr.TaskDataInvalid, "read %s failed", ManifestFileName)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, appErr.Wrapf(err, appErr.TaskDataInvalid, "parse %s failed", ManifestFileName)
	}
	return m, nil
}

func loadSQL(dir string, m *SQLManifest) (*model.SQLTask, error) {
	out := &model.SQLTask{SetupScript: m.SetupScript, ReferenceQuery: m.ReferenceQuery}
	if out.SetupScript == "" && m.SetupFile != "" {
		data, err := readTaskFile(dir, m.SetupFile)
		if err != nil {
			return nil, err
		}
		out.SetupScript = string(data)
	}
	if out.ReferenceQuery == "" && m.ReferenceFile != "" {
		data, err := readTaskFile(dir, m.ReferenceFile)
		if err != nil {
			return nil, err
		}
		out.ReferenceQuery = string(data)
	}
	if strings.TrimSpace(out.ReferenceQuery) == "" {
		return nil, appErr.New(appErr.TaskDataInvalid).WithMessage("sql task requires a reference query")
	}
	return out, nil
}

func readTaskFile(dir, name string) ([]byte, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, appErr.Newf(appErr.TaskDataInvalid, "invalid task file %q", name)
	}
	data, err := os.ReadFile(filepath.Join(dir, clean))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.TaskDataInvalid, "read %s failed", name)
	}
	return data, nil
}

// readOptional returns nil, nil when the file does not exist.
func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.TaskDataInvalid, "read %s failed", filepath.Base(path))
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// countInputs counts consecutive input<i>.txt files starting at 0.
func countInputs(dir string) int {
	n := 0
	for {
		if _, err := os.Stat(filepath.Join(dir, InputFileName(n))); err != nil {
			return n
		}
		n++
	}
}
