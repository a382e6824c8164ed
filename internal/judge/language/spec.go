// Package language describes how each supported language is built and run.
package language

import "strings"

// Mode separates ordinary programs from languages judged without file execution.
type Mode string

const (
	ModeProcess Mode = "process"
	ModeSQL     Mode = "sql"
)

// Limits are per-language defaults used when a task does not set its own.
type Limits struct {
	TimeLimitMs      int64 `yaml:"timeLimitMs" json:"time_limit_ms"`
	MemoryLimitMB    int64 `yaml:"memoryLimitMB" json:"memory_limit_mb"`
	CompileTimeoutMs int64 `yaml:"compileTimeoutMs" json:"compile_timeout_ms"`
	CompileMemoryMB  int64 `yaml:"compileMemoryMB" json:"compile_memory_mb"`
}

// Spec defines how to compile and run a language.
// Command templates may reference {src}, {bin} and {dir}.
type Spec struct {
	Code             string   `yaml:"code" json:"code"`
	Name             string   `yaml:"name" json:"name"`
	Mode             Mode     `yaml:"mode" json:"mode"`
	FileExtension    string   `yaml:"fileExtension" json:"file_extension"`
	SourceFile       string   `yaml:"sourceFile" json:"source_file"`
	BinaryFile       string   `yaml:"binaryFile" json:"binary_file,omitempty"`
	NeedsCompile     bool     `yaml:"needsCompile" json:"needs_compile"`
	CompileCommand   string   `yaml:"compileCommand" json:"compile_command,omitempty"`
	RunCommand       string   `yaml:"runCommand" json:"run_command,omitempty"`
	Image            string   `yaml:"image" json:"image,omitempty"`
	Env              []string `yaml:"env" json:"-"`
	SeccompProfile   string   `yaml:"seccompProfile" json:"-"`
	TimeMultiplier   float64  `yaml:"timeMultiplier" json:"time_multiplier,omitempty"`
	MemoryMultiplier float64  `yaml:"memoryMultiplier" json:"memory_multiplier,omitempty"`
	DefaultLimits    Limits   `yaml:"defaultLimits" json:"default_limits"`
}

// IsSQL reports whether submissions are queries rather than programs.
func (s Spec) IsSQL() bool {
	return s.Mode == ModeSQL
}

// SourceName returns the file name the submitted source is stored under.
func (s Spec) SourceName() string {
	if s.SourceFile != "" {
		return s.SourceFile
	}
	ext := strings.TrimPrefix(s.FileExtension, ".")
	if ext == "" {
		return "source"
	}
	return "source." + ext
}

func (s Spec) normalized() Spec {
	s.Code = strings.ToLower(strings.TrimSpace(s.Code))
	if s.Mode == "" {
		s.Mode = ModeProcess
	}
	if s.Name == "" {
		s.Name = s.Code
	}
	if s.SourceFile == "" {
		s.SourceFile = s.SourceName()
	}
	return s
}
