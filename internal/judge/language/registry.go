package language

import (
	"fmt"
	"sort"
	"strings"

	appErr "ojudge/pkg/errors"
)

// Registry is an immutable lookup of language specs, built once at startup.
type Registry struct {
	specs map[string]Spec
}

// NewRegistry validates specs and indexes them by code.
func NewRegistry(specs ...Spec) (*Registry, error) {
	index := make(map[string]Spec, len(specs))
	for _, raw := range specs {
		spec := raw.normalized()
		if err := validate(spec); err != nil {
			return nil, err
		}
		if _, exists := index[spec.Code]; exists {
			return nil, appErr.Newf(appErr.InvalidParams, "duplicate language code: %s", spec.Code)
		}
		index[spec.Code] = spec
	}
	return &Registry{specs: index}, nil
}

// Merge overlays overrides on top of base by code. Only the fields an override
// sets replace the earlier spec, so a config entry may just change the image or
// the limits of a builtin. NeedsCompile can be switched on but not off.
func Merge(base []Spec, overrides []Spec) []Spec {
	order := make([]string, 0, len(base)+len(overrides))
	merged := make(map[string]Spec, len(base)+len(overrides))
	for _, list := range [][]Spec{base, overrides} {
		for _, spec := range list {
			code := strings.ToLower(strings.TrimSpace(spec.Code))
			prev, ok := merged[code]
			if !ok {
				order = append(order, code)
				merged[code] = spec
				continue
			}
			merged[code] = overlay(prev, spec)
		}
	}
	out := make([]Spec, 0, len(order))
	for _, code := range order {
		out = append(out, merged[code])
	}
	return out
}

func overlay(base, over Spec) Spec {
	out := base
	setString(&out.Name, over.Name)
	if over.Mode != "" {
		out.Mode = over.Mode
	}
	setString(&out.FileExtension, over.FileExtension)
	setString(&out.SourceFile, over.SourceFile)
	setString(&out.BinaryFile, over.BinaryFile)
	out.NeedsCompile = base.NeedsCompile || over.NeedsCompile
	setString(&out.CompileCommand, over.CompileCommand)
	setString(&out.RunCommand, over.RunCommand)
	setString(&out.Image, over.Image)
	if len(over.Env) > 0 {
		out.Env = over.Env
	}
	setString(&out.SeccompProfile, over.SeccompProfile)
	if over.TimeMultiplier > 0 {
		out.TimeMultiplier = over.TimeMultiplier
	}
	if over.MemoryMultiplier > 0 {
		out.MemoryMultiplier = over.MemoryMultiplier
	}
	setInt(&out.DefaultLimits.TimeLimitMs, over.DefaultLimits.TimeLimitMs)
	setInt(&out.DefaultLimits.MemoryLimitMB, over.DefaultLimits.MemoryLimitMB)
	setInt(&out.DefaultLimits.CompileTimeoutMs, over.DefaultLimits.CompileTimeoutMs)
	setInt(&out.DefaultLimits.CompileMemoryMB, over.DefaultLimits.CompileMemoryMB)
	return out
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func setInt(dst *int64, v int64) {
	if v > 0 {
		*dst = v
	}
}

// Resolve returns the spec for a language code.
func (r *Registry) Resolve(code string) (Spec, error) {
	key := strings.ToLower(strings.TrimSpace(code))
	if key == "" {
		return Spec{}, appErr.ValidationError("language_code", "required")
	}
	spec, ok := r.specs[key]
	if !ok {
		return Spec{}, appErr.Newf(appErr.LanguageNotSupported, "language not supported: %s", code)
	}
	return spec, nil
}

// Codes lists the supported codes in sorted order.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.specs))
	for code := range r.specs {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Specs returns every spec sorted by code.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, 0, len(r.specs))
	for _, code := range r.Codes() {
		out = append(out, r.specs[code])
	}
	return out
}

func validate(spec Spec) error {
	if spec.Code == "" {
		return appErr.ValidationError("code", "required")
	}
	switch spec.Mode {
	case ModeSQL:
		return nil
	case ModeProcess:
	default:
		return appErr.Newf(appErr.InvalidParams, "language %s: unknown mode %q", spec.Code, spec.Mode)
	}
	if strings.TrimSpace(spec.RunCommand) == "" {
		return appErr.ValidationError(fmt.Sprintf("%s.runCommand", spec.Code), "required")
	}
	if spec.NeedsCompile && strings.TrimSpace(spec.CompileCommand) == "" {
		return appErr.ValidationError(fmt.Sprintf("%s.compileCommand", spec.Code), "required")
	}
	if spec.FileExtension == "" && spec.SourceFile == "" {
		return appErr.ValidationError(fmt.Sprintf("%s.fileExtension", spec.Code), "required")
	}
	return nil
}
