package executor

import (
	"path"
	"strings"

	"ojudge/internal/judge/language"
	appErr "ojudge/pkg/errors"

	"github.com/google/shlex"
)

// ExpandCommand fills {src}, {bin} and {dir} relative to root and splits the result.
// root is the workspace as seen by the process: a host path or a container mount point.
func ExpandCommand(tpl string, lang language.Spec, root string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	expanded := strings.NewReplacer(
		"{src}", path.Join(root, lang.SourceName()),
		"{bin}", path.Join(root, lang.BinaryFile),
		"{dir}", root,
	).Replace(tpl)
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}

func mergeEnv(base, extra []string) []string {
	if len(base) == 0 {
		base = []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	}
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	out = append(out, extra...)
	return out
}
