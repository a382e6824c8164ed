//go:build !linux

package executor

import (
	"context"
	"errors"
)

var errHostUnsupported = errors.New("host backend requires linux")

func (b *HostBackend) Compile(ctx context.Context, req CompileRequest) (CompileResult, error) {
	return CompileResult{}, sandboxFault(errHostUnsupported, "compile unavailable")
}

func (b *HostBackend) Run(ctx context.Context, req RunRequest) (ExecutionResult, error) {
	return ExecutionResult{}, sandboxFault(errHostUnsupported, "run unavailable")
}
