// Command judgectl judges sources locally and drives a remote judge service.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ojudge/cmd/judgectl/cmds"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmds.Execute(ctx)
	stop()
	if err != nil {
		var exitErr cmds.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "judgectl: %v\n", err)
		os.Exit(1)
	}
}
