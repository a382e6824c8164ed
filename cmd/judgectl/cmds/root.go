// Package cmds holds the judgectl subcommands.
package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"ojudge/internal/cli/config"
	httpclient "ojudge/internal/cli/http"
	"ojudge/pkg/utils/logger"
)

// ExitError carries a process exit code without an error message.
type ExitError struct {
	Code   int
	Reason string
}

func (e ExitError) Error() string {
	return e.Reason
}

var (
	configPath string
	baseURL    string
	logLevel   string
	prettyFlag bool

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:           "judgectl",
	Short:         "Judge submissions locally or through a judge service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if baseURL != "" {
			loaded.BaseURL = baseURL
		}
		if cmd.Flags().Changed("pretty") {
			loaded.PrettyJSON = &prettyFlag
		}
		cfg = loaded
		return logger.Init(logger.Config{Level: logLevel, Format: "console", OutputPath: "stderr", ErrorPath: "stderr"})
	},
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	defer func() {
		_ = logger.Sync()
	}()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/judgectl.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base", "", "Override judge service base URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level")
	rootCmd.PersistentFlags().BoolVar(&prettyFlag, "pretty", true, "Pretty print JSON output")
}

func newClient() *httpclient.Client {
	return httpclient.New(cfg.BaseURL, cfg.Timeout)
}

func printJSON(w io.Writer, v interface{}) error {
	var (
		data []byte
		err  error
	)
	if cfg.PrettyJSON != nil && *cfg.PrettyJSON {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("encode output failed: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
