package cmds

import (
	"github.com/spf13/cobra"

	"ojudge/internal/judge/executor"
	"ojudge/internal/judge/observer"
)

var batchReq executor.BatchRequest

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Compile once and run every input<i>.txt of a prepared workspace",
	Long: "batch writes one JSON record per executed test to stdout. Outputs are written to " +
		"actual<i>.txt next to each input and are not compared.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		backend, err := newBackend(cfg, observer.NoopMetricsRecorder{})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		return executor.RunBatch(cmd.Context(), backend, batchReq, func(rec executor.BatchRecord) error {
			return printJSON(out, rec)
		})
	},
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().IntVar(&batchReq.TestCount, "test-count", 0, "Number of tests")
	batchCmd.Flags().StringVar(&batchReq.WorkspacePath, "workspace", "", "Workspace directory")
	batchCmd.Flags().StringVar(&batchReq.CompileCommand, "compile", "", "Compile command; empty skips compilation")
	batchCmd.Flags().StringVar(&batchReq.RunCommand, "run", "", "Run command")
	batchCmd.Flags().Int64Var(&batchReq.TimeLimitMs, "time-limit", 1000, "Time limit per test in milliseconds")
	batchCmd.Flags().Int64Var(&batchReq.MemoryLimitMB, "memory-limit", 256, "Memory limit in MB")
	batchCmd.Flags().StringVar(&batchReq.Image, "image", "", "Container image for the container backend")
	_ = batchCmd.MarkFlagRequired("test-count")
	_ = batchCmd.MarkFlagRequired("workspace")
	_ = batchCmd.MarkFlagRequired("run")
}
