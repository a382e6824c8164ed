package cmds

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ojudge/internal/judge/model"
)

var (
	submitTaskID   string
	submitLanguage string
	submitSource   string
	submitID       string
	waitForFinal   bool
	cancelReason   string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a source file to the judge service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		source, err := os.ReadFile(submitSource)
		if err != nil {
			return fmt.Errorf("read source failed: %w", err)
		}
		client := newClient()
		rec, err := client.Submit(cmd.Context(), model.JudgeMessage{
			SubmissionID: submitID,
			TaskID:       submitTaskID,
			LanguageCode: submitLanguage,
			SourceCode:   string(source),
		})
		if err != nil {
			return err
		}
		if !waitForFinal {
			return printJSON(cmd.OutOrStdout(), rec)
		}
		return waitAndPrint(cmd, rec.SubmissionID)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <submission-id>",
	Short: "Show the status of a submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if waitForFinal {
			return waitAndPrint(cmd, args[0])
		}
		rec, err := newClient().Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <submission-id>",
	Short: "Cancel a running judgment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Cancel(cmd.Context(), args[0], cancelReason); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %s\n", args[0])
		return err
	},
}

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List languages accepted by the judge service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		specs, err := newClient().Languages(cmd.Context())
		if err != nil {
			return err
		}
		for _, spec := range specs {
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", spec.Code, spec.Name); err != nil {
				return err
			}
		}
		return nil
	},
}

func waitAndPrint(cmd *cobra.Command, submissionID string) error {
	out := cmd.OutOrStdout()
	rec, err := newClient().Wait(cmd.Context(), submissionID, cfg.PollInterval, func(rec model.StatusRecord) {
		_, _ = fmt.Fprintf(out, "%-10s %s\n", rec.State, rec.StatusText)
	})
	if err != nil {
		return err
	}
	if err := printJSON(out, rec); err != nil {
		return err
	}
	if rec.Verdict != model.VerdictAccepted {
		return ExitError{Code: ExitRejected, Reason: rec.StatusText}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(submitCmd, statusCmd, cancelCmd, languagesCmd)

	submitCmd.Flags().StringVarP(&submitTaskID, "task", "t", "", "Task id")
	submitCmd.Flags().StringVarP(&submitLanguage, "lang", "l", "", "Language code")
	submitCmd.Flags().StringVarP(&submitSource, "source", "s", "", "Source file")
	submitCmd.Flags().StringVar(&submitID, "id", "", "Submission id; generated by the server when empty")
	submitCmd.Flags().BoolVarP(&waitForFinal, "wait", "w", false, "Poll until the verdict is final")
	_ = submitCmd.MarkFlagRequired("task")
	_ = submitCmd.MarkFlagRequired("lang")
	_ = submitCmd.MarkFlagRequired("source")

	statusCmd.Flags().BoolVarP(&waitForFinal, "wait", "w", false, "Poll until the verdict is final")
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Reason recorded with the cancellation")
}
