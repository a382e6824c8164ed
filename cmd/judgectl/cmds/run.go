package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ojudge/internal/cli/config"
	"ojudge/internal/judge/executor"
	"ojudge/internal/judge/language"
	"ojudge/internal/judge/model"
	"ojudge/internal/judge/observer"
	"ojudge/internal/judge/orchestrator"
	"ojudge/internal/judge/sqlrunner"
	"ojudge/internal/judge/task"
	"ojudge/internal/judge/workspace"
)

// ExitRejected is the exit code of a run whose verdict is not Accepted.
const ExitRejected = 2

var (
	runTaskDir  string
	runLanguage string
	runSource   string
	runBackend  string
	runSQLDSN   string
	runQuiet    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Judge a local source file against a local task directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		source, err := os.ReadFile(runSource)
		if err != nil {
			return fmt.Errorf("read source failed: %w", err)
		}
		taskDir, err := filepath.Abs(runTaskDir)
		if err != nil {
			return fmt.Errorf("resolve task dir failed: %w", err)
		}
		if runBackend != "" {
			cfg.Backend = runBackend
		}

		workRoot := cfg.WorkRoot
		if workRoot == "" {
			workRoot, err = os.MkdirTemp("", "judgectl-")
			if err != nil {
				return fmt.Errorf("create work root failed: %w", err)
			}
			defer os.RemoveAll(workRoot)
		}

		store := &printStore{out: cmd.OutOrStdout(), quiet: runQuiet}
		orch, cleanup, err := newLocalOrchestrator(cfg, workRoot, filepath.Dir(taskDir), runSQLDSN, store)
		if err != nil {
			return err
		}
		defer cleanup()

		now := time.Now()
		rec, err := orch.Judge(cmd.Context(), model.Submission{
			ID:           uuid.NewString(),
			TaskID:       filepath.Base(taskDir),
			LanguageCode: runLanguage,
			SourceCode:   string(source),
			CreatedAt:    now,
		}, now.UnixMilli())
		if err != nil {
			return err
		}
		if runQuiet {
			if err := printJSON(cmd.OutOrStdout(), rec); err != nil {
				return err
			}
		}
		if rec.Verdict != model.VerdictAccepted {
			return ExitError{Code: ExitRejected, Reason: rec.StatusText}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runTaskDir, "task", "t", "", "Task directory holding input<i>.txt/output<i>.txt")
	runCmd.Flags().StringVarP(&runLanguage, "lang", "l", "", "Language code")
	runCmd.Flags().StringVarP(&runSource, "source", "s", "", "Source file")
	runCmd.Flags().StringVar(&runBackend, "backend", "", "Executor backend: host or container")
	runCmd.Flags().StringVar(&runSQLDSN, "sql-dsn", "", "MySQL DSN for SQL tasks")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Print only the final record")
	_ = runCmd.MarkFlagRequired("task")
	_ = runCmd.MarkFlagRequired("lang")
	_ = runCmd.MarkFlagRequired("source")
}

func newLocalOrchestrator(cfg config.Config, workRoot, taskRoot, sqlDSN string, store orchestrator.StatusStore) (*orchestrator.Orchestrator, func(), error) {
	registry, err := language.NewRegistry(language.Merge(language.DefaultSpecs(), cfg.Languages)...)
	if err != nil {
		return nil, nil, err
	}
	var opts []workspace.Option
	if cfg.Backend == "container" {
		opts = append(opts, workspace.WithDirMode(cfg.Container.WorkspaceDirMode()))
	}
	workspaces, err := workspace.NewManager(workRoot, opts...)
	if err != nil {
		return nil, nil, err
	}
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}
	backend, err := newBackend(cfg, observer.NoopMetricsRecorder{})
	if err != nil {
		return nil, nil, err
	}
	if closer, ok := backend.(io.Closer); ok {
		closers = append(closers, closer.Close)
	}
	deps := orchestrator.Deps{
		Languages:  registry,
		Tasks:      task.NewFileRepository(taskRoot),
		Workspaces: workspaces,
		Backend:    backend,
		Store:      store,
	}
	if sqlDSN != "" {
		runner, err := sqlrunner.New(sqlrunner.Config{DSN: sqlDSN})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, runner.Close)
		deps.SQL = runner
	}
	orch, err := orchestrator.New(orchestrator.Config{}, deps)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return orch, cleanup, nil
}

func newBackend(cfg config.Config, metrics observer.MetricsRecorder) (executor.Backend, error) {
	switch cfg.Backend {
	case "host":
		return executor.NewHostBackend(cfg.Host, metrics), nil
	case "container":
		return executor.NewContainerBackend(cfg.Container, metrics)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// printStore writes every status transition to out as it happens.
type printStore struct {
	mu    sync.Mutex
	out   io.Writer
	quiet bool
}

func (s *printStore) Save(ctx context.Context, rec model.StatusRecord) error {
	if s.quiet {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.out, "%-10s %s\n", rec.State, rec.StatusText)
	if err == nil && rec.Terminal() {
		err = printJSON(s.out, rec)
	}
	return err
}
