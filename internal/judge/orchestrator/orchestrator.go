// Package orchestrator drives one submission from Queued to a terminal verdict.
//
// Judge runs a single control loop: resolve the language, load the task,
// prepare a workspace, compile, then run the tests in index order. Every
// transition is saved to the status store. System faults restart the whole
// attempt in a fresh workspace a bounded number of times; anything else that
// goes wrong ends in ServerError with a diagnostic artifact.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"ojudge/internal/judge/executor"
	"ojudge/internal/judge/language"
	"ojudge/internal/judge/model"
	"ojudge/internal/judge/observer"
	"ojudge/internal/judge/sqlrunner"
	"ojudge/internal/judge/task"
	"ojudge/internal/judge/workspace"
	appErr "ojudge/pkg/errors"
	"ojudge/pkg/utils/logger"
)

// ErrSuperseded is the cancel cause of a judgment replaced by a rejudge.
// A superseded judgment stops without writing a status; its successor owns the record.
var ErrSuperseded = errors.New("judgment superseded")

// Stage names used in artifacts and logs.
const (
	StagePrepare = "prepare"
	StageCompile = "compile"
	StageTest    = "test"
	StageFinish  = "finish"
)

const (
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 200 * time.Millisecond
	finalSaveAttempts     = 5
	maxRecordedStderr     = 8 << 10
)

// StatusStore persists status transitions. Save must be an idempotent upsert.
type StatusStore interface {
	Save(ctx context.Context, rec model.StatusRecord) error
}

// ArtifactStore keeps diagnostics of failed judgments.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, artifact model.Artifact) (string, error)
}

// LanguageResolver looks up a language by code.
type LanguageResolver interface {
	Resolve(code string) (language.Spec, error)
}

// SQLRunner executes SQL tests against an ephemeral database.
type SQLRunner interface {
	Execute(ctx context.Context, req sqlrunner.Request) (sqlrunner.Outcome, error)
}

// Config tunes retries and capture limits.
type Config struct {
	MaxAttempts      int           `yaml:"maxAttempts"`
	RetryBaseDelay   time.Duration `yaml:"retryBaseDelay"`
	OutputLimitBytes int64         `yaml:"outputLimitBytes"`
}

// Deps are the collaborators of an Orchestrator. SQL and Artifacts may be nil.
type Deps struct {
	Languages  LanguageResolver
	Tasks      task.Repository
	Workspaces *workspace.Manager
	Backend    executor.Backend
	SQL        SQLRunner
	Store      StatusStore
	Artifacts  ArtifactStore
	Metrics    observer.MetricsRecorder
}

// Orchestrator is safe for concurrent use; each Judge call owns its own state.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	backoff func() retry.Backoff
	now     func() time.Time
}

// New validates deps and applies defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Languages == nil || deps.Tasks == nil || deps.Workspaces == nil || deps.Backend == nil || deps.Store == nil {
		return nil, appErr.New(appErr.InternalServerError).WithMessage("orchestrator dependencies are not initialized")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if deps.Metrics == nil {
		deps.Metrics = observer.NoopMetricsRecorder{}
	}
	o := &Orchestrator{cfg: cfg, deps: deps, now: time.Now}
	o.backoff = func() retry.Backoff {
		b := retry.NewExponential(cfg.RetryBaseDelay)
		b = retry.WithCappedDuration(5*time.Second, b)
		b = retry.WithMaxRetries(uint64(cfg.MaxAttempts-1), b)
		return b
	}
	return o, nil
}

// judgment is the mutable state of one Judge call.
type judgment struct {
	sub      model.Submission
	rec      model.StatusRecord
	attempts int
}

// outcome is how an attempt ended when it did not fail with an error.
type outcome struct {
	verdict   model.Verdict
	stage     string
	testIndex int
	stderr    string
}

// Judge runs the submission to a terminal verdict and returns the final record.
// generation numbers rejudges of the same submission; the store keeps the newest.
// The returned error is non-nil only when the terminal record could not be saved
// or the judgment was superseded.
func (o *Orchestrator) Judge(ctx context.Context, sub model.Submission, generation int64) (model.StatusRecord, error) {
	ctx = logger.WithSubmission(ctx, sub.ID)
	start := o.now()
	j := &judgment{sub: sub, rec: o.initialRecord(sub, generation)}

	if err := o.save(ctx, j); err != nil {
		logger.Warn(ctx, "save queued status failed", zap.Error(err))
	}

	var last outcome
	err := retry.Do(ctx, o.backoff(), func(ctx context.Context) error {
		j.attempts++
		out, err := o.attempt(ctx, j)
		if err == nil {
			last = out
			return nil
		}
		if ctx.Err() == nil && appErr.IsSystem(err) {
			logger.Warn(ctx, "judging attempt failed",
				zap.Int("attempt", j.attempts), zap.String("stage", out.stage), zap.Error(err))
			last = out
			return retry.RetryableError(err)
		}
		last = out
		return err
	})

	switch {
	case err == nil:
		o.finish(j, last)
	case ctx.Err() != nil:
		if errors.Is(context.Cause(ctx), ErrSuperseded) {
			logger.Info(ctx, "judgment superseded", zap.Int("attempts", j.attempts))
			return j.rec, ErrSuperseded
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			o.fail(ctx, j, last.stage, appErr.Wrapf(ctx.Err(), appErr.Timeout, "judging deadline exceeded"))
			break
		}
		o.finish(j, outcome{verdict: model.VerdictCancelled, stage: last.stage, testIndex: last.testIndex})
	default:
		o.fail(ctx, j, last.stage, err)
	}

	// The terminal write must land even when the caller has given up.
	finalCtx := context.WithoutCancel(ctx)
	if j.rec.Verdict != model.VerdictAccepted {
		o.storeArtifact(finalCtx, j, last, err)
	}
	o.deps.Metrics.ObserveJudgment(finalCtx, sub.LanguageCode, string(j.rec.Verdict), o.now().Sub(start), j.attempts)

	saveErr := retry.Do(finalCtx, retry.WithMaxRetries(finalSaveAttempts-1, retry.NewExponential(o.cfg.RetryBaseDelay)), func(ctx context.Context) error {
		if err := o.deps.Store.Save(ctx, j.rec); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if saveErr != nil {
		logger.Error(finalCtx, "save terminal status failed",
			zap.String("verdict", string(j.rec.Verdict)), zap.Error(saveErr))
		return j.rec, saveErr
	}
	logger.Info(finalCtx, "judgment finished",
		zap.String("verdict", string(j.rec.Verdict)),
		zap.String("status", j.rec.StatusText),
		zap.Int64("time_ms", j.rec.TimeMs),
		zap.Int64("memory_kb", j.rec.MemoryKB),
		zap.Int("attempts", j.attempts))
	return j.rec, nil
}

func (o *Orchestrator) initialRecord(sub model.Submission, generation int64) model.StatusRecord {
	created := sub.CreatedAt
	if created.IsZero() {
		created = o.now()
	}
	return model.StatusRecord{
		SubmissionID: sub.ID,
		TaskID:       sub.TaskID,
		LanguageCode: sub.LanguageCode,
		State:        model.StateQueued,
		StatusText:   model.QueuedText,
		Generation:   generation,
		CreatedAt:    created.UnixMilli(),
	}
}

// attempt runs every stage once. A returned error aborts the attempt; the
// outcome still names the stage that failed.
func (o *Orchestrator) attempt(ctx context.Context, j *judgment) (out outcome, err error) {
	out.stage = StagePrepare
	defer func() {
		if r := recover(); r != nil {
			err = appErr.Newf(appErr.JudgeSystemError, "panic in %s stage: %v", out.stage, r)
		}
	}()
	o.resetProgress(j)

	lang, err := o.deps.Languages.Resolve(j.sub.LanguageCode)
	if err != nil {
		return out, err
	}
	spec, err := o.deps.Tasks.Load(ctx, j.sub.TaskID)
	if err != nil {
		return out, err
	}
	if lang.IsSQL() != (spec.SQL != nil) {
		return out, appErr.Newf(appErr.TaskDataInvalid, "language %s cannot judge task %s", lang.Code, spec.TaskID)
	}
	j.rec.TotalTests = spec.TestCount
	if spec.EffectiveMode() == model.ModeScoring {
		j.rec.MaxScore = spec.MaxScore()
	}

	if lang.IsSQL() {
		return o.runSQL(ctx, j, lang, spec)
	}
	return o.runProcess(ctx, j, lang, spec)
}

func (o *Orchestrator) runProcess(ctx context.Context, j *judgment, lang language.Spec, spec model.TaskSpec) (out outcome, err error) {
	out.stage = StagePrepare
	ws, err := o.deps.Workspaces.Create(j.sub.ID)
	if err != nil {
		return out, err
	}
	defer func() {
		if derr := ws.Destroy(); derr != nil {
			logger.Warn(ctx, "destroy workspace failed", zap.String("dir", ws.Dir()), zap.Error(derr))
		}
	}()
	if err := ws.WriteSource(lang, j.sub.SourceCode); err != nil {
		return out, err
	}

	if lang.NeedsCompile {
		out.stage = StageCompile
		j.rec.State = model.StateCompiling
		j.rec.StatusText = model.CompilingText
		if err := o.save(ctx, j); err != nil {
			return out, err
		}
		res, err := o.deps.Backend.Compile(ctx, executor.CompileRequest{
			Language:  lang,
			Workspace: ws,
			Limits:    executor.CompileLimits(lang, o.cfg.OutputLimitBytes),
		})
		if err != nil {
			return out, err
		}
		if res.TimedOut && ctx.Err() != nil {
			return out, ctx.Err()
		}
		if v := classifyCompile(res); v != model.VerdictNone {
			j.rec.CompileOutput = clip(res.Stderr)
			out.verdict = v
			out.stderr = res.Stderr
			return out, nil
		}
	}

	out.stage = StageTest
	limits := executor.RunLimits(lang, spec.TimeLimitMs, spec.MemoryLimitMB, o.cfg.OutputLimitBytes)
	return o.runTests(ctx, j, spec, func(ctx context.Context, tc model.TestCase) (testRun, error) {
		res, err := executor.Run(ctx, o.deps.Backend, lang, ws, tc.Input, limits)
		if err != nil {
			return testRun{}, err
		}
		actual, err := ws.ReadOutput()
		if err != nil {
			return testRun{}, err
		}
		v := classifyRun(res, limits.MemoryLimitMB, actual, tc.Expected)
		tr := testRun{verdict: v, elapsedMs: res.ElapsedMs, memoryKB: res.MemoryKB}
		if v == model.VerdictRuntimeError {
			tr.message = clip(string(res.Stderr))
			tr.stderr = string(res.Stderr)
		}
		return tr, nil
	})
}

func (o *Orchestrator) runSQL(ctx context.Context, j *judgment, lang language.Spec, spec model.TaskSpec) (outcome, error) {
	if o.deps.SQL == nil {
		return outcome{stage: StagePrepare}, appErr.New(appErr.LanguageNotSupported).WithMessage("sql judging is not configured")
	}
	limits := executor.RunLimits(lang, spec.TimeLimitMs, spec.MemoryLimitMB, o.cfg.OutputLimitBytes)
	return o.runTests(ctx, j, spec, func(ctx context.Context, tc model.TestCase) (testRun, error) {
		setup := spec.SQL.SetupScript
		if len(tc.Input) > 0 {
			setup = string(tc.Input)
		}
		res, err := o.deps.SQL.Execute(ctx, sqlrunner.Request{
			SetupScript: setup,
			Submitted:   j.sub.SourceCode,
			Reference:   spec.SQL.ReferenceQuery,
			TimeLimit:   time.Duration(limits.TimeLimitMs) * time.Millisecond,
		})
		if err != nil {
			return testRun{}, err
		}
		v := classifySQL(res)
		// SQL tests bypass the backend, which records process runs itself.
		o.deps.Metrics.ObserveRun(ctx, lang.Code, string(v), res.ElapsedMs, 0, 0)
		tr := testRun{verdict: v, elapsedMs: res.ElapsedMs}
		switch v {
		case model.VerdictRuntimeError:
			tr.message = clip(res.QueryError)
			tr.stderr = res.QueryError
		case model.VerdictWrongAnswer:
			tr.message = diffResultSets(res)
		}
		return tr, nil
	})
}

// testRun is the classified result of one test.
type testRun struct {
	verdict   model.Verdict
	elapsedMs int64
	memoryKB  int64
	message   string
	stderr    string
}

// runTests is the Testing(i) loop shared by both task kinds.
func (o *Orchestrator) runTests(ctx context.Context, j *judgment, spec model.TaskSpec, run func(context.Context, model.TestCase) (testRun, error)) (outcome, error) {
	out := outcome{stage: StageTest}
	scoring := spec.EffectiveMode() == model.ModeScoring
	var firstFailure *outcome

	for i, tc := range spec.Tests {
		out.testIndex = i
		if err := ctx.Err(); err != nil {
			return out, err
		}
		j.rec.State = model.StateTesting
		j.rec.CurrentTestIndex = i

		tr, err := run(ctx, tc)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return out, err
		}
		if tr.verdict == model.VerdictTimeLimitExceeded && ctx.Err() != nil {
			// The kill came from cancellation, not from the limit.
			return out, ctx.Err()
		}

		j.rec.TimeMs = max(j.rec.TimeMs, tr.elapsedMs)
		j.rec.MemoryKB = max(j.rec.MemoryKB, tr.memoryKB)
		record := model.TestRecord{
			TestNumber: i + 1,
			Status:     model.VerdictAccepted,
			ElapsedMs:  tr.elapsedMs,
			MemoryKB:   tr.memoryKB,
			Message:    tr.message,
		}

		if tr.verdict == model.VerdictNone {
			record.Points = tc.Points
			j.rec.Tests = append(j.rec.Tests, record)
			if scoring {
				j.rec.Score += tc.Points
			}
			j.rec.StatusText = model.TestPassedText(i)
			if err := o.save(ctx, j); err != nil {
				return out, err
			}
			continue
		}

		record.Status = tr.verdict
		j.rec.Tests = append(j.rec.Tests, record)
		failure := outcome{verdict: tr.verdict, stage: StageTest, testIndex: i, stderr: tr.stderr}
		if !scoring {
			return failure, nil
		}
		if firstFailure == nil {
			firstFailure = &failure
		}
		j.rec.StatusText = model.TestFailedText(i)
		if err := o.save(ctx, j); err != nil {
			return out, err
		}
	}

	if firstFailure != nil {
		return *firstFailure, nil
	}
	return outcome{verdict: model.VerdictAccepted, stage: StageTest, testIndex: len(spec.Tests) - 1}, nil
}

// finish turns a user-level outcome into the terminal record.
func (o *Orchestrator) finish(j *judgment, out outcome) {
	j.rec.State = model.StateFinished
	j.rec.Verdict = out.verdict
	j.rec.FinishedAt = o.now().UnixMilli()
	switch out.verdict {
	case model.VerdictAccepted, model.VerdictCompilationError, model.VerdictCancelled:
		j.rec.StatusText = string(out.verdict)
	default:
		j.rec.StatusText = model.FailedTestText(out.verdict, out.testIndex)
		j.rec.CurrentTestIndex = out.testIndex
	}
}

// fail records ServerError. The submitter only sees that judging was unavailable.
func (o *Orchestrator) fail(ctx context.Context, j *judgment, stage string, err error) {
	logger.Error(ctx, "judging failed",
		zap.String("stage", stage),
		zap.Int("attempts", j.attempts),
		zap.Int("error_code", int(appErr.GetCode(err))),
		zap.Error(err))
	j.rec.State = model.StateFinished
	j.rec.Verdict = model.VerdictServerError
	j.rec.StatusText = model.UnavailableText
	j.rec.ErrorCode = int(appErr.GetCode(err))
	j.rec.ErrorMessage = appErr.GetCode(err).Message()
	j.rec.FinishedAt = o.now().UnixMilli()
}

func (o *Orchestrator) storeArtifact(ctx context.Context, j *judgment, out outcome, cause error) {
	if o.deps.Artifacts == nil {
		return
	}
	artifact := model.Artifact{
		SubmissionID: j.sub.ID,
		TaskID:       j.sub.TaskID,
		LanguageCode: j.sub.LanguageCode,
		Verdict:      j.rec.Verdict,
		Stage:        out.stage,
		Stderr:       out.stderr,
		Attempt:      j.attempts,
		OccurredAt:   o.now(),
	}
	if out.stage == StageTest {
		artifact.TestNumber = out.testIndex + 1
	}
	if cause != nil {
		artifact.Error = cause.Error()
	}
	key, err := o.deps.Artifacts.SaveArtifact(ctx, artifact)
	if err != nil {
		logger.Error(ctx, "save diagnostic artifact failed", zap.Error(err), zap.Any("artifact", artifact))
		return
	}
	j.rec.ArtifactKey = key
}

// resetProgress clears what a previous attempt recorded; retried attempts rerun every test.
func (o *Orchestrator) resetProgress(j *judgment) {
	j.rec.State = model.StateQueued
	j.rec.StatusText = model.QueuedText
	j.rec.Verdict = model.VerdictNone
	j.rec.TimeMs = 0
	j.rec.MemoryKB = 0
	j.rec.CurrentTestIndex = 0
	j.rec.Score = 0
	j.rec.Tests = nil
	j.rec.CompileOutput = ""
}

func (o *Orchestrator) save(ctx context.Context, j *judgment) error {
	j.rec.UpdatedAt = o.now().UnixMilli()
	if err := o.deps.Store.Save(ctx, j.rec); err != nil {
		if appErr.GetCode(err) == appErr.StoreWriteFailure {
			return err
		}
		return appErr.Wrapf(err, appErr.StoreWriteFailure, "save status failed")
	}
	return nil
}

func clip(s string) string {
	if len(s) <= maxRecordedStderr {
		return s
	}
	return s[:maxRecordedStderr] + fmt.Sprintf("\n... (%d bytes truncated)", len(s)-maxRecordedStderr)
}
