// Package service accepts judge requests, bounds how many run at once and
// tracks in-flight judgments so they can be cancelled or superseded.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"ojudge/internal/common/mq"
	"ojudge/internal/judge/language"
	"ojudge/internal/judge/model"
	"ojudge/internal/judge/observer"
	"ojudge/internal/judge/orchestrator"
	appErr "ojudge/pkg/errors"
	"ojudge/pkg/utils/logger"
)

// ErrCancelRequested is the cancel cause of a judgment stopped through Cancel.
var ErrCancelRequested = appErr.New(appErr.JudgeCancelled).WithMessage("cancel requested")

// Judge runs one submission to a terminal verdict.
type Judge interface {
	Judge(ctx context.Context, sub model.Submission, generation int64) (model.StatusRecord, error)
}

// StatusRepository persists and reads status records.
type StatusRepository interface {
	Save(ctx context.Context, rec model.StatusRecord) error
	Get(ctx context.Context, submissionID string) (model.StatusRecord, error)
}

// SourceFetcher loads sources that were uploaded instead of sent inline.
type SourceFetcher interface {
	Fetch(ctx context.Context, key, expectedHash string) (string, error)
}

// LanguageResolver validates language codes at submission time.
type LanguageResolver interface {
	Resolve(code string) (language.Spec, error)
}

// Topics are the Kafka topics the service uses. Empty topics disable the feature.
type Topics struct {
	Judge      string `yaml:"judge"`
	Retry      string `yaml:"retry"`
	Cancel     string `yaml:"cancel"`
	DeadLetter string `yaml:"deadLetter"`
	Final      string `yaml:"final"`
}

// Config holds service dependencies and settings.
type Config struct {
	Judge     Judge
	Status    StatusRepository
	Sources   SourceFetcher
	Languages LanguageResolver
	// Queue is optional; without it Submit judges in-process.
	Queue   mq.Producer
	Topics  Topics
	Metrics *observer.Counters

	WorkerPoolSize int
	MaxPending     int
	AcquireTimeout time.Duration
	WorkerTimeout  time.Duration
	StatusTimeout  time.Duration
	MaxSourceBytes int

	PoolRetryMax      int
	PoolRetryBase     time.Duration
	PoolRetryMaxDelay time.Duration
}

// Service handles judge requests.
type Service struct {
	judge     Judge
	status    StatusRepository
	sources   SourceFetcher
	languages LanguageResolver
	queue     mq.Producer
	topics    Topics
	metrics   *observer.Counters
	validate  *validator.Validate

	pool           *mq.TokenLimiter
	maxPending     int
	acquireTimeout time.Duration
	workerTimeout  time.Duration
	statusTimeout  time.Duration
	maxSourceBytes int
	poolRetryMax   int
	poolRetryBase  time.Duration
	poolRetryMaxD  time.Duration

	inflight *registry

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	submitted atomic.Int64
	pending   atomic.Int64
	running   atomic.Int64
	requeued  atomic.Int64
	cancelled atomic.Int64
}

// NewService creates a new judge service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Judge == nil {
		return nil, appErr.New(appErr.InternalServerError).WithMessage("judge is required")
	}
	if cfg.Status == nil {
		return nil, appErr.New(appErr.InternalServerError).WithMessage("status repository is required")
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = poolSize * 8
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 2 * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 3 * time.Second
	}
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = 256 << 10
	}
	if cfg.PoolRetryBase <= 0 {
		cfg.PoolRetryBase = time.Second
	}
	if cfg.PoolRetryMaxDelay <= 0 {
		cfg.PoolRetryMaxDelay = 30 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observer.NewCounters()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		judge:          cfg.Judge,
		status:         cfg.Status,
		sources:        cfg.Sources,
		languages:      cfg.Languages,
		queue:          cfg.Queue,
		topics:         cfg.Topics,
		metrics:        cfg.Metrics,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		pool:           mq.NewTokenLimiter(poolSize),
		maxPending:     cfg.MaxPending,
		acquireTimeout: cfg.AcquireTimeout,
		workerTimeout:  cfg.WorkerTimeout,
		statusTimeout:  cfg.StatusTimeout,
		maxSourceBytes: cfg.MaxSourceBytes,
		poolRetryMax:   cfg.PoolRetryMax,
		poolRetryBase:  cfg.PoolRetryBase,
		poolRetryMaxD:  cfg.PoolRetryMaxDelay,
		inflight:       newRegistry(),
		baseCtx:        baseCtx,
		baseCancel:     cancel,
	}, nil
}

// Submit queues a judge request and returns the Queued record. It never waits for judging.
func (s *Service) Submit(ctx context.Context, req model.JudgeMessage) (model.StatusRecord, error) {
	if err := s.check(req); err != nil {
		return model.StatusRecord{}, err
	}
	if s.languages != nil {
		if _, err := s.languages.Resolve(req.LanguageCode); err != nil {
			return model.StatusRecord{}, err
		}
	}
	req.ReceivedAt = time.Now().UnixMilli()

	inProcess := s.queue == nil || s.topics.Judge == ""
	if inProcess && s.pending.Load() >= int64(s.maxPending) {
		return model.StatusRecord{}, appErr.New(appErr.JudgeQueueFull).WithMessage("too many pending submissions")
	}

	queued := queuedRecord(req)
	if err := s.saveStatus(ctx, queued); err != nil {
		return model.StatusRecord{}, err
	}

	if inProcess {
		s.pending.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.pending.Add(-1)
			ctx := logger.WithSubmission(s.baseCtx, req.SubmissionID)
			if err := s.process(ctx, req, true); err != nil {
				logger.Error(ctx, "in-process judging failed", zap.Error(err))
			}
		}()
	} else {
		payload, err := json.Marshal(req)
		if err != nil {
			return model.StatusRecord{}, appErr.Wrapf(err, appErr.InternalServerError, "encode judge message failed")
		}
		msg := mq.NewMessage(payload)
		msg.ID = req.SubmissionID
		if err := s.queue.Publish(ctx, s.topics.Judge, msg); err != nil {
			return model.StatusRecord{}, appErr.Wrapf(err, appErr.MessageQueueError, "publish judge message failed")
		}
	}
	s.submitted.Add(1)
	return queued, nil
}

// HandleMessage processes a judge message from the queue. Malformed messages are
// logged and dropped; an error asks the queue to redeliver.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	var req model.JudgeMessage
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		logger.Warn(ctx, "drop undecodable judge message", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if err := s.check(req); err != nil {
		logger.Warn(ctx, "drop invalid judge message", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	ctx = logger.WithSubmission(ctx, req.SubmissionID)
	if req.ReceivedAt == 0 {
		req.ReceivedAt = time.Now().UnixMilli()
		if !msg.Timestamp.IsZero() {
			req.ReceivedAt = msg.Timestamp.UnixMilli()
		}
	}
	if s.finished(ctx, req) {
		logger.Info(ctx, "skip redelivered judge request of a finished generation", zap.Int64("generation", req.ReceivedAt))
		return nil
	}

	if !s.pool.TryAcquire() {
		if err := s.waitSlot(ctx); err != nil {
			if appErr.Is(err, appErr.JudgeQueueFull) && s.queue != nil && s.topics.Retry != "" {
				s.requeued.Add(1)
				return s.requeueForPoolFull(ctx, msg)
			}
			return err
		}
	}
	// process releases the slot.
	return s.process(ctx, req, false)
}

// finished reports whether this generation, or a newer one, already has a final verdict.
func (s *Service) finished(ctx context.Context, req model.JudgeMessage) bool {
	rec, err := s.status.Get(ctx, req.SubmissionID)
	if err != nil {
		return false
	}
	return rec.Terminal() && rec.Generation >= req.ReceivedAt
}

// HandleCancelMessage applies a cancellation broadcast by any instance.
func (s *Service) HandleCancelMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	var cancelMsg model.CancelMessage
	if err := json.Unmarshal(msg.Body, &cancelMsg); err != nil || cancelMsg.SubmissionID == "" {
		logger.Warn(ctx, "drop invalid cancel message", zap.String("message_id", msg.ID))
		return nil
	}
	if s.inflight.cancel(cancelMsg.SubmissionID, ErrCancelRequested) {
		s.cancelled.Add(1)
		logger.Info(ctx, "judgment cancelled by broadcast", zap.String("submission_id", cancelMsg.SubmissionID))
	}
	return nil
}

// Cancel stops a judgment on this instance and broadcasts the request to the others.
// It reports whether a local judgment was stopped.
func (s *Service) Cancel(ctx context.Context, submissionID, reason string) (bool, error) {
	if submissionID == "" {
		return false, appErr.ValidationError("submission_id", "required")
	}
	local := s.inflight.cancel(submissionID, ErrCancelRequested)
	if local {
		s.cancelled.Add(1)
	}
	if s.queue != nil && s.topics.Cancel != "" {
		payload, err := json.Marshal(model.CancelMessage{SubmissionID: submissionID, Reason: reason, IssuedAt: time.Now().Unix()})
		if err != nil {
			return local, appErr.Wrapf(err, appErr.InternalServerError, "encode cancel message failed")
		}
		msg := mq.NewMessage(payload)
		msg.ID = submissionID
		if err := s.queue.Publish(ctx, s.topics.Cancel, msg); err != nil {
			return local, appErr.Wrapf(err, appErr.MessageQueueError, "publish cancel message failed")
		}
		return local, nil
	}
	if !local {
		rec, err := s.status.Get(ctx, submissionID)
		if err != nil {
			return false, err
		}
		if rec.Terminal() {
			return false, appErr.Newf(appErr.InvalidParams, "submission %s already finished", submissionID)
		}
	}
	return local, nil
}

// Status returns the latest status of a submission.
func (s *Service) Status(ctx context.Context, submissionID string) (model.StatusRecord, error) {
	return s.status.Get(ctx, submissionID)
}

// Stats is a point-in-time view of the service.
type Stats struct {
	Submitted int64             `json:"submitted"`
	Pending   int64             `json:"pending"`
	Running   int64             `json:"running"`
	Requeued  int64             `json:"requeued"`
	Cancelled int64             `json:"cancelled"`
	InFlight  int               `json:"in_flight"`
	PoolSize  int               `json:"pool_size"`
	PoolInUse int               `json:"pool_in_use"`
	Judging   observer.Snapshot `json:"judging"`
}

// Stats returns the current counters.
func (s *Service) Stats() Stats {
	return Stats{
		Submitted: s.submitted.Load(),
		Pending:   s.pending.Load(),
		Running:   s.running.Load(),
		Requeued:  s.requeued.Load(),
		Cancelled: s.cancelled.Load(),
		InFlight:  s.inflight.size(),
		PoolSize:  s.pool.Capacity(),
		PoolInUse: s.pool.InUse(),
		Judging:   s.metrics.Snapshot(),
	}
}

// Shutdown waits for in-process judgments until ctx expires, then cancels the rest.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.baseCancel()
		return nil
	case <-ctx.Done():
		s.baseCancel()
		<-done
		return ctx.Err()
	}
}

// process runs a judgment. The caller holds a pool slot unless waitForSlot is set.
func (s *Service) process(ctx context.Context, req model.JudgeMessage, waitForSlot bool) error {
	judgeCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	entry := s.inflight.register(req.SubmissionID, req.ReceivedAt, cancel)
	if entry == nil {
		if !waitForSlot {
			s.pool.Release()
		}
		logger.Info(ctx, "skip judge request superseded by a newer one", zap.Int64("generation", req.ReceivedAt))
		return nil
	}
	defer s.inflight.remove(req.SubmissionID, entry)

	if waitForSlot {
		if err := s.pool.Acquire(judgeCtx); err != nil {
			return s.abortQueued(ctx, judgeCtx, req)
		}
	}
	defer s.pool.Release()

	s.running.Add(1)
	defer s.running.Add(-1)

	source, err := s.loadSource(judgeCtx, req)
	if err != nil {
		if appErr.IsSystem(err) && !waitForSlot {
			return err
		}
		return s.failBeforeJudging(ctx, req, err)
	}

	if s.workerTimeout > 0 {
		var cancelTimeout context.CancelFunc
		judgeCtx, cancelTimeout = context.WithTimeout(judgeCtx, s.workerTimeout)
		defer cancelTimeout()
	}
	sub := model.Submission{
		ID:           req.SubmissionID,
		TaskID:       req.TaskID,
		LanguageCode: req.LanguageCode,
		SourceCode:   source,
		CreatedAt:    time.UnixMilli(req.ReceivedAt),
	}
	_, err = s.judge.Judge(judgeCtx, sub, req.ReceivedAt)
	if errors.Is(err, orchestrator.ErrSuperseded) {
		return nil
	}
	return err
}

// abortQueued records the end of a judgment cancelled while it waited for a slot.
func (s *Service) abortQueued(ctx, judgeCtx context.Context, req model.JudgeMessage) error {
	if errors.Is(context.Cause(judgeCtx), orchestrator.ErrSuperseded) {
		return nil
	}
	rec := queuedRecord(req)
	rec.State = model.StateFinished
	rec.Verdict = model.VerdictCancelled
	rec.StatusText = string(model.VerdictCancelled)
	rec.FinishedAt = time.Now().UnixMilli()
	s.metrics.ObserveJudgment(ctx, req.LanguageCode, string(rec.Verdict), 0, 0)
	return s.saveStatus(context.WithoutCancel(ctx), rec)
}

// failBeforeJudging records ServerError for requests that never reached the orchestrator.
func (s *Service) failBeforeJudging(ctx context.Context, req model.JudgeMessage, cause error) error {
	logger.Error(ctx, "judge request failed before judging", zap.Error(cause))
	rec := queuedRecord(req)
	rec.State = model.StateFinished
	rec.Verdict = model.VerdictServerError
	rec.StatusText = model.UnavailableText
	rec.ErrorCode = int(appErr.GetCode(cause))
	rec.ErrorMessage = appErr.GetCode(cause).Message()
	rec.FinishedAt = time.Now().UnixMilli()
	s.metrics.ObserveJudgment(ctx, req.LanguageCode, string(rec.Verdict), 0, 1)
	return s.saveStatus(context.WithoutCancel(ctx), rec)
}

func (s *Service) loadSource(ctx context.Context, req model.JudgeMessage) (string, error) {
	if req.SourceCode != "" {
		return req.SourceCode, nil
	}
	if s.sources == nil {
		return "", appErr.New(appErr.InvalidParams).WithMessage("source_key given but source storage is not configured")
	}
	return s.sources.Fetch(ctx, req.SourceKey, req.SourceHash)
}

func (s *Service) check(req model.JudgeMessage) error {
	if err := s.validate.Struct(req); err != nil {
		return appErr.Wrapf(err, appErr.ValidationFailed, "invalid judge request")
	}
	if len(req.SourceCode) > s.maxSourceBytes {
		return appErr.Newf(appErr.CodeTooLarge, "source exceeds %d bytes", s.maxSourceBytes)
	}
	return nil
}

func (s *Service) saveStatus(ctx context.Context, rec model.StatusRecord) error {
	ctxStatus := ctx
	if s.statusTimeout > 0 {
		var cancel context.CancelFunc
		ctxStatus, cancel = context.WithTimeout(ctx, s.statusTimeout)
		defer cancel()
	}
	return s.status.Save(ctxStatus, rec)
}

func queuedRecord(req model.JudgeMessage) model.StatusRecord {
	return model.StatusRecord{
		SubmissionID: req.SubmissionID,
		TaskID:       req.TaskID,
		LanguageCode: req.LanguageCode,
		State:        model.StateQueued,
		StatusText:   model.QueuedText,
		Generation:   req.ReceivedAt,
		CreatedAt:    req.ReceivedAt,
		UpdatedAt:    req.ReceivedAt,
	}
}
