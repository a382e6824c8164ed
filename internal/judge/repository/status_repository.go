// Package repository persists judge statuses, diagnostics and submitted sources.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ojudge/internal/common/cache"
	"ojudge/internal/common/db"
	"ojudge/internal/judge/model"
	appErr "ojudge/pkg/errors"
	"ojudge/pkg/utils/logger"
)

const (
	statusKeyPrefix  = "judge:status:"
	defaultStatusTTL = 24 * time.Hour
)

var statusColumns = []string{
	"task_id", "language_code", "state", "status_text", "verdict", "event_num",
	"time_ms", "memory_kb", "current_test_index", "score", "max_score", "record",
	"created_at", "updated_at", "finished_at",
}

// upsertStatusQuery keeps the row of the newest judging generation and never
// reopens a finished row of the same generation. state and generation are
// assigned last so every IF compares against the stored values.
var upsertStatusQuery = buildUpsertStatusQuery()

const selectStatusQuery = "SELECT record FROM judge_submission_status WHERE submission_id = ?"

// StatusRepository writes every status transition to Redis for fast polling and to
// MySQL for durability, and publishes terminal statuses.
type StatusRepository struct {
	cache     cache.Cache
	db        db.Database
	publisher StatusEventPublisher
	ttl       time.Duration
}

// NewStatusRepository creates a repository. database and publisher may be nil.
func NewStatusRepository(cacheClient cache.Cache, database db.Database, publisher StatusEventPublisher, ttl time.Duration) *StatusRepository {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	return &StatusRepository{cache: cacheClient, db: database, publisher: publisher, ttl: ttl}
}

// Get returns the latest status of a submission.
func (r *StatusRepository) Get(ctx context.Context, submissionID string) (model.StatusRecord, error) {
	if submissionID == "" {
		return model.StatusRecord{}, appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return model.StatusRecord{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	rec, err := cache.GetWithCached(
		ctx,
		r.cache,
		statusKeyPrefix+submissionID,
		r.ttl,
		func(rec model.StatusRecord) bool { return rec.SubmissionID == "" },
		marshalStatus,
		unmarshalStatus,
		func(ctx context.Context) (model.StatusRecord, error) {
			return r.load(ctx, submissionID)
		},
	)
	if err != nil {
		return model.StatusRecord{}, err
	}
	if rec.SubmissionID == "" {
		return model.StatusRecord{}, appErr.Newf(appErr.SubmissionNotFound, "submission %s not found", submissionID)
	}
	return rec, nil
}

func (r *StatusRepository) load(ctx context.Context, submissionID string) (model.StatusRecord, error) {
	if r.db == nil {
		return model.StatusRecord{}, nil
	}
	var raw string
	if err := r.db.QueryRow(ctx, selectStatusQuery, submissionID).Scan(&raw); err != nil {
		if db.IsNoRows(err) {
			return model.StatusRecord{}, nil
		}
		return model.StatusRecord{}, appErr.Wrapf(err, appErr.DatabaseError, "load status failed")
	}
	return unmarshalStatus(raw)
}

// Save upserts one status. Writing the same record twice is harmless.
func (r *StatusRepository) Save(ctx context.Context, rec model.StatusRecord) error {
	if rec.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = time.Now().UnixMilli()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = rec.UpdatedAt
	}
	rec.EventNum = rec.Verdict.EventNum()
	if r.superseded(ctx, rec) {
		logger.Debug(ctx, "drop status of superseded generation",
			zap.String("submission_id", rec.SubmissionID), zap.Int64("generation", rec.Generation))
		return nil
	}

	data, err := marshalStatus(rec)
	if err != nil {
		return appErr.Wrapf(err, appErr.StoreWriteFailure, "encode status failed")
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+rec.SubmissionID, data, r.ttl); err != nil {
		return appErr.Wrapf(err, appErr.StoreWriteFailure, "store status in cache failed")
	}
	if r.db != nil {
		if _, err := r.db.Exec(ctx, upsertStatusQuery, statusArgs(rec, data)...); err != nil {
			return appErr.Wrapf(err, appErr.StoreWriteFailure, "store status in database failed")
		}
	}
	if rec.Terminal() && r.publisher != nil {
		// The stored status is authoritative; a lost event only delays downstream consumers.
		if err := r.publisher.PublishFinalStatus(ctx, rec); err != nil {
			logger.Warn(ctx, "publish final status failed", zap.String("submission_id", rec.SubmissionID), zap.Error(err))
		}
	}
	return nil
}

// superseded reports whether the cached record belongs to a newer judging
// generation, or is already final for this one.
func (r *StatusRepository) superseded(ctx context.Context, rec model.StatusRecord) bool {
	if rec.Generation == 0 {
		return false
	}
	raw, err := r.cache.Get(ctx, statusKeyPrefix+rec.SubmissionID)
	if err != nil || raw == "" {
		return false
	}
	cached, err := unmarshalStatus(raw)
	if err != nil {
		return false
	}
	if cached.Generation == rec.Generation {
		return cached.Terminal()
	}
	return cached.Generation > rec.Generation
}

func statusArgs(rec model.StatusRecord, record string) []interface{} {
	return []interface{}{
		rec.SubmissionID,
		rec.TaskID, rec.LanguageCode, string(rec.State), rec.StatusText, string(rec.Verdict), rec.EventNum,
		rec.TimeMs, rec.MemoryKB, rec.CurrentTestIndex, rec.Score, rec.MaxScore, record,
		rec.CreatedAt, rec.UpdatedAt, rec.FinishedAt,
		rec.Generation,
	}
}

func buildUpsertStatusQuery() string {
	cols := append([]string{"submission_id"}, statusColumns...)
	cols = append(cols, "generation")
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	guard := fmt.Sprintf("VALUES(generation) > generation OR (VALUES(generation) = generation AND state <> '%s')", model.StateFinished)
	updates := make([]string, 0, len(statusColumns)+1)
	for _, c := range statusColumns {
		if c == "state" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = IF(%s, VALUES(%s), %s)", c, guard, c, c))
	}
	updates = append(updates,
		fmt.Sprintf("state = IF(%s, VALUES(state), state)", guard),
		"generation = GREATEST(generation, VALUES(generation))",
	)
	return fmt.Sprintf(
		"INSERT INTO judge_submission_status (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		strings.Join(cols, ", "), placeholders, strings.Join(updates, ", "),
	)
}

func marshalStatus(rec model.StatusRecord) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalStatus(raw string) (model.StatusRecord, error) {
	var rec model.StatusRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return model.StatusRecord{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return rec, nil
}
