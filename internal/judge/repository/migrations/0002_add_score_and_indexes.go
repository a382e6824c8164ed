package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0002, Down0002)
}

func Up0002(ctx context.Context, tx *sql.Tx) error {
	return execStatements(ctx, tx,
		`ALTER TABLE judge_submission_status
    ADD COLUMN score INT NOT NULL DEFAULT 0 AFTER current_test_index,
    ADD COLUMN max_score INT NOT NULL DEFAULT 0 AFTER score;`,
		`CREATE INDEX idx_judge_status_task ON judge_submission_status (task_id, verdict);`,
		`CREATE INDEX idx_judge_status_updated ON judge_submission_status (updated_at);`,
	)
}

func Down0002(ctx context.Context, tx *sql.Tx) error {
	return execStatements(ctx, tx,
		`DROP INDEX idx_judge_status_updated ON judge_submission_status;`,
		`DROP INDEX idx_judge_status_task ON judge_submission_status;`,
		`ALTER TABLE judge_submission_status DROP COLUMN max_score, DROP COLUMN score;`,
	)
}
