package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(Up0001, Down0001)
}

func Up0001(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
CREATE TABLE judge_submission_status (
    submission_id VARCHAR(128) NOT NULL PRIMARY KEY,
    task_id VARCHAR(128) NOT NULL DEFAULT '',
    language_code VARCHAR(32) NOT NULL DEFAULT '',
    state VARCHAR(16) NOT NULL,
    status_text VARCHAR(255) NOT NULL,
    verdict VARCHAR(32) NOT NULL DEFAULT '',
    event_num INT NOT NULL DEFAULT 0,
    time_ms BIGINT NOT NULL DEFAULT 0,
    memory_kb BIGINT NOT NULL DEFAULT 0,
    current_test_index INT NOT NULL DEFAULT 0,
    generation BIGINT NOT NULL DEFAULT 0,
    record LONGTEXT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    finished_at BIGINT NOT NULL DEFAULT 0
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`)
	if err != nil {
		return err
	}

	return nil
}

func Down0001(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP TABLE judge_submission_status;`)
	if err != nil {
		return err
	}

	return nil
}
