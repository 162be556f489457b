package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Timestamps are TEXT columns in a fixed-width UTC layout so string
// comparison matches time order on both backends.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		username      TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS lab_reports (
		id         TEXT PRIMARY KEY,
		number     TEXT NOT NULL,
		statement  TEXT NOT NULL,
		authors    TEXT NOT NULL,
		created_by TEXT NOT NULL REFERENCES users(username),
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS questions (
		id            TEXT PRIMARY KEY,
		lab_report_id TEXT NOT NULL REFERENCES lab_reports(id),
		number        TEXT NOT NULL,
		statement     TEXT NOT NULL,
		created_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subtopics (
		id                 TEXT PRIMARY KEY,
		question_id        TEXT NOT NULL REFERENCES questions(id),
		title              TEXT NOT NULL,
		procedures         TEXT NOT NULL DEFAULT '',
		explanation        TEXT NOT NULL DEFAULT '',
		citations          TEXT NOT NULL DEFAULT '',
		image_url          TEXT NOT NULL DEFAULT '',
		figure_description TEXT NOT NULL DEFAULT '',
		created_at         TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_sessions (
		token_hash TEXT PRIMARY KEY,
		username   TEXT NOT NULL REFERENCES users(username),
		expires_at TEXT NOT NULL,
		revoked_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS revoked_access_tokens (
		jti        TEXT PRIMARY KEY,
		expires_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_questions_report ON questions(lab_report_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_subtopics_question ON subtopics(question_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_lab_reports_created_by ON lab_reports(created_by)`,
}

// CreateSchema applies the schema inside one transaction. Every
// statement is idempotent, so startup runs it unconditionally.
func CreateSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}
