package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id          BIGINT PRIMARY KEY,
		username    TEXT NOT NULL DEFAULT '',
		first_name  TEXT NOT NULL DEFAULT '',
		last_name   TEXT NOT NULL DEFAULT '',
		is_admin    BOOLEAN NOT NULL DEFAULT FALSE,
		is_blocked  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_active TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id           BIGSERIAL PRIMARY KEY,
		user_id      BIGINT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
		active_tools TEXT[] NOT NULL DEFAULT '{}',
		preferences  JSONB NOT NULL DEFAULT '{}',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_active  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         BIGSERIAL PRIMARY KEY,
		session_id BIGINT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		tokens     INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session_created
		ON messages (session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS tool_executions (
		id          UUID PRIMARY KEY,
		user_id     BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		tool_name   TEXT NOT NULL,
		parameters  JSONB NOT NULL DEFAULT '{}',
		result      TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_executions_created
		ON tool_executions (created_at)`,
	`CREATE TABLE IF NOT EXISTS system_prompts (
		id             BIGSERIAL PRIMARY KEY,
		prompt         TEXT NOT NULL,
		set_by_user_id BIGINT NOT NULL DEFAULT 0,
		is_active      BOOLEAN NOT NULL DEFAULT FALSE,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_system_prompts_active
		ON system_prompts (is_active) WHERE is_active`,
}

// InitSchema создаёт недостающие таблицы и индексы при старте.
func InitSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("не удалось применить схему: %w", err)
		}
	}
	logrus.Info("Схема базы данных проверена")
	return nil
}
