package users

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Upsert создаёт пользователя при первом контакте и обновляет профиль при повторных.
// Флаг is_admin выставляется только при создании: дальше правда живёт в базе.
func (r *Repository) Upsert(ctx context.Context, id int64, username, firstName, lastName string, isAdmin bool) (*User, error) {
	query := `
		INSERT INTO users (id, username, first_name, last_name, is_admin, created_at, last_active)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username,
		    first_name = EXCLUDED.first_name,
		    last_name = EXCLUDED.last_name,
		    last_active = NOW()
		RETURNING id, username, first_name, last_name, is_admin, is_blocked, created_at, last_active
	`

	var user User
	err := r.db.GetContext(ctx, &user, query, id, username, firstName, lastName, isAdmin)
	if err != nil {
		return nil, fmt.Errorf("не удалось сохранить пользователя %d: %w", id, err)
	}
	return &user, nil
}

func (r *Repository) GetByID(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT id, username, first_name, last_name, is_admin, is_blocked, created_at, last_active
		FROM users
		WHERE id = $1
	`

	var user User
	err := r.db.GetContext(ctx, &user, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("не удалось получить пользователя %d: %w", id, err)
	}
	return &user, nil
}

func (r *Repository) SetBlocked(ctx context.Context, id int64, blocked bool) error {
	query := `UPDATE users SET is_blocked = $2 WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, blocked)
	if err != nil {
		return fmt.Errorf("не удалось обновить блокировку пользователя %d: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Delete удаляет пользователя целиком; сессии и сообщения уходят каскадом.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	query := `DELETE FROM users WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("не удалось удалить пользователя %d: %w", id, err)
	}
	return nil
}

func (r *Repository) GetUsageStats(ctx context.Context) (*UsageStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM users) AS total_users,
			(SELECT COUNT(*) FROM users WHERE last_active > NOW() - INTERVAL '24 hours') AS active_users_24h,
			(SELECT COUNT(*) FROM messages) AS total_messages,
			(SELECT COUNT(*) FROM messages WHERE created_at > NOW() - INTERVAL '24 hours') AS messages_24h,
			(SELECT COUNT(*) FROM tool_executions WHERE created_at > NOW() - INTERVAL '24 hours') AS tool_calls_24h,
			(SELECT COUNT(*) FROM tool_executions WHERE created_at > NOW() - INTERVAL '24 hours' AND status <> 'ok') AS tool_failures_24h
	`

	var stats UsageStats
	err := r.db.GetContext(ctx, &stats, query)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить статистику использования: %w", err)
	}
	return &stats, nil
}
