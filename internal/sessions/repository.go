package sessions

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetByUserID(ctx context.Context, userID int64) (*Session, error) {
	query := `
		SELECT id, user_id, active_tools, preferences, created_at, last_active
		FROM sessions
		WHERE user_id = $1
	`

	var session Session
	err := r.db.GetContext(ctx, &session, query, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("не удалось получить сессию пользователя %d: %w", userID, err)
	}
	return &session, nil
}

func (r *Repository) Create(ctx context.Context, userID int64) (*Session, error) {
	query := `
		INSERT INTO sessions (user_id, active_tools, preferences, created_at, last_active)
		VALUES ($1, '{}', '{}', NOW(), NOW())
		RETURNING id, user_id, active_tools, preferences, created_at, last_active
	`

	var session Session
	err := r.db.GetContext(ctx, &session, query, userID)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать сессию для пользователя %d: %w", userID, err)
	}
	return &session, nil
}

func (r *Repository) Touch(ctx context.Context, sessionID int64) error {
	query := `UPDATE sessions SET last_active = NOW() WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("не удалось обновить время активности сессии %d: %w", sessionID, err)
	}
	return nil
}

func (r *Repository) AppendMessage(ctx context.Context, sessionID int64, role, content string, tokens int) (int64, error) {
	query := `
		INSERT INTO messages (session_id, role, content, tokens, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id
	`

	var messageID int64
	err := r.db.GetContext(ctx, &messageID, query, sessionID, role, content, tokens)
	if err != nil {
		return 0, fmt.Errorf("не удалось сохранить сообщение: %w", err)
	}
	return messageID, nil
}

// GetRecentMessages возвращает последние limit сообщений в хронологическом порядке.
func (r *Repository) GetRecentMessages(ctx context.Context, sessionID int64, limit int) ([]Message, error) {
	query := `
		SELECT id, session_id, role, content, tokens, created_at
		FROM (
			SELECT id, session_id, role, content, tokens, created_at
			FROM messages
			WHERE session_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC
	`

	var messages []Message
	err := r.db.SelectContext(ctx, &messages, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("не удалось получить историю сообщений сессии %d: %w", sessionID, err)
	}
	return messages, nil
}

func (r *Repository) GetSystemMessage(ctx context.Context, sessionID int64) (*Message, error) {
	query := `
		SELECT id, session_id, role, content, tokens, created_at
		FROM messages
		WHERE session_id = $1 AND role = 'system'
		ORDER BY id DESC
		LIMIT 1
	`

	var message Message
	err := r.db.GetContext(ctx, &message, query, sessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("не удалось получить системное сообщение сессии %d: %w", sessionID, err)
	}
	return &message, nil
}

func (r *Repository) DeleteMessages(ctx context.Context, sessionID int64) error {
	query := `DELETE FROM messages WHERE session_id = $1`

	if _, err := r.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("не удалось очистить историю сессии %d: %w", sessionID, err)
	}
	return nil
}

// TrimHistory удаляет старые несистемные сообщения сверх лимита хранения.
func (r *Repository) TrimHistory(ctx context.Context, sessionID int64, keep int) error {
	query := `
		DELETE FROM messages
		WHERE session_id = $1
		  AND role <> 'system'
		  AND id NOT IN (
			SELECT id FROM messages
			WHERE session_id = $1 AND role <> 'system'
			ORDER BY id DESC
			LIMIT $2
		  )
	`

	if _, err := r.db.ExecContext(ctx, query, sessionID, keep); err != nil {
		return fmt.Errorf("не удалось подрезать историю сессии %d: %w", sessionID, err)
	}
	return nil
}

func (r *Repository) SetActiveTools(ctx context.Context, sessionID int64, tools []string) error {
	query := `UPDATE sessions SET active_tools = $2 WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, sessionID, pq.StringArray(tools)); err != nil {
		return fmt.Errorf("не удалось обновить набор инструментов сессии %d: %w", sessionID, err)
	}
	return nil
}
