package sessions

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Session struct {
	ID          int64          `db:"id" json:"id"`
	UserID      int64          `db:"user_id" json:"user_id"`
	ActiveTools pq.StringArray `db:"active_tools" json:"active_tools"`
	Preferences types.JSONText `db:"preferences" json:"preferences"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	LastActive  time.Time      `db:"last_active" json:"last_active"`
}

type Message struct {
	ID        int64     `db:"id" json:"id"`
	SessionID int64     `db:"session_id" json:"session_id"`
	Role      string    `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	Tokens    int       `db:"tokens" json:"tokens"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// EstimateTokens грубо оценивает размер текста: примерно четыре символа на токен.
func EstimateTokens(content string) int {
	tokens := len(content) / 4
	if tokens < 1 {
		return 1
	}
	return tokens
}
