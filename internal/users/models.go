package users

import (
	"time"
)

type User struct {
	ID         int64     `db:"id" json:"id"`
	Username   string    `db:"username" json:"username"`
	FirstName  string    `db:"first_name" json:"first_name"`
	LastName   string    `db:"last_name" json:"last_name"`
	IsAdmin    bool      `db:"is_admin" json:"is_admin"`
	IsBlocked  bool      `db:"is_blocked" json:"is_blocked"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	LastActive time.Time `db:"last_active" json:"last_active"`
}

type UsageStats struct {
	TotalUsers      int64 `db:"total_users" json:"total_users"`
	ActiveUsers24h  int64 `db:"active_users_24h" json:"active_users_24h"`
	TotalMessages   int64 `db:"total_messages" json:"total_messages"`
	Messages24h     int64 `db:"messages_24h" json:"messages_24h"`
	ToolCalls24h    int64 `db:"tool_calls_24h" json:"tool_calls_24h"`
	ToolFailures24h int64 `db:"tool_failures_24h" json:"tool_failures_24h"`
}
