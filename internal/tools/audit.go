package tools

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/sirupsen/logrus"
)

const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

const maxAuditResultLen = 2000

type AuditRecord struct {
	ID         string         `db:"id" json:"id"`
	UserID     int64          `db:"user_id" json:"user_id"`
	ToolName   string         `db:"tool_name" json:"tool_name"`
	Parameters types.JSONText `db:"parameters" json:"parameters"`
	Result     string         `db:"result" json:"result"`
	Status     string         `db:"status" json:"status"`
	DurationMs int64          `db:"duration_ms" json:"duration_ms"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// AuditRecorder пишет журнал вызовов инструментов. Сбой записи не должен
// ломать диалог, поэтому ошибки только логируются.
type AuditRecorder struct {
	db *sqlx.DB
}

func NewAuditRecorder(db *sqlx.DB) *AuditRecorder {
	return &AuditRecorder{db: db}
}

func (r *AuditRecorder) Record(ctx context.Context, record AuditRecord) {
	record.ID = uuid.New().String()
	if len(record.Result) > maxAuditResultLen {
		cut := record.Result[:maxAuditResultLen]
		for len(cut) > 0 && !utf8.ValidString(cut) {
			cut = cut[:len(cut)-1]
		}
		record.Result = cut
	}
	if len(record.Parameters) == 0 {
		record.Parameters = types.JSONText("{}")
	}

	query := `INSERT INTO tool_executions (id, user_id, tool_name, parameters, result, status, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`

	_, err := r.db.ExecContext(ctx, query,
		record.ID, record.UserID, record.ToolName, record.Parameters,
		record.Result, record.Status, record.DurationMs)
	if err != nil {
		logrus.Errorf("Ошибка при записи журнала инструментов: %v", err)
	}
}
