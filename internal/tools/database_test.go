package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Проверка запросов на чтение ---

func TestValidateReadOnlyAllowsSelects(t *testing.T) {
	queries := []string{
		"SELECT * FROM users",
		"select id, username from users where is_blocked = false",
		"SELECT created_at, updated_at FROM sessions ORDER BY created_at DESC",
		"  SELECT count(*) FROM messages  ",
	}
	for _, query := range queries {
		assert.NoError(t, validateReadOnly(query), query)
	}
}

func TestValidateReadOnlyRejectsNonSelect(t *testing.T) {
	queries := []string{
		"UPDATE users SET is_blocked = true",
		"DELETE FROM messages",
		"INSERT INTO users (telegram_id) VALUES (1)",
		"WITH x AS (SELECT 1) SELECT * FROM x",
		"",
	}
	for _, query := range queries {
		err := validateReadOnly(query)
		require.Error(t, err, query)
		assert.Contains(t, err.Error(), "только SELECT", query)
	}
}

func TestValidateReadOnlyRejectsEmbeddedStatements(t *testing.T) {
	queries := map[string]string{
		"SELECT * FROM users; DROP TABLE users":     "DROP",
		"SELECT * FROM users; DELETE FROM messages": "DELETE",
		"SELECT * FROM users; TRUNCATE sessions":    "TRUNCATE",
		"SELECT * FROM users; GRANT ALL ON users TO public": "GRANT",
	}
	for query, keyword := range queries {
		err := validateReadOnly(query)
		require.Error(t, err, query)
		assert.Contains(t, err.Error(), keyword, query)
	}
}

func TestValidateReadOnlyIgnoresKeywordsInsideIdentifiers(t *testing.T) {
	queries := []string{
		"SELECT created_at FROM users",
		"SELECT last_update FROM sessions",
		"SELECT dropped_count FROM stats",
	}
	for _, query := range queries {
		assert.NoError(t, validateReadOnly(query), query)
	}
}
