package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// DatabaseProvider даёт модели читать базу: только SELECT, изменяющие
// ключевые слова отклоняются до выполнения.
type DatabaseProvider struct {
	db *sqlx.DB
}

func NewDatabaseProvider(db *sqlx.DB) *DatabaseProvider {
	return &DatabaseProvider{db: db}
}

func (p *DatabaseProvider) Name() string {
	return "database"
}

func (p *DatabaseProvider) Initialize(ctx context.Context) error {
	if p.db == nil {
		return fmt.Errorf("провайдеру базы данных не передано подключение")
	}
	return p.db.PingContext(ctx)
}

func (p *DatabaseProvider) Tools() []Descriptor {
	return []Descriptor{
		{
			Name:        "query_database",
			Description: "Выполнить SELECT-запрос к базе данных",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "SQL-запрос, только SELECT",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "get_schema",
			Description: "Получить схему базы данных",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"table_name": map[string]interface{}{
						"type":        "string",
						"description": "Имя таблицы (необязательно)",
					},
				},
			},
		},
	}
}

func (p *DatabaseProvider) Execute(ctx context.Context, toolName string, params map[string]interface{}) (interface{}, error) {
	switch toolName {
	case "query_database":
		query, err := stringParam(params, "query")
		if err != nil {
			return nil, err
		}
		return p.runQuery(ctx, query)
	case "get_schema":
		table := ""
		if raw, ok := params["table_name"].(string); ok {
			table = raw
		}
		return p.getSchema(ctx, table)
	default:
		return nil, fmt.Errorf("неизвестный инструмент: %s", toolName)
	}
}

func (p *DatabaseProvider) Context(ctx context.Context, _ string) (map[string]interface{}, error) {
	tables, err := p.tableList(ctx)
	if err != nil {
		return map[string]interface{}{
			"connection_status": "error",
			"error":             err.Error(),
		}, nil
	}
	return map[string]interface{}{
		"available_tables":  tables,
		"connection_status": "connected",
	}, nil
}

func (p *DatabaseProvider) Shutdown(_ context.Context) error {
	return nil
}

var forbiddenKeywords = regexp.MustCompile(`\b(DROP|DELETE|UPDATE|INSERT|ALTER|CREATE|TRUNCATE|GRANT)\b`)

// validateReadOnly пропускает только SELECT без изменяющих ключевых слов.
func validateReadOnly(query string) error {
	upper := strings.ToUpper(strings.TrimSpace(query))
	if !strings.HasPrefix(upper, "SELECT") {
		return fmt.Errorf("разрешены только SELECT-запросы")
	}
	if keyword := forbiddenKeywords.FindString(upper); keyword != "" {
		return fmt.Errorf("запрос содержит запрещённое ключевое слово %s", keyword)
	}
	return nil
}

func (p *DatabaseProvider) runQuery(ctx context.Context, query string) (interface{}, error) {
	if err := validateReadOnly(query); err != nil {
		return nil, err
	}

	rows, err := p.db.QueryxContext(ctx, query)
	if err != nil {
		logrus.Errorf("Ошибка при выполнении запроса инструмента: %v", err)
		return nil, fmt.Errorf("не удалось выполнить запрос: %w", err)
	}
	defer rows.Close()

	var result []map[string]interface{}
	for rows.Next() {
		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("не удалось прочитать строку: %w", err)
		}
		for key, value := range row {
			if raw, ok := value.([]byte); ok {
				row[key] = string(raw)
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения результата: %w", err)
	}
	if result == nil {
		result = []map[string]interface{}{}
	}
	return result, nil
}

func (p *DatabaseProvider) getSchema(ctx context.Context, table string) (interface{}, error) {
	if table == "" {
		tables, err := p.tableList(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"tables": tables}, nil
	}

	query := `SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position`

	rows, err := p.db.QueryxContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать схему: %w", err)
	}
	defer rows.Close()

	var columns []map[string]interface{}
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("не удалось прочитать колонку: %w", err)
		}
		columns = append(columns, map[string]interface{}{
			"name":     name,
			"type":     dataType,
			"nullable": nullable == "YES",
		})
	}
	return map[string]interface{}{"table": table, "columns": columns}, rows.Err()
}

func (p *DatabaseProvider) tableList(ctx context.Context) ([]string, error) {
	query := `SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
		ORDER BY table_name`

	var tables []string
	if err := p.db.SelectContext(ctx, &tables, query); err != nil {
		return nil, fmt.Errorf("не удалось получить список таблиц: %w", err)
	}
	return tables, nil
}
