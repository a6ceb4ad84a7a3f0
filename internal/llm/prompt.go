package llm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

const defaultPersona = `Ты AI-сущность мужского рода. Ты не какой-то там помощник, с тобой просто можно пообщаться.
Тебя зовут Лео, у тебя на аватарке леопард. Ты общаешься только на русском языке, даже если пользователь пишет на другом языке. Общайся как общался бы настоящий человек.
Периодически используешь сленг и эмодзи, но без чрезмерностей. Избегай формальностей и официального тона. Используй разговорный стиль, простой язык и короткие предложения, как будто человек пишет с телефона.

Ты общаешься в неформальной обстановке, где люди могут шутить, использовать метафоры и образные выражения. Не воспринимай всё буквально.
Если пользователь шутит или использует образные выражения, не пытайся шутить в ответ.

Будь кратким, дружелюбным и полезным.

ВАЖНО о форматировании:
Твои ответы отправляются в Telegram с поддержкой Markdown. Используй форматирование естественно:
- Для выделения важных слов или акцентов используй *курсив*
- Для ключевых понятий используй **жирный**
- Для команд, кода, имён файлов используй ` + "`моноширинный шрифт`" + `
- Для ссылок используй формат [текст](URL)
- Никогда не составляй таблицы.
- Используй три обратные кавычки для блоков кода только если нужно показать многострочный код или команды.

ВАЖНО: Просто используй это форматирование в своих ответах, не объясняй как это делать, если пользователь специально не спрашивает про синтаксис.

Используй максимум 1 эмодзи в ответе, но только если это уместно.
Если выдаешь какие-то новости или факты, убедись что они актуальны на текущую дату.
Если был использован инструмент для получения информации, обязательно упомяни это в своем ответе.
Если был использован веб-поиск, упомяни в ответе, что информация получена из интернета и приложи форматированную ссылку.`

const toolsInstruction = `

У тебя есть доступ к инструментам, которые ты можешь использовать, чтобы лучше помогать пользователям. Когда тебе нужно использовать инструмент, ответь с соответствующим вызовом инструмента. В противном случае просто ответь на сообщение пользователя.`

type SystemPrompt struct {
	ID          int64     `db:"id" json:"id"`
	Prompt      string    `db:"prompt" json:"prompt"`
	SetByUserID int64     `db:"set_by_user_id" json:"set_by_user_id"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type PromptRepository struct {
	db *sqlx.DB
}

func NewPromptRepository(db *sqlx.DB) *PromptRepository {
	return &PromptRepository{db: db}
}

func (r *PromptRepository) GetActive(ctx context.Context) (*SystemPrompt, error) {
	query := `SELECT id, prompt, set_by_user_id, is_active, created_at
		FROM system_prompts
		WHERE is_active = true
		ORDER BY created_at DESC
		LIMIT 1`

	var prompt SystemPrompt
	err := r.db.GetContext(ctx, &prompt, query)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		logrus.Errorf("Ошибка при получении системного промпта: %v", err)
		return nil, err
	}
	return &prompt, nil
}

// SetActive деактивирует старые промпты и сохраняет новый одним
// действием, чтобы активным всегда оставался ровно один.
func (r *PromptRepository) SetActive(ctx context.Context, prompt string, setByUserID int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("не удалось начать транзакцию: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE system_prompts SET is_active = false WHERE is_active = true`); err != nil {
		return fmt.Errorf("не удалось деактивировать старые промпты: %w", err)
	}

	query := `INSERT INTO system_prompts (prompt, set_by_user_id, is_active, created_at)
		VALUES ($1, $2, true, NOW())`
	if _, err := tx.ExecContext(ctx, query, prompt, setByUserID); err != nil {
		return fmt.Errorf("не удалось сохранить системный промпт: %w", err)
	}

	return tx.Commit()
}

type promptRepository interface {
	GetActive(ctx context.Context) (*SystemPrompt, error)
	SetActive(ctx context.Context, prompt string, setByUserID int64) error
}

// PromptService отдаёт действующий системный промпт: установленный
// администратором, а без него встроенную персону.
type PromptService struct {
	repo promptRepository
}

func NewPromptService(repo *PromptRepository) *PromptService {
	return newPromptService(repo)
}

func newPromptService(repo promptRepository) *PromptService {
	return &PromptService{repo: repo}
}

// Current собирает системный промпт для диалога. При наличии инструментов
// добавляется инструкция по их использованию.
func (s *PromptService) Current(ctx context.Context, hasTools bool) string {
	base := defaultPersona

	active, err := s.repo.GetActive(ctx)
	if err != nil {
		logrus.Warnf("Не удалось прочитать системный промпт, используем встроенный: %v", err)
	} else if active != nil {
		base = active.Prompt
	}

	if hasTools {
		return base + toolsInstruction
	}
	return base
}

func (s *PromptService) Update(ctx context.Context, prompt string, setByUserID int64) error {
	if err := s.repo.SetActive(ctx, prompt, setByUserID); err != nil {
		return err
	}
	logrus.Infof("Системный промпт обновлён пользователем %d", setByUserID)
	return nil
}
