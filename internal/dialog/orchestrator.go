package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"leobot/internal/llm"
	"leobot/internal/ratelimit"
	"leobot/internal/sessions"
	"leobot/internal/tools"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrAdmissionDenied = errors.New("превышен лимит запросов")
	ErrDepthExceeded   = errors.New("превышена глубина цепочки инструментов")
)

// AdmissionError дополняет отказ лимитера временем до повторной попытки.
type AdmissionError struct {
	Scope      ratelimit.Scope
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%v: повтор через %s", ErrAdmissionDenied, e.RetryAfter)
}

func (e *AdmissionError) Unwrap() error { return ErrAdmissionDenied }

const (
	defaultContextTokens = 8000
	defaultMaxToolDepth  = 5
	defaultFallbackText  = "🤔 Я получил пустой ответ. Попробуйте переформулировать вопрос."
)

type Config struct {
	ContextTokens int
	MaxToolDepth  int
	FallbackText  string
}

type limiter interface {
	Allow(ctx context.Context, userID int64) ratelimit.Decision
}

type sessionStore interface {
	GetOrCreate(ctx context.Context, userID int64) (*sessions.Session, error)
	ContextWindow(ctx context.Context, userID int64, maxTokens int) ([]sessions.Message, error)
	AppendMessage(ctx context.Context, userID int64, role, content string) (*sessions.Message, error)
}

type model interface {
	Generate(ctx context.Context, messages []llm.ChatMessage, specs []llm.ToolSpec) (*llm.Result, error)
}

type prompter interface {
	Current(ctx context.Context, hasTools bool) string
}

type toolRegistry interface {
	ListTools() []tools.Descriptor
	Execute(ctx context.Context, userID int64, toolName string, params map[string]interface{}) (string, error)
	GatherContext(ctx context.Context, query string, activeProviders []string) map[string]interface{}
}

// Orchestrator проводит каждое входящее сообщение по одному и тому же
// маршруту: допуск лимитером, сборка контекста, вызовы модели с
// разрешением запрошенных инструментов, сохранение хода, готовый ответ.
type Orchestrator struct {
	limiter  limiter
	store    sessionStore
	model    model
	prompts  prompter
	registry toolRegistry
	cfg      Config
}

func NewOrchestrator(l *ratelimit.Limiter, store *sessions.Service, client *llm.Client, prompts *llm.PromptService, registry *tools.Registry, cfg Config) *Orchestrator {
	o := newOrchestrator(l, store, client, prompts, nil, cfg)
	if registry != nil {
		o.registry = registry
	}
	return o
}

func newOrchestrator(l limiter, store sessionStore, m model, p prompter, r toolRegistry, cfg Config) *Orchestrator {
	if cfg.ContextTokens <= 0 {
		cfg.ContextTokens = defaultContextTokens
	}
	if cfg.MaxToolDepth <= 0 {
		cfg.MaxToolDepth = defaultMaxToolDepth
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = defaultFallbackText
	}
	return &Orchestrator{
		limiter:  l,
		store:    store,
		model:    m,
		prompts:  p,
		registry: r,
		cfg:      cfg,
	}
}

// turnMessage хранит сообщение, накопленное за ход. В историю оно попадает
// только вместе с готовым ответом.
type turnMessage struct {
	role    string
	content string
}

// Respond обрабатывает одно сообщение пользователя и возвращает текст
// ответа. История сохраняется единственный раз, когда ответ уже готов:
// отмена или сбой на любом шаге до этого оставляет сессию нетронутой.
func (o *Orchestrator) Respond(ctx context.Context, userID int64, text string) (string, error) {
	decision := o.limiter.Allow(ctx, userID)
	if !decision.Allowed {
		logrus.Infof("Сообщение пользователя %d отклонено лимитером (%s)", userID, decision.Scope)
		return "", &AdmissionError{Scope: decision.Scope, RetryAfter: decision.RetryAfter}
	}

	session, err := o.store.GetOrCreate(ctx, userID)
	if err != nil {
		return "", err
	}

	window, err := o.store.ContextWindow(ctx, userID, o.cfg.ContextTokens)
	if err != nil {
		return "", err
	}

	specs := o.toolSpecs()
	messages := o.assemble(ctx, session, window, text, specs)

	reply, turn, err := o.loop(ctx, userID, messages, specs)
	switch {
	case errors.Is(err, ErrDepthExceeded):
		logrus.Warnf("Пользователь %d: %v, отдаём последний текст модели", userID, err)
	case err != nil:
		return "", err
	}

	if strings.TrimSpace(reply) == "" {
		logrus.Warnf("Модель вернула пустой ответ пользователю %d, отвечаем заглушкой", userID)
		reply = o.cfg.FallbackText
	}

	if err := o.persistTurn(ctx, userID, text, turn, reply); err != nil {
		return "", err
	}
	return reply, nil
}

// assemble собирает сообщения для модели: актуальный системный промпт,
// история без устаревших системных записей, фоновый контекст провайдеров
// и текущее сообщение пользователя.
func (o *Orchestrator) assemble(ctx context.Context, session *sessions.Session, window []sessions.Message, text string, specs []llm.ToolSpec) []llm.ChatMessage {
	messages := make([]llm.ChatMessage, 0, len(window)+3)
	messages = append(messages, llm.ChatMessage{
		Role:    sessions.RoleSystem,
		Content: o.prompts.Current(ctx, len(specs) > 0),
	})

	for _, msg := range window {
		// сохранённый системный промпт вытеснен актуальным
		if msg.Role == sessions.RoleSystem {
			continue
		}
		messages = append(messages, llm.ChatMessage{Role: msg.Role, Content: msg.Content})
	}

	if toolContext := o.gatherToolContext(ctx, text, session.ActiveTools); toolContext != "" {
		messages = append(messages, llm.ChatMessage{
			Role:    sessions.RoleSystem,
			Content: "Additional context from tools:\n" + toolContext,
		})
	}

	messages = append(messages, llm.ChatMessage{Role: sessions.RoleUser, Content: text})
	return messages
}

// loop крутит цикл модель → инструменты, пока модель не отдаст готовый
// текст. Глубина ограничена: на исчерпании возвращается последний текст
// модели вместе с ErrDepthExceeded.
func (o *Orchestrator) loop(ctx context.Context, userID int64, messages []llm.ChatMessage, specs []llm.ToolSpec) (string, []turnMessage, error) {
	var turn []turnMessage
	var lastText string

	for depth := 0; ; depth++ {
		result, err := o.model.Generate(ctx, messages, specs)
		if err != nil {
			return "", nil, err
		}
		if result.FinalText != "" {
			lastText = result.FinalText
		}

		if len(result.ToolCalls) == 0 {
			return result.FinalText, turn, nil
		}
		if depth >= o.cfg.MaxToolDepth {
			return lastText, turn, fmt.Errorf("%w: %d", ErrDepthExceeded, o.cfg.MaxToolDepth)
		}

		messages = append(messages, llm.ChatMessage{
			Role:      sessions.RoleAssistant,
			Content:   result.FinalText,
			ToolCalls: result.ToolCalls,
		})
		turn = append(turn, turnMessage{role: sessions.RoleAssistant, content: result.FinalText})

		for _, call := range result.ToolCalls {
			output := o.runTool(ctx, userID, call)
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			messages = append(messages, llm.ChatMessage{
				Role:       sessions.RoleTool,
				Content:    output,
				ToolCallID: call.ID,
			})
			turn = append(turn, turnMessage{role: sessions.RoleTool, content: output})
		}
	}
}

// runTool выполняет запрошенный инструмент. Ошибка выполнения не
// прерывает ход, а возвращается модели текстом результата.
func (o *Orchestrator) runTool(ctx context.Context, userID int64, call llm.ToolCall) string {
	if o.registry == nil {
		return fmt.Sprintf("Ошибка инструмента %s: %v", call.Name, tools.ErrToolNotFound)
	}

	output, err := o.registry.Execute(ctx, userID, call.Name, call.Arguments)
	if err != nil {
		if ctx.Err() != nil {
			return ""
		}
		logrus.Warnf("Инструмент %s для пользователя %d завершился ошибкой: %v", call.Name, userID, err)
		return fmt.Sprintf("Ошибка инструмента %s: %v", call.Name, err)
	}
	return output
}

// persistTurn записывает весь обмен в историю: сообщение пользователя,
// промежуточные шаги инструментов и финальный ответ.
func (o *Orchestrator) persistTurn(ctx context.Context, userID int64, userText string, turn []turnMessage, reply string) error {
	entries := make([]turnMessage, 0, len(turn)+2)
	entries = append(entries, turnMessage{role: sessions.RoleUser, content: userText})
	entries = append(entries, turn...)
	entries = append(entries, turnMessage{role: sessions.RoleAssistant, content: reply})

	for _, entry := range entries {
		if _, err := o.store.AppendMessage(ctx, userID, entry.role, entry.content); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) toolSpecs() []llm.ToolSpec {
	if o.registry == nil {
		return nil
	}
	descriptors := o.registry.ListTools()
	if len(descriptors) == 0 {
		return nil
	}

	specs := make([]llm.ToolSpec, 0, len(descriptors))
	for _, d := range descriptors {
		specs = append(specs, llm.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return specs
}

// gatherToolContext опрашивает провайдеров и форматирует их фоновый
// контекст блоками [имя] + JSON.
func (o *Orchestrator) gatherToolContext(ctx context.Context, query string, active []string) string {
	if o.registry == nil {
		return ""
	}
	gathered := o.registry.GatherContext(ctx, query, active)
	if len(gathered) == 0 {
		return ""
	}

	names := make([]string, 0, len(gathered))
	for name := range gathered {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		data, err := json.MarshalIndent(gathered[name], "", "  ")
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s]\n%s", name, data))
	}
	return strings.Join(parts, "\n\n")
}
