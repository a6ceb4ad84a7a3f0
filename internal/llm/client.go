package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"leobot/internal/metrics"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

var (
	ErrTransient   = errors.New("модель временно недоступна")
	ErrTerminal    = errors.New("модель отклонила запрос")
	ErrBreakerOpen = errors.New("модель отключена после серии сбоев")
)

// ChatMessage представляет сообщение диалога в нейтральном виде, не
// привязанном к wire-формату конкретного бэкенда.
type ChatMessage struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// ToolSpec описывает инструмент в формате, который понимает модель.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Result несёт итог одного вызова модели. Без ToolCalls FinalText содержит
// готовый ответ, при вызовах инструментов промежуточный текст модели, если был.
type Result struct {
	FinalText string
	ToolCalls []ToolCall
}

type Config struct {
	BaseURL         string
	APIKey          string
	Model           string
	Temperature     float32
	MaxTokens       int
	RequestTimeout  time.Duration
	RetryAttempts   int
	RetryMinWait    time.Duration
	RetryMaxWait    time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
}

type completionAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

type Client struct {
	api     completionAPI
	cfg     Config
	breaker *breaker
}

func NewClient(cfg Config) *Client {
	apiConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiConfig.BaseURL = cfg.BaseURL
	}
	return newClient(openai.NewClientWithConfig(apiConfig), cfg)
}

func newClient(api completionAPI, cfg Config) *Client {
	return &Client{
		api:     api,
		cfg:     cfg,
		breaker: newBreaker(cfg.BreakerFailures, cfg.BreakerCooldown),
	}
}

// Generate отправляет собранный диалог модели и возвращает либо готовый
// текст, либо список запрошенных вызовов инструментов. Временные сбои
// повторяются с паузами, серия сбоев открывает предохранитель.
func (c *Client) Generate(ctx context.Context, messages []ChatMessage, specs []ToolSpec) (*Result, error) {
	if !c.breaker.Allow() {
		return nil, ErrBreakerOpen
	}

	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    toOpenAIMessages(messages),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Tools:       toOpenAITools(specs),
	}

	started := time.Now()
	var resp openai.ChatCompletionResponse
	err := c.withRetry(ctx, func(attemptCtx context.Context) error {
		var callErr error
		resp, callErr = c.api.CreateChatCompletion(attemptCtx, req)
		return callErr
	})
	if err != nil {
		metrics.ModelCallDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())
		if isTransient(err) {
			c.breaker.RecordFailure()
			metrics.BreakerOpen.Set(breakerGaugeValue(c.breaker.State()))
			logrus.Errorf("Ошибка при запросе к модели после %d попыток: %v", c.cfg.RetryAttempts, err)
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		logrus.Errorf("Модель отклонила запрос: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrTerminal, err)
	}
	metrics.ModelCallDuration.WithLabelValues("ok").Observe(time.Since(started).Seconds())
	c.breaker.RecordSuccess()
	metrics.BreakerOpen.Set(0)

	return parseResult(resp)
}

// Health проверяет доступность бэкенда лёгким запросом списка моделей.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("модель недоступна: %w", err)
	}
	return nil
}

// BreakerState отдаёт текущее состояние предохранителя для метрик.
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

func breakerGaugeValue(state string) float64 {
	if state == "open" {
		return 1
	}
	return 0
}

func parseResult(resp openai.ChatCompletionResponse) (*Result, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: нет ответа от модели", ErrTerminal)
	}

	message := resp.Choices[0].Message
	if len(message.ToolCalls) == 0 {
		return &Result{FinalText: message.Content}, nil
	}

	calls := make([]ToolCall, 0, len(message.ToolCalls))
	for _, tc := range message.ToolCalls {
		args := map[string]interface{}{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("%w: не удалось разобрать аргументы инструмента %s: %v", ErrTerminal, tc.Function.Name, err)
			}
		}
		// часть OpenAI-совместимых бэкендов не присылает id вызова,
		// а ответное tool-сообщение обязано на него ссылаться
		id := tc.ID
		if id == "" {
			id = uuid.New().String()
		}
		calls = append(calls, ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return &Result{FinalText: message.Content, ToolCalls: calls}, nil
}

func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		converted := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			args, err := json.Marshal(call.Arguments)
			if err != nil {
				logrus.Warnf("Не удалось сериализовать аргументы вызова %s: %v", call.Name, err)
				args = []byte("{}")
			}
			converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, converted)
	}
	return out
}

func toOpenAITools(specs []ToolSpec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		})
	}
	return tools
}
