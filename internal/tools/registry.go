package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"leobot/internal/metrics"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrToolNotFound  = errors.New("инструмент не найден")
	ErrToolTimeout   = errors.New("инструмент не ответил вовремя")
	ErrToolExecution = errors.New("ошибка выполнения инструмента")
)

// Descriptor описывает инструмент для модели: имя, назначение и
// JSON-схема параметров.
type Descriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Provider представляет подключаемый набор инструментов. Регистр работает со всеми
// провайдерами одинаково через этот интерфейс.
type Provider interface {
	Name() string
	Initialize(ctx context.Context) error
	Tools() []Descriptor
	Execute(ctx context.Context, toolName string, params map[string]interface{}) (interface{}, error)
	Context(ctx context.Context, query string) (map[string]interface{}, error)
	Shutdown(ctx context.Context) error
}

type auditor interface {
	Record(ctx context.Context, record AuditRecord)
}

type Registry struct {
	providers map[string]Provider
	byTool    map[string]Provider
	order     []string
	timeout   time.Duration
	audit     auditor
}

func NewRegistry(timeout time.Duration, recorder *AuditRecorder) *Registry {
	var a auditor
	if recorder != nil {
		a = recorder
	}
	return newRegistry(timeout, a)
}

func newRegistry(timeout time.Duration, a auditor) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		byTool:    make(map[string]Provider),
		timeout:   timeout,
		audit:     a,
	}
}

// Register инициализирует провайдера и добавляет его инструменты в регистр.
func (r *Registry) Register(ctx context.Context, provider Provider) error {
	if err := provider.Initialize(ctx); err != nil {
		return fmt.Errorf("не удалось инициализировать провайдера %s: %w", provider.Name(), err)
	}

	r.providers[provider.Name()] = provider
	r.order = append(r.order, provider.Name())

	tools := provider.Tools()
	for _, tool := range tools {
		if _, exists := r.byTool[tool.Name]; exists {
			logrus.Warnf("Инструмент %s уже зарегистрирован, перезаписываем", tool.Name)
		}
		r.byTool[tool.Name] = provider
	}

	logrus.Infof("Зарегистрирован провайдер %s с %d инструментами", provider.Name(), len(tools))
	return nil
}

// ListTools отдаёт описания всех инструментов в порядке регистрации
// провайдеров.
func (r *Registry) ListTools() []Descriptor {
	var all []Descriptor
	for _, name := range r.order {
		all = append(all, r.providers[name].Tools()...)
	}
	return all
}

func (r *Registry) ProviderNames() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Execute находит инструмент по имени и выполняет его с таймаутом.
// Провайдер, зависший дольше таймаута, не блокирует вызывающего.
func (r *Registry) Execute(ctx context.Context, userID int64, toolName string, params map[string]interface{}) (string, error) {
	provider, ok := r.byTool[toolName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}

	logrus.Infof("Выполняем инструмент %s провайдера %s", toolName, provider.Name())
	started := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := provider.Execute(execCtx, toolName, params)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.record(ctx, userID, toolName, params, "", StatusTimeout, time.Since(started))
		return "", fmt.Errorf("%w: %s", ErrToolTimeout, toolName)
	case out := <-done:
		if out.err != nil {
			r.record(ctx, userID, toolName, params, out.err.Error(), StatusError, time.Since(started))
			return "", fmt.Errorf("%w: %v", ErrToolExecution, out.err)
		}
		result := formatResult(out.result)
		r.record(ctx, userID, toolName, params, result, StatusOK, time.Since(started))
		return result, nil
	}
}

// GatherContext собирает фоновый контекст от провайдеров. Ошибки
// отдельных провайдеров не прерывают сбор.
func (r *Registry) GatherContext(ctx context.Context, query string, activeProviders []string) map[string]interface{} {
	names := r.order
	if len(activeProviders) > 0 {
		names = activeProviders
	}

	gathered := make(map[string]interface{})
	for _, name := range names {
		provider, ok := r.providers[name]
		if !ok {
			continue
		}
		providerCtx, err := provider.Context(ctx, query)
		if err != nil {
			logrus.Errorf("Ошибка при получении контекста от %s: %v", name, err)
			continue
		}
		gathered[name] = providerCtx
	}
	return gathered
}

func (r *Registry) Shutdown(ctx context.Context) {
	for _, name := range r.order {
		if err := r.providers[name].Shutdown(ctx); err != nil {
			logrus.Errorf("Ошибка при остановке провайдера %s: %v", name, err)
		}
	}
}

func (r *Registry) record(ctx context.Context, userID int64, toolName string, params map[string]interface{}, result, status string, duration time.Duration) {
	metrics.ToolExecutions.WithLabelValues(toolName, status).Inc()

	if r.audit == nil {
		return
	}

	payload, err := json.Marshal(params)
	if err != nil {
		payload = []byte("{}")
	}
	r.audit.Record(ctx, AuditRecord{
		UserID:     userID,
		ToolName:   toolName,
		Parameters: payload,
		Result:     result,
		Status:     status,
		DurationMs: duration.Milliseconds(),
	})
}

func formatResult(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	default:
		payload, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(payload)
	}
}

func stringParam(params map[string]interface{}, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", fmt.Errorf("не указан параметр %q", key)
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", fmt.Errorf("параметр %q должен быть непустой строкой", key)
	}
	return value, nil
}

func intParam(params map[string]interface{}, key string, fallback int) int {
	raw, ok := params[key]
	if !ok {
		return fallback
	}
	switch value := raw.(type) {
	case float64:
		return int(value)
	case int:
		return value
	default:
		return fallback
	}
}
