package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name        string
	InitFunc    func(ctx context.Context) error
	ExecuteFunc func(ctx context.Context, toolName string, params map[string]interface{}) (interface{}, error)
	ContextFunc func(ctx context.Context, query string) (map[string]interface{}, error)
	tools       []Descriptor
	shutdowns   int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Initialize(ctx context.Context) error {
	if f.InitFunc == nil {
		return nil
	}
	return f.InitFunc(ctx)
}

func (f *fakeProvider) Tools() []Descriptor { return f.tools }

func (f *fakeProvider) Execute(ctx context.Context, toolName string, params map[string]interface{}) (interface{}, error) {
	return f.ExecuteFunc(ctx, toolName, params)
}

func (f *fakeProvider) Context(ctx context.Context, query string) (map[string]interface{}, error) {
	if f.ContextFunc == nil {
		return map[string]interface{}{}, nil
	}
	return f.ContextFunc(ctx, query)
}

func (f *fakeProvider) Shutdown(_ context.Context) error {
	f.shutdowns++
	return nil
}

type fakeAuditor struct {
	records []AuditRecord
}

func (f *fakeAuditor) Record(_ context.Context, record AuditRecord) {
	f.records = append(f.records, record)
}

func lookupProvider(execute func(ctx context.Context, toolName string, params map[string]interface{}) (interface{}, error)) *fakeProvider {
	return &fakeProvider{
		name:        "lookup",
		tools:       []Descriptor{{Name: "lookup", Description: "поиск", Parameters: map[string]interface{}{"type": "object"}}},
		ExecuteFunc: execute,
	}
}

// --- Execute ---

func TestExecuteDispatchesToProvider(t *testing.T) {
	audit := &fakeAuditor{}
	registry := newRegistry(time.Second, audit)
	provider := lookupProvider(func(_ context.Context, toolName string, params map[string]interface{}) (interface{}, error) {
		assert.Equal(t, "lookup", toolName)
		return map[string]interface{}{"answer": params["q"]}, nil
	})
	require.NoError(t, registry.Register(context.Background(), provider))

	result, err := registry.Execute(context.Background(), 7, "lookup", map[string]interface{}{"q": "x"})

	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":"x"}`, result)
	require.Len(t, audit.records, 1)
	assert.Equal(t, StatusOK, audit.records[0].Status)
	assert.Equal(t, int64(7), audit.records[0].UserID)
}

func TestExecuteUnknownToolFailsWithoutDispatch(t *testing.T) {
	registry := newRegistry(time.Second, nil)
	provider := lookupProvider(func(_ context.Context, _ string, _ map[string]interface{}) (interface{}, error) {
		t.Fatal("провайдер не должен вызываться для неизвестного инструмента")
		return nil, nil
	})
	require.NoError(t, registry.Register(context.Background(), provider))

	_, err := registry.Execute(context.Background(), 7, "missing", nil)

	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestExecuteWrapsProviderError(t *testing.T) {
	audit := &fakeAuditor{}
	registry := newRegistry(time.Second, audit)
	provider := lookupProvider(func(_ context.Context, _ string, _ map[string]interface{}) (interface{}, error) {
		return nil, errors.New("сервис недоступен")
	})
	require.NoError(t, registry.Register(context.Background(), provider))

	_, err := registry.Execute(context.Background(), 7, "lookup", nil)

	assert.ErrorIs(t, err, ErrToolExecution)
	require.Len(t, audit.records, 1)
	assert.Equal(t, StatusError, audit.records[0].Status)
}

func TestExecuteTimesOutSlowProvider(t *testing.T) {
	audit := &fakeAuditor{}
	registry := newRegistry(20*time.Millisecond, audit)
	provider := lookupProvider(func(_ context.Context, _ string, _ map[string]interface{}) (interface{}, error) {
		time.Sleep(300 * time.Millisecond)
		return "поздно", nil
	})
	require.NoError(t, registry.Register(context.Background(), provider))

	_, err := registry.Execute(context.Background(), 7, "lookup", nil)

	assert.ErrorIs(t, err, ErrToolTimeout)
	require.Len(t, audit.records, 1)
	assert.Equal(t, StatusTimeout, audit.records[0].Status)
}

func TestExecutePropagatesCancellation(t *testing.T) {
	registry := newRegistry(time.Second, nil)
	provider := lookupProvider(func(_ context.Context, _ string, _ map[string]interface{}) (interface{}, error) {
		time.Sleep(300 * time.Millisecond)
		return "готово", nil
	})
	require.NoError(t, registry.Register(context.Background(), provider))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := registry.Execute(ctx, 7, "lookup", nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrToolTimeout)
}

func TestExecuteReadOnlyToolIsIdempotent(t *testing.T) {
	registry := newRegistry(time.Second, nil)
	provider := lookupProvider(func(_ context.Context, _ string, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"echo": params["q"]}, nil
	})
	require.NoError(t, registry.Register(context.Background(), provider))

	first, err := registry.Execute(context.Background(), 7, "lookup", map[string]interface{}{"q": "x"})
	require.NoError(t, err)
	second, err := registry.Execute(context.Background(), 7, "lookup", map[string]interface{}{"q": "x"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

// --- Регистрация и перечисление ---

func TestRegisterFailsWhenInitializeFails(t *testing.T) {
	registry := newRegistry(time.Second, nil)
	provider := &fakeProvider{
		name:     "broken",
		InitFunc: func(_ context.Context) error { return errors.New("нет соединения") },
	}

	err := registry.Register(context.Background(), provider)

	assert.Error(t, err)
	assert.Empty(t, registry.ListTools())
}

func TestListToolsAggregatesProvidersInOrder(t *testing.T) {
	registry := newRegistry(time.Second, nil)
	first := &fakeProvider{name: "alpha", tools: []Descriptor{{Name: "a1"}, {Name: "a2"}}}
	second := &fakeProvider{name: "beta", tools: []Descriptor{{Name: "b1"}}}
	require.NoError(t, registry.Register(context.Background(), first))
	require.NoError(t, registry.Register(context.Background(), second))

	tools := registry.ListTools()

	require.Len(t, tools, 3)
	assert.Equal(t, "a1", tools[0].Name)
	assert.Equal(t, "b1", tools[2].Name)
	assert.Equal(t, []string{"alpha", "beta"}, registry.ProviderNames())
}

// --- GatherContext / Shutdown ---

func TestGatherContextSkipsFailingProvider(t *testing.T) {
	registry := newRegistry(time.Second, nil)
	healthy := &fakeProvider{
		name: "web",
		ContextFunc: func(_ context.Context, query string) (map[string]interface{}, error) {
			return map[string]interface{}{"query": query}, nil
		},
	}
	broken := &fakeProvider{
		name: "news",
		ContextFunc: func(_ context.Context, _ string) (map[string]interface{}, error) {
			return nil, errors.New("лента недоступна")
		},
	}
	require.NoError(t, registry.Register(context.Background(), healthy))
	require.NoError(t, registry.Register(context.Background(), broken))

	gathered := registry.GatherContext(context.Background(), "погода", nil)

	require.Contains(t, gathered, "web")
	assert.NotContains(t, gathered, "news")
}

func TestGatherContextHonorsActiveList(t *testing.T) {
	registry := newRegistry(time.Second, nil)
	for _, name := range []string{"web", "news"} {
		provider := &fakeProvider{
			name: name,
			ContextFunc: func(_ context.Context, _ string) (map[string]interface{}, error) {
				return map[string]interface{}{}, nil
			},
		}
		require.NoError(t, registry.Register(context.Background(), provider))
	}

	gathered := registry.GatherContext(context.Background(), "эй", []string{"news"})

	assert.Contains(t, gathered, "news")
	assert.NotContains(t, gathered, "web")
}

func TestShutdownStopsAllProviders(t *testing.T) {
	registry := newRegistry(time.Second, nil)
	first := &fakeProvider{name: "alpha"}
	second := &fakeProvider{name: "beta"}
	require.NoError(t, registry.Register(context.Background(), first))
	require.NoError(t, registry.Register(context.Background(), second))

	registry.Shutdown(context.Background())

	assert.Equal(t, 1, first.shutdowns)
	assert.Equal(t, 1, second.shutdowns)
}
