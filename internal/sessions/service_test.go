package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	data   map[string]string
	getErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]string)}
}

func (f *fakeCache) Get(_ context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	value, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (f *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeCache) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var removed int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

type mockRepository struct {
	GetByUserIDFunc       func(ctx context.Context, userID int64) (*Session, error)
	CreateFunc            func(ctx context.Context, userID int64) (*Session, error)
	TouchFunc             func(ctx context.Context, sessionID int64) error
	AppendMessageFunc     func(ctx context.Context, sessionID int64, role, content string, tokens int) (int64, error)
	GetRecentMessagesFunc func(ctx context.Context, sessionID int64, limit int) ([]Message, error)
	GetSystemMessageFunc  func(ctx context.Context, sessionID int64) (*Message, error)
	DeleteMessagesFunc    func(ctx context.Context, sessionID int64) error
	TrimHistoryFunc       func(ctx context.Context, sessionID int64, keep int) error
	SetActiveToolsFunc    func(ctx context.Context, sessionID int64, tools []string) error
}

func (m *mockRepository) GetByUserID(ctx context.Context, userID int64) (*Session, error) {
	return m.GetByUserIDFunc(ctx, userID)
}

func (m *mockRepository) Create(ctx context.Context, userID int64) (*Session, error) {
	return m.CreateFunc(ctx, userID)
}

func (m *mockRepository) Touch(ctx context.Context, sessionID int64) error {
	if m.TouchFunc == nil {
		return nil
	}
	return m.TouchFunc(ctx, sessionID)
}

func (m *mockRepository) AppendMessage(ctx context.Context, sessionID int64, role, content string, tokens int) (int64, error) {
	return m.AppendMessageFunc(ctx, sessionID, role, content, tokens)
}

func (m *mockRepository) GetRecentMessages(ctx context.Context, sessionID int64, limit int) ([]Message, error) {
	return m.GetRecentMessagesFunc(ctx, sessionID, limit)
}

func (m *mockRepository) GetSystemMessage(ctx context.Context, sessionID int64) (*Message, error) {
	return m.GetSystemMessageFunc(ctx, sessionID)
}

func (m *mockRepository) DeleteMessages(ctx context.Context, sessionID int64) error {
	return m.DeleteMessagesFunc(ctx, sessionID)
}

func (m *mockRepository) TrimHistory(ctx context.Context, sessionID int64, keep int) error {
	if m.TrimHistoryFunc == nil {
		return nil
	}
	return m.TrimHistoryFunc(ctx, sessionID, keep)
}

func (m *mockRepository) SetActiveTools(ctx context.Context, sessionID int64, tools []string) error {
	return m.SetActiveToolsFunc(ctx, sessionID, tools)
}

// --- GetOrCreate ---

func TestGetOrCreateReturnsCachedSession(t *testing.T) {
	cached := Session{ID: 11, UserID: 5}
	payload, err := json.Marshal(cached)
	require.NoError(t, err)

	c := newFakeCache()
	c.data["session:5"] = string(payload)

	repo := &mockRepository{
		GetByUserIDFunc: func(_ context.Context, _ int64) (*Session, error) {
			t.Fatal("при попадании в кеш база не должна вызываться")
			return nil, nil
		},
	}
	svc := newService(repo, c, time.Minute, 50)

	session, err := svc.GetOrCreate(context.Background(), 5)

	require.NoError(t, err)
	assert.Equal(t, int64(11), session.ID)
}

func TestGetOrCreateCreatesLazilyAndRepopulatesCache(t *testing.T) {
	c := newFakeCache()
	repo := &mockRepository{
		GetByUserIDFunc: func(_ context.Context, _ int64) (*Session, error) {
			return nil, nil
		},
		CreateFunc: func(_ context.Context, userID int64) (*Session, error) {
			return &Session{ID: 21, UserID: userID}, nil
		},
	}
	svc := newService(repo, c, time.Minute, 50)

	session, err := svc.GetOrCreate(context.Background(), 9)

	require.NoError(t, err)
	assert.Equal(t, int64(21), session.ID)
	assert.Contains(t, c.data, "session:9")
}

func TestGetOrCreateSurvivesCacheOutage(t *testing.T) {
	c := newFakeCache()
	c.getErr = errors.New("connection refused")

	repo := &mockRepository{
		GetByUserIDFunc: func(_ context.Context, userID int64) (*Session, error) {
			return &Session{ID: 31, UserID: userID}, nil
		},
	}
	svc := newService(repo, c, time.Minute, 50)

	session, err := svc.GetOrCreate(context.Background(), 3)

	require.NoError(t, err)
	assert.Equal(t, int64(31), session.ID)
}

func TestGetOrCreateMapsStorageFailure(t *testing.T) {
	repo := &mockRepository{
		GetByUserIDFunc: func(_ context.Context, _ int64) (*Session, error) {
			return nil, errors.New("база недоступна")
		},
	}
	svc := newService(repo, newFakeCache(), time.Minute, 50)

	_, err := svc.GetOrCreate(context.Background(), 3)

	assert.ErrorIs(t, err, ErrUnavailable)
}

// --- ContextWindow ---

func TestContextWindowRespectsTokenBudget(t *testing.T) {
	session := &Session{ID: 1, UserID: 7}
	systemMsg := &Message{ID: 1, SessionID: 1, Role: RoleSystem, Content: "persona", Tokens: 10}
	repo := &mockRepository{
		GetByUserIDFunc: func(_ context.Context, _ int64) (*Session, error) { return session, nil },
		GetRecentMessagesFunc: func(_ context.Context, _ int64, _ int) ([]Message, error) {
			return []Message{
				*systemMsg,
				{ID: 2, Role: RoleUser, Content: "a", Tokens: 10},
				{ID: 3, Role: RoleAssistant, Content: "b", Tokens: 10},
				{ID: 4, Role: RoleUser, Content: "c", Tokens: 10},
			}, nil
		},
		GetSystemMessageFunc: func(_ context.Context, _ int64) (*Message, error) { return systemMsg, nil },
	}
	svc := newService(repo, newFakeCache(), time.Minute, 50)

	window, err := svc.ContextWindow(context.Background(), 7, 25)

	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, RoleSystem, window[0].Role)
	assert.Equal(t, int64(4), window[1].ID)

	total := 0
	for _, msg := range window {
		total += msg.Tokens
	}
	assert.LessOrEqual(t, total, 25)
}

func TestContextWindowAlwaysKeepsSystemMessage(t *testing.T) {
	session := &Session{ID: 1, UserID: 7}
	systemMsg := &Message{ID: 1, Role: RoleSystem, Content: "persona", Tokens: 100}
	repo := &mockRepository{
		GetByUserIDFunc: func(_ context.Context, _ int64) (*Session, error) { return session, nil },
		GetRecentMessagesFunc: func(_ context.Context, _ int64, _ int) ([]Message, error) {
			return []Message{
				{ID: 2, Role: RoleUser, Content: "a", Tokens: 10},
			}, nil
		},
		GetSystemMessageFunc: func(_ context.Context, _ int64) (*Message, error) { return systemMsg, nil },
	}
	svc := newService(repo, newFakeCache(), time.Minute, 50)

	// Бюджет меньше системного сообщения: оно всё равно включается, остальное отбрасывается.
	window, err := svc.ContextWindow(context.Background(), 7, 50)

	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, RoleSystem, window[0].Role)
}

func TestContextWindowPreservesChronologicalOrder(t *testing.T) {
	session := &Session{ID: 1, UserID: 7}
	repo := &mockRepository{
		GetByUserIDFunc: func(_ context.Context, _ int64) (*Session, error) { return session, nil },
		GetRecentMessagesFunc: func(_ context.Context, _ int64, _ int) ([]Message, error) {
			return []Message{
				{ID: 2, Role: RoleUser, Content: "первый", Tokens: 2},
				{ID: 3, Role: RoleAssistant, Content: "второй", Tokens: 2},
				{ID: 4, Role: RoleUser, Content: "третий", Tokens: 2},
			}, nil
		},
		GetSystemMessageFunc: func(_ context.Context, _ int64) (*Message, error) { return nil, nil },
	}
	svc := newService(repo, newFakeCache(), time.Minute, 50)

	window, err := svc.ContextWindow(context.Background(), 7, 1000)

	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, int64(2), window[0].ID)
	assert.Equal(t, int64(3), window[1].ID)
	assert.Equal(t, int64(4), window[2].ID)
}

// --- AppendMessage / Clear ---

func TestAppendMessageWritesThroughCache(t *testing.T) {
	c := newFakeCache()
	session := &Session{ID: 1, UserID: 7}
	var storedTokens int
	repo := &mockRepository{
		GetByUserIDFunc: func(_ context.Context, _ int64) (*Session, error) { return session, nil },
		AppendMessageFunc: func(_ context.Context, _ int64, _, _ string, tokens int) (int64, error) {
			storedTokens = tokens
			return 42, nil
		},
	}
	svc := newService(repo, c, time.Minute, 50)

	msg, err := svc.AppendMessage(context.Background(), 7, RoleUser, "привет, Лео")

	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.ID)
	assert.Equal(t, EstimateTokens("привет, Лео"), storedTokens)
	assert.Contains(t, c.data, "session:7")
}

func TestClearKeepsSessionIdentity(t *testing.T) {
	c := newFakeCache()
	c.data["session:7"] = "{}"

	var deletedSession int64
	repo := &mockRepository{
		GetByUserIDFunc: func(_ context.Context, _ int64) (*Session, error) {
			return &Session{ID: 13, UserID: 7}, nil
		},
		DeleteMessagesFunc: func(_ context.Context, sessionID int64) error {
			deletedSession = sessionID
			return nil
		},
	}
	svc := newService(repo, c, time.Minute, 50)

	err := svc.Clear(context.Background(), 7)

	require.NoError(t, err)
	assert.Equal(t, int64(13), deletedSession)
	assert.NotContains(t, c.data, "session:7")
}

func TestClearWithoutSessionIsNoop(t *testing.T) {
	repo := &mockRepository{
		GetByUserIDFunc: func(_ context.Context, _ int64) (*Session, error) { return nil, nil },
	}
	svc := newService(repo, newFakeCache(), time.Minute, 50)

	assert.NoError(t, svc.Clear(context.Background(), 7))
}

// --- EstimateTokens ---

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 1, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("ab"))
	assert.Equal(t, 5, EstimateTokens("двенадцать?!"))
	assert.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}
