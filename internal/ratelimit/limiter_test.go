package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	counts  map[string]int64
	ttls    map[string]time.Duration
	getErr  error
	incrErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		counts: make(map[string]int64),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeStore) Get(_ context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	count, ok := f.counts[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(strconv.FormatInt(count, 10), nil)
}

func (f *fakeStore) TTL(_ context.Context, key string) *redis.DurationCmd {
	return redis.NewDurationResult(f.ttls[key], nil)
}

func (f *fakeStore) Incr(_ context.Context, key string) *redis.IntCmd {
	if f.incrErr != nil {
		return redis.NewIntResult(0, f.incrErr)
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeStore) Expire(_ context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeStore) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var removed int64
	for _, key := range keys {
		if _, ok := f.counts[key]; ok {
			delete(f.counts, key)
			delete(f.ttls, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func defaultConfig() Config {
	return Config{
		UserLimit:    3,
		UserWindow:   time.Minute,
		GlobalLimit:  100,
		GlobalWindow: time.Minute,
		FailOpen:     true,
	}
}

// --- Окно пользователя ---

func TestAllowAdmitsExactlyLimitRequests(t *testing.T) {
	limiter := newLimiter(newFakeStore(), defaultConfig())

	var admitted, rejected int
	for i := 0; i < 5; i++ {
		decision := limiter.Allow(context.Background(), 42)
		if decision.Allowed {
			admitted++
		} else {
			rejected++
			assert.Equal(t, ScopeUser, decision.Scope)
			assert.Greater(t, decision.RetryAfter, time.Duration(0))
		}
	}

	assert.Equal(t, 3, admitted)
	assert.Equal(t, 2, rejected)
}

func TestAllowTracksUsersIndependently(t *testing.T) {
	limiter := newLimiter(newFakeStore(), defaultConfig())

	for i := 0; i < 3; i++ {
		require.True(t, limiter.Allow(context.Background(), 1).Allowed)
	}
	assert.False(t, limiter.Allow(context.Background(), 1).Allowed)
	assert.True(t, limiter.Allow(context.Background(), 2).Allowed)
}

// --- Глобальное окно ---

func TestAllowEnforcesGlobalLimitAcrossUsers(t *testing.T) {
	cfg := defaultConfig()
	cfg.UserLimit = 10
	cfg.GlobalLimit = 2
	limiter := newLimiter(newFakeStore(), cfg)

	require.True(t, limiter.Allow(context.Background(), 1).Allowed)
	require.True(t, limiter.Allow(context.Background(), 2).Allowed)

	decision := limiter.Allow(context.Background(), 3)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ScopeGlobal, decision.Scope)
}

// --- RetryAfter ---

func TestRetryAfterUsesRemainingTTL(t *testing.T) {
	store := newFakeStore()
	limiter := newLimiter(store, defaultConfig())

	for i := 0; i < 3; i++ {
		limiter.Allow(context.Background(), 7)
	}
	store.ttls[userKey(7)] = 17 * time.Second

	decision := limiter.Allow(context.Background(), 7)
	require.False(t, decision.Allowed)
	assert.Equal(t, 17*time.Second, decision.RetryAfter)
}

func TestRetryAfterFallsBackToWindowWithoutTTL(t *testing.T) {
	store := newFakeStore()
	limiter := newLimiter(store, defaultConfig())

	// Счётчик есть, а TTL потерян: отвечаем полным окном.
	store.counts[userKey(7)] = 3
	store.ttls[userKey(7)] = 0

	decision := limiter.Allow(context.Background(), 7)
	require.False(t, decision.Allowed)
	assert.Equal(t, time.Minute, decision.RetryAfter)
}

// --- Поведение при недоступном Redis ---

func TestFailOpenAdmitsWhenStoreDown(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("connection refused")
	limiter := newLimiter(store, defaultConfig())

	assert.True(t, limiter.Allow(context.Background(), 1).Allowed)
}

func TestFailClosedRejectsWhenStoreDown(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("connection refused")
	cfg := defaultConfig()
	cfg.FailOpen = false
	limiter := newLimiter(store, cfg)

	decision := limiter.Allow(context.Background(), 1)
	assert.False(t, decision.Allowed)
	assert.Equal(t, time.Minute, decision.RetryAfter)
}

func TestFailClosedRejectsWhenIncrementFails(t *testing.T) {
	store := newFakeStore()
	store.incrErr = errors.New("READONLY")
	cfg := defaultConfig()
	cfg.FailOpen = false
	limiter := newLimiter(store, cfg)

	assert.False(t, limiter.Allow(context.Background(), 1).Allowed)
}

// --- ResetUser ---

func TestResetUserReopensWindow(t *testing.T) {
	limiter := newLimiter(newFakeStore(), defaultConfig())

	for i := 0; i < 3; i++ {
		limiter.Allow(context.Background(), 9)
	}
	require.False(t, limiter.Allow(context.Background(), 9).Allowed)

	require.NoError(t, limiter.ResetUser(context.Background(), 9))
	assert.True(t, limiter.Allow(context.Background(), 9).Allowed)
}
