package ratelimit

import (
	"context"
	"fmt"
	"leobot/internal/metrics"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const globalKey = "ratelimit:global"

type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeGlobal Scope = "global"
)

// Decision описывает результат проверки лимита. При отказе RetryAfter содержит
// время до сброса самого строгого окна.
type Decision struct {
	Allowed    bool
	Scope      Scope
	RetryAfter time.Duration
}

type Config struct {
	UserLimit    int
	UserWindow   time.Duration
	GlobalLimit  int
	GlobalWindow time.Duration
	// FailOpen определяет поведение при недоступном Redis:
	// при true запросы пропускаются, при false отклоняются.
	FailOpen bool
}

type counterStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Limiter struct {
	store counterStore
	cfg   Config
}

func NewLimiter(rdb *redis.Client, cfg Config) *Limiter {
	return newLimiter(rdb, cfg)
}

func newLimiter(store counterStore, cfg Config) *Limiter {
	return &Limiter{store: store, cfg: cfg}
}

func userKey(userID int64) string {
	return fmt.Sprintf("ratelimit:user:%d", userID)
}

// Allow проверяет оба окна и при успехе потребляет по одному запросу из
// каждого. Запрос допускается только если оба счётчика ниже лимита.
func (l *Limiter) Allow(ctx context.Context, userID int64) Decision {
	key := userKey(userID)

	if decision, ok := l.check(ctx, key, l.cfg.UserLimit, l.cfg.UserWindow, ScopeUser); !ok {
		return decision
	}
	if decision, ok := l.check(ctx, globalKey, l.cfg.GlobalLimit, l.cfg.GlobalWindow, ScopeGlobal); !ok {
		return decision
	}

	if err := l.consume(ctx, key, l.cfg.UserWindow); err != nil {
		if decision, ok := l.storeFailure(ScopeUser, l.cfg.UserWindow, err); !ok {
			return decision
		}
	}
	if err := l.consume(ctx, globalKey, l.cfg.GlobalWindow); err != nil {
		if decision, ok := l.storeFailure(ScopeGlobal, l.cfg.GlobalWindow, err); !ok {
			return decision
		}
	}

	return Decision{Allowed: true}
}

// ResetUser сбрасывает счётчик пользователя. Глобальное окно не трогаем.
func (l *Limiter) ResetUser(ctx context.Context, userID int64) error {
	if err := l.store.Del(ctx, userKey(userID)).Err(); err != nil && err != redis.Nil {
		logrus.Errorf("Ошибка при сбросе лимита пользователя %d: %v", userID, err)
		return fmt.Errorf("не удалось сбросить лимит: %w", err)
	}
	return nil
}

func (l *Limiter) check(ctx context.Context, key string, limit int, window time.Duration, scope Scope) (Decision, bool) {
	raw, err := l.store.Get(ctx, key).Result()
	if err == redis.Nil {
		return Decision{Allowed: true}, true
	}
	if err != nil {
		return l.storeFailure(scope, window, err)
	}

	count, convErr := strconv.ParseInt(raw, 10, 64)
	if convErr != nil {
		logrus.Warnf("Неожиданное значение счётчика %s: %q", key, raw)
		return Decision{Allowed: true}, true
	}

	if count >= int64(limit) {
		metrics.RateLimitRejections.WithLabelValues(string(scope)).Inc()
		return Decision{
			Allowed:    false,
			Scope:      scope,
			RetryAfter: l.retryAfter(ctx, key, window),
		}, false
	}
	return Decision{Allowed: true}, true
}

func (l *Limiter) consume(ctx context.Context, key string, window time.Duration) error {
	if err := l.store.Incr(ctx, key).Err(); err != nil {
		return err
	}
	if err := l.store.Expire(ctx, key, window).Err(); err != nil {
		logrus.Warnf("Не удалось выставить TTL счётчика %s: %v", key, err)
	}
	return nil
}

// retryAfter читает оставшийся TTL окна; если ключ без TTL или Redis
// не ответил, возвращает размер окна целиком.
func (l *Limiter) retryAfter(ctx context.Context, key string, window time.Duration) time.Duration {
	ttl, err := l.store.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		return window
	}
	return ttl
}

func (l *Limiter) storeFailure(scope Scope, window time.Duration, err error) (Decision, bool) {
	if l.cfg.FailOpen {
		logrus.Warnf("Redis недоступен, лимитер пропускает запрос: %v", err)
		return Decision{Allowed: true}, true
	}
	logrus.Errorf("Redis недоступен, лимитер отклоняет запрос: %v", err)
	metrics.RateLimitRejections.WithLabelValues(string(scope)).Inc()
	return Decision{Allowed: false, Scope: scope, RetryAfter: window}, false
}
