package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// isTransient отделяет повторяемые сбои (сеть, таймауты, 429, 5xx)
// от терминальных (4xx, сломанный ответ). Отмена контекста не считается
// временным сбоем: такой вызов прерывается сразу.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "EOF")
}

// withRetry повторяет вызов с экспоненциальной паузой между попытками.
// Каждая попытка ограничена своим таймаутом; терминальные ошибки
// возвращаются без повторов.
func (c *Client) withRetry(ctx context.Context, call func(ctx context.Context) error) error {
	wait := c.cfg.RetryMinWait
	var lastErr error

	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		lastErr = call(attemptCtx)
		cancel()

		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt == c.cfg.RetryAttempts {
			break
		}

		logrus.Warnf("Попытка %d из %d не удалась: %v, повтор через %s", attempt, c.cfg.RetryAttempts, lastErr, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		wait *= 2
		if wait > c.cfg.RetryMaxWait {
			wait = c.cfg.RetryMaxWait
		}
	}

	return lastErr
}
