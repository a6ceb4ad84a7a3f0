package llm

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breaker реализует явный автомат closed/open/half-open вокруг вызовов модели.
// Closed пропускает вызовы и считает сбои подряд, open отсекает вызовы
// до конца паузы, half-open пропускает ровно один пробный вызов.
type breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	now       func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = stateHalfOpen
		logrus.Info("Модель: пауза предохранителя истекла, пробный вызов")
		return true
	case stateHalfOpen:
		// Пробный вызов уже в полёте.
		return false
	default:
		return true
	}
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateClosed {
		logrus.Info("Модель: предохранитель закрыт")
	}
	b.state = stateClosed
	b.failures = 0
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = b.now()
		logrus.Warn("Модель: пробный вызов не удался, предохранитель снова открыт")
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = b.now()
		logrus.Warnf("Модель: предохранитель открыт после %d сбоев подряд", b.failures)
	}
}

func (b *breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return stateHalfOpen.String()
	}
	return b.state.String()
}
