package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(threshold int, cooldown time.Duration) (*breaker, *time.Time) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := newBreaker(threshold, cooldown)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()

	assert.True(t, b.Allow())
	assert.Equal(t, "closed", b.State())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	assert.False(t, b.Allow())
	assert.Equal(t, "open", b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.True(t, b.Allow())
}

func TestBreakerAllowsSingleTrialAfterCooldown(t *testing.T) {
	b, clock := testBreaker(1, time.Minute)

	b.RecordFailure()
	require.False(t, b.Allow())

	*clock = clock.Add(time.Minute)

	assert.True(t, b.Allow(), "после паузы пропускается пробный вызов")
	assert.False(t, b.Allow(), "второй вызов ждёт исхода пробного")
	assert.Equal(t, "half-open", b.State())
}

func TestBreakerClosesAfterSuccessfulTrial(t *testing.T) {
	b, clock := testBreaker(1, time.Minute)

	b.RecordFailure()
	*clock = clock.Add(time.Minute)
	require.True(t, b.Allow())

	b.RecordSuccess()

	assert.True(t, b.Allow())
	assert.Equal(t, "closed", b.State())
}

func TestBreakerReopensAfterFailedTrial(t *testing.T) {
	b, clock := testBreaker(1, time.Minute)

	b.RecordFailure()
	*clock = clock.Add(time.Minute)
	require.True(t, b.Allow())

	b.RecordFailure()

	assert.False(t, b.Allow())
	assert.Equal(t, "open", b.State())

	*clock = clock.Add(time.Minute)
	assert.True(t, b.Allow(), "новая пауза снова открывает пробный вызов")
}
