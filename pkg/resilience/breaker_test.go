package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker() (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker().
		WithMaxFailures(3).
		WithCooldown(time.Minute).
		WithClock(clock.now)
	return cb, clock
}

func fail(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.True(t, cb.Allow())
		cb.Done(false)
	}
}

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker()
	var trips []int
	cb.OnTrip = func(n int) { trips = append(trips, n) }

	fail(t, cb, 2)
	assert.Equal(t, CircuitClosed, cb.State())

	// A success resets the count.
	require.True(t, cb.Allow())
	cb.Done(true)
	assert.Zero(t, cb.Failures())

	fail(t, cb, 3)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
	assert.Equal(t, []int{3}, trips)
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	cb, clock := newTestBreaker()
	resets := 0
	cb.OnReset = func() { resets++ }
	fail(t, cb, 3)

	clock.advance(30 * time.Second)
	assert.False(t, cb.Allow(), "still cooling down")

	clock.advance(31 * time.Second)
	require.True(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "one trial at a time")

	cb.Done(true)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 1, resets)
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	cb, clock := newTestBreaker()
	fail(t, cb, 3)

	clock.advance(2 * time.Minute)
	require.True(t, cb.Allow())
	cb.Done(false)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	clock.advance(2 * time.Minute)
	assert.True(t, cb.Allow())
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
