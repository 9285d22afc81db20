package ivm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_Deterministic(t *testing.T) {
	epoch := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newClock(ClockOptions{Mode: ClockDeterministic, Epoch: epoch, Interval: time.Second})
	assert.Equal(t, epoch, c.now())
	assert.Equal(t, epoch.Add(time.Second), c.now())
	assert.Equal(t, epoch.Add(2*time.Second), c.now())
}

func TestClock_MicrotaskFrozenUntilTick(t *testing.T) {
	epoch := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newClock(ClockOptions{Mode: ClockMicrotask, Epoch: epoch})
	first := c.now()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, first, c.now())
	c.tick()
	assert.True(t, c.now().After(first))
}

func TestClock_Realtime(t *testing.T) {
	epoch := time.Date(1999, 12, 31, 23, 59, 59, 0, time.UTC)
	c := newClock(ClockOptions{Mode: ClockRealtime, Epoch: epoch})
	got := c.now()
	assert.False(t, got.Before(epoch))
	assert.Less(t, got.Sub(epoch), time.Minute)
}

func TestClock_System(t *testing.T) {
	c := newClock(ClockOptions{})
	assert.WithinDuration(t, time.Now(), c.now(), time.Second)
}

func TestRandom_Seeded(t *testing.T) {
	seed := uint64(42)
	a, b := newRandom(&seed), newRandom(&seed)
	for range 5 {
		assert.Equal(t, a(), b())
	}
	assert.Nil(t, newRandom(nil))
}
