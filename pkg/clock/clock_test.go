package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonotonicSinceIsNonNegative(t *testing.T) {
	c := Monotonic()
	start := c.Now()
	assert.GreaterOrEqual(t, c.Since(start), time.Duration(0))
}

func TestFake(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())

	f.Advance(25 * time.Millisecond)
	assert.Equal(t, 25*time.Millisecond, f.Since(start))

	f.Set(start.Add(-time.Second))
	assert.Equal(t, -time.Second, f.Since(start), "fake clock may run backwards")
}
