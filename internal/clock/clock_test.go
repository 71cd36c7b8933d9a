package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klahnakoski/infinite-queue/internal/clock"
)

func TestFixedOnlyAdvancesWhenTold(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFixed(start)

	require.True(t, c.Now().Equal(start))
	require.True(t, c.Now().Equal(start), "a second read should not have moved the clock")

	c.Advance(time.Minute)
	want := start.Add(time.Minute)
	require.True(t, c.Now().Equal(want), "expected %v after advancing, got %v", want, c.Now())

	other := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.Set(other)
	require.True(t, c.Now().Equal(other), "expected Set to jump directly to %v", other)
}

func TestSystemReturnsUTC(t *testing.T) {
	now := clock.System{}.Now()
	require.Equal(t, time.UTC, now.Location())
}
