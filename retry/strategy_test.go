package retry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timour/txbus/retry"
)

func TestImmediate(t *testing.T) {
	s := retry.Immediate{N: 3}
	for attempt := 1; attempt <= 3; attempt++ {
		d, ok := s.Next(attempt)
		require.True(t, ok)
		require.Zero(t, d)
	}
	_, ok := s.Next(4)
	require.False(t, ok)
	require.Equal(t, 3, s.MaxAttempts())
}

func TestInterval(t *testing.T) {
	s := retry.Interval{N: 2, D: 5 * time.Second}
	d, ok := s.Next(1)
	require.True(t, ok)
	require.Equal(t, 5*time.Second, d)
	d, ok = s.Next(2)
	require.True(t, ok)
	require.Equal(t, 5*time.Second, d)
	_, ok = s.Next(3)
	require.False(t, ok)
}

func TestIntervals(t *testing.T) {
	s := retry.Intervals{Delays: []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second}}
	require.Equal(t, 3, s.MaxAttempts())

	d, ok := s.Next(1)
	require.True(t, ok)
	require.Equal(t, 5*time.Second, d)

	d, ok = s.Next(3)
	require.True(t, ok)
	require.Equal(t, 30*time.Second, d)

	_, ok = s.Next(4)
	require.False(t, ok)
}

func TestExponential(t *testing.T) {
	s := retry.Exponential{N: 4, Initial: time.Second, Factor: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		d, ok := s.Next(i + 1)
		require.True(t, ok)
		require.Equal(t, w, d)
	}
	_, ok := s.Next(5)
	require.False(t, ok)
}
