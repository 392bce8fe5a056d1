package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrackAndQuantile(t *testing.T) {
	s, err := NewLatencySketch()
	require.NoError(t, err)

	for i := 1; i <= 100; i++ {
		s.Track(time.Duration(i) * time.Millisecond)
	}

	require.EqualValues(t, 100, s.Count())

	p50, err := s.Quantile(0.5)
	require.NoError(t, err)
	require.InDelta(t, 50, p50, 5)

	p99, err := s.Quantile(0.99)
	require.NoError(t, err)
	require.InDelta(t, 99, p99, 5)
}

func TestQuantileWithNoSamples(t *testing.T) {
	s, err := NewLatencySketch()
	require.NoError(t, err)
	require.EqualValues(t, 0, s.Count())

	_, err = s.Quantile(0.5)
	require.Error(t, err)
}
