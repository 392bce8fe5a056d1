// Package metrics provides a thread-safe invocation-latency sketch used
// by benchmarks and by long-running Environments to report quantiles
// without keeping every individual sample in memory.
//
// Built around a DataDog/sketches-go DDSketch plus a counter guarded by
// a mutex, factored out of a benchmark-only helper into a reusable type
// any caller (benchmark or production Environment) can track
// invocations against.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// defaultRelativeAccuracy keeps quantiles accurate to within 1%.
const defaultRelativeAccuracy = 0.01

// LatencySketch accumulates invocation latencies and answers quantile
// queries against them.
type LatencySketch struct {
	mu     sync.RWMutex
	count  int64
	sketch *ddsketch.DDSketch
}

// NewLatencySketch constructs an empty LatencySketch.
func NewLatencySketch() (*LatencySketch, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(defaultRelativeAccuracy)
	if err != nil {
		return nil, fmt.Errorf("metrics: error creating sketch: %w", err)
	}
	return &LatencySketch{sketch: sketch}, nil
}

// Track records one observed invocation latency.
func (l *LatencySketch) Track(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sketch.Add(float64(d.Milliseconds()))
	l.count++
}

// Count returns the number of latencies tracked so far.
func (l *LatencySketch) Count() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Quantile returns the estimated value (in milliseconds) at quantile q,
// where 0 <= q <= 1.
func (l *LatencySketch) Quantile(q float64) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, err := l.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0, fmt.Errorf("metrics: error getting quantile %v: %w", q, err)
	}
	return v, nil
}
