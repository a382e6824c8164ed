// Package observer defines metrics hooks for judging.
package observer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRecorder records sandbox and judging metrics.
type MetricsRecorder interface {
	ObserveCompile(ctx context.Context, languageCode string, ok bool, timeMs int64, memoryKB int64)
	ObserveRun(ctx context.Context, languageCode string, verdict string, timeMs int64, memoryKB int64, outputBytes int64)
	ObserveJudgment(ctx context.Context, languageCode string, verdict string, elapsed time.Duration, attempts int)
}

// NoopMetricsRecorder is a default recorder that does nothing.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) ObserveCompile(ctx context.Context, languageCode string, ok bool, timeMs int64, memoryKB int64) {
}

func (NoopMetricsRecorder) ObserveRun(ctx context.Context, languageCode string, verdict string, timeMs int64, memoryKB int64, outputBytes int64) {
}

func (NoopMetricsRecorder) ObserveJudgment(ctx context.Context, languageCode string, verdict string, elapsed time.Duration, attempts int) {
}

// Counters is an in-process recorder exposed by the metrics endpoint.
type Counters struct {
	compiles       atomic.Int64
	compileFailed  atomic.Int64
	runs           atomic.Int64
	judgments      atomic.Int64
	retries        atomic.Int64
	totalJudgingMs atomic.Int64

	mu       sync.Mutex
	verdicts map[string]int64
}

// NewCounters creates an empty recorder.
func NewCounters() *Counters {
	return &Counters{verdicts: make(map[string]int64)}
}

func (c *Counters) ObserveCompile(ctx context.Context, languageCode string, ok bool, timeMs int64, memoryKB int64) {
	c.compiles.Add(1)
	if !ok {
		c.compileFailed.Add(1)
	}
}

func (c *Counters) ObserveRun(ctx context.Context, languageCode string, verdict string, timeMs int64, memoryKB int64, outputBytes int64) {
	c.runs.Add(1)
}

func (c *Counters) ObserveJudgment(ctx context.Context, languageCode string, verdict string, elapsed time.Duration, attempts int) {
	c.judgments.Add(1)
	c.totalJudgingMs.Add(elapsed.Milliseconds())
	if attempts > 1 {
		c.retries.Add(int64(attempts - 1))
	}
	c.mu.Lock()
	c.verdicts[verdict]++
	c.mu.Unlock()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Compiles       int64            `json:"compiles"`
	CompileFailed  int64            `json:"compile_failed"`
	Runs           int64            `json:"runs"`
	Judgments      int64            `json:"judgments"`
	Retries        int64            `json:"retries"`
	AvgJudgingMs   int64            `json:"avg_judging_ms"`
	VerdictCounter map[string]int64 `json:"verdicts"`
}

// Snapshot copies the current values.
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		Compiles:      c.compiles.Load(),
		CompileFailed: c.compileFailed.Load(),
		Runs:          c.runs.Load(),
		Judgments:     c.judgments.Load(),
		Retries:       c.retries.Load(),
	}
	if s.Judgments > 0 {
		s.AvgJudgingMs = c.totalJudgingMs.Load() / s.Judgments
	}
	c.mu.Lock()
	s.VerdictCounter = make(map[string]int64, len(c.verdicts))
	for k, v := range c.verdicts {
		s.VerdictCounter[k] = v
	}
	c.mu.Unlock()
	return s
}
