// Package pipeline runs invoice documents through recognition, extraction,
// entity resolution and validation as durable, resumable jobs.
package pipeline

import (
	"time"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Config holds the orchestrator's scheduling parameters.
type Config struct {
	// Workers is the size of the worker pool.
	Workers int

	// MaxRetries bounds retries of a transient failure per stage. The single
	// enhanced-preprocessing retry of a low quality recognition is not counted.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// StageTimeout is the default per-stage deadline; StageTimeouts overrides
	// it for individual stages.
	StageTimeout  time.Duration
	StageTimeouts map[invoice.JobState]time.Duration

	// JobDeadline fails a job still unsettled this long after submission.
	JobDeadline time.Duration

	// RequeueDelay is how long a job whose document is being processed by
	// another worker waits before going back on the queue.
	RequeueDelay time.Duration
}

// DefaultConfig returns the default scheduling parameters.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		MaxRetries:   3,
		BackoffBase:  500 * time.Millisecond,
		BackoffMax:   30 * time.Second,
		StageTimeout: 2 * time.Minute,
		StageTimeouts: map[invoice.JobState]time.Duration{
			invoice.StateOCRRunning: 5 * time.Minute,
		},
		JobDeadline:  time.Hour,
		RequeueDelay: time.Second,
	}
}

func (c Config) timeout(stage invoice.JobState) time.Duration {
	if d, ok := c.StageTimeouts[stage]; ok {
		return d
	}
	return c.StageTimeout
}

// backoff returns base × 2^(attempt-1), capped at BackoffMax.
func (c Config) backoff(attempt int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.BackoffMax > 0 && d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if c.BackoffMax > 0 && d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}
