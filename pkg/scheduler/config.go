package scheduler

import (
	"time"

	"github.com/dukex/waypoint/pkg/models"
)

// Config tunes one worker's scheduler.
type Config struct {
	WorkerID string

	// PollInterval is the delay between claim sweeps when nothing wakes the
	// worker earlier.
	PollInterval time.Duration

	// LeaseDuration is how long a claim stays valid without renewal.
	LeaseDuration time.Duration

	// HeartbeatInterval is the renewal period; zero means LeaseDuration / 3.
	HeartbeatInterval time.Duration

	// Concurrency bounds the executions advanced at once.
	Concurrency int

	// BatchSize bounds the executions fetched per sweep.
	BatchSize int

	// SignalTimeout is the engine-wide wait_for_signal timeout policy.
	SignalTimeout models.SignalTimeoutPolicy
}

// DefaultConfig returns the defaults used by waypoint-worker.
func DefaultConfig() Config {
	return Config{
		WorkerID:      "worker",
		PollInterval:  time.Second,
		LeaseDuration: 30 * time.Second,
		Concurrency:   4,
		BatchSize:     16,
		SignalTimeout: models.SignalTimeoutFailStep,
	}
}

func (c Config) heartbeat() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}

	return c.LeaseDuration / 3
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()

	if c.WorkerID == "" {
		c.WorkerID = defaults.WorkerID
	}

	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}

	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaults.LeaseDuration
	}

	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}

	if c.SignalTimeout == "" {
		c.SignalTimeout = defaults.SignalTimeout
	}

	return c
}
