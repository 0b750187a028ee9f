package scheduler

import "time"

const (
	DefaultSweepInterval  = time.Minute
	DefaultSaveTimeout    = 10 * time.Second
	DefaultTriggerTimeout = 30 * time.Second

	// sweepLimit caps how many tasks one rule may materialize per sweep
	sweepLimit = 64
)
