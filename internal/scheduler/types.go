package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls the scheduler loop and its worker pool.
//
// Defaults (when fields are zero):
//   - Tick: 1s
//   - Workers: 2
//   - QueueSize: 64
//   - DispatchTimeout: 2s
//   - HistorySize: 200
//   - ShutdownGrace: 10s
type Config struct {
	Tick      time.Duration
	Workers   int
	QueueSize int

	// DispatchTimeout bounds how long the tick loop blocks handing a due
	// run to a saturated pool; on timeout the run is recorded as
	// Skipped{worker-pool-saturated}.
	DispatchTimeout time.Duration

	HistorySize   int
	ShutdownGrace time.Duration

	// Location for cron evaluation. Nil means local time.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 2 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// OverlapPolicy decides what happens when a job becomes due while a
// prior run of the same job is still in progress.
type OverlapPolicy int

const (
	// OverlapSkip records the new run as skipped. Safe default.
	OverlapSkip OverlapPolicy = iota
	// OverlapQueue defers the new run until the running one completes,
	// keeping at most one pending run.
	OverlapQueue
	// OverlapParallel dispatches unconditionally. The handler must be
	// safe for concurrent self-invocation.
	OverlapParallel
)

func (p OverlapPolicy) String() string {
	switch p {
	case OverlapQueue:
		return "queue"
	case OverlapParallel:
		return "parallel"
	default:
		return "skip"
	}
}

// Handler is the callable unit a job executes. It must treat ctx
// cancellation as a request to stop; a non-nil error marks the run as
// failed without affecting other jobs or the loop.
type Handler func(ctx context.Context) error

// JobDefinition describes one scheduled job. Immutable after
// registration; owned exclusively by the Registry.
type JobDefinition struct {
	Name    string
	Spec    string
	Overlap OverlapPolicy
	Handler Handler

	// Timeout bounds a single run via context deadline. Zero disables it.
	Timeout time.Duration

	schedule cron.Schedule
}

// Next returns the first fire time strictly after t.
func (d *JobDefinition) Next(t time.Time) time.Time {
	return d.schedule.Next(t)
}

// Outcome is the terminal classification of a JobRun.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeFailure
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "pending"
	}
}

// Skip/failure reasons recorded on runs.
const (
	ReasonOverlap   = "overlap"
	ReasonQueueFull = "queue-full"
	ReasonSaturated = "worker-pool-saturated"
	ReasonShutdown  = "shutdown"
	ReasonPanic     = "panic"
)

// JobRun is one scheduled execution instance. Terminal once its outcome
// is recorded; retained only in the in-memory history ring.
type JobRun struct {
	Job       string
	Scheduled time.Time
	Started   time.Time
	Finished  time.Time
	Outcome   Outcome
	Reason    string
}

// Event types published on the bus, one per run transition.
const (
	EventDue     = "job.due"
	EventRunning = "job.running"
	EventDone    = "job.done"
)

// RunEvent is the bus payload for run transitions. For EventDone the
// Outcome field holds the terminal classification.
type RunEvent struct {
	Job       string    `json:"job"`
	Scheduled time.Time `json:"scheduled"`
	Started   time.Time `json:"started,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}
