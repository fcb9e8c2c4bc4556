// Package scheduler implements the job registry and the time-driven
// scheduler loop.
//
// The registry owns immutable job definitions (name, cron expression,
// handler, overlap policy). The loop evaluates due jobs on a fixed tick,
// coalescing missed ticks, and dispatches runs to a bounded worker pool.
// A job's failure (error or panic) is isolated to that run: it is
// recorded in the in-memory history ring and published on the event bus,
// never propagated into the loop's control flow.
package scheduler
