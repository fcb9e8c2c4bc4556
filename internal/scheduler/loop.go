package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"golang.org/x/time/rate"

	"gatekit/internal/eventbus"
	logx "gatekit/pkg/logx"
)

// Loop drives due-job evaluation on a fixed tick and owns the worker
// pool. Construct with New, then Start once; Stop admits no new
// dispatches and waits (bounded by the shutdown grace) for in-flight
// runs before abandoning the rest.
type Loop struct {
	cfg Config
	reg *Registry
	bus eventbus.Bus
	log logx.Logger
	clk clock.Clock

	mu      sync.Mutex
	states  map[string]*jobState
	history []*JobRun
	running bool
	stopCh  chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc

	queue    chan dispatchItem
	loopWG   sync.WaitGroup
	workerWG sync.WaitGroup

	// satWarn throttles worker-pool-saturation warnings; the condition
	// repeats every tick while it lasts.
	satWarn *rate.Limiter
}

// jobState is the loop's per-job bookkeeping. Guarded by Loop.mu.
type jobState struct {
	next    time.Time
	running int
	pending *JobRun // at most one deferred run (Queue policy)
}

type dispatchItem struct {
	def *JobDefinition
	run *JobRun
}

func New(cfg Config, reg *Registry, bus eventbus.Bus, log logx.Logger) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		cfg:     cfg.withDefaults(),
		reg:     reg,
		bus:     bus,
		log:     log,
		clk:     clock.C,
		states:  map[string]*jobState{},
		satWarn: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// Start launches the tick loop and the worker pool. Safe to call once;
// subsequent calls while running are no-ops.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.runCtx, l.runCancel = context.WithCancel(ctx)
	l.queue = make(chan dispatchItem, l.cfg.QueueSize)

	runCtx := l.runCtx
	stopCh := l.stopCh
	queue := l.queue
	workers := l.cfg.Workers
	l.mu.Unlock()

	l.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer l.workerWG.Done()
			l.worker(runCtx, stopCh, queue, idx)
		}()
	}

	l.loopWG.Add(1)
	go func() {
		defer l.loopWG.Done()
		l.run(runCtx, stopCh)
	}()

	l.log.Info("scheduler started",
		logx.Int("workers", workers),
		logx.Duration("tick", l.cfg.Tick),
		logx.Int("jobs", l.reg.Len()),
		logx.String("tz", l.cfg.Location.String()))
}

func (l *Loop) run(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-l.clk.After(l.cfg.Tick):
			l.tick(stopCh)
		}
	}
}

// tick is one evaluation pass over the registry.
func (l *Loop) tick(stopCh <-chan struct{}) {
	now := l.clk.Now().In(l.cfg.Location)
	for _, def := range l.reg.List() {
		l.evalJob(def, now, stopCh)
	}
}

func (l *Loop) evalJob(def *JobDefinition, now time.Time, stopCh <-chan struct{}) {
	l.mu.Lock()
	st := l.states[def.Name]
	if st == nil {
		// First sighting (startup or runtime registration): arm the next
		// fire time; the job does not fire retroactively.
		l.states[def.Name] = &jobState{next: def.Next(now)}
		l.mu.Unlock()
		return
	}
	if now.Before(st.next) {
		l.mu.Unlock()
		return
	}
	// Advance past now in one step: a gap spanning several fire times
	// coalesces into a single firing.
	scheduled := st.next
	st.next = def.Next(now)
	runningN := st.running
	pendingSet := st.pending != nil
	l.mu.Unlock()

	run := l.newRun(def.Name, scheduled)
	l.publish(EventDue, run)

	if runningN > 0 {
		switch def.Overlap {
		case OverlapSkip:
			l.finish(run, OutcomeSkipped, ReasonOverlap)
			return
		case OverlapQueue:
			if pendingSet {
				l.finish(run, OutcomeSkipped, ReasonQueueFull)
				return
			}
			l.mu.Lock()
			// Re-check under the lock; the running instance may have
			// finished since the snapshot above.
			if st.running > 0 {
				if st.pending != nil {
					l.mu.Unlock()
					l.finish(run, OutcomeSkipped, ReasonQueueFull)
					return
				}
				st.pending = run
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
		case OverlapParallel:
			// dispatch unconditionally
		}
	}

	l.dispatch(def, run, stopCh)
}

// dispatch hands the run to the worker pool, blocking at most the
// configured dispatch timeout when the queue is full.
func (l *Loop) dispatch(def *JobDefinition, run *JobRun, stopCh <-chan struct{}) {
	item := dispatchItem{def: def, run: run}
	select {
	case l.queue <- item:
		return
	default:
	}

	select {
	case l.queue <- item:
	case <-time.After(l.cfg.DispatchTimeout):
		if l.satWarn.Allow() {
			l.log.Warn("worker pool saturated; skipping run",
				logx.String("job", def.Name),
				logx.Int("queue_cap", cap(l.queue)))
		}
		l.finish(run, OutcomeSkipped, ReasonSaturated)
	case <-stopCh:
		l.finish(run, OutcomeFailure, ReasonShutdown)
	}
}

// Stop stops admitting dispatches and waits, bounded by the shutdown
// grace (or ctx, whichever ends first), for in-flight runs to reach a
// terminal outcome. Remaining runs are abandoned and recorded as
// failed with the shutdown reason.
func (l *Loop) Stop(ctx context.Context) {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	stopCh := l.stopCh
	l.mu.Unlock()

	start := time.Now()
	close(stopCh)
	l.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		l.workerWG.Wait()
		close(done)
	}()
	grace := time.NewTimer(l.cfg.ShutdownGrace)
	select {
	case <-done:
		grace.Stop()
	case <-grace.C:
	case <-ctx.Done():
		grace.Stop()
	}
	// Cancel whatever is still executing; their outcome slots are claimed
	// below, so late completions are dropped by finish().
	l.runCancel()

	var abandoned []*JobRun
	now := l.clk.Now()
	l.mu.Lock()
	for _, r := range l.history {
		if r.Outcome == OutcomePending {
			r.Outcome = OutcomeFailure
			r.Reason = ReasonShutdown
			r.Finished = now
			abandoned = append(abandoned, r)
		}
	}
	l.mu.Unlock()
	for _, r := range abandoned {
		l.publish(EventDone, r)
	}

	l.log.Info("scheduler stopped",
		logx.Duration("took", time.Since(start)),
		logx.Int("abandoned", len(abandoned)))
}

// newRun creates a run and appends it to the bounded history ring.
func (l *Loop) newRun(job string, scheduled time.Time) *JobRun {
	run := &JobRun{Job: job, Scheduled: scheduled}
	l.mu.Lock()
	l.history = append(l.history, run)
	if len(l.history) > l.cfg.HistorySize {
		l.history = l.history[len(l.history)-l.cfg.HistorySize:]
	}
	l.mu.Unlock()
	return run
}

// finish records a terminal outcome exactly once; late or duplicate
// recordings are dropped.
func (l *Loop) finish(run *JobRun, outcome Outcome, reason string) {
	l.mu.Lock()
	if run.Outcome != OutcomePending {
		l.mu.Unlock()
		return
	}
	run.Outcome = outcome
	run.Reason = reason
	run.Finished = l.clk.Now()
	l.mu.Unlock()

	l.publish(EventDone, run)
	switch outcome {
	case OutcomeFailure:
		l.log.Warn("job run failed", logx.String("job", run.Job), logx.String("reason", reason))
	case OutcomeSkipped:
		l.log.Debug("job run skipped", logx.String("job", run.Job), logx.String("reason", reason))
	default:
		l.log.Debug("job run completed", logx.String("job", run.Job))
	}
}

func (l *Loop) publish(typ string, run *JobRun) {
	if l.bus == nil {
		return
	}
	l.mu.Lock()
	ev := RunEvent{
		Job:       run.Job,
		Scheduled: run.Scheduled,
		Started:   run.Started,
		Reason:    run.Reason,
	}
	if typ == EventDone {
		ev.Outcome = run.Outcome.String()
	}
	l.mu.Unlock()
	l.bus.Publish(eventbus.Event{Type: typ, Time: l.clk.Now(), Data: ev})
}

// History returns a copy of the run ring, oldest first.
func (l *Loop) History() []JobRun {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]JobRun, len(l.history))
	for i, r := range l.history {
		out[i] = *r
	}
	return out
}
