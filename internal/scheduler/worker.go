package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"

	logx "gatekit/pkg/logx"
)

// worker consumes dispatched runs until stop. After finishing a run it
// drains the job's pending slot (Queue policy) before returning to the
// shared queue, so a deferred run executes on the worker that freed it.
func (l *Loop) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan dispatchItem, idx int) {
	log := l.log.With(logx.Int("worker", idx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			// Keep draining already-queued items so they reach a terminal
			// outcome within the grace window.
			select {
			case item := <-queue:
				l.execute(ctx, log, item.def, item.run)
			default:
				return
			}
		case item := <-queue:
			l.execute(ctx, log, item.def, item.run)
		}
	}
}

// execute runs one item plus any pending run deferred behind it.
func (l *Loop) execute(ctx context.Context, log logx.Logger, def *JobDefinition, run *JobRun) {
	for {
		l.runOne(ctx, log, def, run)

		l.mu.Lock()
		st := l.states[def.Name]
		var next *JobRun
		if st != nil && st.pending != nil {
			next = st.pending
			st.pending = nil
		}
		l.mu.Unlock()
		if next == nil {
			return
		}
		run = next
	}
}

func (l *Loop) runOne(ctx context.Context, log logx.Logger, def *JobDefinition, run *JobRun) {
	l.mu.Lock()
	if run.Outcome != OutcomePending {
		// Stop already claimed this run; do not start it.
		l.mu.Unlock()
		return
	}
	st := l.states[def.Name]
	if st != nil {
		st.running++
	}
	run.Started = l.clk.Now()
	l.mu.Unlock()

	l.publish(EventRunning, run)
	log.Debug("job run started", logx.String("job", def.Name))

	err := l.invoke(ctx, def)

	l.mu.Lock()
	if st != nil {
		st.running--
	}
	l.mu.Unlock()

	if err != nil {
		l.finish(run, OutcomeFailure, err.Error())
		return
	}
	l.finish(run, OutcomeSuccess, "")
}

// invoke calls the handler with panic isolation and the per-job timeout.
func (l *Loop) invoke(ctx context.Context, def *JobDefinition) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %v", ReasonPanic, r)
			l.log.Error("job handler panicked",
				logx.String("job", def.Name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}
	return def.Handler(ctx)
}
