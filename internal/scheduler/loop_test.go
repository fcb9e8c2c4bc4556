package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WatchBeam/clock"

	"gatekit/internal/eventbus"
	logx "gatekit/pkg/logx"
)

// advance steps the mock clock until cond holds or the real-time budget
// runs out. Ticks may race with the loop re-arming its timer, so steps
// are retried rather than counted.
func advance(t *testing.T, mc *clock.MockClock, step time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		mc.AddTime(step)
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not reached")
	}
}

// waitFor polls cond in real time without touching the clock.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not reached")
	}
}

func newTestLoop(t *testing.T, cfg Config, reg *Registry, bus eventbus.Bus) (*Loop, *clock.MockClock) {
	t.Helper()
	mc := clock.NewMockClock()
	l := New(cfg, reg, bus, logx.Nop())
	l.clk = mc
	return l, mc
}

func countRuns(l *Loop, job string, outcome Outcome, reason string) int {
	n := 0
	for _, r := range l.History() {
		if r.Job == job && r.Outcome == outcome && (reason == "" || r.Reason == reason) {
			n++
		}
	}
	return n
}

func TestLoopRunsDueJob(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var ran atomic.Int32
	if err := reg.Register(JobDefinition{
		Name: "tick", Spec: "* * * * * *",
		Handler: func(ctx context.Context) error { ran.Add(1); return nil },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	l, mc := newTestLoop(t, Config{Tick: 100 * time.Millisecond, Workers: 1, Location: time.UTC}, reg, nil)
	l.Start(context.Background())
	defer l.Stop(context.Background())

	advance(t, mc, time.Second, func() bool {
		return countRuns(l, "tick", OutcomeSuccess, "") >= 1
	})
	if ran.Load() == 0 {
		t.Fatal("handler never ran")
	}
}

func TestLoopCoalescesMissedFires(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	if err := reg.Register(JobDefinition{
		Name: "every-second", Spec: "* * * * * *",
		Handler: func(ctx context.Context) error { return nil },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	l, mc := newTestLoop(t, Config{Tick: 100 * time.Millisecond, Workers: 1, Location: time.UTC}, reg, nil)
	l.Start(context.Background())
	defer l.Stop(context.Background())

	// Prime the per-job state: the first evaluation only arms the next
	// fire time.
	advance(t, mc, 10*time.Millisecond, func() bool {
		ss := l.Snapshot()
		return len(ss) == 1 && !ss[0].Next.IsZero()
	})
	// Let any in-flight evaluation settle before sampling the baseline.
	time.Sleep(50 * time.Millisecond)
	before := len(l.History())

	// A single jump across many fire times yields exactly one run.
	mc.AddTime(30 * time.Second)
	waitFor(t, func() bool { return len(l.History()) == before+1 })
	time.Sleep(50 * time.Millisecond)
	if got := len(l.History()); got != before+1 {
		t.Fatalf("history grew to %d, want %d", got, before+1)
	}
}

func TestLoopOverlapSkip(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var started atomic.Int32
	release := make(chan struct{})
	if err := reg.Register(JobDefinition{
		Name: "slow", Spec: "* * * * * *", Overlap: OverlapSkip,
		Handler: func(ctx context.Context) error {
			started.Add(1)
			<-release
			return nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	l, mc := newTestLoop(t, Config{Tick: 100 * time.Millisecond, Workers: 2, Location: time.UTC}, reg, nil)
	l.Start(context.Background())
	defer l.Stop(context.Background())

	advance(t, mc, time.Second, func() bool { return started.Load() == 1 })
	advance(t, mc, time.Second, func() bool {
		return countRuns(l, "slow", OutcomeSkipped, ReasonOverlap) >= 1
	})
	if started.Load() != 1 {
		t.Fatalf("started %d instances, want 1", started.Load())
	}

	close(release)
	waitFor(t, func() bool { return countRuns(l, "slow", OutcomeSuccess, "") >= 1 })
}

func TestLoopOverlapQueue(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var started atomic.Int32
	release := make(chan struct{})
	if err := reg.Register(JobDefinition{
		Name: "seq", Spec: "* * * * * *", Overlap: OverlapQueue,
		Handler: func(ctx context.Context) error {
			started.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	l, mc := newTestLoop(t, Config{Tick: 100 * time.Millisecond, Workers: 2, Location: time.UTC}, reg, nil)
	l.Start(context.Background())
	defer l.Stop(context.Background())

	advance(t, mc, time.Second, func() bool { return started.Load() == 1 })

	// Second due run parks in the single pending slot.
	advance(t, mc, time.Second, func() bool {
		for _, s := range l.Snapshot() {
			if s.Name == "seq" && s.Pending {
				return true
			}
		}
		return false
	})

	// Third and later due runs overflow the slot.
	advance(t, mc, time.Second, func() bool {
		return countRuns(l, "seq", OutcomeSkipped, ReasonQueueFull) >= 1
	})

	// Releasing the first run lets the pending one execute on the same
	// worker; no further ticks are needed.
	close(release)
	waitFor(t, func() bool { return countRuns(l, "seq", OutcomeSuccess, "") >= 2 })
	if started.Load() < 2 {
		t.Fatalf("started %d instances, want >= 2", started.Load())
	}
}

func TestLoopOverlapParallel(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var inflight, peak atomic.Int32
	release := make(chan struct{})
	if err := reg.Register(JobDefinition{
		Name: "par", Spec: "* * * * * *", Overlap: OverlapParallel,
		Handler: func(ctx context.Context) error {
			n := inflight.Add(1)
			defer inflight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			return nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	l, mc := newTestLoop(t, Config{Tick: 100 * time.Millisecond, Workers: 4, Location: time.UTC}, reg, nil)
	l.Start(context.Background())
	defer l.Stop(context.Background())

	advance(t, mc, time.Second, func() bool { return inflight.Load() >= 2 })
	if peak.Load() < 2 {
		t.Fatalf("peak concurrency %d, want >= 2", peak.Load())
	}
	close(release)
	waitFor(t, func() bool { return countRuns(l, "par", OutcomeSuccess, "") >= 2 })
}

func TestLoopSaturatedPoolSkips(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	release := make(chan struct{})
	if err := reg.Register(JobDefinition{
		Name: "busy", Spec: "* * * * * *", Overlap: OverlapParallel,
		Handler: func(ctx context.Context) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cfg := Config{
		Tick:            100 * time.Millisecond,
		Workers:         1,
		QueueSize:       1,
		DispatchTimeout: 30 * time.Millisecond,
		Location:        time.UTC,
	}
	l, mc := newTestLoop(t, cfg, reg, nil)
	l.Start(context.Background())
	defer l.Stop(context.Background())

	// One run occupies the worker, one fills the queue; the next blocks
	// on dispatch until the timeout records it as skipped.
	advance(t, mc, time.Second, func() bool {
		return countRuns(l, "busy", OutcomeSkipped, ReasonSaturated) >= 1
	})
	close(release)
}

func TestLoopFailureAndPanicIsolation(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var healthy atomic.Int32
	if err := reg.Register(JobDefinition{
		Name: "panicky", Spec: "* * * * * *",
		Handler: func(ctx context.Context) error { panic("boom") },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(JobDefinition{
		Name: "failing", Spec: "* * * * * *",
		Handler: func(ctx context.Context) error { return errors.New("db gone") },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(JobDefinition{
		Name: "healthy", Spec: "* * * * * *",
		Handler: func(ctx context.Context) error { healthy.Add(1); return nil },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	l, mc := newTestLoop(t, Config{Tick: 100 * time.Millisecond, Workers: 3, Location: time.UTC}, reg, nil)
	l.Start(context.Background())
	defer l.Stop(context.Background())

	advance(t, mc, time.Second, func() bool {
		return countRuns(l, "panicky", OutcomeFailure, "") >= 1 &&
			countRuns(l, "failing", OutcomeFailure, "") >= 1 &&
			countRuns(l, "healthy", OutcomeSuccess, "") >= 1
	})

	for _, r := range l.History() {
		if r.Job == "panicky" && r.Outcome == OutcomeFailure && r.Reason == "" {
			t.Fatal("panic run carries no reason")
		}
	}
	if healthy.Load() == 0 {
		t.Fatal("healthy job starved by failing siblings")
	}
}

func TestLoopStopMarksAbandonedRuns(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	if err := reg.Register(JobDefinition{
		Name: "stuck", Spec: "* * * * * *",
		Handler: func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-block
			return nil
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cfg := Config{
		Tick:          100 * time.Millisecond,
		Workers:       1,
		ShutdownGrace: 50 * time.Millisecond,
		Location:      time.UTC,
	}
	l, mc := newTestLoop(t, cfg, reg, nil)
	l.Start(context.Background())

	advance(t, mc, time.Second, func() bool {
		select {
		case <-started:
			return true
		default:
			return false
		}
	})

	stopStart := time.Now()
	l.Stop(context.Background())
	if took := time.Since(stopStart); took > 2*time.Second {
		t.Fatalf("Stop took %v, want bounded by grace", took)
	}
	if countRuns(l, "stuck", OutcomeFailure, ReasonShutdown) == 0 {
		t.Fatal("abandoned run not marked as shutdown failure")
	}
	close(block)
}

func TestLoopPublishesRunEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	reg := NewRegistry()
	if err := reg.Register(JobDefinition{
		Name: "observed", Spec: "* * * * * *",
		Handler: func(ctx context.Context) error { return nil },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	l, mc := newTestLoop(t, Config{Tick: 100 * time.Millisecond, Workers: 1, Location: time.UTC}, reg, bus)
	l.Start(context.Background())
	defer l.Stop(context.Background())

	advance(t, mc, time.Second, func() bool {
		return countRuns(l, "observed", OutcomeSuccess, "") >= 1
	})

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !(seen[EventDue] && seen[EventRunning] && seen[EventDone]) {
		select {
		case ev := <-events:
			if re, ok := ev.Data.(RunEvent); ok && re.Job == "observed" {
				seen[ev.Type] = true
				if ev.Type == EventDone && re.Outcome != "success" {
					t.Fatalf("done outcome = %q", re.Outcome)
				}
			}
		case <-deadline:
			t.Fatalf("missing transitions, saw %v", seen)
		}
	}
}

func TestLoopHistoryBounded(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	var runs atomic.Int32
	if err := reg.Register(JobDefinition{
		Name: "chatty", Spec: "* * * * * *",
		Handler: func(ctx context.Context) error { runs.Add(1); return nil },
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	l, mc := newTestLoop(t, Config{Tick: 100 * time.Millisecond, Workers: 1, HistorySize: 3, Location: time.UTC}, reg, nil)
	l.Start(context.Background())
	defer l.Stop(context.Background())

	advance(t, mc, time.Second, func() bool { return runs.Load() >= 5 })
	if got := len(l.History()); got > 3 {
		t.Fatalf("history len = %d, want <= 3", got)
	}
}
