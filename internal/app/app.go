// Package app wires configuration, logging, the availability store, the
// token codec, and the scheduler into one runnable daemon.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gatekit/internal/availability"
	"gatekit/internal/config"
	"gatekit/internal/eventbus"
	"gatekit/internal/jobs"
	"gatekit/internal/scheduler"
	"gatekit/internal/supervisor"
	"gatekit/internal/token"
	logx "gatekit/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store *availability.Store
	codec *token.Codec

	bus  eventbus.Bus
	reg  *scheduler.Registry
	loop *scheduler.Loop

	schedEnabled bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	codec, err := token.NewCodec(token.Config{
		SigningKey: []byte(cfg.Token.SigningKey),
		Issuer:     cfg.Token.Issuer,
		DefaultTTL: dur("token.default_ttl", cfg.Token.DefaultTTL, 15*time.Minute),
	})
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("token codec: %w", err)
	}

	a := &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		codec:        codec,
		bus:          eventbus.New(),
		reg:          scheduler.NewRegistry(),
		schedEnabled: cfg.Scheduler.Enabled,
	}
	return a, nil
}

// Store exposes the availability store; nil until Start.
func (a *App) Store() *availability.Store { return a.store }

// Codec exposes the token codec for embedding callers (guards, CLIs).
func (a *App) Codec() *token.Codec { return a.codec }

// Registry exposes the job registry for registering additional jobs
// before Start.
func (a *App) Registry() *scheduler.Registry { return a.reg }

// Bus exposes the in-process event bus.
func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.store = availability.Init(a.sup.Context(), availability.Config{
		DSN:            cfg.Database.DSN,
		MaxConns:       cfg.Database.MaxConns,
		AcquireTimeout: dur("database.acquire_timeout", cfg.Database.AcquireTimeout, 0),
		ConnectTimeout: dur("database.connect_timeout", cfg.Database.ConnectTimeout, 0),
	}, a.log.With(logx.String("comp", "availability")))

	if err := a.registerBuiltinJobs(cfg); err != nil {
		return err
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
		loc = l
	}
	a.loop = scheduler.New(scheduler.Config{
		Tick:            dur("scheduler.tick", cfg.Scheduler.Tick, 0),
		Workers:         cfg.Scheduler.Workers,
		QueueSize:       cfg.Scheduler.QueueSize,
		DispatchTimeout: dur("scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout, 0),
		HistorySize:     cfg.Scheduler.HistorySize,
		ShutdownGrace:   dur("scheduler.shutdown_grace", cfg.Scheduler.ShutdownGrace, 0),
		Location:        loc,
	}, a.reg, a.bus, a.log.With(logx.String("comp", "scheduler")))

	if a.schedEnabled {
		a.loop.Start(a.sup.Context())
	} else {
		a.log.Info("scheduler disabled by config")
	}

	a.sup.Go("events.log", func(c context.Context) error {
		return a.logRunEvents(c)
	})

	// Hot reload: the config watcher republishes validated changes; only
	// logging settings apply live, the rest take effect on restart.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyReload(newCfg)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) registerBuiltinJobs(cfg *config.Config) error {
	if jc := cfg.Jobs.LogCleanup; jc.Enabled {
		spec := jc.Schedule
		if strings.TrimSpace(spec) == "" {
			spec = "0 3 * * *"
		}
		maxAge := dur("jobs.log_cleanup.max_age", jc.MaxAge, 7*24*time.Hour)
		err := a.reg.Register(scheduler.JobDefinition{
			Name:    "log-cleanup",
			Spec:    spec,
			Overlap: scheduler.OverlapSkip,
			Handler: jobs.LogCleanup(a.log.With(logx.String("comp", "jobs.log-cleanup")), jc.Dir, maxAge),
		})
		if err != nil {
			return fmt.Errorf("register log-cleanup: %w", err)
		}
	}
	if jc := cfg.Jobs.DBPing; jc.Enabled {
		spec := jc.Schedule
		if strings.TrimSpace(spec) == "" {
			spec = "* * * * *"
		}
		err := a.reg.Register(scheduler.JobDefinition{
			Name:    "db-ping",
			Spec:    spec,
			Overlap: scheduler.OverlapSkip,
			Timeout: 30 * time.Second,
			Handler: jobs.DBPing(a.log.With(logx.String("comp", "jobs.db-ping")), a.store),
		})
		if err != nil {
			return fmt.Errorf("register db-ping: %w", err)
		}
	}
	return nil
}

// logRunEvents mirrors scheduler run transitions into the log so the
// history is observable without a database.
func (a *App) logRunEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	log := a.log.With(logx.String("comp", "events"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			re, isRun := ev.Data.(scheduler.RunEvent)
			if !isRun {
				continue
			}
			fields := []logx.Field{
				logx.String("job", re.Job),
				logx.Time("scheduled", re.Scheduled),
			}
			if re.Outcome != "" {
				fields = append(fields, logx.String("outcome", re.Outcome))
			}
			if re.Reason != "" {
				fields = append(fields, logx.String("reason", re.Reason))
			}
			log.Debug(ev.Type, fields...)
		}
	}
}

func (a *App) applyReload(newCfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})
	if newCfg.Scheduler.Enabled != a.schedEnabled {
		a.log.Info("scheduler.enabled changed; restart to apply")
	}
	a.log.Info("config reloaded")
}

// dur resolves an already-validated duration field; Config.Validate has
// rejected unparsable values before this runs.
func dur(path, raw string, def time.Duration) time.Duration {
	d, err := config.ParseDurationOrDefault(path, raw, def)
	if err != nil {
		return def
	}
	return d
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Stop the loop before cancelling the supervisor context: in-flight
	// handlers run under that context and get the shutdown grace window.
	if a.loop != nil {
		a.loop.Stop(ctx)
	}
	a.sup.Cancel()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close", logx.Err(err))
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	a.sup.Stop(waitCtx)
	cancel()

	a.log.Info("stopped")
	return a.logs.Close()
}
