package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Database controls the optional backing store. An empty DSN means the
	// process runs in the disabled-availability mode; that is a supported
	// configuration, not an error.
	Database DatabaseConfig `json:"database"`

	Token TokenConfig `json:"token"`

	// Scheduler controls the tick loop and its execution pool.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Jobs configures the built-in daemon jobs.
	Jobs JobsConfig `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DatabaseConfig controls the availability store's connection pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - max_conns: 5
//   - acquire_timeout: "3s"
//   - connect_timeout: "5s"
type DatabaseConfig struct {
	DSN            string `json:"dsn,omitempty"`
	MaxConns       int    `json:"max_conns,omitempty"`
	AcquireTimeout string `json:"acquire_timeout,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

// TokenConfig controls token issuance and validation.
//
// SigningKey must be non-empty for the process to issue or validate
// tokens; it is never logged.
type TokenConfig struct {
	SigningKey string `json:"signing_key"`
	Issuer     string `json:"issuer,omitempty"`
	// DefaultTTL is a Go duration string, applied when issue is called
	// with a non-positive ttl. Default "15m".
	DefaultTTL string `json:"default_ttl,omitempty"`
}

// SchedulerConfig controls the tick loop and the worker pool.
//
// Defaults (when fields are omitted/zero):
//   - tick: "1s"
//   - workers: 2
//   - queue_size: 64
//   - dispatch_timeout: "2s"
//   - history_size: 200
//   - shutdown_grace: "10s"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	Tick      string `json:"tick,omitempty"`
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`

	// DispatchTimeout bounds how long the tick loop blocks handing a due
	// run to a saturated worker pool before recording the run as skipped.
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`

	HistorySize   int    `json:"history_size,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`

	// Timezone for cron evaluation (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

type JobsConfig struct {
	LogCleanup LogCleanupConfig `json:"log_cleanup,omitempty"`
	DBPing     DBPingConfig     `json:"db_ping,omitempty"`
}

// LogCleanupConfig configures the built-in log retention job.
type LogCleanupConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron expression; default "0 3 * * *"
	Dir      string `json:"dir,omitempty"`
	// MaxAge is a Go duration string; log files older than this are removed.
	MaxAge string `json:"max_age,omitempty"`
}

// DBPingConfig configures the built-in database health probe.
type DBPingConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron expression; default "* * * * *"
}

// Validate checks cross-field constraints that the strict decoder cannot.
// Duration fields are validated here so a bad config is rejected at load
// (or reload) time instead of deep inside a component.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []string
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err.Error())
		}
	}
	check("database.acquire_timeout", c.Database.AcquireTimeout)
	check("database.connect_timeout", c.Database.ConnectTimeout)
	check("token.default_ttl", c.Token.DefaultTTL)
	check("scheduler.tick", c.Scheduler.Tick)
	check("scheduler.dispatch_timeout", c.Scheduler.DispatchTimeout)
	check("scheduler.shutdown_grace", c.Scheduler.ShutdownGrace)
	check("jobs.log_cleanup.max_age", c.Jobs.LogCleanup.MaxAge)

	if c.Scheduler.Workers < 0 {
		errs = append(errs, "scheduler.workers must be >= 0")
	}
	if c.Database.MaxConns < 0 {
		errs = append(errs, "database.max_conns must be >= 0")
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Sprintf("scheduler.timezone: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
