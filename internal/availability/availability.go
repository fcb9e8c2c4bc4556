// Package availability holds the process-wide backing-store state.
//
// The store runs in one of two modes: Connected (a bounded connection
// pool exists) or Disabled (no database configured or reachable).
// Disabled is a supported operating mode, not an error; every call site
// that needs the pool must check the mode first.
package availability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	logx "gatekit/pkg/logx"
)

// ErrUnavailable is returned when the store is disabled or the pool could
// not hand out a connection within the acquire timeout.
var ErrUnavailable = errors.New("backing store unavailable")

type Mode int

const (
	ModeDisabled Mode = iota
	ModeConnected
)

func (m Mode) String() string {
	if m == ModeConnected {
		return "connected"
	}
	return "disabled"
}

// Config controls pool sizing and timeouts.
//
// Defaults (when fields are zero):
//   - MaxConns: 5
//   - AcquireTimeout: 3s
//   - ConnectTimeout: 5s
type Config struct {
	DSN            string
	MaxConns       int
	AcquireTimeout time.Duration
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 5
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 3 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

// State is a snapshot of the availability variant. The pool is only
// reachable through Pool(), which reports whether the state is connected,
// so no caller can observe a pool from a disabled state.
type State struct {
	mode Mode
	db   *sql.DB
}

func (s State) Mode() Mode      { return s.mode }
func (s State) Connected() bool { return s.mode == ModeConnected }

// Pool returns the underlying pool iff the state is Connected.
func (s State) Pool() (*sql.DB, bool) {
	if s.mode != ModeConnected || s.db == nil {
		return nil, false
	}
	return s.db, true
}

// Store is the process-wide availability holder. Read-mostly: Current()
// takes a read lock; only Reconnect/Close take the write lock.
type Store struct {
	mu    sync.RWMutex
	state State

	cfg Config
	log logx.Logger
}

// Init decides the availability mode once from configuration.
// A missing or unreachable database yields a Disabled store, never an
// error: running without a database is supported.
func Init(ctx context.Context, cfg Config, log logx.Logger) *Store {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{cfg: cfg, log: log}

	st, err := connect(ctx, cfg)
	if err != nil {
		log.Warn("database unreachable; running without a database", logx.Err(err))
	}
	s.state = st
	log.Info("availability initialized",
		logx.String("mode", st.mode.String()),
		logx.Int("max_conns", cfg.MaxConns))
	return s
}

// Current returns a read-only snapshot. It never blocks on I/O.
func (s *Store) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Acquire checks out one connection from the pool, blocking at most the
// configured acquire timeout. The caller must Close() the returned
// connection to check it back in. Returns ErrUnavailable when the store
// is disabled or the pool is exhausted for the full wait.
func (s *Store) Acquire(ctx context.Context) (*sql.Conn, error) {
	st := s.Current()
	db, ok := st.Pool()
	if !ok {
		return nil, ErrUnavailable
	}

	// The lock is not held across the blocking checkout.
	actx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()
	conn, err := db.Conn(actx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return conn, nil
}

// Reconnect re-runs the connection attempt and replaces the variant under
// the write lock. The previous pool (if any) is closed after the swap.
func (s *Store) Reconnect(ctx context.Context) error {
	st, err := connect(ctx, s.cfg)

	s.mu.Lock()
	old := s.state
	s.state = st
	s.mu.Unlock()

	if db, ok := old.Pool(); ok {
		_ = db.Close()
	}
	if err != nil {
		s.log.Warn("reconnect failed; store disabled", logx.Err(err))
		return err
	}
	s.log.Info("availability changed", logx.String("mode", st.mode.String()))
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	old := s.state
	s.state = State{mode: ModeDisabled}
	s.mu.Unlock()

	if db, ok := old.Pool(); ok {
		return db.Close()
	}
	return nil
}

func connect(ctx context.Context, cfg Config) (State, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return State{mode: ModeDisabled}, nil
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return State{mode: ModeDisabled}, err
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)

	// Basic pragmas.
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	pctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return State{mode: ModeDisabled}, err
	}
	return State{mode: ModeConnected, db: db}, nil
}
