// Package jobs holds the built-in scheduled job handlers wired by the
// daemon: log cleanup and database ping.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gatekit/internal/availability"
	logx "gatekit/pkg/logx"
)

// logFilePrefix matches rotated log files (logs.2025-06-01 and the like).
const logFilePrefix = "logs."

// LogCleanup returns a handler that prunes rotated log files older than
// maxAge from dir. A missing directory is not an error; the job simply
// has nothing to do yet.
func LogCleanup(log logx.Logger, dir string, maxAge time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read log dir: %w", err)
		}

		cutoff := time.Now().Add(-maxAge)
		removed := 0
		for _, ent := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if ent.IsDir() || !strings.HasPrefix(ent.Name(), logFilePrefix) {
				continue
			}
			info, err := ent.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, ent.Name())
			if err := os.Remove(path); err != nil {
				log.Warn("failed to remove old log file",
					logx.String("path", path), logx.Err(err))
				continue
			}
			removed++
		}
		if removed > 0 {
			log.Info("pruned old log files",
				logx.String("dir", dir),
				logx.Int("removed", removed),
				logx.Duration("max_age", maxAge))
		}
		return nil
	}
}

// DBPing returns a handler that checks out a connection and pings it.
// With the database disabled the job is a no-op; an unhealthy pool is a
// run failure.
func DBPing(log logx.Logger, store *availability.Store) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if _, ok := store.Current().Pool(); !ok {
			log.Debug("db ping skipped, database disabled")
			return nil
		}
		conn, err := store.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire: %w", err)
		}
		defer conn.Close()

		if err := conn.PingContext(ctx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		log.Debug("db ping ok")
		return nil
	}
}
