package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gatekit/internal/token"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestAppLifecycle(t *testing.T) {
	path := writeConfig(t, `{
		"logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}},
		"database": {},
		"token": {"signing_key": "0123456789abcdef0123456789abcdef"},
		"scheduler": {"enabled": true, "tick": "50ms", "workers": 1},
		"jobs": {
			"db_ping": {"enabled": true, "schedule": "* * * * *"}
		}
	}`)

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if a.Store() == nil {
		t.Fatal("store not initialized")
	}
	if _, ok := a.Store().Current().Pool(); ok {
		t.Fatal("empty DSN must yield a disabled store")
	}
	if _, ok := a.Registry().Lookup("db-ping"); !ok {
		t.Fatal("db-ping job not registered")
	}

	tok, err := a.Codec().Issue("svc", token.RoleOperator, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := a.Codec().Validate(tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Role != token.RoleOperator {
		t.Fatalf("role = %v", claims.Role)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestAppRejectsMissingSigningKey(t *testing.T) {
	path := writeConfig(t, `{
		"logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}},
		"database": {},
		"token": {"signing_key": ""},
		"scheduler": {"enabled": false}
	}`)
	if _, err := New(path); err == nil {
		t.Fatal("empty signing key accepted")
	}
}
