package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/peerchat/peerchat/internal/config"
)

func TestWatcherReloadsOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peerchat.yaml")
	initial := "identity:\n  name: alice\n  namespace: lobby\nrendezvous:\n  host: 127.0.0.1\nlog:\n  level: info\n"
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatalf("write initial fixture: %v", err)
	}

	reloaded := make(chan config.ReloadableFields, 1)
	w, err := config.NewWatcher(path, func(f config.ReloadableFields) { reloaded <- f })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	updated := "identity:\n  name: alice\n  namespace: lobby\nrendezvous:\n  host: 127.0.0.1\nlog:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("write updated fixture: %v", err)
	}

	select {
	case fields := <-reloaded:
		if fields.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", fields.LogLevel)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}
