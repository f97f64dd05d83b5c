package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskchat/internal/config"
)

func TestWatcher_DetectsPolicyFileChange(t *testing.T) {
	homeDir := t.TempDir()
	policyPath := filepath.Join(homeDir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte("destructive_operations: [delete]\n"), 0o644); err != nil {
		t.Fatalf("write initial policy: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write at short intervals until the watcher produces an event,
	// covering platform-specific delay in notification readiness.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(policyPath, []byte("destructive_operations: [delete, complete]\n"), 0o644); err != nil {
		t.Fatalf("write updated policy: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "policy.yaml" {
				t.Fatalf("expected policy.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(policyPath, []byte("destructive_operations: [delete, complete]\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for policy.yaml change event")
		}
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_ClosesEventsOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}

func TestWatcher_CoalescesBursts(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil, config.WithDebounce(250*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	cfgPath := filepath.Join(homeDir, "config.yaml")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("expected config.yaml event, got %s", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config.yaml event")
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("burst produced a second event: %+v", ev)
	case <-time.After(400 * time.Millisecond):
	}
}
