package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRun_UnknownCommand(t *testing.T) {
	if code := run(context.Background(), "frobnicate", nil); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRun_ServeRejectsArgs(t *testing.T) {
	if code := run(context.Background(), "serve", []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	body := "# comment\nTASKCHAT_DOTENV_A=\"one\"\nTASKCHAT_DOTENV_B=two\nnot a pair\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("TASKCHAT_DOTENV_A", "")
	t.Setenv("TASKCHAT_DOTENV_B", "preset")

	loadDotEnv(path)

	if got := os.Getenv("TASKCHAT_DOTENV_A"); got != "one" {
		t.Fatalf("A = %q, want one", got)
	}
	if got := os.Getenv("TASKCHAT_DOTENV_B"); got != "preset" {
		t.Fatalf("B = %q, environment must win", got)
	}
}

func TestReasonCode(t *testing.T) {
	if got := reasonCode(failed("E_STORE_OPEN", errors.New("disk full"))); got != "E_STORE_OPEN" {
		t.Fatalf("got %q", got)
	}
	if got := reasonCode(errors.New("plain")); got != "E_STARTUP" {
		t.Fatalf("got %q", got)
	}
}
