package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/pipepulse/internal/config"
	"github.com/mattjoyce/pipepulse/internal/storage"
)

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec cat\n"), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Pool.Count = 3
	cfg.Pool.Command = writeExecutable(t, t.TempDir(), "main")
	cfg.Pool.ExchangeTimeout = 500 * time.Millisecond
	return cfg
}

func hasIssue(issues []Issue, category, fragment string) bool {
	for _, i := range issues {
		if i.Category == category && strings.Contains(i.Message, fragment) {
			return true
		}
	}
	return false
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", r.Warnings)
	}
}

func TestValidate_MissingCommand(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Workers = []config.WorkerOverride{{ID: 1, Command: filepath.Join(t.TempDir(), "gone")}}

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if len(r.Errors) != 1 || r.Errors[0].Field != "worker:1.command" {
		t.Fatalf("unexpected errors: %v", r.Errors)
	}
}

func TestValidate_NotExecutable(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	path := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Pool.Command = path

	r := New(cfg).Validate()
	if !hasIssue(r.Errors, "workers", "not executable") {
		t.Fatalf("expected not executable error, got %v", r.Errors)
	}
	// Every worker shares the command; it is reported once.
	if len(r.Errors) != 1 {
		t.Fatalf("expected one error, got %v", r.Errors)
	}
}

func TestValidate_RelativeCommandUsesDir(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	dir := t.TempDir()
	writeExecutable(t, dir, "main")
	cfg.Pool.Command = "./main"
	cfg.Pool.Dir = dir

	if r := New(cfg).Validate(); !r.Valid {
		t.Fatalf("expected valid, got %v", r.Errors)
	}

	cfg.Pool.Dir = filepath.Join(dir, "missing")
	r := New(cfg).Validate()
	if !hasIssue(r.Errors, "workers", "does not exist") {
		t.Fatalf("expected missing dir error, got %v", r.Errors)
	}
}

func TestValidate_BareCommandUsesPath(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Pool.Command = "pulse-worker"

	d := New(cfg)
	d.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	if r := d.Validate(); !hasIssue(r.Errors, "workers", "not found in PATH") {
		t.Fatalf("expected PATH error, got %v", r.Errors)
	}

	d.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	if r := d.Validate(); !r.Valid {
		t.Fatalf("expected valid, got %v", r.Errors)
	}
}

func TestValidate_APIExposure(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.API.Enabled = true
	cfg.API.Listen = "0.0.0.0:8090"

	r := New(cfg).Validate()
	if !hasIssue(r.Warnings, "api", "without a token") {
		t.Fatalf("expected exposure warning, got %v", r.Warnings)
	}

	cfg.API.Listen = "127.0.0.1:8090"
	if r := New(cfg).Validate(); hasIssue(r.Warnings, "api", "without a token") {
		t.Fatalf("loopback should not warn: %v", r.Warnings)
	}

	cfg.API.Listen = "nonsense"
	if r := New(cfg).Validate(); !hasIssue(r.Errors, "api", "invalid listen address") {
		t.Fatalf("expected listen error, got %v", r.Errors)
	}
}

func TestValidate_JournalOnNetworkFilesystem(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.State.Path = "/mnt/share/journal.db"

	d := New(cfg)
	d.detectFS = func(path string) (storage.Filesystem, error) {
		return storage.Filesystem{Probe: "/mnt/share", Type: "nfs", Remote: true}, nil
	}
	r := d.Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(r.Errors, "state", `network filesystem "nfs"`) || r.Errors[0].Field != "state.path" {
		t.Fatalf("unexpected errors: %v", r.Errors)
	}

	cfg.State.Enabled = false
	if r := d.Validate(); !r.Valid {
		t.Fatalf("disabled journal should skip the filesystem check: %v", r.Errors)
	}
}

func TestValidate_TimingWarnings(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Pool.Every = 5 * time.Millisecond
	cfg.Pool.ExchangeTimeout = 0

	r := New(cfg).Validate()
	if !hasIssue(r.Warnings, "timing", "very short") {
		t.Fatalf("expected short period warning, got %v", r.Warnings)
	}
	if !hasIssue(r.Warnings, "timing", "no exchange timeout") {
		t.Fatalf("expected timeout warning, got %v", r.Warnings)
	}
}

func TestValidate_Integrity(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	path := filepath.Join(t.TempDir(), "pipepulse.yaml")
	if err := os.WriteFile(path, []byte("pool:\n  count: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.SourcePath = path

	r := New(cfg).Validate()
	if !hasIssue(r.Warnings, "integrity", "no checksum") {
		t.Fatalf("expected missing checksum warning, got %v", r.Warnings)
	}

	if _, err := config.WriteChecksum(path); err != nil {
		t.Fatal(err)
	}
	if r := New(cfg).Validate(); !r.Valid {
		t.Fatalf("expected valid after hashing, got %v", r.Errors)
	}

	if err := os.WriteFile(path, []byte("pool:\n  count: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := New(cfg).Validate(); !hasIssue(r.Errors, "integrity", "verification failed") {
		t.Fatalf("expected integrity error, got %v", r.Errors)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "workers", Field: "worker:0.command", Message: "boom"}},
		Warnings: []Issue{{Category: "state", Message: "off"}},
	}
	out := FormatHuman(r)
	for _, want := range []string{
		"Configuration invalid (1 error(s), 1 warning(s))",
		"ERROR [workers] worker:0.command: boom",
		"WARN  [state] off",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	if got := FormatHuman(&Result{Valid: true}); got != "Configuration valid.\n" {
		t.Fatalf("unexpected output %q", got)
	}
}
