package iam

import (
	"context"
	"errors"
	"flag"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("iam", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Service.HTTPAddr != "localhost:8080" {
		t.Fatalf("expected default http addr, got %q", cfg.Service.HTTPAddr)
	}
	if cfg.Service.Session.TTL != 24*time.Hour {
		t.Fatalf("expected default session ttl, got %v", cfg.Service.Session.TTL)
	}
	if cfg.Service.Passkey.RPID != "localhost" {
		t.Fatalf("expected default rp id, got %q", cfg.Service.Passkey.RPID)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("expected default log level, got %q", cfg.Log.Level)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("IAM_HTTP_ADDR", "env-http")
	t.Setenv("IAM_DB_PATH", "env.db")
	t.Setenv("IAM_BOOTSTRAP_ADMIN_EMAILS", "a@example.com,b@example.com")

	fs := flag.NewFlagSet("iam", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-http-addr", "flag-http"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Service.HTTPAddr != "flag-http" {
		t.Fatalf("expected flag http addr, got %q", cfg.Service.HTTPAddr)
	}
	if cfg.Service.DBPath != "env.db" {
		t.Fatalf("expected env db path, got %q", cfg.Service.DBPath)
	}
	if len(cfg.Service.BootstrapAdminEmails) != 2 {
		t.Fatalf("expected two bootstrap emails, got %v", cfg.Service.BootstrapAdminEmails)
	}
}

func TestParseConfigRejectsInvalidPasskeyConfig(t *testing.T) {
	t.Setenv("IAM_WEBAUTHN_CEREMONY_TTL", "0s")

	fs := flag.NewFlagSet("iam", flag.ContinueOnError)
	if _, err := ParseConfig(fs, nil); err == nil {
		t.Fatal("expected invalid ceremony ttl error")
	}
}

func TestRunServiceLogsFailure(t *testing.T) {
	t.Setenv("IAM_OTEL_ENABLED", "false")
	core, logs := observer.New(zapcore.InfoLevel)
	boom := errors.New("listen: address in use")

	err := runService(context.Background(), zap.New(core), func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected serve error, got %v", err)
	}
	entries := logs.FilterMessage("iam service stopped").All()
	if len(entries) != 1 {
		t.Fatalf("expected one failure log, got %d", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("failure logged at %v", entries[0].Level)
	}
	if got := entries[0].ContextMap()["error"]; got != boom.Error() {
		t.Fatalf("logged error = %v", got)
	}
}

func TestRunServiceQuietOnCleanShutdown(t *testing.T) {
	t.Setenv("IAM_OTEL_ENABLED", "false")
	core, logs := observer.New(zapcore.InfoLevel)

	if err := runService(context.Background(), zap.New(core), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("run service: %v", err)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no logs, got %d", logs.Len())
	}
}
