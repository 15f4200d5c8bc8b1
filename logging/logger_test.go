package logging

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/c0deZ3R0/go-txn-kit/errors"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		level string
	}{
		{"debug level", "debug"},
		{"info level", "info"},
		{"warn level", "warn"},
		{"error level", "error"},
		{"unknown defaults to info", "verbose"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(Config{Level: tt.level, Format: "text"})
			if logger == nil || logger.Logger == nil {
				t.Fatal("expected non-nil logger")
			}
		})
	}
}

func TestGetConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "TEXT")
	t.Setenv("ENVIRONMENT", "test")

	config := GetConfigFromEnv()
	if config.Level != "debug" {
		t.Errorf("expected level debug, got %s", config.Level)
	}
	if config.Format != "text" {
		t.Errorf("expected format text, got %s", config.Format)
	}
	if config.AddSource {
		t.Error("test environment should disable source info")
	}

	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("LOG_FORMAT")
	os.Unsetenv("ENVIRONMENT")
}

func TestTxnErrorValuer(t *testing.T) {
	err := errors.NewWriteSkew(errors.OpCommit, []string{"seat-free:3B"}, []string{"booking:7"}, fmt.Errorf("result set changed"))
	valuer := TxnErrorValuer{TxnError: err}

	group := valuer.LogValue().Group()
	found := map[string]bool{}
	for _, attr := range group {
		found[attr.Key] = true
	}
	for _, want := range []string{"operation", "component", "code", "retryable", "error", "keys", "predicates"} {
		if !found[want] {
			t.Errorf("log value missing attr %q", want)
		}
	}
}

func TestLogOperation(t *testing.T) {
	logger := NewLogger(Config{Level: "debug", Format: "text"})

	err := logger.LogOperation(context.Background(), Operation("commit"), Component("coordinator"), func() error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	wantErr := fmt.Errorf("boom")
	err = logger.LogOperation(context.Background(), Operation("commit"), Component("coordinator"), func() error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected error to propagate, got %v", err)
	}
}

func TestDynamicLevelVar(t *testing.T) {
	_, levelVar := NewLoggerWithDynamicLevel(Config{Format: "text"})

	if !levelVar.SetFromString("error") {
		t.Error("expected error level to be accepted")
	}
	if levelVar.SetFromString("nonsense") {
		t.Error("expected unknown level to be rejected")
	}
}
