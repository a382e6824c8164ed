package logger

import (
	"context"
	"path/filepath"
	"testing"

	"ojudge/pkg/utils/contextkey"
)

func TestExtractFieldsFromContextUsesTypedKeys(t *testing.T) {
	ctx := context.WithValue(context.Background(), contextkey.TraceID, "trace-1")
	ctx = context.WithValue(ctx, contextkey.RequestID, "req-1")
	ctx = WithSubmission(ctx, "sub-1")

	fields := extractFieldsFromContext(ctx)
	if len(fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(fields))
	}
	want := map[string]string{"trace_id": "trace-1", "request_id": "req-1", "submission_id": "sub-1"}
	for _, f := range fields {
		if want[f.Key] != f.String {
			t.Fatalf("unexpected field %s=%s", f.Key, f.String)
		}
	}
}

func TestExtractFieldsIgnoresUntypedKeys(t *testing.T) {
	//nolint:staticcheck
	ctx := context.WithValue(context.Background(), "trace_id", "plain")
	if fields := extractFieldsFromContext(ctx); len(fields) != 0 {
		t.Fatalf("expected no fields, got %d", len(fields))
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestNewLoggerWritesToFile(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(Config{
		Level:      "debug",
		Format:     "json",
		OutputPath: filepath.Join(dir, "out.log"),
		ErrorPath:  filepath.Join(dir, "err.log"),
	})
	if err != nil {
		t.Fatalf("new logger failed: %v", err)
	}
	l.WithContext(context.Background()).Info("hello")
	_ = l.Sync()
}
