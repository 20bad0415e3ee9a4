package logging

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("GenerateRequestID() = %q, not a UUID: %v", id, err)
	}

	// Verify uniqueness
	id2 := GenerateRequestID()
	if id == id2 {
		t.Errorf("GenerateRequestID() generated duplicate IDs: %s", id)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	id := "test1234"

	// Without ID
	if got := GetRequestID(ctx); got != "" {
		t.Errorf("GetRequestID(empty context) = %q, want empty string", got)
	}

	// With ID
	ctx = WithRequestID(ctx, id)
	if got := GetRequestID(ctx); got != id {
		t.Errorf("GetRequestID() = %q, want %q", got, id)
	}
}

func TestFromContext_TagsRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := WithRequestID(context.Background(), "req-1")
	FromContext(ctx, base).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["request_id"]; got != "req-1" {
		t.Errorf("request_id = %v, want req-1", got)
	}
}

func TestFromContext_PrefersStoredLogger(t *testing.T) {
	stored := zap.NewNop()
	ctx := WithLogger(context.Background(), stored)
	if got := FromContext(ctx, zap.NewExample()); got != stored {
		t.Error("FromContext did not return the stored logger")
	}
	if FromContext(context.Background(), nil) == nil {
		t.Error("FromContext returned nil without fallback")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"info", "json", false},
		{"debug", "console", false},
		{"", "", false},
		{"loud", "json", true},
		{"info", "xml", true},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			log, err := New(tt.level, tt.format)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%q, %q) error = %v, wantErr %v", tt.level, tt.format, err, tt.wantErr)
			}
			if err == nil && log == nil {
				t.Fatal("nil logger without error")
			}
		})
	}
}
