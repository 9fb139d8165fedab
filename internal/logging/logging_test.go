package logging

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"info", zerolog.InfoLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" warn ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "")
	if id == "" {
		t.Fatal("expected generated request id")
	}
	if got := RequestIDFromContext(ctx); got != id {
		t.Fatalf("RequestIDFromContext = %q, want %q", got, id)
	}

	ctx, id = WithRequestID(context.Background(), " fixed-id ")
	if id != "fixed-id" {
		t.Fatalf("id = %q", id)
	}
	if got := RequestIDFromContext(ctx); got != "fixed-id" {
		t.Fatalf("RequestIDFromContext = %q", got)
	}

	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("empty context: %q", got)
	}
}

func TestInitSetsComponentAndLevel(t *testing.T) {
	defer Init(Config{Format: "json", Level: "info"})

	logger := Init(Config{Format: "json", Level: "debug", Component: "test"})
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("global level = %v", zerolog.GlobalLevel())
	}
	if logger.GetLevel() == zerolog.Disabled {
		t.Fatal("logger disabled")
	}
}
