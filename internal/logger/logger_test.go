package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestTruncateForLog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		input  string
		limit  int
		expect string
	}{
		{
			name:   "returns empty when limit non-positive",
			input:  "hello world",
			limit:  0,
			expect: "",
		},
		{
			name:   "shorter than limit",
			input:  "hello",
			limit:  10,
			expect: "hello",
		},
		{
			name:   "truncates and adds ellipsis",
			input:  "hello world",
			limit:  5,
			expect: "hello...",
		},
		{
			name:   "counts runes not bytes",
			input:  "привет мир",
			limit:  6,
			expect: "привет...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := TruncateForLog(tt.input, tt.limit); got != tt.expect {
				t.Fatalf("expected %q, got %q", tt.expect, got)
			}
		})
	}
}

func TestNewBuildsLoggers(t *testing.T) {
	for _, json := range []bool{true, false} {
		l, err := NewWithOutput(json, true, "stderr")
		if err != nil {
			t.Fatalf("json=%v: unexpected error: %v", json, err)
		}
		if !l.Core().Enabled(zapcore.DebugLevel) {
			t.Fatalf("json=%v: expected debug level enabled", json)
		}
	}
}

func TestNamedFallsBackToNop(t *testing.T) {
	if Named(nil, "ranking") == nil {
		t.Fatalf("expected fallback logger")
	}

	core, observed := observer.New(zapcore.InfoLevel)
	Named(zap.New(core), "ranking").Info("hello")

	entries := observed.All()
	if len(entries) != 1 || entries[0].LoggerName != "ranking" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestStringFields(t *testing.T) {
	fields := StringFields(
		StringField{Key: "  provider  ", Value: "  gemini  "},
		StringField{Key: "ignored", Value: "   "},
		StringField{Key: "   ", Value: "empty key"},
	)

	if len(fields) != 1 {
		t.Fatalf("expected 1 field, got %d", len(fields))
	}

	if fields[0].Key != "provider" || fields[0].String != "gemini" {
		t.Fatalf("unexpected provider field: %+v", fields[0])
	}
}

func TestPairAndOracleFields(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	l := WithFields(zap.New(core), PairFields("c1", "j1")...)
	l = WithFields(l, OracleFields("gemini", "")...)
	l.Info("scored")

	ctx := observed.All()[0].ContextMap()
	if ctx[FieldCandidate] != "c1" || ctx[FieldJob] != "j1" {
		t.Fatalf("missing pair fields: %v", ctx)
	}
	if ctx[FieldProvider] != "gemini" {
		t.Fatalf("missing provider field: %v", ctx)
	}
	if _, ok := ctx[FieldModel]; ok {
		t.Fatalf("empty model must be omitted: %v", ctx)
	}
}

func TestConsistencyWarning(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	ConsistencyWarning(zap.New(core), "notification failed", zap.String(FieldApplication, "a1"))

	entries := observed.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level, got %s", entries[0].Level)
	}
	ctx := entries[0].ContextMap()
	if ctx[FieldConsistencyWarning] != true || ctx[FieldApplication] != "a1" {
		t.Fatalf("unexpected context: %v", ctx)
	}

	ConsistencyWarning(nil, "ignored")
}
