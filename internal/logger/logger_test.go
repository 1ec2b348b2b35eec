package logger

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"json info", Config{Level: "info", Format: "json"}, false},
		{"console debug", Config{Level: "debug", Format: "console"}, false},
		{"bad level", Config{Level: "loud", Format: "json"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := New(tt.config)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if log.Logger == nil {
				t.Fatal("nil zap logger")
			}
		})
	}
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "hsh.log")
	log, err := New(Config{Level: "info", Format: "json", File: &FileConfig{Enabled: true, Path: path}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("hello")
	_ = log.Sync()
}

func TestSetLevelPropagatesToChildren(t *testing.T) {
	log, err := New(Config{Level: "info", Format: "json"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	child := log.WithComponent("gateway").WithRequestID("r1")

	if child.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug should be disabled at info level")
	}
	if err := log.SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if !child.Core().Enabled(zapcore.DebugLevel) {
		t.Error("child logger should follow the parent's level")
	}
	if err := log.SetLevel("nope"); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestDocFieldsOmitText(t *testing.T) {
	fields := DocFields("doc_1", "שרון לוי")
	for _, f := range fields {
		if f.Type == zapcore.StringType && f.String == "שרון לוי" {
			t.Fatal("document text must not be logged")
		}
	}
	if len(fields) != 2 || fields[1].Integer != 8 {
		t.Errorf("unexpected fields %+v", fields)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "abc")
	if got := RequestIDFrom(ctx); got != "abc" {
		t.Errorf("RequestIDFrom = %q", got)
	}
	if got := RequestIDFrom(context.Background()); got != "unknown" {
		t.Errorf("RequestIDFrom(empty) = %q", got)
	}
}
