package filebatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/raaihank/hebrew-safe-harbor/internal/config"
	"github.com/raaihank/hebrew-safe-harbor/internal/document"
	"github.com/raaihank/hebrew-safe-harbor/internal/report"
)

// stubProcessor masks the first occurrence of "דני"
type stubProcessor struct {
	err   error
	calls int
	got   []document.InputDocument
}

func (p *stubProcessor) Process(ctx context.Context, docs []document.InputDocument) ([]document.OutputDocument, error) {
	p.calls++
	p.got = docs
	if p.err != nil {
		return nil, p.err
	}

	out := make([]document.OutputDocument, len(docs))
	for i, d := range docs {
		out[i] = document.OutputDocument{
			ID:             d.ID,
			OriginalText:   d.Text,
			AnonymizedText: strings.Replace(d.Text, "דני", "<שם_>", 1),
			Entities:       []document.EntityMention{},
			Masks:          []document.Mask{},
		}
		if strings.HasPrefix(d.Text, "דני") {
			out[i].Entities = append(out[i].Entities, document.EntityMention{Start: 0, End: 3, EntityType: "PERS", Score: 0.9, RecognizerName: "stub"})
			out[i].Masks = append(out[i].Masks, document.Mask{Start: 0, End: 5, Text: "<שם_>", Operator: "replace"})
		}
	}
	return out, nil
}

func newTestRunner(t *testing.T, processor Processor, format string) (*Runner, config.FilesConfig) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.FilesConfig{
		InputPath:    filepath.Join(dir, "original.txt"),
		OutputPath:   filepath.Join(dir, "out", "modified.txt"),
		ReportPath:   filepath.Join(dir, "out", "report.txt"),
		ReportFormat: format,
	}
	runner, err := NewRunner(processor, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return runner, cfg
}

func TestRunWritesOutputs(t *testing.T) {
	processor := &stubProcessor{}
	runner, cfg := newTestRunner(t, processor, "text")

	if err := os.WriteFile(cfg.InputPath, []byte("דני גר בחיפה"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.WriteErrors) != 0 {
		t.Fatalf("unexpected write errors: %v", result.WriteErrors)
	}
	if processor.got[0].ID != "original.txt" {
		t.Errorf("document id = %q, want input basename", processor.got[0].ID)
	}

	modified, err := os.ReadFile(cfg.OutputPath)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	if string(modified) != "<שם_> גר בחיפה" {
		t.Errorf("output = %q", modified)
	}

	rep, err := os.ReadFile(cfg.ReportPath)
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	if string(rep) != "Entity: PERS, Start: 0, End: 3, Score: 0.9" {
		t.Errorf("report = %q", rep)
	}

	if len(result.Response.Docs) != 1 || result.Response.Docs[0].Items[0].Text != "דני" {
		t.Errorf("unexpected response %+v", result.Response)
	}
}

func TestRunJSONReport(t *testing.T) {
	runner, cfg := newTestRunner(t, &stubProcessor{}, "text")
	runner = runner.WithFormat(report.FormatJSON)

	if err := os.WriteFile(cfg.InputPath, []byte("דני"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	raw, err := os.ReadFile(cfg.ReportPath)
	if err != nil {
		t.Fatal(err)
	}
	var resp report.DocResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	if resp.ID != "original.txt" || resp.Text != "<שם_>" {
		t.Errorf("unexpected report %+v", resp)
	}
}

func TestRunMissingInput(t *testing.T) {
	processor := &stubProcessor{}
	runner, _ := newTestRunner(t, processor, "text")

	_, err := runner.Run(context.Background())
	if !errors.Is(err, ErrInputNotFound) {
		t.Fatalf("expected ErrInputNotFound, got %v", err)
	}
	if processor.calls != 0 {
		t.Error("processor should not be called without input")
	}
}

func TestRunProcessorError(t *testing.T) {
	boom := errors.New("engine down")
	runner, cfg := newTestRunner(t, &stubProcessor{err: boom}, "text")
	if err := os.WriteFile(cfg.InputPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := runner.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected processor error, got %v", err)
	}
	if _, err := os.Stat(cfg.OutputPath); !os.IsNotExist(err) {
		t.Error("output should not be written when processing fails")
	}
}

func TestRunCollectsWriteErrors(t *testing.T) {
	runner, cfg := newTestRunner(t, &stubProcessor{}, "text")
	if err := os.WriteFile(cfg.InputPath, []byte("דני"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A directory where the output file should be makes that write fail
	if err := os.MkdirAll(cfg.OutputPath, 0o755); err != nil {
		t.Fatal(err)
	}

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("write failures must not fail the run: %v", err)
	}
	if len(result.WriteErrors) != 1 || result.WriteErrors[0].Path != cfg.OutputPath {
		t.Fatalf("unexpected write errors %v", result.WriteErrors)
	}

	var writeErr *FileWriteError
	if !errors.As(result.WriteErrors[0], &writeErr) {
		t.Error("expected *FileWriteError")
	}
	if _, err := os.Stat(cfg.ReportPath); err != nil {
		t.Errorf("report should still be written: %v", err)
	}
}

func TestNewRunnerRejectsFormat(t *testing.T) {
	if _, err := NewRunner(&stubProcessor{}, config.FilesConfig{ReportFormat: "xml"}, zap.NewNop()); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
