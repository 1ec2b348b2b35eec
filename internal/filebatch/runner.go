// Package filebatch anonymizes a single input file and writes the
// anonymized text and an entity report next to it.
package filebatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/hebrew-safe-harbor/internal/config"
	"github.com/raaihank/hebrew-safe-harbor/internal/document"
	"github.com/raaihank/hebrew-safe-harbor/internal/logger"
	"github.com/raaihank/hebrew-safe-harbor/internal/report"
)

// ErrInputNotFound is returned when the input file does not exist
var ErrInputNotFound = errors.New("input file not found")

// FileWriteError reports an output or report file that could not be written
type FileWriteError struct {
	Path string
	Err  error
}

func (e *FileWriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
}

func (e *FileWriteError) Unwrap() error {
	return e.Err
}

// Processor anonymizes a batch of documents
type Processor interface {
	Process(ctx context.Context, docs []document.InputDocument) ([]document.OutputDocument, error)
}

// Result is the outcome of one run. Write failures do not fail the run.
type Result struct {
	Docs        []document.OutputDocument
	Response    report.DocsResponse
	WriteErrors []*FileWriteError
	Duration    time.Duration
}

// Runner reads the input file, anonymizes it and writes the outputs
type Runner struct {
	processor  Processor
	inputPath  string
	outputPath string
	reportPath string
	format     report.Format
	logger     *zap.Logger
}

// NewRunner creates a runner for the configured paths
func NewRunner(processor Processor, cfg config.FilesConfig, logger *zap.Logger) (*Runner, error) {
	format, err := report.ParseFormat(cfg.ReportFormat)
	if err != nil {
		return nil, err
	}

	return &Runner{
		processor:  processor,
		inputPath:  cfg.InputPath,
		outputPath: cfg.OutputPath,
		reportPath: cfg.ReportPath,
		format:     format,
		logger:     logger,
	}, nil
}

// WithFormat returns a copy of the runner writing reports in format
func (r *Runner) WithFormat(format report.Format) *Runner {
	clone := *r
	clone.format = format
	return &clone
}

// Run anonymizes the input file. It fails only when the input cannot be read
// or the gateway rejects the document.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	raw, err := os.ReadFile(r.inputPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrInputNotFound, r.inputPath)
		}
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}

	in := document.InputDocument{ID: filepath.Base(r.inputPath), Text: string(raw)}
	r.logger.Info("Anonymizing input file",
		append(logger.DocFields(in.ID, in.Text), zap.String("input_path", r.inputPath))...)

	docs, err := r.processor.Process(ctx, []document.InputDocument{in})
	if err != nil {
		return nil, err
	}

	resp, err := report.BuildDocsResponse(docs)
	if err != nil {
		return nil, err
	}

	result := &Result{Docs: docs, Response: resp}

	anonymized := make([]string, len(docs))
	for i, doc := range docs {
		anonymized[i] = doc.AnonymizedText
	}
	if err := writeFile(r.outputPath, func(f *os.File) error {
		_, err := f.WriteString(strings.Join(anonymized, "\n"))
		return err
	}); err != nil {
		result.WriteErrors = append(result.WriteErrors, err)
	} else {
		r.logger.Info("Anonymized text saved", zap.String("path", r.outputPath))
	}

	if err := writeFile(r.reportPath, func(f *os.File) error {
		return report.Write(f, r.format, docs)
	}); err != nil {
		result.WriteErrors = append(result.WriteErrors, err)
	} else {
		r.logger.Info("Report saved", zap.String("path", r.reportPath), zap.String("format", string(r.format)))
	}

	for _, werr := range result.WriteErrors {
		r.logger.Error("Failed to write file", zap.String("path", werr.Path), zap.Error(werr.Err))
	}

	result.Duration = time.Since(start)
	return result, nil
}

// writeFile creates path and its parent directory and fills it with write
func writeFile(path string, write func(*os.File) error) *FileWriteError {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &FileWriteError{Path: path, Err: err}
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return &FileWriteError{Path: path, Err: err}
	}
	if err := write(f); err != nil {
		f.Close()
		return &FileWriteError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &FileWriteError{Path: path, Err: err}
	}
	return nil
}
