package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/hebrew-safe-harbor/internal/config"
	"github.com/raaihank/hebrew-safe-harbor/internal/filebatch"
	"github.com/raaihank/hebrew-safe-harbor/internal/logger"
	"github.com/raaihank/hebrew-safe-harbor/internal/readiness"
	"github.com/raaihank/hebrew-safe-harbor/internal/report"
)

// Exit codes of the file command
const (
	exitEngineFailure = 1
	exitMissingInput  = 2
	exitWriteFailure  = 3
)

var (
	fileInput   string
	fileOutput  string
	fileReport  string
	fileFormat  string
	fileTimeout time.Duration
)

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Anonymize a single text file",
	Long: `Anonymize the configured input file, write the anonymized text to the
output path and an entity report to the report path.

Exit status is 2 when the input file is missing, 1 when the engine fails
and 3 when an output file could not be written.

Example:
  hsh file --input files/original.txt --report files/report.json --format json`,
	RunE: runFile,
}

func init() {
	rootCmd.AddCommand(fileCmd)

	fileCmd.Flags().StringVar(&fileInput, "input", "", "input file (overrides files.input_path)")
	fileCmd.Flags().StringVar(&fileOutput, "output", "", "anonymized output file (overrides files.output_path)")
	fileCmd.Flags().StringVar(&fileReport, "report", "", "report file (overrides files.report_path)")
	fileCmd.Flags().StringVar(&fileFormat, "format", "", "report format: text, json or parquet (overrides files.report_format)")
	fileCmd.Flags().DurationVar(&fileTimeout, "timeout", 10*time.Minute, "total time allowed for loading and anonymizing")
}

func runFile(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	if fileInput != "" {
		cfg.Files.InputPath = fileInput
	}
	if fileOutput != "" {
		cfg.Files.OutputPath = fileOutput
	}
	if fileReport != "" {
		cfg.Files.ReportPath = fileReport
	}
	if fileFormat != "" {
		format, err := report.ParseFormat(fileFormat)
		if err != nil {
			return err
		}
		cfg.Files.ReportFormat = string(format)
	}

	ctx, cancel := context.WithTimeout(context.Background(), fileTimeout)
	defer cancel()

	if exit := anonymizeFile(ctx, cfg, log, cmd.OutOrStdout(), cmd.ErrOrStderr()); exit != nil {
		return exit
	}
	return nil
}

// anonymizeFile runs the configured file through the engine and maps each
// failure to the command's exit status. Both outputs are attempted even
// when one of them fails.
func anonymizeFile(ctx context.Context, cfg *config.Config, log *logger.Logger, stdout, stderr io.Writer) *exitError {
	if _, err := os.Stat(cfg.Files.InputPath); errors.Is(err, os.ErrNotExist) {
		return &exitError{code: exitMissingInput, message: fmt.Sprintf("The file '%s' does not exist.", cfg.Files.InputPath)}
	}

	stack := buildStack(ctx, cfg, log, nil)
	defer stack.Close()

	select {
	case <-stack.tracker.Done():
	case <-ctx.Done():
		return &exitError{code: exitEngineFailure, message: "timed out waiting for the anonymization engine"}
	}
	if stack.tracker.State() != readiness.Ready {
		return &exitError{code: exitEngineFailure, message: fmt.Sprintf("anonymization engine failed to load: %v", stack.tracker.Err())}
	}

	runner, err := filebatch.NewRunner(stack.gateway, cfg.Files, log.WithComponent("filebatch").Logger)
	if err != nil {
		return &exitError{code: exitEngineFailure, message: err.Error()}
	}

	result, err := runner.Run(ctx)
	switch {
	case errors.Is(err, filebatch.ErrInputNotFound):
		return &exitError{code: exitMissingInput, message: fmt.Sprintf("The file '%s' does not exist.", cfg.Files.InputPath)}
	case err != nil:
		return &exitError{code: exitEngineFailure, message: fmt.Sprintf("anonymization failed: %v", err)}
	}

	for _, doc := range result.Docs {
		fmt.Fprintln(stdout, doc.AnonymizedText)
	}

	if len(result.WriteErrors) > 0 {
		for _, werr := range result.WriteErrors {
			fmt.Fprintf(stderr, "An error occurred while creating %s: %v\n", werr.Path, werr.Err)
		}
		return &exitError{code: exitWriteFailure}
	}

	fmt.Fprintf(stderr, "Modified text saved to '%s'.\n", cfg.Files.OutputPath)
	fmt.Fprintf(stderr, "Report saved to '%s'.\n", cfg.Files.ReportPath)
	log.Debug("File run completed", zap.Duration("duration", result.Duration))
	return nil
}
