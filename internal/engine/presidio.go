package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/hebrew-safe-harbor/internal/config"
	"github.com/raaihank/hebrew-safe-harbor/internal/document"
)

// warmupText is analyzed once during Initialize
const warmupText = "שרון לוי גרה ברמת גן"

// ErrUnpaired is returned when an anonymizer item has no matching recognizer result
var ErrUnpaired = errors.New("anonymizer item has no matching recognizer result")

// PresidioEngine anonymizes documents through a Presidio analyzer and
// anonymizer pair configured for Hebrew.
type PresidioEngine struct {
	config       config.EngineConfig
	client       *http.Client
	placeholders map[string]string
	logger       *zap.Logger
}

// NewPresidioEngine creates a new Presidio-backed engine
func NewPresidioEngine(cfg config.EngineConfig, logger *zap.Logger) *PresidioEngine {
	// Viper lowercases map keys, entity types are upper case
	placeholders := make(map[string]string, len(cfg.Placeholders))
	for entityType, tag := range cfg.Placeholders {
		placeholders[strings.ToUpper(entityType)] = tag
	}

	return &PresidioEngine{
		config:       cfg,
		client:       &http.Client{Timeout: cfg.Timeout},
		placeholders: placeholders,
		logger:       logger,
	}
}

// Name returns the engine name
func (e *PresidioEngine) Name() string {
	return "presidio"
}

// Initialize waits for both services to report healthy, then runs a warmup analysis
func (e *PresidioEngine) Initialize(ctx context.Context) error {
	if e.config.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.LoadTimeout)
		defer cancel()
	}

	interval := e.config.LoadInterval
	if interval <= 0 {
		interval = time.Second
	}

	for _, svc := range []struct{ name, url string }{
		{"analyzer", e.config.AnalyzerURL},
		{"anonymizer", e.config.AnonymizerURL},
	} {
		if err := e.waitHealthy(ctx, svc.name, svc.url, interval); err != nil {
			return err
		}
	}

	start := time.Now()
	if _, err := e.analyze(ctx, warmupText); err != nil {
		return fmt.Errorf("warmup analysis failed: %w", err)
	}

	e.logger.Info("Presidio engine ready",
		zap.String("analyzer_url", e.config.AnalyzerURL),
		zap.String("anonymizer_url", e.config.AnonymizerURL),
		zap.String("language", e.config.Language),
		zap.Duration("warmup", time.Since(start)),
	)
	return nil
}

// waitHealthy polls GET <url>/health until it answers 200
func (e *PresidioEngine) waitHealthy(ctx context.Context, name, baseURL string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		err := e.health(ctx, baseURL)
		if err == nil {
			e.logger.Debug("Presidio service healthy", zap.String("service", name), zap.Int("attempts", attempt))
			return nil
		}

		e.logger.Debug("Presidio service not ready yet",
			zap.String("service", name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s not healthy: %w (last error: %v)", name, ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

func (e *PresidioEngine) health(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Anonymize runs each document through the analyzer and the anonymizer
func (e *PresidioEngine) Anonymize(ctx context.Context, docs []document.InputDocument) ([]document.OutputDocument, error) {
	out := make([]document.OutputDocument, 0, len(docs))
	for _, doc := range docs {
		result, err := e.anonymizeOne(ctx, doc)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", doc.ID, err)
		}
		out = append(out, result)
	}
	return out, nil
}

func (e *PresidioEngine) anonymizeOne(ctx context.Context, doc document.InputDocument) (document.OutputDocument, error) {
	output := document.OutputDocument{
		ID:             doc.ID,
		OriginalText:   doc.Text,
		AnonymizedText: doc.Text,
		Entities:       []document.EntityMention{},
		Masks:          []document.Mask{},
	}
	if doc.Text == "" {
		return output, nil
	}

	results, err := e.analyze(ctx, doc.Text)
	if err != nil {
		return output, err
	}
	if len(results) == 0 {
		return output, nil
	}

	anonymized, err := e.anonymize(ctx, doc.Text, results)
	if err != nil {
		return output, err
	}

	entities, masks, err := pair(results, anonymized)
	if err != nil {
		return output, err
	}

	output.AnonymizedText = anonymized.Text
	output.Entities = entities
	output.Masks = masks
	return output, nil
}

func (e *PresidioEngine) analyze(ctx context.Context, text string) ([]recognizerResult, error) {
	payload := analyzeRequest{
		Text:           text,
		Language:       e.config.Language,
		ScoreThreshold: e.config.ScoreThreshold,
		Entities:       e.config.Entities,
	}

	var results []recognizerResult
	if err := e.post(ctx, "analyzer", e.config.AnalyzerURL+"/analyze", payload, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *PresidioEngine) anonymize(ctx context.Context, text string, results []recognizerResult) (*anonymizeResponse, error) {
	payload := anonymizeRequest{
		Text:            text,
		Anonymizers:     make(map[string]operatorConfig),
		AnalyzerResults: make([]analyzerResultRef, len(results)),
	}

	for i, r := range results {
		payload.AnalyzerResults[i] = analyzerResultRef{
			Start:      r.Start,
			End:        r.End,
			Score:      r.Score,
			EntityType: r.EntityType,
		}
		if _, ok := payload.Anonymizers[r.EntityType]; !ok {
			payload.Anonymizers[r.EntityType] = operatorConfig{Type: "replace", NewValue: e.placeholder(r.EntityType)}
		}
	}

	var resp anonymizeResponse
	if err := e.post(ctx, "anonymizer", e.config.AnonymizerURL+"/anonymize", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// placeholder returns the replacement tag for an entity type
func (e *PresidioEngine) placeholder(entityType string) string {
	if tag, ok := e.placeholders[strings.ToUpper(entityType)]; ok {
		return tag
	}
	return "<" + entityType + ">"
}

func (e *PresidioEngine) post(ctx context.Context, service, url string, payload, into any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", service, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", service, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(respBody)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return &UpstreamError{Service: service, StatusCode: resp.StatusCode, Body: snippet}
	}

	if err := json.Unmarshal(respBody, into); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", service, err)
	}

	e.logger.Debug("Presidio call completed",
		zap.String("service", service),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// mergeSimilar folds intersecting results of the same entity type into one
// result covering their union, as the anonymizer does before replacing. The
// merged result keeps the highest score and that result's recognizer.
// Results that only touch at a boundary stay separate.
func mergeSimilar(results []recognizerResult) []recognizerResult {
	sorted := make([]recognizerResult, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].EntityType != sorted[j].EntityType {
			return sorted[i].EntityType < sorted[j].EntityType
		}
		return sorted[i].Start < sorted[j].Start
	})

	merged := make([]recognizerResult, 0, len(sorted))
	for _, r := range sorted {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.EntityType == r.EntityType && r.Start < last.End {
				last.End = max(last.End, r.End)
				if r.Score > last.Score {
					last.Score = r.Score
					last.AnalysisExplanation = r.AnalysisExplanation
					last.RecognitionMetadata = r.RecognitionMetadata
				}
				continue
			}
		}
		merged = append(merged, r)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Start != merged[j].Start {
			return merged[i].Start < merged[j].Start
		}
		return merged[i].Score > merged[j].Score
	})
	return merged
}

// pair matches each anonymizer item with the recognizer result it replaced.
// The anonymizer merges same-type overlaps, drops other conflicts and reports
// items in its own order, so both sides are sorted by position and matched
// greedily by type.
func pair(results []recognizerResult, anonymized *anonymizeResponse) ([]document.EntityMention, []document.Mask, error) {
	items := anonymized.Items
	sort.SliceStable(items, func(i, j int) bool { return items[i].Start < items[j].Start })

	candidates := mergeSimilar(results)

	entities := make([]document.EntityMention, 0, len(items))
	masks := make([]document.Mask, 0, len(items))

	next, lastEnd := 0, 0
	for _, item := range items {
		found := false
		for ; next < len(candidates); next++ {
			c := candidates[next]
			if c.EntityType == item.EntityType && c.Start >= lastEnd {
				entities = append(entities, document.EntityMention{
					Start:          c.Start,
					End:            c.End,
					EntityType:     c.EntityType,
					Score:          c.Score,
					RecognizerName: c.recognizer(),
				})
				lastEnd = c.End
				next++
				found = true
				break
			}
		}
		if !found {
			return nil, nil, fmt.Errorf("%w: %s at %d", ErrUnpaired, item.EntityType, item.Start)
		}

		masks = append(masks, document.Mask{
			Start:      item.Start,
			End:        item.End,
			Text:       item.Text,
			Operator:   item.Operator,
			EntityType: item.EntityType,
		})
	}

	return entities, masks, nil
}
