package gateway

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/raaihank/hebrew-safe-harbor/internal/audit"
	"github.com/raaihank/hebrew-safe-harbor/internal/cache"
	"github.com/raaihank/hebrew-safe-harbor/internal/document"
	"github.com/raaihank/hebrew-safe-harbor/internal/engine"
	"github.com/raaihank/hebrew-safe-harbor/internal/logger"
	"github.com/raaihank/hebrew-safe-harbor/internal/readiness"
)

// Summary describes one processed batch. It carries counts only.
type Summary struct {
	RequestID    string         `json:"request_id"`
	Documents    int            `json:"documents"`
	Entities     int            `json:"entities"`
	EntityCounts map[string]int `json:"entity_counts"`
	CacheHits    int            `json:"cache_hits"`
	Duration     time.Duration  `json:"duration"`
	Error        string         `json:"error,omitempty"`
}

// Observer is notified after every batch
type Observer interface {
	Observe(summary Summary)
}

// Options configures a Gateway
type Options struct {
	MaxConcurrent  int
	MaxBatchSize   int
	EngineID       string
	CacheKeyPrefix string
	Cache          cache.ResultCache
	Audit          audit.Recorder
	Observer       Observer
}

// Stats are cumulative gateway counters
type Stats struct {
	Batches      int64 `json:"batches"`
	Documents    int64 `json:"documents"`
	CacheHits    int64 `json:"cache_hits"`
	EngineErrors int64 `json:"engine_errors"`

	// Cache is nil when caching is disabled
	Cache *cache.Stats `json:"cache,omitempty"`
}

// Gateway validates batches, gates them on engine readiness and forwards
// them to the engine. It recognizes nothing itself.
type Gateway struct {
	engine   engine.Engine
	tracker  *readiness.Tracker
	sem      *semaphore.Weighted
	cache    cache.ResultCache
	audit    audit.Recorder
	observer Observer
	engineID string
	prefix   string
	maxBatch int
	logger   *zap.Logger

	batches      atomic.Int64
	documents    atomic.Int64
	cacheHits    atomic.Int64
	engineErrors atomic.Int64
}

// New creates a gateway around the engine
func New(eng engine.Engine, tracker *readiness.Tracker, opts Options, logger *zap.Logger) *Gateway {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.EngineID == "" {
		opts.EngineID = eng.Name()
	}
	if opts.CacheKeyPrefix == "" {
		opts.CacheKeyPrefix = "hsh"
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}

	return &Gateway{
		engine:   eng,
		tracker:  tracker,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		cache:    opts.Cache,
		audit:    opts.Audit,
		observer: opts.Observer,
		engineID: opts.EngineID,
		prefix:   opts.CacheKeyPrefix,
		maxBatch: opts.MaxBatchSize,
		logger:   logger,
	}
}

// result is the outcome for one document of a batch
type result struct {
	doc      document.OutputDocument
	cacheHit bool
	duration time.Duration
}

// Process anonymizes a batch. The output has one document per input, in the
// same order and with the same ids; inputs without an id get doc_<n>.
func (g *Gateway) Process(ctx context.Context, docs []document.InputDocument) ([]document.OutputDocument, error) {
	if !g.tracker.IsReady() {
		return nil, ErrEngineUnavailable
	}
	if g.maxBatch > 0 && len(docs) > g.maxBatch {
		return nil, &document.ValidationError{
			Field:   "docs",
			Message: fmt.Sprintf("has %d documents, at most %d allowed", len(docs), g.maxBatch),
		}
	}

	start := time.Now()
	requestID := logger.RequestIDFrom(ctx)
	g.batches.Add(1)

	results := make([]result, len(docs))
	eg, egCtx := errgroup.WithContext(ctx)

	for i, in := range docs {
		if in.ID == "" {
			in.ID = fmt.Sprintf("doc_%d", i+1)
		}

		if in.Text == "" {
			results[i] = result{doc: identity(in)}
			continue
		}

		key := cache.Key(g.prefix, g.engineID, in.Text)
		if g.cache != nil {
			if entry, ok := g.cache.Get(ctx, key); ok {
				cached := entry.Document(in)
				err := Validate(cached)
				if err == nil {
					results[i] = result{doc: cached, cacheHit: true}
					continue
				}
				g.logger.Warn("Discarding invalid cached result",
					append(logger.DocFields(in.ID, in.Text), zap.Error(err))...)
			}
		}

		eg.Go(func() error {
			docStart := time.Now()
			out, err := g.anonymize(egCtx, in)
			if err != nil {
				return err
			}
			results[i] = result{doc: out, duration: time.Since(docStart)}

			if g.cache != nil {
				if err := g.cache.Set(egCtx, key, cache.NewEntry(out)); err != nil {
					g.logger.Warn("Failed to cache engine result",
						append(logger.DocFields(in.ID, in.Text), zap.Error(err))...)
				}
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		g.engineErrors.Add(1)
		g.notify(Summary{RequestID: requestID, Documents: len(docs), Duration: time.Since(start), Error: err.Error()})
		return nil, err
	}

	outputs := make([]document.OutputDocument, len(results))
	records := make([]*audit.Record, 0, len(results))
	summary := Summary{RequestID: requestID, Documents: len(docs), EntityCounts: make(map[string]int)}

	for i, r := range results {
		outputs[i] = r.doc
		if r.cacheHit {
			summary.CacheHits++
		}
		summary.Entities += len(r.doc.Entities)
		for _, e := range r.doc.Entities {
			summary.EntityCounts[e.EntityType]++
		}

		record := audit.Summarize(r.doc, g.engineID, r.cacheHit, r.duration)
		record.RequestID = requestID
		records = append(records, record)
	}

	if err := g.audit.Record(ctx, records); err != nil {
		g.logger.Error("Failed to record audit entries",
			zap.String("request_id", requestID),
			zap.Int("count", len(records)),
			zap.Error(err))
	}

	g.documents.Add(int64(len(docs)))
	g.cacheHits.Add(int64(summary.CacheHits))
	summary.Duration = time.Since(start)
	g.notify(summary)

	g.logger.Debug("Batch anonymized",
		zap.String("request_id", requestID),
		zap.Int("documents", summary.Documents),
		zap.Int("entities", summary.Entities),
		zap.Int("cache_hits", summary.CacheHits),
		zap.Duration("duration", summary.Duration))

	return outputs, nil
}

// anonymize sends a single document to the engine under the concurrency limit
func (g *Gateway) anonymize(ctx context.Context, in document.InputDocument) (document.OutputDocument, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return document.OutputDocument{}, &EngineError{DocID: in.ID, Err: err}
	}
	defer g.sem.Release(1)

	outs, err := g.engine.Anonymize(ctx, []document.InputDocument{in})
	if err != nil {
		g.logger.Error("Engine call failed", append(logger.DocFields(in.ID, in.Text), zap.Error(err))...)
		return document.OutputDocument{}, &EngineError{DocID: in.ID, Err: err}
	}
	if len(outs) != 1 {
		return document.OutputDocument{}, &EngineError{
			DocID: in.ID,
			Err:   fmt.Errorf("%w: expected 1 document, got %d", ErrMisaligned, len(outs)),
		}
	}

	out := outs[0]
	out.ID = in.ID
	out.OriginalText = in.Text
	if out.Entities == nil {
		out.Entities = []document.EntityMention{}
	}
	if out.Masks == nil {
		out.Masks = []document.Mask{}
	}
	if err := Validate(out); err != nil {
		g.logger.Error("Engine output rejected", append(logger.DocFields(in.ID, in.Text), zap.Error(err))...)
		return document.OutputDocument{}, &EngineError{DocID: in.ID, Err: err}
	}
	return out, nil
}

// Validate checks that entities and masks are aligned and that every offset
// fits the text it indexes: entities the original text, masks the anonymized text.
func Validate(doc document.OutputDocument) error {
	if len(doc.Entities) != len(doc.Masks) {
		return fmt.Errorf("%w: %d entities, %d masks", ErrMisaligned, len(doc.Entities), len(doc.Masks))
	}

	originalLen := document.Length(doc.OriginalText)
	for i, e := range doc.Entities {
		if e.Start < 0 || e.Start > e.End || e.End > originalLen {
			return fmt.Errorf("%w: entity %d [%d,%d) in text of length %d", ErrOffsetOutOfRange, i, e.Start, e.End, originalLen)
		}
	}

	anonymizedLen := document.Length(doc.AnonymizedText)
	for i, m := range doc.Masks {
		if m.Start < 0 || m.Start > m.End || m.End > anonymizedLen {
			return fmt.Errorf("%w: mask %d [%d,%d) in text of length %d", ErrOffsetOutOfRange, i, m.Start, m.End, anonymizedLen)
		}
	}
	return nil
}

// Stats returns the cumulative counters
func (g *Gateway) Stats() Stats {
	stats := Stats{
		Batches:      g.batches.Load(),
		Documents:    g.documents.Load(),
		CacheHits:    g.cacheHits.Load(),
		EngineErrors: g.engineErrors.Load(),
	}
	if g.cache != nil {
		cacheStats := g.cache.Stats()
		stats.Cache = &cacheStats
	}
	return stats
}

// EngineName returns the name of the wrapped engine
func (g *Gateway) EngineName() string {
	return g.engine.Name()
}

func (g *Gateway) notify(summary Summary) {
	if g.observer != nil {
		g.observer.Observe(summary)
	}
}

func identity(in document.InputDocument) document.OutputDocument {
	return document.OutputDocument{
		ID:             in.ID,
		OriginalText:   in.Text,
		AnonymizedText: in.Text,
		Entities:       []document.EntityMention{},
		Masks:          []document.Mask{},
	}
}
