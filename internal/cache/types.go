package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/raaihank/hebrew-safe-harbor/internal/document"
)

// ResultCache stores engine results per document text
type ResultCache interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, entry *Entry) error
	Stats() Stats
	Close() error
}

// Entry is a cached engine result. The document id and original text are
// not stored: the id belongs to the request and the text is the key input.
type Entry struct {
	AnonymizedText string                   `json:"anonymized_text"`
	Entities       []document.EntityMention `json:"entities"`
	Masks          []document.Mask          `json:"masks"`
	CachedAt       time.Time                `json:"cached_at"`
}

// NewEntry captures the cacheable part of an output document
func NewEntry(doc document.OutputDocument) *Entry {
	return &Entry{
		AnonymizedText: doc.AnonymizedText,
		Entities:       append([]document.EntityMention(nil), doc.Entities...),
		Masks:          append([]document.Mask(nil), doc.Masks...),
		CachedAt:       time.Now(),
	}
}

// Document rebuilds the output document for the given input
func (e *Entry) Document(in document.InputDocument) document.OutputDocument {
	entities := make([]document.EntityMention, len(e.Entities))
	copy(entities, e.Entities)
	masks := make([]document.Mask, len(e.Masks))
	copy(masks, e.Masks)

	return document.OutputDocument{
		ID:             in.ID,
		OriginalText:   in.Text,
		AnonymizedText: e.AnonymizedText,
		Entities:       entities,
		Masks:          masks,
	}
}

// Stats represents cache performance statistics
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// counters tracks hits and misses
type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) hit()  { c.hits.Add(1) }
func (c *counters) miss() { c.misses.Add(1) }

func (c *counters) snapshot() Stats {
	stats := Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	return stats
}

// Key derives the cache key for a document. The engine identity is part of
// the key so a configuration change never serves stale results.
func Key(prefix, engineID, text string) string {
	hasher := sha256.New()
	hasher.Write([]byte(engineID))
	hasher.Write([]byte{0})
	hasher.Write([]byte(text))
	return prefix + ":doc:" + hex.EncodeToString(hasher.Sum(nil))
}
