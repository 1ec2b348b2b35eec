package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/raaihank/hebrew-safe-harbor/internal/document"
)

// Recorder persists anonymization summaries
type Recorder interface {
	Record(ctx context.Context, records []*Record) error
	Close() error
}

// Record summarizes one anonymized document. It never carries document text.
type Record struct {
	ID           int64          `db:"id" json:"id"`
	RequestID    string         `db:"request_id" json:"request_id"`
	DocID        string         `db:"doc_id" json:"doc_id"`
	TextHash     string         `db:"text_hash" json:"text_hash"`
	TextLength   int            `db:"text_length" json:"text_length"`
	EntityCount  int            `db:"entity_count" json:"entity_count"`
	EntityCounts map[string]int `db:"-" json:"entity_counts"`
	EntityJSON   string         `db:"entity_counts" json:"-"`
	Engine       string         `db:"engine" json:"engine"`
	CacheHit     bool           `db:"cache_hit" json:"cache_hit"`
	DurationMS   float64        `db:"duration_ms" json:"duration_ms"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// Summarize builds the audit record for an output document
func Summarize(doc document.OutputDocument, engine string, cacheHit bool, duration time.Duration) *Record {
	counts := make(map[string]int)
	for _, e := range doc.Entities {
		counts[e.EntityType]++
	}

	sum := sha256.Sum256([]byte(doc.OriginalText))
	return &Record{
		DocID:        doc.ID,
		TextHash:     hex.EncodeToString(sum[:]),
		TextLength:   document.Length(doc.OriginalText),
		EntityCount:  len(doc.Entities),
		EntityCounts: counts,
		Engine:       engine,
		CacheHit:     cacheHit,
		DurationMS:   float64(duration.Microseconds()) / 1000,
	}
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store writes audit records to PostgreSQL
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS anonymization_audit (
	id            BIGSERIAL PRIMARY KEY,
	request_id    TEXT NOT NULL,
	doc_id        TEXT NOT NULL,
	text_hash     CHAR(64) NOT NULL,
	text_length   INTEGER NOT NULL,
	entity_count  INTEGER NOT NULL,
	entity_counts JSONB NOT NULL,
	engine        TEXT NOT NULL,
	cache_hit     BOOLEAN NOT NULL,
	duration_ms   DOUBLE PRECISION NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS anonymization_audit_created_at_idx ON anonymization_audit (created_at);
CREATE INDEX IF NOT EXISTS anonymization_audit_text_hash_idx ON anonymization_audit (text_hash);`

// NewStore connects to PostgreSQL and ensures the audit table exists
func NewStore(config Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &Store{db: db, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}

	logger.Info("Audit store initialized",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return store, nil
}

// Record inserts the records in one transaction
func (s *Store) Record(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO anonymization_audit
			(request_id, doc_id, text_hash, text_length, entity_count, entity_counts, engine, cache_hit, duration_ms)
		VALUES
			(:request_id, :doc_id, :text_hash, :text_length, :entity_count, :entity_counts, :engine, :cache_hit, :duration_ms)`

	for _, r := range records {
		counts, err := json.Marshal(r.EntityCounts)
		if err != nil {
			return fmt.Errorf("failed to encode entity counts: %w", err)
		}
		r.EntityJSON = string(counts)

		if _, err := tx.NamedExecContext(ctx, insert, r); err != nil {
			return fmt.Errorf("failed to insert audit record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit records: %w", err)
	}

	s.logger.Debug("Audit records written", zap.Int("count", len(records)))
	return nil
}

// Recent returns the newest records, most recent first
func (s *Store) Recent(ctx context.Context, limit int) ([]*Record, error) {
	var records []*Record
	query := `
		SELECT id, request_id, doc_id, text_hash, text_length, entity_count, entity_counts,
		       engine, cache_hit, duration_ms, created_at
		FROM anonymization_audit
		ORDER BY created_at DESC
		LIMIT $1`
	if err := s.db.SelectContext(ctx, &records, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}

	for _, r := range records {
		if err := json.Unmarshal([]byte(r.EntityJSON), &r.EntityCounts); err != nil {
			return nil, fmt.Errorf("failed to decode entity counts: %w", err)
		}
	}
	return records, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// maskDatabaseURL hides the password in a database URL for logging
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// Nop discards records
type Nop struct{}

func (Nop) Record(ctx context.Context, records []*Record) error { return nil }
func (Nop) Close() error                                        { return nil }
