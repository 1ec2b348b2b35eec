package gateway

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/raaihank/hebrew-safe-harbor/internal/audit"
	"github.com/raaihank/hebrew-safe-harbor/internal/cache"
	"github.com/raaihank/hebrew-safe-harbor/internal/document"
	"github.com/raaihank/hebrew-safe-harbor/internal/readiness"
)

const (
	fakeName        = "דני"
	fakePlaceholder = "<שם_>"
)

// fakeEngine replaces every occurrence of fakeName with fakePlaceholder
type fakeEngine struct {
	err       error
	delay     time.Duration
	transform func(*document.OutputDocument)

	calls    atomic.Int64
	inflight atomic.Int64
	peak     atomic.Int64
}

func (f *fakeEngine) Name() string                         { return "fake" }
func (f *fakeEngine) Initialize(ctx context.Context) error { return nil }

func (f *fakeEngine) Anonymize(ctx context.Context, docs []document.InputDocument) ([]document.OutputDocument, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	outs := make([]document.OutputDocument, len(docs))
	for i, d := range docs {
		outs[i] = fakeAnonymize(d)
		if f.transform != nil {
			f.transform(&outs[i])
		}
	}
	return outs, nil
}

func fakeAnonymize(d document.InputDocument) document.OutputDocument {
	text := []rune(d.Text)
	name := []rune(fakeName)
	placeholder := []rune(fakePlaceholder)

	out := document.OutputDocument{ID: d.ID, OriginalText: d.Text}
	var anonymized []rune
	for i := 0; i < len(text); {
		if i+len(name) <= len(text) && string(text[i:i+len(name)]) == fakeName {
			out.Entities = append(out.Entities, document.EntityMention{
				Start: i, End: i + len(name), EntityType: "PERS", Score: 0.85, RecognizerName: "fake",
			})
			out.Masks = append(out.Masks, document.Mask{
				Start: len(anonymized), End: len(anonymized) + len(placeholder), Text: fakePlaceholder, Operator: "replace",
			})
			anonymized = append(anonymized, placeholder...)
			i += len(name)
			continue
		}
		anonymized = append(anonymized, text[i])
		i++
	}
	out.AnonymizedText = string(anonymized)
	return out
}

func readyTracker(t testing.TB) *readiness.Tracker {
	t.Helper()
	tracker := readiness.NewTracker(zap.NewNop())
	tracker.LoadAsync(context.Background(), func(context.Context) error { return nil })
	<-tracker.Done()
	return tracker
}

type failingRecorder struct{ calls atomic.Int64 }

func (r *failingRecorder) Record(ctx context.Context, records []*audit.Record) error {
	r.calls.Add(1)
	return errors.New("database is down")
}
func (r *failingRecorder) Close() error { return nil }

type recordingObserver struct {
	mu        sync.Mutex
	summaries []Summary
}

func (o *recordingObserver) Observe(s Summary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.summaries = append(o.summaries, s)
}

func TestProcessRejectsWhenNotReady(t *testing.T) {
	loading := readiness.NewTracker(zap.NewNop())

	failed := readiness.NewTracker(zap.NewNop())
	failed.LoadAsync(context.Background(), func(context.Context) error { return errors.New("boom") })
	<-failed.Done()

	for name, tracker := range map[string]*readiness.Tracker{"loading": loading, "failed": failed} {
		t.Run(name, func(t *testing.T) {
			eng := &fakeEngine{}
			g := New(eng, tracker, Options{MaxConcurrent: 2}, zap.NewNop())

			_, err := g.Process(context.Background(), []document.InputDocument{{Text: "דני"}})
			if !errors.Is(err, ErrEngineUnavailable) {
				t.Fatalf("expected ErrEngineUnavailable, got %v", err)
			}
			if _, err := g.Process(context.Background(), nil); !errors.Is(err, ErrEngineUnavailable) {
				t.Fatalf("empty batch: expected ErrEngineUnavailable, got %v", err)
			}
			if eng.calls.Load() != 0 {
				t.Error("engine must not be called before it is ready")
			}
		})
	}
}

func TestProcessEmptyBatch(t *testing.T) {
	g := New(&fakeEngine{}, readyTracker(t), Options{MaxConcurrent: 2}, zap.NewNop())

	out, err := g.Process(context.Background(), []document.InputDocument{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty batch, got %d documents", len(out))
	}
}

func TestProcessPreservesOrderAndIDs(t *testing.T) {
	eng := &fakeEngine{}
	g := New(eng, readyTracker(t), Options{MaxConcurrent: 4}, zap.NewNop())

	in := []document.InputDocument{
		{ID: "first", Text: "דני גר בחיפה"},
		{Text: "אין כאן שמות"},
		{ID: "third", Text: ""},
		{Text: "דני ודני"},
	}

	out, err := g.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d documents, want %d", len(out), len(in))
	}

	wantIDs := []string{"first", "doc_2", "third", "doc_4"}
	for i, id := range wantIDs {
		if out[i].ID != id {
			t.Errorf("out[%d].ID = %q, want %q", i, out[i].ID, id)
		}
		if out[i].OriginalText != in[i].Text {
			t.Errorf("out[%d].OriginalText = %q, want %q", i, out[i].OriginalText, in[i].Text)
		}
	}

	if out[0].AnonymizedText != "<שם_> גר בחיפה" {
		t.Errorf("unexpected anonymized text %q", out[0].AnonymizedText)
	}
	if out[1].AnonymizedText != in[1].Text || len(out[1].Entities) != 0 {
		t.Errorf("clean text should be unchanged: %+v", out[1])
	}
	if len(out[3].Entities) != 2 || len(out[3].Masks) != 2 {
		t.Errorf("expected two aligned mentions: %+v", out[3])
	}
	if eng.calls.Load() != 3 {
		t.Errorf("engine calls = %d, want 3 (empty text skips the engine)", eng.calls.Load())
	}
}

func TestProcessEmptyText(t *testing.T) {
	eng := &fakeEngine{}
	g := New(eng, readyTracker(t), Options{MaxConcurrent: 1}, zap.NewNop())

	out, err := g.Process(context.Background(), []document.InputDocument{{ID: "e", Text: ""}})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out[0].AnonymizedText != "" || len(out[0].Entities) != 0 || len(out[0].Masks) != 0 {
		t.Errorf("unexpected output for empty text: %+v", out[0])
	}
	if out[0].Entities == nil || out[0].Masks == nil {
		t.Error("lists should be empty, not nil")
	}
	if eng.calls.Load() != 0 {
		t.Error("engine should not be called for empty text")
	}
}

func TestProcessEngineErrors(t *testing.T) {
	transport := errors.New("connection refused")

	tests := []struct {
		name   string
		engine *fakeEngine
		want   error
	}{
		{
			name:   "engine failure",
			engine: &fakeEngine{err: transport},
			want:   transport,
		},
		{
			name: "misaligned output",
			engine: &fakeEngine{transform: func(d *document.OutputDocument) {
				d.Masks = d.Masks[:0]
			}},
			want: ErrMisaligned,
		},
		{
			name: "entity out of range",
			engine: &fakeEngine{transform: func(d *document.OutputDocument) {
				d.Entities[0].End = 1000
			}},
			want: ErrOffsetOutOfRange,
		},
		{
			name: "mask out of range",
			engine: &fakeEngine{transform: func(d *document.OutputDocument) {
				d.Masks[0].Start = -1
			}},
			want: ErrOffsetOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.engine, readyTracker(t), Options{MaxConcurrent: 2}, zap.NewNop())

			_, err := g.Process(context.Background(), []document.InputDocument{{ID: "d", Text: "דני גר כאן"}})

			var engineErr *EngineError
			if !errors.As(err, &engineErr) {
				t.Fatalf("expected *EngineError, got %T %v", err, err)
			}
			if engineErr.DocID != "d" {
				t.Errorf("DocID = %q", engineErr.DocID)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v in chain, got %v", tt.want, err)
			}
			if g.Stats().EngineErrors != 1 {
				t.Errorf("engine errors = %d", g.Stats().EngineErrors)
			}
		})
	}
}

func TestProcessRejectsOversizedBatch(t *testing.T) {
	g := New(&fakeEngine{}, readyTracker(t), Options{MaxConcurrent: 1, MaxBatchSize: 2}, zap.NewNop())

	_, err := g.Process(context.Background(), make([]document.InputDocument, 3))

	var validation *document.ValidationError
	if !errors.As(err, &validation) || validation.Field != "docs" {
		t.Fatalf("expected ValidationError on docs, got %v", err)
	}
}

func TestProcessBoundsConcurrency(t *testing.T) {
	eng := &fakeEngine{delay: 20 * time.Millisecond}
	g := New(eng, readyTracker(t), Options{MaxConcurrent: 2}, zap.NewNop())

	docs := make([]document.InputDocument, 8)
	for i := range docs {
		docs[i] = document.InputDocument{Text: strings.Repeat("א", i+1)}
	}

	if _, err := g.Process(context.Background(), docs); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if peak := eng.peak.Load(); peak > 2 {
		t.Errorf("peak concurrent engine calls = %d, want <= 2", peak)
	}
}

func TestProcessHonoursContext(t *testing.T) {
	eng := &fakeEngine{delay: time.Second}
	g := New(eng, readyTracker(t), Options{MaxConcurrent: 1}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Process(ctx, []document.InputDocument{{Text: "א"}, {Text: "ב"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestProcessUsesCache(t *testing.T) {
	eng := &fakeEngine{}
	c := cache.NewMemoryCache(time.Minute, time.Minute)
	g := New(eng, readyTracker(t), Options{MaxConcurrent: 2, Cache: c}, zap.NewNop())

	in := []document.InputDocument{{ID: "a", Text: "דני גר בחיפה"}}

	first, err := g.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}
	second, err := g.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}

	if eng.calls.Load() != 1 {
		t.Errorf("engine calls = %d, want 1", eng.calls.Load())
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("cached result differs:\n%+v\n%+v", first, second)
	}
	if g.Stats().CacheHits != 1 {
		t.Errorf("cache hits = %d", g.Stats().CacheHits)
	}
	if st := g.Stats().Cache; st == nil || st.Hits != 1 || st.Misses != 1 {
		t.Errorf("cache stats = %+v", st)
	}
}

func TestProcessDiscardsInvalidCachedResult(t *testing.T) {
	eng := &fakeEngine{}
	c := cache.NewMemoryCache(time.Minute, time.Minute)
	g := New(eng, readyTracker(t), Options{MaxConcurrent: 1, EngineID: "fake", CacheKeyPrefix: "hsh", Cache: c}, zap.NewNop())

	text := "דני גר בחיפה"
	// An entry written under the same prefix by something else
	corrupt := &cache.Entry{
		AnonymizedText: "<שם_>",
		Entities:       []document.EntityMention{{Start: 0, End: 40, EntityType: "PERS"}},
		Masks:          []document.Mask{{Start: 0, End: 5, Text: "<שם_>", Operator: "replace"}},
	}
	if err := c.Set(context.Background(), cache.Key("hsh", "fake", text), corrupt); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	out, err := g.Process(context.Background(), []document.InputDocument{{ID: "a", Text: text}})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if eng.calls.Load() != 1 {
		t.Errorf("engine calls = %d, invalid entry should count as a miss", eng.calls.Load())
	}
	if want := fakeAnonymize(document.InputDocument{ID: "a", Text: text}); !reflect.DeepEqual(out[0], want) {
		t.Errorf("got %+v, want engine result %+v", out[0], want)
	}
	if g.Stats().CacheHits != 0 {
		t.Errorf("cache hits = %d", g.Stats().CacheHits)
	}

	// The fresh engine result replaced the bad entry
	if _, err := g.Process(context.Background(), []document.InputDocument{{ID: "a", Text: text}}); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if eng.calls.Load() != 1 || g.Stats().CacheHits != 1 {
		t.Errorf("engine calls = %d, cache hits = %d", eng.calls.Load(), g.Stats().CacheHits)
	}
}

func TestProcessAuditFailureIsNotFatal(t *testing.T) {
	recorder := &failingRecorder{}
	observer := &recordingObserver{}
	g := New(&fakeEngine{}, readyTracker(t), Options{MaxConcurrent: 1, Audit: recorder, Observer: observer}, zap.NewNop())

	out, err := g.Process(context.Background(), []document.InputDocument{{Text: "דני ודני"}})
	if err != nil {
		t.Fatalf("audit failure leaked into Process: %v", err)
	}
	if len(out) != 1 || recorder.calls.Load() != 1 {
		t.Fatalf("unexpected result %+v, audit calls %d", out, recorder.calls.Load())
	}

	if len(observer.summaries) != 1 {
		t.Fatalf("expected one summary, got %d", len(observer.summaries))
	}
	s := observer.summaries[0]
	if s.Documents != 1 || s.Entities != 2 || s.EntityCounts["PERS"] != 2 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestValidate(t *testing.T) {
	ok := fakeAnonymize(document.InputDocument{Text: "דני גר כאן"})
	if err := Validate(ok); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	swapped := ok
	swapped.Entities = []document.EntityMention{{Start: 3, End: 2}}
	if err := Validate(swapped); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("inverted range: got %v", err)
	}
}

func TestProcessProperties(t *testing.T) {
	words := []string{"דני", "גר", "בחיפה", "ודני", "abc", "12", "שרון"}
	g := New(&fakeEngine{}, readyTracker(t), Options{
		MaxConcurrent: 4,
		Cache:         cache.NewMemoryCache(time.Minute, time.Minute),
	}, zap.NewNop())

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(t, "n")
		in := make([]document.InputDocument, n)
		for i := range in {
			parts := rapid.SliceOfN(rapid.SampledFrom(words), 0, 8).Draw(t, "words")
			in[i].Text = strings.Join(parts, " ")
			if rapid.Bool().Draw(t, "has_id") {
				in[i].ID = rapid.StringMatching(`[a-z]{1,6}`).Draw(t, "id")
			}
		}

		out, err := g.Process(context.Background(), in)
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if len(out) != len(in) {
			t.Fatalf("got %d documents, want %d", len(out), len(in))
		}

		for i, d := range out {
			if in[i].ID != "" && d.ID != in[i].ID {
				t.Fatalf("id changed: %q -> %q", in[i].ID, d.ID)
			}
			if len(d.Entities) != len(d.Masks) {
				t.Fatalf("misaligned output %+v", d)
			}
			if len(d.Entities) == 0 && d.AnonymizedText != in[i].Text {
				t.Fatalf("text without entities changed: %q -> %q", in[i].Text, d.AnonymizedText)
			}
			for j, e := range d.Entities {
				if got := document.Substring(d.OriginalText, e.Start, e.End); got != fakeName {
					t.Fatalf("entity %d covers %q", j, got)
				}
				m := d.Masks[j]
				if got := document.Substring(d.AnonymizedText, m.Start, m.End); got != m.Text {
					t.Fatalf("mask %d covers %q, want %q", j, got, m.Text)
				}
			}
		}

		again, err := g.Process(context.Background(), in)
		if err != nil {
			t.Fatalf("second Process: %v", err)
		}
		if !reflect.DeepEqual(out, again) {
			t.Fatalf("Process is not idempotent")
		}
	})
}
