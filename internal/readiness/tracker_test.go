package readiness

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestTrackerStartsLoading(t *testing.T) {
	tr := NewTracker(zap.NewNop())

	status := tr.Ready()
	if status.Status != "loading" || status.Code != http.StatusServiceUnavailable || status.Service != "hsh" {
		t.Errorf("unexpected initial status %+v", status)
	}
	if tr.IsReady() {
		t.Error("tracker should not be ready before loading")
	}
}

func TestTrackerLoadSuccess(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	release := make(chan struct{})

	tr.LoadAsync(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})

	// LoadAsync must not block; the load is still parked on release
	if got := tr.Ready(); got.Status != "loading" {
		t.Fatalf("status before release = %q", got.Status)
	}

	close(release)
	waitDone(t, tr)

	status := tr.Ready()
	if status.Status != "ready" || status.Code != http.StatusOK {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestTrackerLoadFailure(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	boom := errors.New("model missing")

	tr.LoadAsync(context.Background(), func(ctx context.Context) error { return boom })
	waitDone(t, tr)

	status := tr.Ready()
	if status.Status != "failed" || status.Code != http.StatusInternalServerError {
		t.Errorf("unexpected status %+v", status)
	}
	if !errors.Is(tr.Err(), boom) {
		t.Errorf("Err() = %v, want %v", tr.Err(), boom)
	}
}

func TestTrackerStateIsTerminal(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	tr.LoadAsync(context.Background(), func(ctx context.Context) error { return nil })
	waitDone(t, tr)

	calls := 0
	tr.LoadAsync(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("second load")
	})
	if tr.transition(Failed) {
		t.Error("second transition should be rejected")
	}

	time.Sleep(20 * time.Millisecond)
	if calls != 0 {
		t.Error("second LoadAsync should not run")
	}
	if tr.State() != Ready {
		t.Errorf("state = %v, want ready", tr.State())
	}
}

func TestTrackerConcurrentReadsNeverRegress(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	release := make(chan struct{})
	tr.LoadAsync(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})

	var wg sync.WaitGroup
	errs := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seenReady := false
			for j := 0; j < 2000; j++ {
				switch tr.Ready().Status {
				case "ready":
					seenReady = true
				case "loading":
					if seenReady {
						errs <- "observed loading after ready"
						return
					}
				default:
					errs <- "unexpected status"
					return
				}
			}
		}()
	}

	time.Sleep(time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Error(msg)
	}
}

func waitDone(t *testing.T, tr *Tracker) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not leave loading")
	}
}
