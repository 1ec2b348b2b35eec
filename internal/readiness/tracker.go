package readiness

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of the engine
type State int32

const (
	Loading State = iota
	Ready
	Failed
)

// ServiceName is reported in every readiness payload
const ServiceName = "hsh"

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "loading"
	}
}

// Code returns the HTTP status code the state maps to
func (s State) Code() int {
	switch s {
	case Ready:
		return http.StatusOK
	case Failed:
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}

// Status is the readiness payload
type Status struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Code    int    `json:"-"`
}

// Tracker records whether the engine finished initialization. It starts in
// Loading and transitions exactly once, to Ready or Failed.
type Tracker struct {
	state   atomic.Int32
	started atomic.Bool
	done    chan struct{}
	err     atomic.Pointer[error]
	logger  *zap.Logger
}

// NewTracker creates a tracker in the Loading state
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		done:   make(chan struct{}),
		logger: logger,
	}
}

// LoadAsync runs load on a background goroutine and returns immediately.
// Only the first call starts a load; the resulting state is terminal.
func (t *Tracker) LoadAsync(ctx context.Context, load func(context.Context) error) {
	if !t.started.CompareAndSwap(false, true) {
		t.logger.Warn("Engine load already started, ignoring")
		return
	}

	go func() {
		start := time.Now()
		t.logger.Info("Engine initialization started")

		err := load(ctx)
		if err != nil {
			t.err.Store(&err)
			t.transition(Failed)
			t.logger.Error("Engine initialization failed",
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return
		}

		t.transition(Ready)
		t.logger.Info("Engine initialization completed", zap.Duration("duration", time.Since(start)))
	}()
}

// transition moves Loading to the given state; later calls are ignored
func (t *Tracker) transition(to State) bool {
	if !t.state.CompareAndSwap(int32(Loading), int32(to)) {
		return false
	}
	close(t.done)
	return true
}

// State returns the current state without blocking
func (t *Tracker) State() State {
	return State(t.state.Load())
}

// IsReady reports whether the engine finished loading successfully
func (t *Tracker) IsReady() bool {
	return t.State() == Ready
}

// Ready returns the readiness payload and its HTTP status code
func (t *Tracker) Ready() Status {
	s := t.State()
	return Status{Service: ServiceName, Status: s.String(), Code: s.Code()}
}

// Done is closed once the tracker leaves Loading
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Err returns the load error once the tracker is Failed
func (t *Tracker) Err() error {
	if p := t.err.Load(); p != nil {
		return *p
	}
	return nil
}
