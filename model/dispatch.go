package model

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/versionhq/outflow/logging"
	"github.com/versionhq/outflow/metrics"
)

// Error codes surfaced by the dispatch layer.
const (
	// CodeProviderUnavailable marks transient provider failures (timeouts,
	// rate limits, 5xx-class errors). These are retried with backoff.
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	// CodeInvalidModelConfig marks non-recoverable configuration problems
	// (unknown model id, rejected generation parameters). Never retried.
	CodeInvalidModelConfig = "INVALID_MODEL_CONFIG"
)

// DispatchError is the uniform error shape for model dispatch failures.
type DispatchError struct {
	Model   string `json:"model"`   // Model identifier the call targeted
	Code    string `json:"code"`    // Error code for categorization
	Message string `json:"message"` // Error message
	Err     error  `json:"-"`       // Underlying provider error, if any
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch error [%s] for model %s: %s", e.Code, e.Model, e.Message)
}

// Unwrap exposes the underlying provider error for errors.Is/As chains.
func (e *DispatchError) Unwrap() error { return e.Err }

// Retryable reports whether the dispatcher may retry after this error.
func (e *DispatchError) Retryable() bool { return e.Code == CodeProviderUnavailable }

// NewDispatchError creates a DispatchError with the specified details.
func NewDispatchError(model, code, message string, err error) *DispatchError {
	return &DispatchError{Model: model, Code: code, Message: message, Err: err}
}

// DispatcherOptions configures a Dispatcher instance.
type DispatcherOptions struct {
	// Timeout bounds each individual provider call.
	Timeout time.Duration

	// MaxAttempts is the total number of attempts per model (first try
	// included). Must be >= 1.
	MaxAttempts int

	// BackoffBase is the sleep before the first retry; each subsequent retry
	// doubles it up to BackoffCap. A random jitter of up to half the computed
	// delay is added to avoid thundering herds.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// Logger defaults to NoOpLogger if nil.
	Logger logging.Logger

	// Metrics may be nil; recording is then a no-op.
	Metrics *metrics.Recorder
}

// Dispatcher routes normalized requests to registered models by identifier,
// applying per-call timeouts, bounded retries with exponential backoff on
// transient failures, and optional fallback to a secondary model.
//
// The dispatcher never mutates task or workflow state; it is a pure call
// layer the engine consults.
type Dispatcher struct {
	mu     sync.RWMutex
	models map[string]Model
	opts   DispatcherOptions
}

// NewDispatcher creates a Dispatcher with sensible defaults: 60s per-call
// timeout, 3 attempts, 500ms base backoff capped at 8s.
func NewDispatcher(optFns ...func(o *DispatcherOptions)) *Dispatcher {
	opts := DispatcherOptions{
		Timeout:     60 * time.Second,
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  8 * time.Second,
		Logger:      logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	return &Dispatcher{models: make(map[string]Model), opts: opts}
}

// Register binds a model implementation to an identifier. Registering a
// duplicate identifier is an error; bindings are never silently overwritten.
func (d *Dispatcher) Register(modelID string, m Model) error {
	if modelID == "" {
		return fmt.Errorf("model id must not be empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.models[modelID]; exists {
		return fmt.Errorf("model %s already registered", modelID)
	}
	d.models[modelID] = m

	return nil
}

// Get returns the model bound to the identifier.
func (d *Dispatcher) Get(modelID string) (Model, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.models[modelID]
	return m, ok
}

// Dispatch performs one logical model call against modelID: up to MaxAttempts
// provider calls with exponential backoff between transient failures. A
// non-retryable error (INVALID_MODEL_CONFIG) or context cancellation aborts
// the attempt loop immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, modelID string, req Request) (*Response, error) {
	m, ok := d.Get(modelID)
	if !ok {
		return nil, NewDispatchError(modelID, CodeInvalidModelConfig, "model not registered", nil)
	}

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		start := time.Now()
		resp, err := m.Complete(callCtx, req)
		dur := time.Since(start)
		cancel()

		if err == nil {
			tokens := 0
			if resp.Usage != nil {
				tokens = resp.Usage.TotalTokens
			}
			d.opts.Metrics.ModelDispatch(modelID, "ok", dur)
			logging.RecordModelCall(d.opts.Logger, modelID, tokens, dur, true, nil)
			d.opts.Logger.Debug("dispatch.ok", "model", modelID, "attempt", attempt, "duration_ms", dur.Milliseconds())
			if resp.Model == "" {
				resp.Model = modelID
			}
			return resp, nil
		}

		lastErr = classify(modelID, callErr(ctx, err))

		var de *DispatchError
		if errors.As(lastErr, &de) && !de.Retryable() {
			d.opts.Metrics.ModelDispatch(modelID, "error", dur)
			logging.RecordModelCall(d.opts.Logger, modelID, 0, dur, false, lastErr)
			d.opts.Logger.Error("dispatch.fatal", "model", modelID, "error", lastErr.Error())
			return nil, lastErr
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		d.opts.Metrics.ModelDispatch(modelID, "retry", dur)
		d.opts.Logger.Warn("dispatch.retry", "model", modelID, "attempt", attempt, "error", lastErr.Error())

		if attempt < d.opts.MaxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.backoff(attempt)):
			}
		}
	}

	logging.RecordModelCall(d.opts.Logger, modelID, 0, 0, false, lastErr)

	return nil, lastErr
}

// DispatchWithFallback runs Dispatch against the primary model and, after its
// retries are exhausted on a transient failure, tries the fallback model once
// through its own full Dispatch cycle. Non-retryable primary errors are
// surfaced directly; a fallback is not a remedy for bad configuration.
func (d *Dispatcher) DispatchWithFallback(ctx context.Context, modelID, fallbackID string, req Request) (*Response, error) {
	resp, err := d.Dispatch(ctx, modelID, req)
	if err == nil || fallbackID == "" || fallbackID == modelID {
		return resp, err
	}

	var de *DispatchError
	if errors.As(err, &de) && !de.Retryable() {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, err
	}

	d.opts.Logger.Warn("dispatch.fallback", "model", modelID, "fallback", fallbackID, "error", err.Error())

	return d.Dispatch(ctx, fallbackID, req)
}

// backoff computes the sleep before retry n (1-based) with jitter.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.opts.BackoffBase << (attempt - 1)
	if delay > d.opts.BackoffCap {
		delay = d.opts.BackoffCap
	}
	if delay <= 0 {
		return 0
	}
	return delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
}

// callErr prefers the parent context error so cancellation is not mistaken
// for a per-call timeout.
func callErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// classify wraps a provider error into a DispatchError. Per-call deadline
// expiry and anything the adapter did not already classify count as
// transient provider unavailability.
func classify(modelID string, err error) error {
	var de *DispatchError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewDispatchError(modelID, CodeProviderUnavailable, "provider call timed out", err)
	}
	return NewDispatchError(modelID, CodeProviderUnavailable, err.Error(), err)
}
