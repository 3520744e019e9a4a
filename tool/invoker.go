package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/versionhq/outflow/agent"
	"github.com/versionhq/outflow/internal/util"
	"github.com/versionhq/outflow/logging"
	"github.com/versionhq/outflow/metrics"
	"github.com/versionhq/outflow/model"
)

// Result is the normalized outcome of a successful tool invocation.
type Result struct {
	ID      string `json:"id"`   // Matches the originating tool call ID
	Name    string `json:"name"` // Tool name
	Content any    `json:"content"`
}

// Serialize renders the content for feeding back into a model conversation.
func (r *Result) Serialize() string {
	if s, ok := r.Content.(string); ok {
		return s
	}
	b, err := json.Marshal(r.Content)
	if err != nil {
		return fmt.Sprintf("%v", r.Content)
	}
	return string(b)
}

// InvokerOptions configures an Invoker instance.
type InvokerOptions struct {
	// Timeout bounds each individual tool execution.
	Timeout time.Duration

	// MaxRetries is how many times a failed execution is retried. Permission
	// and validation failures are never retried.
	MaxRetries int

	// RetryDelay is the sleep between execution retries.
	RetryDelay time.Duration

	// CacheResults, when set, reuses the result of a prior successful call
	// with the same tool and arguments instead of executing again. Only safe
	// for pure tools; off by default.
	CacheResults bool

	// Logger defaults to NoOpLogger if nil.
	Logger logging.Logger

	// Metrics may be nil; recording is then a no-op.
	Metrics *metrics.Recorder
}

// Invoker executes tool calls on behalf of agents. It is the single gate
// between a model's tool call request and the tool implementation: the
// calling agent's permission set is checked before anything runs, arguments
// are validated against the tool's schema, execution is bounded by a per-call
// timeout and transient failures are retried a small number of times.
//
// Register all tools before execution begins; the tool set is read-only
// during invocation and therefore needs no locking.
type Invoker struct {
	tools map[string]Tool
	opts  InvokerOptions

	cacheMu sync.Mutex
	cache   map[string]any
}

// NewInvoker creates an Invoker with the given tool set. Defaults: 15s
// per-call timeout, 2 retries with 200ms delay.
func NewInvoker(optFns ...func(o *InvokerOptions)) *Invoker {
	opts := InvokerOptions{
		Timeout:    15 * time.Second,
		MaxRetries: 2,
		RetryDelay: 200 * time.Millisecond,
		Logger:     logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Invoker{tools: make(map[string]Tool), opts: opts, cache: make(map[string]any)}
}

// Register adds a tool. Duplicate names are an error, never a silent overwrite.
func (iv *Invoker) Register(t Tool) error {
	if _, exists := iv.tools[t.Name()]; exists {
		return fmt.Errorf("tool %s already registered", t.Name())
	}
	iv.tools[t.Name()] = t
	return nil
}

// Lookup returns a registered tool by name.
func (iv *Invoker) Lookup(name string) (Tool, bool) {
	t, ok := iv.tools[name]
	return t, ok
}

// Has reports whether a tool name is registered.
func (iv *Invoker) Has(name string) bool {
	_, ok := iv.tools[name]
	return ok
}

// Definitions returns model-facing declarations for the named tools,
// preserving order and skipping unknown names.
func (iv *Invoker) Definitions(names []string) []model.ToolDefinition {
	defs := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		if t, ok := iv.tools[name]; ok {
			defs = append(defs, Definition(t))
		}
	}
	return defs
}

// Invoke runs a tool call on behalf of an agent. scope optionally narrows the
// agent's permitted set (per-task tool restriction); nil means the agent's
// full set applies. The permission check happens before any lookup or
// execution, so a denied call provably performs no work.
func (iv *Invoker) Invoke(ctx context.Context, call model.ToolCall, caller agent.Definition, scope []string) (*Result, error) {
	logger := iv.opts.Logger
	start := time.Now()

	if !permitted(call.Name, caller, scope) {
		iv.opts.Metrics.ToolCall(call.Name, "denied")
		logger.Warn("tool.invoke.denied", "tool", call.Name, "agent", caller.Name)
		return nil, NewToolError(call.Name, fmt.Sprintf("agent %s is not permitted to call this tool", caller.Name), CodeNotPermitted)
	}

	t, ok := iv.tools[call.Name]
	if !ok {
		iv.opts.Metrics.ToolCall(call.Name, "error")
		return nil, NewToolError(call.Name, "tool not registered", CodeExecutionFailed)
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			iv.opts.Metrics.ToolCall(call.Name, "error")
			return nil, &ToolError{
				Tool:    call.Name,
				Message: fmt.Sprintf("failed to unmarshal arguments: %v", err),
				Code:    CodeValidation,
			}
		}
	}

	if err := util.ValidateParameters(args, t.Parameters()); err != nil {
		iv.opts.Metrics.ToolCall(call.Name, "error")
		logger.Warn("tool.invoke.validation_failed", "tool", call.Name, "error", err.Error())
		return nil, &ToolError{
			Tool:    call.Name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
			Details: err,
		}
	}

	cacheKey := ""
	if iv.opts.CacheResults {
		cacheKey = resultCacheKey(call.Name, args)
		if cached, ok := iv.readCache(cacheKey); ok {
			iv.opts.Metrics.ToolCall(call.Name, "cached")
			logger.Debug("tool.invoke.cached", "tool", call.Name)
			return &Result{ID: call.ID, Name: call.Name, Content: cached}, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt <= iv.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			logger.Warn("tool.invoke.retry", "tool", call.Name, "attempt", attempt, "error", lastErr.Error())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(iv.opts.RetryDelay):
			}
		}

		result, err := iv.execute(ctx, t, args)
		if err == nil {
			dur := time.Since(start)
			if cacheKey != "" {
				iv.writeCache(cacheKey, result)
			}
			iv.opts.Metrics.ToolCall(call.Name, "ok")
			logging.RecordToolCall(logger, call.Name, dur, true, nil)
			logger.Info("tool.invoke.success", "tool", call.Name, "duration_ms", dur.Milliseconds())
			return &Result{ID: call.ID, Name: call.Name, Content: result}, nil
		}

		var toolErr *ToolError
		if errors.As(err, &toolErr) && (toolErr.Code == CodeValidation || toolErr.Code == CodeNotPermitted) {
			iv.opts.Metrics.ToolCall(call.Name, "error")
			return nil, toolErr
		}

		lastErr = err
	}

	code := CodeExecutionFailed
	outcome := "error"
	if errors.Is(lastErr, context.DeadlineExceeded) {
		code = CodeTimeout
		outcome = "timeout"
	}
	iv.opts.Metrics.ToolCall(call.Name, outcome)
	logging.RecordToolCall(logger, call.Name, time.Since(start), false, lastErr)
	logger.Error("tool.invoke.error", "tool", call.Name, "error", lastErr.Error())

	var toolErr *ToolError
	if errors.As(lastErr, &toolErr) {
		return nil, toolErr
	}
	return nil, &ToolError{Tool: call.Name, Message: lastErr.Error(), Code: code}
}

// execute runs one attempt with the per-call timeout and panic recovery. The
// timeout is enforced even against tool implementations that ignore their
// context; a never-returning call leaks its goroutine, which the timeout
// bounds in practice.
func (iv *Invoker) execute(ctx context.Context, t Tool, args map[string]any) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, iv.opts.Timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &ToolError{
					Tool:    t.Name(),
					Message: fmt.Sprintf("panic: %v", r),
					Code:    CodeExecutionFailed,
					Details: string(debug.Stack()),
				}}
			}
		}()
		res, err := t.Call(callCtx, args)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tool %s: %w", t.Name(), context.DeadlineExceeded)
	case o := <-done:
		return o.result, o.err
	}
}

// resultCacheKey derives a stable key from the tool name and its validated
// arguments. json.Marshal sorts map keys, so equal argument sets collapse to
// the same key regardless of call-site ordering.
func resultCacheKey(name string, args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return name + "\x00" + fmt.Sprint(args)
	}
	return name + "\x00" + string(b)
}

func (iv *Invoker) readCache(key string) (any, bool) {
	iv.cacheMu.Lock()
	defer iv.cacheMu.Unlock()
	v, ok := iv.cache[key]
	return v, ok
}

func (iv *Invoker) writeCache(key string, v any) {
	iv.cacheMu.Lock()
	defer iv.cacheMu.Unlock()
	iv.cache[key] = v
}

// permitted applies the agent permission set and the optional per-task scope.
func permitted(name string, caller agent.Definition, scope []string) bool {
	if !caller.Permits(name) {
		return false
	}
	if scope == nil {
		return true
	}
	for _, s := range scope {
		if s == name {
			return true
		}
	}
	return false
}
