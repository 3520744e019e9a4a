package tool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versionhq/outflow/agent"
	"github.com/versionhq/outflow/logging"
	"github.com/versionhq/outflow/model"
)

var echoParams = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"text": map[string]any{"type": "string"},
	},
	"required": []string{"text"},
}

// countingTool records how many times it actually executed.
type countingTool struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, args map[string]any) (any, error)
}

func (c *countingTool) Name() string               { return c.name }
func (c *countingTool) Description() string        { return "counting stub" }
func (c *countingTool) Parameters() map[string]any { return echoParams }

func (c *countingTool) Call(ctx context.Context, args map[string]any) (any, error) {
	c.calls.Add(1)
	if c.fn != nil {
		return c.fn(ctx, args)
	}
	return args["text"], nil
}

func fastInvoker(tools ...Tool) *Invoker {
	iv := NewInvoker(func(o *InvokerOptions) {
		o.Timeout = 50 * time.Millisecond
		o.MaxRetries = 2
		o.RetryDelay = time.Millisecond
	})
	for _, t := range tools {
		if err := iv.Register(t); err != nil {
			panic(err)
		}
	}
	return iv
}

func echoCall(args string) model.ToolCall {
	return model.ToolCall{ID: "call_1", Name: "echo", Arguments: args}
}

func echoAgent() agent.Definition {
	return agent.Definition{Name: "worker", Role: "r", Model: "m", PermittedTools: []string{"echo"}}
}

func TestInvoke_Success(t *testing.T) {
	stub := &countingTool{name: "echo"}
	iv := fastInvoker(stub)

	res, err := iv.Invoke(context.Background(), echoCall(`{"text": "hi"}`), echoAgent(), nil)
	require.NoError(t, err)
	assert.Equal(t, "call_1", res.ID)
	assert.Equal(t, "hi", res.Serialize())
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestInvoke_CacheReusesResultForSameArguments(t *testing.T) {
	stub := &countingTool{name: "echo"}
	iv := NewInvoker(func(o *InvokerOptions) {
		o.Timeout = 50 * time.Millisecond
		o.CacheResults = true
	})
	require.NoError(t, iv.Register(stub))

	first, err := iv.Invoke(context.Background(), echoCall(`{"text": "hi"}`), echoAgent(), nil)
	require.NoError(t, err)
	second, err := iv.Invoke(context.Background(), echoCall(`{"text": "hi"}`), echoAgent(), nil)
	require.NoError(t, err)

	assert.Equal(t, first.Serialize(), second.Serialize())
	assert.Equal(t, int32(1), stub.calls.Load())

	// Different arguments miss the cache.
	_, err = iv.Invoke(context.Background(), echoCall(`{"text": "bye"}`), echoAgent(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestInvoke_CacheOffExecutesEveryCall(t *testing.T) {
	stub := &countingTool{name: "echo"}
	iv := fastInvoker(stub)

	for i := 0; i < 2; i++ {
		_, err := iv.Invoke(context.Background(), echoCall(`{"text": "hi"}`), echoAgent(), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestInvoke_CacheSkipsFailedResults(t *testing.T) {
	stub := &countingTool{name: "echo", fn: func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("boom")
	}}
	iv := NewInvoker(func(o *InvokerOptions) {
		o.Timeout = 50 * time.Millisecond
		o.MaxRetries = 0
		o.CacheResults = true
	})
	require.NoError(t, iv.Register(stub))

	_, err := iv.Invoke(context.Background(), echoCall(`{"text": "hi"}`), echoAgent(), nil)
	require.Error(t, err)
	_, err = iv.Invoke(context.Background(), echoCall(`{"text": "hi"}`), echoAgent(), nil)
	require.Error(t, err)

	// Failures are never cached; both calls executed.
	assert.Equal(t, int32(2), stub.calls.Load())
}

// recorderLogger captures structured call records alongside the plain
// leveled interface.
type recorderLogger struct {
	logging.NoOpLogger
	tools     []string
	successes []bool
}

func (r *recorderLogger) LogToolCall(tool string, dur time.Duration, success bool, err error) {
	r.tools = append(r.tools, tool)
	r.successes = append(r.successes, success)
}

func (r *recorderLogger) LogModelCall(string, int, time.Duration, bool, error) {}
func (r *recorderLogger) LogWorkflowRun(string, int, time.Duration, error)     {}

func TestInvoke_RecordsCallOutcome(t *testing.T) {
	stub := &countingTool{name: "echo"}
	rec := &recorderLogger{}
	iv := NewInvoker(func(o *InvokerOptions) {
		o.Timeout = 50 * time.Millisecond
		o.MaxRetries = 0
		o.Logger = rec
	})
	require.NoError(t, iv.Register(stub))

	_, err := iv.Invoke(context.Background(), echoCall(`{"text": "hi"}`), echoAgent(), nil)
	require.NoError(t, err)

	stub.fn = func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("boom")
	}
	_, err = iv.Invoke(context.Background(), echoCall(`{"text": "hi"}`), echoAgent(), nil)
	require.Error(t, err)

	assert.Equal(t, []string{"echo", "echo"}, rec.tools)
	assert.Equal(t, []bool{true, false}, rec.successes)
}

func TestInvoke_NotPermittedExecutesNothing(t *testing.T) {
	stub := &countingTool{name: "echo"}
	iv := fastInvoker(stub)

	caller := agent.Definition{Name: "restricted", Role: "r", Model: "m"}
	_, err := iv.Invoke(context.Background(), echoCall(`{"text": "hi"}`), caller, nil)

	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeNotPermitted, te.Code)
	assert.Equal(t, int32(0), stub.calls.Load())
}

func TestInvoke_ScopeNarrowsPermittedSet(t *testing.T) {
	stub := &countingTool{name: "echo"}
	iv := fastInvoker(stub)

	// echo is in the agent's set but excluded by the per-task scope
	_, err := iv.Invoke(context.Background(), echoCall(`{"text": "hi"}`), echoAgent(), []string{"other"})

	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeNotPermitted, te.Code)
	assert.Equal(t, int32(0), stub.calls.Load())

	// An explicit scope containing the tool still passes
	_, err = iv.Invoke(context.Background(), echoCall(`{"text": "hi"}`), echoAgent(), []string{"echo"})
	assert.NoError(t, err)
}

func TestInvoke_UnknownTool(t *testing.T) {
	iv := fastInvoker()

	caller := agent.Definition{Name: "worker", Role: "r", Model: "m", PermittedTools: []string{"ghost"}}
	_, err := iv.Invoke(context.Background(), model.ToolCall{ID: "c", Name: "ghost"}, caller, nil)

	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeExecutionFailed, te.Code)
}

func TestInvoke_InvalidArgumentsNotRetried(t *testing.T) {
	stub := &countingTool{name: "echo"}
	iv := fastInvoker(stub)

	// Malformed JSON
	_, err := iv.Invoke(context.Background(), echoCall(`{"text": `), echoAgent(), nil)
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeValidation, te.Code)

	// Missing required parameter
	_, err = iv.Invoke(context.Background(), echoCall(`{}`), echoAgent(), nil)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeValidation, te.Code)

	assert.Equal(t, int32(0), stub.calls.Load())
}

func TestInvoke_RetriesThenSurfaces(t *testing.T) {
	stub := &countingTool{name: "echo", fn: func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("flaky backend")
	}}
	iv := fastInvoker(stub)

	_, err := iv.Invoke(context.Background(), echoCall(`{"text": "hi"}`), echoAgent(), nil)

	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeExecutionFailed, te.Code)
	assert.Contains(t, te.Message, "flaky backend")
	// First attempt plus MaxRetries
	assert.Equal(t, int32(3), stub.calls.Load())
}

func TestInvoke_RetryThenSuccess(t *testing.T) {
	stub := &countingTool{name: "echo"}
	stub.fn = func(ctx context.Context, args map[string]any) (any, error) {
		if stub.calls.Load() < 2 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}
	iv := fastInvoker(stub)

	res, err := iv.Invoke(context.Background(), echoCall(`{"text": "hi"}`), echoAgent(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Serialize())
	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestInvoke_Timeout(t *testing.T) {
	stub := &countingTool{name: "echo", fn: func(ctx context.Context, args map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	iv := fastInvoker(stub)

	_, err := iv.Invoke(context.Background(), echoCall(`{"text": "hi"}`), echoAgent(), nil)

	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeTimeout, te.Code)
}

func TestInvoke_PanicRecovered(t *testing.T) {
	stub := &countingTool{name: "echo", fn: func(ctx context.Context, args map[string]any) (any, error) {
		panic("tool bug")
	}}
	iv := fastInvoker(stub)

	_, err := iv.Invoke(context.Background(), echoCall(`{"text": "hi"}`), echoAgent(), nil)

	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeExecutionFailed, te.Code)
	assert.Contains(t, te.Message, "panic")
}

func TestDefinitions_PreservesOrderSkipsUnknown(t *testing.T) {
	iv := fastInvoker(
		&countingTool{name: "echo"},
		NewFunctionTool("sum", "adds numbers", map[string]any{"type": "object"}, func(ctx context.Context, args map[string]any) (any, error) {
			return 0, nil
		}),
	)

	defs := iv.Definitions([]string{"sum", "ghost", "echo"})
	require.Len(t, defs, 2)
	assert.Equal(t, "sum", defs[0].Name)
	assert.Equal(t, "echo", defs[1].Name)
}

func TestResult_SerializeNonString(t *testing.T) {
	r := &Result{ID: "c", Name: "sum", Content: map[string]any{"total": 7}}
	assert.JSONEq(t, `{"total": 7}`, r.Serialize())
}
