package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versionhq/outflow/logging"
)

func fastDispatcher() *Dispatcher {
	return NewDispatcher(func(o *DispatcherOptions) {
		o.MaxAttempts = 3
		o.BackoffBase = time.Millisecond
		o.BackoffCap = 2 * time.Millisecond
	})
}

func userReq(text string) Request {
	return Request{Messages: []Message{{Role: RoleUser, Text: text}}}
}

func TestRegister_DuplicateRejected(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Register("m", NewMockModel("m", "mock")))
	assert.ErrorContains(t, d.Register("m", NewMockModel("m", "mock")), "already registered")
	assert.ErrorContains(t, d.Register("", NewMockModel("m", "mock")), "must not be empty")
}

func TestDispatch_UnknownModel(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Dispatch(context.Background(), "ghost", userReq("hi"))

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, CodeInvalidModelConfig, de.Code)
}

// recorderLogger captures structured model call records.
type recorderLogger struct {
	logging.NoOpLogger
	models    []string
	tokens    []int
	successes []bool
}

func (r *recorderLogger) LogToolCall(string, time.Duration, bool, error) {}
func (r *recorderLogger) LogWorkflowRun(string, int, time.Duration, error) {
}

func (r *recorderLogger) LogModelCall(model string, tokens int, dur time.Duration, success bool, err error) {
	r.models = append(r.models, model)
	r.tokens = append(r.tokens, tokens)
	r.successes = append(r.successes, success)
}

func TestDispatch_RecordsCallOutcome(t *testing.T) {
	m := NewMockModel("m", "mock")
	m.Enqueue(func(req Request) (*Response, error) {
		return &Response{Text: "ok", Usage: &TokenUsage{TotalTokens: 42}}, nil
	})
	m.Enqueue(func(req Request) (*Response, error) {
		return nil, NewDispatchError("m", CodeInvalidModelConfig, "bad params", nil)
	})

	rec := &recorderLogger{}
	d := NewDispatcher(func(o *DispatcherOptions) {
		o.MaxAttempts = 1
		o.Logger = rec
	})
	require.NoError(t, d.Register("m", m))

	_, err := d.Dispatch(context.Background(), "m", userReq("hi"))
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), "m", userReq("hi"))
	require.Error(t, err)

	assert.Equal(t, []string{"m", "m"}, rec.models)
	assert.Equal(t, []int{42, 0}, rec.tokens)
	assert.Equal(t, []bool{true, false}, rec.successes)
}

func TestDispatch_RetriesTransientThenSucceeds(t *testing.T) {
	m := NewMockModel("m", "mock")
	m.Enqueue(func(req Request) (*Response, error) {
		return nil, NewDispatchError("m", CodeProviderUnavailable, "overloaded", nil)
	})
	m.Enqueue(func(req Request) (*Response, error) {
		return &Response{Text: "recovered"}, nil
	})

	d := fastDispatcher()
	require.NoError(t, d.Register("m", m))

	resp, err := d.Dispatch(context.Background(), "m", userReq("hi"))
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, "m", resp.Model)
	assert.Equal(t, 2, m.Calls())
}

func TestDispatch_ExhaustsAttempts(t *testing.T) {
	m := NewMockModel("m", "mock")
	for i := 0; i < 3; i++ {
		m.Enqueue(func(req Request) (*Response, error) {
			return nil, errors.New("connection reset")
		})
	}

	d := fastDispatcher()
	require.NoError(t, d.Register("m", m))

	_, err := d.Dispatch(context.Background(), "m", userReq("hi"))
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, CodeProviderUnavailable, de.Code)
	assert.Equal(t, 3, m.Calls())
}

func TestDispatch_ConfigErrorNotRetried(t *testing.T) {
	m := NewMockModel("m", "mock")
	m.Enqueue(func(req Request) (*Response, error) {
		return nil, NewDispatchError("m", CodeInvalidModelConfig, "bad api key", nil)
	})

	d := fastDispatcher()
	require.NoError(t, d.Register("m", m))

	_, err := d.Dispatch(context.Background(), "m", userReq("hi"))
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, CodeInvalidModelConfig, de.Code)
	assert.False(t, de.Retryable())
	assert.Equal(t, 1, m.Calls())
}

func TestDispatch_CancelledContext(t *testing.T) {
	m := NewMockModel("m", "mock")
	d := fastDispatcher()
	require.NoError(t, d.Register("m", m))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Dispatch(ctx, "m", userReq("hi"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, m.Calls())
}

func TestDispatchWithFallback_Engaged(t *testing.T) {
	primary := NewMockModel("primary", "mock")
	for i := 0; i < 3; i++ {
		primary.Enqueue(func(req Request) (*Response, error) {
			return nil, errors.New("down")
		})
	}
	fallback := NewMockModel("fallback", "mock")
	fallback.AddResponse("hi", "fallback answer")

	d := fastDispatcher()
	require.NoError(t, d.Register("primary", primary))
	require.NoError(t, d.Register("fallback", fallback))

	resp, err := d.DispatchWithFallback(context.Background(), "primary", "fallback", userReq("hi"))
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", resp.Text)
	assert.Equal(t, 3, primary.Calls())
	assert.Equal(t, 1, fallback.Calls())
}

func TestDispatchWithFallback_NotEngagedOnConfigError(t *testing.T) {
	primary := NewMockModel("primary", "mock")
	primary.Enqueue(func(req Request) (*Response, error) {
		return nil, NewDispatchError("primary", CodeInvalidModelConfig, "bad model name", nil)
	})
	fallback := NewMockModel("fallback", "mock")

	d := fastDispatcher()
	require.NoError(t, d.Register("primary", primary))
	require.NoError(t, d.Register("fallback", fallback))

	_, err := d.DispatchWithFallback(context.Background(), "primary", "fallback", userReq("hi"))
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, CodeInvalidModelConfig, de.Code)
	assert.Equal(t, 0, fallback.Calls())
}

func TestMockModel_ScriptAndKeyedResponses(t *testing.T) {
	m := NewMockModel("m", "mock")
	m.AddResponse("weather", "sunny")

	resp, err := m.Complete(context.Background(), userReq("what is the weather like"))
	require.NoError(t, err)
	assert.Equal(t, "sunny", resp.Text)

	// Scripted behaviors take precedence and are consumed FIFO
	m.Enqueue(func(req Request) (*Response, error) {
		return &Response{Text: "scripted"}, nil
	})
	resp, err = m.Complete(context.Background(), userReq("weather"))
	require.NoError(t, err)
	assert.Equal(t, "scripted", resp.Text)
}
