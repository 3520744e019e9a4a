package model

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Conversation roles used in normalized messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall represents a function call request surfaced by a model provider.
// Unified across vendors so downstream logic does not need per-provider branching.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string of arguments
}

// ToolResult carries the outcome of a tool call back into the conversation.
type ToolResult struct {
	ID      string `json:"id"`              // Matches the originating ToolCall ID
	Name    string `json:"name"`            // Tool name
	Content string `json:"content"`         // Serialized successful result
	Error   string `json:"error,omitempty"` // Populated on failure
}

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Message is one turn of a normalized conversation.
type Message struct {
	Role        string       `json:"role"`
	Text        string       `json:"text,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`   // Assistant messages requesting tool calls
	ToolResults []ToolResult `json:"tool_results,omitempty"` // Tool role messages carrying results
}

// Request captures the normalized model input produced by the engine.
type Request struct {
	Instructions string           `json:"instructions"` // System prompt for the model
	Messages     []Message        `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Temperature  *float64         `json:"temperature,omitempty"`
	MaxTokens    int64            `json:"max_tokens,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the normalized final output of a model call.
type Response struct {
	Text         string      `json:"text"`
	ToolCalls    []ToolCall  `json:"tool_calls,omitempty"`
	FinishReason string      `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Model        string      `json:"model"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface a provider adapter must implement. Complete
// performs one blocking generation; retry, backoff and fallback live in the
// Dispatcher, not in adapters.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the model implementation.
	Info() Info
}

// LastUserText returns the text of the most recent user message, or "".
func (r Request) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Text
		}
	}
	return ""
}

// MockModel is a deterministic in-memory Model useful for tests & examples.
// Behaviors can be scripted per call (Enqueue) or keyed by the last user
// message (AddResponse); scripted behaviors take precedence and are consumed
// in FIFO order.
type MockModel struct {
	info      Info
	mu        sync.Mutex
	responses map[string]string
	script    []func(req Request) (*Response, error)
	calls     int
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
// Matching is by substring against the last user message so prompt framing
// (context, format hints) does not break lookups.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Enqueue scripts the next call's behavior. Useful for simulating transient
// provider failures and tool call rounds.
func (m *MockModel) Enqueue(fn func(req Request) (*Response, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, fn)
}

// Calls returns how many times Complete has been invoked.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Complete implements Model.
func (m *MockModel) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls++
	if len(m.script) > 0 {
		fn := m.script[0]
		m.script = m.script[1:]
		m.mu.Unlock()
		return fn(req)
	}

	input := req.LastUserText()
	var full string
	for prompt, response := range m.responses {
		if strings.Contains(input, prompt) {
			full = response
			break
		}
	}
	m.mu.Unlock()

	if full == "" {
		full = fmt.Sprintf("Mock response to: %s", input)
	}

	return &Response{
		Text:         full,
		FinishReason: "stop",
		Model:        m.info.Name,
	}, nil
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }
