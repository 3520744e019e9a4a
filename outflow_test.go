package outflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versionhq/outflow/agent"
	"github.com/versionhq/outflow/engine"
	"github.com/versionhq/outflow/graph"
	"github.com/versionhq/outflow/model"
	"github.com/versionhq/outflow/schema"
	"github.com/versionhq/outflow/tool"
)

func TestOutflow_EndToEnd(t *testing.T) {
	f := New()

	mock := model.NewMockModel("mock", "mock")
	mock.AddResponse("research", `{"summary": "three key findings"}`)
	require.NoError(t, f.RegisterModel("mock", mock))

	require.NoError(t, f.RegisterAgent(agent.Definition{
		Name:  "analyst",
		Role:  "Analyze the assigned topic",
		Model: "mock",
	}))

	g := graph.New()
	require.NoError(t, g.Add(&graph.Task{
		ID:    "analyze",
		Agent: "analyst",
		Input: "research the market",
		OutputSchema: schema.New(
			schema.Field{Name: "summary", Type: schema.TypeString, Required: true},
		),
	}))

	res, err := f.Submit(context.Background(), g)
	require.NoError(t, err)

	assert.Equal(t, engine.StatusCompleted, res.Status)
	assert.Equal(t, "three key findings", res.Tasks["analyze"].Output["summary"])
	assert.Equal(t, 1, mock.Calls())
}

func TestOutflow_RegisterDuplicates(t *testing.T) {
	f := New()

	require.NoError(t, f.RegisterModel("mock", model.NewMockModel("mock", "mock")))
	assert.Error(t, f.RegisterModel("mock", model.NewMockModel("mock", "mock")))

	def := agent.Definition{Name: "a", Role: "r", Model: "mock"}
	require.NoError(t, f.RegisterAgent(def))
	assert.Error(t, f.RegisterAgent(def))

	echo := tool.NewFunctionTool("echo", "echoes", map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any) (any, error) { return "ok", nil })
	require.NoError(t, f.RegisterTool(echo))
	assert.Error(t, f.RegisterTool(echo))
}

func TestLoadWorkflow(t *testing.T) {
	doc := `
models:
  fast:
    provider: mock
    model: test
agents:
  helper:
    role: Help with chores
    model: fast
tasks:
  - id: first
    agent: helper
    input: sort the inbox
  - id: second
    agent: helper
    input: reply to the urgent mail
    depends_on: [first]
policy:
  max_concurrent_tasks: 2
`
	f, g, err := LoadWorkflow([]byte(doc))
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, 2, g.Len())

	res, err := f.Submit(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, res.Status)
	assert.Contains(t, res.Tasks["first"].Raw, "Mock response")
}

func TestLoadWorkflow_InvalidDocument(t *testing.T) {
	_, _, err := LoadWorkflow([]byte("tasks: []\n"))
	assert.Error(t, err)
}
