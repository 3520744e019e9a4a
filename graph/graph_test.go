package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versionhq/outflow/schema"
)

func newTask(id string) *Task {
	return &Task{ID: id, Agent: "worker", Input: "do " + id}
}

// -------------------- Construction --------------------

func TestAdd_GeneratesID(t *testing.T) {
	g := New()
	task := &Task{Agent: "worker", Input: "anonymous"}
	require.NoError(t, g.Add(task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, 1, g.Len())
}

func TestAdd_RejectsDuplicateID(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a")))
	err := g.Add(newTask("a"))
	assert.ErrorContains(t, err, "already exists")
}

func TestAdd_RejectsMissingAgent(t *testing.T) {
	g := New()
	err := g.Add(&Task{ID: "a", Input: "orphan"})
	assert.ErrorContains(t, err, "agent binding")
}

func TestAdd_RejectsUnknownPredecessor(t *testing.T) {
	g := New()
	err := g.Add(newTask("b"), "a")
	assert.ErrorContains(t, err, "unknown predecessor")
}

func TestAdd_RejectsSelfDependency(t *testing.T) {
	g := New()
	err := g.Add(newTask("a"), "a")
	var ce *CycleError
	assert.ErrorAs(t, err, &ce)
}

func TestAddDependency_RejectsCycle(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a")))
	require.NoError(t, g.Add(newTask("b"), "a"))
	require.NoError(t, g.Add(newTask("c"), "b"))

	// c is downstream of a, so a -> depends on c closes a cycle
	err := g.AddDependency("a", "c")
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "a", ce.Task)
	assert.Equal(t, "c", ce.Predecessor)

	// An edge between unrelated branches is fine
	require.NoError(t, g.Add(newTask("d")))
	assert.NoError(t, g.AddDependency("d", "b"))
}

func TestAddDependency_IdempotentEdge(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a")))
	require.NoError(t, g.Add(newTask("b"), "a"))
	require.NoError(t, g.AddDependency("b", "a"))
	assert.Equal(t, []string{"a"}, g.Predecessors("b"))
}

// -------------------- Frontier --------------------

func TestReady_RootTasksOnly(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a")))
	require.NoError(t, g.Add(newTask("b")))
	require.NoError(t, g.Add(newTask("c"), "a", "b"))

	ready := g.Ready()
	require.Len(t, ready, 2)
	assert.Equal(t, "a", ready[0].ID)
	assert.Equal(t, "b", ready[1].ID)

	// The frontier hands each task out once
	assert.Empty(t, g.Ready())
}

func TestReady_AfterPredecessorsSucceed(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a")))
	require.NoError(t, g.Add(newTask("b")))
	require.NoError(t, g.Add(newTask("c"), "a", "b"))

	g.Ready()
	require.NoError(t, g.MarkRunning("a"))
	require.NoError(t, g.MarkSucceeded("a", &schema.Output{Raw: "done"}))

	// b still pending: c stays out of the frontier
	assert.Empty(t, g.Ready())

	require.NoError(t, g.MarkRunning("b"))
	require.NoError(t, g.MarkSucceeded("b", &schema.Output{Raw: "done"}))

	ready := g.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "c", ready[0].ID)
}

func TestReady_SkipTolerance(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a")))

	tolerant := newTask("b")
	tolerant.TolerateSkipped = true
	require.NoError(t, g.Add(tolerant, "a"))

	strict := newTask("c")
	require.NoError(t, g.Add(strict, "a"))

	g.Ready()
	require.NoError(t, g.MarkRunning("a"))
	require.NoError(t, g.MarkFailed("a", errors.New("boom")))
	g.SkipDependents("a")

	// Direct dependents of a failure are skipped regardless of tolerance
	sb, _ := g.Status("b")
	sc, _ := g.Status("c")
	assert.Equal(t, StatusSkipped, sb)
	assert.Equal(t, StatusSkipped, sc)
}

func TestReady_ToleratesSkippedPredecessor(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a")))

	tolerant := newTask("b")
	tolerant.TolerateSkipped = true
	require.NoError(t, g.Add(tolerant, "a"))

	g.Ready()
	require.NoError(t, g.MarkSkipped("a"))

	ready := g.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

// -------------------- Transitions --------------------

func TestTransitions_InvalidRejected(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a")))

	// Pending tasks cannot start running without passing through Ready
	assert.ErrorContains(t, g.MarkRunning("a"), "invalid transition")

	g.Ready()
	require.NoError(t, g.MarkRunning("a"))
	require.NoError(t, g.MarkSucceeded("a", nil))

	// Terminal states are final
	assert.ErrorContains(t, g.MarkFailed("a", errors.New("late")), "invalid transition")
	assert.ErrorContains(t, g.MarkSkipped("a"), "invalid transition")
	assert.ErrorContains(t, g.MarkRunning("zzz"), "unknown task")
}

func TestSkipDependents_Cascade(t *testing.T) {
	// a -> b -> {c, d}; d tolerates skipped predecessors
	g := New()
	require.NoError(t, g.Add(newTask("a")))
	require.NoError(t, g.Add(newTask("b"), "a"))
	require.NoError(t, g.Add(newTask("c"), "b"))

	tolerant := newTask("d")
	tolerant.TolerateSkipped = true
	require.NoError(t, g.Add(tolerant, "b"))

	g.Ready()
	require.NoError(t, g.MarkRunning("a"))
	require.NoError(t, g.MarkFailed("a", errors.New("boom")))

	skipped := g.SkipDependents("a")
	assert.Equal(t, []string{"b", "c"}, skipped)

	// d tolerates the skip of b and stays pending
	sd, _ := g.Status("d")
	assert.Equal(t, StatusPending, sd)

	ready := g.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "d", ready[0].ID)
}

func TestAdd_DuplicatePredecessorCollapsed(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a")))
	require.NoError(t, g.Add(newTask("b"), "a", "a"))

	assert.Equal(t, []string{"a"}, g.Predecessors("b"))

	g.Ready()
	require.NoError(t, g.MarkRunning("a"))
	require.NoError(t, g.MarkFailed("a", errors.New("boom")))

	skipped := g.SkipDependents("a")
	assert.Equal(t, []string{"b"}, skipped)
}

func TestTerminalStateAccessors(t *testing.T) {
	g := New()
	require.NoError(t, g.Add(newTask("a")))
	require.NoError(t, g.Add(newTask("b")))

	g.Ready()
	require.NoError(t, g.MarkRunning("a"))
	require.NoError(t, g.MarkSucceeded("a", &schema.Output{Raw: "out", Dict: map[string]any{"k": "v"}}))
	require.NoError(t, g.MarkRunning("b"))
	require.NoError(t, g.MarkFailed("b", errors.New("boom")))

	out, ok := g.Output("a")
	require.True(t, ok)
	assert.Equal(t, "out", out.Raw)

	err, ok := g.Err("b")
	require.True(t, ok)
	assert.EqualError(t, err, "boom")

	g.RecordUsage("a", Usage{ToolCalls: 3, ToolRounds: 2})
	assert.Equal(t, Usage{ToolCalls: 3, ToolRounds: 2}, g.Usage("a"))

	assert.True(t, g.AllTerminal())
	assert.Equal(t, 0, g.CountPending())
}
