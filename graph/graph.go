// Package graph implements the directed acyclic dependency graph of workflow
// tasks and the guarded status map the execution engine drives.
//
// Construction fails fast: duplicate task IDs, references to unknown tasks and
// any edge that would close a cycle are rejected when they are added, never at
// execution time. During execution the graph is the single mutable structure;
// all status transitions go through its mutex so the scheduling frontier
// computed by Ready is always consistent with the transitions applied before it.
package graph

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/versionhq/outflow/schema"
)

// Status is the lifecycle state of a task.
type Status int

const (
	// StatusPending means the task is waiting for its predecessors.
	StatusPending Status = iota
	// StatusReady means every predecessor is resolved and the task is in the
	// scheduling frontier.
	StatusReady
	// StatusRunning means the engine has dispatched the task.
	StatusRunning
	// StatusSucceeded is terminal: the task produced a validated output.
	StatusSucceeded
	// StatusFailed is terminal: the task surfaced an error.
	StatusFailed
	// StatusSkipped is terminal: the task was skipped due to an upstream failure.
	StatusSkipped
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Task is one unit of work bound to an agent. The fields here are
// configuration fixed at construction; runtime state (status, output, error)
// lives in the Graph's guarded maps.
type Task struct {
	// ID uniquely identifies the task within its graph. Generated when empty.
	ID string `json:"id"`

	// Agent names the registered agent definition that executes this task.
	// The task does not own the agent; it is resolved through the registry.
	Agent string `json:"agent"`

	// Input is the work description handed to the agent.
	Input string `json:"input"`

	// Context is optional extra prompt context prepended to the input.
	Context string `json:"context,omitempty"`

	// OutputSchema, when set, declares the structured output the task expects.
	// Nil means raw text output.
	OutputSchema *schema.Schema `json:"output_schema,omitempty"`

	// Tools optionally narrows the agent's permitted tool set for this task.
	Tools []string `json:"tools,omitempty"`

	// TolerateSkipped lets the task become ready even when a predecessor was
	// skipped (its output is then simply absent from the prompt context).
	TolerateSkipped bool `json:"tolerate_skipped,omitempty"`

	// Callback, when set, is invoked with the validated output after the
	// task succeeds. Runs on the task's worker goroutine.
	Callback func(*schema.Output) `json:"-"`
}

// Usage records per-task tool consumption for reporting.
type Usage struct {
	ToolCalls  int `json:"tool_calls"`
	ToolRounds int `json:"tool_rounds"`
}

// CycleError reports an edge rejected because it would close a dependency cycle.
type CycleError struct {
	Task        string // Task the edge points to
	Predecessor string // Predecessor that would complete the cycle
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency from %s to %s would create a cycle", e.Predecessor, e.Task)
}

// Graph is the workflow DAG plus the guarded runtime state of its tasks.
type Graph struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	order   []string            // insertion order, for deterministic iteration
	preds   map[string][]string // task -> predecessors
	deps    map[string][]string // task -> dependents
	status  map[string]Status
	outputs map[string]*schema.Output
	errs    map[string]error
	usage   map[string]Usage
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		tasks:   make(map[string]*Task),
		preds:   make(map[string][]string),
		deps:    make(map[string][]string),
		status:  make(map[string]Status),
		outputs: make(map[string]*schema.Output),
		errs:    make(map[string]error),
		usage:   make(map[string]Usage),
	}
}

// Add inserts a task with the given predecessor IDs. The task ID is generated
// when empty. Duplicate IDs, unknown predecessors, self-dependencies and
// cycle-closing edges are all rejected.
func (g *Graph) Add(t *Task, predecessors ...string) error {
	if t == nil {
		return fmt.Errorf("task must not be nil")
	}
	if t.Agent == "" {
		return fmt.Errorf("task %s: agent binding must not be empty", t.ID)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}

	// Deduplicate so a predecessor listed twice yields a single edge.
	seen := make(map[string]bool, len(predecessors))
	preds := make([]string, 0, len(predecessors))
	for _, p := range predecessors {
		if p == t.ID {
			return &CycleError{Task: t.ID, Predecessor: p}
		}
		if _, exists := g.tasks[p]; !exists {
			return fmt.Errorf("task %s: unknown predecessor %s", t.ID, p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		preds = append(preds, p)
	}

	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)
	g.preds[t.ID] = preds
	g.status[t.ID] = StatusPending
	for _, p := range preds {
		g.deps[p] = append(g.deps[p], t.ID)
	}

	return nil
}

// AddDependency adds an edge predecessor -> task between existing tasks,
// rejecting edges that would close a cycle.
func (g *Graph) AddDependency(taskID, predecessorID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[taskID]; !exists {
		return fmt.Errorf("unknown task %s", taskID)
	}
	if _, exists := g.tasks[predecessorID]; !exists {
		return fmt.Errorf("unknown predecessor %s", predecessorID)
	}
	if taskID == predecessorID || g.reachable(predecessorID, taskID) {
		return &CycleError{Task: taskID, Predecessor: predecessorID}
	}
	for _, p := range g.preds[taskID] {
		if p == predecessorID {
			return nil // edge already present
		}
	}

	g.preds[taskID] = append(g.preds[taskID], predecessorID)
	g.deps[predecessorID] = append(g.deps[predecessorID], taskID)

	return nil
}

// reachable reports whether target is reachable from start following
// dependency edges predecessor -> dependent... i.e. whether target is
// downstream of start. Caller holds the mutex.
func (g *Graph) reachable(target, start string) bool {
	if target == start {
		return true
	}
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.deps[cur] {
			if next == target {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Ready computes the scheduling frontier: every Pending task whose
// predecessors are all Succeeded or tolerably Skipped. Returned tasks are
// transitioned to Ready so a second call does not hand them out again.
func (g *Graph) Ready() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []*Task
	for _, id := range g.order {
		if g.status[id] != StatusPending {
			continue
		}
		if g.predecessorsResolved(id) {
			g.status[id] = StatusReady
			ready = append(ready, g.tasks[id])
		}
	}
	return ready
}

// predecessorsResolved reports whether every predecessor of id is Succeeded
// or, when the task tolerates skips, Skipped. Caller holds the mutex.
func (g *Graph) predecessorsResolved(id string) bool {
	t := g.tasks[id]
	for _, p := range g.preds[id] {
		switch g.status[p] {
		case StatusSucceeded:
		case StatusSkipped:
			if !t.TolerateSkipped {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// MarkRunning transitions a Ready task to Running.
func (g *Graph) MarkRunning(id string) error {
	return g.transition(id, StatusRunning, StatusReady)
}

// MarkSucceeded stores the validated output and transitions the task to Succeeded.
func (g *Graph) MarkSucceeded(id string, output *schema.Output) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkTransition(id, StatusSucceeded, StatusRunning, StatusReady); err != nil {
		return err
	}
	g.status[id] = StatusSucceeded
	g.outputs[id] = output
	return nil
}

// MarkFailed stores the error and transitions the task to Failed.
func (g *Graph) MarkFailed(id string, taskErr error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkTransition(id, StatusFailed, StatusRunning, StatusReady); err != nil {
		return err
	}
	g.status[id] = StatusFailed
	g.errs[id] = taskErr
	return nil
}

// MarkSkipped transitions a not-yet-running task to Skipped.
func (g *Graph) MarkSkipped(id string) error {
	return g.transition(id, StatusSkipped, StatusPending, StatusReady)
}

func (g *Graph) transition(id string, to Status, from ...Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkTransition(id, to, from...); err != nil {
		return err
	}
	g.status[id] = to
	return nil
}

// checkTransition validates a status transition. Caller holds the mutex.
func (g *Graph) checkTransition(id string, to Status, from ...Status) error {
	cur, exists := g.status[id]
	if !exists {
		return fmt.Errorf("unknown task %s", id)
	}
	for _, f := range from {
		if cur == f {
			return nil
		}
	}
	return fmt.Errorf("task %s: invalid transition %s -> %s", id, cur, to)
}

// SkipDependents cascades a skip from a failed or skipped task: direct
// dependents are skipped unconditionally, and the skip propagates through
// dependents that do not tolerate skipped predecessors. Only Pending and
// Ready tasks are affected. Returns the IDs skipped, in cascade order.
func (g *Graph) SkipDependents(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var skipped []string
	queue := append([]string(nil), g.deps[id]...)
	direct := len(queue)

	for i := 0; i < len(queue); i++ {
		dep := queue[i]
		if s := g.status[dep]; s != StatusPending && s != StatusReady {
			continue
		}
		// Beyond the direct dependents, skip-tolerant tasks survive.
		if i >= direct && g.tasks[dep].TolerateSkipped {
			continue
		}
		g.status[dep] = StatusSkipped
		skipped = append(skipped, dep)
		queue = append(queue, g.deps[dep]...)
	}

	return skipped
}

// RecordUsage stores per-task tool consumption counters.
func (g *Graph) RecordUsage(id string, u Usage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage[id] = u
}

// Status returns the current status of a task.
func (g *Graph) Status(id string) (Status, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.status[id]
	return s, ok
}

// Output returns the validated output of a Succeeded task.
func (g *Graph) Output(id string) (*schema.Output, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.outputs[id]
	return o, ok
}

// Err returns the terminal error of a Failed task.
func (g *Graph) Err(id string) (error, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.errs[id]
	return e, ok
}

// Usage returns the recorded tool consumption of a task.
func (g *Graph) Usage(id string) Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usage[id]
}

// Task returns the task record by ID.
func (g *Graph) Task(id string) (*Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	return t, ok
}

// Tasks returns all tasks in insertion order.
func (g *Graph) Tasks() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// Predecessors returns the predecessor IDs of a task.
func (g *Graph) Predecessors(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.preds[id]...)
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.order)
}

// CountPending returns how many tasks are still Pending.
func (g *Graph) CountPending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, s := range g.status {
		if s == StatusPending {
			n++
		}
	}
	return n
}

// AllTerminal reports whether every task has reached a terminal status.
func (g *Graph) AllTerminal() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.status {
		if !s.Terminal() {
			return false
		}
	}
	return true
}
