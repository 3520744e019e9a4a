// Package engine drives a task graph to completion: it computes the ready
// frontier, runs tasks on bounded worker goroutines, feeds tool calls through
// the invoker, validates structured output and applies the configured failure
// policy (fail-open skips the failed task's downstream cone, fail-closed
// aborts the run).
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/versionhq/outflow/agent"
	"github.com/versionhq/outflow/graph"
	"github.com/versionhq/outflow/logging"
	"github.com/versionhq/outflow/metrics"
	"github.com/versionhq/outflow/model"
	"github.com/versionhq/outflow/schema"
	"github.com/versionhq/outflow/tool"
)

// WorkflowStatus is the terminal state of a workflow run.
type WorkflowStatus string

const (
	// StatusCompleted means every task succeeded.
	StatusCompleted WorkflowStatus = "completed"
	// StatusPartiallyCompleted means the run finished with some tasks failed
	// or skipped under the fail-open policy.
	StatusPartiallyCompleted WorkflowStatus = "partially_completed"
	// StatusAborted means the run stopped early, either by a fail-closed
	// failure or by cancellation of the caller's context.
	StatusAborted WorkflowStatus = "aborted"
)

// Error kinds surfaced in TaskResult for failures the engine itself produces.
// Model and tool failures carry their own codes through unchanged.
const (
	// ErrKindCancelled marks a task that failed because the run was cancelled.
	ErrKindCancelled = "CANCELLED"
	// ErrKindTaskFailed is the fallback kind for unclassified task errors.
	ErrKindTaskFailed = "TASK_FAILED"
)

// ErrUnresolvableGraph is returned when no task is ready, none is running and
// non-terminal tasks remain. Graph construction rules make this unreachable
// for well-formed graphs; it exists so a logic error stalls loudly instead of
// hanging the run.
var ErrUnresolvableGraph = errors.New("workflow graph is unresolvable: tasks remain but none can become ready")

// TaskResult is the per-task record in a WorkflowResult.
type TaskResult struct {
	TaskID     string         `json:"task_id"`
	Status     graph.Status   `json:"status"`
	Raw        string         `json:"raw,omitempty"`    // Raw model text of a succeeded task
	Output     map[string]any `json:"output,omitempty"` // Parsed object when a schema was declared
	ErrKind    string         `json:"err_kind,omitempty"`
	Err        error          `json:"-"`
	ToolCalls  int            `json:"tool_calls,omitempty"`
	ToolRounds int            `json:"tool_rounds,omitempty"`
	Duration   time.Duration  `json:"duration"`
}

// WorkflowResult is the outcome of one Run.
type WorkflowResult struct {
	WorkflowID string                `json:"workflow_id"`
	Status     WorkflowStatus        `json:"status"`
	Tasks      map[string]TaskResult `json:"tasks"`
	Duration   time.Duration         `json:"duration"`
}

// Failed returns the results of tasks that ended in Failed, in no particular order.
func (r *WorkflowResult) Failed() []TaskResult {
	var out []TaskResult
	for _, tr := range r.Tasks {
		if tr.Status == graph.StatusFailed {
			out = append(out, tr)
		}
	}
	return out
}

// Options configures an Engine instance.
type Options struct {
	// MaxConcurrentTasks bounds how many tasks run at once.
	MaxConcurrentTasks int

	// MaxToolRounds bounds how many model/tool exchanges a single task may
	// perform before it fails.
	MaxToolRounds int

	// MaxValidationRetries is how many times a task re-asks the model after
	// its output failed schema validation.
	MaxValidationRetries int

	// MaxOutputRepairs bounds the local repair passes schema validation runs
	// before re-asking or failing.
	MaxOutputRepairs int

	// FailOpen selects the failure policy. True skips a failed task's
	// dependents and keeps going; false aborts the whole run.
	FailOpen bool

	// Logger defaults to NoOpLogger if nil.
	Logger logging.Logger

	// Metrics may be nil; recording is then a no-op.
	Metrics *metrics.Recorder
}

// Engine executes task graphs against a registry of agents, a model
// dispatcher and a tool invoker.
type Engine struct {
	registry   *agent.Registry
	dispatcher *model.Dispatcher
	invoker    *tool.Invoker
	opts       Options
}

// New creates an Engine. Defaults: 10 concurrent tasks, 5 tool rounds,
// 1 validation retry, 2 output repair passes, fail-open.
func New(registry *agent.Registry, dispatcher *model.Dispatcher, invoker *tool.Invoker, optFns ...func(o *Options)) *Engine {
	opts := Options{
		MaxConcurrentTasks:   10,
		MaxToolRounds:        5,
		MaxValidationRetries: 1,
		MaxOutputRepairs:     2,
		FailOpen:             true,
		Logger:               logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxConcurrentTasks < 1 {
		opts.MaxConcurrentTasks = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Engine{
		registry:   registry,
		dispatcher: dispatcher,
		invoker:    invoker,
		opts:       opts,
	}
}

// outcome is what a task worker reports back to the run loop.
type outcome struct {
	taskID   string
	output   *schema.Output
	usage    graph.Usage
	duration time.Duration
	err      error
}

// Run executes the graph until every task is terminal. The registry is frozen
// on entry. The returned result is non-nil whenever execution started; the
// error is reserved for structural problems found before or during
// scheduling, never for individual task failures.
func (e *Engine) Run(ctx context.Context, g *graph.Graph) (*WorkflowResult, error) {
	if g == nil || g.Len() == 0 {
		return nil, fmt.Errorf("graph must contain at least one task")
	}

	if err := e.preflight(g); err != nil {
		return nil, err
	}

	e.registry.Freeze()

	wid := uuid.NewString()
	start := time.Now()

	log := e.opts.Logger
	log.Info("workflow started", "workflow_id", wid, "tasks", g.Len())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, e.opts.MaxConcurrentTasks)
	results := make(chan outcome)
	durations := make(map[string]time.Duration, g.Len())

	inFlight := 0
	aborted := false

	for {
		if !aborted {
			for _, t := range g.Ready() {
				if err := g.MarkRunning(t.ID); err != nil {
					return nil, err
				}
				inFlight++
				go func(t *graph.Task) {
					sem <- struct{}{}
					defer func() { <-sem }()
					results <- e.runTask(runCtx, wid, g, t)
				}(t)
			}
		}

		if inFlight == 0 {
			if aborted {
				e.skipRemaining(g)
				break
			}
			if g.AllTerminal() {
				break
			}
			return nil, ErrUnresolvableGraph
		}

		oc := <-results
		inFlight--
		durations[oc.taskID] = oc.duration
		g.RecordUsage(oc.taskID, oc.usage)

		if oc.err == nil {
			if err := g.MarkSucceeded(oc.taskID, oc.output); err != nil {
				return nil, err
			}
			e.opts.Metrics.TaskDone(graph.StatusSucceeded.String(), oc.duration)
			continue
		}

		if err := g.MarkFailed(oc.taskID, oc.err); err != nil {
			return nil, err
		}
		e.opts.Metrics.TaskDone(graph.StatusFailed.String(), oc.duration)
		log.Error("task failed", "workflow_id", wid, "task_id", oc.taskID, "error", oc.err)

		if ctx.Err() != nil {
			aborted = true
			continue
		}

		if e.opts.FailOpen {
			skipped := g.SkipDependents(oc.taskID)
			for _, id := range skipped {
				log.Warn("task skipped", "workflow_id", wid, "task_id", id, "cause", oc.taskID)
				e.opts.Metrics.TaskDone(graph.StatusSkipped.String(), 0)
			}
			continue
		}

		aborted = true
		cancel()
	}

	res := e.buildResult(wid, g, durations, aborted, time.Since(start))

	var runErr error
	if failed := res.Failed(); len(failed) > 0 {
		runErr = failed[0].Err
	}
	logging.RecordWorkflowRun(log, string(res.Status), g.Len(), res.Duration, runErr)
	log.Info("workflow finished",
		"workflow_id", wid,
		"status", string(res.Status),
		"duration", res.Duration,
	)

	return res, nil
}

// preflight validates every binding the graph references before anything runs:
// agents exist, their models (and fallbacks) are registered, and per-task tool
// restrictions stay inside the agent's permitted set.
func (e *Engine) preflight(g *graph.Graph) error {
	for _, t := range g.Tasks() {
		def, ok := e.registry.Get(t.Agent)
		if !ok {
			return fmt.Errorf("task %s: unknown agent %s", t.ID, t.Agent)
		}
		if _, ok := e.dispatcher.Get(def.Model); !ok {
			return fmt.Errorf("task %s: agent %s references unknown model %s", t.ID, def.Name, def.Model)
		}
		if def.FallbackModel != "" {
			if _, ok := e.dispatcher.Get(def.FallbackModel); !ok {
				return fmt.Errorf("task %s: agent %s references unknown fallback model %s", t.ID, def.Name, def.FallbackModel)
			}
		}
		for _, name := range t.Tools {
			if !def.Permits(name) {
				return fmt.Errorf("task %s: tool %s is not permitted for agent %s", t.ID, name, def.Name)
			}
			if !e.invoker.Has(name) {
				return fmt.Errorf("task %s: tool %s is not registered", t.ID, name)
			}
		}
	}
	return nil
}

// skipRemaining marks every still Pending or Ready task as Skipped after an abort.
func (e *Engine) skipRemaining(g *graph.Graph) {
	for _, t := range g.Tasks() {
		if s, _ := g.Status(t.ID); s == graph.StatusPending || s == graph.StatusReady {
			_ = g.MarkSkipped(t.ID)
			e.opts.Metrics.TaskDone(graph.StatusSkipped.String(), 0)
		}
	}
}

// runTask performs the full model/tool loop for one task and reports the outcome.
func (e *Engine) runTask(ctx context.Context, wid string, g *graph.Graph, t *graph.Task) outcome {
	start := time.Now()
	fail := func(err error) outcome {
		return outcome{taskID: t.ID, duration: time.Since(start), err: err}
	}

	def, ok := e.registry.Get(t.Agent)
	if !ok {
		return fail(fmt.Errorf("unknown agent %s", t.Agent))
	}

	req := e.buildRequest(def, g, t)
	var usage graph.Usage
	retriesLeft := e.opts.MaxValidationRetries

	for {
		resp, err := e.complete(ctx, def, req)
		if err != nil {
			oc := fail(err)
			oc.usage = usage
			return oc
		}

		if len(resp.ToolCalls) > 0 {
			if usage.ToolRounds >= e.opts.MaxToolRounds {
				oc := fail(fmt.Errorf("task %s: exceeded %d tool call rounds", t.ID, e.opts.MaxToolRounds))
				oc.usage = usage
				return oc
			}
			usage.ToolRounds++

			req.Messages = append(req.Messages, model.Message{
				Role:      model.RoleAssistant,
				Text:      resp.Text,
				ToolCalls: resp.ToolCalls,
			})

			toolResults := make([]model.ToolResult, 0, len(resp.ToolCalls))
			for _, call := range resp.ToolCalls {
				usage.ToolCalls++

				res, callErr := e.invoker.Invoke(ctx, call, def, t.Tools)
				if callErr != nil {
					// A denied call ends the task; the model does not get to
					// retry its way around a permission boundary. Other tool
					// failures are reported back so the model can adapt.
					var te *tool.ToolError
					if errors.As(callErr, &te) && te.Code == tool.CodeNotPermitted {
						oc := fail(callErr)
						oc.usage = usage
						return oc
					}
					toolResults = append(toolResults, model.ToolResult{
						ID:    call.ID,
						Name:  call.Name,
						Error: callErr.Error(),
					})
					continue
				}

				toolResults = append(toolResults, model.ToolResult{
					ID:      res.ID,
					Name:    res.Name,
					Content: res.Serialize(),
				})
			}

			req.Messages = append(req.Messages, model.Message{
				Role:        model.RoleTool,
				ToolResults: toolResults,
			})
			continue
		}

		if t.OutputSchema == nil {
			out := &schema.Output{Raw: resp.Text}
			e.finish(t, out)
			return outcome{taskID: t.ID, output: out, usage: usage, duration: time.Since(start)}
		}

		out, err := t.OutputSchema.Validate(resp.Text, e.opts.MaxOutputRepairs)
		if err == nil {
			e.finish(t, out)
			return outcome{taskID: t.ID, output: out, usage: usage, duration: time.Since(start)}
		}

		var ve *schema.ViolationError
		if errors.As(err, &ve) && retriesLeft > 0 {
			retriesLeft--
			req.Messages = append(req.Messages,
				model.Message{Role: model.RoleAssistant, Text: resp.Text},
				model.Message{
					Role: model.RoleUser,
					Text: fmt.Sprintf("Your previous reply did not match the required output format: %s. Reply again with only the corrected JSON object.\n\n%s",
						ve.Message, t.OutputSchema.PromptHint()),
				},
			)
			continue
		}

		oc := fail(err)
		oc.usage = usage
		return oc
	}
}

// finish runs the task's success callback, shielding the run from a panicking
// callback implementation.
func (e *Engine) finish(t *graph.Task, out *schema.Output) {
	if t.Callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.opts.Logger.Warn("task callback panicked", "task_id", t.ID, "panic", r)
		}
	}()
	t.Callback(out)
}

// complete dispatches the request through the agent's model binding.
func (e *Engine) complete(ctx context.Context, def agent.Definition, req model.Request) (*model.Response, error) {
	if def.FallbackModel != "" {
		return e.dispatcher.DispatchWithFallback(ctx, def.Model, def.FallbackModel, req)
	}
	return e.dispatcher.Dispatch(ctx, def.Model, req)
}

// buildRequest assembles the normalized model request for a task: the agent's
// role as instructions, a single user message composed of the task context,
// predecessor outputs and the task input, and the tool definitions in scope.
func (e *Engine) buildRequest(def agent.Definition, g *graph.Graph, t *graph.Task) model.Request {
	var sb strings.Builder

	if t.Context != "" {
		sb.WriteString(t.Context)
		sb.WriteString("\n\n")
	}

	for _, p := range g.Predecessors(t.ID) {
		out, ok := g.Output(p)
		if !ok || out == nil || out.Raw == "" {
			continue // skipped predecessors contribute nothing
		}
		fmt.Fprintf(&sb, "Output of task %s:\n%s\n\n", p, out.Raw)
	}

	sb.WriteString(t.Input)

	if t.OutputSchema != nil {
		sb.WriteString("\n\n")
		sb.WriteString(t.OutputSchema.PromptHint())
	}

	return model.Request{
		Instructions: def.Role,
		Messages:     []model.Message{{Role: model.RoleUser, Text: sb.String()}},
		Tools:        e.invoker.Definitions(effectiveTools(def, t)),
		Temperature:  def.Temperature,
		MaxTokens:    def.MaxTokens,
	}
}

// effectiveTools returns the tool names in scope for a task: the agent's
// permitted set, narrowed by the task's restriction when one is declared.
func effectiveTools(def agent.Definition, t *graph.Task) []string {
	if t.Tools == nil {
		return def.PermittedTools
	}
	var out []string
	for _, name := range t.Tools {
		if def.Permits(name) {
			out = append(out, name)
		}
	}
	return out
}

// buildResult assembles the WorkflowResult from the graph's terminal state.
func (e *Engine) buildResult(wid string, g *graph.Graph, durations map[string]time.Duration, aborted bool, dur time.Duration) *WorkflowResult {
	res := &WorkflowResult{
		WorkflowID: wid,
		Tasks:      make(map[string]TaskResult, g.Len()),
		Duration:   dur,
	}

	allSucceeded := true
	for _, t := range g.Tasks() {
		st, _ := g.Status(t.ID)
		if st != graph.StatusSucceeded {
			allSucceeded = false
		}

		u := g.Usage(t.ID)
		tr := TaskResult{
			TaskID:     t.ID,
			Status:     st,
			ToolCalls:  u.ToolCalls,
			ToolRounds: u.ToolRounds,
			Duration:   durations[t.ID],
		}
		if out, ok := g.Output(t.ID); ok && out != nil {
			tr.Raw = out.Raw
			tr.Output = out.Dict
		}
		if err, ok := g.Err(t.ID); ok {
			tr.Err = err
			tr.ErrKind = errKind(err)
		}

		res.Tasks[t.ID] = tr
	}

	switch {
	case aborted:
		res.Status = StatusAborted
	case allSucceeded:
		res.Status = StatusCompleted
	default:
		res.Status = StatusPartiallyCompleted
	}

	return res
}

// errKind classifies a task error into the stable kind string reported in
// TaskResult. Dispatch and tool errors carry their own codes.
func errKind(err error) string {
	var de *model.DispatchError
	if errors.As(err, &de) {
		return de.Code
	}

	var te *tool.ToolError
	if errors.As(err, &te) {
		return te.Code
	}

	var ve *schema.ViolationError
	if errors.As(err, &ve) {
		return schema.CodeViolation
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrKindCancelled
	}

	return ErrKindTaskFailed
}
