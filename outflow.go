// Package outflow provides a high-level façade over the core engine and its
// collaborators (model dispatch, tool invocation, agent registry) enabling
// rapid construction of multi-agent task workflows. Most applications
// interact with this package by:
//  1. Creating an Outflow via New() (optionally overriding policy, logging, metrics)
//  2. Registering models, agents and tools
//  3. Building a task graph and running it with Submit
//
// The façade delegates scheduling and failure policy to engine.Engine while
// keeping setup ergonomics concise. Defaults are safe for local development
// and testing; production deployments typically supply a structured logger,
// a metrics registerer and real provider adapters.
package outflow

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/versionhq/outflow/agent"
	"github.com/versionhq/outflow/config"
	"github.com/versionhq/outflow/engine"
	"github.com/versionhq/outflow/graph"
	"github.com/versionhq/outflow/logging"
	"github.com/versionhq/outflow/metrics"
	"github.com/versionhq/outflow/model"
	"github.com/versionhq/outflow/tool"
)

// Options configures the Outflow instance.
type Options struct {
	// MaxConcurrentTasks limits how many tasks execute simultaneously.
	MaxConcurrentTasks int

	// MaxToolRounds bounds the model/tool exchanges within a single task.
	MaxToolRounds int

	// MaxValidationRetries is how many times a task re-asks the model after
	// failed output validation.
	MaxValidationRetries int

	// MaxOutputRepairs bounds the repair passes applied to malformed
	// structured output before a validation retry is spent.
	MaxOutputRepairs int

	// FailOpen selects the failure policy: skip a failed task's dependents
	// and keep going (true) or abort the run (false).
	FailOpen bool

	// DispatchTimeout bounds each individual model call.
	DispatchTimeout time.Duration

	// ToolTimeout bounds each individual tool execution.
	ToolTimeout time.Duration

	// CacheToolResults reuses prior successful tool results for identical
	// calls. Only enable when every registered tool is pure.
	CacheToolResults bool

	// Logger defaults to NoOpLogger if nil.
	Logger logging.Logger

	// MetricsRegisterer, when set, enables Prometheus instrumentation of
	// tasks, model dispatches and tool calls.
	MetricsRegisterer prometheus.Registerer
}

// Outflow is the high-level façade aggregating the engine and its collaborators.
type Outflow struct {
	opts       Options
	registry   *agent.Registry
	dispatcher *model.Dispatcher
	invoker    *tool.Invoker
	engine     *engine.Engine
}

// New creates a new Outflow instance with optional overrides.
func New(optFns ...func(o *Options)) *Outflow {
	return newWith(agent.NewRegistry(), optFns...)
}

func newWith(registry *agent.Registry, optFns ...func(o *Options)) *Outflow {
	opts := Options{
		FailOpen: true,
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	var rec *metrics.Recorder
	if opts.MetricsRegisterer != nil {
		rec = metrics.NewRecorder(opts.MetricsRegisterer)
	}

	dispatcher := model.NewDispatcher(func(o *model.DispatcherOptions) {
		if opts.DispatchTimeout > 0 {
			o.Timeout = opts.DispatchTimeout
		}
		o.Logger = opts.Logger
		o.Metrics = rec
	})

	invoker := tool.NewInvoker(func(o *tool.InvokerOptions) {
		if opts.ToolTimeout > 0 {
			o.Timeout = opts.ToolTimeout
		}
		o.CacheResults = opts.CacheToolResults
		o.Logger = opts.Logger
		o.Metrics = rec
	})

	eng := engine.New(registry, dispatcher, invoker, func(o *engine.Options) {
		if opts.MaxConcurrentTasks > 0 {
			o.MaxConcurrentTasks = opts.MaxConcurrentTasks
		}
		if opts.MaxToolRounds > 0 {
			o.MaxToolRounds = opts.MaxToolRounds
		}
		if opts.MaxValidationRetries > 0 {
			o.MaxValidationRetries = opts.MaxValidationRetries
		}
		if opts.MaxOutputRepairs > 0 {
			o.MaxOutputRepairs = opts.MaxOutputRepairs
		}
		o.FailOpen = opts.FailOpen
		o.Logger = opts.Logger
		o.Metrics = rec
	})

	return &Outflow{
		opts:       opts,
		registry:   registry,
		dispatcher: dispatcher,
		invoker:    invoker,
		engine:     eng,
	}
}

// RegisterModel adds a model adapter under the given identifier.
func (f *Outflow) RegisterModel(id string, m model.Model) error {
	return f.dispatcher.Register(id, m)
}

// RegisterAgent adds an agent definition to the registry.
func (f *Outflow) RegisterAgent(def agent.Definition) error {
	return f.registry.Register(def)
}

// RegisterTool adds a tool implementation to the invoker.
func (f *Outflow) RegisterTool(t tool.Tool) error {
	return f.invoker.Register(t)
}

// Submit executes the task graph and blocks until every task is terminal or
// the run aborts. The registry is frozen on the first submission.
func (f *Outflow) Submit(ctx context.Context, g *graph.Graph) (*engine.WorkflowResult, error) {
	return f.engine.Run(ctx, g)
}

// LoadWorkflow builds an Outflow plus a ready-to-submit graph from a YAML
// workflow document. Tool implementations for every name the document
// declares must be registered before Submit.
func LoadWorkflow(data []byte, optFns ...func(o *Options)) (*Outflow, *graph.Graph, error) {
	wf, err := config.Load(data)
	if err != nil {
		return nil, nil, err
	}

	f := newWith(wf.Registry, append(optFns, func(o *Options) {
		if wf.Policy.MaxConcurrentTasks > 0 {
			o.MaxConcurrentTasks = wf.Policy.MaxConcurrentTasks
		}
		if wf.Policy.MaxToolRounds > 0 {
			o.MaxToolRounds = wf.Policy.MaxToolRounds
		}
		if wf.Policy.MaxValidationRetries > 0 {
			o.MaxValidationRetries = wf.Policy.MaxValidationRetries
		}
		if wf.Policy.MaxOutputRepairs > 0 {
			o.MaxOutputRepairs = wf.Policy.MaxOutputRepairs
		}
		if wf.Policy.FailOpen != nil {
			o.FailOpen = *wf.Policy.FailOpen
		}
		if wf.Policy.DispatchTimeout > 0 {
			o.DispatchTimeout = time.Duration(wf.Policy.DispatchTimeout)
		}
		if wf.Policy.ToolTimeout > 0 {
			o.ToolTimeout = time.Duration(wf.Policy.ToolTimeout)
		}
		if wf.Policy.CacheToolResults {
			o.CacheToolResults = true
		}
	})...)

	for id, m := range wf.Models {
		if err := f.dispatcher.Register(id, m); err != nil {
			return nil, nil, fmt.Errorf("register model %s: %w", id, err)
		}
	}

	return f, wf.Graph, nil
}
