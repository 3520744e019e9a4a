// Package config loads a declarative workflow document from YAML and turns it
// into the runtime pieces the engine executes: a frozen agent registry, a
// task graph and the execution policy.
//
// Every reference in the document is resolved at load time. An agent naming
// an unknown model, a task naming an unknown agent or a tool outside its
// agent's permitted set is a load error, never a dispatch-time surprise.
package config

import (
	"bytes"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/versionhq/outflow/agent"
	"github.com/versionhq/outflow/graph"
	"github.com/versionhq/outflow/model"
	anthropicmodel "github.com/versionhq/outflow/model/anthropic"
	openaimodel "github.com/versionhq/outflow/model/openai"
	"github.com/versionhq/outflow/schema"
)

// ModelConfig declares one model binding available to agents.
type ModelConfig struct {
	Provider    string  `yaml:"provider" validate:"required,oneof=openai anthropic mock"`
	Model       string  `yaml:"model" validate:"required"`
	APIKey      string  `yaml:"api_key,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty" validate:"gte=0,lte=2"`
	MaxTokens   int64   `yaml:"max_tokens,omitempty" validate:"gte=0"`
}

// AgentConfig declares one agent definition.
type AgentConfig struct {
	Role          string   `yaml:"role" validate:"required"`
	Model         string   `yaml:"model" validate:"required"`
	FallbackModel string   `yaml:"fallback_model,omitempty"`
	Tools         []string `yaml:"tools,omitempty"`
	Temperature   *float64 `yaml:"temperature,omitempty"`
	MaxTokens     int64    `yaml:"max_tokens,omitempty" validate:"gte=0"`
}

// FieldConfig declares one field of a task's expected output.
type FieldConfig struct {
	Name        string `yaml:"name" validate:"required"`
	Type        string `yaml:"type" validate:"required,oneof=string integer number boolean array object"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description,omitempty"`
}

// TaskConfig declares one task of the workflow.
type TaskConfig struct {
	ID              string        `yaml:"id" validate:"required"`
	Agent           string        `yaml:"agent" validate:"required"`
	Input           string        `yaml:"input" validate:"required"`
	Context         string        `yaml:"context,omitempty"`
	DependsOn       []string      `yaml:"depends_on,omitempty"`
	Tools           []string      `yaml:"tools,omitempty"`
	TolerateSkipped bool          `yaml:"tolerate_skipped,omitempty"`
	Output          []FieldConfig `yaml:"output,omitempty" validate:"dive"`
}

// PolicyConfig declares the execution policy knobs. Zero values fall back to
// the engine defaults.
type PolicyConfig struct {
	FailOpen             *bool    `yaml:"fail_open,omitempty"`
	MaxConcurrentTasks   int      `yaml:"max_concurrent_tasks,omitempty" validate:"gte=0"`
	MaxToolRounds        int      `yaml:"max_tool_rounds,omitempty" validate:"gte=0"`
	MaxValidationRetries int      `yaml:"max_validation_retries,omitempty" validate:"gte=0"`
	MaxOutputRepairs     int      `yaml:"max_output_repairs,omitempty" validate:"gte=0"`
	DispatchTimeout      Duration `yaml:"dispatch_timeout,omitempty"`
	ToolTimeout          Duration `yaml:"tool_timeout,omitempty"`
	CacheToolResults     bool     `yaml:"cache_tool_results,omitempty"`
}

// Duration is a time.Duration that unmarshals from Go duration strings such
// as "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	if parsed < 0 {
		return fmt.Errorf("duration %q must not be negative", raw)
	}

	*d = Duration(parsed)

	return nil
}

// Document is the top-level YAML workflow document.
type Document struct {
	Models map[string]ModelConfig `yaml:"models" validate:"required,min=1,dive"`
	Tools  []string               `yaml:"tools,omitempty"`
	Agents map[string]AgentConfig `yaml:"agents" validate:"required,min=1,dive"`
	Tasks  []TaskConfig           `yaml:"tasks" validate:"required,min=1,dive"`
	Policy PolicyConfig           `yaml:"policy,omitempty"`
}

// Workflow is the loaded, cross-checked runtime form of a Document. Models
// are built adapters keyed by their document ID; the caller registers them on
// a Dispatcher together with implementations for ToolNames.
type Workflow struct {
	Registry  *agent.Registry
	Graph     *graph.Graph
	Models    map[string]model.Model
	ToolNames []string
	Policy    PolicyConfig
}

var validate = validator.New()

// Load parses, validates and cross-checks a YAML workflow document, then
// builds the registry, graph and model adapters. Unknown YAML keys are
// rejected.
func Load(data []byte) (*Workflow, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse workflow document: %w", err)
	}

	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid workflow document: %w", err)
	}

	if err := crossCheck(&doc); err != nil {
		return nil, err
	}

	return build(&doc)
}

// crossCheck resolves every reference in the document.
func crossCheck(doc *Document) error {
	toolSet := make(map[string]bool, len(doc.Tools))
	for _, name := range doc.Tools {
		if toolSet[name] {
			return fmt.Errorf("tool %s declared twice", name)
		}
		toolSet[name] = true
	}

	for name, a := range doc.Agents {
		if _, ok := doc.Models[a.Model]; !ok {
			return fmt.Errorf("agent %s: unknown model %s", name, a.Model)
		}
		if a.FallbackModel != "" {
			if _, ok := doc.Models[a.FallbackModel]; !ok {
				return fmt.Errorf("agent %s: unknown fallback model %s", name, a.FallbackModel)
			}
		}
		for _, t := range a.Tools {
			if !toolSet[t] {
				return fmt.Errorf("agent %s: unknown tool %s", name, t)
			}
		}
	}

	taskIDs := make(map[string]bool, len(doc.Tasks))
	for _, t := range doc.Tasks {
		if taskIDs[t.ID] {
			return fmt.Errorf("task %s declared twice", t.ID)
		}
		taskIDs[t.ID] = true
	}

	for _, t := range doc.Tasks {
		a, ok := doc.Agents[t.Agent]
		if !ok {
			return fmt.Errorf("task %s: unknown agent %s", t.ID, t.Agent)
		}
		agentTools := make(map[string]bool, len(a.Tools))
		for _, name := range a.Tools {
			agentTools[name] = true
		}
		for _, name := range t.Tools {
			if !agentTools[name] {
				return fmt.Errorf("task %s: tool %s is not permitted for agent %s", t.ID, name, t.Agent)
			}
		}
		for _, dep := range t.DependsOn {
			if !taskIDs[dep] {
				return fmt.Errorf("task %s: unknown dependency %s", t.ID, dep)
			}
		}
	}

	return nil
}

// build assembles the runtime pieces from a cross-checked document.
func build(doc *Document) (*Workflow, error) {
	registry := agent.NewRegistry()
	for name, a := range doc.Agents {
		def := agent.Definition{
			Name:           name,
			Role:           a.Role,
			Model:          a.Model,
			FallbackModel:  a.FallbackModel,
			PermittedTools: a.Tools,
			Temperature:    a.Temperature,
			MaxTokens:      a.MaxTokens,
		}
		if err := registry.Register(def); err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
	}
	registry.Freeze()

	g := graph.New()
	// Tasks first, edges second, so declaration order in the document does
	// not have to be topological.
	for _, t := range doc.Tasks {
		task := &graph.Task{
			ID:              t.ID,
			Agent:           t.Agent,
			Input:           t.Input,
			Context:         t.Context,
			Tools:           t.Tools,
			TolerateSkipped: t.TolerateSkipped,
			OutputSchema:    buildSchema(t.Output),
		}
		if err := g.Add(task); err != nil {
			return nil, err
		}
	}
	for _, t := range doc.Tasks {
		for _, dep := range t.DependsOn {
			if err := g.AddDependency(t.ID, dep); err != nil {
				return nil, err
			}
		}
	}

	models := make(map[string]model.Model, len(doc.Models))
	for id, mc := range doc.Models {
		models[id] = buildModel(id, mc)
	}

	return &Workflow{
		Registry:  registry,
		Graph:     g,
		Models:    models,
		ToolNames: doc.Tools,
		Policy:    doc.Policy,
	}, nil
}

// buildSchema converts declared output fields into a Schema, nil when none.
func buildSchema(fields []FieldConfig) *schema.Schema {
	if len(fields) == 0 {
		return nil
	}
	out := make([]schema.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, schema.Field{
			Name:        f.Name,
			Type:        schema.FieldType(f.Type),
			Required:    f.Required,
			Description: f.Description,
		})
	}
	return schema.New(out...)
}

// buildModel constructs the provider adapter for one model binding.
func buildModel(id string, mc ModelConfig) model.Model {
	switch mc.Provider {
	case "openai":
		return openaimodel.NewModel(func(o *openaimodel.Options) {
			o.Model = mc.Model
			o.APIKey = mc.APIKey
			if mc.Temperature > 0 {
				o.Temperature = mc.Temperature
			}
			if mc.MaxTokens > 0 {
				o.MaxCompletionTokens = mc.MaxTokens
			}
		})
	case "anthropic":
		return anthropicmodel.NewModel(func(o *anthropicmodel.Options) {
			o.Model = anthropic.Model(mc.Model)
			o.APIKey = mc.APIKey
			if mc.Temperature > 0 {
				o.Temperature = mc.Temperature
			}
			if mc.MaxTokens > 0 {
				o.MaxTokens = mc.MaxTokens
			}
		})
	default:
		return model.NewMockModel(id, "mock")
	}
}
