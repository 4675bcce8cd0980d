package registry

import (
	"context"

	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/logs"
)

// TaskContext is what a handler sees of the instance. Variables are a
// read-only snapshot: handlers write only through their declared outputs.
type TaskContext struct {
	context.Context

	InstanceID string
	TokenID    string
	NodeID     string
	Kind       definition.Kind
	Handler    string
	Attempt    int
	// Inputs are the evaluated input mapping of the node.
	Inputs map[string]any
	Config definition.NodeConfig
	// Outputs recorded by the execution being compensated, nil otherwise.
	Outputs map[string]any
	Logger  logs.Logger

	vars map[string]any
}

type TaskContextParams struct {
	InstanceID string
	TokenID    string
	NodeID     string
	Kind       definition.Kind
	Handler    string
	Attempt    int
	Inputs     map[string]any
	Outputs    map[string]any
	Config     definition.NodeConfig
	Variables  map[string]any
	Logger     logs.Logger
}

func NewTaskContext(ctx context.Context, p TaskContextParams) *TaskContext {
	vars := make(map[string]any, len(p.Variables))
	for k, v := range p.Variables {
		vars[k] = v
	}
	inputs := p.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	logger := p.Logger
	if logger == nil {
		logger = logs.Nop()
	}
	return &TaskContext{
		Context:    ctx,
		InstanceID: p.InstanceID,
		TokenID:    p.TokenID,
		NodeID:     p.NodeID,
		Kind:       p.Kind,
		Handler:    p.Handler,
		Attempt:    p.Attempt,
		Inputs:     inputs,
		Outputs:    p.Outputs,
		Config:     p.Config,
		Logger:     logger,
		vars:       vars,
	}
}

func (tc *TaskContext) Var(name string) (any, bool) {
	v, ok := tc.vars[name]
	return v, ok
}

// Vars returns a copy of the visible variables.
func (tc *TaskContext) Vars() map[string]any {
	out := make(map[string]any, len(tc.vars))
	for k, v := range tc.vars {
		out[k] = v
	}
	return out
}

func (tc *TaskContext) Input(name string) (any, bool) {
	v, ok := tc.Inputs[name]
	return v, ok
}

// MapOutputs keeps only declared outputs. mapping is variable -> result key.
func MapOutputs(result map[string]any, mapping map[string]string) map[string]any {
	out := make(map[string]any, len(mapping))
	for variable, key := range mapping {
		if v, ok := result[key]; ok {
			out[variable] = v
		}
	}
	return out
}
