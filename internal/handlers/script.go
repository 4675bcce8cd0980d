package handlers

import (
	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/expression"
	"github.com/davidroman0O/tokenflow/internal/registry"
)

// Script runs the ordered assignments of a script node. Each assignment sees
// the results of the previous ones.
type Script struct {
	eval *expression.Evaluator
}

func NewScript(eval *expression.Evaluator) *Script {
	return &Script{eval: eval}
}

func (s *Script) Execute(tc *registry.TaskContext) (map[string]any, error) {
	cfg, ok := tc.Config.(*definition.ScriptConfig)
	if !ok {
		return nil, registry.PermanentFault(registry.CodeHandlerError, "script handler on %T", tc.Config)
	}
	env := tc.Vars()
	for k, v := range tc.Inputs {
		env[k] = v
	}
	out := make(map[string]any, len(cfg.Script))
	for _, a := range cfg.Script {
		v, err := s.eval.Eval(tc, a.Expression, env)
		if err != nil {
			return nil, registry.PermanentFault(registry.CodeExpression, "%s: %v", a.Variable, err)
		}
		env[a.Variable] = v
		out[a.Variable] = v
	}
	return out, nil
}

func templateEnv(tc *registry.TaskContext) map[string]any {
	env := tc.Vars()
	for k, v := range tc.Inputs {
		env[k] = v
	}
	return env
}

func missing(field string) error {
	return registry.PermanentFault(registry.CodeHandlerError, "%s is empty", field)
}
