package handlers

import (
	"net/http"

	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/expression"
	"github.com/davidroman0O/tokenflow/internal/registry"
)

const HandlerLog = "log"

// Log writes its inputs to the task logger and returns them, which makes it a
// convenient stand-in for user tasks.
type Log struct{}

func (Log) Execute(tc *registry.TaskContext) (map[string]any, error) {
	kv := make([]interface{}, 0, len(tc.Inputs)*2+4)
	kv = append(kv, "node_id", tc.NodeID, "attempt", tc.Attempt)
	for k, v := range tc.Inputs {
		kv = append(kv, k, v)
	}
	tc.Logger.Info(tc, "task", kv...)
	return tc.Inputs, nil
}

type options struct {
	client *http.Client
	sender Sender
	eval   *expression.Evaluator
}

type Option func(*options)

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

func WithSender(s Sender) Option {
	return func(o *options) { o.sender = s }
}

func WithEvaluator(e *expression.Evaluator) Option {
	return func(o *options) { o.eval = e }
}

// Register adds the built-in handlers that are not registered yet, so hosts can
// override any of them beforehand.
func Register(r *registry.Registry, opts ...Option) error {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.eval == nil {
		o.eval = expression.New()
	}
	builtins := map[string]registry.Handler{
		definition.HandlerScript: NewScript(o.eval),
		definition.HandlerHttp:   NewHTTP(o.client, o.eval),
		definition.HandlerEmail:  NewEmail(o.sender),
		HandlerLog:               Log{},
	}
	for typ, h := range builtins {
		if r.IsRegistered(typ) {
			continue
		}
		if err := r.Register(typ, h); err != nil {
			return err
		}
	}
	return nil
}
