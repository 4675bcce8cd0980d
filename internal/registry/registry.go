package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sasha-s/go-deadlock"
)

var (
	ErrHandlerNotRegistered = errors.New("handler not registered")
	ErrDuplicateHandler     = errors.New("handler already registered")
	ErrInvalidHandler       = errors.New("invalid handler")
)

// Handler executes one task-like node. The returned map is filtered through
// the node's declared output mapping before it reaches instance variables.
type Handler interface {
	Execute(tc *TaskContext) (map[string]any, error)
}

// Compensator is implemented by handlers that can undo a completed execution.
type Compensator interface {
	Compensate(tc *TaskContext) error
}

type HandlerFunc func(tc *TaskContext) (map[string]any, error)

func (f HandlerFunc) Execute(tc *TaskContext) (map[string]any, error) {
	return f(tc)
}

// Compensable pairs an execute and a compensate function.
type Compensable struct {
	Do   HandlerFunc
	Undo func(tc *TaskContext) error
}

func (c Compensable) Execute(tc *TaskContext) (map[string]any, error) {
	return c.Do(tc)
}

func (c Compensable) Compensate(tc *TaskContext) error {
	if c.Undo == nil {
		return nil
	}
	return c.Undo(tc)
}

// RegistryBuildFn is a function that builds a registry
type RegistryBuildFn func() (*Registry, error)

// Registry maps handler types to handlers. It is built once and injected; it
// stays open for registration so plugins can add handlers after definitions
// were compiled.
type Registry struct {
	mu       deadlock.RWMutex
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

func (r *Registry) Register(typ string, h Handler) error {
	if typ == "" || h == nil {
		return errors.Join(ErrInvalidHandler, fmt.Errorf("type %q", typ))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[typ]; ok {
		return errors.Join(ErrDuplicateHandler, fmt.Errorf("type %q", typ))
	}
	r.handlers[typ] = h
	return nil
}

func (r *Registry) RegisterFunc(typ string, fn HandlerFunc) error {
	return r.Register(typ, fn)
}

// Lookup resolves a handler at execution time.
func (r *Registry) Lookup(typ string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Join(ErrHandlerNotRegistered, fmt.Errorf("type %q", typ))
	}
	return h, nil
}

func (r *Registry) IsRegistered(typ string) bool {
	r.mu.RLock()
	_, ok := r.handlers[typ]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type registration struct {
	typ     string
	handler Handler
}

// RegistryBuilder collects handlers before building the registry
type RegistryBuilder struct {
	handlers []registration
}

func NewBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		handlers: make([]registration, 0),
	}
}

func (b *RegistryBuilder) Handler(typ string, h Handler) *RegistryBuilder {
	b.handlers = append(b.handlers, registration{typ: typ, handler: h})
	return b
}

func (b *RegistryBuilder) Func(typ string, fn HandlerFunc) *RegistryBuilder {
	return b.Handler(typ, fn)
}

// Build finalizes the registry and returns it
func (b *RegistryBuilder) Build() RegistryBuildFn {
	return func() (*Registry, error) {
		r := New()
		for _, h := range b.handlers {
			if err := r.Register(h.typ, h.handler); err != nil {
				return nil, err
			}
		}
		return r, nil
	}
}
