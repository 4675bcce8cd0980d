package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/davidroman0O/tokenflow/internal/clock"
	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/expression"
	"github.com/davidroman0O/tokenflow/internal/logs"
	"github.com/davidroman0O/tokenflow/internal/registry"
	"github.com/davidroman0O/tokenflow/internal/state"
	"github.com/davidroman0O/tokenflow/internal/store"
	"github.com/davidroman0O/tokenflow/internal/waits"
)

var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrDefinitionExists   = errors.New("definition version already deployed")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrInstanceTerminal   = errors.New("instance is terminal")
	ErrMissingInput       = errors.New("missing required input")
	ErrInvalidTransition  = errors.New("invalid instance transition")
	ErrClosed             = errors.New("engine closed")
)

const (
	DefaultMaxCallDepth = 16
	DefaultMaxSteps     = 10000
	DefaultWorkers      = 8
)

// FaultFunc is told about every fault that no error handler took over.
type FaultFunc func(instanceID string, fault state.Fault)

type Config struct {
	Logger    logs.Logger
	Store     store.InstanceStore
	Registry  *registry.Registry
	Evaluator *expression.Evaluator
	Clock     clock.Source
	Workers   int
	// MaxCallDepth bounds nested call activities.
	MaxCallDepth int
	// MaxSteps bounds the token steps of one transaction, which stops
	// cycles that never wait.
	MaxSteps int
	OnFault  FaultFunc
}

type actor struct {
	mu   deadlock.Mutex
	refs int
}

// Engine schedules tokens of every instance. Events for one instance are
// applied one at a time under the instance lock; handler work runs on the
// worker pool and comes back as events.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	logger logs.Logger

	store    store.InstanceStore
	registry *registry.Registry
	eval     *expression.Evaluator
	clock    clock.Source
	waits    *waits.Service
	pool     *WorkerPool

	defsMu deadlock.RWMutex
	defs   map[string]map[int]*definition.Definition
	latest map[string]int

	actorsMu deadlock.Mutex
	actors   map[string]*actor

	inflightMu deadlock.Mutex
	inflight   map[string]map[string]context.CancelFunc

	waitersMu deadlock.Mutex
	waiters   map[string][]chan struct{}

	closed atomic.Bool
}

func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine needs an instance store")
	}
	if cfg.Logger == nil {
		cfg.Logger = logs.Nop()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = expression.New()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = DefaultMaxCallDepth
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}

	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		logger:   cfg.Logger,
		store:    cfg.Store,
		registry: cfg.Registry,
		eval:     cfg.Evaluator,
		defs:     map[string]map[int]*definition.Definition{},
		latest:   map[string]int{},
		actors:   map[string]*actor{},
		inflight: map[string]map[string]context.CancelFunc{},
		waiters:  map[string][]chan struct{}{},
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock(ctx, 50*time.Millisecond, func(err error) {
			e.logger.Error(ctx, "clock tick failed", "error", err)
		})
	}
	e.clock = cfg.Clock

	var err error
	e.logger.Debug(ctx, "Creating waits service")
	if e.waits, err = waits.New(e.clock, e.onWaitFired); err != nil {
		cancel()
		return nil, err
	}

	e.logger.Debug(ctx, "Creating worker pool", "workers", cfg.Workers)
	e.pool = NewWorkerPool(ctx, e.logger, cfg.Workers)

	e.clock.Add("waits", e.waits, clock.BestEffort, clock.WithName("waits"))
	e.clock.Start()
	return e, nil
}

// Deploy compiles raw and makes it startable. A zero version deploys the
// next version after the latest one.
func (e *Engine) Deploy(raw definition.Raw) (*definition.Definition, error) {
	def, err := definition.NewCompiler(e.eval).Compile(raw)
	if err != nil {
		return nil, err
	}

	e.defsMu.Lock()
	defer e.defsMu.Unlock()
	if raw.Version == 0 {
		def.Version = e.latest[def.ID] + 1
	}
	versions, ok := e.defs[def.ID]
	if !ok {
		versions = map[int]*definition.Definition{}
		e.defs[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return nil, errors.Join(ErrDefinitionExists, fmt.Errorf("%s version %d", def.ID, def.Version))
	}
	versions[def.Version] = def
	if def.Version > e.latest[def.ID] {
		e.latest[def.ID] = def.Version
	}
	e.logger.Info(e.ctx, "definition deployed", "definition_id", def.ID, "version", def.Version)
	return def, nil
}

// Definition returns a deployed definition; version 0 is the latest.
func (e *Engine) Definition(id string, version int) (*definition.Definition, error) {
	e.defsMu.RLock()
	defer e.defsMu.RUnlock()
	if version == 0 {
		version = e.latest[id]
	}
	def, ok := e.defs[id][version]
	if !ok {
		return nil, errors.Join(ErrDefinitionNotFound, fmt.Errorf("%s version %d", id, version))
	}
	return def, nil
}

// Definitions lists every deployed definition, by id then version.
func (e *Engine) Definitions() []*definition.Definition {
	e.defsMu.RLock()
	defer e.defsMu.RUnlock()
	var out []*definition.Definition
	for _, versions := range e.defs {
		for _, d := range versions {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

func (e *Engine) Waits() *waits.Service {
	return e.waits
}

func (e *Engine) lock(id string) *actor {
	e.actorsMu.Lock()
	a, ok := e.actors[id]
	if !ok {
		a = &actor{}
		e.actors[id] = a
	}
	a.refs++
	e.actorsMu.Unlock()
	a.mu.Lock()
	return a
}

func (e *Engine) unlock(id string, a *actor) {
	a.mu.Unlock()
	e.actorsMu.Lock()
	a.refs--
	if a.refs == 0 {
		delete(e.actors, id)
	}
	e.actorsMu.Unlock()
}

func saveBackoff() retry.Backoff {
	return retry.WithMaxRetries(5, retry.NewExponential(5*time.Millisecond))
}

// apply runs ev against the current stored state of instance id. The state is
// cloned, the event and every step it enables are applied, and the result is
// saved with its history in one write. Conflicts and store errors reload and
// try again. Local effects run under the instance lock after the save,
// remote effects after the lock is released.
func (e *Engine) apply(ctx context.Context, id string, ev event) error {
	if e.closed.Load() {
		return ErrClosed
	}
	a := e.lock(id)
	var remote []func(context.Context)
	err := retry.Do(ctx, saveBackoff(), func(ctx context.Context) error {
		remote = nil
		inst, err := e.store.Load(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrInstanceNotFound) {
				return errors.Join(ErrInstanceNotFound, err)
			}
			return retry.RetryableError(err)
		}
		def, err := e.Definition(inst.DefinitionID, inst.DefinitionVersion)
		if err != nil {
			return err
		}
		t := e.newTxn(ctx, def, inst.Clone())
		if err := ev.apply(t); err != nil {
			return err
		}
		if !t.appendOnly {
			t.drain()
		}
		if t.err != nil {
			return t.err
		}
		if len(t.history) > 0 {
			if err := t.commit(inst.Version); err != nil {
				if errors.Is(err, store.ErrClosed) {
					return err
				}
				return retry.RetryableError(err)
			}
		}
		t.runLocal()
		remote = t.remote
		return nil
	})
	e.unlock(id, a)

	for _, fn := range remote {
		fn(e.ctx)
	}
	return err
}

// create saves a brand new instance after running its start event.
func (e *Engine) create(ctx context.Context, def *definition.Definition, inst *state.Instance, ev event) error {
	if e.closed.Load() {
		return ErrClosed
	}
	a := e.lock(inst.ID)
	t := e.newTxn(ctx, def, inst)
	err := ev.apply(t)
	if err == nil {
		t.drain()
		err = t.err
	}
	if err == nil {
		err = t.commit(0)
	}
	if err == nil {
		t.runLocal()
	}
	e.unlock(inst.ID, a)
	if err != nil {
		return err
	}
	for _, fn := range t.remote {
		fn(e.ctx)
	}
	return nil
}

// track registers the cancel func of an in-flight handler execution.
func (e *Engine) track(instanceID, key string, cancel context.CancelFunc) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	m, ok := e.inflight[instanceID]
	if !ok {
		m = map[string]context.CancelFunc{}
		e.inflight[instanceID] = m
	}
	m[key] = cancel
}

func (e *Engine) untrack(instanceID, key string) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if m, ok := e.inflight[instanceID]; ok {
		delete(m, key)
		if len(m) == 0 {
			delete(e.inflight, instanceID)
		}
	}
}

func (e *Engine) inFlight(instanceID, key string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	_, ok := e.inflight[instanceID][key]
	return ok
}

// abort cancels in-flight executions of an instance. With tokens, only the
// executions of those tokens.
func (e *Engine) abort(instanceID string, tokens ...string) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	m := e.inflight[instanceID]
	if len(tokens) == 0 {
		for _, cancel := range m {
			cancel()
		}
		return
	}
	for _, tok := range tokens {
		for key, cancel := range m {
			if len(key) > len(tok) && key[:len(tok)] == tok && key[len(tok)] == '#' {
				cancel()
			}
		}
	}
}

func (e *Engine) finished(instanceID string) {
	e.waitersMu.Lock()
	chs := e.waiters[instanceID]
	delete(e.waiters, instanceID)
	e.waitersMu.Unlock()
	for _, ch := range chs {
		close(ch)
	}
}

// Wait blocks until the instance is terminal and returns its final status.
func (e *Engine) Wait(ctx context.Context, instanceID string) (state.Status, error) {
	ch := make(chan struct{})
	e.waitersMu.Lock()
	e.waiters[instanceID] = append(e.waiters[instanceID], ch)
	e.waitersMu.Unlock()

	inst, err := e.store.Load(ctx, instanceID)
	if err != nil {
		e.dropWaiter(instanceID, ch)
		if errors.Is(err, store.ErrInstanceNotFound) {
			return "", errors.Join(ErrInstanceNotFound, err)
		}
		return "", err
	}
	if inst.Status.Terminal() {
		e.dropWaiter(instanceID, ch)
		return inst.Status, nil
	}

	select {
	case <-ch:
		inst, err := e.store.Load(ctx, instanceID)
		if err != nil {
			return "", err
		}
		return inst.Status, nil
	case <-ctx.Done():
		e.dropWaiter(instanceID, ch)
		return "", ctx.Err()
	}
}

func (e *Engine) dropWaiter(instanceID string, ch chan struct{}) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	chs := e.waiters[instanceID]
	for i, c := range chs {
		if c == ch {
			e.waiters[instanceID] = append(chs[:i], chs[i+1:]...)
			break
		}
	}
	if len(e.waiters[instanceID]) == 0 {
		delete(e.waiters, instanceID)
	}
}

// Drain waits until the worker pool has nothing queued or running.
func (e *Engine) Drain(ctx context.Context) error {
	return e.pool.Drain(ctx)
}

// Close stops the clock and the worker pool. In-flight handler executions are
// cancelled; their instances stay where they are and resume with Recover.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.logger.Debug(e.ctx, "Shutting down engine")

	e.inflightMu.Lock()
	for _, m := range e.inflight {
		for _, cancel := range m {
			cancel()
		}
	}
	e.inflightMu.Unlock()

	shutdown := errgroup.Group{}
	shutdown.Go(func() error {
		e.logger.Debug(e.ctx, "Stopping clock")
		e.clock.Remove("waits")
		e.clock.Stop()
		return nil
	})
	shutdown.Go(func() error {
		e.logger.Debug(e.ctx, "Shutting down worker pool")
		return e.pool.Shutdown()
	})
	err := shutdown.Wait()
	e.cancel()
	e.logger.Debug(e.ctx, "Engine shutdown complete")
	return err
}
