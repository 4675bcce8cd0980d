package tokenflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davidroman0O/tokenflow/internal/clock"
	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/engine"
	"github.com/davidroman0O/tokenflow/internal/expression"
	"github.com/davidroman0O/tokenflow/internal/handlers"
	"github.com/davidroman0O/tokenflow/internal/registry"
	"github.com/davidroman0O/tokenflow/internal/store"
)

const (
	DefaultTickInterval      = 50 * time.Millisecond
	DefaultWorkers           = engine.DefaultWorkers
	DefaultMaxCallDepth      = engine.DefaultMaxCallDepth
	DefaultMaxSteps          = engine.DefaultMaxSteps
	DefaultExpressionTimeout = expression.DefaultTimeout
)

// Tokenflow runs process definitions. Definitions are deployed once, then any
// number of instances are started from them; every instance moves through
// its graph as tokens driven by handler results, timers and signals.
type Tokenflow struct {
	ctx    context.Context
	cancel context.CancelFunc

	engine   *engine.Engine
	eval     *expression.Evaluator
	registry *registry.Registry
	store    store.InstanceStore
	// ownStore is set when the store was created here and must be closed here.
	ownStore bool

	logger Logger
}

func New(ctx context.Context, opts ...tokenflowOption) (*Tokenflow, error) {
	cfg := tokenflowConfig{
		workers:      engine.DefaultWorkers,
		tickInterval: DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.logger == nil {
		cfg.logger = NewDefaultLogger(slog.LevelInfo, TextFormat)
	}

	ctx, cancel := context.WithCancel(ctx)

	tf := &Tokenflow{
		ctx:    ctx,
		cancel: cancel,
		logger: cfg.logger,
		eval:   expression.New(expression.WithTimeout(cfg.expressionTimeout)),
	}

	var err error
	if cfg.registry != nil {
		cfg.logger.Debug(ctx, "Building registry")
		if tf.registry, err = cfg.registry(); err != nil {
			cfg.logger.Error(ctx, "Error building registry", "error", err)
			cancel()
			return nil, err
		}
	} else {
		tf.registry = registry.New()
	}
	cfg.logger.Debug(ctx, "Registering built-in handlers")
	if err := handlers.Register(tf.registry, append(cfg.handlers, handlers.WithEvaluator(tf.eval))...); err != nil {
		cfg.logger.Error(ctx, "Error registering built-in handlers", "error", err)
		cancel()
		return nil, err
	}

	if cfg.store != nil {
		tf.store = cfg.store
	} else {
		cfg.logger.Debug(ctx, "Memory store option")
		if tf.store, err = store.NewMemory(); err != nil {
			cancel()
			return nil, err
		}
		tf.ownStore = true
	}

	if cfg.clock == nil {
		cfg.clock = clock.NewClock(ctx, cfg.tickInterval, func(err error) {
			cfg.logger.Error(ctx, "Clock tick failed", "error", err)
		})
	}

	cfg.logger.Debug(ctx, "Creating engine", "workers", cfg.workers)
	tf.engine, err = engine.New(ctx, engine.Config{
		Logger:       cfg.logger,
		Store:        tf.store,
		Registry:     tf.registry,
		Evaluator:    tf.eval,
		Clock:        cfg.clock,
		Workers:      cfg.workers,
		MaxCallDepth: cfg.maxCallDepth,
		MaxSteps:     cfg.maxSteps,
		OnFault:      cfg.onFault,
	})
	if err != nil {
		cfg.logger.Error(ctx, "Error creating engine", "error", err)
		tf.closeStore()
		cancel()
		return nil, err
	}
	return tf, nil
}

// Close stops the engine. Instances that were still running stay in the
// store and continue after Recover on the next start.
func (tf *Tokenflow) Close() error {
	tf.logger.Debug(tf.ctx, "Closing tokenflow")
	err := tf.engine.Close()
	tf.cancel()
	return errors.Join(err, tf.closeStore())
}

func (tf *Tokenflow) closeStore() error {
	if !tf.ownStore {
		return nil
	}
	return tf.store.Close()
}

// Registry is where handlers are registered. It stays open after New.
func (tf *Tokenflow) Registry() *Registry {
	return tf.registry
}

// ParseDefinition reads a definition written in YAML or JSON.
func ParseDefinition(data []byte) (Raw, error) {
	var raw Raw
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Raw{}, fmt.Errorf("parse definition: %w", err)
	}
	return raw, nil
}

// Validate compiles raw without deploying it. Errors are *CompileError.
func (tf *Tokenflow) Validate(raw Raw) error {
	_, err := definition.NewCompiler(tf.eval).Compile(raw)
	return err
}

// Deploy compiles raw and makes it startable. A zero version deploys the next
// version after the latest deployed one.
func (tf *Tokenflow) Deploy(raw Raw) (*Definition, error) {
	return tf.engine.Deploy(raw)
}

// DeployYAML parses and deploys a YAML or JSON definition.
func (tf *Tokenflow) DeployYAML(data []byte) (*Definition, error) {
	raw, err := ParseDefinition(data)
	if err != nil {
		return nil, err
	}
	return tf.Deploy(raw)
}

// StartInstance starts the latest version of a definition and returns the
// instance id.
func (tf *Tokenflow) StartInstance(ctx context.Context, definitionID string, vars map[string]any) (string, error) {
	return tf.engine.StartInstance(ctx, definitionID, vars)
}

func (tf *Tokenflow) StartInstanceVersion(ctx context.Context, definitionID string, version int, vars map[string]any) (string, error) {
	return tf.engine.StartInstanceVersion(ctx, definitionID, version, vars)
}

// SignalInstance releases the tokens of one instance waiting on signal.
func (tf *Tokenflow) SignalInstance(ctx context.Context, instanceID, signal string, payload map[string]any) (int, error) {
	return tf.engine.SignalInstance(ctx, instanceID, signal, payload)
}

// Broadcast releases every token of every instance waiting on signal.
// Tokens that only start waiting afterwards do not see it.
func (tf *Tokenflow) Broadcast(ctx context.Context, signal string, payload map[string]any) (int, error) {
	return tf.engine.Broadcast(ctx, signal, payload)
}

func (tf *Tokenflow) CancelInstance(ctx context.Context, instanceID, reason string) error {
	return tf.engine.CancelInstance(ctx, instanceID, reason)
}

func (tf *Tokenflow) Suspend(ctx context.Context, instanceID string) error {
	return tf.engine.Suspend(ctx, instanceID)
}

func (tf *Tokenflow) Resume(ctx context.Context, instanceID string) error {
	return tf.engine.Resume(ctx, instanceID)
}

// Wait blocks until the instance reaches a terminal status.
func (tf *Tokenflow) Wait(ctx context.Context, instanceID string) (Status, error) {
	return tf.engine.Wait(ctx, instanceID)
}

// Recover resumes the running and suspended instances found in the store.
// Deploy their definitions first.
func (tf *Tokenflow) Recover(ctx context.Context) (int, error) {
	return tf.engine.Recover(ctx)
}

// Drain waits until no handler is queued or running.
func (tf *Tokenflow) Drain(ctx context.Context) error {
	return tf.engine.Drain(ctx)
}
