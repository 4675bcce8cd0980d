package tokenflow

import (
	"net/http"
	"time"

	"github.com/davidroman0O/tokenflow/internal/handlers"
	"github.com/davidroman0O/tokenflow/internal/registry"
	"github.com/davidroman0O/tokenflow/internal/store"
)

type tokenflowConfig struct {
	logger   Logger
	store    store.InstanceStore
	registry registry.RegistryBuildFn
	clock    ClockSource

	workers           int
	tickInterval      time.Duration
	maxCallDepth      int
	maxSteps          int
	expressionTimeout time.Duration

	onFault  FaultFunc
	handlers []handlers.Option
}

type tokenflowOption func(*tokenflowConfig)

func WithLogger(logger Logger) tokenflowOption {
	return func(c *tokenflowConfig) {
		c.logger = logger
	}
}

// WithStore persists instances in s. The caller keeps ownership: Close does
// not close it. Without it instances live in memory.
func WithStore(s InstanceStore) tokenflowOption {
	return func(c *tokenflowConfig) {
		c.store = s
	}
}

// WithRegistry builds the handler registry. Built-in handlers are added for
// every type the registry leaves free.
func WithRegistry(build RegistryBuildFn) tokenflowOption {
	return func(c *tokenflowConfig) {
		c.registry = build
	}
}

// If handlers call each other through call activities you should increase this
// number accordingly
func WithWorkers(n int) tokenflowOption {
	return func(c *tokenflowConfig) {
		c.workers = n
	}
}

// WithClock replaces wall time, mostly with a ManualClock in tests.
func WithClock(src ClockSource) tokenflowOption {
	return func(c *tokenflowConfig) {
		c.clock = src
	}
}

// WithTickInterval sets how often timers and retry delays are checked.
func WithTickInterval(d time.Duration) tokenflowOption {
	return func(c *tokenflowConfig) {
		c.tickInterval = d
	}
}

func WithMaxCallDepth(n int) tokenflowOption {
	return func(c *tokenflowConfig) {
		c.maxCallDepth = n
	}
}

func WithMaxSteps(n int) tokenflowOption {
	return func(c *tokenflowConfig) {
		c.maxSteps = n
	}
}

func WithExpressionTimeout(d time.Duration) tokenflowOption {
	return func(c *tokenflowConfig) {
		c.expressionTimeout = d
	}
}

// WithOnFault is called for every fault no error handler took over.
func WithOnFault(fn FaultFunc) tokenflowOption {
	return func(c *tokenflowConfig) {
		c.onFault = fn
	}
}

// WithHTTPClient is used by the built-in http handler.
func WithHTTPClient(client *http.Client) tokenflowOption {
	return func(c *tokenflowConfig) {
		c.handlers = append(c.handlers, handlers.WithHTTPClient(client))
	}
}

// WithEmailSender is used by the built-in email handler.
func WithEmailSender(sender EmailSender) tokenflowOption {
	return func(c *tokenflowConfig) {
		c.handlers = append(c.handlers, handlers.WithSender(sender))
	}
}
