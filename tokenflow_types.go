package tokenflow

import (
	"context"
	"time"

	"github.com/davidroman0O/tokenflow/internal/clock"
	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/engine"
	"github.com/davidroman0O/tokenflow/internal/handlers"
	"github.com/davidroman0O/tokenflow/internal/registry"
	"github.com/davidroman0O/tokenflow/internal/state"
	"github.com/davidroman0O/tokenflow/internal/store"
)

// Definitions
type (
	Raw             = definition.Raw
	RawNode         = definition.RawNode
	RawEdge         = definition.RawEdge
	RawInput        = definition.RawInput
	RawErrorHandler = definition.RawErrorHandler
	Definition      = definition.Definition
	CompileError    = definition.CompileError
	Diagnostic      = definition.Diagnostic
	RetryConfig     = definition.RetryConfig
)

// Handlers
type (
	Handler         = registry.Handler
	HandlerFunc     = registry.HandlerFunc
	Compensator     = registry.Compensator
	Compensable     = registry.Compensable
	TaskContext     = registry.TaskContext
	Fault           = registry.Fault
	Registry        = registry.Registry
	RegistryBuilder = registry.RegistryBuilder
	RegistryBuildFn = registry.RegistryBuildFn
	EmailSender     = handlers.Sender
	EmailMessage    = handlers.Message
	SMTPSender      = handlers.SMTPSender
)

// Instances
type (
	Instance       = state.Instance
	Token          = state.Token
	Wait           = state.Wait
	WaitKind       = state.WaitKind
	Status         = state.Status
	InstanceFault  = state.Fault
	HistoryEntry   = state.HistoryEntry
	EventKind      = state.EventKind
	Projection     = state.Projection
	ActivityRecord = state.ActivityRecord
	FaultFunc      = engine.FaultFunc
)

const (
	StatusRunning   = state.StatusRunning
	StatusSuspended = state.StatusSuspended
	StatusCompleted = state.StatusCompleted
	StatusFailed    = state.StatusFailed
	StatusCancelled = state.StatusCancelled
)

const (
	WaitTimer  = state.WaitTimer
	WaitSignal = state.WaitSignal
	WaitRetry  = state.WaitRetry
	WaitCall   = state.WaitCall
)

// Storage and time
type (
	InstanceStore = store.InstanceStore
	ClockSource   = clock.Source
	ManualClock   = clock.Manual
)

var (
	ErrDefinitionNotFound = engine.ErrDefinitionNotFound
	ErrDefinitionExists   = engine.ErrDefinitionExists
	ErrInstanceNotFound   = engine.ErrInstanceNotFound
	ErrInstanceTerminal   = engine.ErrInstanceTerminal
	ErrMissingInput       = engine.ErrMissingInput
	ErrInvalidTransition  = engine.ErrInvalidTransition
	ErrClosed             = engine.ErrClosed
	ErrInvalidDefinition  = definition.ErrInvalidDefinition
	ErrConflict           = store.ErrConflict
	ErrHandlerNotFound    = registry.ErrHandlerNotRegistered
)

func NewRegistry() *RegistryBuilder {
	return registry.NewBuilder()
}

func NewFault(code, format string, args ...any) *Fault {
	return registry.NewFault(code, format, args...)
}

func PermanentFault(code, format string, args ...any) *Fault {
	return registry.PermanentFault(code, format, args...)
}

func NewManualClock(start time.Time) *ManualClock {
	return clock.NewManual(start)
}

func NewMemoryStore() (InstanceStore, error) {
	return store.NewMemory()
}

// NewSQLiteStore opens a sqlite store at path, or in memory when path is
// empty.
func NewSQLiteStore(ctx context.Context, path string) (InstanceStore, error) {
	var opts []store.SQLiteOption
	if path != "" {
		opts = append(opts, store.WithSQLitePath(path))
	}
	return store.NewSQLite(ctx, opts...)
}

// NewBadgerStore opens a badger store under dir, or in memory when dir is
// empty.
func NewBadgerStore(dir string) (InstanceStore, error) {
	var opts []store.BadgerOption
	if dir != "" {
		opts = append(opts, store.WithBadgerPath(dir))
	}
	return store.NewBadger(opts...)
}
