package engine

import (
	"context"
	"errors"

	"github.com/davidroman0O/tokenflow/internal/state"
	"github.com/davidroman0O/tokenflow/internal/store"
)

func (e *Engine) Instance(ctx context.Context, id string) (*state.Instance, error) {
	inst, err := e.store.Load(ctx, id)
	if errors.Is(err, store.ErrInstanceNotFound) {
		return nil, errors.Join(ErrInstanceNotFound, err)
	}
	return inst, err
}

func (e *Engine) History(ctx context.Context, id string) ([]state.HistoryEntry, error) {
	if _, err := e.Instance(ctx, id); err != nil {
		return nil, err
	}
	return e.store.History(ctx, id)
}

func (e *Engine) List(ctx context.Context, statuses ...state.Status) ([]*state.Instance, error) {
	return e.store.List(ctx, statuses...)
}

// Replay rebuilds the instance from its history and checks the result
// against the stored state.
func (e *Engine) Replay(ctx context.Context, id string) (*state.Projection, error) {
	inst, err := e.Instance(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := e.store.History(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := state.Replay(history)
	if err != nil {
		return nil, err
	}
	return p, p.Matches(inst)
}
