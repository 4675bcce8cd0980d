package tokenflow

import (
	"context"
	"maps"
)

// Read-only views. None of them takes part in a transition; instances are
// snapshots taken at the time of the call.

func (tf *Tokenflow) Instance(ctx context.Context, instanceID string) (*Instance, error) {
	return tf.engine.Instance(ctx, instanceID)
}

// ListRunning lists instances that are running or suspended.
func (tf *Tokenflow) ListRunning(ctx context.Context) ([]*Instance, error) {
	return tf.engine.List(ctx, StatusRunning, StatusSuspended)
}

// List lists instances in any of statuses, or every instance without any.
func (tf *Tokenflow) List(ctx context.Context, statuses ...Status) ([]*Instance, error) {
	return tf.engine.List(ctx, statuses...)
}

func (tf *Tokenflow) History(ctx context.Context, instanceID string) ([]HistoryEntry, error) {
	return tf.engine.History(ctx, instanceID)
}

func (tf *Tokenflow) Variables(ctx context.Context, instanceID string) (map[string]any, error) {
	inst, err := tf.engine.Instance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return maps.Clone(inst.Variables), nil
}

// Replay rebuilds an instance from its history. The error reports any
// difference with the stored state.
func (tf *Tokenflow) Replay(ctx context.Context, instanceID string) (*Projection, error) {
	return tf.engine.Replay(ctx, instanceID)
}

// PendingWaits lists the timers, retry delays and signal waits registered
// for an instance.
func (tf *Tokenflow) PendingWaits(instanceID string) []Wait {
	return tf.engine.Waits().Pending(instanceID)
}

func (tf *Tokenflow) Definition(id string, version int) (*Definition, error) {
	return tf.engine.Definition(id, version)
}

func (tf *Tokenflow) Definitions() []*Definition {
	return tf.engine.Definitions()
}
