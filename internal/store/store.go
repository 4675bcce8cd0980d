package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/davidroman0O/tokenflow/internal/state"
)

var (
	ErrInstanceNotFound = errors.New("instance not found")
	ErrConflict         = errors.New("instance version conflict")
	ErrClosed           = errors.New("store closed")
)

// InstanceStore persists instances and their history.
//
// Save is atomic: the instance record moves from expectedVersion to
// expectedVersion+1 together with the given history entries, or nothing is
// written and ErrConflict is returned. expectedVersion 0 creates the instance.
type InstanceStore interface {
	Load(ctx context.Context, id string) (*state.Instance, error)
	Save(ctx context.Context, inst *state.Instance, expectedVersion int64, history ...state.HistoryEntry) error
	// AppendHistory records entries outside of a transition. Sequence numbers
	// are assigned after the last one of the instance, whose version is bumped.
	AppendHistory(ctx context.Context, instanceID string, entries ...state.HistoryEntry) ([]state.HistoryEntry, error)
	History(ctx context.Context, instanceID string) ([]state.HistoryEntry, error)
	List(ctx context.Context, statuses ...state.Status) ([]*state.Instance, error)
	Close() error
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeInstance(raw []byte) (*state.Instance, error) {
	var inst state.Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	inst.Normalize()
	return &inst, nil
}

func decodeEntry(raw []byte) (state.HistoryEntry, error) {
	var e state.HistoryEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("decode history: %w", err)
	}
	return e, nil
}

// prepare stamps the new version and validates the history batch.
func prepare(inst *state.Instance, expectedVersion int64, history []state.HistoryEntry) (*state.Instance, error) {
	if inst == nil || inst.ID == "" {
		return nil, fmt.Errorf("instance without id")
	}
	last := int64(-1)
	for _, e := range history {
		if e.InstanceID != inst.ID {
			return nil, fmt.Errorf("history entry %d belongs to %q, not %q", e.Seq, e.InstanceID, inst.ID)
		}
		if e.Seq <= last {
			return nil, errors.Join(state.ErrHistoryOrder, fmt.Errorf("entry %d after %d", e.Seq, last))
		}
		last = e.Seq
	}
	cp := inst.Clone()
	cp.Version = expectedVersion + 1
	return cp, nil
}

func conflict(id string, expected int64) error {
	return errors.Join(ErrConflict, fmt.Errorf("instance %s: expected version %d", id, expected))
}

func notFound(id string) error {
	return errors.Join(ErrInstanceNotFound, fmt.Errorf("instance %s", id))
}

func statusSet(statuses []state.Status) map[state.Status]bool {
	if len(statuses) == 0 {
		return nil
	}
	set := make(map[state.Status]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}
