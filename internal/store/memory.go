package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-memdb"
	"github.com/sasha-s/go-deadlock"

	"github.com/davidroman0O/tokenflow/internal/state"
)

const (
	tableInstances = "instances"
	tableHistory   = "history"
)

type instanceRecord struct {
	ID       string
	Status   string
	Instance *state.Instance
}

type historyRecord struct {
	Key        string
	InstanceID string
	Entry      state.HistoryEntry
}

var memorySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableInstances: {
			Name: tableInstances,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"status": {
					Name:    "status",
					Indexer: &memdb.StringFieldIndex{Field: "Status"},
				},
			},
		},
		tableHistory: {
			Name: tableHistory,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Key"},
				},
				"instance": {
					Name:    "instance",
					Indexer: &memdb.StringFieldIndex{Field: "InstanceID"},
				},
			},
		},
	},
}

// Memory keeps everything in go-memdb. Writers are serialized; readers see
// immutable snapshots.
type Memory struct {
	mu     deadlock.Mutex
	db     *memdb.MemDB
	closed bool
}

func NewMemory() (*Memory, error) {
	db, err := memdb.NewMemDB(memorySchema)
	if err != nil {
		return nil, err
	}
	return &Memory{db: db}, nil
}

func historyKey(id string, seq int64) string {
	return fmt.Sprintf("%s/%020d", id, seq)
}

func (m *Memory) Load(ctx context.Context, id string) (*state.Instance, error) {
	raw, err := m.db.Txn(false).First(tableInstances, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, notFound(id)
	}
	return raw.(*instanceRecord).Instance.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, inst *state.Instance, expectedVersion int64, history ...state.HistoryEntry) error {
	next, err := prepare(inst, expectedVersion, history)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", inst.ID)
	if err != nil {
		return err
	}
	switch {
	case raw == nil && expectedVersion != 0:
		return conflict(inst.ID, expectedVersion)
	case raw != nil && raw.(*instanceRecord).Instance.Version != expectedVersion:
		return conflict(inst.ID, expectedVersion)
	}

	if err := txn.Insert(tableInstances, &instanceRecord{ID: next.ID, Status: string(next.Status), Instance: next}); err != nil {
		return err
	}
	for _, e := range history {
		if err := txn.Insert(tableHistory, &historyRecord{Key: historyKey(e.InstanceID, e.Seq), InstanceID: e.InstanceID, Entry: e}); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

func (m *Memory) AppendHistory(ctx context.Context, instanceID string, entries ...state.HistoryEntry) ([]state.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", instanceID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, notFound(instanceID)
	}
	inst := raw.(*instanceRecord).Instance.Clone()

	out := make([]state.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		inst.Seq++
		e.InstanceID = instanceID
		e.Seq = inst.Seq
		if err := txn.Insert(tableHistory, &historyRecord{Key: historyKey(instanceID, e.Seq), InstanceID: instanceID, Entry: e}); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	inst.Version++
	if err := txn.Insert(tableInstances, &instanceRecord{ID: inst.ID, Status: string(inst.Status), Instance: inst}); err != nil {
		return nil, err
	}
	txn.Commit()
	return out, nil
}

func (m *Memory) History(ctx context.Context, instanceID string) ([]state.HistoryEntry, error) {
	it, err := m.db.Txn(false).Get(tableHistory, "instance", instanceID)
	if err != nil {
		return nil, err
	}
	var out []state.HistoryEntry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*historyRecord).Entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) List(ctx context.Context, statuses ...state.Status) ([]*state.Instance, error) {
	txn := m.db.Txn(false)
	var out []*state.Instance
	collect := func(index string, args ...interface{}) error {
		it, err := txn.Get(tableInstances, index, args...)
		if err != nil {
			return err
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			out = append(out, raw.(*instanceRecord).Instance.Clone())
		}
		return nil
	}
	if len(statuses) == 0 {
		if err := collect("id"); err != nil {
			return nil, err
		}
	}
	for s := range statusSet(statuses) {
		if err := collect("status", string(s)); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
