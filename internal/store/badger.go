package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v3"

	"github.com/davidroman0O/tokenflow/internal/state"
)

// Badger keeps one key per instance and one key per history entry, written
// in a single badger transaction.
type Badger struct {
	db *badger.DB
}

type badgerConfig struct {
	path string
}

type BadgerOption func(*badgerConfig)

// WithBadgerPath persists under dir; the default is in-memory.
func WithBadgerPath(dir string) BadgerOption {
	return func(c *badgerConfig) {
		c.path = dir
	}
}

func NewBadger(opts ...BadgerOption) (*Badger, error) {
	cfg := badgerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	bopts := badger.DefaultOptions(cfg.path).WithLogger(nil)
	if cfg.path == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db}, nil
}

func instanceKey(id string) []byte {
	return []byte("inst/" + id)
}

func entryKey(id string, seq int64) []byte {
	return []byte(fmt.Sprintf("hist/%s/%020d", id, seq))
}

func getInstance(txn *badger.Txn, id string) (*state.Instance, error) {
	item, err := txn.Get(instanceKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	var inst *state.Instance
	err = item.Value(func(val []byte) error {
		var derr error
		inst, derr = decodeInstance(val)
		return derr
	})
	return inst, err
}

func (b *Badger) Load(ctx context.Context, id string) (*state.Instance, error) {
	var inst *state.Instance
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		inst, err = getInstance(txn, id)
		return err
	})
	return inst, err
}

func (b *Badger) Save(ctx context.Context, inst *state.Instance, expectedVersion int64, history ...state.HistoryEntry) error {
	next, err := prepare(inst, expectedVersion, history)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		current, err := getInstance(txn, inst.ID)
		switch {
		case errors.Is(err, ErrInstanceNotFound):
			if expectedVersion != 0 {
				return conflict(inst.ID, expectedVersion)
			}
		case err != nil:
			return err
		case current.Version != expectedVersion:
			return conflict(inst.ID, expectedVersion)
		}

		data, err := encode(next)
		if err != nil {
			return err
		}
		if err := txn.Set(instanceKey(next.ID), data); err != nil {
			return err
		}
		return setEntries(txn, history)
	})
	if errors.Is(err, badger.ErrConflict) {
		return conflict(inst.ID, expectedVersion)
	}
	return err
}

func setEntries(txn *badger.Txn, entries []state.HistoryEntry) error {
	for _, e := range entries {
		raw, err := encode(e)
		if err != nil {
			return err
		}
		if err := txn.Set(entryKey(e.InstanceID, e.Seq), raw); err != nil {
			return err
		}
	}
	return nil
}

func (b *Badger) AppendHistory(ctx context.Context, instanceID string, entries ...state.HistoryEntry) ([]state.HistoryEntry, error) {
	var out []state.HistoryEntry
	err := b.db.Update(func(txn *badger.Txn) error {
		out = out[:0]
		inst, err := getInstance(txn, instanceID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			inst.Seq++
			e.InstanceID = instanceID
			e.Seq = inst.Seq
			out = append(out, e)
		}
		inst.Version++
		data, err := encode(inst)
		if err != nil {
			return err
		}
		if err := txn.Set(instanceKey(instanceID), data); err != nil {
			return err
		}
		return setEntries(txn, out)
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil, errors.Join(ErrConflict, err)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Badger) History(ctx context.Context, instanceID string) ([]state.HistoryEntry, error) {
	var out []state.HistoryEntry
	prefix := []byte("hist/" + instanceID + "/")
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				e, err := decodeEntry(val)
				if err != nil {
					return err
				}
				out = append(out, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (b *Badger) List(ctx context.Context, statuses ...state.Status) ([]*state.Instance, error) {
	set := statusSet(statuses)
	var out []*state.Instance
	prefix := []byte("inst/")
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				inst, err := decodeInstance(val)
				if err != nil {
					return err
				}
				if set == nil || set[inst.Status] {
					out = append(out, inst)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (b *Badger) Close() error {
	return b.db.Close()
}
