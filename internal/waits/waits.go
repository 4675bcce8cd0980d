package waits

import (
	"container/heap"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/robfig/cron/v3"
	"github.com/sasha-s/go-deadlock"

	"github.com/davidroman0O/tokenflow/internal/clock"
	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/state"
)

var (
	ErrInvalidWait   = errors.New("invalid wait")
	ErrDuplicateWait = errors.New("wait already registered")
)

const table = "waits"

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		table: {
			Name: table,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				"instance": {
					Name:    "instance",
					Indexer: &memdb.StringFieldIndex{Field: "InstanceID"},
				},
				"signal": {
					Name:         "signal",
					AllowMissing: true,
					Indexer:      &memdb.StringFieldIndex{Field: "Signal"},
				},
			},
		},
	},
}

// FireFunc receives waits whose deadline passed. It is called without any
// lock held, so it may call back into the service.
type FireFunc func(w state.Wait)

// Service is the pending wait index shared by every instance. Timers and
// retries are ordered by deadline; signal waits are indexed by name.
type Service struct {
	mu        deadlock.Mutex
	db        *memdb.MemDB
	deadlines deadlineHeap
	clock     clock.Source
	onFire    FireFunc
}

func New(src clock.Source, onFire FireFunc) (*Service, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}
	return &Service{
		db:     db,
		clock:  src,
		onFire: onFire,
	}, nil
}

func (s *Service) Register(w state.Wait) error {
	if w.ID == "" || w.InstanceID == "" {
		return errors.Join(ErrInvalidWait, fmt.Errorf("wait needs an id and an instance"))
	}
	switch {
	case w.Kind.Timed() && w.Deadline.IsZero():
		return errors.Join(ErrInvalidWait, fmt.Errorf("%s wait %s has no deadline", w.Kind, w.ID))
	case w.Kind == state.WaitSignal && w.Signal == "":
		return errors.Join(ErrInvalidWait, fmt.Errorf("signal wait %s has no signal", w.ID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(table, "id", w.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return errors.Join(ErrDuplicateWait, fmt.Errorf("wait %s", w.ID))
	}
	cp := w
	if err := txn.Insert(table, &cp); err != nil {
		return err
	}
	txn.Commit()

	if w.Kind.Timed() {
		heap.Push(&s.deadlines, deadlineEntry{id: w.ID, at: w.Deadline})
	}
	return nil
}

// Remove deletes one wait. The heap entry is dropped lazily.
func (s *Service) Remove(id string) (state.Wait, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()
	w, ok := remove(txn, id)
	txn.Commit()
	return w, ok
}

func remove(txn *memdb.Txn, id string) (state.Wait, bool) {
	raw, err := txn.First(table, "id", id)
	if err != nil || raw == nil {
		return state.Wait{}, false
	}
	w := raw.(*state.Wait)
	if err := txn.Delete(table, w); err != nil {
		return state.Wait{}, false
	}
	return *w, true
}

func (s *Service) removeWhere(index string, args []interface{}, keep func(*state.Wait) bool) []state.Wait {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn := s.db.Txn(true)
	defer txn.Abort()
	it, err := txn.Get(table, index, args...)
	if err != nil {
		return nil
	}
	var matched []*state.Wait
	for raw := it.Next(); raw != nil; raw = it.Next() {
		w := raw.(*state.Wait)
		if keep == nil || keep(w) {
			matched = append(matched, w)
		}
	}
	out := make([]state.Wait, 0, len(matched))
	for _, w := range matched {
		if err := txn.Delete(table, w); err == nil {
			out = append(out, *w)
		}
	}
	txn.Commit()
	return out
}

// RemoveInstance drops every wait of an instance.
func (s *Service) RemoveInstance(instanceID string) []state.Wait {
	return s.removeWhere("instance", []interface{}{instanceID}, nil)
}

// Broadcast consumes every wait on signal, across all instances.
func (s *Service) Broadcast(signal string) []state.Wait {
	return s.removeWhere("signal", []interface{}{signal}, func(w *state.Wait) bool {
		return w.Kind == state.WaitSignal
	})
}

// SignalInstance consumes the waits on signal of one instance.
func (s *Service) SignalInstance(instanceID, signal string) []state.Wait {
	return s.removeWhere("signal", []interface{}{signal}, func(w *state.Wait) bool {
		return w.Kind == state.WaitSignal && w.InstanceID == instanceID
	})
}

func (s *Service) Pending(instanceID string) []state.Wait {
	txn := s.db.Txn(false)
	it, err := txn.Get(table, "instance", instanceID)
	if err != nil {
		return nil
	}
	var out []state.Wait
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, *raw.(*state.Wait))
	}
	return out
}

func (s *Service) Len() int {
	txn := s.db.Txn(false)
	it, err := txn.Get(table, "id")
	if err != nil {
		return 0
	}
	n := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		n++
	}
	return n
}

// Tick fires every timed wait whose deadline is not after now.
func (s *Service) Tick() error {
	now := s.clock.Now()

	s.mu.Lock()
	txn := s.db.Txn(true)
	var due []state.Wait
	for s.deadlines.Len() > 0 && !s.deadlines[0].at.After(now) {
		e := heap.Pop(&s.deadlines).(deadlineEntry)
		raw, err := txn.First(table, "id", e.id)
		if err != nil || raw == nil {
			continue
		}
		// stale entry of a wait that was removed and registered again
		if w := raw.(*state.Wait); !w.Deadline.Equal(e.at) {
			continue
		}
		if w, ok := remove(txn, e.id); ok {
			due = append(due, w)
		}
	}
	txn.Commit()
	s.mu.Unlock()

	if s.onFire != nil {
		for _, w := range due {
			s.onFire(w)
		}
	}
	return nil
}

// NextDeadline is the earliest pending deadline, if any.
func (s *Service) NextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadlines.Len() == 0 {
		return time.Time{}, false
	}
	return s.deadlines[0].at, true
}

// Deadline computes when a timer node fires when entered at now.
func Deadline(cfg *definition.TimerConfig, now time.Time) (time.Time, error) {
	switch {
	case cfg.Duration > 0:
		return now.Add(cfg.Duration), nil
	case !cfg.Date.IsZero():
		return cfg.Date, nil
	case cfg.Cron != "":
		sched, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now), nil
	}
	return time.Time{}, errors.Join(ErrInvalidWait, fmt.Errorf("timer without trigger"))
}

type deadlineEntry struct {
	id string
	at time.Time
}

type deadlineHeap []deadlineEntry

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}
func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)   { *h = append(*h, x.(deadlineEntry)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
