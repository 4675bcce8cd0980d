package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/tokenflow/internal/state"
)

func backends(t *testing.T) map[string]func(t *testing.T) InstanceStore {
	return map[string]func(t *testing.T) InstanceStore{
		"memory": func(t *testing.T) InstanceStore {
			s, err := NewMemory()
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) InstanceStore {
			s, err := NewSQLite(context.Background())
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) InstanceStore {
			s, err := NewBadger()
			require.NoError(t, err)
			return s
		},
	}
}

func entry(id string, seq int64, kind state.EventKind) state.HistoryEntry {
	return state.HistoryEntry{InstanceID: id, Seq: seq, Kind: kind, At: time.Unix(seq, 0).UTC()}
}

func TestInstanceStoreContract(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			t.Run("create and load", func(t *testing.T) {
				inst := state.NewInstance("i-1", "approval", 1, now)
				inst.Variables["amount"] = "500"
				inst.Tokens["t-1"] = &state.Token{ID: "t-1", NodeID: "route", State: state.TokenReady, CreatedAt: now}
				inst.Seq = 2

				require.NoError(t, s.Save(ctx, inst, 0,
					entry("i-1", 1, state.EventInstanceStarted),
					entry("i-1", 2, state.EventTokenCreated)))

				got, err := s.Load(ctx, "i-1")
				require.NoError(t, err)
				assert.Equal(t, int64(1), got.Version)
				assert.Equal(t, "500", got.Variables["amount"])
				require.Contains(t, got.Tokens, "t-1")
				assert.Equal(t, "route", got.Tokens["t-1"].NodeID)
				assert.NotNil(t, got.Forks)
			})

			t.Run("version conflicts", func(t *testing.T) {
				inst, err := s.Load(ctx, "i-1")
				require.NoError(t, err)

				require.ErrorIs(t, s.Save(ctx, inst, 0), ErrConflict, "create over an existing instance")
				require.ErrorIs(t, s.Save(ctx, inst, 7), ErrConflict)

				inst.Status = state.StatusCompleted
				inst.Seq = 3
				require.NoError(t, s.Save(ctx, inst, 1, entry("i-1", 3, state.EventInstanceCompleted)))
				require.ErrorIs(t, s.Save(ctx, inst, 1, entry("i-1", 4, state.EventInstanceCompleted)), ErrConflict)

				got, err := s.Load(ctx, "i-1")
				require.NoError(t, err)
				assert.Equal(t, int64(2), got.Version)
				assert.Equal(t, state.StatusCompleted, got.Status)
			})

			t.Run("rejected saves write no history", func(t *testing.T) {
				h, err := s.History(ctx, "i-1")
				require.NoError(t, err)
				require.Len(t, h, 3)
				for i, e := range h {
					assert.Equal(t, int64(i+1), e.Seq)
				}
			})

			t.Run("append history", func(t *testing.T) {
				out, err := s.AppendHistory(ctx, "i-1", state.HistoryEntry{Kind: state.EventResultDiscarded, Detail: "late"})
				require.NoError(t, err)
				require.Len(t, out, 1)
				assert.Equal(t, int64(4), out[0].Seq)

				got, err := s.Load(ctx, "i-1")
				require.NoError(t, err)
				assert.Equal(t, int64(4), got.Seq)
				assert.Equal(t, int64(3), got.Version)

				_, err = s.AppendHistory(ctx, "ghost", state.HistoryEntry{Kind: state.EventResultDiscarded})
				require.ErrorIs(t, err, ErrInstanceNotFound)
			})

			t.Run("list by status", func(t *testing.T) {
				require.NoError(t, s.Save(ctx, state.NewInstance("i-2", "approval", 1, now), 0))
				running, err := s.List(ctx, state.StatusRunning)
				require.NoError(t, err)
				require.Len(t, running, 1)
				assert.Equal(t, "i-2", running[0].ID)

				all, err := s.List(ctx)
				require.NoError(t, err)
				assert.Len(t, all, 2)
			})

			t.Run("not found", func(t *testing.T) {
				_, err := s.Load(ctx, "nope")
				require.ErrorIs(t, err, ErrInstanceNotFound)
			})

			t.Run("concurrent writers", func(t *testing.T) {
				require.NoError(t, s.Save(ctx, state.NewInstance("i-3", "approval", 1, now), 0))
				var wg sync.WaitGroup
				var mu sync.Mutex
				wins := 0
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						inst := state.NewInstance("i-3", "approval", 1, now)
						if err := s.Save(ctx, inst, 1); err == nil {
							mu.Lock()
							wins++
							mu.Unlock()
						}
					}()
				}
				wg.Wait()
				assert.Equal(t, 1, wins, "exactly one writer moves version 1 forward")
			})
		})
	}
}
