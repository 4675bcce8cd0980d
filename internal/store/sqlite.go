package store

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/davidroman0O/comfylite3"

	"github.com/davidroman0O/tokenflow/internal/state"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		definition_id TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS instances_status ON instances(status)`,
	`CREATE TABLE IF NOT EXISTS history (
		instance_id TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (instance_id, seq)
	)`,
}

// SQLite stores instances as JSON blobs next to the columns needed to query
// them. Statements are built with ent's dialect builders over a comfylite3
// connection.
type SQLite struct {
	comfy *comfylite3.ComfyDB
	db    *stdsql.DB
	drv   *entsql.Driver
}

type sqliteConfig struct {
	path string
}

type SQLiteOption func(*sqliteConfig)

// WithSQLitePath persists to a file; the default is an in-memory database.
func WithSQLitePath(path string) SQLiteOption {
	return func(c *sqliteConfig) {
		c.path = path
	}
}

func NewSQLite(ctx context.Context, opts ...SQLiteOption) (*SQLite, error) {
	cfg := sqliteConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	optsComfy := []comfylite3.ComfyOption{}
	if cfg.path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.path), os.ModePerm); err != nil {
			return nil, err
		}
		optsComfy = append(optsComfy, comfylite3.WithPath(cfg.path))
	} else {
		optsComfy = append(optsComfy, comfylite3.WithMemory())
	}

	comfy, err := comfylite3.New(optsComfy...)
	if err != nil {
		return nil, err
	}

	db := comfylite3.OpenDB(
		comfy,
		comfylite3.WithOption("_fk=1"),
		comfylite3.WithOption("cache=shared"),
		comfylite3.WithOption("mode=rwc"),
		comfylite3.WithForeignKeys(),
	)

	s := &SQLite{
		comfy: comfy,
		db:    db,
		drv:   entsql.OpenDB(dialect.SQLite, db),
	}
	for _, stmt := range sqliteSchema {
		if err := s.drv.Exec(ctx, stmt, []any{}, nil); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return s, nil
}

func (s *SQLite) builder() *entsql.DialectBuilder {
	return entsql.Dialect(dialect.SQLite)
}

func (s *SQLite) Load(ctx context.Context, id string) (*state.Instance, error) {
	query, args := s.builder().
		Select("data").
		From(s.builder().Table("instances")).
		Where(entsql.EQ("id", id)).
		Query()

	rows := &entsql.Rows{}
	if err := s.drv.Query(ctx, query, args, rows); err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, notFound(id)
	}
	var raw []byte
	if err := rows.Scan(&raw); err != nil {
		return nil, err
	}
	return decodeInstance(raw)
}

func (s *SQLite) Save(ctx context.Context, inst *state.Instance, expectedVersion int64, history ...state.HistoryEntry) (err error) {
	next, err := prepare(inst, expectedVersion, history)
	if err != nil {
		return err
	}
	data, err := encode(next)
	if err != nil {
		return err
	}

	tx, err := s.drv.Tx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if expectedVersion == 0 {
		exists, err := s.exists(ctx, tx, inst.ID)
		if err != nil {
			return err
		}
		if exists {
			return conflict(inst.ID, expectedVersion)
		}
		query, args := s.builder().
			Insert("instances").
			Columns("id", "definition_id", "status", "version", "seq", "data", "updated_at").
			Values(next.ID, next.DefinitionID, string(next.Status), next.Version, next.Seq, data, next.UpdatedAt.UnixNano()).
			Query()
		if err := tx.Exec(ctx, query, args, nil); err != nil {
			return err
		}
	} else {
		query, args := s.builder().
			Update("instances").
			Set("status", string(next.Status)).
			Set("version", next.Version).
			Set("seq", next.Seq).
			Set("data", data).
			Set("updated_at", next.UpdatedAt.UnixNano()).
			Where(entsql.And(entsql.EQ("id", next.ID), entsql.EQ("version", expectedVersion))).
			Query()
		var res stdsql.Result
		if err := tx.Exec(ctx, query, args, &res); err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return conflict(inst.ID, expectedVersion)
		}
	}

	if err := s.insertHistory(ctx, tx, history); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) exists(ctx context.Context, tx dialect.Tx, id string) (bool, error) {
	query, args := s.builder().
		Select("id").
		From(s.builder().Table("instances")).
		Where(entsql.EQ("id", id)).
		Query()
	rows := &entsql.Rows{}
	if err := tx.Query(ctx, query, args, rows); err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

func (s *SQLite) insertHistory(ctx context.Context, tx dialect.Tx, history []state.HistoryEntry) error {
	if len(history) == 0 {
		return nil
	}
	insert := s.builder().Insert("history").Columns("instance_id", "seq", "kind", "data")
	for _, e := range history {
		raw, err := encode(e)
		if err != nil {
			return err
		}
		insert.Values(e.InstanceID, e.Seq, string(e.Kind), raw)
	}
	query, args := insert.Query()
	return tx.Exec(ctx, query, args, nil)
}

func (s *SQLite) AppendHistory(ctx context.Context, instanceID string, entries ...state.HistoryEntry) (out []state.HistoryEntry, err error) {
	tx, err := s.drv.Tx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query, args := s.builder().
		Select("data").
		From(s.builder().Table("instances")).
		Where(entsql.EQ("id", instanceID)).
		Query()
	rows := &entsql.Rows{}
	if err := tx.Query(ctx, query, args, rows); err != nil {
		return nil, err
	}
	var raw []byte
	found := rows.Next()
	if found {
		err = rows.Scan(&raw)
	}
	rows.Close()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, notFound(instanceID)
	}
	inst, err := decodeInstance(raw)
	if err != nil {
		return nil, err
	}

	prev := inst.Version
	for _, e := range entries {
		inst.Seq++
		e.InstanceID = instanceID
		e.Seq = inst.Seq
		out = append(out, e)
	}
	inst.Version++
	data, err := encode(inst)
	if err != nil {
		return nil, err
	}
	update, uargs := s.builder().
		Update("instances").
		Set("version", inst.Version).
		Set("seq", inst.Seq).
		Set("data", data).
		Where(entsql.And(entsql.EQ("id", instanceID), entsql.EQ("version", prev))).
		Query()
	if err := tx.Exec(ctx, update, uargs, nil); err != nil {
		return nil, err
	}
	if err := s.insertHistory(ctx, tx, out); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) History(ctx context.Context, instanceID string) ([]state.HistoryEntry, error) {
	query, args := s.builder().
		Select("data").
		From(s.builder().Table("history")).
		Where(entsql.EQ("instance_id", instanceID)).
		OrderBy("seq").
		Query()
	rows := &entsql.Rows{}
	if err := s.drv.Query(ctx, query, args, rows); err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.HistoryEntry
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		e, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) List(ctx context.Context, statuses ...state.Status) ([]*state.Instance, error) {
	sel := s.builder().
		Select("data").
		From(s.builder().Table("instances")).
		OrderBy("id")
	if len(statuses) > 0 {
		args := make([]any, 0, len(statuses))
		for _, st := range statuses {
			args = append(args, string(st))
		}
		sel.Where(entsql.In("status", args...))
	}
	query, args := sel.Query()

	rows := &entsql.Rows{}
	if err := s.drv.Query(ctx, query, args, rows); err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*state.Instance
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		inst, err := decodeInstance(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	err := s.drv.Close()
	s.comfy.Close()
	return err
}
