// Package store holds the downstream stores: relational sinks (Postgres,
// SQLite, SQL Server), graph document sinks (SurrealDB, MongoDB) and the
// checkpoint stores that live next to them.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/BartekS5/indexsync/pkg/models"
)

// SQLStore is a relational sink over database/sql. It serves SQLite and
// SQL Server.
type SQLStore struct {
	db *sql.DB
	d  Dialect
}

func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, d: d}
}

func (s *SQLStore) Dialect() Dialect {
	return s.d
}

// Migrate creates missing tables.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return migrate(ctx, sqlRunner{conn: s.db}, s.d)
}

func (s *SQLStore) Checkpoints() *SQLCheckpoints {
	return &SQLCheckpoints{r: sqlRunner{conn: s.db}, d: s.d}
}

func (s *SQLStore) Apply(ctx context.Context, op models.WriteOp) error {
	return apply(ctx, sqlRunner{conn: s.db}, s.d, op)
}

func (s *SQLStore) SupportsBatch() bool {
	return true
}

// ApplyBatch applies ops in one transaction.
func (s *SQLStore) ApplyBatch(ctx context.Context, ops []models.WriteOp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	r := sqlRunner{conn: tx}
	for _, op := range ops {
		if err := apply(ctx, r, s.d, op); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch of %d ops: %w", len(ops), err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func apply(ctx context.Context, r runner, d Dialect, op models.WriteOp) error {
	stmt, err := d.Statement(op)
	if err != nil {
		return err
	}
	if err := r.exec(ctx, stmt.SQL, stmt.Args...); err != nil {
		return fmt.Errorf("%s %s: %w", op.Kind, op.Table, err)
	}
	return nil
}

func migrate(ctx context.Context, r runner, d Dialect) error {
	stmts, err := d.Schema()
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if err := r.exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", d.Name, err)
		}
	}
	return nil
}
