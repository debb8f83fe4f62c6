package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BartekS5/indexsync/pkg/models"
)

// PostgresStore is a relational sink over a pgx pool. Batches go out as one
// pgx.Batch inside a transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migrate(ctx, pgxRunner{pool: s.pool}, Postgres)
}

func (s *PostgresStore) Checkpoints() *SQLCheckpoints {
	return &SQLCheckpoints{r: pgxRunner{pool: s.pool}, d: Postgres}
}

func (s *PostgresStore) Apply(ctx context.Context, op models.WriteOp) error {
	return apply(ctx, pgxRunner{pool: s.pool}, Postgres, op)
}

func (s *PostgresStore) SupportsBatch() bool {
	return true
}

func (s *PostgresStore) ApplyBatch(ctx context.Context, ops []models.WriteOp) error {
	batch := &pgx.Batch{}
	for _, op := range ops {
		stmt, err := Postgres.Statement(op)
		if err != nil {
			return err
		}
		batch.Queue(stmt.SQL, stmt.Args...)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	for i := range ops {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("batch op %d (%s %s): %w", i, ops[i].Kind, ops[i].Table, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch of %d ops: %w", len(ops), err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
