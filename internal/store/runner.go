package store

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
)

// runner is the slice of a SQL connection the stores need. It lets the same
// statements run over database/sql and pgx.
type runner interface {
	exec(ctx context.Context, query string, args ...any) error
	query(ctx context.Context, query string, args []any, each func(scan func(dest ...any) error) error) error
}

type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqlRunner struct {
	conn sqlConn
}

func (r sqlRunner) exec(ctx context.Context, query string, args ...any) error {
	_, err := r.conn.ExecContext(ctx, query, args...)
	return err
}

func (r sqlRunner) query(ctx context.Context, query string, args []any, each func(scan func(dest ...any) error) error) error {
	rows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := each(rows.Scan); err != nil {
			return err
		}
	}
	return rows.Err()
}

type pgxRunner struct {
	pool *pgxpool.Pool
}

func (r pgxRunner) exec(ctx context.Context, query string, args ...any) error {
	_, err := r.pool.Exec(ctx, query, args...)
	return err
}

func (r pgxRunner) query(ctx context.Context, query string, args []any, each func(scan func(dest ...any) error) error) error {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := each(rows.Scan); err != nil {
			return err
		}
	}
	return rows.Err()
}
