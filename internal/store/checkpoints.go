package store

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/BartekS5/indexsync/pkg/models"
)

const checkpointTable = "sync_checkpoints"

// SQLCheckpoints keeps checkpoints in the sync_checkpoints table of a
// relational store.
type SQLCheckpoints struct {
	r runner
	d Dialect
}

func (c *SQLCheckpoints) Get(ctx context.Context, partition, section string) (models.Cursor, bool, error) {
	q := c.d.quote
	a := &args{d: c.d}
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = %s AND %s = %s",
		q("cursor_value"), q("cursor_id"), q(checkpointTable),
		q("chain"), a.add(partition), q("section"), a.add(section))

	var cursor models.Cursor
	found := false
	err := c.r.query(ctx, query, a.vals, func(scan func(...any) error) error {
		var value, id *string
		if err := scan(&value, &id); err != nil {
			return err
		}
		cp, err := cursorFrom(value, id)
		if err != nil {
			return err
		}
		cursor, found = cp, true
		return nil
	})
	if err != nil {
		return models.Cursor{}, false, fmt.Errorf("get checkpoint %s/%s: %w", partition, section, err)
	}
	return cursor, found, nil
}

func (c *SQLCheckpoints) Set(ctx context.Context, partition, section string, cursor models.Cursor) error {
	var value any
	if cursor.Value != nil {
		value = cursor.Value.String()
	}
	op := models.WriteOp{
		Kind:  models.OpUpsert,
		Table: checkpointTable,
		Key:   map[string]any{"chain": partition, "section": section},
		Fields: map[string]any{
			"cursor_value": value,
			"cursor_id":    cursor.ID,
			"updated_at":   time.Now().UTC().UnixMilli(),
		},
		Policies: map[string]models.MergePolicy{
			"cursor_value": models.MergeAlways,
			"cursor_id":    models.MergeAlways,
			"updated_at":   models.MergeAlways,
		},
	}
	stmt, err := c.d.Statement(op)
	if err != nil {
		return err
	}
	if err := c.r.exec(ctx, stmt.SQL, stmt.Args...); err != nil {
		return fmt.Errorf("set checkpoint %s/%s: %w", partition, section, err)
	}
	return nil
}

func (c *SQLCheckpoints) Reset(ctx context.Context, partition string) error {
	a := &args{d: c.d}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", c.d.quote(checkpointTable), c.d.quote("chain"), a.add(partition))
	if err := c.r.exec(ctx, query, a.vals...); err != nil {
		return fmt.Errorf("reset checkpoints for %s: %w", partition, err)
	}
	return nil
}

func (c *SQLCheckpoints) List(ctx context.Context) ([]models.Checkpoint, error) {
	q := c.d.quote
	query := fmt.Sprintf("SELECT %s, %s, %s, %s, %s FROM %s ORDER BY %s, %s",
		q("chain"), q("section"), q("cursor_value"), q("cursor_id"), q("updated_at"),
		q(checkpointTable), q("chain"), q("section"))

	var out []models.Checkpoint
	err := c.r.query(ctx, query, nil, func(scan func(...any) error) error {
		var (
			cp        models.Checkpoint
			value, id *string
			updated   *int64
		)
		if err := scan(&cp.Partition, &cp.Section, &value, &id, &updated); err != nil {
			return err
		}
		cursor, err := cursorFrom(value, id)
		if err != nil {
			return err
		}
		cp.Cursor = cursor
		if updated != nil {
			cp.UpdatedAt = time.UnixMilli(*updated).UTC()
		}
		out = append(out, cp)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

func cursorFrom(value, id *string) (models.Cursor, error) {
	if value == nil || *value == "" {
		return models.Cursor{}, nil
	}
	v, ok := new(big.Int).SetString(*value, 10)
	if !ok {
		return models.Cursor{}, fmt.Errorf("invalid stored cursor value %q", *value)
	}
	c := models.Cursor{Value: v}
	if id != nil {
		c.ID = *id
	}
	return c, nil
}
