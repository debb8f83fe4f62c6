package etl

import (
	"context"
	"fmt"
	"strings"

	"github.com/BartekS5/indexsync/pkg/models"
	"github.com/BartekS5/indexsync/pkg/utils"
)

// Transformer turns one upstream record into downstream write ops. For a
// given record it always produces the same ops.
type Transformer interface {
	Transform(ctx context.Context, rec models.Record) (Result, error)
}

type Result struct {
	// Key identifies the primary entity the record maps to.
	Key      string
	Ops      []models.WriteOp
	Warnings []string
}

// TransformFunc adapts a plain function to Transformer.
type TransformFunc func(ctx context.Context, rec models.Record) (Result, error)

func (f TransformFunc) Transform(ctx context.Context, rec models.Record) (Result, error) {
	return f(ctx, rec)
}

// fieldSet collects column values with their merge policies.
type fieldSet struct {
	values   map[string]interface{}
	policies map[string]models.MergePolicy
}

func newFieldSet() *fieldSet {
	return &fieldSet{
		values:   make(map[string]interface{}),
		policies: make(map[string]models.MergePolicy),
	}
}

// set stores v under coalesce semantics. Empty strings become nil so the SQL
// COALESCE sees them as absent.
func (f *fieldSet) set(col string, v interface{}) *fieldSet {
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		v = nil
	}
	f.values[col] = v
	return f
}

func (f *fieldSet) always(col string, v interface{}) *fieldSet {
	f.values[col] = v
	f.policies[col] = models.MergeAlways
	return f
}

// veto stores an address, dropping the zero-address sentinel.
func (f *fieldSet) veto(col string, addr string) *fieldSet {
	addr = utils.NormalizeAddress(addr)
	if addr == models.ZeroAddress {
		addr = ""
	}
	f.set(col, addr)
	f.policies[col] = models.MergeVeto
	return f
}

func keyOf(partition string, kv ...interface{}) map[string]interface{} {
	key := map[string]interface{}{"chain": partition}
	for i := 0; i+1 < len(kv); i += 2 {
		key[kv[i].(string)] = kv[i+1]
	}
	return key
}

func upsert(rec models.Record, table string, key map[string]interface{}, f *fieldSet) models.WriteOp {
	return models.WriteOp{
		Kind:      models.OpUpsert,
		Partition: rec.Partition,
		Section:   rec.Section,
		Table:     table,
		Key:       key,
		Fields:    f.values,
		Policies:  f.policies,
		Cursor:    rec.Cursor(),
	}
}

func insertIfAbsent(rec models.Record, table string, key map[string]interface{}) models.WriteOp {
	return models.WriteOp{
		Kind:      models.OpInsertIfAbsent,
		Partition: rec.Partition,
		Section:   rec.Section,
		Table:     table,
		Key:       key,
		Cursor:    rec.Cursor(),
	}
}

func deleteWhere(rec models.Record, table string, key map[string]interface{}) models.WriteOp {
	return models.WriteOp{
		Kind:      models.OpDelete,
		Partition: rec.Partition,
		Section:   rec.Section,
		Table:     table,
		Key:       key,
		Cursor:    rec.Cursor(),
	}
}

// recompute asks the sink to rebuild an aggregate for one agent.
func recompute(rec models.Record, aggregate, agentID string) models.WriteOp {
	return models.WriteOp{
		Kind:      models.OpRecompute,
		Partition: rec.Partition,
		Section:   rec.Section,
		Table:     aggregate,
		Key:       keyOf(rec.Partition, "agent_id", agentID),
		Cursor:    rec.Cursor(),
	}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// agentIDOf reads a nested agent reference as a decimal string.
func agentIDOf(rec models.Record, path string) (string, error) {
	id, ok := rec.BigInt(path)
	if !ok {
		return "", fmt.Errorf("record %s: %s is missing or not numeric", rec.ID, path)
	}
	return id.String(), nil
}
