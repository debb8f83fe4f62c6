package etl

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/BartekS5/indexsync/pkg/models"
	"github.com/BartekS5/indexsync/pkg/utils"
)

// MemorySink holds rows in process with the same merge rules as the SQL
// stores. It backs --dry-run and tests.
type MemorySink struct {
	mu     sync.RWMutex
	tables map[string]map[string]map[string]interface{}
	batch  bool
}

func NewMemorySink(batch bool) *MemorySink {
	return &MemorySink{
		tables: make(map[string]map[string]map[string]interface{}),
		batch:  batch,
	}
}

func (m *MemorySink) SupportsBatch() bool {
	return m.batch
}

func (m *MemorySink) Apply(_ context.Context, op models.WriteOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(op)
}

// ApplyBatch applies all ops or none.
func (m *MemorySink) ApplyBatch(_ context.Context, ops []models.WriteOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.clone()
	for _, op := range ops {
		if err := m.apply(op); err != nil {
			m.tables = snapshot
			return err
		}
	}
	return nil
}

// Reset is a no-op; replays merge over existing rows.
func (m *MemorySink) Reset(context.Context, string, []string) error {
	return nil
}

// Row returns a copy of the row with the given key, or nil.
func (m *MemorySink) Row(table string, key map[string]interface{}) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.tables[table][models.WriteOp{Table: table, Key: key}.KeyString()]
	if !ok {
		return nil
	}
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// Count returns the number of rows in table.
func (m *MemorySink) Count(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[table])
}

// Snapshot returns a deep copy of every table.
func (m *MemorySink) Snapshot() map[string]map[string]map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clone()
}

func (m *MemorySink) clone() map[string]map[string]map[string]interface{} {
	out := make(map[string]map[string]map[string]interface{}, len(m.tables))
	for t, rows := range m.tables {
		rs := make(map[string]map[string]interface{}, len(rows))
		for k, row := range rows {
			r := make(map[string]interface{}, len(row))
			for c, v := range row {
				r[c] = v
			}
			rs[k] = r
		}
		out[t] = rs
	}
	return out
}

func (m *MemorySink) rows(table string) map[string]map[string]interface{} {
	rows, ok := m.tables[table]
	if !ok {
		rows = make(map[string]map[string]interface{})
		m.tables[table] = rows
	}
	return rows
}

func (m *MemorySink) apply(op models.WriteOp) error {
	switch op.Kind {
	case models.OpUpsert:
		rows := m.rows(op.Table)
		k := op.KeyString()
		rows[k] = models.Merge(rows[k], op)
	case models.OpInsertIfAbsent:
		rows := m.rows(op.Table)
		k := op.KeyString()
		if _, ok := rows[k]; !ok {
			rows[k] = models.Merge(nil, op)
		}
	case models.OpDelete:
		rows := m.rows(op.Table)
		for k, row := range rows {
			if matches(row, op.Key) {
				delete(rows, k)
			}
		}
	case models.OpRecompute:
		return m.recompute(op)
	default:
		return fmt.Errorf("unsupported op kind %s", op.Kind)
	}
	return nil
}

func matches(row, filter map[string]interface{}) bool {
	for k, v := range filter {
		if fmt.Sprint(row[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func (m *MemorySink) recompute(op models.WriteOp) error {
	var source, valueCol, countCol, avgCol string
	switch op.Table {
	case AggregateFeedback:
		source, valueCol, countCol, avgCol = "feedback", "score", "feedback_count", "average_score"
	case AggregateValidation:
		source, valueCol, countCol, avgCol = "validation_responses", "response", "validation_count", "average_validation"
	default:
		return fmt.Errorf("unknown aggregate %q", op.Table)
	}

	var count int64
	var sum float64
	for _, row := range m.tables[source] {
		if !matches(row, op.Key) {
			continue
		}
		if revoked, _ := utils.ConvertToInt64(row["revoked"]); revoked == 1 {
			continue
		}
		count++
		if v, err := utils.ConvertToInt64(row[valueCol]); err == nil {
			sum += float64(v)
		}
	}

	agents := m.rows("agents")
	k := models.WriteOp{Table: "agents", Key: op.Key}.KeyString()
	agent, ok := agents[k]
	if !ok {
		return nil
	}
	var avg interface{}
	if count > 0 {
		avg = math.Round(sum/float64(count)*100) / 100
	}
	agent[countCol] = count
	agent[avgCol] = avg
	return nil
}
