package models

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

const (
	// ZeroAddress is the upstream placeholder for "unknown owner". It never
	// replaces a stored value.
	ZeroAddress = "0x0000000000000000000000000000000000000000"
	// BurnAddress marks an agent that has been removed.
	BurnAddress = "0x000000000000000000000000000000000000dead"
)

type MergePolicy int

const (
	// MergeCoalesce keeps the stored value when the incoming one is empty.
	MergeCoalesce MergePolicy = iota
	// MergeAlways overwrites unconditionally (freshness timestamps, flags).
	MergeAlways
	// MergeVeto is MergeCoalesce that also treats ZeroAddress as empty.
	MergeVeto
)

type OpKind int

const (
	OpUpsert OpKind = iota
	OpInsertIfAbsent
	OpDelete
	OpRecompute
)

func (k OpKind) String() string {
	switch k {
	case OpUpsert:
		return "upsert"
	case OpInsertIfAbsent:
		return "insert-if-absent"
	case OpDelete:
		return "delete"
	case OpRecompute:
		return "recompute"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// WriteOp is a single downstream mutation produced by a transformer.
// Key always contains the partition column. For OpDelete, Key is a filter and
// may be a prefix of the table's natural key. For OpRecompute, Table names the
// aggregate to rebuild and Key selects the owning entity.
type WriteOp struct {
	Kind      OpKind
	Partition string
	Section   string
	Table     string
	Key       map[string]interface{}
	Fields    map[string]interface{}
	Policies  map[string]MergePolicy

	// Seq ties the op back to the record that produced it.
	Seq    int
	Cursor Cursor
}

func (op WriteOp) Policy(column string) MergePolicy {
	if p, ok := op.Policies[column]; ok {
		return p
	}
	return MergeCoalesce
}

// KeyColumns returns the key column names sorted.
func (op WriteOp) KeyColumns() []string {
	return sortedKeys(op.Key)
}

// FieldColumns returns non-key column names sorted.
func (op WriteOp) FieldColumns() []string {
	return sortedKeys(op.Fields)
}

// KeyString is a stable identity for the op's target row.
func (op WriteOp) KeyString() string {
	cols := op.KeyColumns()
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("%s=%v", c, op.Key[c]))
	}
	return op.Table + "|" + strings.Join(parts, "|")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsEmpty reports whether an incoming value carries no information.
func IsEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func isVetoed(v interface{}) bool {
	s, ok := v.(string)
	return ok && strings.EqualFold(strings.TrimSpace(s), ZeroAddress)
}

// Merge applies op's fields onto an existing row and returns the new row.
// existing is not modified; a nil existing means the row is new.
func Merge(existing map[string]interface{}, op WriteOp) map[string]interface{} {
	out := make(map[string]interface{}, len(existing)+len(op.Key)+len(op.Fields))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range op.Key {
		out[k] = v
	}
	for col, incoming := range op.Fields {
		switch op.Policy(col) {
		case MergeAlways:
			out[col] = incoming
			continue
		case MergeVeto:
			if isVetoed(incoming) {
				incoming = nil
			}
		}
		if IsEmpty(incoming) {
			if _, ok := out[col]; !ok {
				out[col] = nil
			}
			continue
		}
		out[col] = incoming
	}
	return out
}
