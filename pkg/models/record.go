package models

import (
	"math/big"
	"strings"

	"github.com/BartekS5/indexsync/pkg/utils"
)

// Record is one upstream item. Fields holds the decoded payload with numbers
// kept as json.Number; the accessors below narrow only what a caller needs.
type Record struct {
	Partition string
	Section   string
	ID        string
	Ordering  *big.Int
	Fields    map[string]interface{}
}

func (r Record) Cursor() Cursor {
	return NewCursor(r.Ordering, r.ID)
}

// Lookup resolves a dotted path such as "agent.agentId".
func (r Record) Lookup(path string) (interface{}, bool) {
	var cur interface{} = r.Fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func (r Record) String(path string) string {
	v, ok := r.Lookup(path)
	if !ok {
		return ""
	}
	return utils.ConvertToString(v)
}

func (r Record) BigInt(path string) (*big.Int, bool) {
	v, ok := r.Lookup(path)
	if !ok {
		return nil, false
	}
	n, err := utils.ConvertToBigInt(v)
	if err != nil {
		return nil, false
	}
	return n, true
}

// Int64 returns nil when the value is absent or not an integer, so callers
// can hand the result straight to a coalescing field.
func (r Record) Int64(path string) interface{} {
	v, ok := r.Lookup(path)
	if !ok {
		return nil
	}
	n, err := utils.ConvertToInt64(v)
	if err != nil {
		return nil
	}
	return n
}

func (r Record) Bool(path string) bool {
	v, ok := r.Lookup(path)
	if !ok {
		return false
	}
	b, err := utils.ConvertToBool(v)
	return err == nil && b
}

func (r Record) Object(path string) map[string]interface{} {
	v, ok := r.Lookup(path)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]interface{})
	return m
}

func (r Record) List(path string) []interface{} {
	v, ok := r.Lookup(path)
	if !ok {
		return nil
	}
	l, _ := v.([]interface{})
	return l
}
