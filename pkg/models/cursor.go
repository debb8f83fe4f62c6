package models

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Cursor is a position in a section's ordering. A numeric cursor leaves ID
// empty; a compound cursor breaks ties on equal ordering values by record id.
// A nil Value is the origin.
type Cursor struct {
	Value *big.Int
	ID    string
}

func NewCursor(value *big.Int, id string) Cursor {
	if value == nil {
		return Cursor{}
	}
	return Cursor{Value: new(big.Int).Set(value), ID: id}
}

func (c Cursor) IsZero() bool {
	return c.Value == nil
}

// Compare orders cursors lexicographically by (Value, ID). The origin sorts first.
func (c Cursor) Compare(o Cursor) int {
	switch {
	case c.Value == nil && o.Value == nil:
		return 0
	case c.Value == nil:
		return -1
	case o.Value == nil:
		return 1
	}
	if cmp := c.Value.Cmp(o.Value); cmp != 0 {
		return cmp
	}
	return strings.Compare(c.ID, o.ID)
}

func (c Cursor) After(o Cursor) bool {
	return c.Compare(o) > 0
}

// Numeric drops the id component.
func (c Cursor) Numeric() Cursor {
	return Cursor{Value: c.Value}
}

func (c Cursor) String() string {
	if c.Value == nil {
		return ""
	}
	if c.ID == "" {
		return c.Value.String()
	}
	return c.Value.String() + ":" + c.ID
}

// ParseCursor reads the form produced by String.
func ParseCursor(s string) (Cursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Cursor{}, nil
	}
	value, id, _ := strings.Cut(s, ":")
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return Cursor{}, fmt.Errorf("invalid cursor value %q", value)
	}
	return Cursor{Value: v, ID: id}, nil
}

// Checkpoint is a persisted cursor for one (partition, section).
type Checkpoint struct {
	Partition string
	Section   string
	Cursor    Cursor
	UpdatedAt time.Time
}
