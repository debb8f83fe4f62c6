package models

type CursorKind int

const (
	CursorNumeric CursorKind = iota
	CursorCompound
)

// SectionSchema describes how one upstream collection is paged and where it lands.
type SectionSchema struct {
	Name       string
	Collection string
	Table      string
	// OrderingField is the upstream field pages are ordered by.
	OrderingField string
	CursorKind    CursorKind
	Optional      bool
	// Selection is the GraphQL selection set for one item, without braces.
	Selection string
	// Required lists dotted field paths a record must carry to be usable.
	Required []string
}

// Position converts a record cursor into the form stored for this section.
func (s SectionSchema) Position(c Cursor) Cursor {
	if s.CursorKind == CursorNumeric {
		return c.Numeric()
	}
	return c
}

// Covers reports whether a record at c was already delivered by a pass that
// stopped at checkpoint. Numeric checkpoints re-deliver their boundary value.
func (s SectionSchema) Covers(checkpoint, c Cursor) bool {
	if checkpoint.IsZero() {
		return false
	}
	if s.CursorKind == CursorNumeric {
		return c.Value != nil && c.Value.Cmp(checkpoint.Value) < 0
	}
	return c.Compare(checkpoint) <= 0
}
