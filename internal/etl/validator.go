package etl

import (
	"fmt"

	"github.com/BartekS5/indexsync/pkg/models"
)

type Validator struct {
	Schema models.SectionSchema
}

func NewValidator(schema models.SectionSchema) *Validator {
	return &Validator{Schema: schema}
}

// ValidateRecord checks the fields a transformer cannot do without. Records
// that fail are partial upstream rows and are skipped, not retried.
func (v *Validator) ValidateRecord(rec models.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("missing required ID field")
	}
	if rec.Ordering == nil {
		return fmt.Errorf("record %s: missing ordering field %s", rec.ID, v.Schema.OrderingField)
	}
	for _, path := range v.Schema.Required {
		val, ok := rec.Lookup(path)
		if !ok || models.IsEmpty(val) {
			return fmt.Errorf("record %s: missing required field %s", rec.ID, path)
		}
	}
	return nil
}
