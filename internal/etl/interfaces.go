package etl

import (
	"context"

	"github.com/BartekS5/indexsync/pkg/models"
)

// Sink applies write ops to a downstream store.
type Sink interface {
	Apply(ctx context.Context, op models.WriteOp) error
}

// BatchSink is a Sink that can apply several ops as one unit. The executor
// detects it at runtime.
type BatchSink interface {
	Sink
	ApplyBatch(ctx context.Context, ops []models.WriteOp) error
	SupportsBatch() bool
}

// Resetter is implemented by sinks that hold state which a full replay cannot
// simply merge over.
type Resetter interface {
	Reset(ctx context.Context, partition string, sections []string) error
}

// CheckpointStore persists one cursor per (partition, section).
type CheckpointStore interface {
	// Get returns false when no checkpoint exists (start from origin).
	Get(ctx context.Context, partition, section string) (models.Cursor, bool, error)
	Set(ctx context.Context, partition, section string, cursor models.Cursor) error
	Reset(ctx context.Context, partition string) error
	List(ctx context.Context) ([]models.Checkpoint, error)
}
