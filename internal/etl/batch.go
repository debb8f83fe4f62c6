package etl

import (
	"context"

	"go.uber.org/zap"

	"github.com/BartekS5/indexsync/pkg/models"
)

// Outcome is the result of one queued op after a flush.
type Outcome struct {
	Op  models.WriteOp
	Err error
}

// FlushFunc receives the outcomes of every flush, in enqueue order.
type FlushFunc func(ctx context.Context, outcomes []Outcome) error

type BatchStats struct {
	Flushes    int
	Batched    int
	Sequential int
	Written    int
	Failed     int
}

// BatchExecutor queues write ops and applies them in batches. A sink that
// implements BatchSink gets the whole batch at once; otherwise, or when the
// batch fails, ops are applied one by one with retries and one failure does
// not stop the rest.
type BatchExecutor struct {
	sink        Sink
	size        int
	policy      RetryPolicy
	isTransient func(error) bool
	onFlush     FlushFunc
	log         *zap.SugaredLogger

	queue []models.WriteOp
	stats BatchStats
}

type BatchOption func(*BatchExecutor)

func WithWritePolicy(p RetryPolicy) BatchOption {
	return func(b *BatchExecutor) { b.policy = p }
}

// WithTransientCheck decides which write errors are retried.
func WithTransientCheck(fn func(error) bool) BatchOption {
	return func(b *BatchExecutor) {
		if fn != nil {
			b.isTransient = fn
		}
	}
}

func WithFlushHook(fn FlushFunc) BatchOption {
	return func(b *BatchExecutor) { b.onFlush = fn }
}

func WithBatchLogger(l *zap.SugaredLogger) BatchOption {
	return func(b *BatchExecutor) {
		if l != nil {
			b.log = l
		}
	}
}

func NewBatchExecutor(sink Sink, size int, opts ...BatchOption) *BatchExecutor {
	if size <= 0 {
		size = 1
	}
	b := &BatchExecutor{
		sink:        sink,
		size:        size,
		policy:      DefaultWritePolicy(),
		isTransient: IsTransientNetworkError,
		log:         zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue adds op and flushes once the batch is full.
func (b *BatchExecutor) Enqueue(ctx context.Context, op models.WriteOp) error {
	b.queue = append(b.queue, op)
	if len(b.queue) >= b.size {
		return b.Flush(ctx)
	}
	return nil
}

func (b *BatchExecutor) Pending() int {
	return len(b.queue)
}

func (b *BatchExecutor) Stats() BatchStats {
	return b.stats
}

// Flush applies everything queued. The returned error comes from the flush
// hook; per-op failures are reported through outcomes.
func (b *BatchExecutor) Flush(ctx context.Context) error {
	if len(b.queue) == 0 {
		return nil
	}
	ops := b.queue
	b.queue = nil

	outcomes := b.execute(ctx, ops)
	b.stats.Flushes++
	for _, o := range outcomes {
		if o.Err != nil {
			b.stats.Failed++
		} else {
			b.stats.Written++
		}
	}

	if b.onFlush != nil {
		return b.onFlush(ctx, outcomes)
	}
	return nil
}

func (b *BatchExecutor) execute(ctx context.Context, ops []models.WriteOp) []Outcome {
	outcomes := make([]Outcome, len(ops))
	for i := range ops {
		outcomes[i].Op = ops[i]
	}
	run, alias := compactRecomputes(ops)

	if bs, ok := b.sink.(BatchSink); ok && bs.SupportsBatch() {
		batch := make([]models.WriteOp, 0, len(run))
		for _, i := range run {
			batch = append(batch, ops[i])
		}
		err := bs.ApplyBatch(ctx, batch)
		if err == nil {
			b.stats.Batched++
			return outcomes
		}
		b.log.Warnw("batch write failed, applying sequentially", "ops", len(batch), "error", err)
	}

	b.stats.Sequential++
	classify := writeClassifier(b.isTransient)
	for _, i := range run {
		op := ops[i]
		_, err := Retry(ctx, b.policy, classify, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, b.sink.Apply(ctx, op)
		})
		if err != nil {
			b.log.Warnw("write failed",
				"table", op.Table,
				"kind", op.Kind.String(),
				"key", op.KeyString(),
				"error", err,
			)
		}
		outcomes[i].Err = err
	}
	for dropped, survivor := range alias {
		outcomes[dropped].Err = outcomes[survivor].Err
	}
	return outcomes
}

// compactRecomputes keeps only the last recompute per target within a batch.
// It returns the indexes to run and, for each dropped index, the index whose
// outcome it shares.
func compactRecomputes(ops []models.WriteOp) ([]int, map[int]int) {
	last := make(map[string]int)
	for i, op := range ops {
		if op.Kind == models.OpRecompute {
			last[op.KeyString()] = i
		}
	}

	run := make([]int, 0, len(ops))
	alias := make(map[int]int)
	for i, op := range ops {
		if op.Kind == models.OpRecompute {
			if j := last[op.KeyString()]; j != i {
				alias[i] = j
				continue
			}
		}
		run = append(run, i)
	}
	return run, alias
}
