package etl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BartekS5/indexsync/internal/telemetry"
	"github.com/BartekS5/indexsync/internal/upstream"
	"github.com/BartekS5/indexsync/pkg/models"
)

const finalFlushTimeout = 30 * time.Second

type State string

const (
	StateIdle               State = "idle"
	StateLoadingCheckpoints State = "loading_checkpoints"
	StateFetching           State = "fetching"
	StateTransforming       State = "transforming"
	StateWriting            State = "writing"
	StateAdvancing          State = "advancing_checkpoint"
)

type Options struct {
	PageSize    int
	BatchSize   int
	ReadPolicy  RetryPolicy
	WritePolicy RetryPolicy
	// IsTransient classifies write errors; defaults to IsTransientNetworkError.
	IsTransient func(error) bool
}

// Deps are the collaborators of one pipeline. Each (target, partition) pair
// gets its own pipeline; nothing here is shared across partitions except
// the checkpoint and sink backends, which are safe for concurrent use.
type Deps struct {
	Partition   string
	Target      string
	Querier     upstream.Querier
	Sink        Sink
	Checkpoints CheckpointStore
	Sections    []Section
	Logger      *zap.SugaredLogger
	Metrics     *telemetry.SyncMetrics
}

// Pipeline synchronizes the requested sections of one partition into one sink.
type Pipeline struct {
	partition   string
	target      string
	retriever   *Retriever
	sink        Sink
	checkpoints *MonotonicCheckpoints
	sections    []Section
	opts        Options
	log         *zap.SugaredLogger
	metrics     *telemetry.SyncMetrics
	tracer      trace.Tracer

	mu    sync.Mutex
	state State
}

func NewPipeline(deps Deps, opts Options) *Pipeline {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.ReadPolicy.InitialInterval == 0 {
		opts.ReadPolicy = DefaultReadPolicy(5)
	}
	if opts.WritePolicy.InitialInterval == 0 {
		opts.WritePolicy = DefaultWritePolicy()
	}
	if opts.IsTransient == nil {
		opts.IsTransient = IsTransientNetworkError
	}
	return &Pipeline{
		partition:   deps.Partition,
		target:      deps.Target,
		retriever:   NewRetriever(deps.Querier, opts.ReadPolicy, log, deps.Metrics),
		sink:        deps.Sink,
		checkpoints: NewMonotonicCheckpoints(deps.Checkpoints),
		sections:    deps.Sections,
		opts:        opts,
		log:         log,
		metrics:     deps.Metrics,
		tracer:      otel.Tracer("github.com/BartekS5/indexsync/internal/etl"),
		state:       StateIdle,
	}
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

type SectionResult struct {
	Section    string
	Optional   bool
	Fetched    int
	Written    int
	Skipped    int
	Errored    int
	Checkpoint models.Cursor
	Advanced   bool
	Partial    bool
	StopReason string
	Err        error
	Duration   time.Duration
}

type PassSummary struct {
	RunID     string
	Partition string
	Target    string
	Sections  []SectionResult
	// Aborted is set when the pass stopped before running every section.
	Aborted  error
	Duration time.Duration
}

// Failed reports whether a required section failed or the pass was aborted.
func (s PassSummary) Failed() bool {
	return s.Err() != nil
}

func (s PassSummary) Err() error {
	var errs []error
	if s.Aborted != nil {
		errs = append(errs, s.Aborted)
	}
	for _, r := range s.Sections {
		if r.Err != nil && !r.Optional && !errors.Is(s.Aborted, r.Err) {
			errs = append(errs, fmt.Errorf("%s/%s: %w", s.Partition, r.Section, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Run executes one pass over the configured sections, in order.
func (p *Pipeline) Run(ctx context.Context, reset bool) PassSummary {
	start := time.Now()
	summary := PassSummary{
		RunID:     uuid.NewString(),
		Partition: p.partition,
		Target:    p.target,
	}
	log := p.log.With("run_id", summary.RunID, "partition", p.partition, "target", p.target)
	log.Infow("starting pass", "sections", len(p.sections), "page_size", p.opts.PageSize, "batch_size", p.opts.BatchSize, "reset", reset)

	defer func() {
		p.setState(StateIdle)
		summary.Duration = time.Since(start)
		p.metrics.RecordPass(ctx, p.partition, summary.Duration, !summary.Failed())
	}()

	if reset {
		if err := p.reset(ctx); err != nil {
			summary.Aborted = err
			log.Errorw("reset failed", "error", err)
			return summary
		}
		log.Infow("checkpoints reset, replaying from origin")
	}

	for i, sec := range p.sections {
		res := p.runSection(ctx, log.With("section", sec.Name()), sec)
		summary.Sections = append(summary.Sections, res)

		var mismatch *SchemaMismatchError
		stop := ""
		switch {
		case errors.As(res.Err, &mismatch):
			summary.Aborted = res.Err
			stop = "required section missing upstream"
		case ctx.Err() != nil:
			summary.Aborted = ctx.Err()
			stop = "cancelled"
		}
		if stop != "" {
			log.Errorw("aborting partition pass", "reason", stop, "error", summary.Aborted)
			for _, rest := range p.sections[i+1:] {
				summary.Sections = append(summary.Sections, SectionResult{
					Section:    rest.Name(),
					Optional:   rest.Schema.Optional,
					StopReason: "not_run",
				})
			}
			break
		}
	}

	log.Infow("pass finished", "duration", time.Since(start), "failed", summary.Failed())
	return summary
}

func (p *Pipeline) reset(ctx context.Context) error {
	if err := p.checkpoints.Reset(ctx, p.partition); err != nil {
		return fmt.Errorf("reset checkpoints for %s: %w", p.partition, err)
	}
	if r, ok := p.sink.(Resetter); ok {
		names := make([]string, 0, len(p.sections))
		for _, s := range p.sections {
			names = append(names, s.Name())
		}
		if err := r.Reset(ctx, p.partition, names); err != nil {
			return fmt.Errorf("reset %s sink for %s: %w", p.target, p.partition, err)
		}
	}
	return nil
}

func (p *Pipeline) runSection(ctx context.Context, log *zap.SugaredLogger, sec Section) (res SectionResult) {
	start := time.Now()
	schema := sec.Schema
	res = SectionResult{Section: schema.Name, Optional: schema.Optional}

	ctx, span := p.tracer.Start(ctx, "sync.section", trace.WithAttributes(
		attribute.String("sync.partition", p.partition),
		attribute.String("sync.section", schema.Name),
		attribute.String("sync.target", p.target),
	))
	defer func() {
		res.Duration = time.Since(start)
		span.SetAttributes(
			attribute.Int("sync.fetched", res.Fetched),
			attribute.Int("sync.written", res.Written),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
		p.metrics.RecordSection(ctx, p.partition, schema.Name, res.Fetched, res.Written, res.Skipped, res.Errored)
		log.Infow("section done",
			"fetched", res.Fetched,
			"written", res.Written,
			"skipped", res.Skipped,
			"errored", res.Errored,
			"checkpoint", res.Checkpoint.String(),
			"advanced", res.Advanced,
			"stop_reason", res.StopReason,
			"duration", res.Duration,
			"error", res.Err,
		)
	}()

	// 1. Load checkpoint
	p.setState(StateLoadingCheckpoints)
	since, _, err := p.checkpoints.Get(ctx, p.partition, schema.Name)
	if err != nil {
		res.Err = fmt.Errorf("load checkpoint: %w", err)
		return res
	}
	res.Checkpoint = since
	log.Debugw("resuming", "since", since.String())

	marks := newWatermark()
	hold := false
	advance := func(ctx context.Context) error {
		next, moved := marks.advance()
		if !moved || hold {
			return nil
		}
		p.setState(StateAdvancing)
		stored := schema.Position(next)
		ok, err := p.checkpoints.Advance(ctx, p.partition, schema.Name, stored)
		if err != nil {
			return err
		}
		if ok {
			res.Checkpoint = stored
			res.Advanced = true
		}
		return nil
	}

	exec := NewBatchExecutor(p.sink, p.opts.BatchSize,
		WithWritePolicy(p.opts.WritePolicy),
		WithTransientCheck(p.opts.IsTransient),
		WithBatchLogger(log),
		WithFlushHook(func(ctx context.Context, outcomes []Outcome) error {
			for _, o := range outcomes {
				marks.done(o.Op.Seq, o.Err)
				if o.Err != nil {
					res.Errored++
				} else {
					res.Written++
				}
			}
			if err := advance(ctx); err != nil {
				return err
			}
			rate := 0.0
			if d := time.Since(start).Seconds(); d > 0 {
				rate = float64(res.Written) / d
			}
			log.Infow("batch flushed", "total", res.Written, "rate_per_sec", fmt.Sprintf("%.2f", rate), "checkpoint", res.Checkpoint.String())
			return nil
		}),
	)

	// 2. Fetch, validate, transform, enqueue
	p.setState(StateFetching)
	validator := NewValidator(schema)
	fetch := p.retriever.FetchAll(ctx, p.partition, schema, since, p.opts.PageSize)
	var fetchErr, writeErr error
	seq := 0

	for rec, err := range fetch.All() {
		if err != nil {
			fetchErr = err
			break
		}
		if schema.Covers(since, rec.Cursor()) {
			continue
		}
		res.Fetched++

		p.setState(StateTransforming)
		ops, ok := p.transform(ctx, log, sec, validator, rec)
		if !ok {
			res.Skipped++
		}
		marks.add(seq, rec.Cursor(), len(ops))

		p.setState(StateWriting)
		for _, op := range ops {
			op.Seq = seq
			if err := exec.Enqueue(ctx, op); err != nil {
				writeErr = err
				break
			}
		}
		seq++
		if writeErr != nil {
			break
		}
		p.setState(StateFetching)
	}

	stats := fetch.Stats()
	res.Skipped += stats.Dropped
	res.Partial = stats.Partial
	res.StopReason = stats.StopReason

	// 3. Final flush, even when the pass failed; the checkpoint only moves
	// when fetching finished cleanly.
	hold = fetchErr != nil || writeErr != nil
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer cancel()
	p.setState(StateWriting)
	if err := exec.Flush(flushCtx); err != nil && writeErr == nil {
		writeErr = err
	}
	if !hold && writeErr == nil {
		if err := advance(flushCtx); err != nil {
			writeErr = err
		}
	}

	switch {
	case fetchErr != nil:
		res.Err = fetchErr
	case writeErr != nil:
		res.Err = fmt.Errorf("checkpoint: %w", writeErr)
	case res.Errored > 0:
		res.Err = fmt.Errorf("%d write ops failed; checkpoint held before the first failed record", res.Errored)
	}
	return res
}

// transform validates and transforms one record. ok is false when the record
// was skipped.
func (p *Pipeline) transform(ctx context.Context, log *zap.SugaredLogger, sec Section, v *Validator, rec models.Record) ([]models.WriteOp, bool) {
	if err := v.ValidateRecord(rec); err != nil {
		log.Debugw("skipping partial record", "id", rec.ID, "error", err)
		return nil, false
	}
	out, err := sec.Transformer.Transform(ctx, rec)
	if err != nil {
		log.Warnw("skipping record after transform error", "id", rec.ID, "error", err)
		return nil, false
	}
	for _, w := range out.Warnings {
		log.Warnw(w, "id", rec.ID)
	}
	return out.Ops, true
}

// watermark tracks which records have all their ops confirmed. The
// checkpoint may move up to the last record of the confirmed prefix; a failed
// record stops it for the rest of the pass.
type watermark struct {
	base    int
	records []trackedRecord
	latched bool
	best    models.Cursor
}

type trackedRecord struct {
	cursor    models.Cursor
	remaining int
	failed    bool
}

func newWatermark() *watermark {
	return &watermark{}
}

func (w *watermark) add(seq int, c models.Cursor, ops int) {
	for w.base+len(w.records) <= seq {
		w.records = append(w.records, trackedRecord{})
	}
	w.records[seq-w.base] = trackedRecord{cursor: c, remaining: ops}
}

func (w *watermark) done(seq int, err error) {
	i := seq - w.base
	if i < 0 || i >= len(w.records) {
		return
	}
	r := &w.records[i]
	r.remaining--
	if err != nil {
		r.failed = true
	}
}

func (w *watermark) advance() (models.Cursor, bool) {
	moved := false
	n := 0
	for n < len(w.records) && !w.latched {
		r := w.records[n]
		if r.failed {
			w.latched = true
			break
		}
		if r.remaining > 0 {
			break
		}
		if r.cursor.After(w.best) {
			w.best = r.cursor
			moved = true
		}
		n++
	}
	w.records = w.records[n:]
	w.base += n
	return w.best, moved
}
