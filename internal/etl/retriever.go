package etl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/BartekS5/indexsync/internal/telemetry"
	"github.com/BartekS5/indexsync/internal/upstream"
	"github.com/BartekS5/indexsync/pkg/models"
	"github.com/BartekS5/indexsync/pkg/utils"
)

var ErrFetchConsumed = errors.New("fetch already consumed")

// Stop reasons reported in FetchStats.
const (
	StopExhausted         = "exhausted"
	StopCapabilityMissing = "capability_missing"
	StopPaginationLimit   = "pagination_limit"
	StopRetriesExhausted  = "retries_exhausted"
	StopFailed            = "failed"
	StopAbandoned         = "abandoned"
)

type FetchStats struct {
	Pages      int
	Fetched    int
	Dropped    int
	Partial    bool
	Strategy   upstream.Strategy
	StopReason string
}

// Retriever pages through upstream collections for one partition. It
// remembers, for the rest of the run, which collections reject keyset filters.
type Retriever struct {
	querier upstream.Querier
	policy  RetryPolicy
	log     *zap.SugaredLogger
	metrics *telemetry.SyncMetrics

	mu         sync.Mutex
	offsetOnly map[string]bool
	warned     map[string]bool
}

func NewRetriever(q upstream.Querier, policy RetryPolicy, log *zap.SugaredLogger, metrics *telemetry.SyncMetrics) *Retriever {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Retriever{
		querier:    q,
		policy:     policy,
		log:        log,
		metrics:    metrics,
		offsetOnly: make(map[string]bool),
		warned:     make(map[string]bool),
	}
}

func (r *Retriever) usesOffset(collection string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offsetOnly[collection]
}

func (r *Retriever) markOffset(collection string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offsetOnly[collection] = true
}

// warnOnce reports whether this is the first warning for key.
func (r *Retriever) warnOnce(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.warned[key] {
		return false
	}
	r.warned[key] = true
	return true
}

// Fetch is a lazy, single-use stream of records.
type Fetch struct {
	r         *Retriever
	ctx       context.Context
	partition string
	schema    models.SectionSchema
	since     models.Cursor
	pageSize  int

	consumed atomic.Bool
	stats    FetchStats
}

// FetchAll returns every record of schema's collection after since, in
// ascending cursor order. Nothing is requested until the stream is ranged.
func (r *Retriever) FetchAll(ctx context.Context, partition string, schema models.SectionSchema, since models.Cursor, pageSize int) *Fetch {
	return &Fetch{
		r:         r,
		ctx:       ctx,
		partition: partition,
		schema:    schema,
		since:     since,
		pageSize:  pageSize,
	}
}

// All may be ranged once. A terminal error is yielded as the last element.
func (f *Fetch) All() iter.Seq2[models.Record, error] {
	return func(yield func(models.Record, error) bool) {
		if !f.consumed.CompareAndSwap(false, true) {
			yield(models.Record{}, ErrFetchConsumed)
			return
		}
		f.run(yield)
	}
}

func (f *Fetch) Stats() FetchStats {
	return f.stats
}

func (f *Fetch) policy() RetryPolicy {
	p := f.r.policy
	if f.schema.Optional {
		p = p.ForOptional()
	}
	p.Notify = func(attempt int, class ErrorClass, err error, wait time.Duration) {
		f.r.log.Warnw("retrying page request",
			"partition", f.partition,
			"section", f.schema.Name,
			"attempt", attempt,
			"class", class.String(),
			"wait", wait,
			"error", err,
		)
		f.r.metrics.RecordRetry(f.ctx, f.partition, f.schema.Name, class.String())
	}
	return p
}

func classifyUpstream(err error) (ErrorClass, time.Duration) {
	switch upstream.KindOf(err) {
	case upstream.KindTransient:
		return ClassTransient, 0
	case upstream.KindRateLimited:
		return ClassRateLimited, upstream.RetryAfterOf(err)
	default:
		return ClassPermanent, 0
	}
}

func (f *Fetch) run(yield func(models.Record, error) bool) {
	log := f.r.log.With("partition", f.partition, "section", f.schema.Name)
	policy := f.policy()
	collection := f.schema.Collection

	strategy := upstream.StrategyCursor
	if f.r.usesOffset(collection) {
		strategy = upstream.StrategyOffset
	}
	f.stats.Strategy = strategy

	// pos is the furthest position seen; anchor and skip address offset pages.
	pos := f.since
	anchor := f.since
	skip := 0

	for {
		q := upstream.PageQuery{
			Collection: collection,
			Selection:  f.schema.Selection,
			OrderBy:    f.schema.OrderingField,
			Strategy:   strategy,
			First:      f.pageSize,
		}
		if strategy == upstream.StrategyCursor {
			q.Since, q.AfterID = pos.Value, pos.ID
		} else {
			q.Since, q.Skip = anchor.Value, skip
		}
		keyset := strategy == upstream.StrategyCursor && q.Since != nil && q.AfterID != ""

		resp, err := Retry(f.ctx, policy, classifyUpstream, func(ctx context.Context) (*upstream.Response, error) {
			return f.r.querier.Query(ctx, q.Build())
		})
		if err != nil {
			if f.ctx.Err() != nil {
				f.stats.StopReason = StopFailed
				yield(models.Record{}, fmt.Errorf("fetch %s: %w", f.schema.Name, err))
				return
			}

			kind := upstream.KindOf(err)
			exhausted := errors.Is(err, ErrRetriesExhausted)
			switch {
			case keyset && !exhausted && kind == upstream.KindCapability:
				log.Infow("keyset paging rejected, falling back to offset paging", "error", err)
				f.r.markOffset(collection)
				strategy, anchor, skip = upstream.StrategyOffset, pos, 0
				f.stats.Strategy = strategy
				continue
			case kind == upstream.KindCapability && f.schema.Optional:
				if f.r.warnOnce(f.partition + "/" + f.schema.Name) {
					log.Warnw("optional section not supported by upstream, skipping", "error", err)
				}
				f.stats.StopReason = StopCapabilityMissing
				return
			case kind == upstream.KindCapability:
				f.stats.StopReason = StopFailed
				yield(models.Record{}, &SchemaMismatchError{
					Partition:  f.partition,
					Section:    f.schema.Name,
					Collection: collection,
					Err:        err,
				})
				return
			case kind == upstream.KindPaginationLimit:
				log.Warnw("upstream pagination limit reached, resuming next pass", "skip", skip, "error", err)
				f.stats.Partial = true
				f.stats.StopReason = StopPaginationLimit
				return
			case exhausted && f.schema.Optional:
				log.Warnw("giving up on optional section for this pass", "error", err)
				f.stats.Partial = true
				f.stats.StopReason = StopRetriesExhausted
				return
			default:
				f.stats.StopReason = StopFailed
				yield(models.Record{}, fmt.Errorf("fetch %s page %d: %w", f.schema.Name, f.stats.Pages+1, err))
				return
			}
		}
		f.stats.Pages++

		failed := resp.FailedItems(collection)
		records := make([]models.Record, 0, len(resp.Items))
		lastSeen := pos
		for i, raw := range resp.Items {
			if c, ok := rawCursor(raw, f.schema.OrderingField); ok && c.After(lastSeen) {
				lastSeen = c
			}
			if msg, bad := failed[i]; bad {
				f.stats.Dropped++
				log.Debugw("dropping partial record", "index", i, "error", msg)
				continue
			}
			rec, err := decodeRecord(f.partition, f.schema, raw)
			if err != nil {
				f.stats.Dropped++
				log.Debugw("dropping undecodable record", "index", i, "error", err)
				continue
			}
			records = append(records, rec)
		}
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Cursor().Compare(records[j].Cursor()) < 0
		})

		for _, rec := range records {
			if strategy == upstream.StrategyOffset && anchor.ID != "" && !rec.Cursor().After(anchor) {
				continue
			}
			f.stats.Fetched++
			if !yield(rec, nil) {
				f.stats.StopReason = StopAbandoned
				return
			}
		}

		if len(resp.Items) < f.pageSize {
			f.stats.StopReason = StopExhausted
			return
		}

		if strategy == upstream.StrategyOffset {
			skip += len(resp.Items)
			continue
		}
		if !lastSeen.After(pos) {
			// a full page that does not move the keyset position would repeat forever
			log.Infow("keyset position did not advance, switching to offset paging")
			strategy, anchor, skip = upstream.StrategyOffset, pos, 0
			f.stats.Strategy = strategy
			continue
		}
		pos = lastSeen
	}
}

// rawCursor reads (ordering, id) without decoding the whole item.
func rawCursor(raw json.RawMessage, orderingField string) (models.Cursor, bool) {
	item := gjson.ParseBytes(raw)
	ord := item.Get(gjson.Escape(orderingField))
	if !ord.Exists() || ord.Type == gjson.Null {
		return models.Cursor{}, false
	}
	s := ord.String()
	if ord.Type == gjson.Number {
		s = ord.Raw
	}
	v, err := utils.ConvertToBigInt(s)
	if err != nil {
		return models.Cursor{}, false
	}
	return models.NewCursor(v, item.Get("id").String()), true
}

func decodeRecord(partition string, schema models.SectionSchema, raw json.RawMessage) (models.Record, error) {
	var fields map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return models.Record{}, fmt.Errorf("decode item: %w", err)
	}

	rec := models.Record{
		Partition: partition,
		Section:   schema.Name,
		ID:        utils.ConvertToString(fields["id"]),
		Fields:    fields,
	}
	if v, ok := fields[schema.OrderingField]; ok && v != nil {
		ord, err := utils.ConvertToBigInt(v)
		if err != nil {
			return models.Record{}, fmt.Errorf("item %s: ordering field %s: %w", rec.ID, schema.OrderingField, err)
		}
		rec.Ordering = ord
	}
	return rec, nil
}
