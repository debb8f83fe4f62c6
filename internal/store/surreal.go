package store

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/BartekS5/indexsync/pkg/models"
)

const (
	surrealDocumentTable   = "graph_document"
	surrealCheckpointTable = "sync_checkpoint"
)

// SurrealStore keeps graph documents and checkpoints in SurrealDB.
type SurrealStore struct {
	db *surrealdb.DB
}

func NewSurrealStore(db *surrealdb.DB) *SurrealStore {
	return &SurrealStore{db: db}
}

type graphDocument struct {
	Context string `json:"context"`
	Body    string `json:"body"`
	Seq     int64  `json:"seq"`
}

func (s *SurrealStore) Upload(ctx context.Context, graphContext, body string, replace bool) error {
	query := "CREATE type::table($tb) CONTENT $doc RETURN NONE;"
	if replace {
		query = `BEGIN TRANSACTION;
DELETE type::table($tb) WHERE context = $context RETURN NONE;
CREATE type::table($tb) CONTENT $doc RETURN NONE;
COMMIT TRANSACTION;`
	}
	params := map[string]any{
		"tb":      surrealDocumentTable,
		"context": graphContext,
		"doc":     graphDocument{Context: graphContext, Body: body, Seq: time.Now().UnixNano()},
	}
	if _, err := surrealdb.Query[any](ctx, s.db, query, params); err != nil {
		return fmt.Errorf("failed to upload graph document: %w", err)
	}
	return nil
}

func (s *SurrealStore) Clear(ctx context.Context, graphContext string) error {
	params := map[string]any{"tb": surrealDocumentTable, "context": graphContext}
	if _, err := surrealdb.Query[any](ctx, s.db, "DELETE type::table($tb) WHERE context = $context RETURN NONE;", params); err != nil {
		return fmt.Errorf("failed to clear graph context: %w", err)
	}
	return nil
}

func (s *SurrealStore) Documents(ctx context.Context, graphContext string) ([]string, error) {
	params := map[string]any{"tb": surrealDocumentTable, "context": graphContext}
	result, err := surrealdb.Query[[]graphDocument](ctx, s.db,
		"SELECT context, body, seq FROM type::table($tb) WHERE context = $context ORDER BY seq ASC;", params)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph context: %w", err)
	}
	var out []string
	if result != nil && len(*result) > 0 {
		for _, d := range (*result)[0].Result {
			out = append(out, d.Body)
		}
	}
	return out, nil
}

// SurrealCheckpoints stores one record per (partition, section).
type SurrealCheckpoints struct {
	db *surrealdb.DB
}

func (s *SurrealStore) Checkpoints() *SurrealCheckpoints {
	return &SurrealCheckpoints{db: s.db}
}

type checkpointDoc struct {
	Chain     string `json:"chain"`
	Section   string `json:"section"`
	Value     string `json:"cursor_value"`
	ID        string `json:"cursor_id"`
	UpdatedAt int64  `json:"updated_at"`
}

func (d checkpointDoc) checkpoint() (models.Checkpoint, error) {
	cp := models.Checkpoint{Partition: d.Chain, Section: d.Section, UpdatedAt: time.UnixMilli(d.UpdatedAt).UTC()}
	if d.Value == "" {
		return cp, nil
	}
	v, ok := new(big.Int).SetString(d.Value, 10)
	if !ok {
		return cp, fmt.Errorf("invalid stored cursor value %q", d.Value)
	}
	cp.Cursor = models.Cursor{Value: v, ID: d.ID}
	return cp, nil
}

func checkpointRecord(partition, section string) surrealmodels.RecordID {
	return surrealmodels.NewRecordID(surrealCheckpointTable, partition+"/"+section)
}

func (c *SurrealCheckpoints) Get(ctx context.Context, partition, section string) (models.Cursor, bool, error) {
	result, err := surrealdb.Query[[]checkpointDoc](ctx, c.db, "SELECT * FROM $rid;",
		map[string]any{"rid": checkpointRecord(partition, section)})
	if err != nil {
		return models.Cursor{}, false, fmt.Errorf("get checkpoint %s/%s: %w", partition, section, err)
	}
	if result == nil || len(*result) == 0 || len((*result)[0].Result) == 0 {
		return models.Cursor{}, false, nil
	}
	cp, err := (*result)[0].Result[0].checkpoint()
	if err != nil {
		return models.Cursor{}, false, err
	}
	return cp.Cursor, true, nil
}

func (c *SurrealCheckpoints) Set(ctx context.Context, partition, section string, cursor models.Cursor) error {
	doc := checkpointDoc{Chain: partition, Section: section, ID: cursor.ID, UpdatedAt: time.Now().UTC().UnixMilli()}
	if cursor.Value != nil {
		doc.Value = cursor.Value.String()
	}
	_, err := surrealdb.Query[any](ctx, c.db, "UPSERT $rid CONTENT $doc RETURN NONE;",
		map[string]any{"rid": checkpointRecord(partition, section), "doc": doc})
	if err != nil {
		return fmt.Errorf("set checkpoint %s/%s: %w", partition, section, err)
	}
	return nil
}

func (c *SurrealCheckpoints) Reset(ctx context.Context, partition string) error {
	_, err := surrealdb.Query[any](ctx, c.db, "DELETE type::table($tb) WHERE chain = $chain RETURN NONE;",
		map[string]any{"tb": surrealCheckpointTable, "chain": partition})
	if err != nil {
		return fmt.Errorf("reset checkpoints for %s: %w", partition, err)
	}
	return nil
}

func (c *SurrealCheckpoints) List(ctx context.Context) ([]models.Checkpoint, error) {
	result, err := surrealdb.Query[[]checkpointDoc](ctx, c.db, "SELECT * FROM type::table($tb);",
		map[string]any{"tb": surrealCheckpointTable})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var out []models.Checkpoint
	if result != nil && len(*result) > 0 {
		for _, d := range (*result)[0].Result {
			cp, err := d.checkpoint()
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Partition != out[j].Partition {
			return out[i].Partition < out[j].Partition
		}
		return out[i].Section < out[j].Section
	})
	return out, nil
}
