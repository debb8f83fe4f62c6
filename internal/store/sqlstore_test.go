package store

import (
	"context"
	"database/sql"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/BartekS5/indexsync/internal/etl"
	"github.com/BartekS5/indexsync/pkg/models"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := NewSQLStore(db, SQLite)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func agentUpsert(id string, fields map[string]any, policies map[string]models.MergePolicy) models.WriteOp {
	return models.WriteOp{
		Kind:      models.OpUpsert,
		Partition: "sepolia",
		Section:   etl.SectionAgents,
		Table:     "agents",
		Key:       map[string]any{"chain": "sepolia", "agent_id": id},
		Fields:    fields,
		Policies:  policies,
	}
}

func feedbackUpsert(id, agentID string, score int64, revoked int) models.WriteOp {
	return models.WriteOp{
		Kind:      models.OpUpsert,
		Partition: "sepolia",
		Section:   etl.SectionFeedback,
		Table:     "feedback",
		Key:       map[string]any{"chain": "sepolia", "feedback_id": id},
		Fields:    map[string]any{"agent_id": agentID, "score": score, "revoked": revoked},
		Policies:  map[string]models.MergePolicy{"revoked": models.MergeAlways},
	}
}

func recomputeFeedback(agentID string) models.WriteOp {
	return models.WriteOp{
		Kind:      models.OpRecompute,
		Partition: "sepolia",
		Section:   etl.SectionFeedback,
		Table:     etl.AggregateFeedback,
		Key:       map[string]any{"chain": "sepolia", "agent_id": agentID},
	}
}

type agentRow struct {
	Name          sql.NullString
	Owner         sql.NullString
	UpdatedAt     sql.NullInt64
	FeedbackCount int64
	AverageScore  sql.NullFloat64
}

func readAgent(t *testing.T, s *SQLStore, id string) agentRow {
	t.Helper()
	var r agentRow
	err := s.db.QueryRow(`SELECT name, owner, updated_at, feedback_count, average_score FROM agents WHERE chain = ? AND agent_id = ?`,
		"sepolia", id).Scan(&r.Name, &r.Owner, &r.UpdatedAt, &r.FeedbackCount, &r.AverageScore)
	require.NoError(t, err)
	return r
}

func countRows(t *testing.T, s *SQLStore, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM "`+table+`"`).Scan(&n))
	return n
}

func TestSQLStore_MigrateIsRepeatable(t *testing.T) {
	t.Parallel()
	s := newSQLiteStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	assert.Equal(t, 0, countRows(t, s, "agents"))
	assert.Equal(t, 0, countRows(t, s, "sync_checkpoints"))
}

func TestSQLStore_UpsertMergePolicies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSQLiteStore(t)
	veto := map[string]models.MergePolicy{"owner": models.MergeVeto, "updated_at": models.MergeAlways}

	require.NoError(t, s.Apply(ctx, agentUpsert("1", map[string]any{
		"name": "Alice", "owner": "0x00000000000000000000000000000000000000a1", "updated_at": int64(10),
	}, veto)))
	require.NoError(t, s.Apply(ctx, agentUpsert("1", map[string]any{
		"name": nil, "owner": models.ZeroAddress, "updated_at": nil,
	}, veto)))

	row := readAgent(t, s, "1")
	assert.Equal(t, "Alice", row.Name.String, "nil must not overwrite a coalesced column")
	assert.Equal(t, "0x00000000000000000000000000000000000000a1", row.Owner.String, "zero address must not overwrite")
	assert.False(t, row.UpdatedAt.Valid, "always-policy columns take the incoming value")
}

func TestSQLStore_InsertIfAbsentKeepsExistingRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSQLiteStore(t)
	op := models.WriteOp{
		Kind:  models.OpInsertIfAbsent,
		Table: "agent_trust_models",
		Key:   map[string]any{"chain": "sepolia", "agent_id": "1", "trust_model": "reputation"},
	}
	require.NoError(t, s.Apply(ctx, op))
	require.NoError(t, s.Apply(ctx, op))
	assert.Equal(t, 1, countRows(t, s, "agent_trust_models"))
}

func TestSQLStore_DeleteByKeyPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSQLiteStore(t)
	for _, ep := range []string{"https://a", "https://b"} {
		require.NoError(t, s.Apply(ctx, models.WriteOp{
			Kind:  models.OpInsertIfAbsent,
			Table: "agent_endpoints",
			Key:   map[string]any{"chain": "sepolia", "agent_id": "1", "name": "A2A", "endpoint": ep},
		}))
	}
	require.NoError(t, s.Apply(ctx, models.WriteOp{
		Kind:  models.OpInsertIfAbsent,
		Table: "agent_endpoints",
		Key:   map[string]any{"chain": "sepolia", "agent_id": "2", "name": "A2A", "endpoint": "https://c"},
	}))

	require.NoError(t, s.Apply(ctx, models.WriteOp{
		Kind:  models.OpDelete,
		Table: "agent_endpoints",
		Key:   map[string]any{"chain": "sepolia", "agent_id": "1"},
	}))
	assert.Equal(t, 1, countRows(t, s, "agent_endpoints"))
}

func TestSQLStore_RecomputeSkipsRevokedFeedback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSQLiteStore(t)

	ops := []models.WriteOp{
		agentUpsert("1", map[string]any{"name": "Alice"}, nil),
		feedbackUpsert("f1", "1", 80, 0),
		feedbackUpsert("f2", "1", 91, 0),
		feedbackUpsert("f3", "1", 5, 1),
		feedbackUpsert("f4", "2", 10, 0),
		recomputeFeedback("1"),
	}
	require.NoError(t, s.ApplyBatch(ctx, ops))

	row := readAgent(t, s, "1")
	assert.Equal(t, int64(2), row.FeedbackCount)
	require.True(t, row.AverageScore.Valid)
	assert.InDelta(t, 85.5, row.AverageScore.Float64, 0.001)

	require.NoError(t, s.Apply(ctx, feedbackUpsert("f1", "1", 80, 1)))
	require.NoError(t, s.Apply(ctx, feedbackUpsert("f2", "1", 91, 1)))
	require.NoError(t, s.Apply(ctx, recomputeFeedback("1")))
	row = readAgent(t, s, "1")
	assert.Equal(t, int64(0), row.FeedbackCount)
	assert.False(t, row.AverageScore.Valid)
}

func TestSQLStore_ApplyBatchRollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newSQLiteStore(t)

	err := s.ApplyBatch(ctx, []models.WriteOp{
		agentUpsert("1", map[string]any{"name": "Alice"}, nil),
		{Kind: models.OpUpsert, Table: "no_such_table", Key: map[string]any{"chain": "sepolia"}, Fields: map[string]any{"x": 1}},
	})
	require.Error(t, err)
	assert.Equal(t, 0, countRows(t, s, "agents"))
}

func TestSQLCheckpoints(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cps := newSQLiteStore(t).Checkpoints()

	_, found, err := cps.Get(ctx, "sepolia", "agents")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cps.Set(ctx, "sepolia", "agents", models.NewCursor(big.NewInt(100), "agent-1")))
	require.NoError(t, cps.Set(ctx, "sepolia", "agents", models.NewCursor(big.NewInt(120), "agent-9")))
	require.NoError(t, cps.Set(ctx, "sepolia", "feedback", models.NewCursor(big.NewInt(7), "")))
	require.NoError(t, cps.Set(ctx, "base", "agents", models.NewCursor(big.NewInt(1), "agent-1")))

	got, found, err := cps.Get(ctx, "sepolia", "agents")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.NewCursor(big.NewInt(120), "agent-9"), got)

	list, err := cps.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "base", list[0].Partition)
	assert.Equal(t, "feedback", list[2].Section)
	assert.False(t, list[2].UpdatedAt.IsZero())

	require.NoError(t, cps.Reset(ctx, "sepolia"))
	list, err = cps.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "base", list[0].Partition)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(sql.ErrNoRows))
	assert.True(t, IsTransient(context.DeadlineExceeded))
}
