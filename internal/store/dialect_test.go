package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BartekS5/indexsync/internal/etl"
	"github.com/BartekS5/indexsync/pkg/models"
)

func TestDialectFor(t *testing.T) {
	t.Parallel()
	for driver, want := range map[string]string{
		"postgres": "postgres", "pgx": "postgres",
		"sqlite": "sqlite", "sqlserver": "sqlserver", "mssql": "sqlserver",
	} {
		d, err := DialectFor(driver)
		require.NoError(t, err, driver)
		assert.Equal(t, want, d.Name)
	}
	_, err := DialectFor("oracle")
	assert.Error(t, err)
}

func TestPostgresUpsertStatement(t *testing.T) {
	t.Parallel()
	op := agentUpsert("7", map[string]any{"name": "Alice", "owner": "0xabc", "updated_at": int64(3)},
		map[string]models.MergePolicy{"owner": models.MergeVeto, "updated_at": models.MergeAlways})

	stmt, err := Postgres.Statement(op)
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "agents" ("agent_id", "chain", "name", "owner", "updated_at") VALUES ($1, $2, $3, $4, $5) `+
			`ON CONFLICT ("agent_id", "chain") DO UPDATE SET `+
			`"name" = COALESCE(excluded."name", "agents"."name"), `+
			`"owner" = COALESCE(NULLIF(excluded."owner", '`+models.ZeroAddress+`'), "agents"."owner"), `+
			`"updated_at" = excluded."updated_at"`,
		stmt.SQL)
	assert.Equal(t, []any{"7", "sepolia", "Alice", "0xabc", int64(3)}, stmt.Args)
}

func TestInsertIfAbsentStatement(t *testing.T) {
	t.Parallel()
	stmt, err := SQLite.Statement(models.WriteOp{
		Kind:  models.OpInsertIfAbsent,
		Table: "agent_trust_models",
		Key:   map[string]any{"chain": "sepolia", "agent_id": "1", "trust_model": "tee"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "agent_trust_models" ("agent_id", "chain", "trust_model") VALUES (?, ?, ?) ON CONFLICT ("agent_id", "chain", "trust_model") DO NOTHING`,
		stmt.SQL)
}

func TestSQLServerMergeStatement(t *testing.T) {
	t.Parallel()
	stmt, err := SQLServer.Statement(agentUpsert("7", map[string]any{"name": "Alice"}, nil))
	require.NoError(t, err)
	assert.Equal(t,
		`MERGE INTO [agents] WITH (HOLDLOCK) AS tgt USING (SELECT @p1 AS [agent_id], @p2 AS [chain], @p3 AS [name]) AS src `+
			`ON tgt.[agent_id] = src.[agent_id] AND tgt.[chain] = src.[chain] `+
			`WHEN MATCHED THEN UPDATE SET tgt.[name] = COALESCE(src.[name], tgt.[name]) `+
			`WHEN NOT MATCHED THEN INSERT ([agent_id], [chain], [name]) VALUES (src.[agent_id], src.[chain], src.[name]);`,
		stmt.SQL)
	assert.Len(t, stmt.Args, 3)
}

func TestRecomputeStatement(t *testing.T) {
	t.Parallel()

	stmt, err := Postgres.Statement(recomputeFeedback("1"))
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, `UPDATE "agents" SET "feedback_count" = (SELECT COUNT(*) FROM "feedback" s`)
	assert.Contains(t, stmt.SQL, `s."revoked" = 0`)
	assert.Contains(t, stmt.SQL, `CAST(s."score" AS NUMERIC)`)

	stmt, err = SQLServer.Statement(models.WriteOp{
		Kind:  models.OpRecompute,
		Table: etl.AggregateValidation,
		Key:   map[string]any{"chain": "sepolia", "agent_id": "1"},
	})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, `[validation_responses]`)
	assert.NotContains(t, stmt.SQL, "revoked")

	_, err = Postgres.Statement(models.WriteOp{Kind: models.OpRecompute, Table: "bogus"})
	assert.Error(t, err)
}

func TestSchemaSplitsStatements(t *testing.T) {
	t.Parallel()
	for _, d := range []Dialect{Postgres, SQLite, SQLServer} {
		stmts, err := d.Schema()
		require.NoError(t, err, d.Name)
		assert.GreaterOrEqual(t, len(stmts), 10, d.Name)
		for _, s := range stmts {
			assert.NotEmpty(t, s)
		}
	}
}
