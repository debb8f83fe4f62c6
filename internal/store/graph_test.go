package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BartekS5/indexsync/internal/etl"
	"github.com/BartekS5/indexsync/pkg/models"
)

// fakeDocs is an in-process DocumentStore that counts reads and uploads.
type fakeDocs struct {
	mu        sync.Mutex
	docs      map[string][]string
	reads     int
	uploads   int
	uploadErr error
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: make(map[string][]string)}
}

func (f *fakeDocs) Upload(_ context.Context, name, body string, replace bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploads++
	if replace {
		f.docs[name] = nil
	}
	f.docs[name] = append(f.docs[name], body)
	return nil
}

func (f *fakeDocs) Clear(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, name)
	return nil
}

func (f *fakeDocs) Documents(_ context.Context, name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return append([]string(nil), f.docs[name]...), nil
}

func TestContextName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "urn:indexsync:sepolia:agents", ContextName("sepolia", "agents"))
}

func TestTriples(t *testing.T) {
	t.Parallel()

	op := agentUpsert("7", map[string]any{
		"name":  "Al \"the\" agent",
		"owner": models.ZeroAddress,
		"image": nil,
	}, map[string]models.MergePolicy{"owner": models.MergeVeto})

	subj := Subject(op)
	assert.Equal(t, "<urn:indexsync:sepolia:agents:agent_id=7>", subj)
	assert.Equal(t, []string{
		subj + ` <urn:indexsync:table> "agents" .`,
		subj + ` <urn:indexsync:prop:agent_id> "7" .`,
		subj + ` <urn:indexsync:prop:chain> "sepolia" .`,
		subj + ` <urn:indexsync:prop:name> "Al \"the\" agent" .`,
	}, Triples(subj, op.Table, models.Merge(nil, op)))
}

func TestGraphContext_DecodeReadsRenderedLines(t *testing.T) {
	t.Parallel()

	st := &graphContext{rows: make(map[string]*graphRow)}
	st.apply(agentUpsert("7", map[string]any{"name": "line\nbreak \\ \"quoted\"", "updated_at": int64(5)}, nil))
	body := st.render()

	back := &graphContext{rows: make(map[string]*graphRow)}
	back.decode(body + "garbage line\n")
	assert.Equal(t, body, back.render())

	row := back.rows["<urn:indexsync:sepolia:agents:agent_id=7>"]
	require.NotNil(t, row)
	assert.Equal(t, "agents", row.table)
	assert.Equal(t, "line\nbreak \\ \"quoted\"", row.cols["name"])
	assert.Equal(t, "5", row.cols["updated_at"])
}

func TestGraphSink_GroupsByContextAndCaches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	docs := newFakeDocs()
	sink := NewGraphSink(docs, time.Minute)

	require.NoError(t, sink.ApplyBatch(ctx, []models.WriteOp{
		agentUpsert("1", map[string]any{"name": "Alice"}, nil),
		agentUpsert("2", map[string]any{"name": "Bob"}, nil),
		feedbackUpsert("f1", "1", 80, 0),
		recomputeFeedback("1"),
	}))
	assert.Equal(t, 2, docs.uploads, "one upload per context per batch")

	agents := ContextName("sepolia", "agents")
	got, err := sink.Documents(ctx, agents)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 8, strings.Count(got[0], "\n"))
	readsAfterWrite := docs.reads

	_, err = sink.Documents(ctx, agents)
	require.NoError(t, err)
	assert.Equal(t, readsAfterWrite, docs.reads, "second read is served from cache")

	require.NoError(t, sink.Apply(ctx, agentUpsert("3", map[string]any{"name": "Carol"}, nil)))
	got, err = sink.Documents(ctx, agents)
	require.NoError(t, err)
	require.Len(t, got, 1, "the context is replaced, not appended to")
	assert.Contains(t, got[0], `"Carol"`)
	assert.Equal(t, got, docs.docs[agents])

	require.NoError(t, sink.Reset(ctx, "sepolia", []string{"agents", "feedback"}))
	got, err = sink.Documents(ctx, agents)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGraphSink_RenameKeepsOnlyCurrentValues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	docs := newFakeDocs()
	sink := NewGraphSink(docs, time.Minute)
	always := map[string]models.MergePolicy{"updated_at": models.MergeAlways}

	require.NoError(t, sink.Apply(ctx, agentUpsert("1", map[string]any{"name": "Alice", "updated_at": int64(100)}, always)))
	require.NoError(t, sink.Apply(ctx, agentUpsert("1", map[string]any{"name": "Alicia", "updated_at": int64(200)}, always)))

	doc := docs.docs[ContextName("sepolia", "agents")]
	require.Len(t, doc, 1)
	assert.Contains(t, doc[0], `<urn:indexsync:prop:name> "Alicia" .`)
	assert.NotContains(t, doc[0], `"Alice"`)
	assert.Contains(t, doc[0], `<urn:indexsync:prop:updated_at> "200" .`)
	assert.NotContains(t, doc[0], `"100"`)
	assert.Equal(t, 1, strings.Count(doc[0], "<urn:indexsync:prop:name>"))
}

func TestGraphSink_MergesOverStoredDocument(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	docs := newFakeDocs()

	first := NewGraphSink(docs, time.Minute)
	require.NoError(t, first.Apply(ctx, agentUpsert("1", map[string]any{
		"name":  "Alice",
		"owner": "0x00000000000000000000000000000000000000a1",
	}, nil)))

	// a fresh sink has no cached state and must decode the stored document
	second := NewGraphSink(docs, time.Minute)
	require.NoError(t, second.Apply(ctx, agentUpsert("1", map[string]any{
		"name":  "",
		"owner": models.ZeroAddress,
		"image": "ipfs://img",
	}, map[string]models.MergePolicy{"owner": models.MergeVeto})))

	doc := docs.docs[ContextName("sepolia", "agents")]
	require.Len(t, doc, 1)
	assert.Contains(t, doc[0], `<urn:indexsync:prop:name> "Alice" .`)
	assert.Contains(t, doc[0], `<urn:indexsync:prop:owner> "0x00000000000000000000000000000000000000a1" .`)
	assert.Contains(t, doc[0], `<urn:indexsync:prop:image> "ipfs://img" .`)
}

func TestGraphSink_DeleteRemovesRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	docs := newFakeDocs()
	sink := NewGraphSink(docs, time.Minute)

	endpoint := func(agentID, url string) models.WriteOp {
		return models.WriteOp{
			Kind: models.OpInsertIfAbsent, Partition: "sepolia", Section: etl.SectionAgents, Table: "agent_endpoints",
			Key: map[string]any{"chain": "sepolia", "agent_id": agentID, "endpoint": url},
		}
	}
	metadata := models.WriteOp{
		Kind: models.OpUpsert, Partition: "sepolia", Section: etl.SectionMetadata, Table: "agent_metadata",
		Key:    map[string]any{"chain": "sepolia", "agent_id": "1", "key": "version"},
		Fields: map[string]any{"value": "2"},
	}
	require.NoError(t, sink.ApplyBatch(ctx, []models.WriteOp{
		agentUpsert("1", map[string]any{"name": "Alice"}, nil),
		agentUpsert("2", map[string]any{"name": "Bob"}, nil),
		endpoint("1", "https://a.example"),
		endpoint("2", "https://b.example"),
		metadata,
	}))

	key := map[string]any{"chain": "sepolia", "agent_id": "1"}
	del := func(table string) models.WriteOp {
		return models.WriteOp{Kind: models.OpDelete, Partition: "sepolia", Section: etl.SectionAgents, Table: table, Key: key}
	}
	require.NoError(t, sink.ApplyBatch(ctx, []models.WriteOp{
		del("agent_endpoints"), del("agent_metadata"), del("agents"),
	}))

	agents := docs.docs[ContextName("sepolia", etl.SectionAgents)]
	require.Len(t, agents, 1)
	assert.NotContains(t, agents[0], "agent_id=1")
	assert.NotContains(t, agents[0], `"Alice"`)
	assert.Contains(t, agents[0], `"Bob"`)
	assert.Contains(t, agents[0], "https://b.example")

	_, ok := docs.docs[ContextName("sepolia", etl.SectionMetadata)]
	assert.False(t, ok, "an emptied context is cleared")
}

func TestGraphSink_UnchangedBatchIsNotUploaded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	docs := newFakeDocs()
	sink := NewGraphSink(docs, time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Apply(ctx, agentUpsert("1", map[string]any{"name": "Alice"}, nil)))
	}
	assert.Equal(t, 1, docs.uploads)
	assert.Len(t, docs.docs[ContextName("sepolia", "agents")], 1)
}

func TestGraphSink_UploadError(t *testing.T) {
	t.Parallel()
	docs := newFakeDocs()
	docs.uploadErr = errors.New("connection refused")
	sink := NewGraphSink(docs, 0)

	err := sink.Apply(context.Background(), agentUpsert("1", map[string]any{"name": "Alice"}, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), ContextName("sepolia", "agents"))
}
