package etl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BartekS5/indexsync/internal/upstream"
	"github.com/BartekS5/indexsync/pkg/models"
)

// page is one scripted upstream reply.
type page struct {
	items []map[string]interface{}
	errs  []upstream.GraphQLError
	err   error
}

// scriptedQuerier replies with the next scripted page of the requested
// collection and an empty page once the script runs out.
type scriptedQuerier struct {
	mu       sync.Mutex
	pages    map[string][]page
	requests []upstream.Request
}

func newScriptedQuerier() *scriptedQuerier {
	return &scriptedQuerier{pages: make(map[string][]page)}
}

func (q *scriptedQuerier) add(collection string, pages ...page) *scriptedQuerier {
	q.pages[collection] = append(q.pages[collection], pages...)
	return q
}

func (q *scriptedQuerier) Query(_ context.Context, req upstream.Request) (*upstream.Response, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, req)

	script := q.pages[req.Collection]
	if len(script) == 0 {
		return &upstream.Response{}, nil
	}
	next := script[0]
	q.pages[req.Collection] = script[1:]
	if next.err != nil {
		return nil, next.err
	}
	resp := &upstream.Response{Errors: next.errs}
	for _, it := range next.items {
		raw, err := json.Marshal(it)
		if err != nil {
			return nil, err
		}
		resp.Items = append(resp.Items, raw)
	}
	return resp, nil
}

func (q *scriptedQuerier) requestsFor(collection string) []upstream.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []upstream.Request
	for _, r := range q.requests {
		if r.Collection == collection {
			out = append(out, r)
		}
	}
	return out
}

func agentItem(agentID int, updatedAt int64, name string) map[string]interface{} {
	return map[string]interface{}{
		"id":        fmt.Sprintf("agent-%d", agentID),
		"agentId":   fmt.Sprint(agentID),
		"owner":     "0x00000000000000000000000000000000000000a1",
		"agentURI":  "",
		"burned":    false,
		"createdAt": "1700000000",
		"updatedAt": fmt.Sprint(updatedAt),
		"registrationFile": map[string]interface{}{
			"name":            name,
			"description":     "agent " + fmt.Sprint(agentID),
			"active":          true,
			"supportedTrusts": []interface{}{"reputation"},
			"endpoints": []interface{}{
				map[string]interface{}{"name": "A2A", "endpoint": "https://agent.example/" + fmt.Sprint(agentID)},
			},
		},
	}
}

func feedbackItem(id string, agentID int, score int, block int64) map[string]interface{} {
	return map[string]interface{}{
		"id":            id,
		"agent":         map[string]interface{}{"agentId": fmt.Sprint(agentID)},
		"clientAddress": "0x00000000000000000000000000000000000000c1",
		"score":         score,
		"tag1":          "quality",
		"isRevoked":     false,
		"blockNumber":   fmt.Sprint(block),
		"createdAt":     "1700000100",
	}
}

func metadataItem(agentID int, key, value string, updatedAt int64) map[string]interface{} {
	return map[string]interface{}{
		"id":        fmt.Sprintf("%d-%s", agentID, key),
		"agent":     map[string]interface{}{"agentId": fmt.Sprint(agentID)},
		"key":       key,
		"value":     value,
		"updatedAt": fmt.Sprint(updatedAt),
	}
}

func sectionByName(t *testing.T, name string) Section {
	t.Helper()
	secs, err := SelectSections(Sections(TransformOptions{}), []string{name})
	require.NoError(t, err)
	return secs[0]
}

func record(t *testing.T, section string, item map[string]interface{}) models.Record {
	t.Helper()
	raw, err := json.Marshal(item)
	require.NoError(t, err)
	rec, err := decodeRecord("sepolia", sectionByName(t, section).Schema, raw)
	require.NoError(t, err)
	return rec
}

func agentKey(id string) map[string]interface{} {
	return map[string]interface{}{"chain": "sepolia", "agent_id": id}
}

func validationRequestItem(id string, agentID int, block int64) map[string]interface{} {
	return map[string]interface{}{
		"id":               id,
		"agent":            map[string]interface{}{"agentId": fmt.Sprint(agentID)},
		"validatorAddress": "0x00000000000000000000000000000000000000d1",
		"requestURI":       "ipfs://request-" + id,
		"blockNumber":      fmt.Sprint(block),
		"createdAt":        "1700000200",
	}
}
