// Package upstream talks to the paginated GraphQL source.
package upstream

//go:generate mockgen -destination=mocks/mock_querier.go -package=mocks -source=querier.go Querier

import (
	"context"
	"encoding/json"
)

// Request is one page query against a collection.
type Request struct {
	Collection string
	Query      string
	Variables  map[string]interface{}
}

// GraphQLError is an entry of the response "errors" array.
type GraphQLError struct {
	Message string
	Path    []interface{}
}

// Response carries the raw items of the queried collection. Errors is
// non-empty when the upstream returned data alongside per-item errors.
type Response struct {
	Items  []json.RawMessage
	Errors []GraphQLError
}

// FailedItems returns the indexes of items that an error path points into,
// mapped to the error message.
func (r *Response) FailedItems(collection string) map[int]string {
	out := make(map[int]string)
	for _, e := range r.Errors {
		if len(e.Path) < 2 {
			continue
		}
		if name, ok := e.Path[0].(string); !ok || name != collection {
			continue
		}
		switch idx := e.Path[1].(type) {
		case float64:
			out[int(idx)] = e.Message
		case int:
			out[idx] = e.Message
		case json.Number:
			if n, err := idx.Int64(); err == nil {
				out[int(n)] = e.Message
			}
		}
	}
	return out
}

// Querier executes one page query.
type Querier interface {
	Query(ctx context.Context, req Request) (*Response, error)
}
