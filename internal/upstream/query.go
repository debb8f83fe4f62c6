package upstream

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Strategy selects how successive pages are addressed.
type Strategy int

const (
	// StrategyCursor filters past the last seen (ordering, id) pair.
	StrategyCursor Strategy = iota
	// StrategyOffset pages with skip from a fixed lower bound.
	StrategyOffset
)

func (s Strategy) String() string {
	if s == StrategyOffset {
		return "offset"
	}
	return "cursor"
}

// PageQuery describes one page of a collection ordered ascending by OrderBy.
type PageQuery struct {
	Collection string
	Selection  string
	OrderBy    string
	Strategy   Strategy
	First      int
	Skip       int
	// Since is the lower bound of the ordering field; nil means no bound.
	Since *big.Int
	// AfterID, with StrategyCursor, excludes records at Since with id <= AfterID.
	AfterID string
}

func (q PageQuery) Build() Request {
	args := []string{
		"first: $first",
		"orderBy: " + q.OrderBy,
		"orderDirection: asc",
	}
	vars := map[string]interface{}{"first": q.First}
	decls := []string{"$first: Int!"}

	if q.Strategy == StrategyOffset && q.Skip > 0 {
		args = append(args, "skip: $skip")
		vars["skip"] = q.Skip
		decls = append(decls, "$skip: Int!")
	}
	if where := q.where(); where != "" {
		args = append(args, "where: "+where)
	}

	query := fmt.Sprintf("query Page(%s) {\n  %s(%s) {\n    %s\n  }\n}",
		strings.Join(decls, ", "),
		q.Collection,
		strings.Join(args, ", "),
		strings.TrimSpace(q.Selection),
	)
	return Request{Collection: q.Collection, Query: query, Variables: vars}
}

func (q PageQuery) where() string {
	if q.Since == nil {
		return ""
	}
	since := literal(q.Since.String())
	if q.Strategy == StrategyOffset || q.AfterID == "" {
		return fmt.Sprintf("{%s_gte: %s}", q.OrderBy, since)
	}
	return fmt.Sprintf("{or: [{%s_gt: %s}, {%s: %s, id_gt: %s}]}",
		q.OrderBy, since, q.OrderBy, since, literal(q.AfterID))
}

// literal renders s as a GraphQL string literal.
func literal(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
