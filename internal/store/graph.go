package store

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/BartekS5/indexsync/internal/etl"
	"github.com/BartekS5/indexsync/pkg/models"
)

const (
	graphNS   = "urn:indexsync:"
	propNS    = graphNS + "prop:"
	tableProp = graphNS + "table"
)

// DocumentStore persists whole documents per named context. A context is
// replaced or cleared as a unit, never edited line by line.
type DocumentStore interface {
	Upload(ctx context.Context, graphContext, body string, replace bool) error
	Clear(ctx context.Context, graphContext string) error
	Documents(ctx context.Context, graphContext string) ([]string, error)
}

// ContextName is the graph context holding one (partition, section).
func ContextName(partition, section string) string {
	return graphNS + partition + ":" + section
}

// graphRow is one subject of a context: its table and current columns.
type graphRow struct {
	table string
	cols  map[string]any
}

// graphContext is the decoded state of one context and the document it
// renders to.
type graphContext struct {
	rows map[string]*graphRow
	body string
}

func (c *graphContext) clone() *graphContext {
	out := &graphContext{rows: make(map[string]*graphRow, len(c.rows)), body: c.body}
	for s, r := range c.rows {
		out.rows[s] = r
	}
	return out
}

// GraphSink keeps one N-Triples document per (partition, section) context.
// Each batch merges its ops into the current rows of the touched contexts and
// replaces their documents, so a context always holds one line per column of
// each live row. Aggregates are not kept in the graph, so recompute ops are
// accepted and ignored.
type GraphSink struct {
	docs   DocumentStore
	owners map[string]string

	mu     sync.Mutex
	states *expirable.LRU[string, *graphContext]
}

func NewGraphSink(docs DocumentStore, cacheTTL time.Duration) *GraphSink {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	owners := make(map[string]string)
	for _, s := range etl.Sections(etl.TransformOptions{}) {
		owners[s.Schema.Table] = s.Schema.Name
	}
	return &GraphSink{
		docs:   docs,
		owners: owners,
		states: expirable.NewLRU[string, *graphContext](256, nil, cacheTTL),
	}
}

func (g *GraphSink) Apply(ctx context.Context, op models.WriteOp) error {
	return g.ApplyBatch(ctx, []models.WriteOp{op})
}

func (g *GraphSink) SupportsBatch() bool {
	return true
}

// contextOf names the context holding op's table. A table that is the main
// table of a section lives in that section's context, wherever the op came
// from, so a tombstone reaches the metadata rows of its agent.
func (g *GraphSink) contextOf(op models.WriteOp) string {
	if s, ok := g.owners[op.Table]; ok {
		return ContextName(op.Partition, s)
	}
	return ContextName(op.Partition, op.Section)
}

// ApplyBatch merges ops into their contexts and uploads each changed context
// once, replacing its previous document.
func (g *GraphSink) ApplyBatch(ctx context.Context, ops []models.WriteOp) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	byContext := make(map[string][]models.WriteOp)
	var order []string
	for _, op := range ops {
		if op.Kind == models.OpRecompute {
			continue
		}
		name := g.contextOf(op)
		if _, ok := byContext[name]; !ok {
			order = append(order, name)
		}
		byContext[name] = append(byContext[name], op)
	}

	for _, name := range order {
		current, err := g.load(ctx, name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		next := current.clone()
		for _, op := range byContext[name] {
			next.apply(op)
		}
		next.body = next.render()
		if next.body == current.body {
			continue
		}
		if next.body == "" {
			err = g.docs.Clear(ctx, name)
		} else {
			err = g.docs.Upload(ctx, name, next.body, true)
		}
		if err != nil {
			g.states.Remove(name)
			return fmt.Errorf("upload to %s: %w", name, err)
		}
		g.states.Add(name, next)
	}
	return nil
}

// load returns the cached state of a context, decoding it from the store on
// a miss.
func (g *GraphSink) load(ctx context.Context, name string) (*graphContext, error) {
	if st, ok := g.states.Get(name); ok {
		return st, nil
	}
	docs, err := g.docs.Documents(ctx, name)
	if err != nil {
		return nil, err
	}
	st := &graphContext{rows: make(map[string]*graphRow)}
	for _, doc := range docs {
		st.decode(doc)
	}
	st.body = st.render()
	g.states.Add(name, st)
	return st, nil
}

func (c *graphContext) apply(op models.WriteOp) {
	subj := Subject(op)
	switch op.Kind {
	case models.OpUpsert:
		var existing map[string]any
		if r, ok := c.rows[subj]; ok {
			existing = r.cols
		}
		c.rows[subj] = &graphRow{table: op.Table, cols: models.Merge(existing, op)}
	case models.OpInsertIfAbsent:
		if _, ok := c.rows[subj]; !ok {
			c.rows[subj] = &graphRow{table: op.Table, cols: models.Merge(nil, op)}
		}
	case models.OpDelete:
		for s, r := range c.rows {
			if r.table == op.Table && rowMatches(r.cols, op.Key) {
				delete(c.rows, s)
			}
		}
	}
}

// rowMatches compares by rendered value since decoded rows hold strings.
func rowMatches(cols, filter map[string]any) bool {
	for k, v := range filter {
		got, ok := cols[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func (c *graphContext) render() string {
	if len(c.rows) == 0 {
		return ""
	}
	subjects := make([]string, 0, len(c.rows))
	for s := range c.rows {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)

	var b strings.Builder
	for _, s := range subjects {
		r := c.rows[s]
		for _, line := range Triples(s, r.table, r.cols) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// decode reads lines written by render back into rows. Lines it does not
// recognise are dropped.
func (c *graphContext) decode(doc string) {
	for _, line := range strings.Split(doc, "\n") {
		subj, pred, value, ok := parseTriple(line)
		if !ok {
			continue
		}
		r, found := c.rows[subj]
		if !found {
			r = &graphRow{cols: make(map[string]any)}
			c.rows[subj] = r
		}
		switch {
		case pred == tableProp:
			r.table = value
		case strings.HasPrefix(pred, propNS):
			r.cols[strings.TrimPrefix(pred, propNS)] = value
		}
	}
}

func parseTriple(line string) (subj, pred, value string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "<") || !strings.HasSuffix(line, `" .`) {
		return "", "", "", false
	}
	end := strings.Index(line, "> <")
	if end < 0 {
		return "", "", "", false
	}
	subj = line[:end+1]
	rest := line[end+2:]
	pend := strings.Index(rest, `> "`)
	if pend < 0 {
		return "", "", "", false
	}
	pred = rest[1:pend]
	value = literalUnescaper.Replace(rest[pend+3 : len(rest)-3])
	return subj, pred, value, true
}

// Reset clears the contexts of the given sections.
func (g *GraphSink) Reset(ctx context.Context, partition string, sections []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range sections {
		name := ContextName(partition, s)
		if err := g.docs.Clear(ctx, name); err != nil {
			return fmt.Errorf("clear %s: %w", name, err)
		}
		g.states.Remove(name)
	}
	return nil
}

// Documents reads a context through the cache.
func (g *GraphSink) Documents(ctx context.Context, graphContext string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, err := g.load(ctx, graphContext)
	if err != nil {
		return nil, err
	}
	if st.body == "" {
		return nil, nil
	}
	return []string{st.body}, nil
}

// Subject is the IRI of the row op targets.
func Subject(op models.WriteOp) string {
	cols := op.KeyColumns()
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "chain" {
			continue
		}
		parts = append(parts, c+"="+url.PathEscape(fmt.Sprint(op.Key[c])))
	}
	return fmt.Sprintf("<%s%s:%s:%s>", graphNS, url.PathEscape(op.Partition), op.Table, strings.Join(parts, ";"))
}

// Triples renders one row as N-Triples lines: its table, then every column
// in name order. Nil values carry no information and are left out.
func Triples(subject, table string, cols map[string]any) []string {
	names := make([]string, 0, len(cols))
	for c, v := range cols {
		if !models.IsEmpty(v) {
			names = append(names, c)
		}
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names)+1)
	lines = append(lines, fmt.Sprintf("%s <%s> %s .", subject, tableProp, literal(table)))
	for _, c := range names {
		lines = append(lines, fmt.Sprintf("%s <%s%s> %s .", subject, propNS, c, literal(fmt.Sprint(cols[c]))))
	}
	return lines
}

var (
	literalEscaper   = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)
	literalUnescaper = strings.NewReplacer(`\\`, `\`, `\"`, `"`, `\n`, "\n", `\r`, "\r", `\t`, "\t")
)

func literal(s string) string {
	return `"` + literalEscaper.Replace(s) + `"`
}
