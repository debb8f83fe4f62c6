package store

import (
	"embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/BartekS5/indexsync/internal/etl"
	"github.com/BartekS5/indexsync/pkg/models"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Dialect renders write ops as SQL for one relational engine.
type Dialect struct {
	Name        string
	placeholder func(n int) string
	quote       func(ident string) string
	realType    string
	useMerge    bool
}

var (
	Postgres = Dialect{
		Name:        "postgres",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		quote:       doubleQuote,
		realType:    "NUMERIC",
	}
	SQLite = Dialect{
		Name:        "sqlite",
		placeholder: func(int) string { return "?" },
		quote:       doubleQuote,
		realType:    "REAL",
	}
	SQLServer = Dialect{
		Name:        "sqlserver",
		placeholder: func(n int) string { return "@p" + strconv.Itoa(n) },
		quote:       func(s string) string { return "[" + strings.ReplaceAll(s, "]", "]]") + "]" },
		realType:    "FLOAT",
		useMerge:    true,
	}
)

func doubleQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "sqlserver", "mssql":
		return SQLServer, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported relational driver %q", driver)
	}
}

// Statement is one parameterized SQL statement.
type Statement struct {
	SQL  string
	Args []any
}

// Schema returns the DDL statements for the dialect in execution order.
func (d Dialect) Schema() ([]string, error) {
	raw, err := schemaFS.ReadFile("schema/" + d.Name + ".sql")
	if err != nil {
		return nil, fmt.Errorf("read %s schema: %w", d.Name, err)
	}
	var out []string
	for _, stmt := range strings.Split(string(raw), ";\n") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out, nil
}

// args numbers placeholders as they are added.
type args struct {
	d    Dialect
	vals []any
}

func (a *args) add(v any) string {
	a.vals = append(a.vals, v)
	return a.d.placeholder(len(a.vals))
}

// Statement renders op.
func (d Dialect) Statement(op models.WriteOp) (Statement, error) {
	switch op.Kind {
	case models.OpUpsert:
		return d.upsert(op, true), nil
	case models.OpInsertIfAbsent:
		return d.upsert(op, false), nil
	case models.OpDelete:
		return d.delete(op), nil
	case models.OpRecompute:
		return d.recompute(op)
	default:
		return Statement{}, fmt.Errorf("unsupported op kind %s", op.Kind)
	}
}

func (d Dialect) upsert(op models.WriteOp, update bool) Statement {
	if d.useMerge {
		return d.merge(op, update)
	}
	a := &args{d: d}
	keys := op.KeyColumns()
	fields := op.FieldColumns()

	cols := make([]string, 0, len(keys)+len(fields))
	vals := make([]string, 0, len(keys)+len(fields))
	for _, k := range keys {
		cols = append(cols, d.quote(k))
		vals = append(vals, a.add(op.Key[k]))
	}
	for _, f := range fields {
		cols = append(cols, d.quote(f))
		vals = append(vals, a.add(op.Fields[f]))
	}
	quotedKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		quotedKeys = append(quotedKeys, d.quote(k))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		d.quote(op.Table), strings.Join(cols, ", "), strings.Join(vals, ", "), strings.Join(quotedKeys, ", "))
	if !update || len(fields) == 0 {
		b.WriteString("DO NOTHING")
		return Statement{SQL: b.String(), Args: a.vals}
	}
	sets := make([]string, 0, len(fields))
	for _, f := range fields {
		incoming := "excluded." + d.quote(f)
		current := d.quote(op.Table) + "." + d.quote(f)
		sets = append(sets, d.quote(f)+" = "+d.mergeExpr(op.Policy(f), incoming, current))
	}
	b.WriteString("DO UPDATE SET ")
	b.WriteString(strings.Join(sets, ", "))
	return Statement{SQL: b.String(), Args: a.vals}
}

func (d Dialect) mergeExpr(p models.MergePolicy, incoming, current string) string {
	switch p {
	case models.MergeAlways:
		return incoming
	case models.MergeVeto:
		return fmt.Sprintf("COALESCE(NULLIF(%s, '%s'), %s)", incoming, models.ZeroAddress, current)
	default:
		return fmt.Sprintf("COALESCE(%s, %s)", incoming, current)
	}
}

func (d Dialect) merge(op models.WriteOp, update bool) Statement {
	a := &args{d: d}
	keys := op.KeyColumns()
	fields := op.FieldColumns()

	var src, on, insCols, insVals []string
	for _, k := range keys {
		src = append(src, a.add(op.Key[k])+" AS "+d.quote(k))
		on = append(on, "tgt."+d.quote(k)+" = src."+d.quote(k))
	}
	for _, f := range fields {
		src = append(src, a.add(op.Fields[f])+" AS "+d.quote(f))
	}
	for _, c := range append(append([]string{}, keys...), fields...) {
		insCols = append(insCols, d.quote(c))
		insVals = append(insVals, "src."+d.quote(c))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s WITH (HOLDLOCK) AS tgt USING (SELECT %s) AS src ON %s",
		d.quote(op.Table), strings.Join(src, ", "), strings.Join(on, " AND "))
	if update && len(fields) > 0 {
		sets := make([]string, 0, len(fields))
		for _, f := range fields {
			sets = append(sets, "tgt."+d.quote(f)+" = "+d.mergeExpr(op.Policy(f), "src."+d.quote(f), "tgt."+d.quote(f)))
		}
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		strings.Join(insCols, ", "), strings.Join(insVals, ", "))
	return Statement{SQL: b.String(), Args: a.vals}
}

func (d Dialect) where(a *args, key map[string]any, cols []string, prefix string) string {
	conds := make([]string, 0, len(cols))
	for _, c := range cols {
		conds = append(conds, prefix+d.quote(c)+" = "+a.add(key[c]))
	}
	return strings.Join(conds, " AND ")
}

func (d Dialect) delete(op models.WriteOp) Statement {
	a := &args{d: d}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s", d.quote(op.Table), d.where(a, op.Key, op.KeyColumns(), ""))
	return Statement{SQL: sql, Args: a.vals}
}

type aggregate struct {
	source  string
	value   string
	revoked string
	count   string
	average string
}

var aggregates = map[string]aggregate{
	etl.AggregateFeedback: {
		source: "feedback", value: "score", revoked: "revoked",
		count: "feedback_count", average: "average_score",
	},
	etl.AggregateValidation: {
		source: "validation_responses", value: "response",
		count: "validation_count", average: "average_validation",
	},
}

// recompute rebuilds one agent's aggregate from its source rows.
func (d Dialect) recompute(op models.WriteOp) (Statement, error) {
	agg, ok := aggregates[op.Table]
	if !ok {
		return Statement{}, fmt.Errorf("unknown aggregate %q", op.Table)
	}
	a := &args{d: d}
	q := d.quote

	filter := func() string {
		cond := fmt.Sprintf("s.%s = %s AND s.%s = %s",
			q("chain"), a.add(op.Key["chain"]), q("agent_id"), a.add(op.Key["agent_id"]))
		if agg.revoked != "" {
			cond += fmt.Sprintf(" AND s.%s = 0", q(agg.revoked))
		}
		return cond
	}

	countExpr := fmt.Sprintf("(SELECT COUNT(*) FROM %s s WHERE %s)", q(agg.source), filter())
	avgExpr := fmt.Sprintf("(SELECT ROUND(AVG(CAST(s.%s AS %s)), 2) FROM %s s WHERE %s)",
		q(agg.value), d.realType, q(agg.source), filter())
	sql := fmt.Sprintf("UPDATE %s SET %s = %s, %s = %s WHERE %s",
		q("agents"), q(agg.count), countExpr, q(agg.average), avgExpr,
		d.where(a, op.Key, []string{"chain", "agent_id"}, ""))
	return Statement{SQL: sql, Args: a.vals}, nil
}
