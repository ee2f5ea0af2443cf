// Package expr compiles SQL scalar expressions into evaluators over ordered
// rows.
//
// Expressions are parsed with sqlparser by wrapping them in a SELECT, then
// resolved against an input column list. References that do not resolve
// locally may resolve against an outer column list; those are correlation
// parameters supplied at evaluation time.
package expr

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/ariyn/ivm/internal/ivm/types"
)

// ErrUnsupported is returned for syntax the evaluator does not implement.
var ErrUnsupported = errors.New("unsupported expression")

type evalFn func(row, outer []any) (any, error)

// Expr is a compiled scalar expression.
type Expr struct {
	sql      string
	fn       evalFn
	refs     []int
	outer    []int
	volatile []string
	colRef   int
}

// Compile compiles sql against cols.
func Compile(sql string, cols types.Columns) (*Expr, error) {
	return CompileWithOuter(sql, cols, nil)
}

// CompileWithOuter compiles sql against cols, resolving unknown references
// against outer.
func CompileWithOuter(sql string, cols, outer types.Columns) (*Expr, error) {
	node, err := Parse(sql)
	if err != nil {
		return nil, err
	}
	return compileNode(sql, node, cols, outer)
}

// Parse parses a standalone scalar expression.
func Parse(sql string) (sqlparser.Expr, error) {
	src := strings.TrimSpace(sql)
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}
	stmt, err := sqlparser.Parse("select " + src)
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", sql, err)
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok || len(sel.SelectExprs) != 1 {
		return nil, fmt.Errorf("parse expression %q: not a single expression", sql)
	}
	ae, ok := sel.SelectExprs[0].(*sqlparser.AliasedExpr)
	if !ok {
		return nil, fmt.Errorf("parse expression %q: %w: %T", sql, ErrUnsupported, sel.SelectExprs[0])
	}
	if !ae.As.IsEmpty() || sel.Where != nil || sel.GroupBy != nil {
		return nil, fmt.Errorf("parse expression %q: trailing clauses", sql)
	}
	return ae.Expr, nil
}

func compileNode(sql string, node sqlparser.Expr, cols, outer types.Columns) (*Expr, error) {
	c := &compiler{cols: cols, outer: outer, volatile: map[string]bool{}}
	fn, err := c.compile(node)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", sql, err)
	}
	e := &Expr{sql: sql, fn: fn, refs: c.refs, outer: c.outerRefs, colRef: -1}
	for name := range c.volatile {
		e.volatile = append(e.volatile, name)
	}
	sort.Strings(e.volatile)
	if col, ok := unparen(node).(*sqlparser.ColName); ok {
		if idx, err := cols.Lookup(col.Qualifier.Name.String(), col.Name.String()); err == nil {
			e.colRef = idx
		}
	}
	return e, nil
}

// Eval evaluates the expression over row with outer bound to the correlation
// parameters.
func (e *Expr) Eval(row, outer []any) (any, error) {
	v, err := e.fn(row, outer)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", e.sql, err)
	}
	return v, nil
}

// Test evaluates a predicate. Only TRUE passes; FALSE and NULL reject.
func (e *Expr) Test(row, outer []any) (bool, error) {
	v, err := e.Eval(row, outer)
	if err != nil {
		return false, err
	}
	b, ok := types.ToBool(v)
	return ok && b, nil
}

func (e *Expr) String() string { return e.sql }

// Volatile reports whether the expression calls a non-deterministic function.
func (e *Expr) Volatile() bool { return len(e.volatile) > 0 }

// VolatileFunctions lists the non-deterministic functions the expression calls.
func (e *Expr) VolatileFunctions() []string { return e.volatile }

// Columns returns the positions of local columns the expression reads.
func (e *Expr) Columns() []int { return e.refs }

// OuterColumns returns the positions of outer columns the expression reads.
func (e *Expr) OuterColumns() []int { return e.outer }

// Correlated reports whether the expression reads outer columns.
func (e *Expr) Correlated() bool { return len(e.outer) > 0 }

// ColumnRef returns the input position when the expression is a bare column.
func (e *Expr) ColumnRef() (int, bool) {
	return e.colRef, e.colRef >= 0
}

func unparen(n sqlparser.Expr) sqlparser.Expr {
	for {
		p, ok := n.(*sqlparser.ParenExpr)
		if !ok {
			return n
		}
		n = p.Expr
	}
}

// Conjuncts splits an AND chain.
func Conjuncts(n sqlparser.Expr) []sqlparser.Expr {
	n = unparen(n)
	if and, ok := n.(*sqlparser.AndExpr); ok {
		return append(Conjuncts(and.Left), Conjuncts(and.Right)...)
	}
	return []sqlparser.Expr{n}
}

// String renders an AST node back to SQL.
func String(n sqlparser.Expr) string {
	return sqlparser.String(n)
}
