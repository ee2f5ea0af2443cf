package expr

import (
	"fmt"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/ariyn/ivm/internal/ivm/types"
)

// JoinCondition is a compiled ON clause split into equi-join key pairs and a
// residual predicate over the concatenated left++right row.
type JoinCondition struct {
	LeftKeys  []int
	RightKeys []int
	// Residual is nil when the condition is fully described by the key pairs.
	Residual *Expr
	// Full is the whole condition; nil means ON TRUE.
	Full *Expr
}

// CompileJoin compiles an ON clause for a join of left and right. outer
// resolves correlation parameters when the join sits inside a lateral body.
func CompileJoin(sql string, left, right, outer types.Columns) (*JoinCondition, error) {
	jc := &JoinCondition{}
	if strings.TrimSpace(sql) == "" || strings.EqualFold(strings.TrimSpace(sql), "true") {
		return jc, nil
	}
	node, err := Parse(sql)
	if err != nil {
		return nil, err
	}
	both := left.Concat(right)
	full, err := compileNode(sql, node, both, outer)
	if err != nil {
		return nil, err
	}
	jc.Full = full

	var residual []string
	for _, conj := range Conjuncts(node) {
		li, ri, ok := equiPair(conj, left, right)
		if ok {
			jc.LeftKeys = append(jc.LeftKeys, li)
			jc.RightKeys = append(jc.RightKeys, ri)
			continue
		}
		residual = append(residual, "("+sqlparser.String(conj)+")")
	}
	if len(residual) > 0 {
		rs := strings.Join(residual, " and ")
		r, err := CompileWithOuter(rs, both, outer)
		if err != nil {
			return nil, fmt.Errorf("join residual: %w", err)
		}
		jc.Residual = r
	}
	return jc, nil
}

// equiPair recognizes `l = r` where each side is a bare column of a different
// input.
func equiPair(n sqlparser.Expr, left, right types.Columns) (int, int, bool) {
	cmp, ok := n.(*sqlparser.ComparisonExpr)
	if !ok || cmp.Operator != sqlparser.EqualStr {
		return 0, 0, false
	}
	a, ok1 := unparen(cmp.Left).(*sqlparser.ColName)
	b, ok2 := unparen(cmp.Right).(*sqlparser.ColName)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	if li, ri, ok := sides(a, b, left, right); ok {
		return li, ri, true
	}
	if li, ri, ok := sides(b, a, left, right); ok {
		return li, ri, true
	}
	return 0, 0, false
}

func sides(l, r *sqlparser.ColName, left, right types.Columns) (int, int, bool) {
	lq, ln := l.Qualifier.Name.String(), l.Name.String()
	rq, rn := r.Qualifier.Name.String(), r.Name.String()
	// A reference visible on both sides is ambiguous unless qualified.
	if right.Has(lq, ln) || left.Has(rq, rn) {
		return 0, 0, false
	}
	li, err := left.Lookup(lq, ln)
	if err != nil {
		return 0, 0, false
	}
	ri, err := right.Lookup(rq, rn)
	if err != nil {
		return 0, 0, false
	}
	return li, ri, true
}

// Volatile reports whether any part of the condition is volatile.
func (jc *JoinCondition) Volatile() bool {
	return jc.Full != nil && jc.Full.Volatile()
}

// Match evaluates the residual over a joined row. Key equality is the caller's
// job.
func (jc *JoinCondition) Match(joined, outer []any) (bool, error) {
	if jc.Residual == nil {
		return true, nil
	}
	return jc.Residual.Test(joined, outer)
}

// KeysMatch reports whether the equi-join keys of l and r are equal and
// non-NULL.
func (jc *JoinCondition) KeysMatch(l, r []any) bool {
	for i := range jc.LeftKeys {
		a, b := l[jc.LeftKeys[i]], r[jc.RightKeys[i]]
		cmp, ok := CompareSQL(a, b)
		if !ok || cmp != 0 {
			return false
		}
	}
	return true
}

// Matches evaluates the whole condition for a left and right row.
func (jc *JoinCondition) Matches(l, r, outer []any) (bool, error) {
	if !jc.KeysMatch(l, r) {
		return false, nil
	}
	if jc.Residual == nil {
		return true, nil
	}
	joined := make([]any, 0, len(l)+len(r))
	joined = append(joined, l...)
	joined = append(joined, r...)
	return jc.Residual.Test(joined, outer)
}
