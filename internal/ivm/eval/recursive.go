package eval

import (
	"fmt"

	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// Fixpoint evaluates recursive CTE node n from scratch.
func (e *Env) Fixpoint(n *optree.Node) ([]types.Row, error) {
	r := n.Op.(*optree.RecursiveCte)
	base, err := e.Rows(e.tree.Node(r.Base))
	if err != nil {
		return nil, err
	}
	seed := make([]types.Row, len(base))
	for i, b := range base {
		seed[i] = ContentRow(b.Values)
	}
	if !r.UnionAll {
		seed = DistinctRows(seed)
	}
	return e.Iterate(n, seed, seed)
}

// Iterate continues the fixpoint of recursive CTE node n from a known state:
// result holds every row derived so far and frontier the rows derived in the
// last step. With a single self reference only the frontier is fed back;
// otherwise the whole result is, which requires set semantics.
func (e *Env) Iterate(n *optree.Node, result, frontier []types.Row) ([]types.Row, error) {
	r := n.Op.(*optree.RecursiveCte)
	term := e.tree.Node(r.Recursive)
	linear := r.SelfRefs() == 1
	if !linear && r.UnionAll {
		return nil, fmt.Errorf("%s: UNION ALL recursion with %d self references does not terminate", n, r.SelfRefs())
	}

	result = append([]types.Row(nil), result...)
	seen := map[string]bool{}
	if !r.UnionAll {
		for _, row := range result {
			seen[types.EncodeKey(row.Values)] = true
		}
	}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= e.maxDepth {
			return nil, fmt.Errorf("%s: %w (%d)", n, ErrRecursionLimit, e.maxDepth)
		}
		if err := e.ctx.Err(); err != nil {
			return nil, err
		}
		bound := frontier
		if !linear {
			bound = result
		}
		step, err := e.WithBinding(n.ID, bound).Rows(term)
		if err != nil {
			return nil, err
		}
		var next []types.Row
		for _, s := range step {
			row := ContentRow(s.Values)
			if !r.UnionAll {
				k := types.EncodeKey(row.Values)
				if seen[k] {
					continue
				}
				seen[k] = true
			}
			next = append(next, row)
		}
		result = append(result, next...)
		frontier = next
	}
	return result, nil
}
