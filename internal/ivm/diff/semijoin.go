package diff

import (
	"github.com/ariyn/ivm/internal/ivm/eval"
	"github.com/ariyn/ivm/internal/ivm/expr"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// Semi and anti joins emit left rows unchanged, so the delta has two parts:
//
//	inserted left rows kept against R_new, deleted left rows kept against R_old
//	unchanged left rows whose keep decision flips between R_old and R_new
//
// Only left rows sharing a join key with a changed right row can flip, except
// under NOT IN semantics where a NULL on the right or the right side becoming
// empty affects every row.
func (d *differ) semiJoin(n *optree.Node, anti, nullAware bool) (*types.DeltaSet, error) {
	j, _ := optree.Join(n.Op)
	cond := j.Cond()
	left, right := d.input(n, 0), d.input(n, 1)
	dl, err := d.delta(left)
	if err != nil {
		return nil, err
	}
	dr, err := d.delta(right)
	if err != nil {
		return nil, err
	}

	oldR := &keeper{side: newSide(d.oldEnv, right, cond.RightKeys), cond: cond, anti: anti, nullAware: nullAware}
	newR := &keeper{side: newSide(d.newEnv, right, cond.RightKeys), cond: cond, anti: anti, nullAware: nullAware}

	out := types.NewDeltaSet(n.Columns)
	var inserted types.Bag
	for _, x := range dl.Rows {
		k := newR
		if x.Action == types.Delete {
			k = oldR
		} else {
			inserted.Add(x.Row, 1)
		}
		ok, err := k.keep(x.Row)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Add(x.Action, x.Row)
		}
	}
	if dr.IsEmpty() {
		return out, nil
	}

	// Left rows present both before and after: L_new minus the inserts.
	unchanged := func(rows []types.Row) []types.Row {
		var keep []types.Row
		for _, r := range rows {
			if inserted.Weight(r) > 0 {
				inserted.Add(r, -1)
				continue
			}
			keep = append(keep, r)
		}
		return keep
	}
	flip := func(rows []types.Row) error {
		for _, r := range unchanged(rows) {
			before, err := oldR.keep(r)
			if err != nil {
				return err
			}
			after, err := newR.keep(r)
			if err != nil {
				return err
			}
			switch {
			case after && !before:
				out.Add(types.Insert, r)
			case before && !after:
				out.Add(types.Delete, r)
			}
		}
		return nil
	}

	wide := len(cond.LeftKeys) == 0
	if nullAware && !wide {
		bo, err := oldR.summary()
		if err != nil {
			return nil, err
		}
		bn, err := newR.summary()
		if err != nil {
			return nil, err
		}
		wide = cond.Residual != nil || bo != bn
		if !wide && bo.nullKey {
			// Every comparison is unknown before and after.
			return out, nil
		}
	}
	if wide {
		rows, err := d.newEnv.Rows(left)
		if err != nil {
			return nil, err
		}
		return out, flip(rows)
	}

	seen := map[string]bool{}
	for _, x := range dr.Rows {
		key := types.Pick(x.Row.Values, cond.RightKeys)
		k := types.EncodeKey(key)
		if types.HasNull(key) || seen[k] {
			continue
		}
		seen[k] = true
		rows, err := d.newEnv.Lookup(left, cond.LeftKeys, key)
		if err != nil {
			return nil, err
		}
		if err := flip(rows); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// keeper decides whether a semi or anti join keeps a left row against one
// state of the right input.
type keeper struct {
	side      *side
	cond      *expr.JoinCondition
	anti      bool
	nullAware bool

	sum *rightSummary
}

type rightSummary struct {
	empty   bool
	nullKey bool
}

func (k *keeper) summary() (rightSummary, error) {
	if k.sum != nil {
		return *k.sum, nil
	}
	rows, err := k.side.env.Rows(k.side.node)
	if err != nil {
		return rightSummary{}, err
	}
	s := rightSummary{empty: len(rows) == 0}
	for _, r := range rows {
		if types.HasNull(types.Pick(r.Values, k.cond.RightKeys)) {
			s.nullKey = true
			break
		}
	}
	k.sum = &s
	return s, nil
}

func (k *keeper) keep(l types.Row) (bool, error) {
	if !k.nullAware {
		cands, err := k.side.match(types.Pick(l.Values, k.cond.LeftKeys))
		if err != nil {
			return false, err
		}
		ok, err := eval.Exists(k.cond, l, cands, nil)
		return ok != k.anti, err
	}
	if k.cond.Residual != nil || len(k.cond.LeftKeys) == 0 {
		all, err := k.side.env.Rows(k.side.node)
		if err != nil {
			return false, err
		}
		return eval.AntiKeep(k.cond, true, l, all, nil)
	}
	s, err := k.summary()
	if err != nil {
		return false, err
	}
	switch {
	case s.empty:
		return true, nil
	case s.nullKey, types.HasNull(types.Pick(l.Values, k.cond.LeftKeys)):
		return false, nil
	}
	cands, err := k.side.match(types.Pick(l.Values, k.cond.LeftKeys))
	if err != nil {
		return false, err
	}
	ok, err := eval.Exists(k.cond, l, cands, nil)
	return !ok, err
}
