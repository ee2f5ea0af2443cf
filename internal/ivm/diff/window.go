package diff

import (
	"github.com/ariyn/ivm/internal/ivm/eval"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// Window functions are recomputed for every partition holding a changed row,
// before and after, and the difference is emitted. Rows of other partitions
// cannot change.
func (d *differ) window(n *optree.Node, w *optree.Window) (*types.DeltaSet, error) {
	input := d.input(n, 0)
	in, err := d.delta(input)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := types.NewDeltaSet(n.Columns)
	for _, x := range in.Rows {
		key, err := eval.PartitionKey(w, x.Row, nil)
		if err != nil {
			return nil, err
		}
		k := types.EncodeKey(key)
		if seen[k] {
			continue
		}
		seen[k] = true

		before, err := d.partition(d.oldEnv, input, w, key)
		if err != nil {
			return nil, err
		}
		after, err := d.partition(d.newEnv, input, w, key)
		if err != nil {
			return nil, err
		}
		out.Append(types.DiffRows(before, after)...)
	}
	return out, nil
}

func (d *differ) partition(env *eval.Env, input *optree.Node, w *optree.Window, key []any) ([]types.Row, error) {
	rows, err := keyedRows(env, input, w.Partition(), key)
	if err != nil {
		return nil, err
	}
	return eval.WindowPartition(w, rows, nil)
}
