package eval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/rowid"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// ExpandFunction applies the set-returning function of node n to one input
// row. Each output row is identified by the input identity, the function
// output and its ordinal.
func ExpandFunction(n *optree.Node, in types.Row, outer []any) ([]types.Row, error) {
	l := n.Op.(*optree.LateralFunction)
	args := make([]any, len(l.CompiledArgs()))
	for i, a := range l.CompiledArgs() {
		v, err := a.Eval(in.Values, outer)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	results, err := callSRF(l.Func, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.Func, err)
	}
	width := len(n.Columns) - len(in.Values)
	if len(results) == 0 {
		if !l.Left {
			return nil, nil
		}
		vals := make([]any, len(in.Values)+width)
		copy(vals, in.Values)
		return []types.Row{{ID: rowid.Combine(in.ID, rowid.Null), Values: vals}}, nil
	}
	out := make([]types.Row, len(results))
	for i, res := range results {
		vals := make([]any, 0, len(in.Values)+width)
		vals = append(vals, in.Values...)
		vals = append(vals, res...)
		ord := int64(i + 1)
		if l.WithOrdinality {
			vals = append(vals, ord)
		}
		id := rowid.Combine(in.ID, rowid.Hash(res...), types.Identity(uint64(ord)))
		out[i] = types.Row{ID: id, Values: vals}
	}
	return out, nil
}

// callSRF evaluates a set-returning function. NULL input yields no rows.
func callSRF(name string, args []any) ([][]any, error) {
	switch name {
	case "unnest":
		if args[0] == nil {
			return nil, nil
		}
		arr, ok := args[0].([]any)
		if !ok {
			return nil, fmt.Errorf("argument is not an array: %v", types.FormatValue(args[0]))
		}
		out := make([][]any, len(arr))
		for i, v := range arr {
			out[i] = []any{types.Normalize(v)}
		}
		return out, nil

	case "generate_series":
		return generateSeries(args)

	case "json_array_elements", "json_array_elements_text":
		if args[0] == nil {
			return nil, nil
		}
		var elems []json.RawMessage
		if err := json.Unmarshal([]byte(types.FormatValue(args[0])), &elems); err != nil {
			return nil, fmt.Errorf("cannot extract elements from a non-array: %w", err)
		}
		out := make([][]any, len(elems))
		for i, e := range elems {
			out[i] = []any{jsonValue(e, name == "json_array_elements_text")}
		}
		return out, nil

	case "json_each":
		if args[0] == nil {
			return nil, nil
		}
		return jsonEach([]byte(types.FormatValue(args[0])))

	case "string_to_table":
		if args[0] == nil {
			return nil, nil
		}
		s := types.FormatValue(args[0])
		if s == "" {
			return nil, nil
		}
		var parts []string
		switch {
		case args[1] == nil:
			for _, r := range s {
				parts = append(parts, string(r))
			}
		case types.FormatValue(args[1]) == "":
			parts = []string{s}
		default:
			parts = strings.Split(s, types.FormatValue(args[1]))
		}
		return stringRows(parts), nil

	case "regexp_split_to_table":
		if args[0] == nil || args[1] == nil {
			return nil, nil
		}
		re, err := regexp.Compile(types.FormatValue(args[1]))
		if err != nil {
			return nil, err
		}
		return stringRows(re.Split(types.FormatValue(args[0]), -1)), nil
	}
	return nil, fmt.Errorf("unknown set-returning function")
}

func stringRows(parts []string) [][]any {
	out := make([][]any, len(parts))
	for i, p := range parts {
		out[i] = []any{p}
	}
	return out
}

func generateSeries(args []any) ([][]any, error) {
	for _, a := range args {
		if a == nil {
			return nil, nil
		}
	}
	allInt := true
	for _, a := range args {
		if _, ok := a.(int64); !ok {
			allInt = false
		}
	}
	const limit = 10_000_000
	var out [][]any
	if allInt {
		start, stop := args[0].(int64), args[1].(int64)
		step := int64(1)
		if len(args) > 2 {
			step = args[2].(int64)
		}
		if step == 0 {
			return nil, fmt.Errorf("step size cannot equal zero")
		}
		for v := start; step > 0 && v <= stop || step < 0 && v >= stop; v += step {
			if len(out) >= limit {
				return nil, fmt.Errorf("series longer than %d rows", limit)
			}
			out = append(out, []any{v})
		}
		return out, nil
	}
	fs := make([]float64, len(args))
	for i, a := range args {
		f, ok := types.ToFloat64(a)
		if !ok {
			return nil, fmt.Errorf("non-numeric argument %v", types.FormatValue(a))
		}
		fs[i] = f
	}
	step := 1.0
	if len(fs) > 2 {
		step = fs[2]
	}
	if step == 0 {
		return nil, fmt.Errorf("step size cannot equal zero")
	}
	for i := 0; ; i++ {
		v := fs[0] + float64(i)*step
		if step > 0 && v > fs[1] || step < 0 && v < fs[1] {
			break
		}
		if len(out) >= limit {
			return nil, fmt.Errorf("series longer than %d rows", limit)
		}
		out = append(out, []any{v})
	}
	return out, nil
}

// jsonValue renders one JSON value as text. With unquote set, strings are
// returned without quotes and null becomes NULL.
func jsonValue(raw json.RawMessage, unquote bool) any {
	raw = bytes.TrimSpace(raw)
	if !unquote {
		return string(raw)
	}
	if string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// jsonEach expands an object into key/value rows in document order.
func jsonEach(doc []byte) ([][]any, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("cannot deconstruct a non-object")
	}
	var out [][]any
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, err
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, []any{kt.(string), jsonValue(v, false)})
	}
	return out, nil
}

// LateralRows evaluates the body of lateral subquery node n for one input
// row.
func (e *Env) LateralRows(n *optree.Node, in types.Row) ([]types.Row, error) {
	l := n.Op.(*optree.LateralSubquery)
	body := e.tree.Node(l.Body)
	rows, err := e.WithOuter(in.Values).Rows(body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		if !l.Left {
			return nil, nil
		}
		return []types.Row{PadRight(in, len(body.Columns))}, nil
	}
	out := make([]types.Row, len(rows))
	for i, r := range rows {
		out[i] = JoinRow(in, r)
	}
	return out, nil
}

// ScalarValue evaluates the subquery of scalar subquery node n. No rows yields
// NULL; more than one row is an error.
func (e *Env) ScalarValue(n *optree.Node) (any, error) {
	s := n.Op.(*optree.ScalarSubquery)
	rows, err := e.Uncorrelated().Rows(e.tree.Node(s.Subquery))
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0].Values[0], nil
	default:
		return nil, fmt.Errorf("%s: %w", n, ErrScalarSubquery)
	}
}
