package expr

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/xwb1989/sqlparser"

	"github.com/ariyn/ivm/internal/ivm/types"
)

type builtin struct {
	minArgs, maxArgs int
	volatile         bool
	call             func(args []any) (any, error)
}

var sequence atomic.Int64

// volatileNames are functions whose result can differ between two calls with
// the same arguments.
var volatileNames = []string{
	"random", "rand", "now", "current_timestamp", "current_date", "current_time",
	"localtime", "localtimestamp", "utc_timestamp", "utc_date", "utc_time",
	"clock_timestamp", "statement_timestamp", "transaction_timestamp", "timeofday",
	"sysdate", "uuid", "gen_random_uuid", "uuid_generate_v4", "nextval", "currval",
	"setval", "txid_current", "pg_backend_pid",
}

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"coalesce": {1, -1, false, func(a []any) (any, error) {
			for _, v := range a {
				if v != nil {
					return v, nil
				}
			}
			return nil, nil
		}},
		"ifnull": {2, 2, false, func(a []any) (any, error) {
			if a[0] != nil {
				return a[0], nil
			}
			return a[1], nil
		}},
		"nullif": {2, 2, false, func(a []any) (any, error) {
			if cmp, ok := CompareSQL(a[0], a[1]); ok && cmp == 0 {
				return nil, nil
			}
			return a[0], nil
		}},
		"if": {3, 3, false, func(a []any) (any, error) {
			if b, ok := types.ToBool(a[0]); ok && b {
				return a[1], nil
			}
			return a[2], nil
		}},
		"greatest": {1, -1, false, func(a []any) (any, error) { return extreme(a, 1), nil }},
		"least":    {1, -1, false, func(a []any) (any, error) { return extreme(a, -1), nil }},
		"abs": {1, 1, false, numeric1(func(i int64) any {
			if i < 0 {
				return -i
			}
			return i
		}, math.Abs)},
		"sign": {1, 1, false, numeric1(func(i int64) any {
			switch {
			case i > 0:
				return int64(1)
			case i < 0:
				return int64(-1)
			}
			return int64(0)
		}, func(f float64) float64 {
			switch {
			case f > 0:
				return 1
			case f < 0:
				return -1
			}
			return 0
		})},
		"floor":   {1, 1, false, numeric1(func(i int64) any { return i }, math.Floor)},
		"ceil":    {1, 1, false, numeric1(func(i int64) any { return i }, math.Ceil)},
		"ceiling": {1, 1, false, numeric1(func(i int64) any { return i }, math.Ceil)},
		"sqrt": {1, 1, false, func(a []any) (any, error) {
			if a[0] == nil {
				return nil, nil
			}
			f, ok := types.ToFloat64(a[0])
			if !ok || f < 0 {
				return nil, fmt.Errorf("sqrt of %v", a[0])
			}
			return math.Sqrt(f), nil
		}},
		"round": {1, 2, false, roundFn},
		"power": {2, 2, false, powFn},
		"pow":   {2, 2, false, powFn},
		"mod": {2, 2, false, func(a []any) (any, error) {
			return Arith("%", a[0], a[1])
		}},
		"upper":       {1, 1, false, text1(strings.ToUpper)},
		"lower":       {1, 1, false, text1(strings.ToLower)},
		"trim":        {1, 1, false, text1(strings.TrimSpace)},
		"ltrim":       {1, 1, false, text1(func(s string) string { return strings.TrimLeft(s, " \t\n") })},
		"rtrim":       {1, 1, false, text1(func(s string) string { return strings.TrimRight(s, " \t\n") })},
		"reverse":     {1, 1, false, text1(reverse)},
		"md5":         {1, 1, false, text1(md5Hex)},
		"length":      {1, 1, false, lengthFn},
		"char_length": {1, 1, false, lengthFn},
		"concat": {1, -1, false, func(a []any) (any, error) {
			var sb strings.Builder
			for _, v := range a {
				if v != nil {
					sb.WriteString(types.FormatValue(v))
				}
			}
			return sb.String(), nil
		}},
		"concat_ws": {2, -1, false, func(a []any) (any, error) {
			if a[0] == nil {
				return nil, nil
			}
			var parts []string
			for _, v := range a[1:] {
				if v != nil {
					parts = append(parts, types.FormatValue(v))
				}
			}
			return strings.Join(parts, types.FormatValue(a[0])), nil
		}},
		"replace": {3, 3, false, func(a []any) (any, error) {
			if a[0] == nil || a[1] == nil || a[2] == nil {
				return nil, nil
			}
			return strings.ReplaceAll(types.FormatValue(a[0]), types.FormatValue(a[1]), types.FormatValue(a[2])), nil
		}},
		"left": {2, 2, false, func(a []any) (any, error) {
			return sliceText(a, true)
		}},
		"right": {2, 2, false, func(a []any) (any, error) {
			return sliceText(a, false)
		}},
		"substring": {2, 3, false, substring},
		"split_part": {3, 3, false, func(a []any) (any, error) {
			if a[0] == nil || a[1] == nil || a[2] == nil {
				return nil, nil
			}
			n, ok := types.ToInt64(a[2])
			if !ok || n < 1 {
				return nil, fmt.Errorf("split_part field position must be positive")
			}
			parts := strings.Split(types.FormatValue(a[0]), types.FormatValue(a[1]))
			if int(n) > len(parts) {
				return "", nil
			}
			return parts[n-1], nil
		}},
		"starts_with": {2, 2, false, func(a []any) (any, error) {
			if a[0] == nil || a[1] == nil {
				return nil, nil
			}
			return strings.HasPrefix(types.FormatValue(a[0]), types.FormatValue(a[1])), nil
		}},
		"cardinality": {1, 1, false, func(a []any) (any, error) {
			if a[0] == nil {
				return nil, nil
			}
			arr, ok := a[0].([]any)
			if !ok {
				return nil, fmt.Errorf("cardinality of non-array %v", a[0])
			}
			return int64(len(arr)), nil
		}},

		"random": {0, 0, true, func([]any) (any, error) { return rand.Float64(), nil }},
		"rand":   {0, 1, true, func([]any) (any, error) { return rand.Float64(), nil }},
		"now":    {0, 1, true, nowText},
		"current_timestamp":     {0, 1, true, nowText},
		"localtimestamp":        {0, 1, true, nowText},
		"localtime":             {0, 1, true, nowText},
		"utc_timestamp":         {0, 1, true, nowText},
		"clock_timestamp":       {0, 0, true, nowText},
		"statement_timestamp":   {0, 0, true, nowText},
		"transaction_timestamp": {0, 0, true, nowText},
		"timeofday":             {0, 0, true, nowText},
		"sysdate":               {0, 1, true, nowText},
		"current_date": {0, 0, true, func([]any) (any, error) {
			return time.Now().UTC().Format("2006-01-02"), nil
		}},
		"utc_date": {0, 0, true, func([]any) (any, error) {
			return time.Now().UTC().Format("2006-01-02"), nil
		}},
		"current_time": {0, 1, true, func([]any) (any, error) {
			return time.Now().UTC().Format("15:04:05.000000"), nil
		}},
		"utc_time": {0, 1, true, func([]any) (any, error) {
			return time.Now().UTC().Format("15:04:05.000000"), nil
		}},
		"uuid":             {0, 0, true, uuidFn},
		"gen_random_uuid":  {0, 0, true, uuidFn},
		"uuid_generate_v4": {0, 0, true, uuidFn},
		"nextval": {1, 1, true, func([]any) (any, error) {
			return sequence.Add(1), nil
		}},
		"currval": {1, 1, true, func([]any) (any, error) {
			return sequence.Load(), nil
		}},
		"setval": {2, 2, true, func(a []any) (any, error) {
			n, _ := types.ToInt64(a[1])
			sequence.Store(n)
			return n, nil
		}},
		"txid_current": {0, 0, true, func([]any) (any, error) {
			return time.Now().UnixNano(), nil
		}},
		"pg_backend_pid": {0, 0, true, func([]any) (any, error) {
			return int64(rand.Int31()), nil
		}},
	}
}

// IsVolatile reports whether name is a known non-deterministic function.
func IsVolatile(name string) bool {
	name = strings.ToLower(name)
	for _, v := range volatileNames {
		if v == name {
			return true
		}
	}
	return false
}

// IsFunction reports whether name is a scalar function the evaluator knows.
func IsFunction(name string) bool {
	_, ok := builtins[strings.ToLower(name)]
	return ok
}

func (c *compiler) function(x *sqlparser.FuncExpr) (evalFn, error) {
	name := x.Name.Lowered()
	if !x.Qualifier.IsEmpty() {
		name = strings.ToLower(x.Qualifier.String()) + "." + name
	}
	b, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w: function %s", ErrUnsupported, name)
	}
	if x.Distinct {
		return nil, fmt.Errorf("%w: DISTINCT in scalar function %s", ErrUnsupported, name)
	}
	if len(x.Exprs) < b.minArgs || (b.maxArgs >= 0 && len(x.Exprs) > b.maxArgs) {
		return nil, fmt.Errorf("function %s: wrong number of arguments (%d)", name, len(x.Exprs))
	}
	if b.volatile || IsVolatile(name) {
		c.volatile[name] = true
	}
	args := make([]evalFn, len(x.Exprs))
	for i, se := range x.Exprs {
		ae, ok := se.(*sqlparser.AliasedExpr)
		if !ok {
			return nil, fmt.Errorf("%w: argument %s to %s", ErrUnsupported, sqlparser.String(se), name)
		}
		fn, err := c.compile(ae.Expr)
		if err != nil {
			return nil, err
		}
		args[i] = fn
	}
	call := b.call
	return func(row, outer []any) (any, error) {
		vals := make([]any, len(args))
		for i, a := range args {
			v, err := a(row, outer)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		out, err := call(vals)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return out, nil
	}, nil
}

// CompareSQL compares two values with SQL semantics. ok is false when either
// side is NULL. Numeric strings compare numerically against numbers.
func CompareSQL(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	_, as := a.(string)
	_, bs := b.(string)
	if as != bs && (types.IsNumeric(a) || types.IsNumeric(b)) {
		af, aok := types.ToFloat64(a)
		bf, bok := types.ToFloat64(b)
		if aok && bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
	}
	if _, ab := a.(bool); ab {
		if bb, ok := types.ToBool(b); ok {
			return types.Compare(a, bb), true
		}
	}
	return types.Compare(a, b), true
}

// Arith applies a binary arithmetic or bitwise operator. NULL in, NULL out.
// Integer operands keep integer semantics, including truncating division.
func Arith(op string, a, b any) (any, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		switch op {
		case sqlparser.PlusStr:
			return ai + bi, nil
		case sqlparser.MinusStr:
			return ai - bi, nil
		case sqlparser.MultStr:
			return ai * bi, nil
		case sqlparser.DivStr, sqlparser.IntDivStr:
			if bi == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return ai / bi, nil
		case sqlparser.ModStr:
			if bi == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return ai % bi, nil
		}
	}
	switch op {
	case sqlparser.BitAndStr, sqlparser.BitOrStr, sqlparser.BitXorStr, sqlparser.ShiftLeftStr, sqlparser.ShiftRightStr:
		x, ok1 := types.ToInt64(a)
		y, ok2 := types.ToInt64(b)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("operator %s needs integers, got %v and %v", op, a, b)
		}
		switch op {
		case sqlparser.BitAndStr:
			return x & y, nil
		case sqlparser.BitOrStr:
			return x | y, nil
		case sqlparser.BitXorStr:
			return x ^ y, nil
		case sqlparser.ShiftLeftStr:
			return x << uint64(y), nil
		default:
			return x >> uint64(y), nil
		}
	}
	af, ok1 := types.ToFloat64(a)
	bf, ok2 := types.ToFloat64(b)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("operator %s not defined for %v and %v", op, a, b)
	}
	switch op {
	case sqlparser.PlusStr:
		return af + bf, nil
	case sqlparser.MinusStr:
		return af - bf, nil
	case sqlparser.MultStr:
		return af * bf, nil
	case sqlparser.DivStr:
		if bf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return af / bf, nil
	case sqlparser.IntDivStr:
		if bf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return int64(af / bf), nil
	case sqlparser.ModStr:
		if bf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(af, bf), nil
	default:
		return nil, fmt.Errorf("%w: operator %s", ErrUnsupported, op)
	}
}

// Cast converts v to the named target type.
func Cast(v any, target string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "signed", "unsigned", "signed integer", "unsigned integer", "integer", "int", "bigint":
		if f, ok := v.(float64); ok {
			return int64(math.Round(f)), nil
		}
		i, ok := types.ToInt64(v)
		if !ok {
			return nil, fmt.Errorf("cannot cast %v to integer", v)
		}
		return i, nil
	case "decimal", "numeric", "float", "double", "real":
		f, ok := types.ToFloat64(v)
		if !ok {
			return nil, fmt.Errorf("cannot cast %v to numeric", v)
		}
		return f, nil
	case "char", "nchar", "text", "varchar", "binary", "date", "datetime", "time", "json":
		return types.FormatValue(v), nil
	case "boolean", "bool":
		b, ok := types.ToBool(v)
		if !ok {
			return nil, fmt.Errorf("cannot cast %v to boolean", v)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: cast to %s", ErrUnsupported, target)
	}
}

func extreme(a []any, dir int) any {
	var best any
	for _, v := range a {
		if v == nil {
			continue
		}
		if best == nil {
			best = v
			continue
		}
		if cmp, _ := CompareSQL(v, best); cmp*dir > 0 {
			best = v
		}
	}
	return best
}

func numeric1(onInt func(int64) any, onFloat func(float64) float64) func([]any) (any, error) {
	return func(a []any) (any, error) {
		switch x := a[0].(type) {
		case nil:
			return nil, nil
		case int64:
			return onInt(x), nil
		default:
			f, ok := types.ToFloat64(x)
			if !ok {
				return nil, fmt.Errorf("numeric argument expected, got %v", x)
			}
			return onFloat(f), nil
		}
	}
}

func text1(f func(string) string) func([]any) (any, error) {
	return func(a []any) (any, error) {
		if a[0] == nil {
			return nil, nil
		}
		return f(types.FormatValue(a[0])), nil
	}
}

func lengthFn(a []any) (any, error) {
	if a[0] == nil {
		return nil, nil
	}
	return int64(utf8.RuneCountInString(types.FormatValue(a[0]))), nil
}

func roundFn(a []any) (any, error) {
	if a[0] == nil {
		return nil, nil
	}
	digits := int64(0)
	if len(a) == 2 {
		if a[1] == nil {
			return nil, nil
		}
		d, ok := types.ToInt64(a[1])
		if !ok {
			return nil, fmt.Errorf("round precision must be an integer")
		}
		digits = d
	}
	if i, ok := a[0].(int64); ok && digits >= 0 {
		return i, nil
	}
	f, ok := types.ToFloat64(a[0])
	if !ok {
		return nil, fmt.Errorf("round of non-numeric %v", a[0])
	}
	p := math.Pow(10, float64(digits))
	return math.Round(f*p) / p, nil
}

func powFn(a []any) (any, error) {
	if a[0] == nil || a[1] == nil {
		return nil, nil
	}
	x, ok1 := types.ToFloat64(a[0])
	y, ok2 := types.ToFloat64(a[1])
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("power of non-numeric arguments")
	}
	return math.Pow(x, y), nil
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func sliceText(a []any, fromLeft bool) (any, error) {
	if a[0] == nil || a[1] == nil {
		return nil, nil
	}
	r := []rune(types.FormatValue(a[0]))
	n, ok := types.ToInt64(a[1])
	if !ok {
		return nil, fmt.Errorf("length must be an integer")
	}
	if n < 0 {
		n = int64(len(r)) + n
		if n < 0 {
			n = 0
		}
	}
	if n > int64(len(r)) {
		n = int64(len(r))
	}
	if fromLeft {
		return string(r[:n]), nil
	}
	return string(r[int64(len(r))-n:]), nil
}

func substring(a []any) (any, error) {
	for _, v := range a {
		if v == nil {
			return nil, nil
		}
	}
	r := []rune(types.FormatValue(a[0]))
	from, ok := types.ToInt64(a[1])
	if !ok {
		return nil, fmt.Errorf("substring start must be an integer")
	}
	start := from - 1
	end := int64(len(r))
	if len(a) == 3 {
		n, ok := types.ToInt64(a[2])
		if !ok || n < 0 {
			return nil, fmt.Errorf("substring length must be a non-negative integer")
		}
		end = start + n
	}
	if start < 0 {
		start = 0
	}
	if end > int64(len(r)) {
		end = int64(len(r))
	}
	if start >= end {
		return "", nil
	}
	return string(r[start:end]), nil
}

func nowText([]any) (any, error) {
	return time.Now().UTC().Format(time.RFC3339Nano), nil
}

func uuidFn([]any) (any, error) {
	var b [16]byte
	for i := range b {
		b[i] = byte(rand.Intn(256))
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	h := hex.EncodeToString(b[:])
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:], nil
}
