package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Values are nil (NULL), int64, float64, string, bool or []any. Normalize maps
// other Go scalars onto that set.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, int64, float64, string, bool:
		return v
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Normalize(e)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case []int64:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

// NormalizeAll normalizes every value of vals in place and returns it.
func NormalizeAll(vals []any) []any {
	for i, v := range vals {
		vals[i] = Normalize(v)
	}
	return vals
}

// FormatValue renders a non-NULL value as text.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return formatFloat(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			if e == nil {
				parts[i] = "NULL"
				continue
			}
			parts[i] = FormatValue(e)
		}
		return "{" + strings.Join(parts, ",") + "}"
	default:
		return fmt.Sprintf("%v", x)
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case math.IsNaN(f):
		return "NaN"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// EncodeKey renders values as an unambiguous, type-tagged key. Numerically
// equal int64 and float64 values encode identically.
func EncodeKey(vals []any) string {
	var sb strings.Builder
	for _, v := range vals {
		encodeKeyValue(&sb, v)
		sb.WriteByte(0x1f)
	}
	return sb.String()
}

func encodeKeyValue(sb *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		sb.WriteString("\x00")
	case int64:
		sb.WriteString("n")
		sb.WriteString(strconv.FormatInt(x, 10))
	case int:
		sb.WriteString("n")
		sb.WriteString(strconv.Itoa(x))
	case float64:
		sb.WriteString("n")
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			sb.WriteString(strconv.FormatInt(int64(x), 10))
		} else {
			sb.WriteString(formatFloat(x))
		}
	case string:
		sb.WriteString("s")
		sb.WriteString(strconv.Itoa(len(x)))
		sb.WriteString(":")
		sb.WriteString(x)
	case bool:
		if x {
			sb.WriteString("b1")
		} else {
			sb.WriteString("b0")
		}
	case []any:
		sb.WriteString("a")
		sb.WriteString(strconv.Itoa(len(x)))
		sb.WriteString("[")
		for _, e := range x {
			encodeKeyValue(sb, e)
			sb.WriteByte(0x1e)
		}
		sb.WriteString("]")
	default:
		sb.WriteString("?")
		sb.WriteString(fmt.Sprintf("%v", x))
	}
}

// IsNumeric reports whether v is an int64 or float64.
func IsNumeric(v any) bool {
	switch v.(type) {
	case int64, int, float64:
		return true
	}
	return false
}

// ToFloat64 converts numeric values and numeric strings.
func ToFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case float32:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ToInt64 converts integral values and numeric strings.
func ToInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(x)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// ToBool converts a value to a SQL truth value. ok is false for NULL and for
// values without a boolean reading.
func ToBool(v any) (b bool, ok bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case int64:
		return x != 0, true
	case float64:
		return x != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "t", "true", "yes", "on", "1":
			return true, true
		case "f", "false", "no", "off", "0":
			return false, true
		}
	}
	return false, false
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, int, float64:
		return 2
	case string:
		return 3
	case []any:
		return 4
	default:
		return 5
	}
}

// Compare orders two values. NULL sorts before everything; values of different
// kinds order by kind. Numbers compare numerically across int64 and float64.
func Compare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case string:
		return strings.Compare(x, b.(string))
	case []any:
		y := b.([]any)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := Compare(x[i], y[i]); c != 0 {
				return c
			}
		}
		return compareInts(int64(len(x)), int64(len(y)))
	case int64:
		if y, ok := b.(int64); ok {
			return compareInts(x, y)
		}
	case int:
		if y, ok := b.(int); ok {
			return compareInts(int64(x), int64(y))
		}
	}
	if ra == 2 {
		fa, _ := ToFloat64(a)
		fb, _ := ToFloat64(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(FormatValue(a), FormatValue(b))
}

func compareInts(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Equal reports value equality under Compare. NULL equals NULL here; SQL
// three-valued comparison is the caller's concern.
func Equal(a, b any) bool {
	return Compare(a, b) == 0
}

// ValuesEqual compares two tuples element-wise.
func ValuesEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// HasNull reports whether any value is NULL.
func HasNull(vals []any) bool {
	for _, v := range vals {
		if v == nil {
			return true
		}
	}
	return false
}

// Pick returns the values at positions idx.
func Pick(vals []any, idx []int) []any {
	out := make([]any, len(idx))
	for i, j := range idx {
		out[i] = vals[j]
	}
	return out
}
