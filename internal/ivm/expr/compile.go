package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/ariyn/ivm/internal/ivm/types"
)

type compiler struct {
	cols      types.Columns
	outer     types.Columns
	refs      []int
	outerRefs []int
	volatile  map[string]bool
}

func (c *compiler) compile(n sqlparser.Expr) (evalFn, error) {
	switch x := n.(type) {
	case *sqlparser.ParenExpr:
		return c.compile(x.Expr)
	case *sqlparser.ColName:
		return c.column(x)
	case *sqlparser.SQLVal:
		v, err := literal(x)
		if err != nil {
			return nil, err
		}
		return constant(v), nil
	case *sqlparser.NullVal:
		return constant(nil), nil
	case sqlparser.BoolVal:
		return constant(bool(x)), nil
	case *sqlparser.AndExpr:
		return c.logical(x.Left, x.Right, true)
	case *sqlparser.OrExpr:
		return c.logical(x.Left, x.Right, false)
	case *sqlparser.NotExpr:
		inner, err := c.compile(x.Expr)
		if err != nil {
			return nil, err
		}
		return func(row, outer []any) (any, error) {
			v, err := inner(row, outer)
			if err != nil || v == nil {
				return nil, err
			}
			b, ok := types.ToBool(v)
			if !ok {
				return nil, fmt.Errorf("NOT of non-boolean %v", v)
			}
			return !b, nil
		}, nil
	case *sqlparser.ComparisonExpr:
		return c.comparison(x)
	case *sqlparser.RangeCond:
		return c.between(x)
	case *sqlparser.IsExpr:
		return c.is(x)
	case *sqlparser.BinaryExpr:
		l, err := c.compile(x.Left)
		if err != nil {
			return nil, err
		}
		r, err := c.compile(x.Right)
		if err != nil {
			return nil, err
		}
		op := x.Operator
		return func(row, outer []any) (any, error) {
			a, err := l(row, outer)
			if err != nil {
				return nil, err
			}
			b, err := r(row, outer)
			if err != nil {
				return nil, err
			}
			return Arith(op, a, b)
		}, nil
	case *sqlparser.UnaryExpr:
		return c.unary(x)
	case *sqlparser.FuncExpr:
		return c.function(x)
	case *sqlparser.CaseExpr:
		return c.caseExpr(x)
	case *sqlparser.ConvertExpr:
		inner, err := c.compile(x.Expr)
		if err != nil {
			return nil, err
		}
		target := strings.ToLower(x.Type.Type)
		return func(row, outer []any) (any, error) {
			v, err := inner(row, outer)
			if err != nil {
				return nil, err
			}
			return Cast(v, target)
		}, nil
	case *sqlparser.SubstrExpr:
		return c.substr(x)
	case *sqlparser.Subquery, *sqlparser.ExistsExpr:
		return nil, fmt.Errorf("%w: subqueries must be planned as operator nodes", ErrUnsupported)
	default:
		return nil, fmt.Errorf("%w: %T (%s)", ErrUnsupported, n, sqlparser.String(n))
	}
}

func constant(v any) evalFn {
	return func([]any, []any) (any, error) { return v, nil }
}

func literal(v *sqlparser.SQLVal) (any, error) {
	switch v.Type {
	case sqlparser.IntVal:
		i, err := strconv.ParseInt(string(v.Val), 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(string(v.Val), 64)
			if ferr != nil {
				return nil, err
			}
			return f, nil
		}
		return i, nil
	case sqlparser.FloatVal:
		return strconv.ParseFloat(string(v.Val), 64)
	case sqlparser.StrVal:
		return string(v.Val), nil
	default:
		return nil, fmt.Errorf("%w: literal %s", ErrUnsupported, sqlparser.String(v))
	}
}

func (c *compiler) column(col *sqlparser.ColName) (evalFn, error) {
	qual, name := col.Qualifier.Name.String(), col.Name.String()
	idx, err := c.cols.Lookup(qual, name)
	if err == nil {
		c.refs = append(c.refs, idx)
		return func(row, _ []any) (any, error) {
			if idx >= len(row) {
				return nil, fmt.Errorf("column %s out of range", col.Name.String())
			}
			return row[idx], nil
		}, nil
	}
	if c.outer == nil || !c.outer.Has(qual, name) {
		return nil, err
	}
	oidx, oerr := c.outer.Lookup(qual, name)
	if oerr != nil {
		return nil, oerr
	}
	c.outerRefs = append(c.outerRefs, oidx)
	return func(_, outer []any) (any, error) {
		if oidx >= len(outer) {
			return nil, fmt.Errorf("outer reference %s is not bound", sqlparser.String(col))
		}
		return outer[oidx], nil
	}, nil
}

func (c *compiler) logical(left, right sqlparser.Expr, and bool) (evalFn, error) {
	l, err := c.compile(left)
	if err != nil {
		return nil, err
	}
	r, err := c.compile(right)
	if err != nil {
		return nil, err
	}
	return func(row, outer []any) (any, error) {
		a, err := l(row, outer)
		if err != nil {
			return nil, err
		}
		ab, aok := types.ToBool(a)
		if aok && ab != and {
			// FALSE AND x, TRUE OR x
			return ab, nil
		}
		b, err := r(row, outer)
		if err != nil {
			return nil, err
		}
		bb, bok := types.ToBool(b)
		if bok && bb != and {
			return bb, nil
		}
		if !aok || !bok {
			return nil, nil
		}
		return and, nil
	}, nil
}

func (c *compiler) comparison(x *sqlparser.ComparisonExpr) (evalFn, error) {
	l, err := c.compile(x.Left)
	if err != nil {
		return nil, err
	}
	switch x.Operator {
	case sqlparser.InStr, sqlparser.NotInStr:
		tuple, ok := x.Right.(sqlparser.ValTuple)
		if !ok {
			return nil, fmt.Errorf("%w: IN over %T", ErrUnsupported, x.Right)
		}
		items := make([]evalFn, len(tuple))
		for i, e := range tuple {
			if items[i], err = c.compile(e); err != nil {
				return nil, err
			}
		}
		negate := x.Operator == sqlparser.NotInStr
		return func(row, outer []any) (any, error) {
			v, err := l(row, outer)
			if err != nil || v == nil {
				return nil, err
			}
			sawNull := false
			for _, it := range items {
				w, err := it(row, outer)
				if err != nil {
					return nil, err
				}
				if w == nil {
					sawNull = true
					continue
				}
				if cmp, ok := CompareSQL(v, w); ok && cmp == 0 {
					return !negate, nil
				}
			}
			if sawNull {
				return nil, nil
			}
			return negate, nil
		}, nil
	case sqlparser.LikeStr, sqlparser.NotLikeStr:
		return c.like(x, l)
	case sqlparser.RegexpStr, sqlparser.NotRegexpStr:
		r, err := c.compile(x.Right)
		if err != nil {
			return nil, err
		}
		negate := x.Operator == sqlparser.NotRegexpStr
		return func(row, outer []any) (any, error) {
			v, err := l(row, outer)
			if err != nil || v == nil {
				return nil, err
			}
			p, err := r(row, outer)
			if err != nil || p == nil {
				return nil, err
			}
			re, err := regexp.Compile(types.FormatValue(p))
			if err != nil {
				return nil, err
			}
			return re.MatchString(types.FormatValue(v)) != negate, nil
		}, nil
	}
	r, err := c.compile(x.Right)
	if err != nil {
		return nil, err
	}
	op := x.Operator
	if op == sqlparser.NullSafeEqualStr {
		return func(row, outer []any) (any, error) {
			a, err := l(row, outer)
			if err != nil {
				return nil, err
			}
			b, err := r(row, outer)
			if err != nil {
				return nil, err
			}
			if a == nil || b == nil {
				return a == nil && b == nil, nil
			}
			cmp, _ := CompareSQL(a, b)
			return cmp == 0, nil
		}, nil
	}
	test, err := comparator(op)
	if err != nil {
		return nil, err
	}
	return func(row, outer []any) (any, error) {
		a, err := l(row, outer)
		if err != nil {
			return nil, err
		}
		b, err := r(row, outer)
		if err != nil {
			return nil, err
		}
		cmp, ok := CompareSQL(a, b)
		if !ok {
			return nil, nil
		}
		return test(cmp), nil
	}, nil
}

func comparator(op string) (func(int) bool, error) {
	switch op {
	case sqlparser.EqualStr:
		return func(c int) bool { return c == 0 }, nil
	case sqlparser.NotEqualStr, "<>":
		return func(c int) bool { return c != 0 }, nil
	case sqlparser.LessThanStr:
		return func(c int) bool { return c < 0 }, nil
	case sqlparser.LessEqualStr:
		return func(c int) bool { return c <= 0 }, nil
	case sqlparser.GreaterThanStr:
		return func(c int) bool { return c > 0 }, nil
	case sqlparser.GreaterEqualStr:
		return func(c int) bool { return c >= 0 }, nil
	default:
		return nil, fmt.Errorf("%w: operator %s", ErrUnsupported, op)
	}
}

func (c *compiler) like(x *sqlparser.ComparisonExpr, l evalFn) (evalFn, error) {
	r, err := c.compile(x.Right)
	if err != nil {
		return nil, err
	}
	escape := '\\'
	if x.Escape != nil {
		ev, ok := x.Escape.(*sqlparser.SQLVal)
		if !ok || len(ev.Val) != 1 {
			return nil, fmt.Errorf("%w: LIKE escape %s", ErrUnsupported, sqlparser.String(x.Escape))
		}
		escape = rune(ev.Val[0])
	}
	negate := x.Operator == sqlparser.NotLikeStr
	cache := map[string]*regexp.Regexp{}
	return func(row, outer []any) (any, error) {
		v, err := l(row, outer)
		if err != nil || v == nil {
			return nil, err
		}
		p, err := r(row, outer)
		if err != nil || p == nil {
			return nil, err
		}
		pat := types.FormatValue(p)
		re, ok := cache[pat]
		if !ok {
			re, err = likeRegexp(pat, escape)
			if err != nil {
				return nil, err
			}
			cache[pat] = re
		}
		return re.MatchString(types.FormatValue(v)) != negate, nil
	}, nil
}

func likeRegexp(pattern string, escape rune) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?s)^")
	escaped := false
	for _, ch := range pattern {
		switch {
		case escaped:
			sb.WriteString(regexp.QuoteMeta(string(ch)))
			escaped = false
		case ch == escape:
			escaped = true
		case ch == '%':
			sb.WriteString(".*")
		case ch == '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

func (c *compiler) between(x *sqlparser.RangeCond) (evalFn, error) {
	v, err := c.compile(x.Left)
	if err != nil {
		return nil, err
	}
	from, err := c.compile(x.From)
	if err != nil {
		return nil, err
	}
	to, err := c.compile(x.To)
	if err != nil {
		return nil, err
	}
	negate := x.Operator == sqlparser.NotBetweenStr
	return func(row, outer []any) (any, error) {
		a, err := v(row, outer)
		if err != nil {
			return nil, err
		}
		lo, err := from(row, outer)
		if err != nil {
			return nil, err
		}
		hi, err := to(row, outer)
		if err != nil {
			return nil, err
		}
		c1, ok1 := CompareSQL(a, lo)
		c2, ok2 := CompareSQL(a, hi)
		// a BETWEEN lo AND hi is (a >= lo) AND (a <= hi) under 3VL.
		if (ok1 && c1 < 0) || (ok2 && c2 > 0) {
			return negate, nil
		}
		if !ok1 || !ok2 {
			return nil, nil
		}
		return !negate, nil
	}, nil
}

func (c *compiler) is(x *sqlparser.IsExpr) (evalFn, error) {
	inner, err := c.compile(x.Expr)
	if err != nil {
		return nil, err
	}
	op := x.Operator
	return func(row, outer []any) (any, error) {
		v, err := inner(row, outer)
		if err != nil {
			return nil, err
		}
		b, known := types.ToBool(v)
		switch op {
		case sqlparser.IsNullStr:
			return v == nil, nil
		case sqlparser.IsNotNullStr:
			return v != nil, nil
		case sqlparser.IsTrueStr:
			return known && b, nil
		case sqlparser.IsNotTrueStr:
			return !(known && b), nil
		case sqlparser.IsFalseStr:
			return known && !b, nil
		case sqlparser.IsNotFalseStr:
			return !(known && !b), nil
		default:
			return nil, fmt.Errorf("%w: IS %s", ErrUnsupported, op)
		}
	}, nil
}

func (c *compiler) unary(x *sqlparser.UnaryExpr) (evalFn, error) {
	inner, err := c.compile(x.Expr)
	if err != nil {
		return nil, err
	}
	op := x.Operator
	return func(row, outer []any) (any, error) {
		v, err := inner(row, outer)
		if err != nil || v == nil {
			return nil, err
		}
		switch op {
		case sqlparser.UPlusStr:
			return v, nil
		case sqlparser.UMinusStr:
			return Arith("-", int64(0), v)
		case sqlparser.TildaStr:
			i, ok := types.ToInt64(v)
			if !ok {
				return nil, fmt.Errorf("~ of non-integer %v", v)
			}
			return ^i, nil
		case sqlparser.BangStr:
			b, ok := types.ToBool(v)
			if !ok {
				return nil, nil
			}
			return !b, nil
		default:
			return nil, fmt.Errorf("%w: unary %s", ErrUnsupported, op)
		}
	}, nil
}

func (c *compiler) caseExpr(x *sqlparser.CaseExpr) (evalFn, error) {
	var subject evalFn
	var err error
	if x.Expr != nil {
		if subject, err = c.compile(x.Expr); err != nil {
			return nil, err
		}
	}
	conds := make([]evalFn, len(x.Whens))
	vals := make([]evalFn, len(x.Whens))
	for i, w := range x.Whens {
		if conds[i], err = c.compile(w.Cond); err != nil {
			return nil, err
		}
		if vals[i], err = c.compile(w.Val); err != nil {
			return nil, err
		}
	}
	var elseFn evalFn
	if x.Else != nil {
		if elseFn, err = c.compile(x.Else); err != nil {
			return nil, err
		}
	}
	return func(row, outer []any) (any, error) {
		var subj any
		if subject != nil {
			s, err := subject(row, outer)
			if err != nil {
				return nil, err
			}
			subj = s
		}
		for i := range conds {
			cv, err := conds[i](row, outer)
			if err != nil {
				return nil, err
			}
			var hit bool
			if subject != nil {
				cmp, ok := CompareSQL(subj, cv)
				hit = ok && cmp == 0
			} else {
				b, ok := types.ToBool(cv)
				hit = ok && b
			}
			if hit {
				return vals[i](row, outer)
			}
		}
		if elseFn != nil {
			return elseFn(row, outer)
		}
		return nil, nil
	}, nil
}

func (c *compiler) substr(x *sqlparser.SubstrExpr) (evalFn, error) {
	s, err := c.column(x.Name)
	if err != nil {
		return nil, err
	}
	from, err := c.compile(x.From)
	if err != nil {
		return nil, err
	}
	var to evalFn
	if x.To != nil {
		if to, err = c.compile(x.To); err != nil {
			return nil, err
		}
	}
	return func(row, outer []any) (any, error) {
		args := make([]any, 0, 3)
		for _, f := range []evalFn{s, from, to} {
			if f == nil {
				continue
			}
			v, err := f(row, outer)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		return substring(args)
	}, nil
}
