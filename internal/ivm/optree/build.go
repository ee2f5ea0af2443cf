package optree

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ariyn/ivm/internal/ivm/agg"
	"github.com/ariyn/ivm/internal/ivm/expr"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// ErrInvalid is returned by Build for malformed trees.
var ErrInvalid = errors.New("invalid operator tree")

// Builder collects operators into an arena. Operators reference each other by
// the NodeID that Add returned.
type Builder struct {
	ops []Op
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends op to the arena.
func (b *Builder) Add(op Op) NodeID {
	b.ops = append(b.ops, op)
	return NodeID(len(b.ops) - 1)
}

// Scan adds a scan of relation with the given key columns.
func (b *Builder) Scan(relation string, columns []string, key ...string) NodeID {
	return b.Add(&Scan{Relation: relation, Columns: columns, Key: key})
}

func (b *Builder) Filter(input NodeID, predicate string) NodeID {
	return b.Add(&Filter{Input: input, Predicate: predicate})
}

// Union adds UNION ALL of inputs, or DISTINCT over it when all is false.
func (b *Builder) Union(all bool, inputs ...NodeID) NodeID {
	u := b.Add(&UnionAll{Branches: inputs})
	if all {
		return u
	}
	return b.Add(&Distinct{Input: u})
}

// Tree is a validated, immutable operator tree.
type Tree struct {
	nodes []*Node
	root  NodeID
}

func (t *Tree) Root() *Node { return t.nodes[t.root] }

// Node returns the node with the given id, or nil.
func (t *Tree) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return t.nodes[id]
}

// Input returns the i-th input of n.
func (t *Tree) Input(n *Node, i int) *Node {
	return t.Node(n.Op.Inputs()[i])
}

// Nodes returns every node in arena order.
func (t *Tree) Nodes() []*Node { return t.nodes }

// Relations returns the base relations the tree reads.
func (t *Tree) Relations() []string { return t.Root().Relations }

// Build validates the operators reachable from root and returns the tree.
// Every operator in the arena must be reachable.
func (b *Builder) Build(root NodeID) (*Tree, error) {
	if root < 0 || int(root) >= len(b.ops) {
		return nil, fmt.Errorf("%w: root %d out of range", ErrInvalid, root)
	}
	r := &resolver{
		ops:    b.ops,
		nodes:  make([]*Node, len(b.ops)),
		scopes: make([]types.Columns, len(b.ops)),
	}
	if err := r.checkCycles(root); err != nil {
		return nil, err
	}
	if _, err := r.resolve(root, scope{}); err != nil {
		return nil, err
	}
	for i, n := range r.nodes {
		if n == nil {
			return nil, fmt.Errorf("%w: node %d is not reachable from root %d", ErrInvalid, i, root)
		}
	}
	return &Tree{nodes: r.nodes, root: root}, nil
}

type cteScope struct {
	id   NodeID
	cols types.Columns
}

type scope struct {
	outer types.Columns
	ctes  map[string]cteScope
}

func (s scope) withCte(name string, c cteScope) scope {
	ctes := make(map[string]cteScope, len(s.ctes)+1)
	for k, v := range s.ctes {
		ctes[k] = v
	}
	ctes[strings.ToLower(name)] = c
	return scope{outer: s.outer, ctes: ctes}
}

type resolver struct {
	ops    []Op
	nodes  []*Node
	scopes []types.Columns
}

// checkCycles rejects operator graphs where a node is its own input.
func (r *resolver) checkCycles(root NodeID) error {
	visited := make(map[NodeID]bool)
	visiting := make(map[NodeID]bool)

	var dfs func(id NodeID) error
	dfs = func(id NodeID) error {
		if id < 0 || int(id) >= len(r.ops) || r.ops[id] == nil {
			return fmt.Errorf("%w: reference to unknown node %d", ErrInvalid, id)
		}
		if visited[id] {
			return nil
		}
		if visiting[id] {
			return fmt.Errorf("%w: cycle through node %d", ErrInvalid, id)
		}
		visiting[id] = true
		defer delete(visiting, id)
		for _, in := range r.ops[id].Inputs() {
			if err := dfs(in); err != nil {
				return err
			}
		}
		visited[id] = true
		return nil
	}
	return dfs(root)
}

func (r *resolver) resolve(id NodeID, sc scope) (*Node, error) {
	if n := r.nodes[id]; n != nil {
		if !sameColumns(r.scopes[id], sc.outer) {
			return nil, fmt.Errorf("%w: node %d is shared across different lateral scopes", ErrInvalid, id)
		}
		return n, nil
	}
	n := &Node{ID: id, Op: cloneOp(r.ops[id]), Supported: true}
	if err := r.resolveOp(n, sc); err != nil {
		return nil, fmt.Errorf("%s: %w", n, err)
	}

	rels := map[string]bool{}
	if s, ok := n.Op.(*Scan); ok {
		rels[s.Relation] = true
	}
	for _, in := range n.Op.Inputs() {
		c := r.nodes[in]
		for _, rel := range c.Relations {
			rels[rel] = true
		}
		if !c.Supported {
			n.unsupported(c.Reason)
		}
	}
	for rel := range rels {
		n.Relations = append(n.Relations, rel)
	}
	sort.Strings(n.Relations)

	r.nodes[id] = n
	r.scopes[id] = sc.outer
	return n, nil
}

func (n *Node) unsupported(reason string) {
	if n.Supported {
		n.Supported = false
		n.Reason = reason
	}
}

func (n *Node) checkVolatile(what string, es ...*expr.Expr) {
	for _, e := range es {
		if e != nil && e.Volatile() {
			n.unsupported(fmt.Sprintf("%s calls non-deterministic %s()", what, strings.Join(e.VolatileFunctions(), "(), ")))
			return
		}
	}
}

func (r *resolver) child(id NodeID, sc scope) (*Node, error) {
	return r.resolve(id, sc)
}

func (r *resolver) resolveOp(n *Node, sc scope) error {
	switch o := n.Op.(type) {
	case *Scan:
		return resolveScan(n, o)

	case *Filter:
		c, err := r.child(o.Input, sc)
		if err != nil {
			return err
		}
		if o.pred, err = expr.CompileWithOuter(o.Predicate, c.Columns, sc.outer); err != nil {
			return err
		}
		n.checkVolatile("predicate", o.pred)
		n.Columns, n.Key, n.Alias = c.Columns, c.Key, c.Alias
		return nil

	case *Project:
		c, err := r.child(o.Input, sc)
		if err != nil {
			return err
		}
		return resolveProject(n, o, c, sc)

	case *InnerJoin, *LeftJoin, *FullJoin, *SemiJoin, *AntiJoin:
		j, _ := Join(o)
		l, err := r.child(j.Left, sc)
		if err != nil {
			return err
		}
		rt, err := r.child(j.Right, sc)
		if err != nil {
			return err
		}
		if j.cond, err = expr.CompileJoin(j.On, l.Columns, rt.Columns, sc.outer); err != nil {
			return err
		}
		if j.cond.Volatile() {
			n.checkVolatile("join condition", j.cond.Full)
		}
		if a, ok := o.(*AntiJoin); ok && a.NullAware && len(j.cond.LeftKeys) == 0 {
			return fmt.Errorf("%w: NOT IN needs an equality between the two sides", ErrInvalid)
		}
		switch o.(type) {
		case *SemiJoin, *AntiJoin:
			n.Columns, n.Key = l.Columns, l.Key
		default:
			n.Columns = l.Columns.Concat(rt.Columns)
			if l.Key != nil && rt.Key != nil {
				n.Key = append(append([]int(nil), l.Key...), shift(rt.Key, len(l.Columns))...)
			}
		}
		return nil

	case *Aggregate:
		c, err := r.child(o.Input, sc)
		if err != nil {
			return err
		}
		return resolveAggregate(n, o, c, sc)

	case *Distinct:
		c, err := r.child(o.Input, sc)
		if err != nil {
			return err
		}
		n.Columns, n.Alias = c.Columns, c.Alias
		return nil

	case *UnionAll:
		if len(o.Branches) == 0 {
			return fmt.Errorf("%w: union without branches", ErrInvalid)
		}
		for i, b := range o.Branches {
			c, err := r.child(b, sc)
			if err != nil {
				return err
			}
			if i == 0 {
				n.Columns = c.Columns
			} else if len(c.Columns) != len(n.Columns) {
				return fmt.Errorf("%w: union branch %d has %d columns, want %d", ErrInvalid, i, len(c.Columns), len(n.Columns))
			}
		}
		return nil

	case *Intersect:
		return r.resolveSetOp(n, &o.SetOp, sc)
	case *Except:
		return r.resolveSetOp(n, &o.SetOp, sc)

	case *Subquery:
		c, err := r.child(o.Input, sc)
		if err != nil {
			return err
		}
		if n.Columns, err = rename(c.Columns, o.Alias, o.ColumnAliases); err != nil {
			return err
		}
		n.Key, n.Alias = c.Key, o.Alias
		return nil

	case *CteScan:
		c, err := r.child(o.Body, sc)
		if err != nil {
			return err
		}
		if n.Columns, err = rename(c.Columns, o.Alias, o.ColumnAliases); err != nil {
			return err
		}
		n.Key, n.Alias = c.Key, o.Alias
		return nil

	case *RecursiveCte:
		return r.resolveRecursive(n, o, sc)

	case *SelfRef:
		cte, ok := sc.ctes[strings.ToLower(o.Cte)]
		if !ok {
			return fmt.Errorf("%w: self reference to %q outside its recursive CTE", ErrInvalid, o.Cte)
		}
		o.cte = cte.id
		n.Columns, n.Alias = cte.cols, o.Cte
		if o.Alias != "" {
			n.Columns, n.Alias = cte.cols.Requalify(o.Alias), o.Alias
		}
		return nil

	case *Window:
		c, err := r.child(o.Input, sc)
		if err != nil {
			return err
		}
		return resolveWindow(n, o, c, sc)

	case *LateralFunction:
		c, err := r.child(o.Input, sc)
		if err != nil {
			return err
		}
		return resolveLateralFunction(n, o, c, sc)

	case *LateralSubquery:
		c, err := r.child(o.Input, sc)
		if err != nil {
			return err
		}
		body, err := r.child(o.Body, scope{outer: c.Columns, ctes: sc.ctes})
		if err != nil {
			return err
		}
		n.Columns = c.Columns.Concat(body.Columns)
		return r.resolveCorrelations(o, c)

	case *ScalarSubquery:
		c, err := r.child(o.Input, sc)
		if err != nil {
			return err
		}
		sub, err := r.child(o.Subquery, scope{ctes: sc.ctes})
		if err != nil {
			return err
		}
		if len(sub.Columns) != 1 {
			return fmt.Errorf("%w: scalar subquery returns %d columns", ErrInvalid, len(sub.Columns))
		}
		name := o.Alias
		if name == "" {
			name = sub.Columns[0].Name
		}
		n.Columns = c.Columns.Concat(types.Columns{{Name: name}})
		n.Key, n.Alias = c.Key, c.Alias
		return nil

	default:
		return fmt.Errorf("%w: unknown operator %T", ErrInvalid, o)
	}
}

func resolveScan(n *Node, s *Scan) error {
	if s.Relation == "" {
		return fmt.Errorf("%w: scan without relation", ErrInvalid)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("%w: scan of %s has no columns", ErrInvalid, s.Relation)
	}
	if s.Alias == "" {
		s.Alias = s.Relation
	}
	n.Alias = s.Alias
	n.Columns = types.Qualified(s.Alias, s.Columns...)
	for _, k := range s.Key {
		idx, err := n.Columns.Lookup("", k)
		if err != nil {
			return fmt.Errorf("%w: key of %s: %v", ErrInvalid, s.Relation, err)
		}
		n.Key = append(n.Key, idx)
	}
	if s.NonDeterministic {
		n.unsupported(fmt.Sprintf("relation %s is non-deterministic", s.Relation))
	}
	return nil
}

func resolveProject(n *Node, p *Project, c *Node, sc scope) error {
	if len(p.Exprs) == 0 {
		return fmt.Errorf("%w: empty projection", ErrInvalid)
	}
	passed := map[int]int{}
	for i, pe := range p.Exprs {
		e, err := expr.CompileWithOuter(pe.SQL, c.Columns, sc.outer)
		if err != nil {
			return err
		}
		p.exprs = append(p.exprs, e)
		n.checkVolatile("projection", e)
		col := outputColumn(e, c.Columns, pe.SQL, pe.Alias, p.Alias)
		n.Columns = append(n.Columns, col)
		if idx, ok := e.ColumnRef(); ok {
			if _, seen := passed[idx]; !seen {
				passed[idx] = i
			}
		}
	}
	n.Alias = p.Alias
	if c.Key == nil {
		return nil
	}
	key := make([]int, 0, len(c.Key))
	for _, k := range c.Key {
		out, ok := passed[k]
		if !ok {
			return nil
		}
		key = append(key, out)
	}
	n.Key = key
	p.keepID = true
	return nil
}

// outputColumn names a projected expression. Bare columns keep their name and
// qualifier unless an alias overrides them.
func outputColumn(e *expr.Expr, in types.Columns, sql, alias, qualifier string) types.Column {
	col := types.Column{Qualifier: qualifier, Name: alias}
	if idx, ok := e.ColumnRef(); ok {
		if col.Name == "" {
			col.Name = in[idx].Name
		}
		if col.Qualifier == "" && alias == "" {
			col.Qualifier = in[idx].Qualifier
		}
	}
	if col.Name == "" {
		col.Name = strings.TrimSpace(sql)
	}
	return col
}

func resolveAggregate(n *Node, a *Aggregate, c *Node, sc scope) error {
	for _, g := range a.GroupBy {
		e, err := expr.CompileWithOuter(g, c.Columns, sc.outer)
		if err != nil {
			return err
		}
		a.groups = append(a.groups, e)
		n.checkVolatile("group key", e)
		n.Columns = append(n.Columns, outputColumn(e, c.Columns, g, "", a.Alias))
	}
	for _, ae := range a.Aggs {
		compiled, err := compileAgg(ae, c.Columns, sc.outer)
		if err != nil {
			return err
		}
		a.aggs = append(a.aggs, compiled)
		n.checkVolatile("aggregate argument", compiled.Args...)
		n.checkVolatile("aggregate filter", compiled.Filter)
		name := ae.Alias
		if name == "" {
			name = string(compiled.Spec.Func)
		}
		n.Columns = append(n.Columns, types.Column{Qualifier: a.Alias, Name: name})
	}
	if strings.TrimSpace(a.Having) != "" {
		h, err := expr.CompileWithOuter(a.Having, n.Columns, sc.outer)
		if err != nil {
			return fmt.Errorf("having: %w", err)
		}
		a.having = h
		n.checkVolatile("having", h)
	}
	n.Alias = a.Alias
	n.Key = make([]int, len(a.GroupBy))
	for i := range n.Key {
		n.Key[i] = i
	}
	return nil
}

func compileAgg(ae AggExpr, cols, outer types.Columns) (Agg, error) {
	f, err := agg.Lookup(ae.Func)
	if err != nil {
		return Agg{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	args := ae.Args
	if f == agg.Count && (len(args) == 0 || len(args) == 1 && strings.TrimSpace(args[0]) == "*") {
		f, args = agg.CountStar, nil
	}
	if len(args) != f.Arity() {
		return Agg{}, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalid, f, f.Arity(), len(args))
	}
	out := Agg{Spec: agg.Spec{Func: f, Distinct: ae.Distinct, Separator: ae.Separator, Fraction: ae.Fraction}}
	if f == agg.StringAgg && out.Spec.Separator == "" {
		out.Spec.Separator = ","
	}
	if (f == agg.PercentileCont || f == agg.PercentileDisc) && (ae.Fraction < 0 || ae.Fraction > 1) {
		return Agg{}, fmt.Errorf("%w: percentile fraction %v outside [0, 1]", ErrInvalid, ae.Fraction)
	}
	for _, a := range args {
		e, err := expr.CompileWithOuter(a, cols, outer)
		if err != nil {
			return Agg{}, err
		}
		out.Args = append(out.Args, e)
	}
	if strings.TrimSpace(ae.Filter) != "" {
		if out.Filter, err = expr.CompileWithOuter(ae.Filter, cols, outer); err != nil {
			return Agg{}, fmt.Errorf("filter: %w", err)
		}
	}
	if out.OrderBy, err = compileOrder(ae.OrderBy, cols, outer); err != nil {
		return Agg{}, err
	}
	return out, nil
}

func compileOrder(items []OrderItem, cols, outer types.Columns) ([]Order, error) {
	var out []Order
	for _, it := range items {
		e, err := expr.CompileWithOuter(it.SQL, cols, outer)
		if err != nil {
			return nil, fmt.Errorf("order by: %w", err)
		}
		o := Order{Expr: e, Desc: it.Desc, NullsFirst: it.Desc}
		switch strings.ToLower(it.Nulls) {
		case "first":
			o.NullsFirst = true
		case "last":
			o.NullsFirst = false
		case "":
		default:
			return nil, fmt.Errorf("%w: NULLS %s", ErrInvalid, it.Nulls)
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *resolver) resolveSetOp(n *Node, s *SetOp, sc scope) error {
	l, err := r.child(s.Left, sc)
	if err != nil {
		return err
	}
	rt, err := r.child(s.Right, sc)
	if err != nil {
		return err
	}
	if len(l.Columns) != len(rt.Columns) {
		return fmt.Errorf("%w: set operation inputs have %d and %d columns", ErrInvalid, len(l.Columns), len(rt.Columns))
	}
	n.Columns = l.Columns
	return nil
}

func (r *resolver) resolveRecursive(n *Node, o *RecursiveCte, sc scope) error {
	if o.Name == "" {
		return fmt.Errorf("%w: recursive CTE without a name", ErrInvalid)
	}
	base, err := r.child(o.Base, sc)
	if err != nil {
		return err
	}
	q := o.Alias
	if q == "" {
		q = o.Name
	}
	if n.Columns, err = rename(base.Columns, q, o.Columns); err != nil {
		return err
	}
	n.Alias = q
	rec, err := r.child(o.Recursive, sc.withCte(o.Name, cteScope{id: n.ID, cols: n.Columns}))
	if err != nil {
		return err
	}
	if len(rec.Columns) != len(n.Columns) {
		return fmt.Errorf("%w: recursive term has %d columns, base has %d", ErrInvalid, len(rec.Columns), len(n.Columns))
	}
	o.selfRefs = r.countSelfRefs(o.Recursive, o.Name, map[NodeID]bool{})
	if o.selfRefs == 0 {
		return fmt.Errorf("%w: recursive term of %s never references it", ErrInvalid, o.Name)
	}
	return nil
}

func (r *resolver) countSelfRefs(id NodeID, name string, seen map[NodeID]bool) int {
	if seen[id] {
		return 0
	}
	seen[id] = true
	if s, ok := r.ops[id].(*SelfRef); ok && strings.EqualFold(s.Cte, name) {
		return 1
	}
	n := 0
	for _, in := range r.ops[id].Inputs() {
		n += r.countSelfRefs(in, name, seen)
	}
	return n
}

var windowArity = map[string][2]int{
	"row_number":   {0, 0},
	"rank":         {0, 0},
	"dense_rank":   {0, 0},
	"percent_rank": {0, 0},
	"cume_dist":    {0, 0},
	"ntile":        {1, 1},
	"lag":          {1, 3},
	"lead":         {1, 3},
	"first_value":  {1, 1},
	"last_value":   {1, 1},
	"nth_value":    {2, 2},
	"sum":          {1, 1},
	"count":        {0, 1},
	"avg":          {1, 1},
	"min":          {1, 1},
	"max":          {1, 1},
}

func resolveWindow(n *Node, w *Window, c *Node, sc scope) error {
	var err error
	for _, p := range w.PartitionBy {
		e, err := expr.CompileWithOuter(p, c.Columns, sc.outer)
		if err != nil {
			return err
		}
		w.partition = append(w.partition, e)
		n.checkVolatile("partition key", e)
	}
	if w.order, err = compileOrder(w.OrderBy, c.Columns, sc.outer); err != nil {
		return err
	}
	for _, o := range w.order {
		n.checkVolatile("window order", o.Expr)
	}
	if len(w.Funcs) == 0 {
		return fmt.Errorf("%w: window without functions", ErrInvalid)
	}
	n.Columns = append(types.Columns(nil), c.Columns...)
	for _, f := range w.Funcs {
		name := strings.ToLower(f.Func)
		arity, ok := windowArity[name]
		if !ok {
			return fmt.Errorf("%w: window function %s", expr.ErrUnsupported, f.Func)
		}
		args := f.Args
		if name == "count" && len(args) == 1 && strings.TrimSpace(args[0]) == "*" {
			args = nil
		}
		if len(args) < arity[0] || len(args) > arity[1] {
			return fmt.Errorf("%w: %s takes %d to %d arguments", ErrInvalid, name, arity[0], arity[1])
		}
		call := WindowCall{Func: name}
		for _, a := range args {
			e, err := expr.CompileWithOuter(a, c.Columns, sc.outer)
			if err != nil {
				return err
			}
			call.Args = append(call.Args, e)
			n.checkVolatile("window argument", e)
		}
		switch {
		case f.Frame != nil:
			call.Frame = *f.Frame
		case len(w.order) > 0:
			call.Frame = DefaultFrame
		default:
			call.Frame = Frame{Mode: FrameRange, Start: Bound{Type: UnboundedPreceding}, End: Bound{Type: UnboundedFollowing}}
		}
		if call.Frame.Mode == FrameRange && (call.Frame.Start.Type == Preceding || call.Frame.Start.Type == Following ||
			call.Frame.End.Type == Preceding || call.Frame.End.Type == Following) {
			return fmt.Errorf("%w: RANGE frames with offsets", expr.ErrUnsupported)
		}
		w.calls = append(w.calls, call)
		alias := f.Alias
		if alias == "" {
			alias = name
		}
		n.Columns = append(n.Columns, types.Column{Name: alias})
	}
	n.Key, n.Alias = c.Key, c.Alias
	return nil
}

// LateralFunctions lists the supported set-returning functions with their
// argument counts and output columns.
var LateralFunctions = map[string]struct {
	MinArgs, MaxArgs int
	Columns          []string
}{
	"unnest":                   {1, 1, []string{"unnest"}},
	"generate_series":          {2, 3, []string{"generate_series"}},
	"json_array_elements":      {1, 1, []string{"value"}},
	"json_array_elements_text": {1, 1, []string{"value"}},
	"json_each":                {1, 1, []string{"key", "value"}},
	"string_to_table":          {2, 2, []string{"string_to_table"}},
	"regexp_split_to_table":    {2, 2, []string{"regexp_split_to_table"}},
}

func resolveLateralFunction(n *Node, l *LateralFunction, c *Node, sc scope) error {
	name := strings.ToLower(l.Func)
	def, ok := LateralFunctions[name]
	if !ok {
		return fmt.Errorf("%w: set-returning function %s", expr.ErrUnsupported, l.Func)
	}
	l.Func = name
	if len(l.Args) < def.MinArgs || len(l.Args) > def.MaxArgs {
		return fmt.Errorf("%w: %s takes %d to %d arguments", ErrInvalid, name, def.MinArgs, def.MaxArgs)
	}
	for _, a := range l.Args {
		e, err := expr.CompileWithOuter(a, c.Columns, sc.outer)
		if err != nil {
			return err
		}
		l.args = append(l.args, e)
		n.checkVolatile("function argument", e)
	}
	names := append([]string(nil), def.Columns...)
	if l.WithOrdinality {
		names = append(names, "ordinality")
	}
	if len(l.ColumnAliases) > len(names) {
		return fmt.Errorf("%w: %s returns %d columns, %d aliases given", ErrInvalid, name, len(names), len(l.ColumnAliases))
	}
	copy(names, l.ColumnAliases)
	q := l.Alias
	if q == "" {
		q = name
	}
	n.Columns = c.Columns.Concat(types.Qualified(q, names...))
	return nil
}

func (r *resolver) resolveCorrelations(l *LateralSubquery, outer *Node) error {
	for _, c := range l.Correlation {
		q, name := splitRef(c.OuterColumn)
		oi, err := outer.Columns.Lookup(q, name)
		if err != nil {
			return fmt.Errorf("%w: correlation: %v", ErrInvalid, err)
		}
		scan := r.findScan(l.Body, c.InnerRelation, map[NodeID]bool{})
		if scan == nil {
			return fmt.Errorf("%w: correlation: lateral body does not read %s", ErrInvalid, c.InnerRelation)
		}
		ii := -1
		for i, col := range scan.Columns {
			if strings.EqualFold(col, c.InnerColumn) {
				ii = i
			}
		}
		if ii < 0 {
			return fmt.Errorf("%w: correlation: %s has no column %s", ErrInvalid, c.InnerRelation, c.InnerColumn)
		}
		l.corr = append(l.corr, ResolvedCorrelation{Relation: scan.Relation, Outer: oi, Inner: ii})
	}
	return nil
}

func (r *resolver) findScan(id NodeID, rel string, seen map[NodeID]bool) *Scan {
	if seen[id] {
		return nil
	}
	seen[id] = true
	if s, ok := r.nodes[id].Op.(*Scan); ok && s.Relation == rel {
		return s
	}
	for _, in := range r.nodes[id].Op.Inputs() {
		if s := r.findScan(in, rel, seen); s != nil {
			return s
		}
	}
	return nil
}

func splitRef(ref string) (string, string) {
	if i := strings.LastIndexByte(ref, '.'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}

func rename(cols types.Columns, qualifier string, names []string) (types.Columns, error) {
	if len(names) > 0 && len(names) != len(cols) {
		return nil, fmt.Errorf("%w: %d column aliases for %d columns", ErrInvalid, len(names), len(cols))
	}
	out := make(types.Columns, len(cols))
	for i, c := range cols {
		out[i] = c
		if qualifier != "" {
			out[i].Qualifier = qualifier
		}
		if len(names) > 0 {
			out[i].Name = names[i]
		}
	}
	return out, nil
}

func shift(idx []int, by int) []int {
	out := make([]int, len(idx))
	for i, v := range idx {
		out[i] = v + by
	}
	return out
}

func sameColumns(a, b types.Columns) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneOp(op Op) Op {
	switch o := op.(type) {
	case *Scan:
		c := *o
		return &c
	case *Filter:
		c := *o
		return &c
	case *Project:
		c := *o
		return &c
	case *InnerJoin:
		c := *o
		return &c
	case *LeftJoin:
		c := *o
		return &c
	case *FullJoin:
		c := *o
		return &c
	case *SemiJoin:
		c := *o
		return &c
	case *AntiJoin:
		c := *o
		return &c
	case *Aggregate:
		c := *o
		return &c
	case *Distinct:
		c := *o
		return &c
	case *UnionAll:
		c := *o
		return &c
	case *Intersect:
		c := *o
		return &c
	case *Except:
		c := *o
		return &c
	case *Subquery:
		c := *o
		return &c
	case *CteScan:
		c := *o
		return &c
	case *RecursiveCte:
		c := *o
		return &c
	case *SelfRef:
		c := *o
		return &c
	case *Window:
		c := *o
		return &c
	case *LateralFunction:
		c := *o
		return &c
	case *LateralSubquery:
		c := *o
		return &c
	case *ScalarSubquery:
		c := *o
		return &c
	default:
		return op
	}
}
