// Package optree is the immutable operator tree a view is defined by.
//
// A Tree is an arena of nodes addressed by NodeID. Each node holds one Op, a
// closed set of operator structs that the evaluator and the differential engine
// dispatch on with a type switch. Trees come out of Builder.Build (or
// ParseSpec) already validated: every expression is compiled against its input
// columns, identity keys are derived, and every node carries a flag telling
// whether differential maintenance is possible for it.
package optree

import (
	"fmt"

	"github.com/ariyn/ivm/internal/ivm/agg"
	"github.com/ariyn/ivm/internal/ivm/expr"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// NodeID is a handle into a Tree's arena.
type NodeID int

const NoNode NodeID = -1

// Kind enumerates operator kinds.
type Kind int

const (
	KindScan Kind = iota
	KindFilter
	KindProject
	KindInnerJoin
	KindLeftJoin
	KindFullJoin
	KindSemiJoin
	KindAntiJoin
	KindAggregate
	KindDistinct
	KindUnionAll
	KindIntersect
	KindExcept
	KindSubquery
	KindCteScan
	KindRecursiveCte
	KindSelfRef
	KindWindow
	KindLateralFunction
	KindLateralSubquery
	KindScalarSubquery
)

var kindNames = [...]string{
	KindScan:            "Scan",
	KindFilter:          "Filter",
	KindProject:         "Project",
	KindInnerJoin:       "InnerJoin",
	KindLeftJoin:        "LeftJoin",
	KindFullJoin:        "FullJoin",
	KindSemiJoin:        "SemiJoin",
	KindAntiJoin:        "AntiJoin",
	KindAggregate:       "Aggregate",
	KindDistinct:        "Distinct",
	KindUnionAll:        "UnionAll",
	KindIntersect:       "Intersect",
	KindExcept:          "Except",
	KindSubquery:        "Subquery",
	KindCteScan:         "CteScan",
	KindRecursiveCte:    "RecursiveCte",
	KindSelfRef:         "RecursiveSelfRef",
	KindWindow:          "Window",
	KindLateralFunction: "LateralFunction",
	KindLateralSubquery: "LateralSubquery",
	KindScalarSubquery:  "ScalarSubquery",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Op is one operator. The set of implementations is closed.
type Op interface {
	Kind() Kind
	// Inputs lists the child nodes the operator reads, in order.
	Inputs() []NodeID
	isOp()
}

// Node is one resolved operator in a Tree.
type Node struct {
	ID      NodeID
	Op      Op
	Columns types.Columns
	// Alias is the name the node's output is visible under, if any.
	Alias string
	// Relations are the base relations the node reads, transitively, sorted.
	Relations []string
	// Key lists the output positions that identify a row, or nil when rows are
	// identified by content.
	Key []int
	// Supported is false when the node or one of its descendants cannot be
	// maintained differentially. Reason says why.
	Supported bool
	Reason    string
}

func (n *Node) Kind() Kind { return n.Op.Kind() }

func (n *Node) String() string {
	if n.Alias != "" {
		return fmt.Sprintf("%s#%d(%s)", n.Op.Kind(), n.ID, n.Alias)
	}
	return fmt.Sprintf("%s#%d", n.Op.Kind(), n.ID)
}

// ReadsRelation reports whether rel is among the node's base relations.
func (n *Node) ReadsRelation(rel string) bool {
	for _, r := range n.Relations {
		if r == rel {
			return true
		}
	}
	return false
}

// OrderItem is one ORDER BY entry. Nulls is "first", "last" or empty for the
// default (last when ascending, first when descending).
type OrderItem struct {
	SQL   string `yaml:"sql"`
	Desc  bool   `yaml:"desc"`
	Nulls string `yaml:"nulls"`
}

// Order is a compiled OrderItem.
type Order struct {
	Expr       *expr.Expr
	Desc       bool
	NullsFirst bool
}

// Scan reads a base relation.
type Scan struct {
	Relation string
	// Alias qualifies the output columns. Defaults to Relation.
	Alias   string
	Columns []string
	// Key names the primary key columns, if the relation has one.
	Key []string
	// NonDeterministic marks relations whose contents cannot be replayed from
	// captured changes.
	NonDeterministic bool
}

// Filter keeps rows whose predicate is TRUE.
type Filter struct {
	Input     NodeID
	Predicate string

	pred *expr.Expr
}

func (f *Filter) Pred() *expr.Expr { return f.pred }

// ProjectExpr is one output expression of a Project.
type ProjectExpr struct {
	SQL   string `yaml:"sql"`
	Alias string `yaml:"as"`
}

// Project maps rows through a list of expressions.
type Project struct {
	Input NodeID
	Exprs []ProjectExpr
	Alias string

	exprs  []*expr.Expr
	keepID bool
}

func (p *Project) Compiled() []*expr.Expr { return p.exprs }

// KeepsIdentity reports whether every identity-defining column of the input
// passes through unchanged, so the input identity can be reused.
func (p *Project) KeepsIdentity() bool { return p.keepID }

// JoinSpec is shared by the join family.
type JoinSpec struct {
	Left, Right NodeID
	// On is the join condition. Empty means a cross join.
	On string

	cond *expr.JoinCondition
}

func (j *JoinSpec) Cond() *expr.JoinCondition { return j.cond }
func (j *JoinSpec) Inputs() []NodeID          { return []NodeID{j.Left, j.Right} }
func (j *JoinSpec) join() *JoinSpec           { return j }

type InnerJoin struct{ JoinSpec }
type LeftJoin struct{ JoinSpec }
type FullJoin struct{ JoinSpec }

// SemiJoin keeps left rows that have at least one matching right row.
type SemiJoin struct{ JoinSpec }

// AntiJoin keeps left rows without a matching right row. With NullAware set it
// follows NOT IN semantics: a left row whose key is NULL, or any right row with
// a NULL key, makes the comparison unknown and the row is dropped, unless the
// right side is empty.
type AntiJoin struct {
	JoinSpec
	NullAware bool
}

// Joiner is implemented by every join-family operator.
type Joiner interface {
	Op
	join() *JoinSpec
}

// Join returns the JoinSpec of a join-family operator.
func Join(op Op) (*JoinSpec, bool) {
	j, ok := op.(Joiner)
	if !ok {
		return nil, false
	}
	return j.join(), true
}

// AggExpr is one aggregate call.
type AggExpr struct {
	Func     string   `yaml:"func"`
	Args     []string `yaml:"args"`
	Distinct bool     `yaml:"distinct"`
	// Filter is the FILTER (WHERE ...) clause.
	Filter string `yaml:"filter"`
	// OrderBy orders the input of STRING_AGG, ARRAY_AGG and JSON_AGG.
	OrderBy   []OrderItem `yaml:"order_by"`
	Separator string      `yaml:"separator"`
	Fraction  float64     `yaml:"fraction"`
	Alias     string      `yaml:"alias"`
}

// Agg is a compiled AggExpr.
type Agg struct {
	Spec    agg.Spec
	Args    []*expr.Expr
	Filter  *expr.Expr
	OrderBy []Order
}

// Aggregate groups rows. Without GroupBy it is a scalar aggregate that always
// produces exactly one row.
type Aggregate struct {
	Input   NodeID
	GroupBy []string
	Aggs    []AggExpr
	// Having is evaluated over the output columns.
	Having string
	Alias  string

	groups []*expr.Expr
	aggs   []Agg
	having *expr.Expr
}

func (a *Aggregate) Groups() []*expr.Expr   { return a.groups }
func (a *Aggregate) Compiled() []Agg        { return a.aggs }
func (a *Aggregate) HavingExpr() *expr.Expr { return a.having }
func (a *Aggregate) Scalar() bool           { return len(a.GroupBy) == 0 }

type Distinct struct {
	Input NodeID
}

// UnionAll concatenates its inputs.
type UnionAll struct {
	Branches []NodeID
}

// SetOp is shared by Intersect and Except. All selects bag semantics.
type SetOp struct {
	Left, Right NodeID
	All         bool
}

func (s *SetOp) Inputs() []NodeID { return []NodeID{s.Left, s.Right} }

type Intersect struct{ SetOp }
type Except struct{ SetOp }

// Subquery renames the output of an un-decomposed query body.
type Subquery struct {
	Input         NodeID
	Alias         string
	ColumnAliases []string
}

// CteScan reads a non-recursive CTE. Several CteScans may share one Body.
type CteScan struct {
	Body          NodeID
	Alias         string
	ColumnAliases []string
}

// RecursiveCte is WITH RECURSIVE name AS (Base UNION [ALL] Recursive). The
// recursive term refers to the CTE through SelfRef nodes.
type RecursiveCte struct {
	Name      string
	Base      NodeID
	Recursive NodeID
	UnionAll  bool
	Columns   []string
	Alias     string

	selfRefs int
}

// SelfRefs is the number of self references in the recursive term.
func (r *RecursiveCte) SelfRefs() int { return r.selfRefs }

// SelfRef reads the recursive CTE named Cte from inside its recursive term.
type SelfRef struct {
	Cte   string
	Alias string

	cte NodeID
}

func (s *SelfRef) CteNode() NodeID { return s.cte }

// FrameMode is ROWS or RANGE.
type FrameMode int

const (
	FrameRange FrameMode = iota
	FrameRows
)

// BoundType is a window frame bound.
type BoundType int

const (
	UnboundedPreceding BoundType = iota
	Preceding
	CurrentRow
	Following
	UnboundedFollowing
)

type Bound struct {
	Type   BoundType `yaml:"type"`
	Offset int64     `yaml:"offset"`
}

// Frame is a window frame. The zero Frame is RANGE BETWEEN UNBOUNDED
// PRECEDING AND UNBOUNDED PRECEDING; use DefaultFrame for the SQL default.
type Frame struct {
	Mode  FrameMode `yaml:"mode"`
	Start Bound     `yaml:"start"`
	End   Bound     `yaml:"end"`
}

// DefaultFrame is RANGE BETWEEN UNBOUNDED PRECEDING AND CURRENT ROW.
var DefaultFrame = Frame{Mode: FrameRange, Start: Bound{Type: UnboundedPreceding}, End: Bound{Type: CurrentRow}}

// WindowFunc is one window function call.
type WindowFunc struct {
	Func  string   `yaml:"func"`
	Args  []string `yaml:"args"`
	Frame *Frame   `yaml:"frame"`
	Alias string   `yaml:"alias"`
}

// WindowCall is a compiled WindowFunc.
type WindowCall struct {
	Func  string
	Args  []*expr.Expr
	Frame Frame
}

// Window appends window function results to every input row. All functions of
// one node share PartitionBy and OrderBy.
type Window struct {
	Input       NodeID
	PartitionBy []string
	OrderBy     []OrderItem
	Funcs       []WindowFunc

	partition []*expr.Expr
	order     []Order
	calls     []WindowCall
}

func (w *Window) Partition() []*expr.Expr { return w.partition }
func (w *Window) Order() []Order          { return w.order }
func (w *Window) Calls() []WindowCall     { return w.calls }

// LateralFunction is a set-returning function applied to every input row.
type LateralFunction struct {
	Input          NodeID
	Func           string
	Args           []string
	Alias          string
	ColumnAliases  []string
	WithOrdinality bool
	// Left keeps input rows for which the function returns no rows, padded
	// with NULLs.
	Left bool

	args []*expr.Expr
}

func (l *LateralFunction) CompiledArgs() []*expr.Expr { return l.args }

// Correlation declares that the lateral body reads InnerRelation rows whose
// InnerColumn equals the outer row's OuterColumn. It lets changes to that
// relation be traced back to the outer rows they affect.
type Correlation struct {
	OuterColumn   string `yaml:"outer_column"`
	InnerRelation string `yaml:"inner_relation"`
	InnerColumn   string `yaml:"inner_column"`
}

// ResolvedCorrelation is a Correlation with positions resolved: Outer indexes
// the lateral input columns and Inner the relation's columns.
type ResolvedCorrelation struct {
	Relation string
	Outer    int
	Inner    int
}

// LateralSubquery evaluates Body once per input row. Body may reference the
// input row's columns.
type LateralSubquery struct {
	Input       NodeID
	Body        NodeID
	Left        bool
	Correlation []Correlation

	corr []ResolvedCorrelation
}

func (l *LateralSubquery) Correlations() []ResolvedCorrelation { return l.corr }

// ScalarSubquery appends the single value produced by an uncorrelated
// subquery to every input row.
type ScalarSubquery struct {
	Input    NodeID
	Subquery NodeID
	Alias    string
}

func (*Scan) Kind() Kind            { return KindScan }
func (*Filter) Kind() Kind          { return KindFilter }
func (*Project) Kind() Kind         { return KindProject }
func (*InnerJoin) Kind() Kind       { return KindInnerJoin }
func (*LeftJoin) Kind() Kind        { return KindLeftJoin }
func (*FullJoin) Kind() Kind        { return KindFullJoin }
func (*SemiJoin) Kind() Kind        { return KindSemiJoin }
func (*AntiJoin) Kind() Kind        { return KindAntiJoin }
func (*Aggregate) Kind() Kind       { return KindAggregate }
func (*Distinct) Kind() Kind        { return KindDistinct }
func (*UnionAll) Kind() Kind        { return KindUnionAll }
func (*Intersect) Kind() Kind       { return KindIntersect }
func (*Except) Kind() Kind          { return KindExcept }
func (*Subquery) Kind() Kind        { return KindSubquery }
func (*CteScan) Kind() Kind         { return KindCteScan }
func (*RecursiveCte) Kind() Kind    { return KindRecursiveCte }
func (*SelfRef) Kind() Kind         { return KindSelfRef }
func (*Window) Kind() Kind          { return KindWindow }
func (*LateralFunction) Kind() Kind { return KindLateralFunction }
func (*LateralSubquery) Kind() Kind { return KindLateralSubquery }
func (*ScalarSubquery) Kind() Kind  { return KindScalarSubquery }

func (*Scan) Inputs() []NodeID              { return nil }
func (f *Filter) Inputs() []NodeID          { return []NodeID{f.Input} }
func (p *Project) Inputs() []NodeID         { return []NodeID{p.Input} }
func (a *Aggregate) Inputs() []NodeID       { return []NodeID{a.Input} }
func (d *Distinct) Inputs() []NodeID        { return []NodeID{d.Input} }
func (u *UnionAll) Inputs() []NodeID        { return u.Branches }
func (s *Subquery) Inputs() []NodeID        { return []NodeID{s.Input} }
func (c *CteScan) Inputs() []NodeID         { return []NodeID{c.Body} }
func (r *RecursiveCte) Inputs() []NodeID    { return []NodeID{r.Base, r.Recursive} }
func (*SelfRef) Inputs() []NodeID           { return nil }
func (w *Window) Inputs() []NodeID          { return []NodeID{w.Input} }
func (l *LateralFunction) Inputs() []NodeID { return []NodeID{l.Input} }
func (l *LateralSubquery) Inputs() []NodeID { return []NodeID{l.Input, l.Body} }
func (s *ScalarSubquery) Inputs() []NodeID  { return []NodeID{s.Input, s.Subquery} }

func (*Scan) isOp()            {}
func (*Filter) isOp()          {}
func (*Project) isOp()         {}
func (*InnerJoin) isOp()       {}
func (*LeftJoin) isOp()        {}
func (*FullJoin) isOp()        {}
func (*SemiJoin) isOp()        {}
func (*AntiJoin) isOp()        {}
func (*Aggregate) isOp()       {}
func (*Distinct) isOp()        {}
func (*UnionAll) isOp()        {}
func (*Intersect) isOp()       {}
func (*Except) isOp()          {}
func (*Subquery) isOp()        {}
func (*CteScan) isOp()         {}
func (*RecursiveCte) isOp()    {}
func (*SelfRef) isOp()         {}
func (*Window) isOp()          {}
func (*LateralFunction) isOp() {}
func (*LateralSubquery) isOp() {}
func (*ScalarSubquery) isOp()  {}
