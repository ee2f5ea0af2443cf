package optree

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec is the YAML form of a tree. Nodes refer to each other by ID.
//
//	root: by_region
//	nodes:
//	  - id: o
//	    kind: scan
//	    relation: orders
//	    columns: [id, region, amt]
//	    key: [id]
//	  - id: by_region
//	    kind: aggregate
//	    input: o
//	    group_by: [region]
//	    aggs:
//	      - {func: sum, args: [amt], alias: total}
type Spec struct {
	Root  string     `yaml:"root"`
	Nodes []NodeSpec `yaml:"nodes"`
}

// NodeSpec describes one node. Kind selects which of the other fields apply.
type NodeSpec struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"` // scan, filter, project, inner_join, ..., scalar_subquery

	Input     string   `yaml:"input"`
	Inputs    []string `yaml:"inputs"` // union, union_all
	Left      string   `yaml:"left"`
	Right     string   `yaml:"right"`
	Body      string   `yaml:"body"`     // cte_scan, lateral_subquery
	Subquery  string   `yaml:"subquery"` // scalar_subquery
	Base      string   `yaml:"base"`
	Recursive string   `yaml:"recursive"`

	Relation         string   `yaml:"relation"`
	Alias            string   `yaml:"alias"`
	Columns          []string `yaml:"columns"`
	Key              []string `yaml:"key"`
	NonDeterministic bool     `yaml:"non_deterministic"`

	Predicate string        `yaml:"predicate"`
	Exprs     []ProjectExpr `yaml:"exprs"`
	On        string        `yaml:"on"`
	NullAware bool          `yaml:"null_aware"`
	All       bool          `yaml:"all"`

	GroupBy []string  `yaml:"group_by"`
	Aggs    []AggExpr `yaml:"aggs"`
	Having  string    `yaml:"having"`

	ColumnAliases []string `yaml:"column_aliases"`
	Name          string   `yaml:"name"`
	UnionAll      bool     `yaml:"union_all"`
	Cte           string   `yaml:"cte"`

	PartitionBy []string     `yaml:"partition_by"`
	OrderBy     []OrderItem  `yaml:"order_by"`
	Funcs       []WindowFunc `yaml:"funcs"`

	Func           string        `yaml:"func"`
	Args           []string      `yaml:"args"`
	WithOrdinality bool          `yaml:"with_ordinality"`
	LeftJoin       bool          `yaml:"left_join"`
	Correlation    []Correlation `yaml:"correlation"`
}

// ParseSpec decodes and builds a YAML tree.
func ParseSpec(data []byte) (*Tree, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse tree spec: %w", err)
	}
	return s.Build()
}

// LoadSpec reads and builds a YAML tree from path.
func LoadSpec(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tree spec: %w", err)
	}
	return ParseSpec(data)
}

// Build turns the spec into a validated tree.
func (s *Spec) Build() (*Tree, error) {
	ids := make(map[string]NodeID, len(s.Nodes))
	next := NodeID(0)
	for _, ns := range s.Nodes {
		if ns.ID == "" {
			return nil, fmt.Errorf("%w: node without id", ErrInvalid)
		}
		if _, dup := ids[ns.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalid, ns.ID)
		}
		// union occupies two slots: the concatenation and the DISTINCT over it.
		if strings.EqualFold(ns.Kind, "union") {
			next++
		}
		ids[ns.ID] = next
		next++
	}
	ref := func(name string) (NodeID, error) {
		id, ok := ids[name]
		if !ok {
			return NoNode, fmt.Errorf("%w: unknown node %q", ErrInvalid, name)
		}
		return id, nil
	}

	b := NewBuilder()
	for _, ns := range s.Nodes {
		got, err := ns.add(b, ref)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", ns.ID, err)
		}
		if got != ids[ns.ID] {
			return nil, fmt.Errorf("node %q: arena slot %d, want %d", ns.ID, got, ids[ns.ID])
		}
	}
	root, err := ref(s.Root)
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	return b.Build(root)
}

func (ns NodeSpec) add(b *Builder, ref func(string) (NodeID, error)) (NodeID, error) {
	var err error
	one := func(name string) NodeID {
		if err != nil {
			return NoNode
		}
		var id NodeID
		id, err = ref(name)
		return id
	}
	many := func(names []string) []NodeID {
		out := make([]NodeID, len(names))
		for i, n := range names {
			out[i] = one(n)
		}
		return out
	}
	join := func() JoinSpec {
		return JoinSpec{Left: one(ns.Left), Right: one(ns.Right), On: ns.On}
	}

	var op Op
	switch strings.ToLower(ns.Kind) {
	case "scan":
		op = &Scan{Relation: ns.Relation, Alias: ns.Alias, Columns: ns.Columns, Key: ns.Key, NonDeterministic: ns.NonDeterministic}
	case "filter":
		op = &Filter{Input: one(ns.Input), Predicate: ns.Predicate}
	case "project":
		op = &Project{Input: one(ns.Input), Exprs: ns.Exprs, Alias: ns.Alias}
	case "inner_join", "join":
		op = &InnerJoin{join()}
	case "left_join":
		op = &LeftJoin{join()}
	case "full_join":
		op = &FullJoin{join()}
	case "semi_join":
		op = &SemiJoin{join()}
	case "anti_join":
		op = &AntiJoin{JoinSpec: join(), NullAware: ns.NullAware}
	case "aggregate":
		op = &Aggregate{Input: one(ns.Input), GroupBy: ns.GroupBy, Aggs: ns.Aggs, Having: ns.Having, Alias: ns.Alias}
	case "distinct":
		op = &Distinct{Input: one(ns.Input)}
	case "union_all":
		op = &UnionAll{Branches: many(ns.Inputs)}
	case "union":
		branches := many(ns.Inputs)
		if err != nil {
			return NoNode, err
		}
		return b.Union(false, branches...), nil
	case "intersect":
		op = &Intersect{SetOp{Left: one(ns.Left), Right: one(ns.Right), All: ns.All}}
	case "except":
		op = &Except{SetOp{Left: one(ns.Left), Right: one(ns.Right), All: ns.All}}
	case "subquery":
		op = &Subquery{Input: one(ns.Input), Alias: ns.Alias, ColumnAliases: ns.ColumnAliases}
	case "cte_scan":
		op = &CteScan{Body: one(ns.Body), Alias: ns.Alias, ColumnAliases: ns.ColumnAliases}
	case "recursive_cte":
		op = &RecursiveCte{Name: ns.Name, Base: one(ns.Base), Recursive: one(ns.Recursive), UnionAll: ns.UnionAll, Columns: ns.Columns, Alias: ns.Alias}
	case "self_ref":
		op = &SelfRef{Cte: ns.Cte, Alias: ns.Alias}
	case "window":
		op = &Window{Input: one(ns.Input), PartitionBy: ns.PartitionBy, OrderBy: ns.OrderBy, Funcs: ns.Funcs}
	case "lateral_function":
		op = &LateralFunction{Input: one(ns.Input), Func: ns.Func, Args: ns.Args, Alias: ns.Alias,
			ColumnAliases: ns.ColumnAliases, WithOrdinality: ns.WithOrdinality, Left: ns.LeftJoin}
	case "lateral_subquery":
		op = &LateralSubquery{Input: one(ns.Input), Body: one(ns.Body), Left: ns.LeftJoin, Correlation: ns.Correlation}
	case "scalar_subquery":
		op = &ScalarSubquery{Input: one(ns.Input), Subquery: one(ns.Subquery), Alias: ns.Alias}
	default:
		return NoNode, fmt.Errorf("%w: unknown kind %q", ErrInvalid, ns.Kind)
	}
	if err != nil {
		return NoNode, err
	}
	return b.Add(op), nil
}

func (m *FrameMode) UnmarshalYAML(value *yaml.Node) error {
	switch strings.ToLower(value.Value) {
	case "rows":
		*m = FrameRows
	case "range", "":
		*m = FrameRange
	default:
		return fmt.Errorf("unknown frame mode %q", value.Value)
	}
	return nil
}

func (t *BoundType) UnmarshalYAML(value *yaml.Node) error {
	switch strings.ReplaceAll(strings.ToLower(value.Value), " ", "_") {
	case "unbounded_preceding":
		*t = UnboundedPreceding
	case "preceding":
		*t = Preceding
	case "current_row":
		*t = CurrentRow
	case "following":
		*t = Following
	case "unbounded_following":
		*t = UnboundedFollowing
	default:
		return fmt.Errorf("unknown frame bound %q", value.Value)
	}
	return nil
}
