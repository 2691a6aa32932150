package plan

import (
	"math"

	"github.com/pkg/errors"

	"github.com/corvusdb/corvusdb/internal/ast"
	"github.com/corvusdb/corvusdb/internal/collection"
	"github.com/corvusdb/corvusdb/internal/exec"
)

// NodeType tags every plan node with its operator type. The set is
// closed; serialization uses the String tokens below.
type NodeType int

const (
	NodeSingleton NodeType = iota
	NodeEnumerateCollection
	NodeIndex
	NodeCalculation
	NodeFilter
	NodeSort
	NodeLimit
	NodeReturn
	NodeSubquery
	NodeRemote
	NodeScatter
	NodeDistribute
	NodeGather
	NodeSingleRemoteOperation
)

var nodeTypeNames = map[NodeType]string{
	NodeSingleton:             "SingletonNode",
	NodeEnumerateCollection:   "EnumerateCollectionNode",
	NodeIndex:                 "IndexNode",
	NodeCalculation:           "CalculationNode",
	NodeFilter:                "FilterNode",
	NodeSort:                  "SortNode",
	NodeLimit:                 "LimitNode",
	NodeReturn:                "ReturnNode",
	NodeSubquery:              "SubqueryNode",
	NodeRemote:                "RemoteNode",
	NodeScatter:               "ScatterNode",
	NodeDistribute:            "DistributeNode",
	NodeGather:                "GatherNode",
	NodeSingleRemoteOperation: "SingleRemoteOperationNode",
}

func (t NodeType) String() string {
	if s, ok := nodeTypeNames[t]; ok {
		return s
	}
	return "UnknownNode"
}

// Node is one physical operator in the plan graph.
type Node interface {
	ID() NodeID
	Type() NodeType
	// Dependencies returns the ids of the nodes whose output this node
	// consumes, in consumption order.
	Dependencies() []NodeID
	// AddDependency appends a dependency edge.
	AddDependency(NodeID)
	// EstimateCost returns the cumulative cost and the estimated number
	// of rows this node emits, propagated bottom-up.
	EstimateCost() (cost float64, items int64)
	// CreateBlock produces the runtime operator for this node. deps are
	// the operators of this node's dependencies, already instantiated,
	// in dependency order. seed carries outer bindings for subqueries.
	CreateBlock(eng *exec.Engine, seed exec.Row, deps []exec.Block) (exec.Block, error)

	// fields returns the type-specific interchange fields.
	fields() map[string]any
	setDependencies([]NodeID)
}

// baseNode carries what every node shares: identity, edges and a back
// reference to the owning plan for cost propagation.
type baseNode struct {
	plan *Plan
	id   NodeID
	typ  NodeType
	deps []NodeID
}

func newBase(p *Plan, id NodeID, typ NodeType) baseNode {
	return baseNode{plan: p, id: id, typ: typ}
}

func (b *baseNode) ID() NodeID { return b.id }

func (b *baseNode) Type() NodeType { return b.typ }

func (b *baseNode) Dependencies() []NodeID {
	out := make([]NodeID, len(b.deps))
	copy(out, b.deps)
	return out
}

func (b *baseNode) AddDependency(id NodeID) {
	b.deps = append(b.deps, id)
}

func (b *baseNode) setDependencies(deps []NodeID) {
	b.deps = deps
}

// dependencyCost returns the first dependency's cost and row count, or
// (0, 0, false) when the node has no dependency.
func (b *baseNode) dependencyCost() (float64, int64, bool) {
	if len(b.deps) == 0 {
		return 0, 0, false
	}
	dep, err := b.plan.Node(b.deps[0])
	if err != nil {
		return 0, 0, false
	}
	cost, items := dep.EstimateCost()
	return cost, items, true
}

func (b *baseNode) dependencyBlock(deps []exec.Block) (exec.Block, error) {
	if len(deps) != 1 {
		return nil, errors.Errorf("%s (id %d) expects exactly one dependency block, got %d", b.typ, b.id, len(deps))
	}
	return deps[0], nil
}

// SingletonNode produces the single seed row every plan starts from.
type SingletonNode struct {
	baseNode
}

// NewSingletonNode creates a singleton node.
func NewSingletonNode(p *Plan, id NodeID) *SingletonNode {
	return &SingletonNode{baseNode: newBase(p, id, NodeSingleton)}
}

func (n *SingletonNode) EstimateCost() (float64, int64) { return 1, 1 }

func (n *SingletonNode) CreateBlock(_ *exec.Engine, seed exec.Row, _ []exec.Block) (exec.Block, error) {
	return exec.NewSingletonBlock(seed), nil
}

func (n *SingletonNode) fields() map[string]any { return map[string]any{} }

// EnumerateCollectionNode streams every document of a collection.
type EnumerateCollectionNode struct {
	baseNode
	Database   string
	Collection string
	OutVar     *ast.Variable
	// Random marks a randomized enumeration order; kept for interchange
	// compatibility, the local block ignores it.
	Random bool
}

// NewEnumerateCollectionNode creates an enumeration node.
func NewEnumerateCollectionNode(p *Plan, id NodeID, database, coll string, outVar *ast.Variable, random bool) *EnumerateCollectionNode {
	return &EnumerateCollectionNode{
		baseNode:   newBase(p, id, NodeEnumerateCollection),
		Database:   database,
		Collection: coll,
		OutVar:     outVar,
		Random:     random,
	}
}

func (n *EnumerateCollectionNode) EstimateCost() (float64, int64) {
	depCost, depItems, ok := n.dependencyCost()
	if !ok {
		return 1, 1
	}
	// without statistics assume a small fixed cardinality per input row
	const assumedCount = 1000
	items := depItems * assumedCount
	return depCost + float64(items), items
}

func (n *EnumerateCollectionNode) CreateBlock(eng *exec.Engine, _ exec.Row, deps []exec.Block) (exec.Block, error) {
	dep, err := n.dependencyBlock(deps)
	if err != nil {
		return nil, err
	}
	coll, err := eng.Resolver.Get(n.Collection)
	if err != nil {
		return nil, err
	}
	return exec.NewEnumerateCollectionBlock(dep, coll.Documents(), n.OutVar.ID, eng.Stats), nil
}

func (n *EnumerateCollectionNode) fields() map[string]any {
	return map[string]any{
		"database":    n.Database,
		"collection":  n.Collection,
		"outVariable": n.OutVar,
		"random":      n.Random,
	}
}

// IndexNode streams the documents matched by an index condition.
type IndexNode struct {
	baseNode
	Database   string
	Collection string
	Index      *collection.Index
	Condition  *Condition
	OutVar     *ast.Variable
}

// NewIndexNode creates an index scan node.
func NewIndexNode(p *Plan, id NodeID, database, coll string, idx *collection.Index, cond *Condition, outVar *ast.Variable) *IndexNode {
	return &IndexNode{
		baseNode:   newBase(p, id, NodeIndex),
		Database:   database,
		Collection: coll,
		Index:      idx,
		Condition:  cond,
		OutVar:     outVar,
	}
}

func (n *IndexNode) EstimateCost() (float64, int64) {
	depCost, depItems, ok := n.dependencyCost()
	if !ok {
		return 1, 1
	}
	// index selectivity unknown, assume a small fan-out per input row
	const assumedMatches = 100
	items := depItems * assumedMatches
	return depCost + float64(items), items
}

func (n *IndexNode) CreateBlock(eng *exec.Engine, _ exec.Row, deps []exec.Block) (exec.Block, error) {
	dep, err := n.dependencyBlock(deps)
	if err != nil {
		return nil, err
	}
	coll, err := eng.Resolver.Get(n.Collection)
	if err != nil {
		return nil, err
	}
	if n.Index == nil || n.Index.Type != collection.IndexTypeFulltext {
		return nil, errors.Errorf("index node %d: only fulltext lookups have a local block", n.id)
	}
	query, err := n.Condition.FulltextQuery()
	if err != nil {
		return nil, err
	}
	return exec.NewIndexBlock(dep, coll.Documents(), n.Index.Fields[0], query, n.OutVar.ID, eng.Stats), nil
}

func (n *IndexNode) fields() map[string]any {
	out := map[string]any{
		"database":    n.Database,
		"collection":  n.Collection,
		"outVariable": n.OutVar,
	}
	if n.Index != nil {
		out["index"] = n.Index.Settings()
	}
	if n.Condition != nil && n.Condition.Root != nil {
		out["condition"] = ast.NodeToJSON(n.Condition.Root)
	}
	return out
}

// CalculationNode evaluates one expression per row.
type CalculationNode struct {
	baseNode
	expr   *ast.Node
	OutVar *ast.Variable
}

// NewCalculationNode creates a calculation node.
func NewCalculationNode(p *Plan, id NodeID, expr *ast.Node, outVar *ast.Variable) *CalculationNode {
	return &CalculationNode{baseNode: newBase(p, id, NodeCalculation), expr: expr, OutVar: outVar}
}

// Expression returns the node's expression for modification.
func (n *CalculationNode) Expression() *ast.Node { return n.expr }

// ReplaceExpression swaps the calculation's expression root.
func (n *CalculationNode) ReplaceExpression(expr *ast.Node) { n.expr = expr }

func (n *CalculationNode) EstimateCost() (float64, int64) {
	depCost, depItems, ok := n.dependencyCost()
	if !ok {
		return 1, 1
	}
	return depCost + float64(depItems), depItems
}

func (n *CalculationNode) CreateBlock(_ *exec.Engine, _ exec.Row, deps []exec.Block) (exec.Block, error) {
	dep, err := n.dependencyBlock(deps)
	if err != nil {
		return nil, err
	}
	return exec.NewCalculationBlock(dep, n.expr, n.OutVar.ID), nil
}

func (n *CalculationNode) fields() map[string]any {
	return map[string]any{
		"expression":  ast.NodeToJSON(n.expr),
		"outVariable": n.OutVar,
	}
}

// FilterNode drops rows whose condition variable is not true.
type FilterNode struct {
	baseNode
	InVar *ast.Variable
}

// NewFilterNode creates a filter node.
func NewFilterNode(p *Plan, id NodeID, inVar *ast.Variable) *FilterNode {
	return &FilterNode{baseNode: newBase(p, id, NodeFilter), InVar: inVar}
}

func (n *FilterNode) EstimateCost() (float64, int64) {
	depCost, depItems, ok := n.dependencyCost()
	if !ok {
		return 1, 1
	}
	return depCost + float64(depItems), depItems
}

func (n *FilterNode) CreateBlock(_ *exec.Engine, _ exec.Row, deps []exec.Block) (exec.Block, error) {
	dep, err := n.dependencyBlock(deps)
	if err != nil {
		return nil, err
	}
	return exec.NewFilterBlock(dep, n.InVar.ID), nil
}

func (n *FilterNode) fields() map[string]any {
	return map[string]any{"inVariable": n.InVar}
}

// SortElement is one sort criterion: a variable, a direction, and an
// optional attribute path into the variable's value.
type SortElement struct {
	Var       *ast.Variable
	Ascending bool
	Path      []string
}

func sortOrders(elements []SortElement) []exec.SortOrder {
	out := make([]exec.SortOrder, 0, len(elements))
	for _, e := range elements {
		out = append(out, exec.SortOrder{Var: e.Var.ID, Ascending: e.Ascending, Path: e.Path})
	}
	return out
}

// SortNode orders its input by the given elements.
type SortNode struct {
	baseNode
	Elements []SortElement
	// Stable marks a stable sort requirement.
	Stable bool
}

// NewSortNode creates a sort node.
func NewSortNode(p *Plan, id NodeID, elements []SortElement, stable bool) *SortNode {
	return &SortNode{baseNode: newBase(p, id, NodeSort), Elements: elements, Stable: stable}
}

func (n *SortNode) EstimateCost() (float64, int64) {
	depCost, depItems, ok := n.dependencyCost()
	if !ok {
		return 1, 1
	}
	if depItems <= 1 {
		return depCost + float64(depItems), depItems
	}
	return depCost + float64(depItems)*math.Log2(float64(depItems)), depItems
}

func (n *SortNode) CreateBlock(_ *exec.Engine, _ exec.Row, deps []exec.Block) (exec.Block, error) {
	dep, err := n.dependencyBlock(deps)
	if err != nil {
		return nil, err
	}
	return exec.NewSortBlock(dep, sortOrders(n.Elements)), nil
}

func (n *SortNode) fields() map[string]any {
	return map[string]any{
		"elements": sortElementsToJSON(n.Elements),
		"stable":   n.Stable,
	}
}

// LimitNode passes through at most Count rows after skipping Offset.
type LimitNode struct {
	baseNode
	Offset int64
	Count  int64
}

// NewLimitNode creates a limit node.
func NewLimitNode(p *Plan, id NodeID, offset, count int64) *LimitNode {
	return &LimitNode{baseNode: newBase(p, id, NodeLimit), Offset: offset, Count: count}
}

func (n *LimitNode) EstimateCost() (float64, int64) {
	depCost, depItems, ok := n.dependencyCost()
	if !ok {
		return 1, 1
	}
	items := depItems - n.Offset
	if items < 0 {
		items = 0
	}
	if items > n.Count {
		items = n.Count
	}
	return depCost + float64(items), items
}

func (n *LimitNode) CreateBlock(_ *exec.Engine, _ exec.Row, deps []exec.Block) (exec.Block, error) {
	dep, err := n.dependencyBlock(deps)
	if err != nil {
		return nil, err
	}
	return exec.NewLimitBlock(dep, n.Offset, n.Count), nil
}

func (n *LimitNode) fields() map[string]any {
	return map[string]any{"offset": n.Offset, "limit": n.Count}
}

// ReturnNode marks the plan's output variable.
type ReturnNode struct {
	baseNode
	InVar *ast.Variable
}

// NewReturnNode creates a return node.
func NewReturnNode(p *Plan, id NodeID, inVar *ast.Variable) *ReturnNode {
	return &ReturnNode{baseNode: newBase(p, id, NodeReturn), InVar: inVar}
}

func (n *ReturnNode) EstimateCost() (float64, int64) {
	depCost, depItems, ok := n.dependencyCost()
	if !ok {
		return 1, 1
	}
	return depCost + float64(depItems), depItems
}

func (n *ReturnNode) CreateBlock(_ *exec.Engine, _ exec.Row, deps []exec.Block) (exec.Block, error) {
	dep, err := n.dependencyBlock(deps)
	if err != nil {
		return nil, err
	}
	return exec.NewReturnBlock(dep, n.InVar.ID), nil
}

func (n *ReturnNode) fields() map[string]any {
	return map[string]any{"inVariable": n.InVar}
}

// SubqueryNode owns a nested plan and binds its collected result to a
// variable of the outer plan.
type SubqueryNode struct {
	baseNode
	sub    *Plan
	OutVar *ast.Variable
}

// NewSubqueryNode creates a subquery node over the nested plan.
func NewSubqueryNode(p *Plan, id NodeID, sub *Plan, outVar *ast.Variable) *SubqueryNode {
	return &SubqueryNode{baseNode: newBase(p, id, NodeSubquery), sub: sub, OutVar: outVar}
}

// Subplan returns the nested plan.
func (n *SubqueryNode) Subplan() *Plan { return n.sub }

func (n *SubqueryNode) EstimateCost() (float64, int64) {
	depCost, depItems, ok := n.dependencyCost()
	if !ok {
		depCost, depItems = 1, 1
	}
	subCost := 0.0
	if root, err := n.sub.Root(); err == nil {
		subCost, _ = root.EstimateCost()
	}
	return depCost + float64(depItems)*subCost, depItems
}

func (n *SubqueryNode) CreateBlock(eng *exec.Engine, _ exec.Row, deps []exec.Block) (exec.Block, error) {
	dep, err := n.dependencyBlock(deps)
	if err != nil {
		return nil, err
	}
	returnVar, err := n.sub.ReturnVariable()
	if err != nil {
		return nil, err
	}
	factory := func(outer exec.Row) (exec.Block, ast.VariableID, error) {
		blk, err := n.sub.Instantiate(eng, outer)
		if err != nil {
			return nil, 0, err
		}
		return blk, returnVar.ID, nil
	}
	return exec.NewSubqueryBlock(dep, n.OutVar.ID, factory), nil
}

func (n *SubqueryNode) fields() map[string]any {
	subJSON, err := n.sub.MarshalPlan()
	if err != nil {
		subJSON = nil
	}
	return map[string]any{
		"subquery":    subJSON,
		"outVariable": n.OutVar,
	}
}
