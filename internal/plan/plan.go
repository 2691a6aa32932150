package plan

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/corvusdb/corvusdb/internal/ast"
	"github.com/corvusdb/corvusdb/internal/exec"
)

// NodeID is a plan-scoped node identifier. Ids are stable for the life of
// the plan; all graph edges are expressed through them rather than
// through pointers.
type NodeID int64

// ErrUnknownNode is returned when an id does not resolve within the plan.
var ErrUnknownNode = errors.New("unknown plan node")

type idGenerator struct {
	next atomic.Int64
}

func (g *idGenerator) nextID() NodeID {
	return NodeID(g.next.Add(1))
}

func (g *idGenerator) seen(id NodeID) {
	for {
		cur := g.next.Load()
		if int64(id) <= cur {
			return
		}
		if g.next.CompareAndSwap(cur, int64(id)) {
			return
		}
	}
}

// Plan owns the execution nodes of one query (or one subquery). Nodes
// live in an arena keyed by id; structural edits are explicit surgery on
// the dependency edge lists. A subquery's nodes live in a nested Plan
// that shares the id and variable generators with its parent, so ids and
// variables stay unique across the whole tree.
type Plan struct {
	ids   *idGenerator
	vars  *ast.VariableGenerator
	nodes map[NodeID]Node
	order []NodeID
	root  NodeID
}

// New creates an empty top-level plan.
func New() *Plan {
	return &Plan{
		ids:   &idGenerator{},
		vars:  ast.NewVariableGenerator(),
		nodes: make(map[NodeID]Node),
	}
}

// NewSubplan creates a nested plan sharing this plan's id and variable
// generators.
func (p *Plan) NewSubplan() *Plan {
	return &Plan{
		ids:   p.ids,
		vars:  p.vars,
		nodes: make(map[NodeID]Node),
	}
}

// NextID hands out the next node id.
func (p *Plan) NextID() NodeID {
	return p.ids.nextID()
}

// Variables returns the plan's variable generator.
func (p *Plan) Variables() *ast.VariableGenerator {
	return p.vars
}

// RegisterNode adds a node to the arena and returns it.
func (p *Plan) RegisterNode(n Node) Node {
	p.nodes[n.ID()] = n
	p.order = append(p.order, n.ID())
	return n
}

// RegisterSubquery adds a subquery node to the arena.
func (p *Plan) RegisterSubquery(n *SubqueryNode) *SubqueryNode {
	p.RegisterNode(n)
	return n
}

// Node resolves an id.
func (p *Plan) Node(id NodeID) (Node, error) {
	n, ok := p.nodes[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNode, "id %d", id)
	}
	return n, nil
}

// SetRoot marks the plan's output node.
func (p *Plan) SetRoot(id NodeID) {
	p.root = id
}

// Root returns the plan's output node.
func (p *Plan) Root() (Node, error) {
	return p.Node(p.root)
}

// Nodes returns all nodes in registration order.
func (p *Plan) Nodes() []Node {
	out := make([]Node, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.nodes[id])
	}
	return out
}

// FindNodesOfType collects nodes of the given type in registration
// order, recursing into subquery plans when enterSubqueries is set.
func (p *Plan) FindNodesOfType(t NodeType, enterSubqueries bool) []Node {
	var out []Node
	for _, id := range p.order {
		n := p.nodes[id]
		if n.Type() == t {
			out = append(out, n)
		}
		if enterSubqueries {
			if sub, ok := n.(*SubqueryNode); ok {
				out = append(out, sub.Subplan().FindNodesOfType(t, true)...)
			}
		}
	}
	return out
}

// InsertBefore splices newNode into the graph directly before target:
// newNode takes over target's dependencies and becomes target's only
// dependency.
func (p *Plan) InsertBefore(target, newNode NodeID) error {
	t, err := p.Node(target)
	if err != nil {
		return err
	}
	n, err := p.Node(newNode)
	if err != nil {
		return err
	}
	n.setDependencies(t.Dependencies())
	t.setDependencies([]NodeID{newNode})
	return nil
}

// InsertAfter splices newNode into the graph directly after target:
// everything that depended on target now depends on newNode, and
// newNode depends on target.
func (p *Plan) InsertAfter(target, newNode NodeID) error {
	if _, err := p.Node(target); err != nil {
		return err
	}
	n, err := p.Node(newNode)
	if err != nil {
		return err
	}
	for _, id := range p.order {
		if id == newNode {
			continue
		}
		other := p.nodes[id]
		deps := other.Dependencies()
		changed := false
		for i, dep := range deps {
			if dep == target {
				deps[i] = newNode
				changed = true
			}
		}
		if changed {
			other.setDependencies(deps)
		}
	}
	n.setDependencies([]NodeID{target})
	if p.root == target {
		p.root = newNode
	}
	return nil
}

// Replace swaps newNode into oldNode's position: newNode inherits the
// dependencies, dependents are rewired, oldNode is unlinked but stays in
// the arena (ids are never reused).
func (p *Plan) Replace(oldNode, newNode NodeID) error {
	old, err := p.Node(oldNode)
	if err != nil {
		return err
	}
	n, err := p.Node(newNode)
	if err != nil {
		return err
	}
	n.setDependencies(old.Dependencies())
	old.setDependencies(nil)
	for _, id := range p.order {
		if id == newNode {
			continue
		}
		other := p.nodes[id]
		deps := other.Dependencies()
		changed := false
		for i, dep := range deps {
			if dep == oldNode {
				deps[i] = newNode
				changed = true
			}
		}
		if changed {
			other.setDependencies(deps)
		}
	}
	if p.root == oldNode {
		p.root = newNode
	}
	return nil
}

// Instantiate materializes the plan into runtime blocks bottom-up,
// honoring every node's declared dependencies. seed carries outer-row
// bindings when the plan is a subquery.
func (p *Plan) Instantiate(eng *exec.Engine, seed exec.Row) (exec.Block, error) {
	root, err := p.Root()
	if err != nil {
		return nil, err
	}
	cache := make(map[NodeID]exec.Block, len(p.nodes))
	return p.instantiateNode(eng, seed, root, cache)
}

func (p *Plan) instantiateNode(eng *exec.Engine, seed exec.Row, n Node, cache map[NodeID]exec.Block) (exec.Block, error) {
	if blk, ok := cache[n.ID()]; ok {
		return blk, nil
	}
	deps := make([]exec.Block, 0, len(n.Dependencies()))
	for _, depID := range n.Dependencies() {
		dep, err := p.Node(depID)
		if err != nil {
			return nil, err
		}
		blk, err := p.instantiateNode(eng, seed, dep, cache)
		if err != nil {
			return nil, err
		}
		deps = append(deps, blk)
	}
	blk, err := n.CreateBlock(eng, seed, deps)
	if err != nil {
		return nil, err
	}
	cache[n.ID()] = blk
	return blk, nil
}

// ReturnVariable reports the variable the plan's root return node emits.
func (p *Plan) ReturnVariable() (*ast.Variable, error) {
	root, err := p.Root()
	if err != nil {
		return nil, err
	}
	ret, ok := root.(*ReturnNode)
	if !ok {
		return nil, errors.Errorf("plan root is %s, not a return node", root.Type())
	}
	return ret.InVar, nil
}
