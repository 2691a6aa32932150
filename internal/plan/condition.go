package plan

import (
	"github.com/pkg/errors"

	"github.com/corvusdb/corvusdb/internal/ast"
)

// Condition is an index filter condition normalized to a disjunction of
// conjunctions: NaryOr(NaryAnd(...), ...).
type Condition struct {
	Root *ast.Node
}

// NewCondition creates an empty condition.
func NewCondition() *Condition {
	return &Condition{}
}

// AndCombine adds a conjunct to the condition, creating the OR(AND(...))
// shell on first use.
func (c *Condition) AndCombine(n *ast.Node) {
	if c.Root == nil {
		c.Root = ast.NewNaryOr(ast.NewNaryAnd())
	}
	and := c.Root.Member(0)
	and.AddMember(n)
}

// PointLookup matches the exact shape OR(AND(attr == value)) with one
// disjunct and one conjunct, returning the equality's operands. Any
// other shape returns (nil, nil): not a point lookup.
func (c *Condition) PointLookup() (attribute, value *ast.Node) {
	root := c.Root
	if root == nil || root.Kind != ast.KindNaryOr || root.NumMembers() != 1 {
		return nil, nil
	}
	and := root.Member(0)
	if and.Kind != ast.KindNaryAnd || and.NumMembers() != 1 {
		return nil, nil
	}
	eq := and.Member(0)
	if eq.Kind != ast.KindBinaryEQ || eq.NumMembers() != 2 {
		return nil, nil
	}
	return eq.Member(0), eq.Member(1)
}

// FulltextQuery extracts the search string from a condition holding a
// FULLTEXT function call conjunct.
func (c *Condition) FulltextQuery() (string, error) {
	if c.Root == nil {
		return "", errors.New("empty index condition")
	}
	var query string
	found := false
	ast.TraverseAndModify(c.Root, func(n *ast.Node) *ast.Node {
		if !found && n.Kind == ast.KindFunctionCall && n.Name == ast.FuncFulltext {
			args := n.Member(0)
			if args.NumMembers() > 2 && args.Member(2).IsConstant() {
				query = args.Member(2).StringValue()
				found = true
			}
		}
		return n
	})
	if !found {
		return "", errors.New("index condition holds no fulltext query")
	}
	return query, nil
}
