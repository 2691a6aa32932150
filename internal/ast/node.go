package ast

import "fmt"

// NodeKind is the closed set of expression node kinds. Every node carries
// exactly one kind; consumers switch over it exhaustively instead of
// downcasting.
type NodeKind int

const (
	KindValue NodeKind = iota
	KindArray
	KindObject
	KindObjectElement
	KindCalculatedObjectElement
	KindReference
	KindAttributeAccess
	KindIndexedAccess
	KindBinaryEQ
	KindBinaryNE
	KindBinaryLT
	KindBinaryLE
	KindBinaryGT
	KindBinaryGE
	KindNaryAnd
	KindNaryOr
	KindFunctionCall
)

func (k NodeKind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindObjectElement:
		return "object element"
	case KindCalculatedObjectElement:
		return "calculated object element"
	case KindReference:
		return "reference"
	case KindAttributeAccess:
		return "attribute access"
	case KindIndexedAccess:
		return "indexed access"
	case KindBinaryEQ:
		return "compare =="
	case KindBinaryNE:
		return "compare !="
	case KindBinaryLT:
		return "compare <"
	case KindBinaryLE:
		return "compare <="
	case KindBinaryGT:
		return "compare >"
	case KindBinaryGE:
		return "compare >="
	case KindNaryAnd:
		return "n-ary and"
	case KindNaryOr:
		return "n-ary or"
	case KindFunctionCall:
		return "function call"
	}
	return fmt.Sprintf("unknown node kind %d", int(k))
}

// Node is one node of an expression tree. Nodes are treated as immutable
// once built; the only sanctioned mutation is member replacement through
// TraverseAndModify during plan optimization.
type Node struct {
	Kind    NodeKind
	Members []*Node

	// Value holds the literal for KindValue nodes.
	Value any
	// Name holds the attribute name for KindAttributeAccess and the key
	// for KindObjectElement.
	Name string
	// Variable is the referenced variable for KindReference nodes.
	Variable *Variable
	// Function is the resolved descriptor for KindFunctionCall nodes.
	Function *Function
}

// NumMembers returns the number of member nodes.
func (n *Node) NumMembers() int {
	return len(n.Members)
}

// Member returns the i-th member node.
func (n *Node) Member(i int) *Node {
	return n.Members[i]
}

// AddMember appends a member node, used while building arrays and objects.
func (n *Node) AddMember(m *Node) {
	n.Members = append(n.Members, m)
}

// IsConstant reports whether the node is a literal value.
func (n *Node) IsConstant() bool {
	return n.Kind == KindValue
}

// StringValue returns the literal string of a constant node, or "" if the
// node does not hold a string.
func (n *Node) StringValue() string {
	s, _ := n.Value.(string)
	return s
}

// IntValue returns the literal numeric value of a constant node truncated
// to int64.
func (n *Node) IntValue() int64 {
	switch v := n.Value.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// NewValue creates a literal value node.
func NewValue(v any) *Node {
	return &Node{Kind: KindValue, Value: v}
}

// NewArray creates an empty array node; members are added with AddMember.
func NewArray() *Node {
	return &Node{Kind: KindArray}
}

// NewObject creates an empty object node.
func NewObject() *Node {
	return &Node{Kind: KindObject}
}

// NewObjectElement creates an object element with a constant key.
func NewObjectElement(key string, value *Node) *Node {
	return &Node{Kind: KindObjectElement, Name: key, Members: []*Node{value}}
}

// NewCalculatedObjectElement creates an object element whose key is itself
// an expression evaluated at runtime.
func NewCalculatedObjectElement(key, value *Node) *Node {
	return &Node{Kind: KindCalculatedObjectElement, Members: []*Node{key, value}}
}

// NewReference creates a node referencing a plan variable.
func NewReference(v *Variable) *Node {
	return &Node{Kind: KindReference, Variable: v}
}

// NewAttributeAccess creates `object.attribute`.
func NewAttributeAccess(object *Node, attribute string) *Node {
	return &Node{Kind: KindAttributeAccess, Name: attribute, Members: []*Node{object}}
}

// NewIndexedAccess creates `array[index]`.
func NewIndexedAccess(array, index *Node) *Node {
	return &Node{Kind: KindIndexedAccess, Members: []*Node{array, index}}
}

// NewBinaryOp creates a binary comparison node of the given kind.
func NewBinaryOp(kind NodeKind, lhs, rhs *Node) *Node {
	switch kind {
	case KindBinaryEQ, KindBinaryNE, KindBinaryLT, KindBinaryLE, KindBinaryGT, KindBinaryGE:
	default:
		panic(fmt.Sprintf("not a binary operator kind: %s", kind))
	}
	return &Node{Kind: kind, Members: []*Node{lhs, rhs}}
}

// NewNaryAnd creates an n-ary conjunction over the given members.
func NewNaryAnd(members ...*Node) *Node {
	return &Node{Kind: KindNaryAnd, Members: members}
}

// NewNaryOr creates an n-ary disjunction over the given members.
func NewNaryOr(members ...*Node) *Node {
	return &Node{Kind: KindNaryOr, Members: members}
}

// NewFunctionCall creates a call node for a registered function. The single
// member is the argument array node. Unknown function names yield a call
// without a resolved descriptor, matching how unrecognized user functions
// pass through the optimizer untouched.
func NewFunctionCall(name string, args *Node) *Node {
	return &Node{Kind: KindFunctionCall, Name: name, Function: LookupFunction(name), Members: []*Node{args}}
}

// FunctionOf returns the resolved function descriptor if the node is a
// function call, nil otherwise.
func FunctionOf(n *Node) *Function {
	if n != nil && n.Kind == KindFunctionCall {
		return n.Function
	}
	return nil
}
