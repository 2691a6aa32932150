package ast

import "github.com/pkg/errors"

var kindTokens = map[NodeKind]string{}

func init() {
	for k := KindValue; k <= KindFunctionCall; k++ {
		kindTokens[k] = k.String()
	}
}

// NodeToJSON converts an expression tree to its interchange form, a
// plain tree of maps/slices ready for JSON encoding.
func NodeToJSON(n *Node) map[string]any {
	if n == nil {
		return nil
	}
	out := map[string]any{"type": kindTokens[n.Kind]}
	switch n.Kind {
	case KindValue:
		out["value"] = n.Value
	case KindObjectElement, KindAttributeAccess, KindFunctionCall:
		out["name"] = n.Name
	case KindReference:
		out["variable"] = map[string]any{"id": int64(n.Variable.ID), "name": n.Variable.Name}
	}
	if len(n.Members) > 0 {
		members := make([]any, 0, len(n.Members))
		for _, m := range n.Members {
			members = append(members, NodeToJSON(m))
		}
		out["members"] = members
	}
	return out
}

// NodeFromJSON rebuilds an expression tree from its interchange form.
func NodeFromJSON(raw map[string]any) (*Node, error) {
	token, _ := raw["type"].(string)
	kind, ok := kindFromToken(token)
	if !ok {
		return nil, errors.Errorf("unknown expression node type %q", token)
	}
	n := &Node{Kind: kind}
	switch kind {
	case KindValue:
		n.Value = raw["value"]
	case KindObjectElement, KindAttributeAccess:
		n.Name, _ = raw["name"].(string)
	case KindFunctionCall:
		n.Name, _ = raw["name"].(string)
		n.Function = LookupFunction(n.Name)
	case KindReference:
		v, err := VariableFromJSON(raw["variable"])
		if err != nil {
			return nil, err
		}
		n.Variable = v
	}
	if members, ok := raw["members"].([]any); ok {
		for _, rawMember := range members {
			m, ok := rawMember.(map[string]any)
			if !ok {
				return nil, errors.Errorf("expression member of %q is not an object", token)
			}
			member, err := NodeFromJSON(m)
			if err != nil {
				return nil, err
			}
			n.Members = append(n.Members, member)
		}
	}
	return n, nil
}

// VariableFromJSON reads the structured variable form {id, name}.
func VariableFromJSON(raw any) (*Variable, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("variable is not an object")
	}
	id, ok := m["id"].(float64)
	if !ok {
		return nil, errors.New("variable has no numeric id")
	}
	name, _ := m["name"].(string)
	return &Variable{ID: VariableID(id), Name: name}, nil
}

func kindFromToken(token string) (NodeKind, bool) {
	for k, t := range kindTokens {
		if t == token {
			return k, true
		}
	}
	return 0, false
}
