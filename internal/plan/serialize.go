package plan

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/corvusdb/corvusdb/internal/ast"
	"github.com/corvusdb/corvusdb/internal/collection"
)

// MarshalPlan converts the plan to its interchange form: the node list
// in registration order plus the root id. Dependency edges are written
// as ids and resolved again after parsing.
func (p *Plan) MarshalPlan() (map[string]any, error) {
	nodes := make([]any, 0, len(p.order))
	for _, id := range p.order {
		n := p.nodes[id]
		envelope := n.fields()
		envelope["type"] = n.Type().String()
		envelope["id"] = int64(n.ID())
		deps := make([]any, 0, len(n.Dependencies()))
		for _, dep := range n.Dependencies() {
			deps = append(deps, int64(dep))
		}
		envelope["dependencies"] = deps
		nodes = append(nodes, envelope)
	}
	return map[string]any{
		"nodes": nodes,
		"root":  int64(p.root),
	}, nil
}

// MarshalJSON encodes the interchange form.
func (p *Plan) MarshalJSON() ([]byte, error) {
	raw, err := p.MarshalPlan()
	if err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}

// UnmarshalPlan rebuilds a top-level plan from JSON bytes.
func UnmarshalPlan(data []byte) (*Plan, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decoding plan")
	}
	p := New()
	if err := p.unmarshalInto(raw); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Plan) unmarshalInto(raw map[string]any) error {
	rawNodes, ok := raw["nodes"].([]any)
	if !ok {
		return errors.New("plan has no nodes array")
	}
	for _, rawNode := range rawNodes {
		envelope, ok := rawNode.(map[string]any)
		if !ok {
			return errors.New("plan node is not an object")
		}
		n, err := p.nodeFromJSON(envelope)
		if err != nil {
			return err
		}
		p.ids.seen(n.ID())
		p.RegisterNode(n)
	}
	if root, ok := raw["root"].(float64); ok {
		p.root = NodeID(root)
	}
	return nil
}

func (p *Plan) nodeFromJSON(raw map[string]any) (Node, error) {
	typeToken, _ := raw["type"].(string)
	rawID, ok := raw["id"].(float64)
	if !ok {
		return nil, errors.Errorf("node of type %q has no numeric id", typeToken)
	}
	id := NodeID(rawID)

	var deps []NodeID
	if rawDeps, ok := raw["dependencies"].([]any); ok {
		for _, rawDep := range rawDeps {
			dep, ok := rawDep.(float64)
			if !ok {
				return nil, errors.Errorf("node %d has a non-numeric dependency", id)
			}
			deps = append(deps, NodeID(dep))
		}
	}

	var n Node
	var err error
	switch typeToken {
	case NodeSingleton.String():
		n = NewSingletonNode(p, id)
	case NodeEnumerateCollection.String():
		n, err = p.enumerateFromJSON(id, raw)
	case NodeIndex.String():
		n, err = p.indexFromJSON(id, raw)
	case NodeCalculation.String():
		n, err = p.calculationFromJSON(id, raw)
	case NodeFilter.String():
		n, err = p.filterFromJSON(id, raw)
	case NodeSort.String():
		n, err = p.sortFromJSON(id, raw)
	case NodeLimit.String():
		n = NewLimitNode(p, id, asInt64(raw["offset"]), asInt64(raw["limit"]))
	case NodeReturn.String():
		n, err = p.returnFromJSON(id, raw)
	case NodeSubquery.String():
		n, err = p.subqueryFromJSON(id, raw)
	case NodeRemote.String():
		n = p.remoteFromJSON(id, raw)
	case NodeScatter.String():
		scatter := NewScatterNode(p, id, nil)
		scatter.readClients(raw["clients"])
		n = scatter
	case NodeDistribute.String():
		n, err = p.distributeFromJSON(id, raw)
	case NodeGather.String():
		n, err = p.gatherFromJSON(id, raw)
	case NodeSingleRemoteOperation.String():
		n, err = p.singleRemoteFromJSON(id, raw)
	default:
		return nil, errors.Errorf("unknown plan node type %q", typeToken)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s %d", typeToken, id)
	}
	n.setDependencies(deps)
	return n, nil
}

func (p *Plan) readVariable(raw any) (*ast.Variable, error) {
	v, err := ast.VariableFromJSON(raw)
	if err != nil {
		return nil, err
	}
	p.vars.Seen(v)
	return v, nil
}

func (p *Plan) enumerateFromJSON(id NodeID, raw map[string]any) (Node, error) {
	outVar, err := p.readVariable(raw["outVariable"])
	if err != nil {
		return nil, err
	}
	database, _ := raw["database"].(string)
	coll, _ := raw["collection"].(string)
	random, _ := raw["random"].(bool)
	return NewEnumerateCollectionNode(p, id, database, coll, outVar, random), nil
}

func (p *Plan) indexFromJSON(id NodeID, raw map[string]any) (Node, error) {
	outVar, err := p.readVariable(raw["outVariable"])
	if err != nil {
		return nil, err
	}
	database, _ := raw["database"].(string)
	coll, _ := raw["collection"].(string)
	var idx *collection.Index
	if settings, ok := raw["index"].(map[string]any); ok {
		idx = indexFromSettings(settings)
	}
	var cond *Condition
	if rawCond, ok := raw["condition"].(map[string]any); ok {
		root, err := ast.NodeFromJSON(rawCond)
		if err != nil {
			return nil, err
		}
		cond = &Condition{Root: root}
	}
	return NewIndexNode(p, id, database, coll, idx, cond, outVar), nil
}

func indexFromSettings(settings map[string]any) *collection.Index {
	idx := &collection.Index{}
	idx.Name, _ = settings["name"].(string)
	if t, ok := settings["type"].(string); ok {
		idx.Type = collection.IndexType(t)
	}
	idx.GeoJSON, _ = settings["geoJson"].(bool)
	if fields, ok := settings["fields"].([]any); ok {
		for _, rawPath := range fields {
			parts, ok := rawPath.([]any)
			if !ok {
				continue
			}
			path := make([]string, 0, len(parts))
			for _, part := range parts {
				if s, ok := part.(string); ok {
					path = append(path, s)
				}
			}
			idx.Fields = append(idx.Fields, path)
		}
	}
	return idx
}

func (p *Plan) calculationFromJSON(id NodeID, raw map[string]any) (Node, error) {
	outVar, err := p.readVariable(raw["outVariable"])
	if err != nil {
		return nil, err
	}
	rawExpr, ok := raw["expression"].(map[string]any)
	if !ok {
		return nil, errors.New("calculation node has no expression")
	}
	expr, err := ast.NodeFromJSON(rawExpr)
	if err != nil {
		return nil, err
	}
	return NewCalculationNode(p, id, expr, outVar), nil
}

func (p *Plan) filterFromJSON(id NodeID, raw map[string]any) (Node, error) {
	inVar, err := p.readVariable(raw["inVariable"])
	if err != nil {
		return nil, err
	}
	return NewFilterNode(p, id, inVar), nil
}

func (p *Plan) returnFromJSON(id NodeID, raw map[string]any) (Node, error) {
	inVar, err := p.readVariable(raw["inVariable"])
	if err != nil {
		return nil, err
	}
	return NewReturnNode(p, id, inVar), nil
}

func (p *Plan) sortFromJSON(id NodeID, raw map[string]any) (Node, error) {
	elements, err := p.sortElementsFromJSON(raw["elements"])
	if err != nil {
		return nil, err
	}
	stable, _ := raw["stable"].(bool)
	return NewSortNode(p, id, elements, stable), nil
}

func (p *Plan) subqueryFromJSON(id NodeID, raw map[string]any) (Node, error) {
	outVar, err := p.readVariable(raw["outVariable"])
	if err != nil {
		return nil, err
	}
	rawSub, ok := raw["subquery"].(map[string]any)
	if !ok {
		return nil, errors.New("subquery node has no nested plan")
	}
	sub := p.NewSubplan()
	if err := sub.unmarshalInto(rawSub); err != nil {
		return nil, err
	}
	return NewSubqueryNode(p, id, sub, outVar), nil
}

func (p *Plan) remoteFromJSON(id NodeID, raw map[string]any) Node {
	database, _ := raw["database"].(string)
	server, _ := raw["server"].(string)
	ownName, _ := raw["ownName"].(string)
	queryID, _ := raw["queryId"].(string)
	responsible, _ := raw["isResponsibleForInitializeCursor"].(bool)
	return NewRemoteNode(p, id, database, server, ownName, queryID, responsible)
}

// distributeFromJSON accepts both the structured variable form and the
// legacy numeric-id form. When both are present the structured form
// wins; the reader never guesses between them.
func (p *Plan) distributeFromJSON(id NodeID, raw map[string]any) (Node, error) {
	coll, _ := raw["collection"].(string)
	createKeys, _ := raw["createKeys"].(bool)
	allowConversion, _ := raw["allowKeyConversionToObject"].(bool)

	var variable, alternative *ast.Variable
	_, hasVariable := raw["variable"]
	_, hasAlternative := raw["alternativeVariable"]
	if hasVariable && hasAlternative {
		var err error
		if variable, err = p.readVariable(raw["variable"]); err != nil {
			return nil, err
		}
		if alternative, err = p.readVariable(raw["alternativeVariable"]); err != nil {
			return nil, err
		}
	} else {
		varID, ok := raw["varId"].(float64)
		if !ok {
			return nil, errors.New("distribute node has neither structured nor legacy variable")
		}
		altID, ok := raw["alternativeVarId"].(float64)
		if !ok {
			return nil, errors.New("distribute node has no legacy alternative variable id")
		}
		variable = &ast.Variable{ID: ast.VariableID(varID), Name: fmt.Sprintf("%d", int64(varID))}
		alternative = &ast.Variable{ID: ast.VariableID(altID), Name: fmt.Sprintf("%d", int64(altID))}
		p.vars.Seen(variable)
		p.vars.Seen(alternative)
	}

	n := NewDistributeNode(p, id, coll, nil, variable, alternative, createKeys, allowConversion)
	n.readClients(raw["clients"])
	return n, nil
}

func (p *Plan) gatherFromJSON(id NodeID, raw map[string]any) (Node, error) {
	elements, err := p.sortElementsFromJSON(raw["elements"])
	if err != nil {
		return nil, err
	}
	mode := SortModeMinElement
	if len(elements) > 0 {
		token, _ := raw["sortmode"].(string)
		mode = sortModeFromToken(token)
	}
	n := NewGatherNode(p, id, mode)
	n.Elements = elements
	return n, nil
}

func (p *Plan) singleRemoteFromJSON(id NodeID, raw map[string]any) (Node, error) {
	outVar, err := p.readVariable(raw["outVariable"])
	if err != nil {
		return nil, err
	}
	n := &SingleRemoteOperationNode{
		baseNode: newBase(p, id, NodeSingleRemoteOperation),
		OutVar:   outVar,
	}
	n.Database, _ = raw["database"].(string)
	n.Server, _ = raw["server"].(string)
	n.OwnName, _ = raw["ownName"].(string)
	n.QueryID, _ = raw["queryId"].(string)
	n.Collection, _ = raw["collection"].(string)
	n.IsResponsibleForInitializeCursor, _ = raw["isResponsibleForInitializeCursor"].(bool)
	if rawAttr, ok := raw["attribute"].(map[string]any); ok {
		if n.attributeNode, err = ast.NodeFromJSON(rawAttr); err != nil {
			return nil, err
		}
	}
	if rawValue, ok := raw["value"].(map[string]any); ok {
		if n.valueNode, err = ast.NodeFromJSON(rawValue); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func sortElementsToJSON(elements []SortElement) []any {
	out := make([]any, 0, len(elements))
	for _, e := range elements {
		entry := map[string]any{
			"inVariable": e.Var,
			"ascending":  e.Ascending,
		}
		if len(e.Path) > 0 {
			path := make([]any, 0, len(e.Path))
			for _, attr := range e.Path {
				path = append(path, attr)
			}
			entry["path"] = path
		}
		out = append(out, entry)
	}
	return out
}

func (p *Plan) sortElementsFromJSON(raw any) ([]SortElement, error) {
	if raw == nil {
		return nil, nil
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil, errors.New("sort elements are not an array")
	}
	out := make([]SortElement, 0, len(entries))
	for _, rawEntry := range entries {
		entry, ok := rawEntry.(map[string]any)
		if !ok {
			return nil, errors.New("sort element is not an object")
		}
		v, err := p.readVariable(entry["inVariable"])
		if err != nil {
			return nil, err
		}
		e := SortElement{Var: v}
		e.Ascending, _ = entry["ascending"].(bool)
		if rawPath, ok := entry["path"].([]any); ok {
			for _, attr := range rawPath {
				if s, ok := attr.(string); ok {
					e.Path = append(e.Path, s)
				}
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case int64:
		return x
	case int:
		return int64(x)
	}
	return 0
}
