package optimizer

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/corvusdb/corvusdb/internal/ast"
	"github.com/corvusdb/corvusdb/internal/collection"
	"github.com/corvusdb/corvusdb/internal/plan"
)

// nearOrWithinParams unpacks NEAR(coll, lat, lon[, limit[, distName]])
// and WITHIN(coll, lat, lon, radius[, distName]).
type nearOrWithinParams struct {
	collection   string
	latitude     *ast.Node
	longitude    *ast.Node
	limit        *ast.Node
	radius       *ast.Node
	distanceName *ast.Node
}

func parseNearOrWithin(fn *ast.Node, isNear bool) (nearOrWithinParams, error) {
	var params nearOrWithinParams
	if fn.NumMembers() == 0 {
		return params, errors.Errorf("%s call carries no argument array", fn.Name)
	}
	args := fn.Member(0)
	if args.Kind != ast.KindArray || args.NumMembers() < 3 {
		return params, errors.Errorf("%s expects at least 3 arguments", fn.Name)
	}
	params.collection = args.Member(0).StringValue()
	params.latitude = args.Member(1)
	params.longitude = args.Member(2)
	if args.NumMembers() > 4 {
		params.distanceName = args.Member(4)
	}
	if args.NumMembers() > 3 {
		if isNear {
			params.limit = args.Member(3)
		} else {
			params.radius = args.Member(3)
		}
	}
	if !isNear && params.radius == nil {
		return params, errors.New("WITHIN expects a radius argument")
	}
	return params, nil
}

// fulltextParams unpacks FULLTEXT(coll, attribute, search[, limit]).
type fulltextParams struct {
	collection string
	attribute  string
	limit      *ast.Node
}

func parseFulltext(fn *ast.Node) (fulltextParams, error) {
	var params fulltextParams
	if fn.NumMembers() == 0 {
		return params, errors.Errorf("%s call carries no argument array", fn.Name)
	}
	args := fn.Member(0)
	if args.Kind != ast.KindArray || args.NumMembers() < 3 {
		return params, errors.Errorf("%s expects at least 3 arguments", fn.Name)
	}
	params.collection = args.Member(0).StringValue()
	params.attribute = args.Member(1).StringValue()
	if args.NumMembers() > 3 {
		params.limit = args.Member(3)
	}
	return params, nil
}

// createSubqueryWithLimit wraps the chain first..last into a subquery of
// the following form:
//
//	singleton
//	    |
//	  first
//	    |
//	   ...
//	    |
//	   last
//	    |
//	 [limit]
//	    |
//	  return
//
// The subquery is injected into owner immediately before the given node,
// and a reference to the subquery's output variable is returned to be
// spliced into the original expression.
func createSubqueryWithLimit(owner *plan.Plan, sub *plan.Plan, before plan.Node, first, last plan.Node, lastOutVar *ast.Variable, limit *ast.Node) (*ast.Node, error) {
	singleton := sub.RegisterNode(plan.NewSingletonNode(sub, sub.NextID()))
	ret := sub.RegisterNode(plan.NewReturnNode(sub, sub.NextID(), lastOutVar))

	first.AddDependency(singleton.ID())
	ret.AddDependency(last.ID())
	sub.SetRoot(ret.ID())

	if limit != nil {
		eLimit := sub.RegisterNode(plan.NewLimitNode(sub, sub.NextID(), 0, limit.IntValue()))
		if err := sub.InsertAfter(last.ID(), eLimit.ID()); err != nil {
			return nil, err
		}
	}

	subqueryOutVar := owner.Variables().CreateTemporaryVariable()
	eSubquery := owner.RegisterSubquery(plan.NewSubqueryNode(owner, owner.NextID(), sub, subqueryOutVar))
	if err := owner.InsertBefore(before.ID(), eSubquery.ID()); err != nil {
		return nil, err
	}

	// this reference replaces the function call inside the calculation
	// node's expression
	return ast.NewReference(subqueryOutVar), nil
}

// replaceNearOrWithin builds the equivalent of
//
//	RETURN (
//	  FOR d IN coll
//	    SORT DISTANCE(d.lat, d.lon, lat, lon)        // NEAR
//	    FILTER DISTANCE(d.lat, d.lon, lat, lon) <= r // WITHIN
//	    [LIMIT l]
//	    RETURN d [MERGE {distName: distance}]
//	)
//
// over the first geo index found on the collection. Returns nil when no
// geo index exists; the call is then left in place.
func replaceNearOrWithin(funNode *ast.Node, calcNode plan.Node, owner *plan.Plan, resolver collection.Resolver, isNear bool, log *logrus.Logger) *ast.Node {
	params, err := parseNearOrWithin(funNode, isNear)
	if err != nil {
		log.WithError(err).WithField("function", funNode.Name).Warn("leaving call unreplaced")
		return nil
	}
	const supportLegacy = true

	sub := owner.NewSubplan()

	enumerateOutVariable := owner.Variables().CreateTemporaryVariable()
	eEnumerate := sub.RegisterNode(plan.NewEnumerateCollectionNode(
		sub, sub.NextID(), "", params.collection, enumerateOutVariable, false,
	))

	// figure out the index to use and derive the coordinate access
	// expressions from its fields
	docRef := ast.NewReference(enumerateOutVariable)
	accessNodeLat := docRef
	accessNodeLon := docRef
	indexFound := false

	indexes, err := resolver.IndexesForCollection(params.collection)
	if err != nil {
		log.WithError(err).WithField("collection", params.collection).Warn("leaving call unreplaced")
		return nil
	}
	for _, idx := range indexes {
		if !idx.Type.IsGeo() {
			continue
		}
		// we take the first geo index that is found
		isGeo1 := idx.Type == collection.IndexTypeGeo1 && supportLegacy
		isGeo2 := idx.Type == collection.IndexTypeGeo2 && supportLegacy
		isGeo := idx.Type == collection.IndexTypeGeo

		fieldNum := len(idx.Fields)
		if (isGeo2 || isGeo) && fieldNum == 2 {
			// individual latitude / longitude fields
			for _, part := range idx.Fields[0] {
				accessNodeLat = ast.NewAttributeAccess(accessNodeLat, part)
			}
			for _, part := range idx.Fields[1] {
				accessNodeLon = ast.NewAttributeAccess(accessNodeLon, part)
			}
			indexFound = true
		} else if (isGeo1 || isGeo) && fieldNum == 1 {
			// legacy packed encoding: both coordinates live in one array
			// attribute, ordered by the geoJson flag
			for _, part := range idx.Fields[0] {
				accessNodeLon = ast.NewAttributeAccess(accessNodeLon, part)
				accessNodeLat = ast.NewAttributeAccess(accessNodeLat, part)
			}
			geoJSON, _ := idx.Settings()["geoJson"].(bool)
			latPos, lonPos := int64(0), int64(1)
			if geoJSON {
				latPos, lonPos = 1, 0
			}
			accessNodeLat = ast.NewIndexedAccess(accessNodeLat, ast.NewValue(latPos))
			accessNodeLon = ast.NewIndexedAccess(accessNodeLon, ast.NewValue(lonPos))
			indexFound = true
		}
		break
	}

	if !indexFound {
		log.WithField("collection", params.collection).Info("no geo index access path, leaving call unreplaced")
		return nil
	}

	argsArray := ast.NewArray()
	argsArray.AddMember(accessNodeLat)
	argsArray.AddMember(accessNodeLon)
	argsArray.AddMember(params.latitude)
	argsArray.AddMember(params.longitude)
	funDist := ast.NewFunctionCall(ast.FuncDistance, argsArray)

	expressionAst := funDist
	if !isNear {
		expressionAst = ast.NewBinaryOp(ast.KindBinaryLE, funDist, params.radius)
	}

	calcOutVariable := owner.Variables().CreateTemporaryVariable()
	eCalc := sub.RegisterNode(plan.NewCalculationNode(sub, sub.NextID(), expressionAst, calcOutVariable))
	eCalc.AddDependency(eEnumerate.ID())

	var eSortOrFilter plan.Node
	if isNear {
		elements := []plan.SortElement{{Var: calcOutVariable, Ascending: true}}
		eSortOrFilter = sub.RegisterNode(plan.NewSortNode(sub, sub.NextID(), elements, false))
	} else {
		eSortOrFilter = sub.RegisterNode(plan.NewFilterNode(sub, sub.NextID(), calcOutVariable))
	}
	eSortOrFilter.AddDependency(eCalc.ID())

	if params.distanceName != nil {
		// merge the computed distance into the returned document
		var funDistMerge *ast.Node
		if isNear {
			funDistMerge = ast.NewReference(calcOutVariable)
		} else {
			funDistMerge = funDist
		}
		var elem *ast.Node
		if params.distanceName.IsConstant() {
			elem = ast.NewObjectElement(params.distanceName.StringValue(), funDistMerge)
		} else {
			elem = ast.NewCalculatedObjectElement(params.distanceName, funDistMerge)
		}
		obj := ast.NewObject()
		obj.AddMember(elem)

		argsArrayMerge := ast.NewArray()
		argsArrayMerge.AddMember(docRef)
		argsArrayMerge.AddMember(obj)
		funMerge := ast.NewFunctionCall(ast.FuncMerge, argsArrayMerge)

		calcMergeOutVariable := owner.Variables().CreateTemporaryVariable()
		eCalcMerge := sub.RegisterNode(plan.NewCalculationNode(sub, sub.NextID(), funMerge, calcMergeOutVariable))
		if err := sub.InsertAfter(eSortOrFilter.ID(), eCalcMerge.ID()); err != nil {
			log.WithError(err).Error("injecting merge calculation")
			return nil
		}

		ref, err := createSubqueryWithLimit(owner, sub, calcNode, eEnumerate, eCalcMerge, calcMergeOutVariable, params.limit)
		if err != nil {
			log.WithError(err).Error("building geo subquery")
			return nil
		}
		return ref
	}

	ref, err := createSubqueryWithLimit(owner, sub, calcNode, eEnumerate, eSortOrFilter, enumerateOutVariable, params.limit)
	if err != nil {
		log.WithError(err).Error("building geo subquery")
		return nil
	}
	return ref
}

// replaceFulltext rewrites FULLTEXT(coll, attr, search[, limit]) into a
// subquery around an index node scoped to the call's condition. Returns
// nil when the collection has no fulltext index on exactly that
// attribute path.
func replaceFulltext(funNode *ast.Node, calcNode plan.Node, owner *plan.Plan, resolver collection.Resolver, log *logrus.Logger) *ast.Node {
	params, err := parseFulltext(funNode)
	if err != nil {
		log.WithError(err).WithField("function", funNode.Name).Warn("leaving call unreplaced")
		return nil
	}

	field := strings.Split(params.attribute, ".")
	indexes, err := resolver.IndexesForCollection(params.collection)
	if err != nil {
		log.WithError(err).WithField("collection", params.collection).Warn("leaving call unreplaced")
		return nil
	}
	var index *collection.Index
	for _, idx := range indexes {
		if idx.Type != collection.IndexTypeFulltext {
			continue
		}
		if len(idx.Fields) > 0 && pathsIdentical(idx.Fields[0], field) {
			index = idx
			break
		}
	}
	if index == nil {
		log.WithFields(logrus.Fields{"collection": params.collection, "attribute": params.attribute}).
			Info("no valid fulltext index found, leaving call unreplaced")
		return nil
	}

	condition := plan.NewCondition()
	condition.AndCombine(funNode)

	sub := owner.NewSubplan()
	indexOutVariable := owner.Variables().CreateTemporaryVariable()
	eIndex := sub.RegisterNode(plan.NewIndexNode(
		sub, sub.NextID(), "", params.collection, index, condition, indexOutVariable,
	))

	ref, err := createSubqueryWithLimit(owner, sub, calcNode, eIndex, eIndex, indexOutVariable, params.limit)
	if err != nil {
		log.WithError(err).Error("building fulltext subquery")
		return nil
	}
	return ref
}

func pathsIdentical(a, b []string) bool {
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

// ReplaceFunctionCalls finds NEAR, WITHIN and FULLTEXT calls inside the
// plan's calculation expressions and replaces each with a reference to a
// synthesized index-backed subquery. A call that cannot be rewritten
// (no matching index) is left in place; the rule is never fatal. The
// returned flag reports whether the plan was modified.
func ReplaceFunctionCalls(p *plan.Plan, resolver collection.Resolver, log *logrus.Logger) bool {
	modified := false
	for _, item := range calculationNodes(p) {
		calc := item.node
		owner := item.owner
		visitor := func(astNode *ast.Node) *ast.Node {
			fn := ast.FunctionOf(astNode)
			if fn == nil {
				return astNode
			}
			var replacement *ast.Node
			switch fn.Name {
			case ast.FuncNear:
				replacement = replaceNearOrWithin(astNode, calc, owner, resolver, true, log)
			case ast.FuncWithin:
				replacement = replaceNearOrWithin(astNode, calc, owner, resolver, false, log)
			case ast.FuncFulltext:
				replacement = replaceFulltext(astNode, calc, owner, resolver, log)
			}
			if replacement != nil {
				modified = true
				return replacement
			}
			return astNode
		}

		// the traversal has no access to the root's parent, so a
		// replaced root is patched back into the calculation here
		original := calc.Expression()
		replacement := ast.TraverseAndModify(original, visitor)
		if replacement != original {
			calc.ReplaceExpression(replacement)
		}
	}
	return modified
}

type calculationInPlan struct {
	node  *plan.CalculationNode
	owner *plan.Plan
}

// calculationNodes collects calculation nodes together with the plan
// that owns them, recursing into subquery plans.
func calculationNodes(p *plan.Plan) []calculationInPlan {
	var out []calculationInPlan
	for _, n := range p.Nodes() {
		switch node := n.(type) {
		case *plan.CalculationNode:
			out = append(out, calculationInPlan{node: node, owner: p})
		case *plan.SubqueryNode:
			out = append(out, calculationNodes(node.Subplan())...)
		}
	}
	return out
}
