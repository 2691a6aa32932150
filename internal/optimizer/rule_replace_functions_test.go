package optimizer

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvusdb/corvusdb/internal/ast"
	"github.com/corvusdb/corvusdb/internal/collection"
	"github.com/corvusdb/corvusdb/internal/exec"
	"github.com/corvusdb/corvusdb/internal/plan"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// geoRegistry builds a places collection with a two-field geo index and
// a handful of cities.
func geoRegistry() *collection.Registry {
	places := collection.NewCollection("places")
	places.AddIndex(&collection.Index{
		Name:   "geo",
		Type:   collection.IndexTypeGeo2,
		Fields: [][]string{{"lat"}, {"lon"}},
	})
	places.Insert(
		collection.Document{"name": "origin", "lat": 0.0, "lon": 0.0},
		collection.Document{"name": "near", "lat": 0.0, "lon": 1.0},
		collection.Document{"name": "far", "lat": 0.0, "lon": 3.0},
	)
	reg := collection.NewRegistry()
	reg.Add(places)
	return reg
}

// callPlan builds singleton -> calculation(expr) -> return over expr.
func callPlan(expr *ast.Node) (*plan.Plan, *plan.CalculationNode, *ast.Variable) {
	p := plan.New()
	outVar := p.Variables().CreateVariable("result")

	singleton := plan.NewSingletonNode(p, p.NextID())
	p.RegisterNode(singleton)

	calc := plan.NewCalculationNode(p, p.NextID(), expr, outVar)
	p.RegisterNode(calc)
	calc.AddDependency(singleton.ID())

	ret := plan.NewReturnNode(p, p.NextID(), outVar)
	p.RegisterNode(ret)
	ret.AddDependency(calc.ID())
	p.SetRoot(ret.ID())
	return p, calc, outVar
}

func nearCall(coll string, lat, lon float64, extra ...*ast.Node) *ast.Node {
	args := ast.NewArray()
	args.AddMember(ast.NewValue(coll))
	args.AddMember(ast.NewValue(lat))
	args.AddMember(ast.NewValue(lon))
	for _, n := range extra {
		args.AddMember(n)
	}
	return ast.NewFunctionCall(ast.FuncNear, args)
}

func runPlan(t *testing.T, p *plan.Plan, reg *collection.Registry, outVar *ast.Variable) []any {
	t.Helper()
	eng := exec.NewEngine(reg)
	root, err := p.Instantiate(eng, nil)
	require.NoError(t, err)
	rs := exec.Run(root, outVar.ID, eng.Stats)
	defer rs.Close()

	var out []any
	for rs.HasNext() {
		out = append(out, rs.Next())
	}
	return out
}

func TestReplaceFunctionCalls_NearRewriteShape(t *testing.T) {
	reg := geoRegistry()
	p, calc, _ := callPlan(nearCall("places", 0, 0, ast.NewValue(int64(2))))

	modified := ReplaceFunctionCalls(p, reg, testLogger())
	require.True(t, modified)

	// the call became a reference to the synthesized subquery's output
	expr := calc.Expression()
	require.Equal(t, ast.KindReference, expr.Kind)

	subs := p.FindNodesOfType(plan.NodeSubquery, false)
	require.Len(t, subs, 1)
	subNode := subs[0].(*plan.SubqueryNode)
	assert.Equal(t, expr.Variable.ID, subNode.OutVar.ID)

	// the subquery was spliced in directly before the calculation
	assert.Equal(t, []plan.NodeID{subNode.ID()}, calc.Dependencies())

	// subquery shape: singleton -> enumerate -> calc(DISTANCE) -> sort -> limit -> return
	sub := subNode.Subplan()
	assert.Len(t, sub.FindNodesOfType(plan.NodeEnumerateCollection, false), 1)
	assert.Len(t, sub.FindNodesOfType(plan.NodeSort, false), 1)
	assert.Len(t, sub.FindNodesOfType(plan.NodeLimit, false), 1)
	assert.Empty(t, sub.FindNodesOfType(plan.NodeFilter, false))

	calcs := sub.FindNodesOfType(plan.NodeCalculation, false)
	require.Len(t, calcs, 1)
	distExpr := calcs[0].(*plan.CalculationNode).Expression()
	require.Equal(t, ast.KindFunctionCall, distExpr.Kind)
	assert.Equal(t, ast.FuncDistance, distExpr.Name)
}

func TestReplaceFunctionCalls_NearReturnsClosestFirst(t *testing.T) {
	reg := geoRegistry()
	p, _, outVar := callPlan(nearCall("places", 0, 0, ast.NewValue(int64(2))))

	require.True(t, ReplaceFunctionCalls(p, reg, testLogger()))

	results := runPlan(t, p, reg, outVar)
	require.Len(t, results, 1)
	docs, ok := results[0].([]any)
	require.True(t, ok)
	require.Len(t, docs, 2)
	assert.Equal(t, "origin", docs[0].(map[string]any)["name"])
	assert.Equal(t, "near", docs[1].(map[string]any)["name"])
}

func TestReplaceFunctionCalls_NearWithDistanceName(t *testing.T) {
	reg := geoRegistry()
	p, _, outVar := callPlan(nearCall("places", 0, 0,
		ast.NewValue(int64(1)), ast.NewValue("dist")))

	require.True(t, ReplaceFunctionCalls(p, reg, testLogger()))

	results := runPlan(t, p, reg, outVar)
	require.Len(t, results, 1)
	docs := results[0].([]any)
	require.Len(t, docs, 1)

	doc := docs[0].(map[string]any)
	assert.Equal(t, "origin", doc["name"])
	dist, ok := doc["dist"].(float64)
	require.True(t, ok)
	assert.Equal(t, 0.0, dist)
}

func TestReplaceFunctionCalls_WithinFiltersByRadius(t *testing.T) {
	reg := geoRegistry()

	// one degree of longitude at the equator is ~111.2km: a 150km radius
	// keeps origin and near, drops far
	args := ast.NewArray()
	args.AddMember(ast.NewValue("places"))
	args.AddMember(ast.NewValue(0.0))
	args.AddMember(ast.NewValue(0.0))
	args.AddMember(ast.NewValue(150000.0))
	within := ast.NewFunctionCall(ast.FuncWithin, args)

	p, _, outVar := callPlan(within)
	require.True(t, ReplaceFunctionCalls(p, reg, testLogger()))

	// WITHIN filters instead of sorting
	sub := p.FindNodesOfType(plan.NodeSubquery, false)[0].(*plan.SubqueryNode).Subplan()
	assert.Len(t, sub.FindNodesOfType(plan.NodeFilter, false), 1)
	assert.Empty(t, sub.FindNodesOfType(plan.NodeSort, false))

	results := runPlan(t, p, reg, outVar)
	require.Len(t, results, 1)
	docs := results[0].([]any)
	require.Len(t, docs, 2)
	names := []string{
		docs[0].(map[string]any)["name"].(string),
		docs[1].(map[string]any)["name"].(string),
	}
	assert.ElementsMatch(t, []string{"origin", "near"}, names)
}

func TestReplaceFunctionCalls_LegacyPackedGeoIndex(t *testing.T) {
	run := func(geoJSON bool) []any {
		places := collection.NewCollection("places")
		places.AddIndex(&collection.Index{
			Name:    "loc",
			Type:    collection.IndexTypeGeo1,
			Fields:  [][]string{{"location"}},
			GeoJSON: geoJSON,
		})
		// stored as [lat,lon] unless geoJson flips the ordering
		mk := func(name string, lat, lon float64) collection.Document {
			coords := []any{lat, lon}
			if geoJSON {
				coords = []any{lon, lat}
			}
			return collection.Document{"name": name, "location": coords}
		}
		places.Insert(
			mk("far", 0.0, 3.0),
			mk("close", 0.0, 0.5),
		)
		reg := collection.NewRegistry()
		reg.Add(places)

		p, _, outVar := callPlan(nearCall("places", 0, 0, ast.NewValue(int64(1))))
		require.True(t, ReplaceFunctionCalls(p, reg, testLogger()))
		results := runPlan(t, p, reg, outVar)
		require.Len(t, results, 1)
		return results[0].([]any)
	}

	for _, geoJSON := range []bool{false, true} {
		docs := run(geoJSON)
		require.Len(t, docs, 1)
		assert.Equal(t, "close", docs[0].(map[string]any)["name"],
			"geoJson=%v", geoJSON)
	}
}

func TestReplaceFunctionCalls_FirstGeoIndexWins(t *testing.T) {
	// the first geo-typed index is taken even when a better one follows;
	// a first geo index with an unusable field count aborts the search
	places := collection.NewCollection("places")
	places.AddIndex(&collection.Index{
		Name:   "broken",
		Type:   collection.IndexTypeGeo2,
		Fields: [][]string{{"lat"}, {"lon"}, {"alt"}},
	})
	places.AddIndex(&collection.Index{
		Name:   "good",
		Type:   collection.IndexTypeGeo2,
		Fields: [][]string{{"lat"}, {"lon"}},
	})
	reg := collection.NewRegistry()
	reg.Add(places)

	p, calc, _ := callPlan(nearCall("places", 0, 0))
	modified := ReplaceFunctionCalls(p, reg, testLogger())

	assert.False(t, modified)
	assert.Equal(t, ast.KindFunctionCall, calc.Expression().Kind)
	assert.Empty(t, p.FindNodesOfType(plan.NodeSubquery, false))
}

func TestReplaceFunctionCalls_NoGeoIndexLeavesCallInPlace(t *testing.T) {
	places := collection.NewCollection("places")
	places.AddIndex(&collection.Index{
		Name:   "byName",
		Type:   collection.IndexTypeHash,
		Fields: [][]string{{"name"}},
	})
	reg := collection.NewRegistry()
	reg.Add(places)

	p, calc, _ := callPlan(nearCall("places", 0, 0))
	modified := ReplaceFunctionCalls(p, reg, testLogger())

	assert.False(t, modified)
	assert.Equal(t, ast.KindFunctionCall, calc.Expression().Kind)
	assert.Equal(t, ast.FuncNear, calc.Expression().Name)
}

func TestReplaceFunctionCalls_UnknownCollectionLeavesCallInPlace(t *testing.T) {
	reg := collection.NewRegistry()
	p, calc, _ := callPlan(nearCall("ghost", 0, 0))

	assert.False(t, ReplaceFunctionCalls(p, reg, testLogger()))
	assert.Equal(t, ast.KindFunctionCall, calc.Expression().Kind)
}

func TestReplaceFunctionCalls_CallWithoutArgumentsLeftInPlace(t *testing.T) {
	// decoded interchange data can carry a recognized call with no
	// argument array at all; the rule must skip it, not crash
	for _, name := range []string{ast.FuncNear, ast.FuncWithin, ast.FuncFulltext} {
		expr, err := ast.NodeFromJSON(map[string]any{
			"type": "function call",
			"name": name,
		})
		require.NoError(t, err)

		p, calc, _ := callPlan(expr)
		assert.False(t, ReplaceFunctionCalls(p, geoRegistry(), testLogger()), name)
		assert.Equal(t, ast.KindFunctionCall, calc.Expression().Kind, name)
	}
}

func fulltextRegistry() *collection.Registry {
	articles := collection.NewCollection("articles")
	articles.AddIndex(&collection.Index{
		Name:   "ft",
		Type:   collection.IndexTypeFulltext,
		Fields: [][]string{{"body"}},
	})
	articles.Insert(
		collection.Document{"title": "one", "body": "distributed database systems in Go"},
		collection.Document{"title": "two", "body": "a note on Go tooling"},
		collection.Document{"title": "three", "body": "database internals, part one"},
	)
	reg := collection.NewRegistry()
	reg.Add(articles)
	return reg
}

func fulltextCall(coll, attr, search string, extra ...*ast.Node) *ast.Node {
	args := ast.NewArray()
	args.AddMember(ast.NewValue(coll))
	args.AddMember(ast.NewValue(attr))
	args.AddMember(ast.NewValue(search))
	for _, n := range extra {
		args.AddMember(n)
	}
	return ast.NewFunctionCall(ast.FuncFulltext, args)
}

func TestReplaceFunctionCalls_FulltextRewrite(t *testing.T) {
	reg := fulltextRegistry()
	p, calc, outVar := callPlan(fulltextCall("articles", "body", "go database"))

	require.True(t, ReplaceFunctionCalls(p, reg, testLogger()))
	require.Equal(t, ast.KindReference, calc.Expression().Kind)

	sub := p.FindNodesOfType(plan.NodeSubquery, false)[0].(*plan.SubqueryNode).Subplan()
	indexNodes := sub.FindNodesOfType(plan.NodeIndex, false)
	require.Len(t, indexNodes, 1)
	idx := indexNodes[0].(*plan.IndexNode)
	assert.Equal(t, collection.IndexTypeFulltext, idx.Index.Type)

	results := runPlan(t, p, reg, outVar)
	require.Len(t, results, 1)
	docs := results[0].([]any)
	require.Len(t, docs, 1)
	assert.Equal(t, "one", docs[0].(map[string]any)["title"])
}

func TestReplaceFunctionCalls_FulltextWithLimit(t *testing.T) {
	reg := fulltextRegistry()
	p, _, outVar := callPlan(fulltextCall("articles", "body", "database", ast.NewValue(int64(1))))

	require.True(t, ReplaceFunctionCalls(p, reg, testLogger()))

	results := runPlan(t, p, reg, outVar)
	docs := results[0].([]any)
	assert.Len(t, docs, 1)
}

func TestReplaceFunctionCalls_FulltextRequiresExactAttributeMatch(t *testing.T) {
	reg := fulltextRegistry()
	p, calc, _ := callPlan(fulltextCall("articles", "title", "anything"))

	assert.False(t, ReplaceFunctionCalls(p, reg, testLogger()))
	assert.Equal(t, ast.KindFunctionCall, calc.Expression().Kind)
}

func TestReplaceFunctionCalls_NestedCallInsideExpression(t *testing.T) {
	reg := geoRegistry()

	// the call sits below a comparison, not at the expression root
	expr := ast.NewBinaryOp(ast.KindBinaryEQ,
		nearCall("places", 0, 0, ast.NewValue(int64(1))),
		ast.NewValue(nil))
	p, calc, _ := callPlan(expr)

	require.True(t, ReplaceFunctionCalls(p, reg, testLogger()))
	// the comparison stays, its operand became a reference
	require.Equal(t, ast.KindBinaryEQ, calc.Expression().Kind)
	assert.Equal(t, ast.KindReference, calc.Expression().Member(0).Kind)
}
