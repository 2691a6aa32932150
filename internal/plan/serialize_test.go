package plan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvusdb/corvusdb/internal/ast"
	"github.com/corvusdb/corvusdb/internal/collection"
)

func roundTrip(t *testing.T, p *Plan) *Plan {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	restored, err := UnmarshalPlan(data)
	require.NoError(t, err)
	return restored
}

func TestSerialize_DistributionChainRoundTrip(t *testing.T) {
	p := New()
	docVar := p.Variables().CreateVariable("doc")
	altVar := p.Variables().CreateVariable("alt")

	singleton := NewSingletonNode(p, p.NextID())
	p.RegisterNode(singleton)

	distribute := NewDistributeNode(p, p.NextID(), "docs",
		[]string{"s1", "s2"}, docVar, altVar, true, true)
	p.RegisterNode(distribute)
	distribute.AddDependency(singleton.ID())

	remote := NewRemoteNode(p, p.NextID(), "db", "server1", "coordinator", "q1", true)
	p.RegisterNode(remote)
	remote.AddDependency(distribute.ID())

	gather := NewGatherNode(p, p.NextID(), SortModeHeap)
	gather.Elements = []SortElement{{Var: docVar, Ascending: true, Path: []string{"name"}}}
	p.RegisterNode(gather)
	gather.AddDependency(remote.ID())

	p.SetRoot(gather.ID())

	restored := roundTrip(t, p)
	nodes := restored.Nodes()
	require.Len(t, nodes, 4)

	d, ok := nodes[1].(*DistributeNode)
	require.True(t, ok)
	assert.Equal(t, "docs", d.Collection)
	assert.Equal(t, []string{"s1", "s2"}, d.Clients())
	assert.True(t, d.CreateKeys)
	assert.True(t, d.AllowKeyConversionToObject)
	assert.Equal(t, docVar.ID, d.Variable.ID)
	assert.Equal(t, altVar.ID, d.AlternativeVariable.ID)
	assert.Equal(t, []NodeID{singleton.ID()}, d.Dependencies())

	r, ok := nodes[2].(*RemoteNode)
	require.True(t, ok)
	assert.Equal(t, "server1", r.Server)
	assert.Equal(t, "q1", r.QueryID)
	assert.True(t, r.IsResponsibleForInitializeCursor)

	g, ok := nodes[3].(*GatherNode)
	require.True(t, ok)
	assert.Equal(t, SortModeHeap, g.SortMode())
	require.Len(t, g.Elements, 1)
	assert.Equal(t, docVar.ID, g.Elements[0].Var.ID)
	assert.Equal(t, []string{"name"}, g.Elements[0].Path)

	root, err := restored.Root()
	require.NoError(t, err)
	assert.Equal(t, gather.ID(), root.ID())
}

func TestSerialize_SubqueryRoundTrip(t *testing.T) {
	p := New()
	outer := p.Variables().CreateVariable("outer")

	singleton := NewSingletonNode(p, p.NextID())
	p.RegisterNode(singleton)

	sub := p.NewSubplan()
	subDoc := p.Variables().CreateTemporaryVariable()
	subEnum := NewEnumerateCollectionNode(sub, sub.NextID(), "", "docs", subDoc, false)
	sub.RegisterNode(subEnum)
	subRet := NewReturnNode(sub, sub.NextID(), subDoc)
	sub.RegisterNode(subRet)
	subRet.AddDependency(subEnum.ID())
	sub.SetRoot(subRet.ID())

	subNode := NewSubqueryNode(p, p.NextID(), sub, outer)
	p.RegisterSubquery(subNode)
	subNode.AddDependency(singleton.ID())

	ret := NewReturnNode(p, p.NextID(), outer)
	p.RegisterNode(ret)
	ret.AddDependency(subNode.ID())
	p.SetRoot(ret.ID())

	restored := roundTrip(t, p)
	subs := restored.FindNodesOfType(NodeSubquery, false)
	require.Len(t, subs, 1)
	restoredSub := subs[0].(*SubqueryNode).Subplan()

	enums := restoredSub.FindNodesOfType(NodeEnumerateCollection, false)
	require.Len(t, enums, 1)
	assert.Equal(t, "docs", enums[0].(*EnumerateCollectionNode).Collection)

	rv, err := restoredSub.ReturnVariable()
	require.NoError(t, err)
	assert.Equal(t, subDoc.ID, rv.ID)
}

func TestSerialize_IndexNodeKeepsConditionAndSettings(t *testing.T) {
	p := New()
	docVar := p.Variables().CreateVariable("doc")
	idx := &collection.Index{
		Name:   "ft",
		Type:   collection.IndexTypeFulltext,
		Fields: [][]string{{"body"}},
	}
	args := ast.NewArray()
	args.AddMember(ast.NewValue("articles"))
	args.AddMember(ast.NewValue("body"))
	args.AddMember(ast.NewValue("search words"))
	cond := NewCondition()
	cond.AndCombine(ast.NewFunctionCall(ast.FuncFulltext, args))

	node := NewIndexNode(p, p.NextID(), "db", "articles", idx, cond, docVar)
	p.RegisterNode(node)
	p.SetRoot(node.ID())

	restored := roundTrip(t, p)
	restoredNode := restored.Nodes()[0].(*IndexNode)
	assert.Equal(t, collection.IndexTypeFulltext, restoredNode.Index.Type)
	assert.Equal(t, [][]string{{"body"}}, restoredNode.Index.Fields)

	query, err := restoredNode.Condition.FulltextQuery()
	require.NoError(t, err)
	assert.Equal(t, "search words", query)
}

func TestSerialize_DistributeLegacyVariableIDs(t *testing.T) {
	raw := `{
	  "nodes": [
	    {"type": "DistributeNode", "id": 1, "dependencies": [],
	     "collection": "docs", "clients": ["s1", "s2"],
	     "createKeys": false, "allowKeyConversionToObject": false,
	     "varId": 7, "alternativeVarId": 8}
	  ],
	  "root": 1
	}`
	p, err := UnmarshalPlan([]byte(raw))
	require.NoError(t, err)

	d := p.Nodes()[0].(*DistributeNode)
	assert.Equal(t, ast.VariableID(7), d.Variable.ID)
	assert.Equal(t, ast.VariableID(8), d.AlternativeVariable.ID)

	// freshly created variables never collide with the loaded ids
	v := p.Variables().CreateTemporaryVariable()
	assert.Greater(t, int64(v.ID), int64(8))
}

func TestSerialize_DistributeStructuredFormWins(t *testing.T) {
	raw := `{
	  "nodes": [
	    {"type": "DistributeNode", "id": 1, "dependencies": [],
	     "collection": "docs", "clients": [],
	     "createKeys": false, "allowKeyConversionToObject": false,
	     "variable": {"id": 3, "name": "doc"},
	     "alternativeVariable": {"id": 4, "name": "alt"},
	     "varId": 99, "alternativeVarId": 100}
	  ],
	  "root": 1
	}`
	p, err := UnmarshalPlan([]byte(raw))
	require.NoError(t, err)

	d := p.Nodes()[0].(*DistributeNode)
	assert.Equal(t, ast.VariableID(3), d.Variable.ID)
	assert.Equal(t, "doc", d.Variable.Name)
	assert.Equal(t, ast.VariableID(4), d.AlternativeVariable.ID)
}

func TestSerialize_DistributeWithoutAnyVariableFails(t *testing.T) {
	raw := `{
	  "nodes": [
	    {"type": "DistributeNode", "id": 1, "dependencies": [],
	     "collection": "docs", "clients": []}
	  ],
	  "root": 1
	}`
	_, err := UnmarshalPlan([]byte(raw))
	require.Error(t, err)
}

func TestSerialize_ScatterMalformedClientsCleared(t *testing.T) {
	raw := `{
	  "nodes": [
	    {"type": "ScatterNode", "id": 1, "dependencies": [],
	     "clients": ["s1", 42, "s3"]}
	  ],
	  "root": 1
	}`
	// malformed clients are logged and cleared, never fatal
	p, err := UnmarshalPlan([]byte(raw))
	require.NoError(t, err)

	s := p.Nodes()[0].(*ScatterNode)
	assert.Empty(t, s.Clients())
}

func TestSerialize_GatherSortModeTokens(t *testing.T) {
	build := func(sortmode string, withElements bool) string {
		elements := `[]`
		if withElements {
			elements = `[{"inVariable": {"id": 1, "name": "doc"}, "ascending": true}]`
		}
		return `{
		  "nodes": [
		    {"type": "GatherNode", "id": 1, "dependencies": [],
		     "sortmode": "` + sortmode + `", "elements": ` + elements + `}
		  ],
		  "root": 1
		}`
	}

	p, err := UnmarshalPlan([]byte(build("minelement", true)))
	require.NoError(t, err)
	assert.Equal(t, SortModeMinElement, p.Nodes()[0].(*GatherNode).SortMode())

	p, err = UnmarshalPlan([]byte(build("heap", true)))
	require.NoError(t, err)
	assert.Equal(t, SortModeHeap, p.Nodes()[0].(*GatherNode).SortMode())

	// without sort elements the mode token is not consulted at all
	p, err = UnmarshalPlan([]byte(build("unset", false)))
	require.NoError(t, err)
	g := p.Nodes()[0].(*GatherNode)
	assert.Empty(t, g.Elements)

	// and an unsorted gather writes the unset token back out
	raw, err := p.MarshalPlan()
	require.NoError(t, err)
	nodes := raw["nodes"].([]any)
	assert.Equal(t, "unset", nodes[0].(map[string]any)["sortmode"])
}

func TestSerialize_GatherUnknownSortModePanics(t *testing.T) {
	raw := `{
	  "nodes": [
	    {"type": "GatherNode", "id": 1, "dependencies": [],
	     "sortmode": "bogus",
	     "elements": [{"inVariable": {"id": 1, "name": "doc"}, "ascending": true}]}
	  ],
	  "root": 1
	}`
	require.Panics(t, func() {
		_, _ = UnmarshalPlan([]byte(raw))
	})
}

func TestSerialize_UnknownNodeTypeFails(t *testing.T) {
	raw := `{"nodes": [{"type": "TeleportNode", "id": 1}], "root": 1}`
	_, err := UnmarshalPlan([]byte(raw))
	require.Error(t, err)
}

func TestSerialize_SingleRemoteOperationRoundTrip(t *testing.T) {
	p := New()
	docVar := p.Variables().CreateVariable("doc")

	cond := NewCondition()
	cond.AndCombine(ast.NewBinaryOp(ast.KindBinaryEQ,
		ast.NewAttributeAccess(ast.NewReference(docVar), "_key"),
		ast.NewValue("k7")))

	idx := NewIndexNode(p, p.NextID(), "db", "docs", nil, cond, docVar)
	p.RegisterNode(idx)
	sro := NewSingleRemoteOperationNode(idx, "server1", "own", "q9")
	p.RegisterNode(sro)
	p.SetRoot(sro.ID())
	require.True(t, sro.IsPointLookup())

	restored := roundTrip(t, p)
	nodes := restored.FindNodesOfType(NodeSingleRemoteOperation, false)
	require.Len(t, nodes, 1)
	restoredSRO := nodes[0].(*SingleRemoteOperationNode)

	assert.Equal(t, "server1", restoredSRO.Server)
	assert.Equal(t, "q9", restoredSRO.QueryID)
	assert.Equal(t, "docs", restoredSRO.Collection)
	require.True(t, restoredSRO.IsPointLookup())

	attr, value := restoredSRO.KeyAttribute()
	assert.Equal(t, ast.KindAttributeAccess, attr.Kind)
	assert.Equal(t, "_key", attr.Name)
	assert.Equal(t, "k7", value.StringValue())
}
