package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCost_LocalChain(t *testing.T) {
	p := New()
	docVar := p.Variables().CreateVariable("doc")

	singleton := NewSingletonNode(p, p.NextID())
	p.RegisterNode(singleton)
	cost, items := singleton.EstimateCost()
	assert.Equal(t, 1.0, cost)
	assert.Equal(t, int64(1), items)

	enumerate := NewEnumerateCollectionNode(p, p.NextID(), "db", "docs", docVar, false)
	p.RegisterNode(enumerate)
	enumerate.AddDependency(singleton.ID())
	cost, items = enumerate.EstimateCost()
	assert.Equal(t, int64(1000), items)
	assert.Equal(t, 1001.0, cost)

	ret := NewReturnNode(p, p.NextID(), docVar)
	p.RegisterNode(ret)
	ret.AddDependency(enumerate.ID())
	cost, items = ret.EstimateCost()
	assert.Equal(t, int64(1000), items)
	assert.Equal(t, 2001.0, cost)
}

func TestCost_RemotePassesItemsThrough(t *testing.T) {
	p := New()
	docVar := p.Variables().CreateVariable("doc")

	singleton := NewSingletonNode(p, p.NextID())
	p.RegisterNode(singleton)
	enumerate := NewEnumerateCollectionNode(p, p.NextID(), "db", "docs", docVar, false)
	p.RegisterNode(enumerate)
	enumerate.AddDependency(singleton.ID())

	remote := NewRemoteNode(p, p.NextID(), "db", "server1", "", "q1", false)
	p.RegisterNode(remote)
	remote.AddDependency(enumerate.ID())

	cost, items := remote.EstimateCost()
	assert.Equal(t, int64(1000), items)
	assert.Equal(t, 2001.0, cost)
}

func TestCost_RemoteWithoutDependencyDegradesToUnit(t *testing.T) {
	p := New()
	remote := NewRemoteNode(p, p.NextID(), "db", "server1", "", "q1", false)
	p.RegisterNode(remote)

	cost, items := remote.EstimateCost()
	assert.Equal(t, 1.0, cost)
	assert.Equal(t, int64(1), items)
}

func TestCost_ScatterMultipliesByClients(t *testing.T) {
	p := New()
	docVar := p.Variables().CreateVariable("doc")

	singleton := NewSingletonNode(p, p.NextID())
	p.RegisterNode(singleton)
	enumerate := NewEnumerateCollectionNode(p, p.NextID(), "db", "docs", docVar, false)
	p.RegisterNode(enumerate)
	enumerate.AddDependency(singleton.ID())

	scatter := NewScatterNode(p, p.NextID(), []string{"s1", "s2", "s3"})
	p.RegisterNode(scatter)
	scatter.AddDependency(enumerate.ID())

	// duplicated to every client: depCost + items * numClients
	cost, items := scatter.EstimateCost()
	assert.Equal(t, int64(1000), items)
	assert.Equal(t, 1001.0+3*1000.0, cost)
}

func TestCost_DistributeRoutesWithoutDuplication(t *testing.T) {
	p := New()
	docVar := p.Variables().CreateVariable("doc")
	altVar := p.Variables().CreateVariable("alt")

	singleton := NewSingletonNode(p, p.NextID())
	p.RegisterNode(singleton)
	enumerate := NewEnumerateCollectionNode(p, p.NextID(), "db", "docs", docVar, false)
	p.RegisterNode(enumerate)
	enumerate.AddDependency(singleton.ID())

	distribute := NewDistributeNode(p, p.NextID(), "docs",
		[]string{"s1", "s2", "s3"}, docVar, altVar, false, false)
	p.RegisterNode(distribute)
	distribute.AddDependency(enumerate.ID())

	cost, items := distribute.EstimateCost()
	assert.Equal(t, int64(1000), items)
	assert.Equal(t, 2001.0, cost)
}

func TestCost_GatherAddsOnePass(t *testing.T) {
	p := New()
	docVar := p.Variables().CreateVariable("doc")

	singleton := NewSingletonNode(p, p.NextID())
	p.RegisterNode(singleton)
	enumerate := NewEnumerateCollectionNode(p, p.NextID(), "db", "docs", docVar, false)
	p.RegisterNode(enumerate)
	enumerate.AddDependency(singleton.ID())

	gather := NewGatherNode(p, p.NextID(), SortModeMinElement)
	p.RegisterNode(gather)
	gather.AddDependency(enumerate.ID())

	cost, items := gather.EstimateCost()
	assert.Equal(t, int64(1000), items)
	assert.Equal(t, 2001.0, cost)
}

func TestCost_LimitCapsItems(t *testing.T) {
	p := New()
	docVar := p.Variables().CreateVariable("doc")

	singleton := NewSingletonNode(p, p.NextID())
	p.RegisterNode(singleton)
	enumerate := NewEnumerateCollectionNode(p, p.NextID(), "db", "docs", docVar, false)
	p.RegisterNode(enumerate)
	enumerate.AddDependency(singleton.ID())

	limit := NewLimitNode(p, p.NextID(), 10, 25)
	p.RegisterNode(limit)
	limit.AddDependency(enumerate.ID())

	cost, items := limit.EstimateCost()
	assert.Equal(t, int64(25), items)
	assert.Equal(t, 1001.0+25.0, cost)

	// offset beyond the input leaves nothing
	drained := NewLimitNode(p, p.NextID(), 5000, 10)
	p.RegisterNode(drained)
	drained.AddDependency(enumerate.ID())
	_, items = drained.EstimateCost()
	assert.Equal(t, int64(0), items)
}

func TestCost_SingleRemoteOperationMatchesRemote(t *testing.T) {
	p := New()
	docVar := p.Variables().CreateVariable("doc")

	idx := NewIndexNode(p, p.NextID(), "db", "docs", nil, nil, docVar)
	p.RegisterNode(idx)
	sro := NewSingleRemoteOperationNode(idx, "server1", "", "q1")
	p.RegisterNode(sro)

	cost, items := sro.EstimateCost()
	assert.Equal(t, 1.0, cost)
	assert.Equal(t, int64(1), items)

	singleton := NewSingletonNode(p, p.NextID())
	p.RegisterNode(singleton)
	sro.AddDependency(singleton.ID())

	cost, items = sro.EstimateCost()
	require.Equal(t, int64(1), items)
	assert.Equal(t, 2.0, cost)
}
