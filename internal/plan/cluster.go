package plan

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/corvusdb/corvusdb/internal/ast"
	"github.com/corvusdb/corvusdb/internal/exec"
)

// SortMode selects the merge strategy of a sorting gather.
type SortMode int

const (
	// SortModeMinElement compares all source heads per emitted row.
	SortModeMinElement SortMode = iota
	// SortModeHeap keeps the source heads in a min-heap.
	SortModeHeap
)

const (
	sortModeUnsetToken      = "unset"
	sortModeMinElementToken = "minelement"
	sortModeHeapToken       = "heap"
)

func (m SortMode) String() string {
	switch m {
	case SortModeMinElement:
		return sortModeMinElementToken
	case SortModeHeap:
		return sortModeHeapToken
	}
	panic(fmt.Sprintf("invalid gather sort mode %d", int(m)))
}

// sortModeFromToken maps the serialized token back to the enum. An
// unknown token can only come from corrupted or mismatched-version
// interchange data, so it is an internal invariant violation.
func sortModeFromToken(token string) SortMode {
	switch token {
	case sortModeMinElementToken:
		return SortModeMinElement
	case sortModeHeapToken:
		return SortModeHeap
	}
	panic(fmt.Sprintf("invalid gather sort mode token %q", token))
}

// RemoteNode relays one dependency's stream across a network hop. It is
// not responsible for topology, only for the relay.
type RemoteNode struct {
	baseNode
	Database string
	Server   string
	OwnName  string
	QueryID  string
	// IsResponsibleForInitializeCursor marks the one remote of a query
	// that initializes the distributed cursor.
	IsResponsibleForInitializeCursor bool
}

// NewRemoteNode creates a remote node.
func NewRemoteNode(p *Plan, id NodeID, database, server, ownName, queryID string, responsible bool) *RemoteNode {
	return &RemoteNode{
		baseNode:                         newBase(p, id, NodeRemote),
		Database:                         database,
		Server:                           server,
		OwnName:                          ownName,
		QueryID:                          queryID,
		IsResponsibleForInitializeCursor: responsible,
	}
}

func (n *RemoteNode) EstimateCost() (float64, int64) {
	return remoteCost(&n.baseNode)
}

// remoteCost charges one linear pass over the rows. Plans under
// instantiation may temporarily lack the dependency; degrade to a unit
// cost then.
func remoteCost(b *baseNode) (float64, int64) {
	depCost, depItems, ok := b.dependencyCost()
	if !ok {
		return 1, 1
	}
	return depCost + float64(depItems), depItems
}

func (n *RemoteNode) CreateBlock(eng *exec.Engine, _ exec.Row, deps []exec.Block) (exec.Block, error) {
	var upstream exec.Block
	if eng.RemoteSource != nil {
		upstream = eng.RemoteSource(n.Server, n.QueryID)
	} else if len(deps) == 1 {
		// single-server execution relays the local dependency directly
		upstream = deps[0]
	}
	return exec.NewRemoteBlock(n.Server, n.OwnName, n.QueryID, upstream), nil
}

func (n *RemoteNode) fields() map[string]any {
	return map[string]any{
		"database":                         n.Database,
		"server":                           n.Server,
		"ownName":                          n.OwnName,
		"queryId":                          n.QueryID,
		"isResponsibleForInitializeCursor": n.IsResponsibleForInitializeCursor,
	}
}

// ScatterNode fans one upstream stream out to an ordered set of client
// channels, one per shard.
type ScatterNode struct {
	baseNode
	clients []string
}

// NewScatterNode creates a scatter node over the given clients.
func NewScatterNode(p *Plan, id NodeID, clients []string) *ScatterNode {
	return &ScatterNode{baseNode: newBase(p, id, NodeScatter), clients: clients}
}

// Clients returns the ordered client channels.
func (n *ScatterNode) Clients() []string {
	out := make([]string, len(n.clients))
	copy(out, n.clients)
	return out
}

func (n *ScatterNode) EstimateCost() (float64, int64) {
	depCost, depItems, ok := n.dependencyCost()
	if !ok {
		return 1, 1
	}
	return depCost + float64(depItems)*float64(len(n.clients)), depItems
}

func (n *ScatterNode) CreateBlock(_ *exec.Engine, _ exec.Row, deps []exec.Block) (exec.Block, error) {
	dep, err := n.dependencyBlock(deps)
	if err != nil {
		return nil, err
	}
	return exec.NewScatterBlock(dep, n.Clients()), nil
}

// readClients loads the clients array from an interchange value. A
// malformed entry is logged, the clients are cleared and false is
// returned; deserialization failures from cross-version data must not
// crash the process.
func (n *ScatterNode) readClients(raw any) bool {
	entries, ok := raw.([]any)
	if !ok {
		logrus.WithField("node", n.Type().String()).
			Error("invalid serialized node, 'clients' attribute is expected to be an array of strings")
		return false
	}
	clients := make([]string, 0, len(entries))
	for pos, entry := range entries {
		s, ok := entry.(string)
		if !ok {
			logrus.WithFields(logrus.Fields{"node": n.Type().String(), "position": pos}).
				Error("invalid serialized node, 'clients' entry is not a string")
			n.clients = nil // clear malformed node
			return false
		}
		clients = append(clients, s)
	}
	n.clients = clients
	return true
}

func (n *ScatterNode) fields() map[string]any {
	clients := make([]any, 0, len(n.clients))
	for _, c := range n.clients {
		clients = append(clients, c)
	}
	return map[string]any{"clients": clients}
}

// DistributeNode routes each row to exactly one client channel based on
// the sharding value held by Variable; AlternativeVariable is consulted
// when the primary value is absent.
type DistributeNode struct {
	ScatterNode
	Collection                 string
	Variable                   *ast.Variable
	AlternativeVariable        *ast.Variable
	CreateKeys                 bool
	AllowKeyConversionToObject bool
}

// NewDistributeNode creates a distribute node.
func NewDistributeNode(p *Plan, id NodeID, coll string, clients []string, variable, alternative *ast.Variable, createKeys, allowKeyConversionToObject bool) *DistributeNode {
	n := &DistributeNode{
		ScatterNode:                ScatterNode{baseNode: newBase(p, id, NodeDistribute), clients: clients},
		Collection:                 coll,
		Variable:                   variable,
		AlternativeVariable:        alternative,
		CreateKeys:                 createKeys,
		AllowKeyConversionToObject: allowKeyConversionToObject,
	}
	return n
}

// VariablesUsedHere returns the variables the router reads per row.
func (n *DistributeNode) VariablesUsedHere() []*ast.Variable {
	vars := []*ast.Variable{n.Variable}
	if n.Variable != n.AlternativeVariable {
		vars = append(vars, n.AlternativeVariable)
	}
	return vars
}

func (n *DistributeNode) EstimateCost() (float64, int64) {
	// routed, not duplicated: fan-out is 1:1 per row
	depCost, depItems, ok := n.dependencyCost()
	if !ok {
		return 1, 1
	}
	return depCost + float64(depItems), depItems
}

func (n *DistributeNode) CreateBlock(_ *exec.Engine, _ exec.Row, deps []exec.Block) (exec.Block, error) {
	dep, err := n.dependencyBlock(deps)
	if err != nil {
		return nil, err
	}
	return exec.NewDistributeBlock(dep, n.Clients(), n.Variable.ID, n.AlternativeVariable.ID,
		n.CreateKeys, n.AllowKeyConversionToObject), nil
}

func (n *DistributeNode) fields() map[string]any {
	out := n.ScatterNode.fields()
	out["collection"] = n.Collection
	out["createKeys"] = n.CreateKeys
	out["allowKeyConversionToObject"] = n.AllowKeyConversionToObject
	out["variable"] = n.Variable
	out["alternativeVariable"] = n.AlternativeVariable
	// legacy numeric ids, kept for readers that predate the structured
	// variable form
	out["varId"] = int64(n.Variable.ID)
	out["alternativeVarId"] = int64(n.AlternativeVariable.ID)
	return out
}

// GatherNode merges multiple per-shard streams into one. With sort
// elements configured it performs a sort-merge in the configured mode;
// without them no ordering is guaranteed.
type GatherNode struct {
	baseNode
	Elements []SortElement
	sortMode SortMode
}

// NewGatherNode creates a gather node with the given merge mode.
func NewGatherNode(p *Plan, id NodeID, mode SortMode) *GatherNode {
	return &GatherNode{baseNode: newBase(p, id, NodeGather), sortMode: mode}
}

// SortMode returns the configured merge strategy.
func (n *GatherNode) SortMode() SortMode { return n.sortMode }

func (n *GatherNode) EstimateCost() (float64, int64) {
	depCost, depItems, ok := n.dependencyCost()
	if !ok {
		return 1, 1
	}
	return depCost + float64(depItems), depItems
}

func (n *GatherNode) CreateBlock(_ *exec.Engine, _ exec.Row, deps []exec.Block) (exec.Block, error) {
	if len(deps) == 0 {
		return nil, errors.Errorf("gather node %d has no dependency blocks", n.id)
	}
	if len(n.Elements) == 0 {
		return exec.NewUnsortingGatherBlock(deps), nil
	}
	strategy := exec.MergeMinElement
	if n.sortMode == SortModeHeap {
		strategy = exec.MergeHeap
	}
	return exec.NewSortingGatherBlock(deps, sortOrders(n.Elements), strategy), nil
}

func (n *GatherNode) fields() map[string]any {
	token := sortModeUnsetToken
	if len(n.Elements) > 0 {
		token = n.sortMode.String()
	}
	return map[string]any{
		"sortmode": token,
		"elements": sortElementsToJSON(n.Elements),
	}
}

// SingleRemoteOperationNode is the single-shard shortcut for a point
// lookup by primary key equality.
type SingleRemoteOperationNode struct {
	baseNode
	Database   string
	Server     string
	OwnName    string
	QueryID    string
	Collection string
	OutVar     *ast.Variable

	// attributeNode/valueNode stay nil unless the index condition had
	// the exact single-equality shape; nil means "not a point lookup,
	// fall back to a generic remote operation".
	attributeNode *ast.Node
	valueNode     *ast.Node

	IsResponsibleForInitializeCursor bool
}

// NewSingleRemoteOperationNode derives a single-remote-operation node
// from an index node by pattern-matching its condition for
// OR(AND(attribute == value)) with exactly one disjunct and conjunct.
func NewSingleRemoteOperationNode(createFrom *IndexNode, server, ownName, queryID string) *SingleRemoteOperationNode {
	n := &SingleRemoteOperationNode{
		baseNode:   newBase(createFrom.plan, createFrom.plan.NextID(), NodeSingleRemoteOperation),
		Database:   createFrom.Database,
		Server:     server,
		OwnName:    ownName,
		QueryID:    queryID,
		Collection: createFrom.Collection,
		OutVar:     createFrom.OutVar,
	}
	if createFrom.Condition != nil {
		n.attributeNode, n.valueNode = createFrom.Condition.PointLookup()
	}
	// TODO handle the multi-conjunct shapes the pattern match rejects
	return n
}

// IsPointLookup reports whether the condition matched the single
// equality pattern.
func (n *SingleRemoteOperationNode) IsPointLookup() bool {
	return n.attributeNode != nil && n.valueNode != nil
}

// KeyAttribute returns the matched attribute and value nodes, nil when
// the pattern did not match.
func (n *SingleRemoteOperationNode) KeyAttribute() (attribute, value *ast.Node) {
	return n.attributeNode, n.valueNode
}

func (n *SingleRemoteOperationNode) EstimateCost() (float64, int64) {
	return remoteCost(&n.baseNode)
}

func (n *SingleRemoteOperationNode) CreateBlock(eng *exec.Engine, _ exec.Row, deps []exec.Block) (exec.Block, error) {
	var upstream exec.Block
	if eng.RemoteSource != nil {
		upstream = eng.RemoteSource(n.Server, n.QueryID)
	}
	remote := exec.NewRemoteBlock(n.Server, n.OwnName, n.QueryID, upstream)
	if !n.IsPointLookup() {
		return exec.NewSingleRemoteOperationBlock(remote, nil, nil, nil, nil, 0), nil
	}
	coll, err := eng.Resolver.Get(n.Collection)
	if err != nil {
		return nil, err
	}
	path := attributePathOf(n.attributeNode)
	value, err := ast.Evaluate(n.valueNode, nil)
	if err != nil {
		return nil, err
	}
	dep, err := n.dependencyBlock(deps)
	if err != nil {
		return nil, err
	}
	return exec.NewSingleRemoteOperationBlock(remote, dep, coll.Documents(), path, value, n.OutVar.ID), nil
}

func (n *SingleRemoteOperationNode) fields() map[string]any {
	out := map[string]any{
		"database":                         n.Database,
		"server":                           n.Server,
		"ownName":                          n.OwnName,
		"queryId":                          n.QueryID,
		"collection":                       n.Collection,
		"outVariable":                      n.OutVar,
		"isResponsibleForInitializeCursor": n.IsResponsibleForInitializeCursor,
	}
	if n.IsPointLookup() {
		out["attribute"] = ast.NodeToJSON(n.attributeNode)
		out["value"] = ast.NodeToJSON(n.valueNode)
	}
	return out
}

// attributePathOf flattens a chain of attribute accesses over a
// reference into the accessed path.
func attributePathOf(n *ast.Node) []string {
	var rev []string
	for n != nil && n.Kind == ast.KindAttributeAccess {
		rev = append(rev, n.Name)
		n = n.Member(0)
	}
	out := make([]string, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		out = append(out, rev[i])
	}
	return out
}
