package exec

import (
	"container/heap"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/corvusdb/corvusdb/internal/ast"
	"github.com/corvusdb/corvusdb/internal/collection"
)

// Routing failures surfaced by the distribute block.
var (
	ErrNoShardKey      = errors.New("row has no usable shard key")
	ErrKeyFromObject   = errors.New("object value not allowed as shard key")
	ErrMissingDocument = errors.New("missing document key")
)

// RemoteBlock relays one upstream stream that lives on another server.
// The transport itself is external; the engine injects the upstream
// block for the (server, queryID) pair. A nil upstream yields an empty
// stream, which is what a not-yet-connected remote looks like.
type RemoteBlock struct {
	server   string
	ownName  string
	queryID  string
	upstream Block
}

// NewRemoteBlock creates a remote relay.
func NewRemoteBlock(server, ownName, queryID string, upstream Block) *RemoteBlock {
	return &RemoteBlock{server: server, ownName: ownName, queryID: queryID, upstream: upstream}
}

func (b *RemoteBlock) Next() (Row, bool, error) {
	if b.upstream == nil {
		return nil, false, nil
	}
	return b.upstream.Next()
}

func (b *RemoteBlock) Close() error {
	if b.upstream == nil {
		return nil
	}
	return b.upstream.Close()
}

// NewQueryID returns a fresh engine-wide query execution id.
func NewQueryID() string {
	return uuid.NewString()
}

// ScatterBlock fans its dependency's stream out to every client. Each
// client gets its own logical channel over a shared buffer, so slow
// clients never lose rows.
type ScatterBlock struct {
	dep     Block
	clients []string
	buf     []Row
	drained bool
	pos     map[string]int
}

// NewScatterBlock creates a scatter over the given client channels.
func NewScatterBlock(dep Block, clients []string) *ScatterBlock {
	return &ScatterBlock{dep: dep, clients: clients, pos: make(map[string]int, len(clients))}
}

// Next drains rows in input order, ignoring client channels. It exists
// so ScatterBlock satisfies Block; cluster execution uses Stream.
func (b *ScatterBlock) Next() (Row, bool, error) {
	if len(b.clients) == 0 {
		return nil, false, nil
	}
	return b.Stream(b.clients[0]).Next()
}

func (b *ScatterBlock) Close() error { return b.dep.Close() }

// Stream returns the named client's view of the fan-out.
func (b *ScatterBlock) Stream(client string) Block {
	return &scatterStream{parent: b, client: client}
}

// fill ensures the shared buffer holds at least n rows, or all of them.
func (b *ScatterBlock) fill(n int) error {
	for !b.drained && len(b.buf) < n {
		row, ok, err := b.dep.Next()
		if err != nil {
			return err
		}
		if !ok {
			b.drained = true
			break
		}
		b.buf = append(b.buf, row)
	}
	return nil
}

type scatterStream struct {
	parent *ScatterBlock
	client string
}

func (s *scatterStream) Next() (Row, bool, error) {
	pos := s.parent.pos[s.client]
	if err := s.parent.fill(pos + 1); err != nil {
		return nil, false, err
	}
	if pos >= len(s.parent.buf) {
		return nil, false, nil
	}
	s.parent.pos[s.client] = pos + 1
	return copyRow(s.parent.buf[pos]), true, nil
}

func (s *scatterStream) Close() error { return nil }

// DistributeBlock routes each row to exactly one client channel, chosen
// by the sharding value of the row's designated variable.
type DistributeBlock struct {
	dep                        Block
	clients                    []string
	variable                   ast.VariableID
	alternative                ast.VariableID
	createKeys                 bool
	allowKeyConversionToObject bool

	queues  map[string][]Row
	drained bool
}

// NewDistributeBlock creates a distribute router.
func NewDistributeBlock(dep Block, clients []string, variable, alternative ast.VariableID, createKeys, allowKeyConversionToObject bool) *DistributeBlock {
	return &DistributeBlock{
		dep:                        dep,
		clients:                    clients,
		variable:                   variable,
		alternative:                alternative,
		createKeys:                 createKeys,
		allowKeyConversionToObject: allowKeyConversionToObject,
		queues:                     make(map[string][]Row, len(clients)),
	}
}

// Next drains the input in client order; cluster execution uses Stream.
func (b *DistributeBlock) Next() (Row, bool, error) {
	for _, client := range b.clients {
		row, ok, err := b.Stream(client).Next()
		if err != nil {
			return nil, false, err
		}
		if ok {
			return row, true, nil
		}
	}
	return nil, false, nil
}

func (b *DistributeBlock) Close() error { return b.dep.Close() }

// Stream returns the named client's routed stream.
func (b *DistributeBlock) Stream(client string) Block {
	return &distributeStream{parent: b, client: client}
}

// ClientFor resolves which client channel receives the row.
func (b *DistributeBlock) ClientFor(row Row) (string, error) {
	if len(b.clients) == 0 {
		return "", errors.New("distribute block has no clients")
	}
	val := row[b.variable]
	if val == nil {
		// primary sharding value absent, consult the alternative
		val = row[b.alternative]
	}
	key, err := b.shardKey(val)
	if err != nil {
		return "", err
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return b.clients[int(h.Sum32())%len(b.clients)], nil
}

func (b *DistributeBlock) shardKey(val any) (string, error) {
	switch v := val.(type) {
	case string:
		return v, nil
	case map[string]any:
		if !b.allowKeyConversionToObject {
			return "", ErrKeyFromObject
		}
		if key, ok := v["_key"].(string); ok {
			return key, nil
		}
		if b.createKeys {
			key := uuid.NewString()
			v["_key"] = key
			return key, nil
		}
		return "", ErrMissingDocument
	}
	return "", ErrNoShardKey
}

// pump routes rows from the dependency until the named client's queue
// holds something or the input is exhausted.
func (b *DistributeBlock) pump(client string) error {
	for len(b.queues[client]) == 0 && !b.drained {
		row, ok, err := b.dep.Next()
		if err != nil {
			return err
		}
		if !ok {
			b.drained = true
			return nil
		}
		target, err := b.ClientFor(row)
		if err != nil {
			return err
		}
		b.queues[target] = append(b.queues[target], row)
	}
	return nil
}

type distributeStream struct {
	parent *DistributeBlock
	client string
}

func (s *distributeStream) Next() (Row, bool, error) {
	if err := s.parent.pump(s.client); err != nil {
		return nil, false, err
	}
	queue := s.parent.queues[s.client]
	if len(queue) == 0 {
		return nil, false, nil
	}
	row := queue[0]
	s.parent.queues[s.client] = queue[1:]
	return row, true, nil
}

func (s *distributeStream) Close() error { return nil }

// MergeStrategy selects how a sorting gather merges its sources.
type MergeStrategy int

const (
	// MergeMinElement compares every source's head per emitted row.
	MergeMinElement MergeStrategy = iota
	// MergeHeap keeps the heads in a min-heap, cheaper for many sources.
	MergeHeap
)

// UnsortingGatherBlock drains multiple per-shard streams with no
// ordering guarantee beyond source order.
type UnsortingGatherBlock struct {
	deps []Block
	cur  int
}

// NewUnsortingGatherBlock creates an order-agnostic gather.
func NewUnsortingGatherBlock(deps []Block) *UnsortingGatherBlock {
	return &UnsortingGatherBlock{deps: deps}
}

func (b *UnsortingGatherBlock) Next() (Row, bool, error) {
	for b.cur < len(b.deps) {
		row, ok, err := b.deps[b.cur].Next()
		if err != nil {
			return nil, false, err
		}
		if ok {
			return row, true, nil
		}
		b.cur++
	}
	return nil, false, nil
}

func (b *UnsortingGatherBlock) Close() error {
	var firstErr error
	for _, dep := range b.deps {
		if err := dep.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SortingGatherBlock merges pre-sorted per-shard streams into one sorted
// stream. Both strategies produce identical output; they only differ in
// per-row comparison cost.
type SortingGatherBlock struct {
	deps     []Block
	orders   []SortOrder
	strategy MergeStrategy

	heads  []Row // current head per source, nil when exhausted
	merger *headHeap
	primed bool
}

// NewSortingGatherBlock creates a sort-merging gather.
func NewSortingGatherBlock(deps []Block, orders []SortOrder, strategy MergeStrategy) *SortingGatherBlock {
	return &SortingGatherBlock{deps: deps, orders: orders, strategy: strategy}
}

func (b *SortingGatherBlock) prime() error {
	b.heads = make([]Row, len(b.deps))
	for i, dep := range b.deps {
		row, ok, err := dep.Next()
		if err != nil {
			return err
		}
		if ok {
			b.heads[i] = row
		}
	}
	if b.strategy == MergeHeap {
		b.merger = &headHeap{orders: b.orders}
		for i, row := range b.heads {
			if row != nil {
				b.merger.entries = append(b.merger.entries, headEntry{src: i, row: row})
			}
		}
		heap.Init(b.merger)
	}
	b.primed = true
	return nil
}

func (b *SortingGatherBlock) Next() (Row, bool, error) {
	if !b.primed {
		if err := b.prime(); err != nil {
			return nil, false, err
		}
	}
	if b.strategy == MergeHeap {
		return b.nextHeap()
	}
	return b.nextMinElement()
}

// nextMinElement scans all live heads for the smallest; ties go to the
// lowest source index, matching the heap strategy's tie-break.
func (b *SortingGatherBlock) nextMinElement() (Row, bool, error) {
	best := -1
	for i, row := range b.heads {
		if row == nil {
			continue
		}
		if best < 0 || compareRows(row, b.heads[best], b.orders) < 0 {
			best = i
		}
	}
	if best < 0 {
		return nil, false, nil
	}
	row := b.heads[best]
	if err := b.advance(best); err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (b *SortingGatherBlock) nextHeap() (Row, bool, error) {
	if b.merger.Len() == 0 {
		return nil, false, nil
	}
	entry := heap.Pop(b.merger).(headEntry)
	if err := b.advance(entry.src); err != nil {
		return nil, false, err
	}
	if next := b.heads[entry.src]; next != nil {
		heap.Push(b.merger, headEntry{src: entry.src, row: next})
	}
	return entry.row, true, nil
}

func (b *SortingGatherBlock) advance(src int) error {
	row, ok, err := b.deps[src].Next()
	if err != nil {
		return err
	}
	if !ok {
		b.heads[src] = nil
		return nil
	}
	b.heads[src] = row
	return nil
}

func (b *SortingGatherBlock) Close() error {
	var firstErr error
	for _, dep := range b.deps {
		if err := dep.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type headEntry struct {
	src int
	row Row
}

type headHeap struct {
	entries []headEntry
	orders  []SortOrder
}

func (h *headHeap) Len() int { return len(h.entries) }

func (h *headHeap) Less(i, j int) bool {
	c := compareRows(h.entries[i].row, h.entries[j].row, h.orders)
	if c != 0 {
		return c < 0
	}
	return h.entries[i].src < h.entries[j].src
}

func (h *headHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }

func (h *headHeap) Push(x any) { h.entries = append(h.entries, x.(headEntry)) }

func (h *headHeap) Pop() any {
	last := h.entries[len(h.entries)-1]
	h.entries = h.entries[:len(h.entries)-1]
	return last
}

// SingleRemoteOperationBlock performs a point lookup by primary key on a
// single shard. When no attribute/value pattern was derived from the
// index condition it degrades to a plain remote relay.
type SingleRemoteOperationBlock struct {
	remote   *RemoteBlock
	dep      Block
	docs     []collection.Document
	attrPath []string
	value    any
	outVar   ast.VariableID
	done     bool
}

// NewSingleRemoteOperationBlock creates the block. attrPath may be nil,
// signaling "not a point lookup".
func NewSingleRemoteOperationBlock(remote *RemoteBlock, dep Block, docs []collection.Document, attrPath []string, value any, outVar ast.VariableID) *SingleRemoteOperationBlock {
	return &SingleRemoteOperationBlock{remote: remote, dep: dep, docs: docs, attrPath: attrPath, value: value, outVar: outVar}
}

func (b *SingleRemoteOperationBlock) Next() (Row, bool, error) {
	if b.attrPath == nil {
		// generic remote operation fallback
		return b.remote.Next()
	}
	if b.done {
		return nil, false, nil
	}
	row, ok, err := b.dep.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	b.done = true
	for _, doc := range b.docs {
		var val any = map[string]any(doc)
		for _, attr := range b.attrPath {
			m, isDoc := val.(map[string]any)
			if !isDoc {
				val = nil
				break
			}
			val = m[attr]
		}
		if ast.CompareValues(val, b.value) == 0 {
			out := copyRow(row)
			out[b.outVar] = map[string]any(doc)
			return out, true, nil
		}
	}
	return nil, false, nil
}

func (b *SingleRemoteOperationBlock) Close() error {
	if b.dep != nil {
		return b.dep.Close()
	}
	return b.remote.Close()
}
