package collection

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownCollection is returned when a name does not resolve.
var ErrUnknownCollection = errors.New("unknown collection")

// Document is a schemaless document. The storage engine proper is an
// external collaborator; this in-memory form is what the execution
// blocks stream.
type Document = map[string]any

// Collection bundles the metadata the query core needs: the index
// descriptors for the optimizer and a document source for the execution
// blocks.
type Collection struct {
	Name       string
	ShardCount int

	mu      sync.RWMutex
	indexes []*Index
	docs    []Document
}

// NewCollection creates an empty collection with a single shard.
func NewCollection(name string) *Collection {
	return &Collection{Name: name, ShardCount: 1}
}

// AddIndex appends an index descriptor. Discovery order is insertion
// order; the optimizer's first-match selection depends on it.
func (c *Collection) AddIndex(idx *Index) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexes = append(c.indexes, idx)
}

// Indexes returns the index descriptors in discovery order.
func (c *Collection) Indexes() []*Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Index, len(c.indexes))
	copy(out, c.indexes)
	return out
}

// Insert appends documents.
func (c *Collection) Insert(docs ...Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, docs...)
}

// Documents returns a snapshot of the stored documents.
func (c *Collection) Documents() []Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Document, len(c.docs))
	copy(out, c.docs)
	return out
}

// Count returns the number of stored documents, used for cost estimates.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// Resolver looks collections up by name. The optimizer and the execution
// engine only ever talk to this interface.
type Resolver interface {
	Get(name string) (*Collection, error)
	IndexesForCollection(name string) ([]*Index, error)
}

// Registry is an in-memory Resolver.
type Registry struct {
	mu          sync.RWMutex
	collections map[string]*Collection
}

// NewRegistry creates an empty collection registry.
func NewRegistry() *Registry {
	return &Registry{collections: make(map[string]*Collection)}
}

// Add registers a collection under its name.
func (r *Registry) Add(c *Collection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collections[c.Name] = c
}

// Get returns the named collection.
func (r *Registry) Get(name string) (*Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.collections[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownCollection, name)
	}
	return c, nil
}

// IndexesForCollection returns the named collection's indexes in
// discovery order.
func (r *Registry) IndexesForCollection(name string) ([]*Index, error) {
	c, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return c.Indexes(), nil
}
