package exec

import (
	"time"

	"github.com/corvusdb/corvusdb/internal/ast"
	"github.com/corvusdb/corvusdb/internal/collection"
	"github.com/corvusdb/corvusdb/internal/cursor"
)

// Row binds variable ids to values for one streamed row.
type Row = map[ast.VariableID]any

// Block is a runtime execution operator. Blocks form the same dependency
// chains as the plan nodes they were instantiated from and stream rows
// lazily.
type Block interface {
	// Next returns the next row and whether one was available.
	Next() (Row, bool, error)
	// Close releases the block and its dependencies.
	Close() error
}

// Engine carries what blocks need at instantiation time: the collection
// resolver, a source of upstream streams for remote blocks keyed by
// (server, queryID), and the statistics the scanning blocks feed.
// RemoteSource may be nil in single-server setups.
type Engine struct {
	Resolver     collection.Resolver
	RemoteSource func(server, queryID string) Block
	Stats        *cursor.Stats
}

// NewEngine creates an engine over the given resolver.
func NewEngine(resolver collection.Resolver) *Engine {
	return &Engine{Resolver: resolver, Stats: &cursor.Stats{}}
}

// SortOrder is one sort criterion applied to streamed rows: the variable
// to read, the direction, and an optional attribute path into the value.
type SortOrder struct {
	Var       ast.VariableID
	Ascending bool
	Path      []string
}

// sortKey extracts the comparison value a sort order refers to.
func (o SortOrder) sortKey(row Row) any {
	val := row[o.Var]
	for _, attr := range o.Path {
		doc, ok := val.(map[string]any)
		if !ok {
			return nil
		}
		val = doc[attr]
	}
	return val
}

// compareRows orders two rows by the given criteria.
func compareRows(a, b Row, orders []SortOrder) int {
	for _, o := range orders {
		c := ast.CompareValues(o.sortKey(a), o.sortKey(b))
		if c == 0 {
			continue
		}
		if !o.Ascending {
			c = -c
		}
		return c
	}
	return 0
}

func copyRow(row Row) Row {
	out := make(Row, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	return out
}

// Run streams the value of returnVar out of the root block as a lazy
// result set. stats may be nil; pass the engine's so the scanning
// blocks' counters end up in the same place. Time spent producing rows
// accumulates into stats.Runtime.
func Run(root Block, returnVar ast.VariableID, stats *cursor.Stats) cursor.ResultSet {
	if stats == nil {
		stats = &cursor.Stats{}
	}
	pull := func() (any, bool, error) {
		start := time.Now()
		row, ok, err := root.Next()
		stats.Runtime += time.Since(start)
		if err != nil || !ok {
			return nil, false, err
		}
		stats.MatchedDocuments++
		return row[returnVar], true, nil
	}
	free := func() { _ = root.Close() }
	return cursor.NewStream(pull, free, stats)
}
