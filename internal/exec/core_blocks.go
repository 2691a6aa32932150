package exec

import (
	"sort"
	"strings"

	"github.com/corvusdb/corvusdb/internal/ast"
	"github.com/corvusdb/corvusdb/internal/collection"
	"github.com/corvusdb/corvusdb/internal/cursor"
)

// SingletonBlock emits exactly one row: the seed bindings it was created
// with (empty for a top-level plan, the outer row for a subquery).
type SingletonBlock struct {
	seed Row
	done bool
}

// NewSingletonBlock creates a singleton block. seed may be nil.
func NewSingletonBlock(seed Row) *SingletonBlock {
	if seed == nil {
		seed = Row{}
	}
	return &SingletonBlock{seed: seed}
}

func (b *SingletonBlock) Next() (Row, bool, error) {
	if b.done {
		return nil, false, nil
	}
	b.done = true
	return copyRow(b.seed), true, nil
}

func (b *SingletonBlock) Close() error { return nil }

// EnumerateCollectionBlock streams every document of a collection once
// per input row, binding it to outVar.
type EnumerateCollectionBlock struct {
	dep    Block
	docs   []collection.Document
	outVar ast.VariableID
	stats  *cursor.Stats

	current Row
	pos     int
}

// NewEnumerateCollectionBlock creates an enumeration over the documents.
// stats may be nil.
func NewEnumerateCollectionBlock(dep Block, docs []collection.Document, outVar ast.VariableID, stats *cursor.Stats) *EnumerateCollectionBlock {
	return &EnumerateCollectionBlock{dep: dep, docs: docs, outVar: outVar, stats: stats}
}

func (b *EnumerateCollectionBlock) Next() (Row, bool, error) {
	for {
		if b.current == nil {
			row, ok, err := b.dep.Next()
			if err != nil || !ok {
				return nil, false, err
			}
			b.current = row
			b.pos = 0
		}
		if b.pos < len(b.docs) {
			out := copyRow(b.current)
			out[b.outVar] = map[string]any(b.docs[b.pos])
			b.pos++
			if b.stats != nil {
				b.stats.ScannedDocuments++
			}
			return out, true, nil
		}
		b.current = nil
	}
}

func (b *EnumerateCollectionBlock) Close() error { return b.dep.Close() }

// CalculationBlock evaluates an expression per row and binds the result
// to outVar.
type CalculationBlock struct {
	dep    Block
	expr   *ast.Node
	outVar ast.VariableID
}

// NewCalculationBlock creates a calculation over the expression.
func NewCalculationBlock(dep Block, expr *ast.Node, outVar ast.VariableID) *CalculationBlock {
	return &CalculationBlock{dep: dep, expr: expr, outVar: outVar}
}

func (b *CalculationBlock) Next() (Row, bool, error) {
	row, ok, err := b.dep.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	val, err := ast.Evaluate(b.expr, ast.Env(row))
	if err != nil {
		return nil, false, err
	}
	row[b.outVar] = val
	return row, true, nil
}

func (b *CalculationBlock) Close() error { return b.dep.Close() }

// FilterBlock drops rows whose filter variable is not true.
type FilterBlock struct {
	dep   Block
	inVar ast.VariableID
}

// NewFilterBlock creates a filter on the given variable.
func NewFilterBlock(dep Block, inVar ast.VariableID) *FilterBlock {
	return &FilterBlock{dep: dep, inVar: inVar}
}

func (b *FilterBlock) Next() (Row, bool, error) {
	for {
		row, ok, err := b.dep.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		if pass, _ := row[b.inVar].(bool); pass {
			return row, true, nil
		}
	}
}

func (b *FilterBlock) Close() error { return b.dep.Close() }

// SortBlock materializes its input and emits it ordered by the sort
// criteria. The sort is stable so equal rows keep their arrival order.
type SortBlock struct {
	dep    Block
	orders []SortOrder

	sorted []Row
	built  bool
	pos    int
}

// NewSortBlock creates a sort over the given criteria.
func NewSortBlock(dep Block, orders []SortOrder) *SortBlock {
	return &SortBlock{dep: dep, orders: orders}
}

func (b *SortBlock) Next() (Row, bool, error) {
	if !b.built {
		for {
			row, ok, err := b.dep.Next()
			if err != nil {
				return nil, false, err
			}
			if !ok {
				break
			}
			b.sorted = append(b.sorted, row)
		}
		sort.SliceStable(b.sorted, func(i, j int) bool {
			return compareRows(b.sorted[i], b.sorted[j], b.orders) < 0
		})
		b.built = true
	}
	if b.pos >= len(b.sorted) {
		return nil, false, nil
	}
	row := b.sorted[b.pos]
	b.pos++
	return row, true, nil
}

func (b *SortBlock) Close() error { return b.dep.Close() }

// LimitBlock skips offset rows and passes through at most count rows.
type LimitBlock struct {
	dep     Block
	offset  int64
	count   int64
	skipped int64
	emitted int64
}

// NewLimitBlock creates a limit block.
func NewLimitBlock(dep Block, offset, count int64) *LimitBlock {
	return &LimitBlock{dep: dep, offset: offset, count: count}
}

func (b *LimitBlock) Next() (Row, bool, error) {
	for b.skipped < b.offset {
		_, ok, err := b.dep.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		b.skipped++
	}
	if b.emitted >= b.count {
		return nil, false, nil
	}
	row, ok, err := b.dep.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	b.emitted++
	return row, true, nil
}

func (b *LimitBlock) Close() error { return b.dep.Close() }

// ReturnBlock is a pass-through marking the plan's output variable.
type ReturnBlock struct {
	dep   Block
	inVar ast.VariableID
}

// NewReturnBlock creates a return block.
func NewReturnBlock(dep Block, inVar ast.VariableID) *ReturnBlock {
	return &ReturnBlock{dep: dep, inVar: inVar}
}

func (b *ReturnBlock) Next() (Row, bool, error) { return b.dep.Next() }

func (b *ReturnBlock) Close() error { return b.dep.Close() }

// InVar returns the variable the block returns.
func (b *ReturnBlock) InVar() ast.VariableID { return b.inVar }

// SubqueryBlock runs a nested plan once per input row, seeded with the
// outer row's bindings, and binds the collected results to outVar.
type SubqueryBlock struct {
	dep     Block
	outVar  ast.VariableID
	factory func(outer Row) (Block, ast.VariableID, error)
}

// NewSubqueryBlock creates a subquery block. factory instantiates the
// nested plan for one outer row and returns its root block along with
// the nested return variable.
func NewSubqueryBlock(dep Block, outVar ast.VariableID, factory func(outer Row) (Block, ast.VariableID, error)) *SubqueryBlock {
	return &SubqueryBlock{dep: dep, outVar: outVar, factory: factory}
}

func (b *SubqueryBlock) Next() (Row, bool, error) {
	row, ok, err := b.dep.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	inner, returnVar, err := b.factory(row)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = inner.Close() }()

	results := make([]any, 0)
	for {
		innerRow, more, err := inner.Next()
		if err != nil {
			return nil, false, err
		}
		if !more {
			break
		}
		results = append(results, innerRow[returnVar])
	}
	row[b.outVar] = results
	return row, true, nil
}

func (b *SubqueryBlock) Close() error { return b.dep.Close() }

// IndexBlock streams the documents matched by a fulltext index lookup:
// documents whose indexed attribute contains every word of the search
// query. Matching is per input row, binding hits to outVar.
type IndexBlock struct {
	dep     Block
	docs    []collection.Document
	path    []string
	query   string
	outVar  ast.VariableID
	stats   *cursor.Stats
	current Row
	matches []collection.Document
	pos     int
}

// NewIndexBlock creates a fulltext index lookup block. stats may be nil.
func NewIndexBlock(dep Block, docs []collection.Document, path []string, query string, outVar ast.VariableID, stats *cursor.Stats) *IndexBlock {
	return &IndexBlock{dep: dep, docs: docs, path: path, query: query, outVar: outVar, stats: stats}
}

func (b *IndexBlock) Next() (Row, bool, error) {
	for {
		if b.current == nil {
			row, ok, err := b.dep.Next()
			if err != nil || !ok {
				return nil, false, err
			}
			b.current = row
			b.matches = fulltextMatches(b.docs, b.path, b.query)
			if b.stats != nil {
				b.stats.ScannedIndexEntries += len(b.docs)
			}
			b.pos = 0
		}
		if b.pos < len(b.matches) {
			out := copyRow(b.current)
			out[b.outVar] = map[string]any(b.matches[b.pos])
			b.pos++
			return out, true, nil
		}
		b.current = nil
	}
}

func (b *IndexBlock) Close() error { return b.dep.Close() }

func fulltextMatches(docs []collection.Document, path []string, query string) []collection.Document {
	words := strings.Fields(strings.ToLower(query))
	var out []collection.Document
	for _, doc := range docs {
		var val any = map[string]any(doc)
		for _, attr := range path {
			m, ok := val.(map[string]any)
			if !ok {
				val = nil
				break
			}
			val = m[attr]
		}
		text, ok := val.(string)
		if !ok {
			continue
		}
		text = strings.ToLower(text)
		matched := true
		for _, w := range words {
			if !strings.Contains(text, w) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, doc)
		}
	}
	return out
}
