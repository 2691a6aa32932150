package cursor

import "time"

// Stats records what one result set touched while being produced.
type Stats struct {
	ScannedIndexEntries int
	ScannedDocuments    int
	MatchedDocuments    int
	Runtime             time.Duration
}

// ResultSet is a lazy iterator over query results. Rows are produced on
// demand; implementations must not materialize the full result unless
// their source already did.
type ResultSet interface {
	// HasNext reports whether another row is available.
	HasNext() bool
	// Next returns the next row. Calling Next when HasNext is false
	// returns nil.
	Next() any
	// Count returns the number of rows: the rows produced so far when
	// current is true, the total if known (or -1) otherwise.
	Count(current bool) int
	// Stats returns the execution statistics gathered so far.
	Stats() Stats
	// Close releases the resources held by the result set.
	Close()
}

// Single is a result set over exactly one row.
type Single struct {
	value    any
	consumed bool
	stats    Stats
}

// NewSingle creates a one-row result set.
func NewSingle(value any) *Single {
	return &Single{value: value, stats: Stats{MatchedDocuments: 1}}
}

func (s *Single) HasNext() bool {
	return !s.consumed
}

func (s *Single) Next() any {
	if s.consumed {
		return nil
	}
	s.consumed = true
	return s.value
}

func (s *Single) Count(current bool) int {
	if current && !s.consumed {
		return 0
	}
	return 1
}

func (s *Single) Stats() Stats { return s.stats }

func (s *Single) Close() {}

// Vector is a result set over a pre-built slice. Iteration stays lazy so
// callers can abandon it early without paying for the remainder.
type Vector struct {
	values []any
	pos    int
	stats  Stats
}

// NewVector creates a result set over the given rows.
func NewVector(values []any) *Vector {
	return &Vector{values: values, stats: Stats{MatchedDocuments: len(values)}}
}

func (v *Vector) HasNext() bool {
	return v.pos < len(v.values)
}

func (v *Vector) Next() any {
	if v.pos >= len(v.values) {
		return nil
	}
	val := v.values[v.pos]
	v.pos++
	return val
}

func (v *Vector) Count(current bool) int {
	if current {
		return v.pos
	}
	return len(v.values)
}

func (v *Vector) Stats() Stats { return v.stats }

func (v *Vector) Close() { v.values = nil }

// Stream adapts a pull function into a result set. The pull function
// returns the next row and whether one was available; it is only invoked
// when the consumer advances.
type Stream struct {
	pull    func() (any, bool, error)
	free    func()
	peeked  any
	hasPeek bool
	done    bool
	err     error
	count   int
	stats   *Stats
}

// NewStream creates a lazy result set from a pull function. stats may be
// nil; free may be nil.
func NewStream(pull func() (any, bool, error), free func(), stats *Stats) *Stream {
	if stats == nil {
		stats = &Stats{}
	}
	return &Stream{pull: pull, free: free, stats: stats}
}

func (s *Stream) HasNext() bool {
	if s.hasPeek {
		return true
	}
	if s.done {
		return false
	}
	val, ok, err := s.pull()
	if err != nil || !ok {
		s.err = err
		s.done = true
		return false
	}
	s.peeked = val
	s.hasPeek = true
	return true
}

func (s *Stream) Next() any {
	if !s.HasNext() {
		return nil
	}
	s.hasPeek = false
	s.count++
	val := s.peeked
	s.peeked = nil
	return val
}

func (s *Stream) Count(current bool) int {
	if current {
		return s.count
	}
	return -1
}

func (s *Stream) Stats() Stats { return *s.stats }

// Err returns the error that terminated the stream, if any.
func (s *Stream) Err() error { return s.err }

func (s *Stream) Close() {
	s.done = true
	if s.free != nil {
		s.free()
		s.free = nil
	}
}
