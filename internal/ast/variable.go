package ast

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// VariableID identifies a variable within one plan.
type VariableID int64

// Variable is a plan-scoped binding produced by exactly one node and
// consumed by downstream nodes.
type Variable struct {
	ID   VariableID `json:"id"`
	Name string     `json:"name"`
}

// MarshalJSON writes the structured variable form used by the plan
// interchange format.
func (v *Variable) MarshalJSON() ([]byte, error) {
	type alias Variable
	return json.Marshal((*alias)(v))
}

// VariableGenerator hands out plan-unique variables. The counter is
// atomic so independent plan variants can clone a generator cheaply.
type VariableGenerator struct {
	next atomic.Int64
}

// NewVariableGenerator creates a generator starting at id 0.
func NewVariableGenerator() *VariableGenerator {
	return &VariableGenerator{}
}

// CreateVariable registers a named variable.
func (g *VariableGenerator) CreateVariable(name string) *Variable {
	id := VariableID(g.next.Add(1))
	return &Variable{ID: id, Name: name}
}

// CreateTemporaryVariable registers an anonymous variable. Temporaries
// get a numeric name so serialized plans stay readable.
func (g *VariableGenerator) CreateTemporaryVariable() *Variable {
	id := VariableID(g.next.Add(1))
	return &Variable{ID: id, Name: fmt.Sprintf("%d", id)}
}

// Seen informs the generator about a variable loaded from a serialized
// plan, so freshly created variables never collide with it.
func (g *VariableGenerator) Seen(v *Variable) {
	for {
		cur := g.next.Load()
		if int64(v.ID) <= cur {
			return
		}
		if g.next.CompareAndSwap(cur, int64(v.ID)) {
			return
		}
	}
}
