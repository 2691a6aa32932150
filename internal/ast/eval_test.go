package ast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_AttributeAndIndexedAccess(t *testing.T) {
	gen := NewVariableGenerator()
	doc := gen.CreateVariable("doc")
	env := Env{doc.ID: map[string]any{
		"name": "berlin",
		"loc":  []any{52.5, 13.4},
	}}

	name, err := Evaluate(NewAttributeAccess(NewReference(doc), "name"), env)
	require.NoError(t, err)
	assert.Equal(t, "berlin", name)

	lat, err := Evaluate(NewIndexedAccess(
		NewAttributeAccess(NewReference(doc), "loc"), NewValue(int64(0))), env)
	require.NoError(t, err)
	assert.Equal(t, 52.5, lat)

	// out-of-range and non-document accesses yield null, not errors
	missing, err := Evaluate(NewIndexedAccess(
		NewAttributeAccess(NewReference(doc), "loc"), NewValue(int64(9))), env)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEvaluate_UnboundVariableFails(t *testing.T) {
	v := &Variable{ID: 42, Name: "ghost"}
	_, err := Evaluate(NewReference(v), Env{})
	require.Error(t, err)
}

func TestEvaluate_Comparisons(t *testing.T) {
	le := NewBinaryOp(KindBinaryLE, NewValue(3.0), NewValue(3.0))
	got, err := Evaluate(le, nil)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	lt := NewBinaryOp(KindBinaryLT, NewValue("b"), NewValue("a"))
	got, err = Evaluate(lt, nil)
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestEvaluate_Merge(t *testing.T) {
	gen := NewVariableGenerator()
	doc := gen.CreateVariable("doc")
	env := Env{doc.ID: map[string]any{"name": "x", "dist": 1.0}}

	obj := NewObject()
	obj.AddMember(NewObjectElement("dist", NewValue(99.0)))

	args := NewArray()
	args.AddMember(NewReference(doc))
	args.AddMember(obj)

	got, err := Evaluate(NewFunctionCall(FuncMerge, args), env)
	require.NoError(t, err)
	// right-hand side wins on key collisions
	assert.Equal(t, map[string]any{"name": "x", "dist": 99.0}, got)
}

func TestEvaluate_MalformedCallFails(t *testing.T) {
	// calls rebuilt from interchange data may arrive without an argument
	// array, or with a non-array member; both are errors, not panics
	bare, err := NodeFromJSON(map[string]any{"type": "function call", "name": FuncDistance})
	require.NoError(t, err)
	_, err = Evaluate(bare, nil)
	require.Error(t, err)

	call := &Node{Kind: KindFunctionCall, Name: FuncDistance, Members: []*Node{NewValue("oops")}}
	_, err = Evaluate(call, nil)
	require.Error(t, err)
}

func TestDistance_KnownValues(t *testing.T) {
	// identical points
	assert.Equal(t, 0.0, Distance(52.5, 13.4, 52.5, 13.4))

	// one degree of latitude is about 111.2 km on the reference sphere
	d := Distance(0, 0, 1, 0)
	assert.InDelta(t, 111195.0, d, 50.0)

	// symmetric
	assert.InDelta(t, Distance(10, 20, 30, 40), Distance(30, 40, 10, 20), 1e-9)
}

func TestCompareValues_TotalOrder(t *testing.T) {
	// null < bool < number < string < array < object
	ordered := []any{
		nil,
		false,
		true,
		int64(1),
		2.5,
		"a",
		"b",
		[]any{1.0},
		[]any{1.0, 2.0},
		map[string]any{"a": 1.0},
	}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Negative(t, CompareValues(ordered[i], ordered[i+1]),
			"expected %v < %v", ordered[i], ordered[i+1])
		assert.Positive(t, CompareValues(ordered[i+1], ordered[i]))
	}
	assert.Zero(t, CompareValues(int64(3), 3.0))
	assert.Zero(t, CompareValues([]any{"x"}, []any{"x"}))
}
