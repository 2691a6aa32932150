package optimizer

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvusdb/corvusdb/internal/ast"
	"github.com/corvusdb/corvusdb/internal/collection"
	"github.com/corvusdb/corvusdb/internal/plan"
)

func TestOptimizer_ResultsInInputOrder(t *testing.T) {
	reg := geoRegistry()
	opt, err := New(4, testLogger())
	require.NoError(t, err)
	defer opt.Close()

	// variant 0 and 2 carry a rewritable call, variant 1 does not
	p0, _, _ := callPlan(nearCall("places", 0, 0, ast.NewValue(int64(1))))
	p1, _, _ := callPlan(ast.NewValue("constant"))
	p2, _, _ := callPlan(nearCall("places", 1, 1, ast.NewValue(int64(2))))

	results, err := opt.Optimize(reg, []*plan.Plan{p0, p1, p2})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Same(t, p0, results[0].Plan)
	assert.Same(t, p1, results[1].Plan)
	assert.Same(t, p2, results[2].Plan)
	assert.True(t, results[0].Modified)
	assert.False(t, results[1].Modified)
	assert.True(t, results[2].Modified)
}

func TestOptimizer_AddRuleRuns(t *testing.T) {
	reg := geoRegistry()
	opt, err := New(1, testLogger())
	require.NoError(t, err)
	defer opt.Close()

	ran := 0
	opt.AddRule(func(p *plan.Plan, _ collection.Resolver, _ *logrus.Logger) bool {
		ran++
		return true
	})

	p, _, _ := callPlan(ast.NewValue(int64(1)))
	results, err := opt.Optimize(reg, []*plan.Plan{p})
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.True(t, results[0].Modified)
}
