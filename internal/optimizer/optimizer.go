package optimizer

import (
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/corvusdb/corvusdb/internal/collection"
	"github.com/corvusdb/corvusdb/internal/plan"
)

// Rule rewrites a plan in place and reports whether it modified it.
// Each invocation owns its plan exclusively; rules never share mutable
// plan state across concurrent runs.
type Rule func(p *plan.Plan, resolver collection.Resolver, log *logrus.Logger) bool

// Result is one optimized plan variant.
type Result struct {
	Plan     *plan.Plan
	Modified bool
}

// Optimizer runs the registered rules over plan variants. Independent
// variants are optimized in parallel on a bounded worker pool.
type Optimizer struct {
	rules []Rule
	pool  *ants.Pool
	log   *logrus.Logger
}

// New creates an optimizer with the default rule set and a pool of the
// given size.
func New(poolSize int, log *logrus.Logger) (*Optimizer, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	pool, err := ants.NewPool(poolSize, ants.WithPanicHandler(func(v any) {
		log.WithField("panic", v).Error("optimizer worker panicked")
	}))
	if err != nil {
		return nil, errors.Wrap(err, "creating optimizer pool")
	}
	return &Optimizer{
		rules: []Rule{ReplaceFunctionCalls},
		pool:  pool,
		log:   log,
	}, nil
}

// AddRule appends a rule to the rule set.
func (o *Optimizer) AddRule(rule Rule) {
	o.rules = append(o.rules, rule)
}

// Optimize runs every variant through the full rule set. Results are
// returned in input order regardless of worker scheduling.
func (o *Optimizer) Optimize(resolver collection.Resolver, variants []*plan.Plan) ([]Result, error) {
	results := make([]Result, len(variants))
	var wg sync.WaitGroup
	for i, variant := range variants {
		i, variant := i, variant
		wg.Add(1)
		err := o.pool.Submit(func() {
			defer wg.Done()
			modified := false
			for _, rule := range o.rules {
				if rule(variant, resolver, o.log) {
					modified = true
				}
			}
			results[i] = Result{Plan: variant, Modified: modified}
		})
		if err != nil {
			wg.Done()
			return nil, errors.Wrap(err, "submitting plan variant")
		}
	}
	wg.Wait()
	return results, nil
}

// Close releases the worker pool.
func (o *Optimizer) Close() {
	o.pool.Release()
}
