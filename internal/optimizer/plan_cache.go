package optimizer

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/corvusdb/corvusdb/internal/plan"
)

// PlanCache keeps the serialized form of recently optimized plans keyed
// by their query string, so repeated queries skip the rewrite pass.
// Plans are stored serialized because a live plan is mutable and must
// not be shared between requests.
type PlanCache struct {
	entries *lru.Cache[string, []byte]
}

// NewPlanCache creates a cache holding up to capacity plans.
func NewPlanCache(capacity int) (*PlanCache, error) {
	entries, err := lru.New[string, []byte](capacity)
	if err != nil {
		return nil, errors.Wrap(err, "creating plan cache")
	}
	return &PlanCache{entries: entries}, nil
}

// Put stores an optimized plan under the query string.
func (c *PlanCache) Put(query string, p *plan.Plan) error {
	data, err := p.MarshalJSON()
	if err != nil {
		return errors.Wrap(err, "serializing plan for cache")
	}
	c.entries.Add(query, data)
	return nil
}

// Get rebuilds a cached plan. The second return is false on a miss.
func (c *PlanCache) Get(query string) (*plan.Plan, bool, error) {
	data, ok := c.entries.Get(query)
	if !ok {
		return nil, false, nil
	}
	p, err := plan.UnmarshalPlan(data)
	if err != nil {
		// a cache entry that no longer parses is dropped, not fatal
		c.entries.Remove(query)
		return nil, false, err
	}
	return p, true, nil
}

// Len returns the number of cached plans.
func (c *PlanCache) Len() int {
	return c.entries.Len()
}
