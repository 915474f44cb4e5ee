package strategy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rhuss/weiche/pkg/registry"
)

// roundRobin cycles through candidates with one rotation pointer per
// logical model, shared across all concurrent requests.
type roundRobin struct {
	mu       sync.Mutex
	rotation map[string]*atomic.Uint64
}

func newRoundRobin() *roundRobin {
	return &roundRobin{rotation: make(map[string]*atomic.Uint64)}
}

func (r *roundRobin) Name() string { return string(KindRoundRobin) }

func (r *roundRobin) Pick(model string, candidates []*registry.Deployment) (*registry.Deployment, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEligibleDeployment
	}

	n := r.counterFor(model).Add(1) - 1
	return candidates[n%uint64(len(candidates))], nil
}

func (r *roundRobin) OnDispatch(string) {}

func (r *roundRobin) OnComplete(string, time.Duration, bool) {}

func (r *roundRobin) counterFor(model string) *atomic.Uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rotation[model]
	if !ok {
		c = &atomic.Uint64{}
		r.rotation[model] = c
	}
	return c
}
