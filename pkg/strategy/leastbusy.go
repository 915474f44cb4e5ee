package strategy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rhuss/weiche/pkg/registry"
)

// leastBusy picks the deployment with the fewest in-flight requests.
// Counters move at dispatch and completion, so a slow backend
// accumulates load and organically sheds new traffic to its siblings.
type leastBusy struct {
	mu       sync.Mutex
	inflight map[string]*atomic.Int64
}

func newLeastBusy() *leastBusy {
	return &leastBusy{inflight: make(map[string]*atomic.Int64)}
}

func (l *leastBusy) Name() string { return string(KindLeastBusy) }

func (l *leastBusy) Pick(model string, candidates []*registry.Deployment) (*registry.Deployment, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEligibleDeployment
	}

	// Candidates are sorted by ID, so scanning for the strict minimum
	// leaves ties resolved toward the lowest ID.
	best := candidates[0]
	bestLoad := l.counterFor(best.ID).Load()
	for _, c := range candidates[1:] {
		if load := l.counterFor(c.ID).Load(); load < bestLoad {
			best, bestLoad = c, load
		}
	}
	return best, nil
}

func (l *leastBusy) OnDispatch(deploymentID string) {
	l.counterFor(deploymentID).Add(1)
}

func (l *leastBusy) OnComplete(deploymentID string, _ time.Duration, _ bool) {
	if c := l.counterFor(deploymentID); c.Add(-1) < 0 {
		c.Store(0)
	}
}

// InFlight reports the current in-flight count for a deployment, for
// health listings.
func (l *leastBusy) InFlight(deploymentID string) int64 {
	return l.counterFor(deploymentID).Load()
}

func (l *leastBusy) counterFor(deploymentID string) *atomic.Int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.inflight[deploymentID]
	if !ok {
		c = &atomic.Int64{}
		l.inflight[deploymentID] = c
	}
	return c
}
