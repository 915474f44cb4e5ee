package strategy

import (
	"math/rand/v2"
	"time"

	"github.com/rhuss/weiche/pkg/registry"
)

// latencyBased prefers the deployment with the lowest EWMA latency,
// sampled through power-of-two-choices: two random candidates compete
// and the faster one wins. Full argmax selection would herd every
// request onto whichever deployment last showed a transient latency
// dip; sampling keeps exploration alive.
type latencyBased struct {
	stats *latencyStats

	// intN is rand.IntN, swappable for deterministic tests.
	intN func(int) int
}

func newLatencyBased() *latencyBased {
	return &latencyBased{stats: newLatencyStats(), intN: rand.IntN}
}

func (l *latencyBased) Name() string { return string(KindLatency) }

func (l *latencyBased) Pick(model string, candidates []*registry.Deployment) (*registry.Deployment, error) {
	switch len(candidates) {
	case 0:
		return nil, ErrNoEligibleDeployment
	case 1:
		return candidates[0], nil
	}

	i := l.intN(len(candidates))
	j := l.intN(len(candidates) - 1)
	if j >= i {
		j++ // distinct second choice
	}
	return l.faster(candidates[i], candidates[j]), nil
}

func (l *latencyBased) OnDispatch(string) {}

func (l *latencyBased) OnComplete(deploymentID string, latency time.Duration, ok bool) {
	// Failed attempts often fail fast; folding them in would make a
	// broken deployment look quick.
	if ok {
		l.stats.observe(deploymentID, latency)
	}
}

// faster compares two candidates by EWMA latency with a deterministic
// ID tie-break.
func (l *latencyBased) faster(a, b *registry.Deployment) *registry.Deployment {
	la, lb := l.stats.get(a.ID), l.stats.get(b.ID)
	if la != lb {
		if la < lb {
			return a
		}
		return b
	}
	if a.ID < b.ID {
		return a
	}
	return b
}
