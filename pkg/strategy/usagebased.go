package strategy

import (
	"time"

	"github.com/rhuss/weiche/pkg/registry"
	"github.com/rhuss/weiche/pkg/usage"
)

// usageBased ranks candidates by remaining budget per unit of weight,
// so higher-weighted deployments absorb proportionally more traffic
// and nobody runs into its rate limit while a sibling idles. Ties go
// to the lowest recent EWMA latency, then to the lowest ID.
type usageBased struct {
	tracker *usage.Tracker
	stats   *latencyStats
}

func newUsageBased(tracker *usage.Tracker) *usageBased {
	return &usageBased{tracker: tracker, stats: newLatencyStats()}
}

func (u *usageBased) Name() string { return string(KindUsageBased) }

func (u *usageBased) Pick(model string, candidates []*registry.Deployment) (*registry.Deployment, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEligibleDeployment
	}

	best := candidates[0]
	bestHeadroom := u.headroom(best)
	for _, c := range candidates[1:] {
		h := u.headroom(c)
		// Compare h/weight(c) against bestHeadroom/weight(best) via
		// cross multiplication: no float rounding in the ordering.
		lhs := h * int64(best.EffectiveWeight())
		rhs := bestHeadroom * int64(c.EffectiveWeight())
		switch {
		case lhs > rhs:
			best, bestHeadroom = c, h
		case lhs == rhs:
			if u.preferOnTie(c, best) {
				best, bestHeadroom = c, h
			}
		}
	}
	return best, nil
}

func (u *usageBased) OnDispatch(string) {}

func (u *usageBased) OnComplete(deploymentID string, latency time.Duration, ok bool) {
	if ok {
		u.stats.observe(deploymentID, latency)
	}
}

// headroom returns the deployment's remaining token budget, falling
// back to the request budget for deployments without a token limit.
func (u *usageBased) headroom(d *registry.Deployment) int64 {
	tokens, requests := u.tracker.Headroom(d)
	if d.TPM > 0 {
		return tokens
	}
	return requests
}

// preferOnTie reports whether candidate c beats the current best when
// their budget scores are equal: lower EWMA latency first, lower ID
// as the deterministic last word. Candidates arrive sorted by ID, so
// on a full tie the earlier (lower-ID) deployment stays.
func (u *usageBased) preferOnTie(c, best *registry.Deployment) bool {
	lc, lb := u.stats.get(c.ID), u.stats.get(best.ID)
	if lc != lb {
		return lc < lb
	}
	return false
}
