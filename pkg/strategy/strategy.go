// Package strategy implements the deployment selection algorithms.
//
// A Strategy picks one deployment out of the eligible candidates for a
// logical model. Candidates arrive pre-filtered: the router has
// already removed cooling and excluded deployments, so an empty
// candidate set is the only "nothing to pick" case a strategy sees.
//
// The set of strategies is closed and chosen once at config load:
//   - roundrobin: cycles candidates via a shared rotation pointer
//   - leastbusy:  fewest in-flight requests wins
//   - latency:    lowest EWMA latency with power-of-two-choices
//   - usagebased: most remaining budget per weight wins
//
// All strategies break remaining ties by lowest deployment ID so that
// selection is reproducible given identical inputs.
package strategy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rhuss/weiche/pkg/registry"
	"github.com/rhuss/weiche/pkg/usage"
)

// ErrNoEligibleDeployment is returned when the candidate set is empty.
var ErrNoEligibleDeployment = errors.New("strategy: no eligible deployment")

// Kind names a selection strategy in configuration.
type Kind string

const (
	KindRoundRobin Kind = "roundrobin"
	KindLeastBusy  Kind = "leastbusy"
	KindLatency    Kind = "latency"
	KindUsageBased Kind = "usagebased"
)

// ParseKind converts a configuration string to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindRoundRobin, KindLeastBusy, KindLatency, KindUsageBased:
		return Kind(s), true
	}
	return "", false
}

// Strategy chooses the next deployment for a logical model and
// observes dispatch lifecycle events to maintain its internal state.
// Implementations are safe for concurrent use.
type Strategy interface {
	// Name returns the strategy identifier for logs and metrics.
	Name() string

	// Pick selects one deployment from the candidates. Candidates are
	// sorted by ID and non-empty unless every deployment is ineligible,
	// in which case ErrNoEligibleDeployment is returned.
	Pick(model string, candidates []*registry.Deployment) (*registry.Deployment, error)

	// OnDispatch is called when an attempt starts on the deployment.
	OnDispatch(deploymentID string)

	// OnComplete is called when the attempt finishes, with its latency
	// and whether it succeeded.
	OnComplete(deploymentID string, latency time.Duration, ok bool)
}

// New builds the strategy for the given kind. The usage tracker is
// consulted by the usagebased strategy; others ignore it.
func New(kind Kind, tracker *usage.Tracker) (Strategy, error) {
	switch kind {
	case KindRoundRobin:
		return newRoundRobin(), nil
	case KindLeastBusy:
		return newLeastBusy(), nil
	case KindLatency:
		return newLatencyBased(), nil
	case KindUsageBased:
		if tracker == nil {
			return nil, fmt.Errorf("strategy: usagebased requires a usage tracker")
		}
		return newUsageBased(tracker), nil
	default:
		return nil, fmt.Errorf("strategy: unknown kind %q", kind)
	}
}

// ewmaAlpha weights new latency samples; 0.3 follows fast latency
// shifts while smoothing single outliers.
const ewmaAlpha = 0.3

// latencyStats maintains per-deployment EWMA latency. Shared by the
// latency and usagebased strategies.
type latencyStats struct {
	mu      sync.RWMutex
	entries map[string]float64 // seconds
}

func newLatencyStats() *latencyStats {
	return &latencyStats{entries: make(map[string]float64)}
}

// observe folds a new latency sample into the EWMA.
func (s *latencyStats) observe(deploymentID string, latency time.Duration) {
	sample := latency.Seconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[deploymentID]; ok {
		s.entries[deploymentID] = ewmaAlpha*sample + (1-ewmaAlpha)*cur
	} else {
		s.entries[deploymentID] = sample
	}
}

// get returns the EWMA latency in seconds. Unknown deployments report
// zero: a cold deployment loses no comparison just for being new.
func (s *latencyStats) get(deploymentID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[deploymentID]
}
