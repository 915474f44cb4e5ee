// Package cooldown tracks per-deployment health and temporarily
// excludes failing deployments from selection.
//
// Each deployment is either Healthy or Cooling. Soft failures (rate
// limits, 5xx, timeouts) accumulate in a sliding error window and trip
// the state machine only past a threshold, so a transient blip never
// benches a deployment. A hard failure (auth, misconfiguration) cools
// the deployment immediately and for longer: credentials do not fix
// themselves between requests.
package cooldown

import (
	"sync"
	"time"
)

// State is a deployment's health state.
type State string

const (
	StateHealthy State = "healthy"
	StateCooling State = "cooling"
)

// Classification distinguishes how a failure counts against a
// deployment.
type Classification int

const (
	// Soft failures accumulate toward the threshold.
	Soft Classification = iota
	// Hard failures cool the deployment immediately.
	Hard
)

// Config tunes the state machine.
type Config struct {
	// SoftThreshold is the number of consecutive soft failures within
	// ErrorWindow that trips Healthy -> Cooling.
	SoftThreshold int

	// ErrorWindow is the sliding window in which soft failures count.
	ErrorWindow time.Duration

	// CoolDuration is how long a soft-tripped deployment stays Cooling.
	CoolDuration time.Duration

	// HardCoolDuration is how long a hard failure benches a deployment.
	HardCoolDuration time.Duration
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	return Config{
		SoftThreshold:    3,
		ErrorWindow:      time.Minute,
		CoolDuration:     30 * time.Second,
		HardCoolDuration: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SoftThreshold <= 0 {
		c.SoftThreshold = d.SoftThreshold
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = d.ErrorWindow
	}
	if c.CoolDuration <= 0 {
		c.CoolDuration = d.CoolDuration
	}
	if c.HardCoolDuration <= 0 {
		c.HardCoolDuration = d.HardCoolDuration
	}
	return c
}

// entry holds one deployment's state. recent is a fixed-capacity ring
// of failure timestamps; only entries within the error window count.
type entry struct {
	mu          sync.Mutex
	state       State
	coolUntil   time.Time
	consecutive int
	recent      []time.Time
	recentHead  int
}

// Status is a read-only view of one deployment's health.
type Status struct {
	DeploymentID        string    `json:"deployment_id"`
	State               State     `json:"state"`
	CoolUntil           time.Time `json:"cool_until,omitzero"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Tracker maintains cooldown state per deployment. Safe for concurrent
// use; each deployment entry has its own lock.
type Tracker struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*entry

	now func() time.Time
}

// New creates a tracker. Zero-valued config fields take defaults.
func New(cfg Config) *Tracker {
	return &Tracker{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// RecordFailure registers a failure for the deployment. Soft failures
// trip the cooldown only once SoftThreshold failures have accumulated
// within the error window; a hard failure cools immediately.
// Returns true when this call transitioned the deployment to Cooling.
func (t *Tracker) RecordFailure(deploymentID string, class Classification) bool {
	e := t.entryFor(deploymentID)
	now := t.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.maybeExpire(now)

	if class == Hard {
		tripped := e.state != StateCooling
		e.state = StateCooling
		e.coolUntil = now.Add(t.cfg.HardCoolDuration)
		e.consecutive = 0
		return tripped
	}

	e.consecutive++
	e.pushFailure(now, t.cfg.SoftThreshold)

	if e.state == StateCooling {
		return false
	}
	if e.failuresInWindow(now, t.cfg.ErrorWindow) >= t.cfg.SoftThreshold {
		e.state = StateCooling
		e.coolUntil = now.Add(t.cfg.CoolDuration)
		return true
	}
	return false
}

// RecordSuccess resets failure accounting for the deployment. A
// success while Cooling is treated as a successful probe and restores
// eligibility early. On an already-Healthy deployment with no
// accumulated failures this is a no-op.
func (t *Tracker) RecordSuccess(deploymentID string) {
	t.mu.RLock()
	e := t.entries[deploymentID]
	t.mu.RUnlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = StateHealthy
	e.coolUntil = time.Time{}
	e.consecutive = 0
	e.recent = e.recent[:0]
	e.recentHead = 0
}

// IsEligible reports whether the deployment may be selected at the
// given time. A Cooling deployment whose cooldown has elapsed heals
// lazily on this check.
func (t *Tracker) IsEligible(deploymentID string, now time.Time) bool {
	t.mu.RLock()
	e := t.entries[deploymentID]
	t.mu.RUnlock()
	if e == nil {
		return true // never failed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.maybeExpire(now)
	return e.state == StateHealthy
}

// StatusFor returns the deployment's current health view.
func (t *Tracker) StatusFor(deploymentID string) Status {
	t.mu.RLock()
	e := t.entries[deploymentID]
	t.mu.RUnlock()
	if e == nil {
		return Status{DeploymentID: deploymentID, State: StateHealthy}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.maybeExpire(t.now())
	return Status{
		DeploymentID:        deploymentID,
		State:               e.state,
		CoolUntil:           e.coolUntil,
		ConsecutiveFailures: e.consecutive,
	}
}

func (t *Tracker) entryFor(deploymentID string) *entry {
	t.mu.RLock()
	e, ok := t.entries[deploymentID]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[deploymentID]; !ok {
		e = &entry{state: StateHealthy}
		t.entries[deploymentID] = e
	}
	return e
}

// maybeExpire performs the automatic Cooling -> Healthy transition
// once coolUntil elapses. Caller holds e.mu.
func (e *entry) maybeExpire(now time.Time) {
	if e.state == StateCooling && !now.Before(e.coolUntil) {
		e.state = StateHealthy
		e.coolUntil = time.Time{}
		e.consecutive = 0
		e.recent = e.recent[:0]
		e.recentHead = 0
	}
}

// pushFailure appends a failure timestamp to the ring, capped at
// twice the threshold: older entries can never matter. Caller holds
// e.mu.
func (e *entry) pushFailure(now time.Time, threshold int) {
	capacity := threshold * 2
	if capacity < 4 {
		capacity = 4
	}
	if len(e.recent) < capacity {
		e.recent = append(e.recent, now)
		return
	}
	e.recent[e.recentHead] = now
	e.recentHead = (e.recentHead + 1) % capacity
}

// failuresInWindow counts ring entries newer than now-window. Caller
// holds e.mu.
func (e *entry) failuresInWindow(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	var n int
	for _, ts := range e.recent {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
