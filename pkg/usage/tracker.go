// Package usage implements sliding-window rate-limit accounting for
// deployments.
//
// Each deployment gets a ring of per-second buckets covering the
// window (one minute by default). Cost decays continuously as buckets
// age out instead of resetting at hard minute boundaries, which avoids
// the thundering herd of every caller retrying at second zero.
//
// Admission is a two-phase protocol: Reserve claims budget before the
// backend call using an estimate, then Commit reconciles with actual
// usage or Release cancels an unused claim. Release followed by
// Reserve for the same amount never double-counts.
package usage

import (
	"fmt"
	"sync"
	"time"

	"github.com/rhuss/weiche/pkg/api"
	"github.com/rhuss/weiche/pkg/registry"
)

// DefaultWindow is the accounting window matching per-minute limits.
const DefaultWindow = time.Minute

// Reservation is a tentative claim against a deployment's budget.
// It must be resolved exactly once, via Commit or Release.
type Reservation struct {
	ID           string
	DeploymentID string
	Tokens       int64

	sec      int64 // unix second the claim was booked into
	resolved bool
}

// Snapshot is a point-in-time view of one deployment's window, for
// health reporting and usage-based selection.
type Snapshot struct {
	DeploymentID string `json:"deployment_id"`
	Requests     int64  `json:"requests_in_window"`
	Tokens       int64  `json:"tokens_in_window"`
	RPM          int64  `json:"rpm_limit"` // 0 = unlimited
	TPM          int64  `json:"tpm_limit"` // 0 = unlimited
}

// bucket is one second of accounting. sec identifies which wall-clock
// second the slot currently holds; slots are recycled in place.
type bucket struct {
	sec      int64
	requests int64
	tokens   int64
}

type entry struct {
	mu      sync.Mutex
	rpm     int64
	tpm     int64
	buckets []bucket
}

// Tracker accounts request and token usage per deployment over a
// sliding window.
type Tracker struct {
	window  time.Duration
	seconds int64

	mu      sync.RWMutex
	entries map[string]*entry

	now func() time.Time
}

// New creates a tracker. A non-positive window falls back to
// DefaultWindow.
func New(window time.Duration) *Tracker {
	if window < time.Second {
		window = DefaultWindow
	}
	return &Tracker{
		window:  window,
		seconds: int64(window / time.Second),
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Reserve claims budget for an upcoming call against the deployment's
// limits. It returns a capacity-classified error when either the rpm
// or tpm budget would be exceeded within the current window; the
// error's RetryAfter reports when the oldest contributing bucket ages
// out.
func (t *Tracker) Reserve(dep *registry.Deployment, estimatedTokens int) (*Reservation, error) {
	if estimatedTokens < 0 {
		return nil, api.NewInternalError(fmt.Sprintf("usage: negative token estimate %d", estimatedTokens), nil)
	}

	e := t.entryFor(dep)
	nowSec := t.now().Unix()

	e.mu.Lock()
	defer e.mu.Unlock()

	requests, tokens, oldest := e.liveTotals(nowSec, t.seconds)

	if e.rpm > 0 && requests+1 > e.rpm {
		return nil, api.NewCapacityError(dep.ID,
			fmt.Sprintf("rpm budget exhausted (%d/%d requests in window)", requests, e.rpm),
			t.retryAfter(nowSec, oldest))
	}
	if e.tpm > 0 && tokens+int64(estimatedTokens) > e.tpm {
		return nil, api.NewCapacityError(dep.ID,
			fmt.Sprintf("tpm budget exhausted (%d+%d of %d tokens in window)", tokens, estimatedTokens, e.tpm),
			t.retryAfter(nowSec, oldest))
	}

	b := e.slot(nowSec, t.seconds)
	b.requests++
	b.tokens += int64(estimatedTokens)

	return &Reservation{
		ID:           api.NewReservationID(),
		DeploymentID: dep.ID,
		Tokens:       int64(estimatedTokens),
		sec:          nowSec,
	}, nil
}

// Commit reconciles a reservation with the actual token usage reported
// by the backend. Always succeeds; committing a second time or after
// Release is a no-op.
func (t *Tracker) Commit(res *Reservation, actualTokens int) {
	if res == nil {
		return
	}
	e := t.lookup(res.DeploymentID)
	if e == nil {
		return
	}
	nowSec := t.now().Unix()

	e.mu.Lock()
	defer e.mu.Unlock()

	if res.resolved {
		return
	}
	res.resolved = true

	idx := res.sec % t.seconds
	if e.buckets[idx].sec == res.sec {
		// Original bucket still live: swap estimate for actual.
		e.buckets[idx].tokens += int64(actualTokens) - res.Tokens
		if e.buckets[idx].tokens < 0 {
			e.buckets[idx].tokens = 0
		}
		return
	}

	// The estimate already aged out of the window. Book the actual
	// usage into the current second so a long-running call still
	// counts against the budget it just consumed.
	b := e.slot(nowSec, t.seconds)
	b.tokens += int64(actualTokens)
}

// Release cancels an uncommitted reservation, returning its headroom.
// Releasing a resolved reservation is a no-op.
func (t *Tracker) Release(res *Reservation) {
	if res == nil {
		return
	}
	e := t.lookup(res.DeploymentID)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if res.resolved {
		return
	}
	res.resolved = true

	idx := res.sec % t.seconds
	if e.buckets[idx].sec != res.sec {
		// Claim already aged out; nothing to undo.
		return
	}
	e.buckets[idx].tokens -= res.Tokens
	if e.buckets[idx].tokens < 0 {
		e.buckets[idx].tokens = 0
	}
	e.buckets[idx].requests--
	if e.buckets[idx].requests < 0 {
		e.buckets[idx].requests = 0
	}
}

// SnapshotFor returns the current window totals for a deployment.
// Unknown deployments yield a zero snapshot.
func (t *Tracker) SnapshotFor(deploymentID string) Snapshot {
	e := t.lookup(deploymentID)
	if e == nil {
		return Snapshot{DeploymentID: deploymentID}
	}
	nowSec := t.now().Unix()

	e.mu.Lock()
	defer e.mu.Unlock()

	requests, tokens, _ := e.liveTotals(nowSec, t.seconds)
	return Snapshot{
		DeploymentID: deploymentID,
		Requests:     requests,
		Tokens:       tokens,
		RPM:          e.rpm,
		TPM:          e.tpm,
	}
}

// Headroom returns the remaining token and request budget for a
// deployment. Unlimited budgets report the window-equivalent of
// "plenty" so usage-based ranking still orders deployments sensibly.
func (t *Tracker) Headroom(dep *registry.Deployment) (remainingTokens, remainingRequests int64) {
	e := t.entryFor(dep)
	nowSec := t.now().Unix()

	e.mu.Lock()
	defer e.mu.Unlock()

	requests, tokens, _ := e.liveTotals(nowSec, t.seconds)

	remainingTokens = unlimitedHeadroom - tokens
	if e.tpm > 0 {
		remainingTokens = e.tpm - tokens
	}
	remainingRequests = unlimitedHeadroom - requests
	if e.rpm > 0 {
		remainingRequests = e.rpm - requests
	}
	if remainingTokens < 0 {
		remainingTokens = 0
	}
	if remainingRequests < 0 {
		remainingRequests = 0
	}
	return remainingTokens, remainingRequests
}

// unlimitedHeadroom stands in for "no limit" in headroom comparisons.
const unlimitedHeadroom = int64(1) << 40

// entryFor returns the accounting entry for a deployment, creating it
// on first use. Limits are refreshed on every call so a config reload
// with new limits takes effect without losing window history.
func (t *Tracker) entryFor(dep *registry.Deployment) *entry {
	t.mu.RLock()
	e, ok := t.entries[dep.ID]
	t.mu.RUnlock()
	if !ok {
		t.mu.Lock()
		if e, ok = t.entries[dep.ID]; !ok {
			e = &entry{buckets: make([]bucket, t.seconds)}
			t.entries[dep.ID] = e
		}
		t.mu.Unlock()
	}

	e.mu.Lock()
	e.rpm = int64(dep.RPM)
	e.tpm = int64(dep.TPM)
	e.mu.Unlock()
	return e
}

func (t *Tracker) lookup(deploymentID string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[deploymentID]
}

// retryAfter reports how long until the oldest live bucket leaves the
// window. At least one second: sub-second waits just burn CPU.
func (t *Tracker) retryAfter(nowSec, oldestSec int64) time.Duration {
	if oldestSec == 0 {
		return time.Second
	}
	d := time.Duration(oldestSec+t.seconds-nowSec) * time.Second
	if d < time.Second {
		d = time.Second
	}
	return d
}

// liveTotals sums all buckets still inside the window ending at
// nowSec, and reports the oldest second holding usage. Bounded by the
// window length, independent of request volume. Caller holds e.mu.
func (e *entry) liveTotals(nowSec, seconds int64) (requests, tokens, oldestSec int64) {
	cutoff := nowSec - seconds
	for i := range e.buckets {
		b := &e.buckets[i]
		if b.sec <= cutoff || b.sec > nowSec {
			continue
		}
		if b.requests == 0 && b.tokens == 0 {
			continue
		}
		requests += b.requests
		tokens += b.tokens
		if oldestSec == 0 || b.sec < oldestSec {
			oldestSec = b.sec
		}
	}
	return requests, tokens, oldestSec
}

// slot returns the bucket for nowSec, recycling a stale slot in place.
// Caller holds e.mu.
func (e *entry) slot(nowSec, seconds int64) *bucket {
	b := &e.buckets[nowSec%seconds]
	if b.sec != nowSec {
		b.sec = nowSec
		b.requests = 0
		b.tokens = 0
	}
	return b
}
