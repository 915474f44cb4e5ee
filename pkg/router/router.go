// Package router drives one logical request to completion across
// redundant deployments.
//
// The orchestration loop is a plain state machine: select a deployment
// (registry, cooldown, and usage gating the candidates), reserve
// rate-limit budget, dispatch through the provider's Invoker, classify
// the outcome, and either return, retry with exponential backoff, or
// advance the fallback chain. Attempts within one request are strictly
// sequential; there is never speculative parallel dispatch.
package router

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rhuss/weiche/pkg/adapter"
	"github.com/rhuss/weiche/pkg/cooldown"
	"github.com/rhuss/weiche/pkg/registry"
	"github.com/rhuss/weiche/pkg/strategy"
	"github.com/rhuss/weiche/pkg/usage"
)

// Config tunes the orchestration loop. Zero-valued fields take
// defaults.
type Config struct {
	// Strategy selects the deployment picking algorithm.
	Strategy strategy.Kind

	// MaxRetries is the number of retries per deployment within one
	// fallback-chain entry, so each deployment gets MaxRetries+1
	// attempts before it is out of budget for that entry.
	MaxRetries int

	// BackoffBase and BackoffMax bound the inter-retry delay:
	// min(base * 2^attempt + jitter, max).
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// AttemptTimeout bounds each non-streaming dispatch. Zero leaves
	// the adapter's own timeout in charge.
	AttemptTimeout time.Duration

	// UsageWindow is the sliding rate-limit accounting window.
	UsageWindow time.Duration

	// Cooldown tunes the health state machine.
	Cooldown cooldown.Config

	// Fallbacks maps a logical model to its ordered fallback chain.
	Fallbacks map[string][]string
}

const (
	defaultMaxRetries  = 2
	defaultBackoffBase = 100 * time.Millisecond
	defaultBackoffMax  = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = strategy.KindRoundRobin
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	return c
}

// Policy carries per-request overrides. Nil pointer fields fall back
// to the router configuration.
type Policy struct {
	MaxRetries     *int
	AttemptTimeout *time.Duration

	// Fallbacks replaces the configured chain for this request when
	// non-nil. An empty non-nil slice disables fallbacks.
	Fallbacks []string
}

// DeploymentHealth is one row of the health listing.
type DeploymentHealth struct {
	DeploymentID string          `json:"deployment_id"`
	Model        string          `json:"model"`
	Provider     string          `json:"provider"`
	State        cooldown.Status `json:"state"`
	Usage        usage.Snapshot  `json:"usage"`
}

// Router routes logical-model requests across deployments. Safe for
// concurrent use.
type Router struct {
	cfg      Config
	registry *registry.Registry
	usage    *usage.Tracker
	cooldown *cooldown.Tracker
	strategy strategy.Strategy
	invokers map[string]adapter.Invoker

	mu        sync.RWMutex
	fallbacks map[string][]string

	// test seams
	now   func() time.Time
	intN  func(int) int
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a router. Invokers are keyed by provider name; every
// registered deployment's Provider must have an entry.
func New(cfg Config, reg *registry.Registry, invokers map[string]adapter.Invoker) (*Router, error) {
	cfg = cfg.withDefaults()

	tracker := usage.New(cfg.UsageWindow)
	strat, err := strategy.New(cfg.Strategy, tracker)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	return &Router{
		cfg:       cfg,
		registry:  reg,
		usage:     tracker,
		cooldown:  cooldown.New(cfg.Cooldown),
		strategy:  strat,
		invokers:  invokers,
		fallbacks: cloneFallbacks(cfg.Fallbacks),
		now:       time.Now,
		intN:      rand.Intn,
		sleep:     sleepCtx,
	}, nil
}

// Reload atomically replaces the deployment set and fallback chains.
// In-flight requests keep the registry snapshot they already hold;
// cooldown and usage history survive for deployments that persist.
func (r *Router) Reload(deployments []registry.Deployment, fallbacks map[string][]string) error {
	if err := r.registry.ReplaceAll(deployments); err != nil {
		return fmt.Errorf("router: reload: %w", err)
	}
	r.mu.Lock()
	r.fallbacks = cloneFallbacks(fallbacks)
	r.mu.Unlock()
	return nil
}

// ListDeploymentHealth returns the health and usage view of every
// registered deployment, sorted by deployment ID.
func (r *Router) ListDeploymentHealth() []DeploymentHealth {
	deps := r.registry.All()
	out := make([]DeploymentHealth, 0, len(deps))
	for _, d := range deps {
		out = append(out, DeploymentHealth{
			DeploymentID: d.ID,
			Model:        d.Model,
			Provider:     d.Provider,
			State:        r.cooldown.StatusFor(d.ID),
			Usage:        r.usage.SnapshotFor(d.ID),
		})
	}
	return out
}

// Usage exposes the tracker for callers that report usage externally.
func (r *Router) Usage() *usage.Tracker { return r.usage }

func (r *Router) chainFor(model string, p Policy) []string {
	if p.Fallbacks != nil {
		return append([]string{model}, p.Fallbacks...)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{model}, r.fallbacks[model]...)
}

func (r *Router) retriesFor(p Policy) int {
	if p.MaxRetries != nil {
		if *p.MaxRetries < 0 {
			return 0
		}
		return *p.MaxRetries
	}
	return r.cfg.MaxRetries
}

func (r *Router) attemptTimeoutFor(p Policy) time.Duration {
	if p.AttemptTimeout != nil {
		return *p.AttemptTimeout
	}
	return r.cfg.AttemptTimeout
}

func cloneFallbacks(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for model, chain := range in {
		out[model] = append([]string(nil), chain...)
	}
	return out
}
