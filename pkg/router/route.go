package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rhuss/weiche/pkg/adapter"
	"github.com/rhuss/weiche/pkg/api"
	"github.com/rhuss/weiche/pkg/cooldown"
	"github.com/rhuss/weiche/pkg/debug"
	"github.com/rhuss/weiche/pkg/observability"
	"github.com/rhuss/weiche/pkg/registry"
	"github.com/rhuss/weiche/pkg/usage"
)

// Route dispatches a request for the logical model and returns the
// normalized response. Transient failures are absorbed by retries and
// the configured fallback chain; only an exhausted chain or a terminal
// error surfaces to the caller.
func (r *Router) Route(ctx context.Context, model string, req *api.Request) (*api.Response, error) {
	return r.RouteWithPolicy(ctx, model, req, Policy{})
}

// RouteWithPolicy is Route with per-request overrides.
func (r *Router) RouteWithPolicy(ctx context.Context, model string, req *api.Request, p Policy) (*api.Response, error) {
	resp, _, err := r.run(ctx, model, req, p, false)
	return resp, err
}

// RouteStream dispatches a streaming request. A non-nil Stream means a
// backend stream was established; failures before establishment go
// through the same retry and fallback machinery as Route.
func (r *Router) RouteStream(ctx context.Context, model string, req *api.Request) (*Stream, error) {
	return r.RouteStreamWithPolicy(ctx, model, req, Policy{})
}

// RouteStreamWithPolicy is RouteStream with per-request overrides.
func (r *Router) RouteStreamWithPolicy(ctx context.Context, model string, req *api.Request, p Policy) (*Stream, error) {
	_, stream, err := r.run(ctx, model, req, p, true)
	return stream, err
}

// run is the orchestration loop shared by the unary and streaming
// paths. Exactly one of resp/stream is non-nil on success.
func (r *Router) run(ctx context.Context, model string, req *api.Request, p Policy, streaming bool) (*api.Response, *Stream, error) {
	requestID := api.NewRequestID()
	chain := r.chainFor(model, p)
	budget := r.retriesFor(p) + 1 // attempts per deployment per chain entry

	observability.InflightRequests.Inc()
	inflightDone := false
	defer func() {
		// Streams carry the in-flight mark until they finish.
		if !inflightDone {
			observability.InflightRequests.Dec()
		}
	}()

	debug.Log("router", "routing", "request", requestID, "model", model, "chain", chain, "budget", budget, "stream", streaming)

	var attemptErrors []api.AttemptError

	for chainIdx, current := range chain {
		if chainIdx > 0 {
			observability.FallbackAdvancesTotal.WithLabelValues(chain[chainIdx-1], current).Inc()
			debug.Log("router", "fallback advance", "request", requestID, "from", chain[chainIdx-1], "to", current)
		}

		// Fresh per-deployment budget for each chain entry.
		attempts := make(map[string]int)
		excluded := make(map[string]bool)

	entry:
		for {
			if err := ctx.Err(); err != nil {
				return nil, nil, fmt.Errorf("router: request %s cancelled: %w", requestID, err)
			}

			candidates := r.eligible(current, attempts, excluded, budget)
			if len(candidates) == 0 {
				break entry // chain entry spent, advance
			}

			dep, err := r.strategy.Pick(current, candidates)
			if err != nil {
				break entry
			}
			attempts[dep.ID]++
			observability.SelectionsTotal.WithLabelValues(r.strategy.Name(), dep.ID, current).Inc()

			outcome := r.attempt(ctx, requestID, current, dep, req, p, streaming)
			switch {
			case outcome.err == nil:
				inflightDone = streaming // the Stream finalizer decrements
				return outcome.resp, outcome.stream, nil

			case api.ClassOf(outcome.err) == api.ClassRequestTerminal,
				api.ClassOf(outcome.err) == api.ClassInternal:
				// No deployment would do better; surface immediately.
				return nil, nil, outcome.err

			case api.ClassOf(outcome.err) == api.ClassDeploymentTerminal:
				attemptErrors = append(attemptErrors, api.AttemptError{DeploymentID: dep.ID, Model: current, Err: outcome.err})
				excluded[dep.ID] = true
				// A sibling may still serve the request; no backoff needed.

			default: // transient or capacity
				attemptErrors = append(attemptErrors, api.AttemptError{DeploymentID: dep.ID, Model: current, Err: outcome.err})
				wait := r.backoff(attempts[dep.ID]-1, outcome.err)
				debug.Log("router", "backing off", "request", requestID, "deployment", dep.ID, "wait", wait)
				if err := r.sleep(ctx, wait); err != nil {
					return nil, nil, fmt.Errorf("router: request %s cancelled: %w", requestID, err)
				}
			}
		}
	}

	observability.ExhaustedTotal.WithLabelValues(model).Inc()
	return nil, nil, &api.ExhaustedError{
		Model:    model,
		Chain:    chain,
		Attempts: attemptErrors,
	}
}

// attemptOutcome is the classified result of one dispatch.
type attemptOutcome struct {
	resp   *api.Response
	stream *Stream
	err    error
}

// attempt runs one reserve-dispatch-settle cycle against a deployment.
func (r *Router) attempt(ctx context.Context, requestID, model string, dep *registry.Deployment, req *api.Request, p Policy, streaming bool) attemptOutcome {
	inv, ok := r.invokers[dep.Provider]
	if !ok {
		return attemptOutcome{err: api.NewInternalError(
			fmt.Sprintf("no invoker for provider %q (deployment %s)", dep.Provider, dep.ID), nil)}
	}

	res, err := r.usage.Reserve(dep, req.EstimateTokens())
	if err != nil {
		observability.ReservationsDeniedTotal.WithLabelValues(dep.ID).Inc()
		r.recordFailure(dep.ID, model, err)
		return attemptOutcome{err: err}
	}

	r.strategy.OnDispatch(dep.ID)
	start := r.now()
	debug.Log("router", "dispatching", "request", requestID, "deployment", dep.ID, "model", model, "provider", dep.Provider)

	if streaming {
		return r.attemptStream(ctx, inv, dep, model, req, res, start)
	}

	actx := ctx
	if timeout := r.attemptTimeoutFor(p); timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := inv.Invoke(actx, dep, req)
	latency := r.now().Sub(start)

	if err != nil {
		r.usage.Release(res)
		r.strategy.OnComplete(dep.ID, latency, false)
		r.recordFailure(dep.ID, model, err)
		return attemptOutcome{err: err}
	}

	r.usage.Commit(res, resp.Usage.TotalTokens)
	r.cooldown.RecordSuccess(dep.ID)
	r.strategy.OnComplete(dep.ID, latency, true)

	observability.AttemptsTotal.WithLabelValues(dep.ID, model, "success").Inc()
	observability.DeploymentLatency.WithLabelValues(dep.ID, model).Observe(latency.Seconds())
	observability.TokensTotal.WithLabelValues(dep.ID, model, "input").Add(float64(resp.Usage.InputTokens))
	observability.TokensTotal.WithLabelValues(dep.ID, model, "output").Add(float64(resp.Usage.OutputTokens))

	return attemptOutcome{resp: resp}
}

// attemptStream establishes a backend stream. Establishment failures
// are ordinary attempt failures; once established, the Stream owns the
// reservation and all settle bookkeeping.
func (r *Router) attemptStream(ctx context.Context, inv adapter.Invoker, dep *registry.Deployment, model string, req *api.Request, res *usage.Reservation, start time.Time) attemptOutcome {
	sctx, cancel := context.WithCancel(ctx)

	ch, err := inv.InvokeStream(sctx, dep, req)
	if err != nil {
		cancel()
		r.usage.Release(res)
		r.strategy.OnComplete(dep.ID, r.now().Sub(start), false)
		r.recordFailure(dep.ID, model, err)
		return attemptOutcome{err: err}
	}

	return attemptOutcome{stream: newStream(r, dep, model, res, ch, cancel, start)}
}

// recordFailure folds one failed attempt into cooldown state and
// metrics. Request-terminal and internal errors never count against a
// deployment.
func (r *Router) recordFailure(deploymentID, model string, err error) {
	class := api.ClassOf(err)
	observability.AttemptsTotal.WithLabelValues(deploymentID, model, string(class)).Inc()

	switch class {
	case api.ClassTransient, api.ClassCapacity:
		if r.cooldown.RecordFailure(deploymentID, cooldown.Soft) {
			observability.CooldownTransitionsTotal.WithLabelValues(deploymentID).Inc()
			debug.Log("cooldown", "deployment cooling", "deployment", deploymentID, "cause", class)
		}
	case api.ClassDeploymentTerminal:
		if r.cooldown.RecordFailure(deploymentID, cooldown.Hard) {
			observability.CooldownTransitionsTotal.WithLabelValues(deploymentID).Inc()
			debug.Log("cooldown", "deployment cooling", "deployment", deploymentID, "cause", class)
		}
	}
}

// eligible filters the model's deployments by cooldown state,
// per-request exclusions, and the remaining attempt budget.
func (r *Router) eligible(model string, attempts map[string]int, excluded map[string]bool, budget int) []*registry.Deployment {
	deps := r.registry.DeploymentsFor(model)
	now := r.now()

	out := make([]*registry.Deployment, 0, len(deps))
	for _, d := range deps {
		if excluded[d.ID] || attempts[d.ID] >= budget {
			continue
		}
		if !r.cooldown.IsEligible(d.ID, now) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// backoff computes the wait before the next attempt:
// min(base * 2^attempt + jitter, max). A capacity denial's RetryAfter
// hint wins when it is longer, since the window will not free up
// sooner no matter how patiently we poll.
func (r *Router) backoff(attemptIdx int, cause error) time.Duration {
	d := r.cfg.BackoffBase << uint(attemptIdx)
	if d > r.cfg.BackoffMax || d <= 0 {
		d = r.cfg.BackoffMax
	}
	if jitterRange := int(r.cfg.BackoffBase); jitterRange > 0 {
		d += time.Duration(r.intN(jitterRange))
	}
	if d > r.cfg.BackoffMax {
		d = r.cfg.BackoffMax
	}

	var ce *api.ClassifiedError
	if errors.As(cause, &ce) && ce.RetryAfter > d {
		d = ce.RetryAfter
	}
	return d
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
// The timer is always stopped; cancellation leaks nothing.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
