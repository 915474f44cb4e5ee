package router

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rhuss/weiche/pkg/api"
	"github.com/rhuss/weiche/pkg/cooldown"
	"github.com/rhuss/weiche/pkg/observability"
	"github.com/rhuss/weiche/pkg/registry"
	"github.com/rhuss/weiche/pkg/usage"
)

// Stream is an established streaming response. The consumer pulls
// chunks with Recv and must call Close when done; Close cancels the
// backend call and releases any unsettled reservation. Once a stream
// is established, mid-stream failures surface to the consumer rather
// than triggering a retry: replaying already-delivered deltas against
// another deployment would corrupt the output.
type Stream struct {
	r      *Router
	dep    *registry.Deployment
	model  string
	res    *usage.Reservation
	cancel context.CancelFunc
	start  time.Time

	out chan api.Chunk

	mu      sync.Mutex
	settled bool
	closed  bool
}

// newStream wraps the adapter channel with settle bookkeeping. The
// pump goroutine owns reading from the adapter; it settles usage,
// cooldown, and strategy state exactly once, on the terminal chunk or
// on channel close.
func newStream(r *Router, dep *registry.Deployment, model string, res *usage.Reservation, ch <-chan api.Chunk, cancel context.CancelFunc, start time.Time) *Stream {
	s := &Stream{
		r:      r,
		dep:    dep,
		model:  model,
		res:    res,
		cancel: cancel,
		start:  start,
		out:    make(chan api.Chunk),
	}
	go s.pump(ch)
	return s
}

// DeploymentID returns the deployment serving this stream.
func (s *Stream) DeploymentID() string { return s.dep.ID }

// Model returns the logical model the stream was established for. It
// may differ from the requested model when a fallback served it.
func (s *Stream) Model() string { return s.model }

// Recv returns the next chunk. It returns io.EOF after the terminal
// chunk has been delivered or the stream was closed, and the stream
// error if the backend failed mid-stream.
func (s *Stream) Recv() (api.Chunk, error) {
	c, ok := <-s.out
	if !ok {
		return api.Chunk{}, io.EOF
	}
	if c.Err != nil {
		return api.Chunk{}, c.Err
	}
	return c, nil
}

// Close cancels the backend call and releases the reservation if the
// stream never finished. Safe to call multiple times and concurrently
// with Recv.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	// Drain so the pump goroutine can exit and settle.
	for range s.out {
	}
	return nil
}

// pump forwards adapter chunks to the consumer and settles usage and
// health state when the stream terminates.
func (s *Stream) pump(ch <-chan api.Chunk) {
	defer close(s.out)

	for c := range ch {
		switch {
		case c.Err != nil:
			s.settleFailure(c.Err)
		case c.Done:
			s.settleSuccess(c.Usage)
		}
		s.out <- c
		if c.Err != nil || c.Done {
			break
		}
	}

	// Adapter channel closed without a terminal chunk (consumer
	// cancelled, or the backend hung up silently). Treat as abandoned:
	// give the headroom back without punishing the deployment.
	s.settleAbandoned()
	s.cancel()
}

// settleSuccess commits actual usage and records the healthy outcome.
func (s *Stream) settleSuccess(u *api.Usage) {
	if !s.markSettled() {
		return
	}
	actual := int(s.res.Tokens) // keep the estimate when the backend reports nothing
	var in, out int
	if u != nil {
		actual = u.TotalTokens
		in, out = u.InputTokens, u.OutputTokens
	}
	latency := s.r.now().Sub(s.start)

	s.r.usage.Commit(s.res, actual)
	s.r.cooldown.RecordSuccess(s.dep.ID)
	s.r.strategy.OnComplete(s.dep.ID, latency, true)

	observability.AttemptsTotal.WithLabelValues(s.dep.ID, s.model, "success").Inc()
	observability.DeploymentLatency.WithLabelValues(s.dep.ID, s.model).Observe(latency.Seconds())
	observability.TokensTotal.WithLabelValues(s.dep.ID, s.model, "input").Add(float64(in))
	observability.TokensTotal.WithLabelValues(s.dep.ID, s.model, "output").Add(float64(out))
}

// settleFailure releases the reservation and records the failure.
func (s *Stream) settleFailure(err error) {
	if !s.markSettled() {
		return
	}
	s.r.usage.Release(s.res)
	s.r.strategy.OnComplete(s.dep.ID, s.r.now().Sub(s.start), false)

	class := api.ClassOf(err)
	observability.AttemptsTotal.WithLabelValues(s.dep.ID, s.model, string(class)).Inc()
	switch class {
	case api.ClassTransient, api.ClassCapacity:
		if s.r.cooldown.RecordFailure(s.dep.ID, cooldown.Soft) {
			observability.CooldownTransitionsTotal.WithLabelValues(s.dep.ID).Inc()
		}
	case api.ClassDeploymentTerminal:
		if s.r.cooldown.RecordFailure(s.dep.ID, cooldown.Hard) {
			observability.CooldownTransitionsTotal.WithLabelValues(s.dep.ID).Inc()
		}
	}
}

// settleAbandoned releases the reservation for a stream that ended
// without a terminal chunk.
func (s *Stream) settleAbandoned() {
	if !s.markSettled() {
		return
	}
	s.r.usage.Release(s.res)
	s.r.strategy.OnComplete(s.dep.ID, s.r.now().Sub(s.start), false)
	observability.AttemptsTotal.WithLabelValues(s.dep.ID, s.model, "abandoned").Inc()
}

// markSettled flips the settle latch. The first settle also releases
// the in-flight gauge the router handed over at establishment.
func (s *Stream) markSettled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled {
		return false
	}
	s.settled = true
	observability.InflightRequests.Dec()
	return true
}
