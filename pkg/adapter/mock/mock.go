// Package mock provides a scriptable Invoker for router tests.
// Outcomes are queued per deployment and consumed in order; every
// call is recorded for assertions.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rhuss/weiche/pkg/api"
	"github.com/rhuss/weiche/pkg/registry"
)

// Outcome scripts the result of one call against a deployment.
type Outcome struct {
	// Response is returned when Err is nil. A nil Response yields a
	// canned success.
	Response *api.Response

	// Err fails the call. Use classified errors to exercise routing
	// decisions.
	Err error

	// Delay is slept (context-aware) before the outcome applies.
	Delay time.Duration

	// Chunks replaces Response for streaming calls.
	Chunks []api.Chunk
}

// Call records one dispatch the mock received.
type Call struct {
	DeploymentID string
	Model        string // backend model name sent
	Stream       bool
}

// Invoker is a scriptable adapter.Invoker.
type Invoker struct {
	name string

	mu     sync.Mutex
	queues map[string][]Outcome // per deployment ID
	calls  []Call
}

// New creates a mock invoker with the given provider name.
func New(name string) *Invoker {
	return &Invoker{
		name:   name,
		queues: make(map[string][]Outcome),
	}
}

// Enqueue appends outcomes for a deployment. Calls beyond the scripted
// queue succeed with a canned response.
func (m *Invoker) Enqueue(deploymentID string, outcomes ...Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[deploymentID] = append(m.queues[deploymentID], outcomes...)
}

// FailN enqueues n identical failures.
func (m *Invoker) FailN(deploymentID string, n int, err error) {
	for i := 0; i < n; i++ {
		m.Enqueue(deploymentID, Outcome{Err: err})
	}
}

// Calls returns a copy of the recorded call log.
func (m *Invoker) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsTo counts recorded calls against one deployment.
func (m *Invoker) CallsTo(deploymentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, c := range m.calls {
		if c.DeploymentID == deploymentID {
			n++
		}
	}
	return n
}

// Name implements adapter.Invoker.
func (m *Invoker) Name() string { return m.name }

// Invoke implements adapter.Invoker.
func (m *Invoker) Invoke(ctx context.Context, dep *registry.Deployment, req *api.Request) (*api.Response, error) {
	out := m.next(dep, false)

	if out.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, api.NewTransientError(dep.ID, "mock call cancelled", ctx.Err())
		case <-time.After(out.Delay):
		}
	}
	if ctx.Err() != nil {
		return nil, api.NewTransientError(dep.ID, "mock call cancelled", ctx.Err())
	}

	if out.Err != nil {
		return nil, out.Err
	}
	if out.Response != nil {
		resp := *out.Response
		if resp.DeploymentID == "" {
			resp.DeploymentID = dep.ID
		}
		return &resp, nil
	}
	return cannedResponse(dep), nil
}

// InvokeStream implements adapter.Invoker.
func (m *Invoker) InvokeStream(ctx context.Context, dep *registry.Deployment, req *api.Request) (<-chan api.Chunk, error) {
	out := m.next(dep, true)

	if out.Err != nil {
		return nil, out.Err
	}

	chunks := out.Chunks
	if len(chunks) == 0 {
		chunks = []api.Chunk{
			{Delta: "mock "},
			{Delta: "stream"},
			{Done: true, Usage: &api.Usage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5}},
		}
	}

	ch := make(chan api.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Close implements adapter.Invoker.
func (m *Invoker) Close() error { return nil }

func (m *Invoker) next(dep *registry.Deployment, stream bool) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{
		DeploymentID: dep.ID,
		Model:        dep.BackendModelName(),
		Stream:       stream,
	})

	q := m.queues[dep.ID]
	if len(q) == 0 {
		return Outcome{}
	}
	out := q[0]
	m.queues[dep.ID] = q[1:]
	return out
}

func cannedResponse(dep *registry.Deployment) *api.Response {
	return &api.Response{
		ID:           api.NewRequestID(),
		Model:        dep.Model,
		DeploymentID: dep.ID,
		Content:      fmt.Sprintf("mock response from %s", dep.ID),
		FinishReason: "stop",
		Usage:        api.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}
