// Package adapter defines the capability the router consumes to reach
// a backend: an opaque Invoker that turns a normalized request into a
// normalized response or a stream of chunks.
//
// The router treats invokers as black boxes. Wire-format translation,
// HTTP plumbing, and provider quirks live behind this interface; the
// only contract is that failures come back as classified errors
// (see package api) so the router can decide between retry, sibling,
// fallback, and surfacing.
package adapter

import (
	"context"

	"github.com/rhuss/weiche/pkg/api"
	"github.com/rhuss/weiche/pkg/registry"
)

// Invoker dispatches normalized requests to one provider family.
// Implementations must be safe for concurrent use.
type Invoker interface {
	// Name returns the provider identifier deployments reference.
	Name() string

	// Invoke performs one non-streaming call against the deployment's
	// backend. Errors must be classified (api.ClassifiedError).
	Invoke(ctx context.Context, dep *registry.Deployment, req *api.Request) (*api.Response, error)

	// InvokeStream performs one streaming call. The returned channel
	// carries chunks and is closed by the adapter when the stream ends,
	// errors, or ctx is cancelled. A nil channel with an error means
	// the stream never started.
	InvokeStream(ctx context.Context, dep *registry.Deployment, req *api.Request) (<-chan api.Chunk, error)

	// Close releases adapter resources.
	Close() error
}
