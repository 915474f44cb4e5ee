// Package openai implements the reference Invoker for
// OpenAI-compatible Chat Completions backends. It is the one full
// adapter the router ships with: one is enough to exercise the
// invoke contract, and most self-hosted gateways speak this protocol
// anyway.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rhuss/weiche/pkg/api"
	"github.com/rhuss/weiche/pkg/debug"
	"github.com/rhuss/weiche/pkg/registry"
)

// Name is the provider identifier deployments use to select this
// adapter.
const Name = "openai"

// Config holds adapter-wide settings. Per-deployment connection
// details (base URL, API key, backend model) come from the deployment
// itself.
type Config struct {
	// Timeout bounds each backend call. Default: 120s.
	Timeout time.Duration

	// Classifier maps backend HTTP statuses to error classes. Nil
	// uses the default table.
	Classifier *api.Classifier
}

// Invoker dispatches to OpenAI-compatible backends. Clients are cached
// per deployment because base URL and credentials differ between
// deployments of the same logical model.
type Invoker struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*openai.Client // keyed by deployment ID
}

// New creates the adapter.
func New(cfg Config) *Invoker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Invoker{
		cfg:     cfg,
		clients: make(map[string]*openai.Client),
	}
}

// Name implements adapter.Invoker.
func (p *Invoker) Name() string { return Name }

// Invoke implements adapter.Invoker for the non-streaming path.
func (p *Invoker) Invoke(ctx context.Context, dep *registry.Deployment, req *api.Request) (*api.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	debug.Log("adapter", "dispatching", "deployment", dep.ID, "backend_model", dep.BackendModelName())

	resp, err := p.clientFor(dep).CreateChatCompletion(ctx, translateRequest(dep, req))
	if err != nil {
		return nil, p.classify(dep, err)
	}
	if len(resp.Choices) == 0 {
		return nil, api.NewTransientError(dep.ID, "backend returned no choices", nil)
	}

	choice := resp.Choices[0]
	return &api.Response{
		ID:           resp.ID,
		Model:        dep.Model,
		DeploymentID: dep.ID,
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: api.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

// InvokeStream implements adapter.Invoker for the streaming path. The
// returned channel closes when the backend stream ends, fails, or ctx
// is cancelled.
func (p *Invoker) InvokeStream(ctx context.Context, dep *registry.Deployment, req *api.Request) (<-chan api.Chunk, error) {
	oreq := translateRequest(dep, req)
	oreq.Stream = true
	oreq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.clientFor(dep).CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, p.classify(dep, err)
	}

	ch := make(chan api.Chunk)
	go func() {
		defer close(ch)
		defer stream.Close()

		var usage *api.Usage
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				p.send(ctx, ch, api.Chunk{Done: true, Usage: usage})
				return
			}
			if err != nil {
				p.send(ctx, ch, api.Chunk{Err: p.classify(dep, err)})
				return
			}

			if resp.Usage != nil {
				usage = &api.Usage{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
					TotalTokens:  resp.Usage.TotalTokens,
				}
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if delta := resp.Choices[0].Delta.Content; delta != "" {
				if !p.send(ctx, ch, api.Chunk{Delta: delta}) {
					return
				}
			}
		}
	}()
	return ch, nil
}

// Close implements adapter.Invoker.
func (p *Invoker) Close() error { return nil }

// send delivers a chunk unless the consumer is gone.
func (p *Invoker) send(ctx context.Context, ch chan<- api.Chunk, c api.Chunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- c:
		return true
	}
}

func (p *Invoker) clientFor(dep *registry.Deployment) *openai.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[dep.ID]; ok {
		return c
	}
	cfg := openai.DefaultConfig(dep.APIKey)
	if dep.BaseURL != "" {
		cfg.BaseURL = dep.BaseURL
	}
	c := openai.NewClientWithConfig(cfg)
	p.clients[dep.ID] = c
	return c
}

// classify normalizes a go-openai error into a ClassifiedError so the
// router never sees provider-specific shapes.
func (p *Invoker) classify(dep *registry.Deployment, err error) *api.ClassifiedError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		ce := &api.ClassifiedError{
			Class:        p.cfg.Classifier.FromStatus(apiErr.HTTPStatusCode),
			StatusCode:   apiErr.HTTPStatusCode,
			DeploymentID: dep.ID,
			Message:      apiErr.Message,
			Err:          err,
		}
		// Context-length overflow is a request problem even though it
		// arrives as a plain 400.
		if apiErr.Code == "context_length_exceeded" {
			ce.Class = api.ClassRequestTerminal
		}
		return ce
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &api.ClassifiedError{
			Class:        p.cfg.Classifier.FromStatus(reqErr.HTTPStatusCode),
			StatusCode:   reqErr.HTTPStatusCode,
			DeploymentID: dep.ID,
			Message:      fmt.Sprintf("backend request failed: %v", reqErr.Err),
			Err:          err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return api.NewTransientError(dep.ID, "backend call timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return api.NewTransientError(dep.ID, "backend call cancelled", err)
	}

	// Network-level failures (dial, DNS, reset) are transient.
	return api.NewTransientError(dep.ID, fmt.Sprintf("backend connection error: %v", err), err)
}

// translateRequest maps the normalized request onto the Chat
// Completions shape, rewriting the logical model to the deployment's
// backend model.
func translateRequest(dep *registry.Deployment, req *api.Request) openai.ChatCompletionRequest {
	oreq := openai.ChatCompletionRequest{
		Model: dep.BackendModelName(),
		Stop:  req.Stop,
		User:  req.User,
	}
	if req.MaxTokens > 0 {
		oreq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		oreq.Temperature = float32(*req.Temperature)
	}
	for _, m := range req.Messages {
		oreq.Messages = append(oreq.Messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return oreq
}
