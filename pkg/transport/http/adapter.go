// Package http adapts the router to the gateway's HTTP surface: the
// Chat Completions endpoint (JSON and SSE), deployment health listing,
// health check, and the Prometheus metrics endpoint.
package http

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/weiche/pkg/api"
	"github.com/rhuss/weiche/pkg/observability"
	"github.com/rhuss/weiche/pkg/router"
	"github.com/rhuss/weiche/pkg/transport"
)

// deploymentHeader reports which deployment served the request.
const deploymentHeader = "X-Weiche-Deployment"

// Adapter exposes a router over HTTP.
type Adapter struct {
	router *router.Router
	cfg    Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	// MaxBodyBytes caps the request body size.
	MaxBodyBytes int64

	// MetricsEnabled exposes the Prometheus endpoint at MetricsPath.
	MetricsEnabled bool
	MetricsPath    string

	// MaxInFlight caps concurrently served requests. Zero disables the cap.
	MaxInFlight int

	// Logger receives request logs. Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:   10 << 20, // 10 MB
		MetricsEnabled: true,
		MetricsPath:    "/metrics",
	}
}

// NewAdapter creates an HTTP adapter around the given router.
func NewAdapter(rt *router.Router, cfg Config) *Adapter {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	return &Adapter{router: rt, cfg: cfg}
}

// Handler returns the fully assembled gateway handler: routes plus the
// recovery, request ID, logging, in-flight and metrics middleware.
func (a *Adapter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", a.handleChatCompletions)
	mux.HandleFunc("GET /v1/deployments", a.handleDeployments)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	if a.cfg.MetricsEnabled {
		path := a.cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.Handler())
	}

	chain := transport.Chain(
		transport.Recovery(),
		transport.RequestID(),
		transport.Logging(a.cfg.Logger),
		transport.InFlightLimit(a.cfg.MaxInFlight),
	)
	return chain(observability.MetricsMiddleware(mux))
}

// --- Wire types ---

// chatRequest is the Chat Completions wire shape the gateway accepts.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []api.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	User        string        `json:"user,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      api.Message `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Handlers ---

func (a *Adapter) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, a.cfg.MaxBodyBytes)).Decode(&req); err != nil {
		transport.WriteError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("decoding request: %v", err))
		return
	}
	if req.Model == "" {
		transport.WriteError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if len(req.Messages) == 0 {
		transport.WriteError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	apiReq := &api.Request{
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		User:        req.User,
	}

	if req.Stream {
		a.streamCompletion(w, r, req.Model, apiReq)
		return
	}

	resp, err := a.router.Route(r.Context(), req.Model, apiReq)
	if err != nil {
		transport.WriteRouteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(deploymentHeader, resp.DeploymentID)
	json.NewEncoder(w).Encode(chatResponse{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []chatChoice{{
			Message:      api.Message{Role: api.RoleAssistant, Content: resp.Content},
			FinishReason: resp.FinishReason,
		}},
		Usage: wireUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	})
}

func (a *Adapter) handleDeployments(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"deployments": a.router.ListDeploymentHealth(),
	})
}
