// Command mock-backend runs a deterministic OpenAI-compatible Chat
// Completions server for exercising the router end to end. Failure
// injection is driven by markers in the last user message:
//
//	FAIL:<status>       - always respond with the given HTTP status
//	FAIL_N:<status>:<n> - fail the first n requests per model, then succeed
//	SLEEP:<duration>    - delay the response (e.g. SLEEP:2s)
//
// Markers can be combined in one message, e.g. "SLEEP:500ms FAIL:429 hi".
//
// Configuration:
//
//	MOCK_PORT - Listen port (default: 9090)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	b := newBackend()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", b.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", handleModels)
	mux.HandleFunc("POST /reset", b.handleReset)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// backend tracks per-model request counts so FAIL_N markers can fail
// the first n attempts and then recover, which is what retry and
// cooldown tests need.
type backend struct {
	mu     sync.Mutex
	counts map[string]int
}

func newBackend() *backend {
	return &backend{counts: make(map[string]int)}
}

func (b *backend) nextCount(model string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[model]++
	return b.counts[model]
}

func (b *backend) handleReset(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.counts = make(map[string]int)
	b.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// --- Request types ---

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// --- Response types ---

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	Message      chatMsg `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Handler ---

func (b *backend) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", "invalid_request_error")
		return
	}

	model := req.Model
	if model == "" {
		model = "mock-model"
	}

	msg := lastUserMessage(&req)
	inj := parseInjection(msg)

	if inj.sleep > 0 {
		select {
		case <-time.After(inj.sleep):
		case <-r.Context().Done():
			return
		}
	}

	status := 0
	switch {
	case inj.failStatus != 0:
		status = inj.failStatus
	case inj.failNStatus != 0 && b.nextCount(model) <= inj.failN:
		status = inj.failNStatus
	}
	if status != 0 {
		slog.Info("injecting failure", "model", model, "status", status)
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		writeError(w, status, fmt.Sprintf("injected %d", status), errorType(status))
		return
	}

	if req.Stream {
		streamResponse(w, model, msg)
		return
	}

	text := responseText(msg)
	resp := chatResponse{
		ID:     "chatcmpl-mock",
		Object: "chat.completion",
		Model:  model,
		Choices: []chatChoice{
			{
				Index:        0,
				Message:      chatMsg{Role: "assistant", Content: text},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     len(msg) / 4,
			CompletionTokens: len(text) / 4,
			TotalTokens:      len(msg)/4 + len(text)/4,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// responseText echoes the message with markers stripped so tests can
// assert that the request reached a live backend.
func responseText(msg string) string {
	var kept []string
	for _, f := range strings.Fields(msg) {
		if isMarker(f) {
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		return "Hello from mock backend"
	}
	return "You said: " + strings.Join(kept, " ")
}

// --- Failure injection ---

type injection struct {
	failStatus  int
	failNStatus int
	failN       int
	sleep       time.Duration
}

func isMarker(field string) bool {
	return strings.HasPrefix(field, "FAIL:") ||
		strings.HasPrefix(field, "FAIL_N:") ||
		strings.HasPrefix(field, "SLEEP:")
}

func parseInjection(msg string) injection {
	var inj injection
	for _, f := range strings.Fields(msg) {
		switch {
		case strings.HasPrefix(f, "FAIL:"):
			if n, err := strconv.Atoi(strings.TrimPrefix(f, "FAIL:")); err == nil && n >= 400 && n < 600 {
				inj.failStatus = n
			}
		case strings.HasPrefix(f, "FAIL_N:"):
			parts := strings.Split(strings.TrimPrefix(f, "FAIL_N:"), ":")
			if len(parts) != 2 {
				continue
			}
			status, err1 := strconv.Atoi(parts[0])
			count, err2 := strconv.Atoi(parts[1])
			if err1 == nil && err2 == nil && status >= 400 && status < 600 && count > 0 {
				inj.failNStatus = status
				inj.failN = count
			}
		case strings.HasPrefix(f, "SLEEP:"):
			if d, err := time.ParseDuration(strings.TrimPrefix(f, "SLEEP:")); err == nil && d > 0 {
				inj.sleep = d
			}
		}
	}
	return inj
}

func errorType(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "authentication_error"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg, "type": typ},
	})
}

// --- Streaming ---

func streamResponse(w http.ResponseWriter, model, msg string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	text := responseText(msg)
	tokens := strings.SplitAfter(text, " ")

	writeSSEChunk(w, model, "", true)
	flusher.Flush()

	for _, token := range tokens {
		writeSSEChunk(w, model, token, false)
		flusher.Flush()
	}

	writeFinishChunk(w, model, len(msg)/4, len(tokens))
	flusher.Flush()

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeSSEChunk(w http.ResponseWriter, model, content string, isRole bool) {
	delta := map[string]any{}
	if isRole {
		delta["role"] = "assistant"
	}
	if content != "" {
		delta["content"] = content
	}

	chunk := map[string]any{
		"id":     "chatcmpl-mock-stream",
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"delta":         delta,
				"finish_reason": nil,
			},
		},
	}

	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeFinishChunk(w http.ResponseWriter, model string, promptTokens, completionTokens int) {
	chunk := map[string]any{
		"id":     "chatcmpl-mock-stream",
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"delta":         map[string]any{},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
	}

	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// --- Models endpoint ---

func handleModels(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": "mock-model", "object": "model", "owned_by": "weiche-mock"},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// --- Helpers ---

func lastUserMessage(req *chatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			if s, ok := req.Messages[i].Content.(string); ok {
				return s
			}
		}
	}
	return ""
}
