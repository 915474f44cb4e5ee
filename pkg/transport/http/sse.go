package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rhuss/weiche/pkg/api"
	"github.com/rhuss/weiche/pkg/transport"
)

type deltaChoice struct {
	Index        int               `json:"index"`
	Delta        map[string]string `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type chunkResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Model   string        `json:"model"`
	Choices []deltaChoice `json:"choices"`
	Usage   *wireUsage    `json:"usage,omitempty"`
}

// streamCompletion relays router chunks as SSE events. Routing errors
// before the stream is established still get a JSON error response;
// once SSE headers are out, a mid-stream failure can only end the
// stream with an error finish reason.
func (a *Adapter) streamCompletion(w http.ResponseWriter, r *http.Request, model string, req *api.Request) {
	stream, err := a.router.RouteStream(r.Context(), model, req)
	if err != nil {
		transport.WriteRouteError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(deploymentHeader, stream.DeploymentID())
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	streamID := api.NewRequestID()
	for {
		c, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeSSE(w, chunkResponse{
				ID:      streamID,
				Object:  "chat.completion.chunk",
				Model:   stream.Model(),
				Choices: []deltaChoice{{Delta: map[string]string{}, FinishReason: strPtr("error")}},
			})
			break
		}

		ev := chunkResponse{
			ID:      streamID,
			Object:  "chat.completion.chunk",
			Model:   stream.Model(),
			Choices: []deltaChoice{{Delta: map[string]string{}}},
		}
		if c.Delta != "" {
			ev.Choices[0].Delta["content"] = c.Delta
		}
		if c.Done {
			ev.Choices[0].FinishReason = strPtr("stop")
			if c.Usage != nil {
				ev.Usage = &wireUsage{
					PromptTokens:     c.Usage.InputTokens,
					CompletionTokens: c.Usage.OutputTokens,
					TotalTokens:      c.Usage.TotalTokens,
				}
			}
		}
		writeSSE(w, ev)
		rc.Flush()

		if c.Done {
			break
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	rc.Flush()
}

func writeSSE(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func strPtr(s string) *string { return &s }
