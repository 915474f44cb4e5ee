package api

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single normalized chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized inference request handed to the router.
// Model selection happens outside this struct: callers pass the
// logical model name separately, and the router rewrites it to the
// deployment's backend model before dispatch.
type Request struct {
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	User        string            `json:"user,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Usage holds token counts for one completed call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the normalized non-streaming result.
type Response struct {
	ID           string `json:"id"`
	Model        string `json:"model"`         // logical model that was requested
	DeploymentID string `json:"deployment_id"` // deployment that served the call
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Chunk is one element of a streaming response. The stream is finite:
// after a chunk with Done set (or a chunk carrying Err) no further
// chunks follow and the channel is closed.
type Chunk struct {
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`

	// Usage is populated on the final chunk when the backend reports it.
	Usage *Usage `json:"usage,omitempty"`

	// Err terminates the stream with a failure. Mutually exclusive
	// with Delta.
	Err error `json:"-"`
}

// EstimateTokens returns a rough input-token estimate for reservation
// purposes: four bytes of prompt text per token, plus the requested
// completion budget. Commit reconciles against actual usage afterwards,
// so precision only affects admission, not accounting.
func (r *Request) EstimateTokens() int {
	var promptBytes int
	for _, m := range r.Messages {
		promptBytes += len(m.Content)
	}
	est := promptBytes / 4
	if r.MaxTokens > 0 {
		est += r.MaxTokens
	}
	if est < 1 {
		est = 1
	}
	return est
}
