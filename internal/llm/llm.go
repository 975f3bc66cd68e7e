// Package llm provides the chat-completion and embedding client facades.
package llm

import "context"

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one chat completion call.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Usage reports token accounting from the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the provider's answer.
type CompletionResponse struct {
	Content string
	Model   string
	Usage   Usage
}

// LLM produces chat completions.
type LLM interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// EmbedRequest describes one embedding batch.
type EmbedRequest struct {
	Texts          []string
	Model          string
	Dimensions     int
	EncodingFormat string
}

// Embedder produces embeddings, one vector per input text, positionally
// aligned with the request.
type Embedder interface {
	EmbedBatch(ctx context.Context, req EmbedRequest) ([][]float32, error)
}
