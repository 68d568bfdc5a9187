package llm

import (
	"context"
)

// Message represents a single conversation message.
type Message struct {
	Role    string
	Content string
}

// ChatRequest describes a non-streaming chat completion request.
type ChatRequest struct {
	Model        string
	Messages     []Message
	SystemPrompt string
	Temperature  float64
	// MaxTokens caps the length of the response, not of the prompt.
	MaxTokens int
}

// ChatResponse carries the trimmed text of the first choice.
type ChatResponse struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// ChatProvider performs blocking chat completions.
type ChatProvider interface {
	Complete(context.Context, ChatRequest) (ChatResponse, error)
}
