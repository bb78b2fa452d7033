// Package llm defines the Provider interface for text-generation backends.
//
// SpeakZone uses a language model for one job: rewriting lesson text into a
// short bilingual script before it is narrated. The interface is therefore a
// single non-streaming completion call. Implementations wrap a remote SDK
// (any-llm-go for Gemini and friends, openai-go for OpenAI-compatible servers)
// and must be safe for concurrent use.
package llm

import "context"

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is usually from
	// the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction sent before
	// Messages using the backend's native system slot.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero leaves the
	// provider default in place.
	Temperature float64

	// MaxTokens caps the number of generated tokens. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
