// Package llm defines the Provider interface for text chat backends.
//
// A provider wraps a remote or local model API and answers a conversation
// with a single reply. The Owl's text chat uses it for every question; the
// live voice path does not.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Conversation roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text of the turn.
	Content string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history, oldest first.
	Messages []Message

	// SystemPrompt is sent ahead of the history when set.
	SystemPrompt string

	// Temperature controls randomness. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero leaves the provider default.
	MaxTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	// Content is the reply text. It may be empty.
	Content string

	Usage Usage
}

// ModelCapabilities describes what the configured model supports.
type ModelCapabilities struct {
	ContextWindow   int
	MaxOutputTokens int
	SupportsVision  bool
}

// Provider is the abstraction over any chat backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply. It returns
	// promptly when ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata about the model.
	Capabilities() ModelCapabilities
}
