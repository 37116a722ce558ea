package llm

import "context"

// Message roles, matching the chat-completions wire format.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply is a generated assistant utterance plus the token usage that feeds
// cost accounting.
type Reply struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// TotalTokens returns the combined token usage of the request.
func (r *Reply) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// Client generates the next assistant utterance from a conversation history.
type Client interface {
	// Generate returns the next assistant utterance. Implementations cap
	// the generated length; voice replies must stay short.
	Generate(ctx context.Context, history []Message) (*Reply, error)

	// HealthCheck reports whether the provider is reachable.
	HealthCheck(ctx context.Context) (bool, error)

	// Close releases client resources.
	Close() error
}
