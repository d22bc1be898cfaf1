package domain

import "context"

// Role identifies the author of a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape shared by the
// session, the surfaces and the completion provider.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is everything the provider needs to start one streamed reply.
type CompletionRequest struct {
	Model     string
	MaxTokens int
	Messages  []ChatMessage
	Stream    bool
}

// DeltaStream yields text deltas until io.EOF.
//
// A delta may be empty when the provider sent a chunk without content; callers
// skip those.
type DeltaStream interface {
	Recv() (string, error)
	Close() error
}

// CompletionProvider starts a streamed completion.
type CompletionProvider interface {
	StreamChat(ctx context.Context, req CompletionRequest) (DeltaStream, error)
}
