package domain

import "errors"

// ErrTurnConflict means another process owns the session's current turn, or
// already appended past the message being written.
var ErrTurnConflict = errors.New("session turn held elsewhere")

// SessionState is the durable form of a chat session: everything another
// process needs to pick the conversation up where it was left.
type SessionState struct {
	ID         string
	Transcript []ChatMessage
	Config     *RequestConfig
}
