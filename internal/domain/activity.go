package domain

// SessionActivity is the ledger row kept per chat session. It carries counters
// only, never message content.
type SessionActivity struct {
	PK           string `json:"-"`
	SK           string `json:"-"`
	SessionID    string `json:"sessionId"`
	ModelID      string `json:"modelId"`
	MaxTokens    int    `json:"maxTokens"`
	Turns        int    `json:"turns"`
	Failures     int    `json:"failures"`
	LastActivity string `json:"lastActivity"`
	TTL          int64  `json:"ttl"`
}

// TurnOutcome describes one finished request/response cycle.
type TurnOutcome struct {
	SessionID string
	ModelID   string
	MaxTokens int
	Succeeded bool
}
