// Package assistant implements the client for the upstream reply service.
package assistant

// HistoryMessage is one prior conversation turn sent as context.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is an outgoing send to the reply service.
type Request struct {
	SessionID string           `json:"session_id,omitempty"`
	Content   string           `json:"content"`
	History   []HistoryMessage `json:"history,omitempty"`
}

// Chunk is one incremental event on the reply channel. A chunk with Done set
// is terminal; FinalText, when present on the terminal chunk, carries the
// authoritative full reply.
type Chunk struct {
	Content   string `json:"content,omitempty"`
	Done      bool   `json:"done,omitempty"`
	FinalText string `json:"final_text,omitempty"`
}
