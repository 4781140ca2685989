package models

import "time"

// Prompt is one version of the system prompt. Versions start at 1 and every update, including a revert,
// creates a new version.
type Prompt struct {
	Version   int       `json:"version"`
	Text      string    `json:"prompt"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Insight is a durable fact extracted from a conversation.
type Insight struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
