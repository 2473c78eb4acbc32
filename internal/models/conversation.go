package models

import "time"

// Conversation groups a user's transcript with its derived title.
// Messages are kept in insertion order; ids are unique within one
// conversation.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationSummary is the lightweight listing shape used by the
// history panel.
type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary returns the listing view of the conversation.
func (c *Conversation) Summary() ConversationSummary {
	return ConversationSummary{ID: c.ID, Title: c.Title, UpdatedAt: c.UpdatedAt}
}
