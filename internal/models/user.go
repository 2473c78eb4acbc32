package models

import "time"

// User is an authenticated account owning conversations.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Upload records a stored file referenced by a file message. Uploads
// expire and are swept by the janitor.
type Upload struct {
	ID             int64     `json:"id"`
	OwnerID        int64     `json:"owner_id"`
	ConversationID string    `json:"conversation_id"`
	FileName       string    `json:"file_name"`
	StoredPath     string    `json:"stored_path"`
	MimeType       string    `json:"mime_type"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}
