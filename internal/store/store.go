package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"niraama/internal/models"
)

// WelcomeText opens every conversation before the user's first message.
const WelcomeText = "Hi! I am Niraama, your mental health companion. How are you feeling today?"

const (
	defaultTitle  = "New Conversation"
	titleRuneCut  = 50
	titleEllipsis = "..."
)

// ErrNotFound signals a lookup for a conversation id that does not
// exist. Callers check it with errors.Is.
var ErrNotFound = errors.New("conversation not found")

// UpdateOutcome reports what ReplaceMessages did, so callers can tell
// an applied update from a missing conversation without guessing.
type UpdateOutcome int

const (
	OutcomeUpdated UpdateOutcome = iota + 1
	OutcomeNotFound
)

// Store owns the durable conversation collection, one row per
// conversation, partitioned by owner.
type Store struct {
	db *sql.DB
}

// New builds a conversation store over the given database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create allocates a new conversation for the owner, seeded with the
// welcome bot message followed by the triggering first message, and
// persists it. Other owners' rows are never touched.
func (s *Store) Create(ctx context.Context, ownerID int64, first models.Message) (*models.Conversation, error) {
	if ownerID <= 0 {
		return nil, errors.New("owner id is required")
	}
	if first.ID == "" {
		first.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if first.CreatedAt.IsZero() {
		first.CreatedAt = now
	}

	welcome := models.Message{
		ID:        uuid.NewString(),
		Kind:      models.KindText,
		Content:   WelcomeText,
		Sender:    models.SenderBot,
		CreatedAt: first.CreatedAt.Add(-2 * time.Second),
	}
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     deriveTitle(first.Content),
		Messages:  []models.Message{welcome, first},
		CreatedAt: now,
		UpdatedAt: now,
	}

	blob, err := encodeMessages(conv.Messages)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_id, title, messages, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.OwnerID, conv.Title, blob, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// List returns the owner's conversations, most recently created first.
// An empty store yields an empty slice, never an error.
func (s *Store) List(ctx context.Context, ownerID int64) ([]models.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, updated_at FROM conversations WHERE owner_id = ? ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	summaries := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var cs models.ConversationSummary
		if err := rows.Scan(&cs.ID, &cs.Title, &cs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		summaries = append(summaries, cs)
	}
	return summaries, rows.Err()
}

// Get looks a conversation up by its globally unique id, across all
// owners. Absence is reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*models.Conversation, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	var (
		conv models.Conversation
		blob []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, messages, created_at, updated_at FROM conversations WHERE id = ?`,
		id,
	).Scan(&conv.ID, &conv.OwnerID, &conv.Title, &blob, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	conv.Messages = decodeMessages(conv.ID, blob)
	return &conv, nil
}

// ReplaceMessages swaps the conversation's transcript for msgs,
// recomputes the title from the first user-sender message (keeping the
// stored title when there is none) and refreshes updated_at. A missing
// id is reported as OutcomeNotFound rather than silently ignored.
func (s *Store) ReplaceMessages(ctx context.Context, id string, msgs []models.Message) (UpdateOutcome, error) {
	if id == "" {
		return OutcomeNotFound, nil
	}
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			return 0, fmt.Errorf("duplicate message id %s", m.ID)
		}
		seen[m.ID] = struct{}{}
	}

	blob, err := encodeMessages(msgs)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()

	var res sql.Result
	if title, ok := titleFromMessages(msgs); ok {
		res, err = s.db.ExecContext(ctx,
			`UPDATE conversations SET messages = ?, title = ?, updated_at = ? WHERE id = ?`,
			blob, title, now, id,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE conversations SET messages = ?, updated_at = ? WHERE id = ?`,
			blob, now, id,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("replace messages: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return OutcomeNotFound, nil
	}
	return OutcomeUpdated, nil
}

// Delete removes the conversation if present. Deleting an unknown id
// is a no-op, so the call is idempotent.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// deriveTitle cuts content to the title length, appending an ellipsis
// only when something was actually cut.
func deriveTitle(content string) string {
	if content == "" {
		return defaultTitle
	}
	runes := []rune(content)
	if len(runes) <= titleRuneCut {
		return content
	}
	return string(runes[:titleRuneCut]) + titleEllipsis
}

func titleFromMessages(msgs []models.Message) (string, bool) {
	for _, m := range msgs {
		if m.Sender == models.SenderUser {
			return deriveTitle(m.Content), true
		}
	}
	return "", false
}

func encodeMessages(msgs []models.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []models.Message{}
	}
	blob, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	return blob, nil
}

// decodeMessages treats an unreadable transcript as corrupt storage:
// the conversation survives with an empty transcript instead of
// failing every read.
func decodeMessages(id string, blob []byte) []models.Message {
	if len(blob) == 0 {
		return []models.Message{}
	}
	var msgs []models.Message
	if err := json.Unmarshal(blob, &msgs); err != nil {
		log.Printf("conversation %s has corrupt transcript, resetting: %v", id, err)
		return []models.Message{}
	}
	return msgs
}
