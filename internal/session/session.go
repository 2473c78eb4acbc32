package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"niraama/internal/models"
	"niraama/internal/store"
)

// ConversationStore is the slice of the store a session mutates.
type ConversationStore interface {
	Create(ctx context.Context, ownerID int64, first models.Message) (*models.Conversation, error)
	Get(ctx context.Context, id string) (*models.Conversation, error)
	ReplaceMessages(ctx context.Context, id string, msgs []models.Message) (store.UpdateOutcome, error)
}

// ReplyGenerator resolves a prompt to the companion's reply.
type ReplyGenerator interface {
	Reply(ctx context.Context, prompt string) (string, error)
}

var (
	// ErrEmptyContent rejects blank sends.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrNoConversation rejects edits before any conversation exists.
	ErrNoConversation = errors.New("no conversation is open")
	// ErrAlreadyListening rejects a second concurrent recognition.
	ErrAlreadyListening = errors.New("voice recognition already active")
	// ErrNoRecognizer means the session was built without voice support.
	ErrNoRecognizer = errors.New("no voice recognizer configured")
)

const (
	replyTimeout   = 2 * time.Minute
	persistTimeout = 10 * time.Second
)

// ReplyResult reports how a reply request ended. Superseded results
// were discarded because a newer send took over the conversation.
type ReplyResult struct {
	Message    *models.Message
	Err        error
	Superseded bool
}

// SendReceipt is returned as soon as the user's message is applied
// optimistically and persisted. Done resolves when the reply request
// finishes; it is nil for file messages, which trigger no reply.
type SendReceipt struct {
	Message        models.Message
	ConversationID string
	Created        bool
	Done           <-chan ReplyResult
}

// Session mediates between input events and the store for one owner's
// open conversation view. All transcript and store mutations are
// serialized on the session mutex, so there is a single writer per
// conversation; reply requests carry a generation token and only the
// latest token may touch the transcript, superseded requests are
// cancelled and their late results discarded.
type Session struct {
	ownerID    int64
	store      ConversationStore
	replies    ReplyGenerator
	recognizer Recognizer
	onCreated  func(ownerID int64, conversationID string)

	mu             sync.Mutex
	conversationID string
	transcript     []models.Message
	pending        bool
	lastReplyErr   error
	replyToken     uint64
	cancelReply    context.CancelFunc
	draft          string
	stopListen     func()
}

// Open (re)starts the session state machine. An empty id seeds the
// fresh-welcome transcript without creating a record; a known id loads
// the stored transcript; an unknown id falls back to fresh-welcome.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	var conv *models.Conversation
	if conversationID != "" {
		var err error
		conv, err = s.store.Get(ctx, conversationID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("open conversation: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelInFlightLocked()
	s.pending = false
	s.lastReplyErr = nil
	s.draft = ""
	if conv == nil {
		s.conversationID = ""
		s.transcript = []models.Message{welcomeMessage()}
		return nil
	}
	s.conversationID = conv.ID
	s.transcript = append([]models.Message(nil), conv.Messages...)
	return nil
}

// Send applies the user's text optimistically, persists it (creating
// the conversation on the first send), and fires the reply request.
func (s *Session) Send(ctx context.Context, content string) (*SendReceipt, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	msg := models.NewMessage(models.KindText, models.SenderUser, content)

	s.mu.Lock()
	created, err := s.appendAndPersistLocked(ctx, msg)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.draft = ""
	receipt := &SendReceipt{
		Message:        msg,
		ConversationID: s.conversationID,
		Created:        created,
	}
	receipt.Done = s.fireReplyLocked(content)
	s.mu.Unlock()

	if created && s.onCreated != nil {
		s.onCreated(s.ownerID, receipt.ConversationID)
	}
	return receipt, nil
}

// Edit replaces a message's content in place, persists, and runs the
// reply sequence with the edited content as the prompt. Identity and
// sender are preserved.
func (s *Session) Edit(ctx context.Context, messageID, content string) (*SendReceipt, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	s.mu.Lock()
	if s.conversationID == "" {
		s.mu.Unlock()
		return nil, ErrNoConversation
	}
	idx := -1
	for i := range s.transcript {
		if s.transcript[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("message %s not found", messageID)
	}
	s.transcript[idx].Content = content
	if err := s.persistLocked(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	receipt := &SendReceipt{
		Message:        s.transcript[idx],
		ConversationID: s.conversationID,
	}
	receipt.Done = s.fireReplyLocked(content)
	s.mu.Unlock()
	return receipt, nil
}

// Attach records a file message referencing the stored upload. File
// messages trigger no reply.
func (s *Session) Attach(ctx context.Context, ref string) (*SendReceipt, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrEmptyContent
	}
	msg := models.NewMessage(models.KindFile, models.SenderUser, ref)

	s.mu.Lock()
	created, err := s.appendAndPersistLocked(ctx, msg)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	receipt := &SendReceipt{
		Message:        msg,
		ConversationID: s.conversationID,
		Created:        created,
	}
	s.mu.Unlock()

	if created && s.onCreated != nil {
		s.onCreated(s.ownerID, receipt.ConversationID)
	}
	return receipt, nil
}

// Transcript returns a copy of the in-memory transcript.
func (s *Session) Transcript() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.transcript...)
}

// ConversationID returns the open conversation's id, empty while the
// session is in its fresh-welcome state.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Pending reports whether a reply request is in flight.
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// LastReplyErr exposes the failure of the most recent reply request,
// nil after a success.
func (s *Session) LastReplyErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReplyErr
}

// Close cancels any in-flight reply and stops voice recognition.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelInFlightLocked()
	s.stopListenLocked()
	s.pending = false
}

// appendAndPersistLocked appends msg and persists, creating the
// conversation record when none is open yet. A conversation deleted
// behind our back is recreated so the user's message is not lost.
func (s *Session) appendAndPersistLocked(ctx context.Context, msg models.Message) (created bool, err error) {
	if s.conversationID == "" {
		conv, err := s.store.Create(ctx, s.ownerID, msg)
		if err != nil {
			return false, err
		}
		s.conversationID = conv.ID
		s.transcript = append([]models.Message(nil), conv.Messages...)
		return true, nil
	}

	s.transcript = append(s.transcript, msg)
	outcome, err := s.store.ReplaceMessages(ctx, s.conversationID, s.transcript)
	if err != nil {
		return false, err
	}
	if outcome == store.OutcomeNotFound {
		debugLog("conversation %s vanished, recreating for owner %d", s.conversationID, s.ownerID)
		conv, err := s.store.Create(ctx, s.ownerID, msg)
		if err != nil {
			return false, err
		}
		s.conversationID = conv.ID
		s.transcript = append([]models.Message(nil), conv.Messages...)
		return true, nil
	}
	return false, nil
}

func (s *Session) persistLocked(ctx context.Context) error {
	if s.conversationID == "" {
		return ErrNoConversation
	}
	if _, err := s.store.ReplaceMessages(ctx, s.conversationID, s.transcript); err != nil {
		return err
	}
	return nil
}

// fireReplyLocked starts a reply request under a fresh generation
// token, cancelling whichever request was still in flight.
func (s *Session) fireReplyLocked(prompt string) <-chan ReplyResult {
	s.cancelInFlightLocked()
	s.replyToken++
	token := s.replyToken
	s.pending = true
	s.lastReplyErr = nil

	replyCtx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	s.cancelReply = cancel

	done := make(chan ReplyResult, 1)
	go s.generateReply(replyCtx, token, prompt, done)
	return done
}

func (s *Session) generateReply(ctx context.Context, token uint64, prompt string, done chan<- ReplyResult) {
	content, err := s.replies.Reply(ctx, prompt)
	done <- s.applyReply(token, content, err)
}

// applyReply reconciles a finished reply request with the transcript.
// Only the holder of the latest token may mutate anything; a stale
// result is discarded outright.
func (s *Session) applyReply(token uint64, content string, replyErr error) ReplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token != s.replyToken {
		debugLog("discarding superseded reply for owner %d", s.ownerID)
		return ReplyResult{Superseded: true}
	}
	s.pending = false
	if s.cancelReply != nil {
		s.cancelReply()
		s.cancelReply = nil
	}

	if replyErr != nil {
		log.Printf("reply generation failed for owner %d: %v", s.ownerID, replyErr)
		s.lastReplyErr = replyErr
		return ReplyResult{Err: replyErr}
	}

	// The same reply delivered twice must not grow the transcript.
	if n := len(s.transcript); n > 0 {
		last := s.transcript[n-1]
		if last.Sender == models.SenderBot && last.Content == content {
			return ReplyResult{Message: &last}
		}
	}

	botMsg := models.NewMessage(models.KindText, models.SenderBot, content)
	s.transcript = append(s.transcript, botMsg)

	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persistLocked(persistCtx); err != nil {
		log.Printf("persist reply for owner %d failed: %v", s.ownerID, err)
	}
	return ReplyResult{Message: &botMsg}
}

func (s *Session) cancelInFlightLocked() {
	s.replyToken++
	if s.cancelReply != nil {
		s.cancelReply()
		s.cancelReply = nil
	}
}

func welcomeMessage() models.Message {
	return models.NewMessage(models.KindText, models.SenderBot, store.WelcomeText)
}
