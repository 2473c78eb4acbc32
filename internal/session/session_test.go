package session

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"niraama/internal/auth"
	"niraama/internal/config"
	"niraama/internal/models"
	"niraama/internal/storage"
	"niraama/internal/store"
)

func openTestStore(t *testing.T) (*store.Store, *sql.DB) {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return store.New(db), db
}

func insertTestUser(t *testing.T, db *sql.DB, username string) int64 {
	t.Helper()
	res, err := db.Exec(
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, "hash", time.Now().UTC(),
	)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return id
}

// scriptedReplies hands out canned replies; prompts matching
// blockPrompt hang until their context is cancelled.
type scriptedReplies struct {
	mu          sync.Mutex
	replies     []string
	err         error
	blockPrompt string
	calls       int
}

func (g *scriptedReplies) Reply(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.calls++
	if g.blockPrompt != "" && prompt == g.blockPrompt {
		g.mu.Unlock()
		<-ctx.Done()
		return "", ctx.Err()
	}
	if g.err != nil {
		err := g.err
		g.mu.Unlock()
		return "", err
	}
	next := "I hear you."
	if len(g.replies) > 0 {
		next = g.replies[0]
		g.replies = g.replies[1:]
	}
	g.mu.Unlock()
	return next, nil
}

func (g *scriptedReplies) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func awaitReply(t *testing.T, done <-chan ReplyResult) ReplyResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reply result")
		return ReplyResult{}
	}
}

func TestSendCreatesConversation(t *testing.T) {
	st, db := openTestStore(t)
	defer db.Close()
	owner := insertTestUser(t, db, "sender")

	var createdID string
	m := NewManager(st, &scriptedReplies{replies: []string{"That sounds heavy."}},
		WithCreatedObserver(func(ownerID int64, conversationID string) {
			createdID = conversationID
		}))
	s := m.Session(owner)

	if got := len(s.Transcript()); got != 1 {
		t.Fatalf("fresh transcript length = %d, want 1 welcome message", got)
	}

	receipt, err := s.Send(context.Background(), "I feel anxious")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !receipt.Created {
		t.Fatal("first send should create the conversation")
	}
	if createdID != receipt.ConversationID {
		t.Fatalf("created observer saw %q, receipt carries %q", createdID, receipt.ConversationID)
	}

	res := awaitReply(t, receipt.Done)
	if res.Err != nil || res.Superseded {
		t.Fatalf("unexpected reply result: %+v", res)
	}
	if res.Message.Content != "That sounds heavy." {
		t.Fatalf("reply content = %q", res.Message.Content)
	}

	msgs := s.Transcript()
	if len(msgs) != 3 {
		t.Fatalf("transcript length = %d, want welcome+user+bot", len(msgs))
	}
	if msgs[0].Sender != models.SenderBot || msgs[1].Sender != models.SenderUser || msgs[2].Sender != models.SenderBot {
		t.Fatalf("unexpected sender sequence: %v %v %v", msgs[0].Sender, msgs[1].Sender, msgs[2].Sender)
	}

	stored, err := st.Get(context.Background(), receipt.ConversationID)
	if err != nil {
		t.Fatalf("get stored conversation: %v", err)
	}
	if len(stored.Messages) != 3 {
		t.Fatalf("stored transcript length = %d, want 3", len(stored.Messages))
	}
}

func TestBlankSendRejected(t *testing.T) {
	st, db := openTestStore(t)
	defer db.Close()
	owner := insertTestUser(t, db, "blank")

	s := NewManager(st, &scriptedReplies{}).Session(owner)
	if _, err := s.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("err = %v, want ErrEmptyContent", err)
	}
	if s.ConversationID() != "" {
		t.Fatal("blank send must not create a conversation")
	}
}

func TestSupersededReplyDiscarded(t *testing.T) {
	st, db := openTestStore(t)
	defer db.Close()
	owner := insertTestUser(t, db, "racer")

	gen := &scriptedReplies{blockPrompt: "first question", replies: []string{"Second answer."}}
	s := NewManager(st, gen).Session(owner)

	first, err := s.Send(context.Background(), "first question")
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	second, err := s.Send(context.Background(), "second question")
	if err != nil {
		t.Fatalf("second send: %v", err)
	}

	if res := awaitReply(t, first.Done); !res.Superseded {
		t.Fatalf("first reply should be superseded, got %+v", res)
	}
	res := awaitReply(t, second.Done)
	if res.Err != nil || res.Superseded {
		t.Fatalf("second reply failed: %+v", res)
	}

	var botReplies []string
	for _, msg := range s.Transcript() {
		if msg.Sender == models.SenderBot && msg.Content != store.WelcomeText {
			botReplies = append(botReplies, msg.Content)
		}
	}
	if len(botReplies) != 1 || botReplies[0] != "Second answer." {
		t.Fatalf("bot replies = %v, want only the second answer", botReplies)
	}
}

func TestDuplicateReplySuppressed(t *testing.T) {
	st, db := openTestStore(t)
	defer db.Close()
	owner := insertTestUser(t, db, "dup")

	s := NewManager(st, &scriptedReplies{replies: []string{"Take a deep breath."}}).Session(owner)
	receipt, err := s.Send(context.Background(), "help")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	awaitReply(t, receipt.Done)
	before := len(s.Transcript())

	// The same reply arriving again under the live token must not
	// grow the transcript.
	s.mu.Lock()
	token := s.replyToken
	s.mu.Unlock()
	res := s.applyReply(token, "Take a deep breath.", nil)
	if res.Err != nil || res.Superseded {
		t.Fatalf("duplicate apply result: %+v", res)
	}
	if got := len(s.Transcript()); got != before {
		t.Fatalf("transcript grew from %d to %d on duplicate reply", before, got)
	}
}

func TestReplyFailureKeepsTranscript(t *testing.T) {
	st, db := openTestStore(t)
	defer db.Close()
	owner := insertTestUser(t, db, "failing")

	genErr := errors.New("model unavailable")
	s := NewManager(st, &scriptedReplies{err: genErr}).Session(owner)

	receipt, err := s.Send(context.Background(), "anyone there?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	res := awaitReply(t, receipt.Done)
	if !errors.Is(res.Err, genErr) {
		t.Fatalf("reply err = %v, want %v", res.Err, genErr)
	}
	if s.Pending() {
		t.Fatal("session still pending after failed reply")
	}
	if !errors.Is(s.LastReplyErr(), genErr) {
		t.Fatalf("LastReplyErr = %v", s.LastReplyErr())
	}

	msgs := s.Transcript()
	if msgs[len(msgs)-1].Sender != models.SenderUser {
		t.Fatal("failed reply must not append a bot message")
	}
}

func TestOpenUnknownFallsBackToWelcome(t *testing.T) {
	st, db := openTestStore(t)
	defer db.Close()
	owner := insertTestUser(t, db, "wanderer")

	s := NewManager(st, &scriptedReplies{}).Session(owner)
	if err := s.Open(context.Background(), "no-such-conversation"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.ConversationID() != "" {
		t.Fatal("unknown conversation should fall back to the fresh state")
	}
	msgs := s.Transcript()
	if len(msgs) != 1 || msgs[0].Content != store.WelcomeText {
		t.Fatalf("expected a lone welcome message, got %d messages", len(msgs))
	}
}

func TestOpenExistingConversation(t *testing.T) {
	st, db := openTestStore(t)
	defer db.Close()
	owner := insertTestUser(t, db, "returning")

	conv, err := st.Create(context.Background(), owner, models.NewMessage(models.KindText, models.SenderUser, "hello again"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s := NewManager(st, &scriptedReplies{}).Session(owner)
	if err := s.Open(context.Background(), conv.ID); err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.ConversationID() != conv.ID {
		t.Fatalf("conversation id = %q, want %q", s.ConversationID(), conv.ID)
	}
	if got := len(s.Transcript()); got != len(conv.Messages) {
		t.Fatalf("transcript length = %d, want %d", got, len(conv.Messages))
	}
}

func TestAttachTriggersNoReply(t *testing.T) {
	st, db := openTestStore(t)
	defer db.Close()
	owner := insertTestUser(t, db, "uploader")

	gen := &scriptedReplies{}
	s := NewManager(st, gen).Session(owner)

	receipt, err := s.Attach(context.Background(), "uploads/1/report.pdf")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if receipt.Done != nil {
		t.Fatal("file messages must not fire a reply request")
	}
	if receipt.Message.Kind != models.KindFile {
		t.Fatalf("message kind = %v, want file", receipt.Message.Kind)
	}
	if gen.callCount() != 0 {
		t.Fatalf("generator called %d times for a file message", gen.callCount())
	}
}

func TestEditRerunsReply(t *testing.T) {
	st, db := openTestStore(t)
	defer db.Close()
	owner := insertTestUser(t, db, "editor")

	gen := &scriptedReplies{replies: []string{"First.", "Second."}}
	s := NewManager(st, gen).Session(owner)

	sent, err := s.Send(context.Background(), "orignal text")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	awaitReply(t, sent.Done)

	edited, err := s.Edit(context.Background(), sent.Message.ID, "original text")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Message.ID != sent.Message.ID {
		t.Fatal("edit must preserve message identity")
	}
	if edited.Message.Sender != models.SenderUser {
		t.Fatal("edit must preserve the sender")
	}
	res := awaitReply(t, edited.Done)
	if res.Err != nil {
		t.Fatalf("reply after edit: %v", res.Err)
	}

	stored, err := st.Get(context.Background(), s.ConversationID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var found bool
	for _, msg := range stored.Messages {
		if msg.ID == sent.Message.ID {
			found = true
			if msg.Content != "original text" {
				t.Fatalf("stored content = %q after edit", msg.Content)
			}
		}
	}
	if !found {
		t.Fatal("edited message missing from stored transcript")
	}
}

func TestSignOutResetsSession(t *testing.T) {
	st, db := openTestStore(t)
	defer db.Close()
	owner := insertTestUser(t, db, "leaver")

	m := NewManager(st, &scriptedReplies{})
	s := m.Session(owner)
	receipt, err := s.Send(context.Background(), "remember me")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	awaitReply(t, receipt.Done)

	events := make(chan auth.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.WatchAuth(ctx, events)

	events <- auth.Event{Type: auth.SignedOut, UserID: owner}

	deadline := time.After(2 * time.Second)
	for {
		fresh := m.Session(owner)
		if fresh != s {
			if fresh.ConversationID() != "" {
				t.Fatal("session after sign-out should start fresh")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("session was not reset after sign-out")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type fakeRecognizer struct {
	utter func(string)
}

func (r *fakeRecognizer) Start(ctx context.Context, onUtterance func(string)) (func(), error) {
	r.utter = onUtterance
	return func() { r.utter = nil }, nil
}

func TestVoiceDraftLifecycle(t *testing.T) {
	st, db := openTestStore(t)
	defer db.Close()
	owner := insertTestUser(t, db, "speaker")

	rec := &fakeRecognizer{}
	s := NewManager(st, &scriptedReplies{}, WithRecognizer(rec)).Session(owner)

	if err := s.StartListening(context.Background()); err != nil {
		t.Fatalf("start listening: %v", err)
	}
	if err := s.StartListening(context.Background()); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("second start err = %v, want ErrAlreadyListening", err)
	}

	rec.utter("I could not sleep last night")
	if s.Draft() != "I could not sleep last night" {
		t.Fatalf("draft = %q", s.Draft())
	}
	s.StopListening()

	receipt, err := s.Send(context.Background(), s.Draft())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	awaitReply(t, receipt.Done)
	if s.Draft() != "" {
		t.Fatal("send must clear the draft")
	}
}
