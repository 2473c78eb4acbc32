package auth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"niraama/internal/config"
	"niraama/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
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
	return db
}

func TestRegisterAndLogin(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.ID <= 0 {
		t.Fatalf("expected positive user id")
	}
	if user.PasswordHash == "secret" {
		t.Fatalf("password stored in plaintext")
	}

	got, err := svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("login returned wrong user")
	}

	if _, err := svc.Login(ctx, "alice", "wrong"); err == nil {
		t.Fatalf("expected login failure on bad password")
	}
	if _, err := svc.Login(ctx, "nobody", "secret"); err == nil {
		t.Fatalf("expected login failure on unknown user")
	}
}

func TestTokenLifecycle(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()

	user, err := svc.Register(ctx, "bob", "secret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := svc.IssueToken(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	gotID, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if gotID != user.ID {
		t.Fatalf("token maps to wrong user: %d", gotID)
	}

	if err := svc.SignOut(ctx, user.ID, token); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected revoked token to fail validation")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()

	user, err := svc.Register(ctx, "carol", "secret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	expired := "deadbeef"
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := db.Exec(
		`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		expired, user.ID, past.Add(-time.Hour), past,
	); err != nil {
		t.Fatalf("insert expired token: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestAuthEvents(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db, nil, time.Hour)
	ctx := context.Background()

	events := svc.Subscribe()
	user, err := svc.Register(ctx, "dana", "secret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Login(ctx, "dana", "secret"); err != nil {
		t.Fatalf("login: %v", err)
	}
	expectEvent(t, events, Event{Type: SignedIn, UserID: user.ID})

	if err := svc.SignOut(ctx, user.ID, ""); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	expectEvent(t, events, Event{Type: SignedOut, UserID: user.ID})
}

func expectEvent(t *testing.T, events <-chan Event, want Event) {
	t.Helper()
	select {
	case got := <-events:
		if got != want {
			t.Fatalf("unexpected event %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event %+v", want)
	}
}
