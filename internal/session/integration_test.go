package session_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/derekparent/wheelhouse/internal/session"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
  id UUID PRIMARY KEY,
  owner TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chat_messages (
  id UUID PRIMARY KEY,
  session_id UUID NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages (session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_chat_sessions_owner ON chat_sessions (owner);
`

func TestSessionStoreLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "wheelhouse",
				"POSTGRES_PASSWORD": "wheelhouse",
				"POSTGRES_DB":       "wheelhouse",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://wheelhouse:wheelhouse@%s:%s/wheelhouse?sslmode=disable", host, port.Port())

	// The listening port can be up before postgres accepts logins.
	var st *session.Store
	deadline := time.Now().Add(30 * time.Second)
	for {
		st, err = session.NewWithDSN(ctx, dsn)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("store init: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
	defer st.DB.Close()

	if _, err := st.DB.ExecContext(ctx, sessionSchema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	id, err := st.EnsureSession(ctx, "", "chief")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	// The same id round-trips; a foreign owner's id does not.
	again, err := st.EnsureSession(ctx, id, "chief")
	if err != nil || again != id {
		t.Fatalf("EnsureSession reuse: %q, %v", again, err)
	}
	other, err := st.EnsureSession(ctx, id, "someone-else")
	if err != nil {
		t.Fatalf("EnsureSession other owner: %v", err)
	}
	if other == id {
		t.Fatal("another owner must not attach to the session")
	}

	for i, m := range []struct{ role, content string }{
		{"user", "valve lash C18"},
		{"assistant", "See [SEBP4732-C18, p.45]."},
		{"user", "tell me more"},
	} {
		if _, err := st.AppendMessage(ctx, id, m.role, m.content); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		// created_at granularity; keep insertion order observable.
		time.Sleep(10 * time.Millisecond)
	}

	msgs, err := st.RecentMessages(ctx, id, 8)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "valve lash C18" || msgs[2].Content != "tell me more" {
		t.Fatalf("order wrong: %+v", msgs)
	}

	last, err := st.LastAssistantMessage(ctx, id)
	if err != nil {
		t.Fatalf("LastAssistantMessage: %v", err)
	}
	if last != "See [SEBP4732-C18, p.45]." {
		t.Fatalf("last assistant = %q", last)
	}

	infos, err := st.ListSessions(ctx, "chief")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != id {
		t.Fatalf("sessions = %+v", infos)
	}

	if err := st.DeleteSession(ctx, id, "someone-else"); err != session.ErrNotFound {
		t.Fatalf("foreign delete should be ErrNotFound, got %v", err)
	}
	if err := st.DeleteSession(ctx, id, "chief"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	msgs, err = st.RecentMessages(ctx, id, 8)
	if err != nil {
		t.Fatalf("RecentMessages after delete: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages should be gone, got %d", len(msgs))
	}
}
