package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"writingbuddy/pkg/domain"
)

// runStoreContract exercises behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create validates input", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateSession(ctx, domain.Session{OwnerID: "u1", Title: "  ", Kind: domain.KindFree})
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("blank title err = %v, want ErrValidation", err)
		}
		_, err = s.CreateSession(ctx, domain.Session{OwnerID: "u1", Title: "Essay", Kind: "poem"})
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("bad kind err = %v, want ErrValidation", err)
		}
	})

	t.Run("create and get respects ownership", func(t *testing.T) {
		s := newStore(t)
		created, err := s.CreateSession(ctx, domain.Session{OwnerID: "u1", Title: " My story ", Kind: domain.KindHomework})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if created.ID == 0 || created.Status != domain.StatusActive || created.Title != "My story" {
			t.Fatalf("unexpected session: %+v", created)
		}
		got, ok, err := s.GetSession(ctx, "u1", created.ID)
		if err != nil || !ok {
			t.Fatalf("get own session: ok=%v err=%v", ok, err)
		}
		if got.Kind != domain.KindHomework {
			t.Fatalf("kind = %q", got.Kind)
		}
		if _, ok, err := s.GetSession(ctx, "u2", created.ID); err != nil || ok {
			t.Fatalf("foreign owner should miss: ok=%v err=%v", ok, err)
		}
		if _, ok, err := s.GetSession(ctx, "u1", created.ID+100); err != nil || ok {
			t.Fatalf("unknown id should miss: ok=%v err=%v", ok, err)
		}
	})

	t.Run("ledger keeps insertion order", func(t *testing.T) {
		s := newStore(t)
		session := mustCreate(t, s, "u1")
		contents := []struct {
			role    domain.Role
			content string
		}{
			{domain.RoleUser, "first"},
			{domain.RoleAssistant, "second"},
			{domain.RoleSystem, "third"},
			{domain.RoleUser, "fourth"},
		}
		var lastID int64
		for _, c := range contents {
			msg, err := s.AppendMessage(ctx, session.ID, domain.Message{Role: c.role, Content: c.content})
			if err != nil {
				t.Fatalf("append %q: %v", c.content, err)
			}
			if msg.ID <= lastID {
				t.Fatalf("message id %d not greater than %d", msg.ID, lastID)
			}
			lastID = msg.ID
		}
		history, err := s.ListMessages(ctx, session.ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(history) != len(contents) {
			t.Fatalf("history len = %d, want %d", len(history), len(contents))
		}
		for i, c := range contents {
			if history[i].Content != c.content || history[i].Role != c.role {
				t.Fatalf("history[%d] = %+v, want %s/%s", i, history[i], c.role, c.content)
			}
			if i > 0 && history[i].CreatedAt.Before(history[i-1].CreatedAt) {
				t.Fatalf("history[%d] stamped before its predecessor", i)
			}
		}
	})

	t.Run("append rejects bad entries", func(t *testing.T) {
		s := newStore(t)
		session := mustCreate(t, s, "u1")
		if _, err := s.AppendMessage(ctx, session.ID, domain.Message{Role: domain.RoleUser, Content: " \n"}); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("empty content err = %v", err)
		}
		if _, err := s.AppendMessage(ctx, session.ID, domain.Message{Role: "tool", Content: "x"}); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("bad role err = %v", err)
		}
		if _, err := s.AppendMessage(ctx, session.ID+999, domain.Message{Role: domain.RoleUser, Content: "x"}); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("missing session err = %v", err)
		}
		history, _ := s.ListMessages(ctx, session.ID)
		if len(history) != 0 {
			t.Fatalf("rejected entries were persisted: %+v", history)
		}
	})

	t.Run("metadata round trips", func(t *testing.T) {
		s := newStore(t)
		session := mustCreate(t, s, "u1")
		_, err := s.AppendMessage(ctx, session.ID, domain.Message{
			Role:     domain.RoleAssistant,
			Content:  "reply",
			Metadata: map[string]string{"provider": "mock", "model": "m1"},
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		history, _ := s.ListMessages(ctx, session.ID)
		if len(history) != 1 || history[0].Metadata["model"] != "m1" {
			t.Fatalf("metadata lost: %+v", history)
		}
	})

	t.Run("list orders by recent activity and counts non-system messages", func(t *testing.T) {
		s := newStore(t)
		older := mustCreate(t, s, "u1")
		tick()
		newer := mustCreate(t, s, "u1")
		mustCreate(t, s, "u2")
		tick()

		for _, role := range []domain.Role{domain.RoleSystem, domain.RoleUser, domain.RoleAssistant} {
			if _, err := s.AppendMessage(ctx, older.ID, domain.Message{Role: role, Content: "x"}); err != nil {
				t.Fatalf("append: %v", err)
			}
		}

		items, err := s.ListSessions(ctx, "u1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(items) != 2 {
			t.Fatalf("list len = %d, want 2", len(items))
		}
		if items[0].ID != older.ID || items[1].ID != newer.ID {
			t.Fatalf("unexpected order: %d, %d", items[0].ID, items[1].ID)
		}
		if items[0].MessageCount != 2 || items[1].MessageCount != 0 {
			t.Fatalf("message counts = %d, %d", items[0].MessageCount, items[1].MessageCount)
		}
		if !items[0].UpdatedAt.After(older.UpdatedAt) {
			t.Fatal("append did not bump updatedAt")
		}
	})

	t.Run("update applies supplied fields", func(t *testing.T) {
		s := newStore(t)
		session := mustCreate(t, s, "u1")
		tick()
		title := "Renamed"
		updated, err := s.UpdateSession(ctx, session.ID, domain.SessionPatch{Title: &title})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.Title != "Renamed" || updated.Status != domain.StatusActive {
			t.Fatalf("unexpected update: %+v", updated)
		}
		if !updated.UpdatedAt.After(session.UpdatedAt) {
			t.Fatal("update did not re-stamp updatedAt")
		}
		status := domain.StatusCompleted
		updated, err = s.UpdateSession(ctx, session.ID, domain.SessionPatch{Status: &status})
		if err != nil {
			t.Fatalf("update status: %v", err)
		}
		if updated.Status != domain.StatusCompleted || updated.Title != "Renamed" {
			t.Fatalf("unexpected update: %+v", updated)
		}
		if _, err := s.UpdateSession(ctx, session.ID+50, domain.SessionPatch{Title: &title}); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("missing session err = %v", err)
		}
	})

	t.Run("touch bumps updatedAt", func(t *testing.T) {
		s := newStore(t)
		session := mustCreate(t, s, "u1")
		tick()
		if err := s.TouchSession(ctx, session.ID); err != nil {
			t.Fatalf("touch: %v", err)
		}
		got, _, _ := s.GetSession(ctx, "u1", session.ID)
		if !got.UpdatedAt.After(session.UpdatedAt) {
			t.Fatalf("updatedAt not bumped: %v vs %v", got.UpdatedAt, session.UpdatedAt)
		}
	})

	t.Run("delete cascades to ledger", func(t *testing.T) {
		s := newStore(t)
		session := mustCreate(t, s, "u1")
		if _, err := s.AppendMessage(ctx, session.ID, domain.Message{Role: domain.RoleUser, Content: "x"}); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := s.DeleteSession(ctx, session.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, ok, _ := s.GetSession(ctx, "u1", session.ID); ok {
			t.Fatal("session still present after delete")
		}
		history, err := s.ListMessages(ctx, session.ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(history) != 0 {
			t.Fatalf("ledger survived delete: %+v", history)
		}
		if err := s.DeleteSession(ctx, session.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("second delete err = %v", err)
		}
	})

	t.Run("complete appends entries and closes session", func(t *testing.T) {
		s := newStore(t)
		session := mustCreate(t, s, "u1")
		if _, err := s.AppendMessage(ctx, session.ID, domain.Message{Role: domain.RoleUser, Content: "draft"}); err != nil {
			t.Fatalf("append: %v", err)
		}
		tick()
		done, written, err := s.CompleteSession(ctx, session.ID,
			domain.Message{Role: domain.RoleUser, Content: "closing", Metadata: map[string]string{"kind": "closing_request"}},
			domain.Message{Role: domain.RoleAssistant, Content: "feedback"},
		)
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if done.Status != domain.StatusCompleted || !done.UpdatedAt.After(session.UpdatedAt) {
			t.Fatalf("unexpected session: %+v", done)
		}
		if len(written) != 2 || written[0].ID >= written[1].ID || written[0].Metadata["kind"] != "closing_request" {
			t.Fatalf("unexpected entries: %+v", written)
		}
		history, err := s.ListMessages(ctx, session.ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(history) != 3 || history[1].Content != "closing" || history[2].Content != "feedback" {
			t.Fatalf("unexpected ledger: %+v", history)
		}
		got, _, _ := s.GetSession(ctx, "u1", session.ID)
		if got.Status != domain.StatusCompleted {
			t.Fatalf("stored status = %q", got.Status)
		}
	})

	t.Run("complete is all or nothing", func(t *testing.T) {
		s := newStore(t)
		session := mustCreate(t, s, "u1")
		_, _, err := s.CompleteSession(ctx, session.ID,
			domain.Message{Role: domain.RoleUser, Content: "closing"},
			domain.Message{Role: domain.RoleAssistant, Content: "  "},
		)
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("blank entry err = %v, want ErrValidation", err)
		}
		if history, _ := s.ListMessages(ctx, session.ID); len(history) != 0 {
			t.Fatalf("partial write: %+v", history)
		}
		if got, _, _ := s.GetSession(ctx, "u1", session.ID); got.Status != domain.StatusActive {
			t.Fatalf("status = %q after failed complete", got.Status)
		}

		if _, _, err := s.CompleteSession(ctx, session.ID, domain.Message{Role: domain.RoleAssistant, Content: "ok"}); err != nil {
			t.Fatalf("complete: %v", err)
		}
		_, _, err = s.CompleteSession(ctx, session.ID, domain.Message{Role: domain.RoleAssistant, Content: "again"})
		if !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("second complete err = %v, want ErrInvalidState", err)
		}
		if history, _ := s.ListMessages(ctx, session.ID); len(history) != 1 {
			t.Fatalf("ledger len = %d after rejected complete", len(history))
		}
		if _, _, err := s.CompleteSession(ctx, session.ID+77); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("missing session err = %v", err)
		}
	})
}

func mustCreate(t *testing.T, s Store, owner string) domain.Session {
	t.Helper()
	session, err := s.CreateSession(context.Background(), domain.Session{OwnerID: owner, Title: "Task", Kind: domain.KindFree})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

// tick lets wall-clock based stores observe a strictly later timestamp.
func tick() { time.Sleep(5 * time.Millisecond) }
