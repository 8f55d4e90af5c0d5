package app

import (
	"context"
	"fmt"
	"strings"

	"writingbuddy/internal/util"
	"writingbuddy/pkg/domain"
	"writingbuddy/pkg/events"
)

// CreateSession opens a new active session for ownerID.
func (a *App) CreateSession(ctx context.Context, ownerID, title string, kind domain.SessionKind) (domain.Session, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.Session{}, domain.Validationf("owner required")
	}
	title, err := domain.ValidateTitle(title)
	if err != nil {
		return domain.Session{}, err
	}
	if !kind.Valid() {
		return domain.Session{}, domain.Validationf("invalid kind %q", kind)
	}
	session, err := a.store.CreateSession(ctx, domain.Session{OwnerID: ownerID, Title: title, Kind: kind})
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	util.LoggerFromContext(ctx).Info("session_created", "session_id", session.ID, "kind", session.Kind)
	a.publish(ctx, events.Event{Type: events.SessionCreated, SessionID: session.ID, OwnerID: ownerID})
	return session, nil
}

// GetSession returns the session when ownerID owns it; otherwise NotFound.
func (a *App) GetSession(ctx context.Context, ownerID string, id int64) (domain.Session, error) {
	session, ok, err := a.store.GetSession(ctx, ownerID, id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	if !ok {
		return domain.Session{}, domain.NotFoundf("session %d", id)
	}
	return session, nil
}

// GetSessionDetail returns the session together with its full ledger.
func (a *App) GetSessionDetail(ctx context.Context, ownerID string, id int64) (domain.SessionDetail, error) {
	session, err := a.GetSession(ctx, ownerID, id)
	if err != nil {
		return domain.SessionDetail{}, err
	}
	messages, err := a.store.ListMessages(ctx, id)
	if err != nil {
		return domain.SessionDetail{}, fmt.Errorf("list messages: %w", err)
	}
	return domain.SessionDetail{Session: session, Messages: messages}, nil
}

// ListSessions returns ownerID's sessions, most recently active first.
func (a *App) ListSessions(ctx context.Context, ownerID string) ([]domain.SessionSummary, error) {
	items, err := a.store.ListSessions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return items, nil
}

// UpdateSession applies a partial update. Titles must be non-empty; status
// may only be re-asserted, since completion belongs to FinishSession and
// completed sessions never reopen. An empty patch returns the session as is.
func (a *App) UpdateSession(ctx context.Context, ownerID string, id int64, patch domain.SessionPatch) (domain.Session, error) {
	if patch.Title != nil {
		title, err := domain.ValidateTitle(*patch.Title)
		if err != nil {
			return domain.Session{}, err
		}
		patch.Title = &title
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return domain.Session{}, domain.Validationf("invalid status %q", *patch.Status)
	}

	session, unlock, err := a.lockOwnedSession(ctx, ownerID, id)
	if err != nil {
		return domain.Session{}, err
	}
	defer unlock()

	if patch.Status != nil {
		next := *patch.Status
		switch {
		case next == session.Status:
			patch.Status = nil
		case next == domain.StatusCompleted && session.Status.CanTransitionTo(next):
			return domain.Session{}, domain.InvalidStatef("session %d can only be completed by finishing it", id)
		default:
			return domain.Session{}, domain.InvalidStatef("session %d cannot move from %s to %s", id, session.Status, next)
		}
	}
	if patch.Title != nil && *patch.Title == session.Title {
		patch.Title = nil
	}
	if patch.Title == nil && patch.Status == nil {
		return session, nil
	}
	updated, err := a.store.UpdateSession(ctx, id, patch)
	if err != nil {
		return domain.Session{}, fmt.Errorf("update session: %w", err)
	}
	return updated, nil
}

// lockOwnedSession checks ownership before taking the session lock, so a
// caller never waits on or learns about another owner's session. The
// session is read again under the lock.
func (a *App) lockOwnedSession(ctx context.Context, ownerID string, id int64) (domain.Session, func(), error) {
	if _, err := a.GetSession(ctx, ownerID, id); err != nil {
		return domain.Session{}, nil, err
	}
	unlock, err := a.lockSession(ctx, id)
	if err != nil {
		return domain.Session{}, nil, err
	}
	session, err := a.GetSession(ctx, ownerID, id)
	if err != nil {
		unlock()
		return domain.Session{}, nil, err
	}
	return session, unlock, nil
}
