package store

import (
	"context"
	"strings"

	"writingbuddy/pkg/domain"
)

// Store persists writing sessions and their append-only message ledgers.
//
// Lookups that can miss return (value, false, nil). Writes against a missing
// session return an error wrapping domain.ErrNotFound.
type Store interface {
	// sessions
	CreateSession(ctx context.Context, session domain.Session) (domain.Session, error)
	GetSession(ctx context.Context, ownerID string, id int64) (domain.Session, bool, error)
	ListSessions(ctx context.Context, ownerID string) ([]domain.SessionSummary, error)
	UpdateSession(ctx context.Context, id int64, patch domain.SessionPatch) (domain.Session, error)
	TouchSession(ctx context.Context, id int64) error
	DeleteSession(ctx context.Context, id int64) error

	// ledger
	AppendMessage(ctx context.Context, sessionID int64, msg domain.Message) (domain.Message, error)
	ListMessages(ctx context.Context, sessionID int64) ([]domain.Message, error)
	// CompleteSession appends entries and moves an active session to
	// completed atomically. Completed sessions yield domain.ErrInvalidState
	// and nothing is written.
	CompleteSession(ctx context.Context, id int64, entries ...domain.Message) (domain.Session, []domain.Message, error)

	Close() error
}

// validateMessage checks a ledger entry before it is written.
func validateMessage(msg domain.Message) error {
	if !msg.Role.Valid() {
		return domain.Validationf("invalid role %q", msg.Role)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return domain.Validationf("message content required")
	}
	return nil
}

func validateSession(session domain.Session) error {
	if strings.TrimSpace(session.OwnerID) == "" {
		return domain.Validationf("owner required")
	}
	if strings.TrimSpace(session.Title) == "" {
		return domain.Validationf("title required")
	}
	if !session.Kind.Valid() {
		return domain.Validationf("invalid kind %q", session.Kind)
	}
	if session.Status != "" && !session.Status.Valid() {
		return domain.Validationf("invalid status %q", session.Status)
	}
	return nil
}
