package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"writingbuddy/pkg/domain"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	nextSessionID int64
	nextMessageID int64
	sessions      map[int64]domain.Session
	messages      map[int64][]domain.Message
}

// NewMemoryStore builds an empty store. now defaults to time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      func() time.Time { return now().UTC() },
		sessions: make(map[int64]domain.Session),
		messages: make(map[int64][]domain.Message),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateSession(_ context.Context, session domain.Session) (domain.Session, error) {
	if err := validateSession(session); err != nil {
		return domain.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSessionID++
	now := s.now()
	session.ID = s.nextSessionID
	session.OwnerID = strings.TrimSpace(session.OwnerID)
	session.Title = strings.TrimSpace(session.Title)
	session.Status = domain.StatusActive
	session.CreatedAt = now
	session.UpdatedAt = now
	s.sessions[session.ID] = session
	return session, nil
}

func (s *MemoryStore) GetSession(_ context.Context, ownerID string, id int64) (domain.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok || session.OwnerID != ownerID {
		return domain.Session{}, false, nil
	}
	return session, true, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, ownerID string) ([]domain.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]domain.SessionSummary, 0)
	for id, session := range s.sessions {
		if session.OwnerID != ownerID {
			continue
		}
		count := 0
		for _, msg := range s.messages[id] {
			if msg.Role != domain.RoleSystem {
				count++
			}
		}
		items = append(items, domain.SessionSummary{Session: session, MessageCount: count})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	return items, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, id int64, patch domain.SessionPatch) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.NotFoundf("session %d", id)
	}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return domain.Session{}, domain.Validationf("title required")
		}
		session.Title = title
	}
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return domain.Session{}, domain.Validationf("invalid status %q", *patch.Status)
		}
		session.Status = *patch.Status
	}
	session.UpdatedAt = s.laterThan(session.UpdatedAt)
	s.sessions[id] = session
	return session, nil
}

func (s *MemoryStore) TouchSession(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return domain.NotFoundf("session %d", id)
	}
	session.UpdatedAt = s.laterThan(session.UpdatedAt)
	s.sessions[id] = session
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return domain.NotFoundf("session %d", id)
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, sessionID int64, msg domain.Message) (domain.Message, error) {
	if err := validateMessage(msg); err != nil {
		return domain.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Message{}, domain.NotFoundf("session %d", sessionID)
	}
	now := s.nextStamp(sessionID)
	stored := s.appendLocked(sessionID, msg, now)
	if now.After(session.UpdatedAt) {
		session.UpdatedAt = now
		s.sessions[sessionID] = session
	}
	return stored, nil
}

// CompleteSession appends entries and marks the session completed under a
// single write lock.
func (s *MemoryStore) CompleteSession(_ context.Context, id int64, entries ...domain.Message) (domain.Session, []domain.Message, error) {
	for _, msg := range entries {
		if err := validateMessage(msg); err != nil {
			return domain.Session{}, nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, nil, domain.NotFoundf("session %d", id)
	}
	if !session.Status.CanTransitionTo(domain.StatusCompleted) {
		return domain.Session{}, nil, domain.InvalidStatef("session %d already %s", id, session.Status)
	}
	now := s.nextStamp(id)
	stored := make([]domain.Message, 0, len(entries))
	for _, msg := range entries {
		stored = append(stored, s.appendLocked(id, msg, now))
	}
	session.Status = domain.StatusCompleted
	if now.After(session.UpdatedAt) {
		session.UpdatedAt = now
	}
	s.sessions[id] = session
	return session, stored, nil
}

// nextStamp never returns a time earlier than the ledger's latest entry.
// Callers hold s.mu.
func (s *MemoryStore) nextStamp(sessionID int64) time.Time {
	now := s.now()
	if ledger := s.messages[sessionID]; len(ledger) > 0 && now.Before(ledger[len(ledger)-1].CreatedAt) {
		now = ledger[len(ledger)-1].CreatedAt
	}
	return now
}

func (s *MemoryStore) appendLocked(sessionID int64, msg domain.Message, at time.Time) domain.Message {
	s.nextMessageID++
	stored := domain.Message{
		ID:        s.nextMessageID,
		SessionID: sessionID,
		Role:      msg.Role,
		Content:   msg.Content,
		Metadata:  copyMetadata(msg.Metadata),
		CreatedAt: at,
	}
	s.messages[sessionID] = append(s.messages[sessionID], stored)
	stored.Metadata = copyMetadata(stored.Metadata)
	return stored
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID int64) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ledger := s.messages[sessionID]
	out := make([]domain.Message, 0, len(ledger))
	for _, msg := range ledger {
		msg.Metadata = copyMetadata(msg.Metadata)
		out = append(out, msg)
	}
	return out, nil
}

// laterThan returns now, or prev when the clock has not advanced past it.
func (s *MemoryStore) laterThan(prev time.Time) time.Time {
	now := s.now()
	if now.Before(prev) {
		return prev
	}
	return now
}

func copyMetadata(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
