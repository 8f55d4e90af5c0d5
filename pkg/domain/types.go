package domain

import (
	"strings"
	"time"
)

type SessionKind string

const (
	KindHomework SessionKind = "homework"
	KindFree     SessionKind = "free"
)

// Valid reports whether k is a known session kind.
func (k SessionKind) Valid() bool {
	return k == KindHomework || k == KindFree
}

type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	return s == StatusActive || s == StatusCompleted
}

// CanTransitionTo encodes the session lifecycle: active may stay active or
// become completed; completed is terminal.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case StatusActive:
		return next == StatusActive || next == StatusCompleted
	default:
		return false
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known ledger role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

type Session struct {
	ID        int64         `json:"id"`
	OwnerID   string        `json:"ownerId"`
	Title     string        `json:"title"`
	Kind      SessionKind   `json:"kind"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// SessionSummary is a list row: the session plus its non-system message count.
type SessionSummary struct {
	Session
	MessageCount int `json:"messageCount"`
}

// SessionDetail is a session together with its full ledger.
type SessionDetail struct {
	Session
	Messages []Message `json:"messages"`
}

// SessionPatch carries the optional fields of a session update.
type SessionPatch struct {
	Title  *string        `json:"title,omitempty"`
	Status *SessionStatus `json:"status,omitempty"`
}

type Message struct {
	ID        int64             `json:"id"`
	SessionID int64             `json:"sessionId"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ValidateTitle trims a session title and rejects blank input.
func ValidateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", Validationf("title required")
	}
	return title, nil
}
