package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type SessionModel struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	OwnerID   string         `gorm:"not null;index"`
	Title     string         `gorm:"not null"`
	Kind      string         `gorm:"not null"`
	Status    string         `gorm:"not null;default:active"`
	CreatedAt time.Time      `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null;index"`
	Messages  []MessageModel `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

type MessageModel struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	SessionID int64          `gorm:"not null;index:idx_message_session_order,priority:1"`
	Role      string         `gorm:"not null"`
	Content   string         `gorm:"type:text;not null"`
	Metadata  datatypes.JSON
	CreatedAt time.Time      `gorm:"not null;index:idx_message_session_order,priority:2"`
}

// sessionSummaryRow is the scan target for ListSessions.
type sessionSummaryRow struct {
	ID           int64
	OwnerID      string
	Title        string
	Kind         string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}
