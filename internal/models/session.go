package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatWindowDuration is the fixed offset from session end to chat expiry
const ChatWindowDuration = 24 * time.Hour

// Session is the executed consultation for a booking (at most one per booking).
// A nil ChatExpiresAt means chat is disabled.
type Session struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	BookingID     uuid.UUID  `json:"booking_id" db:"booking_id"`
	StartedAt     time.Time  `json:"started_at" db:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	ChatExpiresAt *time.Time `json:"chat_expires_at,omitempty" db:"chat_expires_at"`
	ChatClosedAt  *time.Time `json:"chat_closed_at,omitempty" db:"chat_closed_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// HasEnded reports whether the session has an end timestamp
func (s *Session) HasEnded() bool {
	return s.EndedAt != nil
}

// ChatStatusResponse describes the chat window of a booking's session
type ChatStatusResponse struct {
	BookingID uuid.UUID  `json:"booking_id"`
	Open      bool       `json:"open"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
