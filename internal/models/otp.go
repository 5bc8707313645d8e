package models

import (
	"time"

	"github.com/google/uuid"
)

// OTPPurpose scopes a one-time code; one live code per (purpose, booking)
type OTPPurpose string

const (
	OTPPurposeCompletion OTPPurpose = "completion"
)

// OTPRecord is the live code for (Purpose, BookingID). Only a bcrypt hash of the
// code is persisted.
type OTPRecord struct {
	Purpose   OTPPurpose `json:"purpose" db:"purpose"`
	BookingID uuid.UUID  `json:"booking_id" db:"booking_id"`
	CodeHash  string     `json:"-" db:"code_hash"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// IsExpired reports whether the code is past its expiry at now
func (r *OTPRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// IssueOTPResponse is returned when a completion code is issued.
// Code is only populated when OTP delivery runs in response mode (development).
type IssueOTPResponse struct {
	BookingID uuid.UUID `json:"booking_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Code      string    `json:"code,omitempty"`
}
