package services

import (
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/google/uuid"
)

// SweepActionKind names a time-based transition
type SweepActionKind string

const (
	SweepCancelStale  SweepActionKind = "cancel_stale"
	SweepAutoComplete SweepActionKind = "auto_complete"
	SweepCloseChat    SweepActionKind = "close_chat"
)

// SweepRules are the time thresholds of a tick
type SweepRules struct {
	StalePendingAfter  time.Duration
	CompletionLookback time.Duration
}

// SweepCandidates are the rows a tick considers, as read from the store
type SweepCandidates struct {
	StalePending        []models.Booking
	EndedWithoutSession []models.Booking
	ExpiredChats        []models.Session
}

// SweepAction is one intended mutation
type SweepAction struct {
	Kind      SweepActionKind `json:"kind"`
	BookingID uuid.UUID       `json:"booking_id"`
	SessionID *uuid.UUID      `json:"session_id,omitempty"`
}

// PlanSweep decides the mutations of one tick at now. Stale cancellations are
// planned first and a booking appears at most once, so no booking can be both
// cancelled and completed in the same tick.
func PlanSweep(now time.Time, rules SweepRules, c SweepCandidates) []SweepAction {
	actions := []SweepAction{}
	seen := make(map[uuid.UUID]bool)

	staleBefore := now.Add(-rules.StalePendingAfter)
	for _, b := range c.StalePending {
		if b.Status != models.BookingStatusPending || !b.CreatedAt.Before(staleBefore) || seen[b.ID] {
			continue
		}
		seen[b.ID] = true
		actions = append(actions, SweepAction{Kind: SweepCancelStale, BookingID: b.ID})
	}

	lookbackFrom := now.Add(-rules.CompletionLookback)
	for _, b := range c.EndedWithoutSession {
		if b.Status != models.BookingStatusConfirmed || seen[b.ID] {
			continue
		}
		if b.EndTime.After(now) || !b.EndTime.After(lookbackFrom) {
			continue
		}
		seen[b.ID] = true
		actions = append(actions, SweepAction{Kind: SweepAutoComplete, BookingID: b.ID})
	}

	for _, s := range c.ExpiredChats {
		if s.ChatExpiresAt == nil || !s.ChatExpiresAt.Before(now) || seen[s.BookingID] {
			continue
		}
		seen[s.BookingID] = true
		id := s.ID
		actions = append(actions, SweepAction{Kind: SweepCloseChat, BookingID: s.BookingID, SessionID: &id})
	}

	return actions
}
