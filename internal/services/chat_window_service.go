package services

import (
	"context"
	"fmt"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/database"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
)

// ChatWindowManager owns Session.ChatExpiresAt. A window is opened once at
// session end and closed by the sweep after it elapses; it is never extended.
type ChatWindowManager struct {
	window time.Duration
}

// NewChatWindowManager creates a manager; a non-positive window uses the 24h default
func NewChatWindowManager(window time.Duration) *ChatWindowManager {
	if window <= 0 {
		window = models.ChatWindowDuration
	}
	return &ChatWindowManager{window: window}
}

// Open sets the chat expiry to endedAt + window. It reports false when the
// session already had a window, leaving the stored expiry untouched.
func (m *ChatWindowManager) Open(ctx context.Context, tx database.Tx, sess *models.Session, endedAt time.Time) (time.Time, bool, error) {
	expiresAt := endedAt.Add(m.window)
	opened, err := tx.Sessions().OpenChat(ctx, sess.ID, expiresAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to open chat window: %w", err)
	}
	if opened {
		sess.ChatExpiresAt = &expiresAt
	}
	return expiresAt, opened, nil
}

// Close clears an elapsed window. It reports false if the window is still
// open at now or was already cleared.
func (m *ChatWindowManager) Close(ctx context.Context, tx database.Tx, sess *models.Session, now time.Time) (bool, error) {
	closed, err := tx.Sessions().CloseChat(ctx, sess.ID, now)
	if err != nil {
		return false, fmt.Errorf("failed to close chat window: %w", err)
	}
	if closed {
		sess.ChatExpiresAt = nil
		sess.ChatClosedAt = &now
	}
	return closed, nil
}

// IsOpen reports whether chat is enabled for sess at now
func (m *ChatWindowManager) IsOpen(sess *models.Session, now time.Time) bool {
	return sess != nil && sess.ChatExpiresAt != nil && !now.After(*sess.ChatExpiresAt)
}

// Status describes the chat window of a booking; a booking without a session has chat disabled
func (m *ChatWindowManager) Status(b *models.Booking, sess *models.Session, now time.Time) *models.ChatStatusResponse {
	resp := &models.ChatStatusResponse{BookingID: b.ID}
	if sess == nil {
		return resp
	}
	resp.Open = m.IsOpen(sess, now)
	resp.ExpiresAt = sess.ChatExpiresAt
	return resp
}
