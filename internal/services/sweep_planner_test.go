package services

import (
	"testing"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanSweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rules := SweepRules{StalePendingAfter: 30 * time.Minute, CompletionLookback: time.Hour}

	stale := models.Booking{ID: uuid.New(), Status: models.BookingStatusPending, CreatedAt: now.Add(-31 * time.Minute)}
	young := models.Booking{ID: uuid.New(), Status: models.BookingStatusPending, CreatedAt: now.Add(-29 * time.Minute)}
	exactlyStale := models.Booking{ID: uuid.New(), Status: models.BookingStatusPending, CreatedAt: now.Add(-30 * time.Minute)}
	paid := models.Booking{ID: uuid.New(), Status: models.BookingStatusConfirmed, CreatedAt: now.Add(-2 * time.Hour)}

	ended := models.Booking{ID: uuid.New(), Status: models.BookingStatusConfirmed, EndTime: now.Add(-10 * time.Minute)}
	running := models.Booking{ID: uuid.New(), Status: models.BookingStatusConfirmed, EndTime: now.Add(10 * time.Minute)}
	old := models.Booking{ID: uuid.New(), Status: models.BookingStatusConfirmed, EndTime: now.Add(-2 * time.Hour)}

	expired := now.Add(-time.Second)
	notYet := now.Add(time.Second)
	expiredChat := models.Session{ID: uuid.New(), BookingID: uuid.New(), ChatExpiresAt: &expired}
	openChat := models.Session{ID: uuid.New(), BookingID: uuid.New(), ChatExpiresAt: &notYet}
	closedChat := models.Session{ID: uuid.New(), BookingID: uuid.New()}

	actions := PlanSweep(now, rules, SweepCandidates{
		StalePending:        []models.Booking{stale, young, exactlyStale, paid, stale},
		EndedWithoutSession: []models.Booking{ended, running, old},
		ExpiredChats:        []models.Session{expiredChat, openChat, closedChat},
	})

	require.Len(t, actions, 3)
	assert.Equal(t, SweepAction{Kind: SweepCancelStale, BookingID: stale.ID}, actions[0])
	assert.Equal(t, SweepAction{Kind: SweepAutoComplete, BookingID: ended.ID}, actions[1])
	assert.Equal(t, SweepCloseChat, actions[2].Kind)
	assert.Equal(t, expiredChat.BookingID, actions[2].BookingID)
	require.NotNil(t, actions[2].SessionID)
	assert.Equal(t, expiredChat.ID, *actions[2].SessionID)
}

func TestPlanSweep_BookingPlannedOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rules := SweepRules{StalePendingAfter: 30 * time.Minute, CompletionLookback: time.Hour}

	id := uuid.New()
	// the same booking read twice with different statuses across queries
	asPending := models.Booking{ID: id, Status: models.BookingStatusPending, CreatedAt: now.Add(-time.Hour)}
	asConfirmed := models.Booking{ID: id, Status: models.BookingStatusConfirmed, EndTime: now.Add(-time.Minute)}
	expired := now.Add(-time.Minute)

	actions := PlanSweep(now, rules, SweepCandidates{
		StalePending:        []models.Booking{asPending},
		EndedWithoutSession: []models.Booking{asConfirmed},
		ExpiredChats:        []models.Session{{ID: uuid.New(), BookingID: id, ChatExpiresAt: &expired}},
	})

	require.Len(t, actions, 1)
	assert.Equal(t, SweepCancelStale, actions[0].Kind)
}

func TestPlanSweep_Empty(t *testing.T) {
	actions := PlanSweep(time.Now(), SweepRules{StalePendingAfter: time.Minute, CompletionLookback: time.Hour}, SweepCandidates{})
	assert.NotNil(t, actions)
	assert.Empty(t, actions)
}
