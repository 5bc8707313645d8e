package services

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogPublisher_RedactsCompletionCode(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	recipient := uuid.New()
	event := models.NewLifecycleEvent(models.EventCompletionOTPIssued, uuid.New(), time.Now(), models.CompletionOTPData{
		RecipientID: recipient,
		Code:        "482913",
		ExpiresAt:   time.Now().Add(15 * time.Minute),
	})

	require.NoError(t, NewLogPublisher(logger).Publish(context.Background(), event))
	assert.NotContains(t, buf.String(), "482913")
	assert.Contains(t, buf.String(), recipient.String())
	assert.Contains(t, buf.String(), models.EventCompletionOTPIssued)
}

func TestLogPublisher_KeepsOrdinaryPayloads(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	event := models.NewLifecycleEvent(models.EventBookingStatusChanged, uuid.New(), time.Now(), models.StatusChangedData{
		From:    models.BookingStatusPending,
		To:      models.BookingStatusConfirmed,
		Trigger: "payment",
	})

	require.NoError(t, NewLogPublisher(logger).Publish(context.Background(), event))
	assert.Contains(t, buf.String(), `"trigger":"payment"`)
}

type captureBus struct {
	keys   []string
	values []any
}

func (b *captureBus) PublishJSON(_ context.Context, key string, v any) error {
	b.keys = append(b.keys, key)
	b.values = append(b.values, v)
	return nil
}

func TestBusPublisher_Keys(t *testing.T) {
	bookingID := uuid.New()
	event := models.NewLifecycleEvent(models.EventRefundIssued, bookingID, time.Now(), models.RefundIssuedData{Amount: 1000})

	routed := &captureBus{}
	require.NoError(t, NewRoutedPublisher(routed).Publish(context.Background(), event))
	assert.Equal(t, []string{models.EventRefundIssued}, routed.keys)

	partitioned := &captureBus{}
	require.NoError(t, NewPartitionedPublisher(partitioned).Publish(context.Background(), event))
	assert.Equal(t, []string{bookingID.String()}, partitioned.keys)
	assert.Equal(t, event, partitioned.values[0])
}
