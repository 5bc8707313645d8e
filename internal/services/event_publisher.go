package services

import (
	"context"
	"sync"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/sirupsen/logrus"
)

// EventPublisher delivers lifecycle events to downstream collaborators
type EventPublisher interface {
	Publish(ctx context.Context, event models.LifecycleEvent) error
}

// JSONBus is the transport side of a publisher (pkg/mq.Publisher, pkg/mq.KafkaProducer)
type JSONBus interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// BusPublisher publishes events to a JSONBus under a key derived from the event
type BusPublisher struct {
	bus   JSONBus
	keyOf func(models.LifecycleEvent) string
}

// NewRoutedPublisher uses the event name as routing key (topic exchanges)
func NewRoutedPublisher(bus JSONBus) *BusPublisher {
	return &BusPublisher{bus: bus, keyOf: func(e models.LifecycleEvent) string { return e.Event }}
}

// NewPartitionedPublisher keys by booking id so one booking's events stay ordered (Kafka)
func NewPartitionedPublisher(bus JSONBus) *BusPublisher {
	return &BusPublisher{bus: bus, keyOf: func(e models.LifecycleEvent) string { return e.BookingID.String() }}
}

// Publish implements EventPublisher
func (p *BusPublisher) Publish(ctx context.Context, event models.LifecycleEvent) error {
	return p.bus.PublishJSON(ctx, p.keyOf(event), event)
}

// LogPublisher writes events to the log only
type LogPublisher struct {
	logger *logrus.Logger
}

// NewLogPublisher creates a LogPublisher
func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements EventPublisher. Payloads carrying secrets are logged redacted.
func (p *LogPublisher) Publish(ctx context.Context, event models.LifecycleEvent) error {
	data := event.Data
	if r, ok := data.(interface{ Redacted() interface{} }); ok {
		data = r.Redacted()
	}
	p.logger.WithFields(logrus.Fields{
		"event":      event.Event,
		"booking_id": event.BookingID,
		"data":       data,
	}).Info("Lifecycle event")
	return nil
}

// RecordingPublisher keeps every published event in memory
type RecordingPublisher struct {
	mu     sync.Mutex
	events []models.LifecycleEvent
}

// Publish implements EventPublisher
func (p *RecordingPublisher) Publish(ctx context.Context, event models.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns the recorded events named name, or all when name is empty
func (p *RecordingPublisher) Events(name string) []models.LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []models.LifecycleEvent{}
	for _, e := range p.events {
		if name == "" || e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

// emitter publishes after commit. Delivery is best effort: a broker outage is
// logged and never fails the transition that already committed.
type emitter struct {
	publisher EventPublisher
	logger    *logrus.Logger
}

func (e emitter) emit(ctx context.Context, events ...models.LifecycleEvent) {
	for _, ev := range events {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := e.publisher.Publish(pubCtx, ev)
		cancel()
		if err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"event":      ev.Event,
				"booking_id": ev.BookingID,
			}).Error("Failed to publish lifecycle event")
		}
	}
}
