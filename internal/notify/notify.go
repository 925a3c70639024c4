package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/logger"

	"github.com/foodshare/fulfillment/internal/models"
	"github.com/foodshare/fulfillment/internal/repository"
)

type EventKind string

const (
	EventAssignmentRequested EventKind = "assignment.requested"
	EventAssignmentAccepted  EventKind = "assignment.accepted"
	EventAssignmentDeclined  EventKind = "assignment.declined"
	EventAssignmentExpired   EventKind = "assignment.expired"
)

// Event is what volunteers and drivers receive about a negotiation.
type Event struct {
	Kind        EventKind         `json:"kind"`
	TargetKind  models.TargetKind `json:"target_kind"`
	TargetID    string            `json:"target_id"`
	CampaignID  string            `json:"campaign_id"`
	VolunteerID string            `json:"volunteer_id"`
	RequestID   string            `json:"request_id,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Gateway delivers events to the outside world. The core never waits on
// delivery; see Send.
type Gateway interface {
	Notify(ctx context.Context, ev Event) error
}

type Publisher interface {
	Publish(topic string, message []byte) error
}

// Send calls g and only logs a failure. State transitions that triggered the
// event are already committed and stay that way.
func Send(ctx context.Context, g Gateway, ev Event) {
	if g == nil {
		return
	}
	if err := g.Notify(ctx, ev); err != nil {
		logger.Warningf("notify %s for %s %s failed: %v", ev.Kind, ev.TargetKind, ev.TargetID, err)
	}
}

// OutboxGateway stores events as tasks; processor.TaskProcessor publishes them.
type OutboxGateway struct {
	tasks repository.TaskRepository
	topic string
}

func NewOutboxGateway(tasks repository.TaskRepository, topic string) *OutboxGateway {
	return &OutboxGateway{tasks: tasks, topic: topic}
}

func (g *OutboxGateway) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := g.tasks.CreateTask(ctx, g.topic, payload); err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	return nil
}

// PublisherGateway publishes synchronously without an outbox.
type PublisherGateway struct {
	pub   Publisher
	topic string
}

func NewPublisherGateway(pub Publisher, topic string) *PublisherGateway {
	return &PublisherGateway{pub: pub, topic: topic}
}

func (g *PublisherGateway) Notify(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return g.pub.Publish(g.topic, payload)
}

// LogGateway only writes events to the log.
type LogGateway struct{}

func (LogGateway) Notify(_ context.Context, ev Event) error {
	logger.Infof("event %s: %s %s -> volunteer %s", ev.Kind, ev.TargetKind, ev.TargetID, ev.VolunteerID)
	return nil
}

// LogEvent is the consumer-side handler used when no driver app is attached.
func LogEvent(ev Event) {
	logger.Infof("consumed %s for %s %s, volunteer %s", ev.Kind, ev.TargetKind, ev.TargetID, ev.VolunteerID)
}
