// Package events announces job and batch lifecycle changes on the message
// broker. Delivery is best effort: a failed publish is logged and never
// fails the operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/post-scheduler/shared/rabbitmq"
)

// Event types, also used as routing keys.
const (
	JobScheduled   = "job.scheduled"
	JobCancelled   = "job.cancelled"
	JobCompleted   = "job.completed"
	JobFailed      = "job.failed"
	JobRetrying    = "job.retrying"
	BatchScheduled = "batch.scheduled"
	BatchCancelled = "batch.cancelled"
	BatchPaused    = "batch.paused"
	BatchResumed   = "batch.resumed"
	BatchCompleted = "batch.completed"
)

// WakeupKeys are the routing keys after which due work may exist earlier
// than the next poll.
var WakeupKeys = []string{JobScheduled, BatchScheduled, BatchResumed}

// Event is the message body.
type Event struct {
	Type       string     `json:"type"`
	UserID     string     `json:"user_id"`
	JobID      string     `json:"job_id,omitempty"`
	BatchID    string     `json:"batch_id,omitempty"`
	Status     string     `json:"status,omitempty"`
	Attempt    int        `json:"attempt,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Nop drops every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) {}

// broker is the subset of the RabbitMQ client used here.
type broker interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// RabbitPublisher sends events to the topic exchange.
type RabbitPublisher struct {
	client broker
	logger *slog.Logger
}

var _ broker = (*rabbitmq.Client)(nil)

// NewRabbitPublisher creates a RabbitPublisher.
func NewRabbitPublisher(client *rabbitmq.Client, logger *slog.Logger) *RabbitPublisher {
	return &RabbitPublisher{client: client, logger: logger}
}

// Publish implements Publisher.
func (p *RabbitPublisher) Publish(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to encode event",
			slog.String("type", event.Type),
			slog.Any("error", err),
		)
		return
	}

	if err := p.client.PublishWithRetry(ctx, event.Type, body, "application/json"); err != nil {
		p.logger.Warn("Failed to publish event",
			slog.String("type", event.Type),
			slog.String("job_id", event.JobID),
			slog.String("batch_id", event.BatchID),
			slog.Any("error", err),
		)
	}
}
