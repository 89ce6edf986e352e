package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/post-scheduler/internal/events"
)

// WakeupSource delivers scheduling events that may make work due early.
type WakeupSource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// setupConsumer starts consuming the wake-up queue
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.wakeups.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Wake-up consumer started",
		slog.String("consumer_tag", w.workerID),
	)
	return deliveries, nil
}

// startWakeupListener triggers a tick for every scheduling event. The event
// itself carries no work; the tick re-reads the store.
func (w *Worker) startWakeupListener(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Wake-up delivery channel closed, resubscribing")
				if deliveries = w.resubscribe(ctx); deliveries == nil {
					return
				}
				continue
			}

			var event events.Event
			if err := json.Unmarshal(delivery.Body, &event); err != nil {
				w.logger.Error("Failed to parse wake-up event",
					slog.Any("error", err),
					slog.String("body", string(delivery.Body)),
				)
				// malformed messages are dropped, not requeued
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			w.logger.Debug("Wake-up event received",
				slog.String("type", event.Type),
				slog.String("job_id", event.JobID),
				slog.String("batch_id", event.BatchID),
			)
			w.Trigger()

			if ackErr := delivery.Ack(false); ackErr != nil {
				w.logger.Error("Failed to ACK wake-up event",
					slog.Any("error", ackErr),
				)
			}
		}
	}
}

// resubscribe retries the wake-up subscription once per interval until it
// succeeds or ctx is done. Polling carries on meanwhile.
func (w *Worker) resubscribe(ctx context.Context) <-chan amqp.Delivery {
	if w.wakeups == nil {
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			deliveries, err := w.setupConsumer()
			if err == nil {
				return deliveries
			}
			w.logger.Warn("Failed to resubscribe to wake-ups", slog.Any("error", err))
		}
	}
}
