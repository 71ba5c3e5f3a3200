package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"payment-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishPaymentPaid publishes a PaymentPaid event
func (ep *EventPublisher) PublishPaymentPaid(ctx context.Context, event *models.PaymentPaidEvent) error {
	key := fmt.Sprintf("payment-%s", event.PaymentID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler routes incoming payment events
type EventHandler struct {
	onPaymentPaid func(context.Context, *models.PaymentPaidEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnPaymentPaid registers a handler for PaymentPaid events
func (eh *EventHandler) OnPaymentPaid(handler func(context.Context, *models.PaymentPaidEvent) error) {
	eh.onPaymentPaid = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypePaymentPaid:
		if eh.onPaymentPaid != nil {
			var event models.PaymentPaidEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentPaid event: %w", err)
			}
			return eh.onPaymentPaid(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
