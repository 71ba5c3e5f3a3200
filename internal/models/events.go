package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypePaymentPaid = "PAYMENT_PAID"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentPaidEvent is published once a payment reaches PAID. Consumers
// use it for best-effort side effects (customer notification); it is not
// part of the payment's transactional state.
type PaymentPaidEvent struct {
	BaseEvent
	PaymentID     uuid.UUID `json:"payment_id"`
	CustomerID    uuid.UUID `json:"customer_id"`
	Environment   string    `json:"environment"`
	Amount        int64     `json:"amount"`
	PaymentMethod string    `json:"payment_method"`
}
