package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Payment represents a customer payment
type Payment struct {
	ID            uuid.UUID `db:"id" json:"id"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	State         string    `db:"state" json:"state"`
	Environment   string    `db:"environment" json:"environment"`
	CustomerID    uuid.UUID `db:"customer_id" json:"customer_id"`
	PaymentMethod *string   `db:"payment_method" json:"payment_method,omitempty"`
}

// IsOpen reports whether the payment can still accept a charge
func (p *Payment) IsOpen() bool {
	return p.State == PaymentStateOpen
}

// PaymentItem represents a line item belonging to a payment.
// Price is in pence; items are immutable once created.
type PaymentItem struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	PaymentID uuid.UUID       `db:"payment_id" json:"payment_id"`
	ItemType  string          `db:"item_type" json:"type"`
	ItemData  json.RawMessage `db:"item_data" json:"data"`
	Title     string          `db:"title" json:"title"`
	Quantity  int             `db:"quantity" json:"quantity"`
	Price     int64           `db:"price" json:"price"`
}

// ThreedsChallenge represents a pending 3-D Secure step-up for a payment.
// At most one live row per payment; deleted on resolution.
type ThreedsChallenge struct {
	PaymentID    uuid.UUID `db:"payment_id" json:"payment_id"`
	OneTimeToken string    `db:"one_time_token" json:"one_time_token"`
	RedirectURL  string    `db:"redirect_url" json:"redirect_url"`
	OrderCode    string    `db:"order_code" json:"order_code"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Card represents a stored card reference, deduplicated by PAN
type Card struct {
	ID         uuid.UUID `db:"id" json:"id"`
	CustomerID uuid.UUID `db:"customer_id" json:"customer_id"`
	PAN        string    `db:"pan" json:"-"`
	ExpMonth   int       `db:"exp_month" json:"exp_month"`
	ExpYear    int       `db:"exp_year" json:"exp_year"`
	NameOnCard string    `db:"name_on_card" json:"name_on_card"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// SigningToken is a named secret used to verify signed order payloads.
// Multiple tokens may be valid concurrently for key rotation.
type SigningToken struct {
	Name  string `db:"name"`
	Token []byte `db:"token"`
}

// Payment states. Transitions are monotonic OPEN -> PAID -> COMPLETE;
// COMPLETE is set by downstream fulfilment, never by this service.
const (
	PaymentStateOpen     = "OPEN"
	PaymentStatePaid     = "PAID"
	PaymentStateComplete = "COMPLETE"
)

// Payment environments
const (
	EnvironmentTest = "TEST"
	EnvironmentLive = "LIVE"
)

// ValidEnvironment reports whether env is a known payment environment
func ValidEnvironment(env string) bool {
	return env == EnvironmentTest || env == EnvironmentLive
}
