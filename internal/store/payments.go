package store

import (
	"context"
	"database/sql"
	"fmt"

	"payment-service/internal/models"

	"github.com/google/uuid"
)

// CreatePaymentWithItems creates a payment and its line items in a single
// transaction. Partial item sets are never visible.
func (s *Store) CreatePaymentWithItems(ctx context.Context, payment *models.Payment, items []models.PaymentItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO payments (id, state, environment, customer_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	if err := tx.GetContext(ctx, &payment.CreatedAt, query,
		payment.ID, payment.State, payment.Environment, payment.CustomerID); err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}

	for i := range items {
		items[i].PaymentID = payment.ID
		if items[i].ID == uuid.Nil {
			items[i].ID = uuid.New()
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO payment_items (id, payment_id, item_type, item_data, title, quantity, price)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			items[i].ID, payment.ID, items[i].ItemType, items[i].ItemData,
			items[i].Title, items[i].Quantity, items[i].Price)
		if err != nil {
			return fmt.Errorf("failed to create payment item: %w", err)
		}
	}

	return tx.Commit()
}

// GetPaymentByID retrieves a payment by ID
func (s *Store) GetPaymentByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentItems retrieves all items for a payment
func (s *Store) GetPaymentItems(ctx context.Context, paymentID uuid.UUID) ([]models.PaymentItem, error) {
	var items []models.PaymentItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM payment_items WHERE payment_id = $1 ORDER BY id", paymentID)
	return items, err
}

// MarkPaymentPaid flips an OPEN payment to PAID and records the payment
// method, as one atomic unit. The conditional update is the per-payment
// serialization point: of two racing charges only one observes OPEN, the
// loser gets ErrAlreadyProcessed.
func (s *Store) MarkPaymentPaid(ctx context.Context, paymentID uuid.UUID, paymentMethod string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE payments SET state = $1, payment_method = $2 WHERE id = $3 AND state = $4",
		models.PaymentStatePaid, paymentMethod, paymentID, models.PaymentStateOpen)
	if err != nil {
		return fmt.Errorf("failed to mark payment paid: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists,
			"SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)", paymentID); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrAlreadyProcessed
	}

	return nil
}

// ReplaceThreedsChallenge persists a 3DS challenge for a payment,
// superseding any prior challenge rows.
func (s *Store) ReplaceThreedsChallenge(ctx context.Context, challenge *models.ThreedsChallenge) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM threeds_challenges WHERE payment_id = $1", challenge.PaymentID); err != nil {
		return fmt.Errorf("failed to supersede 3ds challenge: %w", err)
	}

	err = tx.GetContext(ctx, &challenge.CreatedAt, `
		INSERT INTO threeds_challenges (payment_id, one_time_token, redirect_url, order_code)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		challenge.PaymentID, challenge.OneTimeToken, challenge.RedirectURL, challenge.OrderCode)
	if err != nil {
		return fmt.Errorf("failed to create 3ds challenge: %w", err)
	}

	return tx.Commit()
}

// GetThreedsChallenge retrieves the live 3DS challenge for a payment
func (s *Store) GetThreedsChallenge(ctx context.Context, paymentID uuid.UUID) (*models.ThreedsChallenge, error) {
	var challenge models.ThreedsChallenge
	err := s.db.GetContext(ctx, &challenge, `
		SELECT * FROM threeds_challenges
		WHERE payment_id = $1
		ORDER BY created_at DESC LIMIT 1`, paymentID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &challenge, nil
}

// DeleteThreedsChallenge removes all challenge rows for a payment.
// Challenges are single-use; deletion happens before the follow-up
// gateway call so a crash mid-flight cannot leave a replayable record.
func (s *Store) DeleteThreedsChallenge(ctx context.Context, paymentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM threeds_challenges WHERE payment_id = $1", paymentID)
	return err
}

// GetPaymentsByCustomerID retrieves payments owned by a customer
func (s *Store) GetPaymentsByCustomerID(ctx context.Context, customerID uuid.UUID) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE customer_id = $1 ORDER BY created_at DESC", customerID)
	return payments, err
}
