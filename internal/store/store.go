package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"payment-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a referenced row does not exist
var ErrNotFound = errors.New("not found")

// ErrAlreadyProcessed is returned when a state transition is attempted
// against a payment that is no longer OPEN.
var ErrAlreadyProcessed = errors.New("payment already processed")

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetSigningTokens retrieves all currently valid signing tokens
func (s *Store) GetSigningTokens(ctx context.Context) ([]models.SigningToken, error) {
	var tokens []models.SigningToken
	err := s.db.SelectContext(ctx, &tokens, "SELECT name, token FROM signing_tokens")
	return tokens, err
}

// UpsertCard records a card presented at checkout, deduplicated by PAN.
// A repeated submission of the same card returns the existing row.
func (s *Store) UpsertCard(ctx context.Context, card *models.Card) (*models.Card, error) {
	var existing models.Card
	err := s.db.GetContext(ctx, &existing, "SELECT * FROM cards WHERE pan = $1", card.PAN)
	if err == nil {
		return &existing, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	if card.ID == uuid.Nil {
		card.ID = uuid.New()
	}

	query := `
		INSERT INTO cards (id, customer_id, pan, exp_month, exp_year, name_on_card)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err = s.db.GetContext(ctx, &card.CreatedAt, query,
		card.ID, card.CustomerID, card.PAN, card.ExpMonth, card.ExpYear, card.NameOnCard)
	if err != nil {
		return nil, fmt.Errorf("failed to store card: %w", err)
	}
	return card, nil
}
