package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"payment-service/internal/gateway"
	"payment-service/internal/identity"
	"payment-service/internal/models"
	"payment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentStore is the persistence contract the state machine runs on.
// The state machine never mutates payment state except through it.
type PaymentStore interface {
	GetPaymentByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	CreatePaymentWithItems(ctx context.Context, payment *models.Payment, items []models.PaymentItem) error
	GetPaymentItems(ctx context.Context, paymentID uuid.UUID) ([]models.PaymentItem, error)
	MarkPaymentPaid(ctx context.Context, paymentID uuid.UUID, paymentMethod string) error
	ReplaceThreedsChallenge(ctx context.Context, challenge *models.ThreedsChallenge) error
	GetThreedsChallenge(ctx context.Context, paymentID uuid.UUID) (*models.ThreedsChallenge, error)
	DeleteThreedsChallenge(ctx context.Context, paymentID uuid.UUID) error
	GetPaymentsByCustomerID(ctx context.Context, customerID uuid.UUID) ([]models.Payment, error)
	UpsertCard(ctx context.Context, card *models.Card) (*models.Card, error)
	GetSigningTokens(ctx context.Context) ([]models.SigningToken, error)
}

// Gateway submits charges and 3DS completions to the payment gateway
type Gateway interface {
	Charge(ctx context.Context, environment string, order *gateway.Order) (*gateway.Result, error)
	CompleteThreeds(ctx context.Context, environment, orderCode, responseCode string, shopper *gateway.Shopper) (*gateway.Result, error)
}

// IdentityProvider resolves and maintains customer identities
type IdentityProvider interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*identity.User, error)
	GetUserByEmail(ctx context.Context, email string) (*identity.User, error)
	CreateUser(ctx context.Context, email string) (*identity.User, error)
	UpdateUser(ctx context.Context, user *identity.User) error
	AddRole(ctx context.Context, userID uuid.UUID, roles []string) error
}

// NotificationPublisher publishes the best-effort paid notification
type NotificationPublisher interface {
	PublishPaymentPaid(ctx context.Context, event *models.PaymentPaidEvent) error
}

// Locker provides short advisory locks. Correctness rests on the store's
// conditional state update; the lock only cuts duplicate gateway calls
// from racing retries.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// PaymentService is the payment state machine
type PaymentService struct {
	store        PaymentStore
	gateway      Gateway
	identity     IdentityProvider
	publisher    NotificationPublisher
	locker       Locker
	externalHost string
	logger       *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	store PaymentStore,
	gw Gateway,
	idp IdentityProvider,
	publisher NotificationPublisher,
	locker Locker,
	externalHost string,
) *PaymentService {
	return &PaymentService{
		store:        store,
		gateway:      gw,
		identity:     idp,
		publisher:    publisher,
		locker:       locker,
		externalHost: externalHost,
		logger:       util.GetLogger(),
	}
}

// Charge response states
const (
	ChargeStateSuccess         = "SUCCESS"
	ChargeStateFailed          = "FAILED"
	ChargeStateThreeds         = "3DS"
	ChargeStateExistingAccount = "EXISTING_ACCOUNT"
	ChargeStateUnknown         = "UNKNOWN"
)

// CardDetails is the card presented at checkout
type CardDetails struct {
	Name     string `json:"name" binding:"required"`
	PAN      string `json:"card_number" binding:"required"`
	ExpMonth int    `json:"exp_month" binding:"required"`
	ExpYear  int    `json:"exp_year" binding:"required"`
	CVC      string `json:"cvc"`
}

// BillingDetails is the billing address presented at checkout
type BillingDetails struct {
	AddressLines []string `json:"address_lines"`
	City         string   `json:"city"`
	Region       string   `json:"region"`
	PostalCode   string   `json:"postal_code"`
	Country      string   `json:"country"`
	Phone        string   `json:"phone"`
}

// ShopperDetails carries customer contact and network metadata
type ShopperDetails struct {
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	IPAddress    string `json:"-"`
	UserAgent    string `json:"-"`
	AcceptHeader string `json:"accepts"`
	SessionID    string `json:"-"`
}

// InlineCustomer identifies the customer of an inline signed order
type InlineCustomer struct {
	Email string `json:"email" binding:"required"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// InlineOrder is a signed order bundled with a charge request for the
// new-payment-at-charge-time flow.
type InlineOrder struct {
	Environment string         `json:"environment" binding:"required"`
	Customer    InlineCustomer `json:"customer" binding:"required"`
	Items       []SignedItem   `json:"items" binding:"required,min=1"`
}

// ChargeRequest is a SubmitCharge invocation
type ChargeRequest struct {
	PaymentID             uuid.UUID
	Card                  CardDetails
	Billing               BillingDetails
	Shopper               ShopperDetails
	NewPayment            *InlineOrder
	DeclaredTotal         *int64
	AuthenticatedCustomer *uuid.UUID
}

// ChargeResponse is the workflow outcome of a SubmitCharge
type ChargeResponse struct {
	State       string `json:"state"`
	RedirectURL string `json:"frame,omitempty"`
}

// NewPaymentItem is an item of a privileged create-payment request
type NewPaymentItem struct {
	ItemType string          `json:"type" binding:"required"`
	ItemData json.RawMessage `json:"data"`
	Title    string          `json:"title" binding:"required"`
	Quantity int             `json:"quantity" binding:"required,min=1"`
	Price    float64         `json:"price"`
}

// CreatePayment creates an OPEN payment with its items for a known
// customer. Caller authorization is checked at the transport layer.
func (s *PaymentService) CreatePayment(ctx context.Context, environment string, customerID uuid.UUID, newItems []NewPaymentItem) (uuid.UUID, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreatePayment")
	defer span.End()

	if !models.ValidEnvironment(environment) {
		return uuid.Nil, fmt.Errorf("invalid environment: %s", environment)
	}

	payment := &models.Payment{
		ID:          uuid.New(),
		State:       models.PaymentStateOpen,
		Environment: environment,
		CustomerID:  customerID,
	}

	items := make([]models.PaymentItem, 0, len(newItems))
	for _, item := range newItems {
		items = append(items, models.PaymentItem{
			ID:       uuid.New(),
			ItemType: item.ItemType,
			ItemData: item.ItemData,
			Title:    item.Title,
			Quantity: item.Quantity,
			Price:    models.PenceFromPounds(item.Price),
		})
	}

	if err := s.store.CreatePaymentWithItems(ctx, payment, items); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create payment: %w", err)
	}

	util.PaymentsCreatedTotal.Inc()
	s.logger.Info("Payment created",
		zap.String("payment_id", payment.ID.String()),
		zap.String("environment", environment))

	return payment.ID, nil
}

// GetPayment retrieves a payment and its items
func (s *PaymentService) GetPayment(ctx context.Context, paymentID uuid.UUID) (*models.Payment, []models.PaymentItem, error) {
	payment, err := s.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}

	items, err := s.store.GetPaymentItems(ctx, paymentID)
	if err != nil {
		return nil, nil, err
	}

	return payment, items, nil
}

// ListCustomerPayments retrieves all payments owned by a customer
func (s *PaymentService) ListCustomerPayments(ctx context.Context, customerID uuid.UUID) ([]models.Payment, error) {
	return s.store.GetPaymentsByCustomerID(ctx, customerID)
}

// SubmitCharge runs a payment from charge submission to a workflow
// outcome: locate or create the payment, verify signed items, resolve
// the customer, charge the gateway and transition state.
func (s *PaymentService) SubmitCharge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.SubmitCharge")
	defer span.End()

	if s.locker != nil {
		lockKey := fmt.Sprintf("payment:%s", req.PaymentID)
		acquired, err := s.locker.AcquireLock(ctx, lockKey, time.Minute)
		if err != nil {
			s.logger.Warn("Payment lock unavailable", zap.Error(err))
		} else if !acquired {
			return nil, ErrChargeInProgress
		} else {
			defer func() {
				if err := s.locker.ReleaseLock(context.Background(), lockKey); err != nil {
					s.logger.Warn("Failed to release payment lock", zap.Error(err))
				}
			}()
		}
	}

	payment, err := s.store.GetPaymentByID(ctx, req.PaymentID)
	switch {
	case err == nil:
		// Idempotency guard: never re-submit a charge for a non-OPEN
		// payment.
		if !payment.IsOpen() {
			util.ChargesFailedTotal.WithLabelValues("already_processed").Inc()
			return nil, ErrAlreadyProcessed
		}

	case errors.Is(err, ErrNotFound):
		if req.NewPayment == nil {
			return nil, ErrNotFound
		}
		resp, createErr := s.createFromInlineOrder(ctx, req)
		if createErr != nil {
			return nil, createErr
		}
		if resp != nil {
			return resp, nil
		}
		if payment, err = s.store.GetPaymentByID(ctx, req.PaymentID); err != nil {
			return nil, fmt.Errorf("failed to reload created payment: %w", err)
		}

	default:
		return nil, fmt.Errorf("failed to load payment %s: %w", req.PaymentID, err)
	}

	user, err := s.ensureCustomer(ctx, payment.CustomerID, req)
	if err != nil {
		return nil, fmt.Errorf("identity provider failure for payment %s: %w", payment.ID, err)
	}

	if _, err := s.store.UpsertCard(ctx, &models.Card{
		CustomerID: payment.CustomerID,
		PAN:        req.Card.PAN,
		ExpMonth:   req.Card.ExpMonth,
		ExpYear:    req.Card.ExpYear,
		NameOnCard: req.Card.Name,
	}); err != nil {
		return nil, fmt.Errorf("failed to record card for payment %s: %w", payment.ID, err)
	}

	items, err := s.store.GetPaymentItems(ctx, payment.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load items for payment %s: %w", payment.ID, err)
	}

	total := orderTotal(items)
	if req.DeclaredTotal != nil && *req.DeclaredTotal != total {
		util.ChargesFailedTotal.WithLabelValues("total_mismatch").Inc()
		return nil, ErrTotalMismatch
	}

	order := &gateway.Order{
		PaymentID:   payment.ID.String(),
		Description: orderDescription(items),
		Amount:      total,
		Card: gateway.Card{
			Name:     req.Card.Name,
			PAN:      req.Card.PAN,
			ExpMonth: req.Card.ExpMonth,
			ExpYear:  req.Card.ExpYear,
			CVC:      req.Card.CVC,
		},
		Billing: gateway.BillingAddress{
			AddressLines: req.Billing.AddressLines,
			City:         req.Billing.City,
			Region:       req.Billing.Region,
			PostalCode:   req.Billing.PostalCode,
			Country:      req.Billing.Country,
			Phone:        req.Billing.Phone,
		},
		Shopper: gateway.Shopper{
			Email:        user.Email,
			Name:         strings.TrimSpace(user.FirstName + " " + user.LastName),
			IPAddress:    req.Shopper.IPAddress,
			UserAgent:    req.Shopper.UserAgent,
			AcceptHeader: req.Shopper.AcceptHeader,
			SessionID:    req.Shopper.SessionID,
		},
	}

	util.ChargesSubmittedTotal.Inc()
	result, err := s.gateway.Charge(ctx, payment.Environment, order)
	if err != nil {
		util.ChargesFailedTotal.WithLabelValues("gateway_unavailable").Inc()
		return nil, fmt.Errorf("charge for payment %s: %w", payment.ID, err)
	}

	return s.applyChargeResult(ctx, payment, total, result)
}

// createFromInlineOrder handles the new-payment-at-charge-time flow.
// Returns a non-nil response only for the existing-account branch, where
// the charge aborts before any payment is created.
func (s *PaymentService) createFromInlineOrder(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error) {
	order := req.NewPayment

	if !models.ValidEnvironment(order.Environment) {
		return nil, fmt.Errorf("invalid environment: %s", order.Environment)
	}

	tokens, err := s.store.GetSigningTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing tokens: %w", err)
	}

	if err := VerifySignedItems(order.Items, tokens); err != nil {
		util.SignatureFailuresTotal.Inc()
		s.logger.Warn("Signed order rejected",
			zap.String("payment_id", req.PaymentID.String()),
			zap.Int("items", len(order.Items)))
		return nil, err
	}

	customerID, resp, err := s.resolveCustomer(ctx, req)
	if err != nil || resp != nil {
		return resp, err
	}

	items := make([]models.PaymentItem, 0, len(order.Items))
	for i := range order.Items {
		items = append(items, models.PaymentItem{
			ID:       uuid.New(),
			ItemType: order.Items[i].ItemType,
			ItemData: order.Items[i].ItemData,
			Title:    order.Items[i].Title,
			Quantity: order.Items[i].Quantity,
			Price:    models.PenceFromPounds(order.Items[i].Price),
		})
	}

	payment := &models.Payment{
		ID:          req.PaymentID,
		State:       models.PaymentStateOpen,
		Environment: order.Environment,
		CustomerID:  customerID,
	}

	if err := s.store.CreatePaymentWithItems(ctx, payment, items); err != nil {
		return nil, fmt.Errorf("failed to create payment %s: %w", payment.ID, err)
	}

	util.PaymentsCreatedTotal.Inc()
	s.logger.Info("Payment created at charge time",
		zap.String("payment_id", payment.ID.String()),
		zap.String("environment", payment.Environment))

	return nil, nil
}

// resolveCustomer determines the customer id for an inline order. An
// unauthenticated caller whose email belongs to an existing account gets
// the login-required branch instead of a new user.
func (s *PaymentService) resolveCustomer(ctx context.Context, req *ChargeRequest) (uuid.UUID, *ChargeResponse, error) {
	if req.AuthenticatedCustomer != nil {
		return *req.AuthenticatedCustomer, nil, nil
	}

	customer := req.NewPayment.Customer

	existing, err := s.identity.GetUserByEmail(ctx, customer.Email)
	switch {
	case err == nil && existing != nil:
		return uuid.Nil, &ChargeResponse{
			State:       ChargeStateExistingAccount,
			RedirectURL: s.loginURL(),
		}, nil

	case errors.Is(err, identity.ErrNotFound):
		user, createErr := s.identity.CreateUser(ctx, customer.Email)
		if createErr != nil {
			return uuid.Nil, nil, fmt.Errorf("failed to create user: %w", createErr)
		}
		user.FirstName = customer.Name
		user.SetAttribute("phone", customer.Phone)
		if updateErr := s.identity.UpdateUser(ctx, user); updateErr != nil {
			return uuid.Nil, nil, fmt.Errorf("failed to update new user: %w", updateErr)
		}
		return user.ID, nil, nil

	default:
		return uuid.Nil, nil, fmt.Errorf("failed to look up user by email: %w", err)
	}
}

// ensureCustomer loads the paying customer and backfills profile fields
// from the checkout form before charging.
func (s *PaymentService) ensureCustomer(ctx context.Context, customerID uuid.UUID, req *ChargeRequest) (*identity.User, error) {
	user, err := s.identity.GetUser(ctx, customerID)
	if err != nil {
		return nil, err
	}

	if err := s.identity.AddRole(ctx, user.ID, []string{"customer"}); err != nil {
		return nil, err
	}

	if user.Email == "" {
		user.Email = req.Shopper.Email
	}
	if user.FirstName == "" {
		user.FirstName = req.Shopper.FirstName
	}
	if user.LastName == "" {
		user.LastName = req.Shopper.LastName
	}
	if !user.HasAttribute("phone") && req.Billing.Phone != "" {
		user.SetAttribute("phone", req.Billing.Phone)
	}

	if err := s.identity.UpdateUser(ctx, user); err != nil {
		return nil, err
	}

	return user, nil
}

// applyChargeResult maps an interpreted gateway result onto a state
// transition and a workflow response.
func (s *PaymentService) applyChargeResult(ctx context.Context, payment *models.Payment, total int64, result *gateway.Result) (*ChargeResponse, error) {
	switch result.Outcome {
	case gateway.OutcomeCaptured:
		if err := s.commitPaid(ctx, payment, total, result); err != nil {
			return nil, err
		}
		return &ChargeResponse{State: ChargeStateSuccess}, nil

	case gateway.OutcomeChallengeRequired:
		challenge := &models.ThreedsChallenge{
			PaymentID:    payment.ID,
			OneTimeToken: result.OneTimeToken,
			RedirectURL:  result.RedirectURL,
			OrderCode:    result.OrderCode,
		}
		if err := s.store.ReplaceThreedsChallenge(ctx, challenge); err != nil {
			return nil, fmt.Errorf("failed to persist 3ds challenge for payment %s: %w", payment.ID, err)
		}
		util.ThreedsChallengesTotal.Inc()
		return &ChargeResponse{
			State:       ChargeStateThreeds,
			RedirectURL: fmt.Sprintf("https://%s/payment/3ds/%s/", s.externalHost, payment.ID),
		}, nil

	case gateway.OutcomeDeclined:
		util.ChargesFailedTotal.WithLabelValues("declined").Inc()
		return &ChargeResponse{State: ChargeStateFailed}, nil

	default:
		util.ChargesFailedTotal.WithLabelValues("unknown").Inc()
		s.logger.Warn("Unknown gateway outcome, payment remains OPEN",
			zap.String("payment_id", payment.ID.String()),
			zap.String("raw_status", result.RawStatus))
		return &ChargeResponse{State: ChargeStateUnknown}, nil
	}
}

// commitPaid flips the payment to PAID after a confirmed capture and
// fires the best-effort notification. The capture and the local commit
// are not atomic: a failure here means money moved while local state did
// not, so it is logged at Error with everything reconciliation needs.
func (s *PaymentService) commitPaid(ctx context.Context, payment *models.Payment, total int64, result *gateway.Result) error {
	if err := s.store.MarkPaymentPaid(ctx, payment.ID, result.PaymentMethod); err != nil {
		s.logger.Error("Gateway captured funds but local PAID transition failed",
			zap.String("payment_id", payment.ID.String()),
			zap.String("gateway_order_code", result.OrderCode),
			zap.String("stage", "mark_paid"),
			zap.Error(err))
		return fmt.Errorf("payment %s captured (order %s) but not committed: %w",
			payment.ID, result.OrderCode, err)
	}

	util.PaymentsPaidTotal.Inc()
	s.logger.Info("Payment paid",
		zap.String("payment_id", payment.ID.String()),
		zap.String("payment_method", result.PaymentMethod))

	// Detached from the request path: the notification must never block
	// or fail the response, nor roll back the PAID transition.
	go s.dispatchNotification(payment, total, result.PaymentMethod)

	return nil
}

// dispatchNotification publishes the paid event, best-effort
func (s *PaymentService) dispatchNotification(payment *models.Payment, total int64, paymentMethod string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	event := &models.PaymentPaidEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentPaid,
			Timestamp: time.Now().UTC(),
		},
		PaymentID:     payment.ID,
		CustomerID:    payment.CustomerID,
		Environment:   payment.Environment,
		Amount:        total,
		PaymentMethod: paymentMethod,
	}

	if err := s.publisher.PublishPaymentPaid(ctx, event); err != nil {
		util.NotificationsFailedTotal.Inc()
		s.logger.Error("Failed to publish PaymentPaid event",
			zap.String("payment_id", payment.ID.String()),
			zap.Error(err))
		return
	}

	util.NotificationsPublishedTotal.Inc()
}

// CompleteThreedsChallenge finalizes a pending 3DS challenge. The
// challenge row is deleted before the gateway is contacted again: a
// crash mid-flight cannot leave a stuck replayable record, at the cost
// of the challenge being unrecoverable if the gateway call then fails.
func (s *PaymentService) CompleteThreedsChallenge(ctx context.Context, paymentID uuid.UUID, responseCode, orderCode string, shopper *ShopperDetails) (bool, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CompleteThreedsChallenge")
	defer span.End()

	payment, err := s.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return false, err
	}

	challenge, err := s.store.GetThreedsChallenge(ctx, paymentID)
	if err != nil {
		return false, err
	}
	if orderCode != "" && orderCode != challenge.OrderCode {
		return false, ErrNotFound
	}

	if err := s.store.DeleteThreedsChallenge(ctx, paymentID); err != nil {
		return false, fmt.Errorf("failed to delete 3ds challenge for payment %s: %w", paymentID, err)
	}

	result, err := s.gateway.CompleteThreeds(ctx, payment.Environment, challenge.OrderCode, responseCode, &gateway.Shopper{
		IPAddress:    shopper.IPAddress,
		UserAgent:    shopper.UserAgent,
		AcceptHeader: shopper.AcceptHeader,
		SessionID:    shopper.SessionID,
	})
	if err != nil {
		util.ThreedsCompletionsTotal.WithLabelValues("gateway_error").Inc()
		return false, fmt.Errorf("3ds completion for payment %s: %w", paymentID, err)
	}

	if result.Outcome != gateway.OutcomeCaptured {
		util.ThreedsCompletionsTotal.WithLabelValues("rejected").Inc()
		s.logger.Warn("3DS challenge rejected, payment remains OPEN",
			zap.String("payment_id", paymentID.String()),
			zap.String("raw_status", result.RawStatus))
		return false, nil
	}

	items, err := s.store.GetPaymentItems(ctx, paymentID)
	if err != nil {
		return false, fmt.Errorf("failed to load items for payment %s: %w", paymentID, err)
	}

	if err := s.commitPaid(ctx, payment, orderTotal(items), result); err != nil {
		return false, err
	}

	util.ThreedsCompletionsTotal.WithLabelValues("approved").Inc()
	return true, nil
}

// orderTotal sums item prices in pence. Integer arithmetic throughout;
// a zero total is a valid authorize-only order.
func orderTotal(items []models.PaymentItem) int64 {
	var total int64
	for i := range items {
		total += items[i].Price * int64(items[i].Quantity)
	}
	return total
}

// orderDescription joins item titles for the gateway order description
func orderDescription(items []models.PaymentItem) string {
	titles := make([]string, 0, len(items))
	for i := range items {
		titles = append(titles, items[i].Title)
	}
	return strings.Join(titles, ", ")
}

func (s *PaymentService) loginURL() string {
	params := url.Values{
		"next": {fmt.Sprintf("https://%s/payment/login-complete/", s.externalHost)},
	}
	return fmt.Sprintf("https://%s/login/auth/?%s", s.externalHost, params.Encode())
}
