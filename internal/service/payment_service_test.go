package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"payment-service/internal/gateway"
	"payment-service/internal/identity"
	"payment-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHost = "pay.example.com"

var signingKey = []byte("test-signing-key")

type fakeStore struct {
	payments    map[uuid.UUID]*models.Payment
	items       map[uuid.UUID][]models.PaymentItem
	challenges  map[uuid.UUID]*models.ThreedsChallenge
	cards       []models.Card
	tokens      []models.SigningToken
	markPaidErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments:   make(map[uuid.UUID]*models.Payment),
		items:      make(map[uuid.UUID][]models.PaymentItem),
		challenges: make(map[uuid.UUID]*models.ThreedsChallenge),
		tokens:     []models.SigningToken{{Name: "primary", Token: signingKey}},
	}
}

func (f *fakeStore) GetPaymentByID(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	payment, ok := f.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return payment, nil
}

func (f *fakeStore) CreatePaymentWithItems(_ context.Context, payment *models.Payment, items []models.PaymentItem) error {
	payment.CreatedAt = time.Now().UTC()
	f.payments[payment.ID] = payment
	for i := range items {
		items[i].PaymentID = payment.ID
	}
	f.items[payment.ID] = items
	return nil
}

func (f *fakeStore) GetPaymentItems(_ context.Context, paymentID uuid.UUID) ([]models.PaymentItem, error) {
	return f.items[paymentID], nil
}

func (f *fakeStore) MarkPaymentPaid(_ context.Context, paymentID uuid.UUID, paymentMethod string) error {
	if f.markPaidErr != nil {
		return f.markPaidErr
	}
	payment, ok := f.payments[paymentID]
	if !ok {
		return ErrNotFound
	}
	if payment.State != models.PaymentStateOpen {
		return ErrAlreadyProcessed
	}
	payment.State = models.PaymentStatePaid
	payment.PaymentMethod = &paymentMethod
	return nil
}

func (f *fakeStore) ReplaceThreedsChallenge(_ context.Context, challenge *models.ThreedsChallenge) error {
	challenge.CreatedAt = time.Now().UTC()
	f.challenges[challenge.PaymentID] = challenge
	return nil
}

func (f *fakeStore) GetThreedsChallenge(_ context.Context, paymentID uuid.UUID) (*models.ThreedsChallenge, error) {
	challenge, ok := f.challenges[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return challenge, nil
}

func (f *fakeStore) DeleteThreedsChallenge(_ context.Context, paymentID uuid.UUID) error {
	delete(f.challenges, paymentID)
	return nil
}

func (f *fakeStore) GetPaymentsByCustomerID(_ context.Context, customerID uuid.UUID) ([]models.Payment, error) {
	var payments []models.Payment
	for _, payment := range f.payments {
		if payment.CustomerID == customerID {
			payments = append(payments, *payment)
		}
	}
	return payments, nil
}

func (f *fakeStore) UpsertCard(_ context.Context, card *models.Card) (*models.Card, error) {
	f.cards = append(f.cards, *card)
	return card, nil
}

func (f *fakeStore) GetSigningTokens(_ context.Context) ([]models.SigningToken, error) {
	return f.tokens, nil
}

type fakeGateway struct {
	chargeResult   *gateway.Result
	chargeErr      error
	completeResult *gateway.Result
	completeErr    error

	chargeCalls   int
	completeCalls int
	lastOrder     *gateway.Order
	lastEnv       string
}

func (f *fakeGateway) Charge(_ context.Context, environment string, order *gateway.Order) (*gateway.Result, error) {
	f.chargeCalls++
	f.lastOrder = order
	f.lastEnv = environment
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	return f.chargeResult, nil
}

func (f *fakeGateway) CompleteThreeds(_ context.Context, environment, _, _ string, _ *gateway.Shopper) (*gateway.Result, error) {
	f.completeCalls++
	f.lastEnv = environment
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return f.completeResult, nil
}

type fakeIdentity struct {
	users   map[uuid.UUID]*identity.User
	byEmail map[string]*identity.User

	emailLookups int
	created      []string
	rolesAdded   map[uuid.UUID][]string
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		users:      make(map[uuid.UUID]*identity.User),
		byEmail:    make(map[string]*identity.User),
		rolesAdded: make(map[uuid.UUID][]string),
	}
}

func (f *fakeIdentity) addUser(email string) *identity.User {
	user := &identity.User{ID: uuid.New(), Email: email, Enabled: true}
	f.users[user.ID] = user
	f.byEmail[email] = user
	return user
}

func (f *fakeIdentity) GetUser(_ context.Context, userID uuid.UUID) (*identity.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return user, nil
}

func (f *fakeIdentity) GetUserByEmail(_ context.Context, email string) (*identity.User, error) {
	f.emailLookups++
	user, ok := f.byEmail[email]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return user, nil
}

func (f *fakeIdentity) CreateUser(_ context.Context, email string) (*identity.User, error) {
	f.created = append(f.created, email)
	return f.addUser(email), nil
}

func (f *fakeIdentity) UpdateUser(_ context.Context, user *identity.User) error {
	f.users[user.ID] = user
	return nil
}

func (f *fakeIdentity) AddRole(_ context.Context, userID uuid.UUID, roles []string) error {
	f.rolesAdded[userID] = append(f.rolesAdded[userID], roles...)
	return nil
}

type fakePublisher struct {
	events chan *models.PaymentPaidEvent
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{events: make(chan *models.PaymentPaidEvent, 4)}
}

func (f *fakePublisher) PublishPaymentPaid(_ context.Context, event *models.PaymentPaidEvent) error {
	f.events <- event
	return nil
}

func (f *fakePublisher) waitForEvent(t *testing.T) *models.PaymentPaidEvent {
	t.Helper()
	select {
	case event := <-f.events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payment paid event")
		return nil
	}
}

func (f *fakePublisher) assertNoEvent(t *testing.T) {
	t.Helper()
	select {
	case event := <-f.events:
		t.Fatalf("unexpected payment paid event for %s", event.PaymentID)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeLocker struct {
	acquired bool
	released []string
}

func (f *fakeLocker) AcquireLock(_ context.Context, _ string, _ time.Duration) (bool, error) {
	return f.acquired, nil
}

func (f *fakeLocker) ReleaseLock(_ context.Context, lockKey string) error {
	f.released = append(f.released, lockKey)
	return nil
}

func newTestService(store *fakeStore, gw *fakeGateway, idp *fakeIdentity, pub *fakePublisher) *PaymentService {
	return NewPaymentService(store, gw, idp, pub, nil, testHost)
}

func openPayment(store *fakeStore, idp *fakeIdentity, prices ...int64) *models.Payment {
	user := idp.addUser("customer@example.com")

	payment := &models.Payment{
		ID:          uuid.New(),
		State:       models.PaymentStateOpen,
		Environment: models.EnvironmentTest,
		CustomerID:  user.ID,
	}
	store.payments[payment.ID] = payment

	items := make([]models.PaymentItem, 0, len(prices))
	for _, price := range prices {
		items = append(items, models.PaymentItem{
			ID:        uuid.New(),
			PaymentID: payment.ID,
			ItemType:  "repair",
			ItemData:  json.RawMessage(`{}`),
			Title:     "Screen repair",
			Quantity:  1,
			Price:     price,
		})
	}
	store.items[payment.ID] = items

	return payment
}

func chargeRequest(paymentID uuid.UUID) *ChargeRequest {
	return &ChargeRequest{
		PaymentID: paymentID,
		Card: CardDetails{
			Name:     "J Smith",
			PAN:      "4444333322221111",
			ExpMonth: 12,
			ExpYear:  2030,
			CVC:      "123",
		},
		Billing: BillingDetails{
			AddressLines: []string{"1 High Street"},
			City:         "London",
			PostalCode:   "N1 1AA",
			Country:      "GB",
		},
		Shopper: ShopperDetails{
			Email:     "customer@example.com",
			IPAddress: "203.0.113.9",
			UserAgent: "test-agent",
			SessionID: "sess-1",
		},
	}
}

func capturedResult() *gateway.Result {
	return &gateway.Result{
		Outcome:       gateway.OutcomeCaptured,
		RawStatus:     "SUCCESS",
		OrderCode:     "wp-order-1",
		PaymentMethod: "VISA **** 1111",
	}
}

func TestSubmitChargeCaptured(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{chargeResult: capturedResult()}
	pub := newFakePublisher()
	svc := newTestService(store, gw, idp, pub)

	payment := openPayment(store, idp, 4999, 1500)

	resp, err := svc.SubmitCharge(context.Background(), chargeRequest(payment.ID))
	require.NoError(t, err)
	assert.Equal(t, ChargeStateSuccess, resp.State)
	assert.Empty(t, resp.RedirectURL)

	assert.Equal(t, models.PaymentStatePaid, payment.State)
	require.NotNil(t, payment.PaymentMethod)
	assert.Equal(t, "VISA **** 1111", *payment.PaymentMethod)

	require.Len(t, store.cards, 1)
	assert.Equal(t, "4444333322221111", store.cards[0].PAN)

	assert.Equal(t, models.EnvironmentTest, gw.lastEnv)
	assert.Equal(t, int64(6499), gw.lastOrder.Amount)

	event := pub.waitForEvent(t)
	assert.Equal(t, payment.ID, event.PaymentID)
	assert.Equal(t, payment.CustomerID, event.CustomerID)
	assert.Equal(t, int64(6499), event.Amount)
	assert.Equal(t, "VISA **** 1111", event.PaymentMethod)
}

func TestSubmitChargeAlreadyPaid(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{chargeResult: capturedResult()}
	pub := newFakePublisher()
	svc := newTestService(store, gw, idp, pub)

	payment := openPayment(store, idp, 4999)
	payment.State = models.PaymentStatePaid

	_, err := svc.SubmitCharge(context.Background(), chargeRequest(payment.ID))
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, 0, gw.chargeCalls)
	pub.assertNoEvent(t)
}

func TestSubmitChargeUnknownPayment(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{}
	svc := newTestService(store, gw, newFakeIdentity(), newFakePublisher())

	_, err := svc.SubmitCharge(context.Background(), chargeRequest(uuid.New()))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, gw.chargeCalls)
}

func TestSubmitChargeChallengeRequired(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{chargeResult: &gateway.Result{
		Outcome:      gateway.OutcomeChallengeRequired,
		RawStatus:    "PRE_AUTHORIZED",
		OrderCode:    "wp-order-2",
		OneTimeToken: "ott-1",
		RedirectURL:  "https://secure.worldpay.com/3ds",
	}}
	pub := newFakePublisher()
	svc := newTestService(store, gw, idp, pub)

	payment := openPayment(store, idp, 4999)

	resp, err := svc.SubmitCharge(context.Background(), chargeRequest(payment.ID))
	require.NoError(t, err)
	assert.Equal(t, ChargeStateThreeds, resp.State)
	assert.Equal(t, "https://pay.example.com/payment/3ds/"+payment.ID.String()+"/", resp.RedirectURL)

	assert.Equal(t, models.PaymentStateOpen, payment.State)

	challenge := store.challenges[payment.ID]
	require.NotNil(t, challenge)
	assert.Equal(t, "wp-order-2", challenge.OrderCode)
	assert.Equal(t, "ott-1", challenge.OneTimeToken)
	pub.assertNoEvent(t)
}

func TestSubmitChargeDeclined(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{chargeResult: &gateway.Result{
		Outcome:   gateway.OutcomeDeclined,
		RawStatus: "FAILED",
	}}
	pub := newFakePublisher()
	svc := newTestService(store, gw, idp, pub)

	payment := openPayment(store, idp, 4999)

	resp, err := svc.SubmitCharge(context.Background(), chargeRequest(payment.ID))
	require.NoError(t, err)
	assert.Equal(t, ChargeStateFailed, resp.State)

	// A declined charge leaves the payment retryable
	assert.Equal(t, models.PaymentStateOpen, payment.State)
	pub.assertNoEvent(t)
}

func TestSubmitChargeUnknownOutcome(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{chargeResult: &gateway.Result{
		Outcome:   gateway.OutcomeUnknown,
		RawStatus: "SETTLED_WEIRDLY",
	}}
	svc := newTestService(store, gw, idp, newFakePublisher())

	payment := openPayment(store, idp, 4999)

	resp, err := svc.SubmitCharge(context.Background(), chargeRequest(payment.ID))
	require.NoError(t, err)
	assert.Equal(t, ChargeStateUnknown, resp.State)
	assert.Equal(t, models.PaymentStateOpen, payment.State)
}

func TestSubmitChargeCaptureCommitFailure(t *testing.T) {
	// The gateway capture and the local PAID commit are not atomic. When
	// the commit fails after a capture, the error must surface with the
	// gateway order code for reconciliation, the payment must remain OPEN
	// and no paid event may go out.
	store := newFakeStore()
	store.markPaidErr = errors.New("db down")
	idp := newFakeIdentity()
	gw := &fakeGateway{chargeResult: capturedResult()}
	pub := newFakePublisher()
	svc := newTestService(store, gw, idp, pub)

	payment := openPayment(store, idp, 4999)

	_, err := svc.SubmitCharge(context.Background(), chargeRequest(payment.ID))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not committed")
	assert.Contains(t, err.Error(), "wp-order-1")
	assert.ErrorIs(t, err, store.markPaidErr)

	assert.Equal(t, models.PaymentStateOpen, payment.State)
	assert.Nil(t, payment.PaymentMethod)
	pub.assertNoEvent(t)
}

func TestCompleteThreedsCaptureCommitFailure(t *testing.T) {
	store := newFakeStore()
	store.markPaidErr = errors.New("db down")
	idp := newFakeIdentity()
	gw := &fakeGateway{completeResult: capturedResult()}
	pub := newFakePublisher()
	svc := newTestService(store, gw, idp, pub)

	payment := threedsPayment(store, idp)

	approved, err := svc.CompleteThreedsChallenge(context.Background(), payment.ID, "IDENTIFIED", "wp-order-2", &ShopperDetails{})
	require.Error(t, err)
	assert.False(t, approved)
	assert.ErrorIs(t, err, store.markPaidErr)
	assert.Equal(t, models.PaymentStateOpen, payment.State)
	pub.assertNoEvent(t)
}

func TestSubmitChargeGatewayUnavailable(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{chargeErr: gateway.ErrUnavailable}
	svc := newTestService(store, gw, idp, newFakePublisher())

	payment := openPayment(store, idp, 4999)

	_, err := svc.SubmitCharge(context.Background(), chargeRequest(payment.ID))
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
	assert.Equal(t, models.PaymentStateOpen, payment.State)
}

func TestSubmitChargeDeclaredTotalMismatch(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{chargeResult: capturedResult()}
	svc := newTestService(store, gw, idp, newFakePublisher())

	payment := openPayment(store, idp, 4999)

	req := chargeRequest(payment.ID)
	declared := int64(100)
	req.DeclaredTotal = &declared

	_, err := svc.SubmitCharge(context.Background(), req)
	assert.ErrorIs(t, err, ErrTotalMismatch)
	assert.Equal(t, 0, gw.chargeCalls)
	assert.Equal(t, models.PaymentStateOpen, payment.State)
}

func TestSubmitChargeDeclaredTotalMatch(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{chargeResult: capturedResult()}
	pub := newFakePublisher()
	svc := newTestService(store, gw, idp, pub)

	payment := openPayment(store, idp, 4999)

	req := chargeRequest(payment.ID)
	declared := int64(4999)
	req.DeclaredTotal = &declared

	resp, err := svc.SubmitCharge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ChargeStateSuccess, resp.State)
	pub.waitForEvent(t)
}

func TestSubmitChargeZeroTotalAuthorizeOnly(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{chargeResult: capturedResult()}
	pub := newFakePublisher()
	svc := newTestService(store, gw, idp, pub)

	payment := openPayment(store, idp, 0)

	resp, err := svc.SubmitCharge(context.Background(), chargeRequest(payment.ID))
	require.NoError(t, err)
	assert.Equal(t, ChargeStateSuccess, resp.State)
	assert.Equal(t, int64(0), gw.lastOrder.Amount)
	pub.waitForEvent(t)
}

func TestSubmitChargeLockHeld(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{chargeResult: capturedResult()}
	svc := NewPaymentService(store, gw, idp, newFakePublisher(), &fakeLocker{acquired: false}, testHost)

	payment := openPayment(store, idp, 4999)

	_, err := svc.SubmitCharge(context.Background(), chargeRequest(payment.ID))
	assert.ErrorIs(t, err, ErrChargeInProgress)
	assert.Equal(t, 0, gw.chargeCalls)
}

func inlineOrder(t *testing.T, email string, prices ...float64) *InlineOrder {
	t.Helper()

	items := make([]SignedItem, 0, len(prices))
	for _, price := range prices {
		item := SignedItem{
			ItemType: "repair",
			ItemData: json.RawMessage(`{"device":"phone"}`),
			Title:    "Screen repair",
			Quantity: 1,
			Price:    price,
		}
		item.Signature = computeItemMAC(&item, signingKey)
		items = append(items, item)
	}

	return &InlineOrder{
		Environment: models.EnvironmentTest,
		Customer: InlineCustomer{
			Email: email,
			Name:  "J Smith",
			Phone: "07700900000",
		},
		Items: items,
	}
}

func TestSubmitChargeInlineOrderNewCustomer(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{chargeResult: capturedResult()}
	pub := newFakePublisher()
	svc := newTestService(store, gw, idp, pub)

	req := chargeRequest(uuid.New())
	req.NewPayment = inlineOrder(t, "new@example.com", 49.99)

	resp, err := svc.SubmitCharge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ChargeStateSuccess, resp.State)

	assert.Equal(t, []string{"new@example.com"}, idp.created)

	payment := store.payments[req.PaymentID]
	require.NotNil(t, payment)
	assert.Equal(t, models.PaymentStatePaid, payment.State)
	assert.Equal(t, idp.byEmail["new@example.com"].ID, payment.CustomerID)

	items := store.items[req.PaymentID]
	require.Len(t, items, 1)
	assert.Equal(t, int64(4999), items[0].Price)

	event := pub.waitForEvent(t)
	assert.Equal(t, int64(4999), event.Amount)
}

func TestSubmitChargeInlineTamperedSignature(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{chargeResult: capturedResult()}
	svc := newTestService(store, gw, idp, newFakePublisher())

	req := chargeRequest(uuid.New())
	req.NewPayment = inlineOrder(t, "new@example.com", 49.99)
	req.NewPayment.Items[0].Price = 0.01

	_, err := svc.SubmitCharge(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	assert.Empty(t, store.payments)
	assert.Equal(t, 0, gw.chargeCalls)
	assert.Empty(t, idp.created)
}

func TestSubmitChargeInlineExistingAccount(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	idp.addUser("taken@example.com")
	gw := &fakeGateway{chargeResult: capturedResult()}
	svc := newTestService(store, gw, idp, newFakePublisher())

	req := chargeRequest(uuid.New())
	req.NewPayment = inlineOrder(t, "taken@example.com", 49.99)

	resp, err := svc.SubmitCharge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ChargeStateExistingAccount, resp.State)
	assert.Contains(t, resp.RedirectURL, "https://pay.example.com/login/auth/")

	assert.Empty(t, store.payments)
	assert.Equal(t, 0, gw.chargeCalls)
}

func TestSubmitChargeInlineAuthenticatedCustomer(t *testing.T) {
	// An authenticated caller never hits the existing-account branch,
	// even when the form email belongs to another account.
	store := newFakeStore()
	idp := newFakeIdentity()
	idp.addUser("taken@example.com")
	authed := idp.addUser("me@example.com")
	gw := &fakeGateway{chargeResult: capturedResult()}
	pub := newFakePublisher()
	svc := newTestService(store, gw, idp, pub)

	req := chargeRequest(uuid.New())
	req.NewPayment = inlineOrder(t, "taken@example.com", 49.99)
	req.AuthenticatedCustomer = &authed.ID

	resp, err := svc.SubmitCharge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ChargeStateSuccess, resp.State)
	assert.Equal(t, 0, idp.emailLookups)
	assert.Equal(t, authed.ID, store.payments[req.PaymentID].CustomerID)
	pub.waitForEvent(t)
}

func threedsPayment(store *fakeStore, idp *fakeIdentity) *models.Payment {
	payment := openPayment(store, idp, 4999)
	store.challenges[payment.ID] = &models.ThreedsChallenge{
		PaymentID:    payment.ID,
		OneTimeToken: "ott-1",
		RedirectURL:  "https://secure.worldpay.com/3ds",
		OrderCode:    "wp-order-2",
		CreatedAt:    time.Now().UTC(),
	}
	return payment
}

func TestCompleteThreedsApproved(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{completeResult: capturedResult()}
	pub := newFakePublisher()
	svc := newTestService(store, gw, idp, pub)

	payment := threedsPayment(store, idp)

	approved, err := svc.CompleteThreedsChallenge(context.Background(), payment.ID, "IDENTIFIED", "wp-order-2", &ShopperDetails{})
	require.NoError(t, err)
	assert.True(t, approved)

	assert.Equal(t, models.PaymentStatePaid, payment.State)
	assert.NotContains(t, store.challenges, payment.ID)

	event := pub.waitForEvent(t)
	assert.Equal(t, payment.ID, event.PaymentID)
	assert.Equal(t, int64(4999), event.Amount)
}

func TestCompleteThreedsSecondCallNotFound(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{completeResult: capturedResult()}
	pub := newFakePublisher()
	svc := newTestService(store, gw, idp, pub)

	payment := threedsPayment(store, idp)

	approved, err := svc.CompleteThreedsChallenge(context.Background(), payment.ID, "IDENTIFIED", "wp-order-2", &ShopperDetails{})
	require.NoError(t, err)
	require.True(t, approved)
	pub.waitForEvent(t)

	_, err = svc.CompleteThreedsChallenge(context.Background(), payment.ID, "IDENTIFIED", "wp-order-2", &ShopperDetails{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, gw.completeCalls)
}

func TestCompleteThreedsRejected(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{completeResult: &gateway.Result{
		Outcome:   gateway.OutcomeDeclined,
		RawStatus: "FAILED",
		OrderCode: "wp-order-2",
	}}
	pub := newFakePublisher()
	svc := newTestService(store, gw, idp, pub)

	payment := threedsPayment(store, idp)

	approved, err := svc.CompleteThreedsChallenge(context.Background(), payment.ID, "REFUSED", "wp-order-2", &ShopperDetails{})
	require.NoError(t, err)
	assert.False(t, approved)

	assert.Equal(t, models.PaymentStateOpen, payment.State)
	assert.NotContains(t, store.challenges, payment.ID)
	pub.assertNoEvent(t)
}

func TestCompleteThreedsOrderCodeMismatch(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{completeResult: capturedResult()}
	svc := newTestService(store, gw, idp, newFakePublisher())

	payment := threedsPayment(store, idp)

	_, err := svc.CompleteThreedsChallenge(context.Background(), payment.ID, "IDENTIFIED", "wrong-order", &ShopperDetails{})
	assert.ErrorIs(t, err, ErrNotFound)

	// Mismatched completions must not consume the challenge
	assert.Contains(t, store.challenges, payment.ID)
	assert.Equal(t, 0, gw.completeCalls)
}

func TestCompleteThreedsNoChallenge(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	gw := &fakeGateway{completeResult: capturedResult()}
	svc := newTestService(store, gw, idp, newFakePublisher())

	payment := openPayment(store, idp, 4999)

	_, err := svc.CompleteThreedsChallenge(context.Background(), payment.ID, "IDENTIFIED", "", &ShopperDetails{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, gw.completeCalls)
}

func TestListCustomerPayments(t *testing.T) {
	store := newFakeStore()
	idp := newFakeIdentity()
	svc := newTestService(store, &fakeGateway{}, idp, newFakePublisher())

	payment := openPayment(store, idp, 4999)
	openPayment(store, idp, 100) // different customer

	payments, err := svc.ListCustomerPayments(context.Background(), payment.CustomerID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, payment.ID, payments[0].ID)
}

func TestOrderTotal(t *testing.T) {
	items := []models.PaymentItem{
		{Price: 1000, Quantity: 2},
		{Price: 500, Quantity: 1},
	}

	assert.Equal(t, int64(2*1000+1*500), orderTotal(items))
	assert.Equal(t, int64(0), orderTotal(nil))
}

func TestOrderDescription(t *testing.T) {
	items := []models.PaymentItem{
		{Title: "Screen repair"},
		{Title: "Battery repair"},
	}

	assert.Equal(t, "Screen repair, Battery repair", orderDescription(items))
}

func TestCreatePayment(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{}, newFakeIdentity(), newFakePublisher())

	customerID := uuid.New()
	id, err := svc.CreatePayment(context.Background(), models.EnvironmentLive, customerID, []NewPaymentItem{
		{ItemType: "repair", Title: "Screen repair", Quantity: 2, Price: 49.99},
	})
	require.NoError(t, err)

	payment := store.payments[id]
	require.NotNil(t, payment)
	assert.Equal(t, models.PaymentStateOpen, payment.State)
	assert.Equal(t, models.EnvironmentLive, payment.Environment)
	assert.Equal(t, customerID, payment.CustomerID)

	items := store.items[id]
	require.Len(t, items, 1)
	assert.Equal(t, int64(4999), items[0].Price)
	assert.Equal(t, 2, items[0].Quantity)
}

func TestCreatePaymentInvalidEnvironment(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{}, newFakeIdentity(), newFakePublisher())

	_, err := svc.CreatePayment(context.Background(), "STAGING", uuid.New(), []NewPaymentItem{
		{ItemType: "repair", Title: "Screen repair", Quantity: 1, Price: 1},
	})
	assert.Error(t, err)
	assert.Empty(t, store.payments)
}
