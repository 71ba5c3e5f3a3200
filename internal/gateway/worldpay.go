package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

// ErrUnavailable is returned for any HTTP-layer failure talking to the
// gateway. It is distinct from a Declined outcome: the caller may retry
// the whole charge, guarded by the payment's OPEN-state check.
var ErrUnavailable = errors.New("payment gateway unavailable")

// Outcome is the canonical interpretation of a gateway response
type Outcome string

const (
	OutcomeCaptured          Outcome = "CAPTURED"
	OutcomeChallengeRequired Outcome = "CHALLENGE_REQUIRED"
	OutcomeDeclined          Outcome = "DECLINED"
	OutcomeUnknown           Outcome = "UNKNOWN"
)

// Raw gateway status vocabulary
const (
	statusSuccess       = "SUCCESS"
	statusAuthorized    = "AUTHORIZED"
	statusPreAuthorized = "PRE_AUTHORIZED"
	statusFailed        = "FAILED"
)

// Card carries the card details presented at checkout
type Card struct {
	Name     string
	PAN      string
	ExpMonth int
	ExpYear  int
	CVC      string
}

// BillingAddress is the canonical billing address for a charge
type BillingAddress struct {
	AddressLines []string
	City         string
	Region       string
	PostalCode   string
	Country      string
	Phone        string
}

// Shopper carries network metadata about the paying customer
type Shopper struct {
	Email        string
	Name         string
	IPAddress    string
	UserAgent    string
	AcceptHeader string
	SessionID    string
}

// Order is the canonical charge request built by the state machine.
// Amount is pence; a zero amount is submitted authorize-only.
type Order struct {
	PaymentID   string
	Description string
	Amount      int64
	Card        Card
	Billing     BillingAddress
	Shopper     Shopper
}

// Result is the interpreted gateway response
type Result struct {
	Outcome       Outcome
	RawStatus     string
	OrderCode     string
	PaymentMethod string
	OneTimeToken  string
	RedirectURL   string
}

type wireBillingAddress struct {
	Address1        string  `json:"address1"`
	Address2        *string `json:"address2,omitempty"`
	Address3        *string `json:"address3,omitempty"`
	PostalCode      string  `json:"postalCode"`
	City            string  `json:"city"`
	CountryCode     string  `json:"countryCode"`
	State           string  `json:"state"`
	TelephoneNumber string  `json:"telephoneNumber"`
}

type wireCard struct {
	Name        string `json:"name"`
	ExpiryMonth int    `json:"expiryMonth"`
	ExpiryYear  int    `json:"expiryYear"`
	CardNumber  string `json:"cardNumber"`
	Type        string `json:"type"`
	CVC         string `json:"cvc,omitempty"`
}

type wireOrder struct {
	OrderType            string             `json:"orderType"`
	OrderDescription     string             `json:"orderDescription"`
	CustomerOrderCode    string             `json:"customerOrderCode"`
	Amount               int64              `json:"amount"`
	CurrencyCode         string             `json:"currencyCode"`
	Name                 string             `json:"name"`
	ShopperEmailAddress  string             `json:"shopperEmailAddress"`
	BillingAddress       wireBillingAddress `json:"billingAddress"`
	ShopperIPAddress     string             `json:"shopperIpAddress"`
	ShopperUserAgent     string             `json:"shopperUserAgent"`
	ShopperAcceptHeader  string             `json:"shopperAcceptHeader"`
	ShopperSessionID     string             `json:"shopperSessionId"`
	Is3DSOrder           bool               `json:"is3DSOrder"`
	AuthorizeOnly        bool               `json:"authorizeOnly"`
	PaymentMethod        wireCard           `json:"paymentMethod"`
}

type wireThreedsOrder struct {
	ThreeDSResponseCode string `json:"threeDSResponseCode"`
	ShopperIPAddress    string `json:"shopperIpAddress"`
	ShopperUserAgent    string `json:"shopperUserAgent"`
	ShopperAcceptHeader string `json:"shopperAcceptHeader"`
	ShopperSessionID    string `json:"shopperSessionId"`
}

type wireOrderResponse struct {
	OrderCode       string `json:"orderCode"`
	PaymentStatus   string `json:"paymentStatus"`
	PaymentResponse struct {
		CardIssuer       string `json:"cardIssuer"`
		MaskedCardNumber string `json:"maskedCardNumber"`
	} `json:"paymentResponse"`
	RedirectURL     string `json:"redirectURL"`
	OneTime3DSToken string `json:"oneTime3DsToken"`
}

// Client is the payment gateway adapter
type Client struct {
	baseURL  string
	liveKey  string
	testKey  string
	currency string
	http     *http.Client
	logger   *zap.Logger
}

// NewClient creates a new gateway client
func NewClient(baseURL, liveKey, testKey, currency string) *Client {
	return &Client{
		baseURL:  baseURL,
		liveKey:  liveKey,
		testKey:  testKey,
		currency: currency,
		http:     &http.Client{Timeout: 60 * time.Second},
		logger:   util.GetLogger(),
	}
}

// keyFor selects credentials strictly from the payment's environment,
// never from caller-supplied input.
func (c *Client) keyFor(environment string) string {
	if environment == models.EnvironmentLive {
		return c.liveKey
	}
	return c.testKey
}

// Charge submits an order to the gateway and interprets the response
func (c *Client) Charge(ctx context.Context, environment string, order *Order) (*Result, error) {
	body := wireOrder{
		OrderType:           "ECOM",
		OrderDescription:    order.Description,
		CustomerOrderCode:   order.PaymentID,
		Amount:              order.Amount,
		CurrencyCode:        c.currency,
		Name:                order.Shopper.Name,
		ShopperEmailAddress: order.Shopper.Email,
		BillingAddress:      billingToWire(&order.Billing),
		ShopperIPAddress:    order.Shopper.IPAddress,
		ShopperUserAgent:    order.Shopper.UserAgent,
		ShopperAcceptHeader: order.Shopper.AcceptHeader,
		ShopperSessionID:    order.Shopper.SessionID,
		Is3DSOrder:          true,
		AuthorizeOnly:       order.Amount == 0,
		PaymentMethod: wireCard{
			Name:        order.Card.Name,
			ExpiryMonth: order.Card.ExpMonth,
			ExpiryYear:  order.Card.ExpYear,
			CardNumber:  order.Card.PAN,
			Type:        "Card",
			CVC:         order.Card.CVC,
		},
	}

	return c.do(ctx, http.MethodPost, fmt.Sprintf("%s/orders", c.baseURL), environment, body)
}

// CompleteThreeds submits a 3DS response code against a stored order code
func (c *Client) CompleteThreeds(ctx context.Context, environment, orderCode, responseCode string, shopper *Shopper) (*Result, error) {
	body := wireThreedsOrder{
		ThreeDSResponseCode: responseCode,
		ShopperIPAddress:    shopper.IPAddress,
		ShopperUserAgent:    shopper.UserAgent,
		ShopperAcceptHeader: shopper.AcceptHeader,
		ShopperSessionID:    shopper.SessionID,
	}

	return c.do(ctx, http.MethodPut, fmt.Sprintf("%s/orders/%s", c.baseURL, orderCode), environment, body)
}

func (c *Client) do(ctx context.Context, method, url, environment string, body interface{}) (*Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.keyFor(environment))

	start := time.Now()
	resp, err := c.http.Do(req)
	util.GatewayRequestLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.GatewayUnavailableTotal.Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		util.GatewayUnavailableTotal.Inc()
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var wire wireOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		util.GatewayUnavailableTotal.Inc()
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}

	result := &Result{
		RawStatus:     wire.PaymentStatus,
		OrderCode:     wire.OrderCode,
		OneTimeToken:  wire.OneTime3DSToken,
		RedirectURL:   wire.RedirectURL,
		PaymentMethod: fmt.Sprintf("%s %s", wire.PaymentResponse.CardIssuer, wire.PaymentResponse.MaskedCardNumber),
	}

	switch wire.PaymentStatus {
	case statusSuccess, statusAuthorized:
		result.Outcome = OutcomeCaptured
	case statusPreAuthorized:
		result.Outcome = OutcomeChallengeRequired
	case statusFailed:
		result.Outcome = OutcomeDeclined
	default:
		c.logger.Warn("Unexpected gateway status",
			zap.String("status", wire.PaymentStatus),
			zap.String("order_code", wire.OrderCode))
		result.Outcome = OutcomeUnknown
	}

	return result, nil
}

func billingToWire(b *BillingAddress) wireBillingAddress {
	wire := wireBillingAddress{
		PostalCode:      b.PostalCode,
		City:            b.City,
		CountryCode:     b.Country,
		State:           b.Region,
		TelephoneNumber: b.Phone,
	}
	if len(b.AddressLines) > 0 {
		wire.Address1 = b.AddressLines[0]
	}
	if len(b.AddressLines) > 1 {
		wire.Address2 = &b.AddressLines[1]
	}
	if len(b.AddressLines) > 2 {
		wire.Address3 = &b.AddressLines[2]
	}
	return wire
}
