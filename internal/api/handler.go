package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"payment-service/internal/gateway"
	"payment-service/internal/identity"
	"payment-service/internal/models"
	"payment-service/internal/service"
	"payment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const sessionCookie = "sess_id"

// Handler contains HTTP handlers
type Handler struct {
	paymentService *service.PaymentService
	identity       *identity.Client
}

// NewHandler creates a new HTTP handler
func NewHandler(paymentService *service.PaymentService, identityClient *identity.Client) *Handler {
	return &Handler{
		paymentService: paymentService,
		identity:       identityClient,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/payments", h.createPayment)
		v1.GET("/payments", h.listPayments)
		v1.GET("/payments/:id", h.getPayment)
		v1.POST("/payments/:id/charge", h.submitCharge)
		v1.POST("/payments/:id/3ds-complete", h.completeThreeds)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type createPaymentRequest struct {
	Environment string                   `json:"environment" binding:"required"`
	CustomerID  uuid.UUID                `json:"customer_id" binding:"required"`
	Items       []service.NewPaymentItem `json:"items" binding:"required,min=1"`
}

// createPayment handles privileged server-to-server payment creation
func (h *Handler) createPayment(c *gin.Context) {
	if _, err := h.identity.VerifyToken(c.Request.Context(), bearerToken(c), "create-payments"); err != nil {
		h.renderError(c, err)
		return
	}

	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	id, err := h.paymentService.CreatePayment(c.Request.Context(), req.Environment, req.CustomerID, req.Items)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type paymentItemView struct {
	ID       uuid.UUID   `json:"id"`
	ItemType string      `json:"type"`
	ItemData interface{} `json:"data"`
	Title    string      `json:"title"`
	Quantity int         `json:"quantity"`
	Price    float64     `json:"price"`
}

type paymentView struct {
	ID            uuid.UUID         `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	State         string            `json:"state"`
	Environment   string            `json:"environment"`
	CustomerID    uuid.UUID         `json:"customer_id"`
	PaymentMethod *string           `json:"payment_method,omitempty"`
	Items         []paymentItemView `json:"items"`
}

// getPayment handles get payment by ID. The caller must own the payment
// or hold the view-payments grant.
func (h *Handler) getPayment(c *gin.Context) {
	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment ID"})
		return
	}

	// Token first: an unauthenticated caller must not learn whether a
	// payment id exists.
	introspection, err := h.identity.VerifyToken(c.Request.Context(), bearerToken(c), "")
	if err != nil {
		h.renderError(c, err)
		return
	}

	payment, items, err := h.paymentService.GetPayment(c.Request.Context(), paymentID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	if !introspection.HasRole("view-payments") && introspection.Subject != payment.CustomerID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}

	view := paymentView{
		ID:            payment.ID,
		Timestamp:     payment.CreatedAt,
		State:         payment.State,
		Environment:   payment.Environment,
		CustomerID:    payment.CustomerID,
		PaymentMethod: payment.PaymentMethod,
		Items:         make([]paymentItemView, 0, len(items)),
	}
	for _, item := range items {
		view.Items = append(view.Items, paymentItemView{
			ID:       item.ID,
			ItemType: item.ItemType,
			ItemData: item.ItemData,
			Title:    item.Title,
			Quantity: item.Quantity,
			Price:    models.PoundsFromPence(item.Price),
		})
	}

	c.JSON(http.StatusOK, view)
}

// listPayments returns the authenticated customer's own payments
func (h *Handler) listPayments(c *gin.Context) {
	introspection, err := h.identity.VerifyToken(c.Request.Context(), bearerToken(c), "")
	if err != nil {
		h.renderError(c, err)
		return
	}

	payments, err := h.paymentService.ListCustomerPayments(c.Request.Context(), introspection.Subject)
	if err != nil {
		h.renderError(c, err)
		return
	}

	views := make([]gin.H, 0, len(payments))
	for i := range payments {
		views = append(views, gin.H{
			"id":          payments[i].ID,
			"timestamp":   payments[i].CreatedAt,
			"state":       payments[i].State,
			"environment": payments[i].Environment,
		})
	}

	c.JSON(http.StatusOK, gin.H{"payments": views})
}

type chargeRequest struct {
	Accepts        string                  `json:"accepts"`
	Email          string                  `json:"email"`
	FirstName      string                  `json:"first_name"`
	LastName       string                  `json:"last_name"`
	Card           service.CardDetails     `json:"card" binding:"required"`
	BillingAddress service.BillingDetails  `json:"billing_address" binding:"required"`
	Payment        *service.InlineOrder    `json:"payment"`
	Total          *float64                `json:"total"`
}

// submitCharge handles charge submission for a payment
func (h *Handler) submitCharge(c *gin.Context) {
	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment ID"})
		return
	}

	var req chargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	charge := &service.ChargeRequest{
		PaymentID: paymentID,
		Card:      req.Card,
		Billing:   req.BillingAddress,
		Shopper: service.ShopperDetails{
			Email:        req.Email,
			FirstName:    req.FirstName,
			LastName:     req.LastName,
			IPAddress:    c.ClientIP(),
			UserAgent:    c.Request.UserAgent(),
			AcceptHeader: req.Accepts,
			SessionID:    h.sessionID(c),
		},
		NewPayment: req.Payment,
	}

	if req.Total != nil {
		declared := models.PenceFromPounds(*req.Total)
		charge.DeclaredTotal = &declared
	}

	if token := bearerToken(c); token != "" {
		if introspection, err := h.identity.VerifyToken(c.Request.Context(), token, ""); err == nil {
			subject := introspection.Subject
			charge.AuthenticatedCustomer = &subject
		}
	}

	resp, err := h.paymentService.SubmitCharge(c.Request.Context(), charge)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type threedsCompleteRequest struct {
	ResponseCode string `json:"response_code" binding:"required"`
	OrderCode    string `json:"order_code"`
}

// completeThreeds handles the 3DS challenge callback
func (h *Handler) completeThreeds(c *gin.Context) {
	paymentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment ID"})
		return
	}

	var req threedsCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	shopper := &service.ShopperDetails{
		IPAddress:    c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
		AcceptHeader: c.GetHeader("Accept"),
		SessionID:    h.sessionID(c),
	}

	approved, err := h.paymentService.CompleteThreedsChallenge(
		c.Request.Context(), paymentID, req.ResponseCode, req.OrderCode, shopper)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"approved": approved})
}

// renderError maps service errors onto HTTP responses
func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, identity.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, service.ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
	case errors.Is(err, service.ErrTotalMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Order total mismatch"})
	case errors.Is(err, service.ErrAlreadyProcessed):
		c.JSON(http.StatusConflict, gin.H{"error": "Payment already processed"})
	case errors.Is(err, service.ErrChargeInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "Charge already in progress"})
	case errors.Is(err, gateway.ErrUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Payment gateway unavailable"})
	case errors.Is(err, identity.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	default:
		util.GetLogger().Error("Internal error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

// sessionID returns the shopper session id, minting a cookie on first use
func (h *Handler) sessionID(c *gin.Context) string {
	if sid, err := c.Cookie(sessionCookie); err == nil && sid != "" {
		return sid
	}

	sid := uuid.New().String()
	c.SetCookie(sessionCookie, sid, int((24 * time.Hour).Seconds()), "/", "", true, true)
	return sid
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
