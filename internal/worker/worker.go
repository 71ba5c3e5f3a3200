package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"payment-service/internal/broker"
	"payment-service/internal/models"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

// NotificationWorker consumes PaymentPaid events and performs the
// best-effort notification side effect. It runs off the request path:
// delivery failures are logged, never retried against payment state.
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	webhookURL   string
	http         *http.Client
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, webhookURL string) *NotificationWorker {
	w := &NotificationWorker{
		consumer:   consumer,
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: 10 * time.Second},
		logger:     util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnPaymentPaid(w.handlePaymentPaid)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

// handlePaymentPaid delivers a paid notification. Errors are swallowed
// after logging: the guarantee is "attempted once", nothing stronger.
func (w *NotificationWorker) handlePaymentPaid(ctx context.Context, event *models.PaymentPaidEvent) error {
	w.logger.Info("Payment notification",
		zap.String("payment_id", event.PaymentID.String()),
		zap.String("environment", event.Environment),
		zap.Int64("amount", event.Amount),
		zap.String("payment_method", event.PaymentMethod))

	if w.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		w.logger.Error("Failed to marshal notification", zap.Error(err))
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(payload))
	if err != nil {
		w.logger.Error("Failed to build notification request", zap.Error(err))
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		w.logger.Error("Notification delivery failed",
			zap.String("payment_id", event.PaymentID.String()),
			zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.logger.Error("Notification delivery rejected",
			zap.String("payment_id", event.PaymentID.String()),
			zap.Error(fmt.Errorf("status %d", resp.StatusCode)))
	}

	return nil
}
