package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"payment-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paidEvent() *models.PaymentPaidEvent {
	return &models.PaymentPaidEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentPaid,
			Timestamp: time.Now().UTC(),
		},
		PaymentID:     uuid.New(),
		CustomerID:    uuid.New(),
		Environment:   models.EnvironmentTest,
		Amount:        4999,
		PaymentMethod: "VISA **** 1111",
	}
}

func TestHandlePaymentPaidDeliversWebhook(t *testing.T) {
	var got models.PaymentPaidEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewNotificationWorker(nil, srv.URL)

	event := paidEvent()
	require.NoError(t, w.handlePaymentPaid(context.Background(), event))
	assert.Equal(t, event.PaymentID, got.PaymentID)
	assert.Equal(t, int64(4999), got.Amount)
}

func TestHandlePaymentPaidNoWebhookConfigured(t *testing.T) {
	w := NewNotificationWorker(nil, "")
	assert.NoError(t, w.handlePaymentPaid(context.Background(), paidEvent()))
}

func TestHandlePaymentPaidSwallowsDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewNotificationWorker(nil, srv.URL)

	// Delivery is best-effort: a failing webhook must not surface an
	// error that would block or requeue the consumer.
	assert.NoError(t, w.handlePaymentPaid(context.Background(), paidEvent()))
}
