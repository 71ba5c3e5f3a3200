package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func introspectionServer(t *testing.T, response map[string]interface{}) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/realms/customers/protocol/openid-connect/token/introspect", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "payment-service", r.Form.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(response))
	}))
}

func TestVerifyToken(t *testing.T) {
	subject := uuid.New()
	srv := introspectionServer(t, map[string]interface{}{
		"active": true,
		"sub":    subject.String(),
		"realm_access": map[string]interface{}{
			"roles": []string{"customer", "view-payments"},
		},
	})
	defer srv.Close()

	client := NewClient(srv.URL, "customers", "payment-service", "secret", nil)

	introspection, err := client.VerifyToken(context.Background(), "some-token", "view-payments")
	require.NoError(t, err)
	assert.Equal(t, subject, introspection.Subject)
	assert.True(t, introspection.HasRole("customer"))
	assert.False(t, introspection.HasRole("create-payments"))
}

func TestVerifyTokenInactive(t *testing.T) {
	srv := introspectionServer(t, map[string]interface{}{"active": false})
	defer srv.Close()

	client := NewClient(srv.URL, "customers", "payment-service", "secret", nil)

	_, err := client.VerifyToken(context.Background(), "expired-token", "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyTokenMissingRole(t *testing.T) {
	srv := introspectionServer(t, map[string]interface{}{
		"active": true,
		"sub":    uuid.New().String(),
		"realm_access": map[string]interface{}{
			"roles": []string{"customer"},
		},
	})
	defer srv.Close()

	client := NewClient(srv.URL, "customers", "payment-service", "secret", nil)

	_, err := client.VerifyToken(context.Background(), "some-token", "create-payments")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestUserAttributes(t *testing.T) {
	user := &User{ID: uuid.New()}
	assert.False(t, user.HasAttribute("phone"))

	user.SetAttribute("phone", "07700900000")
	assert.True(t, user.HasAttribute("phone"))
	assert.Equal(t, []string{"07700900000"}, user.Attributes["phone"])
}
