package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payment-service/internal/redisclient"
	"payment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnauthorized is returned when a bearer token is inactive or lacks a
// required role.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNotFound is returned when a referenced user does not exist
var ErrNotFound = errors.New("user not found")

// User is an identity-provider user record
type User struct {
	ID         uuid.UUID           `json:"id"`
	Email      string              `json:"email,omitempty"`
	FirstName  string              `json:"firstName,omitempty"`
	LastName   string              `json:"lastName,omitempty"`
	Enabled    bool                `json:"enabled"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// SetAttribute sets a single-valued user attribute
func (u *User) SetAttribute(attr, value string) {
	if u.Attributes == nil {
		u.Attributes = map[string][]string{}
	}
	u.Attributes[attr] = []string{value}
}

// HasAttribute reports whether the user carries an attribute
func (u *User) HasAttribute(attr string) bool {
	_, ok := u.Attributes[attr]
	return ok
}

// Introspection is the result of verifying a bearer token
type Introspection struct {
	Active  bool
	Subject uuid.UUID
	Roles   []string
}

// HasRole reports whether the token carries a realm role
func (i *Introspection) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Client talks to the identity provider's admin and token endpoints. The
// service access token is acquired by client-credentials grant and cached
// in redis until shortly before expiry.
type Client struct {
	baseURL      string
	realm        string
	clientID     string
	clientSecret string
	http         *http.Client
	redis        *redisclient.Client
	logger       *zap.Logger
}

// NewClient creates a new identity provider client
func NewClient(baseURL, realm, clientID, clientSecret string, redis *redisclient.Client) *Client {
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 15 * time.Second},
		redis:        redis,
		logger:       util.GetLogger(),
	}
}

func (c *Client) tokenURL() string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", c.baseURL, c.realm)
}

func (c *Client) adminURL(path string) string {
	return fmt.Sprintf("%s/admin/realms/%s%s", c.baseURL, c.realm, path)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// serviceToken returns a valid service access token, fetching a fresh one
// on cache miss.
func (c *Client) serviceToken(ctx context.Context) (string, error) {
	cached, err := c.redis.GetServiceToken(ctx, c.clientID)
	if err != nil {
		c.logger.Warn("Service token cache read failed", zap.Error(err))
	}
	if cached != "" {
		return cached, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity token request failed: status %d", resp.StatusCode)
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	ttl := time.Duration(token.ExpiresIn-30) * time.Second
	if ttl > 0 {
		if err := c.redis.SetServiceToken(ctx, c.clientID, token.AccessToken, ttl); err != nil {
			c.logger.Warn("Service token cache write failed", zap.Error(err))
		}
	}

	return token.AccessToken, nil
}

// VerifyToken introspects a caller-supplied bearer token, optionally
// requiring a realm role.
func (c *Client) VerifyToken(ctx context.Context, bearerToken, requiredRole string) (*Introspection, error) {
	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"token":         {bearerToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL()+"/introspect", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token introspection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token introspection failed: status %d", resp.StatusCode)
	}

	var wire struct {
		Active      bool   `json:"active"`
		Sub         string `json:"sub"`
		RealmAccess struct {
			Roles []string `json:"roles"`
		} `json:"realm_access"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode introspection response: %w", err)
	}

	if !wire.Active {
		return nil, ErrUnauthorized
	}

	subject, err := uuid.Parse(wire.Sub)
	if err != nil {
		return nil, fmt.Errorf("introspection returned invalid subject: %w", err)
	}

	introspection := &Introspection{
		Active:  true,
		Subject: subject,
		Roles:   wire.RealmAccess.Roles,
	}

	if requiredRole != "" && !introspection.HasRole(requiredRole) {
		return nil, ErrUnauthorized
	}

	return introspection, nil
}

// GetUser retrieves a user by id
func (c *Client) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	var user User
	if err := c.adminGet(ctx, fmt.Sprintf("/users/%s", userID), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByEmail retrieves a user by exact email match, ErrNotFound if none
func (c *Client) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var users []User
	path := fmt.Sprintf("/users?exact=true&email=%s", url.QueryEscape(email))
	if err := c.adminGet(ctx, path, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return &users[0], nil
}

// CreateUser creates a new enabled user for an email
func (c *Client) CreateUser(ctx context.Context, email string) (*User, error) {
	body := map[string]interface{}{
		"email":           email,
		"username":        email,
		"enabled":         true,
		"requiredActions": []string{"UPDATE_PASSWORD", "UPDATE_PROFILE", "VERIFY_EMAIL"},
	}

	if err := c.adminSend(ctx, http.MethodPost, "/users", body); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	// The create response carries no body; re-fetch by email for the id.
	return c.GetUserByEmail(ctx, email)
}

// UpdateUser writes back a modified user record
func (c *Client) UpdateUser(ctx context.Context, user *User) error {
	return c.adminSend(ctx, http.MethodPut, fmt.Sprintf("/users/%s", user.ID), user)
}

// AddRole grants realm roles to a user. Unknown role names are skipped.
func (c *Client) AddRole(ctx context.Context, userID uuid.UUID, roles []string) error {
	type realmRole struct {
		ID   uuid.UUID `json:"id"`
		Name string    `json:"name"`
	}

	var available []realmRole
	path := fmt.Sprintf("/users/%s/role-mappings/realm/available", userID)
	if err := c.adminGet(ctx, path, &available); err != nil {
		return err
	}

	var toAdd []realmRole
	for _, name := range roles {
		for _, r := range available {
			if r.Name == name {
				toAdd = append(toAdd, r)
			}
		}
	}
	if len(toAdd) == 0 {
		return nil
	}

	return c.adminSend(ctx, http.MethodPost, fmt.Sprintf("/users/%s/role-mappings/realm", userID), toAdd)
}

func (c *Client) adminGet(ctx context.Context, path string, out interface{}) error {
	token, err := c.serviceToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.adminURL(path), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity provider request failed: status %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) adminSend(ctx context.Context, method, path string, body interface{}) error {
	token, err := c.serviceToken(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.adminURL(path), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("identity provider request failed: status %d", resp.StatusCode)
	}

	return nil
}
