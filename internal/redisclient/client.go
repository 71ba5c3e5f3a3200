package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetServiceToken caches an identity-provider service access token until
// shortly before its expiry.
func (c *Client) SetServiceToken(ctx context.Context, clientID, token string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("svctoken:%s", clientID), token, ttl).Err()
}

// GetServiceToken retrieves a cached service access token. Returns empty
// string on a cache miss.
func (c *Client) GetServiceToken(ctx context.Context, clientID string) (string, error) {
	val, err := c.rdb.Get(ctx, fmt.Sprintf("svctoken:%s", clientID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetSession stores a checkout session id with TTL
func (c *Client) SetSession(ctx context.Context, sessionID, customerID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("session:%s", sessionID), customerID, ttl).Err()
}

// GetSession retrieves the customer bound to a session, empty if none
func (c *Client) GetSession(ctx context.Context, sessionID string) (string, error) {
	val, err := c.rdb.Get(ctx, fmt.Sprintf("session:%s", sessionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// AcquireLock acquires a short advisory lock keyed by payment id. The
// store's conditional state update is the correctness guard; this only
// cuts down wasted gateway submissions from racing retries.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases an advisory lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
