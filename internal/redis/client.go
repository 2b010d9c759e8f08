// Package redis owns the process-wide Redis connection.
//
// One Client is created at startup and shared by reference: the quota
// counters and rate limit stats use the raw go-redis handle, conversion
// tasks and finished operation runs are appended to Redis Streams through
// AddToStream.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Entry is a message read back from a stream.
type Entry struct {
	MessageID string
	RequestID string
	Type      string
	Payload   map[string]interface{}
	RawData   map[string]interface{}
}

// Client wraps the shared go-redis client.
type Client struct {
	client         *redis.Client
	instanceID     string
	url            string
	password       string
	connectTimeout time.Duration
	maxLen         int64
}

// ClientConfig holds configuration for the Redis client.
type ClientConfig struct {
	URL      string
	Password string

	// ConnectTimeout bounds the connect retries (default: 30s)
	ConnectTimeout time.Duration

	// MaxLen caps every stream written through AddToStream, approximately
	// (default: 100000)
	MaxLen int64
}

// NewClient creates a new, unconnected client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = 100000
	}

	return &Client{
		instanceID:     fmt.Sprintf("convertica-%s", uuid.New().String()[:8]),
		url:            cfg.URL,
		password:       cfg.Password,
		connectTimeout: cfg.ConnectTimeout,
		maxLen:         cfg.MaxLen,
	}
}

// Connect establishes the connection, retrying the initial ping with
// exponential backoff until ConnectTimeout.
func (c *Client) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(c.url)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if c.password != "" {
		opts.Password = c.password
	}

	client := redis.NewClient(opts)

	_, err = backoff.Retry(ctx, func() (string, error) {
		return client.Ping(ctx).Result()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(c.connectTimeout))
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c.client = client
	return nil
}

// Raw returns the underlying go-redis client. It is nil before Connect.
func (c *Client) Raw() redis.UniversalClient {
	if c.client == nil {
		return nil
	}
	return c.client
}

// AddToStream appends values to stream and returns the message ID. Every
// entry is stamped with the producing instance and the time it was added.
func (c *Client) AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	fields := make(map[string]interface{}, len(values)+2)
	for k, v := range values {
		fields[k] = v
	}
	fields["producer"] = c.instanceID
	fields["created_at"] = time.Now().UTC().Format(time.RFC3339)

	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: c.maxLen,
		Approx: true,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add to stream %s: %w", stream, err)
	}
	return id, nil
}

// EnsureConsumerGroups creates group on each stream if it doesn't exist, so
// entries added before the first consumer attaches are kept for it.
func (c *Client) EnsureConsumerGroups(ctx context.Context, streams []string, group string) error {
	for _, stream := range streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil {
			// Ignore "BUSYGROUP" error (group already exists)
			if !strings.Contains(err.Error(), "BUSYGROUP") {
				return fmt.Errorf("failed to create consumer group for %s: %w", stream, err)
			}
		}
	}
	return nil
}

// ReadStream returns up to count entries of stream, oldest first.
func (c *Client) ReadStream(ctx context.Context, stream string, count int64) ([]Entry, error) {
	msgs, err := c.client.XRangeN(ctx, stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		e, err := parseMessage(msg)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

// parseMessage converts a Redis stream message to an Entry.
func parseMessage(msg redis.XMessage) (*Entry, error) {
	e := &Entry{
		MessageID: msg.ID,
		RawData:   make(map[string]interface{}),
	}

	for k, v := range msg.Values {
		e.RawData[k] = v
	}

	if id, ok := msg.Values["requestId"].(string); ok {
		e.RequestID = id
	}
	if t, ok := msg.Values["type"].(string); ok {
		e.Type = t
	}

	if payloadStr, ok := msg.Values["payload"].(string); ok {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
			return nil, fmt.Errorf("failed to parse entry payload: %w", err)
		}
		e.Payload = payload
	}

	return e, nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("redis client not connected")
	}
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// InstanceID returns the identifier stamped on produced entries.
func (c *Client) InstanceID() string {
	return c.instanceID
}
