// Package bus implements the Message Bus Client contract over Redis
// Streams: consumer groups, batched envelope reads, acks, a cursor scan and a
// JSON get/set key-value surface used for HMAC-signed state records.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one unwrapped stream record: a raw JSON payload plus the
// stream-entry ID needed to Ack it.
type Entry struct {
	ID   string
	Data json.RawMessage
}

// batchEnvelope is the `{batch:true, items:T[]}` wire shape producers may use
// to pack several domain messages into a single stream entry.
type batchEnvelope struct {
	Batch bool              `json:"batch"`
	Items []json.RawMessage `json:"items"`
}

// Client wraps a *redis.Client with the operations the core depends on.
// Timeouts on Read are normal and are swallowed; every other error surfaces.
type Client struct {
	rdb *redis.Client
}

// New wires a Client against a Redis URL (e.g. "redis://localhost:6379/0").
func New(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("bus: parse redis url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opt)}, nil
}

// NewFromClient wraps an already-configured *redis.Client.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// CreateConsumerGroup is idempotent: "already exists" (BUSYGROUP) is ignored.
func (c *Client) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("bus: create consumer group %s/%s: %w", stream, group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Read polls a single stream for up to count new entries, blocking up to
// blockMs. Each returned Entry already has its batch envelope (if any)
// unwrapped into individual Data payloads sharing the same stream ID — the
// caller acks the stream ID once regardless of how many items it unwrapped
// to, per the spec's "ack per-stream entry, not per-item" rule.
func (c *Client) Read(ctx context.Context, stream, group, consumer string, count int64, blockMs int) ([]Entry, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: read %s: %w", stream, err)
	}

	var entries []Entry
	for _, streamResult := range res {
		for _, msg := range streamResult.Messages {
			raw, ok := msg.Values["data"]
			if !ok {
				continue
			}
			s, ok := raw.(string)
			if !ok {
				continue
			}

			var env batchEnvelope
			if err := json.Unmarshal([]byte(s), &env); err == nil && env.Batch {
				for _, item := range env.Items {
					entries = append(entries, Entry{ID: msg.ID, Data: item})
				}
				continue
			}
			entries = append(entries, Entry{ID: msg.ID, Data: json.RawMessage(s)})
		}
	}
	return entries, nil
}

// Ack acknowledges a single stream entry.
func (c *Client) Ack(ctx context.Context, stream, group, id string) error {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("bus: ack %s/%s/%s: %w", stream, group, id, err)
	}
	return nil
}

// Add publishes a JSON-serializable payload to stream as a "data" field.
func (c *Client) Add(ctx context.Context, stream string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload for %s: %w", stream, err)
	}
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"data": string(raw)},
	}).Err(); err != nil {
		return fmt.Errorf("bus: add to %s: %w", stream, err)
	}
	return nil
}

// Scan performs an O(N) cursor-based key scan, never KEYS.
func (c *Client) Scan(ctx context.Context, cursor uint64, match string, count int64) (keys []string, nextCursor uint64, err error) {
	keys, nextCursor, err = c.rdb.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("bus: scan %s: %w", match, err)
	}
	return keys, nextCursor, nil
}

// Get reads a JSON value. A missing key returns (nil, false, nil).
func (c *Client) Get(ctx context.Context, key string) (raw json.RawMessage, found bool, err error) {
	s, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("bus: get %s: %w", key, err)
	}
	return json.RawMessage(s), true, nil
}

// Set stores a JSON-serializable value with an optional TTL (0 = no expiry).
func (c *Client) Set(ctx context.Context, key string, value any, ttlSeconds int64) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("bus: marshal value for %s: %w", key, err)
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("bus: set %s: %w", key, err)
	}
	return nil
}

// Del removes a key outright (used to drop corrupt persisted state).
func (c *Client) Del(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("bus: del %s: %w", key, err)
	}
	return nil
}

// ReadRecent returns up to count of the most recent entries on stream, newest
// first, without consumer-group bookkeeping. Used for restoring in-memory
// state (e.g. circuit breaker positions) from recent history on startup.
func (c *Client) ReadRecent(ctx context.Context, stream string, count int64) ([]json.RawMessage, error) {
	res, err := c.rdb.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("bus: read recent %s: %w", stream, err)
	}

	out := make([]json.RawMessage, 0, len(res))
	for _, msg := range res {
		raw, ok := msg.Values["data"]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		out = append(out, json.RawMessage(s))
	}
	return out, nil
}

// XReadBatch reads the given streams one after another with Read; on the
// first error it stops and returns the entries read so far. StreamConsumer
// does not use it: it launches one Read per stream in its own goroutine.
func (c *Client) XReadBatch(ctx context.Context, group, consumer string, streams map[string]int64, blockMs int) (map[string][]Entry, error) {
	out := make(map[string][]Entry, len(streams))
	for stream, count := range streams {
		entries, err := c.Read(ctx, stream, group, consumer, count, blockMs)
		if err != nil {
			return out, err
		}
		out[stream] = entries
	}
	return out, nil
}
