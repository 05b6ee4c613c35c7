// Package remote provides the realtime change-feed subscriber.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/meadowlark/farmsync/internal/errors"
	"github.com/meadowlark/farmsync/internal/logging"
	"github.com/meadowlark/farmsync/internal/models"
)

// FeedEnvelope wraps all change-feed messages.
type FeedEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Change-feed message types.
const (
	FeedTypeChange    = "change"
	FeedTypeSubscribe = "subscribe"
)

// ChangeEvent is one insert/update/delete notification for a collection.
// The core treats it purely as an invalidation signal: the payload says
// which (kind, farm) is stale, never what the new truth is.
type ChangeEvent struct {
	EntityKind models.EntityKind `json:"entity_kind"`
	FarmID     string            `json:"farm_id"`
	Op         string            `json:"op"` // insert, update, delete
}

// ChangeHandler receives decoded change events.
type ChangeHandler func(event ChangeEvent)

// FeedClient subscribes to the realtime change feed over a websocket.
// Connection loss is expected and handled by reconnecting with backoff;
// the feed is best-effort and never the sole source of truth.
type FeedClient struct {
	url     string
	handler ChangeHandler

	mu            sync.Mutex
	conn          *websocket.Conn
	subscriptions map[string]ChangeEvent // key -> subscribe request
	closed        bool
}

// NewFeedClient creates a FeedClient for the given websocket URL.
func NewFeedClient(url string, handler ChangeHandler) *FeedClient {
	return &FeedClient{
		url:           url,
		handler:       handler,
		subscriptions: make(map[string]ChangeEvent),
	}
}

// Subscribe registers interest in change events for (kind, farm). The
// subscription is replayed after every reconnect.
func (c *FeedClient) Subscribe(kind models.EntityKind, farmID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subscriptionKey(kind, farmID)
	sub := ChangeEvent{EntityKind: kind, FarmID: farmID}
	c.subscriptions[key] = sub

	if c.conn != nil {
		if err := c.sendSubscribe(c.conn, sub); err != nil {
			logging.Warn("Failed to send subscription, will replay on reconnect",
				map[string]interface{}{"entity_kind": string(kind), "farm_id": farmID})
		}
	}
}

func subscriptionKey(kind models.EntityKind, farmID string) string {
	return string(kind) + "/" + farmID
}

// Run connects and reads change events until the context is cancelled or
// Close is called. Dropped connections are re-established with backoff.
func (c *FeedClient) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.isClosed() {
			return apperrors.New(apperrors.ErrFeedClosed, "feed client closed")
		}

		start := time.Now()
		err := c.connectAndRead(ctx)
		if time.Since(start) > time.Minute {
			// The connection held for a while; treat the drop as fresh.
			backoff = time.Second
		}
		if err != nil && ctx.Err() == nil && !c.isClosed() {
			logging.Warn("Change feed disconnected, reconnecting", map[string]interface{}{
				"backoff_seconds": backoff.Seconds(),
				"error":           err.Error(),
			})

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}
			continue
		}

		backoff = time.Second
	}
}

// connectAndRead dials the feed, replays subscriptions, and reads messages
// until the connection drops.
func (c *FeedClient) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial change feed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	subs := make([]ChangeEvent, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	for _, sub := range subs {
		if err := c.sendSubscribe(conn, sub); err != nil {
			return err
		}
	}

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		event, err := DecodeChange(data)
		if err != nil {
			logging.Warn("Ignoring malformed feed message", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if event == nil {
			continue
		}

		if c.handler != nil {
			c.handler(*event)
		}
	}
}

// sendSubscribe writes a subscription envelope for (kind, farm).
func (c *FeedClient) sendSubscribe(conn *websocket.Conn, sub ChangeEvent) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	envelope := FeedEnvelope{
		Type:      FeedTypeSubscribe,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	return conn.WriteJSON(envelope)
}

// DecodeChange decodes a feed message into a ChangeEvent. Non-change
// envelope types decode to nil without error.
func DecodeChange(data []byte) (*ChangeEvent, error) {
	var envelope FeedEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode feed envelope: %w", err)
	}

	if envelope.Type != FeedTypeChange {
		return nil, nil
	}

	var event ChangeEvent
	if err := json.Unmarshal(envelope.Data, &event); err != nil {
		return nil, fmt.Errorf("failed to decode change event: %w", err)
	}
	if event.EntityKind == "" || event.FarmID == "" {
		return nil, fmt.Errorf("change event missing entity kind or farm id")
	}

	return &event, nil
}

// Close shuts the client down; Run returns after the current read fails.
func (c *FeedClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *FeedClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
