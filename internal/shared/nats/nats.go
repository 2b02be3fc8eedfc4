package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gitfleet/gitfleet/internal/shared/config"
)

// Client wraps the NATS connection with simple functionality
type Client struct {
	conn *nats.Conn
}

// NewClient creates a new NATS client with the provided configuration
func NewClient(cfg *config.NATSConfig, name string) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("NATS configuration is required")
	}

	opts := []nats.Option{
		nats.Name("gitfleet-" + name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	}

	conn, err := nats.Connect(cfg.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	slog.Info("Connected to NATS", "url", cfg.URLs[0], "name", name)

	return &Client{conn: conn}, nil
}

// Publish publishes a message to the given subject
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe creates a subscription to the given subject
func (c *Client) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, handler)
}

// QueueSubscribe creates a queue subscription to the given subject.
// Queue subscriptions let multiple service instances form a queue group
// where only one instance receives each message.
func (c *Client) QueueSubscribe(subject, queueGroup string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	return c.conn.QueueSubscribe(subject, queueGroup, handler)
}

// Request sends a request and waits for a response within the timeout
func (c *Client) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.conn.RequestWithContext(reqCtx, subject, data)
}

// Close closes the NATS connection
func (c *Client) Close() error {
	if c.conn != nil {
		c.conn.Close()
		slog.Info("NATS connection closed")
	}
	return nil
}

// IsConnected returns true if the client is connected to NATS
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Flush flushes any pending messages
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// WithContext returns a context-aware wrapper for graceful shutdowns
func (c *Client) WithContext(ctx context.Context) *ContextClient {
	return &ContextClient{
		client: c,
		ctx:    ctx,
	}
}

// ContextClient wraps the NATS client with context support
type ContextClient struct {
	client *Client
	ctx    context.Context
}

// Publish publishes a message with context cancellation support
func (cc *ContextClient) Publish(subject string, data []byte) error {
	select {
	case <-cc.ctx.Done():
		return cc.ctx.Err()
	default:
		return cc.client.Publish(subject, data)
	}
}

// QueueSubscribe creates a queue subscription that respects context cancellation
func (cc *ContextClient) QueueSubscribe(subject, queueGroup string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := cc.client.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
		select {
		case <-cc.ctx.Done():
			return
		default:
			handler(msg)
		}
	})
	if err != nil {
		return nil, err
	}

	// Monitor context and unsubscribe when cancelled
	go func() {
		<-cc.ctx.Done()
		sub.Unsubscribe()
	}()

	return sub, nil
}

// Subscribe creates a subscription that respects context cancellation
func (cc *ContextClient) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := cc.client.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case <-cc.ctx.Done():
			return
		default:
			handler(msg)
		}
	})
	if err != nil {
		return nil, err
	}

	go func() {
		<-cc.ctx.Done()
		sub.Unsubscribe()
	}()

	return sub, nil
}
