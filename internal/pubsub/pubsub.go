// Package pubsub is the NATS transport between the publishing services
// and the consumers. Delivery assurance does not live here: the broker is
// fire-and-forget and the delivery ledger plus republisher recover loss.
package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/breaker"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/config"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
)

// Client wraps one NATS connection.
type Client struct {
	nc           *nats.Conn
	flushTimeout time.Duration
	log          *logger.Logger
}

// Connect dials the broker. Reconnection is unbounded; the services keep
// running through outages and the ledger backfills whatever was missed.
func Connect(cfg config.NATSConfig, log *logger.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.New(context.Background()).Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.New(context.Background()).Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	return &Client{nc: nc, flushTimeout: cfg.FlushTimeout, log: log}, nil
}

// Publish sends one message and flushes, so a broker that accepted the
// write has it buffered before the call returns.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	timeout := c.flushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if err := c.nc.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	return nil
}

// Handler processes one raw message. Errors are the handler's to absorb;
// core NATS has no redelivery and the republisher is the retry path.
type Handler func(ctx context.Context, data []byte)

// QueueSubscribe joins the queue group on a subject so horizontally
// scaled consumers split the stream instead of duplicating it.
func (c *Client) QueueSubscribe(subject, queue string, h Handler) (*nats.Subscription, error) {
	sub, err := c.nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		h(context.Background(), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Connected reports broker reachability for health checks.
func (c *Client) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains in-flight messages and releases the connection.
func (c *Client) Close() {
	if c.nc == nil {
		return
	}
	_ = c.nc.Drain()
	c.nc.Close()
}

// GuardedPublisher runs publishes through a circuit breaker so a dead
// broker fails fast instead of stalling the request path.
type GuardedPublisher struct {
	client *Client
	cb     *breaker.Breaker
}

func NewGuardedPublisher(client *Client, cb *breaker.Breaker) *GuardedPublisher {
	return &GuardedPublisher{client: client, cb: cb}
}

func (g *GuardedPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	return g.cb.Do(func() error {
		return g.client.Publish(ctx, subject, data)
	})
}
