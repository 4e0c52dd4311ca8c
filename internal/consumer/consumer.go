// Package consumer implements the shared event-consumption template:
// envelope decoding, recipient filtering, the two-layer duplicate check
// and the delivery acknowledgement back to the publisher. Journal and
// report plug their handlers into it.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/pubsub"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

// Handler processes one event that passed the duplicate checks. Returning
// repository.ErrDuplicateEvent signals the store-level marker fired and the
// event was already consumed; the template treats that as success.
type Handler func(ctx context.Context, env *domain.EventEnvelope) error

// Cache is the fast-path duplicate filter. SetNX claims the marker
// atomically; Delete releases it when handling fails so a replay gets
// another attempt. Errors are treated as misses: the store-level marker
// remains the source of truth.
type Cache interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Acker reports consumption outcomes to the publisher's delivery ledger.
type Acker interface {
	Ack(ctx context.Context, tenantID, eventID string, ok bool, message string) error
}

// Consumer wires handlers into the broker with idempotency and
// acknowledgement handled uniformly.
type Consumer struct {
	name       string
	cache      Cache
	acker      Acker
	dedupTTL   time.Duration
	ackTimeout time.Duration

	log     *logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func New(name string, cache Cache, acker Acker, dedupTTL, ackTimeout time.Duration, log *logger.Logger, m *metrics.Metrics) *Consumer {
	if dedupTTL <= 0 {
		dedupTTL = 26 * time.Hour
	}
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	return &Consumer{
		name:       name,
		cache:      cache,
		acker:      acker,
		dedupTTL:   dedupTTL,
		ackTimeout: ackTimeout,
		log:        log,
		metrics:    m,
		tracer:     otel.Tracer("event-consumer"),
	}
}

// Wrap adapts a handler to the broker's subscription callback for one
// topic. The returned callback never panics the subscription: every
// outcome is absorbed into logs, metrics and acknowledgements.
func (c *Consumer) Wrap(topic string, handle Handler) pubsub.Handler {
	return func(ctx context.Context, data []byte) {
		ctx, span := c.tracer.Start(ctx, "consume_event")
		defer span.End()
		span.SetAttributes(attribute.String("messaging.topic", topic))

		var env domain.EventEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.metrics.EventsConsumed.WithLabelValues(topic, "malformed").Inc()
			c.log.New(ctx).Warn("Dropping malformed event", "topic", topic, "error", err)
			return
		}

		// Connectivity probes and other non-events carry no identity.
		if env.EventID == "" || env.TenantID == "" {
			return
		}
		span.SetAttributes(attribute.String("event.id", env.EventID))

		// A republished envelope lists only the subscribers still pending.
		// Not being on the list means our earlier acknowledgement landed.
		if !env.AddressedTo(c.name) {
			c.metrics.EventsConsumed.WithLabelValues(topic, "not_addressed").Inc()
			return
		}

		// Claim the marker up front. A lost claim means another delivery
		// of the same event already holds it.
		key := dedupKey(c.name, env.EventID)
		claimed, cacheErr := c.cache.SetNX(ctx, key, []byte("1"), c.dedupTTL)
		if cacheErr != nil {
			c.log.New(ctx).Warn("Dedup marker claim failed, falling through to store",
				"event_id", env.EventID, "error", cacheErr)
			claimed = true
		}
		if !claimed {
			c.metrics.DedupHits.WithLabelValues("cache").Inc()
			c.ack(ctx, &env, true, "")
			return
		}

		err := handle(ctx, &env)
		switch {
		case err == nil:
			c.metrics.EventsConsumed.WithLabelValues(topic, "ok").Inc()
		case errors.Is(err, repository.ErrDuplicateEvent):
			c.metrics.DedupHits.WithLabelValues("store").Inc()
			err = nil
		default:
			c.metrics.EventsConsumed.WithLabelValues(topic, "error").Inc()
			c.log.New(ctx).Error("Event handling failed",
				"topic", topic, "event_id", env.EventID, "error", err)
			// Release the claim so a replay retries instead of being
			// filtered as a duplicate.
			if relErr := c.cache.Delete(ctx, key); relErr != nil {
				c.log.New(ctx).Warn("Dedup marker release failed",
					"event_id", env.EventID, "error", relErr)
			}
			c.ack(ctx, &env, false, err.Error())
			return
		}
		c.ack(ctx, &env, true, "")
	}
}

// ack reports the outcome without blocking the subscription callback. The
// acknowledgement is best-effort: a lost one only means the publisher
// republishes and the duplicate checks absorb the replay.
func (c *Consumer) ack(ctx context.Context, env *domain.EventEnvelope, ok bool, message string) {
	tenantID, eventID := env.TenantID, env.EventID
	go func() {
		ackCtx, cancel := context.WithTimeout(context.Background(), c.ackTimeout)
		defer cancel()
		if err := c.acker.Ack(ackCtx, tenantID, eventID, ok, message); err != nil {
			c.log.New(ackCtx).Warn("Delivery acknowledgement failed",
				"event_id", eventID, "success", ok, "error", err)
		}
	}()
}

func dedupKey(consumer, eventID string) string {
	return "dedup:" + consumer + ":" + eventID
}
