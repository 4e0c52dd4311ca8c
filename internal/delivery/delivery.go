// Package delivery implements publish-side delivery assurance: the
// durable status ledger written before the broker send, acknowledgement
// tracking per subscriber, and the republish scheduler that re-sends
// stalled events to the subscribers still missing them.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/alert"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/config"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

// Broker is the transport the fabric hands serialized envelopes to.
type Broker interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Ledger is the persistence the fabric tracks delivery status in.
type Ledger interface {
	Insert(ctx context.Context, d *domain.DeliveryStatus) error
	Get(ctx context.Context, tenantID, eventID string) (*domain.DeliveryStatus, error)
	Update(ctx context.Context, tenantID, eventID string, mutate func(*domain.DeliveryStatus) error) (*domain.DeliveryStatus, error)
	ListUndelivered(ctx context.Context, tenantID string, windowStart, staleBefore time.Time) ([]*domain.DeliveryStatus, error)
	MarkAgedFailed(ctx context.Context, tenantID string, windowStart, now time.Time) (int64, error)
	ListByQuery(ctx context.Context, tenantID string, state domain.DeliveryState, since time.Time, limit int64) ([]*domain.DeliveryStatus, error)
}

// Service owns the publish path and the republish scheduler.
type Service struct {
	ledger    Ledger
	broker    Broker
	defaults  config.TenantDefaults
	republish config.RepublishConfig

	// Tenants the republisher scans: the configured set plus every tenant
	// seen publishing since boot.
	tenants sync.Map

	log     *logger.Logger
	metrics *metrics.Metrics
	alerts  *alert.Notifier
	tracer  trace.Tracer
}

func NewService(ledger Ledger, broker Broker, defaults config.TenantDefaults, republish config.RepublishConfig, log *logger.Logger, m *metrics.Metrics, alerts *alert.Notifier) *Service {
	return &Service{
		ledger:    ledger,
		broker:    broker,
		defaults:  defaults,
		republish: republish,
		log:       log,
		metrics:   m,
		alerts:    alerts,
		tracer:    otel.Tracer("delivery-service"),
	}
}

// RegisterTenant adds a tenant to the republish scan set.
func (s *Service) RegisterTenant(tenantID string) {
	if tenantID != "" {
		s.tenants.Store(tenantID, struct{}{})
	}
}

// Publish records the event in the ledger and then hands it to the
// broker. The ledger write must succeed or the whole operation fails; the
// broker send is best-effort because the republisher recovers from broker
// loss but nothing recovers an unrecorded event.
func (s *Service) Publish(ctx context.Context, env *domain.EventEnvelope) error {
	ctx, span := s.tracer.Start(ctx, "publish_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", env.EventID),
		attribute.String("event.topic", env.Topic),
		attribute.String("tenant.id", env.TenantID),
	)

	payload, err := json.Marshal(env)
	if err != nil {
		return apperr.Internal(err, apperr.Code(apperr.ServiceFabric, 1, 1), "envelope marshal failed")
	}

	subscribers := s.defaults.SubscribersFor(env.Topic)
	status := domain.NewDeliveryStatus(env, payload, subscribers, time.Now().UTC())
	if err := s.ledger.Insert(ctx, status); err != nil {
		return apperr.Internal(err, apperr.Code(apperr.ServiceFabric, 1, 2), "delivery ledger write failed")
	}
	s.RegisterTenant(env.TenantID)

	if err := s.broker.Publish(ctx, env.Topic, payload); err != nil {
		s.metrics.EventsPublished.WithLabelValues(env.Topic, "failed").Inc()
		s.log.New(ctx).Warn("Broker publish failed, republisher will retry",
			"event_id", env.EventID, "topic", env.Topic, "error", err)
		return nil
	}
	s.metrics.EventsPublished.WithLabelValues(env.Topic, "ok").Inc()
	return nil
}

// Acknowledge applies one subscriber's processing result to the ledger
// and returns the updated record.
func (s *Service) Acknowledge(ctx context.Context, tenantID, eventID, subscriber string, ok bool, message string) (*domain.DeliveryStatus, error) {
	ctx, span := s.tracer.Start(ctx, "acknowledge_delivery")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", eventID),
		attribute.String("subscriber", subscriber),
		attribute.Bool("ok", ok),
	)

	updated, err := s.ledger.Update(ctx, tenantID, eventID, func(d *domain.DeliveryStatus) error {
		_, found := d.Acknowledge(subscriber, ok, message, time.Now().UTC())
		if !found {
			return apperr.Unprocessable(
				apperr.Code(apperr.ServiceFabric, 2, 1),
				"subscriber "+subscriber+" not registered for event",
			)
		}
		return nil
	})
	if err != nil {
		if kind := apperr.KindOf(err); kind == apperr.KindUnprocessable {
			return nil, err
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound(apperr.Code(apperr.ServiceFabric, 2, 2), "event "+eventID+" not found")
		}
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceFabric, 2, 3), "acknowledge update failed")
	}

	outcome := "received"
	if !ok {
		outcome = "failed"
	}
	s.metrics.EventsDelivered.WithLabelValues(subscriber, outcome).Inc()
	s.log.New(ctx).Info("Delivery acknowledged",
		"event_id", eventID, "subscriber", subscriber, "outcome", outcome, "state", string(updated.State))
	return updated, nil
}

// Status returns one ledger record for the delivery-status API.
func (s *Service) Status(ctx context.Context, tenantID, eventID string) (*domain.DeliveryStatus, error) {
	d, err := s.ledger.Get(ctx, tenantID, eventID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound(apperr.Code(apperr.ServiceFabric, 2, 2), "event "+eventID+" not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceFabric, 2, 4), "ledger read failed")
	}
	return d, nil
}

// List returns ledger records for the delivery-status API.
func (s *Service) List(ctx context.Context, tenantID string, state domain.DeliveryState, since time.Time, limit int64) ([]*domain.DeliveryStatus, error) {
	if state != "" {
		switch state {
		case domain.DeliveryPublished, domain.DeliveryPartial, domain.DeliveryDelivered, domain.DeliveryFailed:
		default:
			return nil, apperr.Validation(apperr.Code(apperr.ServiceFabric, 2, 5), "unknown delivery state "+string(state))
		}
	}
	out, err := s.ledger.ListByQuery(ctx, tenantID, state, since, limit)
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceFabric, 2, 4), "ledger read failed")
	}
	return out, nil
}

// Run drives the republish scheduler until the context ends.
func (s *Service) Run(ctx context.Context) {
	if !s.republish.Enabled {
		return
	}
	ticker := time.NewTicker(s.republish.Interval)
	defer ticker.Stop()

	s.log.New(ctx).Info("Republish scheduler started",
		"interval", s.republish.Interval.String(),
		"lookback", s.republish.Lookback.String(),
		"failure_threshold", s.republish.FailureThreshold.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tenants.Range(func(key, _ any) bool {
				s.republishTenant(ctx, key.(string))
				return true
			})
		}
	}
}

// republishTenant runs one scheduler pass for one tenant: age out events
// past the lookback with no successful receipt, then re-send everything
// stalled longer than the failure threshold, addressed only to the
// subscribers still pending.
func (s *Service) republishTenant(ctx context.Context, tenantID string) {
	ctx, span := s.tracer.Start(ctx, "republish_cycle")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	now := time.Now().UTC()
	windowStart := now.Add(-s.republish.Lookback)
	staleBefore := now.Add(-s.republish.FailureThreshold)
	entry := s.log.New(ctx)

	aged, err := s.ledger.MarkAgedFailed(ctx, tenantID, windowStart, now)
	if err != nil {
		entry.Error("Republish aging pass failed", "tenant_id", tenantID, "error", err)
	} else if aged > 0 {
		entry.Error("Events aged out undelivered", "tenant_id", tenantID, "count", aged)
		s.alerts.Critical(ctx, "events aged out undelivered", map[string]interface{}{
			"tenantId": tenantID,
			"count":    aged,
		})
	}

	stalled, err := s.ledger.ListUndelivered(ctx, tenantID, windowStart, staleBefore)
	if err != nil {
		entry.Error("Republish scan failed", "tenant_id", tenantID, "error", err)
		return
	}

	for _, d := range stalled {
		var env domain.EventEnvelope
		if err := json.Unmarshal(d.Payload, &env); err != nil {
			entry.Error("Stored envelope unreadable, skipping", "event_id", d.EventID, "error", err)
			continue
		}
		env.Recipients = d.PendingSubscribers()
		payload, err := json.Marshal(&env)
		if err != nil {
			entry.Error("Envelope re-marshal failed, skipping", "event_id", d.EventID, "error", err)
			continue
		}

		if err := s.broker.Publish(ctx, d.Topic, payload); err != nil {
			entry.Warn("Republish send failed", "event_id", d.EventID, "error", err)
			continue
		}

		_, err = s.ledger.Update(ctx, tenantID, d.EventID, func(rec *domain.DeliveryStatus) error {
			rec.RepublishCount++
			rec.LastUpdatedAt = now
			return nil
		})
		if err != nil {
			entry.Warn("Republish bookkeeping failed", "event_id", d.EventID, "error", err)
			continue
		}
		s.metrics.EventsRepublished.Inc()
		entry.Info("Event republished",
			"event_id", d.EventID, "topic", d.Topic,
			"recipients", env.Recipients, "republish_count", d.RepublishCount+1)
	}
}
