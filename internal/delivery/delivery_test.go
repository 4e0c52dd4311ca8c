package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/alert"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/config"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

type fakeLedger struct {
	mu      sync.Mutex
	records map[string]*domain.DeliveryStatus
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: map[string]*domain.DeliveryStatus{}}
}

func (f *fakeLedger) Insert(_ context.Context, d *domain.DeliveryStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[d.EventID]; ok {
		return repository.ErrDuplicate
	}
	cp := *d
	f.records[d.EventID] = &cp
	return nil
}

func (f *fakeLedger) Get(_ context.Context, _, eventID string) (*domain.DeliveryStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.records[eventID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeLedger) Update(ctx context.Context, tenantID, eventID string, mutate func(*domain.DeliveryStatus) error) (*domain.DeliveryStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.records[eventID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	cp.Touch(time.Now().UTC())
	f.records[eventID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeLedger) ListUndelivered(_ context.Context, _ string, windowStart, staleBefore time.Time) ([]*domain.DeliveryStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.DeliveryStatus
	for _, d := range f.records {
		if d.State != domain.DeliveryPublished && d.State != domain.DeliveryPartial {
			continue
		}
		if d.PublishedAt.Before(windowStart) || d.LastUpdatedAt.After(staleBefore) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeLedger) MarkAgedFailed(_ context.Context, _ string, windowStart, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, d := range f.records {
		if d.State == domain.DeliveryPublished && d.PublishedAt.Before(windowStart) {
			d.State = domain.DeliveryFailed
			d.LastUpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (f *fakeLedger) ListByQuery(_ context.Context, _ string, state domain.DeliveryState, _ time.Time, _ int64) ([]*domain.DeliveryStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.DeliveryStatus
	for _, d := range f.records {
		if state == "" || d.State == state {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeBroker struct {
	mu        sync.Mutex
	published []struct {
		Subject string
		Data    []byte
	}
	err error
}

func (f *fakeBroker) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, struct {
		Subject string
		Data    []byte
	}{subject, append([]byte(nil), data...)})
	return nil
}

func (f *fakeBroker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func testDefaults() config.TenantDefaults {
	return config.TenantDefaults{
		RoundingMode: "halfUp",
		Subscribers: []config.SubscriberConfig{
			{Name: "journal", Topics: []string{domain.TopicTranlog, domain.TopicCashlog, domain.TopicOpenCloselog}},
			{Name: "report", Topics: []string{domain.TopicTranlog, domain.TopicCashlog, domain.TopicOpenCloselog}},
		},
	}
}

func newTestService(ledger Ledger, broker Broker) *Service {
	log := logger.NewNop()
	return NewService(
		ledger, broker, testDefaults(),
		config.RepublishConfig{
			Enabled:          true,
			Interval:         5 * time.Minute,
			Lookback:         24 * time.Hour,
			FailureThreshold: 30 * time.Minute,
		},
		log, metrics.New("test"), alert.NewNotifier(config.AlertConfig{}, "test", log),
	)
}

func sampleEnvelope(eventID string) *domain.EventEnvelope {
	tran := &domain.Transaction{
		TerminalRef:     domain.TerminalRef{TenantID: "t1", StoreCode: "S001", TerminalNo: 1},
		TerminalID:      "t1-S001-1",
		TransactionNo:   42,
		TransactionType: domain.TypeNormalSales,
		BusinessDate:    "20250301",
	}
	env := domain.TranlogEnvelope(tran, time.Now().UTC())
	env.EventID = eventID
	return env
}

func TestPublishRecordsLedgerBeforeBroker(t *testing.T) {
	ledger := newFakeLedger()
	broker := &fakeBroker{}
	svc := newTestService(ledger, broker)

	env := sampleEnvelope("evt-1")
	require.NoError(t, svc.Publish(context.Background(), env))

	rec, err := ledger.Get(context.Background(), "t1", "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPublished, rec.State)
	assert.ElementsMatch(t, []string{"journal", "report"}, rec.PendingSubscribers())
	assert.Equal(t, 1, broker.count())
	assert.Equal(t, domain.TopicTranlog, broker.published[0].Subject)
}

func TestPublishSurvivesBrokerOutage(t *testing.T) {
	ledger := newFakeLedger()
	broker := &fakeBroker{err: errors.New("broker down")}
	svc := newTestService(ledger, broker)

	// The caller sees success: the event is recorded and will be
	// republished once the broker recovers.
	require.NoError(t, svc.Publish(context.Background(), sampleEnvelope("evt-2")))

	rec, err := ledger.Get(context.Background(), "t1", "evt-2")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPublished, rec.State)
}

func TestAcknowledgeProgression(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger, &fakeBroker{})
	ctx := context.Background()

	require.NoError(t, svc.Publish(ctx, sampleEnvelope("evt-3")))

	rec, err := svc.Acknowledge(ctx, "t1", "evt-3", "journal", true, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryPartial, rec.State)

	rec, err = svc.Acknowledge(ctx, "t1", "evt-3", "report", true, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, rec.State)
}

func TestAcknowledgeUnknownSubscriber(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger, &fakeBroker{})
	ctx := context.Background()

	require.NoError(t, svc.Publish(ctx, sampleEnvelope("evt-4")))

	_, err := svc.Acknowledge(ctx, "t1", "evt-4", "billing", true, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnprocessable, apperr.KindOf(err))
}

func TestAcknowledgeUnknownEvent(t *testing.T) {
	svc := newTestService(newFakeLedger(), &fakeBroker{})

	_, err := svc.Acknowledge(context.Background(), "t1", "missing", "journal", true, "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRepublishTargetsPendingOnly(t *testing.T) {
	ledger := newFakeLedger()
	broker := &fakeBroker{}
	svc := newTestService(ledger, broker)
	ctx := context.Background()

	require.NoError(t, svc.Publish(ctx, sampleEnvelope("evt-5")))
	_, err := svc.Acknowledge(ctx, "t1", "evt-5", "journal", true, "")
	require.NoError(t, err)

	// Age the record past the failure threshold.
	ledger.mu.Lock()
	rec := ledger.records["evt-5"]
	rec.PublishedAt = time.Now().UTC().Add(-2 * time.Hour)
	rec.LastUpdatedAt = time.Now().UTC().Add(-time.Hour)
	ledger.mu.Unlock()

	svc.republishTenant(ctx, "t1")

	require.Equal(t, 2, broker.count(), "original publish plus one republish")
	var env domain.EventEnvelope
	require.NoError(t, json.Unmarshal(broker.published[1].Data, &env))
	assert.Equal(t, "evt-5", env.EventID, "republished envelope keeps its event id")
	assert.Equal(t, []string{"report"}, env.Recipients, "only the pending subscriber is addressed")

	updated, err := ledger.Get(ctx, "t1", "evt-5")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RepublishCount)
}

func TestRepublishSkipsFreshAndDelivered(t *testing.T) {
	ledger := newFakeLedger()
	broker := &fakeBroker{}
	svc := newTestService(ledger, broker)
	ctx := context.Background()

	// Fresh event: stalled for less than the failure threshold.
	require.NoError(t, svc.Publish(ctx, sampleEnvelope("evt-6")))

	// Fully delivered event.
	require.NoError(t, svc.Publish(ctx, sampleEnvelope("evt-7")))
	_, err := svc.Acknowledge(ctx, "t1", "evt-7", "journal", true, "")
	require.NoError(t, err)
	_, err = svc.Acknowledge(ctx, "t1", "evt-7", "report", true, "")
	require.NoError(t, err)
	ledger.mu.Lock()
	d7 := ledger.records["evt-7"]
	d7.PublishedAt = time.Now().UTC().Add(-2 * time.Hour)
	d7.LastUpdatedAt = time.Now().UTC().Add(-time.Hour)
	ledger.mu.Unlock()

	before := broker.count()
	svc.republishTenant(ctx, "t1")
	assert.Equal(t, before, broker.count(), "nothing qualifies for republication")
}

func TestAgedEventsMarkedFailed(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger, &fakeBroker{})
	ctx := context.Background()

	require.NoError(t, svc.Publish(ctx, sampleEnvelope("evt-8")))
	ledger.mu.Lock()
	rec := ledger.records["evt-8"]
	rec.PublishedAt = time.Now().UTC().Add(-25 * time.Hour)
	rec.LastUpdatedAt = rec.PublishedAt
	ledger.mu.Unlock()

	svc.republishTenant(ctx, "t1")

	updated, err := ledger.Get(ctx, "t1", "evt-8")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, updated.State)
}
