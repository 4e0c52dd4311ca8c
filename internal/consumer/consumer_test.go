package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

type fakeCache struct {
	mu   sync.Mutex
	keys map[string][]byte
	err  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{keys: map[string][]byte{}}
}

func (f *fakeCache) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.keys[key]; ok {
		return false, nil
	}
	f.keys[key] = value
	return true, nil
}

func (f *fakeCache) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, key := range keys {
		delete(f.keys, key)
	}
	return nil
}

type ackCall struct {
	TenantID string
	EventID  string
	OK       bool
	Message  string
}

type fakeAcker struct {
	mu    sync.Mutex
	calls []ackCall
}

func (f *fakeAcker) Ack(_ context.Context, tenantID, eventID string, ok bool, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ackCall{tenantID, eventID, ok, message})
	return nil
}

func (f *fakeAcker) wait(t *testing.T, n int) []ackCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.calls) >= n {
			out := append([]ackCall(nil), f.calls...)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d acknowledgements", n)
	return nil
}

func testConsumer(cache Cache, acker Acker) *Consumer {
	return New("journal", cache, acker, time.Hour, time.Second, logger.NewNop(), metrics.New("test"))
}

func envelopeBytes(t *testing.T, mutate func(*domain.EventEnvelope)) []byte {
	t.Helper()
	tran := &domain.Transaction{
		TerminalRef:     domain.TerminalRef{TenantID: "t1", StoreCode: "S001", TerminalNo: 1},
		TerminalID:      "t1-S001-1",
		TransactionNo:   1,
		TransactionType: domain.TypeNormalSales,
		BusinessDate:    "20250301",
	}
	env := domain.TranlogEnvelope(tran, time.Now().UTC())
	env.EventID = "evt-1"
	if mutate != nil {
		mutate(env)
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func TestConsumeHappyPath(t *testing.T) {
	cache := newFakeCache()
	acker := &fakeAcker{}
	c := testConsumer(cache, acker)

	var handled int
	h := c.Wrap(domain.TopicTranlog, func(_ context.Context, env *domain.EventEnvelope) error {
		handled++
		assert.Equal(t, "evt-1", env.EventID)
		return nil
	})
	h(context.Background(), envelopeBytes(t, nil))

	assert.Equal(t, 1, handled)
	calls := acker.wait(t, 1)
	assert.Equal(t, ackCall{"t1", "evt-1", true, ""}, calls[0])

	_, marked := cache.keys["dedup:journal:evt-1"]
	assert.True(t, marked, "dedup marker written on success")
}

func TestConsumeCacheDedupSkipsHandler(t *testing.T) {
	cache := newFakeCache()
	cache.keys["dedup:journal:evt-1"] = []byte("1")
	acker := &fakeAcker{}
	c := testConsumer(cache, acker)

	h := c.Wrap(domain.TopicTranlog, func(context.Context, *domain.EventEnvelope) error {
		t.Fatal("handler must not run for a cached duplicate")
		return nil
	})
	h(context.Background(), envelopeBytes(t, nil))

	calls := acker.wait(t, 1)
	assert.True(t, calls[0].OK, "duplicate still acknowledged as delivered")
}

func TestConsumeStoreDedupIsSuccess(t *testing.T) {
	cache := newFakeCache()
	acker := &fakeAcker{}
	c := testConsumer(cache, acker)

	h := c.Wrap(domain.TopicTranlog, func(context.Context, *domain.EventEnvelope) error {
		return repository.ErrDuplicateEvent
	})
	h(context.Background(), envelopeBytes(t, nil))

	calls := acker.wait(t, 1)
	assert.True(t, calls[0].OK)
}

func TestConsumeHandlerFailureAcksFailure(t *testing.T) {
	cache := newFakeCache()
	acker := &fakeAcker{}
	c := testConsumer(cache, acker)

	h := c.Wrap(domain.TopicTranlog, func(context.Context, *domain.EventEnvelope) error {
		return errors.New("store unavailable")
	})
	h(context.Background(), envelopeBytes(t, nil))

	calls := acker.wait(t, 1)
	assert.False(t, calls[0].OK)
	assert.Contains(t, calls[0].Message, "store unavailable")

	_, marked := cache.keys["dedup:journal:evt-1"]
	assert.False(t, marked, "failed events must stay retryable")
}

// A replay after a handler failure must reach the handler again: the
// failed attempt releases its dedup claim instead of poisoning it.
func TestConsumeReplayAfterFailureRetries(t *testing.T) {
	cache := newFakeCache()
	acker := &fakeAcker{}
	c := testConsumer(cache, acker)

	var attempts int
	h := c.Wrap(domain.TopicTranlog, func(context.Context, *domain.EventEnvelope) error {
		attempts++
		if attempts == 1 {
			return errors.New("store unavailable")
		}
		return nil
	})
	h(context.Background(), envelopeBytes(t, nil))
	h(context.Background(), envelopeBytes(t, nil))

	assert.Equal(t, 2, attempts)
	calls := acker.wait(t, 2)
	assert.ElementsMatch(t, []bool{false, true}, []bool{calls[0].OK, calls[1].OK})

	_, marked := cache.keys["dedup:journal:evt-1"]
	assert.True(t, marked, "marker held after the successful attempt")
}

func TestConsumeIgnoresUnaddressedAndAnonymous(t *testing.T) {
	cache := newFakeCache()
	acker := &fakeAcker{}
	c := testConsumer(cache, acker)

	var handled int
	h := c.Wrap(domain.TopicTranlog, func(context.Context, *domain.EventEnvelope) error {
		handled++
		return nil
	})

	// Republished to another subscriber only.
	h(context.Background(), envelopeBytes(t, func(env *domain.EventEnvelope) {
		env.Recipients = []string{"report"}
	}))
	// Connectivity probe without identity.
	h(context.Background(), envelopeBytes(t, func(env *domain.EventEnvelope) {
		env.EventID = ""
	}))
	// Garbage payload.
	h(context.Background(), []byte("not json"))

	assert.Equal(t, 0, handled)
	time.Sleep(20 * time.Millisecond)
	acker.mu.Lock()
	defer acker.mu.Unlock()
	assert.Empty(t, acker.calls, "nothing to acknowledge")
}

func TestConsumeCacheOutageFallsThrough(t *testing.T) {
	cache := newFakeCache()
	cache.err = errors.New("redis down")
	acker := &fakeAcker{}
	c := testConsumer(cache, acker)

	var handled int
	h := c.Wrap(domain.TopicTranlog, func(context.Context, *domain.EventEnvelope) error {
		handled++
		return nil
	})
	h(context.Background(), envelopeBytes(t, nil))

	assert.Equal(t, 1, handled, "cache errors are treated as misses")
	calls := acker.wait(t, 1)
	assert.True(t, calls[0].OK)
}
