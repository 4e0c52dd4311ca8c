package cart

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
)

// Cache is the write-through side of cart persistence.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Repo is the document-store side: the fallback when the cache fails and
// the durable home of terminal carts.
type Repo interface {
	Get(ctx context.Context, tenantID, cartID string) (*domain.Cart, error)
	Upsert(ctx context.Context, cart *domain.Cart) error
}

// store implements the two-phase cart persistence: open carts live in
// the cache (document store only as fallback), terminal carts move to
// the document store and leave the cache.
type store struct {
	cache Cache
	repo  Repo
	ttl   time.Duration
	log   *logger.Logger
}

func newStore(cache Cache, repo Repo, ttl time.Duration, log *logger.Logger) *store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &store{cache: cache, repo: repo, ttl: ttl, log: log}
}

func cacheKey(tenantID, cartID string) string {
	return "cart:" + tenantID + ":" + cartID
}

// load reads cache-first, falling back to the document store on miss or
// cache outage and repopulating the cache on the way back.
func (s *store) load(ctx context.Context, tenantID, cartID string) (*domain.Cart, error) {
	key := cacheKey(tenantID, cartID)

	raw, found, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.New(ctx).Warn("Cart cache read failed, falling back to store",
			"cart_id", cartID, "error", err)
	}
	if found {
		var c domain.Cart
		if err := json.Unmarshal(raw, &c); err == nil {
			return &c, nil
		}
		s.log.New(ctx).Warn("Cached cart unreadable, falling back to store", "cart_id", cartID)
	}

	c, err := s.repo.Get(ctx, tenantID, cartID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound(
			apperr.Code(apperr.ServiceCart, 3, 1),
			"cart "+cartID+" not found").
			WithUser("cart not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceCart, 3, 2), "cart load failed")
	}

	if !c.State.Terminal() {
		s.repopulate(ctx, c)
	}
	return c, nil
}

func (s *store) repopulate(ctx context.Context, c *domain.Cart) {
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(c.TenantID, c.ID), raw, s.ttl); err != nil {
		s.log.New(ctx).Warn("Cart cache repopulate failed", "cart_id", c.ID, "error", err)
	}
}

// persist writes an open cart through to the cache; a cache outage
// degrades to the document store so the operation still lands durably.
func (s *store) persist(ctx context.Context, c *domain.Cart) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return apperr.Internal(err, apperr.Code(apperr.ServiceCart, 3, 3), "cart marshal failed")
	}
	if err := s.cache.Set(ctx, cacheKey(c.TenantID, c.ID), raw, s.ttl); err == nil {
		return nil
	} else {
		s.log.New(ctx).Warn("Cart cache write failed, persisting to store",
			"cart_id", c.ID, "error", err)
	}
	if err := s.repo.Upsert(ctx, c); err != nil {
		return apperr.Internal(err, apperr.Code(apperr.ServiceCart, 3, 4), "cart persist failed")
	}
	return nil
}

// persistFinal writes a terminal cart to the document store and evicts
// the cache entry. Eviction failure is tolerable: reads fall through to
// the store and the entry expires on its TTL.
func (s *store) persistFinal(ctx context.Context, c *domain.Cart) error {
	if err := s.repo.Upsert(ctx, c); err != nil {
		return apperr.Internal(err, apperr.Code(apperr.ServiceCart, 3, 4), "cart persist failed")
	}
	if err := s.cache.Delete(ctx, cacheKey(c.TenantID, c.ID)); err != nil {
		s.log.New(ctx).Warn("Cart cache eviction failed", "cart_id", c.ID, "error", err)
	}
	return nil
}

// keyedMutex serialises operations per cart id within this process. The
// entry for a cart is dropped once it reaches a terminal state.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*sync.Mutex{}
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (k *keyedMutex) forget(key string) {
	k.mu.Lock()
	delete(k.locks, key)
	k.mu.Unlock()
}
