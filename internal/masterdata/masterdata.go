// Package masterdata serves the read-mostly reference records (items,
// tax rules, payment methods, staff, tenant settings) through an
// in-process TTL cache, so the hot cart path rarely touches the store.
package masterdata

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

// Repository is the store the cache reads through to.
type Repository interface {
	Item(ctx context.Context, tenantID, code string) (*domain.Item, error)
	TaxRule(ctx context.Context, tenantID, code string) (*domain.TaxRule, error)
	PaymentMethod(ctx context.Context, tenantID, code string) (*domain.PaymentMethodSpec, error)
	PaymentMethods(ctx context.Context, tenantID string) ([]*domain.PaymentMethodSpec, error)
	Staff(ctx context.Context, tenantID, staffID string) (*domain.Staff, error)
	Settings(ctx context.Context, tenantID string) (*domain.TenantSettings, error)
	Seed(ctx context.Context, tenantID string, docs repository.SeedDocuments) error
}

// Service is the cached master-data lookup used by pricing and carts.
type Service struct {
	repo Repository

	items    *expirable.LRU[string, *domain.Item]
	taxes    *expirable.LRU[string, *domain.TaxRule]
	payments *expirable.LRU[string, *domain.PaymentMethodSpec]
	staff    *expirable.LRU[string, *domain.Staff]
	settings *expirable.LRU[string, *domain.TenantSettings]

	log     *logger.Logger
	metrics *metrics.Metrics
}

func NewService(repo Repository, size int, ttl time.Duration, log *logger.Logger, m *metrics.Metrics) *Service {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		repo:     repo,
		items:    expirable.NewLRU[string, *domain.Item](size, nil, ttl),
		taxes:    expirable.NewLRU[string, *domain.TaxRule](size, nil, ttl),
		payments: expirable.NewLRU[string, *domain.PaymentMethodSpec](size, nil, ttl),
		staff:    expirable.NewLRU[string, *domain.Staff](size, nil, ttl),
		settings: expirable.NewLRU[string, *domain.TenantSettings](size, nil, ttl),
		log:      log,
		metrics:  m,
	}
}

func cacheKey(tenantID, code string) string { return tenantID + ":" + code }

// Item resolves an item by code.
func (s *Service) Item(ctx context.Context, tenantID, code string) (*domain.Item, error) {
	key := cacheKey(tenantID, code)
	if it, ok := s.items.Get(key); ok {
		s.metrics.CacheHits.WithLabelValues("items").Inc()
		return it, nil
	}
	s.metrics.CacheMisses.WithLabelValues("items").Inc()

	it, err := s.repo.Item(ctx, tenantID, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound(apperr.Code(apperr.ServiceMaster, 1, 1), "item "+code+" not found").
			WithUser("unknown item code")
	}
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceMaster, 1, 2), "item lookup failed")
	}
	s.items.Add(key, it)
	return it, nil
}

// TaxRule resolves a tax code.
func (s *Service) TaxRule(ctx context.Context, tenantID, code string) (*domain.TaxRule, error) {
	key := cacheKey(tenantID, code)
	if t, ok := s.taxes.Get(key); ok {
		s.metrics.CacheHits.WithLabelValues("taxes").Inc()
		return t, nil
	}
	s.metrics.CacheMisses.WithLabelValues("taxes").Inc()

	t, err := s.repo.TaxRule(ctx, tenantID, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound(apperr.Code(apperr.ServiceMaster, 2, 1), "tax code "+code+" not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceMaster, 2, 2), "tax lookup failed")
	}
	s.taxes.Add(key, t)
	return t, nil
}

// PaymentMethod resolves a payment code.
func (s *Service) PaymentMethod(ctx context.Context, tenantID, code string) (*domain.PaymentMethodSpec, error) {
	key := cacheKey(tenantID, code)
	if p, ok := s.payments.Get(key); ok {
		s.metrics.CacheHits.WithLabelValues("payments").Inc()
		return p, nil
	}
	s.metrics.CacheMisses.WithLabelValues("payments").Inc()

	p, err := s.repo.PaymentMethod(ctx, tenantID, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Validation(apperr.Code(apperr.ServiceMaster, 3, 1), "payment code "+code+" not registered").
			WithUser("unknown payment method")
	}
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceMaster, 3, 2), "payment method lookup failed")
	}
	s.payments.Add(key, p)
	return p, nil
}

// Settings returns the tenant settings, defaulting when unseeded.
func (s *Service) Settings(ctx context.Context, tenantID string) (*domain.TenantSettings, error) {
	if st, ok := s.settings.Get(tenantID); ok {
		s.metrics.CacheHits.WithLabelValues("settings").Inc()
		return st, nil
	}
	s.metrics.CacheMisses.WithLabelValues("settings").Inc()

	st, err := s.repo.Settings(ctx, tenantID)
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceMaster, 4, 1), "settings lookup failed")
	}
	s.settings.Add(tenantID, st)
	return st, nil
}

// Staff resolves a staff id.
func (s *Service) Staff(ctx context.Context, tenantID, staffID string) (*domain.Staff, error) {
	key := cacheKey(tenantID, staffID)
	if st, ok := s.staff.Get(key); ok {
		s.metrics.CacheHits.WithLabelValues("staff").Inc()
		return st, nil
	}
	s.metrics.CacheMisses.WithLabelValues("staff").Inc()

	st, err := s.repo.Staff(ctx, tenantID, staffID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound(apperr.Code(apperr.ServiceMaster, 5, 1), "staff "+staffID+" not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceMaster, 5, 2), "staff lookup failed")
	}
	s.staff.Add(key, st)
	return st, nil
}

// VerifyStaffPin checks a staff PIN against its stored bcrypt hash.
func (s *Service) VerifyStaffPin(ctx context.Context, tenantID, staffID, pin string) error {
	st, err := s.Staff(ctx, tenantID, staffID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(st.PinHash), []byte(pin)); err != nil {
		return apperr.Unauthorized(apperr.Code(apperr.ServiceMaster, 5, 3), "staff PIN mismatch").
			WithUser("invalid credentials")
	}
	return nil
}

// HashPin hashes a staff PIN for storage.
func HashPin(pin string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Invalidate drops every cached record of a tenant. Called after seeding
// or any out-of-band master change.
func (s *Service) Invalidate(tenantID string) {
	prefix := tenantID + ":"
	dropPrefixed(s.items, prefix)
	dropPrefixed(s.taxes, prefix)
	dropPrefixed(s.payments, prefix)
	dropPrefixed(s.staff, prefix)
	s.settings.Remove(tenantID)
}

func dropPrefixed[V any](c *expirable.LRU[string, V], prefix string) {
	for _, k := range c.Keys() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			c.Remove(k)
		}
	}
}

// SeedTenant provisions the structural master records of a tenant:
// payment methods, tax rules, the settings singleton, and any inline
// items or staff supplied with provisioning.
func (s *Service) SeedTenant(ctx context.Context, tenantID string, rounding domain.RoundingMode, items []*domain.Item, staff []*domain.Staff) error {
	if !rounding.Valid() {
		rounding = domain.RoundHalfUp
	}
	now := time.Now().UTC()
	touched := func(m *domain.Meta) {
		m.Touch(now)
	}

	settings := &domain.TenantSettings{ID: domain.TenantSettingsID, RoundingMode: rounding}
	touched(&settings.Meta)

	taxes := []*domain.TaxRule{
		{Code: "01", Kind: domain.TaxExternal, Rate: 0.10, Description: "Standard 10% external"},
		{Code: "02", Kind: domain.TaxInternal, Rate: 0.08, Description: "Reduced 8% internal"},
		{Code: "03", Kind: domain.TaxExempt, Rate: 0, Description: "Exempt"},
	}
	for _, t := range taxes {
		touched(&t.Meta)
	}

	payments := []*domain.PaymentMethodSpec{
		{Code: domain.PaymentCodeCash, Description: "Cash", Handler: domain.PaymentHandlerCash},
		{Code: domain.PaymentCodeCashless, Description: "Cashless", Handler: domain.PaymentHandlerCashless},
		{Code: domain.PaymentCodeOther, Description: "Other", Handler: domain.PaymentHandlerOther},
	}
	for _, p := range payments {
		touched(&p.Meta)
	}
	for _, it := range items {
		touched(&it.Meta)
	}
	for _, st := range staff {
		touched(&st.Meta)
	}

	err := s.repo.Seed(ctx, tenantID, repository.SeedDocuments{
		Settings: settings,
		Taxes:    taxes,
		Payments: payments,
		Items:    items,
		Staff:    staff,
	})
	if err != nil {
		return apperr.Internal(err, apperr.Code(apperr.ServiceMaster, 6, 1), "tenant seed failed")
	}
	s.Invalidate(tenantID)
	s.log.New(ctx).Info("Tenant master data seeded",
		"tenant_id", tenantID, "items", len(items), "staff", len(staff))
	return nil
}
