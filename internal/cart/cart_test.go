package cart

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/payment"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/pricing"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

type fakeCache struct {
	data map[string][]byte
	down bool
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	if f.down {
		return nil, false, errors.New("cache down")
	}
	b, ok := f.data[key]
	return b, ok, nil
}

func (f *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	if f.down {
		return errors.New("cache down")
	}
	f.data[key] = value
	return nil
}

func (f *fakeCache) Delete(_ context.Context, keys ...string) error {
	if f.down {
		return errors.New("cache down")
	}
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

type fakeRepo struct {
	carts map[string]*domain.Cart
}

func repoKey(tenantID, cartID string) string { return tenantID + ":" + cartID }

func (f *fakeRepo) Get(_ context.Context, tenantID, cartID string) (*domain.Cart, error) {
	c, ok := f.carts[repoKey(tenantID, cartID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (f *fakeRepo) Upsert(_ context.Context, c *domain.Cart) error {
	f.carts[repoKey(c.TenantID, c.ID)] = c
	return nil
}

type fakeTerminals struct {
	status  domain.TerminalStatus
	counter int64
}

func (f *fakeTerminals) Get(_ context.Context, tenantID, terminalID string) (*domain.Terminal, error) {
	ref, err := domain.ParseTerminalID(terminalID)
	if err != nil {
		return nil, repository.ErrNotFound
	}
	return &domain.Terminal{
		ID:              terminalID,
		TerminalRef:     ref,
		Status:          f.status,
		BusinessDate:    "20250301",
		OpenCounter:     1,
		BusinessCounter: f.counter,
	}, nil
}

func (f *fakeTerminals) IncrementBusinessCounter(_ context.Context, _, _ string) (int64, error) {
	f.counter++
	return f.counter, nil
}

// fakeMaster backs the master-data, tax and payment-method lookups.
type fakeMaster struct {
	items map[string]*domain.Item
}

func (f *fakeMaster) Item(_ context.Context, _, code string) (*domain.Item, error) {
	it, ok := f.items[code]
	if !ok {
		return nil, apperr.NotFound(apperr.Code(apperr.ServiceMaster, 1, 1), "item "+code+" not found")
	}
	return it, nil
}

func (f *fakeMaster) Settings(_ context.Context, tenantID string) (*domain.TenantSettings, error) {
	return &domain.TenantSettings{ID: domain.TenantSettingsID, RoundingMode: domain.RoundHalfUp}, nil
}

func (f *fakeMaster) TaxRule(_ context.Context, _, code string) (*domain.TaxRule, error) {
	switch code {
	case "01":
		return &domain.TaxRule{Code: "01", Kind: domain.TaxExternal, Rate: 0.10}, nil
	case "02":
		return &domain.TaxRule{Code: "02", Kind: domain.TaxInternal, Rate: 0.08}, nil
	}
	return &domain.TaxRule{Code: code, Kind: domain.TaxExempt}, nil
}

func (f *fakeMaster) PaymentMethod(_ context.Context, _, code string) (*domain.PaymentMethodSpec, error) {
	switch code {
	case domain.PaymentCodeCash:
		return &domain.PaymentMethodSpec{Code: code, Description: "Cash", Handler: domain.PaymentHandlerCash}, nil
	case domain.PaymentCodeCashless:
		return &domain.PaymentMethodSpec{Code: code, Description: "Cashless", Handler: domain.PaymentHandlerCashless}, nil
	}
	return nil, apperr.NotFound(apperr.Code(apperr.ServiceMaster, 1, 3), "payment method "+code+" not found")
}

type fakeFinalizer struct {
	finalized []*domain.Cart
	seq       atomic.Int64
}

func (f *fakeFinalizer) Finalize(_ context.Context, c *domain.Cart) (*domain.Transaction, error) {
	f.finalized = append(f.finalized, c)
	return &domain.Transaction{
		TerminalRef:     c.TerminalRef,
		TerminalID:      c.TerminalID,
		TransactionNo:   f.seq.Add(1),
		TransactionType: c.TransactionType,
		BusinessDate:    c.BusinessDate,
		IsCancelled:     c.State == domain.CartCancelled,
		CartID:          c.ID,
	}, nil
}

type testEnv struct {
	svc       *Service
	cache     *fakeCache
	repo      *fakeRepo
	terminals *fakeTerminals
	finalizer *fakeFinalizer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	master := &fakeMaster{items: map[string]*domain.Item{
		"A001": {Code: "A001", Description: "Widget", UnitPrice: 1000, TaxCode: "01"},
		"B001": {Code: "B001", Description: "Gadget", UnitPrice: 500, TaxCode: "01"},
		"C001": {Code: "C001", Description: "Bundle", UnitPrice: 1080, TaxCode: "02"},
	}}
	env := &testEnv{
		cache:     &fakeCache{data: map[string][]byte{}},
		repo:      &fakeRepo{carts: map[string]*domain.Cart{}},
		terminals: &fakeTerminals{status: domain.TerminalOpened},
		finalizer: &fakeFinalizer{},
	}
	env.svc = NewService(
		env.cache, env.repo, time.Hour,
		env.terminals, master,
		pricing.NewEngine(master),
		payment.NewEngine(payment.DefaultRegistry(), master),
		env.finalizer,
		logger.NewNop(), metrics.New("test"),
	)
	return env
}

var testRef = domain.TerminalRef{TenantID: "t1", StoreCode: "S001", TerminalNo: 1}

func (e *testEnv) createCart(t *testing.T) *domain.Cart {
	t.Helper()
	c, err := e.svc.Create(context.Background(), testRef, "staff-1")
	require.NoError(t, err)
	return c
}

func TestCreateRequiresOpenedTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.terminals.status = domain.TerminalIdle

	_, err := env.svc.Create(context.Background(), testRef, "")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestCreateStampsSession(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCart(t)

	assert.Equal(t, "20250301", c.BusinessDate)
	assert.Equal(t, int64(1), c.OpenCounter)
	assert.Equal(t, int64(1), c.BusinessCounter)
	assert.Equal(t, domain.CartIdle, c.State)
	assert.Equal(t, domain.TypeNormalSales, c.TransactionType)
}

func TestFullSaleWithCashChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.createCart(t)

	res, err := env.svc.AddLineItem(ctx, "t1", c.ID, "A001", 2)
	require.NoError(t, err)
	assert.Equal(t, domain.CartEnteringItem, res.Cart.State)

	res, err = env.svc.AddLineItem(ctx, "t1", c.ID, "B001", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), res.Cart.Totals.SubtotalAmount)

	res, err = env.svc.Subtotal(ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CartPaying, res.Cart.State)
	// 2500 net + 10% external tax.
	assert.Equal(t, int64(250), res.Cart.Totals.TaxTotal)
	assert.Equal(t, int64(2750), res.Cart.Totals.Balance)

	res, err = env.svc.AddPayment(ctx, "t1", c.ID, domain.PaymentCodeCash, 3000, "")
	require.NoError(t, err)
	assert.Equal(t, domain.CartCompleted, res.Cart.State)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, int64(2750), res.Cart.Totals.DepositTotal)
	assert.Equal(t, int64(250), res.Cart.Totals.ChangeTotal)
	assert.Equal(t, int64(0), res.Cart.Totals.Balance)

	// Terminal cart left the cache and landed in the document store.
	assert.Empty(t, env.cache.data)
	stored, err := env.repo.Get(ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CartCompleted, stored.State)
}

func TestStateMachineGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.createCart(t)

	// Payment before subtotal is refused.
	_, err := env.svc.AddPayment(ctx, "t1", c.ID, domain.PaymentCodeCash, 100, "")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = env.svc.AddLineItem(ctx, "t1", c.ID, "A001", 1)
	require.NoError(t, err)
	_, err = env.svc.Subtotal(ctx, "t1", c.ID)
	require.NoError(t, err)

	// Item entry while paying is refused.
	_, err = env.svc.AddLineItem(ctx, "t1", c.ID, "B001", 1)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// A completed cart accepts nothing.
	_, err = env.svc.AddPayment(ctx, "t1", c.ID, domain.PaymentCodeCash, 1100, "")
	require.NoError(t, err)
	_, err = env.svc.Cancel(ctx, "t1", c.ID)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestDiscountsAndTaxOnEffectiveAmounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.createCart(t)

	_, err := env.svc.AddLineItem(ctx, "t1", c.ID, "A001", 1)
	require.NoError(t, err)

	// 10% line discount: 1000 -> 900.
	res, err := env.svc.AddLineDiscount(ctx, "t1", c.ID, 1, domain.Discount{Kind: domain.DiscountPercent, Percent: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Cart.Totals.LineDiscountTotal)
	assert.Equal(t, int64(900), res.Cart.Totals.SubtotalAmount)

	// 100 subtotal discount: tax applies to the 800 the customer pays.
	res, err = env.svc.AddSubtotalDiscount(ctx, "t1", c.ID, domain.Discount{Kind: domain.DiscountAmount, Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(80), res.Cart.Totals.TaxTotal)
	assert.Equal(t, int64(880), res.Cart.Totals.TotalWithTax)
	assert.Equal(t, int64(800), res.Cart.Totals.TaxExclusiveTotal)
}

func TestSubtotalDiscountExceedingRemainderRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.createCart(t)

	_, err := env.svc.AddLineItem(ctx, "t1", c.ID, "B001", 1)
	require.NoError(t, err)

	_, err = env.svc.AddSubtotalDiscount(ctx, "t1", c.ID, domain.Discount{Kind: domain.DiscountAmount, Amount: 600})
	assert.Equal(t, apperr.KindUnprocessable, apperr.KindOf(err))
}

func TestCancelledLineExcludedFromTotals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.createCart(t)

	_, err := env.svc.AddLineItem(ctx, "t1", c.ID, "A001", 1)
	require.NoError(t, err)
	_, err = env.svc.AddLineItem(ctx, "t1", c.ID, "B001", 1)
	require.NoError(t, err)

	res, err := env.svc.CancelLineItem(ctx, "t1", c.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Cart.Totals.SubtotalAmount)
	// The line stays in the cart for the journal.
	assert.Len(t, res.Cart.Lines, 2)
	assert.True(t, res.Cart.Lines[0].IsCancelled)

	// Cancelling it again is refused.
	_, err = env.svc.CancelLineItem(ctx, "t1", c.ID, 1)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestUnitPriceOverrideKeepsOriginal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.createCart(t)

	_, err := env.svc.AddLineItem(ctx, "t1", c.ID, "A001", 1)
	require.NoError(t, err)

	res, err := env.svc.UpdateUnitPrice(ctx, "t1", c.ID, 1, 800)
	require.NoError(t, err)
	line := res.Cart.Lines[0]
	assert.Equal(t, int64(800), line.UnitPrice)
	assert.Equal(t, int64(1000), line.UnitPriceOriginal)
	assert.True(t, line.IsUnitPriceChanged)
}

func TestInternalTaxCarvedOutOfPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.createCart(t)

	_, err := env.svc.AddLineItem(ctx, "t1", c.ID, "C001", 1)
	require.NoError(t, err)
	res, err := env.svc.Subtotal(ctx, "t1", c.ID)
	require.NoError(t, err)

	// 1080 tax-inclusive at 8%: tax 80, total stays 1080.
	assert.Equal(t, int64(80), res.Cart.Totals.TaxTotal)
	assert.Equal(t, int64(1080), res.Cart.Totals.TotalWithTax)
	assert.Equal(t, int64(1000), res.Cart.Totals.TaxExclusiveTotal)
}

func TestFullyDiscountedCartSkipsPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.createCart(t)

	_, err := env.svc.AddLineItem(ctx, "t1", c.ID, "B001", 1)
	require.NoError(t, err)
	_, err = env.svc.AddLineDiscount(ctx, "t1", c.ID, 1, domain.Discount{Kind: domain.DiscountPercent, Percent: 100})
	require.NoError(t, err)

	res, err := env.svc.Subtotal(ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CartCompleted, res.Cart.State)
	require.NotNil(t, res.Transaction)
	assert.Empty(t, res.Cart.Payments)
}

func TestPartialThenExactPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.createCart(t)

	_, err := env.svc.AddLineItem(ctx, "t1", c.ID, "A001", 2)
	require.NoError(t, err)
	_, err = env.svc.Subtotal(ctx, "t1", c.ID)
	require.NoError(t, err)

	res, err := env.svc.AddPayment(ctx, "t1", c.ID, domain.PaymentCodeCashless, 1000, "card")
	require.NoError(t, err)
	assert.Equal(t, domain.CartPaying, res.Cart.State)
	assert.Equal(t, int64(1200), res.Cart.Totals.Balance)
	assert.Nil(t, res.Transaction)

	res, err = env.svc.AddPayment(ctx, "t1", c.ID, domain.PaymentCodeCash, 1200, "")
	require.NoError(t, err)
	assert.Equal(t, domain.CartCompleted, res.Cart.State)
	require.NotNil(t, res.Transaction)
}

func TestCashlessCannotOverpay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.createCart(t)

	_, err := env.svc.AddLineItem(ctx, "t1", c.ID, "B001", 1)
	require.NoError(t, err)
	_, err = env.svc.Subtotal(ctx, "t1", c.ID)
	require.NoError(t, err)

	_, err = env.svc.AddPayment(ctx, "t1", c.ID, domain.PaymentCodeCashless, 1000, "")
	assert.Equal(t, apperr.KindUnprocessable, apperr.KindOf(err))
}

func TestResumeItemEntryDiscardsPayments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.createCart(t)

	_, err := env.svc.AddLineItem(ctx, "t1", c.ID, "A001", 1)
	require.NoError(t, err)
	_, err = env.svc.Subtotal(ctx, "t1", c.ID)
	require.NoError(t, err)
	_, err = env.svc.AddPayment(ctx, "t1", c.ID, domain.PaymentCodeCashless, 500, "")
	require.NoError(t, err)

	res, err := env.svc.ResumeItemEntry(ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CartEnteringItem, res.Cart.State)
	assert.Empty(t, res.Cart.Payments)
	assert.Equal(t, int64(0), res.Cart.Totals.DepositTotal)
}

func TestCancelCartWithLinesLeavesTombstone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.createCart(t)

	_, err := env.svc.AddLineItem(ctx, "t1", c.ID, "A001", 1)
	require.NoError(t, err)

	res, err := env.svc.Cancel(ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CartCancelled, res.Cart.State)
	require.NotNil(t, res.Transaction)
	assert.True(t, res.Transaction.IsCancelled)
}

func TestCancelEmptyCartLeavesNoTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.createCart(t)

	res, err := env.svc.Cancel(ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CartCancelled, res.Cart.State)
	assert.Nil(t, res.Transaction)
	assert.Empty(t, env.finalizer.finalized)
}

func TestCacheOutageFallsBackToStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.cache.down = true

	// Creation degrades to the document store.
	c := env.createCart(t)
	_, err := env.svc.AddLineItem(ctx, "t1", c.ID, "A001", 1)
	require.NoError(t, err)

	res, err := env.svc.AddLineItem(ctx, "t1", c.ID, "B001", 1)
	require.NoError(t, err)
	assert.Len(t, res.Cart.Lines, 2)

	// The degraded writes landed durably.
	stored, err := env.repo.Get(ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Lines, 2)
}

func TestGetUnknownCart(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Get(context.Background(), "t1", "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestUnknownItemRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.createCart(t)

	_, err := env.svc.AddLineItem(context.Background(), "t1", c.ID, "ZZZZ", 1)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
