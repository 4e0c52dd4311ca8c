package transaction

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/format"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

type fakeTxs struct {
	records  map[string]*domain.Transaction
	byCart   map[string]*domain.Transaction
	casRaces bool
}

func txKey(terminalID, businessDate string, no int64) string {
	return fmt.Sprintf("%s|%s|%d", terminalID, businessDate, no)
}

func (f *fakeTxs) Insert(_ context.Context, t *domain.Transaction) error {
	key := txKey(t.TerminalID, t.BusinessDate, t.TransactionNo)
	if _, ok := f.records[key]; ok {
		return repository.ErrDuplicate
	}
	f.records[key] = t
	if t.CartID != "" {
		f.byCart[t.CartID] = t
	}
	return nil
}

func (f *fakeTxs) Get(_ context.Context, _, terminalID, businessDate string, no int64) (*domain.Transaction, error) {
	t, ok := f.records[txKey(terminalID, businessDate, no)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTxs) GetByCartID(_ context.Context, _, cartID string) (*domain.Transaction, error) {
	t, ok := f.byCart[cartID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

func (f *fakeTxs) List(_ context.Context, _ string, _ repository.TransactionQuery) ([]*domain.Transaction, error) {
	out := make([]*domain.Transaction, 0, len(f.records))
	for _, t := range f.records {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTxs) MarkCancelled(_ context.Context, _, terminalID, businessDate string, no int64, _ time.Time) error {
	if f.casRaces {
		return repository.ErrConflict
	}
	t, ok := f.records[txKey(terminalID, businessDate, no)]
	if !ok {
		return repository.ErrNotFound
	}
	if t.IsCancelled {
		return repository.ErrConflict
	}
	t.IsCancelled = true
	return nil
}

type fakeCounters struct {
	next map[string]int64
}

func (f *fakeCounters) Next(_ context.Context, _, kind, terminalID, businessDate string) (int64, error) {
	if f.next == nil {
		f.next = map[string]int64{}
	}
	key := kind + "|" + terminalID + "|" + businessDate
	f.next[key]++
	return f.next[key], nil
}

type fakeTerminals struct {
	status  domain.TerminalStatus
	counter int64
}

func (f *fakeTerminals) Get(_ context.Context, _, terminalID string) (*domain.Terminal, error) {
	ref, err := domain.ParseTerminalID(terminalID)
	if err != nil {
		return nil, repository.ErrNotFound
	}
	return &domain.Terminal{
		ID:           terminalID,
		TerminalRef:  ref,
		Status:       f.status,
		BusinessDate: "20250302",
		OpenCounter:  2,
	}, nil
}

func (f *fakeTerminals) IncrementBusinessCounter(_ context.Context, _, _ string) (int64, error) {
	f.counter++
	return f.counter, nil
}

type fakePublisher struct {
	published []*domain.EventEnvelope
	fail      bool
}

func (f *fakePublisher) Publish(_ context.Context, env *domain.EventEnvelope) error {
	if f.fail {
		return errors.New("ledger write failed")
	}
	f.published = append(f.published, env)
	return nil
}

type txEnv struct {
	svc       *Service
	txs       *fakeTxs
	terminals *fakeTerminals
	publisher *fakePublisher
}

func newTxEnv(t *testing.T) *txEnv {
	t.Helper()
	env := &txEnv{
		txs:       &fakeTxs{records: map[string]*domain.Transaction{}, byCart: map[string]*domain.Transaction{}},
		terminals: &fakeTerminals{status: domain.TerminalOpened},
		publisher: &fakePublisher{},
	}
	env.svc = NewService(env.txs, &fakeCounters{}, env.terminals, format.NewRegistry(),
		env.publisher, logger.NewNop(), metrics.New("test"))
	return env
}

var txRef = domain.TerminalRef{TenantID: "t1", StoreCode: "S001", TerminalNo: 1}

func completedCart(state domain.CartState) *domain.Cart {
	return &domain.Cart{
		ID:              "cart-1",
		TerminalRef:     txRef,
		TerminalID:      txRef.ID(),
		BusinessDate:    "20250301",
		OpenCounter:     1,
		BusinessCounter: 7,
		TransactionType: domain.TypeNormalSales,
		State:           state,
		StaffID:         "staff-1",
		Lines: []domain.LineItem{
			{LineNo: 1, ItemCode: "A001", Description: "Widget", UnitPrice: 1000, UnitPriceOriginal: 1000, Quantity: 2, TaxCode: "01", Amount: 2000},
			{LineNo: 2, ItemCode: "B001", Description: "Gadget", UnitPrice: 500, UnitPriceOriginal: 500, Quantity: 1, TaxCode: "01", Amount: 500},
		},
		Payments: []domain.PaymentLine{
			{PaymentNo: 1, PaymentCode: domain.PaymentCodeCash, Amount: 2750, Tendered: 3000, Change: 250},
		},
		Taxes: []domain.TaxLine{
			{TaxCode: "01", TaxKind: domain.TaxExternal, Rate: 0.10, TargetAmount: 2500, TaxAmount: 250},
		},
		Totals: domain.CartTotals{
			Quantity:          3,
			SubtotalAmount:    2500,
			TaxTotal:          250,
			TotalWithTax:      2750,
			TaxExclusiveTotal: 2500,
			DepositTotal:      2750,
			ChangeTotal:       250,
		},
	}
}

func TestFinalizeAssignsSequencesAndPublishes(t *testing.T) {
	env := newTxEnv(t)
	ctx := context.Background()

	txn, err := env.svc.Finalize(ctx, completedCart(domain.CartCompleted))
	require.NoError(t, err)

	assert.Equal(t, int64(1), txn.TransactionNo)
	assert.Equal(t, int64(1), txn.ReceiptNo)
	assert.Equal(t, domain.TypeNormalSales, txn.TransactionType)
	assert.False(t, txn.IsCancelled)
	assert.NotEmpty(t, txn.ReceiptText)
	assert.NotEmpty(t, txn.JournalText)

	require.Len(t, env.publisher.published, 1)
	published := env.publisher.published[0]
	assert.Equal(t, domain.TopicTranlog, published.Topic)
	assert.Equal(t, "t1", published.TenantID)
	require.NotNil(t, published.Transaction)
	assert.Equal(t, int64(1), published.Transaction.TransactionNo)

	second := completedCart(domain.CartCompleted)
	second.ID = "cart-2"
	txn2, err := env.svc.Finalize(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), txn2.TransactionNo)
}

func TestFinalizeSummaryIdentity(t *testing.T) {
	env := newTxEnv(t)
	cart := completedCart(domain.CartCompleted)
	cart.Totals.LineDiscountTotal = 100
	cart.Totals.SubtotalDiscountTotal = 50

	txn, err := env.svc.Finalize(context.Background(), cart)
	require.NoError(t, err)

	s := txn.Sales
	assert.Equal(t, s.NetSales+s.LineDiscountTotal+s.SubtotalDiscountTotal+s.TaxTotal, s.GrossSales)
	assert.Equal(t, int64(2750), s.TotalWithTax)
	assert.Equal(t, int64(2500), s.NetSales)
}

func TestFinalizeCancelledCartKeepsAbandonment(t *testing.T) {
	env := newTxEnv(t)

	txn, err := env.svc.Finalize(context.Background(), completedCart(domain.CartCancelled))
	require.NoError(t, err)
	assert.True(t, txn.IsCancelled)
	assert.Equal(t, domain.TypeNormalSales, txn.TransactionType)
}

func TestFinalizeSurvivesPublishFailure(t *testing.T) {
	env := newTxEnv(t)
	env.publisher.fail = true

	txn, err := env.svc.Finalize(context.Background(), completedCart(domain.CartCompleted))
	require.NoError(t, err)

	// The record persisted even though the event did not leave.
	stored, err := env.svc.Get(context.Background(), "t1", txn.TerminalID, txn.BusinessDate, txn.TransactionNo)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, stored.ID)
}

func (e *txEnv) settle(t *testing.T) *domain.Transaction {
	t.Helper()
	txn, err := e.svc.Finalize(context.Background(), completedCart(domain.CartCompleted))
	require.NoError(t, err)
	return txn
}

func TestVoidSale(t *testing.T) {
	env := newTxEnv(t)
	ctx := context.Background()
	origin := env.settle(t)

	void, err := env.svc.Void(ctx, "t1", origin.TerminalID, origin.BusinessDate, origin.TransactionNo, "staff-2")
	require.NoError(t, err)

	assert.Equal(t, domain.TypeVoidSales, void.TransactionType)
	assert.Equal(t, origin.TransactionNo, void.OriginTransactionNo)
	assert.Equal(t, "staff-2", void.StaffID)

	// The correction carries the origin's amounts verbatim but runs under
	// the terminal's current session.
	assert.Equal(t, origin.Sales, void.Sales)
	assert.Equal(t, "20250302", void.BusinessDate)
	assert.Equal(t, int64(2), void.OpenCounter)

	stored, err := env.svc.Get(ctx, "t1", origin.TerminalID, origin.BusinessDate, origin.TransactionNo)
	require.NoError(t, err)
	assert.True(t, stored.IsCancelled)

	// Finalize and the void each published one event.
	assert.Len(t, env.publisher.published, 2)
}

func TestReturnSale(t *testing.T) {
	env := newTxEnv(t)
	origin := env.settle(t)

	ret, err := env.svc.Return(context.Background(), "t1", origin.TerminalID, origin.BusinessDate, origin.TransactionNo, "")
	require.NoError(t, err)
	assert.Equal(t, domain.TypeReturnSales, ret.TransactionType)
	assert.Equal(t, origin.TransactionNo, ret.OriginTransactionNo)
}

func TestVoidOfReturnProducesVoidReturn(t *testing.T) {
	env := newTxEnv(t)
	ctx := context.Background()
	origin := env.settle(t)

	ret, err := env.svc.Return(ctx, "t1", origin.TerminalID, origin.BusinessDate, origin.TransactionNo, "")
	require.NoError(t, err)

	void, err := env.svc.Void(ctx, "t1", ret.TerminalID, ret.BusinessDate, ret.TransactionNo, "")
	require.NoError(t, err)
	assert.Equal(t, domain.TypeVoidReturn, void.TransactionType)
}

func TestVoidOfVoidRejected(t *testing.T) {
	env := newTxEnv(t)
	ctx := context.Background()
	origin := env.settle(t)

	void, err := env.svc.Void(ctx, "t1", origin.TerminalID, origin.BusinessDate, origin.TransactionNo, "")
	require.NoError(t, err)

	_, err = env.svc.Void(ctx, "t1", void.TerminalID, void.BusinessDate, void.TransactionNo, "")
	assert.Equal(t, apperr.KindUnprocessable, apperr.KindOf(err))
}

func TestReturnOfReturnRejected(t *testing.T) {
	env := newTxEnv(t)
	ctx := context.Background()
	origin := env.settle(t)

	ret, err := env.svc.Return(ctx, "t1", origin.TerminalID, origin.BusinessDate, origin.TransactionNo, "")
	require.NoError(t, err)

	_, err = env.svc.Return(ctx, "t1", ret.TerminalID, ret.BusinessDate, ret.TransactionNo, "")
	assert.Equal(t, apperr.KindUnprocessable, apperr.KindOf(err))
}

func TestDoubleCorrectionConflicts(t *testing.T) {
	env := newTxEnv(t)
	ctx := context.Background()
	origin := env.settle(t)

	_, err := env.svc.Void(ctx, "t1", origin.TerminalID, origin.BusinessDate, origin.TransactionNo, "")
	require.NoError(t, err)

	_, err = env.svc.Return(ctx, "t1", origin.TerminalID, origin.BusinessDate, origin.TransactionNo, "")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestTombstoneRaceConflicts(t *testing.T) {
	env := newTxEnv(t)
	origin := env.settle(t)

	// A racing correction won the compare-and-swap between our read and
	// our tombstone write.
	env.txs.casRaces = true

	_, err := env.svc.Void(context.Background(), "t1", origin.TerminalID, origin.BusinessDate, origin.TransactionNo, "")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestCorrectionRequiresOpenTerminal(t *testing.T) {
	env := newTxEnv(t)
	origin := env.settle(t)
	env.terminals.status = domain.TerminalClosed

	_, err := env.svc.Void(context.Background(), "t1", origin.TerminalID, origin.BusinessDate, origin.TransactionNo, "")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// The origin was not tombstoned.
	stored, err := env.svc.Get(context.Background(), "t1", origin.TerminalID, origin.BusinessDate, origin.TransactionNo)
	require.NoError(t, err)
	assert.False(t, stored.IsCancelled)
}

func TestGetUnknownTransaction(t *testing.T) {
	env := newTxEnv(t)

	_, err := env.svc.Get(context.Background(), "t1", txRef.ID(), "20250301", 42)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestGetByCartID(t *testing.T) {
	env := newTxEnv(t)
	origin := env.settle(t)

	txn, err := env.svc.GetByCartID(context.Background(), "t1", "cart-1")
	require.NoError(t, err)
	assert.Equal(t, origin.ID, txn.ID)

	_, err = env.svc.GetByCartID(context.Background(), "t1", "no-such-cart")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
