package report

import (
	"context"
	"sync"
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

type fakeRepo struct {
	mu       sync.Mutex
	consumed map[string]bool
	tranlogs []*repository.TranlogRecord
	cashlogs []*repository.CashlogRecord
	sessions []*repository.SessionRecord
	reports  map[string]*domain.SalesReport
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{consumed: map[string]bool{}, reports: map[string]*domain.SalesReport{}}
}

func (f *fakeRepo) mark(eventID string) error {
	if f.consumed[eventID] {
		return repository.ErrDuplicateEvent
	}
	f.consumed[eventID] = true
	return nil
}

func (f *fakeRepo) ConsumeTransaction(_ context.Context, _, eventID string, rec *repository.TranlogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mark(eventID); err != nil {
		return err
	}
	f.tranlogs = append(f.tranlogs, rec)
	return nil
}

func (f *fakeRepo) ConsumeCash(_ context.Context, _, eventID string, rec *repository.CashlogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mark(eventID); err != nil {
		return err
	}
	f.cashlogs = append(f.cashlogs, rec)
	return nil
}

func (f *fakeRepo) ConsumeSession(_ context.Context, _, eventID string, rec *repository.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mark(eventID); err != nil {
		return err
	}
	f.sessions = append(f.sessions, rec)
	return nil
}

func inWindow(storeCode, businessDate string, terminalNo int, w repository.ReportWindow) bool {
	if storeCode != w.StoreCode || businessDate != w.BusinessDate {
		return false
	}
	if w.TerminalNo > 0 && terminalNo != w.TerminalNo {
		return false
	}
	return true
}

func (f *fakeRepo) Tranlogs(_ context.Context, _ string, w repository.ReportWindow) ([]*repository.TranlogRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.TranlogRecord
	for _, rec := range f.tranlogs {
		if inWindow(rec.StoreCode, rec.BusinessDate, rec.TerminalNo, w) && domain.IsSalesType(rec.TransactionType) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// AggregateSales mirrors the pipeline semantics over the in-memory copies
// so daily and flash can be cross-checked against each other.
func (f *fakeRepo) AggregateSales(ctx context.Context, tenantID string, w repository.ReportWindow) (*repository.SalesAggregate, error) {
	txs, err := f.Tranlogs(ctx, tenantID, w)
	if err != nil {
		return nil, err
	}
	agg := &repository.SalesAggregate{}
	payments := map[string]*repository.PaymentBucket{}
	taxes := map[string]*repository.TaxBucket{}
	for _, rec := range txs {
		// The pipeline's match excludes tombstoned sales outright.
		if rec.IsCancelled {
			continue
		}
		factor := domain.ReportFactor(domain.EffectiveType(rec.TransactionType, rec.IsCancelled))
		if factor == 0 {
			continue
		}
		agg.Totals.TransactionCount++
		if factor > 0 {
			agg.Totals.GrossCount++
			agg.Totals.GrossQuantity += rec.Sales.Quantity
			agg.Totals.GrossAmount += rec.Sales.TotalWithTax
		} else {
			agg.Totals.ReturnsCount++
			agg.Totals.ReturnsQuantity += rec.Sales.Quantity
			agg.Totals.ReturnsAmount += rec.Sales.TotalWithTax
		}
		agg.Totals.LineDiscountTotal += factor * rec.Sales.LineDiscountTotal
		agg.Totals.SubtotalDiscountTotal += factor * rec.Sales.SubtotalDiscountTotal
		for _, tax := range rec.Taxes {
			agg.Totals.TaxTotal += factor * tax.TaxAmount
			b, ok := taxes[tax.TaxCode]
			if !ok {
				b = &repository.TaxBucket{Code: tax.TaxCode}
				taxes[tax.TaxCode] = b
			}
			b.TargetAmount += factor * tax.TargetAmount
			b.TaxAmount += factor * tax.TaxAmount
		}
		for _, p := range rec.Payments {
			b, ok := payments[p.PaymentCode]
			if !ok {
				b = &repository.PaymentBucket{Code: p.PaymentCode}
				payments[p.PaymentCode] = b
			}
			b.Count += factor
			b.Amount += factor * p.Amount
		}
	}
	for _, b := range payments {
		agg.Payments = append(agg.Payments, *b)
	}
	for _, b := range taxes {
		agg.Taxes = append(agg.Taxes, *b)
	}
	return agg, nil
}

func (f *fakeRepo) CashStats(_ context.Context, _ string, w repository.ReportWindow) (domain.CashReportLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var line domain.CashReportLine
	for _, l := range f.cashlogs {
		if !inWindow(l.StoreCode, l.BusinessDate, l.TerminalNo, w) {
			continue
		}
		if l.TransactionType == domain.TypeCashOut {
			line.CashOutCount++
			line.CashOutAmount += l.Amount
		} else {
			line.CashInCount++
			line.CashInAmount += l.Amount
		}
	}
	line.NetMovement = line.CashInAmount - line.CashOutAmount
	return line, nil
}

func (f *fakeRepo) SessionOperations(_ context.Context, _, storeCode, businessDate string) (opened, closed []string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seenOpen := map[string]bool{}
	seenClose := map[string]bool{}
	for _, s := range f.sessions {
		if s.StoreCode != storeCode || s.BusinessDate != businessDate {
			continue
		}
		if s.Operation == "open" && !seenOpen[s.TerminalID] {
			seenOpen[s.TerminalID] = true
			opened = append(opened, s.TerminalID)
		}
		if s.Operation == "close" && !seenClose[s.TerminalID] {
			seenClose[s.TerminalID] = true
			closed = append(closed, s.TerminalID)
		}
	}
	return opened, closed, nil
}

func (f *fakeRepo) ActiveTerminals(_ context.Context, _, storeCode, businessDate string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, rec := range f.tranlogs {
		if rec.StoreCode == storeCode && rec.BusinessDate == businessDate && !seen[rec.TerminalID] {
			seen[rec.TerminalID] = true
			out = append(out, rec.TerminalID)
		}
	}
	return out, nil
}

func (f *fakeRepo) SaveReport(_ context.Context, rep *domain.SalesReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rep.ID == "" {
		rep.ID = rep.Scope + ":" + rep.StoreCode + ":" + rep.BusinessDate
	}
	f.reports[rep.ID] = rep
	return nil
}

func (f *fakeRepo) GetReport(_ context.Context, _, reportID string) (*domain.SalesReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rep, ok := f.reports[reportID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rep, nil
}

func newTestService(repo *fakeRepo) *Service {
	svc := NewService(repo, format.NewRegistry(), logger.NewNop(), metrics.New("test"))
	svc.now = func() time.Time { return time.Date(2025, 3, 1, 22, 0, 0, 0, time.UTC) }
	return svc
}

func feedTransaction(t *testing.T, svc *Service, tran *domain.Transaction) {
	t.Helper()
	env := domain.TranlogEnvelope(tran, time.Now().UTC())
	require.NoError(t, svc.HandleTransaction(context.Background(), env))
}

func saleTransaction(no int64, transactionType int) *domain.Transaction {
	return &domain.Transaction{
		TerminalRef:     domain.TerminalRef{TenantID: "t1", StoreCode: "S001", TerminalNo: 1},
		TerminalID:      "t1-S001-1",
		TransactionNo:   no,
		TransactionType: transactionType,
		BusinessDate:    "20250301",
		OpenCounter:     1,
		Sales: domain.SalesSummary{
			Quantity:          3,
			TotalWithTax:      3300,
			LineDiscountTotal: 100,
			TaxTotal:          300,
		},
		Taxes: []domain.TaxLine{
			{TaxCode: "01", TaxKind: domain.TaxExternal, Rate: 0.10, TargetAmount: 3000, TaxAmount: 300},
		},
		Payments: []domain.PaymentLine{
			{PaymentNo: 1, PaymentCode: "01", Amount: 3300, Tendered: 3300},
		},
	}
}

func TestFlashFoldsFactorWeighted(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	feedTransaction(t, svc, saleTransaction(1, domain.TypeNormalSales))
	feedTransaction(t, svc, saleTransaction(2, domain.TypeNormalSales))
	ret := saleTransaction(3, domain.TypeReturnSales)
	feedTransaction(t, svc, ret)

	rep, err := svc.Flash(ctx, "t1", repository.ReportWindow{StoreCode: "S001", BusinessDate: "20250301"})
	require.NoError(t, err)

	assert.Equal(t, int64(3), rep.TransactionCount)
	assert.Equal(t, int64(2), rep.GrossSales.Count)
	assert.Equal(t, int64(6600), rep.GrossSales.Amount)
	assert.Equal(t, int64(1), rep.Returns.Count)
	assert.Equal(t, int64(3300), rep.Returns.Amount)
	assert.Equal(t, int64(100), rep.LineDiscountTotal, "returns subtract their discounts")
	assert.Equal(t, int64(300), rep.TaxTotal)

	// net = gross - returns - discounts - tax
	assert.Equal(t, int64(6600-3300-100-300), rep.NetSales)

	require.Len(t, rep.Payments, 1)
	assert.Equal(t, int64(1), rep.Payments[0].Count, "return cancels one of two payment counts")
	assert.Equal(t, int64(3300), rep.Payments[0].Amount)

	require.Len(t, rep.Taxes, 1)
	assert.Equal(t, int64(300), rep.Taxes[0].TaxAmount)
	assert.NotEmpty(t, rep.ReceiptText)
}

func TestFlashExcludesCancelledSales(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	cancelled := saleTransaction(1, domain.TypeNormalSales)
	cancelled.IsCancelled = true
	feedTransaction(t, svc, cancelled)
	feedTransaction(t, svc, saleTransaction(2, domain.TypeNormalSales))

	rep, err := svc.Flash(context.Background(), "t1", repository.ReportWindow{StoreCode: "S001", BusinessDate: "20250301"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.TransactionCount, "tombstones carry zero weight")
	assert.Equal(t, int64(3300), rep.GrossSales.Amount)
}

func TestSaleFullyReversedNetsToZero(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	feedTransaction(t, svc, saleTransaction(1, domain.TypeNormalSales))
	feedTransaction(t, svc, saleTransaction(2, domain.TypeReturnSales))

	rep, err := svc.Flash(context.Background(), "t1", repository.ReportWindow{StoreCode: "S001", BusinessDate: "20250301"})
	require.NoError(t, err)
	assert.Zero(t, rep.NetSales)
	assert.Zero(t, rep.TaxTotal)
	assert.Zero(t, rep.Payments[0].Amount)
}

func TestDailyRequiresAllTerminalsClosed(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	ref := domain.TerminalRef{TenantID: "t1", StoreCode: "S001", TerminalNo: 1}

	open := &domain.OpenCloseRecord{Operation: "open", BusinessDate: "20250301", OpenCounter: 1}
	require.NoError(t, svc.HandleSession(ctx, domain.OpenCloselogEnvelope(ref, open, time.Now().UTC())))
	feedTransaction(t, svc, saleTransaction(1, domain.TypeNormalSales))

	w := repository.ReportWindow{StoreCode: "S001", BusinessDate: "20250301"}
	_, err := svc.Daily(ctx, "t1", w)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnprocessable, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "t1-S001-1")

	closeRec := &domain.OpenCloseRecord{Operation: "close", BusinessDate: "20250301", OpenCounter: 1}
	require.NoError(t, svc.HandleSession(ctx, domain.OpenCloselogEnvelope(ref, closeRec, time.Now().UTC())))

	rep, err := svc.Daily(ctx, "t1", w)
	require.NoError(t, err)
	assert.Equal(t, domain.TypeDailyReport, rep.ReportType)
	assert.Equal(t, int64(3300), rep.GrossSales.Amount)
}

func TestDailyExcludesCancelledSales(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	ref := domain.TerminalRef{TenantID: "t1", StoreCode: "S001", TerminalNo: 1}

	require.NoError(t, svc.HandleSession(ctx, domain.OpenCloselogEnvelope(ref,
		&domain.OpenCloseRecord{Operation: "open", BusinessDate: "20250301", OpenCounter: 1}, time.Now().UTC())))
	cancelled := saleTransaction(1, domain.TypeNormalSales)
	cancelled.IsCancelled = true
	feedTransaction(t, svc, cancelled)
	feedTransaction(t, svc, saleTransaction(2, domain.TypeNormalSales))
	require.NoError(t, svc.HandleSession(ctx, domain.OpenCloselogEnvelope(ref,
		&domain.OpenCloseRecord{Operation: "close", BusinessDate: "20250301", OpenCounter: 1}, time.Now().UTC())))

	w := repository.ReportWindow{StoreCode: "S001", BusinessDate: "20250301"}
	daily, err := svc.Daily(ctx, "t1", w)
	require.NoError(t, err)

	assert.Equal(t, int64(1), daily.TransactionCount, "tombstones carry zero weight")
	assert.Equal(t, int64(3300), daily.GrossSales.Amount)
	assert.Equal(t, int64(300), daily.TaxTotal)

	flash, err := svc.Flash(ctx, "t1", w)
	require.NoError(t, err)
	assert.Equal(t, flash.GrossSales, daily.GrossSales)
	assert.Equal(t, flash.NetSales, daily.NetSales)
}

func TestDailyMatchesFlashOnClosedDate(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	ref := domain.TerminalRef{TenantID: "t1", StoreCode: "S001", TerminalNo: 1}

	require.NoError(t, svc.HandleSession(ctx, domain.OpenCloselogEnvelope(ref,
		&domain.OpenCloseRecord{Operation: "open", BusinessDate: "20250301", OpenCounter: 1}, time.Now().UTC())))
	feedTransaction(t, svc, saleTransaction(1, domain.TypeNormalSales))
	feedTransaction(t, svc, saleTransaction(2, domain.TypeVoidSales))
	require.NoError(t, svc.HandleSession(ctx, domain.OpenCloselogEnvelope(ref,
		&domain.OpenCloseRecord{Operation: "close", BusinessDate: "20250301", OpenCounter: 1}, time.Now().UTC())))

	cash := &domain.CashMovement{TransactionType: domain.TypeCashIn, Amount: 5000, BusinessDate: "20250301", OpenCounter: 1}
	require.NoError(t, svc.HandleCash(ctx, domain.CashlogEnvelope(ref, cash, time.Now().UTC())))

	w := repository.ReportWindow{StoreCode: "S001", BusinessDate: "20250301"}
	flash, err := svc.Flash(ctx, "t1", w)
	require.NoError(t, err)
	daily, err := svc.Daily(ctx, "t1", w)
	require.NoError(t, err)

	assert.Equal(t, flash.NetSales, daily.NetSales)
	assert.Equal(t, flash.GrossSales, daily.GrossSales)
	assert.Equal(t, flash.Returns, daily.Returns)
	assert.Equal(t, flash.TaxTotal, daily.TaxTotal)
	assert.Equal(t, flash.Cash, daily.Cash)
	assert.Equal(t, int64(5000), daily.Cash.CashInAmount)
}

func TestReplayedEventAggregatesOnce(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	tran := saleTransaction(1, domain.TypeNormalSales)
	env := domain.TranlogEnvelope(tran, time.Now().UTC())
	require.NoError(t, svc.HandleTransaction(ctx, env))
	assert.ErrorIs(t, svc.HandleTransaction(ctx, env), repository.ErrDuplicateEvent)

	rep, err := svc.Flash(ctx, "t1", repository.ReportWindow{StoreCode: "S001", BusinessDate: "20250301"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.TransactionCount)
}

func TestGetReportNotFound(t *testing.T) {
	svc := newTestService(newFakeRepo())
	_, err := svc.Get(context.Background(), "t1", "missing")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestWindowValidation(t *testing.T) {
	svc := newTestService(newFakeRepo())

	_, err := svc.Flash(context.Background(), "t1", repository.ReportWindow{BusinessDate: "20250301"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = svc.Flash(context.Background(), "t1", repository.ReportWindow{StoreCode: "S001", BusinessDate: "bad"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
