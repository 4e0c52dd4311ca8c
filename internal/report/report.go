// Package report consumes the three event topics into its own copies and
// aggregates them into flash and daily sales reports. Flash reports fold
// in process for a live mid-session view; daily reports run the pipeline
// in the store and require every active terminal to have closed first.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/format"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

// Repo is the report persistence slice.
type Repo interface {
	ConsumeTransaction(ctx context.Context, tenantID, eventID string, rec *repository.TranlogRecord) error
	ConsumeCash(ctx context.Context, tenantID, eventID string, rec *repository.CashlogRecord) error
	ConsumeSession(ctx context.Context, tenantID, eventID string, rec *repository.SessionRecord) error

	Tranlogs(ctx context.Context, tenantID string, w repository.ReportWindow) ([]*repository.TranlogRecord, error)
	AggregateSales(ctx context.Context, tenantID string, w repository.ReportWindow) (*repository.SalesAggregate, error)
	CashStats(ctx context.Context, tenantID string, w repository.ReportWindow) (domain.CashReportLine, error)
	SessionOperations(ctx context.Context, tenantID, storeCode, businessDate string) (opened, closed []string, err error)
	ActiveTerminals(ctx context.Context, tenantID, storeCode, businessDate string) ([]string, error)

	SaveReport(ctx context.Context, rep *domain.SalesReport) error
	GetReport(ctx context.Context, tenantID, reportID string) (*domain.SalesReport, error)
}

// Service consumes events and builds reports.
type Service struct {
	repo      Repo
	formatter *format.Registry

	now func() time.Time

	log     *logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewService(repo Repo, formatter *format.Registry, log *logger.Logger, m *metrics.Metrics) *Service {
	return &Service{
		repo:      repo,
		formatter: formatter,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
		metrics:   m,
		tracer:    otel.Tracer("report-service"),
	}
}

// HandleTransaction stores one propagated transaction for aggregation.
func (s *Service) HandleTransaction(ctx context.Context, env *domain.EventEnvelope) error {
	if env.Transaction == nil {
		return apperr.Unprocessable(
			apperr.Code(apperr.ServiceReport, 1, 1),
			"tranlog envelope without transaction payload")
	}
	rec := &repository.TranlogRecord{EventID: env.EventID, Transaction: *env.Transaction}
	return s.repo.ConsumeTransaction(ctx, env.TenantID, env.EventID, rec)
}

// HandleCash stores one cash movement for aggregation.
func (s *Service) HandleCash(ctx context.Context, env *domain.EventEnvelope) error {
	if env.Cash == nil {
		return apperr.Unprocessable(
			apperr.Code(apperr.ServiceReport, 1, 2),
			"cashlog envelope without cash payload")
	}
	rec := &repository.CashlogRecord{
		EventID:      env.EventID,
		TerminalID:   env.TerminalID,
		StoreCode:    env.StoreCode,
		TerminalNo:   env.TerminalNo,
		CashMovement: *env.Cash,
	}
	return s.repo.ConsumeCash(ctx, env.TenantID, env.EventID, rec)
}

// HandleSession stores one open/close record; daily reports verify
// against these.
func (s *Service) HandleSession(ctx context.Context, env *domain.EventEnvelope) error {
	if env.Session == nil {
		return apperr.Unprocessable(
			apperr.Code(apperr.ServiceReport, 1, 3),
			"opencloselog envelope without session payload")
	}
	rec := &repository.SessionRecord{
		EventID:         env.EventID,
		TerminalID:      env.TerminalID,
		StoreCode:       env.StoreCode,
		TerminalNo:      env.TerminalNo,
		OpenCloseRecord: *env.Session,
	}
	return s.repo.ConsumeSession(ctx, env.TenantID, env.EventID, rec)
}

// Flash builds a point-in-time report over the window by folding the
// stored transactions in process. Mid-session windows are fine: nothing
// requires the terminals to have closed.
func (s *Service) Flash(ctx context.Context, tenantID string, w repository.ReportWindow) (*domain.SalesReport, error) {
	ctx, span := s.tracer.Start(ctx, "build_flash_report")
	defer span.End()
	span.SetAttributes(
		attribute.String("report.store", w.StoreCode),
		attribute.String("report.business_date", w.BusinessDate),
	)

	if err := validateWindow(w); err != nil {
		return nil, err
	}

	txs, err := s.repo.Tranlogs(ctx, tenantID, w)
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceReport, 2, 1), "transaction read failed")
	}

	rep := s.newReport(tenantID, w, domain.ReportScopeFlash, domain.TypeFlashReport)
	foldTransactions(rep, txs)

	if err := s.finishReport(ctx, tenantID, w, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

// Daily builds the definitive report for a closed business date. Every
// terminal that opened a session or produced transactions on the date
// must have closed, otherwise the date is still in motion and the report
// would undercount.
func (s *Service) Daily(ctx context.Context, tenantID string, w repository.ReportWindow) (*domain.SalesReport, error) {
	ctx, span := s.tracer.Start(ctx, "build_daily_report")
	defer span.End()
	span.SetAttributes(
		attribute.String("report.store", w.StoreCode),
		attribute.String("report.business_date", w.BusinessDate),
	)

	if err := validateWindow(w); err != nil {
		return nil, err
	}
	// Daily scope is the whole business date.
	w.OpenCounter = 0

	if err := s.verifyAllClosed(ctx, tenantID, w.StoreCode, w.BusinessDate); err != nil {
		return nil, err
	}

	agg, err := s.repo.AggregateSales(ctx, tenantID, w)
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceReport, 2, 2), "sales aggregation failed")
	}

	rep := s.newReport(tenantID, w, domain.ReportScopeDaily, domain.TypeDailyReport)
	applyAggregate(rep, agg)

	if err := s.finishReport(ctx, tenantID, w, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

// Get loads a previously generated report.
func (s *Service) Get(ctx context.Context, tenantID, reportID string) (*domain.SalesReport, error) {
	rep, err := s.repo.GetReport(ctx, tenantID, reportID)
	if err == repository.ErrNotFound {
		return nil, apperr.NotFound(
			apperr.Code(apperr.ServiceReport, 2, 3),
			"report "+reportID+" not found").
			WithUser("report not found")
	}
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceReport, 2, 4), "report load failed")
	}
	return rep, nil
}

// verifyAllClosed compares the terminals that should have closed against
// those that did. The required set is the union of session openers and
// transaction producers, so a terminal that somehow sold without an open
// event still blocks the daily report.
func (s *Service) verifyAllClosed(ctx context.Context, tenantID, storeCode, businessDate string) error {
	opened, closed, err := s.repo.SessionOperations(ctx, tenantID, storeCode, businessDate)
	if err != nil {
		return apperr.Internal(err, apperr.Code(apperr.ServiceReport, 3, 1), "session read failed")
	}
	active, err := s.repo.ActiveTerminals(ctx, tenantID, storeCode, businessDate)
	if err != nil {
		return apperr.Internal(err, apperr.Code(apperr.ServiceReport, 3, 2), "active terminal read failed")
	}

	required := mapset.NewSet(opened...)
	required.Append(active...)
	missing := required.Difference(mapset.NewSet(closed...))
	if missing.Cardinality() == 0 {
		return nil
	}

	names := missing.ToSlice()
	sort.Strings(names)
	return apperr.Unprocessable(
		apperr.Code(apperr.ServiceReport, 3, 3),
		fmt.Sprintf("terminals not closed for %s: %s", businessDate, strings.Join(names, ", "))).
		WithUser("close all terminals before generating the daily report")
}

func (s *Service) newReport(tenantID string, w repository.ReportWindow, scope string, reportType int) *domain.SalesReport {
	return &domain.SalesReport{
		TenantID:     tenantID,
		StoreCode:    w.StoreCode,
		TerminalNo:   w.TerminalNo,
		Scope:        scope,
		ReportType:   reportType,
		BusinessDate: w.BusinessDate,
		OpenCounter:  w.OpenCounter,
		GeneratedAt:  s.now(),
	}
}

func (s *Service) finishReport(ctx context.Context, tenantID string, w repository.ReportWindow, rep *domain.SalesReport) error {
	cash, err := s.repo.CashStats(ctx, tenantID, w)
	if err != nil {
		return apperr.Internal(err, apperr.Code(apperr.ServiceReport, 2, 5), "cash stats failed")
	}
	rep.Cash = cash

	rep.NetSales = rep.GrossSales.Amount - rep.Returns.Amount -
		rep.LineDiscountTotal - rep.SubtotalDiscountTotal - rep.TaxTotal

	rep.ReceiptText = s.formatter.Report(rep)
	rep.JournalText = rep.ReceiptText
	rep.Touch(s.now())

	if err := s.repo.SaveReport(ctx, rep); err != nil {
		return apperr.Internal(err, apperr.Code(apperr.ServiceReport, 2, 6), "report persist failed")
	}

	s.metrics.ReportsBuilt.WithLabelValues(rep.Scope, fmt.Sprintf("%d", rep.ReportType)).Inc()
	s.log.New(ctx).Info("Report built",
		"scope", rep.Scope, "store_code", rep.StoreCode,
		"business_date", rep.BusinessDate, "transactions", rep.TransactionCount,
		"net_sales", rep.NetSales)
	return nil
}

// foldTransactions is the in-process equivalent of the aggregation
// pipeline: one pass per transaction, factor-weighted.
func foldTransactions(rep *domain.SalesReport, txs []*repository.TranlogRecord) {
	payments := map[string]*domain.PaymentReportLine{}
	taxes := map[string]*domain.TaxReportLine{}

	for _, rec := range txs {
		factor := domain.ReportFactor(domain.EffectiveType(rec.TransactionType, rec.IsCancelled))
		if factor == 0 {
			continue
		}
		rep.TransactionCount++

		if factor > 0 {
			rep.GrossSales.Count++
			rep.GrossSales.Quantity += rec.Sales.Quantity
			rep.GrossSales.Amount += rec.Sales.TotalWithTax
		} else {
			rep.Returns.Count++
			rep.Returns.Quantity += rec.Sales.Quantity
			rep.Returns.Amount += rec.Sales.TotalWithTax
		}
		rep.LineDiscountTotal += factor * rec.Sales.LineDiscountTotal
		rep.SubtotalDiscountTotal += factor * rec.Sales.SubtotalDiscountTotal

		for _, tax := range rec.Taxes {
			line, ok := taxes[tax.TaxCode]
			if !ok {
				line = &domain.TaxReportLine{TaxCode: tax.TaxCode, TaxKind: tax.TaxKind}
				taxes[tax.TaxCode] = line
			}
			line.TargetAmount += factor * tax.TargetAmount
			line.TaxAmount += factor * tax.TaxAmount
			rep.TaxTotal += factor * tax.TaxAmount
		}

		for _, p := range rec.Payments {
			line, ok := payments[p.PaymentCode]
			if !ok {
				line = &domain.PaymentReportLine{PaymentCode: p.PaymentCode, Description: p.Description}
				payments[p.PaymentCode] = line
			}
			line.Count += factor
			line.Amount += factor * p.Amount
		}
	}

	rep.Payments = sortedPayments(payments)
	rep.Taxes = sortedTaxes(taxes)
}

// applyAggregate maps the pipeline output onto the report.
func applyAggregate(rep *domain.SalesReport, agg *repository.SalesAggregate) {
	t := agg.Totals
	rep.TransactionCount = t.TransactionCount
	rep.GrossSales = domain.ReportAmount{Count: t.GrossCount, Quantity: t.GrossQuantity, Amount: t.GrossAmount}
	rep.Returns = domain.ReportAmount{Count: t.ReturnsCount, Quantity: t.ReturnsQuantity, Amount: t.ReturnsAmount}
	rep.LineDiscountTotal = t.LineDiscountTotal
	rep.SubtotalDiscountTotal = t.SubtotalDiscountTotal
	rep.TaxTotal = t.TaxTotal

	for _, b := range agg.Payments {
		rep.Payments = append(rep.Payments, domain.PaymentReportLine{
			PaymentCode: b.Code, Count: b.Count, Amount: b.Amount,
		})
	}
	for _, b := range agg.Taxes {
		rep.Taxes = append(rep.Taxes, domain.TaxReportLine{
			TaxCode: b.Code, TargetAmount: b.TargetAmount, TaxAmount: b.TaxAmount,
		})
	}
}

func sortedPayments(m map[string]*domain.PaymentReportLine) []domain.PaymentReportLine {
	codes := make([]string, 0, len(m))
	for c := range m {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	out := make([]domain.PaymentReportLine, 0, len(codes))
	for _, c := range codes {
		out = append(out, *m[c])
	}
	return out
}

func sortedTaxes(m map[string]*domain.TaxReportLine) []domain.TaxReportLine {
	codes := make([]string, 0, len(m))
	for c := range m {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	out := make([]domain.TaxReportLine, 0, len(codes))
	for _, c := range codes {
		out = append(out, *m[c])
	}
	return out
}

func validateWindow(w repository.ReportWindow) error {
	if w.StoreCode == "" {
		return apperr.Validation(
			apperr.Code(apperr.ServiceReport, 2, 7),
			"store code is required")
	}
	if !domain.ValidBusinessDate(w.BusinessDate) {
		return apperr.Validation(
			apperr.Code(apperr.ServiceReport, 2, 8),
			"business date "+w.BusinessDate+" is not YYYYMMDD").
			WithUser("invalid business date")
	}
	return nil
}
