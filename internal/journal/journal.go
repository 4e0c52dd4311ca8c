// Package journal derives the uniform audit trail from consumed events:
// verbatim log copies plus one JournalEntry per event, searchable by
// store, terminal, date range, type and text.
package journal

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

// Repo is the journal persistence slice.
type Repo interface {
	ConsumeTransaction(ctx context.Context, eventID string, rec *repository.TranlogRecord, entry *domain.JournalEntry) error
	ConsumeCash(ctx context.Context, eventID string, rec *repository.CashlogRecord, entry *domain.JournalEntry) error
	ConsumeSession(ctx context.Context, eventID string, rec *repository.SessionRecord, entry *domain.JournalEntry) error
	SearchEntries(ctx context.Context, tenantID string, q repository.EntryQuery) ([]*domain.JournalEntry, error)
}

// Service consumes the three event topics and serves the search API.
type Service struct {
	repo    Repo
	log     *logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewService(repo Repo, log *logger.Logger, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		log:     log,
		metrics: m,
		tracer:  otel.Tracer("journal-service"),
	}
}

// HandleTransaction journals one propagated transaction.
func (s *Service) HandleTransaction(ctx context.Context, env *domain.EventEnvelope) error {
	ctx, span := s.tracer.Start(ctx, "journal_transaction")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", env.EventID))

	t := env.Transaction
	if t == nil {
		return apperr.Unprocessable(
			apperr.Code(apperr.ServiceJournal, 1, 1),
			"tranlog envelope without transaction payload")
	}

	entry := &domain.JournalEntry{
		EventID:     env.EventID,
		TerminalRef: t.TerminalRef,
		TerminalID:  t.TerminalID,
		// Cancelled sales surface under their tombstone code so a type
		// filter on the search API excludes them with the corrections.
		TransactionType: domain.EffectiveType(t.TransactionType, t.IsCancelled),
		TransactionNo:   t.TransactionNo,
		ReceiptNo:       t.ReceiptNo,
		BusinessDate:    t.BusinessDate,
		OpenCounter:     t.OpenCounter,
		BusinessCounter: t.BusinessCounter,
		StaffID:         t.StaffID,
		Amount:          t.Sales.TotalWithTax,
		Quantity:        t.Sales.Quantity,
		GeneratedAt:     t.GeneratedAt,
		ReceiptText:     t.ReceiptText,
		JournalText:     t.JournalText,
	}
	entry.Touch(time.Now().UTC())

	rec := &repository.TranlogRecord{EventID: env.EventID, Transaction: *t}
	if err := s.repo.ConsumeTransaction(ctx, env.EventID, rec, entry); err != nil {
		return err
	}
	s.log.New(ctx).Info("Transaction journaled",
		"event_id", env.EventID, "terminal_id", t.TerminalID,
		"transaction_no", t.TransactionNo, "type", entry.TransactionType)
	return nil
}

// HandleCash journals one cash movement.
func (s *Service) HandleCash(ctx context.Context, env *domain.EventEnvelope) error {
	ctx, span := s.tracer.Start(ctx, "journal_cash")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", env.EventID))

	m := env.Cash
	if m == nil {
		return apperr.Unprocessable(
			apperr.Code(apperr.ServiceJournal, 1, 2),
			"cashlog envelope without cash payload")
	}

	entry := &domain.JournalEntry{
		EventID: env.EventID,
		TerminalRef: domain.TerminalRef{
			TenantID:   env.TenantID,
			StoreCode:  env.StoreCode,
			TerminalNo: env.TerminalNo,
		},
		TerminalID:      env.TerminalID,
		TransactionType: m.TransactionType,
		BusinessDate:    m.BusinessDate,
		OpenCounter:     m.OpenCounter,
		BusinessCounter: m.BusinessCounter,
		StaffID:         m.StaffID,
		Amount:          m.Amount,
		GeneratedAt:     m.GeneratedAt,
		ReceiptText:     m.ReceiptText,
		JournalText:     m.JournalText,
	}
	entry.Touch(time.Now().UTC())

	rec := &repository.CashlogRecord{
		EventID:      env.EventID,
		TerminalID:   env.TerminalID,
		StoreCode:    env.StoreCode,
		TerminalNo:   env.TerminalNo,
		CashMovement: *m,
	}
	if err := s.repo.ConsumeCash(ctx, env.EventID, rec, entry); err != nil {
		return err
	}
	s.log.New(ctx).Info("Cash movement journaled",
		"event_id", env.EventID, "terminal_id", env.TerminalID, "type", m.TransactionType)
	return nil
}

// HandleSession journals one terminal open or close.
func (s *Service) HandleSession(ctx context.Context, env *domain.EventEnvelope) error {
	ctx, span := s.tracer.Start(ctx, "journal_session")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", env.EventID))

	rec := env.Session
	if rec == nil {
		return apperr.Unprocessable(
			apperr.Code(apperr.ServiceJournal, 1, 3),
			"opencloselog envelope without session payload")
	}

	transactionType := domain.TypeOpenTerminal
	var amount int64 = rec.InitialAmount
	if rec.Operation == "close" {
		transactionType = domain.TypeCloseTerminal
		if rec.Reconciliation != nil {
			amount = rec.Reconciliation.CountedAmount
		}
	}

	entry := &domain.JournalEntry{
		EventID: env.EventID,
		TerminalRef: domain.TerminalRef{
			TenantID:   env.TenantID,
			StoreCode:  env.StoreCode,
			TerminalNo: env.TerminalNo,
		},
		TerminalID:      env.TerminalID,
		TransactionType: transactionType,
		BusinessDate:    rec.BusinessDate,
		OpenCounter:     rec.OpenCounter,
		BusinessCounter: rec.BusinessCounter,
		StaffID:         rec.StaffID,
		Amount:          amount,
		GeneratedAt:     rec.GeneratedAt,
		ReceiptText:     rec.ReceiptText,
		JournalText:     rec.JournalText,
	}
	entry.Touch(time.Now().UTC())

	copyRec := &repository.SessionRecord{
		EventID:         env.EventID,
		TerminalID:      env.TerminalID,
		StoreCode:       env.StoreCode,
		TerminalNo:      env.TerminalNo,
		OpenCloseRecord: *rec,
	}
	if err := s.repo.ConsumeSession(ctx, env.EventID, copyRec, entry); err != nil {
		return err
	}
	s.log.New(ctx).Info("Session transition journaled",
		"event_id", env.EventID, "terminal_id", env.TerminalID, "operation", rec.Operation)
	return nil
}

// Search returns journal entries matching the query in business order.
func (s *Service) Search(ctx context.Context, tenantID string, q repository.EntryQuery) ([]*domain.JournalEntry, error) {
	if q.BusinessDateFrom != "" && !domain.ValidBusinessDate(q.BusinessDateFrom) {
		return nil, badDate(q.BusinessDateFrom)
	}
	if q.BusinessDateTo != "" && !domain.ValidBusinessDate(q.BusinessDateTo) {
		return nil, badDate(q.BusinessDateTo)
	}
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 100
	}
	if q.Page <= 0 {
		q.Page = 1
	}

	out, err := s.repo.SearchEntries(ctx, tenantID, q)
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceJournal, 2, 1), "journal search failed")
	}
	return out, nil
}

func badDate(s string) error {
	return apperr.Validation(
		apperr.Code(apperr.ServiceJournal, 2, 2),
		"business date "+s+" is not YYYYMMDD").
		WithUser("invalid business date")
}
