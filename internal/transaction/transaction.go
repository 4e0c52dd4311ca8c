// Package transaction settles finalized carts into immutable transaction
// records: number assignment, receipt rendering, persistence and event
// publication, plus the void and return corrections that reference a
// settled transaction without rewriting it.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
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

// Transactions is the persistence slice the service needs.
type Transactions interface {
	Insert(ctx context.Context, t *domain.Transaction) error
	Get(ctx context.Context, tenantID, terminalID, businessDate string, transactionNo int64) (*domain.Transaction, error)
	GetByCartID(ctx context.Context, tenantID, cartID string) (*domain.Transaction, error)
	List(ctx context.Context, tenantID string, q repository.TransactionQuery) ([]*domain.Transaction, error)
	MarkCancelled(ctx context.Context, tenantID, terminalID, businessDate string, transactionNo int64, now time.Time) error
}

// Counters hands out the gap-free per-(terminal, businessDate) sequences.
type Counters interface {
	Next(ctx context.Context, tenantID, kind, terminalID, businessDate string) (int64, error)
}

// Terminals is the session access corrections need: the correction is
// stamped with the terminal's current session, not the original's.
type Terminals interface {
	Get(ctx context.Context, tenantID, terminalID string) (*domain.Terminal, error)
	IncrementBusinessCounter(ctx context.Context, tenantID, terminalID string) (int64, error)
}

// Publisher hands the transaction event to the propagation fabric.
type Publisher interface {
	Publish(ctx context.Context, env *domain.EventEnvelope) error
}

// Service is the transaction settlement path.
type Service struct {
	txs       Transactions
	counters  Counters
	terminals Terminals
	formatter *format.Registry
	publisher Publisher

	log     *logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewService(txs Transactions, counters Counters, terminals Terminals, formatter *format.Registry, publisher Publisher, log *logger.Logger, m *metrics.Metrics) *Service {
	return &Service{
		txs:       txs,
		counters:  counters,
		terminals: terminals,
		formatter: formatter,
		publisher: publisher,
		log:       log,
		metrics:   m,
		tracer:    otel.Tracer("transaction-service"),
	}
}

// Finalize settles a terminal cart: assigns the transaction and receipt
// numbers, renders the texts, persists the record and publishes the
// transaction event. A cancelled cart settles as a cancelled record so
// the journal keeps the abandonment.
//
// Publication failure never unwinds persistence: the delivery ledger
// carries the retry obligation.
func (s *Service) Finalize(ctx context.Context, cart *domain.Cart) (*domain.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "finalize_transaction")
	defer span.End()
	span.SetAttributes(
		attribute.String("cart.id", cart.ID),
		attribute.String("terminal.id", cart.TerminalID),
	)

	transactionNo, err := s.counters.Next(ctx, cart.TenantID, repository.CounterTransaction, cart.TerminalID, cart.BusinessDate)
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceCart, 6, 1), "transaction number assignment failed")
	}
	receiptNo, err := s.counters.Next(ctx, cart.TenantID, repository.CounterReceipt, cart.TerminalID, cart.BusinessDate)
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceCart, 6, 2), "receipt number assignment failed")
	}

	now := time.Now().UTC()
	txn := &domain.Transaction{
		ID:              uuid.NewString(),
		TerminalRef:     cart.TerminalRef,
		TerminalID:      cart.TerminalID,
		TransactionNo:   transactionNo,
		TransactionType: cart.TransactionType,
		BusinessDate:    cart.BusinessDate,
		OpenCounter:     cart.OpenCounter,
		BusinessCounter: cart.BusinessCounter,
		ReceiptNo:       receiptNo,
		StaffID:         cart.StaffID,
		GeneratedAt:     now,
		Sales:           summarize(cart),
		Lines:           cart.Lines,
		Payments:        cart.Payments,
		Taxes:           cart.Taxes,
		SubtotalDiscounts: cart.SubtotalDiscounts,
		IsCancelled:     cart.State == domain.CartCancelled,
		CartID:          cart.ID,
	}
	txn.ReceiptText = s.formatter.Receipt(txn)
	txn.JournalText = s.formatter.Journal(txn)
	txn.Touch(now)

	if err := s.insert(ctx, txn); err != nil {
		return nil, err
	}
	s.publish(ctx, txn)

	s.metrics.CartsFinalized.WithLabelValues(fmt.Sprintf("%d", domain.EffectiveType(txn.TransactionType, txn.IsCancelled))).Inc()
	s.log.New(ctx).Info("Transaction finalized",
		"transaction_no", transactionNo, "receipt_no", receiptNo,
		"terminal_id", txn.TerminalID, "business_date", txn.BusinessDate,
		"type", txn.TransactionType, "cancelled", txn.IsCancelled,
		"total_with_tax", txn.Sales.TotalWithTax)
	return txn, nil
}

// summarize folds the cart totals into the settled sales summary. The
// identity gross = net + lineDiscounts + subtotalDiscounts + taxes holds
// by construction.
func summarize(cart *domain.Cart) domain.SalesSummary {
	t := cart.Totals
	return domain.SalesSummary{
		Quantity:              t.Quantity,
		GrossSales:            t.TotalWithTax + t.LineDiscountTotal + t.SubtotalDiscountTotal,
		NetSales:              t.TaxExclusiveTotal,
		TotalWithTax:          t.TotalWithTax,
		TaxTotal:              t.TaxTotal,
		LineDiscountTotal:     t.LineDiscountTotal,
		SubtotalDiscountTotal: t.SubtotalDiscountTotal,
		DepositTotal:          t.DepositTotal,
		ChangeTotal:           t.ChangeTotal,
	}
}

// Get returns one settled transaction.
func (s *Service) Get(ctx context.Context, tenantID, terminalID, businessDate string, transactionNo int64) (*domain.Transaction, error) {
	txn, err := s.txs.Get(ctx, tenantID, terminalID, businessDate, transactionNo)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, transactionNotFound(transactionNo)
	}
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceCart, 6, 3), "transaction load failed")
	}
	return txn, nil
}

// GetByCartID returns the transaction a completed cart settled into.
func (s *Service) GetByCartID(ctx context.Context, tenantID, cartID string) (*domain.Transaction, error) {
	txn, err := s.txs.GetByCartID(ctx, tenantID, cartID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound(
			apperr.Code(apperr.ServiceCart, 6, 4),
			"no transaction for cart "+cartID).
			WithUser("the cart has not been billed")
	}
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceCart, 6, 3), "transaction load failed")
	}
	return txn, nil
}

// List returns settled transactions matching the query.
func (s *Service) List(ctx context.Context, tenantID string, q repository.TransactionQuery) ([]*domain.Transaction, error) {
	out, err := s.txs.List(ctx, tenantID, q)
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceCart, 6, 3), "transaction list failed")
	}
	return out, nil
}

// Void reverses a settled transaction with a new one of the void type.
func (s *Service) Void(ctx context.Context, tenantID, terminalID, businessDate string, transactionNo int64, staffID string) (*domain.Transaction, error) {
	return s.correct(ctx, tenantID, terminalID, businessDate, transactionNo, staffID, func(originType int) (int, error) {
		switch originType {
		case domain.TypeNormalSales:
			return domain.TypeVoidSales, nil
		case domain.TypeReturnSales:
			return domain.TypeVoidReturn, nil
		}
		return 0, apperr.Unprocessable(
			apperr.Code(apperr.ServiceCart, 6, 5),
			fmt.Sprintf("transaction type %d cannot be voided", originType)).
			WithUser("this transaction cannot be voided")
	})
}

// Return records the return of a settled sale.
func (s *Service) Return(ctx context.Context, tenantID, terminalID, businessDate string, transactionNo int64, staffID string) (*domain.Transaction, error) {
	return s.correct(ctx, tenantID, terminalID, businessDate, transactionNo, staffID, func(originType int) (int, error) {
		if originType != domain.TypeNormalSales {
			return 0, apperr.Unprocessable(
				apperr.Code(apperr.ServiceCart, 6, 6),
				fmt.Sprintf("transaction type %d cannot be returned", originType)).
				WithUser("this transaction cannot be returned")
		}
		return domain.TypeReturnSales, nil
	})
}

// correct settles a correction: tombstone the origin exactly once via
// compare-and-swap, then write a new transaction of the correction type
// stamped with the terminal's current session. The origin's amounts are
// carried verbatim; sign reversal is the report factor's job.
func (s *Service) correct(ctx context.Context, tenantID, terminalID, businessDate string, transactionNo int64, staffID string, typeOf func(int) (int, error)) (*domain.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "correct_transaction")
	defer span.End()
	span.SetAttributes(
		attribute.String("terminal.id", terminalID),
		attribute.Int64("origin.transaction_no", transactionNo),
	)

	origin, err := s.Get(ctx, tenantID, terminalID, businessDate, transactionNo)
	if err != nil {
		return nil, err
	}
	if origin.IsCancelled {
		return nil, apperr.Conflict(
			apperr.Code(apperr.ServiceCart, 6, 7),
			fmt.Sprintf("transaction %d already cancelled", transactionNo)).
			WithUser("the transaction was already voided or returned")
	}
	correctionType, err := typeOf(origin.TransactionType)
	if err != nil {
		return nil, err
	}

	term, err := s.terminals.Get(ctx, tenantID, terminalID)
	if err != nil {
		return nil, err
	}
	if term.Status != domain.TerminalOpened {
		return nil, apperr.Conflict(
			apperr.Code(apperr.ServiceCart, 6, 8),
			"terminal "+terminalID+" is not open").
			WithUser("the terminal session is not open")
	}
	counter, err := s.terminals.IncrementBusinessCounter(ctx, tenantID, terminalID)
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceCart, 6, 9), "business counter increment failed")
	}

	// The CAS on the tombstone decides between two racing corrections
	// before the new record exists.
	now := time.Now().UTC()
	err = s.txs.MarkCancelled(ctx, tenantID, terminalID, businessDate, transactionNo, now)
	if errors.Is(err, repository.ErrConflict) {
		return nil, apperr.Conflict(
			apperr.Code(apperr.ServiceCart, 6, 7),
			fmt.Sprintf("transaction %d already cancelled", transactionNo)).
			WithUser("the transaction was already voided or returned")
	}
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceCart, 6, 10), "tombstone update failed")
	}

	newNo, err := s.counters.Next(ctx, tenantID, repository.CounterTransaction, terminalID, term.BusinessDate)
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceCart, 6, 1), "transaction number assignment failed")
	}
	receiptNo, err := s.counters.Next(ctx, tenantID, repository.CounterReceipt, terminalID, term.BusinessDate)
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceCart, 6, 2), "receipt number assignment failed")
	}

	correction := &domain.Transaction{
		ID:                  uuid.NewString(),
		TerminalRef:         origin.TerminalRef,
		TerminalID:          terminalID,
		TransactionNo:       newNo,
		TransactionType:     correctionType,
		BusinessDate:        term.BusinessDate,
		OpenCounter:         term.OpenCounter,
		BusinessCounter:     counter,
		ReceiptNo:           receiptNo,
		StaffID:             staffID,
		GeneratedAt:         now,
		Sales:               origin.Sales,
		Lines:               origin.Lines,
		Payments:            origin.Payments,
		Taxes:               origin.Taxes,
		SubtotalDiscounts:   origin.SubtotalDiscounts,
		OriginTransactionNo: origin.TransactionNo,
	}
	correction.ReceiptText = s.formatter.Receipt(correction)
	correction.JournalText = s.formatter.Journal(correction)
	correction.Touch(now)

	if err := s.insert(ctx, correction); err != nil {
		return nil, err
	}
	s.publish(ctx, correction)

	s.metrics.CartsFinalized.WithLabelValues(fmt.Sprintf("%d", correctionType)).Inc()
	s.log.New(ctx).Info("Correction settled",
		"transaction_no", newNo, "origin_transaction_no", origin.TransactionNo,
		"terminal_id", terminalID, "type", correctionType)
	return correction, nil
}

func (s *Service) insert(ctx context.Context, txn *domain.Transaction) error {
	err := s.txs.Insert(ctx, txn)
	if errors.Is(err, repository.ErrDuplicate) {
		return apperr.Conflict(
			apperr.Code(apperr.ServiceCart, 6, 11),
			fmt.Sprintf("transaction %d already exists", txn.TransactionNo))
	}
	if err != nil {
		return apperr.Internal(err, apperr.Code(apperr.ServiceCart, 6, 12), "transaction persist failed")
	}
	return nil
}

func (s *Service) publish(ctx context.Context, txn *domain.Transaction) {
	env := domain.TranlogEnvelope(txn, time.Now().UTC())
	if err := s.publisher.Publish(ctx, env); err != nil {
		// Persistence already succeeded; the event is lost only if the
		// ledger write itself failed, which the alerting on the fabric
		// side surfaces.
		s.log.New(ctx).Error("Transaction event publish failed",
			"transaction_no", txn.TransactionNo, "event_id", env.EventID, "error", err)
	}
}

func transactionNotFound(no int64) error {
	return apperr.NotFound(
		apperr.Code(apperr.ServiceCart, 6, 13),
		fmt.Sprintf("transaction %d not found", no)).
		WithUser("transaction not found")
}
