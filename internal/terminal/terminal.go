// Package terminal controls the per-device session lifecycle: open and
// close with cash reconciliation, out-of-sale cash movements, and
// business-date advancement. Every transition emits its event through
// the propagation fabric.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"time"

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

// Repo is the terminal persistence slice the controller needs.
type Repo interface {
	Get(ctx context.Context, tenantID, terminalID string) (*domain.Terminal, error)
	ListByStore(ctx context.Context, tenantID, storeCode string) ([]*domain.Terminal, error)
	Create(ctx context.Context, t *domain.Terminal) error
	Update(ctx context.Context, tenantID, terminalID string, mutate func(*domain.Terminal) error) (*domain.Terminal, error)
	IncrementBusinessCounter(ctx context.Context, tenantID, terminalID string) (int64, error)
	InsertCashLog(ctx context.Context, tenantID, terminalID string, m *domain.CashMovement) error
	InsertSessionLog(ctx context.Context, tenantID, terminalID string, rec *domain.OpenCloseRecord) error
	SessionCashStats(ctx context.Context, tenantID, terminalID, businessDate string, openCounter int64) (count int64, net int64, err error)
}

// TransactionStats supplies the session's sales figures for close
// reconciliation.
type TransactionStats interface {
	SessionStats(ctx context.Context, tenantID, terminalID, businessDate string, openCounter int64) (*repository.SessionStats, error)
}

// Publisher hands session and cash events to the propagation fabric.
type Publisher interface {
	Publish(ctx context.Context, env *domain.EventEnvelope) error
}

// Service is the terminal session controller.
type Service struct {
	repo      Repo
	txStats   TransactionStats
	formatter *format.Registry
	publisher Publisher

	// now is swapped in tests to pin the business date.
	now func() time.Time

	log     *logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewService(repo Repo, txStats TransactionStats, formatter *format.Registry, publisher Publisher, log *logger.Logger, m *metrics.Metrics) *Service {
	return &Service{
		repo:      repo,
		txStats:   txStats,
		formatter: formatter,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
		metrics:   m,
		tracer:    otel.Tracer("terminal-service"),
	}
}

// Register provisions a terminal in the idle state. The business date is
// assigned at first open.
func (s *Service) Register(ctx context.Context, ref domain.TerminalRef, staffID string) (*domain.Terminal, error) {
	t := &domain.Terminal{
		ID:          ref.ID(),
		TerminalRef: ref,
		Status:      domain.TerminalIdle,
		StaffID:     staffID,
	}
	t.Touch(s.now())

	err := s.repo.Create(ctx, t)
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, apperr.Conflict(
			apperr.Code(apperr.ServiceTerminal, 1, 1),
			"terminal "+ref.ID()+" already registered")
	}
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceTerminal, 1, 2), "terminal create failed")
	}
	s.log.New(ctx).Info("Terminal registered", "terminal_id", ref.ID())
	return t, nil
}

// Get returns one terminal.
func (s *Service) Get(ctx context.Context, tenantID, terminalID string) (*domain.Terminal, error) {
	t, err := s.repo.Get(ctx, tenantID, terminalID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, terminalNotFound(terminalID)
	}
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceTerminal, 1, 3), "terminal load failed")
	}
	return t, nil
}

// ListByStore returns the store's registered terminals.
func (s *Service) ListByStore(ctx context.Context, tenantID, storeCode string) ([]*domain.Terminal, error) {
	out, err := s.repo.ListByStore(ctx, tenantID, storeCode)
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceTerminal, 1, 3), "terminal list failed")
	}
	return out, nil
}

// Open starts a session: assigns the business date on first open,
// increments the open counter, resets the business counter and emits the
// open event.
func (s *Service) Open(ctx context.Context, ref domain.TerminalRef, initialAmount int64, staffID string) (*domain.Terminal, error) {
	ctx, span := s.tracer.Start(ctx, "open_terminal")
	defer span.End()
	span.SetAttributes(attribute.String("terminal.id", ref.ID()))

	if initialAmount < 0 {
		return nil, apperr.Unprocessable(
			apperr.Code(apperr.ServiceTerminal, 1, 4),
			"initial amount must not be negative").
			WithUser("invalid initial amount")
	}

	updated, err := s.repo.Update(ctx, ref.TenantID, ref.ID(), func(t *domain.Terminal) error {
		if t.Status != domain.TerminalIdle {
			return wrongStatus(t, "open")
		}
		if t.BusinessDate == "" {
			t.BusinessDate = s.now().Format("20060102")
		}
		t.Status = domain.TerminalOpened
		t.OpenCounter++
		t.BusinessCounter = 0
		t.InitialAmount = initialAmount
		t.StaffID = staffID
		return nil
	})
	if err != nil {
		return nil, mapUpdateErr(err, ref.ID())
	}

	rec := &domain.OpenCloseRecord{
		Operation:       "open",
		StaffID:         staffID,
		BusinessDate:    updated.BusinessDate,
		OpenCounter:     updated.OpenCounter,
		BusinessCounter: 0,
		InitialAmount:   initialAmount,
		GeneratedAt:     s.now(),
	}
	rec.ReceiptText = s.formatter.OpenClose(ref, rec)
	rec.JournalText = rec.ReceiptText

	s.logAndPublishSession(ctx, ref, rec)
	s.log.New(ctx).Info("Terminal opened",
		"terminal_id", ref.ID(), "business_date", updated.BusinessDate,
		"open_counter", updated.OpenCounter, "initial_amount", initialAmount)
	return updated, nil
}

// Close ends the session, reconciling the counted drawer against the
// theoretical cash on hand: initial float plus net cash movements plus
// net cash taken in sales.
func (s *Service) Close(ctx context.Context, ref domain.TerminalRef, countedAmount int64, staffID string) (*domain.Terminal, *domain.Reconciliation, error) {
	ctx, span := s.tracer.Start(ctx, "close_terminal")
	defer span.End()
	span.SetAttributes(attribute.String("terminal.id", ref.ID()))

	current, err := s.Get(ctx, ref.TenantID, ref.ID())
	if err != nil {
		return nil, nil, err
	}
	if current.Status != domain.TerminalOpened {
		return nil, nil, wrongStatus(current, "close")
	}

	txStats, err := s.txStats.SessionStats(ctx, ref.TenantID, ref.ID(), current.BusinessDate, current.OpenCounter)
	if err != nil {
		return nil, nil, apperr.Internal(err, apperr.Code(apperr.ServiceTerminal, 1, 5), "session stats failed")
	}
	cashCount, cashNet, err := s.repo.SessionCashStats(ctx, ref.TenantID, ref.ID(), current.BusinessDate, current.OpenCounter)
	if err != nil {
		return nil, nil, apperr.Internal(err, apperr.Code(apperr.ServiceTerminal, 1, 5), "session cash stats failed")
	}

	theoretical := current.InitialAmount + cashNet + txStats.CashTotal
	reconciliation := &domain.Reconciliation{
		TransactionCount:  txStats.TransactionCount,
		LastTransactionNo: txStats.LastTransactionNo,
		CashMovementCount: cashCount,
		TheoreticalAmount: theoretical,
		CountedAmount:     countedAmount,
		Difference:        countedAmount - theoretical,
	}

	updated, err := s.repo.Update(ctx, ref.TenantID, ref.ID(), func(t *domain.Terminal) error {
		if t.Status != domain.TerminalOpened {
			return wrongStatus(t, "close")
		}
		t.Status = domain.TerminalClosed
		return nil
	})
	if err != nil {
		return nil, nil, mapUpdateErr(err, ref.ID())
	}

	rec := &domain.OpenCloseRecord{
		Operation:       "close",
		StaffID:         staffID,
		BusinessDate:    updated.BusinessDate,
		OpenCounter:     updated.OpenCounter,
		BusinessCounter: updated.BusinessCounter,
		Reconciliation:  reconciliation,
		GeneratedAt:     s.now(),
	}
	rec.ReceiptText = s.formatter.OpenClose(ref, rec)
	rec.JournalText = rec.ReceiptText

	s.logAndPublishSession(ctx, ref, rec)
	s.log.New(ctx).Info("Terminal closed",
		"terminal_id", ref.ID(), "business_date", updated.BusinessDate,
		"transactions", txStats.TransactionCount, "difference", reconciliation.Difference)
	return updated, reconciliation, nil
}

// CashIn records money added to the drawer outside a sale.
func (s *Service) CashIn(ctx context.Context, ref domain.TerminalRef, amount int64, reason, staffID string) (*domain.CashMovement, error) {
	return s.cashMovement(ctx, ref, domain.TypeCashIn, amount, reason, staffID)
}

// CashOut records money removed from the drawer outside a sale.
func (s *Service) CashOut(ctx context.Context, ref domain.TerminalRef, amount int64, reason, staffID string) (*domain.CashMovement, error) {
	return s.cashMovement(ctx, ref, domain.TypeCashOut, amount, reason, staffID)
}

func (s *Service) cashMovement(ctx context.Context, ref domain.TerminalRef, movementType int, amount int64, reason, staffID string) (*domain.CashMovement, error) {
	ctx, span := s.tracer.Start(ctx, "cash_movement")
	defer span.End()
	span.SetAttributes(
		attribute.String("terminal.id", ref.ID()),
		attribute.Int("movement.type", movementType),
	)

	if amount <= 0 {
		return nil, apperr.Unprocessable(
			apperr.Code(apperr.ServiceTerminal, 2, 1),
			"cash movement amount must be positive").
			WithUser("invalid amount")
	}

	current, err := s.Get(ctx, ref.TenantID, ref.ID())
	if err != nil {
		return nil, err
	}
	if current.Status != domain.TerminalOpened {
		return nil, wrongStatus(current, "cash movement")
	}

	counter, err := s.repo.IncrementBusinessCounter(ctx, ref.TenantID, ref.ID())
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceTerminal, 2, 2), "business counter increment failed")
	}

	m := &domain.CashMovement{
		TransactionType: movementType,
		Amount:          amount,
		Reason:          reason,
		StaffID:         staffID,
		BusinessDate:    current.BusinessDate,
		OpenCounter:     current.OpenCounter,
		BusinessCounter: counter,
		GeneratedAt:     s.now(),
	}
	m.ReceiptText = s.formatter.CashMovement(ref, m)
	m.JournalText = m.ReceiptText

	if err := s.repo.InsertCashLog(ctx, ref.TenantID, ref.ID(), m); err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceTerminal, 2, 3), "cash log persist failed")
	}

	env := domain.CashlogEnvelope(ref, m, s.now())
	if err := s.publisher.Publish(ctx, env); err != nil {
		s.log.New(ctx).Error("Cash event publish failed",
			"terminal_id", ref.ID(), "event_id", env.EventID, "error", err)
	}

	s.log.New(ctx).Info("Cash movement recorded",
		"terminal_id", ref.ID(), "type", movementType, "amount", amount,
		"business_counter", counter)
	return m, nil
}

// AdvanceBusinessDate moves a closed terminal to the next business date
// and back to idle, ready for the next open.
func (s *Service) AdvanceBusinessDate(ctx context.Context, ref domain.TerminalRef) (*domain.Terminal, error) {
	updated, err := s.repo.Update(ctx, ref.TenantID, ref.ID(), func(t *domain.Terminal) error {
		if t.Status != domain.TerminalClosed {
			return wrongStatus(t, "advanceBusinessDate")
		}
		next, err := nextBusinessDate(t.BusinessDate, s.now())
		if err != nil {
			return err
		}
		t.BusinessDate = next
		t.Status = domain.TerminalIdle
		return nil
	})
	if err != nil {
		return nil, mapUpdateErr(err, ref.ID())
	}
	s.log.New(ctx).Info("Business date advanced",
		"terminal_id", ref.ID(), "business_date", updated.BusinessDate)
	return updated, nil
}

// nextBusinessDate is the calendar day after the current business date.
// The business date is logical, so it can trail or lead the wall clock.
func nextBusinessDate(current string, now time.Time) (string, error) {
	if current == "" {
		return now.Format("20060102"), nil
	}
	d, err := time.Parse("20060102", current)
	if err != nil {
		return "", apperr.Internal(err, apperr.Code(apperr.ServiceTerminal, 1, 6), "stored business date unreadable")
	}
	return d.AddDate(0, 0, 1).Format("20060102"), nil
}

func (s *Service) logAndPublishSession(ctx context.Context, ref domain.TerminalRef, rec *domain.OpenCloseRecord) {
	if err := s.repo.InsertSessionLog(ctx, ref.TenantID, ref.ID(), rec); err != nil {
		s.log.New(ctx).Error("Session log persist failed",
			"terminal_id", ref.ID(), "operation", rec.Operation, "error", err)
	}
	env := domain.OpenCloselogEnvelope(ref, rec, s.now())
	if err := s.publisher.Publish(ctx, env); err != nil {
		s.log.New(ctx).Error("Session event publish failed",
			"terminal_id", ref.ID(), "event_id", env.EventID, "error", err)
	}
}

func wrongStatus(t *domain.Terminal, op string) error {
	return apperr.Conflict(
		apperr.Code(apperr.ServiceTerminal, 1, 7),
		fmt.Sprintf("operation %s not allowed while terminal %s is %s", op, t.ID, t.Status)).
		WithUser("the terminal is not in the right state for this operation")
}

func mapUpdateErr(err error, terminalID string) error {
	if kind := apperr.KindOf(err); kind == apperr.KindConflict || kind == apperr.KindUnprocessable {
		return err
	}
	if errors.Is(err, repository.ErrNotFound) {
		return terminalNotFound(terminalID)
	}
	if errors.Is(err, repository.ErrConflict) {
		return apperr.Conflict(
			apperr.Code(apperr.ServiceTerminal, 1, 8),
			"terminal "+terminalID+" modified concurrently").
			WithUser("please retry")
	}
	return apperr.Internal(err, apperr.Code(apperr.ServiceTerminal, 1, 9), "terminal update failed")
}

func terminalNotFound(terminalID string) error {
	return apperr.NotFound(
		apperr.Code(apperr.ServiceTerminal, 1, 10),
		"terminal "+terminalID+" not found").
		WithUser("terminal not found")
}
