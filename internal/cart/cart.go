// Package cart drives the transactional life of a sale: a per-cart state
// machine from creation through item entry and payment to a finalized
// transaction, with every accepted mutation written through to the cache
// and the terminal outcomes persisted durably.
package cart

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/payment"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/pricing"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

// Operation names as they appear in guard errors and the API surface.
const (
	OpAddLineItem         = "addLineItem"
	OpCancelLineItem      = "cancelLineItem"
	OpUpdateUnitPrice     = "updateUnitPrice"
	OpUpdateQuantity      = "updateQuantity"
	OpAddLineDiscount     = "addLineDiscount"
	OpAddSubtotalDiscount = "addSubtotalDiscount"
	OpSubtotal            = "subtotal"
	OpAddPayment          = "addPayment"
	OpResumeItemEntry     = "resumeItemEntry"
	OpCancelCart          = "cancelCart"
)

// allowed is the state machine: the operations each non-terminal state
// accepts. Terminal states accept nothing.
var allowed = map[domain.CartState][]string{
	domain.CartIdle: {
		OpAddLineItem, OpAddSubtotalDiscount, OpCancelCart,
	},
	domain.CartEnteringItem: {
		OpAddLineItem, OpCancelLineItem, OpUpdateUnitPrice, OpUpdateQuantity,
		OpAddLineDiscount, OpAddSubtotalDiscount, OpSubtotal, OpCancelCart,
	},
	domain.CartPaying: {
		OpAddPayment, OpResumeItemEntry, OpCancelCart,
	},
}

// guard rejects an operation the cart's state does not accept. The error
// names the state, the operation and the legal set, before any mutation.
func guard(c *domain.Cart, op string) error {
	legal := allowed[c.State]
	for _, l := range legal {
		if l == op {
			return nil
		}
	}
	return apperr.Conflict(
		apperr.Code(apperr.ServiceCart, 1, 1),
		fmt.Sprintf("operation %s not allowed in state %s (allowed: %s)",
			op, c.State, strings.Join(legal, ", ")),
	).WithUser("this operation is not available right now")
}

// MasterData supplies the item, settings and payment lookups the cart
// path needs; normally the read-through master-data cache.
type MasterData interface {
	Item(ctx context.Context, tenantID, code string) (*domain.Item, error)
	Settings(ctx context.Context, tenantID string) (*domain.TenantSettings, error)
}

// Terminals is the slice of terminal persistence cart creation needs.
type Terminals interface {
	Get(ctx context.Context, tenantID, terminalID string) (*domain.Terminal, error)
	IncrementBusinessCounter(ctx context.Context, tenantID, terminalID string) (int64, error)
}

// Finalizer turns a completed or cancelled cart into a persisted,
// published transaction. Implemented by the transaction service.
type Finalizer interface {
	Finalize(ctx context.Context, cart *domain.Cart) (*domain.Transaction, error)
}

// Service is the cart state machine with its two-phase persistence.
type Service struct {
	store     *store
	terminals Terminals
	master    MasterData
	pricer    *pricing.Engine
	payments  *payment.Engine
	finalizer Finalizer

	locks keyedMutex

	log     *logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewService(cache Cache, repo Repo, cacheTTL time.Duration, terminals Terminals, master MasterData, pricer *pricing.Engine, payments *payment.Engine, finalizer Finalizer, log *logger.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:     newStore(cache, repo, cacheTTL, log),
		terminals: terminals,
		master:    master,
		pricer:    pricer,
		payments:  payments,
		finalizer: finalizer,
		log:       log,
		metrics:   m,
		tracer:    otel.Tracer("cart-service"),
	}
}

// Create opens a new cart against an opened terminal session. The cart
// copies the session's business date and counters at creation; the
// business counter slot is claimed up front so concurrent carts order
// deterministically even if some are later cancelled.
func (s *Service) Create(ctx context.Context, ref domain.TerminalRef, staffID string) (*domain.Cart, error) {
	ctx, span := s.tracer.Start(ctx, "create_cart")
	defer span.End()
	span.SetAttributes(attribute.String("terminal.id", ref.ID()))

	term, err := s.terminals.Get(ctx, ref.TenantID, ref.ID())
	if err != nil {
		return nil, err
	}
	if term.Status != domain.TerminalOpened {
		return nil, apperr.Conflict(
			apperr.Code(apperr.ServiceCart, 1, 2),
			"terminal "+ref.ID()+" is not open").
			WithUser("the terminal session is not open")
	}

	counter, err := s.terminals.IncrementBusinessCounter(ctx, ref.TenantID, ref.ID())
	if err != nil {
		return nil, apperr.Internal(err, apperr.Code(apperr.ServiceCart, 1, 3), "business counter increment failed")
	}

	cart := &domain.Cart{
		ID:              uuid.NewString(),
		TerminalRef:     ref,
		TerminalID:      ref.ID(),
		BusinessDate:    term.BusinessDate,
		OpenCounter:     term.OpenCounter,
		BusinessCounter: counter,
		TransactionType: domain.TypeNormalSales,
		State:           domain.CartIdle,
		StaffID:         staffID,
		Lines:           []domain.LineItem{},
		Payments:        []domain.PaymentLine{},
	}
	cart.Touch(time.Now().UTC())

	if err := s.store.persist(ctx, cart); err != nil {
		return nil, err
	}
	s.log.New(ctx).Info("Cart created",
		"cart_id", cart.ID, "terminal_id", cart.TerminalID,
		"business_date", cart.BusinessDate, "business_counter", counter)
	return cart, nil
}

// Get returns the cart, cache-first.
func (s *Service) Get(ctx context.Context, tenantID, cartID string) (*domain.Cart, error) {
	return s.store.load(ctx, tenantID, cartID)
}

// Result is the outcome of a mutating cart operation. Transaction is set
// only when the operation completed the cart.
type Result struct {
	Cart        *domain.Cart
	Transaction *domain.Transaction
}

// mutate serialises one operation on the cart: load under the per-cart
// lock, check the guard, apply fn, reprice and write through. fn may
// change the state; terminal outcomes go through finalize.
func (s *Service) mutate(ctx context.Context, tenantID, cartID, op string, fn func(*domain.Cart) error) (*Result, error) {
	unlock := s.locks.lock(tenantID + ":" + cartID)
	defer unlock()

	cart, err := s.store.load(ctx, tenantID, cartID)
	if err != nil {
		return nil, err
	}
	if err := guard(cart, op); err != nil {
		return nil, err
	}
	if err := fn(cart); err != nil {
		return nil, err
	}

	settings, err := s.master.Settings(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := s.pricer.Reprice(ctx, cart, settings.RoundingMode); err != nil {
		return nil, err
	}
	cart.Touch(time.Now().UTC())

	res := &Result{Cart: cart}
	if cart.State.Terminal() {
		txn, err := s.finalize(ctx, cart)
		if err != nil {
			return nil, err
		}
		res.Transaction = txn
		s.locks.forget(tenantID + ":" + cartID)
		return res, nil
	}

	if err := s.store.persist(ctx, cart); err != nil {
		return nil, err
	}
	return res, nil
}

// finalize persists the terminal cart durably and, when the sale had any
// activity, hands it to the transaction service. The cache entry is
// evicted either way.
func (s *Service) finalize(ctx context.Context, cart *domain.Cart) (*domain.Transaction, error) {
	var txn *domain.Transaction
	if cart.State == domain.CartCompleted || len(cart.Lines) > 0 {
		t, err := s.finalizer.Finalize(ctx, cart)
		if err != nil {
			return nil, err
		}
		txn = t
	}
	if err := s.store.persistFinal(ctx, cart); err != nil {
		return nil, err
	}
	return txn, nil
}

// AddLineItem enters an item by code, snapshotting its master data into
// the line so later price changes never reprice an open cart.
func (s *Service) AddLineItem(ctx context.Context, tenantID, cartID, itemCode string, quantity int64) (*Result, error) {
	if quantity <= 0 {
		return nil, apperr.Unprocessable(
			apperr.Code(apperr.ServiceCart, 2, 1),
			"quantity must be positive").
			WithUser("invalid quantity")
	}
	return s.mutate(ctx, tenantID, cartID, OpAddLineItem, func(c *domain.Cart) error {
		item, err := s.master.Item(ctx, tenantID, itemCode)
		if err != nil {
			return err
		}
		c.Lines = append(c.Lines, domain.LineItem{
			LineNo:            c.NextLineNo(),
			ItemCode:          item.Code,
			Description:       item.Description,
			UnitPrice:         item.UnitPrice,
			UnitPriceOriginal: item.UnitPrice,
			Quantity:          quantity,
			TaxCode:           item.TaxCode,
		})
		c.State = domain.CartEnteringItem
		return nil
	})
}

// CancelLineItem voids one line. The line stays in the cart for the
// journal but contributes nothing to totals.
func (s *Service) CancelLineItem(ctx context.Context, tenantID, cartID string, lineNo int) (*Result, error) {
	return s.mutate(ctx, tenantID, cartID, OpCancelLineItem, func(c *domain.Cart) error {
		line := c.Line(lineNo)
		if line == nil {
			return lineNotFound(lineNo)
		}
		if line.IsCancelled {
			return apperr.Conflict(
				apperr.Code(apperr.ServiceCart, 2, 3),
				fmt.Sprintf("line %d already cancelled", lineNo))
		}
		line.IsCancelled = true
		return nil
	})
}

// UpdateQuantity replaces a line's quantity.
func (s *Service) UpdateQuantity(ctx context.Context, tenantID, cartID string, lineNo int, quantity int64) (*Result, error) {
	if quantity <= 0 {
		return nil, apperr.Unprocessable(
			apperr.Code(apperr.ServiceCart, 2, 1),
			"quantity must be positive").
			WithUser("invalid quantity")
	}
	return s.mutate(ctx, tenantID, cartID, OpUpdateQuantity, func(c *domain.Cart) error {
		line := c.Line(lineNo)
		if line == nil || line.IsCancelled {
			return lineNotFound(lineNo)
		}
		line.Quantity = quantity
		return nil
	})
}

// UpdateUnitPrice overrides a line's unit price, keeping the original for
// the audit trail.
func (s *Service) UpdateUnitPrice(ctx context.Context, tenantID, cartID string, lineNo int, unitPrice int64) (*Result, error) {
	if unitPrice < 0 {
		return nil, apperr.Unprocessable(
			apperr.Code(apperr.ServiceCart, 2, 4),
			"unit price must not be negative").
			WithUser("invalid unit price")
	}
	return s.mutate(ctx, tenantID, cartID, OpUpdateUnitPrice, func(c *domain.Cart) error {
		line := c.Line(lineNo)
		if line == nil || line.IsCancelled {
			return lineNotFound(lineNo)
		}
		line.UnitPrice = unitPrice
		line.IsUnitPriceChanged = unitPrice != line.UnitPriceOriginal
		return nil
	})
}

// AddLineDiscount appends a discount to one line, applied in declared
// order at pricing time.
func (s *Service) AddLineDiscount(ctx context.Context, tenantID, cartID string, lineNo int, d domain.Discount) (*Result, error) {
	return s.mutate(ctx, tenantID, cartID, OpAddLineDiscount, func(c *domain.Cart) error {
		line := c.Line(lineNo)
		if line == nil || line.IsCancelled {
			return lineNotFound(lineNo)
		}
		if err := pricing.ValidateLineDiscount(line, d); err != nil {
			return err
		}
		line.Discounts = append(line.Discounts, d)
		return nil
	})
}

// AddSubtotalDiscount appends a cart-level discount.
func (s *Service) AddSubtotalDiscount(ctx context.Context, tenantID, cartID string, d domain.Discount) (*Result, error) {
	return s.mutate(ctx, tenantID, cartID, OpAddSubtotalDiscount, func(c *domain.Cart) error {
		remaining := c.Totals.SubtotalAmount - c.Totals.SubtotalDiscountTotal
		if err := pricing.ValidateSubtotalDiscount(remaining, d); err != nil {
			return err
		}
		c.SubtotalDiscounts = append(c.SubtotalDiscounts, d)
		return nil
	})
}

// Subtotal prices the cart and moves it to payment. A cart whose balance
// is already zero (fully discounted) skips payment entirely and
// finalizes with a zero-payment transaction.
func (s *Service) Subtotal(ctx context.Context, tenantID, cartID string) (*Result, error) {
	return s.mutate(ctx, tenantID, cartID, OpSubtotal, func(c *domain.Cart) error {
		settings, err := s.master.Settings(ctx, tenantID)
		if err != nil {
			return err
		}
		if err := s.pricer.Reprice(ctx, c, settings.RoundingMode); err != nil {
			return err
		}
		if c.Totals.Balance > 0 {
			c.State = domain.CartPaying
		} else {
			c.State = domain.CartCompleted
		}
		return nil
	})
}

// AddPayment applies one tender. The cart completes as soon as the
// cumulative deposit covers the balance; otherwise it stays in paying.
func (s *Service) AddPayment(ctx context.Context, tenantID, cartID, paymentCode string, amount int64, detail string) (*Result, error) {
	return s.mutate(ctx, tenantID, cartID, OpAddPayment, func(c *domain.Cart) error {
		line, err := s.payments.Apply(ctx, tenantID, c.NextPaymentNo(), paymentCode, amount, detail, c.Totals.Balance)
		if err != nil {
			return err
		}
		c.Payments = append(c.Payments, line)
		if c.Totals.Balance-line.Amount <= 0 {
			c.State = domain.CartCompleted
		}
		return nil
	})
}

// ResumeItemEntry abandons payment and returns to item entry. Payments
// already entered are discarded; compensating an externally captured
// cashless tender is the operator's concern, not the cart's.
func (s *Service) ResumeItemEntry(ctx context.Context, tenantID, cartID string) (*Result, error) {
	return s.mutate(ctx, tenantID, cartID, OpResumeItemEntry, func(c *domain.Cart) error {
		c.Payments = []domain.PaymentLine{}
		c.State = domain.CartEnteringItem
		return nil
	})
}

// Cancel irreversibly abandons the cart from any non-terminal state. A
// cart that had lines leaves a cancelled transaction behind so the
// journal records the abandonment.
func (s *Service) Cancel(ctx context.Context, tenantID, cartID string) (*Result, error) {
	return s.mutate(ctx, tenantID, cartID, OpCancelCart, func(c *domain.Cart) error {
		c.Payments = []domain.PaymentLine{}
		c.State = domain.CartCancelled
		return nil
	})
}

func lineNotFound(lineNo int) error {
	return apperr.NotFound(
		apperr.Code(apperr.ServiceCart, 2, 2),
		fmt.Sprintf("line %d not found", lineNo)).
		WithUser("line item not found")
}
