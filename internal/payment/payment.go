// Package payment applies tenders to a cart balance. Behavior hangs off
// the handler registered for the payment code's method: cash accepts
// overpayment and returns change, everything else must fit the balance.
package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
)

// Handler turns a tender into a payment line against the given balance.
type Handler interface {
	Name() string
	Apply(paymentNo int, amount, balance int64) (domain.PaymentLine, error)
}

// Registry maps handler names to implementations. It is populated during
// startup and frozen before the first request; registration afterwards is
// a programming error.
type Registry struct {
	mu       sync.RWMutex
	frozen   bool
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register adds a handler. Duplicate names and post-freeze registration
// are rejected.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("payment registry frozen, cannot register %q", h.Name())
	}
	if _, ok := r.handlers[h.Name()]; ok {
		return fmt.Errorf("payment handler %q already registered", h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

// Freeze closes the registry.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Resolve returns the named handler.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, apperr.Internal(nil,
			apperr.Code(apperr.ServiceCart, 5, 1),
			"payment handler "+name+" not registered")
	}
	return h, nil
}

// DefaultRegistry builds and freezes the built-in handler set.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, h := range []Handler{cashHandler{}, cashlessHandler{}, otherHandler{}} {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
	r.Freeze()
	return r
}

type cashHandler struct{}

func (cashHandler) Name() string { return domain.PaymentHandlerCash }

// Cash accepts any positive tender; overpayment comes back as change and
// only the balance portion is applied.
func (cashHandler) Apply(paymentNo int, amount, balance int64) (domain.PaymentLine, error) {
	if amount <= 0 {
		return domain.PaymentLine{}, errNonPositive()
	}
	applied := amount
	if applied > balance {
		applied = balance
	}
	return domain.PaymentLine{
		PaymentNo:   paymentNo,
		PaymentCode: domain.PaymentCodeCash,
		Amount:      applied,
		Tendered:    amount,
		Change:      amount - applied,
	}, nil
}

type cashlessHandler struct{}

func (cashlessHandler) Name() string { return domain.PaymentHandlerCashless }

func (cashlessHandler) Apply(paymentNo int, amount, balance int64) (domain.PaymentLine, error) {
	return applyExact(paymentNo, amount, balance)
}

type otherHandler struct{}

func (otherHandler) Name() string { return domain.PaymentHandlerOther }

func (otherHandler) Apply(paymentNo int, amount, balance int64) (domain.PaymentLine, error) {
	return applyExact(paymentNo, amount, balance)
}

// applyExact is the non-cash rule: the tender may not exceed the balance
// because nothing can be handed back.
func applyExact(paymentNo int, amount, balance int64) (domain.PaymentLine, error) {
	if amount <= 0 {
		return domain.PaymentLine{}, errNonPositive()
	}
	if amount > balance {
		return domain.PaymentLine{}, apperr.Unprocessable(
			apperr.Code(apperr.ServiceCart, 5, 3),
			"tender exceeds balance due").
			WithUser("amount exceeds the balance due")
	}
	return domain.PaymentLine{
		PaymentNo: paymentNo,
		Amount:    amount,
		Tendered:  amount,
	}, nil
}

func errNonPositive() error {
	return apperr.Validation(
		apperr.Code(apperr.ServiceCart, 5, 2),
		"payment amount must be positive").
		WithUser("invalid payment amount")
}

// MethodResolver supplies payment method specs, normally the master-data
// cache.
type MethodResolver interface {
	PaymentMethod(ctx context.Context, tenantID, code string) (*domain.PaymentMethodSpec, error)
}

// Engine resolves a payment code to its handler and applies the tender.
type Engine struct {
	registry *Registry
	methods  MethodResolver
}

func NewEngine(registry *Registry, methods MethodResolver) *Engine {
	return &Engine{registry: registry, methods: methods}
}

// Apply validates the code and tender against the balance and returns
// the payment line to append. It never mutates the cart.
func (e *Engine) Apply(ctx context.Context, tenantID string, paymentNo int, code string, amount int64, detail string, balance int64) (domain.PaymentLine, error) {
	spec, err := e.methods.PaymentMethod(ctx, tenantID, code)
	if err != nil {
		return domain.PaymentLine{}, err
	}
	handler, err := e.registry.Resolve(spec.Handler)
	if err != nil {
		return domain.PaymentLine{}, err
	}
	line, err := handler.Apply(paymentNo, amount, balance)
	if err != nil {
		return domain.PaymentLine{}, err
	}
	line.PaymentCode = spec.Code
	line.Description = spec.Description
	line.Detail = detail
	return line, nil
}
