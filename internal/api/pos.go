package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/cart"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/config"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

// CartService is the cart surface the router exposes.
type CartService interface {
	Create(ctx context.Context, ref domain.TerminalRef, staffID string) (*domain.Cart, error)
	Get(ctx context.Context, tenantID, cartID string) (*domain.Cart, error)
	AddLineItem(ctx context.Context, tenantID, cartID, itemCode string, quantity int64) (*cart.Result, error)
	CancelLineItem(ctx context.Context, tenantID, cartID string, lineNo int) (*cart.Result, error)
	UpdateQuantity(ctx context.Context, tenantID, cartID string, lineNo int, quantity int64) (*cart.Result, error)
	UpdateUnitPrice(ctx context.Context, tenantID, cartID string, lineNo int, unitPrice int64) (*cart.Result, error)
	AddLineDiscount(ctx context.Context, tenantID, cartID string, lineNo int, d domain.Discount) (*cart.Result, error)
	AddSubtotalDiscount(ctx context.Context, tenantID, cartID string, d domain.Discount) (*cart.Result, error)
	Subtotal(ctx context.Context, tenantID, cartID string) (*cart.Result, error)
	AddPayment(ctx context.Context, tenantID, cartID, paymentCode string, amount int64, detail string) (*cart.Result, error)
	ResumeItemEntry(ctx context.Context, tenantID, cartID string) (*cart.Result, error)
	Cancel(ctx context.Context, tenantID, cartID string) (*cart.Result, error)
}

// TransactionService is the settled-transaction surface.
type TransactionService interface {
	Get(ctx context.Context, tenantID, terminalID, businessDate string, transactionNo int64) (*domain.Transaction, error)
	GetByCartID(ctx context.Context, tenantID, cartID string) (*domain.Transaction, error)
	List(ctx context.Context, tenantID string, q repository.TransactionQuery) ([]*domain.Transaction, error)
	Void(ctx context.Context, tenantID, terminalID, businessDate string, transactionNo int64, staffID string) (*domain.Transaction, error)
	Return(ctx context.Context, tenantID, terminalID, businessDate string, transactionNo int64, staffID string) (*domain.Transaction, error)
}

// TerminalService is the session-controller surface.
type TerminalService interface {
	Register(ctx context.Context, ref domain.TerminalRef, staffID string) (*domain.Terminal, error)
	Get(ctx context.Context, tenantID, terminalID string) (*domain.Terminal, error)
	ListByStore(ctx context.Context, tenantID, storeCode string) ([]*domain.Terminal, error)
	Open(ctx context.Context, ref domain.TerminalRef, initialAmount int64, staffID string) (*domain.Terminal, error)
	Close(ctx context.Context, ref domain.TerminalRef, countedAmount int64, staffID string) (*domain.Terminal, *domain.Reconciliation, error)
	CashIn(ctx context.Context, ref domain.TerminalRef, amount int64, reason, staffID string) (*domain.CashMovement, error)
	CashOut(ctx context.Context, ref domain.TerminalRef, amount int64, reason, staffID string) (*domain.CashMovement, error)
	AdvanceBusinessDate(ctx context.Context, ref domain.TerminalRef) (*domain.Terminal, error)
}

// DeliveryService is the fabric's acknowledgement and status surface.
type DeliveryService interface {
	Acknowledge(ctx context.Context, tenantID, eventID, subscriber string, ok bool, message string) (*domain.DeliveryStatus, error)
	Status(ctx context.Context, tenantID, eventID string) (*domain.DeliveryStatus, error)
	List(ctx context.Context, tenantID string, state domain.DeliveryState, since time.Time, limit int64) ([]*domain.DeliveryStatus, error)
}

// MasterService is the read-only master-data surface.
type MasterService interface {
	Item(ctx context.Context, tenantID, code string) (*domain.Item, error)
	TaxRule(ctx context.Context, tenantID, code string) (*domain.TaxRule, error)
	PaymentMethod(ctx context.Context, tenantID, code string) (*domain.PaymentMethodSpec, error)
	Settings(ctx context.Context, tenantID string) (*domain.TenantSettings, error)
	VerifyStaffPin(ctx context.Context, tenantID, staffID, pin string) error
}

// PosServer is the posd HTTP surface.
type PosServer struct {
	carts     CartService
	txs       TransactionService
	terminals TerminalService
	delivery  DeliveryService
	master    MasterService
	rs        *responder
}

// PosDeps collects the services the posd router exposes.
type PosDeps struct {
	Carts        CartService
	Transactions TransactionService
	Terminals    TerminalService
	Delivery     DeliveryService
	Master       MasterService
}

// NewPosRouter assembles the posd router: tenant routes behind auth,
// health and metrics outside it.
func NewPosRouter(deps PosDeps, auth config.AuthConfig, checks []HealthCheck, log *logger.Logger, m *metrics.Metrics) *mux.Router {
	s := &PosServer{
		carts:     deps.Carts,
		txs:       deps.Transactions,
		terminals: deps.Terminals,
		delivery:  deps.Delivery,
		master:    deps.Master,
		rs:        &responder{log: log},
	}

	r := mux.NewRouter()
	r.Use(Recovery(log), RequestLog(log), Instrument(m))
	r.HandleFunc("/health", HealthHandler(checks, 3*time.Second, log)).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	t := r.PathPrefix("/api/v1/tenants/{tenantId}").Subrouter()
	t.Use(Auth(auth, log))

	// Carts.
	t.HandleFunc("/carts", s.createCart).Methods(http.MethodPost)
	t.HandleFunc("/carts/{cartId}", s.getCart).Methods(http.MethodGet)
	t.HandleFunc("/carts/{cartId}/lineItems", s.addLineItem).Methods(http.MethodPost)
	t.HandleFunc("/carts/{cartId}/lineItems/{lineNo}/cancel", s.cancelLineItem).Methods(http.MethodPost)
	t.HandleFunc("/carts/{cartId}/lineItems/{lineNo}/quantity", s.updateQuantity).Methods(http.MethodPatch)
	t.HandleFunc("/carts/{cartId}/lineItems/{lineNo}/unitPrice", s.updateUnitPrice).Methods(http.MethodPatch)
	t.HandleFunc("/carts/{cartId}/lineItems/{lineNo}/discounts", s.addLineDiscount).Methods(http.MethodPost)
	t.HandleFunc("/carts/{cartId}/discounts", s.addSubtotalDiscount).Methods(http.MethodPost)
	t.HandleFunc("/carts/{cartId}/subtotal", s.subtotal).Methods(http.MethodPost)
	t.HandleFunc("/carts/{cartId}/payments", s.addPayment).Methods(http.MethodPost)
	t.HandleFunc("/carts/{cartId}/resume-item-entry", s.resumeItemEntry).Methods(http.MethodPost)
	t.HandleFunc("/carts/{cartId}/cancel", s.cancelCart).Methods(http.MethodPost)
	t.HandleFunc("/carts/{cartId}/bill", s.getBill).Methods(http.MethodGet)

	// Transactions.
	t.HandleFunc("/transactions", s.listTransactions).Methods(http.MethodGet)
	t.HandleFunc("/transactions/{transactionNo}", s.getTransaction).Methods(http.MethodGet)
	t.HandleFunc("/transactions/{transactionNo}/void", s.voidTransaction).Methods(http.MethodPost)
	t.HandleFunc("/transactions/{transactionNo}/return", s.returnTransaction).Methods(http.MethodPost)

	// Terminals.
	t.HandleFunc("/terminals", s.registerTerminal).Methods(http.MethodPost)
	t.HandleFunc("/terminals/{terminalId}", s.getTerminal).Methods(http.MethodGet)
	t.HandleFunc("/stores/{storeCode}/terminals", s.listTerminals).Methods(http.MethodGet)
	t.HandleFunc("/terminals/{terminalId}/open", s.openTerminal).Methods(http.MethodPost)
	t.HandleFunc("/terminals/{terminalId}/close", s.closeTerminal).Methods(http.MethodPost)
	t.HandleFunc("/terminals/{terminalId}/cash-in", s.cashIn).Methods(http.MethodPost)
	t.HandleFunc("/terminals/{terminalId}/cash-out", s.cashOut).Methods(http.MethodPost)
	t.HandleFunc("/terminals/{terminalId}/advance-date", s.advanceDate).Methods(http.MethodPost)

	// Delivery ledger.
	t.HandleFunc("/events/{eventId}/delivery", s.acknowledgeDelivery).Methods(http.MethodPost)
	t.HandleFunc("/events/{eventId}/delivery", s.deliveryStatus).Methods(http.MethodGet)
	t.HandleFunc("/events", s.listDeliveries).Methods(http.MethodGet)

	// Master data, read-only.
	t.HandleFunc("/items/{itemCode}", s.getItem).Methods(http.MethodGet)
	t.HandleFunc("/taxes/{taxCode}", s.getTaxRule).Methods(http.MethodGet)
	t.HandleFunc("/payment-methods/{code}", s.getPaymentMethod).Methods(http.MethodGet)
	t.HandleFunc("/settings", s.getSettings).Methods(http.MethodGet)
	t.HandleFunc("/staff/{staffId}/verify-pin", s.verifyStaffPin).Methods(http.MethodPost)

	return r
}
