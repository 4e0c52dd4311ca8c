package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/cart"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
)

// cartResult is the response body of a mutating cart operation: the cart
// after the change plus, on completion, the settled transaction.
type cartResult struct {
	Cart        *domain.Cart        `json:"cart"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

func toCartResult(res *cart.Result) cartResult {
	return cartResult{Cart: res.Cart, Transaction: res.Transaction}
}

func (s *PosServer) createCart(w http.ResponseWriter, r *http.Request) {
	const op = "createCart"
	tenantID := mux.Vars(r)["tenantId"]

	var body struct {
		TerminalID string `json:"terminalId"`
		StaffID    string `json:"staffId"`
	}
	if err := decode(r, &body); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	ref, err := domain.ParseTerminalID(body.TerminalID)
	if err != nil || ref.TenantID != tenantID {
		s.rs.fail(w, r, op, apperr.Validation(
			apperr.Code(apperr.ServiceCart, 1, 4),
			"terminalId must be a terminal of the request tenant"))
		return
	}

	c, err := s.carts.Create(r.Context(), ref, body.StaffID)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.created(w, op, c)
}

func (s *PosServer) getCart(w http.ResponseWriter, r *http.Request) {
	const op = "getCart"
	vars := mux.Vars(r)

	c, err := s.carts.Get(r.Context(), vars["tenantId"], vars["cartId"])
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, c)
}

func (s *PosServer) addLineItem(w http.ResponseWriter, r *http.Request) {
	const op = "addLineItem"
	vars := mux.Vars(r)

	var body struct {
		ItemCode string `json:"itemCode"`
		Quantity int64  `json:"quantity"`
	}
	if err := decode(r, &body); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	res, err := s.carts.AddLineItem(r.Context(), vars["tenantId"], vars["cartId"], body.ItemCode, body.Quantity)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, toCartResult(res))
}

func (s *PosServer) cancelLineItem(w http.ResponseWriter, r *http.Request) {
	const op = "cancelLineItem"
	vars := mux.Vars(r)
	lineNo, err := lineNoVar(vars)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	res, err := s.carts.CancelLineItem(r.Context(), vars["tenantId"], vars["cartId"], lineNo)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, toCartResult(res))
}

func (s *PosServer) updateQuantity(w http.ResponseWriter, r *http.Request) {
	const op = "updateQuantity"
	vars := mux.Vars(r)
	lineNo, err := lineNoVar(vars)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	var body struct {
		Quantity int64 `json:"quantity"`
	}
	if err := decode(r, &body); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	res, err := s.carts.UpdateQuantity(r.Context(), vars["tenantId"], vars["cartId"], lineNo, body.Quantity)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, toCartResult(res))
}

func (s *PosServer) updateUnitPrice(w http.ResponseWriter, r *http.Request) {
	const op = "updateUnitPrice"
	vars := mux.Vars(r)
	lineNo, err := lineNoVar(vars)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	var body struct {
		UnitPrice int64 `json:"unitPrice"`
	}
	if err := decode(r, &body); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	res, err := s.carts.UpdateUnitPrice(r.Context(), vars["tenantId"], vars["cartId"], lineNo, body.UnitPrice)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, toCartResult(res))
}

type discountBody struct {
	Kind    domain.DiscountKind `json:"kind"`
	Percent float64             `json:"percent,omitempty"`
	Amount  int64               `json:"amount,omitempty"`
	Detail  string              `json:"detail,omitempty"`
}

func (b discountBody) discount() domain.Discount {
	return domain.Discount{Kind: b.Kind, Percent: b.Percent, Amount: b.Amount, Detail: b.Detail}
}

func (s *PosServer) addLineDiscount(w http.ResponseWriter, r *http.Request) {
	const op = "addLineDiscount"
	vars := mux.Vars(r)
	lineNo, err := lineNoVar(vars)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	var body discountBody
	if err := decode(r, &body); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	res, err := s.carts.AddLineDiscount(r.Context(), vars["tenantId"], vars["cartId"], lineNo, body.discount())
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, toCartResult(res))
}

func (s *PosServer) addSubtotalDiscount(w http.ResponseWriter, r *http.Request) {
	const op = "addSubtotalDiscount"
	vars := mux.Vars(r)

	var body discountBody
	if err := decode(r, &body); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	res, err := s.carts.AddSubtotalDiscount(r.Context(), vars["tenantId"], vars["cartId"], body.discount())
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, toCartResult(res))
}

func (s *PosServer) subtotal(w http.ResponseWriter, r *http.Request) {
	const op = "subtotal"
	vars := mux.Vars(r)

	res, err := s.carts.Subtotal(r.Context(), vars["tenantId"], vars["cartId"])
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, toCartResult(res))
}

func (s *PosServer) addPayment(w http.ResponseWriter, r *http.Request) {
	const op = "addPayment"
	vars := mux.Vars(r)

	var body struct {
		PaymentCode string `json:"paymentCode"`
		Amount      int64  `json:"amount"`
		Detail      string `json:"detail,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	res, err := s.carts.AddPayment(r.Context(), vars["tenantId"], vars["cartId"], body.PaymentCode, body.Amount, body.Detail)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, toCartResult(res))
}

func (s *PosServer) resumeItemEntry(w http.ResponseWriter, r *http.Request) {
	const op = "resumeItemEntry"
	vars := mux.Vars(r)

	res, err := s.carts.ResumeItemEntry(r.Context(), vars["tenantId"], vars["cartId"])
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, toCartResult(res))
}

func (s *PosServer) cancelCart(w http.ResponseWriter, r *http.Request) {
	const op = "cancelCart"
	vars := mux.Vars(r)

	res, err := s.carts.Cancel(r.Context(), vars["tenantId"], vars["cartId"])
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, toCartResult(res))
}

func (s *PosServer) getBill(w http.ResponseWriter, r *http.Request) {
	const op = "getBill"
	vars := mux.Vars(r)

	txn, err := s.txs.GetByCartID(r.Context(), vars["tenantId"], vars["cartId"])
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, txn)
}

func lineNoVar(vars map[string]string) (int, error) {
	lineNo, err := strconv.Atoi(vars["lineNo"])
	if err != nil || lineNo <= 0 {
		return 0, apperr.Validation(
			apperr.Code(apperr.ServiceCart, 2, 5),
			"lineNo must be a positive integer")
	}
	return lineNo, nil
}
