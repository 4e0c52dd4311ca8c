package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
)

func (s *PosServer) listTransactions(w http.ResponseWriter, r *http.Request) {
	const op = "listTransactions"
	tenantID := mux.Vars(r)["tenantId"]
	qs := r.URL.Query()

	q := repository.TransactionQuery{
		TerminalID:   qs.Get("terminalId"),
		StoreCode:    qs.Get("storeCode"),
		BusinessDate: qs.Get("businessDate"),
	}
	if v := qs.Get("openCounter"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.rs.fail(w, r, op, apperr.Validation(
				apperr.Code(apperr.ServiceCart, 4, 1),
				"openCounter must be a non-negative integer"))
			return
		}
		q.OpenCounter = int64(n)
	}
	if v := qs.Get("transactionTypes"); v != "" {
		for _, part := range strings.Split(v, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				s.rs.fail(w, r, op, apperr.Validation(
					apperr.Code(apperr.ServiceCart, 4, 2),
					"transactionTypes must be a comma-separated list of integers"))
				return
			}
			q.TransactionTypes = append(q.TransactionTypes, n)
		}
	}
	q.IncludeCancelled = qs.Get("includeCancelled") == "true"
	limit, page := pageParams(qs.Get("limit"), qs.Get("page"))
	q.Limit, q.Page = int64(limit), int64(page)

	out, err := s.txs.List(r.Context(), tenantID, q)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.okMeta(w, http.StatusOK, op, out, ListMetadata{Limit: q.Limit, Page: q.Page, Count: len(out)})
}

// transactionKey pulls the path transaction number plus the query
// coordinates that identify a settled transaction.
func (s *PosServer) transactionKey(r *http.Request) (tenantID, terminalID, businessDate string, transactionNo int64, err error) {
	vars := mux.Vars(r)
	tenantID = vars["tenantId"]
	transactionNo, convErr := strconv.ParseInt(vars["transactionNo"], 10, 64)
	if convErr != nil || transactionNo <= 0 {
		err = apperr.Validation(
			apperr.Code(apperr.ServiceCart, 4, 3),
			"transactionNo must be a positive integer")
		return
	}
	terminalID = r.URL.Query().Get("terminalId")
	businessDate = r.URL.Query().Get("businessDate")
	if terminalID == "" || businessDate == "" {
		err = apperr.Validation(
			apperr.Code(apperr.ServiceCart, 4, 4),
			"terminalId and businessDate query parameters are required")
	}
	return
}

func (s *PosServer) getTransaction(w http.ResponseWriter, r *http.Request) {
	const op = "getTransaction"
	tenantID, terminalID, businessDate, transactionNo, err := s.transactionKey(r)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	txn, err := s.txs.Get(r.Context(), tenantID, terminalID, businessDate, transactionNo)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, txn)
}

type reversalBody struct {
	TerminalID   string `json:"terminalId"`
	BusinessDate string `json:"businessDate"`
	StaffID      string `json:"staffId,omitempty"`
}

func (s *PosServer) voidTransaction(w http.ResponseWriter, r *http.Request) {
	s.reverseTransaction(w, r, "voidTransaction", s.txs.Void)
}

func (s *PosServer) returnTransaction(w http.ResponseWriter, r *http.Request) {
	s.reverseTransaction(w, r, "returnTransaction", s.txs.Return)
}

func (s *PosServer) reverseTransaction(w http.ResponseWriter, r *http.Request, op string,
	reverse func(ctx context.Context, tenantID, terminalID, businessDate string, transactionNo int64, staffID string) (*domain.Transaction, error)) {
	vars := mux.Vars(r)
	transactionNo, err := strconv.ParseInt(vars["transactionNo"], 10, 64)
	if err != nil || transactionNo <= 0 {
		s.rs.fail(w, r, op, apperr.Validation(
			apperr.Code(apperr.ServiceCart, 4, 3),
			"transactionNo must be a positive integer"))
		return
	}

	var body reversalBody
	if err := decode(r, &body); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	if body.TerminalID == "" || body.BusinessDate == "" {
		s.rs.fail(w, r, op, apperr.Validation(
			apperr.Code(apperr.ServiceCart, 4, 4),
			"terminalId and businessDate are required"))
		return
	}

	txn, err := reverse(r.Context(), vars["tenantId"], body.TerminalID, body.BusinessDate, transactionNo, body.StaffID)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, txn)
}

func (s *PosServer) acknowledgeDelivery(w http.ResponseWriter, r *http.Request) {
	const op = "acknowledgeDelivery"
	vars := mux.Vars(r)

	var body struct {
		Subscriber string `json:"subscriber"`
		Success    bool   `json:"success"`
		Message    string `json:"message,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	if body.Subscriber == "" {
		s.rs.fail(w, r, op, apperr.Validation(
			apperr.Code(apperr.ServiceFabric, 2, 4),
			"subscriber is required"))
		return
	}

	st, err := s.delivery.Acknowledge(r.Context(), vars["tenantId"], vars["eventId"], body.Subscriber, body.Success, body.Message)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, st)
}

func (s *PosServer) deliveryStatus(w http.ResponseWriter, r *http.Request) {
	const op = "deliveryStatus"
	vars := mux.Vars(r)

	st, err := s.delivery.Status(r.Context(), vars["tenantId"], vars["eventId"])
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, st)
}

func (s *PosServer) listDeliveries(w http.ResponseWriter, r *http.Request) {
	const op = "listDeliveries"
	tenantID := mux.Vars(r)["tenantId"]
	qs := r.URL.Query()

	var state domain.DeliveryState
	switch v := qs.Get("state"); v {
	case "", string(domain.DeliveryPublished), string(domain.DeliveryPartial),
		string(domain.DeliveryDelivered), string(domain.DeliveryFailed):
		state = domain.DeliveryState(v)
	default:
		s.rs.fail(w, r, op, apperr.Validation(
			apperr.Code(apperr.ServiceFabric, 2, 5),
			"unknown delivery state"))
		return
	}

	since := time.Time{}
	if v := qs.Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.rs.fail(w, r, op, apperr.Validation(
				apperr.Code(apperr.ServiceFabric, 2, 6),
				"since must be an RFC 3339 timestamp"))
			return
		}
		since = parsed
	}

	limit, _ := pageParams(qs.Get("limit"), "")
	out, err := s.delivery.List(r.Context(), tenantID, state, since, int64(limit))
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.okMeta(w, http.StatusOK, op, out, ListMetadata{Limit: int64(limit), Count: len(out)})
}

func (s *PosServer) getItem(w http.ResponseWriter, r *http.Request) {
	const op = "getItem"
	vars := mux.Vars(r)

	item, err := s.master.Item(r.Context(), vars["tenantId"], vars["itemCode"])
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, item)
}

func (s *PosServer) getTaxRule(w http.ResponseWriter, r *http.Request) {
	const op = "getTaxRule"
	vars := mux.Vars(r)

	rule, err := s.master.TaxRule(r.Context(), vars["tenantId"], vars["taxCode"])
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, rule)
}

func (s *PosServer) getPaymentMethod(w http.ResponseWriter, r *http.Request) {
	const op = "getPaymentMethod"
	vars := mux.Vars(r)

	spec, err := s.master.PaymentMethod(r.Context(), vars["tenantId"], vars["code"])
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, spec)
}

func (s *PosServer) getSettings(w http.ResponseWriter, r *http.Request) {
	const op = "getSettings"
	vars := mux.Vars(r)

	settings, err := s.master.Settings(r.Context(), vars["tenantId"])
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, settings)
}

func (s *PosServer) verifyStaffPin(w http.ResponseWriter, r *http.Request) {
	const op = "verifyStaffPin"
	vars := mux.Vars(r)

	var body struct {
		Pin string `json:"pin"`
	}
	if err := decode(r, &body); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	if err := s.master.VerifyStaffPin(r.Context(), vars["tenantId"], vars["staffId"], body.Pin); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, map[string]bool{"verified": true})
}

// pageParams parses limit and page with the journal search defaults.
func pageParams(limitStr, pageStr string) (limit, page int) {
	limit = 100
	if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
		limit = n
	}
	if limit > 500 {
		limit = 500
	}
	page = 1
	if n, err := strconv.Atoi(pageStr); err == nil && n > 0 {
		page = n
	}
	return limit, page
}
