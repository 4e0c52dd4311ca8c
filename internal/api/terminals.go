package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
)

func (s *PosServer) registerTerminal(w http.ResponseWriter, r *http.Request) {
	const op = "registerTerminal"
	tenantID := mux.Vars(r)["tenantId"]

	var body struct {
		StoreCode  string `json:"storeCode"`
		TerminalNo int    `json:"terminalNo"`
		StaffID    string `json:"staffId,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	if body.StoreCode == "" || body.TerminalNo <= 0 {
		s.rs.fail(w, r, op, apperr.Validation(
			apperr.Code(apperr.ServiceTerminal, 1, 11),
			"storeCode and a positive terminalNo are required"))
		return
	}

	ref := domain.TerminalRef{TenantID: tenantID, StoreCode: body.StoreCode, TerminalNo: body.TerminalNo}
	t, err := s.terminals.Register(r.Context(), ref, body.StaffID)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.created(w, op, t)
}

func (s *PosServer) getTerminal(w http.ResponseWriter, r *http.Request) {
	const op = "getTerminal"
	vars := mux.Vars(r)

	t, err := s.terminals.Get(r.Context(), vars["tenantId"], vars["terminalId"])
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, t)
}

func (s *PosServer) listTerminals(w http.ResponseWriter, r *http.Request) {
	const op = "listTerminals"
	vars := mux.Vars(r)

	out, err := s.terminals.ListByStore(r.Context(), vars["tenantId"], vars["storeCode"])
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.okMeta(w, http.StatusOK, op, out, ListMetadata{Count: len(out)})
}

// terminalRefVar resolves the path terminal against the path tenant.
func terminalRefVar(vars map[string]string) (domain.TerminalRef, error) {
	ref, err := domain.ParseTerminalID(vars["terminalId"])
	if err != nil || ref.TenantID != vars["tenantId"] {
		return domain.TerminalRef{}, apperr.Validation(
			apperr.Code(apperr.ServiceTerminal, 1, 12),
			"terminalId must be a terminal of the request tenant")
	}
	return ref, nil
}

func (s *PosServer) openTerminal(w http.ResponseWriter, r *http.Request) {
	const op = "openTerminal"
	ref, err := terminalRefVar(mux.Vars(r))
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	var body struct {
		InitialAmount int64  `json:"initialAmount"`
		StaffID       string `json:"staffId,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	t, err := s.terminals.Open(r.Context(), ref, body.InitialAmount, body.StaffID)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, t)
}

func (s *PosServer) closeTerminal(w http.ResponseWriter, r *http.Request) {
	const op = "closeTerminal"
	ref, err := terminalRefVar(mux.Vars(r))
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	var body struct {
		CountedAmount int64  `json:"countedAmount"`
		StaffID       string `json:"staffId,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	t, rec, err := s.terminals.Close(r.Context(), ref, body.CountedAmount, body.StaffID)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, struct {
		Terminal       *domain.Terminal       `json:"terminal"`
		Reconciliation *domain.Reconciliation `json:"reconciliation"`
	}{t, rec})
}

type cashBody struct {
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason,omitempty"`
	StaffID string `json:"staffId,omitempty"`
}

type cashMoveFunc func(ctx context.Context, ref domain.TerminalRef, amount int64, reason, staffID string) (*domain.CashMovement, error)

func (s *PosServer) cashIn(w http.ResponseWriter, r *http.Request) {
	s.cashMovement(w, r, "cashIn", s.terminals.CashIn)
}

func (s *PosServer) cashOut(w http.ResponseWriter, r *http.Request) {
	s.cashMovement(w, r, "cashOut", s.terminals.CashOut)
}

func (s *PosServer) cashMovement(w http.ResponseWriter, r *http.Request, op string, move cashMoveFunc) {
	ref, err := terminalRefVar(mux.Vars(r))
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	var body cashBody
	if err := decode(r, &body); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	log, err := move(r.Context(), ref, body.Amount, body.Reason, body.StaffID)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, log)
}

func (s *PosServer) advanceDate(w http.ResponseWriter, r *http.Request) {
	const op = "advanceBusinessDate"
	ref, err := terminalRefVar(mux.Vars(r))
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	t, err := s.terminals.AdvanceBusinessDate(r.Context(), ref)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, t)
}
