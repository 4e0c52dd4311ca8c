package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/config"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

// ReportService is the sales-report surface.
type ReportService interface {
	Flash(ctx context.Context, tenantID string, w repository.ReportWindow) (*domain.SalesReport, error)
	Daily(ctx context.Context, tenantID string, w repository.ReportWindow) (*domain.SalesReport, error)
	Get(ctx context.Context, tenantID, reportID string) (*domain.SalesReport, error)
}

// ReportServer is the reportd HTTP surface.
type ReportServer struct {
	reports ReportService
	rs      *responder
}

// NewReportRouter assembles the reportd router.
func NewReportRouter(reports ReportService, auth config.AuthConfig, checks []HealthCheck, log *logger.Logger, m *metrics.Metrics) *mux.Router {
	s := &ReportServer{
		reports: reports,
		rs:      &responder{log: log},
	}

	r := mux.NewRouter()
	r.Use(Recovery(log), RequestLog(log), Instrument(m))
	r.HandleFunc("/health", HealthHandler(checks, 3*time.Second, log)).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	t := r.PathPrefix("/api/v1/tenants/{tenantId}").Subrouter()
	t.Use(Auth(auth, log))
	t.HandleFunc("/reports/flash", s.flashReport).Methods(http.MethodGet)
	t.HandleFunc("/reports/daily", s.dailyReport).Methods(http.MethodGet)
	t.HandleFunc("/reports/{reportId}", s.getReport).Methods(http.MethodGet)

	return r
}

// reportWindow parses the report scope from the query string. terminalNo
// and openCounter are optional and narrow the window to one terminal or
// one session.
func reportWindow(qs map[string][]string) (repository.ReportWindow, error) {
	get := func(key string) string {
		if v := qs[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	w := repository.ReportWindow{
		StoreCode:    get("storeCode"),
		BusinessDate: get("businessDate"),
	}
	if v := get("terminalNo"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return w, apperr.Validation(
				apperr.Code(apperr.ServiceReport, 2, 4),
				"terminalNo must be a positive integer")
		}
		w.TerminalNo = n
	}
	if v := get("openCounter"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return w, apperr.Validation(
				apperr.Code(apperr.ServiceReport, 2, 5),
				"openCounter must be a positive integer")
		}
		w.OpenCounter = n
	}
	return w, nil
}

func (s *ReportServer) flashReport(w http.ResponseWriter, r *http.Request) {
	s.buildReport(w, r, "flashReport", s.reports.Flash)
}

func (s *ReportServer) dailyReport(w http.ResponseWriter, r *http.Request) {
	s.buildReport(w, r, "dailyReport", s.reports.Daily)
}

func (s *ReportServer) buildReport(w http.ResponseWriter, r *http.Request, op string,
	build func(ctx context.Context, tenantID string, w repository.ReportWindow) (*domain.SalesReport, error)) {
	tenantID := mux.Vars(r)["tenantId"]

	window, err := reportWindow(r.URL.Query())
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}

	rep, err := build(r.Context(), tenantID, window)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, rep)
}

func (s *ReportServer) getReport(w http.ResponseWriter, r *http.Request) {
	const op = "getReport"
	vars := mux.Vars(r)

	rep, err := s.reports.Get(r.Context(), vars["tenantId"], vars["reportId"])
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.ok(w, op, rep)
}
