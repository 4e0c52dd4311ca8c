package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/config"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/domain"
	"github.com/kugel-masa/kugelpos-backend-sub003/internal/repository"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

// JournalService is the audit-trail search surface.
type JournalService interface {
	Search(ctx context.Context, tenantID string, q repository.EntryQuery) ([]*domain.JournalEntry, error)
}

// ArchiveService exports one store's business date to object storage.
type ArchiveService interface {
	Archive(ctx context.Context, tenantID, storeCode, businessDate string) (*repository.ArchiveRecord, error)
}

// JournalServer is the journald HTTP surface.
type JournalServer struct {
	journals JournalService
	archiver ArchiveService
	rs       *responder
}

// NewJournalRouter assembles the journald router.
func NewJournalRouter(journals JournalService, archiver ArchiveService, auth config.AuthConfig, checks []HealthCheck, log *logger.Logger, m *metrics.Metrics) *mux.Router {
	s := &JournalServer{
		journals: journals,
		archiver: archiver,
		rs:       &responder{log: log},
	}

	r := mux.NewRouter()
	r.Use(Recovery(log), RequestLog(log), Instrument(m))
	r.HandleFunc("/health", HealthHandler(checks, 3*time.Second, log)).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	t := r.PathPrefix("/api/v1/tenants/{tenantId}").Subrouter()
	t.Use(Auth(auth, log))
	t.HandleFunc("/journals", s.searchJournals).Methods(http.MethodGet)
	t.HandleFunc("/journals/archive", s.archiveJournals).Methods(http.MethodPost)

	return r
}

func (s *JournalServer) searchJournals(w http.ResponseWriter, r *http.Request) {
	const op = "searchJournals"
	tenantID := mux.Vars(r)["tenantId"]
	qs := r.URL.Query()

	q := repository.EntryQuery{
		StoreCode:        qs.Get("storeCode"),
		BusinessDateFrom: qs.Get("businessDateFrom"),
		BusinessDateTo:   qs.Get("businessDateTo"),
		Keyword:          qs.Get("keyword"),
	}
	if v := qs.Get("terminalNo"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.rs.fail(w, r, op, apperr.Validation(
				apperr.Code(apperr.ServiceJournal, 2, 3),
				"terminalNo must be a positive integer"))
			return
		}
		q.TerminalNo = n
	}
	if v := qs.Get("transactionTypes"); v != "" {
		for _, part := range strings.Split(v, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				s.rs.fail(w, r, op, apperr.Validation(
					apperr.Code(apperr.ServiceJournal, 2, 4),
					"transactionTypes must be a comma-separated list of integers"))
				return
			}
			q.TransactionTypes = append(q.TransactionTypes, n)
		}
	}
	limit, page := pageParams(qs.Get("limit"), qs.Get("page"))
	q.Limit, q.Page = int64(limit), int64(page)

	out, err := s.journals.Search(r.Context(), tenantID, q)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.okMeta(w, http.StatusOK, op, out, ListMetadata{Limit: q.Limit, Page: q.Page, Count: len(out)})
}

func (s *JournalServer) archiveJournals(w http.ResponseWriter, r *http.Request) {
	const op = "archiveJournals"
	tenantID := mux.Vars(r)["tenantId"]

	var body struct {
		StoreCode    string `json:"storeCode"`
		BusinessDate string `json:"businessDate"`
	}
	if err := decode(r, &body); err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	if body.StoreCode == "" {
		s.rs.fail(w, r, op, apperr.Validation(
			apperr.Code(apperr.ServiceJournal, 3, 4),
			"storeCode is required"))
		return
	}

	rec, err := s.archiver.Archive(r.Context(), tenantID, body.StoreCode, body.BusinessDate)
	if err != nil {
		s.rs.fail(w, r, op, err)
		return
	}
	s.rs.created(w, op, rec)
}
