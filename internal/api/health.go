package api

import (
	"context"
	"net/http"
	"time"

	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
)

// HealthCheck probes one dependency. Check must honour the context
// deadline.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type healthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthHandler reports dependency reachability: 200 when every probe
// passes inside the timeout, 503 otherwise.
func HealthHandler(checks []HealthCheck, timeout time.Duration, log *logger.Logger) http.HandlerFunc {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	rs := &responder{log: log}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		st := healthStatus{Status: "ok", Checks: map[string]string{}}
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				st.Status = "degraded"
				st.Checks[c.Name] = err.Error()
			} else {
				st.Checks[c.Name] = "ok"
			}
		}

		status := http.StatusOK
		if st.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		rs.write(w, status, Envelope{
			Success:   st.Status == "ok",
			Message:   st.Status,
			Data:      st,
			Operation: "health",
		})
	}
}
