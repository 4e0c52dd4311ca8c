package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/kugel-masa/kugelpos-backend-sub003/internal/config"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/metrics"
)

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Recovery turns a handler panic into a 500 envelope instead of a dropped
// connection.
func Recovery(log *logger.Logger) mux.MiddlewareFunc {
	rs := &responder{log: log}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.New(r.Context()).Error("Handler panicked",
						"path", r.URL.Path, "panic", fmt.Sprintf("%v", rec))
					rs.fail(w, r, "panic", apperr.Internal(
						fmt.Errorf("%v", rec),
						apperr.Code(apperr.ServiceShared, 1, 2),
						"internal error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLog logs one line per request with route, status and latency.
func RequestLog(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)
			log.New(r.Context()).Info("Request handled",
				"method", r.Method, "path", r.URL.Path,
				"status", sr.status, "duration_ms", time.Since(start).Milliseconds())
		})
	}
}

// Instrument records the request histogram and in-flight gauge. The route
// template keeps the label cardinality bounded.
func Instrument(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			m.HTTPInFlight.Inc()
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)
			m.HTTPInFlight.Dec()
			m.HTTPDuration.
				WithLabelValues(route, r.Method, strconv.Itoa(sr.status)).
				Observe(time.Since(start).Seconds())
		})
	}
}

// Auth accepts either a bearer JWT whose tenantId claim matches the path
// tenant, or a terminal API key checked against the configured bcrypt
// hash. The API key path requires the terminalId query parameter so the
// key is always used in a terminal's name.
func Auth(cfg config.AuthConfig, log *logger.Logger) mux.MiddlewareFunc {
	rs := &responder{log: log}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := authorize(cfg, r); err != nil {
				rs.fail(w, r, "authenticate", err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authorize(cfg config.AuthConfig, r *http.Request) error {
	tenantID := mux.Vars(r)["tenantId"]

	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return authorizeJWT(cfg.JWTSecret, auth[7:], tenantID)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return authorizeAPIKey(cfg.APIKeyHash, key, r.URL.Query().Get("terminalId"))
	}
	return apperr.Unauthorized(
		apperr.Code(apperr.ServiceShared, 2, 1),
		"missing credentials").
		WithUser("authentication required")
}

func authorizeJWT(secret, tokenString, tenantID string) error {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return apperr.Unauthorized(
			apperr.Code(apperr.ServiceShared, 2, 2),
			"invalid token").
			WithUser("authentication failed")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return apperr.Unauthorized(
			apperr.Code(apperr.ServiceShared, 2, 2),
			"invalid token claims").
			WithUser("authentication failed")
	}
	claimTenant, _ := claims["tenantId"].(string)
	if tenantID != "" && claimTenant != tenantID {
		return apperr.Forbidden(
			apperr.Code(apperr.ServiceShared, 2, 3),
			"token tenant does not match request tenant").
			WithUser("access denied")
	}
	return nil
}

func authorizeAPIKey(hash, key, terminalID string) error {
	if hash == "" {
		return apperr.Unauthorized(
			apperr.Code(apperr.ServiceShared, 2, 4),
			"api key authentication not configured").
			WithUser("authentication failed")
	}
	if terminalID == "" {
		return apperr.Unauthorized(
			apperr.Code(apperr.ServiceShared, 2, 5),
			"api key requests require the terminalId query parameter").
			WithUser("authentication failed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return apperr.Unauthorized(
			apperr.Code(apperr.ServiceShared, 2, 6),
			"invalid api key").
			WithUser("authentication failed")
	}
	return nil
}
