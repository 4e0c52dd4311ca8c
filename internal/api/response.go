// Package api assembles the HTTP surface of the three daemons: routers,
// middleware and the uniform response envelope.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/apperr"
	"github.com/kugel-masa/kugelpos-backend-sub003/pkg/logger"
)

// Envelope is the body of every API response.
type Envelope struct {
	Success     bool        `json:"success"`
	Code        int         `json:"code"`
	Message     string      `json:"message"`
	UserMessage string      `json:"userMessage,omitempty"`
	Data        interface{} `json:"data,omitempty"`
	Metadata    interface{} `json:"metadata,omitempty"`
	Operation   string      `json:"operation"`
}

// ListMetadata accompanies paginated collections.
type ListMetadata struct {
	Limit int64 `json:"limit,omitempty"`
	Page  int64 `json:"page,omitempty"`
	Count int   `json:"count"`
}

type responder struct {
	log *logger.Logger
}

func (rs *responder) write(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// ok responds 200 with data.
func (rs *responder) ok(w http.ResponseWriter, operation string, data interface{}) {
	rs.okMeta(w, http.StatusOK, operation, data, nil)
}

// created responds 201 with data.
func (rs *responder) created(w http.ResponseWriter, operation string, data interface{}) {
	rs.okMeta(w, http.StatusCreated, operation, data, nil)
}

func (rs *responder) okMeta(w http.ResponseWriter, status int, operation string, data, metadata interface{}) {
	rs.write(w, status, Envelope{
		Success:   true,
		Message:   "ok",
		Data:      data,
		Metadata:  metadata,
		Operation: operation,
	})
}

// fail maps an error chain onto the envelope and its transport status.
func (rs *responder) fail(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rs.log.New(r.Context()).Error("Request failed",
			"operation", operation, "path", r.URL.Path, "error", err)
	}
	rs.write(w, status, Envelope{
		Success:     false,
		Code:        apperr.CodeOf(err),
		Message:     err.Error(),
		UserMessage: apperr.UserMessageOf(err),
		Operation:   operation,
	})
}

// decode reads a JSON request body into dst.
func decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation(
			apperr.Code(apperr.ServiceShared, 1, 1),
			"malformed request body: "+err.Error()).
			WithUser("the request body could not be read")
	}
	return nil
}
