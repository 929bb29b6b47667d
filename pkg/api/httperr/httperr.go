// Package httperr writes RFC 7807 problem responses. Every error body
// carries a machine-readable code alongside the human-readable detail,
// and internal errors are logged server-side but never leak to clients.
package httperr

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/logging"
)

const typeBase = "https://github.com/ryansmccoy/py-sec-edgar-sub002/errors/"

// Problem is an RFC 7807 problem detail extended with a stable code.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Code     string `json:"code"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface so handlers can bubble problems.
func (p *Problem) Error() string {
	return p.Code + ": " + p.Detail
}

// Write renders one problem response. The code is the machine-readable
// identifier clients branch on; detail is for humans.
func Write(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	p := &Problem{
		Type:   typeBase + code,
		Title:  http.StatusText(status),
		Status: status,
		Code:   code,
		Detail: detail,
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// BadRequest writes a 400 with code bad_request.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	Write(w, r, http.StatusBadRequest, "bad_request", detail)
}

// InvalidFilter writes a 400 for an unusable query filter.
func InvalidFilter(w http.ResponseWriter, r *http.Request, detail string) {
	Write(w, r, http.StatusBadRequest, "invalid_filter", detail)
}

// NotFound writes a 404 with code not_found.
func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	Write(w, r, http.StatusNotFound, "not_found", detail)
}

// Unprocessable writes a 422; the caller names the code (e.g. ambiguous).
func Unprocessable(w http.ResponseWriter, r *http.Request, code, detail string) {
	Write(w, r, http.StatusUnprocessableEntity, code, detail)
}

// OutOfRange writes a 416 for a window outside the addressed content.
func OutOfRange(w http.ResponseWriter, r *http.Request, detail string) {
	Write(w, r, http.StatusRequestedRangeNotSatisfiable, "out_of_range", detail)
}

// Internal writes a 500. err is logged and never exposed to the client.
func Internal(w http.ResponseWriter, r *http.Request, err error) {
	path := ""
	if r != nil {
		path = r.URL.Path
	}
	logging.Component("httperr").Error("request failed",
		zap.String("path", path), zap.Error(err))
	Write(w, r, http.StatusInternalServerError, "internal", "an unexpected error occurred")
}
