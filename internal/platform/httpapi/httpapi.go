// Package httpapi holds the small set of JSON request/response helpers
// shared by every chi-routed HTTP surface (Gateway, Session Router), so the
// error document shape (spec §6.1's {error, message, details}) and status
// mapping are written once instead of per process.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/r3e-network/dalston/internal/platform/apierr"
	"github.com/r3e-network/dalston/internal/platform/redact"
)

// WriteJSON encodes v as the response body with status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorDocument is the structured error body spec §6.1 describes.
type errorDocument struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteError renders err as a structured JSON error document at its mapped
// HTTP status, scrubbing anything secret-shaped before it leaves the
// process (spec §7's error propagation policy).
func WriteError(w http.ResponseWriter, err error) {
	status := apierr.HTTPStatus(err)
	doc := errorDocument{Error: "internal_error", Message: redact.String(err.Error())}
	if apiErr, ok := apierr.As(err); ok {
		doc.Error = string(apiErr.Code)
		doc.Message = redact.String(apiErr.Message)
		doc.Details = redact.Map(apiErr.Details)
	}
	WriteJSON(w, status, doc)
}

// DecodeJSON decodes the request body into v, returning an invalid-input
// apierr on malformed JSON.
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.InvalidInput("body", "malformed JSON request body")
	}
	return nil
}
