// Package api exposes the approval control surface over HTTP: listing and
// reading recommendations, the approve/reject/defer decisions, receipts, and
// health. All error responses are RFC 7807 Problem Details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lodestar-ops/lodestar/pkg/envelope"
)

// ProblemDetail implements RFC 7807. CurrentStatus is an extension member
// set on decision conflicts so clients learn the state they lost to without
// a second request.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CurrentStatus string `json:"current_status,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://lodestar-ops.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteBadRequest writes a 400 response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 carrying the recommendation's current status.
func WriteConflict(w http.ResponseWriter, detail, currentStatus string) {
	writeProblem(w, &ProblemDetail{
		Type:          fmt.Sprintf("https://lodestar-ops.dev/errors/%d", http.StatusConflict),
		Title:         "Conflict",
		Status:        http.StatusConflict,
		Detail:        detail,
		CurrentStatus: currentStatus,
	})
}

// WriteUnprocessable writes a 422 response for requests that parse but
// violate a domain rule, like a defer past the SLA deadline.
func WriteUnprocessable(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusUnprocessableEntity, "Unprocessable Entity", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. The error is logged, never exposed.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}

// writeDomainError maps the shared error taxonomy onto HTTP statuses.
// currentStatus enriches conflicts; pass "" when unknown.
func writeDomainError(w http.ResponseWriter, err error, currentStatus string) {
	switch {
	case errors.Is(err, envelope.ErrNotFound):
		WriteNotFound(w, "No such recommendation")
	case errors.Is(err, envelope.ErrConflict):
		WriteConflict(w, err.Error(), currentStatus)
	case errors.Is(err, envelope.ErrInvalid):
		WriteUnprocessable(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}
