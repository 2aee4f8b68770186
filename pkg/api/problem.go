// Package api exposes the connector over HTTP: the dataspace protocol
// endpoints counter-parties call and the management endpoints operators use.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/policy"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
)

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://dataspace-connector.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteInternal logs err and answers 500 without exposing it.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteFailure maps a service error onto a response. A lease held by a
// worker answers 503 so remote senders classify it as retryable.
func WriteFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case result.IsLeased(err):
		w.Header().Set("Retry-After", "1")
		WriteError(w, r, http.StatusServiceUnavailable, "Service Unavailable", err.Error())
	case result.IsNotFound(err):
		WriteError(w, r, http.StatusNotFound, "Not Found", err.Error())
	case result.IsConflict(err):
		WriteError(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, result.ErrInvalid):
		WriteError(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	case policy.IsDenied(err):
		WriteError(w, r, http.StatusForbidden, "Forbidden", err.Error())
	default:
		WriteInternal(w, r, err)
	}
}

// WriteJSON encodes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const maxBodySize = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
