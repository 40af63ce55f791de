// Package api holds the HTTP plumbing shared by every VectorNode handler:
// RFC 7807 problem responses, JSON helpers, pagination, per-IP rate limiting
// and idempotent replay.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vectornode/vectornode/pkg/errcode"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs), extended
// with the stable error code clients branch on.
type ProblemDetail struct {
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Status   int               `json:"status"`
	Code     string            `json:"code,omitempty"`
	Detail   string            `json:"detail,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Instance string            `json:"instance,omitempty"`
	// TraceID echoes X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(status int) string {
	return fmt.Sprintf("https://vectornode.dev/errors/%d", status)
}

func write(w http.ResponseWriter, p *ProblemDetail) {
	if p.TraceID == "" {
		p.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	write(w, &ProblemDetail{Type: problemType(status), Title: title, Status: status, Detail: detail})
}

// WriteErr writes err as a problem. Errors carrying an errcode keep their code
// and status; anything else is logged and reported as a bare 500.
func WriteErr(w http.ResponseWriter, r *http.Request, err error) {
	var e *errcode.Error
	if !errors.As(err, &e) || e.Code == errcode.Internal {
		slog.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
		write(w, &ProblemDetail{
			Type:     problemType(http.StatusInternalServerError),
			Title:    "Internal Server Error",
			Status:   http.StatusInternalServerError,
			Code:     errcode.Internal,
			Detail:   "An unexpected error occurred. Please try again later.",
			Instance: r.URL.Path,
		})
		return
	}
	status := e.Status()
	if e.Code == errcode.RateLimited {
		w.Header().Set("Retry-After", "1")
	}
	write(w, &ProblemDetail{
		Type:     problemType(status),
		Title:    http.StatusText(status),
		Status:   status,
		Code:     e.Code,
		Detail:   e.Detail,
		Fields:   e.Fields,
		Instance: r.URL.Path,
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	write(w, &ProblemDetail{
		Type: problemType(http.StatusBadRequest), Title: "Bad Request",
		Status: http.StatusBadRequest, Code: errcode.ValidationFailed, Detail: detail,
	})
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	write(w, &ProblemDetail{
		Type: problemType(http.StatusUnauthorized), Title: "Unauthorized",
		Status: http.StatusUnauthorized, Code: errcode.Unauthorized, Detail: detail,
	})
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	write(w, &ProblemDetail{
		Type: problemType(http.StatusForbidden), Title: "Forbidden",
		Status: http.StatusForbidden, Code: errcode.UnauthorizedRole, Detail: detail,
	})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	write(w, &ProblemDetail{
		Type: problemType(http.StatusNotFound), Title: "Not Found",
		Status: http.StatusNotFound, Code: errcode.NotFound, Detail: detail,
	})
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	write(w, &ProblemDetail{
		Type: problemType(http.StatusTooManyRequests), Title: "Too Many Requests",
		Status: http.StatusTooManyRequests, Code: errcode.RateLimited,
		Detail: "Rate limit exceeded. Retry after the specified interval.",
	})
}
