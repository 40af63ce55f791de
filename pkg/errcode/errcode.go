// Package errcode defines the stable error codes the VectorNode API returns to
// clients. A code travels inside an *Error; the HTTP layer turns it into an
// RFC 7807 problem with a "code" member.
package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes. Clients match on these strings, never on detail text.
const (
	InvalidQRToken           = "INVALID_QR_TOKEN"
	Invalid                  = "INVALID"
	TokenAlreadyUsed         = "TOKEN_ALREADY_USED"
	QRExpired                = "QR_EXPIRED"
	UnauthorizedRole         = "UNAUTHORIZED_ROLE"
	InvalidTransition        = "INVALID_TRANSITION"
	ScanConflict             = "SCAN_CONFLICT"
	MissingPhotos            = "MISSING_PHOTOS"
	MissingDamageDescription = "MISSING_DAMAGE_DESCRIPTION"
	MissingRecipient         = "MISSING_RECIPIENT"
	MissingSignature         = "MISSING_SIGNATURE"
	InvalidQuantity          = "INVALID_QUANTITY"
	DeadlineExpired          = "DEADLINE_EXPIRED"
	DisputeExists            = "DISPUTE_EXISTS"
	NoPhotos                 = "NO_PHOTOS"
	MissingDescription       = "MISSING_DESCRIPTION"
	DisputeResolved          = "DISPUTE_RESOLVED"
	CommentsLocked           = "COMMENTS_LOCKED"
	EvidenceFrozen           = "EVIDENCE_FROZEN"
	InvalidLiability         = "INVALID_LIABILITY"
	NotFound                 = "NOT_FOUND"
	Conflict                 = "CONFLICT"
	ValidationFailed         = "VALIDATION_FAILED"
	RateLimited              = "RATE_LIMITED"
	Unauthorized             = "UNAUTHORIZED"
	Forbidden                = "FORBIDDEN"
	Internal                 = "INTERNAL"
)

var statusByCode = map[string]int{
	InvalidQRToken:           http.StatusNotFound,
	Invalid:                  http.StatusNotFound,
	TokenAlreadyUsed:         http.StatusConflict,
	QRExpired:                http.StatusGone,
	UnauthorizedRole:         http.StatusForbidden,
	InvalidTransition:        http.StatusConflict,
	ScanConflict:             http.StatusConflict,
	MissingPhotos:            http.StatusUnprocessableEntity,
	MissingDamageDescription: http.StatusUnprocessableEntity,
	MissingRecipient:         http.StatusUnprocessableEntity,
	MissingSignature:         http.StatusUnprocessableEntity,
	InvalidQuantity:          http.StatusUnprocessableEntity,
	DeadlineExpired:          http.StatusUnprocessableEntity,
	DisputeExists:            http.StatusConflict,
	NoPhotos:                 http.StatusUnprocessableEntity,
	MissingDescription:       http.StatusUnprocessableEntity,
	DisputeResolved:          http.StatusConflict,
	CommentsLocked:           http.StatusConflict,
	EvidenceFrozen:           http.StatusConflict,
	InvalidLiability:         http.StatusUnprocessableEntity,
	NotFound:                 http.StatusNotFound,
	Conflict:                 http.StatusConflict,
	ValidationFailed:         http.StatusBadRequest,
	RateLimited:              http.StatusTooManyRequests,
	Unauthorized:             http.StatusUnauthorized,
	Forbidden:                http.StatusForbidden,
	Internal:                 http.StatusInternalServerError,
}

// Error is a domain error carrying a stable code.
type Error struct {
	Code   string
	Detail string
	// Fields holds per-field validation messages, if any.
	Fields map[string]string
	cause  error
}

// New creates an Error with the given code and detail.
func New(code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Newf creates an Error with a formatted detail.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Detail: err.Error(), cause: err}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same code, so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Status returns the HTTP status associated with the code.
func (e *Error) Status() int {
	return StatusFor(e.Code)
}

// StatusFor maps a code to its HTTP status. Unknown codes map to 500.
func StatusFor(code string) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// CodeOf extracts the code from err, or "" if err carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Has reports whether err carries the given code.
func Has(err error, code string) bool {
	return CodeOf(err) == code
}
