package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/vectornode/vectornode/pkg/errcode"
)

// MaxBodyBytes bounds JSON request bodies.
const MaxBodyBytes = 1 << 20

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON reads a single JSON object from the request body into v.
// Unknown fields are rejected.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return errcode.Newf(errcode.ValidationFailed, "request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return errcode.New(errcode.ValidationFailed, "request body is empty")
		default:
			return errcode.Wrap(errcode.ValidationFailed, fmt.Errorf("malformed JSON: %w", err))
		}
	}
	if dec.More() {
		return errcode.New(errcode.ValidationFailed, "request body must hold a single JSON object")
	}
	return nil
}

// Page is the pagination envelope of every list endpoint.
type Page[T any] struct {
	Items      []T `json:"items"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// Pagination defaults.
const (
	DefaultLimit = 20
	MaxLimit     = 100
	MaxPage      = math.MaxInt32 / MaxLimit
)

// ParsePage reads page and limit query parameters, clamped to sane bounds.
func ParsePage(r *http.Request) (page, limit int) {
	q := r.URL.Query()
	page, _ = strconv.Atoi(q.Get("page"))
	limit, _ = strconv.Atoi(q.Get("limit"))
	page = min(max(page, 1), MaxPage)
	if limit < 1 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)
	return page, limit
}

// NewPage builds the envelope. A nil items slice encodes as [].
func NewPage[T any](items []T, page, limit, total int) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Page[T]{Items: items, Page: page, Limit: limit, Total: total, TotalPages: pages}
}
