package client

import (
	"errors"
	"fmt"
)

// ErrConnection marks failures to reach the server at all.
var ErrConnection = errors.New("connection failed")

// APIError is a non-2xx response decoded from its problem body.
type APIError struct {
	Status int               `json:"status"`
	Code   string            `json:"code"`
	Detail string            `json:"detail"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Detail)
}

// CodeOf returns the server error code carried by err, or "".
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// IsCode reports whether err is an APIError with one of codes.
func IsCode(err error, codes ...string) bool {
	c := CodeOf(err)
	if c == "" {
		return false
	}
	for _, want := range codes {
		if c == want {
			return true
		}
	}
	return false
}
