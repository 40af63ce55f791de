package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectornode/vectornode/pkg/errcode"
)

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestWriteErr(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"domain code", errcode.New(errcode.DeadlineExpired, "window closed"), http.StatusUnprocessableEntity, errcode.DeadlineExpired},
		{"wrapped", fmt.Errorf("scan: %w", errcode.New(errcode.TokenAlreadyUsed, "used")), http.StatusConflict, errcode.TokenAlreadyUsed},
		{"expired label", errcode.New(errcode.QRExpired, "delivered"), http.StatusGone, errcode.QRExpired},
		{"plain error", errors.New("db exploded"), http.StatusInternalServerError, errcode.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rec.Header().Set("X-Request-ID", "req-42")
			WriteErr(rec, httptest.NewRequest(http.MethodGet, "/api/qr/scan", nil), tt.err)
			assert.Equal(t, tt.status, rec.Code)
			p := decodeProblem(t, rec)
			assert.Equal(t, tt.code, p.Code)
			assert.Equal(t, "req-42", p.TraceID)
			assert.Equal(t, "/api/qr/scan", p.Instance)
			assert.NotContains(t, p.Detail, "exploded")
		})
	}
}

func TestWriteErr_Fields(t *testing.T) {
	rec := httptest.NewRecorder()
	err := &errcode.Error{Code: errcode.ValidationFailed, Detail: "invalid request", Fields: map[string]string{"origin": "is required"}}
	WriteErr(rec, httptest.NewRequest(http.MethodPost, "/api/shipments", nil), err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "is required", decodeProblem(t, rec).Fields["origin"])
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"ok", `{"name":"x"}`, false},
		{"unknown field", `{"name":"x","extra":1}`, true},
		{"empty", ``, true},
		{"two objects", `{"name":"a"}{"name":"b"}`, true},
		{"too large", `{"name":"` + strings.Repeat("a", MaxBodyBytes) + `"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b body
			err := DecodeJSON(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.payload)), &b)
			if tt.wantErr {
				assert.True(t, errcode.Has(err, errcode.ValidationFailed), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "x", b.Name)
		})
	}
}

func TestPagination(t *testing.T) {
	page, limit := ParsePage(httptest.NewRequest(http.MethodGet, "/?page=0&limit=500", nil))
	assert.Equal(t, 1, page)
	assert.Equal(t, MaxLimit, limit)
	page, limit = ParsePage(httptest.NewRequest(http.MethodGet, "/?page=3", nil))
	assert.Equal(t, 3, page)
	assert.Equal(t, DefaultLimit, limit)
	page, _ = ParsePage(httptest.NewRequest(http.MethodGet, "/?page=9223372036854775807", nil))
	assert.Equal(t, MaxPage, page)

	p := NewPage[string](nil, 2, 10, 21)
	assert.Equal(t, 3, p.TotalPages)
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[],"page":2,"limit":10,"total":21,"total_pages":3}`, string(raw))
	assert.Equal(t, 0, NewPage([]int{}, 1, 10, 0).TotalPages)
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewGlobalRateLimiter(1, 2)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do("10.0.0.1:5000").Code, "within burst")
	}
	rec := do("10.0.0.1:5001")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, errcode.RateLimited, decodeProblem(t, rec).Code)

	assert.Equal(t, http.StatusOK, do("[::1]:80").Code, "other clients are unaffected")

	limiter.evict(time.Now().Add(visitorTTL + time.Second))
	assert.Empty(t, limiter.visitors)
}

func TestIdempotencyMiddleware(t *testing.T) {
	var calls int32
	store := NewIdempotencyStore(time.Minute)
	scope := func(r *http.Request) string { return r.Header.Get("X-User") }
	handler := IdempotencyMiddleware(store, scope)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if r.URL.Path == "/fail" {
			WriteBadRequest(w, "nope")
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]int32{"n": n})
	}))

	do := func(method, path, user, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("X-User", user)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := do(http.MethodPost, "/api/qr/scan", "u1", "k")
	replay := do(http.MethodPost, "/api/qr/scan", "u1", "k")
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.JSONEq(t, first.Body.String(), replay.Body.String())
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replay"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	do(http.MethodPost, "/api/qr/scan", "u2", "k")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "keys are scoped per user")

	do(http.MethodGet, "/api/qr/scan", "u1", "k")
	do(http.MethodPost, "/api/qr/scan", "u1", "")
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))

	do(http.MethodPost, "/fail", "u1", "f")
	do(http.MethodPost, "/fail", "u1", "f")
	assert.Equal(t, int32(6), atomic.LoadInt32(&calls), "failures are not cached")

	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, ok := store.Check(context.Background(), "u1:POST:/api/qr/scan:k")
	assert.False(t, ok)
}
