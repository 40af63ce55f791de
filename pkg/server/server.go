// Package server assembles the VectorNode HTTP API: the chi router, the
// middleware chain and the handlers that adapt requests to the domain
// services.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vectornode/vectornode/pkg/api"
	"github.com/vectornode/vectornode/pkg/auth"
	"github.com/vectornode/vectornode/pkg/checkpoint"
	"github.com/vectornode/vectornode/pkg/dispute"
	"github.com/vectornode/vectornode/pkg/identity"
	"github.com/vectornode/vectornode/pkg/limiter"
	"github.com/vectornode/vectornode/pkg/marketplace"
	"github.com/vectornode/vectornode/pkg/observability"
)

// APIVersion is the wire contract version reported by /api/version.
const APIVersion = "1.4.0"

// Deps are the services and policies the router is built from. Nil
// optional members disable the matching middleware.
type Deps struct {
	Checkpoint  *checkpoint.Service
	Disputes    *dispute.Service
	Marketplace *marketplace.Service
	Tokens      *identity.TokenManager

	// optional
	IPLimiter   *api.GlobalRateLimiter
	Limiter     limiter.Store
	ActorPolicy limiter.Policy
	Idempotency api.IdempotencyStorer
	Telemetry   *observability.Provider
	CORSOrigins []string
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error

	MaxUploadBytes int64
	BuildVersion   string
	Logger         *slog.Logger
}

// Server holds the handlers' dependencies.
type Server struct {
	qr        *checkpoint.Service
	disputes  *dispute.Service
	market    *marketplace.Service
	telemetry *observability.Provider
	ready     func(ctx context.Context) error
	maxUpload int64
	version   string
	logger    *slog.Logger
}

// NewRouter builds the API handler.
func NewRouter(d Deps) http.Handler {
	s := &Server{
		qr:        d.Checkpoint,
		disputes:  d.Disputes,
		market:    d.Marketplace,
		telemetry: d.Telemetry,
		ready:     d.Ready,
		maxUpload: d.MaxUploadBytes,
		version:   d.BuildVersion,
		logger:    d.Logger,
	}
	if s.maxUpload <= 0 {
		s.maxUpload = checkpoint.DefaultMaxUploadBytes
	}
	if s.version == "" {
		s.version = "dev"
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "api")

	r := chi.NewRouter()
	r.Use(auth.RequestIDMiddleware)
	r.Use(auth.CORSMiddleware(d.CORSOrigins))
	if d.IPLimiter != nil {
		r.Use(d.IPLimiter.Middleware)
	}
	r.Use(auth.NewMiddleware(d.Tokens))
	if d.Limiter != nil {
		r.Use(auth.RateLimitMiddleware(d.Limiter, d.ActorPolicy))
	}
	r.Use(api.IdempotencyMiddleware(d.Idempotency, userScope))
	if d.Telemetry != nil {
		r.Use(d.Telemetry.Middleware(routePattern))
	}
	r.Use(s.recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) { api.WriteNotFound(w, "No such endpoint") })
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) { api.WriteMethodNotAllowed(w) })

	r.Get("/health", s.handleHealth)
	r.Get("/api/version", s.handleVersion)

	r.Route("/api/qr", func(r chi.Router) {
		r.Get("/token/{token}", s.handleResolveToken)
		r.Get("/token/{token}/actions", s.handleActions)
		r.Post("/scan", s.handleScan)
		r.Post("/photo", s.handleAttachPhoto)
		r.Post("/signature", s.handleAttachSignature)
	})
	r.Get("/api/units/{id}/history", s.handleUnitHistory)

	r.Route("/api/disputes", func(r chi.Router) {
		r.Get("/", s.handleListDisputes)
		r.Post("/", s.handleCreateDispute)
		r.Post("/photos", s.handleDisputePhoto)
		r.Get("/my", s.handleMyDisputes)
		r.With(auth.RequireRole(auth.RoleAdmin)).Get("/all", s.handleAllDisputes)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetDispute)
			r.Get("/comments", s.handleComments)
			r.Post("/comments", s.handleAddComment)
			r.Patch("/status", s.handleAdvanceDispute)
			r.Post("/resolve", s.handleResolveDispute)
		})
	})

	r.Route("/api/shipments", func(r chi.Router) {
		r.Get("/", s.handleListShipments)
		r.Post("/", s.handlePostShipment)
		r.Get("/{id}", s.handleGetShipment)
		r.Delete("/{id}", s.handleDeleteShipment)
		r.Get("/{id}/bids", s.handleListBids)
		r.Post("/{id}/bids", s.handlePlaceBid)
	})
	r.Post("/api/bids/{id}/accept", s.handleAcceptBid)

	r.Route("/api/carriers", func(r chi.Router) {
		r.Get("/", s.handleListCarriers)
		r.Post("/", s.handleCreateCarrier)
		r.Get("/{id}", s.handleGetCarrier)
		r.Put("/{id}", s.handleUpdateCarrier)
		r.Get("/{id}/vehicles", s.handleListVehicles)
		r.Post("/{id}/vehicles", s.handleAddVehicle)
		r.Delete("/{id}/vehicles/{vehicleID}", s.handleRemoveVehicle)
		r.Get("/{id}/drivers", s.handleListDrivers)
		r.Post("/{id}/drivers", s.handleAddDriver)
		r.Delete("/{id}/drivers/{driverID}", s.handleRemoveDriver)
	})

	r.Route("/api/warehouses", func(r chi.Router) {
		r.Get("/", s.handleListWarehouses)
		r.Post("/", s.handleCreateWarehouse)
		r.Get("/{id}", s.handleGetWarehouse)
		r.Put("/{id}", s.handleUpdateWarehouse)
		r.Delete("/{id}", s.handleDeleteWarehouse)
	})

	return r
}

// userScope namespaces idempotency keys by caller.
func userScope(r *http.Request) string {
	if p, err := auth.GetPrincipal(r.Context()); err == nil {
		return p.GetID()
	}
	return "anonymous"
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.ErrorContext(r.Context(), "handler panic", "path", r.URL.Path, "panic", rec)
				api.WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred.")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// principal returns the authenticated caller. Routes behind the auth
// middleware always carry one.
func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "")
		return nil, false
	}
	return p, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.WarnContext(r.Context(), "readiness check failed", "error", err)
			api.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// VersionInfo is the body of /api/version.
type VersionInfo struct {
	Version string `json:"version"`
	Build   string `json:"build"`
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, VersionInfo{Version: APIVersion, Build: s.version})
}
