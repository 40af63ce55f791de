package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vectornode/vectornode/pkg/api"
	"github.com/vectornode/vectornode/pkg/artifacts"
	"github.com/vectornode/vectornode/pkg/checkpoint"
	"github.com/vectornode/vectornode/pkg/config"
	"github.com/vectornode/vectornode/pkg/dispute"
	"github.com/vectornode/vectornode/pkg/events"
	"github.com/vectornode/vectornode/pkg/identity"
	"github.com/vectornode/vectornode/pkg/liability"
	"github.com/vectornode/vectornode/pkg/limiter"
	"github.com/vectornode/vectornode/pkg/marketplace"
	"github.com/vectornode/vectornode/pkg/observability"
	"github.com/vectornode/vectornode/pkg/qrtoken"
	"github.com/vectornode/vectornode/pkg/server"
	"github.com/vectornode/vectornode/pkg/store"
)

// devQRSecret signs labels in development so they survive restarts of a
// lite-mode server. Validate refuses to start without QR_SECRET elsewhere.
const devQRSecret = "vectornode-development-label-secret"

func apiVersion() string { return server.APIVersion }

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app is the wired server.
type app struct {
	handler   http.Handler
	store     *store.Store
	ipLimiter *api.GlobalRateLimiter
	idem      *store.IdempotencyStore
	telemetry *observability.Provider
	closers   []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// build wires every subsystem from cfg. On error the partially built app
// is closed.
//
//nolint:gocognit,gocyclo
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	built := false
	defer func() {
		if !built {
			_ = a.Close()
		}
	}()

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	if err := st.Migrate(ctx); err != nil {
		return nil, err
	}
	log.Printf("[vectornode] store: %s", st.Dialect())

	var (
		tokenStore qrtoken.Store = st.Tokens()
		rateStore  limiter.Store = limiter.NewMemoryStore()
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		tokenStore = qrtoken.NewRedisStore(rdb)
		rateStore = limiter.NewRedisStore(rdb)
		log.Println("[vectornode] redis: connected")
	}

	qrSecret := cfg.QRSecret
	if qrSecret == "" {
		logger.Warn("QR_SECRET not set, using the development label secret")
		qrSecret = devQRSecret
	}
	issuer, err := qrtoken.NewIssuer([]byte(qrSecret))
	if err != nil {
		return nil, err
	}
	registry := qrtoken.NewRegistry(issuer, tokenStore)

	keys, err := keySet(cfg, logger)
	if err != nil {
		return nil, err
	}
	tokens := identity.NewTokenManager(keys)

	blobs, err := artifacts.NewStoreFromConfig(ctx, cfg.Artifacts)
	if err != nil {
		return nil, err
	}
	if c, ok := blobs.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	log.Printf("[vectornode] artifacts: %s", artifactKind(cfg.Artifacts.Type))

	pubs := events.Multi{events.NewLogPublisher(logger)}
	if cfg.KafkaBrokers != "" {
		pubs = append(pubs, events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic))
		log.Printf("[vectornode] kafka: %s", cfg.KafkaTopic)
	}
	a.closers = append(a.closers, pubs.Close)

	deadline := cfg.DisputeDeadline
	var assessor *liability.Assessor
	if cfg.RulesPath != "" {
		rules, as, err := config.LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		deadline, assessor = rules.Deadline(deadline), as
		log.Printf("[vectornode] rules: %s (%d liability rules)", rules.Name, len(rules.Liability))
	}

	a.telemetry, err = observability.New(ctx, &observability.Config{
		ServiceName:    "vectornode",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.telemetry.Shutdown(ctx)
	})

	market := marketplace.NewService(st, marketplace.Options{Tokens: registry, Publisher: pubs, Logger: logger})
	disputes := dispute.NewService(st, st, dispute.Options{
		Deadline:  deadline,
		Assessor:  assessor,
		Publisher: pubs,
		Ratings:   market,
		Logger:    logger,
	})
	qr := checkpoint.NewService(st, registry, checkpoint.Options{
		Artifacts:  blobs,
		Disputes:   disputes,
		Publisher:  pubs,
		Limiter:    rateStore,
		ScanPolicy: limiter.Policy{RPM: cfg.ScanRPM, Burst: max(cfg.ScanRPM/6, 1)},
		Logger:     logger,
	})

	a.ipLimiter = api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	a.idem = st.Idempotency(cfg.IdempotencyTTL)
	a.handler = server.NewRouter(server.Deps{
		Checkpoint:   qr,
		Disputes:     disputes,
		Marketplace:  market,
		Tokens:       tokens,
		IPLimiter:    a.ipLimiter,
		Limiter:      rateStore,
		ActorPolicy:  limiter.Policy{RPM: cfg.ActorRPM, Burst: max(cfg.ActorRPM/6, 1)},
		Idempotency:  a.idem,
		Telemetry:    a.telemetry,
		CORSOrigins:  cfg.CORSOrigins,
		Ready:        st.Ping,
		BuildVersion: version,
		Logger:       logger,
	})
	built = true
	return a, nil
}

func keySet(cfg *config.Config, logger *slog.Logger) (*identity.InMemoryKeySet, error) {
	if cfg.AuthSecret != "" {
		return identity.NewSeededKeySet([]byte(cfg.AuthSecret))
	}
	logger.Warn("AUTH_SECRET not set, access tokens will not survive a restart")
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return identity.NewSeededKeySet(secret)
}

func artifactKind(t artifacts.StoreType) string {
	if t == "" {
		return string(artifacts.StoreTypeFS)
	}
	return string(t)
}

// sweep purges expired idempotency records until ctx is done.
func sweep(ctx context.Context, idem *store.IdempotencyStore, every time.Duration, logger *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := idem.Cleanup(ctx)
			if err != nil {
				logger.WarnContext(ctx, "idempotency cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.DebugContext(ctx, "idempotency records purged", "count", n)
			}
		}
	}
}

func runServer(stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "%sVectorNode starting...%s\n", colorBold+colorBlue, colorReset)
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Invalid configuration:\n%v\n", err)
		return 2
	}
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	go a.ipLimiter.Run(ctx)
	go sweep(ctx, a.idem, time.Hour, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Health Server
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := a.store.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthSrv := &http.Server{Addr: ":" + cfg.HealthPort, Handler: healthMux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("[vectornode] health server: :%s", cfg.HealthPort)
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[vectornode] health server error: %v", err)
		}
	}()

	log.Printf("[vectornode] ready: http://localhost:%s", cfg.Port)
	log.Println("[vectornode] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	code := 0
	select {
	case <-sigChan:
	case err := <-errCh:
		logger.Error("api server failed", "error", err)
		code = 1
	}
	log.Println("[vectornode] shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	_ = healthSrv.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", "error", err)
		code = 1
	}
	cancel()
	return code
}
