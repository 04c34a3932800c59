package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/masud80/healthcare-emr-sub001/internal/config"
	"github.com/masud80/healthcare-emr-sub001/internal/domain/patient"
	"github.com/masud80/healthcare-emr-sub001/internal/domain/sharing"
	"github.com/masud80/healthcare-emr-sub001/internal/platform/auth"
	"github.com/masud80/healthcare-emr-sub001/internal/platform/db"
	"github.com/masud80/healthcare-emr-sub001/internal/platform/middleware"
	"github.com/masud80/healthcare-emr-sub001/internal/platform/ratelimit"
)

const version = "0.1.0"

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open backends")
	}
	defer b.Close()

	if b.rateMemory != nil {
		b.rateMemory.StartJanitor(ctx, cfg.RateLimitWindow, 2*cfg.RateLimitWindow)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if b.pool != nil {
		db.RegisterPoolMetrics(reg, b.pool)
	}

	limiter, err := ratelimit.NewLimiter(b.rateStore, ratelimit.Config{
		Limit:     cfg.RateLimitMax,
		Window:    cfg.RateLimitWindow,
		Algorithm: ratelimit.Algorithm(cfg.RateLimitAlgorithm),
	}, ratelimit.WithMetrics(ratelimit.NewMetrics(reg), cfg.RateLimitBackend))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create rate limiter")
	}

	e := newServer(serverDeps{
		cfg:      cfg,
		logger:   logger,
		keys:     auth.NewAPIKeyManager(b.keys),
		limiter:  limiter,
		patients: b.patients,
		shares:   b.shares,
		audit:    b.audit,
		checks:   b.checks,
		registry: reg,
	})

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).
			Str("store", cfg.StoreBackend).
			Str("rate_limit_backend", cfg.RateLimitBackend).
			Str("rate_limit_algorithm", cfg.RateLimitAlgorithm).
			Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

type serverDeps struct {
	cfg      *config.Config
	logger   zerolog.Logger
	keys     *auth.APIKeyManager
	limiter  *ratelimit.Limiter
	patients patient.Repository
	shares   sharing.Repository
	audit    middleware.AuditRecorder
	checks   map[string]func(ctx context.Context) error
	registry *prometheus.Registry
}

func newServer(d serverDeps) *echo.Echo {
	cfg, logger := d.cfg, d.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.HeaderAPIKey, sharing.HeaderShareToken},
		ExposeHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	if d.registry != nil {
		e.Use(middleware.Metrics(middleware.NewHTTPMetrics(d.registry)))
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))
	}

	e.GET("/external/health", healthHandler(d.checks))

	patientSvc := patient.NewService(d.patients)
	shareHandler := sharing.NewHandler(sharing.NewService(d.shares, patientSvc, cfg.ShareTTL))

	// Key-authenticated external API. Audit runs outermost so rejected
	// calls are recorded with their final status.
	ext := e.Group("/external",
		middleware.Audit(logger, d.audit),
		auth.APIKeyMiddleware(d.keys),
		middleware.RateLimit(d.limiter, logger, cfg.RateLimitFailOpen),
		middleware.RequestTimeout(cfg.RequestTimeout),
	)
	patient.NewHandler(patientSvc).RegisterRoutes(ext)
	shareHandler.RegisterRoutes(ext)

	// Share recipients have no API key; they are limited by IP.
	pub := e.Group("/external",
		middleware.Audit(logger, d.audit),
		middleware.RateLimit(d.limiter, logger, cfg.RateLimitFailOpen),
		middleware.RequestTimeout(cfg.RequestTimeout),
	)
	shareHandler.RegisterPublicRoutes(pub)

	adminGroup := e.Group("/admin", adminAuth(cfg), auth.RequireRole("admin"))
	auth.NewAPIKeyHandler(d.keys).RegisterRoutes(adminGroup.Group("/api-keys"))
	adminGroup.DELETE("/rate-limits/:key", resetRateLimitHandler(d.limiter, logger))

	return e
}

func adminAuth(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" && cfg.IsDev() {
		return auth.DevAuthMiddleware()
	}
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jwtCfg)
}

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// healthHandler runs every check with a short deadline. Any failure makes
// the service report 503.
func healthHandler(checks map[string]func(ctx context.Context) error) echo.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Version: version, Checks: make(map[string]string, len(names))}
		code := http.StatusOK
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				resp.Checks[name] = "unavailable"
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		return c.JSON(code, resp)
	}
}

type rateLimitResetter interface {
	Reset(ctx context.Context, key string) error
}

func resetRateLimitHandler(l rateLimitResetter, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Param("key")
		if key == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "rate limit key is required")
		}
		if err := l.Reset(c.Request().Context(), key); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to reset rate limit").SetInternal(err)
		}
		logger.Info().
			Str("rate_limit_key", key).
			Str("user_id", auth.UserIDFromContext(c.Request().Context())).
			Msg("rate limit reset")
		return c.NoContent(http.StatusNoContent)
	}
}
