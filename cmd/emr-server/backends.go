package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/masud80/healthcare-emr-sub001/internal/config"
	"github.com/masud80/healthcare-emr-sub001/internal/domain/patient"
	"github.com/masud80/healthcare-emr-sub001/internal/domain/sharing"
	"github.com/masud80/healthcare-emr-sub001/internal/platform/auth"
	"github.com/masud80/healthcare-emr-sub001/internal/platform/db"
	"github.com/masud80/healthcare-emr-sub001/internal/platform/firebase"
	"github.com/masud80/healthcare-emr-sub001/internal/platform/middleware"
	"github.com/masud80/healthcare-emr-sub001/internal/platform/ratelimit"
)

// backends holds the stores selected by STORE_BACKEND and RATE_LIMIT_BACKEND.
type backends struct {
	pool  *pgxpool.Pool
	fs    *firestore.Client
	redis *redis.Client

	keys       auth.APIKeyStore
	patients   patient.Repository
	shares     sharing.Repository
	audit      middleware.AuditRecorder
	rateStore  ratelimit.Store
	rateMemory *ratelimit.MemoryStore

	checks map[string]func(ctx context.Context) error
}

func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backends, error) {
	b := &backends{checks: make(map[string]func(ctx context.Context) error)}

	if cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		b.pool = pool
		b.checks["postgres"] = db.PingCheck(pool)
		logger.Info().Msg("connected to database")
	}

	if cfg.UsesFirestore() {
		client, err := firebase.NewFirestore(ctx, firebaseConfig(cfg))
		if err != nil {
			b.Close()
			return nil, err
		}
		b.fs = client
		b.checks["firestore"] = firebase.PingCheck(client)
		logger.Info().Str("project", cfg.FirebaseProjectID).Msg("connected to firestore")
	}

	switch cfg.StoreBackend {
	case "firestore":
		b.keys = auth.NewFirestoreAPIKeyStore(b.fs)
		b.patients = patient.NewRepoFirestore(b.fs)
		b.shares = sharing.NewRepoFirestore(b.fs)
		b.audit = middleware.NewFirestoreAuditRecorder(b.fs)
	default:
		b.keys = auth.NewPGAPIKeyStore(b.pool)
		b.patients = patient.NewRepoPG(b.pool)
		b.shares = sharing.NewRepoPG(b.pool)
		b.audit = middleware.NewPGAuditRecorder(b.pool)
	}

	switch cfg.RateLimitBackend {
	case "memory":
		b.rateMemory = ratelimit.NewMemoryStore()
		b.rateStore = b.rateMemory
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		b.redis = redis.NewClient(opts)
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		b.checks["redis"] = func(ctx context.Context) error { return b.redis.Ping(ctx).Err() }
		b.rateStore = ratelimit.NewRedisStore(b.redis, ratelimit.WithRedisTTL(2*cfg.RateLimitWindow+cfg.RateLimitWindow/2))
		logger.Info().Msg("connected to redis")
	case "firestore":
		b.rateStore = ratelimit.NewFirestoreStore(b.fs, "")
	default:
		b.rateStore = ratelimit.NewPGStore(b.pool)
	}

	return b, nil
}

func (b *backends) Close() {
	if b.redis != nil {
		b.redis.Close()
	}
	if b.fs != nil {
		b.fs.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func firebaseConfig(cfg *config.Config) firebase.Config {
	return firebase.Config{ProjectID: cfg.FirebaseProjectID, CredentialsFile: cfg.FirebaseCredsFile}
}

// openKeyStore opens only what the apikey commands need.
func openKeyStore(ctx context.Context, cfg *config.Config) (auth.APIKeyStore, func(), error) {
	if cfg.StoreBackend == "firestore" {
		client, err := firebase.NewFirestore(ctx, firebaseConfig(cfg))
		if err != nil {
			return nil, nil, err
		}
		return auth.NewFirestoreAPIKeyStore(client), func() { client.Close() }, nil
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return auth.NewPGAPIKeyStore(pool), pool.Close, nil
}
