package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"mappoints/internal/auth"
	"mappoints/internal/config"
	"mappoints/internal/geo"
	"mappoints/internal/pointstore"
	"mappoints/internal/storage"
)

type backends struct {
	store      *pointstore.Store
	authMem    *auth.InMemoryStore
	identityDB *storage.IdentityStore
	idem       *storage.IdempotencyStore
	events     storage.EventLogger

	pool  *pgxpool.Pool
	redis *redis.Client
}

// initBackends connects Postgres and Redis when configured. Either one
// failing falls back to its in-memory counterpart so a single instance can
// still serve.
func initBackends(ctx context.Context, cfg config.Config, log *slog.Logger) *backends {
	b := &backends{}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		records storage.Records = storage.NewMemoryRecords()
		index   geo.Index       = geo.NewMemoryIndex()
		relay   *pointstore.Relay
	)
	b.events = storage.NewMemoryEvents()

	if cfg.Database.URL != "" {
		pool, err := storage.DefaultPool(connectCtx, cfg.Database.URL)
		if err != nil {
			log.Warn("database connection failed, falling back to in-memory", "err", err)
		} else if applied, err := storage.ApplySchema(connectCtx, pool); err != nil {
			log.Warn("schema init failed, falling back to in-memory", "err", err)
			pool.Close()
		} else {
			log.Info("using PostgreSQL persistence", "schema_applied", applied)
			pg := storage.NewPostgres(pool)
			records = pg
			b.events = pg
			b.pool = pool
			b.identityDB = storage.NewIdentityStore(pool)
			b.idem = storage.NewIdempotencyStore(pool, cfg.Points.IdempotencyTTL)
		}
	}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Warn("redis URL parse error, geo fallback to in-memory", "err", err)
		} else {
			client := redis.NewClient(opt)
			if err := client.Ping(connectCtx).Err(); err != nil {
				log.Warn("redis unreachable, geo fallback to in-memory", "err", err)
				_ = client.Close()
			} else {
				log.Info("using Redis geo index", "key", cfg.Redis.GeoKey, "channel", cfg.Redis.Channel)
				index = geo.NewRedisIndex(client, cfg.Redis.GeoKey)
				relay = pointstore.NewRelay(client, cfg.Redis.Channel, log)
				b.redis = client
			}
		}
	}

	b.store = pointstore.New(records, index, log)
	if relay != nil {
		b.store.AttachRelay(ctx, relay)
	}

	if cfg.Auth.Mode == "memory" {
		b.authMem = auth.NewInMemoryStore()
		log.Info("auth: in-memory token issuance enabled")
		b.seedIdentities(connectCtx, cfg.Auth.TTL, log)
	} else {
		log.Warn("auth disabled, anonymous clients may edit points")
	}
	return b
}

// seedIdentities hydrates the token store from Postgres. Without any stored
// identity an admin is issued so the register endpoint stays reachable.
func (b *backends) seedIdentities(ctx context.Context, ttl time.Duration, log *slog.Logger) {
	if b.identityDB != nil {
		all, err := b.identityDB.All(ctx)
		if err != nil {
			log.Warn("failed to preload identities", "err", err)
		}
		for _, ident := range all {
			b.authMem.Seed(ident)
		}
		if len(all) > 0 {
			log.Info("identities loaded", "count", len(all))
			return
		}
	}

	admin, err := b.authMem.Register(auth.RoleAdmin, ttl)
	if err != nil {
		log.Error("bootstrap admin failed", "err", err)
		return
	}
	if b.identityDB != nil {
		if _, err := b.identityDB.Save(ctx, admin, ttl); err != nil {
			log.Warn("bootstrap admin not persisted", "err", err)
		}
	}
	log.Warn("issued bootstrap admin", "id", admin.ID, "token", admin.Token)
}

func (b *backends) close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}
