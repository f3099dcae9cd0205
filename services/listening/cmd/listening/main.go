package main

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/audiobook-platform/internal/platform/analytics"
	"github.com/example/audiobook-platform/internal/platform/auth"
	"github.com/example/audiobook-platform/internal/platform/config"
	"github.com/example/audiobook-platform/internal/platform/db"
	"github.com/example/audiobook-platform/internal/platform/httpserver"
	"github.com/example/audiobook-platform/internal/platform/logging"
	"github.com/example/audiobook-platform/internal/platform/natsconn"
	"github.com/example/audiobook-platform/internal/platform/run"
	"github.com/example/audiobook-platform/services/listening/internal/achievements"
	svcconfig "github.com/example/audiobook-platform/services/listening/internal/config"
	"github.com/example/audiobook-platform/services/listening/internal/handlers"
	svchttp "github.com/example/audiobook-platform/services/listening/internal/http"
	"github.com/example/audiobook-platform/services/listening/internal/progress"
	"github.com/example/audiobook-platform/services/listening/internal/store"
	"github.com/example/audiobook-platform/services/listening/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	engineCfg := svcconfig.Load()

	sessions, achStore, engagement, pool, closePool := initStores(log)
	if closePool != nil {
		defer closePool()
	}

	verifier := auth.JWTVerifier{Secret: []byte(cfg.JWTSecret)}

	// NATS is optional: without it analytics is a no-op and flushes apply
	// synchronously.
	var js nats.JetStreamContext
	nc, err := natsconn.Connect(natsconn.Options{Name: cfg.ServiceName})
	if err != nil {
		log.Warn("nats unavailable, running without queue and analytics", zap.Error(err))
	} else {
		defer nc.Close()
		js, err = nc.JetStream()
		if err != nil {
			log.Warn("jetstream unavailable", zap.Error(err))
			js = nil
		}
	}
	pub := analytics.New(js, log)

	var queue handlers.FlushQueue
	if js != nil && pool != nil {
		q := progress.NewQueue(js)
		if err := q.EnsureStream(); err != nil {
			log.Warn("flush stream setup failed, using synchronous writes", zap.Error(err))
		} else {
			queue = q
		}
	}

	anon := initAnonymous(engineCfg.RedisURL, log)

	recorder := progress.NewRecorder(sessions, pub, log,
		progress.WithLimits(engineCfg.MaxPlaybackSpeed, engineCfg.SpeedTolerance, engineCfg.FlushInterval))
	engine := achievements.NewEngine(achStore, engagement, pub, log)

	limiter := svchttp.NewRateLimiter(rateEnv("FLUSH_RATE_PER_SEC", 2), int(rateEnv("FLUSH_BURST", 10)))

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{ReadyFunc: readyFunc(pool)})

	// Progress accepts either a bearer token or an X-Device-Id header.
	r.Group(func(r chi.Router) {
		r.Use(auth.OptionalUser(verifier))
		r.With(limiter.Middleware).Post("/v1/progress/{work_id}", handlers.PostProgress(recorder, anon, queue, log))
		r.Get("/v1/progress/{work_id}", handlers.GetProgress(sessions, anon, log))
		r.Delete("/v1/progress/{work_id}", handlers.DeleteProgress(recorder, anon, log))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser(verifier))
		r.Get("/v1/stats", handlers.GetStats(sessions, engine, engineCfg.Timezone, log))
		r.Get("/v1/continue-listening", handlers.ContinueListening(sessions, log))
		r.Post("/v1/achievements/check-secret", handlers.CheckSecretAchievements(sessions, engine, log))
	})

	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, ServiceName: cfg.ServiceName, Logger: log, Router: r})

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		if js != nil && pool != nil {
			if err := worker.StartProgressConsumer(ctx, js, pool, worker.Config{
				MaxPlaybackSpeed: engineCfg.MaxPlaybackSpeed,
				SpeedTolerance:   engineCfg.SpeedTolerance,
				FlushInterval:    engineCfg.FlushInterval,
			}, log); err != nil {
				log.Warn("progress consumer unavailable", zap.Error(err))
			}
		}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		return srv.Start(log)
	})

	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}

// initStores selects the storage backends. In production (APP_ENV=production)
// Postgres is required and the process terminates without it; in development
// the in-memory stores keep the service usable.
func initStores(log *zap.Logger) (store.SessionStore, store.AchievementStore, store.EngagementSource, *pgxpool.Pool, func()) {
	isProd := strings.EqualFold(strings.TrimSpace(os.Getenv("APP_ENV")), "production")

	fallback := func(reason string, err error) (store.SessionStore, store.AchievementStore, store.EngagementSource, *pgxpool.Pool, func()) {
		if isProd {
			log.Error("postgres is required in production", zap.String("reason", reason), zap.Error(err))
			_ = log.Sync()
			os.Exit(1)
		}
		log.Warn("falling back to in-memory stores (development only)", zap.String("reason", reason), zap.Error(err))
		return store.NewInMemorySessionStore(), store.NewInMemoryAchievementStore(nil), store.StaticEngagementSource{}, nil, nil
	}

	if strings.TrimSpace(os.Getenv("DATABASE_URL")) == "" {
		return fallback("DATABASE_URL not set", nil)
	}
	pool, err := db.Open(context.Background())
	if err != nil {
		return fallback("connect failed", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return fallback("ping failed", err)
	}

	log.Info("stores: postgres")
	return store.NewPostgresSessionStore(pool),
		store.NewPostgresAchievementStore(pool),
		store.NewPostgresEngagementSource(pool),
		pool, pool.Close
}

func initAnonymous(redisURL string, log *zap.Logger) handlers.AnonymousStore {
	if redisURL == "" {
		log.Warn("REDIS_URL not set, anonymous progress disabled")
		return nil
	}
	anon, err := store.NewAnonymousStore(redisURL, 0)
	if err != nil {
		log.Warn("redis unavailable, anonymous progress disabled", zap.Error(err))
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := anon.Ping(ctx); err != nil {
		log.Warn("redis ping failed, anonymous progress disabled", zap.Error(err))
		return nil
	}
	return anon
}

func readyFunc(pool *pgxpool.Pool) func() error {
	if pool == nil {
		return nil
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return pool.Ping(ctx)
	}
}

func rateEnv(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}
