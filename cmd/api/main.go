package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/email"
	"rollcall/internal/events"
	"rollcall/internal/geo"
	"rollcall/internal/httpapi"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/logging"
	"rollcall/internal/notify"
	"rollcall/internal/queue"
	"rollcall/internal/store"
	"rollcall/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		zlog.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.LogLevel, cfg.Production())

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("api failed")
	}
}

func run(ctx context.Context, cfg config.App, log zerolog.Logger) error {
	shutdownTracing, err := telemetry.Init(ctx, "rollcall-api", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown tracing")
		}
	}()

	checks := map[string]func(context.Context) bool{}

	var st attendance.Store
	var dir attendance.Directory
	switch cfg.StoreBackend {
	case "memory":
		mem := attendance.NewMemStore()
		seedDemo(mem, log)
		st, dir = mem, mem
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		repo := attendance.NewRepository(db.Client)
		st, dir = repo, repo
		checks["db"] = func(ctx context.Context) bool { return db.Ping(ctx) == nil }
	}

	var redisClient *store.Redis
	if cfg.QueueBackend == "redis" || cfg.RateLimitBackend == "redis" {
		redisClient, err = store.NewRedis(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		checks["redis"] = redisClient.Healthy
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		mem := queue.NewInMemory(256)
		q = mem
		sender, err := email.NewSender(cfg.EmailBackend, cfg.EmailFrom, cfg.PostmarkServerToken, cfg.SendGridAPIKey, log)
		if err != nil {
			return err
		}
		// no separate worker in this mode
		disp := notify.NewDispatcher(mem, sender, cfg.AppBaseURL, cfg.EmailMaxAttempts, log.With().Str("component", "dispatcher").Logger())
		go func() {
			if err := disp.Run(ctx); err != nil {
				log.Error().Err(err).Msg("in-process dispatcher stopped")
			}
		}()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey, log)
	}

	var publisher attendance.EventPublisher = events.Nop{}
	if cfg.NATSURL != "" {
		bus, err := events.New(cfg.NATSURL, "rollcall-api")
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer bus.Close()
		publisher = bus
	}

	svc := attendance.NewService(st, dir, notify.NewQueueNotifier(q),
		attendance.WithPolicy(cfg.Policy()),
		attendance.WithEvents(publisher),
		attendance.WithLogger(log.With().Str("component", "attendance").Logger()),
	)

	var global, tokens httpmiddleware.Limiter
	if cfg.RateLimitBackend == "redis" {
		global = httpmiddleware.NewRedisWindow(redisClient.Client, "rollcall:rl:ip", cfg.RateLimitPerMin)
		tokens = httpmiddleware.NewRedisWindow(redisClient.Client, "rollcall:rl:token", cfg.TokenRequestsPerMin)
	} else {
		global = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
		tokens = httpmiddleware.NewSimpleTokenBucket(cfg.TokenRequestsPerMin, cfg.TokenRequestsPerMin)
	}

	router := httpapi.NewRouter(httpapi.Options{
		Service:        svc,
		Log:            log,
		SigningKey:     cfg.JWTSigningKey,
		Issuer:         cfg.JWTIssuer,
		AllowedOrigins: cfg.AllowedOrigins,
		GlobalLimiter:  global,
		TokenLimiter:   tokens,
		Health: func(ctx context.Context) map[string]bool {
			out := make(map[string]bool, len(checks))
			for name, check := range checks {
				out[name] = check(ctx)
			}
			return out
		},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           telemetry.Handler(router, "rollcall-api"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.StoreBackend).Str("queue", cfg.QueueBackend).Msg("starting rollcall api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced shutdown")
	}
	log.Info().Msg("server exited")
	return nil
}

// seedDemo gives the memory backend one session to play with.
func seedDemo(mem *attendance.MemStore, log zerolog.Logger) {
	now := time.Now().UTC()
	mem.PutSession(attendance.Session{
		ID:          "demo-session",
		CourseID:    "demo-course",
		ProfessorID: "demo-professor",
		StartsAt:    now,
		EndsAt:      now.Add(2 * time.Hour),
		Fence:       geo.Fence{Center: geo.Point{Lat: 4.6097, Lon: -74.0817}, RadiusMeters: 500},
	})
	mem.PutStudent(attendance.Student{ID: "demo-student", Name: "Demo Student", Email: envOr("DEMO_STUDENT_EMAIL", "student@rollcall.local")})
	mem.Enroll("demo-student", "demo-session")
	log.Warn().Str("session_id", "demo-session").Str("professor_id", "demo-professor").Str("student_id", "demo-student").
		Msg("memory store seeded with demo data, nothing is persisted")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
