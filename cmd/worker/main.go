package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"

	"rollcall/internal/config"
	"rollcall/internal/email"
	"rollcall/internal/logging"
	"rollcall/internal/notify"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

// Worker consumes token e-mail jobs from Redis and delivers them.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		zlog.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.LogLevel, cfg.Production())

	if cfg.QueueBackend != "redis" {
		log.Fatal().Str("queue", cfg.QueueBackend).Msg("worker needs QUEUE_BACKEND=redis; the memory queue is drained inside the api")
	}

	redisClient, err := store.NewRedis(cfg.RedisAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("redis config")
	}
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable yet, consumer will keep retrying")
	}

	sender, err := email.NewSender(cfg.EmailBackend, cfg.EmailFrom, cfg.PostmarkServerToken, cfg.SendGridAPIKey, log)
	if err != nil {
		log.Fatal().Err(err).Msg("email backend")
	}

	metricsSrv := &http.Server{Addr: ":" + cfg.WorkerMetricsPort, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server")
		}
	}()
	defer metricsSrv.Close()

	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey, log)
	disp := notify.NewDispatcher(q, sender, cfg.AppBaseURL, cfg.EmailMaxAttempts, log)
	if err := disp.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("dispatcher")
	}
	log.Info().Msg("worker stopped")
}
