package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "sandbox-runner/internal/api"
	"sandbox-runner/internal/config"
	"sandbox-runner/internal/payload"
	"sandbox-runner/internal/policy"
	"sandbox-runner/internal/queue"
	"sandbox-runner/internal/ratelimit"
	"sandbox-runner/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	policies, err := policy.NewStore(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("load policy: %v", err)
	}
	if policies.Snapshot().DefaultDeny() {
		log.Printf("warning: policy allowlist is empty, every submission will be rejected")
	}

	go func() {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		for range hup {
			if err := policies.Reload(); err != nil {
				log.Printf("policy reload failed, keeping previous snapshot: %v", err)
				continue
			}
			log.Printf("policy reloaded from %s", cfg.PolicyPath)
		}
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	payloads, err := payload.NewStore(ctx, cfg.PayloadDir, payload.S3Config{
		Bucket:    cfg.PayloadS3Bucket,
		Region:    cfg.PayloadS3Region,
		Endpoint:  cfg.PayloadS3Endpoint,
		PathStyle: cfg.PayloadS3Path,
	})
	if err != nil {
		log.Fatalf("init payload store: %v", err)
	}

	q := queue.NewRedisQueue(queue.Options{
		Addr:              cfg.RedisAddr,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})
	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, q, policies, payloads, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
