package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"sandbox-runner/internal/config"
	"sandbox-runner/internal/payload"
	"sandbox-runner/internal/policy"
	"sandbox-runner/internal/queue"
	"sandbox-runner/internal/sandbox"
	"sandbox-runner/internal/store"
	"sandbox-runner/internal/telemetry"
	workerproc "sandbox-runner/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	policies, err := policy.NewStore(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("load policy: %v", err)
	}
	if policies.Snapshot().DefaultDeny() {
		log.Printf("warning: policy allowlist is empty, every job will be rejected")
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

	backend := sandbox.NewDocker(sandbox.DockerConfig{
		Binary:    cfg.DockerBinary,
		EntryFile: cfg.SandboxEntry,
		Command:   cfg.SandboxCmd,
		StageDir:  cfg.StageDir,
		Grace:     cfg.SandboxGrace,
		Logger:    logger,
	})

	processor := workerproc.NewProcessor(cfg, q, st, policies, payloads, backend, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started with slots=%d visibility=%s policy=%s", cfg.WorkerSlots, cfg.VisibilityTimeout, cfg.PolicyPath)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
