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

	"task-stream/internal/api"
	"task-stream/internal/config"
	"task-stream/internal/ratelimit"
	"task-stream/internal/registry"
	"task-stream/internal/runner"
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

	jobs := registry.NewJobs()
	sessions := registry.NewSessions()
	jobs.SetMirror(sessions.Mirror)

	run := runner.New(jobs, cfg.CaptureInterval)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	if cfg.EvictCompletedAfter > 0 || cfg.EvictClosedAfter > 0 {
		go runJanitor(ctx, cfg, jobs, sessions)
	}

	server := api.New(cfg, jobs, sessions, run, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("stream server listening on :%s (poll=%s session_timeout=%s)",
		cfg.HTTPPort, cfg.StreamPollInterval, cfg.SessionTimeout)
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

// runJanitor periodically evicts completed jobs and closed sessions when
// eviction TTLs are configured.
func runJanitor(ctx context.Context, cfg config.Config, jobs *registry.Jobs, sessions *registry.Sessions) {
	ticker := time.NewTicker(cfg.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n := jobs.SweepCompleted(cfg.EvictCompletedAfter); n > 0 {
			log.Printf("evicted %d completed jobs", n)
		}
		if n := sessions.SweepClosed(cfg.EvictClosedAfter); n > 0 {
			log.Printf("evicted %d closed sessions", n)
		}
	}
}
