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

	"github.com/thefirebuilds/authentik/internal/attestation"
	"github.com/thefirebuilds/authentik/internal/config"
	"github.com/thefirebuilds/authentik/internal/db"
	"github.com/thefirebuilds/authentik/internal/directory"
	"github.com/thefirebuilds/authentik/internal/flow"
	internalhttp "github.com/thefirebuilds/authentik/internal/http"
	"github.com/thefirebuilds/authentik/internal/jobs"
	"github.com/thefirebuilds/authentik/internal/repository"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()

	store := repository.NewStore(pool)

	var flows flow.Store
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
		flows = flow.NewRedisStore(redisClient, cfg.FlowPlanTTL)
	} else {
		log.Printf("REDIS_ADDR not set, keeping flow plans in process memory")
		flows = flow.NewMemoryStore()
	}

	attestor := attestation.NewClient(cfg.AttestationURL, cfg.AttestationTimeout, cfg.AttestationRetries)
	server := internalhttp.NewServer(cfg, store, flows, attestor, store)

	projection := directory.New(store, store, cfg.BaseDN)
	ldapServer := directory.NewServer(projection)
	go func() {
		if err := ldapServer.ListenAndServe(cfg.LDAPAddr); err != nil {
			log.Fatalf("ldap server error: %v", err)
		}
	}()

	jobs.StartDeviceCleanupJob(ctx, cfg, store)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
