package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chaoskey333/pkg/audit"
	"chaoskey333/pkg/commandbus"
	"chaoskey333/pkg/eventlog"
	"chaoskey333/pkg/idempotency"
	"chaoskey333/pkg/kvstore"
	otelobs "chaoskey333/pkg/observability/otel"
	"chaoskey333/pkg/policy"
	"chaoskey333/pkg/ratelimit"
	"chaoskey333/pkg/state"
	"chaoskey333/shared/config"
)

const serviceName = "command-core"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[%s] config: %v", serviceName, err)
	}
	if cfg.SigningSecret == "" {
		log.Printf("[%s] WARNING: COMMAND_SIGNING_SECRET is empty; every command will be rejected", serviceName)
	}

	// Backend selection is configuration-driven: a configured Redis address
	// must work, otherwise the process refuses to start rather than
	// silently degrading to in-memory state.
	var store kvstore.Store
	var auditLog *audit.Log
	if cfg.RedisAddr != "" {
		rs := kvstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rs.Ping(ctx); err != nil {
			cancel()
			log.Fatalf("[%s] redis %s unreachable: %v", serviceName, cfg.RedisAddr, err)
		}
		cancel()
		store = rs
		if auditLog, err = audit.NewKVLog(store); err != nil {
			log.Fatalf("[%s] audit chain: %v", serviceName, err)
		}
		log.Printf("[%s] using redis backend %s", serviceName, cfg.RedisAddr)
	} else {
		store = kvstore.NewMemoryStore()
		if auditLog, err = audit.NewFileLog(cfg.AuditFilePath); err != nil {
			log.Fatalf("[%s] audit file %s: %v", serviceName, cfg.AuditFilePath, err)
		}
		log.Printf("[%s] no REDIS_ADDR; using in-memory store and audit file %s", serviceName, cfg.AuditFilePath)
	}

	events := eventlog.New(store)
	bus := commandbus.New(commandbus.Config{
		SigningSecret: cfg.SigningSecret,
		Policy:        policy.NewEngine(cfg.OperatorKeys),
		Limiter:       ratelimit.NewLimiter(store),
		Idempotency:   idempotency.NewStore(store),
		Events:        events,
		Audit:         auditLog,
		Projector:     state.NewProjector(store),
		Paused:        cfg.Paused,
		DryRun:        cfg.DryRun,
	})
	if cfg.Paused {
		log.Printf("[%s] circuit breaker PAUSED: commands are logged, not executed", serviceName)
	} else if cfg.DryRun {
		log.Printf("[%s] circuit breaker DRY-RUN: commands are logged, not executed", serviceName)
	}

	srv := newServer(cfg, bus, events, auditLog)

	// Hourly retention sweep over the event hour-buckets.
	go func() {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for range t.C {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := events.PruneOlderThan(ctx, cfg.EventRetention); err != nil {
				log.Printf("[%s] event prune: %v", serviceName, err)
			} else if n > 0 {
				log.Printf("[%s] pruned %d expired events", serviceName, n)
			}
			cancel()
		}
	}()

	shutdownTracer := otelobs.InitTracer(serviceName)
	handler := otelobs.AccessLogMiddleware(otelobs.WrapHTTPHandler(serviceName, srv.routes()))

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.Printf("[%s] shutdown error: %v", serviceName, err)
		}
		_ = shutdownTracer(ctx)
	}()

	log.Printf("[%s] listening on %s", serviceName, addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[%s] server error: %v", serviceName, err)
	}
}
