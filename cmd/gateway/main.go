package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/titan/backend/internal/client"
	"github.com/titan/backend/internal/cluster"
	"github.com/titan/backend/internal/config"
	"github.com/titan/backend/internal/gateway"
	"github.com/titan/backend/internal/infra"
	"github.com/titan/backend/internal/ratelimit"
	"github.com/titan/backend/internal/session"
	"github.com/titan/backend/internal/transport"
)

const historyInterval = time.Minute

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	} else {
		cfg = config.Default()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Sessions and rate limiting live in Redis; the gateway cannot serve
	// traffic without it.
	redis, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer redis.Close()
	presence := cluster.NewPresence(redis, cfg.Cluster.DeploymentID, cfg.Cluster.HeartbeatInterval)

	var (
		clusterStore cluster.Store
		creds        gateway.CredentialStore
	)
	if cfg.Storage.PostgresDSN != "" {
		db, err := sql.Open("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		db.SetMaxOpenConns(cfg.Storage.MaxConns)
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("ping postgres: %v", err)
		}
		if _, err := db.ExecContext(ctx, gateway.AccountsSchema); err != nil {
			log.Fatalf("accounts schema: %v", err)
		}
		clusterStore, err = cluster.NewPostgresStore(db, cfg.Cluster.DeploymentID)
		if err != nil {
			log.Fatalf("membership store: %v", err)
		}
		creds = gateway.NewPostgresCredentials(db)
	} else {
		slog.Warn("no postgres DSN configured, using in-memory accounts; cluster routing falls back to redis presence")
		clusterStore = cluster.NewMemoryStore()
		creds = gateway.NewMemoryCredentials()
	}

	cl := client.New(clusterStore, presence, transport.NewClient(), cfg.Cluster.DeploymentID, cfg.Runtime)
	if err := cl.Refresh(ctx); err != nil {
		slog.Warn("initial cluster view refresh failed", "error", err)
	}
	go cl.Run(ctx)

	sessions := session.NewStore(redis, cfg.Session)
	rlSource := ratelimit.NewCachedSource(cl, cfg.RateLimit.CacheTTL)
	engine := ratelimit.NewEngine(redis, rlSource)
	go engine.RunHistory(ctx, historyInterval)

	srv := gateway.NewServer(cl, sessions, creds, engine, rlSource)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler: srv.Router(),
	}
	go func() {
		slog.Info("gateway listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway server: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
}
