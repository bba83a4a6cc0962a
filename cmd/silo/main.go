package main

import (
	"context"
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

	"github.com/titan/backend/internal/cluster"
	"github.com/titan/backend/internal/config"
	"github.com/titan/backend/internal/game"
	"github.com/titan/backend/internal/infra"
	"github.com/titan/backend/internal/ratelimit"
	"github.com/titan/backend/internal/registry"
	"github.com/titan/backend/internal/runtime"
	"github.com/titan/backend/internal/seed"
	"github.com/titan/backend/internal/session"
	"github.com/titan/backend/internal/storage"
	"github.com/titan/backend/internal/streams"
	"github.com/titan/backend/internal/transport"
	"github.com/titan/backend/internal/txn"
)

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

	// Storage: Postgres when configured, in-memory for dev clusters.
	var (
		provider      storage.Provider
		reminderStore storage.ReminderStore
		clusterStore  cluster.Store
	)
	if cfg.Storage.PostgresDSN != "" {
		pg, err := storage.NewPostgresProvider(cfg.Storage.PostgresDSN, cfg.Storage.MaxConns)
		if err != nil {
			log.Fatalf("state provider: %v", err)
		}
		defer pg.Close()
		provider, reminderStore = pg, pg
		clusterStore, err = cluster.NewPostgresStore(pg.DB(), cfg.Cluster.DeploymentID)
		if err != nil {
			log.Fatalf("membership store: %v", err)
		}
	} else {
		slog.Warn("no postgres DSN configured, using in-memory storage")
		mem := storage.NewMemoryProvider()
		provider, reminderStore = mem, mem
		clusterStore = cluster.NewMemoryStore()
	}

	membership := cluster.NewMembership(clusterStore, cfg.Cluster, cfg.Silo.Name, cfg.Silo.Endpoint, cfg.Gateway.Port)

	silo := runtime.NewSilo(runtime.Options{
		Config:        cfg,
		Store:         provider,
		ReminderStore: reminderStore,
		Membership:    membership,
		Remote:        transport.NewClient(),
	})
	silo.SetBroker(streams.NewBroker(silo))

	// Redis presence is a liveness hint for gateways; the silo runs
	// without it.
	var presence *cluster.Presence
	if redis, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		slog.Warn("redis unavailable, presence disabled", "error", err)
	} else {
		defer redis.Close()
		presence = cluster.NewPresence(redis, cfg.Cluster.DeploymentID, cfg.Cluster.HeartbeatInterval)
	}

	registerGrainTypes(silo, cfg)
	silo.AddStartupTask(seed.StartupTask(cfg.Seed))

	server := transport.NewServer(silo)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Silo.Port),
		Handler: server.Router(),
	}
	go func() {
		slog.Info("silo listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("silo server: %v", err)
		}
	}()

	if err := silo.Start(ctx); err != nil {
		log.Fatalf("silo start: %v", err)
	}
	if presence != nil {
		go announcePresence(ctx, presence, membership, cfg.Cluster.HeartbeatInterval)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	silo.Stop(shutdownCtx)
	if presence != nil {
		presence.Withdraw(shutdownCtx, membership.Self().ID)
	}
	httpServer.Shutdown(shutdownCtx)
}

func registerGrainTypes(silo *runtime.Silo, cfg *config.Config) {
	silo.Register(streams.DirectoryType())
	silo.Register(txn.CoordinatorGrainType(cfg.Transactions))
	silo.Register(ratelimit.ConfigGrainType())
	silo.Register(session.TicketGrainType(cfg.Session.HandshakeWindow))
	silo.Register(game.InventoryType())
	silo.Register(game.HistoryType())
	silo.Register(game.TradeType())
	for _, name := range []string{"items", "modifiers", "seasons"} {
		silo.Register(registry.WriterType(name))
		silo.Register(registry.ReaderType(name, 4, cfg.RateLimit.CacheTTL))
	}
}

func announcePresence(ctx context.Context, p *cluster.Presence, m *cluster.Membership, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			self := m.Self()
			p.Announce(ctx, self.ID, self.Endpoint)
		}
	}
}
