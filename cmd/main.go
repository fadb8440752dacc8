package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/SimpnicServerTeam/scs-pggate/internal/config"
	"github.com/SimpnicServerTeam/scs-pggate/internal/handlers"
	"github.com/SimpnicServerTeam/scs-pggate/internal/logger"
	"github.com/SimpnicServerTeam/scs-pggate/internal/metrics"
	"github.com/SimpnicServerTeam/scs-pggate/internal/pool"
	"github.com/SimpnicServerTeam/scs-pggate/internal/proxy"
	"github.com/SimpnicServerTeam/scs-pggate/internal/repository"
	"github.com/SimpnicServerTeam/scs-pggate/internal/repository/file"
	"github.com/SimpnicServerTeam/scs-pggate/internal/repository/memory"
	redisrepo "github.com/SimpnicServerTeam/scs-pggate/internal/repository/redis"
	"github.com/SimpnicServerTeam/scs-pggate/internal/repository/sqlite"
	"github.com/SimpnicServerTeam/scs-pggate/internal/router"
	"github.com/SimpnicServerTeam/scs-pggate/internal/server"
	"github.com/SimpnicServerTeam/scs-pggate/internal/service"
)

func main() {
	logger.Init(os.Getenv("PGGATE_LOG_LEVEL"), os.Getenv("PGGATE_ENV"))

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if len(cfg.Databases) == 0 {
		log.Fatalf("No [[databases]] configured; the gateway has nowhere to route")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	serverAuth := service.NewServerAuthService(cfg, m)
	pools := pool.NewManager(pool.Config{
		MinSize:         cfg.General.MinPoolSize,
		MaxSize:         cfg.General.DefaultPoolSize,
		CheckoutTimeout: cfg.General.CheckoutTimeout,
		ConnectTimeout:  cfg.General.ConnectTimeout,
		IdleTimeout:     cfg.General.IdleTimeout,
		MaxAge:          cfg.General.MaxServerAge,
	}, serverAuth, m)
	defer pools.Close()

	var (
		store       repository.CredentialStore
		resolver    repository.CredentialResolver
		invalidator service.VerifierInvalidator
	)
	if cfg.Auth.Source == "passthrough" {
		var cache repository.VerifierCache
		if cfg.Passthrough.Cache == "redis" {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Passthrough.RedisAddr,
				Password: cfg.Passthrough.RedisPassword,
				DB:       cfg.Passthrough.RedisDB,
			})
			cache = redisrepo.NewRedisVerifierCache(client, cfg.Passthrough.CacheTTL)
		} else {
			cache = memory.NewMemoryVerifierCache(cfg.Passthrough.CacheTTL)
		}
		passthrough := service.NewPassthroughService(cache, pools, cfg.Passthrough, m)
		resolver = passthrough
		invalidator = passthrough
		log.Printf("Credential source: passthrough via '%s'", cfg.Passthrough.User)
	} else {
		store = openCredentialStore(cfg)
		resolver = store
		log.Printf("Credential source: local %s store, %d entries", cfg.Auth.Store, len(store.Entries()))
	}

	clientAuth := service.NewClientAuthService(resolver, cfg.General.AuthPepper,
		cfg.General.ScramIterations, cfg.General.HandshakeStepTimeout, m)
	registry := proxy.NewSessionRegistry()
	bridge := service.NewBridgeService(clientAuth, pools, registry, invalidator, cfg.General.EagerConnect, m)
	gateway := proxy.NewProxy(cfg, bridge, registry)

	tokens := service.NewTokenService(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
	admin := service.NewAdminService(store, pools, registry, cfg, m)
	app := server.New(reg)
	router.SetupAdminRoutes(app, handlers.NewAdminHandler(admin, tokens, cfg.Admin.Password), cfg.Admin.JWTSecret)

	watchCtx, stopWatching := context.WithCancel(context.Background())
	defer stopWatching()
	if fileStore, ok := store.(*file.FileCredentialStore); ok && cfg.Auth.WatchUsersFile {
		go func() {
			if err := fileStore.Watch(watchCtx); err != nil {
				log.Printf("Users file watcher stopped: %v", err)
			}
		}()
	}

	go func() {
		if err := gateway.ListenAndServe(); err != nil {
			log.Fatalf("Proxy listener failed: %v", err)
		}
	}()
	go func() {
		log.Printf("Admin API listening on %s", cfg.Admin.ListenAddr)
		if err := app.Start(cfg.Admin.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start admin server: %v", err)
		}
	}()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			if store == nil {
				log.Println("SIGHUP ignored: credential source is passthrough")
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if n, err := store.Reload(ctx); err != nil {
				log.Printf("SIGHUP reload failed, previous snapshot stays active: %v", err)
			} else {
				m.CredentialReloads.Inc()
				log.Printf("SIGHUP reload complete: %d credential entries", n)
			}
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		log.Printf("Proxy shutdown: %v", err)
	}
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Printf("Admin server forced to shutdown: %v", err)
	}
	log.Println("Gateway stopped gracefully.")
}

// openCredentialStore loads the configured local credential store. Both
// backends derive SCRAM verifiers for plaintext entries at load time.
func openCredentialStore(cfg *config.Config) repository.CredentialStore {
	switch cfg.Auth.Store {
	case "sqlite":
		store, err := sqlite.NewSQLiteCredentialStore(cfg.Auth.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open sqlite credential store '%s': %v", cfg.Auth.SQLitePath, err)
		}
		return store
	default:
		store, err := file.NewFileCredentialStore(cfg.Auth.UsersFile)
		if err != nil {
			log.Fatalf("Failed to load users file '%s': %v", cfg.Auth.UsersFile, err)
		}
		return store
	}
}
