package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-park/internal/api"
	"github.com/technosupport/ts-park/internal/broadcast"
	"github.com/technosupport/ts-park/internal/config"
	"github.com/technosupport/ts-park/internal/data"
	"github.com/technosupport/ts-park/internal/detect"
	"github.com/technosupport/ts-park/internal/events"
	"github.com/technosupport/ts-park/internal/live"
	"github.com/technosupport/ts-park/internal/middleware"
	"github.com/technosupport/ts-park/internal/plates"
	"github.com/technosupport/ts-park/internal/ratelimit"
	"github.com/technosupport/ts-park/internal/tokens"
	"github.com/technosupport/ts-park/internal/worker"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/default.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Store
	var store data.ConfigStore
	switch cfg.Store.Driver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.PostgresDSN())
		if err != nil {
			log.Fatalf("DB open error: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("DB ping error: %v", err)
		}
		defer db.Close()
		store = data.NewPostgresStore(db)
		log.Printf("[Server] using postgres store at %s:%s", cfg.Store.Host, cfg.Store.Port)
	case "memory":
		store = data.NewMemoryStore()
		log.Printf("[Server] using in-memory store (development mode)")
	default:
		log.Fatalf("Unknown store driver %q", cfg.Store.Driver)
	}
	configCache := data.NewConfigCache(store, cfg.CamerasRefreshInterval())

	// 2. Redis (live cache + plate ingress rate limiting)
	var (
		cache   *live.Cache
		limiter *ratelimit.Limiter
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Redis ping error: %v", err)
		}
		defer rdb.Close()
		cache = live.NewCache(rdb, 30*time.Second)
		limiter = ratelimit.NewLimiter(rdb)
		log.Printf("[Server] redis connected at %s", cfg.Redis.Addr)
	}

	// 3. Occupancy events
	var publisher events.Publisher = events.LogPublisher{}
	if cfg.NATS.Enabled {
		np, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Fatalf("NATS error: %v", err)
		}
		publisher = np
		log.Printf("[Server] NATS connected at %s", cfg.NATS.URL)
	}
	defer publisher.Close()

	// 4. Service auth for ingress endpoints
	var serviceAuth *middleware.ServiceAuth
	if cfg.Auth.ServiceSecret != "" {
		serviceAuth = middleware.NewServiceAuth(tokens.NewManager(cfg.Auth.ServiceSecret))
	} else {
		log.Printf("[Server] WARNING: ingress auth disabled (no service secret)")
	}

	// 5. Detector
	var detector detect.Detector
	switch cfg.Detector.Mode {
	case "remote":
		detector = detect.NewHTTPDetector(cfg.Detector.URL, cfg.FetchTimeout())
		log.Printf("[Server] remote detector at %s", cfg.Detector.URL)
	case "static":
		detector = detect.NewStaticDetector()
		log.Printf("[Server] static detector (no objects)")
	default:
		log.Fatalf("Unknown detector mode %q", cfg.Detector.Mode)
	}

	// 6. Broadcast hub + plate queues
	hub := broadcast.NewHub(cfg.BroadcasterIdleTTL())
	hub.StartSweeper(ctx, cfg.SweepInterval())

	registry := plates.NewRegistry(cfg.Plates.QueueCapacity, cfg.PlateMaxAge())
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := registry.PurgeAll(time.Now()); n > 0 {
					log.Printf("[Plates] purged %d expired plate reading(s)", n)
				}
			}
		}
	}()

	// 7. Camera workers
	supervisor := worker.NewSupervisor(cfg, configCache, registry, worker.Deps{
		Store:     store,
		Cache:     configCache,
		Fetcher:   worker.NewSnapshotFetcher(cfg.FetchTimeout()),
		Detector:  detector,
		Publisher: worker.NewHubPublisher(hub, cache),
		Events:    publisher,
	})
	go supervisor.Run(ctx)

	// 8. Config file watcher. Most tunables are captured at startup, so a
	// change only takes effect after a restart; the log line makes that
	// visible to operators.
	config.StartWatcher(ctx, cfgPath, func(config.Config) {
		configCache.Invalidate()
		log.Printf("[Server] %s changed; restart to apply new settings", cfgPath)
	})

	// 9. HTTP server
	router := api.NewRouter(api.Deps{
		Broadcast:   api.NewBroadcastHandler(hub, cache),
		ViewerWS:    api.NewViewerWSHandler(hub, cfg.PerViewerSendTimeout(), cfg.KeepaliveIdle()),
		Plates:      api.NewPlateHandler(configCache, registry, limiter, cfg.RateLimit.PlateIngressPerMinute),
		Status:      api.NewStatusHandler(supervisor, hub, cache),
		ServiceAuth: serviceAuth,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[Server] listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// 10. Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("[Server] shutting down...")

	cancel() // stops workers, sweeper, purge loop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] shutdown error: %v", err)
	}
	log.Printf("[Server] bye")
}
