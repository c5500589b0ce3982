// Command broker runs the antigravity account broker: an HTTP front
// that owns a pool of OAuth identities and brokers inference requests
// across them.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/poemonsense/antigravity-broker/internal/account"
	"github.com/poemonsense/antigravity-broker/internal/account/strategies"
	"github.com/poemonsense/antigravity-broker/internal/broker"
	"github.com/poemonsense/antigravity-broker/internal/config"
	"github.com/poemonsense/antigravity-broker/internal/logging"
	"github.com/poemonsense/antigravity-broker/internal/project"
	"github.com/poemonsense/antigravity-broker/internal/server"
	"github.com/poemonsense/antigravity-broker/internal/signature"
	"github.com/poemonsense/antigravity-broker/internal/storage"
	"github.com/poemonsense/antigravity-broker/internal/token"
)

const version = "1.0.0"

func main() {
	var (
		configPath   string
		listen       string
		strategyName string
		debug        bool
	)
	flag.StringVar(&configPath, "config", "", "Path to config.json (default: <config dir>/config.json)")
	flag.StringVar(&listen, "listen", "", "Listen address (default: 127.0.0.1:8317)")
	flag.StringVar(&strategyName, "strategy", "", "Account selection strategy (sticky/round-robin/hybrid)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	configDir, err := storage.ResolveConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve config directory: %v\n", err)
		os.Exit(1)
	}
	if configPath == "" {
		configPath = filepath.Join(configDir, "config.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if strategyName != "" {
		if !strategies.Valid(strategyName) {
			fmt.Fprintf(os.Stderr, "invalid strategy %q (valid: sticky, round-robin, hybrid)\n", strategyName)
			os.Exit(1)
		}
		cfg.Selection.Strategy = strategies.Normalize(strategyName)
	}
	if debug {
		cfg.Debug = true
	}

	logging.Setup(cfg.Debug)

	if err := storage.EnsureGitignore(configDir); err != nil {
		log.Warnf("[Startup] Failed to ensure .gitignore: %v", err)
	}
	store := storage.New(configDir)

	auth := token.NewAuthCache()
	resolver := project.NewResolver()
	refresher := token.NewRefresher(auth, resolver)

	var disk signature.DiskStore
	var redisStore *signature.RedisStore
	if redisStore = signature.NewRedisStore(cfg.SignatureCache); redisStore != nil {
		disk = redisStore
		log.Infof("[Startup] Signature cache disk tier: redis at %s", cfg.SignatureCache.RedisAddr)
	}
	signatures := signature.NewCache(disk)

	manager := account.NewManager(store, auth)
	if cfg.FallbackCredential != "" {
		adopted, err := manager.AdoptFallbackCredential(cfg.FallbackCredential)
		if err != nil {
			log.Warnf("[Startup] Fallback credential rejected: %v", err)
		} else if adopted {
			log.Infof("[Startup] Adopted fallback credential into the pool")
		}
	}

	queue := token.NewQueue(refresher, manager)
	queue.Start()

	stopWatch, err := store.Watch(func() {
		if err := manager.Reload(); err != nil {
			log.Warnf("[Startup] Pool reload failed: %v", err)
		}
	})
	if err != nil {
		log.Warnf("[Startup] Accounts file watcher unavailable: %v", err)
		stopWatch = func() {}
	}

	b := broker.New(cfg, manager, auth, refresher, resolver, signatures, broker.NewHTTPFetcher())
	srv := server.New(cfg, manager, b, queue, signatures)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Engine(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Infof("[Server] antigravity-broker v%s listening on %s (%d account(s), strategy %s)",
			version, cfg.Listen, manager.Count(), strategies.Labels[cfg.GetStrategy()])
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server failed: %v\n", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infof("[Server] Shutting down")
	stopWatch()
	queue.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Errorf("[Server] Forced shutdown: %v", err)
	}

	if err := manager.FlushSaveToDisk(); err != nil {
		log.Errorf("[Server] Final save failed: %v", err)
	}
	if redisStore != nil {
		_ = redisStore.Close()
	}
	log.Infof("[Server] Stopped")
}
