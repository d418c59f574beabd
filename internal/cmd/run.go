// Package cmd contains the service bootstrap: configuration loading, shared
// state construction, the HTTP server lifecycle, config hot reload, and
// graceful shutdown.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/fred-drake/claude-cli-api/internal/api"
	"github.com/fred-drake/claude-cli-api/internal/api/handlers"
	"github.com/fred-drake/claude-cli-api/internal/config"
	"github.com/fred-drake/claude-cli-api/internal/logging"
	"github.com/fred-drake/claude-cli-api/internal/process"
	"github.com/fred-drake/claude-cli-api/internal/ratelimit"
	"github.com/fred-drake/claude-cli-api/internal/runtime/executor"
	"github.com/fred-drake/claude-cli-api/internal/session"
)

// shutdownGrace bounds the HTTP server's graceful shutdown.
const shutdownGrace = 10 * time.Second

// StartService boots the gateway and blocks until SIGINT or SIGTERM. The
// config file is watched for changes; mutable fields (API keys, debug,
// request logging) apply without restart.
func StartService(cfg *config.Config, configPath string) {
	logging.SetLevel(cfg.Debug)
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Errorf("failed to configure log output: %v", err)
	}

	sessions := session.NewRegistry(cfg.SessionTTL(), cfg.SessionMaxAge(), cfg.SessionSweepInterval())
	pool := process.NewPool(cfg.Pool.MaxConcurrent, cfg.PoolQueueTimeout(), cfg.PoolShutdownTimeout())

	claudeBackend := executor.NewClaudeExecutor(cfg.ClaudeCLIPath, sessions, pool, cfg.PoolShutdownTimeout())
	passthroughBackend := executor.NewOpenAIExecutor(executor.PassthroughOptions{
		APIKey:         cfg.Passthrough.APIKey,
		BaseURL:        cfg.Passthrough.BaseURL,
		Enabled:        cfg.Passthrough.Enabled,
		AllowClientKey: cfg.Passthrough.AllowClientKey,
	})

	base := handlers.NewBaseAPIHandlers(cfg,
		ratelimit.NewSlidingWindow(cfg.RateLimit.RequestsPerMinute, time.Minute),
		ratelimit.NewSlidingWindow(cfg.RateLimit.SessionRequestsPerMinute, time.Minute),
		ratelimit.NewConcurrencyLimiter(cfg.RateLimit.MaxConcurrent),
		claudeBackend, passthroughBackend)

	server := api.NewServer(cfg, base)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	watcherDone := watchConfig(configPath, server)
	defer close(watcherDone)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Errorf("server failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Errorf("graceful shutdown failed: %v", err)
	}

	// Drain CLI children after the listener stops accepting work; bounded
	// at twice the pool's shutdown timeout.
	<-pool.DrainAll()
	sessions.Destroy()
	log.Info("shutdown complete")
}

// watchConfig reloads the config file on change. The returned channel stops
// the watcher when closed. A missing or broken watcher only disables hot
// reload; the service keeps running.
func watchConfig(configPath string, server *api.Server) chan struct{} {
	done := make(chan struct{})
	if configPath == "" {
		return done
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("config watcher unavailable: %v", err)
		return done
	}
	if err = watcher.Add(filepath.Dir(configPath)); err != nil {
		log.Warnf("cannot watch config directory: %v", err)
		_ = watcher.Close()
		return done
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(configPath) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				reloaded, errLoad := config.LoadConfig(configPath)
				if errLoad != nil {
					log.Warnf("config reload failed, keeping previous config: %v", errLoad)
					continue
				}
				server.UpdateConfig(reloaded)
				log.Infof("config reloaded from %s", configPath)
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher error: %v", errWatch)
			case <-done:
				return
			}
		}
	}()
	return done
}
