// Package main wires the farmsync offline-first core: durable queue, read
// cache, optimistic engine, sync processor, and connectivity monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meadowlark/farmsync/internal/cache"
	"github.com/meadowlark/farmsync/internal/config"
	"github.com/meadowlark/farmsync/internal/connectivity"
	"github.com/meadowlark/farmsync/internal/db"
	"github.com/meadowlark/farmsync/internal/invalidation"
	"github.com/meadowlark/farmsync/internal/logging"
	"github.com/meadowlark/farmsync/internal/models"
	"github.com/meadowlark/farmsync/internal/optimistic"
	"github.com/meadowlark/farmsync/internal/queue"
	"github.com/meadowlark/farmsync/internal/remote"
	"github.com/meadowlark/farmsync/internal/syncer"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to config.toml")
	flag.Parse()

	logging.Init(os.Stdout, logging.LevelInfo)
	logging.Info("farmsync core starting", map[string]interface{}{"version": Version})

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.InitSchema(); err != nil {
		fmt.Fprintf(os.Stderr, "schema: %v\n", err)
		os.Exit(1)
	}

	store := db.NewStore(database.DB)
	defer store.Close()

	q := queue.New(store, &queue.Config{
		MaxRetries:     cfg.MaxRetries,
		Retention:      cfg.QueueRetention,
		AudioRetention: cfg.AudioRetention,
		MaxSize:        queue.DefaultMaxSize,
	})
	readCache := cache.New(store)

	client := remote.NewHTTPClient(cfg.RemoteBaseURL)
	manager := invalidation.NewManager(readCache, nil, nil)

	drainer := syncer.New(syncer.Config{
		Queue:       q,
		Mutator:     client,
		Audio:       client,
		Invalidator: manager,
		Cache:       readCache,
	})

	monitor := connectivity.NewMonitor(
		&connectivity.Config{
			SettleDelay:     cfg.SettleDelay,
			SyncInterval:    cfg.SyncInterval,
			CleanupInterval: cfg.CleanupInterval,
		},
		connectivity.NoopProvider{},
		func(ctx context.Context) {
			if _, err := drainer.SyncQueue(ctx); err != nil {
				logging.Error("Queue drain failed", err)
			}
		},
		func() {
			if _, _, err := q.CleanupExpired(); err != nil {
				logging.Error("Retention cleanup failed", err)
			}
		},
		func() bool {
			stats, err := q.Stats()
			if err != nil {
				return false
			}
			return stats[models.QueueStatusPending] > 0
		},
	)

	engine := optimistic.NewEngine(optimistic.Config{
		Queue:       q,
		Mutator:     client,
		Online:      monitor.IsOnline,
		Invalidator: manager,
		Cache:       readCache,
	})
	drainer.SetTracker(engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.FeedURL != "" {
		feed := remote.NewFeedClient(cfg.FeedURL, func(event remote.ChangeEvent) {
			// The feed is an invalidation signal, never a source of truth.
			if err := readCache.MarkStale(event.EntityKind, event.FarmID); err != nil {
				logging.Error("Feed invalidation failed", err)
			}
		})
		defer feed.Close()
		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				logging.Error("Change feed stopped", err)
			}
		}()
	}

	go monitor.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("Shutting down", nil)
	cancel()
	monitor.Stop()
	engine.Wait()

	// Give the last drain a moment to finish its in-flight item.
	deadline := time.After(5 * time.Second)
	for drainer.InProgress() {
		select {
		case <-deadline:
			logging.Warn("Drain still in progress at shutdown", nil)
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}
