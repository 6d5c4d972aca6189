package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnidesk/omnidesk/internal/bus"
	"github.com/omnidesk/omnidesk/internal/channels"
	"github.com/omnidesk/omnidesk/internal/channels/discord"
	"github.com/omnidesk/omnidesk/internal/channels/email"
	"github.com/omnidesk/omnidesk/internal/channels/meta"
	slackchannel "github.com/omnidesk/omnidesk/internal/channels/slack"
	"github.com/omnidesk/omnidesk/internal/channels/telegram"
	"github.com/omnidesk/omnidesk/internal/channels/twilio"
	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/httpapi"
	"github.com/omnidesk/omnidesk/internal/ingest"
	"github.com/omnidesk/omnidesk/internal/queue"
	"github.com/omnidesk/omnidesk/internal/realtime"
	"github.com/omnidesk/omnidesk/internal/store"
	"github.com/omnidesk/omnidesk/internal/store/pg"
	"github.com/omnidesk/omnidesk/internal/store/sqlite"
	"github.com/omnidesk/omnidesk/internal/telemetry"
	"github.com/omnidesk/omnidesk/internal/worker"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	stores, err := buildStores(cfg)
	if err != nil {
		slog.Error("open storage failed", "error", err)
		os.Exit(1)
	}
	if err := seedChannelInstances(ctx, stores, cfg); err != nil {
		slog.Error("seed channel instances failed", "error", err)
		os.Exit(1)
	}

	msgBus := bus.NewMessageBus()
	registry := channels.NewRegistry(stores.ChannelInstances)
	pipeline := ingest.NewPipeline(stores, registry, msgBus)

	adapters := channels.NewAdapterSet(
		telegram.New(registry, pipeline),
		twilio.NewSMS(registry, pipeline),
		twilio.NewWhatsApp(registry, pipeline),
		meta.NewWhatsAppCloud(registry, pipeline),
		meta.NewMessenger(registry, pipeline),
		meta.NewInstagram(registry, pipeline),
		slackchannel.New(registry, pipeline),
		discord.New(registry, pipeline),
		email.New(registry, pipeline),
	)

	q := queue.New(stores.Queue, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.ParseBackoffBase(),
		BackoffCap:  cfg.Queue.ParseBackoffCap(),
	})
	pool := worker.NewPool(q, adapters, worker.Options{Workers: cfg.Queue.Workers})
	hub := realtime.NewHub(stores.Messages, msgBus, cfg.Server.AllowedOrigins)
	sender := ingest.NewSender(adapters, stores, 0)

	srv := httpapi.NewServer(q, sender, hub, registry, httpapi.Options{
		Addr:         cfg.Server.Addr(),
		WebhookRate:  cfg.Server.WebhookRate,
		WebhookBurst: cfg.Server.WebhookBurst,
	})

	hub.Start(ctx)
	pool.Start(ctx)
	go runCleanupLoop(ctx, q, cfg.Queue.ParseCleanupAge())

	if !cfg.Database.IsManagedMode() {
		// Standalone mode: channel settings live in the config file, so a file
		// edit re-seeds the instances and drops cached snapshots.
		go func() {
			err := config.Watch(ctx, cfgPath, func(next *config.Config) {
				if err := seedChannelInstances(ctx, stores, next); err != nil {
					slog.Error("re-seed channel instances failed", "error", err)
					return
				}
				registry.Invalidate()
			})
			if err != nil {
				slog.Warn("config watcher unavailable", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		if err := srv.Stop(context.Background()); err != nil {
			slog.Warn("http shutdown error", "error", err)
		}
	}()

	if err := srv.Start(); err != nil {
		slog.Error("http server failed", "error", err)
	}

	pool.Stop()
	hub.Stop()
	if err := shutdownTelemetry(context.Background()); err != nil {
		slog.Warn("telemetry shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
}

func buildStores(cfg *config.Config) (*store.Stores, error) {
	if cfg.Database.IsManagedMode() {
		slog.Info("storage: postgres (managed mode)")
		return pg.NewPGStores(store.StoreConfig{PostgresDSN: cfg.Database.PostgresDSN})
	}
	slog.Info("storage: sqlite (standalone mode)", "path", cfg.Database.SQLitePath)
	return sqlite.NewSQLiteStores(store.StoreConfig{SQLitePath: cfg.Database.SQLitePath})
}

// seedChannelInstances upserts the config file's channel declarations into
// the instance store. Managed mode manages instances through the database and
// skips declarations entirely.
func seedChannelInstances(ctx context.Context, stores *store.Stores, cfg *config.Config) error {
	if cfg.Database.IsManagedMode() {
		return nil
	}
	for _, ch := range cfg.Channels {
		t := store.ChannelType(ch.Type)
		if !t.Valid() {
			return fmt.Errorf("channel %q: unknown type %q", ch.ID, ch.Type)
		}
		if ch.ID == "" {
			return fmt.Errorf("channel of type %q: missing id", ch.Type)
		}
		name := ch.Name
		if name == "" {
			name = ch.ID
		}
		err := stores.ChannelInstances.Put(ctx, store.ChannelInstance{
			ID:       ch.ID,
			Type:     t,
			Name:     name,
			Enabled:  ch.Enabled,
			Settings: ch.Settings,
		})
		if err != nil {
			return fmt.Errorf("store channel %q: %w", ch.ID, err)
		}
	}
	slog.Info("channel instances seeded", "count", len(cfg.Channels))
	return nil
}

// runCleanupLoop prunes terminal queue items periodically so standalone
// deployments do not grow without bound.
func runCleanupLoop(ctx context.Context, q *queue.Queue, maxAge time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Cleanup(ctx, maxAge); err != nil {
				slog.Warn("queue cleanup failed", "error", err)
			}
		}
	}
}
