package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/txingest/internal/accounting"
	"github.com/gyaneshwarpardhi/txingest/internal/api"
	"github.com/gyaneshwarpardhi/txingest/internal/config"
	"github.com/gyaneshwarpardhi/txingest/internal/enrich"
	"github.com/gyaneshwarpardhi/txingest/internal/eventlog"
	"github.com/gyaneshwarpardhi/txingest/internal/ingest"
	"github.com/gyaneshwarpardhi/txingest/internal/publish"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	cfgPath := flag.String("config", "", "Path to YAML config (defaults and TXINGEST_* env when empty)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not read .env", "err", err)
	}

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "err", err)
		os.Exit(1)
	}
	threshold, _ := cfg.Ingest.Threshold()

	// ── Event log ────────────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log, err := openLog(ctx, cfg.Log, logger)
	if err != nil {
		slog.Error("failed to open event log", "err", err)
		os.Exit(1)
	}

	// ── Dedup ledger ─────────────────────────────────────────────────────────
	ledger, closeLedger, err := openLedger(ctx, cfg.Dedup)
	if err != nil {
		slog.Error("failed to open dedup ledger", "err", err)
		os.Exit(1)
	}
	defer closeLedger()

	// ── Pipeline ─────────────────────────────────────────────────────────────
	acct := accounting.New()
	enricher := enrich.New(enrich.Options{
		DefaultCurrency:    cfg.Ingest.DefaultCurrency,
		HighValueThreshold: decimal.NewNullDecimal(threshold),
		Logger:             logger,
	})
	pub := publish.New(log, publish.Options{
		MaxAttempts:     cfg.Publisher.MaxAttempts,
		RetryBackoff:    cfg.Publisher.RetryBackoff(),
		MaxBackoff:      cfg.Publisher.MaxBackoff(),
		AttemptTimeout:  cfg.Publisher.AttemptTimeout(),
		Workers:         cfg.Publisher.Workers,
		QueueDepth:      cfg.Publisher.QueueDepth,
		BreakerFailures: cfg.Publisher.BreakerFailures,
		BreakerOpen:     cfg.Publisher.BreakerOpen(),
		Ledger:          ledger,
		Accountant:      acct,
		Logger:          logger,
	})
	svc := ingest.New(enricher, pub, acct, ingest.Options{
		BatchTimeout: cfg.Batch.Timeout(),
		Logger:       logger,
	})

	// ── Config change notice ─────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		if err := config.Validate(newCfg); err != nil {
			slog.Warn("config file changed but is invalid", "path", loader.Path(), "err", err)
			return
		}
		slog.Warn("config file changed; restart to apply", "path", loader.Path())
	})
	if *cfgPath != "" {
		stopWatch, err := loader.Watch()
		if err != nil {
			slog.Warn("config watcher unavailable", "err", err)
		} else {
			defer stopWatch()
		}
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         *addr,
		Handler:      api.New(svc, pub, acct, cfg.Batch),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", *addr, "log", cfg.Log.Driver, "topic", cfg.Log.Topic, "dedup", cfg.Dedup.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	// Queued sends finish before the log is closed.
	if err := pub.Close(); err != nil {
		slog.Warn("closing event log", "err", err)
	}
	s := acct.Snapshot()
	slog.Info("goodbye", "received", s.Received, "published", s.Published, "failed", s.Failed)
}

func openLog(ctx context.Context, cfg config.LogConf, logger *slog.Logger) (eventlog.Log, error) {
	switch cfg.Driver {
	case "memory":
		slog.Warn("using in-memory event log; nothing is durable")
		return eventlog.NewMemoryLog(cfg.Topic, cfg.Partitions), nil
	case "kafka":
		kl := eventlog.NewKafkaLog(eventlog.KafkaOptions{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
			Timeout: cfg.ClientTimeout(),
			Logger:  logger,
		})
		if cfg.CreateTopic {
			tctx, cancel := context.WithTimeout(ctx, cfg.ClientTimeout())
			defer cancel()
			if err := kl.EnsureTopic(tctx, cfg.Partitions, cfg.ReplicationFactor); err != nil {
				return nil, fmt.Errorf("create topic %s: %w", cfg.Topic, err)
			}
		}
		return kl, nil
	}
	return nil, fmt.Errorf("unknown log driver %q", cfg.Driver)
}

func openLedger(ctx context.Context, cfg config.DedupConf) (publish.Ledger, func(), error) {
	if cfg.Driver != "redis" {
		ledger := publish.NewMemoryLedger(publish.MemoryLedgerOptions{TTL: cfg.TTL(), PendingTTL: cfg.PendingTTL()})
		return ledger, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	ledger := publish.NewRedisLedger(client, publish.RedisLedgerOptions{TTL: cfg.TTL(), PendingTTL: cfg.PendingTTL()})
	return ledger, func() { _ = client.Close() }, nil
}
