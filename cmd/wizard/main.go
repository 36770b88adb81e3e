// Package main is the terminal client for the guided contract-risk analysis.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/safelease/risk-platform/internal/backend"
	"github.com/safelease/risk-platform/internal/cache"
	"github.com/safelease/risk-platform/internal/config"
	"github.com/safelease/risk-platform/internal/events"
	"github.com/safelease/risk-platform/internal/flow"
	"github.com/safelease/risk-platform/internal/llm"
	natsclient "github.com/safelease/risk-platform/internal/nats"
	"github.com/safelease/risk-platform/internal/syncer"
	"github.com/safelease/risk-platform/internal/wizard"
	"github.com/safelease/risk-platform/pkg/logger"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0o700); err != nil {
		log.Error("failed to create cache directory", zap.Error(err))
		os.Exit(1)
	}
	store, err := cache.Open(cfg.CachePath, log)
	if err != nil {
		log.Error("failed to open cache", zap.String("path", cfg.CachePath), zap.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	if removed, err := store.CleanupOldConversations(ctx, cfg.RetentionDays); err != nil {
		log.Warn("retention cleanup failed", zap.Error(err))
	} else if removed > 0 {
		log.Info("removed old conversations", zap.Int("count", removed))
	}

	bus := events.New(log)
	api := backend.New(cfg.APIBaseURL, backend.StaticToken(cfg.APIToken), log, backend.WithTimeout(cfg.BackendTimeout))

	// Telemetry is optional; the client works offline without it.
	var publisher *natsclient.Publisher
	if cfg.NATSURL != "" {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "risk-wizard",
		}, log)
		if err != nil {
			log.Warn("telemetry disabled", zap.Error(err))
		} else {
			defer nc.Close()
			publisher = natsclient.NewPublisher(nc)
			if err := publisher.EnsureStream(ctx); err != nil {
				log.Warn("failed to ensure stream", zap.Error(err))
			}
			forwarder, unsubscribe := natsclient.NewForwarder(bus, publisher, 0, log)
			defer unsubscribe()
			go forwarder.Run(ctx)
		}
	}

	worker := syncer.New(store, api, bus, syncer.Config{
		BatchSize:   cfg.SyncBatchSize,
		MaxAttempts: cfg.SyncMaxAttempts,
		Interval:    cfg.SyncInterval,
		Debounce:    cfg.SyncDebounce,
		Disabled:    cfg.ServerSyncDisabled,
	}, log)
	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("syncer stopped", zap.Error(err))
		}
	}()

	var opts []flow.Option
	if classifier := llmClassifier(cfg, log); classifier != nil {
		opts = append(opts, flow.WithClassifier(wizard.Chain{wizard.DefaultClassifier, classifier}))
	}
	session := flow.NewSession(api, bus, log, opts...)

	term := &terminal{
		in:        os.Stdin,
		out:       os.Stdout,
		session:   session,
		store:     store,
		syncer:    worker,
		bus:       bus,
		publisher: publisher,
		logger:    log.Named("terminal"),
	}
	if err := term.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("terminal stopped", zap.Error(err))
		os.Exit(1)
	}

	// Give the last writes one pass before exiting.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := worker.Drain(flushCtx); err != nil {
		log.Warn("final sync pass failed", zap.Error(err))
	}
}

// llmClassifier returns the fallback classifier for the configured
// provider, or nil when no key is set.
func llmClassifier(cfg *config.Config, log *logger.Logger) wizard.Classifier {
	provider := llm.Provider(cfg.DefaultLLM)
	key := cfg.AnthropicAPIKey
	if provider == llm.ProviderOpenAI {
		key = cfg.OpenAIAPIKey
	}
	if key == "" {
		return nil
	}

	client, err := llm.NewClient(provider, key)
	if err != nil {
		log.Warn("LLM classifier disabled", zap.Error(err))
		return nil
	}
	return wizard.NewLLMClassifier(client, "", 0, log)
}

