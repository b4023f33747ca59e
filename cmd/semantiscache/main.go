// Package main is the entry point for the semantic response cache server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sathvik-mn/semantiscache/internal/cache"
	"github.com/sathvik-mn/semantiscache/internal/config"
	"github.com/sathvik-mn/semantiscache/internal/domain"
	"github.com/sathvik-mn/semantiscache/internal/httpapi"
	"github.com/sathvik-mn/semantiscache/internal/keyregistry"
	"github.com/sathvik-mn/semantiscache/internal/provider"
	"github.com/sathvik-mn/semantiscache/internal/resilience"
	"github.com/sathvik-mn/semantiscache/internal/routing/health"
	"github.com/sathvik-mn/semantiscache/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	flag.Parse()

	cfg := config.LoadOrDefault(*configPath)

	logger := slog.New(newLogHandler(cfg.Logging))
	slog.SetDefault(logger)

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.HTTPPort = p
		} else {
			logger.Warn("ignoring malformed PORT env var", "value", port)
		}
	}

	logger.Info("starting semantiscache", "http_port", cfg.Server.HTTPPort)

	embedder, chatProvider, metrics, tracker := buildProviders(cfg, logger)

	persistence := cache.NewPersistence(cfg.Persistence.SnapshotPath, logger)
	engine := cache.NewEngine(embedder, chatProvider, cfg.Cache.EmbeddingCacheCapacity, logger, persistence.SignalSnapshot)

	if err := persistence.Load(engine); err != nil {
		logger.Error("failed to load snapshot", "error", err)
	}

	go persistence.Run(engine)

	db, err := keyregistry.NewDB(cfg.Database)
	if err != nil {
		logger.Error("failed to connect to key registry database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	keyReg := keyregistry.NewRegistry(db)

	server := httpapi.NewServer(engine, keyReg, logger, cfg.Cache.DefaultTTLSeconds, metrics, tracker)

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	persistence.Stop()
	if err := persistence.Save(engine); err != nil {
		logger.Error("final snapshot save failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("semantiscache stopped")
}

// buildProviders constructs the embedding and chat collaborators, wrapping
// either stub or Bedrock clients with the shared retry / circuit-breaker /
// health / telemetry stack.
func buildProviders(cfg *config.Config, logger *slog.Logger) (domain.EmbeddingProvider, domain.ChatProvider, *telemetry.Metrics, *health.Tracker) {
	breaker := resilience.NewCircuitBreaker()
	tracker := health.NewTracker()
	metrics := telemetry.NewMetrics(nil)

	var embedder domain.EmbeddingProvider
	switch cfg.Embedder.Type {
	case "bedrock":
		validateBedrockModelsOnce(cfg, logger)
		client, err := newBedrockClient(cfg, logger)
		if err != nil {
			logger.Error("failed to build bedrock embedding client, falling back to stub", "error", err)
			embedder = provider.NewStubEmbeddingProvider()
		} else {
			embedder = provider.NewBedrockEmbeddingProvider(client)
		}
	default:
		embedder = provider.NewStubEmbeddingProvider()
	}

	var chatProvider domain.ChatProvider
	switch cfg.Chat.Type {
	case "bedrock":
		validateBedrockModelsOnce(cfg, logger)
		client, err := newBedrockClient(cfg, logger)
		if err != nil {
			logger.Error("failed to build bedrock chat client, falling back to stub", "error", err)
			chatProvider = provider.NewStubChatProvider()
		} else {
			chatProvider = provider.NewBedrockChatProvider(client, cfg.Chat.InputCostPer1M, cfg.Chat.OutputCostPer1M)
		}
	default:
		chatProvider = provider.NewStubChatProvider()
	}

	instrumentedEmbedder := provider.NewInstrumentedEmbeddingProvider(embedder, breaker, tracker, metrics)
	instrumentedChat := provider.NewInstrumentedChatProvider(chatProvider, breaker, tracker, metrics)
	return instrumentedEmbedder, instrumentedChat, metrics, tracker
}

var bedrockValidateOnce sync.Once

// validateBedrockModelsOnce checks the configured model IDs exist in the
// target account/region via the Bedrock control plane, once per process.
// Failure is logged, never fatal: a transient control-plane error should
// not block startup when the data-plane calls might still succeed.
func validateBedrockModelsOnce(cfg *config.Config, logger *slog.Logger) {
	bedrockValidateOnce.Do(func() {
		region := cfg.Embedder.Region
		if region == "" {
			region = cfg.Chat.Region
		}
		accessKeyID := cfg.Embedder.AccessKeyID
		if accessKeyID == "" {
			accessKeyID = cfg.Chat.AccessKeyID
		}
		secretAccessKey := cfg.Embedder.SecretAccessKey
		if secretAccessKey == "" {
			secretAccessKey = cfg.Chat.SecretAccessKey
		}

		err := provider.ValidateBedrockModels(context.Background(), provider.BedrockConfig{
			Region:          region,
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
			EmbeddingModel:  cfg.Embedder.Model,
			ChatModel:       cfg.Chat.Model,
			Connection:      domain.DefaultConnectionSettings(),
		})
		if err != nil {
			logger.Warn("bedrock model validation failed", "error", err)
		} else {
			logger.Info("bedrock model validation passed")
		}
	})
}

func newBedrockClient(cfg *config.Config, logger *slog.Logger) (*provider.BedrockClient, error) {
	region := cfg.Embedder.Region
	accessKeyID := cfg.Embedder.AccessKeyID
	secretAccessKey := cfg.Embedder.SecretAccessKey
	if region == "" {
		region = cfg.Chat.Region
	}
	if accessKeyID == "" {
		accessKeyID = cfg.Chat.AccessKeyID
	}
	if secretAccessKey == "" {
		secretAccessKey = cfg.Chat.SecretAccessKey
	}

	return provider.NewBedrockClient(context.Background(), provider.BedrockConfig{
		Region:           region,
		AccessKeyID:      accessKeyID,
		SecretAccessKey:  secretAccessKey,
		EmbeddingModel:   cfg.Embedder.Model,
		ChatModel:        cfg.Chat.Model,
		ExtraCredentials: extraBedrockCredentials(cfg),
		Connection:       domain.DefaultConnectionSettings(),
	})
}

// extraBedrockCredentials converts configured standby IAM credential sets
// into the rotation pool a BedrockClient's KeySelector draws from.
func extraBedrockCredentials(cfg *config.Config) []*provider.Credential {
	if len(cfg.BedrockCredentials) == 0 {
		return nil
	}
	creds := make([]*provider.Credential, 0, len(cfg.BedrockCredentials))
	for _, c := range cfg.BedrockCredentials {
		creds = append(creds, &provider.Credential{
			ID:              c.ID,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
			Priority:        c.Priority,
			HealthScore:     1.0,
		})
	}
	return creds
}

// newLogHandler builds a slog handler matching the configured format and
// level.
func newLogHandler(cfg config.LoggingConfig) slog.Handler {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}
