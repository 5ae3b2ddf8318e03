// Package main provides the CLI entry point for the Shadow agent orchestrator.
//
// Shadow runs server-side autonomous coding agents: each task fans out to one
// or more model variants, every variant streams its run over a websocket room,
// and background jobs index the repository and keep a codebase wiki fresh.
//
// # Basic Usage
//
// Start the server:
//
//	shadow serve --config shadow.yaml
//
// Manage database migrations:
//
//	shadow migrate up
//	shadow migrate status
//
// # Environment Variables
//
//   - SHADOW_DATABASE_URL: Postgres connection string
//   - SHADOW_JWT_SECRET: session cookie signing secret (empty = anonymous mode)
//   - SHADOW_GITHUB_WEBHOOK_SECRET: webhook HMAC secret
//   - SHADOW_WORKSPACE_ROOT: directory for variant workspaces
//   - ANTHROPIC_API_KEY: server-side fallback key for Claude models
//   - OPENAI_API_KEY: server-side fallback key for GPT models and embeddings
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shadow-agent/shadow/internal/agent"
	"github.com/shadow-agent/shadow/internal/agent/contextmgr"
	"github.com/shadow-agent/shadow/internal/agent/providers"
	"github.com/shadow-agent/shadow/internal/background"
	"github.com/shadow-agent/shadow/internal/catalog"
	"github.com/shadow-agent/shadow/internal/config"
	"github.com/shadow-agent/shadow/internal/gateway"
	"github.com/shadow-agent/shadow/internal/hub"
	"github.com/shadow-agent/shadow/internal/observability"
	"github.com/shadow-agent/shadow/internal/rag"
	"github.com/shadow-agent/shadow/internal/sessions"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "shadow",
		Short:        "Shadow - autonomous coding agent orchestrator",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(*cobra.Command, []string) {
				fmt.Printf("shadow %s (commit: %s, built: %s)\n", version, commit, date)
			},
		},
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

// runServe wires every component and blocks until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	store, err := sessions.NewPostgresStore(cfg.Database.URL, &sessions.PostgresConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer store.Close()

	migrator, err := sessions.NewMigrator(store.DB())
	if err != nil {
		return err
	}
	applied, err := migrator.Up(ctx, 0)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", "count", len(applied))
	}

	locker := sessions.NewAdvisoryRepoLocker(store.DB(), logger)

	factory := providerFactory(cfg)

	// The summarizer, wiki generator, and PR metadata generator run on
	// server-side credentials; each degrades to disabled when its provider
	// has no key configured.
	var summarizer *agent.ProviderSummarizer
	if client, err := serverClient(cfg, cfg.Agent.SummarizerModel); err != nil {
		logger.Warn("summarization disabled", "error", err)
	} else {
		summarizer = &agent.ProviderSummarizer{Client: client}
	}

	compressor := contextmgr.NewCompressor(store, cfg.Agent.SummarizerModel, logger, metrics)
	var contexts *contextmgr.Manager
	if summarizer != nil {
		contexts = contextmgr.NewManager(store, compressor, summarizer, logger, metrics)
	} else {
		contexts = contextmgr.NewManager(store, compressor, nil, logger, metrics)
	}

	var prGen *agent.PRMetadataGenerator
	if cfg.Agent.AutoPR {
		if client, err := serverClient(cfg, cfg.Agent.PRMetadataModel); err != nil {
			logger.Warn("pull-request metadata disabled", "error", err)
		} else {
			prGen = agent.NewPRMetadataGenerator(store, client, cfg.Agent.PRMetadataModel, logger)
		}
	}

	var indexer *rag.Indexer
	var vectors *rag.PostgresVectorStore
	if cfg.Background.IndexingEnabled {
		embedder, err := rag.NewOpenAIEmbedder(rag.EmbedderConfig{
			APIKey:  cfg.Providers.OpenAI.APIKey,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Model:   cfg.Indexing.EmbeddingModel,
		})
		if err != nil {
			logger.Warn("repository indexing disabled", "error", err)
		} else {
			vectors = rag.NewPostgresVectorStore(store.DB(), cfg.Indexing.Dimension)
			indexer = rag.NewIndexer(vectors, embedder, cfg.Indexing, logger)
		}
	}

	var wiki *background.WikiGenerator
	if cfg.Background.WikiEnabled && summarizer != nil {
		wiki = background.NewWikiGenerator(store, summarizer, cfg.Agent.SummarizerModel, logger)
	}
	var bgIndexer background.RepoIndexer
	if indexer != nil {
		bgIndexer = indexerAdapter{ix: indexer}
	}
	bg := background.NewManager(cfg.Background, bgIndexer, wiki, locker, logger, metrics)
	defer bg.Stop()
	if err := bg.StartSweeper(cfg.Background.WikiSweepSchedule); err != nil {
		return fmt.Errorf("start wiki sweeper: %w", err)
	}

	h := hub.New(nil, hub.Options{}, logger, metrics)
	orch := agent.NewOrchestrator(store, h, contexts, factory, bg, prGen, cfg.Agent, logger, metrics)
	h.SetCanceler(orch)

	opts := gateway.Options{
		Config:     cfg,
		Store:      store,
		Hub:        h,
		Agents:     orch,
		Contexts:   contexts,
		Background: bg,
		Logger:     logger,
		Metrics:    metrics,
	}
	if indexer != nil {
		opts.Indexing = indexer
		opts.Cleaner = vectors
	}
	srv := gateway.NewServer(opts)

	go serveMetrics(ctx, cfg, registry, logger)

	logger.Info("shadow starting",
		"version", version,
		"http_port", cfg.Server.HTTPPort,
		"metrics_port", cfg.Server.MetricsPort,
	)
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("shadow stopped")
	return nil
}

// providerFactory builds per-request provider clients, falling back to the
// server-side keys when the request envelope carries none.
func providerFactory(cfg *config.Config) agent.ClientFactory {
	return func(provider catalog.Provider, keys agent.APIKeys) (agent.ProviderClient, error) {
		switch provider {
		case catalog.ProviderAnthropic:
			key := keys.Anthropic
			if key == "" {
				key = cfg.Providers.Anthropic.APIKey
			}
			return providers.NewAnthropicClient(providers.AnthropicConfig{
				APIKey:     key,
				BaseURL:    cfg.Providers.Anthropic.BaseURL,
				MaxRetries: cfg.Providers.Anthropic.MaxRetries,
				RetryDelay: cfg.Providers.Anthropic.RetryDelay,
			})
		case catalog.ProviderOpenAI:
			key := keys.OpenAI
			if key == "" {
				key = cfg.Providers.OpenAI.APIKey
			}
			return providers.NewOpenAIClient(providers.OpenAIConfig{
				APIKey:     key,
				BaseURL:    cfg.Providers.OpenAI.BaseURL,
				MaxRetries: cfg.Providers.OpenAI.MaxRetries,
				RetryDelay: cfg.Providers.OpenAI.RetryDelay,
			})
		default:
			return nil, fmt.Errorf("unknown provider %q", provider)
		}
	}
}

// serverClient builds a provider client for a model using only server-side
// credentials.
func serverClient(cfg *config.Config, modelID string) (agent.ProviderClient, error) {
	model, err := catalog.Resolve(modelID)
	if err != nil {
		return nil, err
	}
	return providerFactory(cfg)(model.Provider, agent.APIKeys{})
}

// indexerAdapter narrows the indexer to the background manager's interface;
// per-run stats are only interesting on the HTTP API.
type indexerAdapter struct {
	ix *rag.Indexer
}

func (a indexerAdapter) IndexRepository(ctx context.Context, namespace, root string) error {
	_, err := a.ix.IndexRepository(ctx, namespace, root)
	return err
}

// serveMetrics exposes the Prometheus registry on its own port.
func serveMetrics(ctx context.Context, cfg *config.Config, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}

func buildMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
	}

	var steps int
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *sessions.Migrator) error {
				applied, err := m.Up(ctx, steps)
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Println("no pending migrations")
					return nil
				}
				for _, id := range applied {
					fmt.Printf("applied %s\n", id)
				}
				return nil
			})
		},
	}
	upCmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 = all)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *sessions.Migrator) error {
				applied, pending, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, entry := range applied {
					fmt.Printf("applied  %s  %s\n", entry.ID, entry.AppliedAt.Format(time.RFC3339))
				}
				for _, migration := range pending {
					fmt.Printf("pending  %s\n", migration.ID)
				}
				return nil
			})
		},
	}

	migrateCmd.AddCommand(upCmd, statusCmd)
	return migrateCmd
}

// withMigrator opens the configured database, runs fn, and closes it.
func withMigrator(ctx context.Context, fn func(context.Context, *sessions.Migrator) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, err := sessions.NewPostgresStore(cfg.Database.URL, nil)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer store.Close()

	migrator, err := sessions.NewMigrator(store.DB())
	if err != nil {
		return err
	}
	return fn(ctx, migrator)
}
