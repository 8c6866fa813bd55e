package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/klint-ai/klint-gpt/internal/config"
	"github.com/klint-ai/klint-gpt/internal/document"
	"github.com/klint-ai/klint-gpt/internal/handler"
	"github.com/klint-ai/klint-gpt/internal/history"
	"github.com/klint-ai/klint-gpt/internal/llm"
	"github.com/klint-ai/klint-gpt/internal/middleware"
	natsclient "github.com/klint-ai/klint-gpt/internal/nats"
	"github.com/klint-ai/klint-gpt/internal/prompt"
	"github.com/klint-ai/klint-gpt/internal/retrieval"
	"github.com/klint-ai/klint-gpt/internal/service"
	"github.com/klint-ai/klint-gpt/internal/store"
	"github.com/klint-ai/klint-gpt/pkg/logger"
	"github.com/klint-ai/klint-gpt/pkg/tracing"
)

// loadConfig reads the environment and applies command line overrides.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg := config.Load()
	if path, _ := cmd.Flags().GetString("families"); path != "" {
		cfg.FamiliesFile = path
	}
	return cfg
}

// stores is the storage backend selected by configuration.
type stores struct {
	conversations store.ConversationStore
	projects      store.ProjectStore
	events        store.EventPublisher
	checks        map[string]handler.Check
	close         func()
}

func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stores, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		mem := store.NewMemory()
		log.Warn("using in-memory storage, data is lost on restart")
		return &stores{
			conversations: mem.Conversations(),
			projects:      mem.Projects(),
			events:        mem,
			close:         func() {},
		}, nil

	case config.StoreSQLite:
		db, err := store.OpenSQL(cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		return &stores{
			conversations: db.Conversations(),
			projects:      db.Projects(),
			events:        db,
			checks:        map[string]handler.Check{"sqlite": db.Ping},
			close:         func() { db.Close() },
		}, nil

	case config.StoreNATS:
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, err
		}
		convKV, err := nc.EnsureBucket(ctx, natsclient.ConversationsBucket)
		if err != nil {
			nc.Close()
			return nil, err
		}
		projKV, err := nc.EnsureBucket(ctx, natsclient.ProjectsBucket)
		if err != nil {
			nc.Close()
			return nil, err
		}
		streamManager := natsclient.NewStreamManager(nc, log)
		if err := streamManager.EnsureStream(ctx); err != nil {
			nc.Close()
			return nil, err
		}
		if err := streamManager.StartStats(ctx); err != nil {
			log.Warn("failed to schedule stream stats", zap.Error(err))
		}
		return &stores{
			conversations: natsclient.NewConversationStore(convKV),
			projects:      natsclient.NewProjectStore(projKV),
			events:        streamManager,
			checks:        map[string]handler.Check{"nats": nc.Ping},
			close:         func() {
				streamManager.StopStats()
				nc.Close()
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func newEmbedder(cfg *config.Config, log *logger.Logger) retrieval.Embedder {
	if !cfg.EmbeddingsEnabled() {
		return retrieval.HashEmbedder{}
	}
	e, err := retrieval.NewOpenAIEmbedder(retrieval.OpenAIConfig{
		APIKey:     cfg.EmbeddingsAPIKey,
		Endpoint:   cfg.EmbeddingsEndpoint,
		Deployment: cfg.EmbeddingsDeployment,
		APIVersion: cfg.EmbeddingsAPIVersion,
	})
	if err != nil {
		log.Warn("embeddings deployment unusable, falling back to hashing embedder", zap.Error(err))
		return retrieval.HashEmbedder{}
	}
	return e
}

// newImageGenerator returns a nil interface when generation is disabled so
// the image service can tell.
func newImageGenerator(cfg *config.Config, log *logger.Logger) service.ImageGenerator {
	if !cfg.ImageGenerationEnabled() {
		return nil
	}
	g, err := llm.NewImageGenerator(llm.ImageConfig{
		APIKey:     cfg.ImageAPIKey,
		Endpoint:   cfg.ImageEndpoint,
		Deployment: cfg.ImageDeployment,
		APIVersion: cfg.ImageAPIVersion,
	}, log)
	if err != nil {
		log.Warn("image generation disabled", zap.Error(err))
		return nil
	}
	return g
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := loadConfig(cmd)

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting API server", zap.String("version", version), zap.String("store", cfg.StoreBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "klint-gpt", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Model routing
	registry, families, err := cfg.BuildRegistry()
	if err != nil {
		return err
	}
	for _, fam := range registry.Families() {
		provisioned := 0
		for _, s := range fam.Slots {
			if s.Provisioned() {
				provisioned++
			}
		}
		if provisioned == 0 {
			log.Warn("model family has no provisioned slot", zap.String("family", string(fam.ID)))
		}
	}
	router := llm.NewRouter(registry, llm.NewPool(registry), llm.NewTracker(log), llm.NewClient(log), log)

	// Storage
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer st.close()

	// Initialize services
	summarizer := history.New(router, history.Config{
		Threshold: cfg.SummaryTokenLimit,
		KeepLast:  cfg.SummaryKeepLast,
		Family:    llm.FamilyID(families.Summary),
	}, log)
	builder := prompt.NewBuilder(summarizer, cfg.SummaryKeepLast)
	retriever := retrieval.NewRetriever(newEmbedder(cfg, log))

	chatSvc := service.NewChatService(st.conversations, st.projects, st.events, router, builder, retriever,
		service.ChatConfig{DefaultFamily: registry.Default().ID, TopK: cfg.RetrievalTopK}, log)
	docSvc := service.NewDocumentService(st.conversations, st.projects,
		document.NewExtractor(document.NewPDFService(cfg.PDFServiceURL), log), router, llm.FamilyID(families.Document), log)
	conversationSvc := service.NewConversationService(st.conversations, log)
	projectSvc := service.NewProjectService(st.projects, log)
	imageSvc := service.NewImageService(router, newImageGenerator(cfg, log))

	// Initialize handlers
	h := handler.Handlers{
		Health:        handler.NewHealthHandler(st.checks),
		Chat:          handler.NewChatHandler(chatSvc, registry, log),
		Stream:        handler.NewStreamHandler(chatSvc, log),
		Conversations: handler.NewConversationHandler(conversationSvc, log),
		Documents:     handler.NewDocumentHandler(docSvc, log),
		Projects:      handler.NewProjectHandler(projectSvc, log),
		Images:        handler.NewImageHandler(imageSvc, log),
	}
	if cfg.JWTSecret == "" && !cfg.DevMode {
		log.Warn("JWT_SECRET is empty, bearer tokens are rejected")
	}
	r := handler.NewRouter(h, handler.RouterConfig{
		Auth:              middleware.AuthConfig{JWTSecret: cfg.JWTSecret, DevMode: cfg.DevMode},
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	}, log)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
