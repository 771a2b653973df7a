package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/trendlab/trendlab/internal/api"
	"github.com/trendlab/trendlab/internal/config"
	"github.com/trendlab/trendlab/internal/events"
	"github.com/trendlab/trendlab/internal/exa"
	"github.com/trendlab/trendlab/internal/llm"
	"github.com/trendlab/trendlab/internal/logging"
	"github.com/trendlab/trendlab/internal/orchestrator"
	"github.com/trendlab/trendlab/internal/research"
	"github.com/trendlab/trendlab/internal/store"
	"github.com/trendlab/trendlab/internal/store/memory"
	"github.com/trendlab/trendlab/internal/store/postgres"
	"github.com/trendlab/trendlab/internal/vision"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadEnv    = godotenv.Load
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	newLogger = logging.New
	newBroker = events.NewBroker
	newStore  = func(conn string) (store.Store, error) {
		if conn == "" {
			return memory.New(), nil
		}
		return postgres.New(conn)
	}
	newServer = func(st store.Store, broker *events.Broker, engine api.Engine, embedder llm.Embedder, links api.LinkSearcher, cfg config.Config, logger *logrus.Logger) server {
		return api.NewServer(st, broker, engine, embedder, links, cfg, logger)
	}
	notifyContext = signal.NotifyContext
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = loadEnv()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	broker := newBroker()
	st, err := newStore(cfg.PostgresURL)
	if err != nil {
		logger.Warnf("postgres unavailable, falling back to in-memory store: %v", err)
		st = memory.New()
	}

	provider := llm.NewClient(llm.ClientConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		RPM:     cfg.ProviderRPM,
	})
	chatModel := llm.NewChatModel(provider, cfg.ResearchModel)
	structuredModel := llm.NewStructuredModel(provider, cfg.StructuredModel)
	refinerModel := llm.NewStructuredModel(provider, cfg.RefinerModel)
	visionModel := llm.NewStructuredModel(provider, cfg.VisionModel)
	embeddingModel := llm.NewEmbeddingModel(provider, cfg.EmbeddingModel)

	exaClient := exa.NewClient(exa.Config{
		APIKey:  cfg.ExaAPIKey,
		BaseURL: cfg.ExaBaseURL,
	})
	visionAdapter := vision.NewAdapter(visionModel)
	researchTool := research.NewTool(exaClient, structuredModel, research.Config{
		ResultCount: cfg.SearchResultCount,
		MaxTrends:   cfg.MaxTrendsPerQuery,
	}, logger)

	engine := orchestrator.New(
		chatModel,
		structuredModel,
		refinerModel,
		embeddingModel,
		visionAdapter,
		researchTool,
		orchestrator.Config{
			MaxTurns: cfg.MaxResearchTurns,
			TopK:     cfg.RankedTrendCount,
		},
		logger,
	)

	srv := newServer(st, broker, engine, embeddingModel, exaClient, cfg, logger)

	addr := fmt.Sprintf(":%s", cfg.ServerPort)
	logger.Infof("trendlab listening on %s", addr)
	if err := srv.Start(ctx, addr); err != nil {
		return err
	}

	return nil
}
