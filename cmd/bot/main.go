package main

import (
	"github.com/xaenox/digest-bot/internal/agent"
	"github.com/xaenox/digest-bot/internal/bot"
	"github.com/xaenox/digest-bot/internal/llm"
	"github.com/xaenox/digest-bot/internal/storage"
	"github.com/xaenox/digest-bot/internal/summarizer"
	"github.com/xaenox/digest-bot/pkg/config"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		store, err = storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		})
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Initialize LLM gateway
	gateway := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.BaseURL,
		cfg.LLM.VisionModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxRetries,
		cfg.LLM.TimeoutSeconds,
		logger,
	)

	// Initialize summarizer
	sum, err := summarizer.NewSummarizer(
		store,
		gateway,
		cfg.LLM.Model,
		cfg.Summarizer.ChunkSize,
		cfg.Summarizer.Overlap,
		cfg.Summarizer.ContextPerProblem,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to create summarizer", zap.Error(err))
	}

	// Initialize query agent
	queryAgent := agent.New(
		store,
		gateway,
		cfg.LLM.AgentModel,
		cfg.Agent.MaxIterations,
		cfg.Agent.PageSize,
		logger,
	)

	// Initialize bot
	b, err := bot.New(cfg.Telegram.Token, store, sum, queryAgent, gateway, cfg.Summarizer.AutoInterval, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	// Start the bot
	if err := b.Start(); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}
}
