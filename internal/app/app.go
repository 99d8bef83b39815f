// Package app wires the storage, provider registry and coordinator shared by
// the terminal client, the HTTP server and the worker.
package app

import (
	"context"

	"github.com/suPer8Hu/llamachat/internal/ai"
	"github.com/suPer8Hu/llamachat/internal/chat"
	"github.com/suPer8Hu/llamachat/internal/config"
	"github.com/suPer8Hu/llamachat/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	DB    *gorm.DB
	Svc   *chat.Service
	Coord *chat.Coordinator
}

// New connects and migrates the database, then builds the coordinator.
// A nil locker means an in-process lock; an empty policy means cfg.TurnPolicy.
func New(ctx context.Context, cfg config.Config, locker chat.Locker, policy string, log *zap.Logger) (*App, error) {
	gdb, err := db.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, err
	}

	svc := chat.NewService(chat.NewRepo(gdb), chat.Settings{
		ModelName:   cfg.ModelName,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}, log)

	reg := ai.NewDefaultRegistry(ai.Defaults{
		OllamaBaseURL: cfg.OllamaBaseURL,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
	})

	if policy == "" {
		policy = cfg.TurnPolicy
	}
	coord := chat.NewCoordinator(svc, reg, locker, chat.CoordinatorConfig{
		Provider:      cfg.AIProvider,
		ContextWindow: cfg.ChatContextWindowSize,
		MaxRetries:    cfg.MaxRetries,
		BatchSize:     cfg.StreamBatchSize,
		MinInterval:   cfg.StreamMinInterval.Duration,
		Policy:        policy,
	}, log)

	return &App{DB: gdb, Svc: svc, Coord: coord}, nil
}

// Close releases the database connections.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
