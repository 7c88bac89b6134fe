package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/hivemind/internal/api"
	"github.com/nidhogg/hivemind/internal/archive"
	"github.com/nidhogg/hivemind/internal/bus"
	"github.com/nidhogg/hivemind/internal/config"
	"github.com/nidhogg/hivemind/internal/coordinator"
	"github.com/nidhogg/hivemind/internal/correction"
	"github.com/nidhogg/hivemind/internal/provider"
	"github.com/nidhogg/hivemind/internal/queue"
	"github.com/nidhogg/hivemind/internal/retry"
	"github.com/nidhogg/hivemind/internal/role"
	"github.com/nidhogg/hivemind/internal/subagent"
	"github.com/nidhogg/hivemind/internal/tool"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting hivemind...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/hivemind.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx := context.Background()

	// Redis is the shared store and event fabric.
	redisURL := cfg.Database.Redis.URL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	eventBus, err := bus.Connect(ctx, redisURL, logger)
	if err != nil {
		logger.Fatal("redis unavailable", zap.Error(err))
	}
	defer eventBus.Close()

	taskQueue := queue.New(eventBus.Client(), logger)

	runCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	// Role configuration: Postgres-backed when a DSN is given, otherwise a
	// static default set. The same DSN also enables the durable task archive.
	var roles role.Provider
	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		store, err := role.Connect(ctx, dsn, logger)
		if err != nil {
			logger.Fatal("postgres unavailable", zap.Error(err))
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		roles = store

		taskArchive, err := archive.Connect(ctx, dsn, logger)
		if err != nil {
			logger.Fatal("archive unavailable", zap.Error(err))
		}
		defer taskArchive.Close()
		if err := taskArchive.Migrate(ctx); err != nil {
			logger.Fatal("archive migration failed", zap.Error(err))
		}
		go taskArchive.Run(runCtx, taskQueue, taskQueue.SubscribeUpdates(runCtx))
	} else {
		logger.Warn("no postgres DSN configured, using static roles")
		roles = role.NewStaticProvider(
			&role.Role{Name: "coder", SystemPrompt: "You are a focused coding assistant.", Delegatable: true},
			&role.Role{Name: "researcher", SystemPrompt: "You research and summarize information.", Delegatable: true},
			&role.Role{Name: "reviewer", SystemPrompt: "You review work for correctness.", Delegatable: true},
		)
	}

	// LLM provider for subagent execution.
	var llm provider.Provider
	for _, pc := range cfg.Providers {
		switch pc.Type {
		case "openai":
			llm = provider.NewOpenAIProvider(provider.Config{
				ID: pc.ID, Type: pc.Type, Name: pc.Name,
				Endpoint: pc.Endpoint, APIKey: pc.APIKey, Model: pc.Model,
			}, logger)
		default:
			logger.Warn("unknown provider type",
				zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
		if llm != nil {
			break
		}
	}

	retrier := retry.NewHandler(retryConfig(cfg.Retry), logger)

	execute := func(ctx context.Context, sa *subagent.Subagent) (string, error) {
		if llm == nil {
			return "", fmt.Errorf("no LLM provider configured")
		}
		msgs := make([]provider.Message, 0, len(sa.Context.Messages)+1)
		if sa.Context.SystemPrompt != "" {
			msgs = append(msgs, provider.Message{Role: "system", Content: sa.Context.SystemPrompt})
		}
		for _, m := range sa.Context.Messages {
			msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
		}

		res := retrier.Execute(ctx, func(ctx context.Context) (any, error) {
			return llm.Chat(ctx, &provider.ChatRequest{Messages: msgs, MaxTokens: 4096})
		})
		if !res.Success {
			return "", fmt.Errorf("chat failed after %d attempts: %s",
				res.Attempts, res.Errors[len(res.Errors)-1])
		}
		return res.Result.(*provider.ChatResponse).Content, nil
	}

	manager := subagent.NewManager(roles, execute, logger)
	if cfg.Subagent.TokenBudget > 0 {
		manager.SetTokenBudget(cfg.Subagent.TokenBudget)
	}

	coord := coordinator.New(eventBus, logger)
	sweeper := coordinator.NewSweeper(coord, time.Minute, 10*time.Minute, logger)
	go sweeper.Run(runCtx)

	// Self-correcting tool execution. The analyzer reuses the subagent LLM;
	// without one the rule table still applies.
	tools := tool.NewRegistry()
	tool.RegisterBuiltins(tools)
	analyzer := correction.NewAnalyzer(llm, providerModel(cfg), logger)
	executor := correction.NewExecutor(tools, analyzer, 0, logger)

	handler := api.NewHandler(taskQueue, coord, manager, tools, executor, logger)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}

// providerModel returns the first configured provider's model name.
func providerModel(cfg *config.Config) string {
	for _, pc := range cfg.Providers {
		if pc.Model != "" {
			return pc.Model
		}
	}
	return ""
}

// retryConfig maps the file-level retry settings onto the handler config,
// leaving zero values for the handler's defaults to fill.
func retryConfig(rc config.RetryConfig) retry.Config {
	cfg := retry.Config{
		MaxRetries:      rc.MaxRetries,
		ExponentialBase: rc.Base,
		Jitter:          rc.Jitter,
	}
	if d, err := time.ParseDuration(rc.BaseDelay); err == nil {
		cfg.BaseDelay = d
	}
	if d, err := time.ParseDuration(rc.MaxDelay); err == nil {
		cfg.MaxDelay = d
	}
	return cfg
}
