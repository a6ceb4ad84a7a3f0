package main

import (
	"context"
	"leobot/internal/api"
	"leobot/internal/auth"
	"leobot/internal/dialog"
	"leobot/internal/llm"
	"leobot/internal/metrics"
	"leobot/internal/middleware"
	"leobot/internal/ratelimit"
	"leobot/internal/sessions"
	"leobot/internal/telegram"
	"leobot/internal/tools"
	"leobot/internal/users"
	"leobot/pkg/cache"
	"leobot/pkg/config"
	"leobot/pkg/db"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

func main() {

	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(logrus.InfoLevel)

	cfg := config.LoadConfig()

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.Warnf("Неизвестный уровень логирования %q, используем info", cfg.LogLevel)
	}

	database, err := db.NewPostgresDB(cfg)
	if err != nil {
		logrus.Fatalf("Ошибка при подключении к базе данных: %v", err)
	}
	defer database.Close()

	if err := db.InitSchema(context.Background(), database); err != nil {
		logrus.Fatalf("Ошибка при инициализации схемы: %v", err)
	}

	rdb, err := cache.NewRedisClient(cfg)
	if err != nil {
		logrus.Fatalf("Ошибка при подключении к Redis: %v", err)
	}
	defer rdb.Close()

	userRepo := users.NewRepository(database)
	userService := users.NewService(userRepo, cfg.AdminUserIDs)

	sessionRepo := sessions.NewRepository(database)
	sessionService := sessions.NewService(sessionRepo, rdb, cfg.SessionCacheTTL, cfg.MaxHistoryMessages)

	promptRepo := llm.NewPromptRepository(database)
	promptService := llm.NewPromptService(promptRepo)

	llmClient := llm.NewClient(llm.Config{
		BaseURL:         cfg.LLMBaseURL,
		APIKey:          cfg.LLMAPIKey,
		Model:           cfg.LLMModel,
		Temperature:     float32(cfg.LLMTemperature),
		MaxTokens:       cfg.LLMMaxTokens,
		RequestTimeout:  cfg.LLMRequestTimeout,
		RetryAttempts:   cfg.LLMRetryAttempts,
		RetryMinWait:    cfg.LLMRetryMinWait,
		RetryMaxWait:    cfg.LLMRetryMaxWait,
		BreakerFailures: cfg.LLMBreakerFailures,
		BreakerCooldown: cfg.LLMBreakerCooldown,
	})

	limiter := ratelimit.NewLimiter(rdb, ratelimit.Config{
		UserLimit:    cfg.RateLimitUserRequests,
		UserWindow:   cfg.RateLimitUserWindow,
		GlobalLimit:  cfg.RateLimitGlobalRequests,
		GlobalWindow: cfg.RateLimitGlobalWindow,
		FailOpen:     cfg.RateLimitFailOpen,
	})

	registry := tools.NewRegistry(cfg.ToolTimeout, tools.NewAuditRecorder(database))
	registerProviders(registry, cfg, database)

	orchestrator := dialog.NewOrchestrator(limiter, sessionService, llmClient, promptService, registry, dialog.Config{
		ContextTokens: cfg.MaxContextTokens,
		MaxToolDepth:  cfg.MaxToolDepth,
		FallbackText:  cfg.FallbackText,
	})

	telegramHandler, err := telegram.NewHandler(cfg, orchestrator, userService, sessionService, promptService)
	if err != nil {
		logrus.Fatalf("Ошибка при инициализации Telegram бота: %v", err)
	}

	apiHandler := api.NewHandler(userService, promptService, cfg)

	metrics.RegisterAll()

	botCtx, stopBot := context.WithCancel(context.Background())
	defer stopBot()

	mux := http.NewServeMux()

	if cfg.TelegramUseWebhook {
		if err := telegramHandler.SetupWebhook(); err != nil {
			logrus.Fatalf("Ошибка при установке вебхука: %v", err)
		}
		mux.HandleFunc("/webhook", telegramHandler.HandleWebhook)
	} else {
		go telegramHandler.StartPolling(botCtx)
	}

	mux.Handle("/api/auth/login", middleware.CORSMiddleware(http.HandlerFunc(apiHandler.AuthLoginHandler)))

	statsHandler := http.HandlerFunc(apiHandler.StatsHandler)
	mux.Handle("/api/admin/stats", middleware.CORSMiddleware(auth.JWTMiddleware(statsHandler, cfg.JWTSigningKey)))

	systemPromptHandler := http.HandlerFunc(apiHandler.SystemPromptHandler)
	mux.Handle("/api/admin/system-prompt", middleware.CORSMiddleware(auth.JWTMiddleware(systemPromptHandler, cfg.JWTSigningKey)))

	blockUserHandler := http.HandlerFunc(apiHandler.BlockUserHandler)
	mux.Handle("/api/admin/users/block", middleware.CORSMiddleware(auth.JWTMiddleware(blockUserHandler, cfg.JWTSigningKey)))

	deleteUserHandler := http.HandlerFunc(apiHandler.DeleteUserHandler)
	mux.Handle("/api/admin/users", middleware.CORSMiddleware(auth.JWTMiddleware(deleteUserHandler, cfg.JWTSigningKey)))

	mux.HandleFunc("/healthz", metrics.HealthHandler)
	mux.Handle("/readyz", metrics.ReadinessHandler(map[string]metrics.Check{
		"postgres": func(ctx context.Context) error { return database.PingContext(ctx) },
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		"llm":      llmClient.Health,
	}))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:    cfg.ServerHost + ":" + cfg.ServerPort,
		Handler: mux,
	}

	go func() {
		logrus.Infof("Сервер запущен на %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Ошибка при запуске сервера: %v", err)
		}
	}()

	telegramHandler.NotifyStartup(cfg.LLMModel, registry.ProviderNames())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Завершение работы сервера...")

	telegramHandler.NotifyShutdown()
	stopBot()
	if !cfg.TelegramUseWebhook {
		telegramHandler.StopPolling()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logrus.Errorf("Ошибка при остановке сервера: %v", err)
	}
	registry.Shutdown(ctx)

	logrus.Info("Сервер остановлен")
}

func registerProviders(registry *tools.Registry, cfg *config.Config, database *sqlx.DB) {
	ctx := context.Background()

	for _, name := range cfg.EnabledTools {
		var provider tools.Provider
		switch name {
		case "filesystem":
			provider = tools.NewFilesystemProvider(cfg.FilesystemBasePath)
		case "database":
			provider = tools.NewDatabaseProvider(database)
		case "web":
			provider = tools.NewWebProvider()
		case "news":
			provider = tools.NewNewsProvider()
		default:
			logrus.Warnf("Неизвестный инструмент %q в конфигурации, пропускаем", name)
			continue
		}

		if err := registry.Register(ctx, provider); err != nil {
			logrus.Errorf("Не удалось подключить инструмент %s: %v", name, err)
		}
	}
}
