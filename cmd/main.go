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

	"github.com/go-chi/chi/v5"
	"github.com/go-co-op/gocron/v2"
	_ "github.com/lib/pq"

	"github.com/coinarena/settlement-engine/config"
	"github.com/coinarena/settlement-engine/db"
	"github.com/coinarena/settlement-engine/handlers"
	"github.com/coinarena/settlement-engine/ledger"
	"github.com/coinarena/settlement-engine/live"
	"github.com/coinarena/settlement-engine/repositories"
	api "github.com/coinarena/settlement-engine/routes"
	"github.com/coinarena/settlement-engine/services"
	"github.com/coinarena/settlement-engine/storage"
)

func main() {
	// Настройка логгера
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("configuration loaded", slog.Int("port", cfg.ServerPort))

	// Подключение к базе данных
	dbConn, err := db.Connect(cfg.DatabaseURL, 5*time.Second)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error("failed to close database connection", slog.Any("error", err))
		} else {
			logger.Info("database connection closed")
		}
	}()
	logger.Info("database connection established")

	// Клиент внешнего расчётного леджера
	ledgerClient, err := ledger.NewHTTPClient(ledger.HTTPClientConfig{
		BaseURL: cfg.LedgerBaseURL,
		APIKey:  cfg.LedgerAPIKey,
		Timeout: cfg.LedgerTimeout,
	})
	if err != nil {
		logger.Error("failed to initialize ledger client", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("ledger client initialized", slog.Duration("timeout", cfg.LedgerTimeout))

	// Инициализация WebSocket Hub для событий расчёта
	wsHub := live.NewHub(logger)
	go wsHub.Run()
	logger.Info("live event hub started")

	// Архив отчётов о расчётах (Cloudflare R2), опционально
	var archiver services.SettlementArchiver
	if cfg.ReportArchiveEnabled() {
		uploader, err := storage.NewCloudflareR2Uploader(storage.CloudflareR2UploaderConfig{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			PublicBaseURL:   cfg.R2PublicBaseURL,
		})
		if err != nil {
			logger.Error("failed to initialize report uploader", slog.Any("error", err))
			os.Exit(1)
		}
		archiver = services.NewReportService(uploader, logger)
		logger.Info("settlement report archive enabled", slog.String("bucket", cfg.R2BucketName))
	} else {
		logger.Info("settlement report archive disabled")
	}

	// Инициализация репозиториев
	tournamentRepo := repositories.NewPostgresTournamentRepository(dbConn)
	participantRepo := repositories.NewPostgresParticipantRepository(dbConn)
	logger.Info("repositories initialized")

	// Инициализация сервисов
	tournamentService := services.NewTournamentService(tournamentRepo, participantRepo, logger)
	settlementService := services.NewSettlementService(
		tournamentRepo,
		participantRepo,
		ledgerClient,
		wsHub,
		archiver,
		cfg.LedgerTimeout,
		logger,
	)
	logger.Info("services initialized")

	// Планировщик автоматической смены статусов турниров по времени
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		logger.Error("failed to create scheduler", slog.Any("error", err))
		os.Exit(1)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.SchedulerInterval),
		gocron.NewTask(func() {
			if err := tournamentService.AutoUpdateTournamentStatusesByDates(context.Background()); err != nil {
				logger.Error("tournament status update run failed", slog.Any("error", err))
			}
		}),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		logger.Error("failed to schedule tournament status updates", slog.Any("error", err))
		os.Exit(1)
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			logger.Error("failed to shut down scheduler", slog.Any("error", err))
		}
	}()
	logger.Info("tournament status scheduler started", slog.Duration("interval", cfg.SchedulerInterval))

	// Инициализация обработчиков HTTP
	tournamentHandler := handlers.NewTournamentHandler(tournamentService)
	settlementHandler := handlers.NewSettlementHandler(settlementService)
	webSocketHandler := handlers.NewWebSocketHandler(wsHub, logger)
	logger.Info("HTTP handlers initialized")

	// Настройка маршрутизатора
	router := chi.NewRouter()
	api.SetupRoutes(
		router,
		cfg.JWTSecretKey,
		tournamentHandler,
		settlementHandler,
		webSocketHandler,
	)
	logger.Info("routes configured")

	// Настройка и запуск HTTP-сервера
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.String("address", server.Addr))
		serverErrors <- server.ListenAndServe()
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		} else {
			logger.Info("server stopped gracefully")
		}
	case sig := <-quit:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()

		logger.Info("shutting down server", slog.Duration("timeout", 15*time.Second))
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", slog.Any("error", err))
			if closeErr := server.Close(); closeErr != nil {
				logger.Error("failed to force close server", slog.Any("error", closeErr))
			}
			os.Exit(1)
		} else {
			logger.Info("server shutdown complete")
		}
	}
	logger.Info("application exited")
}
