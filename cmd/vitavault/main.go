// Точка входа VitaVault — защищённое хранилище медицинских документов.
// Загружает конфигурацию, подключается к PostgreSQL, применяет миграции,
// создаёт клиенты pinning-сервиса, шлюза шифрования и Gemini, сервисный
// слой и API handlers, запускает мониторинг зависимостей
// (topologymetrics) и HTTP-сервер
// с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/vitavault/vitavault/internal/api/handlers"
	"github.com/vitavault/vitavault/internal/api/middleware"
	"github.com/vitavault/vitavault/internal/config"
	"github.com/vitavault/vitavault/internal/database"
	"github.com/vitavault/vitavault/internal/domain/pipeline"
	"github.com/vitavault/vitavault/internal/extraction"
	"github.com/vitavault/vitavault/internal/ipfsclient"
	"github.com/vitavault/vitavault/internal/litclient"
	"github.com/vitavault/vitavault/internal/repository"
	"github.com/vitavault/vitavault/internal/server"
	"github.com/vitavault/vitavault/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("VitaVault запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("VV_DEPHEALTH_GROUP") == "" {
		logger.Warn("VV_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 5. Клиент pinning-сервиса (контентно-адресуемое хранилище)
	blobs := ipfsclient.New(cfg.PinURL, cfg.PinGatewayURL, cfg.PinJWT, cfg.PinTimeout, logger)
	logger.Info("Клиент pinning-сервиса создан",
		slog.String("api_url", cfg.PinURL),
		slog.String("gateway_url", cfg.PinGatewayURL),
	)

	// 6. Клиент шлюза сети шифрования (Lit)
	lit := litclient.New(cfg.LitGatewayURL, cfg.LitNetwork, cfg.LitTimeout, logger)
	logger.Info("Клиент шлюза шифрования создан",
		slog.String("gateway_url", cfg.LitGatewayURL),
		slog.String("network", cfg.LitNetwork),
	)

	// 7. Извлечение данных документа (Gemini). Без ключа API
	// сканирование отвечает 503, остальные операции работают.
	var extractor pipeline.Extractor
	if cfg.GeminiAPIKey != "" {
		gemini, gemErr := extraction.NewGeminiExtractor(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
		if gemErr != nil {
			logger.Error("Ошибка создания Gemini-клиента", slog.String("error", gemErr.Error()))
			os.Exit(1)
		}
		extractor = gemini
		logger.Info("Gemini-клиент создан", slog.String("model", cfg.GeminiModel))
	} else {
		logger.Warn("VV_GEMINI_API_KEY не задан, сканирование документов отключено")
	}

	// 8. Repositories
	recordRepo := repository.NewRecordRepository(pool)
	logRepo := repository.NewAccessLogRepository(pool)
	shareRepo := repository.NewShareRepository(pool)

	// 9. Services
	cache := service.NewCacheService(cfg.CacheSize, cfg.CacheTTL)
	recordSvc := service.NewRecordService(recordRepo, logRepo, blobs, cache, logger)
	shareSvc := service.NewShareService(shareRepo, recordRepo, logRepo, blobs, logger)
	scanSvc := service.NewScanService(extractor, lit, blobs, recordRepo, cfg.MaxDocumentSize, logger)

	// 10. Readiness checker (PostgreSQL) и health handler
	pgChecker := database.NewReadinessChecker(pool)
	healthHandler := handlers.NewHealthHandler(pgChecker)

	// 11. API handlers
	recordsHandler := handlers.NewRecordsHandler(recordSvc, logger)
	sharesHandler := handlers.NewSharesHandler(shareSvc, logger)
	scanHandler := handlers.NewScanHandler(scanSvc, cfg.MaxDocumentSize, logger)

	// 12. JWT middleware (опционально: без VV_JWKS_URL API открыт,
	// владелец берётся из параметра запроса — режим для разработки)
	var jwtAuth *middleware.JWTAuth
	if cfg.JWKSUrl != "" {
		jwtAuth, err = middleware.NewJWTAuth(cfg.JWKSUrl, cfg.JWKSCACert, logger)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("JWT middleware инициализирован", slog.String("jwks_url", cfg.JWKSUrl))
	} else {
		logger.Warn("VV_JWKS_URL не задан, API работает без аутентификации")
	}

	// 13. topologymetrics — мониторинг внешних зависимостей
	// (шлюз сети шифрования + gateway pinning-сервиса)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		cfg.DephealthName,
		cfg.DephealthGroup,
		cfg.LitGatewayURL,
		cfg.PinGatewayURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 14. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, recordsHandler, sharesHandler, scanHandler, healthHandler, jwtAuth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 15. Остановка фоновых задач и закрытие сессии шифрования
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	lit.Disconnect(context.Background())

	logger.Info("VitaVault остановлен")
}
