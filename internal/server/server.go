// Пакет server — HTTP-сервер VitaVault с TLS и graceful shutdown.
// TLS опционален: внутри кластера сервис может работать по HTTP
// с TLS termination на API Gateway.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vitavault/vitavault/internal/api/handlers"
	"github.com/vitavault/vitavault/internal/api/middleware"
	"github.com/vitavault/vitavault/internal/config"
)

// Server — HTTP-сервер VitaVault.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными маршрутами и middleware.
// jwtAuth может быть nil — тогда API работает без аутентификации
// (владелец берётся из параметра запроса, режим для разработки).
func New(
	cfg *config.Config,
	logger *slog.Logger,
	records *handlers.RecordsHandler,
	shares *handlers.SharesHandler,
	scans *handlers.ScanHandler,
	health *handlers.HealthHandler,
	jwtAuth *middleware.JWTAuth,
) *Server {
	router := chi.NewRouter()

	// Глобальные middleware
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	// Health и metrics — без аутентификации: их опрашивает Kubernetes
	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Get("/metrics", health.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		// Выдача по разделяемой ссылке доступна предъявителю токена
		r.Get("/shared/{token}", shares.FetchShared)

		r.Group(func(r chi.Router) {
			if jwtAuth != nil {
				r.Use(jwtAuth.Middleware())
			}
			r.Get("/records", records.List)
			r.Post("/records", records.Create)
			r.Get("/records/{id}", records.Get)
			r.Delete("/records/{id}", records.Delete)
			r.Post("/records/{id}/shares", shares.Create)
			r.Get("/records/{id}/shares", shares.List)
			r.Delete("/shares/{id}", shares.Revoke)

			// Сканирование документа: загрузка, правка, подтверждение
			r.Post("/scans", scans.Start)
			r.Get("/scans/{scanId}", scans.Get)
			r.Put("/scans/{scanId}/data", scans.SetData)
			r.Post("/scans/{scanId}/confirm", scans.Confirm)
			r.Post("/scans/{scanId}/credential", scans.Credential)
			r.Post("/scans/{scanId}/retry", scans.Retry)
			r.Delete("/scans/{scanId}", scans.Cancel)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSCert != ""),
		)

		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
