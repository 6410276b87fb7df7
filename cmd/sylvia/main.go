// Package main запускает HTTP-сервер сервиса визиток.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sylviabot/card-system/internal/config"
	"github.com/sylviabot/card-system/internal/handler"
	"github.com/sylviabot/card-system/internal/lookup"
	"github.com/sylviabot/card-system/internal/middleware"
	"github.com/sylviabot/card-system/internal/repository"
	"github.com/sylviabot/card-system/internal/service"
	"github.com/sylviabot/card-system/internal/workflow"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	lookupClient := lookup.NewClient(cfg.LookupAddress)

	svc := service.NewService(repo, cfg.RedirectBaseURL, logger)
	defer svc.Close()

	wf := workflow.NewManager(svc, lookupClient, nil, logger, cfg.SessionTimeout)

	signMiddleware := middleware.NewSignMiddleware(cfg.StatsSecret)
	h := handler.NewHandler(svc, wf, logger, signMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой очистки просроченных диалогов
	g.Go(func() error {
		wf.StartSessionSweeper(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting sylvia server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
