// Package main запускает HTTP-сервер кампусного реестра.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/campus-ledger/internal/config"
	"github.com/mmeshcher/campus-ledger/internal/handler"
	"github.com/mmeshcher/campus-ledger/internal/metrics"
	"github.com/mmeshcher/campus-ledger/internal/middleware"
	"github.com/mmeshcher/campus-ledger/internal/model"
	"github.com/mmeshcher/campus-ledger/internal/notifier"
	"github.com/mmeshcher/campus-ledger/internal/repository"
	"github.com/mmeshcher/campus-ledger/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)

	if cfg.TokenFor != "" {
		account, err := model.ParseAccount(cfg.TokenFor)
		if err != nil {
			sugar.Fatalw("invalid token account", "error", err.Error())
		}
		token, err := authMiddleware.IssueToken(account)
		if err != nil {
			sugar.Fatalw("token issue error", "error", err.Error())
		}
		fmt.Println(token)
		return
	}

	opts := service.Options{
		Admin:    cfg.Admin,
		Validity: cfg.ValidityPeriod,
		Metrics:  metrics.New(prometheus.DefaultRegisterer),
		Logger:   logger,
	}

	if cfg.DatabaseURI != "" {
		journal, err := repository.NewPostgresJournal(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		opts.Journal = journal
	} else {
		sugar.Warn("no database configured, events are kept in memory only")
	}

	if cfg.ObserverAddress != "" {
		opts.Notifier = notifier.NewClient(cfg.ObserverAddress)
	}

	svc := service.NewService(opts)
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	restored, err := svc.Restore(ctx)
	if err != nil {
		sugar.Fatalw("journal replay error", "error", err.Error())
	}
	sugar.Infow("state restored", "events", restored, "admin", cfg.Admin.String())

	h := handler.NewHandler(svc, logger, authMiddleware, promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	g, ctx := errgroup.WithContext(ctx)

	// Перенос событий в журнал и наблюдателю
	g.Go(func() error {
		svc.RunEventRelay(ctx, cfg.RelayInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting campus ledger server", "addr", cfg.RunAddress)
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
		if err := svc.Flush(shutdownCtx); err != nil {
			return fmt.Errorf("journal flush error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
