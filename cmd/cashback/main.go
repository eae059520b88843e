// Package main запускает сервис кэшбэка: телеграм-бот и HTTP-сервер.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/cashback-system/internal/bot"
	"github.com/mmeshcher/cashback-system/internal/config"
	"github.com/mmeshcher/cashback-system/internal/fiscal"
	"github.com/mmeshcher/cashback-system/internal/handler"
	"github.com/mmeshcher/cashback-system/internal/middleware"
	"github.com/mmeshcher/cashback-system/internal/qr"
	"github.com/mmeshcher/cashback-system/internal/repository"
	"github.com/mmeshcher/cashback-system/internal/rules"
	"github.com/mmeshcher/cashback-system/internal/service"
	"github.com/mmeshcher/cashback-system/internal/validation"
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

	validator := validation.NewValidator(repo, cfg.DailyCheckLimit, cfg.Location)
	engine := rules.NewEngine(repo)

	svc := service.NewService(repo, qr.NewDecoder(), fiscal.NewClient(cfg.Location), validator, engine, logger)
	defer svc.Close()

	var botAPI *tgbotapi.BotAPI
	var tgBot *bot.Bot
	if cfg.TelegramBotToken != "" {
		botAPI, err = tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			sugar.Fatalw("telegram bot initialization error", "error", err.Error())
		}
		tgBot = bot.NewBot(botAPI, svc, logger)
		sugar.Infow("telegram bot authorized", "username", botAPI.Self.UserName)
	} else {
		sugar.Info("telegram bot token is not set, bot is disabled")
	}

	var updateHandler handler.UpdateHandler
	if tgBot != nil {
		updateHandler = tgBot
	}

	adminAuth := middleware.NewAdminAuth(cfg.AdminToken)
	h := handler.NewHandler(svc, updateHandler, logger, adminAuth)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Приём обновлений телеграма: вебхук либо long polling
	if botAPI != nil {
		if cfg.TelegramWebhookURL != "" {
			if err := tgBot.RegisterWebhook(cfg.TelegramWebhookURL); err != nil {
				sugar.Fatalw("webhook registration error", "error", err.Error())
			}
			sugar.Infow("telegram webhook registered", "url", cfg.TelegramWebhookURL)
		} else {
			u := tgbotapi.NewUpdate(0)
			u.Timeout = 30
			updates := botAPI.GetUpdatesChan(u)

			g.Go(func() error {
				tgBot.Run(ctx, updates)
				return nil
			})
		}
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting cashback server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		if botAPI != nil {
			botAPI.StopReceivingUpdates()
		}

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
