// Package bot реализует Telegram-транспорт программы лояльности.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cashback-system/internal/repository"
	"github.com/mmeshcher/cashback-system/internal/service"
)

// API описывает используемое подмножество Telegram Bot API.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Processor описывает бизнес-логику, доступную боту.
type Processor interface {
	ProcessCheck(ctx context.Context, image []byte, telegramID int64) *service.Result
	Balance(ctx context.Context, telegramID int64) (decimal.Decimal, error)
}

// Сообщения бота.
const (
	msgWelcome = "Добро пожаловать в программу лояльности AYOQSH! 🎉\n\n" +
		"Отправьте фото QR-кода с чека, чтобы получить кэшбэк.\n\n" +
		"Команды:\n/balance — ваш баланс\n/help — помощь"
	msgHelp = "Как получить кэшбэк:\n\n" +
		"1. Сфотографируйте QR-код на фискальном чеке\n" +
		"2. Отправьте фото в этот чат\n" +
		"3. Дождитесь обработки и получите кэшбэк\n\n" +
		"Команды:\n/start — начало работы\n/balance — ваш баланс\n/help — эта справка"
	msgBalance        = "💰 Ваш общий кэшбэк: %s руб."
	msgNotRegistered  = "Вы ещё не зарегистрированы. Отправьте фото чека, чтобы начать!"
	msgPrompt         = "Отправьте фото QR-кода с чека, чтобы получить кэшбэк."
	msgProcessing     = "⏳ Обрабатываю чек..."
	msgDownloadFailed = "Не удалось загрузить изображение. Попробуйте ещё раз."
	msgInternalError  = "Произошла ошибка. Попробуйте позже."
)

// Bot обрабатывает входящие обновления Telegram.
type Bot struct {
	api        API
	processor  Processor
	logger     *zap.Logger
	httpClient *http.Client
}

// NewBot создаёт бота поверх подключённого Telegram API.
func NewBot(api API, processor Processor, logger *zap.Logger) *Bot {
	return &Bot{
		api:       api,
		processor: processor,
		logger:    logger,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// RegisterWebhook регистрирует вебхук для приёма обновлений.
func (b *Bot) RegisterWebhook(url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("build webhook config: %w", err)
	}

	if _, err := b.api.Request(wh); err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}

	return nil
}

// Run читает обновления из канала long polling до отмены контекста.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate обрабатывает одно обновление Telegram. Ошибки отправки
// ответов логируются и не прерывают обработку.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	switch {
	case msg.IsCommand():
		b.handleCommand(ctx, msg)
	case len(msg.Photo) > 0:
		// Telegram присылает варианты фото от меньшего к большему.
		photo := msg.Photo[len(msg.Photo)-1]
		b.processImage(ctx, msg.Chat.ID, msg.From.ID, photo.FileID)
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		b.processImage(ctx, msg.Chat.ID, msg.From.ID, msg.Document.FileID)
	default:
		b.reply(msg.Chat.ID, msgPrompt)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		b.reply(msg.Chat.ID, msgWelcome)
	case "help":
		b.reply(msg.Chat.ID, msgHelp)
	case "balance":
		b.sendBalance(ctx, msg.Chat.ID, msg.From.ID)
	default:
		b.reply(msg.Chat.ID, msgPrompt)
	}
}

func (b *Bot) sendBalance(ctx context.Context, chatID, telegramID int64) {
	balance, err := b.processor.Balance(ctx, telegramID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			b.reply(chatID, msgNotRegistered)
			return
		}
		b.logger.Error("balance error", zap.Int64("telegramID", telegramID), zap.Error(err))
		b.reply(chatID, msgInternalError)
		return
	}

	b.reply(chatID, fmt.Sprintf(msgBalance, balance.StringFixed(2)))
}

func (b *Bot) processImage(ctx context.Context, chatID, telegramID int64, fileID string) {
	b.reply(chatID, msgProcessing)

	data, err := b.downloadFile(ctx, fileID)
	if err != nil {
		b.logger.Warn("file download failed", zap.Int64("telegramID", telegramID), zap.Error(err))
		b.reply(chatID, msgDownloadFailed)
		return
	}

	res := b.processor.ProcessCheck(ctx, data, telegramID)
	b.reply(chatID, res.Message)
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return data, nil
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Warn("send message failed", zap.Int64("chatID", chatID), zap.Error(err))
	}
}
