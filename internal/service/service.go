// Package service реализует бизнес-логику обработки чеков и начисления кэшбэка.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cashback-system/internal/fiscal"
	"github.com/mmeshcher/cashback-system/internal/model"
	"github.com/mmeshcher/cashback-system/internal/repository"
	"github.com/mmeshcher/cashback-system/internal/validation"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*model.User, error)
	GetOrCreateUser(ctx context.Context, telegramID int64) (*model.User, bool, error)
	CreateCheckWithVisit(ctx context.Context, p repository.CreateCheckParams) (*model.Check, decimal.Decimal, error)
	DashboardStats(ctx context.Context, dayStart time.Time) (*model.DashboardStats, error)
}

// Decoder извлекает полезную нагрузку QR-кода из изображения.
type Decoder interface {
	Decode(data []byte) (string, error)
}

// Fetcher получает канонические данные чека из фискального API.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fiscal.Receipt, error)
}

// Validator проверяет чек перед начислением.
type Validator interface {
	Validate(ctx context.Context, fiscalID string, checkTime time.Time, telegramID int64) error
	CheckDailyQuota(ctx context.Context, userID int64) error
	DailyLimit(ctx context.Context) int
	DayStart() time.Time
}

// RuleEngine вычисляет сумму кэшбэка для суммы чека.
type RuleEngine interface {
	Compute(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)
}

// Сообщения пользователю об итоге обработки чека.
const (
	msgQRNotFound  = "Не удалось распознать QR-код на изображении. Пожалуйста, убедитесь, что фото четкое и содержит QR-код чека."
	msgFetchFailed = "Не удалось получить данные чека по QR-коду. Проверьте, что чек действителен."
	msgInternal    = "Произошла ошибка при обработке чека. Попробуйте позже."
	msgSuccess     = "✅ Чек успешно обработан!\n\n💰 Сумма чека: %s руб.\n🎁 Кэшбэк: %s руб.\n📊 Ваш общий кэшбэк: %s руб.\n\nСпасибо за покупку!"
)

// Result описывает итог обработки чека для отправки пользователю.
type Result struct {
	Success  bool
	Message  string
	Check    *model.Check
	Cashback *decimal.Decimal
}

// Service связывает этапы обработки чека: распознавание QR-кода, запрос
// фискальных данных, валидацию, расчёт кэшбэка и сохранение.
type Service struct {
	repo      Repository
	decoder   Decoder
	fetcher   Fetcher
	validator Validator
	rules     RuleEngine
	logger    *zap.Logger
}

// NewService создаёт сервис обработки чеков.
func NewService(repo Repository, decoder Decoder, fetcher Fetcher, validator Validator, rules RuleEngine, logger *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		decoder:   decoder,
		fetcher:   fetcher,
		validator: validator,
		rules:     rules,
		logger:    logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// ProcessCheck обрабатывает фотографию чека от пользователя. Любая неудача
// на любом этапе возвращает Result с сообщением и без побочных эффектов;
// паника через эту границу не проходит.
func (s *Service) ProcessCheck(ctx context.Context, image []byte, telegramID int64) *Result {
	payload, err := s.decoder.Decode(image)
	if err != nil {
		s.logger.Info("qr decode failed", zap.Int64("telegramID", telegramID), zap.Error(err))
		return &Result{Message: msgQRNotFound}
	}

	receipt, err := s.fetcher.Fetch(ctx, payload)
	if err != nil {
		s.logger.Info("fiscal fetch failed", zap.Int64("telegramID", telegramID), zap.Error(err))
		return &Result{Message: msgFetchFailed}
	}

	if err := s.validator.Validate(ctx, receipt.FiscalID, receipt.Datetime, telegramID); err != nil {
		return s.rejectionResult(telegramID, receipt.FiscalID, err)
	}

	user, created, err := s.repo.GetOrCreateUser(ctx, telegramID)
	if err != nil {
		s.logger.Error("get or create user error", zap.Int64("telegramID", telegramID), zap.Error(err))
		return &Result{Message: msgInternal}
	}

	// Для только что созданной учётной записи лимит ещё не проверялся.
	if created {
		if err := s.validator.CheckDailyQuota(ctx, user.ID); err != nil {
			return s.rejectionResult(telegramID, receipt.FiscalID, err)
		}
	}

	cashback, err := s.rules.Compute(ctx, receipt.Amount)
	if err != nil {
		s.logger.Error("cashback computation error", zap.String("fiscalID", receipt.FiscalID), zap.Error(err))
		return &Result{Message: msgInternal}
	}

	check, total, err := s.repo.CreateCheckWithVisit(ctx, repository.CreateCheckParams{
		UserID:     user.ID,
		FiscalID:   receipt.FiscalID,
		Amount:     receipt.Amount,
		Datetime:   receipt.Datetime,
		SourceURL:  receipt.SourceURL,
		Cashback:   cashback,
		RawData:    receipt.Raw,
		DailyLimit: s.validator.DailyLimit(ctx),
		DayStart:   s.validator.DayStart(),
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateCheck):
			return s.rejectionResult(telegramID, receipt.FiscalID, validation.NewDuplicateRejection())
		case errors.Is(err, repository.ErrDailyLimitReached):
			return s.rejectionResult(telegramID, receipt.FiscalID, validation.NewDailyLimitRejection(s.validator.DailyLimit(ctx)))
		}
		s.logger.Error("create check error", zap.String("fiscalID", receipt.FiscalID), zap.Error(err))
		return &Result{Message: msgInternal}
	}

	s.logger.Info("check accepted",
		zap.Int64("userID", user.ID),
		zap.String("fiscalID", check.FiscalID),
		zap.String("amount", check.Amount.StringFixed(2)),
		zap.String("cashback", cashback.StringFixed(2)),
	)

	return &Result{
		Success:  true,
		Message:  fmt.Sprintf(msgSuccess, check.Amount.StringFixed(2), cashback.StringFixed(2), total.StringFixed(2)),
		Check:    check,
		Cashback: &cashback,
	}
}

func (s *Service) rejectionResult(telegramID int64, fiscalID string, err error) *Result {
	var rej *validation.RejectionError
	if errors.As(err, &rej) {
		s.logger.Info("check rejected",
			zap.Int64("telegramID", telegramID),
			zap.String("fiscalID", fiscalID),
			zap.String("reason", rej.Reason),
		)
		return &Result{Message: rej.Message}
	}

	s.logger.Error("check validation error", zap.Int64("telegramID", telegramID), zap.Error(err))
	return &Result{Message: msgInternal}
}

// Balance возвращает накопленный кэшбэк пользователя.
func (s *Service) Balance(ctx context.Context, telegramID int64) (decimal.Decimal, error) {
	user, err := s.repo.GetUserByTelegramID(ctx, telegramID)
	if err != nil {
		return decimal.Zero, err
	}
	return user.TotalCashback, nil
}

// DashboardStats возвращает агрегаты для панели администратора.
func (s *Service) DashboardStats(ctx context.Context) (*model.DashboardStats, error) {
	return s.repo.DashboardStats(ctx, s.validator.DayStart())
}
