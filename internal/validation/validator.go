// Package validation содержит проверки фискальных чеков перед начислением кэшбэка.
package validation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/cashback-system/internal/model"
	"github.com/mmeshcher/cashback-system/internal/repository"
)

// Причины отклонения чека.
const (
	ReasonDuplicate  = "duplicate"
	ReasonStaleDate  = "stale_date"
	ReasonDailyLimit = "daily_limit"
)

// Ключ настройки с дневным лимитом чеков.
const settingDailyLimit = "daily_check_limit"

// RejectionError описывает отклонение чека: машинная причина и сообщение
// для пользователя.
type RejectionError struct {
	Reason  string
	Message string
}

func (e *RejectionError) Error() string {
	return "check rejected: " + e.Reason
}

// NewDuplicateRejection возвращает отклонение для повторно присланного чека.
func NewDuplicateRejection() *RejectionError {
	return &RejectionError{
		Reason:  ReasonDuplicate,
		Message: "Этот чек уже был обработан ранее.",
	}
}

// NewStaleDateRejection возвращает отклонение для чека с несегодняшней датой.
func NewStaleDateRejection(checkDate time.Time) *RejectionError {
	return &RejectionError{
		Reason:  ReasonStaleDate,
		Message: fmt.Sprintf("Чек должен быть сегодняшним. Дата чека: %s.", checkDate.Format("02.01.2006")),
	}
}

// NewDailyLimitRejection возвращает отклонение при исчерпанном дневном лимите.
func NewDailyLimitRejection(limit int) *RejectionError {
	return &RejectionError{
		Reason:  ReasonDailyLimit,
		Message: fmt.Sprintf("Достигнут лимит чеков на сегодня (%d). Попробуйте завтра.", limit),
	}
}

// Repository описывает доступ к данным, используемый валидатором.
type Repository interface {
	CheckExistsByFiscalID(ctx context.Context, fiscalID string) (bool, error)
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*model.User, error)
	CountUserChecksSince(ctx context.Context, userID int64, since time.Time) (int64, error)
	GetSetting(ctx context.Context, key string) (string, error)
}

// Validator применяет проверки к чеку: дубликат, свежесть даты, дневной лимит.
type Validator struct {
	repo         Repository
	defaultLimit int
	loc          *time.Location
	now          func() time.Time
}

// NewValidator создаёт валидатор с запасным дневным лимитом и рабочим
// часовым поясом.
func NewValidator(repo Repository, defaultLimit int, loc *time.Location) *Validator {
	return &Validator{
		repo:         repo,
		defaultLimit: defaultLimit,
		loc:          loc,
		now:          time.Now,
	}
}

// Validate проверяет чек. Первая непройденная проверка возвращает
// *RejectionError; для незарегистрированного пользователя проверка лимита
// откладывается до создания учётной записи.
func (v *Validator) Validate(ctx context.Context, fiscalID string, checkTime time.Time, telegramID int64) error {
	exists, err := v.repo.CheckExistsByFiscalID(ctx, fiscalID)
	if err != nil {
		return fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		return NewDuplicateRejection()
	}

	checkDate := checkTime.In(v.loc)
	today := v.now().In(v.loc)
	if checkDate.Year() != today.Year() || checkDate.YearDay() != today.YearDay() {
		return NewStaleDateRejection(checkDate)
	}

	user, err := v.repo.GetUserByTelegramID(ctx, telegramID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil
		}
		return fmt.Errorf("get user: %w", err)
	}

	return v.CheckDailyQuota(ctx, user.ID)
}

// CheckDailyQuota проверяет, не исчерпан ли дневной лимит чеков пользователя.
func (v *Validator) CheckDailyQuota(ctx context.Context, userID int64) error {
	limit := v.DailyLimit(ctx)

	count, err := v.repo.CountUserChecksSince(ctx, userID, v.DayStart())
	if err != nil {
		return fmt.Errorf("count checks: %w", err)
	}
	if count >= int64(limit) {
		return NewDailyLimitRejection(limit)
	}

	return nil
}

// DailyLimit возвращает дневной лимит чеков из настроек либо значение
// по умолчанию, если настройка отсутствует или непригодна.
func (v *Validator) DailyLimit(ctx context.Context) int {
	value, err := v.repo.GetSetting(ctx, settingDailyLimit)
	if err != nil {
		return v.defaultLimit
	}

	limit, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || limit <= 0 {
		return v.defaultLimit
	}

	return limit
}

// DayStart возвращает начало текущих суток в рабочем часовом поясе.
func (v *Validator) DayStart() time.Time {
	now := v.now().In(v.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, v.loc)
}
