// Package model содержит доменные сущности программы лояльности.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// User представляет клиента программы лояльности. Учётная запись
// идентифицируется внешним TelegramID и создаётся лениво при первом
// принятом чеке.
type User struct {
	ID               int64
	TelegramID       int64
	Phone            *string
	CarName          *string
	CarNumber        *string
	RegistrationDate time.Time
	IsActive         bool
	TotalCashback    decimal.Decimal
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Check описывает принятый фискальный чек. После создания запись не
// изменяется.
type Check struct {
	ID             int64
	UserID         int64
	FiscalID       string
	Amount         decimal.Decimal
	Datetime       time.Time
	SourceURL      string
	CashbackAmount decimal.Decimal
	RawData        json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Visit фиксирует посещение, связанное с чеком один к одному.
type Visit struct {
	ID        int64
	UserID    int64
	CheckID   int64
	CreatedAt time.Time
}

// RuleType описывает разновидность правила начисления кэшбэка.
type RuleType string

const (
	RuleTypeFixed      RuleType = "fixed"
	RuleTypePercentage RuleType = "percentage"
	RuleTypeTiered     RuleType = "tiered"
)

// CashbackRule описывает правило начисления кэшбэка. Правила читаются
// движком в порядке (priority DESC, threshold DESC).
type CashbackRule struct {
	ID         int64
	Name       string
	RuleType   RuleType
	Threshold  decimal.Decimal
	CashAmount decimal.Decimal
	Percentage decimal.Decimal
	Priority   int
	IsActive   bool
	CreatedAt  time.Time
}

// Setting хранит настройку сервиса в виде пары ключ-значение.
type Setting struct {
	Key         string
	Value       string
	Description string
}

// CheckSummary содержит сокращённое представление чека для панели
// администратора.
type CheckSummary struct {
	ID        int64           `json:"id"`
	FiscalID  string          `json:"fiscal_id"`
	Amount    decimal.Decimal `json:"amount"`
	Cashback  decimal.Decimal `json:"cashback"`
	CreatedAt time.Time       `json:"created_at"`
}

// RuleSummary содержит представление активного правила для панели
// администратора.
type RuleSummary struct {
	Name       string          `json:"name"`
	RuleType   RuleType        `json:"rule_type"`
	Threshold  decimal.Decimal `json:"threshold"`
	CashAmount decimal.Decimal `json:"cash_amount"`
	Percentage decimal.Decimal `json:"percentage"`
	Priority   int             `json:"priority"`
}

// DashboardStats содержит агрегаты панели администратора: показатели за
// сегодняшний день, накопительные итоги и последние принятые чеки.
type DashboardStats struct {
	TodayChecks   int64           `json:"today_checks"`
	TodayVisits   int64           `json:"today_visits"`
	TodayRevenue  decimal.Decimal `json:"today_revenue"`
	TodayCashback decimal.Decimal `json:"today_cashback"`
	TotalUsers    int64           `json:"total_users"`
	TotalChecks   int64           `json:"total_checks"`
	TotalRevenue  decimal.Decimal `json:"total_revenue"`
	TotalCashback decimal.Decimal `json:"total_cashback"`
	RecentChecks  []CheckSummary  `json:"recent_checks"`
	ActiveRules   []RuleSummary   `json:"active_rules"`
}
