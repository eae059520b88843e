// Package rules реализует движок правил начисления кэшбэка.
package rules

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cashback-system/internal/model"
)

// Repository описывает доступ к правилам начисления. Правила возвращаются
// в порядке применения: priority DESC, threshold DESC.
type Repository interface {
	ActiveRules(ctx context.Context) ([]model.CashbackRule, error)
}

// Engine вычисляет сумму кэшбэка по активным правилам.
type Engine struct {
	repo Repository
}

// NewEngine создаёт движок правил поверх хранилища.
func NewEngine(repo Repository) *Engine {
	return &Engine{repo: repo}
}

var hundred = decimal.NewFromInt(100)

// Compute вычисляет кэшбэк для суммы чека. Правила fixed и percentage
// останавливают обработку после срабатывания, tiered накапливаются.
// Итог округляется до двух знаков банковским округлением.
func (e *Engine) Compute(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, nil
	}

	activeRules, err := e.repo.ActiveRules(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load rules: %w", err)
	}

	total := decimal.Zero
	for _, rule := range activeRules {
		if rule.Threshold.GreaterThan(amount) {
			continue
		}

		contribution, stop := evaluate(rule, amount)
		total = total.Add(contribution)
		if stop {
			break
		}
	}

	return total.RoundBank(2), nil
}

// evaluate возвращает вклад правила и признак остановки обработки.
func evaluate(rule model.CashbackRule, amount decimal.Decimal) (decimal.Decimal, bool) {
	switch rule.RuleType {
	case model.RuleTypeFixed:
		return rule.CashAmount, true
	case model.RuleTypePercentage:
		return amount.Mul(rule.Percentage).Div(hundred), true
	case model.RuleTypeTiered:
		if rule.CashAmount.IsPositive() {
			return rule.CashAmount, false
		}
		if rule.Percentage.IsPositive() {
			base := amount.Sub(rule.Threshold)
			return base.Mul(rule.Percentage).Div(hundred), false
		}
		return decimal.Zero, false
	default:
		return decimal.Zero, false
	}
}
