// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/cashback-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если пользователь не найден.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrDuplicateCheck возвращается при сохранении чека с уже известным фискальным номером.
	ErrDuplicateCheck = errors.New("check already exists")
	// ErrDailyLimitReached возвращается, когда дневной лимит чеков пользователя исчерпан.
	ErrDailyLimitReached = errors.New("daily check limit reached")
	// ErrSettingNotFound возвращается, если настройка отсутствует.
	ErrSettingNotFound = errors.New("setting not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	// Суммы хранятся в NUMERIC и сканируются сразу в decimal.Decimal.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// База может подниматься дольше сервиса, пингуем с паузами.
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const userColumns = `id, telegram_id, phone, car_name, car_number, registration_date, is_active, total_cashback, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.TelegramID, &u.Phone, &u.CarName, &u.CarNumber,
		&u.RegistrationDate, &u.IsActive, &u.TotalCashback, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByTelegramID возвращает пользователя по идентификатору Telegram.
func (r *PostgresRepository) GetUserByTelegramID(ctx context.Context, telegramID int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE telegram_id = $1`,
		telegramID,
	)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return u, nil
}

// GetOrCreateUser возвращает пользователя по идентификатору Telegram, создавая
// запись при первом обращении. Второй результат сообщает, была ли запись
// создана этим вызовом.
func (r *PostgresRepository) GetOrCreateUser(ctx context.Context, telegramID int64) (*model.User, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO users (telegram_id) VALUES ($1) ON CONFLICT (telegram_id) DO NOTHING`,
		telegramID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert user: %w", err)
	}

	created := cmdTag.RowsAffected() == 1

	u, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE telegram_id = $1`,
		telegramID,
	))
	if err != nil {
		return nil, false, fmt.Errorf("select user: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit tx: %w", err)
	}

	return u, created, nil
}

// CheckExistsByFiscalID сообщает, был ли уже сохранён чек с указанным фискальным номером.
func (r *PostgresRepository) CheckExistsByFiscalID(ctx context.Context, fiscalID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM checks WHERE fiscal_id = $1)`,
		fiscalID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check fiscal id: %w", err)
	}
	return exists, nil
}

// CountUserChecksSince возвращает число чеков пользователя, принятых начиная с указанного момента.
func (r *PostgresRepository) CountUserChecksSince(ctx context.Context, userID int64, since time.Time) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM checks WHERE user_id = $1 AND created_at >= $2`,
		userID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count checks: %w", err)
	}
	return count, nil
}

// CreateCheckParams описывает данные для атомарного сохранения чека.
type CreateCheckParams struct {
	UserID     int64
	FiscalID   string
	Amount     decimal.Decimal
	Datetime   time.Time
	SourceURL  string
	Cashback   decimal.Decimal
	RawData    json.RawMessage
	DailyLimit int
	DayStart   time.Time
}

// CreateCheckWithVisit атомарно сохраняет чек с посещением и увеличивает
// накопленный кэшбэк пользователя, возвращая новый итог. Строка пользователя
// блокируется: параллельные отправки не должны превышать дневной лимит.
func (r *PostgresRepository) CreateCheckWithVisit(ctx context.Context, p CreateCheckParams) (*model.Check, decimal.Decimal, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var dummy int
	err = tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1 FOR UPDATE`, p.UserID).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, decimal.Zero, ErrUserNotFound
		}
		return nil, decimal.Zero, fmt.Errorf("lock user for update: %w", err)
	}

	// Пересчитываем лимит под блокировкой: проверка до транзакции могла устареть.
	var count int64
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM checks WHERE user_id = $1 AND created_at >= $2`,
		p.UserID, p.DayStart,
	).Scan(&count)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("count checks: %w", err)
	}
	if count >= int64(p.DailyLimit) {
		return nil, decimal.Zero, ErrDailyLimitReached
	}

	var check model.Check
	err = tx.QueryRow(ctx,
		`INSERT INTO checks (user_id, fiscal_id, amount, datetime, source_url, cashback_amount, raw_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, user_id, fiscal_id, amount, datetime, source_url, cashback_amount, raw_data, created_at, updated_at`,
		p.UserID, p.FiscalID, p.Amount, p.Datetime, p.SourceURL, p.Cashback, p.RawData,
	).Scan(&check.ID, &check.UserID, &check.FiscalID, &check.Amount, &check.Datetime,
		&check.SourceURL, &check.CashbackAmount, &check.RawData, &check.CreatedAt, &check.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, decimal.Zero, fmt.Errorf("%w: %s", ErrDuplicateCheck, p.FiscalID)
		}
		return nil, decimal.Zero, fmt.Errorf("insert check: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO visits (user_id, check_id) VALUES ($1, $2)`,
		p.UserID, check.ID,
	)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("insert visit: %w", err)
	}

	var total decimal.Decimal
	err = tx.QueryRow(ctx,
		`UPDATE users SET total_cashback = total_cashback + $2, updated_at = now()
		 WHERE id = $1
		 RETURNING total_cashback`,
		p.UserID, p.Cashback,
	).Scan(&total)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, decimal.Zero, fmt.Errorf("commit tx: %w", err)
	}

	return &check, total, nil
}

// ActiveRules возвращает активные правила начисления в порядке применения.
func (r *PostgresRepository) ActiveRules(ctx context.Context) ([]model.CashbackRule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, rule_type, threshold, cash_amount, percentage, priority, is_active, created_at
		 FROM cashback_rules
		 WHERE is_active = true
		 ORDER BY priority DESC, threshold DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select rules: %w", err)
	}
	defer rows.Close()

	var res []model.CashbackRule
	for rows.Next() {
		var (
			rule     model.CashbackRule
			ruleType string
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &ruleType, &rule.Threshold,
			&rule.CashAmount, &rule.Percentage, &rule.Priority, &rule.IsActive, &rule.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule.RuleType = model.RuleType(ruleType)

		res = append(res, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetSetting возвращает значение настройки по ключу.
func (r *PostgresRepository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = $1`,
		key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrSettingNotFound, key)
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// DashboardStats собирает агрегаты для панели администратора: показатели
// с начала текущих суток, накопительные итоги и последние принятые чеки.
func (r *PostgresRepository) DashboardStats(ctx context.Context, dayStart time.Time) (*model.DashboardStats, error) {
	stats := &model.DashboardStats{
		RecentChecks: []model.CheckSummary{},
		ActiveRules:  []model.RuleSummary{},
	}

	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount), 0), COALESCE(SUM(cashback_amount), 0)
		 FROM checks
		 WHERE created_at >= $1`,
		dayStart,
	).Scan(&stats.TodayChecks, &stats.TodayRevenue, &stats.TodayCashback)
	if err != nil {
		return nil, fmt.Errorf("today checks: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM visits WHERE created_at >= $1`,
		dayStart,
	).Scan(&stats.TodayVisits)
	if err != nil {
		return nil, fmt.Errorf("today visits: %w", err)
	}

	err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&stats.TotalUsers)
	if err != nil {
		return nil, fmt.Errorf("total users: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount), 0), COALESCE(SUM(cashback_amount), 0) FROM checks`,
	).Scan(&stats.TotalChecks, &stats.TotalRevenue, &stats.TotalCashback)
	if err != nil {
		return nil, fmt.Errorf("total checks: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, fiscal_id, amount, cashback_amount, created_at
		 FROM checks
		 ORDER BY created_at DESC
		 LIMIT 10`,
	)
	if err != nil {
		return nil, fmt.Errorf("select recent checks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c model.CheckSummary
		if err := rows.Scan(&c.ID, &c.FiscalID, &c.Amount, &c.Cashback, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent check: %w", err)
		}
		stats.RecentChecks = append(stats.RecentChecks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	activeRules, err := r.ActiveRules(ctx)
	if err != nil {
		return nil, err
	}
	for _, rule := range activeRules {
		stats.ActiveRules = append(stats.ActiveRules, model.RuleSummary{
			Name:       rule.Name,
			RuleType:   rule.RuleType,
			Threshold:  rule.Threshold,
			CashAmount: rule.CashAmount,
			Percentage: rule.Percentage,
			Priority:   rule.Priority,
		})
	}

	return stats, nil
}
