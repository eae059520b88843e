package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/cashback-system/internal/fiscal"
	"github.com/mmeshcher/cashback-system/internal/model"
	"github.com/mmeshcher/cashback-system/internal/repository"
	"github.com/mmeshcher/cashback-system/internal/validation"
)

type stubRepo struct {
	user    *model.User
	created bool
	userErr error

	getUser    *model.User
	getUserErr error

	check        *model.Check
	total        decimal.Decimal
	createErr    error
	createCalled bool
	lastParams   repository.CreateCheckParams

	stats    *model.DashboardStats
	statsErr error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) GetUserByTelegramID(ctx context.Context, telegramID int64) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) GetOrCreateUser(ctx context.Context, telegramID int64) (*model.User, bool, error) {
	return s.user, s.created, s.userErr
}

func (s *stubRepo) CreateCheckWithVisit(ctx context.Context, p repository.CreateCheckParams) (*model.Check, decimal.Decimal, error) {
	s.createCalled = true
	s.lastParams = p
	return s.check, s.total, s.createErr
}

func (s *stubRepo) DashboardStats(ctx context.Context, dayStart time.Time) (*model.DashboardStats, error) {
	return s.stats, s.statsErr
}

type stubDecoder struct {
	payload string
	err     error
}

func (s *stubDecoder) Decode(data []byte) (string, error) {
	return s.payload, s.err
}

type stubFetcher struct {
	receipt *fiscal.Receipt
	err     error
	gotURL  string
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) (*fiscal.Receipt, error) {
	s.gotURL = url
	return s.receipt, s.err
}

type stubValidator struct {
	validateErr error
	quotaErr    error
	quotaCalled bool
	limit       int
	dayStart    time.Time
}

func (s *stubValidator) Validate(ctx context.Context, fiscalID string, checkTime time.Time, telegramID int64) error {
	return s.validateErr
}

func (s *stubValidator) CheckDailyQuota(ctx context.Context, userID int64) error {
	s.quotaCalled = true
	return s.quotaErr
}

func (s *stubValidator) DailyLimit(ctx context.Context) int { return s.limit }

func (s *stubValidator) DayStart() time.Time { return s.dayStart }

type stubRules struct {
	cashback decimal.Decimal
	err      error
}

func (s *stubRules) Compute(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.cashback, s.err
}

type testEnv struct {
	repo      *stubRepo
	decoder   *stubDecoder
	fetcher   *stubFetcher
	validator *stubValidator
	rules     *stubRules
	svc       *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	env := &testEnv{
		repo: &stubRepo{
			user:  &model.User{ID: 1, TelegramID: 42},
			check: &model.Check{ID: 5, FiscalID: "123", Amount: decimal.RequireFromString("150.50")},
			total: decimal.RequireFromString("25.50"),
		},
		decoder: &stubDecoder{payload: "https://ofd.example.com/check/123"},
		fetcher: &stubFetcher{
			receipt: &fiscal.Receipt{
				FiscalID:  "123",
				Amount:    decimal.RequireFromString("150.50"),
				Datetime:  time.Now(),
				SourceURL: "https://ofd.example.com/check/123",
				Raw:       []byte(`{"RRN":"123"}`),
			},
		},
		validator: &stubValidator{
			limit:    10,
			dayStart: time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC),
		},
		rules: &stubRules{cashback: decimal.RequireFromString("7.53")},
	}

	env.svc = NewService(env.repo, env.decoder, env.fetcher, env.validator, env.rules, logger)
	return env
}

func TestProcessCheck_Success(t *testing.T) {
	env := newTestEnv(t)

	res := env.svc.ProcessCheck(context.Background(), []byte("image"), 42)

	if !res.Success {
		t.Fatalf("Success = false, message %q", res.Message)
	}
	if res.Check == nil || res.Check.ID != 5 {
		t.Fatalf("unexpected check: %+v", res.Check)
	}
	if res.Cashback == nil || res.Cashback.StringFixed(2) != "7.53" {
		t.Fatalf("unexpected cashback: %v", res.Cashback)
	}
	if !strings.Contains(res.Message, "150.50") || !strings.Contains(res.Message, "7.53") || !strings.Contains(res.Message, "25.50") {
		t.Fatalf("message %q does not contain amounts", res.Message)
	}

	if env.fetcher.gotURL != "https://ofd.example.com/check/123" {
		t.Fatalf("fetch url = %q", env.fetcher.gotURL)
	}
	if env.validator.quotaCalled {
		t.Fatalf("quota re-check must run only for a created user")
	}

	p := env.repo.lastParams
	if p.UserID != 1 || p.FiscalID != "123" || p.DailyLimit != 10 {
		t.Fatalf("unexpected params: %+v", p)
	}
	if !p.DayStart.Equal(env.validator.dayStart) {
		t.Fatalf("day start = %v, want %v", p.DayStart, env.validator.dayStart)
	}
	if p.Cashback.StringFixed(2) != "7.53" {
		t.Fatalf("cashback param = %s", p.Cashback)
	}
}

func TestProcessCheck_DecodeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.decoder.err = errors.New("no qr")

	res := env.svc.ProcessCheck(context.Background(), []byte("image"), 42)

	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Message != msgQRNotFound {
		t.Fatalf("message = %q, want %q", res.Message, msgQRNotFound)
	}
	if env.fetcher.gotURL != "" {
		t.Fatalf("fetch must not run after decode failure")
	}
}

func TestProcessCheck_FetchFailure(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.receipt = nil
	env.fetcher.err = fiscal.ErrFetchFailed

	res := env.svc.ProcessCheck(context.Background(), []byte("image"), 42)

	if res.Message != msgFetchFailed {
		t.Fatalf("message = %q, want %q", res.Message, msgFetchFailed)
	}
	if env.repo.createCalled {
		t.Fatalf("check must not be created after fetch failure")
	}
}

func TestProcessCheck_ValidationRejection(t *testing.T) {
	env := newTestEnv(t)
	env.validator.validateErr = validation.NewDuplicateRejection()

	res := env.svc.ProcessCheck(context.Background(), []byte("image"), 42)

	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Message != validation.NewDuplicateRejection().Message {
		t.Fatalf("message = %q", res.Message)
	}
	if env.repo.createCalled {
		t.Fatalf("check must not be created after rejection")
	}
}

func TestProcessCheck_ValidationInternalError(t *testing.T) {
	env := newTestEnv(t)
	env.validator.validateErr = errors.New("db down")

	res := env.svc.ProcessCheck(context.Background(), []byte("image"), 42)

	if res.Message != msgInternal {
		t.Fatalf("message = %q, want %q", res.Message, msgInternal)
	}
}

func TestProcessCheck_CreatedUserQuotaRecheck(t *testing.T) {
	env := newTestEnv(t)
	env.repo.created = true
	env.validator.quotaErr = validation.NewDailyLimitRejection(0)

	res := env.svc.ProcessCheck(context.Background(), []byte("image"), 42)

	if !env.validator.quotaCalled {
		t.Fatalf("quota re-check did not run for created user")
	}
	if res.Success || env.repo.createCalled {
		t.Fatalf("check must not be created when quota rejects")
	}
	if res.Message != validation.NewDailyLimitRejection(0).Message {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestProcessCheck_RuleEngineError(t *testing.T) {
	env := newTestEnv(t)
	env.rules.err = errors.New("rules broken")

	res := env.svc.ProcessCheck(context.Background(), []byte("image"), 42)

	if res.Message != msgInternal {
		t.Fatalf("message = %q, want %q", res.Message, msgInternal)
	}
	if env.repo.createCalled {
		t.Fatalf("check must not be created after rules failure")
	}
}

func TestProcessCheck_PersistenceConflicts(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{
			name:    "duplicate check",
			err:     repository.ErrDuplicateCheck,
			wantMsg: validation.NewDuplicateRejection().Message,
		},
		{
			name:    "daily limit",
			err:     repository.ErrDailyLimitReached,
			wantMsg: validation.NewDailyLimitRejection(10).Message,
		},
		{
			name:    "storage error",
			err:     errors.New("tx aborted"),
			wantMsg: msgInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.repo.check = nil
			env.repo.createErr = tt.err

			res := env.svc.ProcessCheck(context.Background(), []byte("image"), 42)

			if res.Success {
				t.Fatalf("expected failure")
			}
			if res.Check != nil {
				t.Fatalf("check must be nil on failure")
			}
			if res.Message != tt.wantMsg {
				t.Fatalf("message = %q, want %q", res.Message, tt.wantMsg)
			}
		})
	}
}

func TestBalance(t *testing.T) {
	env := newTestEnv(t)
	env.repo.getUser = &model.User{ID: 1, TotalCashback: decimal.RequireFromString("33.10")}

	balance, err := env.svc.Balance(context.Background(), 42)
	if err != nil {
		t.Fatalf("Balance error: %v", err)
	}
	if balance.StringFixed(2) != "33.10" {
		t.Fatalf("balance = %s, want 33.10", balance.StringFixed(2))
	}
}

func TestBalance_UserNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.repo.getUserErr = repository.ErrUserNotFound

	_, err := env.svc.Balance(context.Background(), 42)
	if !errors.Is(err, repository.ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
}

func TestDashboardStats_PassThrough(t *testing.T) {
	env := newTestEnv(t)
	env.repo.stats = &model.DashboardStats{TotalUsers: 7}

	stats, err := env.svc.DashboardStats(context.Background())
	if err != nil {
		t.Fatalf("DashboardStats error: %v", err)
	}
	if stats.TotalUsers != 7 {
		t.Fatalf("TotalUsers = %d, want 7", stats.TotalUsers)
	}
}
