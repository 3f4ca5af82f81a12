package yakbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnUsageAccountUsageBalance = "usage_balance"
	columnUsageAccountBank         = "bank"
	columnUsageAccountTotalUsage   = "total_usage"
)

// ErrInsufficientCredit indicates a user with no spendable balance
// attempted a paid operation.
var ErrInsufficientCredit = errors.New("insufficient credit")

// UsageAccount tracks a single user's credit. UsageBalance is the daily
// allowance, refilled at the reset; Bank persists across resets and is
// only dipped into when the allowance runs dry. TotalUsage is the
// lifetime spend and only ever grows.
type UsageAccount struct {
	UserID       string  `json:"user_id" gorm:"primaryKey"`
	UsageBalance float64 `json:"usage_balance"`
	Bank         float64 `json:"bank"`
	TotalUsage   float64 `json:"total_usage"`
	ModelUnixTime
}

func (UsageAccount) TableName() string {
	return "usage_accounts"
}

func (u UsageAccount) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", u.UserID),
		slog.Float64("usage_balance", u.UsageBalance),
		slog.Float64("bank", u.Bank),
		slog.Float64("total_usage", u.TotalUsage),
	)
}

// Spendable is the total credit currently available to the user.
func (u UsageAccount) Spendable() float64 {
	return u.UsageBalance + u.Bank
}

// CreditGate mediates all credit checks and debits. Mutations for a
// given user are serialized through a per-user lock so that concurrent
// completions never interleave read-modify-write cycles on the same
// account.
type CreditGate struct {
	db          DBI
	config      *CreditConfig
	adminUserID string
	logger      *slog.Logger

	userLocks map[string]*sync.Mutex
	mu        sync.Mutex
}

func NewCreditGate(
	db DBI,
	config *CreditConfig,
	adminUserID string,
	logger *slog.Logger,
) *CreditGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &CreditGate{
		db:          db,
		config:      config,
		adminUserID: adminUserID,
		logger:      logger.With(loggerNameKey, "credit_gate"),
		userLocks:   map[string]*sync.Mutex{},
	}
}

func (c *CreditGate) userLock(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock := c.userLocks[userID]
	if lock == nil {
		lock = &sync.Mutex{}
		c.userLocks[userID] = lock
	}
	return lock
}

// initialAllowance is the allowance granted to userID at account
// creation and at each daily reset.
func (c *CreditGate) initialAllowance(userID string) float64 {
	allowance := c.config.InitialAllowance
	if userID != "" && userID == c.adminUserID {
		allowance *= c.config.AdminAllowanceMultiplier
	}
	return allowance
}

// fetchAccount loads userID's account. The bool reports whether one
// exists.
func (c *CreditGate) fetchAccount(
	ctx context.Context,
	userID string,
) (*UsageAccount, bool, error) {
	account := &UsageAccount{}
	err := c.db.DB().WithContext(ctx).Where(
		"user_id = ?", userID,
	).First(account).Error
	if err == nil {
		return account, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("error fetching usage account: %w", err)
	}
	return nil, false, nil
}

// Account returns the usage account for userID, creating it with the
// initial allowance on first sight.
func (c *CreditGate) Account(
	ctx context.Context,
	userID string,
) (*UsageAccount, error) {
	account, found, err := c.fetchAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if found {
		return account, nil
	}

	account = &UsageAccount{
		UserID:       userID,
		UsageBalance: c.initialAllowance(userID),
	}
	if _, err = c.db.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("error creating usage account: %w", err)
	}
	c.logger.InfoContext(ctx, "created usage account", "account", account)
	return account, nil
}

// Authorize checks that userID's daily allowance covers a cost
// estimate, creating the account if needed. Only the allowance counts
// here: the bank absorbs overflow during Debit but never lets a user
// start an operation their allowance can't cover.
func (c *CreditGate) Authorize(
	ctx context.Context,
	userID string,
	cost float64,
) error {
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	account, err := c.Account(ctx, userID)
	if err != nil {
		return err
	}
	if account.UsageBalance < cost {
		return ErrInsufficientCredit
	}
	return nil
}

// Debit charges cost against userID's account: the daily allowance is
// drawn down first, then any shortfall comes out of the bank. Neither
// balance goes below zero, even if the cost exceeds both. TotalUsage
// always increases by the full cost.
func (c *CreditGate) Debit(
	ctx context.Context,
	userID string,
	cost float64,
) (*UsageAccount, error) {
	if cost < 0 {
		return nil, fmt.Errorf("negative cost: %f", cost)
	}
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	account, found, err := c.fetchAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		// First sight of this user: the starting allowance absorbs the
		// charge directly, and may go negative if it doesn't cover it.
		account = &UsageAccount{
			UserID:       userID,
			UsageBalance: c.initialAllowance(userID) - cost,
			TotalUsage:   cost,
		}
		if _, err = c.db.Create(ctx, account); err != nil {
			return nil, fmt.Errorf("error creating usage account: %w", err)
		}
		c.logger.InfoContext(
			ctx,
			"created usage account on first debit",
			"cost", cost,
			"account", account,
		)
		return account, nil
	}

	remaining := account.UsageBalance - cost
	if remaining < 0 {
		shortfall := -remaining
		remaining = 0
		account.Bank -= shortfall
		if account.Bank < 0 {
			account.Bank = 0
		}
	}
	account.UsageBalance = remaining
	account.TotalUsage += cost

	if _, err = c.db.Updates(
		ctx, account, map[string]any{
			columnUsageAccountUsageBalance: account.UsageBalance,
			columnUsageAccountBank:         account.Bank,
			columnUsageAccountTotalUsage:   account.TotalUsage,
		},
	); err != nil {
		return nil, fmt.Errorf("error saving usage account: %w", err)
	}
	c.logger.InfoContext(
		ctx,
		"debited account",
		"cost", cost,
		"account", account,
	)
	return account, nil
}

// AddBank credits (or, with a negative amount, debits) the user's bank.
// The bank is floored at zero.
func (c *CreditGate) AddBank(
	ctx context.Context,
	userID string,
	amount float64,
) (*UsageAccount, error) {
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	account, err := c.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	account.Bank += amount
	if account.Bank < 0 {
		account.Bank = 0
	}
	if _, err = c.db.Update(
		ctx, account, columnUsageAccountBank, account.Bank,
	); err != nil {
		return nil, fmt.Errorf("error updating bank: %w", err)
	}
	return account, nil
}

// AddAllowance adjusts the user's daily allowance, floored at zero.
func (c *CreditGate) AddAllowance(
	ctx context.Context,
	userID string,
	amount float64,
) (*UsageAccount, error) {
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	account, err := c.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	account.UsageBalance += amount
	if account.UsageBalance < 0 {
		account.UsageBalance = 0
	}
	if _, err = c.db.Update(
		ctx, account, columnUsageAccountUsageBalance, account.UsageBalance,
	); err != nil {
		return nil, fmt.Errorf("error updating allowance: %w", err)
	}
	return account, nil
}

// ResetAllowances refills every account's daily allowance to the
// configured initial value, leaving banks and lifetime totals alone.
// The admin account gets the boosted allowance.
func (c *CreditGate) ResetAllowances(ctx context.Context) error {
	_, err := c.db.UpdatesWhere(
		ctx, &UsageAccount{},
		map[string]any{
			columnUsageAccountUsageBalance: c.config.InitialAllowance,
		},
		"1 = 1",
	)
	if err != nil {
		return fmt.Errorf("error resetting allowances: %w", err)
	}
	if c.adminUserID != "" {
		_, err = c.db.UpdatesWhere(
			ctx, &UsageAccount{},
			map[string]any{
				columnUsageAccountUsageBalance: c.initialAllowance(
					c.adminUserID,
				),
			},
			"user_id = ?", c.adminUserID,
		)
		if err != nil {
			return fmt.Errorf("error resetting admin allowance: %w", err)
		}
	}
	c.logger.InfoContext(ctx, "reset daily allowances")
	return nil
}

// Accounts returns all usage accounts ordered by lifetime spend,
// highest first.
func (c *CreditGate) Accounts(ctx context.Context) ([]UsageAccount, error) {
	var accounts []UsageAccount
	err := c.db.DB().WithContext(ctx).Order(
		clause.OrderByColumn{
			Column: clause.Column{Name: columnUsageAccountTotalUsage},
			Desc:   true,
		},
	).Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("error listing usage accounts: %w", err)
	}
	return accounts, nil
}

// dateStamp is the calendar date in loc, used as the durable reset marker.
func dateStamp(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(time.DateOnly)
}

// ResetScheduler drives the daily allowance reset. Rather than firing
// exactly at midnight, it checks hourly whether the calendar date in
// the configured timezone has moved past the durable last-reset marker,
// so a restart or downtime spanning midnight still triggers exactly one
// reset afterward.
type ResetScheduler struct {
	gate     *CreditGate
	db       DBI
	location *time.Location
	logger   *slog.Logger
	cron     *cron.Cron

	// now is swappable for tests
	now func() time.Time
}

func NewResetScheduler(
	gate *CreditGate,
	db DBI,
	timezone string,
	logger *slog.Logger,
) (*ResetScheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid reset timezone %q: %w", timezone, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResetScheduler{
		gate:     gate,
		db:       db,
		location: loc,
		logger:   logger.With(loggerNameKey, "reset_scheduler"),
		cron:     cron.New(cron.WithLocation(loc)),
		now:      time.Now,
	}, nil
}

// CheckReset performs the reset if the date in the configured timezone
// differs from the stored marker. It is idempotent within a day.
func (r *ResetScheduler) CheckReset(ctx context.Context) error {
	today := dateStamp(r.now(), r.location)

	lastReset, err := r.db.GetMeta(ctx, metaKeyLastReset)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("error reading last reset marker: %w", err)
	}
	if lastReset == today {
		return nil
	}

	if err = r.gate.ResetAllowances(ctx); err != nil {
		return err
	}
	if err = r.db.SetMeta(ctx, metaKeyLastReset, today); err != nil {
		return fmt.Errorf("error saving last reset marker: %w", err)
	}
	r.logger.InfoContext(
		ctx,
		"daily reset complete",
		"date", today,
		"previous", lastReset,
	)
	return nil
}

// Start runs an immediate catch-up check, then schedules hourly checks.
func (r *ResetScheduler) Start(ctx context.Context) error {
	if err := r.CheckReset(ctx); err != nil {
		return err
	}
	_, err := r.cron.AddFunc(
		"@hourly", func() {
			checkCtx, cancel := context.WithTimeout(
				context.Background(),
				dbOperationTimeout,
			)
			defer cancel()
			if e := r.CheckReset(checkCtx); e != nil {
				r.logger.ErrorContext(
					checkCtx,
					"scheduled reset check failed",
					tint.Err(e),
				)
			}
		},
	)
	if err != nil {
		return fmt.Errorf("error scheduling reset check: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight check.
func (r *ResetScheduler) Stop() {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
}
