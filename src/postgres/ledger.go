package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/onemorebsmith/camly-rewards/src/storage"
	"github.com/pkg/errors"
)

func (s *Store) EnsureAccount(ctx context.Context, accountId string) (*model.Account, error) {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO accounts(id, balance, created_at) VALUES ($1, 0, $2) ON CONFLICT (id) DO NOTHING`,
		accountId, s.now()); err != nil {
		return nil, errors.Wrapf(err, "failed to create account %s", accountId)
	}
	return s.GetAccount(ctx, accountId)
}

func (s *Store) GetAccount(ctx context.Context, accountId string) (*model.Account, error) {
	acct := &model.Account{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, balance, created_at FROM accounts WHERE id = $1`, accountId).
		Scan(&acct.Id, &acct.Balance, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch account %s", accountId)
	}
	acct.CreatedAt = acct.CreatedAt.UTC()
	return acct, nil
}

// lockAccount creates the account if needed and holds its row lock until the tx ends
func (s *Store) lockAccount(ctx context.Context, tx pgx.Tx, accountId string) (int64, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts(id, balance, created_at) VALUES ($1, 0, $2) ON CONFLICT (id) DO NOTHING`,
		accountId, s.now()); err != nil {
		return 0, errors.Wrapf(err, "failed to create account %s", accountId)
	}
	balance := int64(0)
	if err := tx.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, accountId).Scan(&balance); err != nil {
		return 0, errors.Wrapf(err, "failed to lock account %s", accountId)
	}
	return balance, nil
}

func reservedAmount(ctx context.Context, q querier, accountId string) (int64, error) {
	reserved := int64(0)
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::BIGINT FROM reward_claims
			WHERE account_id = $1 AND status IN ('pending', 'approved')`, accountId).Scan(&reserved)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to sum reserved claims for %s", accountId)
	}
	return reserved, nil
}

// consumeDailyLimit is the atomic check-and-increment. The conditional UPDATE holds the row lock
// so concurrent credits for the same day serialize on it.
func consumeDailyLimit(ctx context.Context, tx pgx.Tx, day time.Time, amount int64, defaultCap int64) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO daily_reward_limits(date, total_distributed, daily_limit) VALUES ($1, 0, $2)
			ON CONFLICT (date) DO NOTHING`, day, defaultCap); err != nil {
		return errors.Wrap(err, "failed to create daily reward limit")
	}
	tag, err := tx.Exec(ctx,
		`UPDATE daily_reward_limits SET total_distributed = total_distributed + $2
			WHERE date = $1 AND total_distributed + $2 <= daily_limit`, day, amount)
	if err != nil {
		return errors.Wrap(err, "failed to increment daily reward limit")
	}
	if tag.RowsAffected() == 0 {
		return model.ErrDailyCapExceeded
	}
	return nil
}

// appendEntry writes the entry and moves the cached balance by the same amount. Caller must hold
// the account lock.
func (s *Store) appendEntry(ctx context.Context, tx pgx.Tx, entry model.LedgerEntry) (*model.AccrualResult, error) {
	if entry.Id == "" {
		entry.Id = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries(id, account_id, action_type, amount, description, created_at)
			VALUES ($1, $2, $3::reward_action_type, $4, $5, $6)`,
		entry.Id, entry.AccountId, string(entry.ActionType), entry.Amount, entry.Description, entry.CreatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to insert ledger entry for %s", entry.AccountId)
	}
	balance := int64(0)
	if err := tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $2 WHERE id = $1 RETURNING balance`,
		entry.AccountId, entry.Amount).Scan(&balance); err != nil {
		return nil, errors.Wrapf(err, "failed to update balance for %s", entry.AccountId)
	}
	return &model.AccrualResult{Entry: &entry, NewBalance: balance}, nil
}

func (s *Store) Accrue(ctx context.Context, accrual storage.Accrual) (*model.AccrualResult, error) {
	var result *model.AccrualResult
	err := s.DoTx(ctx, func(tx pgx.Tx) error {
		entry := accrual.Entry
		balance, err := s.lockAccount(ctx, tx, entry.AccountId)
		if err != nil {
			return err
		}
		if entry.Amount < 0 && accrual.ClampToAvailable {
			reserved, err := reservedAmount(ctx, tx, entry.AccountId)
			if err != nil {
				return err
			}
			available := balance - reserved
			if available <= 0 {
				return model.ErrNothingToDeduct
			}
			if -entry.Amount > available {
				entry.Amount = -available
			}
		}
		if entry.Amount > 0 {
			if err := consumeDailyLimit(ctx, tx, model.LedgerDay(accrual.Day), entry.Amount, accrual.DefaultCap); err != nil {
				return err
			}
		}
		result, err = s.appendEntry(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetLedgerHistory(ctx context.Context, accountId string, limit int) ([]*model.LedgerEntry, error) {
	var fetched []*model.LedgerEntry
	err := s.DoQuery(ctx, func(conn *pgxpool.Conn) error {
		cur, err := conn.Query(ctx,
			`SELECT id, account_id, action_type, amount, description, created_at
				FROM ledger_entries WHERE account_id = $1
				ORDER BY created_at DESC, id DESC LIMIT NULLIF($2, 0)`, accountId, limit)
		if err != nil {
			return errors.Wrapf(err, "failed to fetch ledger history for %s", accountId)
		}
		defer cur.Close()

		for cur.Next() {
			var actionType string
			e := &model.LedgerEntry{}
			if err := cur.Scan(&e.Id, &e.AccountId, &actionType, &e.Amount, &e.Description, &e.CreatedAt); err != nil {
				return errors.Wrap(err, "failed to scan ledger entry")
			}
			e.ActionType = model.ActionType(actionType)
			e.CreatedAt = e.CreatedAt.UTC()
			fetched = append(fetched, e)
		}
		return cur.Err()
	})
	if err != nil {
		return nil, err
	}
	return fetched, nil
}

func (s *Store) SumLedger(ctx context.Context, accountId string) (int64, error) {
	sum := int64(0)
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::BIGINT FROM ledger_entries WHERE account_id = $1`, accountId).Scan(&sum)
	return sum, errors.Wrapf(err, "failed to sum ledger for %s", accountId)
}

func (s *Store) GetDailyLimit(ctx context.Context, day time.Time) (*model.DailyRewardLimit, error) {
	limit := &model.DailyRewardLimit{}
	err := s.pool.QueryRow(ctx,
		`SELECT date, total_distributed, daily_limit FROM daily_reward_limits WHERE date = $1`,
		model.LedgerDay(day)).Scan(&limit.Date, &limit.TotalDistributed, &limit.Cap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch daily reward limit")
	}
	limit.Date = model.LedgerDay(limit.Date)
	return limit, nil
}

func (s *Store) SetDailyCap(ctx context.Context, day time.Time, cap int64) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO daily_reward_limits(date, total_distributed, daily_limit) VALUES ($1, 0, $2)
			ON CONFLICT (date) DO UPDATE SET daily_limit = EXCLUDED.daily_limit
			WHERE daily_reward_limits.total_distributed <= EXCLUDED.daily_limit`,
		model.LedgerDay(day), cap)
	if err != nil {
		return errors.Wrap(err, "failed to set daily cap")
	}
	if tag.RowsAffected() == 0 {
		return &model.ValidationError{Field: "cap", Reason: "below amount already distributed"}
	}
	return nil
}
