package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/onemorebsmith/camly-rewards/src/model"
	"github.com/pkg/errors"
)

const claimColumns = `id, account_id, wallet_address, amount, status, tx_hash, created_at, processed_at, admin_notes`

func scanClaim(row pgx.Row) (*model.ClaimRequest, error) {
	c := &model.ClaimRequest{}
	var wallet, status string
	if err := row.Scan(&c.Id, &c.AccountId, &wallet, &c.Amount, &status,
		&c.TxHash, &c.CreatedAt, &c.ProcessedAt, &c.AdminNotes); err != nil {
		return nil, err
	}
	c.WalletAddress = model.WalletAddr(wallet)
	c.Status = model.ClaimStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	if c.ProcessedAt != nil {
		p := c.ProcessedAt.UTC()
		c.ProcessedAt = &p
	}
	return c, nil
}

func getClaim(ctx context.Context, q querier, claimId string) (*model.ClaimRequest, error) {
	c, err := scanClaim(q.QueryRow(ctx, `SELECT `+claimColumns+` FROM reward_claims WHERE id = $1`, claimId))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrClaimNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch claim %s", claimId)
	}
	return c, nil
}

// claimConflict explains why a guarded update on a claim touched no rows
func claimConflict(ctx context.Context, q querier, claimId string, expected model.ClaimStatus) error {
	current, err := getClaim(ctx, q, claimId)
	if err != nil {
		return err
	}
	if current.Status != expected {
		return &model.StatusConflictError{ClaimId: claimId, Expected: expected, Actual: current.Status}
	}
	return model.ErrConcurrentModification
}

func (s *Store) CreateClaim(ctx context.Context, claim model.ClaimRequest) (*model.ClaimRequest, error) {
	if claim.Id == "" {
		claim.Id = uuid.NewString()
	}
	if claim.CreatedAt.IsZero() {
		claim.CreatedAt = s.now()
	}
	var created *model.ClaimRequest
	err := s.DoTx(ctx, func(tx pgx.Tx) error {
		balance := int64(0)
		err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, claim.AccountId).Scan(&balance)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(err, "failed to lock account %s", claim.AccountId)
		}
		reserved, err := reservedAmount(ctx, tx, claim.AccountId)
		if err != nil {
			return err
		}
		if available := balance - reserved; claim.Amount > available {
			return &model.InsufficientBalanceError{AccountId: claim.AccountId, Requested: claim.Amount, Available: available}
		}
		created, err = scanClaim(tx.QueryRow(ctx,
			`INSERT INTO reward_claims(id, account_id, wallet_address, amount, status, created_at)
				VALUES ($1, $2, $3, $4, 'pending', $5) RETURNING `+claimColumns,
			claim.Id, claim.AccountId, string(claim.WalletAddress), claim.Amount, claim.CreatedAt))
		return errors.Wrap(err, "failed to insert claim")
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) GetClaim(ctx context.Context, claimId string) (*model.ClaimRequest, error) {
	return getClaim(ctx, s.pool, claimId)
}

func (s *Store) queryClaims(ctx context.Context, sql string, args ...any) ([]*model.ClaimRequest, error) {
	var fetched []*model.ClaimRequest
	err := s.DoQuery(ctx, func(conn *pgxpool.Conn) error {
		cur, err := conn.Query(ctx, sql, args...)
		if err != nil {
			return errors.Wrap(err, "failed to fetch claims from database")
		}
		defer cur.Close()
		for cur.Next() {
			c, err := scanClaim(cur)
			if err != nil {
				return errors.Wrap(err, "failed to scan claim")
			}
			fetched = append(fetched, c)
		}
		return cur.Err()
	})
	if err != nil {
		return nil, err
	}
	return fetched, nil
}

// ListClaims is oldest first, the order claims get worked
func (s *Store) ListClaims(ctx context.Context, status *model.ClaimStatus, limit int) ([]*model.ClaimRequest, error) {
	if status == nil {
		return s.queryClaims(ctx,
			`SELECT `+claimColumns+` FROM reward_claims ORDER BY created_at, id LIMIT NULLIF($1, 0)`, limit)
	}
	return s.queryClaims(ctx,
		`SELECT `+claimColumns+` FROM reward_claims WHERE status = $1::claim_status
			ORDER BY created_at, id LIMIT NULLIF($2, 0)`, string(*status), limit)
}

func (s *Store) ListClaimsByAccount(ctx context.Context, accountId string, limit int) ([]*model.ClaimRequest, error) {
	return s.queryClaims(ctx,
		`SELECT `+claimColumns+` FROM reward_claims WHERE account_id = $1
			ORDER BY created_at DESC, id DESC LIMIT NULLIF($2, 0)`, accountId, limit)
}

func (s *Store) ReservedAmount(ctx context.Context, accountId string) (int64, error) {
	return reservedAmount(ctx, s.pool, accountId)
}

func (s *Store) ApproveClaim(ctx context.Context, claimId string, at time.Time) (*model.ClaimRequest, error) {
	var approved *model.ClaimRequest
	err := s.DoTx(ctx, func(tx pgx.Tx) error {
		current, err := getClaim(ctx, tx, claimId)
		if err != nil {
			return err
		}
		balance, err := s.lockAccount(ctx, tx, current.AccountId)
		if err != nil {
			return err
		}
		approved, err = scanClaim(tx.QueryRow(ctx,
			`UPDATE reward_claims SET status = 'approved' WHERE id = $1 AND status = 'pending'
				RETURNING `+claimColumns, claimId))
		if errors.Is(err, pgx.ErrNoRows) {
			return claimConflict(ctx, tx, claimId, model.ClaimStatusPending)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to approve claim %s", claimId)
		}
		// still counted after the flip, approved claims stay reserved
		reserved, err := reservedAmount(ctx, tx, approved.AccountId)
		if err != nil {
			return err
		}
		if reserved > balance {
			return &model.InsufficientBalanceError{
				AccountId: approved.AccountId,
				Requested: approved.Amount,
				Available: balance - (reserved - approved.Amount),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return approved, nil
}

func (s *Store) RejectClaim(ctx context.Context, claimId string, from model.ClaimStatus, notes string, at time.Time) (*model.ClaimRequest, error) {
	if from.Terminal() {
		return nil, &model.StatusConflictError{ClaimId: claimId, Expected: from, Actual: from}
	}
	rejected, err := scanClaim(s.pool.QueryRow(ctx,
		`UPDATE reward_claims SET status = 'rejected', processed_at = $3, admin_notes = $4
			WHERE id = $1 AND status = $2::claim_status RETURNING `+claimColumns,
		claimId, string(from), at.UTC(), notes))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, claimConflict(ctx, s.pool, claimId, from)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reject claim %s", claimId)
	}
	return rejected, nil
}

func (s *Store) RecordClaimTx(ctx context.Context, claimId string, txHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reward_claims SET tx_hash = $2 WHERE id = $1 AND status = 'approved' AND tx_hash IS NULL`,
		claimId, txHash)
	if err != nil {
		return errors.Wrapf(err, "failed to record tx %s for claim %s", txHash, claimId)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := getClaim(ctx, s.pool, claimId)
	if err != nil {
		return err
	}
	if current.Status != model.ClaimStatusApproved {
		return &model.StatusConflictError{ClaimId: claimId, Expected: model.ClaimStatusApproved, Actual: current.Status}
	}
	if current.HasTx() && *current.TxHash == txHash {
		return nil
	}
	return model.ErrConcurrentModification
}

func (s *Store) SetClaimNotes(ctx context.Context, claimId string, notes string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reward_claims SET admin_notes = $2 WHERE id = $1 AND status IN ('pending', 'approved')`,
		claimId, notes)
	if err != nil {
		return errors.Wrapf(err, "failed to update notes for claim %s", claimId)
	}
	if tag.RowsAffected() == 0 {
		return claimConflict(ctx, s.pool, claimId, model.ClaimStatusApproved)
	}
	return nil
}

func (s *Store) CompleteClaim(ctx context.Context, completion model.ClaimCompletion) (*model.ClaimRequest, *model.AccrualResult, error) {
	var (
		claimed *model.ClaimRequest
		result  *model.AccrualResult
	)
	err := s.DoTx(ctx, func(tx pgx.Tx) error {
		current, err := getClaim(ctx, tx, completion.ClaimId)
		if err != nil {
			return err
		}
		if _, err := s.lockAccount(ctx, tx, current.AccountId); err != nil {
			return err
		}
		claimed, err = scanClaim(tx.QueryRow(ctx,
			`UPDATE reward_claims SET status = 'claimed', tx_hash = $2, processed_at = $3, admin_notes = $4
				WHERE id = $1 AND status = 'approved' AND (tx_hash IS NULL OR tx_hash = $2)
				RETURNING `+claimColumns,
			completion.ClaimId, completion.TxHash, completion.ProcessedAt.UTC(), completion.AdminNotes))
		if errors.Is(err, pgx.ErrNoRows) {
			return claimConflict(ctx, tx, completion.ClaimId, model.ClaimStatusApproved)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to complete claim %s", completion.ClaimId)
		}

		entry := completion.Withdrawal
		entry.AccountId = claimed.AccountId
		entry.ActionType = model.ActionWithdrawal
		entry.Amount = -claimed.Amount
		result, err = s.appendEntry(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return claimed, result, nil
}
