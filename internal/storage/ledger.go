package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// ErrInsufficientCredits is returned by DebitCredits when the balance is
// smaller than the requested amount. No rows are touched in that case.
var ErrInsufficientCredits = errors.New("insufficient credits")

// DebitCredits atomically decrements a user's balance and returns the
// pre-debit balance. The guard and the decrement happen in one statement, so
// two concurrent debits for the same user cannot both pass an insufficient
// balance check. The pre-debit balance is what a later refund must restore,
// independent of any balance changes in between.
func (s *Store) DebitCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit amount must be non-negative, got %d", amount)
	}
	q := s.sql.Update("users").
		Set("credits", sq.Expr("credits - ?", amount)).
		Where(sq.Eq{"id": userID}).
		Where(sq.Expr("credits >= ?", amount)).
		Suffix("RETURNING credits")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build debit query: %w", err)
	}

	var after int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&after); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Either the user does not exist or the balance is too low;
			// disambiguate so callers can surface the right message.
			if _, userErr := s.GetUser(ctx, userID); userErr != nil {
				return 0, userErr
			}
			return 0, ErrInsufficientCredits
		}
		return 0, fmt.Errorf("debit credits: %w", err)
	}

	before := after + amount
	_ = s.LogAction(ctx, AuditEntry{UserID: userID, Action: "ledger.debit", Amount: amount})
	return before, nil
}

// RefundCredits unconditionally increments a user's balance by the exact
// amount previously debited. Callers must invoke it at most once per debit;
// the generation pipelines guarantee that by refunding only inside their
// single failure boundary.
func (s *Store) RefundCredits(ctx context.Context, userID string, amount int64, reason string) error {
	if amount <= 0 {
		return nil
	}
	q := s.sql.Update("users").
		Set("credits", sq.Expr("credits + ?", amount)).
		Where(sq.Eq{"id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build refund query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("refund credits: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}

	_ = s.LogAction(ctx, AuditEntry{
		UserID:   userID,
		Action:   "ledger.refund",
		Amount:   amount,
		MetaJSON: fmt.Sprintf(`{"reason":%q}`, reason),
	})
	return nil
}

// GetCredits reads the current balance.
func (s *Store) GetCredits(ctx context.Context, userID string) (int64, error) {
	q := s.sql.Select("credits").From("users").Where(sq.Eq{"id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build get credits query: %w", err)
	}
	var credits int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&credits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get credits: %w", err)
	}
	return credits, nil
}
