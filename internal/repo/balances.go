package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// pgTx implements Tx on top of a pgx transaction using row-level locks.
type pgTx struct {
	tx pgx.Tx
}

// LockUser creates the user if missing and locks the row until the transaction ends.
func (t *pgTx) LockUser(ctx context.Context, id int64) (*User, error) {
	if _, err := t.tx.Exec(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING;`, id); err != nil {
		return nil, fmt.Errorf("lock user insert: %w", err)
	}
	u, err := scanPgUser(t.tx.QueryRow(ctx, `SELECT `+pgUserColumns+` FROM users WHERE id = $1 FOR UPDATE;`, id))
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	return u, nil
}

// AdjustBalance applies delta to a locked user row. The balance never goes below zero.
func (t *pgTx) AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal) (decimal.Decimal, error) {
	var current string
	if err := t.tx.QueryRow(ctx, `SELECT balance::text FROM users WHERE id = $1 FOR UPDATE;`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("adjust balance: %w", ErrNotFound)
		}
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	cur, err := decimal.NewFromString(current)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	next, err := applyDelta(cur, delta)
	if err != nil {
		return cur, err
	}
	const q = `UPDATE users SET balance = $2::numeric, updated_at = NOW() WHERE id = $1;`
	if _, err := t.tx.Exec(ctx, q, id, next.StringFixed(2)); err != nil {
		return cur, fmt.Errorf("update balance: %w", err)
	}
	return next, nil
}

// LockProduct locks a product row so concurrent buyers serialize on it.
func (t *pgTx) LockProduct(ctx context.Context, id int64) (*Product, error) {
	p, err := scanPgProduct(t.tx.QueryRow(ctx, `SELECT `+pgProductColumns+` FROM products WHERE id = $1 FOR UPDATE;`, id))
	if err != nil {
		return nil, fmt.Errorf("lock product: %w", err)
	}
	return p, nil
}

// MarkProductSold consumes single-use inventory.
func (t *pgTx) MarkProductSold(ctx context.Context, id, buyer int64, at time.Time) error {
	const q = `UPDATE products SET sold_at = $3, sold_to = $2 WHERE id = $1 AND sold_at IS NULL;`
	ct, err := t.tx.Exec(ctx, q, id, buyer, at)
	if err != nil {
		return fmt.Errorf("mark product sold: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAlreadySold
	}
	return nil
}

// InsertSale appends a sale record.
func (t *pgTx) InsertSale(ctx context.Context, sale Sale) (*Sale, error) {
	const q = `
INSERT INTO sales (id, user_id, product_id, price, created_at)
VALUES ($1, $2, $3, $4::numeric, $5);
`
	if _, err := t.tx.Exec(ctx, q, sale.ID, sale.UserID, sale.ProductID, sale.Price.String(), sale.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert sale: %w", err)
	}
	return &sale, nil
}

// LockDeposit locks a deposit row for reconciliation.
func (t *pgTx) LockDeposit(ctx context.Context, orderID string) (*Deposit, error) {
	d, err := scanPgDeposit(t.tx.QueryRow(ctx, `SELECT `+pgDepositColumns+` FROM deposits WHERE order_id = $1 FOR UPDATE;`, orderID))
	if err != nil {
		return nil, fmt.Errorf("lock deposit: %w", err)
	}
	return d, nil
}

// CompleteDeposit moves a pending deposit to completed, fixing its amount.
func (t *pgTx) CompleteDeposit(ctx context.Context, orderID string, amount decimal.Decimal, at time.Time) error {
	const q = `
UPDATE deposits
SET status = 'completed', amount = $2::numeric, completed_at = $3
WHERE order_id = $1 AND status = 'pending';
`
	ct, err := t.tx.Exec(ctx, q, orderID, amount.StringFixed(2), at)
	if err != nil {
		return fmt.Errorf("complete deposit: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrDepositCompleted
	}
	return nil
}

// GetPendingAction returns the live pending action of a user. Expired actions are deleted.
func (t *pgTx) GetPendingAction(ctx context.Context, userID int64, now time.Time) (*PendingAction, error) {
	const q = `
SELECT user_id, kind, product_id, created_at, expires_at
FROM pending_actions
WHERE user_id = $1;
`
	var a PendingAction
	var kind string
	if err := t.tx.QueryRow(ctx, q, userID).Scan(&a.UserID, &kind, &a.ProductID, &a.CreatedAt, &a.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pending action: %w", err)
	}
	a.Kind = ActionKind(kind)
	if a.Expired(now) {
		if err := t.DeletePendingAction(ctx, userID); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return &a, nil
}

// PutPendingAction replaces any pending action of the user.
func (t *pgTx) PutPendingAction(ctx context.Context, action PendingAction) error {
	const q = `
INSERT INTO pending_actions (user_id, kind, product_id, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id) DO UPDATE SET
    kind = EXCLUDED.kind,
    product_id = EXCLUDED.product_id,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at;
`
	if _, err := t.tx.Exec(ctx, q, action.UserID, string(action.Kind), action.ProductID, action.CreatedAt, action.ExpiresAt); err != nil {
		return fmt.Errorf("put pending action: %w", err)
	}
	return nil
}

// DeletePendingAction clears the user's pending action, if any.
func (t *pgTx) DeletePendingAction(ctx context.Context, userID int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM pending_actions WHERE user_id = $1;`, userID); err != nil {
		return fmt.Errorf("delete pending action: %w", err)
	}
	return nil
}
