package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// sqliteTx implements Tx. The SQLite store runs on one connection, so the
// open transaction already excludes every other writer; Lock* are plain reads.
type sqliteTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *sqliteTx) LockUser(ctx context.Context, id int64) (*User, error) {
	now := t.now()
	const q = `
INSERT INTO users (id, balance, role, created_at, updated_at)
VALUES (?, '0', 'user', ?, ?)
ON CONFLICT (id) DO NOTHING;
`
	if _, err := t.tx.ExecContext(ctx, q, id, now, now); err != nil {
		return nil, fmt.Errorf("lock user insert: %w", err)
	}
	u, err := scanSQLiteUser(t.tx.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE id = ?;`, id))
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	return u, nil
}

func (t *sqliteTx) AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal) (decimal.Decimal, error) {
	var cur decimal.Decimal
	if err := t.tx.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = ?;`, id).Scan(&cur); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("adjust balance: %w", ErrNotFound)
		}
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	next, err := applyDelta(cur, delta)
	if err != nil {
		return cur, err
	}
	const q = `UPDATE users SET balance = ?, updated_at = ? WHERE id = ?;`
	if _, err := t.tx.ExecContext(ctx, q, next.StringFixed(2), t.now(), id); err != nil {
		return cur, fmt.Errorf("update balance: %w", err)
	}
	return next, nil
}

func (t *sqliteTx) LockProduct(ctx context.Context, id int64) (*Product, error) {
	p, err := scanSQLiteProduct(t.tx.QueryRowContext(ctx, `SELECT `+sqliteProductColumns+` FROM products WHERE id = ?;`, id))
	if err != nil {
		return nil, fmt.Errorf("lock product: %w", err)
	}
	return p, nil
}

func (t *sqliteTx) MarkProductSold(ctx context.Context, id, buyer int64, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE products SET sold_at = ?, sold_to = ? WHERE id = ? AND sold_at IS NULL;`, at.UTC(), buyer, id)
	if err != nil {
		return fmt.Errorf("mark product sold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark product sold rows: %w", err)
	}
	if n == 0 {
		return ErrAlreadySold
	}
	return nil
}

func (t *sqliteTx) InsertSale(ctx context.Context, sale Sale) (*Sale, error) {
	const q = `INSERT INTO sales (id, user_id, product_id, price, created_at) VALUES (?, ?, ?, ?, ?);`
	if _, err := t.tx.ExecContext(ctx, q, sale.ID, sale.UserID, sale.ProductID, sale.Price.String(), sale.CreatedAt.UTC()); err != nil {
		return nil, fmt.Errorf("insert sale: %w", err)
	}
	return &sale, nil
}

func (t *sqliteTx) LockDeposit(ctx context.Context, orderID string) (*Deposit, error) {
	d, err := scanSQLiteDeposit(t.tx.QueryRowContext(ctx, `SELECT `+sqliteDepositColumns+` FROM deposits WHERE order_id = ?;`, orderID))
	if err != nil {
		return nil, fmt.Errorf("lock deposit: %w", err)
	}
	return d, nil
}

func (t *sqliteTx) CompleteDeposit(ctx context.Context, orderID string, amount decimal.Decimal, at time.Time) error {
	const q = `
UPDATE deposits
SET status = 'completed', amount = ?, completed_at = ?
WHERE order_id = ? AND status = 'pending';
`
	res, err := t.tx.ExecContext(ctx, q, amount.StringFixed(2), at.UTC(), orderID)
	if err != nil {
		return fmt.Errorf("complete deposit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete deposit rows: %w", err)
	}
	if n == 0 {
		return ErrDepositCompleted
	}
	return nil
}

func (t *sqliteTx) GetPendingAction(ctx context.Context, userID int64, now time.Time) (*PendingAction, error) {
	const q = `SELECT user_id, kind, product_id, created_at, expires_at FROM pending_actions WHERE user_id = ?;`
	var a PendingAction
	var kind string
	if err := t.tx.QueryRowContext(ctx, q, userID).Scan(&a.UserID, &kind, &a.ProductID, &a.CreatedAt, &a.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

func (t *sqliteTx) PutPendingAction(ctx context.Context, action PendingAction) error {
	const q = `
INSERT INTO pending_actions (user_id, kind, product_id, created_at, expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    kind = excluded.kind,
    product_id = excluded.product_id,
    created_at = excluded.created_at,
    expires_at = excluded.expires_at;
`
	if _, err := t.tx.ExecContext(ctx, q, action.UserID, string(action.Kind), action.ProductID, action.CreatedAt.UTC(), action.ExpiresAt.UTC()); err != nil {
		return fmt.Errorf("put pending action: %w", err)
	}
	return nil
}

func (t *sqliteTx) DeletePendingAction(ctx context.Context, userID int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM pending_actions WHERE user_id = ?;`, userID); err != nil {
		return fmt.Errorf("delete pending action: %w", err)
	}
	return nil
}

func sortProductsByPrice(products []Product) {
	sort.SliceStable(products, func(i, j int) bool {
		return products[i].Price.LessThan(products[j].Price)
	})
}
