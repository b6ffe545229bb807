package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const pgDepositColumns = `order_id, user_id, requested_amount::text, amount::text, status, invoice_url, pay_currency, created_at, completed_at`

func scanPgDeposit(row pgx.Row) (*Deposit, error) {
	var d Deposit
	var requested, amount, status string
	if err := row.Scan(&d.OrderID, &d.UserID, &requested, &amount, &status, &d.InvoiceURL, &d.PayCurrency, &d.CreatedAt, &d.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if d.RequestedAmount, err = decimal.NewFromString(requested); err != nil {
		return nil, fmt.Errorf("parse requested amount: %w", err)
	}
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	d.Status = DepositStatus(status)
	return &d, nil
}

// InsertDeposit stores a new pending deposit record.
func (r *Postgres) InsertDeposit(ctx context.Context, dep Deposit) (*Deposit, error) {
	if _, err := r.pool.Exec(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING;`, dep.UserID); err != nil {
		return nil, fmt.Errorf("ensure deposit user: %w", err)
	}
	r.logger.Debug("insert deposit", "order_id", dep.OrderID, "user_id", dep.UserID, "requested", dep.RequestedAmount.String())
	q := `
INSERT INTO deposits (order_id, user_id, requested_amount, status, invoice_url, pay_currency)
VALUES ($1, $2, $3::numeric, $4, $5, $6)
RETURNING ` + pgDepositColumns + `;
`
	d, err := scanPgDeposit(r.pool.QueryRow(ctx, q,
		dep.OrderID,
		dep.UserID,
		dep.RequestedAmount.String(),
		string(DepositPending),
		dep.InvoiceURL,
		dep.PayCurrency,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateOrder
		}
		return nil, fmt.Errorf("insert deposit: %w", err)
	}
	return d, nil
}

// GetDeposit retrieves deposit by provider order id.
func (r *Postgres) GetDeposit(ctx context.Context, orderID string) (*Deposit, error) {
	d, err := scanPgDeposit(r.pool.QueryRow(ctx, `SELECT `+pgDepositColumns+` FROM deposits WHERE order_id = $1;`, orderID))
	if err != nil {
		return nil, fmt.Errorf("get deposit: %w", err)
	}
	return d, nil
}

func toJSON(val map[string]any) ([]byte, error) {
	if val == nil {
		return nil, nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func fromJSON(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"_raw": string(data)}
	}
	return m
}

func jsonParam(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}
