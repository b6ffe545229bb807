package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SalesSince aggregates sales created at or after since.
func (r *Postgres) SalesSince(ctx context.Context, since time.Time) (SalesTotal, error) {
	const q = `SELECT COUNT(*), COALESCE(SUM(price), 0)::text FROM sales WHERE created_at >= $1;`
	var total SalesTotal
	var revenue string
	if err := r.pool.QueryRow(ctx, q, since).Scan(&total.Count, &revenue); err != nil {
		return SalesTotal{}, fmt.Errorf("sales since: %w", err)
	}
	rev, err := decimal.NewFromString(revenue)
	if err != nil {
		return SalesTotal{}, fmt.Errorf("parse revenue: %w", err)
	}
	total.Revenue = rev
	return total, nil
}

// DailySales returns the per-day sales breakdown since the given time.
func (r *Postgres) DailySales(ctx context.Context, since time.Time) ([]DailySales, error) {
	const q = `
SELECT to_char(date_trunc('day', created_at AT TIME ZONE 'UTC'), 'YYYY-MM-DD') AS day,
       COUNT(*),
       COALESCE(SUM(price), 0)::text
FROM sales
WHERE created_at >= $1
GROUP BY day
ORDER BY day;
`
	rows, err := r.pool.Query(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("daily sales: %w", err)
	}
	defer rows.Close()

	var out []DailySales
	for rows.Next() {
		var d DailySales
		var revenue string
		if err := rows.Scan(&d.Day, &d.Count, &revenue); err != nil {
			return nil, fmt.Errorf("scan daily sales: %w", err)
		}
		if d.Revenue, err = decimal.NewFromString(revenue); err != nil {
			return nil, fmt.Errorf("parse daily revenue: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily sales: %w", err)
	}
	return out, nil
}

// Dashboard loads headline numbers and the most recent sales.
func (r *Postgres) Dashboard(ctx context.Context, recent int) (*Dashboard, error) {
	if recent <= 0 {
		recent = 10
	}
	var d Dashboard
	var revenue string
	const q = `
SELECT (SELECT COUNT(*) FROM users),
       (SELECT COALESCE(SUM(price), 0)::text FROM sales),
       (SELECT COUNT(*) FROM deposits WHERE status = 'pending');
`
	if err := r.pool.QueryRow(ctx, q).Scan(&d.TotalUsers, &revenue, &d.PendingDeposits); err != nil {
		return nil, fmt.Errorf("dashboard totals: %w", err)
	}
	rev, err := decimal.NewFromString(revenue)
	if err != nil {
		return nil, fmt.Errorf("parse revenue: %w", err)
	}
	d.TotalRevenue = rev

	rows, err := r.pool.Query(ctx, `
SELECT id::text, user_id, product_id, price::text, created_at
FROM sales
ORDER BY created_at DESC
LIMIT $1;
`, recent)
	if err != nil {
		return nil, fmt.Errorf("recent sales: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s Sale
		var price string
		if err := rows.Scan(&s.ID, &s.UserID, &s.ProductID, &price, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent sale: %w", err)
		}
		if s.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse sale price: %w", err)
		}
		d.RecentSales = append(d.RecentSales, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent sales: %w", err)
	}
	return &d, nil
}
