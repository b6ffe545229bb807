package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLite provides access to a local SQLite ledger. All access goes through a
// single connection, so transactions are serialized.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens a new connection to the SQLite database.
func NewSQLite(ctx context.Context, databasePath string, logger *slog.Logger) (*SQLite, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLite{
		db:     db,
		logger: logger.With("component", "repo_sqlite"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the database connection.
func (r *SQLite) Close() {
	if r.db != nil {
		r.db.Close()
	}
}

// Ping ensures the database is reachable.
func (r *SQLite) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// RunMigrations applies the sqlite/ migration files in order.
func (r *SQLite) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	files, err := readMigrations(filesystem, "sqlite")
	if err != nil {
		return err
	}
	for _, m := range files {
		if _, err := r.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
	}
	return nil
}

// WithTx executes fn within a transaction. Returning an error rolls back.
func (r *SQLite) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTx{tx: tx, now: r.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// -- Users --

const sqliteUserColumns = `id, balance, role, display_name, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteUser(row rowScanner) (*User, error) {
	var u User
	var role string
	if err := row.Scan(&u.ID, &u.Balance, &role, &u.DisplayName, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Role = Role(role)
	return &u, nil
}

func (r *SQLite) EnsureUser(ctx context.Context, id int64, sealedName []byte) (*User, error) {
	now := r.now()
	const q = `
INSERT INTO users (id, balance, role, created_at, updated_at)
VALUES (?, '0', 'user', ?, ?)
ON CONFLICT (id) DO NOTHING;
`
	if _, err := r.db.ExecContext(ctx, q, id, now, now); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	if len(sealedName) > 0 {
		const upd = `UPDATE users SET display_name = ?, updated_at = ? WHERE id = ? AND display_name IS NULL;`
		if _, err := r.db.ExecContext(ctx, upd, sealedName, now, id); err != nil {
			return nil, fmt.Errorf("set display name: %w", err)
		}
	}
	return r.GetUser(ctx, id)
}

func (r *SQLite) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanSQLiteUser(r.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE id = ?;`, id))
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (r *SQLite) SetRole(ctx context.Context, id int64, role Role) error {
	now := r.now()
	const q = `
INSERT INTO users (id, balance, role, created_at, updated_at)
VALUES (?, '0', ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET role = excluded.role, updated_at = excluded.updated_at;
`
	if _, err := r.db.ExecContext(ctx, q, id, string(role), now, now); err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	return nil
}

// -- Catalog --

const sqliteProductColumns = `id, name, category, price, content_kind, blob_key, file_name, seller_id, metadata, sold_at, sold_to, created_at`

func scanSQLiteProduct(row rowScanner) (*Product, error) {
	var p Product
	var kind string
	var meta sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &kind, &p.BlobKey, &p.FileName, &p.SellerID, &meta, &p.SoldAt, &p.SoldTo, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.ContentKind = ContentKind(kind)
	if meta.Valid {
		p.Metadata = fromJSON([]byte(meta.String))
	}
	return &p, nil
}

func (r *SQLite) ListCategories(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT category FROM products WHERE sold_at IS NULL ORDER BY category;`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return out, nil
}

func (r *SQLite) ListAvailableProducts(ctx context.Context, category string) ([]Product, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sqliteProductColumns+` FROM products WHERE category = ? AND sold_at IS NULL ORDER BY id;`, category)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanSQLiteProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	// Prices are stored as text, so order numerically here.
	sortProductsByPrice(out)
	return out, nil
}

func (r *SQLite) GetProduct(ctx context.Context, id int64) (*Product, error) {
	p, err := scanSQLiteProduct(r.db.QueryRowContext(ctx, `SELECT `+sqliteProductColumns+` FROM products WHERE id = ?;`, id))
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (r *SQLite) InsertProducts(ctx context.Context, products []Product) ([]Product, error) {
	const q = `
INSERT INTO products (name, category, price, content_kind, blob_key, file_name, seller_id, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id;
`
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := make([]Product, 0, len(products))
	for _, p := range products {
		meta, err := toJSON(p.Metadata)
		if err != nil {
			return nil, err
		}
		p.CreatedAt = r.now()
		if err := tx.QueryRowContext(ctx, q,
			p.Name,
			p.Category,
			p.Price.String(),
			string(p.ContentKind),
			p.BlobKey,
			p.FileName,
			p.SellerID,
			jsonParam(meta),
			p.CreatedAt,
		).Scan(&p.ID); err != nil {
			return nil, fmt.Errorf("insert product %q: %w", p.Name, err)
		}
		inserted = append(inserted, p)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit products: %w", err)
	}
	return inserted, nil
}

// -- Deposits --

const sqliteDepositColumns = `order_id, user_id, requested_amount, amount, status, invoice_url, pay_currency, created_at, completed_at`

func scanSQLiteDeposit(row rowScanner) (*Deposit, error) {
	var d Deposit
	var status string
	if err := row.Scan(&d.OrderID, &d.UserID, &d.RequestedAmount, &d.Amount, &status, &d.InvoiceURL, &d.PayCurrency, &d.CreatedAt, &d.CompletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.Status = DepositStatus(status)
	return &d, nil
}

func (r *SQLite) InsertDeposit(ctx context.Context, dep Deposit) (*Deposit, error) {
	now := r.now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM deposits WHERE order_id = ?;`, dep.OrderID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check deposit: %w", err)
	}
	if exists > 0 {
		return nil, ErrDuplicateOrder
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO users (id, balance, role, created_at, updated_at)
VALUES (?, '0', 'user', ?, ?)
ON CONFLICT (id) DO NOTHING;`, dep.UserID, now, now); err != nil {
		return nil, fmt.Errorf("ensure deposit user: %w", err)
	}
	const q = `
INSERT INTO deposits (order_id, user_id, requested_amount, amount, status, invoice_url, pay_currency, created_at)
VALUES (?, ?, ?, '0', ?, ?, ?, ?);
`
	if _, err := tx.ExecContext(ctx, q,
		dep.OrderID,
		dep.UserID,
		dep.RequestedAmount.String(),
		string(DepositPending),
		dep.InvoiceURL,
		dep.PayCurrency,
		now,
	); err != nil {
		return nil, fmt.Errorf("insert deposit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit deposit: %w", err)
	}
	dep.Status = DepositPending
	dep.Amount = decimal.Zero
	dep.CreatedAt = now
	return &dep, nil
}

func (r *SQLite) GetDeposit(ctx context.Context, orderID string) (*Deposit, error) {
	d, err := scanSQLiteDeposit(r.db.QueryRowContext(ctx, `SELECT `+sqliteDepositColumns+` FROM deposits WHERE order_id = ?;`, orderID))
	if err != nil {
		return nil, fmt.Errorf("get deposit: %w", err)
	}
	return d, nil
}

// -- Inbound events --

func (r *SQLite) InsertEvent(ctx context.Context, evt InboundEvent) (bool, error) {
	const q = `
INSERT INTO inbound_events (id, user_id, raw_payload, received_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING;
`
	res, err := r.db.ExecContext(ctx, q, evt.ID, evt.UserID, string(evt.RawPayload), r.now())
	if err != nil {
		return false, fmt.Errorf("insert inbound event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inbound event rows: %w", err)
	}
	return n == 1, nil
}

func (r *SQLite) DeleteEvent(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM inbound_events WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete inbound event: %w", err)
	}
	return nil
}

func (r *SQLite) PurgeExpiredActions(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE expires_at <= ?;`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge pending actions: %w", err)
	}
	return res.RowsAffected()
}

// -- Reports --

func (r *SQLite) SalesSince(ctx context.Context, since time.Time) (SalesTotal, error) {
	days, err := r.DailySales(ctx, since)
	if err != nil {
		return SalesTotal{}, err
	}
	total := SalesTotal{Revenue: decimal.Zero}
	for _, d := range days {
		total.Count += d.Count
		total.Revenue = total.Revenue.Add(d.Revenue)
	}
	return total, nil
}

func (r *SQLite) DailySales(ctx context.Context, since time.Time) ([]DailySales, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT substr(created_at, 1, 10), price
FROM sales
WHERE created_at >= ?
ORDER BY created_at;`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("daily sales: %w", err)
	}
	defer rows.Close()

	var out []DailySales
	for rows.Next() {
		var day string
		var price decimal.Decimal
		if err := rows.Scan(&day, &price); err != nil {
			return nil, fmt.Errorf("scan daily sales: %w", err)
		}
		if n := len(out); n > 0 && out[n-1].Day == day {
			out[n-1].Count++
			out[n-1].Revenue = out[n-1].Revenue.Add(price)
			continue
		}
		out = append(out, DailySales{Day: day, Count: 1, Revenue: price})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily sales: %w", err)
	}
	return out, nil
}

func (r *SQLite) Dashboard(ctx context.Context, recent int) (*Dashboard, error) {
	if recent <= 0 {
		recent = 10
	}
	var d Dashboard
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users;`).Scan(&d.TotalUsers); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deposits WHERE status = 'pending';`).Scan(&d.PendingDeposits); err != nil {
		return nil, fmt.Errorf("count pending deposits: %w", err)
	}
	total, err := r.SalesSince(ctx, time.Unix(0, 0))
	if err != nil {
		return nil, err
	}
	d.TotalRevenue = total.Revenue

	rows, err := r.db.QueryContext(ctx, `
SELECT id, user_id, product_id, price, created_at
FROM sales
ORDER BY created_at DESC
LIMIT ?;`, recent)
	if err != nil {
		return nil, fmt.Errorf("recent sales: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s Sale
		if err := rows.Scan(&s.ID, &s.UserID, &s.ProductID, &s.Price, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent sale: %w", err)
		}
		d.RecentSales = append(d.RecentSales, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent sales: %w", err)
	}
	return &d, nil
}
