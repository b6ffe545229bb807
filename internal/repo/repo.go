package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Postgres provides typed access to the ledger stored in PostgreSQL.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

var _ Store = (*Postgres)(nil)

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &Postgres{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *Postgres) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *Postgres) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations applies schema migrations on the connected database.
func (r *Postgres) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem)
}

// WithTx executes fn within a database transaction. Returning an error rolls back.
func (r *Postgres) WithTx(ctx context.Context, fn func(Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

const pgUserColumns = `id, balance::text, role, display_name, created_at, updated_at`

func scanPgUser(row pgx.Row) (*User, error) {
	var u User
	var balance, role string
	if err := row.Scan(&u.ID, &balance, &role, &u.DisplayName, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	bal, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	u.Balance = bal
	u.Role = Role(role)
	return &u, nil
}

// EnsureUser creates the user on first interaction and fills the display name once.
func (r *Postgres) EnsureUser(ctx context.Context, id int64, sealedName []byte) (*User, error) {
	if _, err := r.pool.Exec(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING;`, id); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	if len(sealedName) > 0 {
		const q = `UPDATE users SET display_name = $2, updated_at = NOW() WHERE id = $1 AND display_name IS NULL;`
		if _, err := r.pool.Exec(ctx, q, id, sealedName); err != nil {
			return nil, fmt.Errorf("set display name: %w", err)
		}
	}
	return r.GetUser(ctx, id)
}

// GetUser returns user by Telegram identifier.
func (r *Postgres) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanPgUser(r.pool.QueryRow(ctx, `SELECT `+pgUserColumns+` FROM users WHERE id = $1;`, id))
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// SetRole assigns a role, creating the user if needed.
func (r *Postgres) SetRole(ctx context.Context, id int64, role Role) error {
	const q = `
INSERT INTO users (id, role) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, updated_at = NOW();
`
	if _, err := r.pool.Exec(ctx, q, id, string(role)); err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	return nil
}

// InsertEvent records an inbound update id. It reports false when the id was already present.
func (r *Postgres) InsertEvent(ctx context.Context, evt InboundEvent) (bool, error) {
	const q = `
INSERT INTO inbound_events (id, user_id, raw_payload)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING;
`
	ct, err := r.pool.Exec(ctx, q, evt.ID, evt.UserID, string(evt.RawPayload))
	if err != nil {
		return false, fmt.Errorf("insert inbound event: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// DeleteEvent forgets an inbound update id so a retry is processed again.
func (r *Postgres) DeleteEvent(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM inbound_events WHERE id = $1;`, id); err != nil {
		return fmt.Errorf("delete inbound event: %w", err)
	}
	return nil
}

// PurgeExpiredActions removes stale pending conversation steps.
func (r *Postgres) PurgeExpiredActions(ctx context.Context, now time.Time) (int64, error) {
	ct, err := r.pool.Exec(ctx, `DELETE FROM pending_actions WHERE expires_at <= $1;`, now)
	if err != nil {
		return 0, fmt.Errorf("purge pending actions: %w", err)
	}
	return ct.RowsAffected(), nil
}
