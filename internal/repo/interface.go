package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNegativeBalance is returned when an adjustment would drop a balance below zero.
	ErrNegativeBalance = errors.New("balance would become negative")
	// ErrAlreadySold is returned when single-use inventory was consumed already.
	ErrAlreadySold = errors.New("product already sold")
	// ErrDepositCompleted is returned when completing a deposit twice.
	ErrDepositCompleted = errors.New("deposit already completed")
	// ErrDuplicateOrder is returned when a deposit order id already exists.
	ErrDuplicateOrder = errors.New("duplicate order id")
)

// Store defines the ledger persistence contract shared by the Postgres and SQLite backends.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Users
	EnsureUser(ctx context.Context, id int64, sealedName []byte) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	SetRole(ctx context.Context, id int64, role Role) error

	// Catalog
	ListCategories(ctx context.Context) ([]string, error)
	ListAvailableProducts(ctx context.Context, category string) ([]Product, error)
	GetProduct(ctx context.Context, id int64) (*Product, error)
	InsertProducts(ctx context.Context, products []Product) ([]Product, error)

	// Deposits
	InsertDeposit(ctx context.Context, dep Deposit) (*Deposit, error)
	GetDeposit(ctx context.Context, orderID string) (*Deposit, error)

	// Inbound events
	InsertEvent(ctx context.Context, evt InboundEvent) (bool, error)
	DeleteEvent(ctx context.Context, id string) error

	// Conversation
	PurgeExpiredActions(ctx context.Context, now time.Time) (int64, error)

	// Reports
	SalesSince(ctx context.Context, since time.Time) (SalesTotal, error)
	DailySales(ctx context.Context, since time.Time) ([]DailySales, error)
	Dashboard(ctx context.Context, recent int) (*Dashboard, error)
}

// Tx is the set of mutations that must run inside one ledger transaction.
// Lock* methods hold the row until the transaction ends.
type Tx interface {
	LockUser(ctx context.Context, id int64) (*User, error)
	AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal) (decimal.Decimal, error)

	LockProduct(ctx context.Context, id int64) (*Product, error)
	MarkProductSold(ctx context.Context, id, buyer int64, at time.Time) error
	InsertSale(ctx context.Context, sale Sale) (*Sale, error)

	LockDeposit(ctx context.Context, orderID string) (*Deposit, error)
	CompleteDeposit(ctx context.Context, orderID string, amount decimal.Decimal, at time.Time) error

	GetPendingAction(ctx context.Context, userID int64, now time.Time) (*PendingAction, error)
	PutPendingAction(ctx context.Context, action PendingAction) error
	DeletePendingAction(ctx context.Context, userID int64) error
}

func applyDelta(current, delta decimal.Decimal) (decimal.Decimal, error) {
	next := current.Add(delta)
	if next.IsNegative() {
		return current, ErrNegativeBalance
	}
	return next, nil
}
