package repo

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is the permission level of a user.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleSeller Role = "seller"
	RoleUser   Role = "user"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleSeller, RoleUser:
		return true
	}
	return false
}

// CanAdminister reports whether r may use the admin surface.
func (r Role) CanAdminister() bool {
	return r == RoleOwner || r == RoleAdmin
}

// User represents the users table row.
type User struct {
	ID          int64
	Balance     decimal.Decimal
	Role        Role
	DisplayName []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ContentKind tells how a product is delivered.
type ContentKind string

const (
	ContentFile ContentKind = "file"
	ContentText ContentKind = "text"
)

// Product represents a row in products table.
type Product struct {
	ID          int64
	Name        string
	Category    string
	Price       decimal.Decimal
	ContentKind ContentKind
	BlobKey     string
	FileName    string
	SellerID    *int64
	Metadata    map[string]any
	SoldAt      *time.Time
	SoldTo      *int64
	CreatedAt   time.Time
}

// Available reports whether the product can still be sold.
func (p Product) Available() bool {
	return p.SoldAt == nil
}

// Sale is an append-only purchase record.
type Sale struct {
	ID        string
	UserID    int64
	ProductID int64
	Price     decimal.Decimal
	CreatedAt time.Time
}

// DepositStatus is the lifecycle state of a deposit.
type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositCompleted DepositStatus = "completed"
)

// Deposit represents a row in deposits table.
type Deposit struct {
	OrderID         string
	UserID          int64
	RequestedAmount decimal.Decimal
	Amount          decimal.Decimal
	Status          DepositStatus
	InvoiceURL      string
	PayCurrency     string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// InboundEvent is the write-once log of provider updates.
type InboundEvent struct {
	ID         string
	UserID     *int64
	RawPayload []byte
	ReceivedAt time.Time
}

// ActionKind tags a pending multi-step conversation flow.
type ActionKind string

const (
	ActionDepositAmount        ActionKind = "deposit_amount"
	ActionPurchaseConfirmation ActionKind = "purchase_confirmation"
)

// PendingAction is the single in-flight conversation step of a user.
type PendingAction struct {
	UserID    int64
	Kind      ActionKind
	ProductID *int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the action is stale at now.
func (a PendingAction) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// SalesTotal aggregates sales over a window.
type SalesTotal struct {
	Count   int64
	Revenue decimal.Decimal
}

// DailySales is one row of the per-day sales breakdown.
type DailySales struct {
	Day     string
	Count   int64
	Revenue decimal.Decimal
}

// Dashboard carries headline numbers for the admin surface.
type Dashboard struct {
	TotalUsers      int64
	TotalRevenue    decimal.Decimal
	PendingDeposits int64
	RecentSales     []Sale
}
