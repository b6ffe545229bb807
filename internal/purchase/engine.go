// Package purchase exchanges user balance for inventory.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nitro-bot/internal/metrics"
	"nitro-bot/internal/repo"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrDeliveryFailed wraps delivery errors. The purchase was rolled back.
var ErrDeliveryFailed = errors.New("delivery failed")

// Outcome classifies a purchase attempt that did not fail outright.
type Outcome string

const (
	OutcomePurchased             Outcome = "purchased"
	OutcomeAwaitingConfirmation  Outcome = "awaiting_confirmation"
	OutcomeNotFound              Outcome = "not_found"
	OutcomeInsufficientBalance   Outcome = "insufficient_balance"
	OutcomeNoPendingConfirmation Outcome = "no_pending_confirmation"
)

// InventoryMode decides what a sale does to the product.
type InventoryMode string

const (
	// InventorySingle consumes the product on sale.
	InventorySingle InventoryMode = "single"
	// InventoryRepeatable keeps the product listed after sale.
	InventoryRepeatable InventoryMode = "repeatable"
)

// Deliverer transmits a purchased product to the buyer.
type Deliverer interface {
	Deliver(ctx context.Context, chatID int64, p repo.Product) error
}

// Result reports the outcome of Buy, Request or Confirm.
type Result struct {
	Outcome Outcome
	Product *repo.Product
	SaleID  string
	Balance decimal.Decimal
}

// Config tunes the engine.
type Config struct {
	Mode            InventoryMode
	DeliveryTimeout time.Duration
	ConfirmationTTL time.Duration
}

// Engine runs purchases as one ledger transaction including delivery.
type Engine struct {
	store     repo.Store
	deliverer Deliverer
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(store repo.Store, deliverer Deliverer, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if cfg.Mode == "" {
		cfg.Mode = InventorySingle
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if cfg.ConfirmationTTL <= 0 {
		cfg.ConfirmationTTL = 15 * time.Minute
	}
	return &Engine{
		store:     store,
		deliverer: deliverer,
		cfg:       cfg,
		logger:    logger.With("component", "purchase"),
		metrics:   m,
		now:       time.Now,
	}
}

// Buy purchases productID for userID in one step.
func (e *Engine) Buy(ctx context.Context, userID, chatID, productID int64) (Result, error) {
	var res Result
	err := e.store.WithTx(ctx, func(tx repo.Tx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		res, err = e.execute(ctx, tx, user, chatID, productID)
		return err
	})
	return e.finish(userID, productID, res, err)
}

// Request validates a purchase and records a confirmation step for it.
func (e *Engine) Request(ctx context.Context, userID, productID int64) (Result, error) {
	var res Result
	err := e.store.WithTx(ctx, func(tx repo.Tx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		product, outcome, err := e.check(ctx, tx, user, productID)
		if err != nil {
			return err
		}
		res = Result{Outcome: outcome, Product: product, Balance: user.Balance}
		if outcome != "" {
			return nil
		}
		now := e.now()
		pid := productID
		if err := tx.PutPendingAction(ctx, repo.PendingAction{
			UserID:    userID,
			Kind:      repo.ActionPurchaseConfirmation,
			ProductID: &pid,
			CreatedAt: now,
			ExpiresAt: now.Add(e.cfg.ConfirmationTTL),
		}); err != nil {
			return err
		}
		res.Outcome = OutcomeAwaitingConfirmation
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("request purchase: %w", err)
	}
	return res, nil
}

// Confirm executes the purchase only if the user's pending confirmation is
// for exactly productID. Any other pending action is left untouched.
func (e *Engine) Confirm(ctx context.Context, userID, chatID, productID int64) (Result, error) {
	var res Result
	err := e.store.WithTx(ctx, func(tx repo.Tx) error {
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		action, err := tx.GetPendingAction(ctx, userID, e.now())
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if action == nil || action.Kind != repo.ActionPurchaseConfirmation ||
			action.ProductID == nil || *action.ProductID != productID {
			res = Result{Outcome: OutcomeNoPendingConfirmation}
			return nil
		}
		if err := tx.DeletePendingAction(ctx, userID); err != nil {
			return err
		}
		res, err = e.execute(ctx, tx, user, chatID, productID)
		return err
	})
	return e.finish(userID, productID, res, err)
}

// check validates existence then balance. A non-empty outcome means the purchase cannot proceed.
func (e *Engine) check(ctx context.Context, tx repo.Tx, user *repo.User, productID int64) (*repo.Product, Outcome, error) {
	product, err := tx.LockProduct(ctx, productID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, OutcomeNotFound, nil
	}
	if err != nil {
		return nil, "", err
	}
	if e.cfg.Mode == InventorySingle && !product.Available() {
		return nil, OutcomeNotFound, nil
	}
	if user.Balance.LessThan(product.Price) {
		return product, OutcomeInsufficientBalance, nil
	}
	return product, "", nil
}

func (e *Engine) execute(ctx context.Context, tx repo.Tx, user *repo.User, chatID, productID int64) (Result, error) {
	product, outcome, err := e.check(ctx, tx, user, productID)
	if err != nil {
		return Result{}, err
	}
	if outcome != "" {
		return Result{Outcome: outcome, Product: product, Balance: user.Balance}, nil
	}

	now := e.now()
	balance, err := tx.AdjustBalance(ctx, user.ID, product.Price.Neg())
	if err != nil {
		return Result{}, err
	}
	sale, err := tx.InsertSale(ctx, repo.Sale{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		ProductID: product.ID,
		Price:     product.Price,
		CreatedAt: now,
	})
	if err != nil {
		return Result{}, err
	}
	if e.cfg.Mode == InventorySingle {
		if err := tx.MarkProductSold(ctx, product.ID, user.ID, now); err != nil {
			return Result{}, err
		}
	}

	// Delivery runs before commit; any failure rolls back debit, sale and inventory.
	dctx, cancel := context.WithTimeout(ctx, e.cfg.DeliveryTimeout)
	defer cancel()
	if err := e.deliverer.Deliver(dctx, chatID, *product); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return Result{Outcome: OutcomePurchased, Product: product, SaleID: sale.ID, Balance: balance}, nil
}

func (e *Engine) finish(userID, productID int64, res Result, err error) (Result, error) {
	switch {
	case errors.Is(err, repo.ErrNegativeBalance):
		res, err = Result{Outcome: OutcomeInsufficientBalance}, nil
	case errors.Is(err, repo.ErrAlreadySold):
		res, err = Result{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.Purchases.WithLabelValues("error").Inc()
			e.metrics.Errors.WithLabelValues("purchase").Inc()
		}
		e.logger.Error("purchase failed", "user_id", userID, "product_id", productID, "error", err)
		return Result{}, fmt.Errorf("purchase: %w", err)
	}
	if e.metrics != nil {
		e.metrics.Purchases.WithLabelValues(string(res.Outcome)).Inc()
	}
	if res.Outcome == OutcomePurchased {
		e.logger.Info("purchase completed", "user_id", userID, "product_id", productID, "sale_id", res.SaleID, "price", res.Product.Price.StringFixed(2))
	}
	return res, nil
}
