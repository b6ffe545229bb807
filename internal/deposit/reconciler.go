// Package deposit turns payment provider callbacks into balance credits.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"nitro-bot/internal/metrics"
	"nitro-bot/internal/nowpayments"
	"nitro-bot/internal/repo"
	"nitro-bot/internal/telegram"

	"github.com/shopspring/decimal"
)

var (
	// ErrMalformedOrderID is returned when the order id has no numeric user prefix.
	ErrMalformedOrderID = errors.New("malformed order id")
	// ErrInvalidAmount is returned for zero, negative or unparsable amounts.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrBelowMinimum is returned when a deposit request is under the configured minimum.
	ErrBelowMinimum = errors.New("amount below minimum deposit")
	// ErrEstimateUnavailable wraps rate estimation failures; the IPN should be redelivered.
	ErrEstimateUnavailable = errors.New("rate estimate unavailable")
	// ErrDepositNotFound is returned when an IPN references an unknown order.
	ErrDepositNotFound = errors.New("deposit not found")
	// ErrUserMismatch is returned when the order id prefix disagrees with the stored deposit.
	ErrUserMismatch = errors.New("order user does not match deposit")
)

// Outcome classifies a handled IPN.
type Outcome string

const (
	OutcomeCredited  Outcome = "credited"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

// Result reports what HandleIPN did.
type Result struct {
	Outcome  Outcome
	OrderID  string
	UserID   int64
	Credited decimal.Decimal
	Balance  decimal.Decimal
}

// Estimator converts an amount between currencies.
type Estimator interface {
	Estimate(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// Notifier sends a text message to a user.
type Notifier interface {
	SendText(ctx context.Context, chatID int64, text string, kb telegram.Keyboard) error
}

// ReconcilerConfig tunes the reconciler.
type ReconcilerConfig struct {
	// DefaultPayCurrency applies when an IPN omits pay_currency.
	DefaultPayCurrency string
	// CreditCurrency is the currency credits are denominated in.
	CreditCurrency string
}

// Reconciler credits balances for confirmed payments exactly once per deposit.
type Reconciler struct {
	store     repo.Store
	estimator Estimator
	notifier  Notifier
	logger    *slog.Logger
	metrics   *metrics.Metrics
	cfg       ReconcilerConfig
	now       func() time.Time
}

// NewReconciler constructs a Reconciler.
func NewReconciler(store repo.Store, estimator Estimator, notifier Notifier, cfg ReconcilerConfig, logger *slog.Logger, m *metrics.Metrics) *Reconciler {
	if cfg.DefaultPayCurrency == "" {
		cfg.DefaultPayCurrency = "btc"
	}
	if cfg.CreditCurrency == "" {
		cfg.CreditCurrency = "usd"
	}
	return &Reconciler{
		store:     store,
		estimator: estimator,
		notifier:  notifier,
		logger:    logger.With("component", "deposit_reconciler"),
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ParseOrderUser extracts the user id of a {userId}_{epoch} order id.
func ParseOrderUser(orderID string) (int64, error) {
	prefix, epoch, found := strings.Cut(strings.TrimSpace(orderID), "_")
	if !found || !allDigits(prefix) || !allDigits(epoch) {
		return 0, fmt.Errorf("%w: %q", ErrMalformedOrderID, orderID)
	}
	uid, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || uid <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedOrderID, orderID)
	}
	return uid, nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// HandleIPN reconciles one payment notification.
func (r *Reconciler) HandleIPN(ctx context.Context, ipn nowpayments.IPN) (Result, error) {
	res := Result{OrderID: ipn.OrderID}
	if !ipn.Credits() {
		r.logger.Info("ipn ignored", "order_id", ipn.OrderID, "status", ipn.PaymentStatus)
		res.Outcome = OutcomeIgnored
		r.observe(res.Outcome)
		return res, nil
	}

	uid, err := ParseOrderUser(ipn.OrderID)
	if err != nil {
		return res, err
	}
	res.UserID = uid

	paid := ipn.PaidAmount()
	if !paid.IsPositive() {
		return res, fmt.Errorf("%w: no paid amount in ipn", ErrInvalidAmount)
	}

	// Settled deposits short-circuit before the estimate so redeliveries stay cheap.
	existing, err := r.store.GetDeposit(ctx, ipn.OrderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return res, fmt.Errorf("%w: %s", ErrDepositNotFound, ipn.OrderID)
		}
		return res, fmt.Errorf("load deposit: %w", err)
	}
	if existing.Status == repo.DepositCompleted {
		res.Outcome = OutcomeDuplicate
		r.observe(res.Outcome)
		return res, nil
	}

	from := ipn.PayCurrency
	if from == "" {
		from = r.cfg.DefaultPayCurrency
	}
	estimated, err := r.estimator.Estimate(ctx, paid, from, r.cfg.CreditCurrency)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrEstimateUnavailable, err)
	}
	credit := estimated.Round(2)
	if !credit.IsPositive() {
		return res, fmt.Errorf("%w: estimate %s", ErrInvalidAmount, estimated)
	}

	err = r.store.WithTx(ctx, func(tx repo.Tx) error {
		dep, err := tx.LockDeposit(ctx, ipn.OrderID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrDepositNotFound, ipn.OrderID)
			}
			return err
		}
		if dep.Status == repo.DepositCompleted {
			res.Outcome = OutcomeDuplicate
			return nil
		}
		if dep.UserID != uid {
			return fmt.Errorf("%w: order %s belongs to %d", ErrUserMismatch, ipn.OrderID, dep.UserID)
		}
		if _, err := tx.LockUser(ctx, uid); err != nil {
			return err
		}
		balance, err := tx.AdjustBalance(ctx, uid, credit)
		if err != nil {
			return err
		}
		if err := tx.CompleteDeposit(ctx, ipn.OrderID, credit, r.now()); err != nil {
			return err
		}
		res.Outcome = OutcomeCredited
		res.Credited = credit
		res.Balance = balance
		return nil
	})
	if err != nil {
		return Result{OrderID: ipn.OrderID, UserID: uid}, err
	}
	r.observe(res.Outcome)
	if res.Outcome != OutcomeCredited {
		return res, nil
	}

	r.logger.Info("deposit credited", "order_id", ipn.OrderID, "user_id", uid, "credits", credit.StringFixed(2), "paid", paid.String(), "currency", from)
	if r.metrics != nil {
		r.metrics.CreditedAmount.Add(credit.InexactFloat64())
	}
	r.notify(ctx, uid, credit)
	return res, nil
}

func (r *Reconciler) notify(ctx context.Context, uid int64, credit decimal.Decimal) {
	if r.notifier == nil {
		return
	}
	text := fmt.Sprintf("Your deposit has been credited as %s credits.", credit.StringFixed(2))
	if err := r.notifier.SendText(ctx, uid, text, nil); err != nil {
		r.logger.Warn("deposit notification failed", "user_id", uid, "error", err)
	}
}

func (r *Reconciler) observe(outcome Outcome) {
	if r.metrics != nil {
		r.metrics.IPNOutcomes.WithLabelValues(string(outcome)).Inc()
	}
}
