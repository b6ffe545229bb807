package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nitro-bot/internal/nowpayments"
	"nitro-bot/internal/repo"

	"github.com/shopspring/decimal"
)

// InvoiceCreator creates hosted payment invoices.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, req nowpayments.InvoiceRequest) (*nowpayments.Invoice, error)
}

// ServiceConfig holds deposit request policy.
type ServiceConfig struct {
	MinimumUSD  decimal.Decimal
	PayCurrency string
	CallbackURL string
}

// Service opens deposits by issuing invoices.
type Service struct {
	store    repo.Store
	invoices InvoiceCreator
	cfg      ServiceConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(store repo.Store, invoices InvoiceCreator, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.MinimumUSD.IsZero() {
		cfg.MinimumUSD = decimal.NewFromInt(10)
	}
	if cfg.PayCurrency == "" {
		cfg.PayCurrency = "btc"
	}
	return &Service{
		store:    store,
		invoices: invoices,
		cfg:      cfg,
		logger:   logger.With("component", "deposit_service"),
		now:      time.Now,
	}
}

// Minimum returns the configured minimum deposit in USD.
func (s *Service) Minimum() decimal.Decimal {
	return s.cfg.MinimumUSD
}

// RequestInvoice validates usd, creates an invoice and records the pending deposit.
func (s *Service) RequestInvoice(ctx context.Context, userID int64, usd decimal.Decimal) (*repo.Deposit, error) {
	if !usd.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if usd.LessThan(s.cfg.MinimumUSD) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, usd.StringFixed(2), s.cfg.MinimumUSD.StringFixed(2))
	}
	usd = usd.Round(2)

	orderID, err := s.freeOrderID(ctx, userID)
	if err != nil {
		return nil, err
	}

	inv, err := s.invoices.CreateInvoice(ctx, nowpayments.InvoiceRequest{
		PriceAmount:   usd,
		PriceCurrency: "usd",
		PayCurrency:   s.cfg.PayCurrency,
		OrderID:       orderID,
		Description:   fmt.Sprintf("Balance top-up for %d", userID),
		CallbackURL:   s.cfg.CallbackURL,
		FixedRate:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	dep, err := s.store.InsertDeposit(ctx, repo.Deposit{
		OrderID:         orderID,
		UserID:          userID,
		RequestedAmount: usd,
		InvoiceURL:      inv.InvoiceURL,
		PayCurrency:     s.cfg.PayCurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("record deposit: %w", err)
	}
	s.logger.Info("deposit requested", "order_id", orderID, "user_id", userID, "usd", usd.StringFixed(2))
	return dep, nil
}

// freeOrderID returns {userID}_{epoch}, stepping the epoch forward past
// orders created within the same second.
func (s *Service) freeOrderID(ctx context.Context, userID int64) (string, error) {
	epoch := s.now().Unix()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("%d_%d", userID, epoch+int64(i))
		_, err := s.store.GetDeposit(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("check order id: %w", err)
		}
	}
	return "", repo.ErrDuplicateOrder
}
