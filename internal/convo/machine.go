// Package convo drives the per-user conversation behind the bot menus.
package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nitro-bot/internal/deposit"
	"nitro-bot/internal/purchase"
	"nitro-bot/internal/repo"
	"nitro-bot/internal/telegram"

	"github.com/shopspring/decimal"
)

const (
	actionDeposit       = "deposit"
	actionDepositBTC    = "deposit_btc"
	actionDepositManual = "deposit_manual"
	actionBalance       = "balance"
	actionAdmin         = "admin"
	actionCategories    = "buy_categories"
	actionCancel        = "cancel"
	prefixCategory      = "category_"
	prefixBuy           = "buy_"
	prefixConfirm       = "confirm_"

	msgGeneric = "Something went wrong. Please try again or contact support."
)

// Messenger is the outbound chat surface.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string, kb telegram.Keyboard) error
	AnswerCallback(ctx context.Context, callbackID string) error
}

// Purchaser runs one- and two-phase purchases.
type Purchaser interface {
	Buy(ctx context.Context, userID, chatID, productID int64) (purchase.Result, error)
	Request(ctx context.Context, userID, productID int64) (purchase.Result, error)
	Confirm(ctx context.Context, userID, chatID, productID int64) (purchase.Result, error)
}

// Depositor opens deposit invoices.
type Depositor interface {
	RequestInvoice(ctx context.Context, userID int64, usd decimal.Decimal) (*repo.Deposit, error)
	Minimum() decimal.Decimal
}

// Catalog lists what can be bought.
type Catalog interface {
	Categories(ctx context.Context) ([]string, error)
	Products(ctx context.Context, category string) ([]repo.Product, error)
	Invalidate(ctx context.Context)
}

// AdminLinker mints a short-lived admin panel link.
type AdminLinker interface {
	AdminLink(userID int64, role repo.Role) (string, error)
}

// NameSealer encrypts personal data before it is stored.
type NameSealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

// Message is an inbound text message.
type Message struct {
	UserID      int64
	ChatID      int64
	Text        string
	DisplayName string
}

// Callback is an inbound inline-button press.
type Callback struct {
	ID          string
	UserID      int64
	ChatID      int64
	Data        string
	DisplayName string
}

// Config holds conversation policy.
type Config struct {
	PurchaseConfirmation bool
	PendingTTL           time.Duration
	SupportContact       string
}

// Deps bundles the collaborators of a Machine.
type Deps struct {
	Store     repo.Store
	Messenger Messenger
	Purchases Purchaser
	Deposits  Depositor
	Catalog   Catalog
	Admin     AdminLinker
	Sealer    NameSealer
}

// Machine routes messages and callbacks through the per-user state stored as
// a PendingAction. Idle means no pending action.
type Machine struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Machine.
func New(deps Deps, cfg Config, logger *slog.Logger) *Machine {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 15 * time.Minute
	}
	if cfg.SupportContact == "" {
		cfg.SupportContact = "the admin"
	}
	return &Machine{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "convo"),
		now:    time.Now,
	}
}

// HandleMessage processes a text message. Returned errors are fatal store errors.
func (m *Machine) HandleMessage(ctx context.Context, msg Message) error {
	user, err := m.ensureUser(ctx, msg.UserID, msg.DisplayName)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(msg.Text)

	switch command(text) {
	case "/start":
		if err := m.clearPending(ctx, msg.UserID); err != nil {
			return err
		}
		m.reply(ctx, msg.ChatID, "Welcome! Choose an option:", mainMenu(user.Role))
		return nil
	case "/balance":
		return m.sendBalance(ctx, msg.UserID, msg.ChatID)
	case "/cancel":
		if err := m.clearPending(ctx, msg.UserID); err != nil {
			return err
		}
		m.reply(ctx, msg.ChatID, "Cancelled.", nil)
		return nil
	}

	var pending *repo.PendingAction
	err = m.deps.Store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.LockUser(ctx, msg.UserID); err != nil {
			return err
		}
		a, err := tx.GetPendingAction(ctx, msg.UserID, m.now())
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		pending = a
		if a.Kind == repo.ActionDepositAmount {
			// Any answer ends the amount prompt, valid or not.
			return tx.DeletePendingAction(ctx, msg.UserID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load pending action: %w", err)
	}

	switch {
	case pending == nil:
		m.reply(ctx, msg.ChatID, "Please use the menu buttons. Send /start to open the menu.", nil)
	case pending.Kind == repo.ActionDepositAmount:
		m.handleDepositAmount(ctx, msg, text)
	case pending.Kind == repo.ActionPurchaseConfirmation:
		m.reply(ctx, msg.ChatID, "Please confirm or cancel your pending purchase using the buttons.", nil)
	}
	return nil
}

func (m *Machine) handleDepositAmount(ctx context.Context, msg Message, text string) {
	usd, err := parseAmount(text)
	if err != nil {
		m.reply(ctx, msg.ChatID, "Enter a valid number.", nil)
		return
	}
	dep, err := m.deps.Deposits.RequestInvoice(ctx, msg.UserID, usd)
	switch {
	case errors.Is(err, deposit.ErrBelowMinimum), errors.Is(err, deposit.ErrInvalidAmount):
		m.reply(ctx, msg.ChatID, fmt.Sprintf("The minimum deposit is $%s. Start again from the Deposit menu.", formatCredits(m.deps.Deposits.Minimum())), nil)
	case err != nil:
		m.logger.Error("invoice request failed", "user_id", msg.UserID, "error", err)
		m.reply(ctx, msg.ChatID, "We could not create an invoice right now. Please try again later.", nil)
	default:
		m.reply(ctx, msg.ChatID, "Complete payment here:\n"+dep.InvoiceURL, telegram.Keyboard{
			{{Label: "Pay now", URL: dep.InvoiceURL}},
		})
	}
}

// HandleCallback processes an inline button press. The callback is answered once.
func (m *Machine) HandleCallback(ctx context.Context, cb Callback) error {
	if cb.ID != "" {
		if err := m.deps.Messenger.AnswerCallback(ctx, cb.ID); err != nil {
			m.logger.Warn("answer callback failed", "callback_id", cb.ID, "error", err)
		}
	}
	user, err := m.ensureUser(ctx, cb.UserID, cb.DisplayName)
	if err != nil {
		return err
	}
	data := strings.TrimSpace(cb.Data)

	switch {
	case data == actionDeposit:
		m.reply(ctx, cb.ChatID, "Choose deposit method:", depositMenu())
	case data == actionDepositBTC:
		if err := m.putPending(ctx, cb.UserID, repo.ActionDepositAmount, nil); err != nil {
			return err
		}
		m.reply(ctx, cb.ChatID, fmt.Sprintf("Enter USD amount to deposit (minimum $%s):", formatCredits(m.deps.Deposits.Minimum())), nil)
	case data == actionDepositManual:
		m.reply(ctx, cb.ChatID, fmt.Sprintf("Please contact %s for manual deposits.", m.cfg.SupportContact), nil)
	case data == actionBalance:
		return m.sendBalance(ctx, cb.UserID, cb.ChatID)
	case data == actionAdmin:
		m.sendAdminLink(ctx, user, cb.ChatID)
	case data == actionCategories:
		m.sendCategories(ctx, cb.ChatID)
	case strings.HasPrefix(data, prefixCategory):
		m.sendProducts(ctx, cb.ChatID, strings.TrimPrefix(data, prefixCategory))
	case strings.HasPrefix(data, prefixBuy):
		id, ok := parseID(data, prefixBuy)
		if !ok {
			m.reply(ctx, cb.ChatID, "Product not found.", nil)
			return nil
		}
		return m.buy(ctx, cb, id)
	case strings.HasPrefix(data, prefixConfirm):
		id, ok := parseID(data, prefixConfirm)
		if !ok {
			m.reply(ctx, cb.ChatID, "No pending purchase to confirm. Choose a product again.", nil)
			return nil
		}
		res, err := m.deps.Purchases.Confirm(ctx, cb.UserID, cb.ChatID, id)
		return m.reportPurchase(ctx, cb.ChatID, res, err)
	case data == actionCancel:
		if err := m.clearPending(ctx, cb.UserID); err != nil {
			return err
		}
		m.reply(ctx, cb.ChatID, "Cancelled.", nil)
	default:
		m.reply(ctx, cb.ChatID, "Unknown action. Send /start to open the menu.", nil)
	}
	return nil
}

func (m *Machine) buy(ctx context.Context, cb Callback, productID int64) error {
	if !m.cfg.PurchaseConfirmation {
		res, err := m.deps.Purchases.Buy(ctx, cb.UserID, cb.ChatID, productID)
		return m.reportPurchase(ctx, cb.ChatID, res, err)
	}
	res, err := m.deps.Purchases.Request(ctx, cb.UserID, productID)
	if err != nil || res.Outcome != purchase.OutcomeAwaitingConfirmation {
		return m.reportPurchase(ctx, cb.ChatID, res, err)
	}
	text := fmt.Sprintf("Buy %s for %s credits?", res.Product.Name, formatCredits(res.Product.Price))
	m.reply(ctx, cb.ChatID, text, confirmButtons(productID))
	return nil
}

func (m *Machine) reportPurchase(ctx context.Context, chatID int64, res purchase.Result, err error) error {
	if err != nil {
		if errors.Is(err, purchase.ErrDeliveryFailed) {
			m.reply(ctx, chatID, "We could not deliver your purchase, so you were not charged. Please try again.", nil)
			return nil
		}
		m.reply(ctx, chatID, msgGeneric, nil)
		return err
	}
	switch res.Outcome {
	case purchase.OutcomePurchased:
		m.deps.Catalog.Invalidate(ctx)
		m.reply(ctx, chatID, fmt.Sprintf("You bought %s! Remaining balance: %s credits.", res.Product.Name, formatCredits(res.Balance)), nil)
	case purchase.OutcomeInsufficientBalance:
		m.reply(ctx, chatID, fmt.Sprintf("Insufficient balance. Your balance is %s credits.", formatCredits(res.Balance)), nil)
	case purchase.OutcomeNotFound:
		m.reply(ctx, chatID, "Product not found.", nil)
	case purchase.OutcomeNoPendingConfirmation:
		m.reply(ctx, chatID, "No pending purchase to confirm. Choose a product again.", nil)
	}
	return nil
}

func (m *Machine) sendBalance(ctx context.Context, userID, chatID int64) error {
	u, err := m.deps.Store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	m.reply(ctx, chatID, fmt.Sprintf("Your balance: %s credits", formatCredits(u.Balance)), nil)
	return nil
}

func (m *Machine) sendAdminLink(ctx context.Context, user *repo.User, chatID int64) {
	if !user.Role.CanAdminister() || m.deps.Admin == nil {
		m.reply(ctx, chatID, "You are not authorised to use the admin panel.", nil)
		return
	}
	link, err := m.deps.Admin.AdminLink(user.ID, user.Role)
	if err != nil {
		m.logger.Error("mint admin link failed", "user_id", user.ID, "error", err)
		m.reply(ctx, chatID, msgGeneric, nil)
		return
	}
	m.reply(ctx, chatID, "Access the admin panel here:\n"+link, nil)
}

func (m *Machine) sendCategories(ctx context.Context, chatID int64) {
	cats, err := m.deps.Catalog.Categories(ctx)
	if err != nil {
		m.logger.Error("list categories failed", "error", err)
		m.reply(ctx, chatID, msgGeneric, nil)
		return
	}
	if len(cats) == 0 {
		m.reply(ctx, chatID, "No products available right now.", nil)
		return
	}
	m.reply(ctx, chatID, "Choose category:", categoryButtons(cats))
}

func (m *Machine) sendProducts(ctx context.Context, chatID int64, category string) {
	products, err := m.deps.Catalog.Products(ctx, category)
	if err != nil {
		m.logger.Error("list products failed", "category", category, "error", err)
		m.reply(ctx, chatID, msgGeneric, nil)
		return
	}
	if len(products) == 0 {
		m.reply(ctx, chatID, "No products in this category.", nil)
		return
	}
	m.reply(ctx, chatID, "Products:", productButtons(products))
}

func (m *Machine) ensureUser(ctx context.Context, userID int64, name string) (*repo.User, error) {
	var sealed []byte
	if name != "" && m.deps.Sealer != nil {
		s, err := m.deps.Sealer.Seal([]byte(name))
		if err != nil {
			m.logger.Warn("seal display name failed", "user_id", userID, "error", err)
		} else {
			sealed = s
		}
	}
	u, err := m.deps.Store.EnsureUser(ctx, userID, sealed)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return u, nil
}

// putPending replaces whatever the user was doing.
func (m *Machine) putPending(ctx context.Context, userID int64, kind repo.ActionKind, productID *int64) error {
	now := m.now()
	err := m.deps.Store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.LockUser(ctx, userID); err != nil {
			return err
		}
		return tx.PutPendingAction(ctx, repo.PendingAction{
			UserID:    userID,
			Kind:      kind,
			ProductID: productID,
			CreatedAt: now,
			ExpiresAt: now.Add(m.cfg.PendingTTL),
		})
	})
	if err != nil {
		return fmt.Errorf("put pending action: %w", err)
	}
	return nil
}

func (m *Machine) clearPending(ctx context.Context, userID int64) error {
	err := m.deps.Store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.LockUser(ctx, userID); err != nil {
			return err
		}
		return tx.DeletePendingAction(ctx, userID)
	})
	if err != nil {
		return fmt.Errorf("clear pending action: %w", err)
	}
	return nil
}

func (m *Machine) reply(ctx context.Context, chatID int64, text string, kb telegram.Keyboard) {
	if err := m.deps.Messenger.SendText(ctx, chatID, text, kb); err != nil {
		m.logger.Warn("send message failed", "chat_id", chatID, "error", err)
	}
}

// command returns the bot command in text without any @botname suffix.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(strings.Fields(text)[0], "@")
	return strings.ToLower(cmd)
}
