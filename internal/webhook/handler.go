// Package webhook authenticates inbound provider callbacks and routes them.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"nitro-bot/internal/convo"
	"nitro-bot/internal/deposit"
	"nitro-bot/internal/idempotency"
	"nitro-bot/internal/metrics"
	"nitro-bot/internal/nowpayments"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxBodyBytes = 1 << 20

// Conversation handles Telegram messages and callbacks.
type Conversation interface {
	HandleMessage(ctx context.Context, msg convo.Message) error
	HandleCallback(ctx context.Context, cb convo.Callback) error
}

// Reconciler handles payment notifications.
type Reconciler interface {
	HandleIPN(ctx context.Context, ipn nowpayments.IPN) (deposit.Result, error)
}

// Guard deduplicates provider update ids.
type Guard interface {
	CheckAndMark(ctx context.Context, evt idempotency.Event) (bool, error)
	Release(ctx context.Context, id string) error
}

// Config holds the shared secrets checked on every request.
type Config struct {
	Secret    string
	IPNSecret string
}

// Handler verifies the shared secret and dispatches Telegram updates and IPNs.
type Handler struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	cfg        Config
	guard      Guard
	convo      Conversation
	reconciler Reconciler
}

// NewHandler creates a new webhook handler.
func NewHandler(cfg Config, guard Guard, conversation Conversation, reconciler Reconciler, logger *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		logger:     logger.With("component", "webhook"),
		metrics:    m,
		cfg:        cfg,
		guard:      guard,
		convo:      conversation,
		reconciler: reconciler,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorised(r) {
		h.observe("unknown", "forbidden")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.observe("unknown", "bad_request")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		h.observe("unknown", "bad_request")
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	switch {
	case isTelegramUpdate(probe):
		h.handleUpdate(w, r, body)
	case nowpayments.LooksLikeIPN(probe):
		h.handleIPN(w, r, body)
	default:
		h.logger.Warn("unrecognised webhook payload")
		h.observe("unknown", "ignored")
		writeOK(w)
	}
}

func (h *Handler) authorised(r *http.Request) bool {
	if h.cfg.Secret == "" {
		return false
	}
	for _, candidate := range []string{
		r.URL.Query().Get("secret"),
		r.Header.Get("X-Telegram-Bot-Api-Secret-Token"),
		r.Header.Get("X-Webhook-Secret"),
	} {
		if candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(h.cfg.Secret)) == 1 {
			return true
		}
	}
	return false
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request, body []byte) {
	var upd tgbotapi.Update
	if err := json.Unmarshal(body, &upd); err != nil {
		h.observe("telegram", "bad_request")
		http.Error(w, "invalid update", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	evt := idempotency.Event{ID: idempotency.TelegramEventID(upd.UpdateID), RawPayload: body}
	if from := sender(upd); from != nil {
		uid := from.ID
		evt.UserID = &uid
	}
	duplicate, err := h.guard.CheckAndMark(ctx, evt)
	if err != nil {
		h.logger.Error("idempotency check failed", "update_id", upd.UpdateID, "error", err)
		h.fail(w, "telegram")
		return
	}
	if duplicate {
		h.observe("telegram", "duplicate")
		writeOK(w)
		return
	}

	if err := h.dispatch(ctx, upd); err != nil {
		h.logger.Error("failed processing update", "update_id", upd.UpdateID, "error", err)
		if relErr := h.guard.Release(ctx, evt.ID); relErr != nil {
			h.logger.Error("release event failed", "update_id", upd.UpdateID, "error", relErr)
		}
		h.fail(w, "telegram")
		return
	}
	h.observe("telegram", "ok")
	writeOK(w)
}

// dispatch replies to the sender's private chat. Purchases deliver product
// files, so an update arriving from a group must not answer into the group.
func (h *Handler) dispatch(ctx context.Context, upd tgbotapi.Update) error {
	switch {
	case upd.Message != nil && upd.Message.From != nil:
		msg := upd.Message
		return h.convo.HandleMessage(ctx, convo.Message{
			UserID:      msg.From.ID,
			ChatID:      msg.From.ID,
			Text:        msg.Text,
			DisplayName: msg.From.String(),
		})
	case upd.CallbackQuery != nil && upd.CallbackQuery.From != nil:
		cq := upd.CallbackQuery
		return h.convo.HandleCallback(ctx, convo.Callback{
			ID:          cq.ID,
			UserID:      cq.From.ID,
			ChatID:      cq.From.ID,
			Data:        cq.Data,
			DisplayName: cq.From.String(),
		})
	}
	return nil
}

func (h *Handler) handleIPN(w http.ResponseWriter, r *http.Request, body []byte) {
	if h.cfg.IPNSecret != "" {
		if err := nowpayments.VerifySignature(h.cfg.IPNSecret, body, r.Header.Get(nowpayments.SignatureHeader)); err != nil {
			h.logger.Warn("ipn signature rejected", "error", err)
			h.observe("ipn", "forbidden")
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}
	var ipn nowpayments.IPN
	if err := json.Unmarshal(body, &ipn); err != nil {
		h.observe("ipn", "bad_request")
		http.Error(w, "invalid ipn", http.StatusBadRequest)
		return
	}

	res, err := h.reconciler.HandleIPN(r.Context(), ipn)
	if err != nil {
		status := ipnStatus(err)
		h.logger.Error("failed processing ipn", "order_id", ipn.OrderID, "status", ipn.PaymentStatus, "http_status", status, "error", err)
		if status >= http.StatusInternalServerError && h.metrics != nil {
			h.metrics.Errors.WithLabelValues("webhook_ipn").Inc()
		}
		h.observe("ipn", strconv.Itoa(status))
		http.Error(w, http.StatusText(status), status)
		return
	}
	h.observe("ipn", string(res.Outcome))
	writeOK(w)
}

// ipnStatus maps reconciliation errors to responses. 5xx asks the provider to retry.
func ipnStatus(err error) int {
	switch {
	case errors.Is(err, deposit.ErrMalformedOrderID),
		errors.Is(err, deposit.ErrInvalidAmount),
		errors.Is(err, deposit.ErrUserMismatch):
		return http.StatusBadRequest
	case errors.Is(err, deposit.ErrDepositNotFound):
		return http.StatusNotFound
	case errors.Is(err, deposit.ErrEstimateUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func sender(upd tgbotapi.Update) *tgbotapi.User {
	switch {
	case upd.Message != nil:
		return upd.Message.From
	case upd.CallbackQuery != nil:
		return upd.CallbackQuery.From
	}
	return nil
}

func isTelegramUpdate(probe map[string]json.RawMessage) bool {
	_, ok := probe["update_id"]
	return ok
}

func (h *Handler) fail(w http.ResponseWriter, kind string) {
	if h.metrics != nil {
		h.metrics.Errors.WithLabelValues("webhook_" + kind).Inc()
	}
	h.observe(kind, "error")
	http.Error(w, "failed to process", http.StatusInternalServerError)
}

func (h *Handler) observe(kind, result string) {
	if h.metrics != nil {
		h.metrics.WebhookUpdates.WithLabelValues(kind, result).Inc()
	}
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
