// Package admin exposes the administrator HTTP API.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"nitro-bot/internal/repo"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// BlobWriter seals product content at rest.
type BlobWriter interface {
	Put(ctx context.Context, content []byte) (string, error)
	Delete(key string) error
}

// CatalogInvalidator drops cached catalog listings.
type CatalogInvalidator interface {
	Invalidate(ctx context.Context)
}

// Handler serves /admin routes.
type Handler struct {
	store   repo.Store
	blobs   BlobWriter
	catalog CatalogInvalidator
	tokens  *Tokens
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler builds the admin API.
func NewHandler(store repo.Store, blobs BlobWriter, catalog CatalogInvalidator, tokens *Tokens, logger *slog.Logger) *Handler {
	return &Handler{
		store:   store,
		blobs:   blobs,
		catalog: catalog,
		tokens:  tokens,
		logger:  logger.With("component", "admin"),
		now:     time.Now,
	}
}

// Routes returns the router to mount under /admin.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.Authenticate)
	r.Get("/dashboard", h.handleDashboard)
	r.Get("/sales/report", h.handleSalesReport)
	r.Post("/credits", h.handleCredits)
	r.Post("/products/bulk", h.handleBulkProducts)
	r.With(RequireOwner).Put("/users/{id}/role", h.handleSetRole)
	return r
}

type creditRequest struct {
	UserID int64           `json:"user_id" validate:"required,gt=0"`
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) handleCredits(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, err)
		return
	}
	if req.Amount.IsZero() || !req.Amount.Equal(req.Amount.Round(2)) {
		writeError(w, http.StatusBadRequest, "amount must be non-zero with at most two decimals")
		return
	}
	ctx := r.Context()
	if _, err := h.store.GetUser(ctx, req.UserID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.fail(w, "get user", err)
		return
	}

	var balance decimal.Decimal
	err := h.store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.LockUser(ctx, req.UserID); err != nil {
			return err
		}
		var err error
		balance, err = tx.AdjustBalance(ctx, req.UserID, req.Amount)
		return err
	})
	if errors.Is(err, repo.ErrNegativeBalance) {
		writeError(w, http.StatusConflict, "balance would become negative")
		return
	}
	if err != nil {
		h.fail(w, "adjust credits", err)
		return
	}

	var actor int64
	if claims, ok := ClaimsFromContext(ctx); ok {
		actor = claims.UserID
	}
	h.logger.Info("credits adjusted", "user_id", req.UserID, "amount", req.Amount.String(), "balance", balance.String(), "actor", actor)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": req.UserID,
		"balance": balance.StringFixed(2),
	})
}

func (h *Handler) handleBulkProducts(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, err)
		return
	}
	inputs := req.Products
	if req.Lines != "" {
		parsed, err := parseLines(req.Lines)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		inputs = append(inputs, parsed...)
	}
	if len(inputs) == 0 {
		writeError(w, http.StatusBadRequest, "no products supplied")
		return
	}
	for _, in := range inputs {
		if err := checkProduct(in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := r.Context()
	products := make([]repo.Product, 0, len(inputs))
	keys := make([]string, 0, len(inputs))
	for _, in := range inputs {
		data, kind, err := in.payload()
		if err != nil {
			h.dropBlobs(keys)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		key, err := h.blobs.Put(ctx, data)
		if err != nil {
			h.dropBlobs(keys)
			h.fail(w, "store product content", err)
			return
		}
		keys = append(keys, key)
		products = append(products, repo.Product{
			Name:        in.Name,
			Category:    in.Category,
			Price:       in.Price,
			ContentKind: kind,
			BlobKey:     key,
			FileName:    in.FileName,
		})
	}

	inserted, err := h.store.InsertProducts(ctx, products)
	if err != nil {
		h.dropBlobs(keys)
		h.fail(w, "insert products", err)
		return
	}
	if h.catalog != nil {
		h.catalog.Invalidate(ctx)
	}

	ids := make([]int64, 0, len(inserted))
	for _, p := range inserted {
		ids = append(ids, p.ID)
	}
	h.logger.Info("products uploaded", "count", len(ids))
	writeJSON(w, http.StatusCreated, map[string]any{"inserted": len(ids), "ids": ids})
}

func (h *Handler) dropBlobs(keys []string) {
	for _, key := range keys {
		if err := h.blobs.Delete(key); err != nil {
			h.logger.Warn("orphan blob not removed", "key", key, "error", err)
		}
	}
}

type salesWindow struct {
	Count   int64  `json:"count"`
	Revenue string `json:"revenue"`
}

type salesDay struct {
	Day     string `json:"day"`
	Count   int64  `json:"count"`
	Revenue string `json:"revenue"`
}

func (h *Handler) handleSalesReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.now().UTC()
	windows := []struct {
		name  string
		since time.Time
	}{
		{"daily", now.AddDate(0, 0, -1)},
		{"weekly", now.AddDate(0, 0, -7)},
		{"monthly", now.AddDate(0, 0, -30)},
		{"year_to_date", time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)},
	}

	summary := make(map[string]salesWindow, len(windows))
	for _, win := range windows {
		total, err := h.store.SalesSince(ctx, win.since)
		if err != nil {
			h.fail(w, "sales report", err)
			return
		}
		summary[win.name] = salesWindow{Count: total.Count, Revenue: total.Revenue.StringFixed(2)}
	}

	daily, err := h.store.DailySales(ctx, now.AddDate(0, 0, -30))
	if err != nil {
		h.fail(w, "daily sales", err)
		return
	}
	days := make([]salesDay, 0, len(daily))
	for _, d := range daily {
		days = append(days, salesDay{Day: d.Day, Count: d.Count, Revenue: d.Revenue.StringFixed(2)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary, "daily": days})
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := h.store.Dashboard(r.Context(), 10)
	if err != nil {
		h.fail(w, "dashboard", err)
		return
	}
	recent := make([]map[string]any, 0, len(dash.RecentSales))
	for _, s := range dash.RecentSales {
		recent = append(recent, map[string]any{
			"id":         s.ID,
			"user_id":    s.UserID,
			"product_id": s.ProductID,
			"price":      s.Price.StringFixed(2),
			"created_at": s.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_users":      dash.TotalUsers,
		"total_revenue":    dash.TotalRevenue.StringFixed(2),
		"pending_deposits": dash.PendingDeposits,
		"recent_sales":     recent,
	})
}

type roleRequest struct {
	Role string `json:"role" validate:"required,oneof=owner admin seller user"`
}

func (h *Handler) handleSetRole(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeValidation(w, err)
		return
	}
	if err := h.store.SetRole(r.Context(), id, repo.Role(req.Role)); err != nil {
		h.fail(w, "set role", err)
		return
	}
	h.logger.Info("role changed", "user_id", id, "role", req.Role)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "role": req.Role})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error("admin request failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
