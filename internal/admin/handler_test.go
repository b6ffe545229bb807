package admin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nitro-bot/internal/repo"
	"nitro-bot/internal/repo/repotest"
	"nitro-bot/internal/vault"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCatalog struct{ invalidations int }

func (c *countingCatalog) Invalidate(context.Context) { c.invalidations++ }

type fixture struct {
	store   *repo.SQLite
	blobs   *vault.BlobStore
	catalog *countingCatalog
	tokens  *Tokens
	router  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repotest.NewSQLite(t)
	sealer, err := vault.NewSealer("vault-key")
	require.NoError(t, err)
	blobs, err := vault.NewBlobStore(t.TempDir(), sealer, repotest.Logger())
	require.NoError(t, err)
	tokens, err := NewTokens(TokenConfig{Secret: "jwt-secret", TTL: time.Minute})
	require.NoError(t, err)
	cat := &countingCatalog{}
	h := NewHandler(store, blobs, cat, tokens, repotest.Logger())
	return &fixture{store: store, blobs: blobs, catalog: cat, tokens: tokens, router: h.Routes()}
}

func (f *fixture) do(t *testing.T, role repo.Role, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if role != "" {
		token, err := f.tokens.Mint(1, role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestRequiresToken(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, "", http.MethodGet, "/dashboard", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/dashboard?token=garbage", nil)
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestTokenAcceptedFromQuery(t *testing.T) {
	f := newFixture(t)
	token, err := f.tokens.Mint(1, repo.RoleAdmin)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/dashboard?token="+token, nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCreditsAdjustBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.EnsureUser(ctx, 42, nil)
	require.NoError(t, err)

	rr := f.do(t, repo.RoleAdmin, http.MethodPost, "/credits", `{"user_id":42,"amount":"12.50"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "12.50", decodeBody(t, rr)["balance"])

	rr = f.do(t, repo.RoleAdmin, http.MethodPost, "/credits", `{"user_id":42,"amount":"-20"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	u, err := f.store.GetUser(ctx, 42)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(decimal.RequireFromString("12.5")))
}

func TestCreditsValidation(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, repo.RoleAdmin, http.MethodPost, "/credits", `{"amount":"5"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	body := decodeBody(t, rr)
	fields, ok := body["fields"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "user_id")

	rr = f.do(t, repo.RoleAdmin, http.MethodPost, "/credits", `{"user_id":5,"amount":"0"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, repo.RoleAdmin, http.MethodPost, "/credits", `{"user_id":999,"amount":"5"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBulkProductsFromLinesAndJSON(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := map[string]any{
		"lines": "Guide|ebooks|5.00|https://example.com/guide\n\n# comment\nCode|keys|2.5|ABCD-EFGH",
		"products": []map[string]any{{
			"name":           "Pack",
			"category":       "files",
			"price":          "9.99",
			"content_base64": base64.StdEncoding.EncodeToString([]byte("zip bytes")),
			"file_name":      "pack.zip",
		}},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	rr := f.do(t, repo.RoleAdmin, http.MethodPost, "/products/bulk", string(raw))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.EqualValues(t, 3, decodeBody(t, rr)["inserted"])
	assert.Equal(t, 1, f.catalog.invalidations)

	files, err := f.store.ListAvailableProducts(ctx, "files")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, repo.ContentFile, files[0].ContentKind)
	assert.Equal(t, "pack.zip", files[0].FileName)
	content, err := f.blobs.Get(ctx, files[0].BlobKey)
	require.NoError(t, err)
	assert.Equal(t, "zip bytes", string(content))

	keys, err := f.store.ListAvailableProducts(ctx, "keys")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, repo.ContentText, keys[0].ContentKind)
	content, err = f.blobs.Get(ctx, keys[0].BlobKey)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-EFGH", string(content))
}

func TestBulkProductsRejectsBadRows(t *testing.T) {
	f := newFixture(t)

	cases := map[string]string{
		"missing field":  `{"lines":"Guide|ebooks|5.00"}`,
		"bad price":      `{"lines":"Guide|ebooks|five|x"}`,
		"zero price":     `{"lines":"Guide|ebooks|0|x"}`,
		"long category":  `{"lines":"Guide|` + strings.Repeat("c", 49) + `|1|x"}`,
		"empty":          `{}`,
		"unknown fields": `{"rows":"x"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := f.do(t, repo.RoleAdmin, http.MethodPost, "/products/bulk", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
	assert.Zero(t, f.catalog.invalidations)
}

func TestSalesReportAndDashboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	products, err := f.store.InsertProducts(ctx, []repo.Product{
		{Name: "A", Category: "c", Price: decimal.NewFromInt(4), ContentKind: repo.ContentText, BlobKey: "a"},
	})
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, f.store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.LockUser(ctx, 1); err != nil {
			return err
		}
		for i, at := range []time.Time{now.Add(-10 * 24 * time.Hour), now.Add(-time.Hour)} {
			sale := repo.Sale{ID: "s" + string(rune('0'+i)), UserID: 1, ProductID: products[0].ID, Price: decimal.NewFromInt(4), CreatedAt: at}
			if _, err := tx.InsertSale(ctx, sale); err != nil {
				return err
			}
		}
		return nil
	}))

	rr := f.do(t, repo.RoleAdmin, http.MethodGet, "/sales/report", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	summary := body["summary"].(map[string]any)
	daily := summary["daily"].(map[string]any)
	assert.EqualValues(t, 1, daily["count"])
	assert.Equal(t, "4.00", daily["revenue"])
	monthly := summary["monthly"].(map[string]any)
	assert.EqualValues(t, 2, monthly["count"])
	assert.Len(t, body["daily"], 2)

	rr = f.do(t, repo.RoleOwner, http.MethodGet, "/dashboard", "")
	require.Equal(t, http.StatusOK, rr.Code)
	dash := decodeBody(t, rr)
	assert.EqualValues(t, 1, dash["total_users"])
	assert.Equal(t, "8.00", dash["total_revenue"])
	assert.Len(t, dash["recent_sales"], 2)
}

func TestSetRoleOwnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rr := f.do(t, repo.RoleAdmin, http.MethodPut, "/users/9/role", `{"role":"seller"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, repo.RoleOwner, http.MethodPut, "/users/9/role", `{"role":"superuser"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, repo.RoleOwner, http.MethodPut, "/users/9/role", `{"role":"admin"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	u, err := f.store.GetUser(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, repo.RoleAdmin, u.Role)
}
