package catalog

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"nitro-bot/internal/repo"
	"nitro-bot/internal/repo/repotest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCache map[string][]byte

func (m memCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	b, ok := m[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (m memCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m[key] = b
	return nil
}

func (m memCache) DeleteByPrefix(_ context.Context, prefix string) error {
	for k := range m {
		if strings.HasPrefix(k, prefix) {
			delete(m, k)
		}
	}
	return nil
}

func TestCatalogCachesUntilInvalidated(t *testing.T) {
	store := repotest.NewSQLite(t)
	ctx := context.Background()
	_, err := store.InsertProducts(ctx, []repo.Product{
		{Name: "Guide", Category: "ebooks", Price: decimal.NewFromInt(5), ContentKind: repo.ContentFile, BlobKey: "a"},
	})
	require.NoError(t, err)

	cache := memCache{}
	cat := New(store, cache, time.Minute, repotest.Logger(), nil)

	cats, err := cat.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ebooks"}, cats)

	products, err := cat.Products(ctx, "ebooks")
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.True(t, products[0].Price.Equal(decimal.NewFromInt(5)))

	_, err = store.InsertProducts(ctx, []repo.Product{
		{Name: "Course", Category: "video", Price: decimal.NewFromInt(9), ContentKind: repo.ContentFile, BlobKey: "b"},
	})
	require.NoError(t, err)

	cats, err = cat.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ebooks"}, cats)

	cat.Invalidate(ctx)
	cats, err = cat.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ebooks", "video"}, cats)
}

func TestCatalogWithoutCache(t *testing.T) {
	store := repotest.NewSQLite(t)
	cat := New(store, nil, 0, repotest.Logger(), nil)
	cats, err := cat.Categories(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cats)
	cat.Invalidate(context.Background())
}
