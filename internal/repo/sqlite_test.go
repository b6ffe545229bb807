package repo_test

import (
	"context"
	"testing"
	"time"

	"nitro-bot/internal/repo"
	"nitro-bot/internal/repo/repotest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustBalanceRefusesNegative(t *testing.T) {
	store := repotest.NewSQLite(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.LockUser(ctx, 7); err != nil {
			return err
		}
		bal, err := tx.AdjustBalance(ctx, 7, decimal.RequireFromString("5.00"))
		require.NoError(t, err)
		assert.True(t, bal.Equal(decimal.RequireFromString("5")))

		_, err = tx.AdjustBalance(ctx, 7, decimal.RequireFromString("-5.01"))
		assert.ErrorIs(t, err, repo.ErrNegativeBalance)
		return nil
	})
	require.NoError(t, err)

	u, err := store.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "5", u.Balance.String())
	assert.Equal(t, repo.RoleUser, u.Role)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := repotest.NewSQLite(t)
	ctx := context.Background()
	_, err := store.EnsureUser(ctx, 1, nil)
	require.NoError(t, err)

	sentinel := assert.AnError
	err = store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.AdjustBalance(ctx, 1, decimal.NewFromInt(10)); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	u, err := store.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.True(t, u.Balance.IsZero())
}

func TestInsertEventDuplicateIsNoop(t *testing.T) {
	store := repotest.NewSQLite(t)
	ctx := context.Background()
	uid := int64(3)

	first, err := store.InsertEvent(ctx, repo.InboundEvent{ID: "tg:100", UserID: &uid, RawPayload: []byte(`{}`)})
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.InsertEvent(ctx, repo.InboundEvent{ID: "tg:100", UserID: &uid, RawPayload: []byte(`{}`)})
	require.NoError(t, err)
	assert.False(t, second)

	require.NoError(t, store.DeleteEvent(ctx, "tg:100"))
	again, err := store.InsertEvent(ctx, repo.InboundEvent{ID: "tg:100"})
	require.NoError(t, err)
	assert.True(t, again)
}

func TestCompleteDepositOnlyOnce(t *testing.T) {
	store := repotest.NewSQLite(t)
	ctx := context.Background()

	_, err := store.InsertDeposit(ctx, repo.Deposit{OrderID: "42_1700000000", UserID: 42, RequestedAmount: decimal.NewFromInt(60)})
	require.NoError(t, err)
	_, err = store.InsertDeposit(ctx, repo.Deposit{OrderID: "42_1700000000", UserID: 42, RequestedAmount: decimal.NewFromInt(60)})
	require.ErrorIs(t, err, repo.ErrDuplicateOrder)

	now := time.Now()
	require.NoError(t, store.WithTx(ctx, func(tx repo.Tx) error {
		return tx.CompleteDeposit(ctx, "42_1700000000", decimal.RequireFromString("59.5"), now)
	}))
	err = store.WithTx(ctx, func(tx repo.Tx) error {
		return tx.CompleteDeposit(ctx, "42_1700000000", decimal.NewFromInt(1), now)
	})
	require.ErrorIs(t, err, repo.ErrDepositCompleted)

	dep, err := store.GetDeposit(ctx, "42_1700000000")
	require.NoError(t, err)
	assert.Equal(t, repo.DepositCompleted, dep.Status)
	assert.Equal(t, "59.5", dep.Amount.String())
	require.NotNil(t, dep.CompletedAt)
}

func TestPendingActionExpiresAndOverwrites(t *testing.T) {
	store := repotest.NewSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	pid := int64(9)

	require.NoError(t, store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.LockUser(ctx, 5); err != nil {
			return err
		}
		if err := tx.PutPendingAction(ctx, repo.PendingAction{UserID: 5, Kind: repo.ActionDepositAmount, CreatedAt: now, ExpiresAt: now.Add(time.Minute)}); err != nil {
			return err
		}
		return tx.PutPendingAction(ctx, repo.PendingAction{UserID: 5, Kind: repo.ActionPurchaseConfirmation, ProductID: &pid, CreatedAt: now, ExpiresAt: now.Add(time.Minute)})
	}))

	require.NoError(t, store.WithTx(ctx, func(tx repo.Tx) error {
		a, err := tx.GetPendingAction(ctx, 5, now)
		require.NoError(t, err)
		assert.Equal(t, repo.ActionPurchaseConfirmation, a.Kind)
		require.NotNil(t, a.ProductID)
		assert.Equal(t, pid, *a.ProductID)

		_, err = tx.GetPendingAction(ctx, 5, now.Add(2*time.Minute))
		assert.ErrorIs(t, err, repo.ErrNotFound)
		return nil
	}))
}

func TestMarkProductSoldTwice(t *testing.T) {
	store := repotest.NewSQLite(t)
	ctx := context.Background()

	products, err := store.InsertProducts(ctx, []repo.Product{
		{Name: "Guide", Category: "ebooks", Price: decimal.RequireFromString("5.00"), ContentKind: repo.ContentText, BlobKey: "k1"},
		{Name: "Atlas", Category: "ebooks", Price: decimal.RequireFromString("2.50"), ContentKind: repo.ContentText, BlobKey: "k2"},
	})
	require.NoError(t, err)
	require.Len(t, products, 2)

	listed, err := store.ListAvailableProducts(ctx, "ebooks")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "Atlas", listed[0].Name)

	id := products[0].ID
	require.NoError(t, store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.LockUser(ctx, 1); err != nil {
			return err
		}
		return tx.MarkProductSold(ctx, id, 1, time.Now())
	}))
	err = store.WithTx(ctx, func(tx repo.Tx) error {
		return tx.MarkProductSold(ctx, id, 1, time.Now())
	})
	require.ErrorIs(t, err, repo.ErrAlreadySold)

	listed, err = store.ListAvailableProducts(ctx, "ebooks")
	require.NoError(t, err)
	require.Len(t, listed, 1)

	cats, err := store.ListCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ebooks"}, cats)
}

func TestSalesReports(t *testing.T) {
	store := repotest.NewSQLite(t)
	ctx := context.Background()

	products, err := store.InsertProducts(ctx, []repo.Product{
		{Name: "A", Category: "c", Price: decimal.NewFromInt(3), ContentKind: repo.ContentText, BlobKey: "a"},
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := tx.LockUser(ctx, 1); err != nil {
			return err
		}
		for i, at := range []time.Time{now.Add(-48 * time.Hour), now.Add(-time.Hour), now} {
			sale := repo.Sale{ID: string(rune('a' + i)), UserID: 1, ProductID: products[0].ID, Price: decimal.NewFromInt(3), CreatedAt: at}
			if _, err := tx.InsertSale(ctx, sale); err != nil {
				return err
			}
		}
		return nil
	}))

	day, err := store.SalesSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, day.Count)
	assert.Equal(t, "6", day.Revenue.String())

	daily, err := store.DailySales(ctx, now.Add(-72*time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, daily)

	dash, err := store.Dashboard(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dash.TotalUsers)
	assert.Equal(t, "9", dash.TotalRevenue.String())
	assert.Len(t, dash.RecentSales, 2)
}
