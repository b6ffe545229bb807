package idempotency_test

import (
	"context"
	"testing"

	"nitro-bot/internal/idempotency"
	"nitro-bot/internal/repo/repotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAndMarkDuplicate(t *testing.T) {
	store := repotest.NewSQLite(t)
	guard, err := idempotency.NewGuard(store, repotest.Logger())
	require.NoError(t, err)
	ctx := context.Background()

	uid := int64(42)
	evt := idempotency.Event{ID: idempotency.TelegramEventID(1001), UserID: &uid, RawPayload: []byte(`{"update_id":1001}`)}

	dup, err := guard.CheckAndMark(ctx, evt)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = guard.CheckAndMark(ctx, evt)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestCheckAndMarkWithoutID(t *testing.T) {
	store := repotest.NewSQLite(t)
	guard, err := idempotency.NewGuard(store, repotest.Logger())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		dup, err := guard.CheckAndMark(ctx, idempotency.Event{})
		require.NoError(t, err)
		assert.False(t, dup)
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	store := repotest.NewSQLite(t)
	guard, err := idempotency.NewGuard(store, repotest.Logger())
	require.NoError(t, err)
	ctx := context.Background()

	evt := idempotency.Event{ID: "tg:7"}
	_, err = guard.CheckAndMark(ctx, evt)
	require.NoError(t, err)
	require.NoError(t, guard.Release(ctx, evt.ID))

	dup, err := guard.CheckAndMark(ctx, evt)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestTelegramEventID(t *testing.T) {
	assert.Equal(t, "tg:55", idempotency.TelegramEventID(55))
	assert.Equal(t, "", idempotency.TelegramEventID(0))
}
