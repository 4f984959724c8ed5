package stock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute)
}

func TestCacheVersionedKeys(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	key, err := cache.BuildKey(ctx, "stock", "list", "1")
	require.NoError(t, err)
	require.Equal(t, "stock:list:1:1", key)

	require.NoError(t, cache.Invalidate(ctx))

	bumped, err := cache.BuildKey(ctx, "stock", "list", "1")
	require.NoError(t, err)
	require.Equal(t, "stock:list:1:2", bumped)
}

func TestCacheFetchJSONLoadsOnce(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	loads := 0
	loader := func(ctx context.Context) (interface{}, error) {
		loads++
		return stockListing{Rows: []StockRow{{WarehouseID: 1, ProductID: 7, StockQty: dec("5")}}, Total: 1}, nil
	}

	key, err := cache.BuildKey(ctx, "stock", "list")
	require.NoError(t, err)

	var first stockListing
	require.NoError(t, cache.FetchJSON(ctx, key, &first, loader))
	var second stockListing
	require.NoError(t, cache.FetchJSON(ctx, key, &second, loader))

	require.Equal(t, 1, loads)
	require.Equal(t, 1, second.Total)
	require.Len(t, second.Rows, 1)
	require.True(t, second.Rows[0].StockQty.Equal(dec("5")))
}

func TestCacheInvalidateOrphansOldEntries(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	loads := 0
	loader := func(ctx context.Context) (interface{}, error) {
		loads++
		return stockListing{Total: loads}, nil
	}

	key, err := cache.BuildKey(ctx, "stock", "list")
	require.NoError(t, err)
	var listing stockListing
	require.NoError(t, cache.FetchJSON(ctx, key, &listing, loader))
	require.Equal(t, 1, listing.Total)

	require.NoError(t, cache.Invalidate(ctx))

	key, err = cache.BuildKey(ctx, "stock", "list")
	require.NoError(t, err)
	require.NoError(t, cache.FetchJSON(ctx, key, &listing, loader))
	require.Equal(t, 2, listing.Total)
}

func TestCacheNilIsPassthrough(t *testing.T) {
	ctx := context.Background()
	var cache *Cache

	key, err := cache.BuildKey(ctx, "stock", "list")
	require.NoError(t, err)
	require.Equal(t, "stock:list", key)

	var listing stockListing
	err = cache.FetchJSON(ctx, key, &listing, func(ctx context.Context) (interface{}, error) {
		return stockListing{Rows: []StockRow{{ProductID: 9, StockQty: decimal.NewFromInt(3)}}, Total: 1}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, listing.Total)
	require.NoError(t, cache.Invalidate(ctx))
}

func TestListStockServedFromCacheUntilExecute(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seedStock(1, 7, dec("10"), decimal.Zero)
	svc := NewService(store, nil, nil, newTestCache(t), nil)

	filter := StockFilter{WarehouseID: 1, Page: 1, PerPage: 20}
	rows, _, err := svc.ListStock(ctx, filter)
	require.NoError(t, err)
	require.True(t, rows[0].StockQty.Equal(dec("10")))

	// A write outside the engine is invisible while the version holds.
	store.seedStock(1, 7, dec("99"), decimal.Zero)
	rows, _, err = svc.ListStock(ctx, filter)
	require.NoError(t, err)
	require.True(t, rows[0].StockQty.Equal(dec("10")))

	// Executing a movement bumps the version and the listing reloads.
	_, err = svc.CreateAndExecute(ctx, inboundInput(1, LineInput{ProductID: 7, Qty: dec("1")}))
	require.NoError(t, err)
	rows, _, err = svc.ListStock(ctx, filter)
	require.NoError(t, err)
	require.True(t, rows[0].StockQty.Equal(dec("100")))
}
