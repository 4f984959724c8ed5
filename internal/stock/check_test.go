package stock

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestExecuteCheckPartitionsAdjustments(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seedStock(1, 3, dec("10"), decimal.Zero)
	store.seedStock(1, 5, dec("8"), decimal.Zero)
	store.seedStock(1, 9, dec("4"), decimal.Zero)
	svc := newTestService(store)

	check, err := svc.CreateCheckBill(ctx, CreateCheckInput{
		WarehouseID: 1,
		Actor:       "counter",
		Lines: []CheckLineInput{
			{ProductID: 3, CountedQty: dec("14")},
			{ProductID: 5, CountedQty: dec("5")},
			{ProductID: 9, CountedQty: dec("4")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, CheckStatusDraft, check.Status)

	executed, err := svc.ExecuteCheck(ctx, check.ID, "counter")
	require.NoError(t, err)
	require.Equal(t, CheckStatusExecuted, executed.Status)
	require.NotZero(t, executed.AdjustInBillID)
	require.NotZero(t, executed.AdjustOutBillID)

	// Surplus of 4 on product 3, shortage of 3 on product 5, product 9 matches.
	require.True(t, executed.Lines[0].BookQty.Equal(dec("10")))
	require.True(t, executed.Lines[0].DiffQty.Equal(dec("4")))
	require.True(t, executed.Lines[1].DiffQty.Equal(dec("-3")))
	require.True(t, executed.Lines[2].DiffQty.IsZero())

	row3, err := store.GetStockRow(ctx, 1, 3)
	require.NoError(t, err)
	require.True(t, row3.StockQty.Equal(dec("14")))
	row5, err := store.GetStockRow(ctx, 1, 5)
	require.NoError(t, err)
	require.True(t, row5.StockQty.Equal(dec("5")))
	row9, err := store.GetStockRow(ctx, 1, 9)
	require.NoError(t, err)
	require.True(t, row9.StockQty.Equal(dec("4")))

	adjustIn, err := svc.GetBill(ctx, executed.AdjustInBillID)
	require.NoError(t, err)
	require.Equal(t, BizTypeCheckAdjustIn, adjustIn.BizType)
	require.Equal(t, BillStatusExecuted, adjustIn.Status)
	require.Equal(t, check.ID, adjustIn.BizID)
	require.Equal(t, check.BillNo, adjustIn.BizNo)
	require.Len(t, adjustIn.Lines, 1)
	require.True(t, adjustIn.Lines[0].RealQty.Equal(dec("4")))

	adjustOut, err := svc.GetBill(ctx, executed.AdjustOutBillID)
	require.NoError(t, err)
	require.Equal(t, BizTypeCheckAdjustOut, adjustOut.BizType)
	require.Len(t, adjustOut.Lines, 1)
	require.True(t, adjustOut.Lines[0].RealQty.Equal(dec("3")))

	// The matching line produced no movement, so only two ledger entries exist.
	require.Len(t, store.ledger, 2)
}

func TestExecuteCheckAllMatchingProducesNoBills(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seedStock(1, 3, dec("10"), decimal.Zero)
	svc := newTestService(store)

	check, err := svc.CreateCheckBill(ctx, CreateCheckInput{
		WarehouseID: 1,
		Actor:       "counter",
		Lines:       []CheckLineInput{{ProductID: 3, CountedQty: dec("10")}},
	})
	require.NoError(t, err)

	executed, err := svc.ExecuteCheck(ctx, check.ID, "counter")
	require.NoError(t, err)
	require.Equal(t, CheckStatusExecuted, executed.Status)
	require.Zero(t, executed.AdjustInBillID)
	require.Zero(t, executed.AdjustOutBillID)
	require.True(t, executed.Lines[0].BookQty.Equal(dec("10")))
	require.True(t, executed.Lines[0].DiffQty.IsZero())
	require.Empty(t, store.bills)
	require.Empty(t, store.ledger)
}

func TestExecuteCheckCreatesRowForUnknownProduct(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newTestService(store)

	check, err := svc.CreateCheckBill(ctx, CreateCheckInput{
		WarehouseID: 1,
		Actor:       "counter",
		Lines:       []CheckLineInput{{ProductID: 77, CountedQty: dec("6")}},
	})
	require.NoError(t, err)

	executed, err := svc.ExecuteCheck(ctx, check.ID, "counter")
	require.NoError(t, err)
	require.True(t, executed.Lines[0].BookQty.IsZero())
	require.True(t, executed.Lines[0].DiffQty.Equal(dec("6")))

	row, err := store.GetStockRow(ctx, 1, 77)
	require.NoError(t, err)
	require.True(t, row.StockQty.Equal(dec("6")))
}

func TestExecuteCheckShortageBlockedByLockedQty(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seedStock(1, 3, dec("10"), dec("9"))
	svc := newTestService(store)

	check, err := svc.CreateCheckBill(ctx, CreateCheckInput{
		WarehouseID: 1,
		Actor:       "counter",
		Lines:       []CheckLineInput{{ProductID: 3, CountedQty: dec("5")}},
	})
	require.NoError(t, err)

	_, err = svc.ExecuteCheck(ctx, check.ID, "counter")
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(3), insufficient.ProductID)
	require.True(t, insufficient.Available.Equal(dec("1")))
	require.True(t, insufficient.Requested.Equal(dec("5")))

	// Nothing applied and the check is still executable later.
	row, err := store.GetStockRow(ctx, 1, 3)
	require.NoError(t, err)
	require.True(t, row.StockQty.Equal(dec("10")))
	reloaded, err := svc.GetCheckBill(ctx, check.ID)
	require.NoError(t, err)
	require.Equal(t, CheckStatusDraft, reloaded.Status)
}

func TestExecuteCheckReplaysExecutedBill(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seedStock(1, 3, dec("10"), decimal.Zero)
	svc := newTestService(store)

	check, err := svc.CreateCheckBill(ctx, CreateCheckInput{
		WarehouseID: 1,
		Actor:       "counter",
		Lines:       []CheckLineInput{{ProductID: 3, CountedQty: dec("12")}},
	})
	require.NoError(t, err)

	first, err := svc.ExecuteCheck(ctx, check.ID, "counter")
	require.NoError(t, err)
	second, err := svc.ExecuteCheck(ctx, check.ID, "counter")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.AdjustInBillID, second.AdjustInBillID)

	row, err := store.GetStockRow(ctx, 1, 3)
	require.NoError(t, err)
	require.True(t, row.StockQty.Equal(dec("12")))
	require.Len(t, store.ledger, 1)
}

func TestCreateCheckBillValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMemStore())

	cases := map[string]CreateCheckInput{
		"missing warehouse": {Lines: []CheckLineInput{{ProductID: 1, CountedQty: dec("1")}}},
		"no lines":          {WarehouseID: 1},
		"negative counted": {WarehouseID: 1,
			Lines: []CheckLineInput{{ProductID: 1, CountedQty: dec("-1")}}},
		"duplicate product": {WarehouseID: 1,
			Lines: []CheckLineInput{{ProductID: 1, CountedQty: dec("1")}, {ProductID: 1, CountedQty: dec("2")}}},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateCheckBill(ctx, input)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestExecuteCheckNotFound(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMemStore())

	_, err := svc.ExecuteCheck(ctx, 404, "counter")
	require.ErrorIs(t, err, ErrCheckBillNotFound)
}
