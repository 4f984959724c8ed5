package stock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// memStore is an in-memory StorePort/TxStore used across the package tests.
// WithTx snapshots state up front and restores it when the callback fails, so
// abort paths behave like a database rollback. Unique indexes are emulated by
// returning ErrDuplicateRequest from inserts.
type memStore struct {
	rows       map[string]StockRow
	bills      map[int64]MovementBill
	checkBills map[int64]CheckBill
	ledger     []LedgerEntry
	seqs       map[string]int64

	nextBillID      int64
	nextLineID      int64
	nextCheckBillID int64
	nextCheckLineID int64
	nextRowID       int64
}

type memTx struct {
	store *memStore
}

func newMemStore() *memStore {
	return &memStore{
		rows:       make(map[string]StockRow),
		bills:      make(map[int64]MovementBill),
		checkBills: make(map[int64]CheckBill),
		seqs:       make(map[string]int64),
	}
}

func rowKey(warehouseID, productID int64) string {
	return fmt.Sprintf("%d:%d", warehouseID, productID)
}

func (m *memStore) clone() *memStore {
	c := newMemStore()
	for k, v := range m.rows {
		c.rows[k] = v
	}
	for k, v := range m.bills {
		lines := make([]MovementLine, len(v.Lines))
		copy(lines, v.Lines)
		v.Lines = lines
		c.bills[k] = v
	}
	for k, v := range m.checkBills {
		lines := make([]CheckLine, len(v.Lines))
		copy(lines, v.Lines)
		v.Lines = lines
		c.checkBills[k] = v
	}
	c.ledger = make([]LedgerEntry, len(m.ledger))
	copy(c.ledger, m.ledger)
	for k, v := range m.seqs {
		c.seqs[k] = v
	}
	c.nextBillID = m.nextBillID
	c.nextLineID = m.nextLineID
	c.nextCheckBillID = m.nextCheckBillID
	c.nextCheckLineID = m.nextCheckLineID
	c.nextRowID = m.nextRowID
	return c
}

func (m *memStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	snapshot := m.clone()
	if err := fn(ctx, &memTx{store: m}); err != nil {
		*m = *snapshot
		return err
	}
	return nil
}

func (m *memStore) GetBill(ctx context.Context, id int64) (MovementBill, error) {
	bill, ok := m.bills[id]
	if !ok {
		return MovementBill{}, ErrBillNotFound
	}
	return bill, nil
}

func (m *memStore) ListBills(ctx context.Context, filter BillFilter) ([]MovementBill, int, error) {
	result := []MovementBill{}
	for _, bill := range m.bills {
		if filter.WarehouseID != 0 && bill.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.Direction != "" && bill.Direction != filter.Direction {
			continue
		}
		if filter.Status != "" && bill.Status != filter.Status {
			continue
		}
		if filter.BizType != "" && bill.BizType != filter.BizType {
			continue
		}
		if filter.Keyword != "" && !strings.Contains(bill.BillNo, filter.Keyword) && !strings.Contains(bill.BizNo, filter.Keyword) {
			continue
		}
		result = append(result, bill)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, len(result), nil
}

func (m *memStore) ListStock(ctx context.Context, filter StockFilter) ([]StockRow, int, error) {
	result := []StockRow{}
	for _, row := range m.rows {
		if filter.WarehouseID != 0 && row.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.ProductID != 0 && row.ProductID != filter.ProductID {
			continue
		}
		result = append(result, row)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].WarehouseID != result[j].WarehouseID {
			return result[i].WarehouseID < result[j].WarehouseID
		}
		return result[i].ProductID < result[j].ProductID
	})
	return result, len(result), nil
}

func (m *memStore) ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, int, error) {
	result := []LedgerEntry{}
	for _, entry := range m.ledger {
		if filter.WarehouseID != 0 && entry.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.ProductID != 0 && entry.ProductID != filter.ProductID {
			continue
		}
		if filter.BizType != "" && entry.BizType != filter.BizType {
			continue
		}
		result = append(result, entry)
	}
	return result, len(result), nil
}

func (m *memStore) GetStockRow(ctx context.Context, warehouseID, productID int64) (StockRow, error) {
	row, ok := m.rows[rowKey(warehouseID, productID)]
	if !ok {
		return StockRow{WarehouseID: warehouseID, ProductID: productID}, ErrStockRowNotFound
	}
	return row, nil
}

func (m *memStore) GetCheckBill(ctx context.Context, id int64) (CheckBill, error) {
	bill, ok := m.checkBills[id]
	if !ok {
		return CheckBill{}, ErrCheckBillNotFound
	}
	return bill, nil
}

func (tx *memTx) NextBillNo(ctx context.Context, prefix string) (string, error) {
	tx.store.seqs[prefix]++
	return fmt.Sprintf("%s%s-%06d", prefix, time.Now().UTC().Format("20060102"), tx.store.seqs[prefix]), nil
}

func (tx *memTx) InsertBill(ctx context.Context, bill MovementBill) (int64, error) {
	for _, existing := range tx.store.bills {
		if existing.RequestNo == bill.RequestNo {
			return 0, ErrDuplicateRequest
		}
		if bill.BizNo != "" && existing.BizNo == bill.BizNo && existing.BizType == bill.BizType {
			return 0, ErrDuplicateRequest
		}
		if bill.BizType.IsReversal() && existing.BizType.IsReversal() &&
			existing.BizID == bill.BizID && existing.Direction == bill.Direction {
			return 0, ErrDuplicateRequest
		}
	}
	tx.store.nextBillID++
	bill.ID = tx.store.nextBillID
	bill.CreatedAt = time.Now().UTC()
	bill.Lines = nil
	tx.store.bills[bill.ID] = bill
	return bill.ID, nil
}

func (tx *memTx) InsertLines(ctx context.Context, billID int64, lines []MovementLine) error {
	bill, ok := tx.store.bills[billID]
	if !ok {
		return ErrBillNotFound
	}
	for _, line := range lines {
		tx.store.nextLineID++
		line.ID = tx.store.nextLineID
		line.BillID = billID
		bill.Lines = append(bill.Lines, line)
	}
	sort.Slice(bill.Lines, func(i, j int) bool { return bill.Lines[i].ProductID < bill.Lines[j].ProductID })
	tx.store.bills[billID] = bill
	return nil
}

func (tx *memTx) GetBillForUpdate(ctx context.Context, id int64) (MovementBill, error) {
	return tx.store.GetBill(ctx, id)
}

func (tx *memTx) GetBillByRequestNo(ctx context.Context, requestNo string) (MovementBill, error) {
	for _, bill := range tx.store.bills {
		if bill.RequestNo == requestNo {
			return bill, nil
		}
	}
	return MovementBill{}, ErrBillNotFound
}

func (tx *memTx) GetBillByBiz(ctx context.Context, bizNo string, bizType BizType) (MovementBill, error) {
	for _, bill := range tx.store.bills {
		if bill.BizNo == bizNo && bill.BizType == bizType {
			return bill, nil
		}
	}
	return MovementBill{}, ErrBillNotFound
}

func (tx *memTx) GetReversalOf(ctx context.Context, bizID int64, direction Direction) (MovementBill, error) {
	for _, bill := range tx.store.bills {
		if bill.BizID == bizID && bill.Direction == direction &&
			(bill.BizType == BizTypeReversalIn || bill.BizType == BizTypeReversalOut) {
			return bill, nil
		}
	}
	return MovementBill{}, ErrBillNotFound
}

func (tx *memTx) GetStockRowForUpdate(ctx context.Context, warehouseID, productID int64) (StockRow, error) {
	return tx.store.GetStockRow(ctx, warehouseID, productID)
}

func (tx *memTx) EnsureStockRow(ctx context.Context, warehouseID, productID int64) (StockRow, error) {
	key := rowKey(warehouseID, productID)
	if row, ok := tx.store.rows[key]; ok {
		return row, nil
	}
	tx.store.nextRowID++
	row := StockRow{
		ID:          tx.store.nextRowID,
		WarehouseID: warehouseID,
		ProductID:   productID,
		StockQty:    decimal.Zero,
		LockedQty:   decimal.Zero,
		UpdatedAt:   time.Now().UTC(),
	}
	tx.store.rows[key] = row
	return row, nil
}

func (tx *memTx) UpdateStockRow(ctx context.Context, row StockRow) error {
	key := rowKey(row.WarehouseID, row.ProductID)
	current, ok := tx.store.rows[key]
	if !ok {
		return ErrStockRowNotFound
	}
	if current.Version != row.Version {
		return &InvariantError{WarehouseID: row.WarehouseID, ProductID: row.ProductID, Reason: "version moved under row lock"}
	}
	row.Version++
	row.UpdatedAt = time.Now().UTC()
	tx.store.rows[key] = row
	return nil
}

func (tx *memTx) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	for _, existing := range tx.store.ledger {
		if existing.BizNo == entry.BizNo && existing.BizType == entry.BizType &&
			existing.WarehouseID == entry.WarehouseID && existing.ProductID == entry.ProductID {
			return ErrDuplicateRequest
		}
	}
	tx.store.ledger = append(tx.store.ledger, entry)
	return nil
}

func (tx *memTx) SetLineRealQty(ctx context.Context, lineID int64, realQty decimal.Decimal) error {
	for billID, bill := range tx.store.bills {
		for i := range bill.Lines {
			if bill.Lines[i].ID == lineID {
				bill.Lines[i].RealQty = realQty
				tx.store.bills[billID] = bill
				return nil
			}
		}
	}
	return ErrBillNotFound
}

func (tx *memTx) MarkExecuted(ctx context.Context, billID int64, actor string, at time.Time) error {
	bill, ok := tx.store.bills[billID]
	if !ok || bill.Status != BillStatusDraft {
		return ErrBillNotFound
	}
	bill.Status = BillStatusExecuted
	bill.ExecutedBy = actor
	bill.ExecutedAt = at
	tx.store.bills[billID] = bill
	return nil
}

func (tx *memTx) MarkReversed(ctx context.Context, billID int64, reversalBillID int64, actor string, at time.Time) error {
	bill, ok := tx.store.bills[billID]
	if !ok || bill.ReverseStatus != ReverseStatusNone {
		return ErrBillNotFound
	}
	bill.ReverseStatus = ReverseStatusReversed
	bill.ReversedBy = actor
	bill.ReversedAt = at
	bill.ReversalBillID = reversalBillID
	tx.store.bills[billID] = bill
	return nil
}

func (tx *memTx) InsertCheckBill(ctx context.Context, bill CheckBill) (int64, error) {
	tx.store.nextCheckBillID++
	bill.ID = tx.store.nextCheckBillID
	bill.CreatedAt = time.Now().UTC()
	bill.Lines = nil
	tx.store.checkBills[bill.ID] = bill
	return bill.ID, nil
}

func (tx *memTx) InsertCheckLines(ctx context.Context, checkBillID int64, lines []CheckLine) error {
	bill, ok := tx.store.checkBills[checkBillID]
	if !ok {
		return ErrCheckBillNotFound
	}
	for _, line := range lines {
		tx.store.nextCheckLineID++
		line.ID = tx.store.nextCheckLineID
		line.CheckBillID = checkBillID
		bill.Lines = append(bill.Lines, line)
	}
	sort.Slice(bill.Lines, func(i, j int) bool { return bill.Lines[i].ProductID < bill.Lines[j].ProductID })
	tx.store.checkBills[checkBillID] = bill
	return nil
}

func (tx *memTx) GetCheckBillForUpdate(ctx context.Context, id int64) (CheckBill, error) {
	return tx.store.GetCheckBill(ctx, id)
}

func (tx *memTx) UpdateCheckLineSnapshot(ctx context.Context, lineID int64, bookQty, diffQty decimal.Decimal) error {
	for billID, bill := range tx.store.checkBills {
		for i := range bill.Lines {
			if bill.Lines[i].ID == lineID {
				bill.Lines[i].BookQty = bookQty
				bill.Lines[i].DiffQty = diffQty
				tx.store.checkBills[billID] = bill
				return nil
			}
		}
	}
	return ErrCheckBillNotFound
}

func (tx *memTx) MarkCheckExecuted(ctx context.Context, checkBillID int64, adjustInID, adjustOutID int64, actor string, at time.Time) error {
	bill, ok := tx.store.checkBills[checkBillID]
	if !ok || bill.Status != CheckStatusDraft {
		return ErrCheckBillNotFound
	}
	bill.Status = CheckStatusExecuted
	bill.ExecutedBy = actor
	bill.ExecutedAt = at
	bill.AdjustInBillID = adjustInID
	bill.AdjustOutBillID = adjustOutID
	tx.store.checkBills[checkBillID] = bill
	return nil
}

// seedStock puts quantity on hand outside the engine, for test arrangement.
func (m *memStore) seedStock(warehouseID, productID int64, stockQty, lockedQty decimal.Decimal) {
	m.nextRowID++
	m.rows[rowKey(warehouseID, productID)] = StockRow{
		ID:          m.nextRowID,
		WarehouseID: warehouseID,
		ProductID:   productID,
		StockQty:    stockQty,
		LockedQty:   lockedQty,
		UpdatedAt:   time.Now().UTC(),
	}
}
