package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/caravel-wms/caravel-wms/internal/shared"
)

// StorePort abstracts repository usage for the service.
type StorePort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	GetBill(ctx context.Context, id int64) (MovementBill, error)
	ListBills(ctx context.Context, filter BillFilter) ([]MovementBill, int, error)
	ListStock(ctx context.Context, filter StockFilter) ([]StockRow, int, error)
	ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, int, error)
	GetStockRow(ctx context.Context, warehouseID, productID int64) (StockRow, error)
	GetCheckBill(ctx context.Context, id int64) (CheckBill, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MasterDataPort answers whether referenced master data is usable.
type MasterDataPort interface {
	WarehouseActive(ctx context.Context, id int64) (bool, error)
	ProductActive(ctx context.Context, id int64) (bool, error)
}

// Service coordinates movement bill operations.
type Service struct {
	store      StorePort
	audit      AuditPort
	masterdata MasterDataPort
	cache      *Cache
	logger     *slog.Logger
}

// NewService builds Service. audit, masterdata and cache may be nil.
func NewService(store StorePort, audit AuditPort, masterdata MasterDataPort, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, audit: audit, masterdata: masterdata, cache: cache, logger: logger}
}

// CreateBill records a draft movement bill. No stock is touched.
func (s *Service) CreateBill(ctx context.Context, input CreateBillInput) (MovementBill, error) {
	input, err := s.normalise(ctx, input)
	if err != nil {
		return MovementBill{}, err
	}
	var bill MovementBill
	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		created, err := s.insertDraft(ctx, tx, input)
		if err != nil {
			return err
		}
		bill = created
		return nil
	})
	if err != nil {
		return MovementBill{}, err
	}
	s.recordAudit(ctx, input.Actor, "stock:create", bill)
	return bill, nil
}

// Execute applies a draft bill's stock deltas exactly once. Calling it again
// on an executed bill returns the stored result without touching stock.
func (s *Service) Execute(ctx context.Context, billID int64, actor string) (MovementBill, error) {
	var bill MovementBill
	var replay bool
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		loaded, err := tx.GetBillForUpdate(ctx, billID)
		if err != nil {
			return err
		}
		if loaded.Status == BillStatusExecuted {
			bill = loaded
			replay = true
			return nil
		}
		executed, err := s.executeLocked(ctx, tx, loaded, actor)
		if err != nil {
			return err
		}
		bill = executed
		return nil
	})
	if err != nil {
		return MovementBill{}, err
	}
	if !replay {
		s.afterExecute(ctx, actor, bill)
	}
	return bill, nil
}

// CreateAndExecute records and executes a bill in one transaction, keyed by
// request number. A replay with the same request number returns the first
// outcome; a concurrent race loses the unique index and re-reads the winner.
func (s *Service) CreateAndExecute(ctx context.Context, input CreateBillInput) (MovementBill, error) {
	input, err := s.normalise(ctx, input)
	if err != nil {
		return MovementBill{}, err
	}
	var bill MovementBill
	var replay bool
	run := func(ctx context.Context, tx TxStore) error {
		existing, err := tx.GetBillByRequestNo(ctx, input.RequestNo)
		if err == nil {
			bill = existing
			replay = true
			return nil
		}
		if !errors.Is(err, ErrBillNotFound) {
			return err
		}
		created, err := s.insertDraft(ctx, tx, input)
		if err != nil {
			return err
		}
		locked, err := tx.GetBillForUpdate(ctx, created.ID)
		if err != nil {
			return err
		}
		executed, err := s.executeLocked(ctx, tx, locked, input.Actor)
		if err != nil {
			return err
		}
		bill = executed
		return nil
	}
	err = s.store.WithTx(ctx, run)
	if errors.Is(err, ErrDuplicateRequest) {
		// Lost the insert race. The winner committed, so the lookup hits.
		err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
			winner, err := tx.GetBillByRequestNo(ctx, input.RequestNo)
			if err != nil {
				return err
			}
			bill = winner
			replay = true
			return nil
		})
	}
	if err != nil {
		return MovementBill{}, err
	}
	if !replay {
		s.afterExecute(ctx, input.Actor, bill)
	}
	return bill, nil
}

// CreateAndExecuteForBiz records and executes a movement derived from a
// business document, deduplicated on (bizNo, bizType). Used for purchase and
// sales driven movements where the caller retries on the order, not on a
// request number.
func (s *Service) CreateAndExecuteForBiz(ctx context.Context, input CreateBillInput) (MovementBill, error) {
	if input.BizNo == "" {
		return MovementBill{}, fmt.Errorf("%w: biz number required", ErrValidation)
	}
	input, err := s.normalise(ctx, input)
	if err != nil {
		return MovementBill{}, err
	}
	var bill MovementBill
	var replay bool
	err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		existing, err := tx.GetBillByBiz(ctx, input.BizNo, input.BizType)
		if err == nil {
			bill = existing
			replay = true
			return nil
		}
		if !errors.Is(err, ErrBillNotFound) {
			return err
		}
		created, err := s.insertDraft(ctx, tx, input)
		if err != nil {
			return err
		}
		locked, err := tx.GetBillForUpdate(ctx, created.ID)
		if err != nil {
			return err
		}
		executed, err := s.executeLocked(ctx, tx, locked, input.Actor)
		if err != nil {
			return err
		}
		bill = executed
		return nil
	})
	if errors.Is(err, ErrDuplicateRequest) {
		err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
			winner, err := tx.GetBillByBiz(ctx, input.BizNo, input.BizType)
			if err != nil {
				return err
			}
			bill = winner
			replay = true
			return nil
		})
	}
	if err != nil {
		return MovementBill{}, err
	}
	if !replay {
		s.afterExecute(ctx, input.Actor, bill)
	}
	return bill, nil
}

// Reverse compensates an executed bill with an opposite-direction bill
// carrying the same lines. Reversing twice returns the existing reversal.
func (s *Service) Reverse(ctx context.Context, billID int64, actor string) (MovementBill, error) {
	var reversal MovementBill
	var replay bool
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		original, err := tx.GetBillForUpdate(ctx, billID)
		if err != nil {
			return err
		}
		if original.BizType.IsReversal() {
			return ErrReverseReversal
		}
		if original.Status != BillStatusExecuted {
			return ErrNotExecuted
		}
		if original.ReverseStatus == ReverseStatusReversed {
			existing, err := tx.GetReversalOf(ctx, original.ID, original.Direction.Opposite())
			if err != nil {
				return err
			}
			reversal = existing
			replay = true
			return nil
		}
		now := time.Now().UTC()
		lines := make([]LineInput, 0, len(original.Lines))
		for _, line := range original.Lines {
			lines = append(lines, LineInput{ProductID: line.ProductID, Qty: line.RealQty})
		}
		input := CreateBillInput{
			Direction:   original.Direction.Opposite(),
			WarehouseID: original.WarehouseID,
			RequestNo:   uuid.NewString(),
			BizType:     ReversalBizType(original.Direction.Opposite()),
			BizID:       original.ID,
			BizNo:       original.BillNo,
			Remark:      fmt.Sprintf("reversal of %s", original.BillNo),
			Actor:       actor,
			Lines:       lines,
		}
		created, err := s.insertDraft(ctx, tx, input)
		if err != nil {
			return err
		}
		locked, err := tx.GetBillForUpdate(ctx, created.ID)
		if err != nil {
			return err
		}
		executed, err := s.executeLocked(ctx, tx, locked, actor)
		if err != nil {
			return err
		}
		if err := tx.MarkReversed(ctx, original.ID, executed.ID, actor, now); err != nil {
			return err
		}
		reversal = executed
		return nil
	})
	if errors.Is(err, ErrDuplicateRequest) {
		// Another reverser won the reversal-scoped (biz_id, direction) index.
		err = s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
			original, err := tx.GetBillForUpdate(ctx, billID)
			if err != nil {
				return err
			}
			winner, err := tx.GetReversalOf(ctx, original.ID, original.Direction.Opposite())
			if err != nil {
				return err
			}
			reversal = winner
			replay = true
			return nil
		})
	}
	if err != nil {
		return MovementBill{}, err
	}
	if !replay {
		s.afterExecute(ctx, actor, reversal)
	}
	return reversal, nil
}

// Precheck reports per-line availability without locks. Advisory only: the
// answer can be stale by the time an execute runs.
func (s *Service) Precheck(ctx context.Context, billID int64) ([]PrecheckLine, error) {
	bill, err := s.store.GetBill(ctx, billID)
	if err != nil {
		return nil, err
	}
	report := make([]PrecheckLine, 0, len(bill.Lines))
	for _, line := range bill.Lines {
		row, err := s.store.GetStockRow(ctx, bill.WarehouseID, line.ProductID)
		if err != nil && !errors.Is(err, ErrStockRowNotFound) {
			return nil, err
		}
		entry := PrecheckLine{
			ProductID: line.ProductID,
			Qty:       line.Qty,
			StockQty:  row.StockQty,
			LockedQty: row.LockedQty,
			Available: row.AvailableQty(),
		}
		if bill.Direction == DirectionIn || entry.Available.GreaterThanOrEqual(line.Qty) {
			entry.Sufficient = true
		} else {
			entry.Message = fmt.Sprintf("available %s, requested %s", entry.Available.String(), line.Qty.String())
		}
		report = append(report, entry)
	}
	return report, nil
}

// GetBill loads one bill with lines.
func (s *Service) GetBill(ctx context.Context, id int64) (MovementBill, error) {
	return s.store.GetBill(ctx, id)
}

// ListBills pages movement bills.
func (s *Service) ListBills(ctx context.Context, filter BillFilter) ([]MovementBill, shared.Pagination, error) {
	bills, total, err := s.store.ListBills(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return bills, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

type stockListing struct {
	Rows  []StockRow `json:"rows"`
	Total int        `json:"total"`
}

// ListStock pages stock rows. Listings are served from the versioned cache
// when available; any executed movement bumps the version.
func (s *Service) ListStock(ctx context.Context, filter StockFilter) ([]StockRow, shared.Pagination, error) {
	load := func(ctx context.Context) (interface{}, error) {
		rows, total, err := s.store.ListStock(ctx, filter)
		if err != nil {
			return nil, err
		}
		return stockListing{Rows: rows, Total: total}, nil
	}
	key, err := s.cache.BuildKey(ctx, keyStockList(filter)...)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	var listing stockListing
	if err := s.cache.FetchJSON(ctx, key, &listing, load); err != nil {
		return nil, shared.Pagination{}, err
	}
	return listing.Rows, shared.NewPagination(filter.Page, filter.PerPage, listing.Total), nil
}

// ListLedger pages ledger entries.
func (s *Service) ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, shared.Pagination, error) {
	entries, total, err := s.store.ListLedger(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return entries, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// normalise validates input and fills defaults before any lock is taken.
func (s *Service) normalise(ctx context.Context, input CreateBillInput) (CreateBillInput, error) {
	if input.WarehouseID == 0 {
		return input, fmt.Errorf("%w: warehouse required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return input, fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	if input.Direction != DirectionIn && input.Direction != DirectionOut {
		return input, fmt.Errorf("%w: unknown direction %q", ErrValidation, input.Direction)
	}
	if input.BizType == "" {
		if input.Direction == DirectionIn {
			input.BizType = BizTypeStockIn
		} else {
			input.BizType = BizTypeStockOut
		}
	}
	if input.BizType.Direction() != input.Direction {
		return input, fmt.Errorf("%w: biz type %s does not match direction %s", ErrValidation, input.BizType, input.Direction)
	}
	if input.RequestNo == "" {
		input.RequestNo = uuid.NewString()
	} else if _, err := uuid.Parse(input.RequestNo); err != nil {
		return input, fmt.Errorf("%w: request number must be a UUID", ErrValidation)
	}
	seen := make(map[int64]bool, len(input.Lines))
	for _, line := range input.Lines {
		if line.ProductID == 0 {
			return input, fmt.Errorf("%w: product required on every line", ErrValidation)
		}
		if !line.Qty.IsPositive() {
			return input, fmt.Errorf("%w: quantity must be positive for product %d", ErrValidation, line.ProductID)
		}
		if seen[line.ProductID] {
			return input, fmt.Errorf("%w: duplicate product %d", ErrValidation, line.ProductID)
		}
		seen[line.ProductID] = true
	}
	if s.masterdata != nil {
		ok, err := s.masterdata.WarehouseActive(ctx, input.WarehouseID)
		if err != nil {
			return input, err
		}
		if !ok {
			return input, fmt.Errorf("%w: warehouse %d not active", ErrValidation, input.WarehouseID)
		}
		for _, line := range input.Lines {
			ok, err := s.masterdata.ProductActive(ctx, line.ProductID)
			if err != nil {
				return input, err
			}
			if !ok {
				return input, fmt.Errorf("%w: product %d not active", ErrValidation, line.ProductID)
			}
		}
	}
	return input, nil
}

// insertDraft allocates a bill number and stores the draft header and lines.
func (s *Service) insertDraft(ctx context.Context, tx TxStore, input CreateBillInput) (MovementBill, error) {
	billNo, err := tx.NextBillNo(ctx, billPrefix(input.BizType))
	if err != nil {
		return MovementBill{}, err
	}
	bill := MovementBill{
		BillNo:        billNo,
		RequestNo:     input.RequestNo,
		WarehouseID:   input.WarehouseID,
		Direction:     input.Direction,
		Status:        BillStatusDraft,
		BizType:       input.BizType,
		BizID:         input.BizID,
		BizNo:         input.BizNo,
		Remark:        input.Remark,
		CreatedBy:     input.Actor,
		ReverseStatus: ReverseStatusNone,
	}
	id, err := tx.InsertBill(ctx, bill)
	if err != nil {
		return MovementBill{}, err
	}
	bill.ID = id
	lines := make([]MovementLine, 0, len(input.Lines))
	for _, line := range input.Lines {
		lines = append(lines, MovementLine{BillID: id, ProductID: line.ProductID, Qty: line.Qty})
	}
	if err := tx.InsertLines(ctx, id, lines); err != nil {
		return MovementBill{}, err
	}
	bill.Lines = lines
	return bill, nil
}

// executeLocked runs the execution engine on a bill already locked by the
// caller's transaction. Lock order over stock rows is ascending product id,
// the same for every writer, so two bills over the same products cannot
// deadlock. All availability checks pass before any row changes.
func (s *Service) executeLocked(ctx context.Context, tx TxStore, bill MovementBill, actor string) (MovementBill, error) {
	if bill.Status == BillStatusExecuted {
		return bill, nil
	}
	now := time.Now().UTC()
	lines := make([]MovementLine, len(bill.Lines))
	copy(lines, bill.Lines)
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

	rows := make(map[int64]StockRow, len(lines))
	for _, line := range lines {
		var row StockRow
		var err error
		if bill.Direction == DirectionIn {
			row, err = tx.EnsureStockRow(ctx, bill.WarehouseID, line.ProductID)
		} else {
			row, err = tx.GetStockRowForUpdate(ctx, bill.WarehouseID, line.ProductID)
			if errors.Is(err, ErrStockRowNotFound) {
				return MovementBill{}, &InsufficientStockError{ProductID: line.ProductID, Available: decimal.Zero, Requested: line.Qty}
			}
		}
		if err != nil {
			return MovementBill{}, err
		}
		if err := row.Validate(); err != nil {
			s.logger.Error("stock row invariant violated", slog.Int64("warehouse_id", row.WarehouseID), slog.Int64("product_id", row.ProductID), slog.Any("error", err))
			return MovementBill{}, err
		}
		if bill.Direction == DirectionOut && row.AvailableQty().LessThan(line.Qty) {
			return MovementBill{}, &InsufficientStockError{ProductID: line.ProductID, Available: row.AvailableQty(), Requested: line.Qty}
		}
		rows[line.ProductID] = row
	}

	for i := range lines {
		row := rows[lines[i].ProductID]
		change := lines[i].Qty
		if bill.Direction == DirectionOut {
			change = change.Neg()
		}
		row.StockQty = row.StockQty.Add(change)
		if err := row.Validate(); err != nil {
			return MovementBill{}, err
		}
		if err := tx.UpdateStockRow(ctx, row); err != nil {
			return MovementBill{}, err
		}
		entry := LedgerEntry{
			WarehouseID:   bill.WarehouseID,
			ProductID:     lines[i].ProductID,
			BizType:       bill.BizType,
			BizNo:         bill.BillNo,
			ChangeQty:     change,
			AfterStockQty: row.StockQty,
			CreatedAt:     now,
		}
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return MovementBill{}, err
		}
		if err := tx.SetLineRealQty(ctx, lines[i].ID, lines[i].Qty); err != nil {
			return MovementBill{}, err
		}
		lines[i].RealQty = lines[i].Qty
	}

	if err := tx.MarkExecuted(ctx, bill.ID, actor, now); err != nil {
		return MovementBill{}, err
	}
	bill.Status = BillStatusExecuted
	bill.ExecutedBy = actor
	bill.ExecutedAt = now
	bill.Lines = lines
	return bill, nil
}

func (s *Service) afterExecute(ctx context.Context, actor string, bill MovementBill) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.logger.Warn("stock cache invalidation failed", slog.Any("error", err))
		}
	}
	s.recordAudit(ctx, actor, "stock:execute", bill)
}

func (s *Service) recordAudit(ctx context.Context, actor, action string, bill MovementBill) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "movement_bill",
		EntityID: bill.BillNo,
		Meta: map[string]any{
			"warehouse_id": bill.WarehouseID,
			"direction":    string(bill.Direction),
			"biz_type":     string(bill.BizType),
			"lines":        len(bill.Lines),
		},
	})
}
