package stock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/caravel-wms/caravel-wms/internal/shared"
)

// CreateCheckBill records a draft stocktake over one warehouse. Counted
// quantities are stored as given; book quantities stay zero until execution.
func (s *Service) CreateCheckBill(ctx context.Context, input CreateCheckInput) (CheckBill, error) {
	if input.WarehouseID == 0 {
		return CheckBill{}, fmt.Errorf("%w: warehouse required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return CheckBill{}, fmt.Errorf("%w: at least one counted line required", ErrValidation)
	}
	seen := make(map[int64]bool, len(input.Lines))
	for _, line := range input.Lines {
		if line.ProductID == 0 {
			return CheckBill{}, fmt.Errorf("%w: product required on every line", ErrValidation)
		}
		if line.CountedQty.IsNegative() {
			return CheckBill{}, fmt.Errorf("%w: counted quantity cannot be negative for product %d", ErrValidation, line.ProductID)
		}
		if seen[line.ProductID] {
			return CheckBill{}, fmt.Errorf("%w: duplicate product %d", ErrValidation, line.ProductID)
		}
		seen[line.ProductID] = true
	}
	if s.masterdata != nil {
		ok, err := s.masterdata.WarehouseActive(ctx, input.WarehouseID)
		if err != nil {
			return CheckBill{}, err
		}
		if !ok {
			return CheckBill{}, fmt.Errorf("%w: warehouse %d not active", ErrValidation, input.WarehouseID)
		}
	}

	var bill CheckBill
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		billNo, err := tx.NextBillNo(ctx, prefixCheck)
		if err != nil {
			return err
		}
		bill = CheckBill{
			BillNo:      billNo,
			WarehouseID: input.WarehouseID,
			Status:      CheckStatusDraft,
			Remark:      input.Remark,
			CreatedBy:   input.Actor,
		}
		id, err := tx.InsertCheckBill(ctx, bill)
		if err != nil {
			return err
		}
		bill.ID = id
		lines := make([]CheckLine, 0, len(input.Lines))
		for _, line := range input.Lines {
			lines = append(lines, CheckLine{CheckBillID: id, ProductID: line.ProductID, CountedQty: line.CountedQty})
		}
		if err := tx.InsertCheckLines(ctx, id, lines); err != nil {
			return err
		}
		bill.Lines = lines
		return nil
	})
	if err != nil {
		return CheckBill{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Actor:    input.Actor,
			Action:   "stock:check:create",
			Entity:   "check_bill",
			EntityID: bill.BillNo,
			Meta:     map[string]any{"warehouse_id": bill.WarehouseID, "lines": len(bill.Lines)},
		})
	}
	return bill, nil
}

// ExecuteCheck reconciles counted quantities against the book. Book values are
// snapshotted under row locks, then positive differences land in one
// adjust-in bill and negative differences in one adjust-out bill, both run
// through the execution engine inside the same transaction. Zero-difference
// lines keep their snapshot as an audit record and produce no movement. The
// check bill flips to executed only after the adjustments apply.
func (s *Service) ExecuteCheck(ctx context.Context, checkBillID int64, actor string) (CheckBill, error) {
	var bill CheckBill
	var replay bool
	err := s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		loaded, err := tx.GetCheckBillForUpdate(ctx, checkBillID)
		if err != nil {
			return err
		}
		if loaded.Status == CheckStatusExecuted {
			bill = loaded
			replay = true
			return nil
		}
		now := time.Now().UTC()
		lines := make([]CheckLine, len(loaded.Lines))
		copy(lines, loaded.Lines)
		sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

		// Snapshot under lock, then validate every shortage before any
		// stock row changes.
		for i := range lines {
			row, err := tx.EnsureStockRow(ctx, loaded.WarehouseID, lines[i].ProductID)
			if err != nil {
				return err
			}
			if err := row.Validate(); err != nil {
				return err
			}
			lines[i].BookQty = row.StockQty
			lines[i].DiffQty = lines[i].CountedQty.Sub(row.StockQty)
			if lines[i].DiffQty.IsNegative() {
				shortage := lines[i].DiffQty.Neg()
				if row.AvailableQty().LessThan(shortage) {
					return &InsufficientStockError{ProductID: lines[i].ProductID, Available: row.AvailableQty(), Requested: shortage}
				}
			}
		}
		for _, line := range lines {
			if err := tx.UpdateCheckLineSnapshot(ctx, line.ID, line.BookQty, line.DiffQty); err != nil {
				return err
			}
		}

		var inLines, outLines []LineInput
		for _, line := range lines {
			switch {
			case line.DiffQty.IsPositive():
				inLines = append(inLines, LineInput{ProductID: line.ProductID, Qty: line.DiffQty})
			case line.DiffQty.IsNegative():
				outLines = append(outLines, LineInput{ProductID: line.ProductID, Qty: line.DiffQty.Neg()})
			}
		}

		var adjustInID, adjustOutID int64
		if len(inLines) > 0 {
			adjusted, err := s.executeAdjustment(ctx, tx, loaded, DirectionIn, BizTypeCheckAdjustIn, inLines, actor)
			if err != nil {
				return err
			}
			adjustInID = adjusted.ID
		}
		if len(outLines) > 0 {
			adjusted, err := s.executeAdjustment(ctx, tx, loaded, DirectionOut, BizTypeCheckAdjustOut, outLines, actor)
			if err != nil {
				return err
			}
			adjustOutID = adjusted.ID
		}

		if err := tx.MarkCheckExecuted(ctx, loaded.ID, adjustInID, adjustOutID, actor, now); err != nil {
			return err
		}
		loaded.Status = CheckStatusExecuted
		loaded.ExecutedBy = actor
		loaded.ExecutedAt = now
		loaded.AdjustInBillID = adjustInID
		loaded.AdjustOutBillID = adjustOutID
		loaded.Lines = lines
		bill = loaded
		return nil
	})
	if err != nil {
		return CheckBill{}, err
	}
	if !replay {
		if s.cache != nil {
			_ = s.cache.Invalidate(ctx)
		}
		if s.audit != nil {
			_ = s.audit.Record(ctx, shared.AuditLog{
				Actor:    actor,
				Action:   "stock:check:execute",
				Entity:   "check_bill",
				EntityID: bill.BillNo,
				Meta: map[string]any{
					"warehouse_id":       bill.WarehouseID,
					"adjust_in_bill_id":  bill.AdjustInBillID,
					"adjust_out_bill_id": bill.AdjustOutBillID,
				},
			})
		}
	}
	return bill, nil
}

// GetCheckBill loads one stocktake bill with lines.
func (s *Service) GetCheckBill(ctx context.Context, id int64) (CheckBill, error) {
	return s.store.GetCheckBill(ctx, id)
}

func (s *Service) executeAdjustment(ctx context.Context, tx TxStore, check CheckBill, direction Direction, bizType BizType, lines []LineInput, actor string) (MovementBill, error) {
	input := CreateBillInput{
		Direction:   direction,
		WarehouseID: check.WarehouseID,
		RequestNo:   uuid.NewString(),
		BizType:     bizType,
		BizID:       check.ID,
		BizNo:       check.BillNo,
		Remark:      fmt.Sprintf("stocktake adjustment for %s", check.BillNo),
		Actor:       actor,
		Lines:       lines,
	}
	created, err := s.insertDraft(ctx, tx, input)
	if err != nil {
		return MovementBill{}, err
	}
	locked, err := tx.GetBillForUpdate(ctx, created.ID)
	if err != nil {
		return MovementBill{}, err
	}
	return s.executeLocked(ctx, tx, locked, actor)
}
