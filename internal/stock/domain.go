package stock

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction tells whether a movement bill adds to or removes from stock.
type Direction string

const (
	// DirectionIn represents an inbound movement.
	DirectionIn Direction = "IN"
	// DirectionOut represents an outbound movement.
	DirectionOut Direction = "OUT"
)

// Opposite returns the reversing direction.
func (d Direction) Opposite() Direction {
	if d == DirectionIn {
		return DirectionOut
	}
	return DirectionIn
}

// BillStatus enumerates the movement bill lifecycle.
type BillStatus string

const (
	// BillStatusDraft means the bill is recorded but has not touched stock.
	BillStatusDraft BillStatus = "DRAFT"
	// BillStatusExecuted means stock deltas have been applied exactly once.
	BillStatusExecuted BillStatus = "EXECUTED"
)

// ReverseStatus tracks whether an executed bill has been compensated.
type ReverseStatus string

const (
	ReverseStatusNone     ReverseStatus = "NONE"
	ReverseStatusReversed ReverseStatus = "REVERSED"
)

// BizType classifies the business event behind a movement.
type BizType string

const (
	BizTypeStockIn           BizType = "STOCK_IN"
	BizTypeStockOut          BizType = "STOCK_OUT"
	BizTypePurchaseIn        BizType = "PURCHASE_IN"
	BizTypePurchaseReturnOut BizType = "PURCHASE_RETURN_OUT"
	BizTypeSalesOut          BizType = "SALES_OUT"
	BizTypeSalesReturnIn     BizType = "SALES_RETURN_IN"
	BizTypeReversalIn        BizType = "REVERSAL_IN"
	BizTypeReversalOut       BizType = "REVERSAL_OUT"
	BizTypeCheckAdjustIn     BizType = "CHECK_ADJUST_IN"
	BizTypeCheckAdjustOut    BizType = "CHECK_ADJUST_OUT"
)

// Direction returns the stock direction implied by the biz type.
func (b BizType) Direction() Direction {
	switch b {
	case BizTypeStockIn, BizTypePurchaseIn, BizTypeSalesReturnIn, BizTypeReversalIn, BizTypeCheckAdjustIn:
		return DirectionIn
	default:
		return DirectionOut
	}
}

// IsReversal reports whether the biz type marks a compensating movement.
func (b BizType) IsReversal() bool {
	return b == BizTypeReversalIn || b == BizTypeReversalOut
}

// ReversalBizType maps an original biz type to the biz type of its reversal.
func ReversalBizType(d Direction) BizType {
	if d == DirectionIn {
		return BizTypeReversalIn
	}
	return BizTypeReversalOut
}

// StockRow is the per warehouse+product quantity row. availableQty is derived,
// never stored.
type StockRow struct {
	ID          int64
	WarehouseID int64
	ProductID   int64
	StockQty    decimal.Decimal
	LockedQty   decimal.Decimal
	Version     int64
	UpdatedAt   time.Time
}

// AvailableQty is stock minus locked.
func (r StockRow) AvailableQty() decimal.Decimal {
	return r.StockQty.Sub(r.LockedQty)
}

// Validate enforces the row invariants: stock >= 0, locked >= 0, locked <= stock.
func (r StockRow) Validate() error {
	if r.StockQty.IsNegative() {
		return &InvariantError{WarehouseID: r.WarehouseID, ProductID: r.ProductID, Reason: "stock quantity below zero"}
	}
	if r.LockedQty.IsNegative() {
		return &InvariantError{WarehouseID: r.WarehouseID, ProductID: r.ProductID, Reason: "locked quantity below zero"}
	}
	if r.LockedQty.GreaterThan(r.StockQty) {
		return &InvariantError{WarehouseID: r.WarehouseID, ProductID: r.ProductID, Reason: "locked quantity exceeds stock"}
	}
	return nil
}

// MovementBill is the header of a stock movement document.
type MovementBill struct {
	ID             int64
	BillNo         string
	RequestNo      string
	WarehouseID    int64
	Direction      Direction
	Status         BillStatus
	BizType        BizType
	BizID          int64
	BizNo          string
	Remark         string
	CreatedBy      string
	CreatedAt      time.Time
	ExecutedBy     string
	ExecutedAt     time.Time
	ReverseStatus  ReverseStatus
	ReversedBy     string
	ReversedAt     time.Time
	ReversalBillID int64
	Lines          []MovementLine
}

// MovementLine is one product quantity inside a bill. RealQty is the applied
// quantity, set at execution.
type MovementLine struct {
	ID        int64
	BillID    int64
	ProductID int64
	Qty       decimal.Decimal
	RealQty   decimal.Decimal
}

// LedgerEntry is one append-only stock change record.
type LedgerEntry struct {
	ID            int64
	WarehouseID   int64
	ProductID     int64
	BizType       BizType
	BizNo         string
	ChangeQty     decimal.Decimal
	AfterStockQty decimal.Decimal
	CreatedAt     time.Time
}

// CheckStatus enumerates stocktake bill lifecycle.
type CheckStatus string

const (
	CheckStatusDraft    CheckStatus = "DRAFT"
	CheckStatusExecuted CheckStatus = "EXECUTED"
)

// CheckBill is a stocktake document covering one warehouse.
type CheckBill struct {
	ID              int64
	BillNo          string
	WarehouseID     int64
	Status          CheckStatus
	Remark          string
	CreatedBy       string
	CreatedAt       time.Time
	ExecutedBy      string
	ExecutedAt      time.Time
	AdjustInBillID  int64
	AdjustOutBillID int64
	Lines           []CheckLine
}

// CheckLine carries one counted product. BookQty and DiffQty are snapshotted at
// execution time.
type CheckLine struct {
	ID          int64
	CheckBillID int64
	ProductID   int64
	CountedQty  decimal.Decimal
	BookQty     decimal.Decimal
	DiffQty     decimal.Decimal
}

// LineInput is one requested product movement.
type LineInput struct {
	ProductID int64
	Qty       decimal.Decimal
}

// CreateBillInput describes a movement bill to record.
type CreateBillInput struct {
	Direction   Direction
	WarehouseID int64
	RequestNo   string
	BizType     BizType
	BizID       int64
	BizNo       string
	Remark      string
	Actor       string
	Lines       []LineInput
}

// CheckLineInput is one counted quantity in a stocktake.
type CheckLineInput struct {
	ProductID  int64
	CountedQty decimal.Decimal
}

// CreateCheckInput describes a stocktake bill to record.
type CreateCheckInput struct {
	WarehouseID int64
	Remark      string
	Actor       string
	Lines       []CheckLineInput
}

// PrecheckLine reports per-product availability without taking locks.
type PrecheckLine struct {
	ProductID  int64
	Qty        decimal.Decimal
	StockQty   decimal.Decimal
	LockedQty  decimal.Decimal
	Available  decimal.Decimal
	Sufficient bool
	Message    string
}

// StockFilter narrows stock row listings.
type StockFilter struct {
	WarehouseID int64
	ProductID   int64
	Keyword     string
	Page        int
	PerPage     int
}

// LedgerFilter narrows ledger listings.
type LedgerFilter struct {
	WarehouseID int64
	ProductID   int64
	BizType     BizType
	From        time.Time
	To          time.Time
	Page        int
	PerPage     int
}

// BillFilter narrows movement bill listings.
type BillFilter struct {
	WarehouseID int64
	Direction   Direction
	Status      BillStatus
	BizType     BizType
	Keyword     string
	Page        int
	PerPage     int
}

// Validation and state errors surfaced to callers.
var (
	// ErrValidation marks client input problems. Wrap with context.
	ErrValidation = errors.New("stock: validation failed")
	// ErrBillNotFound indicates a missing movement bill.
	ErrBillNotFound = errors.New("stock: bill not found")
	// ErrCheckBillNotFound indicates a missing check bill.
	ErrCheckBillNotFound = errors.New("stock: check bill not found")
	// ErrNotExecuted is returned when reversing a bill still in draft.
	ErrNotExecuted = errors.New("stock: bill not executed")
	// ErrReverseReversal is returned when reversing a reversal bill.
	ErrReverseReversal = errors.New("stock: reversal bills cannot be reversed")
	// ErrLockTimeout indicates a transient row lock wait timeout. Retryable.
	ErrLockTimeout = errors.New("stock: lock wait timed out")
	// ErrDuplicateRequest indicates an idempotency key raced another writer.
	// The execute entry points resolve it by re-reading the winner; a plain
	// create surfaces it as a conflict.
	ErrDuplicateRequest = errors.New("stock: duplicate request number")
)

// InsufficientStockError names the product and shortfall that blocked an
// outbound movement. The whole bill aborts, nothing was applied.
type InsufficientStockError struct {
	ProductID int64
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock: insufficient stock for product %d: available %s, requested %s",
		e.ProductID, e.Available.String(), e.Requested.String())
}

// Is lets callers match with errors.Is against ErrValidation.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrValidation
}

// InvariantError reports a stock row in an impossible state. Indicates a bug
// or corrupted data, never client misuse.
type InvariantError struct {
	WarehouseID int64
	ProductID   int64
	Reason      string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("stock: invariant violated for warehouse %d product %d: %s",
		e.WarehouseID, e.ProductID, e.Reason)
}
