package stock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository persists stock data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxStore exposes the transactional operations used by the service. Every
// method runs on the transaction opened by WithTx.
type TxStore interface {
	NextBillNo(ctx context.Context, prefix string) (string, error)
	InsertBill(ctx context.Context, bill MovementBill) (int64, error)
	InsertLines(ctx context.Context, billID int64, lines []MovementLine) error
	GetBillForUpdate(ctx context.Context, id int64) (MovementBill, error)
	GetBillByRequestNo(ctx context.Context, requestNo string) (MovementBill, error)
	GetBillByBiz(ctx context.Context, bizNo string, bizType BizType) (MovementBill, error)
	GetReversalOf(ctx context.Context, bizID int64, direction Direction) (MovementBill, error)
	GetStockRowForUpdate(ctx context.Context, warehouseID, productID int64) (StockRow, error)
	EnsureStockRow(ctx context.Context, warehouseID, productID int64) (StockRow, error)
	UpdateStockRow(ctx context.Context, row StockRow) error
	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error
	SetLineRealQty(ctx context.Context, lineID int64, realQty decimal.Decimal) error
	MarkExecuted(ctx context.Context, billID int64, actor string, at time.Time) error
	MarkReversed(ctx context.Context, billID int64, reversalBillID int64, actor string, at time.Time) error
	InsertCheckBill(ctx context.Context, bill CheckBill) (int64, error)
	InsertCheckLines(ctx context.Context, checkBillID int64, lines []CheckLine) error
	GetCheckBillForUpdate(ctx context.Context, id int64) (CheckBill, error)
	UpdateCheckLineSnapshot(ctx context.Context, lineID int64, bookQty, diffQty decimal.Decimal) error
	MarkCheckExecuted(ctx context.Context, checkBillID int64, adjustInID, adjustOutID int64, actor string, at time.Time) error
}

type txStore struct {
	tx pgx.Tx
}

// ErrStockRowNotFound indicates a missing stock row.
var ErrStockRowNotFound = errors.New("stock row not found")

// WithTx executes the callback inside a repeatable-read transaction. Row locks
// taken inside are released on commit or rollback.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txStore{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return translatePgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return translatePgError(err)
	}
	return nil
}

// translatePgError maps driver error codes onto domain errors.
func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicateRequest, pgErr.ConstraintName)
		case "55P03":
			return ErrLockTimeout
		}
	}
	return err
}

// NextBillNo allocates the next bill number for a prefix from a per-prefix
// counter row. The counter update serialises concurrent allocations so the
// formatted numbers stay unique across processes.
func (s *txStore) NextBillNo(ctx context.Context, prefix string) (string, error) {
	var seq int64
	err := s.tx.QueryRow(ctx, `INSERT INTO bill_numbers (prefix, last_seq)
VALUES ($1, 1)
ON CONFLICT (prefix) DO UPDATE SET last_seq = bill_numbers.last_seq + 1
RETURNING last_seq`, prefix).Scan(&seq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s-%06d", prefix, time.Now().UTC().Format("20060102"), seq), nil
}

func (s *txStore) InsertBill(ctx context.Context, bill MovementBill) (int64, error) {
	var id int64
	err := s.tx.QueryRow(ctx, `INSERT INTO movement_bills
(bill_no, request_no, warehouse_id, direction, status, biz_type, biz_id, biz_no, remark, created_by, created_at, reverse_status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),$11)
RETURNING id`,
		bill.BillNo, bill.RequestNo, bill.WarehouseID, string(bill.Direction), string(bill.Status),
		string(bill.BizType), nullInt(bill.BizID), nullStr(bill.BizNo), bill.Remark, bill.CreatedBy,
		string(ReverseStatusNone)).Scan(&id)
	if err != nil {
		return 0, translatePgError(err)
	}
	return id, nil
}

func (s *txStore) InsertLines(ctx context.Context, billID int64, lines []MovementLine) error {
	for _, line := range lines {
		if _, err := s.tx.Exec(ctx, `INSERT INTO movement_lines (bill_id, product_id, qty, real_qty)
VALUES ($1,$2,$3,$4)`, billID, line.ProductID, line.Qty, line.RealQty); err != nil {
			return err
		}
	}
	return nil
}

const billColumns = `id, bill_no, request_no, warehouse_id, direction, status, biz_type,
COALESCE(biz_id, 0), COALESCE(biz_no, ''), remark, created_by, created_at,
COALESCE(executed_by, ''), COALESCE(executed_at, 'epoch'), reverse_status,
COALESCE(reversed_by, ''), COALESCE(reversed_at, 'epoch'), COALESCE(reversal_bill_id, 0)`

func scanBill(row pgx.Row) (MovementBill, error) {
	var bill MovementBill
	err := row.Scan(&bill.ID, &bill.BillNo, &bill.RequestNo, &bill.WarehouseID, &bill.Direction,
		&bill.Status, &bill.BizType, &bill.BizID, &bill.BizNo, &bill.Remark, &bill.CreatedBy,
		&bill.CreatedAt, &bill.ExecutedBy, &bill.ExecutedAt, &bill.ReverseStatus,
		&bill.ReversedBy, &bill.ReversedAt, &bill.ReversalBillID)
	return bill, err
}

func (s *txStore) GetBillForUpdate(ctx context.Context, id int64) (MovementBill, error) {
	bill, err := scanBill(s.tx.QueryRow(ctx,
		`SELECT `+billColumns+` FROM movement_bills WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MovementBill{}, ErrBillNotFound
		}
		return MovementBill{}, translatePgError(err)
	}
	bill.Lines, err = s.loadLines(ctx, bill.ID)
	return bill, err
}

func (s *txStore) GetBillByRequestNo(ctx context.Context, requestNo string) (MovementBill, error) {
	bill, err := scanBill(s.tx.QueryRow(ctx,
		`SELECT `+billColumns+` FROM movement_bills WHERE request_no=$1`, requestNo))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MovementBill{}, ErrBillNotFound
		}
		return MovementBill{}, err
	}
	bill.Lines, err = s.loadLines(ctx, bill.ID)
	return bill, err
}

func (s *txStore) GetBillByBiz(ctx context.Context, bizNo string, bizType BizType) (MovementBill, error) {
	bill, err := scanBill(s.tx.QueryRow(ctx,
		`SELECT `+billColumns+` FROM movement_bills WHERE biz_no=$1 AND biz_type=$2`, bizNo, string(bizType)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MovementBill{}, ErrBillNotFound
		}
		return MovementBill{}, err
	}
	bill.Lines, err = s.loadLines(ctx, bill.ID)
	return bill, err
}

// GetReversalOf finds the reversal bill pointing back at bizID. The partial
// unique (biz_id, direction) index over reversal biz types makes at most one
// row match; check-adjustment bills reuse biz_id for the check bill id and
// stay outside the index.
func (s *txStore) GetReversalOf(ctx context.Context, bizID int64, direction Direction) (MovementBill, error) {
	bill, err := scanBill(s.tx.QueryRow(ctx,
		`SELECT `+billColumns+` FROM movement_bills WHERE biz_id=$1 AND direction=$2 AND biz_type IN ($3,$4)`,
		bizID, string(direction), string(BizTypeReversalIn), string(BizTypeReversalOut)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MovementBill{}, ErrBillNotFound
		}
		return MovementBill{}, err
	}
	bill.Lines, err = s.loadLines(ctx, bill.ID)
	return bill, err
}

func (s *txStore) loadLines(ctx context.Context, billID int64) ([]MovementLine, error) {
	rows, err := s.tx.Query(ctx, `SELECT id, bill_id, product_id, qty, real_qty
FROM movement_lines WHERE bill_id=$1 ORDER BY product_id ASC`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLines(rows)
}

func collectLines(rows pgx.Rows) ([]MovementLine, error) {
	lines := []MovementLine{}
	for rows.Next() {
		var line MovementLine
		if err := rows.Scan(&line.ID, &line.BillID, &line.ProductID, &line.Qty, &line.RealQty); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (s *txStore) GetStockRowForUpdate(ctx context.Context, warehouseID, productID int64) (StockRow, error) {
	var row StockRow
	err := s.tx.QueryRow(ctx, `SELECT id, warehouse_id, product_id, stock_qty, locked_qty, version, updated_at
FROM stock_rows WHERE warehouse_id=$1 AND product_id=$2 FOR UPDATE`, warehouseID, productID).
		Scan(&row.ID, &row.WarehouseID, &row.ProductID, &row.StockQty, &row.LockedQty, &row.Version, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockRow{WarehouseID: warehouseID, ProductID: productID}, ErrStockRowNotFound
		}
		return StockRow{}, translatePgError(err)
	}
	return row, nil
}

// EnsureStockRow creates the zero row if missing, then locks it. The ON
// CONFLICT no-op keeps concurrent creators from failing; the re-select takes
// the row lock either way.
func (s *txStore) EnsureStockRow(ctx context.Context, warehouseID, productID int64) (StockRow, error) {
	if _, err := s.tx.Exec(ctx, `INSERT INTO stock_rows (warehouse_id, product_id, stock_qty, locked_qty, version, updated_at)
VALUES ($1,$2,0,0,0,NOW())
ON CONFLICT (warehouse_id, product_id) DO NOTHING`, warehouseID, productID); err != nil {
		return StockRow{}, translatePgError(err)
	}
	return s.GetStockRowForUpdate(ctx, warehouseID, productID)
}

func (s *txStore) UpdateStockRow(ctx context.Context, row StockRow) error {
	tag, err := s.tx.Exec(ctx, `UPDATE stock_rows
SET stock_qty=$1, locked_qty=$2, version=version+1, updated_at=NOW()
WHERE id=$3 AND version=$4`, row.StockQty, row.LockedQty, row.ID, row.Version)
	if err != nil {
		return translatePgError(err)
	}
	if tag.RowsAffected() == 0 {
		return &InvariantError{WarehouseID: row.WarehouseID, ProductID: row.ProductID, Reason: "version moved under row lock"}
	}
	return nil
}

func (s *txStore) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	_, err := s.tx.Exec(ctx, `INSERT INTO stock_ledger
(warehouse_id, product_id, biz_type, biz_no, change_qty, after_stock_qty, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())`,
		entry.WarehouseID, entry.ProductID, string(entry.BizType), entry.BizNo, entry.ChangeQty, entry.AfterStockQty)
	return translatePgError(err)
}

func (s *txStore) SetLineRealQty(ctx context.Context, lineID int64, realQty decimal.Decimal) error {
	_, err := s.tx.Exec(ctx, `UPDATE movement_lines SET real_qty=$1 WHERE id=$2`, realQty, lineID)
	return err
}

func (s *txStore) MarkExecuted(ctx context.Context, billID int64, actor string, at time.Time) error {
	tag, err := s.tx.Exec(ctx, `UPDATE movement_bills
SET status=$1, executed_by=$2, executed_at=$3
WHERE id=$4 AND status=$5`, string(BillStatusExecuted), actor, at, billID, string(BillStatusDraft))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBillNotFound
	}
	return nil
}

func (s *txStore) MarkReversed(ctx context.Context, billID int64, reversalBillID int64, actor string, at time.Time) error {
	tag, err := s.tx.Exec(ctx, `UPDATE movement_bills
SET reverse_status=$1, reversed_by=$2, reversed_at=$3, reversal_bill_id=$4
WHERE id=$5 AND reverse_status=$6`,
		string(ReverseStatusReversed), actor, at, reversalBillID, billID, string(ReverseStatusNone))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBillNotFound
	}
	return nil
}

func (s *txStore) InsertCheckBill(ctx context.Context, bill CheckBill) (int64, error) {
	var id int64
	err := s.tx.QueryRow(ctx, `INSERT INTO check_bills
(bill_no, warehouse_id, status, remark, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,NOW()) RETURNING id`,
		bill.BillNo, bill.WarehouseID, string(bill.Status), bill.Remark, bill.CreatedBy).Scan(&id)
	return id, translatePgError(err)
}

func (s *txStore) InsertCheckLines(ctx context.Context, checkBillID int64, lines []CheckLine) error {
	for _, line := range lines {
		if _, err := s.tx.Exec(ctx, `INSERT INTO check_lines (check_bill_id, product_id, counted_qty, book_qty, diff_qty)
VALUES ($1,$2,$3,0,0)`, checkBillID, line.ProductID, line.CountedQty); err != nil {
			return err
		}
	}
	return nil
}

func (s *txStore) GetCheckBillForUpdate(ctx context.Context, id int64) (CheckBill, error) {
	var bill CheckBill
	err := s.tx.QueryRow(ctx, `SELECT id, bill_no, warehouse_id, status, remark, created_by, created_at,
COALESCE(executed_by, ''), COALESCE(executed_at, 'epoch'),
COALESCE(adjust_in_bill_id, 0), COALESCE(adjust_out_bill_id, 0)
FROM check_bills WHERE id=$1 FOR UPDATE`, id).
		Scan(&bill.ID, &bill.BillNo, &bill.WarehouseID, &bill.Status, &bill.Remark, &bill.CreatedBy,
			&bill.CreatedAt, &bill.ExecutedBy, &bill.ExecutedAt, &bill.AdjustInBillID, &bill.AdjustOutBillID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CheckBill{}, ErrCheckBillNotFound
		}
		return CheckBill{}, translatePgError(err)
	}
	rows, err := s.tx.Query(ctx, `SELECT id, check_bill_id, product_id, counted_qty, book_qty, diff_qty
FROM check_lines WHERE check_bill_id=$1 ORDER BY product_id ASC`, id)
	if err != nil {
		return CheckBill{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line CheckLine
		if err := rows.Scan(&line.ID, &line.CheckBillID, &line.ProductID, &line.CountedQty, &line.BookQty, &line.DiffQty); err != nil {
			return CheckBill{}, err
		}
		bill.Lines = append(bill.Lines, line)
	}
	return bill, rows.Err()
}

func (s *txStore) UpdateCheckLineSnapshot(ctx context.Context, lineID int64, bookQty, diffQty decimal.Decimal) error {
	_, err := s.tx.Exec(ctx, `UPDATE check_lines SET book_qty=$1, diff_qty=$2 WHERE id=$3`, bookQty, diffQty, lineID)
	return err
}

func (s *txStore) MarkCheckExecuted(ctx context.Context, checkBillID int64, adjustInID, adjustOutID int64, actor string, at time.Time) error {
	tag, err := s.tx.Exec(ctx, `UPDATE check_bills
SET status=$1, executed_by=$2, executed_at=$3, adjust_in_bill_id=$4, adjust_out_bill_id=$5
WHERE id=$6 AND status=$7`,
		string(CheckStatusExecuted), actor, at, nullInt(adjustInID), nullInt(adjustOutID),
		checkBillID, string(CheckStatusDraft))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCheckBillNotFound
	}
	return nil
}

// Pool-level read queries below. These run outside WithTx and take no locks.

// GetBill loads a bill with its lines.
func (r *Repository) GetBill(ctx context.Context, id int64) (MovementBill, error) {
	bill, err := scanBill(r.pool.QueryRow(ctx,
		`SELECT `+billColumns+` FROM movement_bills WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MovementBill{}, ErrBillNotFound
		}
		return MovementBill{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, bill_id, product_id, qty, real_qty
FROM movement_lines WHERE bill_id=$1 ORDER BY product_id ASC`, id)
	if err != nil {
		return MovementBill{}, err
	}
	defer rows.Close()
	bill.Lines, err = collectLines(rows)
	return bill, err
}

// ListBills pages movement bills newest first.
func (r *Repository) ListBills(ctx context.Context, filter BillFilter) ([]MovementBill, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argCount := 0
	if filter.WarehouseID != 0 {
		argCount++
		where += ` AND warehouse_id = $` + strconv.Itoa(argCount)
		args = append(args, filter.WarehouseID)
	}
	if filter.Direction != "" {
		argCount++
		where += ` AND direction = $` + strconv.Itoa(argCount)
		args = append(args, string(filter.Direction))
	}
	if filter.Status != "" {
		argCount++
		where += ` AND status = $` + strconv.Itoa(argCount)
		args = append(args, string(filter.Status))
	}
	if filter.BizType != "" {
		argCount++
		where += ` AND biz_type = $` + strconv.Itoa(argCount)
		args = append(args, string(filter.BizType))
	}
	if filter.Keyword != "" {
		argCount++
		where += ` AND (bill_no ILIKE $` + strconv.Itoa(argCount) + ` OR biz_no ILIKE $` + strconv.Itoa(argCount) + `)`
		args = append(args, "%"+filter.Keyword+"%")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM movement_bills`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	argCount++
	limitArg := argCount
	argCount++
	offsetArg := argCount
	args = append(args, perPage, (page-1)*perPage)

	rows, err := r.pool.Query(ctx, `SELECT `+billColumns+` FROM movement_bills`+where+
		` ORDER BY created_at DESC, id DESC LIMIT $`+strconv.Itoa(limitArg)+` OFFSET $`+strconv.Itoa(offsetArg), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	bills := []MovementBill{}
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, 0, err
		}
		bills = append(bills, bill)
	}
	return bills, total, rows.Err()
}

// ListStock pages stock rows; keyword matching joins product master data.
func (r *Repository) ListStock(ctx context.Context, filter StockFilter) ([]StockRow, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argCount := 0
	if filter.WarehouseID != 0 {
		argCount++
		where += ` AND s.warehouse_id = $` + strconv.Itoa(argCount)
		args = append(args, filter.WarehouseID)
	}
	if filter.ProductID != 0 {
		argCount++
		where += ` AND s.product_id = $` + strconv.Itoa(argCount)
		args = append(args, filter.ProductID)
	}
	if filter.Keyword != "" {
		argCount++
		where += ` AND EXISTS (SELECT 1 FROM products p WHERE p.id = s.product_id AND (p.name ILIKE $` +
			strconv.Itoa(argCount) + ` OR p.code ILIKE $` + strconv.Itoa(argCount) + `))`
		args = append(args, "%"+filter.Keyword+"%")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_rows s`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	argCount++
	limitArg := argCount
	argCount++
	offsetArg := argCount
	args = append(args, perPage, (page-1)*perPage)

	rows, err := r.pool.Query(ctx, `SELECT s.id, s.warehouse_id, s.product_id, s.stock_qty, s.locked_qty, s.version, s.updated_at
FROM stock_rows s`+where+` ORDER BY s.warehouse_id ASC, s.product_id ASC LIMIT $`+
		strconv.Itoa(limitArg)+` OFFSET $`+strconv.Itoa(offsetArg), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	result := []StockRow{}
	for rows.Next() {
		var row StockRow
		if err := rows.Scan(&row.ID, &row.WarehouseID, &row.ProductID, &row.StockQty, &row.LockedQty, &row.Version, &row.UpdatedAt); err != nil {
			return nil, 0, err
		}
		result = append(result, row)
	}
	return result, total, rows.Err()
}

// ListLedger pages ledger entries newest first.
func (r *Repository) ListLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argCount := 0
	if filter.WarehouseID != 0 {
		argCount++
		where += ` AND warehouse_id = $` + strconv.Itoa(argCount)
		args = append(args, filter.WarehouseID)
	}
	if filter.ProductID != 0 {
		argCount++
		where += ` AND product_id = $` + strconv.Itoa(argCount)
		args = append(args, filter.ProductID)
	}
	if filter.BizType != "" {
		argCount++
		where += ` AND biz_type = $` + strconv.Itoa(argCount)
		args = append(args, string(filter.BizType))
	}
	if !filter.From.IsZero() {
		argCount++
		where += ` AND created_at >= $` + strconv.Itoa(argCount)
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		argCount++
		where += ` AND created_at <= $` + strconv.Itoa(argCount)
		args = append(args, filter.To)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_ledger`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	argCount++
	limitArg := argCount
	argCount++
	offsetArg := argCount
	args = append(args, perPage, (page-1)*perPage)

	rows, err := r.pool.Query(ctx, `SELECT id, warehouse_id, product_id, biz_type, biz_no, change_qty, after_stock_qty, created_at
FROM stock_ledger`+where+` ORDER BY created_at DESC, id DESC LIMIT $`+
		strconv.Itoa(limitArg)+` OFFSET $`+strconv.Itoa(offsetArg), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	entries := []LedgerEntry{}
	for rows.Next() {
		var entry LedgerEntry
		if err := rows.Scan(&entry.ID, &entry.WarehouseID, &entry.ProductID, &entry.BizType, &entry.BizNo,
			&entry.ChangeQty, &entry.AfterStockQty, &entry.CreatedAt); err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	return entries, total, rows.Err()
}

// GetCheckBill loads a stocktake bill with its lines, without locking.
func (r *Repository) GetCheckBill(ctx context.Context, id int64) (CheckBill, error) {
	var bill CheckBill
	err := r.pool.QueryRow(ctx, `SELECT id, bill_no, warehouse_id, status, remark, created_by, created_at,
COALESCE(executed_by, ''), COALESCE(executed_at, 'epoch'),
COALESCE(adjust_in_bill_id, 0), COALESCE(adjust_out_bill_id, 0)
FROM check_bills WHERE id=$1`, id).
		Scan(&bill.ID, &bill.BillNo, &bill.WarehouseID, &bill.Status, &bill.Remark, &bill.CreatedBy,
			&bill.CreatedAt, &bill.ExecutedBy, &bill.ExecutedAt, &bill.AdjustInBillID, &bill.AdjustOutBillID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CheckBill{}, ErrCheckBillNotFound
		}
		return CheckBill{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, check_bill_id, product_id, counted_qty, book_qty, diff_qty
FROM check_lines WHERE check_bill_id=$1 ORDER BY product_id ASC`, id)
	if err != nil {
		return CheckBill{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line CheckLine
		if err := rows.Scan(&line.ID, &line.CheckBillID, &line.ProductID, &line.CountedQty, &line.BookQty, &line.DiffQty); err != nil {
			return CheckBill{}, err
		}
		bill.Lines = append(bill.Lines, line)
	}
	return bill, rows.Err()
}

// GetStockRow reads a single stock row without locking.
func (r *Repository) GetStockRow(ctx context.Context, warehouseID, productID int64) (StockRow, error) {
	var row StockRow
	err := r.pool.QueryRow(ctx, `SELECT id, warehouse_id, product_id, stock_qty, locked_qty, version, updated_at
FROM stock_rows WHERE warehouse_id=$1 AND product_id=$2`, warehouseID, productID).
		Scan(&row.ID, &row.WarehouseID, &row.ProductID, &row.StockQty, &row.LockedQty, &row.Version, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockRow{WarehouseID: warehouseID, ProductID: productID}, ErrStockRowNotFound
		}
		return StockRow{}, err
	}
	return row, nil
}

// LedgerDrift is one stock row whose quantity disagrees with the summed ledger.
type LedgerDrift struct {
	WarehouseID int64
	ProductID   int64
	StockQty    decimal.Decimal
	LedgerSum   decimal.Decimal
}

// FindLedgerDrift compares every stock row against the sum of its ledger
// changes. Any mismatch means the conservation law was broken.
func (r *Repository) FindLedgerDrift(ctx context.Context) ([]LedgerDrift, error) {
	rows, err := r.pool.Query(ctx, `SELECT s.warehouse_id, s.product_id, s.stock_qty, COALESCE(l.total, 0)
FROM stock_rows s
LEFT JOIN (
  SELECT warehouse_id, product_id, SUM(change_qty) AS total
  FROM stock_ledger GROUP BY warehouse_id, product_id
) l ON l.warehouse_id = s.warehouse_id AND l.product_id = s.product_id
WHERE s.stock_qty <> COALESCE(l.total, 0)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	drifts := []LedgerDrift{}
	for rows.Next() {
		var d LedgerDrift
		if err := rows.Scan(&d.WarehouseID, &d.ProductID, &d.StockQty, &d.LedgerSum); err != nil {
			return nil, err
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

// DeleteStaleDrafts removes draft bills older than the cutoff that never
// executed. Returns the number of removed bills.
func (r *Repository) DeleteStaleDrafts(ctx context.Context, cutoff time.Time) (int64, error) {
	if _, err := r.pool.Exec(ctx, `DELETE FROM movement_lines
WHERE bill_id IN (SELECT id FROM movement_bills WHERE status=$1 AND created_at < $2)`,
		string(BillStatusDraft), cutoff); err != nil {
		return 0, err
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM movement_bills WHERE status=$1 AND created_at < $2`,
		string(BillStatusDraft), cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullStr(value string) any {
	if value == "" {
		return nil
	}
	return value
}
