package masterdata

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caravel-wms/caravel-wms/internal/platform/db"
	"github.com/caravel-wms/caravel-wms/internal/shared"
)

// Repository persists master data in PostgreSQL. Records are soft deleted;
// creating with a code held by a soft-deleted record revives that record
// instead of inserting, so the partial unique index on live codes never
// blocks a legitimate reuse.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateWarehouse inserts a warehouse or revives a soft-deleted one with the
// same code. Revival and insert run inside one transaction.
func (r *Repository) CreateWarehouse(ctx context.Context, w Warehouse) (Warehouse, error) {
	var out Warehouse
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `UPDATE warehouses
SET name=$2, address=$3, active=TRUE, deleted_at=NULL, updated_at=NOW()
WHERE code=$1 AND deleted_at IS NOT NULL
RETURNING id, code, name, address, active, created_at, updated_at`, w.Code, w.Name, w.Address).
			Scan(&out.ID, &out.Code, &out.Name, &out.Address, &out.Active, &out.CreatedAt, &out.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			err = tx.QueryRow(ctx, `INSERT INTO warehouses (code, name, address, active, created_at, updated_at)
VALUES ($1,$2,$3,TRUE,NOW(),NOW())
RETURNING id, code, name, address, active, created_at, updated_at`, w.Code, w.Name, w.Address).
				Scan(&out.ID, &out.Code, &out.Name, &out.Address, &out.Active, &out.CreatedAt, &out.UpdatedAt)
		}
		return err
	})
	if err != nil {
		return Warehouse{}, translateUnique(err)
	}
	return out, nil
}

// GetWarehouse loads one live warehouse.
func (r *Repository) GetWarehouse(ctx context.Context, id int64) (Warehouse, error) {
	var w Warehouse
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, address, active, created_at, updated_at
FROM warehouses WHERE id=$1 AND deleted_at IS NULL`, id).
		Scan(&w.ID, &w.Code, &w.Name, &w.Address, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Warehouse{}, shared.ErrNotFound
	}
	return w, err
}

// ListWarehouses pages live warehouses.
func (r *Repository) ListWarehouses(ctx context.Context, filters ListFilters) ([]Warehouse, int, error) {
	where := ` WHERE deleted_at IS NULL`
	args := []any{}
	argCount := 0
	if filters.Search != "" {
		argCount++
		where += ` AND (name ILIKE $` + strconv.Itoa(argCount) + ` OR code ILIKE $` + strconv.Itoa(argCount) + `)`
		args = append(args, "%"+filters.Search+"%")
	}
	if filters.Active != nil {
		argCount++
		where += ` AND active = $` + strconv.Itoa(argCount)
		args = append(args, *filters.Active)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM warehouses`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	perPage := filters.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	argCount++
	limitArg := argCount
	argCount++
	offsetArg := argCount
	args = append(args, perPage, (page-1)*perPage)

	rows, err := r.pool.Query(ctx, `SELECT id, code, name, address, active, created_at, updated_at
FROM warehouses`+where+` ORDER BY code ASC LIMIT $`+strconv.Itoa(limitArg)+` OFFSET $`+strconv.Itoa(offsetArg), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	result := []Warehouse{}
	for rows.Next() {
		var w Warehouse
		if err := rows.Scan(&w.ID, &w.Code, &w.Name, &w.Address, &w.Active, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, 0, err
		}
		result = append(result, w)
	}
	return result, total, rows.Err()
}

// UpdateWarehouse updates mutable fields of a live warehouse.
func (r *Repository) UpdateWarehouse(ctx context.Context, id int64, w Warehouse) error {
	tag, err := r.pool.Exec(ctx, `UPDATE warehouses SET name=$2, address=$3, active=$4, updated_at=NOW()
WHERE id=$1 AND deleted_at IS NULL`, id, w.Name, w.Address, w.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteWarehouse soft deletes a warehouse.
func (r *Repository) DeleteWarehouse(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE warehouses SET deleted_at=NOW(), active=FALSE, updated_at=NOW()
WHERE id=$1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// CreateProduct inserts a product or revives a soft-deleted one with the same
// code.
func (r *Repository) CreateProduct(ctx context.Context, p Product) (Product, error) {
	var out Product
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `UPDATE products
SET name=$2, unit=$3, active=TRUE, deleted_at=NULL, updated_at=NOW()
WHERE code=$1 AND deleted_at IS NOT NULL
RETURNING id, code, name, unit, active, created_at, updated_at`, p.Code, p.Name, p.Unit).
			Scan(&out.ID, &out.Code, &out.Name, &out.Unit, &out.Active, &out.CreatedAt, &out.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			err = tx.QueryRow(ctx, `INSERT INTO products (code, name, unit, active, created_at, updated_at)
VALUES ($1,$2,$3,TRUE,NOW(),NOW())
RETURNING id, code, name, unit, active, created_at, updated_at`, p.Code, p.Name, p.Unit).
				Scan(&out.ID, &out.Code, &out.Name, &out.Unit, &out.Active, &out.CreatedAt, &out.UpdatedAt)
		}
		return err
	})
	if err != nil {
		return Product{}, translateUnique(err)
	}
	return out, nil
}

// GetProduct loads one live product.
func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, unit, active, created_at, updated_at
FROM products WHERE id=$1 AND deleted_at IS NULL`, id).
		Scan(&p.ID, &p.Code, &p.Name, &p.Unit, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, shared.ErrNotFound
	}
	return p, err
}

// ListProducts pages live products.
func (r *Repository) ListProducts(ctx context.Context, filters ListFilters) ([]Product, int, error) {
	where := ` WHERE deleted_at IS NULL`
	args := []any{}
	argCount := 0
	if filters.Search != "" {
		argCount++
		where += ` AND (name ILIKE $` + strconv.Itoa(argCount) + ` OR code ILIKE $` + strconv.Itoa(argCount) + `)`
		args = append(args, "%"+filters.Search+"%")
	}
	if filters.Active != nil {
		argCount++
		where += ` AND active = $` + strconv.Itoa(argCount)
		args = append(args, *filters.Active)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	perPage := filters.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	argCount++
	limitArg := argCount
	argCount++
	offsetArg := argCount
	args = append(args, perPage, (page-1)*perPage)

	rows, err := r.pool.Query(ctx, `SELECT id, code, name, unit, active, created_at, updated_at
FROM products`+where+` ORDER BY code ASC LIMIT $`+strconv.Itoa(limitArg)+` OFFSET $`+strconv.Itoa(offsetArg), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	result := []Product{}
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Unit, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, err
		}
		result = append(result, p)
	}
	return result, total, rows.Err()
}

// UpdateProduct updates mutable fields of a live product.
func (r *Repository) UpdateProduct(ctx context.Context, id int64, p Product) error {
	tag, err := r.pool.Exec(ctx, `UPDATE products SET name=$2, unit=$3, active=$4, updated_at=NOW()
WHERE id=$1 AND deleted_at IS NULL`, id, p.Name, p.Unit, p.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteProduct soft deletes a product.
func (r *Repository) DeleteProduct(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE products SET deleted_at=NOW(), active=FALSE, updated_at=NOW()
WHERE id=$1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// WarehouseActive answers referential checks from the stock module.
func (r *Repository) WarehouseActive(ctx context.Context, id int64) (bool, error) {
	var active bool
	err := r.pool.QueryRow(ctx, `SELECT active FROM warehouses WHERE id=$1 AND deleted_at IS NULL`, id).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

// ProductActive answers referential checks from the stock module.
func (r *Repository) ProductActive(ctx context.Context, id int64) (bool, error) {
	var active bool
	err := r.pool.QueryRow(ctx, `SELECT active FROM products WHERE id=$1 AND deleted_at IS NULL`, id).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

func translateUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrCodeConflict
	}
	return err
}
