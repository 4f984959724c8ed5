package masterdata

import (
	"context"
	"fmt"
	"strings"

	"github.com/caravel-wms/caravel-wms/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	CreateWarehouse(ctx context.Context, w Warehouse) (Warehouse, error)
	GetWarehouse(ctx context.Context, id int64) (Warehouse, error)
	ListWarehouses(ctx context.Context, filters ListFilters) ([]Warehouse, int, error)
	UpdateWarehouse(ctx context.Context, id int64, w Warehouse) error
	DeleteWarehouse(ctx context.Context, id int64) error
	CreateProduct(ctx context.Context, p Product) (Product, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	ListProducts(ctx context.Context, filters ListFilters) ([]Product, int, error)
	UpdateProduct(ctx context.Context, id int64, p Product) error
	DeleteProduct(ctx context.Context, id int64) error
	WarehouseActive(ctx context.Context, id int64) (bool, error)
	ProductActive(ctx context.Context, id int64) (bool, error)
}

// Service coordinates master data operations.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// CreateWarehouse stores a warehouse after normalising the code.
func (s *Service) CreateWarehouse(ctx context.Context, w Warehouse) (Warehouse, error) {
	w.Code = normaliseCode(w.Code)
	if w.Code == "" || w.Name == "" {
		return Warehouse{}, fmt.Errorf("masterdata: code and name required")
	}
	return s.repo.CreateWarehouse(ctx, w)
}

// GetWarehouse loads one warehouse.
func (s *Service) GetWarehouse(ctx context.Context, id int64) (Warehouse, error) {
	return s.repo.GetWarehouse(ctx, id)
}

// ListWarehouses pages warehouses.
func (s *Service) ListWarehouses(ctx context.Context, filters ListFilters) ([]Warehouse, shared.Pagination, error) {
	items, total, err := s.repo.ListWarehouses(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filters.Page, filters.PerPage, total), nil
}

// UpdateWarehouse updates a warehouse.
func (s *Service) UpdateWarehouse(ctx context.Context, id int64, w Warehouse) error {
	if w.Name == "" {
		return fmt.Errorf("masterdata: name required")
	}
	return s.repo.UpdateWarehouse(ctx, id, w)
}

// DeleteWarehouse soft deletes a warehouse.
func (s *Service) DeleteWarehouse(ctx context.Context, id int64) error {
	return s.repo.DeleteWarehouse(ctx, id)
}

// CreateProduct stores a product after normalising the code.
func (s *Service) CreateProduct(ctx context.Context, p Product) (Product, error) {
	p.Code = normaliseCode(p.Code)
	if p.Code == "" || p.Name == "" {
		return Product{}, fmt.Errorf("masterdata: code and name required")
	}
	if p.Unit == "" {
		p.Unit = "pcs"
	}
	return s.repo.CreateProduct(ctx, p)
}

// GetProduct loads one product.
func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// ListProducts pages products.
func (s *Service) ListProducts(ctx context.Context, filters ListFilters) ([]Product, shared.Pagination, error) {
	items, total, err := s.repo.ListProducts(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filters.Page, filters.PerPage, total), nil
}

// UpdateProduct updates a product.
func (s *Service) UpdateProduct(ctx context.Context, id int64, p Product) error {
	if p.Name == "" {
		return fmt.Errorf("masterdata: name required")
	}
	return s.repo.UpdateProduct(ctx, id, p)
}

// DeleteProduct soft deletes a product.
func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	return s.repo.DeleteProduct(ctx, id)
}

// WarehouseActive reports whether the warehouse exists and is enabled.
func (s *Service) WarehouseActive(ctx context.Context, id int64) (bool, error) {
	return s.repo.WarehouseActive(ctx, id)
}

// ProductActive reports whether the product exists and is enabled.
func (s *Service) ProductActive(ctx context.Context, id int64) (bool, error) {
	return s.repo.ProductActive(ctx, id)
}

func normaliseCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
