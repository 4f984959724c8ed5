package masterdata

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/caravel-wms/caravel-wms/internal/platform/httpx"
	"github.com/caravel-wms/caravel-wms/internal/shared"
)

// Handler wires HTTP endpoints for master data.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs masterdata handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers master data routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/warehouses", func(r chi.Router) {
		r.Get("/", h.handleListWarehouses)
		r.Post("/", h.handleCreateWarehouse)
		r.Get("/{id}", h.handleGetWarehouse)
		r.Put("/{id}", h.handleUpdateWarehouse)
		r.Delete("/{id}", h.handleDeleteWarehouse)
	})
	r.Route("/products", func(r chi.Router) {
		r.Get("/", h.handleListProducts)
		r.Post("/", h.handleCreateProduct)
		r.Get("/{id}", h.handleGetProduct)
		r.Put("/{id}", h.handleUpdateProduct)
		r.Delete("/{id}", h.handleDeleteProduct)
	})
}

type warehouseRequest struct {
	Code    string `json:"code" validate:"required,max=32"`
	Name    string `json:"name" validate:"required,max=120"`
	Address string `json:"address" validate:"max=255"`
	Active  *bool  `json:"active"`
}

type productRequest struct {
	Code   string `json:"code" validate:"required,max=32"`
	Name   string `json:"name" validate:"required,max=120"`
	Unit   string `json:"unit" validate:"max=16"`
	Active *bool  `json:"active"`
}

func (h *Handler) handleCreateWarehouse(w http.ResponseWriter, r *http.Request) {
	var req warehouseRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.service.CreateWarehouse(r.Context(), Warehouse{Code: req.Code, Name: req.Name, Address: req.Address})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) handleGetWarehouse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	warehouse, err := h.service.GetWarehouse(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, warehouse)
}

func (h *Handler) handleListWarehouses(w http.ResponseWriter, r *http.Request) {
	items, pagination, err := h.service.ListWarehouses(r.Context(), filtersFromQuery(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "pagination": pagination})
}

func (h *Handler) handleUpdateWarehouse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req warehouseRequest
	if !h.decode(w, r, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	if err := h.service.UpdateWarehouse(r.Context(), id, Warehouse{Name: req.Name, Address: req.Address, Active: active}); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (h *Handler) handleDeleteWarehouse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteWarehouse(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.service.CreateProduct(r.Context(), Product{Code: req.Code, Name: req.Name, Unit: req.Unit})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	product, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	items, pagination, err := h.service.ListProducts(r.Context(), filtersFromQuery(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "pagination": pagination})
}

func (h *Handler) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req productRequest
	if !h.decode(w, r, &req) {
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	if err := h.service.UpdateProduct(r.Context(), id, Product{Name: req.Name, Unit: req.Unit, Active: active}); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (h *Handler) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteProduct(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fieldErrs[0].Error())
		} else {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		}
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrCodeConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	default:
		h.logger.Error("masterdata request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func filtersFromQuery(r *http.Request) ListFilters {
	q := r.URL.Query()
	filters := ListFilters{Search: q.Get("search")}
	if raw := q.Get("active"); raw != "" {
		active := raw == "true"
		filters.Active = &active
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filters.Page = page
	}
	if perPage, err := strconv.Atoi(q.Get("per_page")); err == nil {
		filters.PerPage = perPage
	}
	return filters
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a positive integer")
		return 0, false
	}
	return id, true
}
