package stock

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/caravel-wms/caravel-wms/internal/platform/httpx"
	"github.com/caravel-wms/caravel-wms/internal/shared"
)

// Handler wires HTTP endpoints for the stock module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/bills", h.handleCreateBill)
	r.Post("/bills/execute", h.handleCreateAndExecute)
	r.Post("/bills/biz", h.handleCreateAndExecuteForBiz)
	r.Get("/bills", h.handleListBills)
	r.Get("/bills/{id}", h.handleGetBill)
	r.Get("/bills/{id}/precheck", h.handlePrecheck)
	r.Post("/bills/{id}/execute", h.handleExecute)
	r.Post("/bills/{id}/reverse", h.handleReverse)
	r.Post("/checks", h.handleCreateCheck)
	r.Get("/checks/{id}", h.handleGetCheck)
	r.Post("/checks/{id}/execute", h.handleExecuteCheck)
	r.Get("/rows", h.handleListStock)
	r.Get("/ledger", h.handleListLedger)
}

type lineRequest struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Qty       decimal.Decimal `json:"qty" validate:"required"`
}

type createBillRequest struct {
	Direction   string        `json:"direction" validate:"required,oneof=IN OUT"`
	WarehouseID int64         `json:"warehouse_id" validate:"required,gt=0"`
	RequestNo   string        `json:"request_no" validate:"omitempty,uuid4"`
	BizType     string        `json:"biz_type"`
	BizNo       string        `json:"biz_no"`
	Remark      string        `json:"remark" validate:"max=500"`
	Lines       []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (req createBillRequest) toInput(actor string) CreateBillInput {
	lines := make([]LineInput, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, LineInput{ProductID: line.ProductID, Qty: line.Qty})
	}
	return CreateBillInput{
		Direction:   Direction(req.Direction),
		WarehouseID: req.WarehouseID,
		RequestNo:   req.RequestNo,
		BizType:     BizType(req.BizType),
		BizNo:       req.BizNo,
		Remark:      req.Remark,
		Actor:       actor,
		Lines:       lines,
	}
}

func (h *Handler) handleCreateBill(w http.ResponseWriter, r *http.Request) {
	var req createBillRequest
	if !h.decode(w, r, &req) {
		return
	}
	bill, err := h.service.CreateBill(r.Context(), req.toInput(shared.ActorFromContext(r.Context())))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, billResponse(bill))
}

func (h *Handler) handleCreateAndExecute(w http.ResponseWriter, r *http.Request) {
	var req createBillRequest
	if !h.decode(w, r, &req) {
		return
	}
	bill, err := h.service.CreateAndExecute(r.Context(), req.toInput(shared.ActorFromContext(r.Context())))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, billResponse(bill))
}

func (h *Handler) handleCreateAndExecuteForBiz(w http.ResponseWriter, r *http.Request) {
	var req createBillRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.BizNo == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "biz_no is required")
		return
	}
	bill, err := h.service.CreateAndExecuteForBiz(r.Context(), req.toInput(shared.ActorFromContext(r.Context())))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, billResponse(bill))
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	bill, err := h.service.Execute(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, billResponse(bill))
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	bill, err := h.service.Reverse(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, billResponse(bill))
}

func (h *Handler) handleGetBill(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	bill, err := h.service.GetBill(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, billResponse(bill))
}

func (h *Handler) handlePrecheck(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	report, err := h.service.Precheck(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	lines := make([]map[string]any, 0, len(report))
	for _, line := range report {
		lines = append(lines, map[string]any{
			"product_id": line.ProductID,
			"qty":        line.Qty,
			"stock_qty":  line.StockQty,
			"locked_qty": line.LockedQty,
			"available":  line.Available,
			"sufficient": line.Sufficient,
			"message":    line.Message,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"bill_id": id, "lines": lines})
}

func (h *Handler) handleListBills(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := BillFilter{
		WarehouseID: queryInt64(q.Get("warehouse_id")),
		Direction:   Direction(q.Get("direction")),
		Status:      BillStatus(q.Get("status")),
		BizType:     BizType(q.Get("biz_type")),
		Keyword:     q.Get("keyword"),
		Page:        int(queryInt64(q.Get("page"))),
		PerPage:     int(queryInt64(q.Get("per_page"))),
	}
	bills, pagination, err := h.service.ListBills(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(bills))
	for _, bill := range bills {
		items = append(items, billResponse(bill))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "pagination": pagination})
}

func (h *Handler) handleListStock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := StockFilter{
		WarehouseID: queryInt64(q.Get("warehouse_id")),
		ProductID:   queryInt64(q.Get("product_id")),
		Keyword:     q.Get("keyword"),
		Page:        int(queryInt64(q.Get("page"))),
		PerPage:     int(queryInt64(q.Get("per_page"))),
	}
	rows, pagination, err := h.service.ListStock(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		items = append(items, map[string]any{
			"warehouse_id":  row.WarehouseID,
			"product_id":    row.ProductID,
			"stock_qty":     row.StockQty,
			"locked_qty":    row.LockedQty,
			"available_qty": row.AvailableQty(),
			"updated_at":    row.UpdatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "pagination": pagination})
}

func (h *Handler) handleListLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := LedgerFilter{
		WarehouseID: queryInt64(q.Get("warehouse_id")),
		ProductID:   queryInt64(q.Get("product_id")),
		BizType:     BizType(q.Get("biz_type")),
		Page:        int(queryInt64(q.Get("page"))),
		PerPage:     int(queryInt64(q.Get("per_page"))),
	}
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
			return
		}
		filter.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD")
			return
		}
		filter.To = to.Add(24*time.Hour - time.Nanosecond)
	}
	entries, pagination, err := h.service.ListLedger(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"warehouse_id":    entry.WarehouseID,
			"product_id":      entry.ProductID,
			"biz_type":        string(entry.BizType),
			"biz_no":          entry.BizNo,
			"change_qty":      entry.ChangeQty,
			"after_stock_qty": entry.AfterStockQty,
			"created_at":      entry.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "pagination": pagination})
}

type checkLineRequest struct {
	ProductID  int64           `json:"product_id" validate:"required,gt=0"`
	CountedQty decimal.Decimal `json:"counted_qty"`
}

type createCheckRequest struct {
	WarehouseID int64              `json:"warehouse_id" validate:"required,gt=0"`
	Remark      string             `json:"remark" validate:"max=500"`
	Lines       []checkLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) handleCreateCheck(w http.ResponseWriter, r *http.Request) {
	var req createCheckRequest
	if !h.decode(w, r, &req) {
		return
	}
	lines := make([]CheckLineInput, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, CheckLineInput{ProductID: line.ProductID, CountedQty: line.CountedQty})
	}
	bill, err := h.service.CreateCheckBill(r.Context(), CreateCheckInput{
		WarehouseID: req.WarehouseID,
		Remark:      req.Remark,
		Actor:       shared.ActorFromContext(r.Context()),
		Lines:       lines,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, checkResponse(bill))
}

func (h *Handler) handleExecuteCheck(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	bill, err := h.service.ExecuteCheck(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, checkResponse(bill))
}

func (h *Handler) handleGetCheck(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	bill, err := h.service.GetCheckBill(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, checkResponse(bill))
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

// respondError maps domain errors onto problem responses. Unrecognised errors
// are logged and hidden behind a 500.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *InsufficientStockError
	var invariant *InvariantError
	switch {
	case errors.As(err, &insufficient):
		httpx.Problem(w, http.StatusBadRequest, "Insufficient Stock", insufficient.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrBillNotFound), errors.Is(err, ErrCheckBillNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrNotExecuted), errors.Is(err, ErrReverseReversal):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrDuplicateRequest):
		httpx.Problem(w, http.StatusConflict, "Conflict", "a bill with this request or business key already exists")
	case errors.Is(err, ErrLockTimeout):
		httpx.Problem(w, http.StatusServiceUnavailable, "Busy", "stock rows are contended, retry the request")
	case errors.As(err, &invariant):
		h.logger.Error("stock invariant violated", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	default:
		h.logger.Error("stock request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func billResponse(bill MovementBill) map[string]any {
	lines := make([]map[string]any, 0, len(bill.Lines))
	for _, line := range bill.Lines {
		lines = append(lines, map[string]any{
			"product_id": line.ProductID,
			"qty":        line.Qty,
			"real_qty":   line.RealQty,
		})
	}
	resp := map[string]any{
		"id":             bill.ID,
		"bill_no":        bill.BillNo,
		"request_no":     bill.RequestNo,
		"warehouse_id":   bill.WarehouseID,
		"direction":      string(bill.Direction),
		"status":         string(bill.Status),
		"biz_type":       string(bill.BizType),
		"biz_no":         bill.BizNo,
		"remark":         bill.Remark,
		"created_by":     bill.CreatedBy,
		"created_at":     bill.CreatedAt,
		"reverse_status": string(bill.ReverseStatus),
		"lines":          lines,
	}
	if bill.Status == BillStatusExecuted {
		resp["executed_by"] = bill.ExecutedBy
		resp["executed_at"] = bill.ExecutedAt
	}
	if bill.ReverseStatus == ReverseStatusReversed {
		resp["reversal_bill_id"] = bill.ReversalBillID
	}
	return resp
}

func checkResponse(bill CheckBill) map[string]any {
	lines := make([]map[string]any, 0, len(bill.Lines))
	for _, line := range bill.Lines {
		lines = append(lines, map[string]any{
			"product_id":  line.ProductID,
			"counted_qty": line.CountedQty,
			"book_qty":    line.BookQty,
			"diff_qty":    line.DiffQty,
		})
	}
	resp := map[string]any{
		"id":           bill.ID,
		"bill_no":      bill.BillNo,
		"warehouse_id": bill.WarehouseID,
		"status":       string(bill.Status),
		"remark":       bill.Remark,
		"created_by":   bill.CreatedBy,
		"created_at":   bill.CreatedAt,
		"lines":        lines,
	}
	if bill.Status == CheckStatusExecuted {
		resp["executed_by"] = bill.ExecutedBy
		resp["executed_at"] = bill.ExecutedAt
		resp["adjust_in_bill_id"] = bill.AdjustInBillID
		resp["adjust_out_bill_id"] = bill.AdjustOutBillID
	}
	return resp
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryInt64(raw string) int64 {
	if raw == "" {
		return 0
	}
	value, _ := strconv.ParseInt(raw, 10, 64)
	return value
}
