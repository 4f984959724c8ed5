package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/caravel-wms/caravel-wms/internal/jobs"
	"github.com/caravel-wms/caravel-wms/internal/shared"
	"github.com/caravel-wms/caravel-wms/internal/stock"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// TaskLedgerAudit verifies the conservation law: for every stock row, the sum
// of its ledger changes must equal the stored quantity.
const TaskLedgerAudit = "stock:ledger_audit"

// LedgerAuditPayload carries scheduling metadata.
type LedgerAuditPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewLedgerAuditTask constructs an Asynq task for the ledger audit.
func NewLedgerAuditTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerAuditPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerAudit, body, asynq.Queue(QueueDefault)), nil
}

// NewLedgerAuditHandler builds the handler that scans for drifted rows. Drift
// is reported, never repaired: a mismatch means a write path has a bug and a
// human needs to look.
func NewLedgerAuditHandler(repo *stock.Repository, audit *shared.AuditLogger, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track(TaskLedgerAudit)
		var payload LedgerAuditPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return tracker.End(asynq.SkipRetry)
		}
		drifts, err := repo.FindLedgerDrift(ctx)
		if err != nil {
			return tracker.End(err)
		}
		if len(drifts) == 0 {
			logger.Info("ledger audit clean", slog.Time("scheduled_for", payload.ScheduledFor))
			return tracker.End(nil)
		}
		for _, drift := range drifts {
			metrics.AddDrift(drift.WarehouseID, 1)
			logger.Error("ledger drift detected",
				slog.Int64("warehouse_id", drift.WarehouseID),
				slog.Int64("product_id", drift.ProductID),
				slog.String("stock_qty", drift.StockQty.String()),
				slog.String("ledger_sum", drift.LedgerSum.String()))
			if audit != nil {
				_ = audit.Record(ctx, shared.AuditLog{
					Actor:    "ledger-audit",
					Action:   "stock:ledger_drift",
					Entity:   "stock_row",
					EntityID: strconv.FormatInt(drift.WarehouseID, 10) + ":" + strconv.FormatInt(drift.ProductID, 10),
					Meta: map[string]any{
						"stock_qty":  drift.StockQty.String(),
						"ledger_sum": drift.LedgerSum.String(),
					},
				})
			}
		}
		return tracker.End(nil)
	}
}
