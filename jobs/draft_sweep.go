package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/caravel-wms/caravel-wms/internal/jobs"
	"github.com/caravel-wms/caravel-wms/internal/stock"
)

// TaskDraftSweep removes movement bills that sat in draft past the retention
// window without being executed.
const TaskDraftSweep = "stock:draft_sweep"

// DraftSweepPayload carries the retention window.
type DraftSweepPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewDraftSweepTask constructs an Asynq task for the draft sweep.
func NewDraftSweepTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(DraftSweepPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDraftSweep, body, asynq.Queue(QueueDefault)), nil
}

// NewDraftSweepHandler builds the handler that deletes stale drafts.
func NewDraftSweepHandler(repo *stock.Repository, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track(TaskDraftSweep)
		var payload DraftSweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return tracker.End(asynq.SkipRetry)
		}
		retention := payload.Retention
		if retention <= 0 {
			retention = 7 * 24 * time.Hour
		}
		cutoff := time.Now().UTC().Add(-retention)
		removed, err := repo.DeleteStaleDrafts(ctx, cutoff)
		if err != nil {
			return tracker.End(err)
		}
		if removed > 0 {
			logger.Info("swept stale draft bills", slog.Int64("removed", removed), slog.Time("cutoff", cutoff))
		}
		return tracker.End(nil)
	}
}
