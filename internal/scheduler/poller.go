package scheduler

import (
	"context"
	"time"

	"github.com/reportsched/internal/models"
)

const DefaultBatchSize = 100

// Poller lists due schedules. It never changes state; being returned by
// ListDue does not reserve a schedule for the caller.
type Poller struct {
	store     Store
	batchSize int
}

func NewPoller(store Store, batchSize int) *Poller {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Poller{store: store, batchSize: batchSize}
}

// ListDue returns enabled schedules whose next run is at or before now,
// earliest first, at most one batch.
func (p *Poller) ListDue(ctx context.Context, now time.Time) ([]models.ReportSchedule, error) {
	return p.store.ListDue(ctx, now.UTC(), p.batchSize)
}
