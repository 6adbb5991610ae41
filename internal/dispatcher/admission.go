package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seanGSISG/async-code/internal/faults"
	"github.com/seanGSISG/async-code/pkg/models"
)

// admitBatch caps how many pending tasks one pass inspects.
const admitBatch = 100

// Run is the admission loop: every AdmitInterval it walks the pending queue
// in FIFO order and starts what the limits allow. It returns when ctx is
// cancelled; call Wait afterwards to drain in-flight runs.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.Opts.AdmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.admitOnce(ctx)
		}
	}
}

// admitOnce performs one admission pass. Per-owner limit is checked before
// global capacity; tasks that don't fit stay pending for a later pass.
// Nothing here blocks on capacity.
func (d *Dispatcher) admitOnce(ctx context.Context) {
	pending, err := d.Store.ListPending(ctx, admitBatch)
	if err != nil {
		slog.Error("admission list failed", "err", err)
		return
	}
	// Owner counts snapshot once per pass, adjusted locally as we admit.
	ownerRunning := make(map[string]int)
	for _, t := range pending {
		if ctx.Err() != nil {
			return
		}
		n, ok := ownerRunning[t.OwnerID]
		if !ok {
			n, err = d.Store.CountRunningByOwner(ctx, t.OwnerID)
			if err != nil {
				slog.Error("admission owner count failed", "owner", t.OwnerID, "err", err)
				continue
			}
		}
		if n >= d.Opts.PerOwnerLimit {
			ownerRunning[t.OwnerID] = n
			continue
		}

		h, err := d.Sandboxes.Acquire(t.TaskID)
		if err != nil {
			if errors.Is(err, faults.ErrCapacityExceeded) {
				// Global pool exhausted; nothing later in FIFO order fits either.
				return
			}
			slog.Error("sandbox acquire failed", "task_id", t.TaskID, "err", err)
			continue
		}

		ok, err = d.Store.MarkRunning(ctx, t.TaskID, h.ID, t.UpdatedAt)
		if err != nil {
			slog.Error("admission transition failed", "task_id", t.TaskID, "err", err)
			d.Sandboxes.Release(h)
			continue
		}
		if !ok {
			// The record moved on since we listed it (cancelled, or another
			// replica admitted it). Abandon silently.
			d.Sandboxes.Release(h)
			continue
		}
		ownerRunning[t.OwnerID] = n + 1
		d.publishTaskUpdate(t.TaskID, t.OwnerID, models.StatusRunning)
		slog.Info("task admitted", "task_id", t.TaskID, "owner", t.OwnerID, "sandbox_id", h.ID)

		task := t
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runTask(&task, h)
		}()
	}
}
