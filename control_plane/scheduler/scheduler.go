package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quaywise/shuttlecore/control_plane/catalog"
	"github.com/quaywise/shuttlecore/control_plane/observability"
	"github.com/quaywise/shuttlecore/control_plane/rows"
	"github.com/quaywise/shuttlecore/control_plane/store"
)

// drainCap bounds how many staged entries one tick will resolve.
const drainCap = 50

// Worker turns staged tasks into dispatchable ones. Each staged pallet gets a
// concrete storage endpoint, claimed via an endpoint lock before the task
// exists, so two tasks can never target the same cell.
type Worker struct {
	store    store.Store
	catalog  catalog.Catalog
	rows     *rows.Guard
	interval time.Duration

	running atomic.Bool
}

func NewWorker(s store.Store, cat catalog.Catalog, guard *rows.Guard, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Worker{store: s, catalog: cat, rows: guard, interval: interval}
}

func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick drains the staging queue. A tick still running when the next fires
// makes the new one a no-op rather than doubling up on the same entries.
func (w *Worker) Tick(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer w.running.Store(false)

	for i := 0; i < drainCap; i++ {
		raw, ok, err := w.store.RPop(ctx, store.KeyStagingQueue)
		if err != nil {
			log.Printf("scheduler: staging pop failed: %v", err)
			return
		}
		if !ok {
			break
		}

		var staged store.StagedTask
		if err := json.Unmarshal([]byte(raw), &staged); err != nil {
			log.Printf("⚠️ scheduler: dropping corrupt staged entry: %v", err)
			continue
		}
		if err := w.resolve(ctx, &staged); err != nil {
			log.Printf("scheduler: %s deferred: %v", staged.ItemInfo, err)
			// Head of the queue again so ordering survives the round trip.
			if pushErr := w.store.LPush(ctx, store.KeyStagingQueue, raw); pushErr != nil {
				log.Printf("⚠️ scheduler: requeue of %s failed: %v", staged.ItemInfo, pushErr)
			}
			break
		}
	}

	w.refreshGauges(ctx)
}

// resolve claims an endpoint and registers the concrete task.
func (w *Worker) resolve(ctx context.Context, staged *store.StagedTask) error {
	floorID, row := w.targetRow(ctx, staged)

	candidates, err := w.catalog.AvailableCells(ctx, staged.PalletType, floorID, row)
	if err != nil {
		return err
	}
	if len(candidates) == 0 && row > 0 {
		// Pinned row filled up mid-batch: fall back to anywhere on the floor.
		candidates, err = w.catalog.AvailableCells(ctx, staged.PalletType, floorID, 0)
		if err != nil {
			return err
		}
	}
	if len(candidates) == 0 {
		return fmt.Errorf("no free cells on floor %d", floorID)
	}

	taskID := uuid.NewString()
	var endpoint *catalog.Cell
	for _, cell := range candidates {
		locked, err := w.store.AcquireLock(ctx, store.EndNodeLockKey(cell.ID), taskID, store.LockTTL)
		if err != nil {
			return err
		}
		if locked {
			endpoint = cell
			break
		}
	}
	if endpoint == nil {
		return fmt.Errorf("every candidate cell on floor %d row %d is already claimed", floorID, row)
	}

	task := &store.Task{
		TaskID:        taskID,
		BatchID:       staged.BatchID,
		PickupQR:      staged.PickupQR,
		PickupFloorID: staged.PickupFloorID,
		EndQR:         endpoint.QR,
		EndFloorID:    endpoint.FloorID,
		EndCellID:     endpoint.ID,
		EndCol:        endpoint.Col,
		EndRow:        endpoint.Row,
		PalletType:    staged.PalletType,
		ItemInfo:      staged.ItemInfo,
		Timestamp:     time.Now().UnixMilli(),
		Status:        store.TaskPending,
	}
	if err := w.register(ctx, task); err != nil {
		// Endpoint stays free for the retry.
		_ = w.store.ReleaseLock(ctx, store.EndNodeLockKey(endpoint.ID))
		return err
	}

	log.Printf("✅ scheduler: task %s → %s (floor %d row %d) for pallet %s",
		taskID, endpoint.QR, endpoint.FloorID, endpoint.Row, staged.ItemInfo)
	return nil
}

// targetRow resolves which row this pallet should land in. With several
// shuttles active a batch sticks to its pinned row so parallel workers fill
// it contiguously instead of scattering.
func (w *Worker) targetRow(ctx context.Context, staged *store.StagedTask) (int, int) {
	floorID, row := staged.TargetFloor, staged.TargetRow
	if staged.BatchID == "" {
		return floorID, row
	}

	if w.activeShuttles(ctx) >= 2 {
		if pinFloor, pinRow, ok, err := w.rows.PinnedRow(ctx, staged.BatchID); err == nil && ok {
			return pinFloor, pinRow
		}
	}
	if row > 0 {
		if err := w.rows.PinBatchRow(ctx, staged.BatchID, floorID, row); err != nil {
			log.Printf("scheduler: pin row for batch %s: %v", staged.BatchID, err)
		}
	}
	return floorID, row
}

func (w *Worker) activeShuttles(ctx context.Context) int {
	raw, ok, err := w.store.Get(ctx, store.KeyActiveShuttles)
	if err != nil || !ok {
		return 0
	}
	n, _ := strconv.Atoi(raw)
	return n
}

func (w *Worker) register(ctx context.Context, task *store.Task) error {
	if err := w.store.HSet(ctx, store.TaskKey(task.TaskID), task.Fields()); err != nil {
		return err
	}
	return w.store.ZAdd(ctx, store.KeyPendingTasks, float64(task.Timestamp), task.TaskID)
}

func (w *Worker) refreshGauges(ctx context.Context) {
	if depth, err := w.store.LLen(ctx, store.KeyStagingQueue); err == nil {
		observability.StagingQueueDepth.Set(float64(depth))
	}
	if pending, err := w.store.ZCard(ctx, store.KeyPendingTasks); err == nil {
		observability.PendingTasks.Set(float64(pending))
	}
}
