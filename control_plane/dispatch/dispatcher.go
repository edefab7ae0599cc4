package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/quaywise/shuttlecore/control_plane/catalog"
	"github.com/quaywise/shuttlecore/control_plane/fleet"
	"github.com/quaywise/shuttlecore/control_plane/mission"
	"github.com/quaywise/shuttlecore/control_plane/observability"
	"github.com/quaywise/shuttlecore/control_plane/store"
)

// kickDelay lets the triggering event's state writes land before the
// dispatcher reads them.
const kickDelay = time.Second

// Dispatcher pairs the oldest pending task with the best idle shuttle.
// Strictly FIFO: if the head of the queue cannot be dispatched, younger tasks
// wait too, so pallets never overtake each other into the rack.
type Dispatcher struct {
	store     store.Store
	fleet     *fleet.Cache
	catalog   catalog.Catalog
	builder   *mission.Builder
	publisher *mission.Publisher
	interval  time.Duration

	kicks chan struct{}
}

func NewDispatcher(s store.Store, cache *fleet.Cache, cat catalog.Catalog, builder *mission.Builder, publisher *mission.Publisher, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Dispatcher{
		store:     s,
		fleet:     cache,
		catalog:   cat,
		builder:   builder,
		publisher: publisher,
		interval:  interval,
		kicks:     make(chan struct{}, 1),
	}
}

// Kick schedules an immediate dispatch pass. Coalesces while one is pending.
func (d *Dispatcher) Kick() {
	select {
	case d.kicks <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		case <-d.kicks:
			select {
			case <-ctx.Done():
				return
			case <-time.After(kickDelay):
			}
			d.Tick(ctx)
		}
	}
}

// Tick dispatches from the head of the queue until it runs out of tasks or
// idle shuttles.
func (d *Dispatcher) Tick(ctx context.Context) {
	for {
		dispatched, err := d.dispatchHead(ctx)
		if err != nil {
			log.Printf("dispatcher: %v", err)
			return
		}
		if !dispatched {
			return
		}
	}
}

func (d *Dispatcher) dispatchHead(ctx context.Context) (bool, error) {
	head, err := d.store.ZPeekMin(ctx, store.KeyPendingTasks)
	if err != nil || head == nil {
		return false, err
	}

	fields, err := d.store.HGetAll(ctx, store.TaskKey(head.Member))
	if err != nil {
		return false, err
	}
	task, err := store.TaskFromFields(fields)
	if err != nil {
		// Orphaned queue entry; drop it so it cannot jam the head forever.
		log.Printf("⚠️ dispatcher: dropping orphaned queue entry %s: %v", head.Member, err)
		return true, d.store.ZRem(ctx, store.KeyPendingTasks, head.Member)
	}

	// One pallet flow through a pickup node at a time. Owner is the taskId so
	// a retried dispatch of the same task passes.
	locked, err := d.store.AcquireLock(ctx, store.PickupLockKey(task.PickupQR), task.TaskID, store.LockTTL)
	if err != nil {
		return false, err
	}
	if !locked {
		return false, nil // predecessor still clearing the pickup aisle
	}

	shuttle, err := d.selectShuttle(ctx, task)
	if err != nil {
		return false, err
	}
	if shuttle == nil {
		return false, nil
	}

	m, err := d.builder.NextSegment(ctx, mission.Leg{
		ShuttleID:    shuttle.ID,
		CurrentQR:    shuttle.CurrentQR,
		CurrentFloor: shuttle.FloorID,
		TargetQR:     task.PickupQR,
		TargetFloor:  task.PickupFloorID,
		FinalAction:  store.ActionPickUp,
		OnArrival:    mission.OnArrivalPickupComplete,
		Task:         task,
		SegmentStep:  1,
	})
	if err != nil {
		return false, err
	}
	if err := d.publisher.PublishAndConfirm(ctx, m); err != nil {
		if errors.Is(err, mission.ErrPublishTimeout) {
			// Task stays at the head; the shuttle may just be rebooting.
			log.Printf("⚠️ dispatcher: %s ignored mission for task %s, will retry", shuttle.ID, task.TaskID)
			return false, nil
		}
		return false, err
	}

	return true, d.commit(ctx, task, shuttle)
}

func (d *Dispatcher) commit(ctx context.Context, task *store.Task, shuttle *fleet.State) error {
	task.Status = store.TaskAssigned
	task.AssignedShuttleID = shuttle.ID
	if err := d.store.HSet(ctx, store.TaskKey(task.TaskID), task.Fields()); err != nil {
		return err
	}
	if err := d.store.ZRem(ctx, store.KeyPendingTasks, task.TaskID); err != nil {
		return err
	}
	if err := d.store.SAdd(ctx, store.KeyExecutingFleet, shuttle.ID); err != nil {
		return err
	}
	if _, err := d.store.Incr(ctx, store.KeyActiveShuttles); err != nil {
		return err
	}
	_ = d.fleet.SetField(ctx, shuttle.ID, "taskId", task.TaskID)
	_ = d.fleet.SetField(ctx, shuttle.ID, "targetQr", task.PickupQR)

	observability.DispatchLatency.Observe(time.Since(time.UnixMilli(task.Timestamp)).Seconds())
	if pending, err := d.store.ZCard(ctx, store.KeyPendingTasks); err == nil {
		observability.PendingTasks.Set(float64(pending))
	}
	log.Printf("✅ dispatcher: task %s → shuttle %s (pickup %s)", task.TaskID, shuttle.ID, task.PickupQR)
	return nil
}

// selectShuttle picks the closest idle shuttle on the pickup floor; only when
// that floor has none does a shuttle from another floor get pulled through the
// lifter.
func (d *Dispatcher) selectShuttle(ctx context.Context, task *store.Task) (*fleet.State, error) {
	idle, err := d.fleet.Idle(ctx)
	if err != nil {
		return nil, err
	}
	if len(idle) == 0 {
		return nil, nil
	}

	pickup, err := d.catalog.CellByQR(ctx, task.PickupQR, task.PickupFloorID)
	if err != nil {
		return nil, err
	}

	var best *fleet.State
	bestDist := 0
	sameFloor := false
	for _, s := range idle {
		cell, err := d.catalog.CellByQR(ctx, s.CurrentQR, s.FloorID)
		if err != nil {
			continue // off-map telemetry, skip
		}
		dist := abs(cell.Col-pickup.Col) + abs(cell.Row-pickup.Row)
		onFloor := s.FloorID == task.PickupFloorID
		switch {
		case best == nil,
			onFloor && !sameFloor,
			onFloor == sameFloor && dist < bestDist:
			best, bestDist, sameFloor = s, dist, onFloor
		}
	}
	return best, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
