package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/quaywise/shuttlecore/control_plane/bus"
	"github.com/quaywise/shuttlecore/control_plane/catalog"
	"github.com/quaywise/shuttlecore/control_plane/config"
	"github.com/quaywise/shuttlecore/control_plane/fleet"
	"github.com/quaywise/shuttlecore/control_plane/lifter"
	"github.com/quaywise/shuttlecore/control_plane/mission"
	"github.com/quaywise/shuttlecore/control_plane/observability"
	"github.com/quaywise/shuttlecore/control_plane/pathfind"
	"github.com/quaywise/shuttlecore/control_plane/rows"
	"github.com/quaywise/shuttlecore/control_plane/staging"
	"github.com/quaywise/shuttlecore/control_plane/store"
	"github.com/quaywise/shuttlecore/control_plane/traffic"
)

// Lifecycle events reported by shuttles on shuttle/events. The uppercase ones
// echo the mission's onArrival intent.
const (
	EventInitialized = "shuttle-initialized"
	EventMoved       = "shuttle-moved"
	EventTaskStarted = "shuttle-task-started"
	EventWaiting     = "shuttle-waiting"
)

// Event is one shuttle lifecycle message.
type Event struct {
	Event      string `json:"event"`
	ShuttleID  string `json:"shuttleId"`
	CurrentQR  string `json:"currentQr"`
	PreviousQR string `json:"previousQr,omitempty"`
	FloorID    int    `json:"floorId"`
	TaskID     string `json:"taskId,omitempty"`
	IsCarrying bool   `json:"isCarrying"`
	BlockedBy  string `json:"blockedBy,omitempty"`
}

// Kicker wakes the dispatcher after a state change frees capacity.
type Kicker interface {
	Kick()
}

// ConflictResolver handles a shuttle that reported itself blocked.
type ConflictResolver interface {
	ResolveWaiting(ctx context.Context, shuttleID, blockedQR, blockedBy string)
}

// Listener drives the task lifecycle from shuttle events. Every handler
// re-reads its state from the store: events arrive concurrently and nothing
// may be carried between them in memory.
type Listener struct {
	store      store.Store
	catalog    catalog.Catalog
	occupation *fleet.OccupationMap
	fleet      *fleet.Cache
	registry   *traffic.Registry
	topo       *config.Topology
	builder    *mission.Builder
	publisher  *mission.Publisher
	lifters    *lifter.Coordinator
	staging    *staging.Service
	rows       *rows.Guard
	dispatcher Kicker
	conflicts  ConflictResolver
}

type Deps struct {
	Store      store.Store
	Catalog    catalog.Catalog
	Occupation *fleet.OccupationMap
	Fleet      *fleet.Cache
	Registry   *traffic.Registry
	Topo       *config.Topology
	Builder    *mission.Builder
	Publisher  *mission.Publisher
	Lifters    *lifter.Coordinator
	Staging    *staging.Service
	Rows       *rows.Guard
	Dispatcher Kicker
	Conflicts  ConflictResolver
}

func NewListener(d Deps) *Listener {
	return &Listener{
		store:      d.Store,
		catalog:    d.Catalog,
		occupation: d.Occupation,
		fleet:      d.Fleet,
		registry:   d.Registry,
		topo:       d.Topo,
		builder:    d.Builder,
		publisher:  d.Publisher,
		lifters:    d.Lifters,
		staging:    d.Staging,
		rows:       d.Rows,
		dispatcher: d.Dispatcher,
		conflicts:  d.Conflicts,
	}
}

func (l *Listener) Start(ctx context.Context, b bus.Bus) error {
	return b.Subscribe(bus.TopicShuttleEvents, func(_ string, payload []byte) {
		l.Handle(ctx, payload)
	})
}

// Handle routes one event. Malformed messages are logged and dropped, never
// retried: the shuttle will publish fresh state soon enough.
func (l *Listener) Handle(ctx context.Context, payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Printf("events: dropping malformed message: %v", err)
		return
	}
	if ev.ShuttleID == "" {
		log.Printf("events: dropping %q without shuttleId", ev.Event)
		return
	}

	var err error
	switch ev.Event {
	case EventInitialized:
		err = l.onInitialized(ctx, ev)
	case EventMoved:
		err = l.onMoved(ctx, ev)
	case EventTaskStarted:
		err = l.onTaskStarted(ctx, ev)
	case EventWaiting:
		l.conflicts.ResolveWaiting(ctx, ev.ShuttleID, ev.CurrentQR, ev.BlockedBy)
	case mission.OnArrivalPickupComplete:
		err = l.onPickupComplete(ctx, ev)
	case mission.OnArrivalArrivedAtLifter:
		err = l.onArrivedAtLifter(ctx, ev)
	case mission.OnArrivalWaitingForLifter:
		err = l.onWaitingForLifter(ctx, ev)
	case mission.OnArrivalTaskComplete:
		err = l.onTaskComplete(ctx, ev)
	default:
		log.Printf("events: unknown event %q from %s", ev.Event, ev.ShuttleID)
	}
	if err != nil {
		log.Printf("⚠️ events: %s from %s: %v", ev.Event, ev.ShuttleID, err)
	}
}

// onInitialized registers a shuttle that just booted. Stale coordination
// state from a previous life is torn down so it starts clean.
func (l *Listener) onInitialized(ctx context.Context, ev Event) error {
	if ev.CurrentQR != "" {
		if err := l.occupation.BlockNode(ctx, ev.CurrentQR, ev.ShuttleID); err != nil {
			return err
		}
	}
	if err := l.registry.DeletePath(ctx, ev.ShuttleID); err != nil {
		return err
	}
	if err := l.store.Del(ctx,
		store.WaitStateKey(ev.ShuttleID),
		store.ConflictStateKey(ev.ShuttleID)); err != nil {
		return err
	}
	log.Printf("✅ events: shuttle %s online at %s (floor %d)", ev.ShuttleID, ev.CurrentQR, ev.FloorID)
	return nil
}

// onMoved keeps the occupation map current and runs the second stage of the
// pickup handoff: the pickup node itself frees as soon as the loaded shuttle
// clears the rack's safety exit, not when the task finishes.
func (l *Listener) onMoved(ctx context.Context, ev Event) error {
	if err := l.occupation.HandleShuttleMove(ctx, ev.ShuttleID, ev.PreviousQR, ev.CurrentQR); err != nil {
		return err
	}

	rackID, isExit := l.topo.SafetyExitRack(ev.CurrentQR)
	if !isExit || ev.TaskID == "" {
		return nil
	}
	task, err := l.loadTask(ctx, ev.TaskID)
	if err != nil {
		return err
	}
	if !task.PickupCompleted {
		return nil // pickup lock already handed over, or never taken
	}

	if !ev.IsCarrying {
		// Pickup reported done but the sensor sees no pallet. The lock must
		// not be handed over on a reading like this; an operator sorts it out.
		log.Printf("⚠️ events: %s cleared %s exit without its pallet, task %s kept held",
			ev.ShuttleID, rackID, task.TaskID)
		return nil
	}

	// Consume the flag so a re-crossing of the exit cannot double-release a
	// lock some successor task now owns.
	task.PickupCompleted = false
	if err := l.store.HSet(ctx, store.TaskKey(task.TaskID), task.Fields()); err != nil {
		return err
	}
	if err := l.store.ReleaseLock(ctx, store.PickupLockKey(task.PickupQR)); err != nil {
		return err
	}
	log.Printf("events: pickup %s freed, %s cleared the %s exit", task.PickupQR, ev.ShuttleID, rackID)
	l.dispatcher.Kick()
	return nil
}

func (l *Listener) onTaskStarted(ctx context.Context, ev Event) error {
	if ev.TaskID == "" {
		return fmt.Errorf("task-started without taskId")
	}
	task, err := l.loadTask(ctx, ev.TaskID)
	if err != nil {
		return err
	}
	task.Status = store.TaskInProgress
	return l.store.HSet(ctx, store.TaskKey(task.TaskID), task.Fields())
}

// onPickupComplete arms the two-stage pickup release and sends the shuttle on
// its carry leg toward the locked endpoint.
func (l *Listener) onPickupComplete(ctx context.Context, ev Event) error {
	if ev.TaskID == "" {
		return fmt.Errorf("pickup-complete without taskId")
	}
	task, err := l.loadTask(ctx, ev.TaskID)
	if err != nil {
		return err
	}

	task.PickupCompleted = true
	task.IsCarrying = true
	task.Status = store.TaskInProgress
	if err := l.store.HSet(ctx, store.TaskKey(task.TaskID), task.Fields()); err != nil {
		return err
	}
	if err := l.coordinateRow(ctx, task, ev.ShuttleID); err != nil {
		return err
	}

	m, err := l.builder.NextSegment(ctx, mission.Leg{
		ShuttleID:    ev.ShuttleID,
		CurrentQR:    task.PickupQR,
		CurrentFloor: task.PickupFloorID,
		TargetQR:     task.EndQR,
		TargetFloor:  task.EndFloorID,
		FinalAction:  store.ActionDropOff,
		OnArrival:    mission.OnArrivalTaskComplete,
		Task:         task,
		SegmentStep:  2,
		IsCarrying:   true,
	})
	if err != nil {
		// No drivable route to the endpoint leaves a loaded shuttle stranded
		// mid-task; that is a failure, not a retry.
		if errors.Is(err, pathfind.ErrNoPath) || errors.Is(err, pathfind.ErrPathReconstruction) {
			log.Printf("⚠️ events: no carry route for task %s: %v", task.TaskID, err)
			return l.failTask(ctx, task, ev.ShuttleID)
		}
		return err
	}
	if err := l.publisher.PublishAndConfirm(ctx, m); err != nil {
		return err
	}
	_ = l.fleet.SetField(ctx, ev.ShuttleID, "targetQr", task.EndQR)
	return nil
}

// coordinateRow admits the carry leg into the destination row's one-way flow.
// A batch pinned to a different row retargets the task there first so the
// batch keeps filling contiguously.
func (l *Listener) coordinateRow(ctx context.Context, task *store.Task, shuttleID string) error {
	pickup, err := l.catalog.CellByQR(ctx, task.PickupQR, task.PickupFloorID)
	if err != nil {
		return err
	}
	if task.BatchID != "" {
		pinFloor, pinRow, pinned, err := l.rows.PinnedRow(ctx, task.BatchID)
		if err != nil {
			return err
		}
		if pinned && (pinFloor != task.EndFloorID || pinRow != task.EndRow) {
			flow, err := l.rows.Flow(ctx, pinFloor, pinRow)
			if err != nil {
				return err
			}
			if flow == 0 {
				flow = rows.FlowLTR
			}
			cell, err := l.rows.NearestInRow(ctx, task.PalletType, pinFloor, pinRow, flow)
			if err != nil {
				return fmt.Errorf("batch %s pinned to floor %d row %d with no free cell: %w",
					task.BatchID, pinFloor, pinRow, err)
			}
			if err := l.retarget(ctx, task, cell); err != nil {
				return err
			}
		}
	}
	dir := rows.DirectionFor(pickup.Col, task.EndCol)
	ok, err := l.rows.Acquire(ctx, task.EndFloorID, task.EndRow, shuttleID, dir)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("row %d on floor %d flows against task %s", task.EndRow, task.EndFloorID, task.TaskID)
	}
	return nil
}

// retarget moves a task's endpoint to another cell, swapping the endpoint lock
// along the way.
func (l *Listener) retarget(ctx context.Context, task *store.Task, cell *catalog.Cell) error {
	ok, err := l.store.AcquireLock(ctx, store.EndNodeLockKey(cell.ID), task.TaskID, store.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("endpoint %s already claimed", cell.QR)
	}
	if err := l.store.ReleaseLock(ctx, store.EndNodeLockKey(task.EndCellID)); err != nil {
		return err
	}
	task.EndQR = cell.QR
	task.EndCellID = cell.ID
	task.EndFloorID = cell.FloorID
	task.EndRow = cell.Row
	task.EndCol = cell.Col
	return l.store.HSet(ctx, store.TaskKey(task.TaskID), task.Fields())
}

// onArrivedAtLifter puts the shuttle aboard the reserved cab and sends the
// cab to the destination floor.
func (l *Listener) onArrivedAtLifter(ctx context.Context, ev Event) error {
	ws, err := l.lifters.WaitState(ctx, ev.ShuttleID)
	if err != nil {
		return err
	}
	if ws == nil {
		return fmt.Errorf("%s aboard a lifter with no wait state", ev.ShuttleID)
	}
	if err := l.lifters.SetAboard(ctx, ws.LifterID, ev.ShuttleID); err != nil {
		return err
	}
	if ws.TaskID != "" {
		if task, err := l.loadTask(ctx, ws.TaskID); err == nil {
			task.Status = store.TaskWaitingForLifter
			_ = l.store.HSet(ctx, store.TaskKey(task.TaskID), task.Fields())
		}
	}
	// The boarding route is done; drop it so it stops weighing on traffic.
	if err := l.registry.DeletePath(ctx, ev.ShuttleID); err != nil {
		return err
	}
	return l.lifters.RequestMove(ctx, ws.LifterID, ws.FinalFloorID)
}

// onWaitingForLifter marks the task held; the ready poller owns the rest.
func (l *Listener) onWaitingForLifter(ctx context.Context, ev Event) error {
	if ev.TaskID == "" {
		return fmt.Errorf("waiting-for-lifter without taskId")
	}
	task, err := l.loadTask(ctx, ev.TaskID)
	if err != nil {
		return err
	}
	task.Status = store.TaskWaitingForLifter
	return l.store.HSet(ctx, store.TaskKey(task.TaskID), task.Fields())
}

// onTaskComplete is the full teardown: the pallet is recorded in its cell,
// every lock and counter the task held is returned, and batch bookkeeping
// decides whether the next row gets staged.
func (l *Listener) onTaskComplete(ctx context.Context, ev Event) error {
	if ev.TaskID == "" {
		return fmt.Errorf("task-complete without taskId")
	}
	task, err := l.loadTask(ctx, ev.TaskID)
	if err != nil {
		return err
	}

	if err := l.catalog.SetCellBox(ctx, task.EndQR, task.EndFloorID, task.ItemInfo); err != nil {
		return fmt.Errorf("record pallet %s in %s: %w", task.ItemInfo, task.EndQR, err)
	}
	if err := l.store.ReleaseLock(ctx, store.EndNodeLockKey(task.EndCellID)); err != nil {
		return err
	}
	if err := l.store.SRem(ctx, store.KeyInboundPallets, task.ItemInfo); err != nil {
		return err
	}
	if err := l.rows.Release(ctx, task.EndFloorID, task.EndRow, ev.ShuttleID); err != nil {
		return err
	}

	// A finished task leaves no record behind; only failed tasks keep their
	// hash around for inspection. Deleting also frees the pallet ID for a
	// future re-ingest.
	if err := l.store.Del(ctx, store.TaskKey(task.TaskID)); err != nil {
		return err
	}

	if task.BatchID != "" {
		if err := l.advanceBatch(ctx, task); err != nil {
			log.Printf("⚠️ events: batch %s advance: %v", task.BatchID, err)
		}
	}

	if err := l.releaseShuttle(ctx, ev.ShuttleID); err != nil {
		return err
	}
	observability.TasksCompleted.WithLabelValues("completed").Inc()
	log.Printf("✅ events: task %s done, pallet %s stored at %s", task.TaskID, task.ItemInfo, task.EndQR)
	l.dispatcher.Kick()
	return nil
}

// advanceBatch moves the batch counters and stages the next row when the
// current one has fully landed.
func (l *Listener) advanceBatch(ctx context.Context, task *store.Task) error {
	if _, err := l.store.Incr(ctx, store.BatchProcessedKey(task.BatchID)); err != nil {
		return err
	}
	left, err := l.store.Decr(ctx, store.BatchRowCounterKey(task.BatchID))
	if err != nil {
		return err
	}
	if left > 0 {
		return nil
	}
	// Row finished: drop its one-way flow and the pin so the next row is
	// chosen fresh, then stage it.
	if err := l.rows.ForceClear(ctx, task.EndFloorID, task.EndRow); err != nil {
		return err
	}
	if err := l.rows.ClearPin(ctx, task.BatchID); err != nil {
		return err
	}
	return l.staging.ProcessBatchRow(ctx, task.BatchID)
}

// releaseShuttle returns a shuttle to the idle pool.
func (l *Listener) releaseShuttle(ctx context.Context, shuttleID string) error {
	if err := l.registry.DeletePath(ctx, shuttleID); err != nil {
		return err
	}
	if err := l.store.SRem(ctx, store.KeyExecutingFleet, shuttleID); err != nil {
		return err
	}
	if n, err := l.store.Decr(ctx, store.KeyActiveShuttles); err == nil && n < 0 {
		_ = l.store.Set(ctx, store.KeyActiveShuttles, "0", 0)
	}
	_ = l.fleet.SetField(ctx, shuttleID, "taskId", "")
	_ = l.fleet.SetField(ctx, shuttleID, "targetQr", "")
	return nil
}

// failTask tears a task down on an unrecoverable inconsistency. The pallet's
// whereabouts are unknown, so its endpoint and pickup locks are returned and
// the pallet leaves the inbound registry for a human to re-ingest.
func (l *Listener) failTask(ctx context.Context, task *store.Task, shuttleID string) error {
	task.Status = store.TaskFailed
	if err := l.store.HSet(ctx, store.TaskKey(task.TaskID), task.Fields()); err != nil {
		return err
	}
	if err := l.store.ReleaseLock(ctx, store.PickupLockKey(task.PickupQR)); err != nil {
		return err
	}
	if err := l.store.ReleaseLock(ctx, store.EndNodeLockKey(task.EndCellID)); err != nil {
		return err
	}
	if err := l.store.SRem(ctx, store.KeyInboundPallets, task.ItemInfo); err != nil {
		return err
	}
	if err := l.releaseShuttle(ctx, shuttleID); err != nil {
		return err
	}
	observability.TasksCompleted.WithLabelValues("failed").Inc()
	l.dispatcher.Kick()
	return nil
}

func (l *Listener) loadTask(ctx context.Context, taskID string) (*store.Task, error) {
	fields, err := l.store.HGetAll(ctx, store.TaskKey(taskID))
	if err != nil {
		return nil, err
	}
	return store.TaskFromFields(fields)
}
