package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/quaywise/shuttlecore/control_plane/bus"
	"github.com/quaywise/shuttlecore/control_plane/catalog"
	"github.com/quaywise/shuttlecore/control_plane/config"
	"github.com/quaywise/shuttlecore/control_plane/fleet"
	"github.com/quaywise/shuttlecore/control_plane/lifter"
	"github.com/quaywise/shuttlecore/control_plane/mission"
	"github.com/quaywise/shuttlecore/control_plane/pathfind"
	"github.com/quaywise/shuttlecore/control_plane/rows"
	"github.com/quaywise/shuttlecore/control_plane/staging"
	"github.com/quaywise/shuttlecore/control_plane/store"
	"github.com/quaywise/shuttlecore/control_plane/traffic"
)

type fakeKicker struct{ kicks int }

func (k *fakeKicker) Kick() { k.kicks++ }

type fakeResolver struct {
	calls []string
}

func (r *fakeResolver) ResolveWaiting(_ context.Context, shuttleID, blockedQR, blockedBy string) {
	r.calls = append(r.calls, shuttleID+"@"+blockedQR+"<"+blockedBy)
}

type rig struct {
	mem      *store.MemoryStore
	bus      *bus.MemoryBus
	cat      *catalog.MemoryCatalog
	cache    *fleet.Cache
	occ      *fleet.OccupationMap
	reg      *traffic.Registry
	guard    *rows.Guard
	kicker   *fakeKicker
	resolver *fakeResolver
	listener *Listener
}

func qr(col, row int) string { return fmt.Sprintf("C%dR%d", col, row) }

// newRig builds a 6x3 floor where rows 1-2 are aisle and row 3 is rack R1
// storage, with the pickup at C1R1 and the safety exit at C3R1.
func newRig(t *testing.T) *rig {
	t.Helper()
	mem := store.NewMemoryStore()
	mb := bus.NewMemoryBus()

	var cells []*catalog.Cell
	for r := 1; r <= 3; r++ {
		for c := 1; c <= 6; c++ {
			cell := &catalog.Cell{
				ID: int64(1000 + r*10 + c), QR: qr(c, r), Col: c, Row: r, FloorID: 1,
				CellType:   catalog.CellAisle,
				Directions: []string{"up", "down", "left", "right"},
			}
			if r == 3 {
				cell.CellType = catalog.CellStorage
				cell.RackID = "R1"
			}
			cells = append(cells, cell)
		}
	}
	cat := catalog.NewMemoryCatalog(cells, []*catalog.Floor{{FloorID: 1, RackID: "R1", FloorOrder: 1}})

	topo := &config.Topology{
		Racks: map[string]config.Rack{
			"R1": {PickupNodeQR: qr(1, 1), PickupFloorID: 1, SafetyNodeExit: qr(3, 1)},
		},
		Lifters: []config.Lifter{{LifterID: "LF1", Floors: map[int]string{1: qr(6, 1), 2: qr(6, 1)}}},
	}

	reg := traffic.NewRegistry(mem)
	occ := fleet.NewOccupationMap(mem)
	planner := pathfind.NewPlanner(cat, reg, occ)
	coord := lifter.NewCoordinator(mem, mb, topo)
	builder := mission.NewBuilder(planner, reg, mem, topo, coord)
	cache := fleet.NewCache(mem)
	pub := mission.NewPublisher(mb, cache)
	pub.RetryInterval = time.Millisecond
	pub.Timeout = 30 * time.Millisecond
	guard := rows.NewGuard(mem, cat)
	kicker := &fakeKicker{}
	resolver := &fakeResolver{}

	listener := NewListener(Deps{
		Store:      mem,
		Catalog:    cat,
		Occupation: occ,
		Fleet:      cache,
		Registry:   reg,
		Topo:       topo,
		Builder:    builder,
		Publisher:  pub,
		Lifters:    coord,
		Staging:    staging.NewService(mem, cat, topo),
		Rows:       guard,
		Dispatcher: kicker,
		Conflicts:  resolver,
	})
	return &rig{
		mem: mem, bus: mb, cat: cat, cache: cache, occ: occ, reg: reg,
		guard: guard, kicker: kicker, resolver: resolver, listener: listener,
	}
}

func (r *rig) emit(t *testing.T, ev Event) {
	t.Helper()
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	r.listener.Handle(context.Background(), payload)
}

func (r *rig) saveTask(t *testing.T, task *store.Task) {
	t.Helper()
	if err := r.mem.HSet(context.Background(), store.TaskKey(task.TaskID), task.Fields()); err != nil {
		t.Fatal(err)
	}
}

func (r *rig) loadTask(t *testing.T, taskID string) *store.Task {
	t.Helper()
	fields, err := r.mem.HGetAll(context.Background(), store.TaskKey(taskID))
	if err != nil {
		t.Fatal(err)
	}
	task, err := store.TaskFromFields(fields)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestInitializedClaimsNodeAndClearsStaleState(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	// Leftovers from a previous life.
	if err := r.reg.SavePath(ctx, &store.ActivePath{
		ShuttleID: "SH01", Steps: []store.PathStep{{QR: qr(2, 2)}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.mem.Set(ctx, store.WaitStateKey("SH01"), "{}", 0); err != nil {
		t.Fatal(err)
	}

	r.emit(t, Event{Event: EventInitialized, ShuttleID: "SH01", CurrentQR: qr(2, 1), FloorID: 1})

	if owner, _ := r.occ.OccupantOf(ctx, qr(2, 1)); owner != "SH01" {
		t.Errorf("node not claimed, occupant = %q", owner)
	}
	if p, _ := r.reg.Path(ctx, "SH01"); p != nil {
		t.Error("stale path survived initialization")
	}
	if _, ok, _ := r.mem.Get(ctx, store.WaitStateKey("SH01")); ok {
		t.Error("stale wait state survived initialization")
	}
}

func TestMovedUpdatesOccupation(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	r.emit(t, Event{Event: EventMoved, ShuttleID: "SH01", PreviousQR: qr(1, 1), CurrentQR: qr(2, 1)})

	if owner, _ := r.occ.OccupantOf(ctx, qr(1, 1)); owner != "" {
		t.Errorf("previous node still held by %q", owner)
	}
	if owner, _ := r.occ.OccupantOf(ctx, qr(2, 1)); owner != "SH01" {
		t.Errorf("current node occupant = %q", owner)
	}
}

func TestTwoStagePickupRelease(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	task := &store.Task{
		TaskID: "t-1", PickupQR: qr(1, 1), PickupFloorID: 1,
		EndQR: qr(5, 3), EndFloorID: 1, EndCellID: 1035, EndRow: 3,
		ItemInfo: "PLT-1", Status: store.TaskInProgress,
		AssignedShuttleID: "SH01", PickupCompleted: true, IsCarrying: true,
	}
	r.saveTask(t, task)
	if ok, _ := r.mem.AcquireLock(ctx, store.PickupLockKey(qr(1, 1)), "t-1", store.LockTTL); !ok {
		t.Fatal("pre-lock failed")
	}

	// Crossing an unrelated node changes nothing.
	r.emit(t, Event{Event: EventMoved, ShuttleID: "SH01", PreviousQR: qr(1, 1), CurrentQR: qr(2, 1), TaskID: "t-1", IsCarrying: true})
	if owner, _ := r.mem.LockOwner(ctx, store.PickupLockKey(qr(1, 1))); owner != "t-1" {
		t.Fatal("lock released before the safety exit")
	}

	// Clearing the safety exit frees the pickup and wakes the dispatcher.
	r.emit(t, Event{Event: EventMoved, ShuttleID: "SH01", PreviousQR: qr(2, 1), CurrentQR: qr(3, 1), TaskID: "t-1", IsCarrying: true})
	if owner, _ := r.mem.LockOwner(ctx, store.PickupLockKey(qr(1, 1))); owner != "" {
		t.Errorf("pickup lock still owned by %q", owner)
	}
	if !r.loadTask(t, "t-1").IsCarrying {
		t.Error("carry flag lost")
	}
	if r.loadTask(t, "t-1").PickupCompleted {
		t.Error("pickupCompleted not consumed")
	}
	if r.kicker.kicks != 1 {
		t.Errorf("kicks = %d, want 1", r.kicker.kicks)
	}

	// Successor task now owns the pickup; re-crossing must not release it.
	if ok, _ := r.mem.AcquireLock(ctx, store.PickupLockKey(qr(1, 1)), "t-2", store.LockTTL); !ok {
		t.Fatal("successor lock failed")
	}
	r.emit(t, Event{Event: EventMoved, ShuttleID: "SH01", PreviousQR: qr(2, 1), CurrentQR: qr(3, 1), TaskID: "t-1", IsCarrying: true})
	if owner, _ := r.mem.LockOwner(ctx, store.PickupLockKey(qr(1, 1))); owner != "t-2" {
		t.Errorf("successor's lock stolen, owner = %q", owner)
	}
}

// A shuttle that clears the safety exit with pickupCompleted set but no pallet
// aboard is an inconsistency to log, not a failure: nothing is released until
// an operator looks at it.
func TestExitWithoutPalletLeavesLocksHeld(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	task := &store.Task{
		TaskID: "t-1", PickupQR: qr(1, 1), PickupFloorID: 1,
		EndQR: qr(5, 3), EndFloorID: 1, EndCellID: 1035, EndRow: 3,
		ItemInfo: "PLT-1", Status: store.TaskInProgress,
		AssignedShuttleID: "SH01", PickupCompleted: true, IsCarrying: true,
	}
	r.saveTask(t, task)
	if ok, _ := r.mem.AcquireLock(ctx, store.PickupLockKey(qr(1, 1)), "t-1", store.LockTTL); !ok {
		t.Fatal("pre-lock failed")
	}
	if ok, _ := r.mem.AcquireLock(ctx, store.EndNodeLockKey(1035), "t-1", store.LockTTL); !ok {
		t.Fatal("pre-lock failed")
	}
	if err := r.mem.SAdd(ctx, store.KeyInboundPallets, "PLT-1"); err != nil {
		t.Fatal(err)
	}

	r.emit(t, Event{Event: EventMoved, ShuttleID: "SH01", PreviousQR: qr(2, 1), CurrentQR: qr(3, 1), TaskID: "t-1", IsCarrying: false})

	got := r.loadTask(t, "t-1")
	if got.Status != store.TaskInProgress {
		t.Errorf("status = %q, want in_progress", got.Status)
	}
	if !got.PickupCompleted {
		t.Error("pickupCompleted consumed on an inconsistent reading")
	}
	if owner, _ := r.mem.LockOwner(ctx, store.PickupLockKey(qr(1, 1))); owner != "t-1" {
		t.Errorf("pickup lock owner = %q, want t-1", owner)
	}
	if owner, _ := r.mem.LockOwner(ctx, store.EndNodeLockKey(1035)); owner != "t-1" {
		t.Errorf("endpoint lock owner = %q, want t-1", owner)
	}
	if ok, _ := r.mem.SIsMember(ctx, store.KeyInboundPallets, "PLT-1"); !ok {
		t.Error("pallet dropped from inbound registry")
	}
}

func TestPickupCompletePublishesCarryLeg(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	task := &store.Task{
		TaskID: "t-1", PickupQR: qr(1, 1), PickupFloorID: 1,
		EndQR: qr(5, 3), EndFloorID: 1, EndCellID: 1035, EndCol: 5, EndRow: 3,
		ItemInfo: "PLT-1", Status: store.TaskAssigned, AssignedShuttleID: "SH01",
	}
	r.saveTask(t, task)
	if err := r.cache.Save(ctx, &fleet.State{
		ID: "SH01", CurrentQR: qr(1, 1), FloorID: 1,
		ShuttleStatus: store.ShuttleNormal, CommandComplete: 0, TaskID: "t-1",
	}); err != nil {
		t.Fatal(err)
	}

	r.emit(t, Event{Event: mission.OnArrivalPickupComplete, ShuttleID: "SH01", CurrentQR: qr(1, 1), TaskID: "t-1"})

	got := r.loadTask(t, "t-1")
	if !got.PickupCompleted || !got.IsCarrying || got.Status != store.TaskInProgress {
		t.Errorf("task = %+v", got)
	}

	raw := r.bus.LastMessage(bus.TopicShuttleHandle("SH01"))
	if raw == nil {
		t.Fatal("carry leg never published")
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	meta := doc["meta"].(map[string]any)
	if meta["onArrival"] != mission.OnArrivalTaskComplete || meta["isCarrying"] != true {
		t.Errorf("meta = %v", meta)
	}
	last := doc[fmt.Sprintf("step%d", int(doc["totalStep"].(float64)))]
	if last != qr(5, 3)+">0:2" {
		t.Errorf("terminal step = %v, want drop-off at %s", last, qr(5, 3))
	}

	// The carry leg entered row 3 travelling left-to-right.
	if dir, _ := r.guard.Flow(ctx, 1, 3); dir != rows.FlowLTR {
		t.Errorf("row flow = %d, want LTR", dir)
	}
	if ok, _ := r.mem.SIsMember(ctx, store.RowHoldersKey(1, 3), "SH01"); !ok {
		t.Error("shuttle not registered as a row holder")
	}
}

func TestPickupCompleteRetargetsToPinnedRow(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	// The scheduler aimed this task at an aisle cell, but its batch has since
	// been pinned to storage row 3: the endpoint must follow the pin.
	task := &store.Task{
		TaskID: "t-1", BatchID: "b-1", PickupQR: qr(1, 1), PickupFloorID: 1,
		EndQR: qr(5, 2), EndFloorID: 1, EndCellID: 1025, EndCol: 5, EndRow: 2,
		PalletType: "euro", ItemInfo: "PLT-1",
		Status: store.TaskAssigned, AssignedShuttleID: "SH01",
	}
	r.saveTask(t, task)
	if ok, _ := r.mem.AcquireLock(ctx, store.EndNodeLockKey(1025), "t-1", store.LockTTL); !ok {
		t.Fatal("pre-lock failed")
	}
	if err := r.guard.PinBatchRow(ctx, "b-1", 1, 3); err != nil {
		t.Fatal(err)
	}
	if err := r.cache.Save(ctx, &fleet.State{
		ID: "SH01", CurrentQR: qr(1, 1), FloorID: 1,
		ShuttleStatus: store.ShuttleNormal, CommandComplete: 0, TaskID: "t-1",
	}); err != nil {
		t.Fatal(err)
	}

	r.emit(t, Event{Event: mission.OnArrivalPickupComplete, ShuttleID: "SH01", CurrentQR: qr(1, 1), TaskID: "t-1"})

	// Row 3 is empty and idle, so the substitute endpoint is its first cell.
	got := r.loadTask(t, "t-1")
	if got.EndQR != qr(1, 3) || got.EndRow != 3 || got.EndCellID != 1031 {
		t.Errorf("task endpoint = %+v", got)
	}
	if owner, _ := r.mem.LockOwner(ctx, store.EndNodeLockKey(1025)); owner != "" {
		t.Errorf("old endpoint lock still owned by %q", owner)
	}
	if owner, _ := r.mem.LockOwner(ctx, store.EndNodeLockKey(1031)); owner != "t-1" {
		t.Errorf("new endpoint lock owner = %q, want t-1", owner)
	}

	raw := r.bus.LastMessage(bus.TopicShuttleHandle("SH01"))
	if raw == nil {
		t.Fatal("carry leg never published")
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	last := doc[fmt.Sprintf("step%d", int(doc["totalStep"].(float64)))]
	if last != qr(1, 3)+">0:2" {
		t.Errorf("terminal step = %v, want drop-off at %s", last, qr(1, 3))
	}
	if dir, _ := r.guard.Flow(ctx, 1, 3); dir != rows.FlowLTR {
		t.Errorf("row flow = %d, want LTR", dir)
	}
}

func TestPickupCompleteRejectsCounterFlow(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	// Another shuttle already drives row 3 right-to-left; a left-to-right
	// carry leg must not be admitted into it.
	if ok, _ := r.guard.Acquire(ctx, 1, 3, "SH09", rows.FlowRTL); !ok {
		t.Fatal("pre-acquire failed")
	}
	task := &store.Task{
		TaskID: "t-1", PickupQR: qr(1, 1), PickupFloorID: 1,
		EndQR: qr(5, 3), EndFloorID: 1, EndCellID: 1035, EndCol: 5, EndRow: 3,
		ItemInfo: "PLT-1", Status: store.TaskAssigned, AssignedShuttleID: "SH01",
	}
	r.saveTask(t, task)
	if err := r.cache.Save(ctx, &fleet.State{
		ID: "SH01", CurrentQR: qr(1, 1), FloorID: 1,
		ShuttleStatus: store.ShuttleNormal, CommandComplete: 0, TaskID: "t-1",
	}); err != nil {
		t.Fatal(err)
	}

	r.emit(t, Event{Event: mission.OnArrivalPickupComplete, ShuttleID: "SH01", CurrentQR: qr(1, 1), TaskID: "t-1"})

	if raw := r.bus.LastMessage(bus.TopicShuttleHandle("SH01")); raw != nil {
		t.Fatal("carry leg published against the row's flow")
	}
	if ok, _ := r.mem.SIsMember(ctx, store.RowHoldersKey(1, 3), "SH01"); ok {
		t.Error("shuttle admitted into a counter-flowing row")
	}
}

func TestTaskCompleteTeardown(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	task := &store.Task{
		TaskID: "t-1", BatchID: "b-1", PickupQR: qr(1, 1), PickupFloorID: 1,
		EndQR: qr(5, 3), EndFloorID: 1, EndCellID: 1035, EndCol: 5, EndRow: 3,
		PalletType: "euro", ItemInfo: "PLT-1", Status: store.TaskInProgress,
		AssignedShuttleID: "SH01", IsCarrying: true,
	}
	r.saveTask(t, task)
	if ok, _ := r.mem.AcquireLock(ctx, store.EndNodeLockKey(1035), "t-1", store.LockTTL); !ok {
		t.Fatal("pre-lock failed")
	}
	if err := r.mem.SAdd(ctx, store.KeyInboundPallets, "PLT-1", "PLT-2"); err != nil {
		t.Fatal(err)
	}
	if err := r.mem.SAdd(ctx, store.KeyExecutingFleet, "SH01"); err != nil {
		t.Fatal(err)
	}
	if err := r.mem.Set(ctx, store.KeyActiveShuttles, "1", 0); err != nil {
		t.Fatal(err)
	}
	if ok, _ := r.guard.Acquire(ctx, 1, 3, "SH01", rows.FlowLTR); !ok {
		t.Fatal("row acquire failed")
	}

	// PLT-1 is the last pallet of the current row; PLT-2 waits for the next.
	batch := store.MasterBatch{
		BatchID: "b-1", RackID: "R1", PalletType: "euro",
		PickupQR: qr(1, 1), PickupFloorID: 1,
		Items: []string{"PLT-1", "PLT-2"}, TotalItems: 2,
		Status: store.BatchProcessingRow, CurrentRow: 3,
	}
	data, _ := json.Marshal(batch)
	if err := r.mem.Set(ctx, store.BatchMasterKey("b-1"), string(data), 0); err != nil {
		t.Fatal(err)
	}
	if err := r.mem.Set(ctx, store.BatchProcessedKey("b-1"), "0", 0); err != nil {
		t.Fatal(err)
	}
	if err := r.mem.Set(ctx, store.BatchRowCounterKey("b-1"), "1", 0); err != nil {
		t.Fatal(err)
	}

	r.emit(t, Event{Event: mission.OnArrivalTaskComplete, ShuttleID: "SH01", CurrentQR: qr(5, 3), TaskID: "t-1"})

	// Pallet recorded in its cell.
	cell, err := r.cat.CellByQR(ctx, qr(5, 3), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !cell.HasBox || cell.PalletID != "PLT-1" {
		t.Errorf("cell = %+v", cell)
	}

	// Locks, registries and counters all returned.
	if owner, _ := r.mem.LockOwner(ctx, store.EndNodeLockKey(1035)); owner != "" {
		t.Error("endpoint lock not returned")
	}
	if ok, _ := r.mem.SIsMember(ctx, store.KeyInboundPallets, "PLT-1"); ok {
		t.Error("pallet left in inbound registry")
	}
	if ok, _ := r.mem.SIsMember(ctx, store.KeyExecutingFleet, "SH01"); ok {
		t.Error("shuttle left in executing set")
	}
	if raw, _, _ := r.mem.Get(ctx, store.KeyActiveShuttles); raw != "0" {
		t.Errorf("active count = %q, want 0", raw)
	}
	if dir, _ := r.guard.Flow(ctx, 1, 3); dir != 0 {
		t.Error("row direction not released")
	}

	// Completed tasks vanish; only failed ones keep their hash.
	if fields, _ := r.mem.HGetAll(ctx, store.TaskKey("t-1")); len(fields) != 0 {
		t.Errorf("task hash retained after completion: %v", fields)
	}

	// Row finished: next row staged for the remaining pallet.
	if raw, _, _ := r.mem.Get(ctx, store.BatchProcessedKey("b-1")); raw != "1" {
		t.Errorf("processed = %q, want 1", raw)
	}
	staged, _ := r.mem.LRange(ctx, store.KeyStagingQueue, 0, -1)
	if len(staged) != 1 {
		t.Fatalf("next row staged %d item(s), want 1", len(staged))
	}
	var st store.StagedTask
	if err := json.Unmarshal([]byte(staged[0]), &st); err != nil {
		t.Fatal(err)
	}
	if st.ItemInfo != "PLT-2" {
		t.Errorf("staged = %+v", st)
	}

	if r.kicker.kicks == 0 {
		t.Error("dispatcher never kicked")
	}
}

func TestWaitingDelegatesToConflictResolver(t *testing.T) {
	r := newRig(t)
	r.emit(t, Event{Event: EventWaiting, ShuttleID: "SH01", CurrentQR: qr(2, 1), BlockedBy: "SH02"})
	if len(r.resolver.calls) != 1 || r.resolver.calls[0] != "SH01@"+qr(2, 1)+"<SH02" {
		t.Errorf("resolver calls = %v", r.resolver.calls)
	}
}

func TestTaskEventsWithoutTaskIDAreDropped(t *testing.T) {
	r := newRig(t)
	// Must not panic or mutate anything.
	r.emit(t, Event{Event: mission.OnArrivalPickupComplete, ShuttleID: "SH01", CurrentQR: qr(1, 1)})
	r.emit(t, Event{Event: mission.OnArrivalTaskComplete, ShuttleID: "SH01", CurrentQR: qr(5, 3)})
	r.emit(t, Event{Event: EventTaskStarted, ShuttleID: "SH01"})

	if keys, _ := r.mem.Keys(context.Background(), "shuttle:task:*"); len(keys) != 0 {
		t.Errorf("phantom tasks appeared: %v", keys)
	}
}

func TestMalformedEventDropped(t *testing.T) {
	r := newRig(t)
	r.listener.Handle(context.Background(), []byte(`{broken`))
	r.listener.Handle(context.Background(), []byte(`{"event":"shuttle-moved"}`))
}
