package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/quaywise/shuttlecore/control_plane/catalog"
	"github.com/quaywise/shuttlecore/control_plane/rows"
	"github.com/quaywise/shuttlecore/control_plane/store"
)

func storageFloor(rowsN, cols int) *catalog.MemoryCatalog {
	var cells []*catalog.Cell
	id := int64(1)
	for r := 1; r <= rowsN; r++ {
		for c := 1; c <= cols; c++ {
			cells = append(cells, &catalog.Cell{
				ID: id, QR: fmt.Sprintf("S%d%d", r, c), Col: c, Row: r, FloorID: 1,
				RackID: "R1", CellType: catalog.CellStorage,
				Directions: []string{"left", "right"},
			})
			id++
		}
	}
	return catalog.NewMemoryCatalog(cells, []*catalog.Floor{{FloorID: 1, RackID: "R1", FloorOrder: 1}})
}

func stage(t *testing.T, mem store.Store, st store.StagedTask) {
	t.Helper()
	data, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.LPush(context.Background(), store.KeyStagingQueue, string(data)); err != nil {
		t.Fatal(err)
	}
}

func pendingTask(t *testing.T, mem store.Store) *store.Task {
	t.Helper()
	ctx := context.Background()
	head, err := mem.ZPeekMin(ctx, store.KeyPendingTasks)
	if err != nil {
		t.Fatal(err)
	}
	if head == nil {
		t.Fatal("no pending task registered")
	}
	fields, err := mem.HGetAll(ctx, store.TaskKey(head.Member))
	if err != nil {
		t.Fatal(err)
	}
	task, err := store.TaskFromFields(fields)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestTickResolvesStagedTask(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	cat := storageFloor(2, 3)
	w := NewWorker(mem, cat, rows.NewGuard(mem, cat), time.Second)

	stage(t, mem, store.StagedTask{
		BatchID: "b-1", PickupQR: "P1", PickupFloorID: 1,
		ItemInfo: "PLT-1", PalletType: "euro", RackID: "R1",
		TargetRow: 1, TargetFloor: 1,
	})
	w.Tick(ctx)

	task := pendingTask(t, mem)
	if task.Status != store.TaskPending || task.ItemInfo != "PLT-1" {
		t.Errorf("task = %+v", task)
	}
	if task.EndQR != "S11" || task.EndRow != 1 {
		t.Errorf("endpoint = %s row %d, want S11 row 1 (FIFO)", task.EndQR, task.EndRow)
	}
	if task.Timestamp == 0 {
		t.Error("timestamp not stamped")
	}

	// Endpoint lock owned by the task that claimed it.
	if owner, _ := mem.LockOwner(ctx, store.EndNodeLockKey(task.EndCellID)); owner != task.TaskID {
		t.Errorf("endpoint lock owner = %q, want %s", owner, task.TaskID)
	}
	// Staging queue drained.
	if n, _ := mem.LLen(ctx, store.KeyStagingQueue); n != 0 {
		t.Errorf("staging queue depth = %d, want 0", n)
	}
}

func TestTickWalksPastClaimedEndpoints(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	cat := storageFloor(1, 3)
	w := NewWorker(mem, cat, rows.NewGuard(mem, cat), time.Second)

	// Cell S11 (id 1) already claimed by another task.
	if ok, _ := mem.AcquireLock(ctx, store.EndNodeLockKey(1), "other-task", store.LockTTL); !ok {
		t.Fatal("pre-claim failed")
	}

	stage(t, mem, store.StagedTask{
		PickupQR: "P1", PickupFloorID: 1, ItemInfo: "PLT-1", PalletType: "euro",
		TargetRow: 1, TargetFloor: 1,
	})
	w.Tick(ctx)

	task := pendingTask(t, mem)
	if task.EndQR != "S12" {
		t.Errorf("endpoint = %s, want S12 (first unclaimed)", task.EndQR)
	}
}

func TestTickRequeuesWhenNoEndpointFree(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	cat := storageFloor(1, 2)
	w := NewWorker(mem, cat, rows.NewGuard(mem, cat), time.Second)

	for id := int64(1); id <= 2; id++ {
		if ok, _ := mem.AcquireLock(ctx, store.EndNodeLockKey(id), "other-task", store.LockTTL); !ok {
			t.Fatal("pre-claim failed")
		}
	}

	stage(t, mem, store.StagedTask{
		PickupQR: "P1", PickupFloorID: 1, ItemInfo: "PLT-1", PalletType: "euro",
		TargetRow: 1, TargetFloor: 1,
	})
	w.Tick(ctx)

	if head, _ := mem.ZPeekMin(ctx, store.KeyPendingTasks); head != nil {
		t.Errorf("task registered despite full floor: %+v", head)
	}
	if n, _ := mem.LLen(ctx, store.KeyStagingQueue); n != 1 {
		t.Errorf("staged entry not returned to queue, depth = %d", n)
	}
}

func TestTickSticksToBatchRowWhenFleetBusy(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	cat := storageFloor(3, 2)
	guard := rows.NewGuard(mem, cat)
	w := NewWorker(mem, cat, guard, time.Second)

	// Two shuttles already working and the batch pinned to row 2.
	if err := mem.Set(ctx, store.KeyActiveShuttles, "2", 0); err != nil {
		t.Fatal(err)
	}
	if err := guard.PinBatchRow(ctx, "b-1", 1, 2); err != nil {
		t.Fatal(err)
	}

	// Staged entry nominally targets row 1; the pin must win.
	stage(t, mem, store.StagedTask{
		BatchID: "b-1", PickupQR: "P1", PickupFloorID: 1,
		ItemInfo: "PLT-1", PalletType: "euro", TargetRow: 1, TargetFloor: 1,
	})
	w.Tick(ctx)

	task := pendingTask(t, mem)
	if task.EndRow != 2 {
		t.Errorf("endpoint row = %d, want pinned row 2", task.EndRow)
	}
}

func TestTickFIFOAcrossEntries(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	cat := storageFloor(1, 3)
	w := NewWorker(mem, cat, rows.NewGuard(mem, cat), time.Second)

	// LPush order PLT-1 then PLT-2: RPop resolves PLT-1 first.
	stage(t, mem, store.StagedTask{PickupQR: "P1", PickupFloorID: 1, ItemInfo: "PLT-1", PalletType: "euro", TargetRow: 1, TargetFloor: 1})
	stage(t, mem, store.StagedTask{PickupQR: "P1", PickupFloorID: 1, ItemInfo: "PLT-2", PalletType: "euro", TargetRow: 1, TargetFloor: 1})
	w.Tick(ctx)

	if n, _ := mem.ZCard(ctx, store.KeyPendingTasks); n != 2 {
		t.Fatalf("pending tasks = %d, want 2", n)
	}

	// PLT-1 was staged first, so it resolves first and takes the FIFO cell.
	endpoints := map[string]string{}
	keys, _ := mem.Keys(ctx, "shuttle:task:*")
	for _, key := range keys {
		fields, _ := mem.HGetAll(ctx, key)
		task, err := store.TaskFromFields(fields)
		if err != nil {
			t.Fatal(err)
		}
		endpoints[task.ItemInfo] = task.EndQR
	}
	if endpoints["PLT-1"] != "S11" || endpoints["PLT-2"] != "S12" {
		t.Errorf("endpoints = %v, want PLT-1:S11 PLT-2:S12", endpoints)
	}
}
