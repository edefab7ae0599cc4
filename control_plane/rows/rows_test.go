package rows

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/quaywise/shuttlecore/control_plane/catalog"
	"github.com/quaywise/shuttlecore/control_plane/store"
)

func TestDirectionFor(t *testing.T) {
	if DirectionFor(2, 5) != FlowLTR {
		t.Error("endpoint right of pickup should flow left-to-right")
	}
	if DirectionFor(5, 2) != FlowRTL {
		t.Error("endpoint left of pickup should flow right-to-left")
	}
	if DirectionFor(3, 3) != FlowLTR {
		t.Error("same column defaults to left-to-right")
	}
}

func TestGuardAcquireRelease(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(store.NewMemoryStore(), catalog.NewMemoryCatalog(nil, nil))

	ok, err := g.Acquire(ctx, 1, 2, "SH01", FlowLTR)
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	// Same direction admits more shuttles.
	if ok, _ := g.Acquire(ctx, 1, 2, "SH02", FlowLTR); !ok {
		t.Fatal("same-flow acquire should succeed")
	}
	// Opposite direction is refused while holders remain.
	if ok, _ := g.Acquire(ctx, 1, 2, "SH03", FlowRTL); ok {
		t.Fatal("counter-flow acquire must fail")
	}

	if err := g.Release(ctx, 1, 2, "SH01"); err != nil {
		t.Fatal(err)
	}
	// One holder left: direction still held.
	if dir, _ := g.Flow(ctx, 1, 2); dir != FlowLTR {
		t.Errorf("flow = %d, want %d", dir, FlowLTR)
	}
	if err := g.Release(ctx, 1, 2, "SH02"); err != nil {
		t.Fatal(err)
	}
	// Row empty: direction falls, counter-flow now admitted.
	if dir, _ := g.Flow(ctx, 1, 2); dir != 0 {
		t.Errorf("flow after empty = %d, want 0", dir)
	}
	if ok, _ := g.Acquire(ctx, 1, 2, "SH03", FlowRTL); !ok {
		t.Fatal("acquire after row emptied should succeed")
	}
}

func TestGuardForceClear(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(store.NewMemoryStore(), catalog.NewMemoryCatalog(nil, nil))

	if ok, _ := g.Acquire(ctx, 1, 3, "SH01", FlowRTL); !ok {
		t.Fatal("acquire failed")
	}
	if err := g.ForceClear(ctx, 1, 3); err != nil {
		t.Fatal(err)
	}
	if dir, _ := g.Flow(ctx, 1, 3); dir != 0 {
		t.Errorf("flow after force clear = %d", dir)
	}
	if ok, _ := g.Acquire(ctx, 1, 3, "SH02", FlowLTR); !ok {
		t.Error("acquire after force clear should succeed")
	}
}

func TestBatchRowPin(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(store.NewMemoryStore(), catalog.NewMemoryCatalog(nil, nil))

	if _, _, ok, err := g.PinnedRow(ctx, "b-1"); ok || err != nil {
		t.Fatalf("unpinned batch: ok=%v err=%v", ok, err)
	}
	if err := g.PinBatchRow(ctx, "b-1", 2, 7); err != nil {
		t.Fatal(err)
	}
	floorID, row, ok, err := g.PinnedRow(ctx, "b-1")
	if err != nil || !ok || floorID != 2 || row != 7 {
		t.Fatalf("pin = %d:%d ok=%v err=%v", floorID, row, ok, err)
	}
	if err := g.ClearPin(ctx, "b-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, ok, _ := g.PinnedRow(ctx, "b-1"); ok {
		t.Error("pin survived clear")
	}
}

func TestNearestInRow(t *testing.T) {
	ctx := context.Background()
	var cells []*catalog.Cell
	for c := 1; c <= 4; c++ {
		cells = append(cells, &catalog.Cell{
			ID: int64(c), QR: fmt.Sprintf("S1%d", c), Col: c, Row: 1, FloorID: 1,
			CellType: catalog.CellStorage, Directions: []string{"left", "right"},
		})
	}
	cat := catalog.NewMemoryCatalog(cells, nil)
	g := NewGuard(store.NewMemoryStore(), cat)

	// Left-to-right fills from the lowest column.
	cell, err := g.NearestInRow(ctx, "euro", 1, 1, FlowLTR)
	if err != nil {
		t.Fatal(err)
	}
	if cell.Col != 1 {
		t.Errorf("LTR nearest col = %d, want 1", cell.Col)
	}

	// Right-to-left fills from the highest column.
	cell, err = g.NearestInRow(ctx, "euro", 1, 1, FlowRTL)
	if err != nil {
		t.Fatal(err)
	}
	if cell.Col != 4 {
		t.Errorf("RTL nearest col = %d, want 4", cell.Col)
	}

	// Occupied cells are skipped.
	if err := cat.SetCellBox(ctx, "S11", 1, "PLT-X"); err != nil {
		t.Fatal(err)
	}
	cell, err = g.NearestInRow(ctx, "euro", 1, 1, FlowLTR)
	if err != nil {
		t.Fatal(err)
	}
	if cell.Col != 2 {
		t.Errorf("LTR nearest after fill = %d, want 2", cell.Col)
	}

	// Full row reports not found.
	for _, qr := range []string{"S12", "S13", "S14"} {
		if err := cat.SetCellBox(ctx, qr, 1, "PLT-"+qr); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := g.NearestInRow(ctx, "euro", 1, 1, FlowLTR); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("full row err = %v, want ErrNotFound", err)
	}
}
