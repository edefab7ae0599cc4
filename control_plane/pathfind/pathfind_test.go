package pathfind

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/quaywise/shuttlecore/control_plane/catalog"
	"github.com/quaywise/shuttlecore/control_plane/fleet"
	"github.com/quaywise/shuttlecore/control_plane/store"
	"github.com/quaywise/shuttlecore/control_plane/traffic"
)

// openGrid builds a cols x rows floor of aisle cells traversable in all four
// directions, QR-coded "C{col}R{row}".
func openGrid(floorID, cols, rows int) []*catalog.Cell {
	var cells []*catalog.Cell
	id := int64(1)
	for r := 1; r <= rows; r++ {
		for c := 1; c <= cols; c++ {
			cells = append(cells, &catalog.Cell{
				ID: id, QR: qr(c, r), Col: c, Row: r, FloorID: floorID,
				CellType:   catalog.CellAisle,
				Directions: []string{"up", "down", "left", "right"},
			})
			id++
		}
	}
	return cells
}

func qr(col, row int) string { return fmt.Sprintf("C%dR%d", col, row) }

func newPlanner(t *testing.T, cells []*catalog.Cell) (*Planner, *traffic.Registry, *fleet.OccupationMap) {
	t.Helper()
	mem := store.NewMemoryStore()
	reg := traffic.NewRegistry(mem)
	occ := fleet.NewOccupationMap(mem)
	cat := catalog.NewMemoryCatalog(cells, nil)
	return NewPlanner(cat, reg, occ), reg, occ
}

func TestFindPathStraightLine(t *testing.T) {
	planner, _, _ := newPlanner(t, openGrid(1, 5, 5))

	steps, err := planner.FindPath(context.Background(), Request{
		ShuttleID: "SH01", FloorID: 1, StartQR: qr(1, 1), GoalQR: qr(4, 1),
	})
	if err != nil {
		t.Fatalf("findPath: %v", err)
	}
	if len(steps) != 4 {
		t.Fatalf("steps = %d, want 4: %+v", len(steps), steps)
	}
	for i := 0; i < 3; i++ {
		if steps[i].Direction != store.DirRight {
			t.Errorf("step %d direction = %d, want right", i, steps[i].Direction)
		}
	}
	if steps[3].Direction != 0 {
		t.Errorf("terminal step direction = %d, want 0", steps[3].Direction)
	}
	if steps[0].QR != qr(1, 1) || steps[3].QR != qr(4, 1) {
		t.Errorf("endpoints wrong: %+v", steps)
	}
}

func TestFindPathRespectsAllowedDirections(t *testing.T) {
	// A one-way column: C1 cells only allow "down", so the route back up must
	// detour through column 2.
	cells := openGrid(1, 2, 3)
	for _, c := range cells {
		if c.Col == 1 {
			c.Directions = []string{"down", "right"}
		}
	}
	planner, _, _ := newPlanner(t, cells)

	steps, err := planner.FindPath(context.Background(), Request{
		ShuttleID: "SH01", FloorID: 1, StartQR: qr(1, 3), GoalQR: qr(1, 1),
	})
	if err != nil {
		t.Fatalf("findPath: %v", err)
	}
	for _, s := range steps[:len(steps)-1] {
		cell := catalog.Cell{Directions: []string{"down", "right"}}
		if s.QR[:2] == "C1" && !cell.Allows(s.Direction) {
			t.Errorf("step %+v leaves a one-way cell the wrong way", s)
		}
	}
	if steps[len(steps)-1].QR != qr(1, 1) {
		t.Errorf("did not reach goal: %+v", steps)
	}
}

func TestFindPathNeedsReverseDirectionOnNeighbour(t *testing.T) {
	// Two adjacent cells that both only allow "right": leaving C1R1 rightward
	// is permitted, but C2R1 does not carry the left half of the edge, so no
	// lane exists between them.
	cells := openGrid(1, 2, 1)
	for _, c := range cells {
		c.Directions = []string{"right"}
	}
	planner, _, _ := newPlanner(t, cells)

	_, err := planner.FindPath(context.Background(), Request{
		ShuttleID: "SH01", FloorID: 1, StartQR: qr(1, 1), GoalQR: qr(2, 1),
	})
	if !errors.Is(err, ErrNoPath) {
		t.Fatalf("err = %v, want ErrNoPath", err)
	}

	// Granting the neighbour the reverse direction restores the edge.
	cells = openGrid(1, 2, 1)
	cells[0].Directions = []string{"right"}
	cells[1].Directions = []string{"left"}
	planner, _, _ = newPlanner(t, cells)

	steps, err := planner.FindPath(context.Background(), Request{
		ShuttleID: "SH01", FloorID: 1, StartQR: qr(1, 1), GoalQR: qr(2, 1),
	})
	if err != nil {
		t.Fatalf("findPath: %v", err)
	}
	if len(steps) != 2 || steps[1].QR != qr(2, 1) {
		t.Fatalf("unexpected route: %+v", steps)
	}
}

func TestFindPathAvoidsOccupiedNodes(t *testing.T) {
	planner, _, occ := newPlanner(t, openGrid(1, 3, 3))
	ctx := context.Background()

	// Another shuttle parked mid-route.
	if err := occ.BlockNode(ctx, qr(2, 1), "SH99"); err != nil {
		t.Fatal(err)
	}

	steps, err := planner.FindPath(ctx, Request{
		ShuttleID: "SH01", FloorID: 1, StartQR: qr(1, 1), GoalQR: qr(3, 1),
	})
	if err != nil {
		t.Fatalf("findPath: %v", err)
	}
	for _, s := range steps {
		if s.QR == qr(2, 1) {
			t.Fatalf("route crosses occupied node: %+v", steps)
		}
	}
	if len(steps) != 5 {
		t.Errorf("detour length = %d, want 5", len(steps))
	}
}

func TestFindPathSecondChanceThroughOccupied(t *testing.T) {
	// 3x1 corridor with the middle node occupied: no detour exists, so the
	// second pass must route through it anyway.
	planner, _, occ := newPlanner(t, openGrid(1, 3, 1))
	ctx := context.Background()
	if err := occ.BlockNode(ctx, qr(2, 1), "SH99"); err != nil {
		t.Fatal(err)
	}

	steps, err := planner.FindPath(ctx, Request{
		ShuttleID: "SH01", FloorID: 1, StartQR: qr(1, 1), GoalQR: qr(3, 1),
	})
	if err != nil {
		t.Fatalf("expected second-chance route, got error: %v", err)
	}
	if len(steps) != 3 || steps[1].QR != qr(2, 1) {
		t.Fatalf("unexpected route: %+v", steps)
	}
}

func TestFindPathCarryingBlockedByStoredPallet(t *testing.T) {
	cells := openGrid(1, 3, 1)
	for _, c := range cells {
		if c.QR == qr(2, 1) {
			c.CellType = catalog.CellStorage
			c.HasBox = true
		}
	}
	planner, _, _ := newPlanner(t, cells)
	ctx := context.Background()

	// A carrier cannot traverse a cell holding a pallet and there is no
	// detour on a 3x1 floor.
	_, err := planner.FindPath(ctx, Request{
		ShuttleID: "SH01", FloorID: 1, StartQR: qr(1, 1), GoalQR: qr(3, 1),
		IsCarrying: true,
	})
	if !errors.Is(err, ErrNoPath) {
		t.Fatalf("err = %v, want ErrNoPath", err)
	}

	// An empty shuttle drives straight over it.
	steps, err := planner.FindPath(ctx, Request{
		ShuttleID: "SH01", FloorID: 1, StartQR: qr(1, 1), GoalQR: qr(3, 1),
	})
	if err != nil {
		t.Fatalf("empty shuttle: %v", err)
	}
	if len(steps) != 3 {
		t.Errorf("steps = %d, want 3", len(steps))
	}
}

func TestFindPathGoalWithPalletReachableWhenCarrying(t *testing.T) {
	cells := openGrid(1, 2, 1)
	for _, c := range cells {
		if c.QR == qr(2, 1) {
			c.CellType = catalog.CellStorage
			c.HasBox = true
		}
	}
	planner, _, _ := newPlanner(t, cells)

	// The goal cell itself is always enterable.
	steps, err := planner.FindPath(context.Background(), Request{
		ShuttleID: "SH01", FloorID: 1, StartQR: qr(1, 1), GoalQR: qr(2, 1),
		IsCarrying: true,
	})
	if err != nil {
		t.Fatalf("findPath: %v", err)
	}
	if len(steps) != 2 {
		t.Errorf("steps = %d, want 2", len(steps))
	}
}

func TestFindPathPrefersDetourOverOpposingTraffic(t *testing.T) {
	planner, reg, _ := newPlanner(t, openGrid(1, 4, 3))
	ctx := context.Background()

	// SH99 drives leftward along row 2; a head-on route there costs 150+ per
	// shared node, far more than the 2-step detour through row 1 or 3.
	opposing := &store.ActivePath{
		ShuttleID: "SH99",
		Steps: []store.PathStep{
			{QR: qr(4, 2), Direction: store.DirLeft},
			{QR: qr(3, 2), Direction: store.DirLeft},
			{QR: qr(2, 2), Direction: store.DirLeft},
			{QR: qr(1, 2), Direction: 0},
		},
	}
	if err := reg.SavePath(ctx, opposing); err != nil {
		t.Fatal(err)
	}

	steps, err := planner.FindPath(ctx, Request{
		ShuttleID: "SH01", FloorID: 1, StartQR: qr(1, 2), GoalQR: qr(4, 2),
	})
	if err != nil {
		t.Fatalf("findPath: %v", err)
	}
	for _, s := range steps[1 : len(steps)-1] {
		if s.QR == qr(2, 2) || s.QR == qr(3, 2) {
			t.Fatalf("route drives head-on into SH99: %+v", steps)
		}
	}
}

func TestAstarSameStartAndGoal(t *testing.T) {
	grid := BuildGrid(1, openGrid(1, 2, 2))
	steps, err := astar(searchParams{grid: grid, startQR: qr(1, 1), goalQR: qr(1, 1)})
	if err != nil {
		t.Fatalf("astar: %v", err)
	}
	if len(steps) != 1 || steps[0].QR != qr(1, 1) || steps[0].Direction != 0 {
		t.Fatalf("unexpected steps: %+v", steps)
	}
}

func TestTrafficPenaltyTiers(t *testing.T) {
	carrier := &store.ActivePath{
		ShuttleID: "SH99",
		Meta:      store.PathMeta{IsCarrying: true},
		Steps:     []store.PathStep{{QR: "X", Direction: store.DirLeft}},
	}
	snap := &traffic.Snapshot{Paths: []*store.ActivePath{carrier}}

	// Empty shuttle driving head-on into a carrier hits the cap.
	if got := trafficPenalty("X", store.DirRight, "SH01", false, snap); got != penaltyOppositeCap {
		t.Errorf("opposite vs carrier = %d, want %d", got, penaltyOppositeCap)
	}
	// Carrier vs carrier head-on: 150+50.
	if got := trafficPenalty("X", store.DirRight, "SH01", true, snap); got != 200 {
		t.Errorf("carrier head-on = %d, want 200", got)
	}
	// Following a carrier.
	if got := trafficPenalty("X", store.DirLeft, "SH01", false, snap); got != penaltyFollowCarrier {
		t.Errorf("follow = %d, want %d", got, penaltyFollowCarrier)
	}
	// Crossing a carrier: 15+10, capped at 25.
	if got := trafficPenalty("X", store.DirUp, "SH01", false, snap); got != penaltyCrossCap {
		t.Errorf("cross = %d, want %d", got, penaltyCrossCap)
	}
	// Own path never penalizes.
	if got := trafficPenalty("X", store.DirRight, "SH99", false, snap); got != 0 {
		t.Errorf("self penalty = %d, want 0", got)
	}
}

func TestCorridorPenalty(t *testing.T) {
	snap := &traffic.Snapshot{
		Corridors: map[string]traffic.Corridor{
			"X": {QR: "X", Dominant: store.DirRight, Shuttles: 3, HighTraffic: true},
		},
	}
	if got := trafficPenalty("X", store.DirLeft, "SH01", false, snap); got != penaltyCorridorOppositeHigh {
		t.Errorf("against high-traffic lane = %d, want %d", got, penaltyCorridorOppositeHigh)
	}
	if got := trafficPenalty("X", store.DirRight, "SH01", false, snap); got != penaltyCorridorSameHigh {
		t.Errorf("with lane = %d, want %d", got, penaltyCorridorSameHigh)
	}
	if got := trafficPenalty("X", store.DirUp, "SH01", false, snap); got != penaltyCorridorCrossHigh {
		t.Errorf("across lane = %d, want %d", got, penaltyCorridorCrossHigh)
	}
}
