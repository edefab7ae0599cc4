package traffic

import (
	"context"
	"testing"
	"time"

	"github.com/quaywise/shuttlecore/control_plane/store"
)

func pathFor(shuttleID string, dir int, qrs ...string) *store.ActivePath {
	steps := make([]store.PathStep, len(qrs))
	for i, qr := range qrs {
		d := dir
		if i == len(qrs)-1 {
			d = 0 // terminal step
		}
		steps[i] = store.PathStep{QR: qr, Direction: d}
	}
	return &store.ActivePath{ShuttleID: shuttleID, Steps: steps}
}

func TestRegistrySaveAndEvictOnRead(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	reg := NewRegistry(mem)

	base := time.Now()
	reg.now = func() time.Time { return base }

	p := pathFor("SH01", store.DirRight, "A0101", "A0102", "A0103")
	p.Meta = store.PathMeta{TaskID: "t-1", EndQR: "A0103"}
	if err := reg.SavePath(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	if p.Meta.PathLength != 3 {
		t.Errorf("pathLength = %d, want 3", p.Meta.PathLength)
	}

	got, err := reg.Path(ctx, "SH01")
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if got == nil || got.Meta.TaskID != "t-1" || len(got.Steps) != 3 {
		t.Fatalf("unexpected path: %+v", got)
	}

	// Step past the record TTL; the read must evict and return nil.
	reg.now = func() time.Time { return base.Add(store.ActivePathTTL + time.Second) }
	got, err = reg.Path(ctx, "SH01")
	if err != nil {
		t.Fatalf("path after expiry: %v", err)
	}
	if got != nil {
		t.Fatalf("expected eviction, got %+v", got)
	}
}

func TestRegistryActivePathsSkipsExpired(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	reg := NewRegistry(mem)

	base := time.Now()
	reg.now = func() time.Time { return base }
	if err := reg.SavePath(ctx, pathFor("SH01", store.DirUp, "A0101", "A0201")); err != nil {
		t.Fatal(err)
	}

	reg.now = func() time.Time { return base.Add(store.ActivePathTTL + time.Second) }
	if err := reg.SavePath(ctx, pathFor("SH02", store.DirUp, "A0301", "A0401")); err != nil {
		t.Fatal(err)
	}

	paths, err := reg.ActivePaths(ctx)
	if err != nil {
		t.Fatalf("activePaths: %v", err)
	}
	if len(paths) != 1 || paths[0].ShuttleID != "SH02" {
		t.Fatalf("expected only SH02, got %+v", paths)
	}
}

func TestDetectCorridors(t *testing.T) {
	paths := []*store.ActivePath{
		pathFor("SH01", store.DirRight, "A0101", "A0102", "A0103", "A0104"),
		pathFor("SH02", store.DirRight, "A0100", "A0101", "A0102", "A0103"),
		pathFor("SH03", store.DirDown, "B0101", "B0201"),
	}

	corridors := DetectCorridors(paths)

	c, ok := corridors["A0102"]
	if !ok {
		t.Fatal("A0102 should be a corridor: two shuttles, same direction")
	}
	if c.Dominant != store.DirRight {
		t.Errorf("dominant = %d, want %d", c.Dominant, store.DirRight)
	}
	if c.HighTraffic {
		t.Error("two shuttles should not be high traffic")
	}

	if _, ok := corridors["B0101"]; ok {
		t.Error("single-shuttle node must not become a corridor")
	}
}

func TestDetectCorridorsDominanceThreshold(t *testing.T) {
	// Two shuttles through the same node in opposite directions: a 50% split
	// never reaches the 70% dominance bar.
	paths := []*store.ActivePath{
		pathFor("SH01", store.DirRight, "A0101", "A0102"),
		pathFor("SH02", store.DirLeft, "A0101", "A0100"),
	}
	if corridors := DetectCorridors(paths); len(corridors) != 0 {
		t.Fatalf("contested node became a corridor: %v", corridors)
	}
}

func TestDetectCorridorsHighTraffic(t *testing.T) {
	paths := []*store.ActivePath{
		pathFor("SH01", store.DirUp, "A0101", "A0201"),
		pathFor("SH02", store.DirUp, "A0101", "A0201"),
		pathFor("SH03", store.DirUp, "A0101", "A0201"),
	}
	c, ok := DetectCorridors(paths)["A0101"]
	if !ok || !c.HighTraffic {
		t.Fatalf("three aligned shuttles should mark high traffic, got %+v", c)
	}
}

func TestStepIndex(t *testing.T) {
	p := pathFor("SH01", store.DirRight, "A0101", "A0102", "A0103")
	if i := StepIndex(p, "A0102"); i != 1 {
		t.Errorf("index = %d, want 1", i)
	}
	if i := StepIndex(p, "Z9999"); i != -1 {
		t.Errorf("missing qr index = %d, want -1", i)
	}
}
