package traffic

import (
	"github.com/quaywise/shuttlecore/control_plane/store"
)

// Corridor detection thresholds. A node becomes a corridor when enough of the
// fleet drives through it in mostly one direction.
const (
	corridorMinShuttles   = 2
	corridorDominantShare = 0.70
	highTrafficShuttles   = 3
)

// Corridor is a node the fleet has turned into a de-facto one-way lane.
type Corridor struct {
	QR          string
	Dominant    int // direction most shuttles travel through this node
	Shuttles    int // distinct shuttles passing through
	Share       float64
	HighTraffic bool
}

// Snapshot bundles one consistent view of fleet traffic for a pathfinder run.
type Snapshot struct {
	Paths     []*store.ActivePath
	Corridors map[string]Corridor
}

// DetectCorridors folds the fleet's active paths into per-node corridors.
// Steps without a direction (terminal steps) do not vote.
func DetectCorridors(paths []*store.ActivePath) map[string]Corridor {
	type tally struct {
		shuttles map[string]struct{}
		dirs     map[int]int
		total    int
	}
	byQR := make(map[string]*tally)

	for _, p := range paths {
		for _, step := range p.Steps {
			if step.Direction == 0 {
				continue
			}
			t, ok := byQR[step.QR]
			if !ok {
				t = &tally{shuttles: make(map[string]struct{}), dirs: make(map[int]int)}
				byQR[step.QR] = t
			}
			t.shuttles[p.ShuttleID] = struct{}{}
			t.dirs[step.Direction]++
			t.total++
		}
	}

	corridors := make(map[string]Corridor)
	for qr, t := range byQR {
		if len(t.shuttles) < corridorMinShuttles {
			continue
		}
		dominant, best := 0, 0
		for dir, n := range t.dirs {
			if n > best || (n == best && dir < dominant) {
				dominant, best = dir, n
			}
		}
		share := float64(best) / float64(t.total)
		if share < corridorDominantShare {
			continue
		}
		corridors[qr] = Corridor{
			QR:          qr,
			Dominant:    dominant,
			Shuttles:    len(t.shuttles),
			Share:       share,
			HighTraffic: len(t.shuttles) >= highTrafficShuttles,
		}
	}
	return corridors
}
