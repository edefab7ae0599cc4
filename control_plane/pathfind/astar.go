package pathfind

import (
	"container/heap"
	"errors"

	"github.com/quaywise/shuttlecore/control_plane/catalog"
	"github.com/quaywise/shuttlecore/control_plane/store"
	"github.com/quaywise/shuttlecore/control_plane/traffic"
)

var (
	// ErrNoPath means the goal is unreachable under the current obstacle set.
	ErrNoPath = errors.New("pathfind: no path to goal")
	// ErrPathReconstruction means the came-from chain looped; treated as no
	// path rather than a panic since the caller retries anyway.
	ErrPathReconstruction = errors.New("pathfind: path reconstruction exceeded limit")
)

const reconstructLimit = 1000

// searchParams is one A* invocation over a single floor.
type searchParams struct {
	grid       *Grid
	startQR    string
	goalQR     string
	shuttleID  string
	isCarrying bool
	avoid      map[string]struct{}
	snap       *traffic.Snapshot
}

type openNode struct {
	qr    string
	f     int
	index int
}

type openHeap []*openNode

func (h openHeap) Len() int { return len(h) }
func (h openHeap) Less(i, j int) bool {
	if h[i].f != h[j].f {
		return h[i].f < h[j].f
	}
	return h[i].qr < h[j].qr // deterministic tie-break
}
func (h openHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *openHeap) Push(x any) {
	n := x.(*openNode)
	n.index = len(*h)
	*h = append(*h, n)
}
func (h *openHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return n
}

type cameFrom struct {
	prevQR string
	dir    int // direction taken from prevQR to reach this node
}

func astar(p searchParams) ([]store.PathStep, error) {
	start := p.grid.Cell(p.startQR)
	goal := p.grid.Cell(p.goalQR)
	if start == nil || goal == nil {
		return nil, ErrNoPath
	}
	if p.startQR == p.goalQR {
		return []store.PathStep{{QR: p.startQR}}, nil
	}

	gScore := map[string]int{p.startQR: 0}
	parents := map[string]cameFrom{}
	closed := map[string]struct{}{}

	open := &openHeap{}
	heap.Init(open)
	heap.Push(open, &openNode{qr: p.startQR, f: manhattan(start, goal)})

	for open.Len() > 0 {
		cur := heap.Pop(open).(*openNode)
		if cur.qr == p.goalQR {
			return reconstruct(p, parents)
		}
		if _, done := closed[cur.qr]; done {
			continue
		}
		closed[cur.qr] = struct{}{}

		curCell := p.grid.Cell(cur.qr)
		for _, dir := range []int{store.DirUp, store.DirRight, store.DirDown, store.DirLeft} {
			if !curCell.Allows(dir) {
				continue
			}
			next := p.grid.Neighbor(curCell, dir)
			if next == nil || !traversable(p, next) {
				continue
			}
			// Both sides of the edge must carry it: the neighbour has to
			// allow the reverse direction or the hop is not a real lane.
			if !next.Allows(store.OppositeDir(dir)) {
				continue
			}
			if _, done := closed[next.QR]; done {
				continue
			}

			cost := 1 + trafficPenalty(next.QR, dir, p.shuttleID, p.isCarrying, p.snap)
			tentative := gScore[cur.qr] + cost
			if prev, seen := gScore[next.QR]; seen && tentative >= prev {
				continue
			}
			gScore[next.QR] = tentative
			parents[next.QR] = cameFrom{prevQR: cur.qr, dir: dir}
			heap.Push(open, &openNode{qr: next.QR, f: tentative + manhattan(next, goal)})
		}
	}

	return nil, ErrNoPath
}

// traversable decides whether a cell may be entered mid-path. The goal cell is
// always enterable; a stored pallet only blocks a shuttle that carries one.
func traversable(p searchParams, c *catalog.Cell) bool {
	if c.QR == p.goalQR {
		return true
	}
	if c.IsBlocked {
		return false
	}
	if _, avoided := p.avoid[c.QR]; avoided {
		return false
	}
	if p.isCarrying && c.HasBox {
		return false
	}
	return true
}

// reconstruct walks parents back from the goal. Each emitted step carries the
// direction to leave that node with; the terminal step has direction 0.
func reconstruct(p searchParams, parents map[string]cameFrom) ([]store.PathStep, error) {
	var rev []store.PathStep
	qr := p.goalQR
	outDir := 0
	for {
		if len(rev) > reconstructLimit {
			return nil, ErrPathReconstruction
		}
		rev = append(rev, store.PathStep{QR: qr, Direction: outDir})
		if qr == p.startQR {
			break
		}
		from, ok := parents[qr]
		if !ok {
			return nil, ErrPathReconstruction
		}
		outDir = from.dir
		qr = from.prevQR
	}

	steps := make([]store.PathStep, len(rev))
	for i := range rev {
		steps[i] = rev[len(rev)-1-i]
	}
	return steps, nil
}
