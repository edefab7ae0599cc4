package pathfind

import (
	"github.com/quaywise/shuttlecore/control_plane/catalog"
	"github.com/quaywise/shuttlecore/control_plane/store"
)

// Grid is one floor's cells indexed for neighbor lookups. Columns grow to the
// right, rows grow downward, so DirUp is row-1.
type Grid struct {
	FloorID int
	byQR    map[string]*catalog.Cell
	byPos   map[[2]int]*catalog.Cell
}

func BuildGrid(floorID int, cells []*catalog.Cell) *Grid {
	g := &Grid{
		FloorID: floorID,
		byQR:    make(map[string]*catalog.Cell, len(cells)),
		byPos:   make(map[[2]int]*catalog.Cell, len(cells)),
	}
	for _, c := range cells {
		g.byQR[c.QR] = c
		g.byPos[[2]int{c.Col, c.Row}] = c
	}
	return g
}

func (g *Grid) Cell(qr string) *catalog.Cell {
	return g.byQR[qr]
}

// Neighbor returns the adjacent cell in a grid direction, or nil at the edge.
func (g *Grid) Neighbor(c *catalog.Cell, dir int) *catalog.Cell {
	col, row := c.Col, c.Row
	switch dir {
	case store.DirUp:
		row--
	case store.DirDown:
		row++
	case store.DirLeft:
		col--
	case store.DirRight:
		col++
	default:
		return nil
	}
	return g.byPos[[2]int{col, row}]
}

// manhattan is the admissible heuristic: traffic penalties only ever add cost.
func manhattan(a, b *catalog.Cell) int {
	dc := a.Col - b.Col
	if dc < 0 {
		dc = -dc
	}
	dr := a.Row - b.Row
	if dr < 0 {
		dr = -dr
	}
	return dc + dr
}
