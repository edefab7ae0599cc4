package catalog

import (
	"errors"

	"github.com/quaywise/shuttlecore/control_plane/store"
)

// ErrNotFound is returned when a cell, floor or rack is missing. Callers
// decide the recovery: the scheduler re-queues, the dispatcher skips, the
// event listener fails the task.
var ErrNotFound = errors.New("catalog: not found")

// Cell types.
const (
	CellStorage = "storage"
	CellPickup  = "pickup"
	CellLifter  = "lifter"
	CellAisle   = "aisle"
)

// Cell is one addressable warehouse position. Read-only to the control plane
// except for the has_box / pallet_id write on task completion.
type Cell struct {
	ID         int64
	QR         string
	Name       string
	Col        int
	Row        int
	FloorID    int
	RackID     string
	CellType   string
	Directions []string // subset of up/down/left/right the cell may be exited through
	IsBlocked  bool
	HasBox     bool
	PalletID   string
	PalletType string // compatible pallet type, empty = any
}

// Allows reports whether the cell may be traversed in the given grid direction.
func (c *Cell) Allows(dir int) bool {
	var name string
	switch dir {
	case store.DirUp:
		name = "up"
	case store.DirDown:
		name = "down"
	case store.DirLeft:
		name = "left"
	case store.DirRight:
		name = "right"
	default:
		return false
	}
	for _, d := range c.Directions {
		if d == name {
			return true
		}
	}
	return false
}

// Floor belongs to a rack; FloorOrder gives the rack's bottom-up ordering.
type Floor struct {
	FloorID    int
	RackID     string
	FloorOrder int
	Name       string
}
