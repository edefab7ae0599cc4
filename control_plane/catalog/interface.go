package catalog

import "context"

// Catalog is the read-mostly gateway to the physical warehouse model. The
// relational schema itself is owned by the warehouse management side; the
// control plane only queries it, plus the single has_box write on completion.
type Catalog interface {
	// CellByQR resolves a cell by its printed code. (qr, floorID) is unique.
	CellByQR(ctx context.Context, qr string, floorID int) (*Cell, error)
	CellByID(ctx context.Context, id int64) (*Cell, error)

	// FloorCells returns every cell of one floor; graph input for pathfinding.
	FloorCells(ctx context.Context, floorID int) ([]*Cell, error)

	// AvailableCells returns unblocked, empty storage cells compatible with
	// palletType on the floor, FIFO ordered (row asc, col asc). row > 0
	// restricts to that row.
	AvailableCells(ctx context.Context, palletType string, floorID int, row int) ([]*Cell, error)

	// LifterCell returns the lifter cell of a floor.
	LifterCell(ctx context.Context, floorID int) (*Cell, error)

	// RackFloors lists a rack's floors in floor_order.
	RackFloors(ctx context.Context, rackID string) ([]*Floor, error)

	// SetCellBox marks a cell occupied by a stored pallet.
	SetCellBox(ctx context.Context, qr string, floorID int, palletID string) error

	// StoredPallets returns which of the given pallet IDs already sit in a
	// cell; used by ingestion dedup.
	StoredPallets(ctx context.Context, palletIDs []string) ([]string, error)
}
