package catalog

import (
	"context"
	"sort"
	"sync"
)

// MemoryCatalog is the test double. Cells are keyed by (qr, floorID); ordering
// of AvailableCells mirrors the SQL (row asc, col asc).
type MemoryCatalog struct {
	mu     sync.Mutex
	cells  []*Cell
	floors []*Floor
}

func NewMemoryCatalog(cells []*Cell, floors []*Floor) *MemoryCatalog {
	return &MemoryCatalog{cells: cells, floors: floors}
}

func (c *MemoryCatalog) AddCell(cell *Cell) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cells = append(c.cells, cell)
}

func (c *MemoryCatalog) CellByQR(_ context.Context, qr string, floorID int) (*Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cell := range c.cells {
		if cell.QR == qr && cell.FloorID == floorID {
			cp := *cell
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (c *MemoryCatalog) CellByID(_ context.Context, id int64) (*Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cell := range c.cells {
		if cell.ID == id {
			cp := *cell
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (c *MemoryCatalog) FloorCells(_ context.Context, floorID int) ([]*Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Cell
	for _, cell := range c.cells {
		if cell.FloorID == floorID {
			cp := *cell
			out = append(out, &cp)
		}
	}
	sortCells(out)
	return out, nil
}

func (c *MemoryCatalog) AvailableCells(_ context.Context, palletType string, floorID int, row int) ([]*Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Cell
	for _, cell := range c.cells {
		if cell.FloorID != floorID || cell.CellType != CellStorage {
			continue
		}
		if cell.IsBlocked || cell.HasBox {
			continue
		}
		if cell.PalletType != "" && cell.PalletType != palletType {
			continue
		}
		if row > 0 && cell.Row != row {
			continue
		}
		cp := *cell
		out = append(out, &cp)
	}
	sortCells(out)
	return out, nil
}

func (c *MemoryCatalog) LifterCell(_ context.Context, floorID int) (*Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cell := range c.cells {
		if cell.FloorID == floorID && cell.CellType == CellLifter {
			cp := *cell
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (c *MemoryCatalog) RackFloors(_ context.Context, rackID string) ([]*Floor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Floor
	for _, f := range c.floors {
		if f.RackID == rackID {
			cp := *f
			out = append(out, &cp)
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FloorOrder < out[j].FloorOrder })
	return out, nil
}

func (c *MemoryCatalog) SetCellBox(_ context.Context, qr string, floorID int, palletID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cell := range c.cells {
		if cell.QR == qr && cell.FloorID == floorID {
			cell.HasBox = true
			cell.PalletID = palletID
			return nil
		}
	}
	return ErrNotFound
}

func (c *MemoryCatalog) StoredPallets(_ context.Context, palletIDs []string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := make(map[string]struct{}, len(palletIDs))
	for _, id := range palletIDs {
		want[id] = struct{}{}
	}
	var stored []string
	for _, cell := range c.cells {
		if !cell.HasBox || cell.PalletID == "" {
			continue
		}
		if _, ok := want[cell.PalletID]; ok {
			stored = append(stored, cell.PalletID)
		}
	}
	return stored, nil
}

func sortCells(cells []*Cell) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Row != cells[j].Row {
			return cells[i].Row < cells[j].Row
		}
		return cells[i].Col < cells[j].Col
	})
}
