package rows

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/quaywise/shuttlecore/control_plane/catalog"
	"github.com/quaywise/shuttlecore/control_plane/store"
)

// Row travel directions. A row accepts traffic one way at a time so shuttles
// never meet head-on inside it.
const (
	FlowLTR = 1
	FlowRTL = 2
)

// DirectionFor picks the flow that reaches the endpoint without reversing
// inside the row.
func DirectionFor(pickupCol, endCol int) int {
	if endCol >= pickupCol {
		return FlowLTR
	}
	return FlowRTL
}

// Guard arbitrates row access. The direction key says which way the row
// currently flows; the holder set says who is inside. The direction falls when
// the last holder leaves, or by TTL if a holder crashes.
type Guard struct {
	store   store.Store
	catalog catalog.Catalog
}

func NewGuard(s store.Store, cat catalog.Catalog) *Guard {
	return &Guard{store: s, catalog: cat}
}

// Acquire admits a shuttle into a row flowing in dir. Fails when the row
// already flows the other way.
func (g *Guard) Acquire(ctx context.Context, floorID, row int, shuttleID string, dir int) (bool, error) {
	key := store.RowDirectionKey(floorID, row)
	set, err := g.store.SetNX(ctx, key, strconv.Itoa(dir), store.LockTTL)
	if err != nil {
		return false, err
	}
	if !set {
		cur, ok, err := g.store.Get(ctx, key)
		if err != nil {
			return false, err
		}
		if ok && cur != strconv.Itoa(dir) {
			return false, nil
		}
		// Same flow: refresh the TTL so an active row never lapses.
		if err := g.store.Expire(ctx, key, store.LockTTL); err != nil {
			return false, err
		}
	}
	if err := g.store.SAdd(ctx, store.RowHoldersKey(floorID, row), shuttleID); err != nil {
		return false, err
	}
	return true, nil
}

// Release removes a shuttle from the row and frees the direction when the row
// empties.
func (g *Guard) Release(ctx context.Context, floorID, row int, shuttleID string) error {
	holders := store.RowHoldersKey(floorID, row)
	if err := g.store.SRem(ctx, holders, shuttleID); err != nil {
		return err
	}
	n, err := g.store.SCard(ctx, holders)
	if err != nil {
		return err
	}
	if n == 0 {
		return g.store.Del(ctx, store.RowDirectionKey(floorID, row), holders)
	}
	return nil
}

// ForceClear drops the row's direction and holders unconditionally. Operator
// escape hatch for a wedged row.
func (g *Guard) ForceClear(ctx context.Context, floorID, row int) error {
	return g.store.Del(ctx,
		store.RowDirectionKey(floorID, row),
		store.RowHoldersKey(floorID, row))
}

// Flow returns the row's current direction, or 0 when the row is idle.
func (g *Guard) Flow(ctx context.Context, floorID, row int) (int, error) {
	raw, ok, err := g.store.Get(ctx, store.RowDirectionKey(floorID, row))
	if err != nil || !ok {
		return 0, err
	}
	dir, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt row direction %q", raw)
	}
	return dir, nil
}

// PinBatchRow ties a batch to one floor/row so its pallets fill contiguously
// even when scheduling interleaves with other batches.
func (g *Guard) PinBatchRow(ctx context.Context, batchID string, floorID, row int) error {
	val := fmt.Sprintf("%d:%d", floorID, row)
	return g.store.Set(ctx, store.RowPinKey(batchID), val, store.RowPinTTL)
}

// PinnedRow returns a batch's pinned floor/row, if any.
func (g *Guard) PinnedRow(ctx context.Context, batchID string) (floorID, row int, ok bool, err error) {
	raw, found, err := g.store.Get(ctx, store.RowPinKey(batchID))
	if err != nil || !found {
		return 0, 0, false, err
	}
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false, fmt.Errorf("corrupt row pin %q for batch %s", raw, batchID)
	}
	floorID, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false, err
	}
	row, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false, err
	}
	return floorID, row, true, nil
}

// ClearPin drops a batch's row pin once the row is done.
func (g *Guard) ClearPin(ctx context.Context, batchID string) error {
	return g.store.Del(ctx, store.RowPinKey(batchID))
}

// NearestInRow substitutes an endpoint inside a row: the free compatible cell
// closest to the row's entry side for the given flow. Returns ErrNotFound when
// the row is full.
func (g *Guard) NearestInRow(ctx context.Context, palletType string, floorID, row, dir int) (*catalog.Cell, error) {
	cells, err := g.catalog.AvailableCells(ctx, palletType, floorID, row)
	if err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		return nil, catalog.ErrNotFound
	}
	if dir == FlowRTL {
		return cells[len(cells)-1], nil
	}
	return cells[0], nil
}
