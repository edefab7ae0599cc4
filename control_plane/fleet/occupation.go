package fleet

import (
	"context"
	"strings"

	"github.com/quaywise/shuttlecore/control_plane/store"
)

// OccupationMap tracks which QR is physically held by which shuttle. Written
// only from movement events; read as a dynamic obstacle set by the pathfinder.
type OccupationMap struct {
	store store.Store
}

func NewOccupationMap(s store.Store) *OccupationMap {
	return &OccupationMap{store: s}
}

func (o *OccupationMap) BlockNode(ctx context.Context, qr string, shuttleID string) error {
	return o.store.Set(ctx, store.NodeOccupiedKey(qr), shuttleID, 0)
}

func (o *OccupationMap) UnblockNode(ctx context.Context, qr string) error {
	return o.store.Del(ctx, store.NodeOccupiedKey(qr))
}

// HandleShuttleMove clears the previous node then claims the new one.
// Unblock-first so the shuttle never appears to conflict with itself.
func (o *OccupationMap) HandleShuttleMove(ctx context.Context, shuttleID, prevQR, curQR string) error {
	if prevQR != "" && prevQR != curQR {
		if err := o.UnblockNode(ctx, prevQR); err != nil {
			return err
		}
	}
	return o.BlockNode(ctx, curQR, shuttleID)
}

// OccupantOf returns the shuttle holding a QR, or "" when free.
func (o *OccupationMap) OccupantOf(ctx context.Context, qr string) (string, error) {
	val, _, err := o.store.Get(ctx, store.NodeOccupiedKey(qr))
	return val, err
}

// Snapshot returns the full qr → shuttleID map.
func (o *OccupationMap) Snapshot(ctx context.Context) (map[string]string, error) {
	keys, err := o.store.Keys(ctx, "node:*:occupied_by")
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		val, ok, err := o.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		qr := strings.TrimSuffix(strings.TrimPrefix(key, "node:"), ":occupied_by")
		out[qr] = val
	}
	return out, nil
}
