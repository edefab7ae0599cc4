package traffic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quaywise/shuttlecore/control_plane/store"
)

// Registry persists the routes the fleet is currently driving. One JSON record
// per shuttle under shuttle:active_path:{id}; the record doubles as the input
// to corridor detection and to the pathfinder's traffic penalties.
type Registry struct {
	store store.Store

	// now is swapped in tests.
	now func() time.Time
}

func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s, now: time.Now}
}

// SavePath registers a shuttle's new route, replacing any previous one. The
// record carries its own timestamp so readers can spot staleness even when the
// key TTL has not fired yet.
func (r *Registry) SavePath(ctx context.Context, p *store.ActivePath) error {
	if p.ShuttleID == "" {
		return fmt.Errorf("active path without shuttle id")
	}
	p.Timestamp = r.now().Unix()
	p.TTLSeconds = int(store.ActivePathTTL / time.Second)
	p.Meta.PathLength = len(p.Steps)

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, store.ActivePathKey(p.ShuttleID), string(data), store.ActivePathTTL)
}

// Path returns a shuttle's active path, or nil when it has none. A record that
// outlived its embedded TTL is evicted on read.
func (r *Registry) Path(ctx context.Context, shuttleID string) (*store.ActivePath, error) {
	raw, ok, err := r.store.Get(ctx, store.ActivePathKey(shuttleID))
	if err != nil || !ok {
		return nil, err
	}
	var p store.ActivePath
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("corrupt active path for %s: %w", shuttleID, err)
	}
	if p.Expired(r.now()) {
		_ = r.store.Del(ctx, store.ActivePathKey(shuttleID))
		return nil, nil
	}
	return &p, nil
}

// DeletePath drops a shuttle's route record.
func (r *Registry) DeletePath(ctx context.Context, shuttleID string) error {
	return r.store.Del(ctx, store.ActivePathKey(shuttleID))
}

// ActivePaths returns every live route. Expired records are skipped, not
// evicted; the janitor handles eviction.
func (r *Registry) ActivePaths(ctx context.Context) ([]*store.ActivePath, error) {
	keys, err := r.store.Keys(ctx, "shuttle:active_path:*")
	if err != nil {
		return nil, err
	}
	now := r.now()
	var out []*store.ActivePath
	for _, key := range keys {
		raw, ok, err := r.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var p store.ActivePath
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		if p.Expired(now) {
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}

// StepIndex returns the position of a QR in a path, or -1.
func StepIndex(p *store.ActivePath, qr string) int {
	for i, s := range p.Steps {
		if s.QR == qr {
			return i
		}
	}
	return -1
}
