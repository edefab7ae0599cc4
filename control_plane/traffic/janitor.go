package traffic

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/quaywise/shuttlecore/control_plane/observability"
	"github.com/quaywise/shuttlecore/control_plane/store"
)

// Janitor evicts stale route records and keeps the traffic gauges current.
// Eviction matters beyond hygiene: a dead shuttle's path would otherwise keep
// penalizing everyone else's routes until the key TTL fires.
type Janitor struct {
	store    store.Store
	registry *Registry
	interval time.Duration
}

func NewJanitor(s store.Store, registry *Registry, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Janitor{store: s, registry: registry, interval: interval}
}

func (j *Janitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *Janitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one eviction pass.
func (j *Janitor) Sweep(ctx context.Context) {
	keys, err := j.store.Keys(ctx, "shuttle:active_path:*")
	if err != nil {
		log.Printf("path janitor: scan failed: %v", err)
		return
	}

	now := time.Now()
	live, evicted := 0, 0
	for _, key := range keys {
		raw, ok, err := j.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var p store.ActivePath
		if err := json.Unmarshal([]byte(raw), &p); err != nil || p.Expired(now) {
			if delErr := j.store.Del(ctx, key); delErr == nil {
				evicted++
				observability.StalePathsEvicted.Inc()
			}
			continue
		}
		live++
	}

	observability.ActivePaths.Set(float64(live))
	if evicted > 0 {
		log.Printf("path janitor: evicted %d stale path(s), %d live", evicted, live)
	}

	paths, err := j.registry.ActivePaths(ctx)
	if err != nil {
		return
	}
	observability.TrafficCorridors.Set(float64(len(DetectCorridors(paths))))
}
