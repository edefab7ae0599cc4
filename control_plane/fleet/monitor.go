package fleet

import (
	"context"
	"log"
	"time"

	"github.com/quaywise/shuttlecore/control_plane/observability"
)

// Monitor periodically counts live shuttles for the dashboard gauge and warns
// when the fleet goes dark. Liveness itself is the state TTL; the monitor only
// observes.
type Monitor struct {
	cache    *Cache
	interval time.Duration

	lastCount int
}

func NewMonitor(cache *Cache, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{cache: cache, interval: interval, lastCount: -1}
}

func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	all, err := m.cache.All(ctx)
	if err != nil {
		log.Printf("fleet monitor: sweep failed: %v", err)
		return
	}
	count := len(all)
	observability.ConnectedShuttles.Set(float64(count))

	if count != m.lastCount {
		if count == 0 && m.lastCount > 0 {
			log.Printf("⚠️ fleet monitor: all shuttles offline (was %d)", m.lastCount)
		} else {
			log.Printf("fleet monitor: %d shuttle(s) connected", count)
		}
		m.lastCount = count
	}
}
