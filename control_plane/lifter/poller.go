package lifter

import (
	"context"
	"log"
	"time"

	"github.com/quaywise/shuttlecore/control_plane/config"
	"github.com/quaywise/shuttlecore/control_plane/mission"
	"github.com/quaywise/shuttlecore/control_plane/store"
)

// Poller boards waiting shuttles. Every tick it looks for a free cab with
// shuttles parked on its floor, reserves it for the head of the line, and
// publishes the short boarding run. Floors with waiters but no cab get a
// summon instead.
type Poller struct {
	coord     *Coordinator
	store     store.Store
	builder   *mission.Builder
	publisher *mission.Publisher
	topo      *config.Topology
	interval  time.Duration
}

func NewPoller(coord *Coordinator, s store.Store, builder *mission.Builder, publisher *mission.Publisher, topo *config.Topology, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 750 * time.Millisecond
	}
	return &Poller{coord: coord, store: s, builder: builder, publisher: publisher, topo: topo, interval: interval}
}

func (p *Poller) Start(ctx context.Context) {
	go p.loop(ctx)
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one boarding pass over every cab.
func (p *Poller) Sweep(ctx context.Context) {
	for i := range p.topo.Lifters {
		l := &p.topo.Lifters[i]
		p.sweepCab(ctx, l)
	}
}

func (p *Poller) sweepCab(ctx context.Context, l *config.Lifter) {
	owner, err := p.store.LockOwner(ctx, store.LifterLockKey(l.LifterID))
	if err != nil || owner != "" {
		return // reserved or unreadable, nothing to board
	}

	cabFloor, err := p.coord.CabFloor(ctx, l.LifterID)
	if err != nil {
		log.Printf("lifter %s: cab floor unknown: %v", l.LifterID, err)
		return
	}
	if cabFloor == 0 {
		return // cab position not reported yet
	}

	waiting, err := p.coord.Waiting(ctx, cabFloor)
	if err != nil {
		return
	}
	if len(waiting) > 0 {
		p.board(ctx, l, cabFloor, waiting[0])
		return
	}

	// Cab idle with nobody here: send it to the nearest floor with waiters.
	for floorID := range l.Floors {
		if floorID == cabFloor {
			continue
		}
		others, err := p.coord.Waiting(ctx, floorID)
		if err != nil || len(others) == 0 {
			continue
		}
		if err := p.coord.RequestMove(ctx, l.LifterID, floorID); err != nil {
			log.Printf("⚠️ lifter %s: summon to floor %d failed: %v", l.LifterID, floorID, err)
		}
		return
	}
}

func (p *Poller) board(ctx context.Context, l *config.Lifter, floorID int, shuttleID string) {
	ws, err := p.coord.WaitState(ctx, shuttleID)
	if err != nil {
		log.Printf("lifter %s: wait state for %s: %v", l.LifterID, shuttleID, err)
		return
	}
	if ws == nil {
		// Stale queue entry; the shuttle's wait expired or was torn down.
		_ = p.coord.DequeueWaiting(ctx, floorID, shuttleID)
		return
	}

	reserved, err := p.coord.TryReserve(ctx, l.LifterID, floorID, shuttleID)
	if err != nil || !reserved {
		return
	}

	task, err := p.loadTask(ctx, ws.TaskID)
	if err != nil {
		log.Printf("⚠️ lifter %s: boarding %s: %v", l.LifterID, shuttleID, err)
		_ = p.coord.Release(ctx, l.LifterID)
		return
	}

	m, err := p.builder.NextSegment(ctx, mission.Leg{
		ShuttleID:    shuttleID,
		CurrentQR:    ws.WaitQR,
		CurrentFloor: floorID,
		TargetQR:     ws.LifterQR,
		TargetFloor:  floorID,
		FinalAction:  store.ActionStopAtNode,
		OnArrival:    mission.OnArrivalArrivedAtLifter,
		Task:         task,
		IsCarrying:   ws.IsCarrying,
	})
	if err != nil {
		log.Printf("⚠️ lifter %s: boarding route for %s: %v", l.LifterID, shuttleID, err)
		_ = p.coord.Release(ctx, l.LifterID)
		return
	}

	if err := p.publisher.PublishAndConfirm(ctx, m); err != nil {
		log.Printf("⚠️ lifter %s: boarding mission for %s not accepted: %v", l.LifterID, shuttleID, err)
		_ = p.coord.Release(ctx, l.LifterID)
		return
	}

	_ = p.coord.DequeueWaiting(ctx, floorID, shuttleID)
	log.Printf("✅ lifter %s: boarding %s on floor %d", l.LifterID, shuttleID, floorID)
}

func (p *Poller) loadTask(ctx context.Context, taskID string) (*store.Task, error) {
	fields, err := p.store.HGetAll(ctx, store.TaskKey(taskID))
	if err != nil {
		return nil, err
	}
	return store.TaskFromFields(fields)
}
