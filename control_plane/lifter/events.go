package lifter

import (
	"context"
	"encoding/json"
	"log"

	"github.com/quaywise/shuttlecore/control_plane/mission"
	"github.com/quaywise/shuttlecore/control_plane/store"
)

// Consumer reacts to cab notifications from the PLC bridge. Arrival with a
// rider aboard on the rider's destination floor triggers the disembark run;
// a moving cab is unpinned so nobody reserves it mid-flight.
type Consumer struct {
	coord     *Coordinator
	store     store.Store
	builder   *mission.Builder
	publisher *mission.Publisher
}

func NewConsumer(coord *Coordinator, s store.Store, builder *mission.Builder, publisher *mission.Publisher) *Consumer {
	return &Consumer{coord: coord, store: s, builder: builder, publisher: publisher}
}

func (c *Consumer) Start(ctx context.Context) error {
	ch, cancel, err := c.store.Subscribe(ctx, store.ChannelLifterEvents)
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.handle(ctx, msg)
			}
		}
	}()
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg string) {
	var ev Event
	if err := json.Unmarshal([]byte(msg), &ev); err != nil {
		log.Printf("lifter events: dropping malformed message: %v", err)
		return
	}
	switch ev.Event {
	case EventMoving:
		// Unpin the cab; TryReserve must fail until the next arrival.
		if err := c.store.Del(ctx, store.LifterFloorKey(ev.LifterID)); err != nil {
			log.Printf("lifter %s: unpin failed: %v", ev.LifterID, err)
		}
	case EventArrived:
		c.onArrived(ctx, ev)
	default:
		log.Printf("lifter events: unknown event %q", ev.Event)
	}
}

func (c *Consumer) onArrived(ctx context.Context, ev Event) {
	if err := c.coord.RecordArrival(ctx, ev.LifterID, ev.FloorID); err != nil {
		log.Printf("lifter %s: record arrival: %v", ev.LifterID, err)
		return
	}

	rider, err := c.coord.Aboard(ctx, ev.LifterID)
	if err != nil || rider == "" {
		return
	}
	ws, err := c.coord.WaitState(ctx, rider)
	if err != nil || ws == nil {
		log.Printf("⚠️ lifter %s: rider %s has no wait state, releasing cab", ev.LifterID, rider)
		_ = c.coord.Release(ctx, ev.LifterID)
		return
	}
	if ws.FinalFloorID != ev.FloorID {
		return // intermediate stop
	}

	// Disembark: drive off the cab to the task's target on this floor.
	go c.disembark(ctx, ev, rider, ws)
}

func (c *Consumer) disembark(ctx context.Context, ev Event, rider string, ws *store.ShuttleWaitState) {
	fields, err := c.store.HGetAll(ctx, store.TaskKey(ws.TaskID))
	if err != nil {
		log.Printf("⚠️ lifter %s: disembark %s: %v", ev.LifterID, rider, err)
		return
	}
	task, err := store.TaskFromFields(fields)
	if err != nil {
		log.Printf("⚠️ lifter %s: disembark %s: %v", ev.LifterID, rider, err)
		return
	}

	m, err := c.builder.NextSegment(ctx, mission.Leg{
		ShuttleID:    rider,
		CurrentQR:    ws.LifterQR,
		CurrentFloor: ev.FloorID,
		TargetQR:     ws.FinalTargetQR,
		TargetFloor:  ws.FinalFloorID,
		FinalAction:  finalAction(ws.OnArrival),
		OnArrival:    ws.OnArrival,
		Task:         task,
		IsCarrying:   ws.IsCarrying,
	})
	if err != nil {
		log.Printf("⚠️ lifter %s: disembark route for %s: %v", ev.LifterID, rider, err)
		return
	}
	if err := c.publisher.PublishAndConfirm(ctx, m); err != nil {
		log.Printf("⚠️ lifter %s: disembark mission for %s not accepted: %v", ev.LifterID, rider, err)
		return
	}

	if err := c.coord.Release(ctx, ev.LifterID); err != nil {
		log.Printf("lifter %s: release: %v", ev.LifterID, err)
	}
	if err := c.coord.ClearWaitState(ctx, rider); err != nil {
		log.Printf("lifter %s: clear wait state for %s: %v", ev.LifterID, rider, err)
	}
	log.Printf("✅ lifter %s: %s disembarked on floor %d", ev.LifterID, rider, ev.FloorID)
}

func finalAction(onArrival string) int {
	switch onArrival {
	case mission.OnArrivalPickupComplete:
		return store.ActionPickUp
	case mission.OnArrivalTaskComplete:
		return store.ActionDropOff
	}
	return store.ActionStopAtNode
}
