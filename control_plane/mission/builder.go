package mission

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/quaywise/shuttlecore/control_plane/config"
	"github.com/quaywise/shuttlecore/control_plane/pathfind"
	"github.com/quaywise/shuttlecore/control_plane/store"
	"github.com/quaywise/shuttlecore/control_plane/traffic"
)

// LifterGateway is the slice of lifter coordination the builder needs.
type LifterGateway interface {
	// CabReady reports whether the cab is parked at the floor and free,
	// without claiming it.
	CabReady(ctx context.Context, lifterID string, floorID int) (bool, error)
	// TryReserve grabs the lifter for a shuttle if the cab is parked at the
	// floor and nobody holds it.
	TryReserve(ctx context.Context, lifterID string, floorID int, shuttleID string) (bool, error)
	// RequestMove asks the cab to travel to a floor; queued behind the
	// current reservation if one exists.
	RequestMove(ctx context.Context, lifterID string, floorID int) error
	// EnqueueWaiting records a shuttle holding position for the cab.
	EnqueueWaiting(ctx context.Context, floorID int, shuttleID string) error
}

// Leg is a request for the next drivable segment of a task.
type Leg struct {
	ShuttleID    string
	CurrentQR    string
	CurrentFloor int
	TargetQR     string
	TargetFloor  int
	FinalAction  int    // action at the target node
	OnArrival    string // intent when the target is reached on this floor
	Task         *store.Task
	SegmentStep  int
	IsCarrying   bool
}

// Builder turns a leg into a concrete mission. Same-floor legs become a single
// route; cross-floor legs become the boarding run toward the lifter, either
// onto the cab when it is ready or to a holding node one step short of it.
type Builder struct {
	planner  *pathfind.Planner
	registry *traffic.Registry
	store    store.Store
	topo     *config.Topology
	lifters  LifterGateway
}

func NewBuilder(planner *pathfind.Planner, registry *traffic.Registry, s store.Store, topo *config.Topology, lifters LifterGateway) *Builder {
	return &Builder{planner: planner, registry: registry, store: s, topo: topo, lifters: lifters}
}

// NextSegment plans the segment, registers its route, and returns the mission
// ready to publish. Cross-floor wait bookkeeping is persisted here so a
// restart can resume the shuttle.
func (b *Builder) NextSegment(ctx context.Context, leg Leg) (*Mission, error) {
	if leg.CurrentFloor == leg.TargetFloor {
		return b.sameFloor(ctx, leg)
	}
	return b.towardLifter(ctx, leg)
}

func (b *Builder) sameFloor(ctx context.Context, leg Leg) (*Mission, error) {
	steps, err := b.planner.FindPath(ctx, pathfind.Request{
		ShuttleID:  leg.ShuttleID,
		FloorID:    leg.CurrentFloor,
		StartQR:    leg.CurrentQR,
		GoalQR:     leg.TargetQR,
		IsCarrying: leg.IsCarrying,
	})
	if err != nil {
		return nil, fmt.Errorf("route %s → %s on floor %d: %w", leg.CurrentQR, leg.TargetQR, leg.CurrentFloor, err)
	}
	steps[len(steps)-1].Action = leg.FinalAction

	// A route across a lifter cell is only drivable while the cab is parked
	// there. A shuttle already standing on the cab is leaving it, so the
	// scan covers intermediate hops only.
	if cab, lifterQR, ok := b.topo.LifterOnFloor(leg.CurrentFloor); ok {
		for i := 1; i < len(steps)-1; i++ {
			if steps[i].QR != lifterQR {
				continue
			}
			ready, err := b.lifters.CabReady(ctx, cab.LifterID, leg.CurrentFloor)
			if err != nil {
				return nil, err
			}
			if ready {
				break
			}
			return b.holdShort(ctx, leg, cab.LifterID, lifterQR, steps[:i])
		}
	}

	m := b.assemble(leg, steps, leg.OnArrival)
	if err := b.savePath(ctx, leg, steps); err != nil {
		return nil, err
	}
	return m, nil
}

func (b *Builder) towardLifter(ctx context.Context, leg Leg) (*Mission, error) {
	lifterCab, lifterQR, ok := b.topo.LifterOnFloor(leg.CurrentFloor)
	if !ok {
		return nil, fmt.Errorf("no lifter serves floor %d", leg.CurrentFloor)
	}

	steps, err := b.planner.FindPath(ctx, pathfind.Request{
		ShuttleID:  leg.ShuttleID,
		FloorID:    leg.CurrentFloor,
		StartQR:    leg.CurrentQR,
		GoalQR:     lifterQR,
		IsCarrying: leg.IsCarrying,
	})
	if err != nil {
		return nil, fmt.Errorf("route %s → lifter %s: %w", leg.CurrentQR, lifterQR, err)
	}

	reserved, err := b.lifters.TryReserve(ctx, lifterCab.LifterID, leg.CurrentFloor, leg.ShuttleID)
	if err != nil {
		return nil, err
	}

	if reserved {
		// Cab is parked here and ours: drive all the way onto it.
		steps[len(steps)-1].Action = store.ActionStopAtNode
		m := b.assemble(leg, steps, OnArrivalArrivedAtLifter)
		if err := b.persistWait(ctx, leg, lifterCab.LifterID, lifterQR, lifterQR); err != nil {
			return nil, err
		}
		if err := b.savePath(ctx, leg, steps); err != nil {
			return nil, err
		}
		return m, nil
	}

	// Cab busy or elsewhere: hold one node short of the boarding cell so the
	// cell stays clear, summon the cab, and wait for the ready poller.
	waitSteps := steps
	if len(steps) > 1 {
		waitSteps = steps[:len(steps)-1]
	}
	return b.holdShort(ctx, leg, lifterCab.LifterID, lifterQR, waitSteps)
}

// holdShort parks the shuttle on the last of waitSteps, summons the cab, and
// leaves a wait record for the ready poller to finish the leg.
func (b *Builder) holdShort(ctx context.Context, leg Leg, lifterID, lifterQR string, waitSteps []store.PathStep) (*Mission, error) {
	waitSteps[len(waitSteps)-1].Direction = 0
	waitSteps[len(waitSteps)-1].Action = store.ActionStopAtNode
	waitQR := waitSteps[len(waitSteps)-1].QR

	if err := b.persistWait(ctx, leg, lifterID, lifterQR, waitQR); err != nil {
		return nil, err
	}
	if err := b.lifters.EnqueueWaiting(ctx, leg.CurrentFloor, leg.ShuttleID); err != nil {
		return nil, err
	}
	if err := b.lifters.RequestMove(ctx, lifterID, leg.CurrentFloor); err != nil {
		log.Printf("⚠️ lifter %s: summon to floor %d failed: %v", lifterID, leg.CurrentFloor, err)
	}

	m := b.assemble(leg, waitSteps, OnArrivalWaitingForLifter)
	if err := b.savePath(ctx, leg, waitSteps); err != nil {
		return nil, err
	}
	return m, nil
}

func (b *Builder) assemble(leg Leg, steps []store.PathStep, onArrival string) *Mission {
	return &Mission{
		ShuttleID: leg.ShuttleID,
		Steps:     steps,
		Meta: Meta{
			TaskID:             leg.Task.TaskID,
			OnArrival:          onArrival,
			Step:               leg.SegmentStep,
			FinalTargetQR:      leg.TargetQR,
			FinalTargetFloorID: leg.TargetFloor,
			PickupQR:           leg.Task.PickupQR,
			EndQR:              leg.Task.EndQR,
			ItemInfo:           leg.Task.ItemInfo,
			IsCarrying:         leg.IsCarrying,
		},
	}
}

func (b *Builder) savePath(ctx context.Context, leg Leg, steps []store.PathStep) error {
	return b.registry.SavePath(ctx, &store.ActivePath{
		ShuttleID: leg.ShuttleID,
		Steps:     steps,
		Meta: store.PathMeta{
			TaskID:     leg.Task.TaskID,
			IsCarrying: leg.IsCarrying,
			Priority:   leg.Task.Priority,
			EndQR:      leg.TargetQR,
			EndFloorID: leg.TargetFloor,
		},
	})
}

// persistWait records the cross-floor continuation so the ready poller (or a
// restarted process) can board the shuttle and finish the task.
func (b *Builder) persistWait(ctx context.Context, leg Leg, lifterID, lifterQR, waitQR string) error {
	ws := store.ShuttleWaitState{
		ShuttleID:     leg.ShuttleID,
		TaskID:        leg.Task.TaskID,
		LifterID:      lifterID,
		LifterQR:      lifterQR,
		BoardingFloor: leg.CurrentFloor,
		WaitQR:        waitQR,
		FinalTargetQR: leg.TargetQR,
		FinalFloorID:  leg.TargetFloor,
		OnArrival:     leg.OnArrival,
		IsCarrying:    leg.IsCarrying,
		CreatedAt:     time.Now(),
	}
	data, err := json.Marshal(ws)
	if err != nil {
		return err
	}
	return b.store.Set(ctx, store.WaitStateKey(leg.ShuttleID), string(data), store.ActivePathTTL)
}
