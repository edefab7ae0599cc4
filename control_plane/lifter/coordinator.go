package lifter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/quaywise/shuttlecore/control_plane/bus"
	"github.com/quaywise/shuttlecore/control_plane/config"
	"github.com/quaywise/shuttlecore/control_plane/observability"
	"github.com/quaywise/shuttlecore/control_plane/store"
)

// Cab events published by the PLC bridge on the lifter:events channel.
const (
	EventArrived = "LIFTER_ARRIVED"
	EventMoving  = "LIFTER_MOVING"
)

// Event is one cab notification.
type Event struct {
	Event    string `json:"event"`
	LifterID string `json:"lifterId"`
	FloorID  int    `json:"floorId"`
}

// moveCommand is the order sent to the PLC bridge.
type moveCommand struct {
	Command string `json:"command"`
	FloorID int    `json:"floorId"`
}

// Coordinator owns cab state: where each cab is, who reserved it, and who is
// riding it. One reservation at a time per cab; the lock TTL frees a cab whose
// holder died.
type Coordinator struct {
	store store.Store
	bus   bus.Bus
	topo  *config.Topology
}

func NewCoordinator(s store.Store, b bus.Bus, topo *config.Topology) *Coordinator {
	return &Coordinator{store: s, bus: b, topo: topo}
}

// CabFloor returns the floor the cab last arrived at, or 0 when unknown.
func (c *Coordinator) CabFloor(ctx context.Context, lifterID string) (int, error) {
	raw, ok, err := c.store.Get(ctx, store.LifterFloorKey(lifterID))
	if err != nil || !ok {
		return 0, err
	}
	floor, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt cab floor for %s: %q", lifterID, raw)
	}
	return floor, nil
}

// CabReady reports whether the cab is parked at the floor and unreserved,
// without claiming it.
func (c *Coordinator) CabReady(ctx context.Context, lifterID string, floorID int) (bool, error) {
	cabFloor, err := c.CabFloor(ctx, lifterID)
	if err != nil || cabFloor != floorID {
		return false, err
	}
	owner, err := c.store.LockOwner(ctx, store.LifterLockKey(lifterID))
	if err != nil {
		return false, err
	}
	return owner == "", nil
}

// TryReserve grabs the cab for a shuttle if it is parked at the floor and
// free. Reservations are owner-reentrant so retries are harmless.
func (c *Coordinator) TryReserve(ctx context.Context, lifterID string, floorID int, shuttleID string) (bool, error) {
	cabFloor, err := c.CabFloor(ctx, lifterID)
	if err != nil {
		return false, err
	}
	if cabFloor != floorID {
		return false, nil
	}
	return c.store.AcquireLock(ctx, store.LifterLockKey(lifterID), shuttleID, store.LockTTL)
}

// Release frees the cab and clears whoever was aboard.
func (c *Coordinator) Release(ctx context.Context, lifterID string) error {
	if err := c.store.Del(ctx, store.LifterAboardKey(lifterID)); err != nil {
		return err
	}
	return c.store.ReleaseLock(ctx, store.LifterLockKey(lifterID))
}

// RequestMove orders the cab to a floor. A deactivated PLC swallows the order;
// the waiting shuttle stays parked until an operator re-enables it.
func (c *Coordinator) RequestMove(ctx context.Context, lifterID string, floorID int) error {
	active, ok, err := c.store.Get(ctx, store.PLCActiveKey(lifterID))
	if err != nil {
		return err
	}
	if ok && active == "0" {
		log.Printf("⚠️ lifter %s: PLC disabled, holding move to floor %d", lifterID, floorID)
		return nil
	}

	payload, err := json.Marshal(moveCommand{Command: "MOVE", FloorID: floorID})
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, bus.TopicLifterCommand(lifterID), payload); err != nil {
		observability.BrokerPublishFailures.WithLabelValues("lifter").Inc()
		return err
	}
	return nil
}

// EnqueueWaiting records a shuttle holding position for the cab on a floor.
func (c *Coordinator) EnqueueWaiting(ctx context.Context, floorID int, shuttleID string) error {
	if err := c.store.SAdd(ctx, store.LifterWaitingKey(floorID), shuttleID); err != nil {
		return err
	}
	c.updateWaitGauge(ctx, floorID)
	return nil
}

// DequeueWaiting removes a shuttle from a floor's waiting set.
func (c *Coordinator) DequeueWaiting(ctx context.Context, floorID int, shuttleID string) error {
	if err := c.store.SRem(ctx, store.LifterWaitingKey(floorID), shuttleID); err != nil {
		return err
	}
	c.updateWaitGauge(ctx, floorID)
	return nil
}

// Waiting returns the shuttles parked for the cab on a floor, sorted.
func (c *Coordinator) Waiting(ctx context.Context, floorID int) ([]string, error) {
	return c.store.SMembers(ctx, store.LifterWaitingKey(floorID))
}

// SetAboard marks the shuttle riding the cab.
func (c *Coordinator) SetAboard(ctx context.Context, lifterID, shuttleID string) error {
	return c.store.Set(ctx, store.LifterAboardKey(lifterID), shuttleID, store.LockTTL)
}

// Aboard returns the shuttle riding the cab, or "".
func (c *Coordinator) Aboard(ctx context.Context, lifterID string) (string, error) {
	val, _, err := c.store.Get(ctx, store.LifterAboardKey(lifterID))
	return val, err
}

// RecordArrival pins the cab to a floor; called from the event consumer.
func (c *Coordinator) RecordArrival(ctx context.Context, lifterID string, floorID int) error {
	return c.store.Set(ctx, store.LifterFloorKey(lifterID), strconv.Itoa(floorID), 0)
}

func (c *Coordinator) updateWaitGauge(ctx context.Context, floorID int) {
	n, err := c.store.SCard(ctx, store.LifterWaitingKey(floorID))
	if err != nil {
		return
	}
	observability.LifterWaits.WithLabelValues(strconv.Itoa(floorID)).Set(float64(n))
}

// WaitState loads a shuttle's persisted lifter continuation, or nil.
func (c *Coordinator) WaitState(ctx context.Context, shuttleID string) (*store.ShuttleWaitState, error) {
	raw, ok, err := c.store.Get(ctx, store.WaitStateKey(shuttleID))
	if err != nil || !ok {
		return nil, err
	}
	var ws store.ShuttleWaitState
	if err := json.Unmarshal([]byte(raw), &ws); err != nil {
		return nil, fmt.Errorf("corrupt wait state for %s: %w", shuttleID, err)
	}
	return &ws, nil
}

// ClearWaitState drops a shuttle's continuation record.
func (c *Coordinator) ClearWaitState(ctx context.Context, shuttleID string) error {
	return c.store.Del(ctx, store.WaitStateKey(shuttleID))
}
