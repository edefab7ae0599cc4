package main

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/quaywise/shuttlecore/control_plane/fleet"
	"github.com/quaywise/shuttlecore/control_plane/store"
)

// ShuttleView is the operator-facing slice of one shuttle's state.
type ShuttleView struct {
	ID         string `json:"id"`
	CurrentQR  string `json:"currentQr"`
	FloorID    int    `json:"floorId"`
	Status     int    `json:"status"`
	TaskID     string `json:"taskId,omitempty"`
	TargetQR   string `json:"targetQr,omitempty"`
	IsCarrying bool   `json:"isCarrying"`
}

// QueueDepths are the pipeline depths the operator UI graphs.
type QueueDepths struct {
	Staging   int64 `json:"staging"`
	Pending   int64 `json:"pending"`
	Executing int64 `json:"executing"`
	Active    int   `json:"active"`
}

// ConflictView is one unresolved standoff.
type ConflictView struct {
	ShuttleID string `json:"shuttleId"`
	Status    string `json:"status"`
	TargetQR  string `json:"targetQr,omitempty"`
	Retries   int    `json:"retries"`
}

// FleetSnapshot is one dashboard frame.
type FleetSnapshot struct {
	GeneratedAt   time.Time      `json:"generatedAt"`
	Shuttles      []ShuttleView  `json:"shuttles"`
	Queues        QueueDepths    `json:"queues"`
	Conflicts     []ConflictView `json:"conflicts"`
	ParkingUsed   int            `json:"parkingUsed"`
	BacktrackUsed int            `json:"backtrackUsed"`
}

// DashboardService aggregates the store into one snapshot per request. It
// holds no state of its own; every frame is read fresh.
type DashboardService struct {
	store store.Store
	fleet *fleet.Cache
}

func NewDashboardService(s store.Store, cache *fleet.Cache) *DashboardService {
	return &DashboardService{store: s, fleet: cache}
}

func (d *DashboardService) Snapshot(ctx context.Context) (*FleetSnapshot, error) {
	snap := &FleetSnapshot{GeneratedAt: time.Now()}

	states, err := d.fleet.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range states {
		snap.Shuttles = append(snap.Shuttles, ShuttleView{
			ID:         s.ID,
			CurrentQR:  s.CurrentQR,
			FloorID:    s.FloorID,
			Status:     s.ShuttleStatus,
			TaskID:     s.TaskID,
			TargetQR:   s.TargetQR,
			IsCarrying: s.IsCarrying,
		})
	}

	snap.Queues.Staging, _ = d.store.LLen(ctx, store.KeyStagingQueue)
	snap.Queues.Pending, _ = d.store.ZCard(ctx, store.KeyPendingTasks)
	snap.Queues.Executing, _ = d.store.SCard(ctx, store.KeyExecutingFleet)
	if raw, ok, _ := d.store.Get(ctx, store.KeyActiveShuttles); ok {
		snap.Queues.Active, _ = strconv.Atoi(raw)
	}

	keys, err := d.store.Keys(ctx, "conflict:state:*")
	if err == nil {
		for _, key := range keys {
			raw, ok, err := d.store.Get(ctx, key)
			if err != nil || !ok {
				continue
			}
			var cs store.ConflictState
			if json.Unmarshal([]byte(raw), &cs) != nil {
				continue
			}
			snap.Conflicts = append(snap.Conflicts, ConflictView{
				ShuttleID: cs.ShuttleID,
				Status:    cs.Status,
				TargetQR:  cs.TargetQR,
				Retries:   cs.Retries,
			})
		}
	}

	if raw, ok, _ := d.store.Get(ctx, store.KeyStatsParkingUsed); ok {
		snap.ParkingUsed, _ = strconv.Atoi(raw)
	}
	if raw, ok, _ := d.store.Get(ctx, store.KeyStatsBacktrackUsed); ok {
		snap.BacktrackUsed, _ = strconv.Atoi(raw)
	}
	return snap, nil
}
