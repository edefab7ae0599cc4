package conflict

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"time"

	"github.com/quaywise/shuttlecore/control_plane/catalog"
	"github.com/quaywise/shuttlecore/control_plane/config"
	"github.com/quaywise/shuttlecore/control_plane/fleet"
	"github.com/quaywise/shuttlecore/control_plane/mission"
	"github.com/quaywise/shuttlecore/control_plane/observability"
	"github.com/quaywise/shuttlecore/control_plane/pathfind"
	"github.com/quaywise/shuttlecore/control_plane/store"
	"github.com/quaywise/shuttlecore/control_plane/traffic"
)

// Conflict resolution tuning. A yielding shuttle escalates from cheap options
// to expensive ones: clear a parking bay, back out of the lane, accept a
// detour, and finally take any route at all.
const (
	parkingRadius  = 2
	maxBacktrack   = 5
	maxRetries     = 5
	retryDelay     = 10 * time.Second
	escalationStep = 15 * time.Second
	emergencyAfter = 45 * time.Second

	baseAcceptEmpty   = 2.0
	baseAcceptCarrier = 1.4
	retryAcceptBump   = 0.5
	waitAcceptBump    = 0.5
)

// Resolver untangles standoffs reported via shuttle-waiting events. All state
// lives in the store so concurrent reports and process restarts see the same
// picture.
type Resolver struct {
	store      store.Store
	fleet      *fleet.Cache
	occupation *fleet.OccupationMap
	registry   *traffic.Registry
	planner    *pathfind.Planner
	builder    *mission.Builder
	publisher  *mission.Publisher
	catalog    catalog.Catalog
	topo       *config.Topology

	// retryAfter is swapped in tests to avoid real sleeps.
	retryAfter func(ctx context.Context, d time.Duration, fn func())
}

func NewResolver(s store.Store, cache *fleet.Cache, occ *fleet.OccupationMap, reg *traffic.Registry,
	planner *pathfind.Planner, builder *mission.Builder, publisher *mission.Publisher,
	cat catalog.Catalog, topo *config.Topology) *Resolver {
	r := &Resolver{
		store:      s,
		fleet:      cache,
		occupation: occ,
		registry:   reg,
		planner:    planner,
		builder:    builder,
		publisher:  publisher,
		catalog:    cat,
		topo:       topo,
	}
	r.retryAfter = func(ctx context.Context, d time.Duration, fn func()) {
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(d):
				fn()
			}
		}()
	}
	return r
}

// ResolveWaiting handles one blocked-shuttle report.
func (r *Resolver) ResolveWaiting(ctx context.Context, shuttleID, blockedQR, blockedBy string) {
	state, err := r.fleet.Get(ctx, shuttleID)
	if err != nil || state == nil {
		log.Printf("conflict: no live state for waiting shuttle %s", shuttleID)
		return
	}
	path, err := r.registry.Path(ctx, shuttleID)
	if err != nil || path == nil {
		log.Printf("conflict: %s waiting without an active path, nothing to resolve", shuttleID)
		return
	}

	cs, err := r.conflictState(ctx, shuttleID)
	if err != nil {
		log.Printf("conflict: state for %s: %v", shuttleID, err)
		return
	}
	if cs == nil {
		cs = &store.ConflictState{
			ShuttleID:    shuttleID,
			Status:       "WAITING",
			TargetQR:     path.Meta.EndQR,
			WaitingSince: time.Now().Unix(),
			OriginalLen:  path.Meta.PathLength,
		}
	}
	waited := time.Since(time.Unix(cs.WaitingSince, 0))

	// Past the hard limit nothing is negotiated anymore.
	if waited >= emergencyAfter {
		r.reroute(ctx, state, cs, "emergency")
		return
	}

	blockerID := r.identifyBlocker(ctx, state, path, blockedQR, blockedBy)
	blocker, _ := r.lookupState(ctx, blockerID)

	if blocker != nil && blocker.TaskID != "" && r.hasPriority(ctx, state, blocker) {
		// The other side yields; we hold position and keep the clock running.
		if err := r.saveConflictState(ctx, cs); err != nil {
			log.Printf("conflict: persist wait for %s: %v", shuttleID, err)
		}
		observability.ConflictOutcomes.WithLabelValues("wait").Inc()
		r.yieldBlocker(ctx, blocker)
		r.scheduleRetry(ctx, shuttleID, blockedQR)
		return
	}

	r.yield(ctx, state, path, cs)
}

// yieldBlocker pushes the losing blocker through the escalation ladder so the
// lane actually clears. A blocker without an active path has nowhere defined
// to return to and is left for its own waiting report.
func (r *Resolver) yieldBlocker(ctx context.Context, blocker *fleet.State) {
	path, err := r.registry.Path(ctx, blocker.ID)
	if err != nil || path == nil {
		return
	}
	cs, err := r.conflictState(ctx, blocker.ID)
	if err != nil {
		log.Printf("conflict: state for blocker %s: %v", blocker.ID, err)
		return
	}
	if cs == nil {
		cs = &store.ConflictState{
			ShuttleID:    blocker.ID,
			Status:       "WAITING",
			TargetQR:     path.Meta.EndQR,
			WaitingSince: time.Now().Unix(),
			OriginalLen:  path.Meta.PathLength,
		}
	}
	r.yield(ctx, blocker, path, cs)
}

// yield runs the escalation ladder for the losing side.
func (r *Resolver) yield(ctx context.Context, state *fleet.State, path *store.ActivePath, cs *store.ConflictState) {
	if r.tryParking(ctx, state, cs) {
		return
	}
	if r.tryBacktrack(ctx, state, path, cs) {
		return
	}
	if r.tryReroute(ctx, state, cs) {
		return
	}

	cs.Retries++
	if cs.Retries >= maxRetries {
		r.reroute(ctx, state, cs, "emergency")
		return
	}
	if err := r.saveConflictState(ctx, cs); err != nil {
		log.Printf("conflict: persist retry for %s: %v", state.ID, err)
	}
	observability.ConflictOutcomes.WithLabelValues("wait").Inc()
	r.scheduleRetry(ctx, state.ID, state.CurrentQR)
}

// identifyBlocker finds who is in the way: the shuttle's own report, then the
// occupation map at the next step, then a fleet scan of that node.
func (r *Resolver) identifyBlocker(ctx context.Context, state *fleet.State, path *store.ActivePath, blockedQR, blockedBy string) string {
	if blockedBy != "" {
		return blockedBy
	}
	nextQR := blockedQR
	if nextQR == "" || nextQR == state.CurrentQR {
		idx := traffic.StepIndex(path, state.CurrentQR)
		if idx >= 0 && idx+1 < len(path.Steps) {
			nextQR = path.Steps[idx+1].QR
		}
	}
	if nextQR == "" {
		return ""
	}
	if occupant, err := r.occupation.OccupantOf(ctx, nextQR); err == nil && occupant != "" && occupant != state.ID {
		return occupant
	}
	all, err := r.fleet.All(ctx)
	if err != nil {
		return ""
	}
	for _, s := range all {
		if s.ID != state.ID && s.CurrentQR == nextQR {
			return s.ID
		}
	}
	return ""
}

// hasPriority decides who holds the lane. Loaded beats empty; then the older
// task; then the smaller shuttle ID so the answer is total.
func (r *Resolver) hasPriority(ctx context.Context, ours, theirs *fleet.State) bool {
	if ours.IsCarrying != theirs.IsCarrying {
		return ours.IsCarrying
	}
	ourTask, _ := r.loadTask(ctx, ours.TaskID)
	theirTask, _ := r.loadTask(ctx, theirs.TaskID)
	if ourTask != nil && theirTask != nil && ourTask.Timestamp != theirTask.Timestamp {
		return ourTask.Timestamp < theirTask.Timestamp
	}
	return ours.ID < theirs.ID
}

// tryParking sends the shuttle into a free parking bay near it.
func (r *Resolver) tryParking(ctx context.Context, state *fleet.State, cs *store.ConflictState) bool {
	here, err := r.catalog.CellByQR(ctx, state.CurrentQR, state.FloorID)
	if err != nil {
		return false
	}
	for _, rack := range r.topo.Racks {
		for _, parkQR := range rack.ParkingNodes {
			bay, err := r.catalog.CellByQR(ctx, parkQR, state.FloorID)
			if err != nil {
				continue
			}
			if manhattan(here, bay) > parkingRadius {
				continue
			}
			if occupant, err := r.occupation.OccupantOf(ctx, parkQR); err != nil || occupant != "" {
				continue
			}
			steps, err := r.planner.FindPath(ctx, pathfind.Request{
				ShuttleID:  state.ID,
				FloorID:    state.FloorID,
				StartQR:    state.CurrentQR,
				GoalQR:     parkQR,
				IsCarrying: state.IsCarrying,
			})
			if err != nil {
				continue
			}
			steps[len(steps)-1].Action = store.ActionStopAtNode
			cs.Status = "MOVING_TO_PARKING"
			cs.ParkingQR = parkQR
			cs.NextAction = "resume"
			if !r.publishReposition(ctx, state, steps, cs) {
				return false
			}
			_, _ = r.store.Incr(ctx, store.KeyStatsParkingUsed)
			observability.ConflictOutcomes.WithLabelValues("parking").Inc()
			log.Printf("conflict: %s yields into parking %s", state.ID, parkQR)
			return true
		}
	}
	return false
}

// tryBacktrack retraces the shuttle's own path to clear the lane. The first
// unoccupied node within reach wins; retreating onto another shuttle would
// just move the standoff. Aisles are drivable both ways, so the reversed
// steps are valid moves.
func (r *Resolver) tryBacktrack(ctx context.Context, state *fleet.State, path *store.ActivePath, cs *store.ConflictState) bool {
	idx := traffic.StepIndex(path, state.CurrentQR)
	if idx <= 0 {
		return false
	}
	reach := maxBacktrack
	if idx < reach {
		reach = idx
	}
	back := 0
	for k := 1; k <= reach; k++ {
		occupant, err := r.occupation.OccupantOf(ctx, path.Steps[idx-k].QR)
		if err == nil && occupant == "" {
			back = k
			break
		}
	}
	if back == 0 {
		return false
	}

	steps := make([]store.PathStep, 0, back+1)
	for i := idx; i > idx-back; i-- {
		steps = append(steps, store.PathStep{
			QR:        path.Steps[i].QR,
			Direction: store.OppositeDir(path.Steps[i-1].Direction),
		})
	}
	steps = append(steps, store.PathStep{QR: path.Steps[idx-back].QR, Action: store.ActionStopAtNode})

	cs.Status = "BACKTRACKING"
	cs.NextAction = "resume"
	cs.ParkingQR = ""
	if !r.publishReposition(ctx, state, steps, cs) {
		return false
	}
	_, _ = r.store.Incr(ctx, store.KeyStatsBacktrackUsed)
	observability.ConflictOutcomes.WithLabelValues("backtrack").Inc()
	log.Printf("conflict: %s backtracks %d step(s) to %s", state.ID, back, steps[len(steps)-1].QR)
	return true
}

// tryReroute probes a detour and takes it only when its length clears the
// current acceptance bar.
func (r *Resolver) tryReroute(ctx context.Context, state *fleet.State, cs *store.ConflictState) bool {
	steps, err := r.planner.FindPath(ctx, pathfind.Request{
		ShuttleID:  state.ID,
		FloorID:    state.FloorID,
		StartQR:    state.CurrentQR,
		GoalQR:     cs.TargetQR,
		IsCarrying: state.IsCarrying,
	})
	if err != nil {
		return false
	}
	waited := time.Since(time.Unix(cs.WaitingSince, 0))
	limit := acceptanceLimit(cs.OriginalLen, state.IsCarrying, cs.Retries, waited)
	if len(steps) > limit {
		return false
	}
	r.reroute(ctx, state, cs, "reroute")
	return true
}

// acceptanceLimit is the longest detour (in steps) a yielding shuttle takes.
// A carrier gets the tighter bar: its detours grind the whole row, so it
// holds out for a short one. The bar rises with every retry and every full
// escalation period waited; past the emergency window anything goes.
func acceptanceLimit(origLen int, carrying bool, retries int, waited time.Duration) int {
	if waited >= emergencyAfter {
		return math.MaxInt32
	}
	factor := baseAcceptEmpty
	if carrying {
		factor = baseAcceptCarrier
	}
	factor += retryAcceptBump * float64(retries)
	factor += waitAcceptBump * float64(waited/escalationStep)
	return int(factor * float64(origLen))
}

// reroute rebuilds the shuttle's real mission leg from wherever it stands.
// strategy is empty when resuming after a reposition, whose outcome was
// already counted.
func (r *Resolver) reroute(ctx context.Context, state *fleet.State, cs *store.ConflictState, strategy string) {
	task, err := r.loadTask(ctx, state.TaskID)
	if err != nil || task == nil {
		log.Printf("⚠️ conflict: cannot reroute %s, no task: %v", state.ID, err)
		r.clear(ctx, state.ID)
		return
	}

	leg := mission.Leg{
		ShuttleID:    state.ID,
		CurrentQR:    state.CurrentQR,
		CurrentFloor: state.FloorID,
		Task:         task,
		IsCarrying:   state.IsCarrying,
	}
	if task.PickupCompleted || state.IsCarrying {
		leg.TargetQR = task.EndQR
		leg.TargetFloor = task.EndFloorID
		leg.FinalAction = store.ActionDropOff
		leg.OnArrival = mission.OnArrivalTaskComplete
		leg.SegmentStep = 2
	} else {
		leg.TargetQR = task.PickupQR
		leg.TargetFloor = task.PickupFloorID
		leg.FinalAction = store.ActionPickUp
		leg.OnArrival = mission.OnArrivalPickupComplete
		leg.SegmentStep = 1
	}

	m, err := r.builder.NextSegment(ctx, leg)
	if err != nil {
		log.Printf("⚠️ conflict: reroute for %s failed: %v", state.ID, err)
		return
	}
	if err := r.publisher.PublishAndConfirm(ctx, m); err != nil {
		log.Printf("⚠️ conflict: %s did not take the reroute: %v", state.ID, err)
		return
	}

	if strategy != "" {
		observability.ConflictOutcomes.WithLabelValues(strategy).Inc()
	}
	observability.ConflictWaitSeconds.Observe(time.Since(time.Unix(cs.WaitingSince, 0)).Seconds())
	r.clear(ctx, state.ID)
	log.Printf("✅ conflict: %s back on task %s", state.ID, state.TaskID)
}

// publishReposition sends a short park/backtrack run and schedules the resume.
func (r *Resolver) publishReposition(ctx context.Context, state *fleet.State, steps []store.PathStep, cs *store.ConflictState) bool {
	m := &mission.Mission{
		ShuttleID: state.ID,
		Steps:     steps,
		Meta: mission.Meta{
			TaskID:     state.TaskID,
			IsCarrying: state.IsCarrying,
		},
	}
	if err := r.publisher.PublishAndConfirm(ctx, m); err != nil {
		log.Printf("⚠️ conflict: %s ignored reposition: %v", state.ID, err)
		return false
	}
	if err := r.registry.SavePath(ctx, &store.ActivePath{
		ShuttleID: state.ID,
		Steps:     steps,
		Meta:      store.PathMeta{TaskID: state.TaskID, IsCarrying: state.IsCarrying, EndQR: steps[len(steps)-1].QR, EndFloorID: state.FloorID},
	}); err != nil {
		log.Printf("conflict: save reposition path for %s: %v", state.ID, err)
	}
	if err := r.saveConflictState(ctx, cs); err != nil {
		log.Printf("conflict: persist state for %s: %v", state.ID, err)
	}

	r.retryAfter(ctx, retryDelay, func() {
		r.resume(ctx, state.ID)
	})
	return true
}

// resume sends a repositioned shuttle back onto its real leg.
func (r *Resolver) resume(ctx context.Context, shuttleID string) {
	cs, err := r.conflictState(ctx, shuttleID)
	if err != nil || cs == nil {
		return // already resolved elsewhere
	}
	state, err := r.fleet.Get(ctx, shuttleID)
	if err != nil || state == nil {
		return
	}
	r.reroute(ctx, state, cs, "")
}

// scheduleRetry re-runs resolution later if the shuttle is still stuck.
func (r *Resolver) scheduleRetry(ctx context.Context, shuttleID, blockedQR string) {
	r.retryAfter(ctx, retryDelay, func() {
		state, err := r.fleet.Get(ctx, shuttleID)
		if err != nil || state == nil {
			return
		}
		if state.ShuttleStatus != store.ShuttleWaiting {
			r.clear(ctx, shuttleID) // it moved on its own
			return
		}
		r.ResolveWaiting(ctx, shuttleID, blockedQR, "")
	})
}

func (r *Resolver) conflictState(ctx context.Context, shuttleID string) (*store.ConflictState, error) {
	raw, ok, err := r.store.Get(ctx, store.ConflictStateKey(shuttleID))
	if err != nil || !ok {
		return nil, err
	}
	var cs store.ConflictState
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

func (r *Resolver) saveConflictState(ctx context.Context, cs *store.ConflictState) error {
	data, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, store.ConflictStateKey(cs.ShuttleID), string(data), store.LockTTL)
}

func (r *Resolver) clear(ctx context.Context, shuttleID string) {
	_ = r.store.Del(ctx, store.ConflictStateKey(shuttleID))
}

func (r *Resolver) lookupState(ctx context.Context, shuttleID string) (*fleet.State, error) {
	if shuttleID == "" {
		return nil, nil
	}
	return r.fleet.Get(ctx, shuttleID)
}

func (r *Resolver) loadTask(ctx context.Context, taskID string) (*store.Task, error) {
	if taskID == "" {
		return nil, nil
	}
	fields, err := r.store.HGetAll(ctx, store.TaskKey(taskID))
	if err != nil {
		return nil, err
	}
	return store.TaskFromFields(fields)
}

func manhattan(a, b *catalog.Cell) int {
	dc := a.Col - b.Col
	if dc < 0 {
		dc = -dc
	}
	dr := a.Row - b.Row
	if dr < 0 {
		dr = -dr
	}
	return dc + dr
}
