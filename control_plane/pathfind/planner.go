package pathfind

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/quaywise/shuttlecore/control_plane/catalog"
	"github.com/quaywise/shuttlecore/control_plane/fleet"
	"github.com/quaywise/shuttlecore/control_plane/observability"
	"github.com/quaywise/shuttlecore/control_plane/store"
	"github.com/quaywise/shuttlecore/control_plane/traffic"
)

// Request asks for a same-floor route. Avoid overrides the default obstacle
// set; leave it nil to avoid every currently occupied node except the
// endpoints.
type Request struct {
	ShuttleID  string
	FloorID    int
	StartQR    string
	GoalQR     string
	IsCarrying bool
	Avoid      map[string]struct{}
}

// Planner runs traffic-aware A* over one floor at a time.
type Planner struct {
	catalog    catalog.Catalog
	registry   *traffic.Registry
	occupation *fleet.OccupationMap
}

func NewPlanner(cat catalog.Catalog, registry *traffic.Registry, occupation *fleet.OccupationMap) *Planner {
	return &Planner{catalog: cat, registry: registry, occupation: occupation}
}

// FindPath computes the cheapest route under the current traffic picture.
// When occupied nodes wall the goal off entirely, a second pass ignores them:
// a route through a parked shuttle beats no route, since the conflict
// resolver sorts out the standoff at drive time.
func (p *Planner) FindPath(ctx context.Context, req Request) ([]store.PathStep, error) {
	cells, err := p.catalog.FloorCells(ctx, req.FloorID)
	if err != nil {
		observability.PathfinderRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load floor %d: %w", req.FloorID, err)
	}
	grid := BuildGrid(req.FloorID, cells)

	snap, err := p.trafficSnapshot(ctx)
	if err != nil {
		log.Printf("pathfinder: traffic snapshot unavailable, routing blind: %v", err)
		snap = &traffic.Snapshot{}
	}

	avoid := req.Avoid
	if avoid == nil {
		avoid, err = p.defaultAvoid(ctx, req)
		if err != nil {
			log.Printf("pathfinder: occupation snapshot unavailable: %v", err)
			avoid = map[string]struct{}{}
		}
	}

	params := searchParams{
		grid:       grid,
		startQR:    req.StartQR,
		goalQR:     req.GoalQR,
		shuttleID:  req.ShuttleID,
		isCarrying: req.IsCarrying,
		avoid:      avoid,
		snap:       snap,
	}

	steps, err := astar(params)
	if err == nil {
		observability.PathfinderRuns.WithLabelValues("found").Inc()
		return steps, nil
	}
	if !errors.Is(err, ErrNoPath) {
		observability.PathfinderRuns.WithLabelValues("error").Inc()
		return nil, err
	}

	if len(avoid) > 0 {
		params.avoid = map[string]struct{}{}
		if steps, err = astar(params); err == nil {
			observability.PathfinderRuns.WithLabelValues("second_chance").Inc()
			log.Printf("⚠️ pathfinder: %s → %s only reachable through occupied nodes", req.StartQR, req.GoalQR)
			return steps, nil
		}
	}

	observability.PathfinderRuns.WithLabelValues("no_path").Inc()
	return nil, err
}

func (p *Planner) trafficSnapshot(ctx context.Context) (*traffic.Snapshot, error) {
	paths, err := p.registry.ActivePaths(ctx)
	if err != nil {
		return nil, err
	}
	return &traffic.Snapshot{Paths: paths, Corridors: traffic.DetectCorridors(paths)}, nil
}

// defaultAvoid is every occupied node except the requester's own position and
// its goal.
func (p *Planner) defaultAvoid(ctx context.Context, req Request) (map[string]struct{}, error) {
	occ, err := p.occupation.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	avoid := make(map[string]struct{}, len(occ))
	for qr, holder := range occ {
		if holder == req.ShuttleID || qr == req.StartQR || qr == req.GoalQR {
			continue
		}
		avoid[qr] = struct{}{}
	}
	return avoid, nil
}
