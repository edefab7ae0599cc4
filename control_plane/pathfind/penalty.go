package pathfind

import (
	"github.com/quaywise/shuttlecore/control_plane/store"
	"github.com/quaywise/shuttlecore/control_plane/traffic"
)

// Per-encounter penalties for sharing a node with another shuttle's route.
// Head-on encounters dominate everything else so A* only routes through one
// when the detour would be longer than the standoff is worth.
const (
	penaltyOpposite        = 150
	penaltyOppositeCarrier = 50 // the other shuttle carries a pallet
	penaltyOppositeYield   = 30 // we are empty, the other is a carrier
	penaltyOppositeCap     = 230

	penaltyFollow        = 5
	penaltyFollowCarrier = 8

	penaltyCross        = 15
	penaltyCrossCarrier = 10
	penaltyCrossCap     = 25
)

// Corridor penalties: entering an established lane costs by how the move
// relates to the lane's dominant flow.
const (
	penaltyCorridorOpposite     = 180
	penaltyCorridorOppositeHigh = 250
	penaltyCorridorSame         = 12
	penaltyCorridorSameHigh     = 25
	penaltyCorridorCross        = 35
	penaltyCorridorCrossHigh    = 60
)

// trafficPenalty prices entering qr while moving in moveDir, given everyone
// else's active paths and the detected corridors.
func trafficPenalty(qr string, moveDir int, selfID string, isCarrying bool, snap *traffic.Snapshot) int {
	if snap == nil || moveDir == 0 {
		return 0
	}
	total := 0

	for _, p := range snap.Paths {
		if p.ShuttleID == selfID {
			continue
		}
		for _, step := range p.Steps {
			if step.QR != qr || step.Direction == 0 {
				continue
			}
			otherCarrying := p.Meta.IsCarrying
			switch {
			case step.Direction == store.OppositeDir(moveDir):
				pen := penaltyOpposite
				if otherCarrying {
					pen += penaltyOppositeCarrier
					if !isCarrying {
						pen += penaltyOppositeYield
					}
				}
				if pen > penaltyOppositeCap {
					pen = penaltyOppositeCap
				}
				total += pen
			case step.Direction == moveDir:
				if otherCarrying {
					total += penaltyFollowCarrier
				} else {
					total += penaltyFollow
				}
			default:
				pen := penaltyCross
				if otherCarrying {
					pen += penaltyCrossCarrier
				}
				if pen > penaltyCrossCap {
					pen = penaltyCrossCap
				}
				total += pen
			}
		}
	}

	if c, ok := snap.Corridors[qr]; ok {
		switch {
		case moveDir == store.OppositeDir(c.Dominant):
			if c.HighTraffic {
				total += penaltyCorridorOppositeHigh
			} else {
				total += penaltyCorridorOpposite
			}
		case moveDir == c.Dominant:
			if c.HighTraffic {
				total += penaltyCorridorSameHigh
			} else {
				total += penaltyCorridorSame
			}
		default:
			if c.HighTraffic {
				total += penaltyCorridorCrossHigh
			} else {
				total += penaltyCorridorCross
			}
		}
	}

	return total
}
