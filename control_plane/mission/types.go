package mission

import (
	"encoding/json"
	"fmt"

	"github.com/quaywise/shuttlecore/control_plane/store"
)

// Arrival intents. The shuttle echoes the intent back in its completion event
// so the listener knows which lifecycle transition to run.
const (
	OnArrivalPickupComplete   = "PICKUP_COMPLETE"
	OnArrivalTaskComplete     = "TASK_COMPLETE"
	OnArrivalArrivedAtLifter  = "ARRIVED_AT_LIFTER"
	OnArrivalWaitingForLifter = "WAITING_FOR_LIFTER"
)

// Meta rides along with every mission so the firmware's completion event can
// be correlated without a database lookup.
type Meta struct {
	TaskID             string `json:"taskId"`
	OnArrival          string `json:"onArrival"`
	Step               int    `json:"step"`
	FinalTargetQR      string `json:"finalTargetQr"`
	FinalTargetFloorID int    `json:"finalTargetFloorId"`
	PickupQR           string `json:"pickupQr"`
	EndQR              string `json:"endQr"`
	ItemInfo           string `json:"itemInfo"`
	IsCarrying         bool   `json:"isCarrying"`
}

// Mission is one drivable segment for one shuttle.
type Mission struct {
	ShuttleID string
	Steps     []store.PathStep
	Meta      Meta
}

// EncodeStep renders one hop in the firmware's "QR>direction:action" form.
func EncodeStep(s store.PathStep) string {
	return fmt.Sprintf("%s>%d:%d", s.QR, s.Direction, s.Action)
}

// Payload renders the wire JSON: totalStep, step1..stepN, the ordered route
// QRs for the firmware's path simulation, and the meta block.
func (m *Mission) Payload() ([]byte, error) {
	if len(m.Steps) == 0 {
		return nil, fmt.Errorf("mission for %s has no steps", m.ShuttleID)
	}
	doc := make(map[string]any, len(m.Steps)+3)
	doc["totalStep"] = len(m.Steps)
	route := make([]string, len(m.Steps))
	for i, s := range m.Steps {
		doc[fmt.Sprintf("step%d", i+1)] = EncodeStep(s)
		route[i] = s.QR
	}
	doc["running_path_simulation"] = route
	doc["meta"] = m.Meta
	return json.Marshal(doc)
}
