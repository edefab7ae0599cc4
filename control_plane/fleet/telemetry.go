package fleet

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/quaywise/shuttlecore/control_plane/bus"
)

// telemetrySnapshot is the JSON a shuttle publishes on
// shuttle/information/{id} at roughly 300ms cadence.
type telemetrySnapshot struct {
	IP                  string `json:"ip"`
	CurrentQR           string `json:"currentQr"`
	FloorID             int    `json:"floorId"`
	ShuttleStatus       int    `json:"shuttleStatus"`
	CommandComplete     int    `json:"commandComplete"`
	PackageStatus       int    `json:"packageStatus"`
	PalletLiftingStatus int    `json:"palletLiftingStatus"`
	CurrentStep         int    `json:"currentStep"`
	MissionCompleted    int    `json:"missionCompleted"`
	TaskID              string `json:"taskId"`
	TargetQR            string `json:"targetQr"`
}

// Telemetry consumes shuttle telemetry and is the sole writer of the state
// cache. Malformed snapshots are logged and dropped.
type Telemetry struct {
	cache *Cache
}

func NewTelemetry(cache *Cache) *Telemetry {
	return &Telemetry{cache: cache}
}

// Start subscribes to all shuttle telemetry topics.
func (t *Telemetry) Start(ctx context.Context, b bus.Bus) error {
	return b.Subscribe(bus.TopicShuttleInfoWildcard, func(topic string, payload []byte) {
		t.handle(ctx, topic, payload)
	})
}

func (t *Telemetry) handle(ctx context.Context, topic string, payload []byte) {
	shuttleID := shuttleIDFromTopic(topic)
	if shuttleID == "" {
		log.Printf("telemetry: unroutable topic %s", topic)
		return
	}

	var snap telemetrySnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		log.Printf("telemetry: dropping malformed snapshot from %s: %v", shuttleID, err)
		return
	}
	if snap.CurrentQR == "" {
		log.Printf("telemetry: dropping snapshot from %s without currentQr", shuttleID)
		return
	}

	state := &State{
		ID:                  shuttleID,
		IP:                  snap.IP,
		CurrentQR:           snap.CurrentQR,
		FloorID:             snap.FloorID,
		ShuttleStatus:       snap.ShuttleStatus,
		CommandComplete:     snap.CommandComplete,
		PackageStatus:       snap.PackageStatus,
		PalletLiftingStatus: snap.PalletLiftingStatus,
		CurrentStep:         snap.CurrentStep,
		MissionCompleted:    snap.MissionCompleted,
		TaskID:              snap.TaskID,
		TargetQR:            snap.TargetQR,
	}
	if err := t.cache.Save(ctx, state); err != nil {
		log.Printf("telemetry: failed to save state for %s: %v", shuttleID, err)
	}
}

func shuttleIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "shuttle" || parts[1] != "information" {
		return ""
	}
	return parts[2]
}
