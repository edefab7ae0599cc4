package fleet

import (
	"context"
	"strconv"
	"time"

	"github.com/quaywise/shuttlecore/control_plane/store"
)

// State is the live view of one shuttle, cached under shuttle:state:{id} with
// the liveness TTL. The telemetry handler is the only writer; a shuttle whose
// telemetry stops simply vanishes from the cache.
type State struct {
	ID                  string
	IP                  string
	CurrentQR           string
	FloorID             int
	ShuttleStatus       int
	CommandComplete     int
	PackageStatus       int
	PalletLiftingStatus int
	CurrentStep         int
	MissionCompleted    int
	TaskID              string
	TargetQR            string
	IsCarrying          bool
	LastUpdate          int64 // unix millis
}

func (s *State) fields() map[string]string {
	carrying := "0"
	if s.IsCarrying {
		carrying = "1"
	}
	return map[string]string{
		"id":                  s.ID,
		"ip":                  s.IP,
		"currentQr":           s.CurrentQR,
		"floorId":             strconv.Itoa(s.FloorID),
		"shuttleStatus":       strconv.Itoa(s.ShuttleStatus),
		"commandComplete":     strconv.Itoa(s.CommandComplete),
		"packageStatus":       strconv.Itoa(s.PackageStatus),
		"palletLiftingStatus": strconv.Itoa(s.PalletLiftingStatus),
		"currentStep":         strconv.Itoa(s.CurrentStep),
		"missionCompleted":    strconv.Itoa(s.MissionCompleted),
		"taskId":              s.TaskID,
		"targetQr":            s.TargetQR,
		"isCarrying":          carrying,
		"lastUpdate":          strconv.FormatInt(s.LastUpdate, 10),
	}
}

func stateFromFields(fields map[string]string) *State {
	if len(fields) == 0 || fields["id"] == "" {
		return nil
	}
	s := &State{
		ID:         fields["id"],
		IP:         fields["ip"],
		CurrentQR:  fields["currentQr"],
		TaskID:     fields["taskId"],
		TargetQR:   fields["targetQr"],
		IsCarrying: fields["isCarrying"] == "1",
	}
	s.FloorID, _ = strconv.Atoi(fields["floorId"])
	s.ShuttleStatus, _ = strconv.Atoi(fields["shuttleStatus"])
	s.CommandComplete, _ = strconv.Atoi(fields["commandComplete"])
	s.PackageStatus, _ = strconv.Atoi(fields["packageStatus"])
	s.PalletLiftingStatus, _ = strconv.Atoi(fields["palletLiftingStatus"])
	s.CurrentStep, _ = strconv.Atoi(fields["currentStep"])
	s.MissionCompleted, _ = strconv.Atoi(fields["missionCompleted"])
	s.LastUpdate, _ = strconv.ParseInt(fields["lastUpdate"], 10, 64)
	return s
}

// Cache reads and writes shuttle state hashes.
type Cache struct {
	store store.Store
}

func NewCache(s store.Store) *Cache {
	return &Cache{store: s}
}

// Save overwrites a shuttle's state and refreshes the liveness TTL.
// isCarrying is derived here: packageStatus==1 is the single source.
func (c *Cache) Save(ctx context.Context, s *State) error {
	s.IsCarrying = s.PackageStatus == 1
	s.LastUpdate = time.Now().UnixMilli()
	key := store.ShuttleStateKey(s.ID)
	if err := c.store.HSet(ctx, key, s.fields()); err != nil {
		return err
	}
	return c.store.Expire(ctx, key, store.ShuttleStateTTL)
}

// Get returns a shuttle's live state, or nil when its entry expired.
func (c *Cache) Get(ctx context.Context, shuttleID string) (*State, error) {
	fields, err := c.store.HGetAll(ctx, store.ShuttleStateKey(shuttleID))
	if err != nil {
		return nil, err
	}
	return stateFromFields(fields), nil
}

// All returns every live shuttle state.
func (c *Cache) All(ctx context.Context) ([]*State, error) {
	keys, err := c.store.Keys(ctx, "shuttle:state:*")
	if err != nil {
		return nil, err
	}
	var out []*State
	for _, key := range keys {
		fields, err := c.store.HGetAll(ctx, key)
		if err != nil {
			continue
		}
		if s := stateFromFields(fields); s != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

// Idle returns live shuttles reporting IDLE.
func (c *Cache) Idle(ctx context.Context) ([]*State, error) {
	all, err := c.All(ctx)
	if err != nil {
		return nil, err
	}
	var idle []*State
	for _, s := range all {
		if s.ShuttleStatus == store.ShuttleIdle {
			idle = append(idle, s)
		}
	}
	return idle, nil
}

// SetField patches a single field without touching the rest of the hash.
// Used by the control plane for taskId/targetQr annotations; the telemetry
// handler remains the owner of the physical fields.
func (c *Cache) SetField(ctx context.Context, shuttleID, field, value string) error {
	return c.store.HSet(ctx, store.ShuttleStateKey(shuttleID), map[string]string{field: value})
}
