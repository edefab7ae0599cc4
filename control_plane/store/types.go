package store

import (
	"fmt"
	"strconv"
	"time"
)

// Grid directions as the shuttles understand them.
const (
	DirUp    = 1
	DirRight = 2
	DirDown  = 3
	DirLeft  = 4
)

// Step actions. Only the last step of a mission carries a non-zero action.
const (
	ActionNone       = 0
	ActionPickUp     = 1
	ActionDropOff    = 2
	ActionStopAtNode = 3
)

// Shuttle status codes as reported over telemetry.
const (
	ShuttleError      = 1
	ShuttlePicking    = 2
	ShuttleDropping   = 3
	ShuttleWheelsUp   = 4
	ShuttleWheelsDown = 5
	ShuttleSlow       = 6
	ShuttleNormal     = 7
	ShuttleIdle       = 8
	ShuttleWaiting    = 9
)

// OppositeDir returns the reverse of a grid direction, or 0 for invalid input.
func OppositeDir(dir int) int {
	switch dir {
	case DirUp:
		return DirDown
	case DirDown:
		return DirUp
	case DirLeft:
		return DirRight
	case DirRight:
		return DirLeft
	}
	return 0
}

// TaskStatus is the lifecycle of a concrete transport task.
type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskAssigned         TaskStatus = "assigned"
	TaskInProgress       TaskStatus = "in_progress"
	TaskWaitingForLifter TaskStatus = "waiting_for_lifter"
	TaskCompleted        TaskStatus = "completed"
	TaskFailed           TaskStatus = "failed"
)

// Task is a concrete transport task: move one pallet from its pickup node to a
// locked storage endpoint. Created by the scheduler worker, assigned by the
// dispatcher, mutated by the event listener thereafter.
type Task struct {
	TaskID            string
	BatchID           string
	PickupQR          string
	PickupFloorID     int
	EndQR             string
	EndFloorID        int
	EndCellID         int64
	EndCol            int
	EndRow            int
	PalletType        string
	ItemInfo          string
	Priority          int
	Timestamp         int64 // unix millis, FIFO ordering key
	Status            TaskStatus
	AssignedShuttleID string
	PickupCompleted   bool
	IsCarrying        bool
}

// Fields flattens a task into the hash stored under shuttle:task:{id}.
func (t *Task) Fields() map[string]string {
	return map[string]string{
		"taskId":            t.TaskID,
		"batchId":           t.BatchID,
		"pickupQr":          t.PickupQR,
		"pickupFloorId":     strconv.Itoa(t.PickupFloorID),
		"endQr":             t.EndQR,
		"endFloorId":        strconv.Itoa(t.EndFloorID),
		"endCellId":         strconv.FormatInt(t.EndCellID, 10),
		"endCol":            strconv.Itoa(t.EndCol),
		"endRow":            strconv.Itoa(t.EndRow),
		"palletType":        t.PalletType,
		"itemInfo":          t.ItemInfo,
		"priority":          strconv.Itoa(t.Priority),
		"timestamp":         strconv.FormatInt(t.Timestamp, 10),
		"status":            string(t.Status),
		"assignedShuttleId": t.AssignedShuttleID,
		"pickupCompleted":   boolField(t.PickupCompleted),
		"isCarrying":        boolField(t.IsCarrying),
	}
}

// TaskFromFields rebuilds a task from its hash. Returns an error when the hash
// is empty or missing its identity field.
func TaskFromFields(fields map[string]string) (*Task, error) {
	if fields["taskId"] == "" {
		return nil, fmt.Errorf("task hash missing taskId")
	}
	t := &Task{
		TaskID:            fields["taskId"],
		BatchID:           fields["batchId"],
		PickupQR:          fields["pickupQr"],
		EndQR:             fields["endQr"],
		PalletType:        fields["palletType"],
		ItemInfo:          fields["itemInfo"],
		Status:            TaskStatus(fields["status"]),
		AssignedShuttleID: fields["assignedShuttleId"],
		PickupCompleted:   fields["pickupCompleted"] == "1",
		IsCarrying:        fields["isCarrying"] == "1",
	}
	t.PickupFloorID, _ = strconv.Atoi(fields["pickupFloorId"])
	t.EndFloorID, _ = strconv.Atoi(fields["endFloorId"])
	t.EndCellID, _ = strconv.ParseInt(fields["endCellId"], 10, 64)
	t.EndCol, _ = strconv.Atoi(fields["endCol"])
	t.EndRow, _ = strconv.Atoi(fields["endRow"])
	t.Priority, _ = strconv.Atoi(fields["priority"])
	t.Timestamp, _ = strconv.ParseInt(fields["timestamp"], 10, 64)
	return t, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// StagedTask lives on task:staging_queue between ingestion and scheduling.
type StagedTask struct {
	BatchID       string `json:"batch_id,omitempty"`
	PickupQR      string `json:"pickup_qr"`
	PickupFloorID int    `json:"pickup_floor_id"`
	ItemInfo      string `json:"item_info"`
	PalletType    string `json:"pallet_type"`
	RackID        string `json:"rack_id"`
	TargetRow     int    `json:"target_row,omitempty"`
	TargetFloor   int    `json:"target_floor,omitempty"`
}

// Batch statuses.
const (
	BatchPending       = "pending"
	BatchProcessingRow = "processing_row"
	BatchCompleted     = "completed"
)

// MasterBatch groups the items of one inbound request. The JSON record is a
// cache; the processed_items / row_counter counters are the source of truth.
type MasterBatch struct {
	BatchID        string    `json:"batch_id"`
	RackID         string    `json:"rack_id"`
	PalletType     string    `json:"pallet_type"`
	PickupQR       string    `json:"pickup_qr"`
	PickupFloorID  int       `json:"pickup_floor_id"`
	Items          []string  `json:"items"`
	TotalItems     int       `json:"total_items"`
	ProcessedItems int       `json:"processed_items"`
	CurrentRow     int       `json:"current_row,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// PathStep is one hop of an active path. The first step is always the node the
// shuttle stood on when the path was computed.
type PathStep struct {
	QR        string `json:"qr"`
	Direction int    `json:"direction"`
	Action    int    `json:"action"`
}

// PathMeta describes the mission a path belongs to.
type PathMeta struct {
	TaskID     string `json:"task_id"`
	IsCarrying bool   `json:"is_carrying"`
	Priority   int    `json:"priority"`
	EndQR      string `json:"end_qr"`
	EndFloorID int    `json:"end_floor_id"`
	PathLength int    `json:"path_length"`
}

// ActivePath is the single JSON record under shuttle:active_path:{id}.
// At most one exists per shuttle.
type ActivePath struct {
	ShuttleID  string     `json:"shuttle_id"`
	Steps      []PathStep `json:"steps"`
	Meta       PathMeta   `json:"meta"`
	Timestamp  int64      `json:"timestamp"` // unix seconds at save
	TTLSeconds int        `json:"ttl"`
}

// Expired reports whether the record outlived its TTL.
func (p *ActivePath) Expired(now time.Time) bool {
	return now.Unix() > p.Timestamp+int64(p.TTLSeconds)
}

// ShuttleWaitState is persisted while a shuttle waits for a lifter so the
// ready poller can resume the mission after a process restart.
type ShuttleWaitState struct {
	ShuttleID     string    `json:"shuttle_id"`
	TaskID        string    `json:"task_id"`
	LifterID      string    `json:"lifter_id"`
	LifterQR      string    `json:"lifter_qr"`
	BoardingFloor int       `json:"boarding_floor"`
	WaitQR        string    `json:"wait_qr"`
	FinalTargetQR string    `json:"final_target_qr"`
	FinalFloorID  int       `json:"final_floor_id"`
	OnArrival     string    `json:"on_arrival"`
	IsCarrying    bool      `json:"is_carrying"`
	CreatedAt     time.Time `json:"created_at"`
}

// Conflict wait bookkeeping, one record per yielding shuttle.
type ConflictState struct {
	ShuttleID    string `json:"shuttle_id"`
	Status       string `json:"status"` // WAITING, MOVING_TO_PARKING, BACKTRACKING
	TargetQR     string `json:"target_qr"`
	WaitingSince int64  `json:"waiting_since,omitempty"` // unix seconds
	Retries      int    `json:"retries"`
	OriginalLen  int    `json:"original_len"`
	NextAction   string `json:"next_action,omitempty"`
	ParkingQR    string `json:"parking_qr,omitempty"`
}
