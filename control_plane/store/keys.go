package store

import (
	"fmt"
	"time"
)

// Fixed keys. The whole control plane shares one keyspace; every cross-step
// piece of state lives here so handlers never carry state across suspension.
const (
	KeyStagingQueue   = "task:staging_queue"
	KeyPendingTasks   = "shuttle:global_task_queue"
	KeyInboundPallets = "shuttle:inbound_pallet_queue"
	// KeyRegisteredPallets queues pallets registered for manual execution.
	KeyRegisteredPallets = "shuttle:registered_pallets"
	KeyExecutingFleet    = "shuttle:processing_tasks"
	KeyActiveShuttles    = "shuttle:active_count"

	KeyStatsParkingUsed   = "stats:conflicts:parking_used"
	KeyStatsBacktrackUsed = "stats:conflicts:backtrack_used"

	// ChannelLifterEvents is the internal pub/sub channel carrying
	// LIFTER_ARRIVED / LIFTER_MOVING notifications.
	ChannelLifterEvents = "lifter:events"
)

// TTLs. Lock TTLs bound stuck resources if a holder crashes.
const (
	LockTTL         = 300 * time.Second
	ShuttleStateTTL = 10 * time.Second
	ActivePathTTL   = 600 * time.Second
	BatchTTL        = time.Hour
	RowPinTTL       = time.Hour
)

func TaskKey(taskID string) string {
	return "shuttle:task:" + taskID
}

func ShuttleStateKey(shuttleID string) string {
	return "shuttle:state:" + shuttleID
}

func ActivePathKey(shuttleID string) string {
	return "shuttle:active_path:" + shuttleID
}

func NodeOccupiedKey(qr string) string {
	return "node:" + qr + ":occupied_by"
}

func PickupLockKey(qr string) string {
	return "pickup:lock:" + qr
}

func EndNodeLockKey(cellID int64) string {
	return fmt.Sprintf("endnode:lock:%d", cellID)
}

func RowPinKey(batchID string) string {
	return "row_coordination:batch:" + batchID
}

func RowDirectionKey(floorID int, row int) string {
	return fmt.Sprintf("row:direction:%d:%d", floorID, row)
}

// RowHoldersKey is the companion set of shuttle IDs currently inside the row.
func RowHoldersKey(floorID int, row int) string {
	return RowDirectionKey(floorID, row) + ":holders"
}

func BatchMasterKey(batchID string) string {
	return "batch:master:" + batchID
}

func BatchProcessedKey(batchID string) string {
	return "batch:" + batchID + ":processed_items"
}

func BatchRowCounterKey(batchID string) string {
	return "batch:" + batchID + ":row_counter"
}

func LifterWaitingKey(floorID int) string {
	return fmt.Sprintf("waiting:lifter:%d", floorID)
}

func LifterLockKey(lifterID string) string {
	return "lifter:lock:" + lifterID
}

// LifterFloorKey holds the floor the cab last reported arriving at.
func LifterFloorKey(lifterID string) string {
	return "lifter:" + lifterID + ":floor"
}

// LifterAboardKey holds the shuttle currently riding the cab, if any.
func LifterAboardKey(lifterID string) string {
	return "lifter:" + lifterID + ":aboard"
}

func WaitStateKey(shuttleID string) string {
	return "shuttle:wait_state:" + shuttleID
}

func ConflictStateKey(shuttleID string) string {
	return "conflict:state:" + shuttleID
}

func PLCActiveKey(plcID string) string {
	return "plc:" + plcID + ":active"
}
