package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/quaywise/shuttlecore/control_plane/catalog"
	"github.com/quaywise/shuttlecore/control_plane/config"
	"github.com/quaywise/shuttlecore/control_plane/dispatch"
	"github.com/quaywise/shuttlecore/control_plane/fleet"
	"github.com/quaywise/shuttlecore/control_plane/mission"
	"github.com/quaywise/shuttlecore/control_plane/observability"
	"github.com/quaywise/shuttlecore/control_plane/staging"
	"github.com/quaywise/shuttlecore/control_plane/store"
	"github.com/quaywise/shuttlecore/control_plane/traffic"
)

type API struct {
	store      store.Store
	catalog    catalog.Catalog
	staging    *staging.Service
	fleet      *fleet.Cache
	registry   *traffic.Registry
	builder    *mission.Builder
	publisher  *mission.Publisher
	dispatcher *dispatch.Dispatcher
	topo       *config.Topology

	dashboard *DashboardService
	wsHub     *FleetHub

	// Storm protection: ingestion bursts must not starve the event handlers.
	ingestLimiter *rate.Limiter
}

func NewAPI(s store.Store, cat catalog.Catalog, stg *staging.Service, cache *fleet.Cache,
	registry *traffic.Registry, builder *mission.Builder, publisher *mission.Publisher,
	dispatcher *dispatch.Dispatcher, topo *config.Topology) *API {
	api := &API{
		store:         s,
		catalog:       cat,
		staging:       stg,
		fleet:         cache,
		registry:      registry,
		builder:       builder,
		publisher:     publisher,
		dispatcher:    dispatcher,
		topo:          topo,
		ingestLimiter: rate.NewLimiter(rate.Limit(20), 40),
	}
	api.dashboard = NewDashboardService(s, cache)
	api.wsHub = NewFleetHub(api.dashboard)
	return api
}

func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()
	// Jittered Retry-After so the callers don't re-synchronize.
	w.Header().Set("Retry-After", fmt.Sprintf("%d", 1+rand.Intn(2)))
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}

// handleAutoMode ingests one request object or an array of them. Partial
// failures are reported per request; staging anything at all is a 202.
func (a *API) handleAutoMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.ingestLimiter.Allow() {
		a.writeRateLimitError(w, "auto-mode")
		return
	}

	var raw json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var reqs []*staging.Request
	if err := json.Unmarshal(raw, &reqs); err != nil {
		var one staging.Request
		if err := json.Unmarshal(raw, &one); err != nil {
			writeError(w, http.StatusBadRequest, "expected an object or array of requests")
			return
		}
		reqs = []*staging.Request{&one}
	}

	batchIDs := []string{}
	var errs []map[string]string
	handled := 0
	for _, req := range reqs {
		res, err := a.staging.AutoMode(r.Context(), req)
		if err != nil {
			errs = append(errs, map[string]string{"rackId": req.RackID, "error": err.Error()})
			continue
		}
		handled++
		// An all-duplicate request yields no batch; its pallets still show
		// up under errors so the caller can reconcile.
		if res.BatchID != "" {
			batchIDs = append(batchIDs, res.BatchID)
		}
		for _, dup := range res.Duplicates {
			errs = append(errs, map[string]string{"palletId": dup})
		}
	}

	if handled == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "data": map[string]any{"errors": errs}})
		return
	}
	data := map[string]any{"batchIds": batchIDs, "totalBatches": len(batchIDs)}
	if len(errs) > 0 {
		data["errors"] = errs
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "data": data})
}

type registerRequest struct {
	PalletID   string          `json:"pallet_id"`
	PalletData json.RawMessage `json:"pallet_data,omitempty"`
}

// handleRegister records an inbound pallet for later manual execution.
func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.ingestLimiter.Allow() {
		a.writeRateLimitError(w, "register")
		return
	}

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil || req.PalletID == "" {
		writeError(w, http.StatusBadRequest, "pallet_id is required")
		return
	}

	ctx := r.Context()
	if known, err := a.store.SIsMember(ctx, store.KeyInboundPallets, req.PalletID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if known {
		writeError(w, http.StatusConflict, fmt.Sprintf("pallet %s already registered", req.PalletID))
		return
	}
	stored, err := a.catalog.StoredPallets(ctx, []string{req.PalletID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(stored) > 0 {
		writeError(w, http.StatusConflict, fmt.Sprintf("pallet %s already stored", req.PalletID))
		return
	}

	payload, _ := json.Marshal(req)
	if err := a.store.SAdd(ctx, store.KeyInboundPallets, req.PalletID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := a.store.LPush(ctx, store.KeyRegisteredPallets, string(payload)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "palletId": req.PalletID})
}

type executeStorageRequest struct {
	RackID      string `json:"rackId"`
	PalletType  string `json:"palletType"`
	ShuttleCode string `json:"shuttle_code"`
}

// handleExecuteStorage runs single-shuttle manual mode: pop the next
// registered pallet, lock a storage endpoint, and send the named shuttle.
// Any failure after the pop pushes the pallet back so nothing is lost.
func (a *API) handleExecuteStorage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req executeStorageRequest
	if err := decodeJSON(r, &req); err != nil || req.RackID == "" || req.PalletType == "" || req.ShuttleCode == "" {
		writeError(w, http.StatusBadRequest, "rackId, palletType and shuttle_code are required")
		return
	}
	ctx := r.Context()

	rack, ok := a.topo.Rack(req.RackID)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown rack %q", req.RackID))
		return
	}
	shuttle, err := a.fleet.Get(ctx, req.ShuttleCode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if shuttle == nil || shuttle.ShuttleStatus != store.ShuttleIdle {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("shuttle %s is not idle", req.ShuttleCode))
		return
	}

	raw, ok, err := a.store.RPop(ctx, store.KeyRegisteredPallets)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "no registered pallet to store")
		return
	}
	var pallet registerRequest
	if err := json.Unmarshal([]byte(raw), &pallet); err != nil {
		writeError(w, http.StatusInternalServerError, "corrupt registered pallet record")
		return
	}
	rollback := func() {
		_ = a.store.LPush(ctx, store.KeyRegisteredPallets, raw)
	}

	taskID := uuid.NewString()
	endpoint, err := a.lockEndpoint(ctx, req.RackID, req.PalletType, taskID)
	if err != nil {
		rollback()
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	releaseEndpoint := func() {
		_ = a.store.ReleaseLock(ctx, store.EndNodeLockKey(endpoint.ID))
	}

	if locked, err := a.store.AcquireLock(ctx, store.PickupLockKey(rack.PickupNodeQR), taskID, store.LockTTL); err != nil || !locked {
		releaseEndpoint()
		rollback()
		writeError(w, http.StatusConflict, "pickup node is busy")
		return
	}

	task := &store.Task{
		TaskID:            taskID,
		PickupQR:          rack.PickupNodeQR,
		PickupFloorID:     rack.PickupFloorID,
		EndQR:             endpoint.QR,
		EndFloorID:        endpoint.FloorID,
		EndCellID:         endpoint.ID,
		EndCol:            endpoint.Col,
		EndRow:            endpoint.Row,
		PalletType:        req.PalletType,
		ItemInfo:          pallet.PalletID,
		Timestamp:         time.Now().UnixMilli(),
		Status:            store.TaskAssigned,
		AssignedShuttleID: req.ShuttleCode,
	}
	if err := a.store.HSet(ctx, store.TaskKey(taskID), task.Fields()); err != nil {
		releaseEndpoint()
		rollback()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	m, err := a.builder.NextSegment(ctx, mission.Leg{
		ShuttleID:    req.ShuttleCode,
		CurrentQR:    shuttle.CurrentQR,
		CurrentFloor: shuttle.FloorID,
		TargetQR:     task.PickupQR,
		TargetFloor:  task.PickupFloorID,
		FinalAction:  store.ActionPickUp,
		OnArrival:    mission.OnArrivalPickupComplete,
		Task:         task,
		SegmentStep:  1,
	})
	if err == nil {
		err = a.publisher.PublishAndConfirm(ctx, m)
	}
	if err != nil {
		_ = a.store.Del(ctx, store.TaskKey(taskID))
		_ = a.store.ReleaseLock(ctx, store.PickupLockKey(rack.PickupNodeQR))
		releaseEndpoint()
		rollback()
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("dispatch to %s failed: %v", req.ShuttleCode, err))
		return
	}

	_ = a.store.SAdd(ctx, store.KeyExecutingFleet, req.ShuttleCode)
	_, _ = a.store.Incr(ctx, store.KeyActiveShuttles)
	_ = a.fleet.SetField(ctx, req.ShuttleCode, "taskId", taskID)
	_ = a.fleet.SetField(ctx, req.ShuttleCode, "targetQr", task.PickupQR)

	log.Printf("✅ manual storage: pallet %s → %s via shuttle %s", pallet.PalletID, endpoint.QR, req.ShuttleCode)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"taskId":  taskID,
		"endQr":   endpoint.QR,
	})
}

// lockEndpoint finds and locks the first free storage cell of the rack,
// walking its floors in order.
func (a *API) lockEndpoint(ctx context.Context, rackID, palletType, taskID string) (*catalog.Cell, error) {
	floors, err := a.catalog.RackFloors(ctx, rackID)
	if err != nil {
		return nil, err
	}
	for _, floor := range floors {
		cells, err := a.catalog.AvailableCells(ctx, palletType, floor.FloorID, 0)
		if err != nil {
			return nil, err
		}
		for _, cell := range cells {
			locked, err := a.store.AcquireLock(ctx, store.EndNodeLockKey(cell.ID), taskID, store.LockTTL)
			if err != nil {
				return nil, err
			}
			if locked {
				return cell, nil
			}
		}
	}
	return nil, fmt.Errorf("no storage available in rack %s", rackID)
}

type stopExecutingRequest struct {
	ShuttleCode string `json:"shuttle_code"`
}

// handleStopExecuting takes a shuttle out of the executing set. Diagnostic:
// the task itself, if any, stays in whatever state it reached.
func (a *API) handleStopExecuting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req stopExecutingRequest
	if err := decodeJSON(r, &req); err != nil || req.ShuttleCode == "" {
		writeError(w, http.StatusBadRequest, "shuttle_code is required")
		return
	}
	ctx := r.Context()

	if err := a.store.SRem(ctx, store.KeyExecutingFleet, req.ShuttleCode); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if n, err := a.store.Decr(ctx, store.KeyActiveShuttles); err == nil && n < 0 {
		_ = a.store.Set(ctx, store.KeyActiveShuttles, "0", 0)
	}
	_ = a.registry.DeletePath(ctx, req.ShuttleCode)
	_ = a.fleet.SetField(ctx, req.ShuttleCode, "taskId", "")
	_ = a.fleet.SetField(ctx, req.ShuttleCode, "targetQr", "")

	a.dispatcher.Kick()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleExecutingShuttles lists the shuttles currently bound to tasks.
func (a *API) handleExecutingShuttles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	ids, err := a.store.SMembers(ctx, store.KeyExecutingFleet)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]ShuttleView, 0, len(ids))
	for _, id := range ids {
		s, err := a.fleet.Get(ctx, id)
		if err != nil || s == nil {
			views = append(views, ShuttleView{ID: id})
			continue
		}
		views = append(views, ShuttleView{
			ID: s.ID, CurrentQR: s.CurrentQR, FloorID: s.FloorID,
			Status: s.ShuttleStatus, TaskID: s.TaskID, TargetQR: s.TargetQR,
			IsCarrying: s.IsCarrying,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": views})
}
