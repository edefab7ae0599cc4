package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/quaywise/shuttlecore/control_plane/catalog"
	"github.com/quaywise/shuttlecore/control_plane/config"
	"github.com/quaywise/shuttlecore/control_plane/observability"
	"github.com/quaywise/shuttlecore/control_plane/store"
)

// emptyRowRetry is how long to wait before re-checking a rack with no free
// storage cells.
const emptyRowRetry = 10 * time.Second

// Request is the auto-mode ingestion payload.
type Request struct {
	RackID     string   `json:"rackId"`
	PalletType string   `json:"palletType"`
	ListItem   []string `json:"listItem"`
}

// Result reports what ingestion did with each pallet.
type Result struct {
	BatchID    string   `json:"batchId"`
	Accepted   []string `json:"accepted"`
	Duplicates []string `json:"duplicates,omitempty"`
}

// Service runs the ingestion side: validate, dedupe, batch, and stage row by
// row. Rows are filled strictly FIFO so pallets land front-to-back.
type Service struct {
	store   store.Store
	catalog catalog.Catalog
	topo    *config.Topology

	// RetryDelay is how long a batch waits before re-checking a full rack.
	RetryDelay time.Duration
}

func NewService(s store.Store, cat catalog.Catalog, topo *config.Topology) *Service {
	return &Service{store: s, catalog: cat, topo: topo, RetryDelay: emptyRowRetry}
}

// AutoMode ingests a pallet list for a rack. Duplicates are skipped, not
// fatal; a request where every pallet is already known yields no batch but is
// not an error, so re-submitting an ingested list is harmless.
func (s *Service) AutoMode(ctx context.Context, req *Request) (*Result, error) {
	if req.RackID == "" || req.PalletType == "" || len(req.ListItem) == 0 {
		observability.IngestRejected.WithLabelValues("bad_payload").Inc()
		return nil, fmt.Errorf("auto-mode: rackId, palletType and listItem are required")
	}
	rack, ok := s.topo.Rack(req.RackID)
	if !ok {
		observability.IngestRejected.WithLabelValues("unknown_rack").Inc()
		return nil, fmt.Errorf("auto-mode: unknown rack %q", req.RackID)
	}

	accepted, duplicates, err := s.dedupe(ctx, req.ListItem)
	if err != nil {
		return nil, err
	}
	for range duplicates {
		observability.IngestRejected.WithLabelValues("duplicate_pallet").Inc()
	}
	if len(accepted) == 0 {
		log.Printf("auto-mode: all %d pallet(s) for rack %s already known", len(duplicates), req.RackID)
		return &Result{Duplicates: duplicates}, nil
	}

	batch := &store.MasterBatch{
		BatchID:       uuid.NewString(),
		RackID:        req.RackID,
		PalletType:    req.PalletType,
		PickupQR:      rack.PickupNodeQR,
		PickupFloorID: rack.PickupFloorID,
		Items:         accepted,
		TotalItems:    len(accepted),
		Status:        store.BatchPending,
		CreatedAt:     time.Now(),
	}
	if err := s.saveBatch(ctx, batch); err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, store.BatchProcessedKey(batch.BatchID), "0", store.BatchTTL); err != nil {
		return nil, err
	}
	if err := s.store.Set(ctx, store.BatchRowCounterKey(batch.BatchID), "0", store.BatchTTL); err != nil {
		return nil, err
	}
	if err := s.store.SAdd(ctx, store.KeyInboundPallets, accepted...); err != nil {
		return nil, err
	}

	log.Printf("✅ auto-mode: batch %s for rack %s, %d pallet(s), %d duplicate(s) skipped",
		batch.BatchID, req.RackID, len(accepted), len(duplicates))

	if err := s.ProcessBatchRow(ctx, batch.BatchID); err != nil {
		log.Printf("⚠️ auto-mode: first row of batch %s: %v", batch.BatchID, err)
	}
	return &Result{BatchID: batch.BatchID, Accepted: accepted, Duplicates: duplicates}, nil
}

// dedupe filters pallets already somewhere in the system: inbound registry,
// staging queue, live task records, or a storage cell.
func (s *Service) dedupe(ctx context.Context, pallets []string) (accepted, duplicates []string, err error) {
	known := make(map[string]struct{})

	staged, err := s.store.LRange(ctx, store.KeyStagingQueue, 0, -1)
	if err != nil {
		return nil, nil, err
	}
	for _, raw := range staged {
		var st store.StagedTask
		if json.Unmarshal([]byte(raw), &st) == nil && st.ItemInfo != "" {
			known[st.ItemInfo] = struct{}{}
		}
	}

	taskKeys, err := s.store.Keys(ctx, "shuttle:task:*")
	if err != nil {
		return nil, nil, err
	}
	for _, key := range taskKeys {
		item, ok, err := s.store.HGet(ctx, key, "itemInfo")
		if err == nil && ok && item != "" {
			known[item] = struct{}{}
		}
	}

	stored, err := s.catalog.StoredPallets(ctx, pallets)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range stored {
		known[id] = struct{}{}
	}

	seen := make(map[string]struct{}, len(pallets))
	for _, id := range pallets {
		if _, dup := seen[id]; dup {
			duplicates = append(duplicates, id)
			continue
		}
		seen[id] = struct{}{}
		if _, dup := known[id]; dup {
			duplicates = append(duplicates, id)
			continue
		}
		inbound, err := s.store.SIsMember(ctx, store.KeyInboundPallets, id)
		if err != nil {
			return nil, nil, err
		}
		if inbound {
			duplicates = append(duplicates, id)
			continue
		}
		accepted = append(accepted, id)
	}
	return accepted, duplicates, nil
}

// ProcessBatchRow stages the next row's worth of a batch. Candidate rows come
// from the rack's floors bottom-up; within a floor the emptiest-front row wins
// because AvailableCells orders row asc, col asc. When the rack is full the
// batch is re-checked after a delay instead of failing.
func (s *Service) ProcessBatchRow(ctx context.Context, batchID string) error {
	batch, err := s.Batch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch == nil {
		return fmt.Errorf("batch %s not found", batchID)
	}

	processed, err := s.counter(ctx, store.BatchProcessedKey(batchID))
	if err != nil {
		return err
	}
	if processed >= len(batch.Items) {
		batch.ProcessedItems = processed
		batch.Status = store.BatchCompleted
		if err := s.saveBatch(ctx, batch); err != nil {
			return err
		}
		log.Printf("✅ batch %s completed: %d pallet(s) stored", batchID, processed)
		return nil
	}
	remaining := batch.Items[processed:]

	floorID, row, capacity, err := s.nextRow(ctx, batch)
	if err != nil {
		return err
	}
	if capacity == 0 {
		log.Printf("⚠️ batch %s: rack %s has no free cells, retrying in %s", batchID, batch.RackID, s.RetryDelay)
		s.retryLater(ctx, batchID)
		return nil
	}

	n := len(remaining)
	if capacity < n {
		n = capacity
	}
	for _, item := range remaining[:n] {
		st := store.StagedTask{
			BatchID:       batchID,
			PickupQR:      batch.PickupQR,
			PickupFloorID: batch.PickupFloorID,
			ItemInfo:      item,
			PalletType:    batch.PalletType,
			RackID:        batch.RackID,
			TargetRow:     row,
			TargetFloor:   floorID,
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		if err := s.store.LPush(ctx, store.KeyStagingQueue, string(data)); err != nil {
			return err
		}
	}
	if err := s.store.Set(ctx, store.BatchRowCounterKey(batchID), fmt.Sprint(n), store.BatchTTL); err != nil {
		return err
	}

	batch.ProcessedItems = processed
	batch.CurrentRow = row
	batch.Status = store.BatchProcessingRow
	if err := s.saveBatch(ctx, batch); err != nil {
		return err
	}

	if depth, err := s.store.LLen(ctx, store.KeyStagingQueue); err == nil {
		observability.StagingQueueDepth.Set(float64(depth))
	}
	log.Printf("batch %s: staged %d pallet(s) for floor %d row %d", batchID, n, floorID, row)
	return nil
}

// nextRow picks the first floor/row of the rack with free compatible cells.
func (s *Service) nextRow(ctx context.Context, batch *store.MasterBatch) (floorID, row, capacity int, err error) {
	floors, err := s.catalog.RackFloors(ctx, batch.RackID)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, f := range floors {
		cells, err := s.catalog.AvailableCells(ctx, batch.PalletType, f.FloorID, 0)
		if err != nil {
			return 0, 0, 0, err
		}
		if len(cells) == 0 {
			continue
		}
		row = cells[0].Row
		capacity = 0
		for _, c := range cells {
			if c.Row == row {
				capacity++
			}
		}
		return f.FloorID, row, capacity, nil
	}
	return 0, 0, 0, nil
}

func (s *Service) retryLater(ctx context.Context, batchID string) {
	// The trigger is often an HTTP handler whose context dies with the
	// response; the batch must outlive it.
	ctx = context.WithoutCancel(ctx)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.RetryDelay):
		}
		if err := s.ProcessBatchRow(ctx, batchID); err != nil {
			log.Printf("⚠️ batch %s: delayed row staging: %v", batchID, err)
		}
	}()
}

// Batch loads a master batch, or nil when unknown.
func (s *Service) Batch(ctx context.Context, batchID string) (*store.MasterBatch, error) {
	raw, ok, err := s.store.Get(ctx, store.BatchMasterKey(batchID))
	if err != nil || !ok {
		return nil, err
	}
	var b store.MasterBatch
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, fmt.Errorf("corrupt batch %s: %w", batchID, err)
	}
	return &b, nil
}

func (s *Service) saveBatch(ctx context.Context, b *store.MasterBatch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, store.BatchMasterKey(b.BatchID), string(data), store.BatchTTL)
}

func (s *Service) counter(ctx context.Context, key string) (int, error) {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	var n int
	_, err = fmt.Sscanf(raw, "%d", &n)
	return n, err
}
