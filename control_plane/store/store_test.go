package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLockReentrancy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "pickup:lock:X0001Y0001", "task-a", 300*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}

	// Same owner re-acquires
	ok, _ = s.AcquireLock(ctx, "pickup:lock:X0001Y0001", "task-a", 300*time.Second)
	if !ok {
		t.Error("owner re-acquisition should succeed")
	}

	// Different owner is rejected
	ok, _ = s.AcquireLock(ctx, "pickup:lock:X0001Y0001", "task-b", 300*time.Second)
	if ok {
		t.Error("second owner should be rejected while lock is held")
	}

	owner, _ := s.LockOwner(ctx, "pickup:lock:X0001Y0001")
	if owner != "task-a" {
		t.Errorf("expected owner task-a, got %q", owner)
	}

	// Release is unconditional and idempotent
	if err := s.ReleaseLock(ctx, "pickup:lock:X0001Y0001"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.ReleaseLock(ctx, "pickup:lock:X0001Y0001"); err != nil {
		t.Fatalf("release on missing key: %v", err)
	}

	ok, _ = s.AcquireLock(ctx, "pickup:lock:X0001Y0001", "task-b", 300*time.Second)
	if !ok {
		t.Error("lock should be free after release")
	}
}

func TestMemoryLockTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	s.Now = func() time.Time { return now }

	s.AcquireLock(ctx, "endnode:lock:42", "task-a", 300*time.Second)

	// Step past the TTL: a crashed holder must not wedge the endpoint forever
	now = now.Add(301 * time.Second)

	ok, _ := s.AcquireLock(ctx, "endnode:lock:42", "task-b", 300*time.Second)
	if !ok {
		t.Error("lock should be acquirable after TTL expiry")
	}
}

func TestMemoryQueueFIFO(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// LPush + RPop is the staging queue: oldest out first,
	// failed items re-enter at the head.
	s.LPush(ctx, KeyStagingQueue, "first")
	s.LPush(ctx, KeyStagingQueue, "second")
	s.LPush(ctx, KeyStagingQueue, "third")

	val, ok, _ := s.RPop(ctx, KeyStagingQueue)
	if !ok || val != "first" {
		t.Fatalf("expected first, got %q", val)
	}

	// Re-push to head: must come out before the rest
	s.LPush(ctx, KeyStagingQueue, "first")
	val, _, _ = s.RPop(ctx, KeyStagingQueue)
	if val != "second" {
		t.Errorf("expected second, got %q", val)
	}

	n, _ := s.LLen(ctx, KeyStagingQueue)
	if n != 2 {
		t.Errorf("expected 2 remaining, got %d", n)
	}
}

func TestMemoryZPeekMin(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.ZAdd(ctx, KeyPendingTasks, 300, "task-late")
	s.ZAdd(ctx, KeyPendingTasks, 100, "task-early")
	s.ZAdd(ctx, KeyPendingTasks, 200, "task-mid")

	m, err := s.ZPeekMin(ctx, KeyPendingTasks)
	if err != nil || m == nil {
		t.Fatalf("peek: %v %v", m, err)
	}
	if m.Member != "task-early" {
		t.Errorf("expected task-early, got %s", m.Member)
	}

	// Peek does not remove
	n, _ := s.ZCard(ctx, KeyPendingTasks)
	if n != 3 {
		t.Errorf("expected 3 members after peek, got %d", n)
	}

	s.ZRem(ctx, KeyPendingTasks, "task-early")
	m, _ = s.ZPeekMin(ctx, KeyPendingTasks)
	if m.Member != "task-mid" {
		t.Errorf("expected task-mid after removal, got %s", m.Member)
	}
}

func TestMemoryCounters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	key := BatchProcessedKey("b1")
	if v, _ := s.Incr(ctx, key); v != 1 {
		t.Errorf("expected 1, got %d", v)
	}
	if v, _ := s.IncrBy(ctx, key, 4); v != 5 {
		t.Errorf("expected 5, got %d", v)
	}
	if v, _ := s.Decr(ctx, key); v != 4 {
		t.Errorf("expected 4, got %d", v)
	}
}

func TestMemoryPubSub(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ch, cancel, err := s.Subscribe(ctx, ChannelLifterEvents)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	s.Publish(ctx, ChannelLifterEvents, `{"type":"LIFTER_ARRIVED","floor":139}`)

	select {
	case msg := <-ch:
		if msg != `{"type":"LIFTER_ARRIVED","floor":139}` {
			t.Errorf("unexpected payload: %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestTaskFieldsRoundTrip(t *testing.T) {
	task := &Task{
		TaskID:        "t-1",
		BatchID:       "b-1",
		PickupQR:      "X0001Y0001",
		PickupFloorID: 138,
		EndQR:         "X0001Y0002",
		EndFloorID:    138,
		EndCellID:     42,
		EndCol:        2,
		EndRow:        2,
		PalletType:    "6T",
		ItemInfo:      "P1",
		Priority:      1,
		Timestamp:     1700000000000,
		Status:        TaskPending,
	}

	got, err := TaskFromFields(task.Fields())
	if err != nil {
		t.Fatalf("from fields: %v", err)
	}
	if *got != *task {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, task)
	}

	if _, err := TaskFromFields(map[string]string{}); err == nil {
		t.Error("empty hash should fail")
	}
}
