package settle

import (
	"sync"
	"testing"
	"time"
)

type recordingAnnouncer struct {
	mu    sync.Mutex
	tasks []DispatchTask
}

func (r *recordingAnnouncer) AnnounceTask(task DispatchTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
}

func (r *recordingAnnouncer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func newTestQueue(t *testing.T) (*DispatchQueue, *FakeClock, *recordingAnnouncer, *ReputationEngine) {
	t.Helper()
	store := newTestStore(t)
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	announcer := &recordingAnnouncer{}
	reputation := NewReputationEngine(store)
	return NewDispatchQueue(store, clock, announcer), clock, announcer, reputation
}

func TestEnqueueDeduplicates(t *testing.T) {
	t.Parallel()

	q, _, announcer, _ := newTestQueue(t)
	first, err := q.Enqueue("agent-1", TaskTypeAssignment, PriorityUrgent, "m1", `{}`, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dup, err := q.Enqueue("agent-1", TaskTypeAssignment, PriorityUrgent, "m1", `{}`, 0)
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if dup.ID != first.ID {
		t.Fatalf("expected deduplicated task, got new id %s", dup.ID)
	}
	if announcer.count() != 1 {
		t.Fatalf("announce count = %d, want 1 (no announce for dedup hit)", announcer.count())
	}

	// Same mission, different type is a distinct task.
	other, err := q.Enqueue("agent-1", TaskTypeRevision, PriorityHigh, "m1", `{}`, 0)
	if err != nil {
		t.Fatalf("enqueue other type: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("expected distinct task for different type")
	}
}

func TestPollOrdersByPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	q, clock, _, _ := newTestQueue(t)
	if _, err := q.Enqueue("agent-1", TaskTypeSettlementNote, PriorityNormal, "m1", `{}`, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := q.Enqueue("agent-1", TaskTypeSettlementNote, PriorityNormal, "m2", `{}`, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := q.Enqueue("agent-1", TaskTypeAssignment, PriorityUrgent, "m3", `{}`, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := q.Poll("agent-1", 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(result.Tasks) != 3 || result.HasMore {
		t.Fatalf("poll returned %d tasks hasMore=%t, want 3 false", len(result.Tasks), result.HasMore)
	}
	if result.Tasks[0].MissionID != "m3" {
		t.Fatalf("urgent task not first: %s", result.Tasks[0].MissionID)
	}
	if result.Tasks[1].MissionID != "m1" || result.Tasks[2].MissionID != "m2" {
		t.Fatalf("normal tasks not FIFO: %s %s", result.Tasks[1].MissionID, result.Tasks[2].MissionID)
	}

	page, err := q.Poll("agent-1", 2)
	if err != nil {
		t.Fatalf("poll page: %v", err)
	}
	if len(page.Tasks) != 2 || !page.HasMore {
		t.Fatalf("page returned %d tasks hasMore=%t, want 2 true", len(page.Tasks), page.HasMore)
	}
}

func TestPollSkipsExpiredTasks(t *testing.T) {
	t.Parallel()

	q, clock, _, _ := newTestQueue(t)
	if _, err := q.Enqueue("agent-1", TaskTypeAssignment, PriorityUrgent, "m1", `{}`, time.Hour); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clock.Advance(2 * time.Hour)

	result, err := q.Poll("agent-1", 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(result.Tasks) != 0 {
		t.Fatalf("expired task still delivered: %d", len(result.Tasks))
	}
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	t.Parallel()

	q, _, _, _ := newTestQueue(t)
	task, err := q.Enqueue("agent-1", TaskTypeAssignment, PriorityUrgent, "m1", `{}`, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	acked, err := q.Acknowledge([]string{task.ID, "no-such-task"})
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked != 1 {
		t.Fatalf("acked = %d, want 1", acked)
	}

	again, err := q.Acknowledge([]string{task.ID})
	if err != nil {
		t.Fatalf("second acknowledge: %v", err)
	}
	if again != 0 {
		t.Fatalf("second ack count = %d, want 0", again)
	}

	result, err := q.Poll("agent-1", 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(result.Tasks) != 0 {
		t.Fatalf("acked task still delivered")
	}
}

func TestCleanupRemovesExpiredAndOldAcked(t *testing.T) {
	t.Parallel()

	q, clock, _, _ := newTestQueue(t)
	expired, err := q.Enqueue("agent-1", TaskTypeAssignment, PriorityUrgent, "m1", `{}`, time.Hour)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	acked, err := q.Enqueue("agent-1", TaskTypeRevision, PriorityHigh, "m2", `{}`, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Acknowledge([]string{acked.ID}); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	fresh, err := q.Enqueue("agent-1", TaskTypeVerifyRequest, PriorityHigh, "m3", `{}`, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	clock.Advance(8 * 24 * time.Hour)
	removed, err := q.Cleanup()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2 (expired %s, acked %s)", removed, expired.ID, acked.ID)
	}

	result, err := q.Poll("agent-1", 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(result.Tasks) != 1 || result.Tasks[0].ID != fresh.ID {
		t.Fatalf("expected only the fresh task to survive cleanup")
	}
}

func TestHeartbeatTracksLastSeen(t *testing.T) {
	t.Parallel()

	q, clock, _, reputation := newTestQueue(t)
	if _, err := reputation.RegisterAgent("agent-1", ""); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	seen, err := q.LastSeen("agent-1")
	if err != nil {
		t.Fatalf("last seen: %v", err)
	}
	if !seen.IsZero() {
		t.Fatalf("expected zero last-seen before any heartbeat")
	}

	if err := q.Heartbeat("agent-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	seen, err = q.LastSeen("agent-1")
	if err != nil {
		t.Fatalf("last seen: %v", err)
	}
	if !seen.Equal(clock.Now()) {
		t.Fatalf("last seen = %v, want %v", seen, clock.Now())
	}

	clock.Advance(time.Minute)
	if _, err := q.Poll("agent-1", 1); err != nil {
		t.Fatalf("poll: %v", err)
	}
	seen, _ = q.LastSeen("agent-1")
	if !seen.Equal(clock.Now()) {
		t.Fatalf("poll did not refresh last seen")
	}
}
