package settle

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTaskExpiry  = 24 * time.Hour
	ackedTaskRetention = 7 * 24 * time.Hour
)

// DispatchQueue delivers per-agent notification tasks via polling, with
// deduplication by (agent, type, mission), priority ordering, expiry, and a
// per-agent last-seen timestamp used for liveness checks.
type DispatchQueue struct {
	store     *Store
	clock     Clock
	announcer TaskAnnouncer
}

// TaskAnnouncer is an optional push channel hinting an agent that a task is
// waiting. Polling remains the source of truth; announce failures are logged
// and never block the enqueue.
type TaskAnnouncer interface {
	AnnounceTask(task DispatchTask)
}

// PollResult is one page of unacknowledged tasks plus whether more remain.
type PollResult struct {
	Tasks   []DispatchTask `json:"tasks"`
	HasMore bool           `json:"hasMore"`
}

// NewDispatchQueue builds a queue over the store. announcer may be nil.
func NewDispatchQueue(store *Store, clock Clock, announcer TaskAnnouncer) *DispatchQueue {
	return &DispatchQueue{store: store, clock: clock, announcer: announcer}
}

// Enqueue creates a task for an agent, or returns the existing one when an
// unacknowledged task with the same (agent, type, mission) key is already
// pending. expiresIn <= 0 uses the 24h default.
func (q *DispatchQueue) Enqueue(agentID, taskType, priority, missionID, payload string, expiresIn time.Duration) (*DispatchTask, error) {
	if agentID == "" || taskType == "" {
		return nil, fmt.Errorf("agent id and task type are required")
	}
	if priorityRank(priority) > 3 {
		return nil, fmt.Errorf("unknown priority: %s", priority)
	}
	if expiresIn <= 0 {
		expiresIn = defaultTaskExpiry
	}
	now := q.clock.Now()

	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	tx, err := q.store.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, agent_id, type, priority, mission_id, payload, created_at, expires_at, acknowledged, acknowledged_at
		FROM dispatch_tasks
		WHERE agent_id = ? AND type = ? AND COALESCE(mission_id, '') = ? AND acknowledged = 0 AND expires_at > ?`,
		agentID, taskType, missionID, now.Unix())
	if existing, err := scanDispatchTask(row); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	task := DispatchTask{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Type:      taskType,
		Priority:  priority,
		MissionID: missionID,
		Payload:   payload,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(expiresIn).Unix(),
	}
	_, err = tx.Exec(`
		INSERT INTO dispatch_tasks (id, agent_id, type, priority, mission_id, payload, created_at, expires_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		task.ID, task.AgentID, task.Type, task.Priority, nullable(task.MissionID),
		task.Payload, task.CreatedAt, task.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if q.announcer != nil {
		q.announcer.AnnounceTask(task)
	}
	return &task, nil
}

// Poll returns up to limit unacknowledged, unexpired tasks for an agent,
// urgent first and FIFO within a priority band, and records the agent as
// seen for liveness.
func (q *DispatchQueue) Poll(agentID string, limit int) (*PollResult, error) {
	if limit <= 0 {
		limit = 10
	}
	now := q.clock.Now().Unix()
	if err := q.touchAgent(agentID, now); err != nil {
		fmt.Printf("[Dispatch] Liveness update failed for %s: %v\n", agentID, err)
	}

	rows, err := q.store.db.Query(`
		SELECT id, agent_id, type, priority, mission_id, payload, created_at, expires_at, acknowledged, acknowledged_at
		FROM dispatch_tasks
		WHERE agent_id = ? AND acknowledged = 0 AND expires_at > ?`,
		agentID, now)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []DispatchTask
	for rows.Next() {
		t, err := scanDispatchTaskRows(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := priorityRank(tasks[i].Priority), priorityRank(tasks[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return tasks[i].CreatedAt < tasks[j].CreatedAt
	})

	hasMore := len(tasks) > limit
	if hasMore {
		tasks = tasks[:limit]
	}
	return &PollResult{Tasks: tasks, HasMore: hasMore}, nil
}

// Acknowledge marks tasks as seen. Already-acknowledged or unknown IDs are
// skipped; the return value counts tasks newly acknowledged.
func (q *DispatchQueue) Acknowledge(taskIDs []string) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	now := q.clock.Now().Unix()

	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	tx, err := q.store.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin acknowledge: %w", err)
	}
	defer tx.Rollback()

	acked := 0
	for _, id := range taskIDs {
		res, err := tx.Exec(
			"UPDATE dispatch_tasks SET acknowledged = 1, acknowledged_at = ? WHERE id = ? AND acknowledged = 0",
			now, id)
		if err != nil {
			return 0, fmt.Errorf("acknowledge %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			acked++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return acked, nil
}

// Cleanup removes expired unacknowledged tasks and acknowledged tasks older
// than the 7-day retention window. Failures are reported but never block
// mission processing.
func (q *DispatchQueue) Cleanup() (int, error) {
	now := q.clock.Now()
	res, err := q.store.db.Exec(`
		DELETE FROM dispatch_tasks
		WHERE (acknowledged = 0 AND expires_at <= ?)
		   OR (acknowledged = 1 AND acknowledged_at <= ?)`,
		now.Unix(), now.Add(-ackedTaskRetention).Unix())
	if err != nil {
		return 0, fmt.Errorf("cleanup tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Heartbeat records an agent as alive without polling for tasks.
func (q *DispatchQueue) Heartbeat(agentID string) error {
	return q.touchAgent(agentID, q.clock.Now().Unix())
}

// LastSeen returns the agent's last poll/heartbeat time, zero if never seen.
func (q *DispatchQueue) LastSeen(agentID string) (time.Time, error) {
	var ts int64
	err := q.store.db.QueryRow("SELECT last_seen FROM agents WHERE agent_id = ?", agentID).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query last seen: %w", err)
	}
	if ts == 0 {
		return time.Time{}, nil
	}
	return time.Unix(ts, 0), nil
}

func (q *DispatchQueue) touchAgent(agentID string, ts int64) error {
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}
	_, err := q.store.db.Exec("UPDATE agents SET last_seen = ? WHERE agent_id = ?", ts, agentID)
	return err
}

func scanDispatchTask(row *sql.Row) (*DispatchTask, error) {
	var t DispatchTask
	var missionID sql.NullString
	var acked int
	var ackedAt sql.NullInt64
	err := row.Scan(&t.ID, &t.AgentID, &t.Type, &t.Priority, &missionID,
		&t.Payload, &t.CreatedAt, &t.ExpiresAt, &acked, &ackedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.MissionID = missionID.String
	t.Acknowledged = acked != 0
	t.AcknowledgedAt = ackedAt.Int64
	return &t, nil
}

func scanDispatchTaskRows(rows *sql.Rows) (*DispatchTask, error) {
	var t DispatchTask
	var missionID sql.NullString
	var acked int
	var ackedAt sql.NullInt64
	err := rows.Scan(&t.ID, &t.AgentID, &t.Type, &t.Priority, &missionID,
		&t.Payload, &t.CreatedAt, &t.ExpiresAt, &acked, &ackedAt)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.MissionID = missionID.String
	t.Acknowledged = acked != 0
	t.AcknowledgedAt = ackedAt.Int64
	return &t, nil
}
