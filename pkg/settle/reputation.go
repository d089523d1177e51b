package settle

import (
	"database/sql"
	"fmt"
	"time"
)

// Reputation deltas. Direct job outcomes move scores more than
// consensus-alignment adjustments.
const (
	repDeltaGoodRating  = 2
	repDeltaBadRating   = -2
	repDeltaAligned     = 1
	repDeltaOutlier     = -1
	repMin              = 0
	repMax              = 100
	repDefault          = 50
	repTrustedThreshold = 70
	repProbationCeiling = 30
)

// ReputationEngine maintains bounded per-agent trust scores adjusted by job
// outcomes and verifier-consensus alignment. Every adjustment is recorded in
// the reputation_events audit table.
type ReputationEngine struct {
	store *Store
}

// NewReputationEngine builds the engine over a store.
func NewReputationEngine(store *Store) *ReputationEngine {
	return &ReputationEngine{store: store}
}

// RegisterAgent adds an agent to the roster with the default score. Known
// agents keep their existing score; only the address is refreshed.
func (e *ReputationEngine) RegisterAgent(agentID, address string) (*Agent, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	address = NormalizeAddress(address)
	_, err := e.store.db.Exec(`
		INSERT INTO agents (agent_id, address, status, reputation, last_seen)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(agent_id) DO UPDATE SET address = excluded.address`,
		agentID, address, AgentStatusProbation, repDefault)
	if err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	return e.GetAgent(agentID)
}

// GetAgent returns the roster entry for an agent, nil if unknown.
func (e *ReputationEngine) GetAgent(agentID string) (*Agent, error) {
	var a Agent
	err := e.store.db.QueryRow(
		"SELECT agent_id, address, status, reputation, last_seen FROM agents WHERE agent_id = ?",
		agentID).Scan(&a.AgentID, &a.Address, &a.Status, &a.Reputation, &a.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns every roster entry, highest reputation first.
func (e *ReputationEngine) ListAgents() ([]Agent, error) {
	rows, err := e.store.db.Query(
		"SELECT agent_id, address, status, reputation, last_seen FROM agents ORDER BY reputation DESC, agent_id ASC")
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.AgentID, &a.Address, &a.Status, &a.Reputation, &a.LastSeen); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ApplyDelta adjusts an agent's score by delta, clamped to [0,100], records
// the audit event, and refreshes the trusted/probation status from the new
// score. Returns the old and new scores.
func (e *ReputationEngine) ApplyDelta(agentID string, delta int, reason, missionID string) (int, int, error) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	tx, err := e.store.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("begin reputation update: %w", err)
	}
	defer tx.Rollback()

	var old int
	var status string
	err = tx.QueryRow("SELECT reputation, status FROM agents WHERE agent_id = ?", agentID).Scan(&old, &status)
	if err == sql.ErrNoRows {
		return 0, 0, fmt.Errorf("unknown agent: %s", agentID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("query reputation: %w", err)
	}

	next := clampScore(old + delta)
	status = statusForScore(next, status)
	if _, err := tx.Exec("UPDATE agents SET reputation = ?, status = ? WHERE agent_id = ?", next, status, agentID); err != nil {
		return 0, 0, fmt.Errorf("update reputation: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO reputation_events (agent_id, delta, old_score, new_score, reason, mission_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agentID, delta, old, next, reason, nullable(missionID), time.Now().Unix())
	if err != nil {
		return 0, 0, fmt.Errorf("record reputation event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return old, next, nil
}

// RecordJobOutcome applies the job-completion rule: rating >= 4 is +2,
// rating <= 2 is -2, rating 3 is neutral. A failed job always counts as the
// negative delta regardless of rating.
func (e *ReputationEngine) RecordJobOutcome(agentID string, passed bool, rating int, missionID string) (int, int, error) {
	delta := 0
	reason := "job neutral"
	switch {
	case !passed:
		delta = repDeltaBadRating
		reason = "job failed"
	case rating >= 4:
		delta = repDeltaGoodRating
		reason = "job passed"
	case rating > 0 && rating <= 2:
		delta = repDeltaBadRating
		reason = "job passed, low rating"
	case rating == 0:
		// No rating supplied: a pass still earns the positive delta.
		delta = repDeltaGoodRating
		reason = "job passed"
	}
	if delta == 0 {
		agent, err := e.GetAgent(agentID)
		if err != nil {
			return 0, 0, err
		}
		if agent == nil {
			return 0, 0, fmt.Errorf("unknown agent: %s", agentID)
		}
		return agent.Reputation, agent.Reputation, nil
	}
	return e.ApplyDelta(agentID, delta, reason, missionID)
}

// RecordAlignment applies the smaller consensus-alignment delta: +1 for a
// verifier aligned with the outcome, -1 for an outlier.
func (e *ReputationEngine) RecordAlignment(agentID string, aligned bool, missionID string) (int, int, error) {
	if aligned {
		return e.ApplyDelta(agentID, repDeltaAligned, "consensus aligned", missionID)
	}
	return e.ApplyDelta(agentID, repDeltaOutlier, "consensus outlier", missionID)
}

// History returns the audit trail for one agent, newest first.
func (e *ReputationEngine) History(agentID string, limit int) ([]ReputationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := e.store.db.Query(`
		SELECT id, agent_id, delta, old_score, new_score, reason, mission_id, timestamp
		FROM reputation_events WHERE agent_id = ? ORDER BY id DESC LIMIT ?`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []ReputationEvent
	for rows.Next() {
		var ev ReputationEvent
		var missionID sql.NullString
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.Delta, &ev.OldScore, &ev.NewScore, &ev.Reason, &missionID, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		ev.MissionID = missionID.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

func clampScore(score int) int {
	if score < repMin {
		return repMin
	}
	if score > repMax {
		return repMax
	}
	return score
}

// statusForScore promotes an agent to trusted above the threshold and demotes
// to probation below the ceiling; scores in between keep the current status.
func statusForScore(score int, current string) string {
	if score >= repTrustedThreshold {
		return AgentStatusTrusted
	}
	if score <= repProbationCeiling {
		return AgentStatusProbation
	}
	if current == "" {
		return AgentStatusProbation
	}
	return current
}
