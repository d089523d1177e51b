package settle

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// largeRewardThreshold grows the verifier panel by one for high-value
// missions, capped at maxPanelSize.
const (
	largeRewardThreshold int64 = 10_000
	maxPanelSize               = 5
)

// VerifierPanel chooses verifier sets and tallies their votes into a
// consensus outcome with outlier detection.
type VerifierPanel struct {
	store      *Store
	reputation *ReputationEngine
}

// SelectionResult is the chosen verifier set plus the reasoning trail
// explaining each inclusion and exclusion.
type SelectionResult struct {
	Verifiers []string `json:"verifiers"`
	Reasoning []string `json:"reasoning"`
}

// NewVerifierPanel builds the panel service over a store and the reputation
// engine that its outcome processing feeds.
func NewVerifierPanel(store *Store, reputation *ReputationEngine) *VerifierPanel {
	return &VerifierPanel{store: store, reputation: reputation}
}

// PanelSize returns the verifier count for a risk tier and reward: low 1,
// medium 2, high 3, plus one for large rewards, capped at 5.
func PanelSize(riskTier string, reward int64) int {
	size := 1
	switch riskTier {
	case RiskTierMedium:
		size = 2
	case RiskTierHigh:
		size = 3
	}
	if reward >= largeRewardThreshold {
		size++
	}
	if size > maxPanelSize {
		size = maxPanelSize
	}
	return size
}

// SelectVerifiers picks a panel for a mission, excluding the requester and
// the assigned worker and preferring trusted agents over probation agents.
// extra widens the panel beyond the tier size (used for disagreement
// escalation). Fails when not enough eligible agents exist.
func (p *VerifierPanel) SelectVerifiers(missionID, requesterID, workerID, riskTier string, reward int64, extra int) (*SelectionResult, error) {
	want := PanelSize(riskTier, reward) + extra
	if want > maxPanelSize {
		want = maxPanelSize
	}

	agents, err := p.reputation.ListAgents()
	if err != nil {
		return nil, err
	}

	result := &SelectionResult{
		Reasoning: []string{
			fmt.Sprintf("risk tier %s with reward %d requires %d verifier(s)", riskTier, reward, want),
		},
	}

	// ListAgents orders by reputation descending, and trusted agents sit
	// above the threshold by construction, so a single pass prefers trusted
	// over probation.
	for _, a := range agents {
		if len(result.Verifiers) == want {
			break
		}
		switch a.AgentID {
		case requesterID:
			result.Reasoning = append(result.Reasoning, fmt.Sprintf("excluded %s: mission requester", a.AgentID))
			continue
		case workerID:
			result.Reasoning = append(result.Reasoning, fmt.Sprintf("excluded %s: assigned worker", a.AgentID))
			continue
		}
		result.Verifiers = append(result.Verifiers, a.AgentID)
		result.Reasoning = append(result.Reasoning,
			fmt.Sprintf("selected %s (%s, reputation %d)", a.AgentID, a.Status, a.Reputation))
	}

	if len(result.Verifiers) < want {
		return nil, fmt.Errorf("not enough eligible verifiers: need %d, found %d", want, len(result.Verifiers))
	}
	return result, nil
}

// InitializeVerification creates (or replaces, for escalation) the
// verification round for a mission with empty votes. A settled round is
// immutable and cannot be replaced.
func (p *VerifierPanel) InitializeVerification(missionID string, verifiers []string) error {
	if len(verifiers) == 0 {
		return fmt.Errorf("verifier set cannot be empty")
	}
	existing, err := p.GetRound(missionID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Settled {
		return fmt.Errorf("verification for mission %s is already settled", missionID)
	}

	verifiersJSON, err := json.Marshal(verifiers)
	if err != nil {
		return fmt.Errorf("marshal verifiers: %w", err)
	}

	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	tx, err := p.store.db.Begin()
	if err != nil {
		return fmt.Errorf("begin verification init: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO verification_rounds (mission_id, verifiers, consensus, outliers, settled, created_at)
		VALUES (?, ?, NULL, NULL, 0, ?)
		ON CONFLICT(mission_id) DO UPDATE SET
			verifiers = excluded.verifiers, consensus = NULL, outliers = NULL, created_at = excluded.created_at`,
		missionID, string(verifiersJSON), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM votes WHERE mission_id = ?", missionID); err != nil {
		return fmt.Errorf("clear votes: %w", err)
	}
	return tx.Commit()
}

// SubmitVote records a verifier's vote. Re-voting overwrites the earlier
// vote (last vote wins) until every expected vote is in; after that the
// round is closed. Returns the round with consensus computed once complete.
func (p *VerifierPanel) SubmitVote(missionID, verifierID string, pass bool, feedback string) (*VerificationRound, error) {
	round, err := p.GetRound(missionID)
	if err != nil {
		return nil, err
	}
	if round == nil {
		return nil, fmt.Errorf("no verification round for mission %s", missionID)
	}
	if round.Settled || len(round.Votes) == len(round.Verifiers) {
		return nil, fmt.Errorf("verification round for mission %s is closed", missionID)
	}
	if !containsString(round.Verifiers, verifierID) {
		return nil, fmt.Errorf("%s is not on the verifier panel for mission %s", verifierID, missionID)
	}

	p.store.mu.Lock()
	tx, err := p.store.db.Begin()
	if err != nil {
		p.store.mu.Unlock()
		return nil, fmt.Errorf("begin vote: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO votes (mission_id, verifier_id, pass, feedback, voted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(mission_id, verifier_id) DO UPDATE SET
			pass = excluded.pass, feedback = excluded.feedback, voted_at = excluded.voted_at`,
		missionID, verifierID, boolToInt(pass), feedback, time.Now().Unix())
	if err != nil {
		tx.Rollback()
		p.store.mu.Unlock()
		return nil, fmt.Errorf("record vote: %w", err)
	}
	if err := tx.Commit(); err != nil {
		p.store.mu.Unlock()
		return nil, err
	}
	p.store.mu.Unlock()

	round, err = p.GetRound(missionID)
	if err != nil {
		return nil, err
	}
	if len(round.Votes) == len(round.Verifiers) {
		if err := p.finalizeConsensus(round); err != nil {
			return nil, err
		}
	}
	return round, nil
}

// finalizeConsensus tallies a complete round: strict majority wins and the
// minority voters are outliers; an exact tie leaves consensus nil
// (disagreement) and flags every voter as an outlier.
func (p *VerifierPanel) finalizeConsensus(round *VerificationRound) error {
	passes, fails := 0, 0
	for _, v := range round.Votes {
		if v.Pass {
			passes++
		} else {
			fails++
		}
	}

	var consensus *bool
	var outliers []string
	switch {
	case passes > fails:
		v := true
		consensus = &v
		for _, vote := range round.Votes {
			if !vote.Pass {
				outliers = append(outliers, vote.VerifierID)
			}
		}
	case fails > passes:
		v := false
		consensus = &v
		for _, vote := range round.Votes {
			if vote.Pass {
				outliers = append(outliers, vote.VerifierID)
			}
		}
	default:
		// Disagreement: no majority to align with, every voter is an outlier.
		for _, vote := range round.Votes {
			outliers = append(outliers, vote.VerifierID)
		}
	}

	outliersJSON, err := json.Marshal(outliers)
	if err != nil {
		return fmt.Errorf("marshal outliers: %w", err)
	}
	var consensusVal interface{}
	if consensus != nil {
		consensusVal = boolToInt(*consensus)
	}
	_, err = p.store.db.Exec(
		"UPDATE verification_rounds SET consensus = ?, outliers = ? WHERE mission_id = ?",
		consensusVal, string(outliersJSON), round.MissionID)
	if err != nil {
		return fmt.Errorf("store consensus: %w", err)
	}
	round.Consensus = consensus
	round.Outliers = outliers
	return nil
}

// GetRound loads the verification round and its votes for a mission, nil if
// none exists.
func (p *VerifierPanel) GetRound(missionID string) (*VerificationRound, error) {
	var round VerificationRound
	var verifiersJSON string
	var outliersJSON sql.NullString
	var consensus sql.NullInt64
	var settled int
	err := p.store.db.QueryRow(
		"SELECT mission_id, verifiers, consensus, outliers, settled, created_at FROM verification_rounds WHERE mission_id = ?",
		missionID).Scan(&round.MissionID, &verifiersJSON, &consensus, &outliersJSON, &settled, &round.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query round: %w", err)
	}
	if err := json.Unmarshal([]byte(verifiersJSON), &round.Verifiers); err != nil {
		return nil, fmt.Errorf("decode verifiers: %w", err)
	}
	if outliersJSON.Valid && outliersJSON.String != "" {
		if err := json.Unmarshal([]byte(outliersJSON.String), &round.Outliers); err != nil {
			return nil, fmt.Errorf("decode outliers: %w", err)
		}
	}
	if consensus.Valid {
		v := consensus.Int64 != 0
		round.Consensus = &v
	}
	round.Settled = settled != 0

	rows, err := p.store.db.Query(
		"SELECT verifier_id, pass, feedback, voted_at FROM votes WHERE mission_id = ? ORDER BY voted_at ASC, verifier_id ASC",
		missionID)
	if err != nil {
		return nil, fmt.Errorf("query votes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v Vote
		var pass int
		var feedback sql.NullString
		if err := rows.Scan(&v.VerifierID, &pass, &feedback, &v.VotedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		v.Pass = pass != 0
		v.Feedback = feedback.String
		round.Votes = append(round.Votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &round, nil
}

// ProcessOutcome applies consensus-alignment reputation deltas for every
// voter in a complete round: aligned voters gain, outliers lose. Under
// disagreement every voter is an outlier and loses.
func (p *VerifierPanel) ProcessOutcome(missionID string) ([]ReputationChange, error) {
	round, err := p.GetRound(missionID)
	if err != nil {
		return nil, err
	}
	if round == nil {
		return nil, fmt.Errorf("no verification round for mission %s", missionID)
	}
	if len(round.Votes) != len(round.Verifiers) {
		return nil, fmt.Errorf("verification round for mission %s is incomplete", missionID)
	}

	outlierSet := make(map[string]bool, len(round.Outliers))
	for _, id := range round.Outliers {
		outlierSet[id] = true
	}

	changes := make([]ReputationChange, 0, len(round.Votes))
	for _, vote := range round.Votes {
		aligned := !outlierSet[vote.VerifierID]
		old, next, err := p.reputation.RecordAlignment(vote.VerifierID, aligned, missionID)
		if err != nil {
			return nil, err
		}
		changes = append(changes, ReputationChange{AgentID: vote.VerifierID, OldRep: old, NewRep: next})
	}
	return changes, nil
}

// MarkSettled freezes the round after settlement; it is immutable afterwards.
func (p *VerifierPanel) MarkSettled(missionID string) error {
	_, err := p.store.db.Exec("UPDATE verification_rounds SET settled = 1 WHERE mission_id = ?", missionID)
	if err != nil {
		return fmt.Errorf("mark round settled: %w", err)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
