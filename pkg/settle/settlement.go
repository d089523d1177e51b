package settle

import (
	"fmt"
)

// Settlement outcomes.
const (
	OutcomePass = "pass"
	OutcomeFail = "fail"
)

// SettlementResult reports the one-time financial resolution of a mission.
type SettlementResult struct {
	MissionID     string             `json:"missionId"`
	Outcome       string             `json:"outcome"`
	Payout        int64              `json:"payout"`
	BondReturned  int64              `json:"bondReturned"`
	EscrowSlashed int64              `json:"escrowSlashed"`
	BondSlashed   int64              `json:"bondSlashed"`
	Reputation    []ReputationChange `json:"reputation,omitempty"`
}

// SettlementEngine converts a consensus outcome into final ledger movements.
// It refuses to run unless the mission is in verifying, which makes a second
// settlement attempt a state-conflict failure rather than a double payout.
type SettlementEngine struct {
	store      *Store
	escrow     *EscrowManager
	panel      *VerifierPanel
	reputation *ReputationEngine
}

// NewSettlementEngine wires the engine to its collaborators.
func NewSettlementEngine(store *Store, escrow *EscrowManager, panel *VerifierPanel, reputation *ReputationEngine) *SettlementEngine {
	return &SettlementEngine{store: store, escrow: escrow, panel: panel, reputation: reputation}
}

// SettleMission executes the payout or slash for a mission whose
// verification round reached consensus. On PASS the escrow is released to
// the worker and the bond returned; on FAIL the escrow is slashed per policy
// and the bond forfeited. Worker and verifier reputations are updated.
// The caller (the registry) transitions the mission status afterwards.
func (e *SettlementEngine) SettleMission(missionID string) (*SettlementResult, error) {
	mission, err := e.getMission(missionID)
	if err != nil {
		return nil, err
	}
	if mission == nil {
		return nil, fmt.Errorf("unknown mission: %s", missionID)
	}
	if mission.Status != MissionStatusVerifying {
		return nil, fmt.Errorf("mission %s is %s, not verifying", missionID, mission.Status)
	}

	round, err := e.panel.GetRound(missionID)
	if err != nil {
		return nil, err
	}
	if round == nil {
		return nil, fmt.Errorf("no verification round for mission %s", missionID)
	}
	if round.Consensus == nil {
		return nil, fmt.Errorf("verification round for mission %s has no consensus", missionID)
	}

	result := &SettlementResult{MissionID: missionID}
	worker := mission.AssignedAgent
	workerAgent, err := e.reputation.GetAgent(worker)
	if err != nil {
		return nil, err
	}
	if workerAgent == nil {
		return nil, fmt.Errorf("unknown worker agent: %s", worker)
	}

	if *round.Consensus {
		result.Outcome = OutcomePass
		escrow, err := e.escrow.ledger.GetEscrow(missionID)
		if err != nil {
			return nil, err
		}
		if escrow == nil {
			return nil, fmt.Errorf("no escrow for mission %s", missionID)
		}
		if err := e.escrow.ReleaseEscrowTo(missionID, workerAgent.Address); err != nil {
			return nil, fmt.Errorf("release escrow: %w", err)
		}
		result.Payout = escrow.Amount

		bond, err := e.escrow.ledger.GetBond(missionID)
		if err != nil {
			return nil, err
		}
		if bond != nil && bond.Status == EscrowStatusLocked {
			if err := e.escrow.ReturnBond(missionID); err != nil {
				return nil, fmt.Errorf("return bond: %w", err)
			}
			result.BondReturned = bond.Amount
		}
		if _, _, err := e.reputation.RecordJobOutcome(worker, true, 0, missionID); err != nil {
			fmt.Printf("[Settlement] Worker reputation update failed for %s: %v\n", worker, err)
		}
	} else {
		result.Outcome = OutcomeFail
		escrowSlashed, bondSlashed, err := e.escrow.SlashMission(missionID)
		if err != nil {
			return nil, fmt.Errorf("slash mission: %w", err)
		}
		result.EscrowSlashed = escrowSlashed
		result.BondSlashed = bondSlashed
		if _, _, err := e.reputation.RecordJobOutcome(worker, false, 0, missionID); err != nil {
			fmt.Printf("[Settlement] Worker reputation update failed for %s: %v\n", worker, err)
		}
	}

	changes, err := e.panel.ProcessOutcome(missionID)
	if err != nil {
		fmt.Printf("[Settlement] Verifier reputation updates failed for %s: %v\n", missionID, err)
	} else {
		result.Reputation = changes
	}
	if err := e.panel.MarkSettled(missionID); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *SettlementEngine) getMission(missionID string) (*Mission, error) {
	row := e.store.db.QueryRow("SELECT "+missionColumns+" FROM missions WHERE id = ?", missionID)
	return scanMission(row)
}
