package settle

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RegistryConfig carries the registry's timing policy.
type RegistryConfig struct {
	// LivenessWindow is how long an assigned worker may go unseen before the
	// mission is failed for heartbeat timeout.
	LivenessWindow time.Duration
}

// DefaultRegistryConfig returns the production timing policy.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{LivenessWindow: 10 * time.Minute}
}

// MissionRegistry is the root orchestrator: it owns the mission state
// machine and invokes the ledger, escrow manager, dispatch queue, verifier
// panel, settlement engine, and reputation engine at the correct
// transitions. All transitions for one mission are serialized; a stale or
// duplicate trigger is rejected by the status check, never applied twice.
type MissionRegistry struct {
	store      *Store
	ledger     *Ledger
	escrow     *EscrowManager
	dispatch   *DispatchQueue
	panel      *VerifierPanel
	reputation *ReputationEngine
	settlement *SettlementEngine
	clock      Clock
	cfg        RegistryConfig

	mu           sync.Mutex
	missionLocks map[string]*sync.Mutex
	timerStops   map[string][]func()
}

// NewMissionRegistry wires the registry to its collaborators.
func NewMissionRegistry(store *Store, ledger *Ledger, escrow *EscrowManager,
	dispatch *DispatchQueue, panel *VerifierPanel, reputation *ReputationEngine,
	settlement *SettlementEngine, clock Clock, cfg RegistryConfig) *MissionRegistry {
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = DefaultRegistryConfig().LivenessWindow
	}
	return &MissionRegistry{
		store:        store,
		ledger:       ledger,
		escrow:       escrow,
		dispatch:     dispatch,
		panel:        panel,
		reputation:   reputation,
		settlement:   settlement,
		clock:        clock,
		cfg:          cfg,
		missionLocks: make(map[string]*sync.Mutex),
		timerStops:   make(map[string][]func()),
	}
}

// lockMission serializes all registry-driven transitions for one mission.
func (r *MissionRegistry) lockMission(missionID string) func() {
	r.mu.Lock()
	l, ok := r.missionLocks[missionID]
	if !ok {
		l = &sync.Mutex{}
		r.missionLocks[missionID] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// GetMission returns the mission row, nil if unknown.
func (r *MissionRegistry) GetMission(missionID string) (*Mission, error) {
	row := r.store.db.QueryRow("SELECT "+missionColumns+" FROM missions WHERE id = ?", missionID)
	return scanMission(row)
}

// CreateMission persists a new open mission and locks the requester's escrow
// (reward less protocol fee) against it. The requester must be a registered
// agent with a funded address. An empty missionID gets a generated one.
func (r *MissionRegistry) CreateMission(missionID, requesterID string, reward int64, deadline time.Time, timeoutSeconds int64, riskTier string) (*Mission, error) {
	if missionID == "" {
		missionID = uuid.NewString()
	}
	if requesterID == "" {
		return nil, fmt.Errorf("requester id is required")
	}
	if reward <= 0 {
		return nil, fmt.Errorf("reward must be positive")
	}
	switch riskTier {
	case RiskTierLow, RiskTierMedium, RiskTierHigh:
	default:
		return nil, fmt.Errorf("unknown risk tier: %s", riskTier)
	}
	requester, err := r.reputation.GetAgent(requesterID)
	if err != nil {
		return nil, err
	}
	if requester == nil {
		return nil, fmt.Errorf("unknown requester: %s", requesterID)
	}

	unlock := r.lockMission(missionID)
	defer unlock()

	if existing, err := r.GetMission(missionID); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("mission %s already exists", missionID)
	}

	if _, err := r.escrow.LockMissionEscrow(missionID, requester.Address, reward); err != nil {
		return nil, fmt.Errorf("lock escrow: %w", err)
	}

	now := r.clock.Now()
	var deadlineUnix int64
	if !deadline.IsZero() {
		deadlineUnix = deadline.Unix()
	}
	mission := &Mission{
		ID:             missionID,
		RequesterID:    requesterID,
		Reward:         reward,
		Status:         MissionStatusOpen,
		Deadline:       deadlineUnix,
		TimeoutSeconds: timeoutSeconds,
		RiskTier:       riskTier,
		CreatedAt:      now.Unix(),
	}
	_, err = r.store.db.Exec(`
		INSERT INTO missions (id, requester_id, reward, status, deadline, timeout_seconds, revision_count, risk_tier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		mission.ID, mission.RequesterID, mission.Reward, mission.Status,
		mission.Deadline, mission.TimeoutSeconds, mission.RiskTier, mission.CreatedAt)
	if err != nil {
		// The escrow row exists but the mission does not; hand the funds back.
		if rerr := r.ledger.ReleaseEscrow(missionID, requester.Address); rerr != nil {
			fmt.Printf("[Registry] Escrow rollback failed for %s: %v\n", missionID, rerr)
		}
		return nil, fmt.Errorf("persist mission: %w", err)
	}
	fmt.Printf("[Registry] Mission %s created by %s (reward %d, tier %s)\n", missionID, requesterID, reward, riskTier)
	return mission, nil
}

// OpenBidding moves an open mission into the bidding window.
func (r *MissionRegistry) OpenBidding(missionID string) error {
	unlock := r.lockMission(missionID)
	defer unlock()
	return r.transition(missionID, []string{MissionStatusOpen}, MissionStatusBiddingOpen, "")
}

// AssignMission assigns a worker: the worker's bond is locked, the worker is
// notified through the dispatch queue, and the deadline plus heartbeat
// timers start.
func (r *MissionRegistry) AssignMission(missionID, workerID string) error {
	worker, err := r.reputation.GetAgent(workerID)
	if err != nil {
		return err
	}
	if worker == nil {
		return fmt.Errorf("unknown worker: %s", workerID)
	}

	unlock := r.lockMission(missionID)
	defer unlock()

	mission, err := r.GetMission(missionID)
	if err != nil {
		return err
	}
	if mission == nil {
		return fmt.Errorf("unknown mission: %s", missionID)
	}
	if mission.Status != MissionStatusOpen && mission.Status != MissionStatusBiddingOpen {
		return fmt.Errorf("mission %s is %s, cannot assign", missionID, mission.Status)
	}
	if workerID == mission.RequesterID {
		return fmt.Errorf("requester cannot work their own mission")
	}

	escrowAmount := r.escrow.EscrowFor(mission.Reward)
	if _, err := r.escrow.LockWorkerBond(missionID, worker.Address, escrowAmount); err != nil {
		return fmt.Errorf("lock worker bond: %w", err)
	}

	_, err = r.store.db.Exec("UPDATE missions SET status = ?, assigned_agent = ? WHERE id = ?",
		MissionStatusAssigned, workerID, missionID)
	if err != nil {
		return fmt.Errorf("persist assignment: %w", err)
	}

	payload := fmt.Sprintf(`{"missionId":%q,"reward":%d,"deadline":%d}`, missionID, mission.Reward, mission.Deadline)
	if _, err := r.dispatch.Enqueue(workerID, TaskTypeAssignment, PriorityUrgent, missionID, payload, 0); err != nil {
		fmt.Printf("[Registry] Dispatch enqueue failed for %s: %v\n", missionID, err)
	}

	r.startExecutionTimers(missionID, r.executionDeadline(mission))
	fmt.Printf("[Registry] Mission %s assigned to %s\n", missionID, workerID)
	return nil
}

// executionDeadline is the absolute deadline if set, else now plus the
// mission's execution timeout.
func (r *MissionRegistry) executionDeadline(mission *Mission) int64 {
	if mission.Deadline > 0 {
		return mission.Deadline
	}
	if mission.TimeoutSeconds > 0 {
		return r.clock.Now().Unix() + mission.TimeoutSeconds
	}
	return 0
}

// StartWork moves an assigned mission into executing when the worker begins.
func (r *MissionRegistry) StartWork(missionID, workerID string) error {
	unlock := r.lockMission(missionID)
	defer unlock()

	mission, err := r.GetMission(missionID)
	if err != nil {
		return err
	}
	if mission == nil {
		return fmt.Errorf("unknown mission: %s", missionID)
	}
	if mission.AssignedAgent != workerID {
		return fmt.Errorf("%s is not assigned to mission %s", workerID, missionID)
	}
	return r.transition(missionID, []string{MissionStatusAssigned}, MissionStatusExecuting, "")
}

// SubmitWork advances the mission to verifying: a verifier panel is
// selected, the verification round initialized, and each verifier notified.
func (r *MissionRegistry) SubmitWork(missionID, workerID string) (*SelectionResult, error) {
	unlock := r.lockMission(missionID)
	defer unlock()

	mission, err := r.GetMission(missionID)
	if err != nil {
		return nil, err
	}
	if mission == nil {
		return nil, fmt.Errorf("unknown mission: %s", missionID)
	}
	if mission.AssignedAgent != workerID {
		return nil, fmt.Errorf("%s is not assigned to mission %s", workerID, missionID)
	}
	if mission.Status != MissionStatusAssigned && mission.Status != MissionStatusExecuting {
		return nil, fmt.Errorf("mission %s is %s, cannot submit work", missionID, mission.Status)
	}

	selection, err := r.panel.SelectVerifiers(missionID, mission.RequesterID, workerID, mission.RiskTier, mission.Reward, 0)
	if err != nil {
		return nil, fmt.Errorf("select verifiers: %w", err)
	}
	if err := r.panel.InitializeVerification(missionID, selection.Verifiers); err != nil {
		return nil, err
	}
	if _, err := r.store.db.Exec("UPDATE missions SET status = ? WHERE id = ?", MissionStatusVerifying, missionID); err != nil {
		return nil, fmt.Errorf("persist submission: %w", err)
	}
	r.stopTimers(missionID)

	for _, verifier := range selection.Verifiers {
		payload := fmt.Sprintf(`{"missionId":%q,"worker":%q}`, missionID, workerID)
		if _, err := r.dispatch.Enqueue(verifier, TaskTypeVerifyRequest, PriorityHigh, missionID, payload, 0); err != nil {
			fmt.Printf("[Registry] Verifier notification failed for %s: %v\n", verifier, err)
		}
	}
	fmt.Printf("[Registry] Mission %s entered verification with panel %v\n", missionID, selection.Verifiers)
	return selection, nil
}

// RequestRevision loops a verifying mission back to executing. The loop is
// bounded: once the revision count reaches the cap, the request fails the
// mission with an explicit reason.
func (r *MissionRegistry) RequestRevision(missionID, feedback string) error {
	unlock := r.lockMission(missionID)
	defer unlock()

	mission, err := r.GetMission(missionID)
	if err != nil {
		return err
	}
	if mission == nil {
		return fmt.Errorf("unknown mission: %s", missionID)
	}
	if mission.Status != MissionStatusVerifying {
		return fmt.Errorf("mission %s is %s, cannot request revision", missionID, mission.Status)
	}
	if mission.RevisionCount >= MaxRevisions {
		if err := r.failMissionLocked(mission, "revision limit exceeded", true); err != nil {
			return err
		}
		return fmt.Errorf("revision limit exceeded for mission %s", missionID)
	}

	_, err = r.store.db.Exec("UPDATE missions SET status = ?, revision_count = revision_count + 1 WHERE id = ?",
		MissionStatusExecuting, missionID)
	if err != nil {
		return fmt.Errorf("persist revision: %w", err)
	}

	payload := fmt.Sprintf(`{"missionId":%q,"feedback":%q,"revision":%d}`, missionID, feedback, mission.RevisionCount+1)
	if _, err := r.dispatch.Enqueue(mission.AssignedAgent, TaskTypeRevision, PriorityHigh, missionID, payload, 0); err != nil {
		fmt.Printf("[Registry] Revision notification failed for %s: %v\n", missionID, err)
	}
	r.startExecutionTimers(missionID, r.executionDeadline(mission))
	fmt.Printf("[Registry] Mission %s revision %d requested\n", missionID, mission.RevisionCount+1)
	return nil
}

// SubmitVote records a verifier's vote and, once the panel is complete,
// drives the outcome: settlement on consensus, escalation on disagreement.
func (r *MissionRegistry) SubmitVote(missionID, verifierID string, pass bool, feedback string) (*VerificationRound, error) {
	unlock := r.lockMission(missionID)
	defer unlock()

	mission, err := r.GetMission(missionID)
	if err != nil {
		return nil, err
	}
	if mission == nil {
		return nil, fmt.Errorf("unknown mission: %s", missionID)
	}
	if mission.Status != MissionStatusVerifying {
		return nil, fmt.Errorf("mission %s is %s, votes are closed", missionID, mission.Status)
	}

	round, err := r.panel.SubmitVote(missionID, verifierID, pass, feedback)
	if err != nil {
		return nil, err
	}
	if len(round.Votes) < len(round.Verifiers) {
		return round, nil
	}

	if round.Consensus == nil {
		// Disagreement: escalate with one added verifier. If the roster
		// cannot supply one, the mission fails explicitly.
		if err := r.escalateDisagreement(mission, round); err != nil {
			return round, err
		}
		return r.panel.GetRound(missionID)
	}

	result, err := r.settlement.SettleMission(missionID)
	if err != nil {
		return nil, fmt.Errorf("settle mission: %w", err)
	}
	final := MissionStatusSettled
	if result.Outcome == OutcomeFail {
		final = MissionStatusSlashed
	}
	now := r.clock.Now().Unix()
	if _, err := r.store.db.Exec("UPDATE missions SET status = ?, settled_at = ? WHERE id = ?", final, now, missionID); err != nil {
		return nil, fmt.Errorf("persist settlement: %w", err)
	}
	r.stopTimers(missionID)

	payload := fmt.Sprintf(`{"missionId":%q,"outcome":%q,"payout":%d}`, missionID, result.Outcome, result.Payout)
	if _, err := r.dispatch.Enqueue(mission.AssignedAgent, TaskTypeSettlementNote, PriorityNormal, missionID, payload, 0); err != nil {
		fmt.Printf("[Registry] Settlement notification failed for %s: %v\n", missionID, err)
	}
	fmt.Printf("[Registry] Mission %s settled: %s\n", missionID, result.Outcome)
	return r.panel.GetRound(missionID)
}

func (r *MissionRegistry) escalateDisagreement(mission *Mission, round *VerificationRound) error {
	extra := len(round.Verifiers) + 1 - PanelSize(mission.RiskTier, mission.Reward)
	if len(round.Verifiers) >= maxPanelSize {
		extra = maxPanelSize - PanelSize(mission.RiskTier, mission.Reward)
	}
	selection, err := r.panel.SelectVerifiers(mission.ID, mission.RequesterID, mission.AssignedAgent, mission.RiskTier, mission.Reward, extra)
	if err != nil || len(selection.Verifiers) <= len(round.Verifiers) {
		fmt.Printf("[Registry] Disagreement escalation impossible for %s, failing mission\n", mission.ID)
		return r.failMissionLocked(mission, "verification disagreement", false)
	}
	if err := r.panel.InitializeVerification(mission.ID, selection.Verifiers); err != nil {
		return err
	}
	for _, verifier := range selection.Verifiers {
		payload := fmt.Sprintf(`{"missionId":%q,"escalated":true}`, mission.ID)
		if _, err := r.dispatch.Enqueue(verifier, TaskTypeVerifyRequest, PriorityHigh, mission.ID, payload, 0); err != nil {
			fmt.Printf("[Registry] Escalation notification failed for %s: %v\n", verifier, err)
		}
	}
	fmt.Printf("[Registry] Mission %s verification escalated to panel of %d\n", mission.ID, len(selection.Verifiers))
	return nil
}

// Heartbeat records a worker as alive; used by the liveness window check.
func (r *MissionRegistry) Heartbeat(agentID string) error {
	return r.dispatch.Heartbeat(agentID)
}

// startExecutionTimers arms the deadline and heartbeat-liveness timers for
// an assigned or executing mission. Timers re-check mission state before
// acting, so a fire after settlement is a no-op.
func (r *MissionRegistry) startExecutionTimers(missionID string, deadline int64) {
	r.stopTimers(missionID)
	now := r.clock.Now()

	var stops []func()
	if deadline > 0 {
		d := time.Unix(deadline, 0).Sub(now)
		if d < 0 {
			d = 0
		}
		stops = append(stops, r.clock.AfterFunc(d, func() {
			r.expireMission(missionID, "deadline passed")
		}))
	}
	stops = append(stops, r.clock.AfterFunc(r.cfg.LivenessWindow, func() {
		r.checkLiveness(missionID)
	}))

	r.mu.Lock()
	r.timerStops[missionID] = stops
	r.mu.Unlock()
}

func (r *MissionRegistry) stopTimers(missionID string) {
	r.mu.Lock()
	stops := r.timerStops[missionID]
	delete(r.timerStops, missionID)
	r.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// checkLiveness fails the mission when the worker has gone unseen past the
// liveness window; otherwise it re-arms the check.
func (r *MissionRegistry) checkLiveness(missionID string) {
	mission, err := r.GetMission(missionID)
	if err != nil || mission == nil {
		return
	}
	if mission.Status != MissionStatusAssigned && mission.Status != MissionStatusExecuting {
		return
	}
	lastSeen, err := r.dispatch.LastSeen(mission.AssignedAgent)
	if err != nil {
		fmt.Printf("[Registry] Liveness check failed for %s: %v\n", missionID, err)
		return
	}
	now := r.clock.Now()
	if !lastSeen.IsZero() && now.Sub(lastSeen) < r.cfg.LivenessWindow {
		stop := r.clock.AfterFunc(r.cfg.LivenessWindow-now.Sub(lastSeen), func() {
			r.checkLiveness(missionID)
		})
		r.mu.Lock()
		r.timerStops[missionID] = append(r.timerStops[missionID], stop)
		r.mu.Unlock()
		return
	}
	r.expireMission(missionID, "heartbeat timeout")
}

// expireMission fails an assigned or executing mission on a wall-clock
// trigger. A fire after the mission reached a terminal state is a no-op.
func (r *MissionRegistry) expireMission(missionID, reason string) {
	unlock := r.lockMission(missionID)
	defer unlock()

	mission, err := r.GetMission(missionID)
	if err != nil || mission == nil {
		return
	}
	if mission.Status != MissionStatusAssigned && mission.Status != MissionStatusExecuting {
		return
	}
	if err := r.failMissionLocked(mission, reason, true); err != nil {
		fmt.Printf("[Registry] Timeout failure for %s did not apply: %v\n", missionID, err)
	}
}

// failMissionLocked finalizes a failure: the escrow (if still locked) goes
// back to the requester, the worker bond is slashed when the fault is the
// worker's, and the mission is marked failed with an explicit reason.
// Callers must hold the mission lock.
func (r *MissionRegistry) failMissionLocked(mission *Mission, reason string, slashBond bool) error {
	escrow, err := r.ledger.GetEscrow(mission.ID)
	if err != nil {
		return err
	}
	if escrow != nil && escrow.Status == EscrowStatusLocked {
		if err := r.ledger.ReleaseEscrow(mission.ID, escrow.Owner); err != nil {
			return fmt.Errorf("return escrow: %w", err)
		}
	}
	bond, err := r.ledger.GetBond(mission.ID)
	if err != nil {
		return err
	}
	if bond != nil && bond.Status == EscrowStatusLocked {
		if slashBond {
			if err := r.ledger.SlashBond(mission.ID, bond.Amount); err != nil {
				return fmt.Errorf("slash bond: %w", err)
			}
		} else if err := r.ledger.ReleaseBond(mission.ID, bond.Owner); err != nil {
			return fmt.Errorf("return bond: %w", err)
		}
	}

	now := r.clock.Now().Unix()
	_, err = r.store.db.Exec("UPDATE missions SET status = ?, fail_reason = ?, settled_at = ? WHERE id = ?",
		MissionStatusFailed, reason, now, mission.ID)
	if err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	r.stopTimers(mission.ID)

	if mission.AssignedAgent != "" && slashBond {
		if _, _, err := r.reputation.RecordJobOutcome(mission.AssignedAgent, false, 0, mission.ID); err != nil {
			fmt.Printf("[Registry] Worker reputation update failed for %s: %v\n", mission.ID, err)
		}
	}
	fmt.Printf("[Registry] Mission %s failed: %s\n", mission.ID, reason)
	return nil
}

// transition applies a simple status move after verifying the current state.
func (r *MissionRegistry) transition(missionID string, from []string, to, reason string) error {
	mission, err := r.GetMission(missionID)
	if err != nil {
		return err
	}
	if mission == nil {
		return fmt.Errorf("unknown mission: %s", missionID)
	}
	if terminalMissionStatus(mission.Status) {
		return fmt.Errorf("mission %s is %s and closed", missionID, mission.Status)
	}
	if !containsString(from, mission.Status) {
		return fmt.Errorf("mission %s is %s, cannot move to %s", missionID, mission.Status, to)
	}
	_, err = r.store.db.Exec("UPDATE missions SET status = ?, fail_reason = COALESCE(NULLIF(?, ''), fail_reason) WHERE id = ?",
		to, reason, missionID)
	if err != nil {
		return fmt.Errorf("persist transition: %w", err)
	}
	return nil
}
