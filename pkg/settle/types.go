package settle

// Mission lifecycle states. Transitions are monotonic forward except the
// bounded executing/verifying revision loop and timeout-driven failure.
const (
	MissionStatusOpen        = "open"
	MissionStatusBiddingOpen = "bidding_open"
	MissionStatusAssigned    = "assigned"
	MissionStatusExecuting   = "executing"
	MissionStatusVerifying   = "verifying"
	MissionStatusSettled     = "settled"
	MissionStatusFailed      = "failed"
	MissionStatusSlashed     = "slashed"
)

// Escrow and bond record states. A record is immutable once released or slashed.
const (
	EscrowStatusLocked   = "locked"
	EscrowStatusReleased = "released"
	EscrowStatusSlashed  = "slashed"
)

// Transaction log entry types.
const (
	TxTypeTransfer      = "transfer"
	TxTypeEscrowLock    = "escrow_lock"
	TxTypeEscrowRelease = "escrow_release"
	TxTypeEscrowSlash   = "escrow_slash"
	TxTypeMint          = "mint"
	TxTypeBurn          = "burn"
)

// Dispatch task priorities, ordered urgent first.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Dispatch task types emitted by the registry.
const (
	TaskTypeAssignment     = "mission_assigned"
	TaskTypeRevision       = "revision_requested"
	TaskTypeVerifyRequest  = "verification_requested"
	TaskTypeSettlementNote = "mission_settled"
)

// Risk tiers for verifier panel sizing.
const (
	RiskTierLow    = "low"
	RiskTierMedium = "medium"
	RiskTierHigh   = "high"
)

// Agent roster states. Trusted agents are preferred as verifiers.
const (
	AgentStatusTrusted   = "trusted"
	AgentStatusProbation = "probation"
)

// MaxRevisions bounds the executing/verifying revision loop.
const MaxRevisions = 5

// Escrow is a requester's locked funds for one mission. Bond records share
// the same shape, scoped to the assigned worker's collateral.
type Escrow struct {
	MissionID     string `json:"missionId"`
	Owner         string `json:"owner"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	LockedAt      int64  `json:"lockedAt"`
	ReleasedTo    string `json:"releasedTo,omitempty"`
	ReleasedAt    int64  `json:"releasedAt,omitempty"`
	SlashedAmount int64  `json:"slashedAmount,omitempty"`
	SlashedAt     int64  `json:"slashedAt,omitempty"`
}

// Transaction is one immutable entry in the append-only ledger log.
type Transaction struct {
	ID        int64  `json:"id"`
	TxID      string `json:"txId"`
	Type      string `json:"type"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Amount    int64  `json:"amount"`
	MissionID string `json:"missionId,omitempty"`
	Metadata  string `json:"metadata,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// DispatchTask is an ephemeral notification delivered to one agent via polling.
type DispatchTask struct {
	ID             string `json:"id"`
	AgentID        string `json:"agentId"`
	Type           string `json:"type"`
	Priority       string `json:"priority"`
	MissionID      string `json:"missionId,omitempty"`
	Payload        string `json:"payload"`
	CreatedAt      int64  `json:"createdAt"`
	ExpiresAt      int64  `json:"expiresAt"`
	Acknowledged   bool   `json:"acknowledged"`
	AcknowledgedAt int64  `json:"acknowledgedAt,omitempty"`
}

// Vote is one verifier's pass/fail judgment on submitted work.
type Vote struct {
	VerifierID string `json:"verifierId"`
	Pass       bool   `json:"pass"`
	Feedback   string `json:"feedback,omitempty"`
	VotedAt    int64  `json:"votedAt"`
}

// VerificationRound collects the verifier panel and its votes for one
// submission. Consensus is nil until every expected vote is in, and stays nil
// on an even split (disagreement). Immutable once settled.
type VerificationRound struct {
	MissionID string   `json:"missionId"`
	Verifiers []string `json:"verifiers"`
	Votes     []Vote   `json:"votes"`
	Consensus *bool    `json:"consensus"`
	Outliers  []string `json:"outliers,omitempty"`
	Settled   bool     `json:"settled"`
	CreatedAt int64    `json:"createdAt"`
}

// Mission is the root entity; every other record is keyed by its ID.
type Mission struct {
	ID             string `json:"id"`
	RequesterID    string `json:"requesterId"`
	Reward         int64  `json:"reward"`
	Status         string `json:"status"`
	AssignedAgent  string `json:"assignedAgent,omitempty"`
	Deadline       int64  `json:"deadline"`
	TimeoutSeconds int64  `json:"timeoutSeconds"`
	RevisionCount  int    `json:"revisionCount"`
	RiskTier       string `json:"riskTier"`
	FailReason     string `json:"failReason,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	SettledAt      int64  `json:"settledAt,omitempty"`
}

// Agent is a roster entry: a worker or verifier known to the registry.
type Agent struct {
	AgentID    string `json:"agentId"`
	Address    string `json:"address"`
	Status     string `json:"status"`
	Reputation int    `json:"reputation"`
	LastSeen   int64  `json:"lastSeen"`
}

// ReputationEvent is one audited reputation adjustment.
type ReputationEvent struct {
	ID        int64  `json:"id"`
	AgentID   string `json:"agentId"`
	Delta     int    `json:"delta"`
	OldScore  int    `json:"oldScore"`
	NewScore  int    `json:"newScore"`
	Reason    string `json:"reason"`
	MissionID string `json:"missionId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ReputationChange reports one agent's score movement from a consensus outcome.
type ReputationChange struct {
	AgentID string `json:"agentId"`
	OldRep  int    `json:"oldRep"`
	NewRep  int    `json:"newRep"`
}

// priorityRank orders dispatch tasks for polling: urgent first, low last.
func priorityRank(priority string) int {
	switch priority {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// terminalMissionStatus reports whether a mission can no longer transition.
func terminalMissionStatus(status string) bool {
	switch status {
	case MissionStatusSettled, MissionStatusFailed, MissionStatusSlashed:
		return true
	}
	return false
}
