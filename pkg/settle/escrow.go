package settle

import (
	"fmt"
)

// EconomicsConfig carries the marketplace's financial policy knobs.
type EconomicsConfig struct {
	// ProtocolFeePercent of the reward is moved to the operator when escrow
	// is locked. Escrow = reward * (1 - fee).
	ProtocolFeePercent float64
	// BondPercent of the escrow is the worker's required collateral.
	BondPercent float64
	// SlashBurnPercent of a failed mission's escrow is burned; the remainder
	// stays with the requester.
	SlashBurnPercent float64
	// OperatorAddress receives protocol fees.
	OperatorAddress string
}

// DefaultEconomics mirrors the production policy: 5% protocol fee, 20% worker
// bond, half of a failed escrow burned.
func DefaultEconomics(operator string) EconomicsConfig {
	return EconomicsConfig{
		ProtocolFeePercent: 0.05,
		BondPercent:        0.20,
		SlashBurnPercent:   0.50,
		OperatorAddress:    NormalizeAddress(operator),
	}
}

// EscrowManager is the thin policy layer over the ledger: it computes escrow
// and bond sizes from the reward and keeps mission-scoped bookkeeping so a
// bond slash can never double-slash the escrow for the same fault.
type EscrowManager struct {
	ledger *Ledger
	cfg    EconomicsConfig
}

// NewEscrowManager builds the policy layer over a ledger.
func NewEscrowManager(ledger *Ledger, cfg EconomicsConfig) *EscrowManager {
	return &EscrowManager{ledger: ledger, cfg: cfg}
}

// EscrowFor returns the escrow locked for a given reward: the reward less the
// protocol fee.
func (m *EscrowManager) EscrowFor(reward int64) int64 {
	return reward - m.FeeFor(reward)
}

// FeeFor returns the protocol fee taken from a reward.
func (m *EscrowManager) FeeFor(reward int64) int64 {
	return int64(float64(reward) * m.cfg.ProtocolFeePercent)
}

// BondFor returns the collateral a worker must post against an escrow.
func (m *EscrowManager) BondFor(escrow int64) int64 {
	return int64(float64(escrow) * m.cfg.BondPercent)
}

// LockMissionEscrow collects the protocol fee and locks the remaining escrow
// against the mission. The fee moves to the operator immediately; on a PASS
// settlement it simply stays there.
func (m *EscrowManager) LockMissionEscrow(missionID, payer string, reward int64) (int64, error) {
	if reward <= 0 {
		return 0, fmt.Errorf("reward must be positive")
	}
	escrow := m.EscrowFor(reward)
	fee := m.FeeFor(reward)

	if err := m.ledger.LockEscrow(payer, escrow, missionID); err != nil {
		return 0, err
	}
	if fee > 0 && m.cfg.OperatorAddress != "" {
		if err := m.ledger.Transfer(payer, m.cfg.OperatorAddress, fee); err != nil {
			// Undo the lock so a fee failure leaves no partial state. The
			// escrow row is still locked, so release it back to the payer.
			if rerr := m.ledger.ReleaseEscrow(missionID, payer); rerr != nil {
				return 0, fmt.Errorf("fee transfer failed (%v) and escrow rollback failed: %w", err, rerr)
			}
			return 0, fmt.Errorf("protocol fee transfer: %w", err)
		}
	}
	return escrow, nil
}

// LockWorkerBond posts the worker's collateral for a mission.
func (m *EscrowManager) LockWorkerBond(missionID, worker string, escrow int64) (int64, error) {
	bond := m.BondFor(escrow)
	if bond <= 0 {
		return 0, nil
	}
	if err := m.ledger.LockBond(worker, bond, missionID); err != nil {
		return 0, err
	}
	return bond, nil
}

// ReleaseEscrowTo pays the mission escrow out to recipient.
func (m *EscrowManager) ReleaseEscrowTo(missionID, recipient string) error {
	return m.ledger.ReleaseEscrow(missionID, recipient)
}

// ReturnBond gives the worker's collateral back to its owner.
func (m *EscrowManager) ReturnBond(missionID string) error {
	bond, err := m.ledger.GetBond(missionID)
	if err != nil {
		return err
	}
	if bond == nil {
		return fmt.Errorf("no bond for mission %s", missionID)
	}
	return m.ledger.ReleaseBond(missionID, bond.Owner)
}

// SlashMission applies the failure policy: burn SlashBurnPercent of the
// escrow (the remainder stays with the requester's balance) and forfeit the
// worker's entire bond. Each collateral row is slashed at most once; the
// ledger rejects a second slash because the row is no longer locked.
func (m *EscrowManager) SlashMission(missionID string) (escrowSlashed, bondSlashed int64, err error) {
	escrow, err := m.ledger.GetEscrow(missionID)
	if err != nil {
		return 0, 0, err
	}
	if escrow == nil {
		return 0, 0, fmt.Errorf("no escrow for mission %s", missionID)
	}
	if escrow.Status == EscrowStatusLocked {
		escrowSlashed = int64(float64(escrow.Amount) * m.cfg.SlashBurnPercent)
		if escrowSlashed <= 0 {
			escrowSlashed = escrow.Amount
		}
		if err := m.ledger.SlashEscrow(missionID, escrowSlashed); err != nil {
			return 0, 0, err
		}
	}

	bond, err := m.ledger.GetBond(missionID)
	if err != nil {
		return escrowSlashed, 0, err
	}
	if bond != nil && bond.Status == EscrowStatusLocked {
		bondSlashed = bond.Amount
		if err := m.ledger.SlashBond(missionID, bondSlashed); err != nil {
			return escrowSlashed, 0, err
		}
	}
	return escrowSlashed, bondSlashed, nil
}
