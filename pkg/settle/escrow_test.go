package settle

import (
	"testing"
)

const testOperator = "0x00000000000000000000000000000000000000fe"

func newTestEscrowManager(t *testing.T) (*EscrowManager, *Ledger) {
	t.Helper()
	ledger := newTestLedger(t)
	return NewEscrowManager(ledger, DefaultEconomics(testOperator)), ledger
}

func TestEscrowAndBondSizing(t *testing.T) {
	t.Parallel()

	m, _ := newTestEscrowManager(t)
	if fee := m.FeeFor(1000); fee != 50 {
		t.Fatalf("fee = %d, want 50", fee)
	}
	if escrow := m.EscrowFor(1000); escrow != 950 {
		t.Fatalf("escrow = %d, want 950", escrow)
	}
	if bond := m.BondFor(950); bond != 190 {
		t.Fatalf("bond = %d, want 190", bond)
	}
}

func TestLockMissionEscrowCollectsFee(t *testing.T) {
	t.Parallel()

	m, ledger := newTestEscrowManager(t)
	if err := ledger.Mint("requester", 1000, ""); err != nil {
		t.Fatalf("mint: %v", err)
	}

	escrow, err := m.LockMissionEscrow("m1", "requester", 1000)
	if err != nil {
		t.Fatalf("lock mission escrow: %v", err)
	}
	if escrow != 950 {
		t.Fatalf("escrow = %d, want 950", escrow)
	}

	operatorBalance, _ := ledger.GetBalance(testOperator)
	if operatorBalance != 50 {
		t.Fatalf("operator balance = %d, want 50", operatorBalance)
	}
	available, _ := ledger.GetAvailableBalance("requester")
	if available != 0 {
		t.Fatalf("requester available = %d, want 0", available)
	}
}

func TestLockMissionEscrowRejectsUnderfunded(t *testing.T) {
	t.Parallel()

	m, ledger := newTestEscrowManager(t)
	if err := ledger.Mint("requester", 100, ""); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := m.LockMissionEscrow("m1", "requester", 1000); err == nil {
		t.Fatalf("expected underfunded escrow lock to fail")
	}
	// Nothing moved on failure.
	balance, _ := ledger.GetBalance("requester")
	if balance != 100 {
		t.Fatalf("requester balance = %d after failed lock, want 100", balance)
	}
	if rec, _ := ledger.GetEscrow("m1"); rec != nil {
		t.Fatalf("unexpected escrow record after failed lock: %+v", rec)
	}
}

func TestSlashMissionBurnsHalfEscrowAndWholeBond(t *testing.T) {
	t.Parallel()

	m, ledger := newTestEscrowManager(t)
	if err := ledger.Mint("requester", 1000, ""); err != nil {
		t.Fatalf("mint requester: %v", err)
	}
	if err := ledger.Mint("worker", 200, ""); err != nil {
		t.Fatalf("mint worker: %v", err)
	}

	escrow, err := m.LockMissionEscrow("m1", "requester", 1000)
	if err != nil {
		t.Fatalf("lock escrow: %v", err)
	}
	bond, err := m.LockWorkerBond("m1", "worker", escrow)
	if err != nil {
		t.Fatalf("lock bond: %v", err)
	}
	if bond != 190 {
		t.Fatalf("bond = %d, want 190", bond)
	}

	escrowSlashed, bondSlashed, err := m.SlashMission("m1")
	if err != nil {
		t.Fatalf("slash mission: %v", err)
	}
	if escrowSlashed != 475 {
		t.Fatalf("escrow slashed = %d, want 475", escrowSlashed)
	}
	if bondSlashed != 190 {
		t.Fatalf("bond slashed = %d, want 190", bondSlashed)
	}

	// Requester keeps the unburned half of the escrow.
	requesterBalance, _ := ledger.GetBalance("requester")
	if requesterBalance != 950-475 {
		t.Fatalf("requester balance = %d, want %d", requesterBalance, 950-475)
	}
	workerBalance, _ := ledger.GetBalance("worker")
	if workerBalance != 10 {
		t.Fatalf("worker balance = %d, want 10", workerBalance)
	}

	// A second slash is a no-op on already-slashed rows.
	escrowSlashed, bondSlashed, err = m.SlashMission("m1")
	if err != nil {
		t.Fatalf("second slash: %v", err)
	}
	if escrowSlashed != 0 || bondSlashed != 0 {
		t.Fatalf("second slash moved funds: escrow=%d bond=%d", escrowSlashed, bondSlashed)
	}
}

func TestReturnBond(t *testing.T) {
	t.Parallel()

	m, ledger := newTestEscrowManager(t)
	if err := ledger.Mint("worker", 200, ""); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := m.LockWorkerBond("m1", "worker", 950); err != nil {
		t.Fatalf("lock bond: %v", err)
	}
	available, _ := ledger.GetAvailableBalance("worker")
	if available != 10 {
		t.Fatalf("available with bond locked = %d, want 10", available)
	}

	if err := m.ReturnBond("m1"); err != nil {
		t.Fatalf("return bond: %v", err)
	}
	available, _ = ledger.GetAvailableBalance("worker")
	if available != 200 {
		t.Fatalf("available after bond return = %d, want 200", available)
	}
}
