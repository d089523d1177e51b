package settle

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

const (
	requesterAddr = "0x1111111111111111111111111111111111111111"
	workerAddr    = "0x2222222222222222222222222222222222222222"
)

func newTestService(t *testing.T) (*Service, *FakeClock) {
	t.Helper()
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	svc, err := NewService(filepath.Join(t.TempDir(), "settle.db"),
		DefaultEconomics(testOperator), RegistryConfig{}, clock, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, clock
}

// seedMarketplace registers a funded requester and worker plus n verifiers.
func seedMarketplace(t *testing.T, svc *Service, verifiers int) {
	t.Helper()
	if _, err := svc.Reputation.RegisterAgent("requester-1", requesterAddr); err != nil {
		t.Fatalf("register requester: %v", err)
	}
	if _, err := svc.Reputation.RegisterAgent("worker-1", workerAddr); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	for i := 1; i <= verifiers; i++ {
		if _, err := svc.Reputation.RegisterAgent(fmt.Sprintf("v%d", i), ""); err != nil {
			t.Fatalf("register verifier %d: %v", i, err)
		}
	}
	if err := svc.Ledger.Mint(requesterAddr, 10_000, ""); err != nil {
		t.Fatalf("mint requester: %v", err)
	}
	if err := svc.Ledger.Mint(workerAddr, 500, ""); err != nil {
		t.Fatalf("mint worker: %v", err)
	}
}

// createAssignedMission creates a medium-tier mission with reward 1000 and
// assigns worker-1 to it.
func createAssignedMission(t *testing.T, svc *Service) *Mission {
	t.Helper()
	mission, err := svc.Registry.CreateMission("", "requester-1", 1_000, time.Time{}, 0, RiskTierMedium)
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if err := svc.Registry.AssignMission(mission.ID, "worker-1"); err != nil {
		t.Fatalf("assign mission: %v", err)
	}
	return mission
}

func assertBalance(t *testing.T, ledger *Ledger, addr string, want int64) {
	t.Helper()
	got, err := ledger.GetBalance(addr)
	if err != nil {
		t.Fatalf("balance %s: %v", addr, err)
	}
	if got != want {
		t.Fatalf("balance %s = %d, want %d", addr, got, want)
	}
}

func assertMissionStatus(t *testing.T, svc *Service, missionID, want string) {
	t.Helper()
	mission, err := svc.Registry.GetMission(missionID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if mission == nil {
		t.Fatalf("mission %s not found", missionID)
	}
	if mission.Status != want {
		t.Fatalf("mission status = %s, want %s", mission.Status, want)
	}
}

func TestCreateMissionLocksEscrowAndFee(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	seedMarketplace(t, svc, 2)

	mission, err := svc.Registry.CreateMission("", "requester-1", 1_000, time.Time{}, 0, RiskTierMedium)
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if mission.ID == "" {
		t.Fatalf("expected generated mission id")
	}
	assertMissionStatus(t, svc, mission.ID, MissionStatusOpen)

	assertBalance(t, svc.Ledger, testOperator, 50)
	available, err := svc.Ledger.GetAvailableBalance(requesterAddr)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available != 9_000 {
		t.Fatalf("requester available = %d, want 9000 with 950 locked", available)
	}

	if _, err := svc.Registry.CreateMission(mission.ID, "requester-1", 1_000, time.Time{}, 0, RiskTierMedium); err == nil {
		t.Fatalf("expected duplicate mission id to be rejected")
	}
	if _, err := svc.Registry.CreateMission("", "ghost", 1_000, time.Time{}, 0, RiskTierMedium); err == nil {
		t.Fatalf("expected unknown requester to be rejected")
	}
	if _, err := svc.Registry.CreateMission("", "requester-1", 1_000, time.Time{}, 0, "extreme"); err == nil {
		t.Fatalf("expected unknown risk tier to be rejected")
	}
}

func TestAssignMissionLocksBondAndNotifies(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	seedMarketplace(t, svc, 2)

	mission, err := svc.Registry.CreateMission("", "requester-1", 1_000, time.Time{}, 0, RiskTierMedium)
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if err := svc.Registry.OpenBidding(mission.ID); err != nil {
		t.Fatalf("open bidding: %v", err)
	}
	if err := svc.Registry.AssignMission(mission.ID, "requester-1"); err == nil {
		t.Fatalf("expected self-assignment to be rejected")
	}
	if err := svc.Registry.AssignMission(mission.ID, "worker-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	assertMissionStatus(t, svc, mission.ID, MissionStatusAssigned)

	available, err := svc.Ledger.GetAvailableBalance(workerAddr)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if available != 310 {
		t.Fatalf("worker available = %d, want 310 with bond 190 locked", available)
	}

	result, err := svc.Dispatch.Poll("worker-1", 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(result.Tasks) != 1 || result.Tasks[0].Type != TaskTypeAssignment {
		t.Fatalf("tasks = %+v, want one assignment notice", result.Tasks)
	}

	if err := svc.Registry.AssignMission(mission.ID, "worker-1"); err == nil {
		t.Fatalf("expected second assignment to be rejected")
	}
}

func TestFullLifecyclePass(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	seedMarketplace(t, svc, 2)
	mission := createAssignedMission(t, svc)

	if err := svc.Registry.StartWork(mission.ID, "v1"); err == nil {
		t.Fatalf("expected unassigned agent start to be rejected")
	}
	if err := svc.Registry.StartWork(mission.ID, "worker-1"); err != nil {
		t.Fatalf("start work: %v", err)
	}
	assertMissionStatus(t, svc, mission.ID, MissionStatusExecuting)

	selection, err := svc.Registry.SubmitWork(mission.ID, "worker-1")
	if err != nil {
		t.Fatalf("submit work: %v", err)
	}
	assertMissionStatus(t, svc, mission.ID, MissionStatusVerifying)

	for _, v := range selection.Verifiers {
		if _, err := svc.Registry.SubmitVote(mission.ID, v, true, "looks good"); err != nil {
			t.Fatalf("vote %s: %v", v, err)
		}
	}
	assertMissionStatus(t, svc, mission.ID, MissionStatusSettled)
	assertBalance(t, svc.Ledger, workerAddr, 1450)

	mission, err = svc.Registry.GetMission(mission.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if mission.SettledAt == 0 {
		t.Fatalf("expected settled_at to be recorded")
	}

	// The worker hears about the settlement through the queue.
	result, err := svc.Dispatch.Poll("worker-1", 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	found := false
	for _, task := range result.Tasks {
		if task.Type == TaskTypeSettlementNote {
			found = true
		}
	}
	if !found {
		t.Fatalf("no settlement notice for worker, tasks = %+v", result.Tasks)
	}

	// Votes after settlement are rejected at the registry boundary.
	if _, err := svc.Registry.SubmitVote(mission.ID, selection.Verifiers[0], false, ""); err == nil {
		t.Fatalf("expected vote after settlement to be rejected")
	}

	// A settled mission is closed to every further transition.
	if err := svc.Registry.OpenBidding(mission.ID); err == nil {
		t.Fatalf("expected transition on settled mission to be rejected")
	}
}

func TestFullLifecycleFail(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	seedMarketplace(t, svc, 2)
	mission := createAssignedMission(t, svc)

	selection, err := svc.Registry.SubmitWork(mission.ID, "worker-1")
	if err != nil {
		t.Fatalf("submit work: %v", err)
	}
	for _, v := range selection.Verifiers {
		if _, err := svc.Registry.SubmitVote(mission.ID, v, false, "rejected"); err != nil {
			t.Fatalf("vote %s: %v", v, err)
		}
	}
	assertMissionStatus(t, svc, mission.ID, MissionStatusSlashed)
	assertBalance(t, svc.Ledger, requesterAddr, 9475)
	assertBalance(t, svc.Ledger, workerAddr, 310)
}

func TestRevisionLoopIsBounded(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	seedMarketplace(t, svc, 2)
	mission := createAssignedMission(t, svc)

	if err := svc.Registry.RequestRevision(mission.ID, "too early"); err == nil {
		t.Fatalf("expected revision before verification to be rejected")
	}

	for i := 0; i < MaxRevisions; i++ {
		if _, err := svc.Registry.SubmitWork(mission.ID, "worker-1"); err != nil {
			t.Fatalf("submit work round %d: %v", i, err)
		}
		if err := svc.Registry.RequestRevision(mission.ID, "needs work"); err != nil {
			t.Fatalf("revision %d: %v", i+1, err)
		}
		assertMissionStatus(t, svc, mission.ID, MissionStatusExecuting)
	}

	mission2, err := svc.Registry.GetMission(mission.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if mission2.RevisionCount != MaxRevisions {
		t.Fatalf("revision count = %d, want %d", mission2.RevisionCount, MaxRevisions)
	}

	if _, err := svc.Registry.SubmitWork(mission.ID, "worker-1"); err != nil {
		t.Fatalf("final submit: %v", err)
	}
	if err := svc.Registry.RequestRevision(mission.ID, "one too many"); err == nil {
		t.Fatalf("expected revision past the cap to fail")
	}
	assertMissionStatus(t, svc, mission.ID, MissionStatusFailed)

	mission2, err = svc.Registry.GetMission(mission.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if mission2.FailReason != "revision limit exceeded" {
		t.Fatalf("fail reason = %q", mission2.FailReason)
	}
	// A worker who exhausts the loop forfeits the bond; the escrow returns.
	assertBalance(t, svc.Ledger, requesterAddr, 10_000-50)
	assertBalance(t, svc.Ledger, workerAddr, 310)
}

func TestDeadlineExpiryFailsMission(t *testing.T) {
	t.Parallel()

	svc, clock := newTestService(t)
	seedMarketplace(t, svc, 2)

	mission, err := svc.Registry.CreateMission("", "requester-1", 1_000, time.Time{}, 3600, RiskTierMedium)
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if err := svc.Registry.AssignMission(mission.ID, "worker-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Heartbeats keep the liveness check quiet but cannot save a blown
	// deadline.
	for i := 0; i < 11; i++ {
		clock.Advance(5 * time.Minute)
		if err := svc.Registry.Heartbeat("worker-1"); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}
	assertMissionStatus(t, svc, mission.ID, MissionStatusAssigned)
	clock.Advance(5 * time.Minute)

	assertMissionStatus(t, svc, mission.ID, MissionStatusFailed)
	mission, err = svc.Registry.GetMission(mission.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if mission.FailReason != "deadline passed" {
		t.Fatalf("fail reason = %q", mission.FailReason)
	}
	assertBalance(t, svc.Ledger, requesterAddr, 9_950)
	assertBalance(t, svc.Ledger, workerAddr, 310)

	worker, err := svc.Reputation.GetAgent("worker-1")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if worker.Reputation != 48 {
		t.Fatalf("worker reputation = %d, want 48", worker.Reputation)
	}
}

func TestHeartbeatTimeoutFailsMission(t *testing.T) {
	t.Parallel()

	svc, clock := newTestService(t)
	seedMarketplace(t, svc, 2)
	mission := createAssignedMission(t, svc)

	// Regular heartbeats keep the mission alive across several windows.
	for i := 0; i < 3; i++ {
		clock.Advance(5 * time.Minute)
		if err := svc.Registry.Heartbeat("worker-1"); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}
	clock.Advance(5 * time.Minute)
	assertMissionStatus(t, svc, mission.ID, MissionStatusAssigned)

	// Then the worker goes dark.
	clock.Advance(30 * time.Minute)
	assertMissionStatus(t, svc, mission.ID, MissionStatusFailed)

	mission2, err := svc.Registry.GetMission(mission.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if mission2.FailReason != "heartbeat timeout" {
		t.Fatalf("fail reason = %q", mission2.FailReason)
	}
	assertBalance(t, svc.Ledger, workerAddr, 310)
}

func TestDisagreementEscalatesToWiderPanel(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	seedMarketplace(t, svc, 3)
	mission := createAssignedMission(t, svc)

	selection, err := svc.Registry.SubmitWork(mission.ID, "worker-1")
	if err != nil {
		t.Fatalf("submit work: %v", err)
	}
	if len(selection.Verifiers) != 2 {
		t.Fatalf("panel size = %d, want 2", len(selection.Verifiers))
	}

	if _, err := svc.Registry.SubmitVote(mission.ID, selection.Verifiers[0], true, ""); err != nil {
		t.Fatalf("vote: %v", err)
	}
	round, err := svc.Registry.SubmitVote(mission.ID, selection.Verifiers[1], false, "")
	if err != nil {
		t.Fatalf("tie vote: %v", err)
	}

	// The tie replaces the round with a wider panel and a clean slate.
	if len(round.Verifiers) != 3 {
		t.Fatalf("escalated panel size = %d, want 3", len(round.Verifiers))
	}
	if len(round.Votes) != 0 {
		t.Fatalf("escalated round has %d votes, want 0", len(round.Votes))
	}
	assertMissionStatus(t, svc, mission.ID, MissionStatusVerifying)

	votes := []bool{true, true, false}
	for i, v := range round.Verifiers {
		if _, err := svc.Registry.SubmitVote(mission.ID, v, votes[i], ""); err != nil {
			t.Fatalf("escalated vote %s: %v", v, err)
		}
	}
	assertMissionStatus(t, svc, mission.ID, MissionStatusSettled)
	assertBalance(t, svc.Ledger, workerAddr, 1450)
}

func TestDisagreementWithoutSpareVerifierFailsMission(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	seedMarketplace(t, svc, 2)
	mission := createAssignedMission(t, svc)

	selection, err := svc.Registry.SubmitWork(mission.ID, "worker-1")
	if err != nil {
		t.Fatalf("submit work: %v", err)
	}
	if _, err := svc.Registry.SubmitVote(mission.ID, selection.Verifiers[0], true, ""); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := svc.Registry.SubmitVote(mission.ID, selection.Verifiers[1], false, ""); err != nil {
		t.Fatalf("tie vote: %v", err)
	}

	assertMissionStatus(t, svc, mission.ID, MissionStatusFailed)
	mission2, err := svc.Registry.GetMission(mission.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if mission2.FailReason != "verification disagreement" {
		t.Fatalf("fail reason = %q", mission2.FailReason)
	}

	// Nobody is at fault: escrow back to the requester, bond back whole.
	assertBalance(t, svc.Ledger, requesterAddr, 9_950)
	assertBalance(t, svc.Ledger, workerAddr, 500)
}
