package settle

import (
	"fmt"
	"testing"
)

func newTestPanel(t *testing.T) (*VerifierPanel, *ReputationEngine) {
	t.Helper()
	store := newTestStore(t)
	reputation := NewReputationEngine(store)
	return NewVerifierPanel(store, reputation), reputation
}

func registerAgents(t *testing.T, e *ReputationEngine, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("agent-%d", i)
		if _, err := e.RegisterAgent(id, ""); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestPanelSize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		tier   string
		reward int64
		want   int
	}{
		{RiskTierLow, 100, 1},
		{RiskTierMedium, 100, 2},
		{RiskTierHigh, 100, 3},
		{RiskTierLow, 10_000, 2},
		{RiskTierHigh, 10_000, 4},
	}
	for _, tc := range cases {
		if got := PanelSize(tc.tier, tc.reward); got != tc.want {
			t.Fatalf("PanelSize(%s, %d) = %d, want %d", tc.tier, tc.reward, got, tc.want)
		}
	}
}

func TestSelectVerifiersExcludesParties(t *testing.T) {
	t.Parallel()

	p, reputation := newTestPanel(t)
	registerAgents(t, reputation, 4)

	selection, err := p.SelectVerifiers("m1", "agent-1", "agent-2", RiskTierMedium, 100, 0)
	if err != nil {
		t.Fatalf("select verifiers: %v", err)
	}
	if len(selection.Verifiers) != 2 {
		t.Fatalf("panel size = %d, want 2", len(selection.Verifiers))
	}
	for _, v := range selection.Verifiers {
		if v == "agent-1" || v == "agent-2" {
			t.Fatalf("requester or worker selected as verifier: %s", v)
		}
	}
	if len(selection.Reasoning) == 0 {
		t.Fatalf("expected reasoning trail")
	}
}

func TestSelectVerifiersPrefersTrusted(t *testing.T) {
	t.Parallel()

	p, reputation := newTestPanel(t)
	registerAgents(t, reputation, 4)
	if _, _, err := reputation.ApplyDelta("agent-4", 25, "test", ""); err != nil {
		t.Fatalf("apply delta: %v", err)
	}

	selection, err := p.SelectVerifiers("m1", "agent-1", "agent-2", RiskTierLow, 100, 0)
	if err != nil {
		t.Fatalf("select verifiers: %v", err)
	}
	if len(selection.Verifiers) != 1 || selection.Verifiers[0] != "agent-4" {
		t.Fatalf("expected trusted agent-4 selected, got %v", selection.Verifiers)
	}
}

func TestSelectVerifiersInsufficientRoster(t *testing.T) {
	t.Parallel()

	p, reputation := newTestPanel(t)
	registerAgents(t, reputation, 3)
	if _, err := p.SelectVerifiers("m1", "agent-1", "agent-2", RiskTierHigh, 100, 0); err == nil {
		t.Fatalf("expected insufficient verifier error")
	}
}

func TestMajorityConsensusWithOutlier(t *testing.T) {
	t.Parallel()

	p, _ := newTestPanel(t)
	verifiers := []string{"v1", "v2", "v3"}
	if err := p.InitializeVerification("m1", verifiers); err != nil {
		t.Fatalf("init verification: %v", err)
	}

	round, err := p.SubmitVote("m1", "v1", true, "")
	if err != nil {
		t.Fatalf("vote v1: %v", err)
	}
	if round.Consensus != nil {
		t.Fatalf("consensus computed before all votes in")
	}
	if _, err := p.SubmitVote("m1", "v2", true, ""); err != nil {
		t.Fatalf("vote v2: %v", err)
	}
	round, err = p.SubmitVote("m1", "v3", false, "found a defect")
	if err != nil {
		t.Fatalf("vote v3: %v", err)
	}

	if round.Consensus == nil || !*round.Consensus {
		t.Fatalf("consensus = %v, want true", round.Consensus)
	}
	if len(round.Outliers) != 1 || round.Outliers[0] != "v3" {
		t.Fatalf("outliers = %v, want [v3]", round.Outliers)
	}

	// Round closed once complete.
	if _, err := p.SubmitVote("m1", "v1", false, ""); err == nil {
		t.Fatalf("expected vote on closed round to fail")
	}
}

func TestEvenSplitIsDisagreement(t *testing.T) {
	t.Parallel()

	p, _ := newTestPanel(t)
	if err := p.InitializeVerification("m1", []string{"v1", "v2"}); err != nil {
		t.Fatalf("init verification: %v", err)
	}
	if _, err := p.SubmitVote("m1", "v1", true, ""); err != nil {
		t.Fatalf("vote v1: %v", err)
	}
	round, err := p.SubmitVote("m1", "v2", false, "")
	if err != nil {
		t.Fatalf("vote v2: %v", err)
	}

	if round.Consensus != nil {
		t.Fatalf("consensus = %v on even split, want nil", *round.Consensus)
	}
	if len(round.Outliers) != 2 {
		t.Fatalf("outliers = %v, want both voters", round.Outliers)
	}
}

func TestRevoteOverwritesBeforeCompletion(t *testing.T) {
	t.Parallel()

	p, _ := newTestPanel(t)
	if err := p.InitializeVerification("m1", []string{"v1", "v2"}); err != nil {
		t.Fatalf("init verification: %v", err)
	}
	if _, err := p.SubmitVote("m1", "v1", false, "first pass"); err != nil {
		t.Fatalf("vote: %v", err)
	}
	round, err := p.SubmitVote("m1", "v1", true, "changed my mind")
	if err != nil {
		t.Fatalf("re-vote: %v", err)
	}
	if len(round.Votes) != 1 || !round.Votes[0].Pass {
		t.Fatalf("re-vote did not overwrite: %+v", round.Votes)
	}

	if _, err := p.SubmitVote("m1", "intruder", true, ""); err == nil {
		t.Fatalf("expected non-panelist vote to be rejected")
	}
}

func TestProcessOutcomeAdjustsAlignment(t *testing.T) {
	t.Parallel()

	p, reputation := newTestPanel(t)
	for _, id := range []string{"v1", "v2", "v3"} {
		if _, err := reputation.RegisterAgent(id, ""); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if err := p.InitializeVerification("m1", []string{"v1", "v2", "v3"}); err != nil {
		t.Fatalf("init verification: %v", err)
	}
	for _, vote := range []struct {
		id   string
		pass bool
	}{{"v1", true}, {"v2", true}, {"v3", false}} {
		if _, err := p.SubmitVote("m1", vote.id, vote.pass, ""); err != nil {
			t.Fatalf("vote %s: %v", vote.id, err)
		}
	}

	changes, err := p.ProcessOutcome("m1")
	if err != nil {
		t.Fatalf("process outcome: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("changes = %d, want 3", len(changes))
	}
	for _, c := range changes {
		want := 51
		if c.AgentID == "v3" {
			want = 49
		}
		if c.NewRep != want {
			t.Fatalf("%s reputation = %d, want %d", c.AgentID, c.NewRep, want)
		}
	}
}

func TestSettledRoundIsImmutable(t *testing.T) {
	t.Parallel()

	p, _ := newTestPanel(t)
	if err := p.InitializeVerification("m1", []string{"v1"}); err != nil {
		t.Fatalf("init verification: %v", err)
	}
	if _, err := p.SubmitVote("m1", "v1", true, ""); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if err := p.MarkSettled("m1"); err != nil {
		t.Fatalf("mark settled: %v", err)
	}

	if err := p.InitializeVerification("m1", []string{"v2"}); err == nil {
		t.Fatalf("expected settled round to refuse re-initialization")
	}
	if _, err := p.SubmitVote("m1", "v1", false, ""); err == nil {
		t.Fatalf("expected settled round to refuse votes")
	}
}
