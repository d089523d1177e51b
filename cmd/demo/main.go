package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"missionmesh/pkg/settle"
)

// Scripted walkthrough of one mission lifecycle: fund the requester, create
// and assign a mission, submit work, collect verifier votes, and settle.
func main() {
	fmt.Println("Starting MissionMesh settlement demo...")

	dir, err := os.MkdirTemp("", "missionmesh-demo")
	if err != nil {
		log.Fatalf("Failed to create demo directory: %v", err)
	}
	defer os.RemoveAll(dir)

	operator := "0x9999999999999999999999999999999999999999"
	svc, err := settle.NewService(filepath.Join(dir, "demo.db"), settle.DefaultEconomics(operator), settle.RegistryConfig{}, nil, nil)
	if err != nil {
		log.Fatalf("Failed to initialize service: %v", err)
	}
	defer svc.Close()

	requester := "0x1111111111111111111111111111111111111111"
	worker := "0x2222222222222222222222222222222222222222"

	if _, err := svc.Reputation.RegisterAgent("requester-1", requester); err != nil {
		log.Fatalf("Failed to register requester: %v", err)
	}
	if _, err := svc.Reputation.RegisterAgent(worker, worker); err != nil {
		log.Fatalf("Failed to register worker: %v", err)
	}
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("verifier-%d", i)
		if _, err := svc.Reputation.RegisterAgent(id, ""); err != nil {
			log.Fatalf("Failed to register %s: %v", id, err)
		}
	}

	if err := svc.Ledger.Mint(requester, 10_000, `{"source":"demo"}`); err != nil {
		log.Fatalf("Failed to mint demo funds: %v", err)
	}
	if err := svc.Ledger.Mint(worker, 500, `{"source":"demo"}`); err != nil {
		log.Fatalf("Failed to mint worker bond funds: %v", err)
	}
	fmt.Println("[Demo] Minted 10000 to the requester and 500 to the worker")

	mission, err := svc.Registry.CreateMission("", "requester-1", 1_000, time.Time{}, 3600, settle.RiskTierMedium)
	if err != nil {
		log.Fatalf("Failed to create mission: %v", err)
	}
	fmt.Printf("[Demo] Created mission %s (reward %d, escrow locked)\n", mission.ID, mission.Reward)

	if err := svc.Registry.OpenBidding(mission.ID); err != nil {
		log.Fatalf("Failed to open bidding: %v", err)
	}
	if err := svc.Registry.AssignMission(mission.ID, worker); err != nil {
		log.Fatalf("Failed to assign mission: %v", err)
	}
	fmt.Printf("[Demo] Assigned mission to %s (bond locked)\n", worker)

	if err := svc.Registry.StartWork(mission.ID, worker); err != nil {
		log.Fatalf("Failed to start work: %v", err)
	}
	selection, err := svc.Registry.SubmitWork(mission.ID, worker)
	if err != nil {
		log.Fatalf("Failed to submit work: %v", err)
	}
	fmt.Printf("[Demo] Work submitted. Verifier panel: %v\n", selection.Verifiers)
	for _, line := range selection.Reasoning {
		fmt.Printf("[Demo]   %s\n", line)
	}

	for _, verifier := range selection.Verifiers {
		round, err := svc.Registry.SubmitVote(mission.ID, verifier, true, "looks correct")
		if err != nil {
			log.Fatalf("Failed to submit vote from %s: %v", verifier, err)
		}
		fmt.Printf("[Demo] Vote recorded from %s (%d/%d)\n", verifier, len(round.Votes), len(round.Verifiers))
	}

	settled, err := svc.Registry.GetMission(mission.ID)
	if err != nil {
		log.Fatalf("Failed to reload mission: %v", err)
	}
	fmt.Printf("[Demo] Mission status: %s\n", settled.Status)

	workerBalance, err := svc.Ledger.GetBalance(worker)
	if err != nil {
		log.Fatalf("Failed to read worker balance: %v", err)
	}
	operatorBalance, err := svc.Ledger.GetBalance(operator)
	if err != nil {
		log.Fatalf("Failed to read operator balance: %v", err)
	}
	fmt.Printf("[Demo] Worker payout: %d | Operator fees: %d\n", workerBalance, operatorBalance)

	agent, err := svc.Reputation.GetAgent(worker)
	if err != nil {
		log.Fatalf("Failed to read worker reputation: %v", err)
	}
	fmt.Printf("[Demo] Worker reputation: %d (%s)\n", agent.Reputation, agent.Status)

	txs, err := svc.Ledger.Transactions(mission.ID, 50)
	if err != nil {
		log.Fatalf("Failed to read transaction log: %v", err)
	}
	fmt.Printf("[Demo] Ledger entries for mission (%d):\n", len(txs))
	for _, tx := range txs {
		fmt.Printf("[Demo]   %s from=%s to=%s amount=%d\n", tx.Type, tx.From, tx.To, tx.Amount)
	}

	fmt.Println("Demo complete.")
}
