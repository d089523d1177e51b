package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fiatjaf.com/nostr"
	"github.com/pelletier/go-toml/v2"

	"missionmesh/pkg/settle"
)

type startupAgentConfig struct {
	AgentID string `toml:"agent_id"`
	Address string `toml:"address"`
}

type startupMintConfig struct {
	Address string `toml:"address"`
	Amount  int64  `toml:"amount"`
}

type startupProfile struct {
	Headless          bool                 `toml:"headless"`
	ControlListen     string               `toml:"control_listen"`
	ControlToken      string               `toml:"control_token"`
	Relays            string               `toml:"relays"`
	OperatorAddress   string               `toml:"operator_address"`
	FeePercent        *float64             `toml:"fee_percent"`
	BondPercent       *float64             `toml:"bond_percent"`
	SlashBurnPercent  *float64             `toml:"slash_burn_percent"`
	LivenessWindowSec int64                `toml:"liveness_window_sec"`
	Agents            []startupAgentConfig `toml:"agents"`
	SeedMints         []startupMintConfig  `toml:"seed_mints"`
}

const (
	identityKeyFileName  = "announce.key"
	dispatchCleanupEvery = time.Hour
)

func main() {
	const defaultWorkspace = "./workspace"
	dbPath := flag.String("db", "settlement.db", "Path to settlement database")
	workspace := flag.String("workspace", defaultWorkspace, "Workspace directory (stores the relay announce key)")
	configPath := flag.String("config", "", "Optional path to startup profile TOML")
	headless := flag.Bool("headless", false, "Run without interactive operator console")
	controlListen := flag.String("control-listen", "", "Optional local control API listen address (for example 127.0.0.1:8787)")
	controlToken := flag.String("control-token", "", "Optional control API token (sent in X-MissionMesh-Token)")
	rpcURL := flag.String("rpc", "", "Optional Ethereum RPC URL for the deposit watcher")
	vaultAddr := flag.String("vault", "", "FundingVault contract address watched for deposits")
	relayURLs := flag.String("relays", "", "Comma-separated Nostr relay URLs for task wake-up hints (wss://...)")
	defaults := settle.DefaultEconomics("")
	operatorAddr := flag.String("operator", "", "Operator address collecting protocol fees")
	feePercent := flag.Float64("fee", defaults.ProtocolFeePercent, "Protocol fee fraction taken at escrow lock")
	bondPercent := flag.Float64("bond", defaults.BondPercent, "Worker bond as a fraction of escrow")
	slashBurn := flag.Float64("slash-burn", defaults.SlashBurnPercent, "Fraction of a slashed escrow that is burned")
	livenessSec := flag.Int64("liveness", 0, "Worker liveness window in seconds (0 for default)")
	flag.Parse()

	profile, err := loadStartupProfile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load startup profile: %v", err)
	}
	if profile != nil && strings.TrimSpace(profile.ControlListen) != "" {
		*controlListen = strings.TrimSpace(profile.ControlListen)
	}
	if profile != nil && strings.TrimSpace(profile.ControlToken) != "" {
		*controlToken = strings.TrimSpace(profile.ControlToken)
	}
	if profile != nil && strings.TrimSpace(profile.Relays) != "" {
		*relayURLs = strings.TrimSpace(profile.Relays)
	}
	if profile != nil && strings.TrimSpace(profile.OperatorAddress) != "" {
		*operatorAddr = strings.TrimSpace(profile.OperatorAddress)
	}
	if profile != nil && profile.FeePercent != nil {
		*feePercent = *profile.FeePercent
	}
	if profile != nil && profile.BondPercent != nil {
		*bondPercent = *profile.BondPercent
	}
	if profile != nil && profile.SlashBurnPercent != nil {
		*slashBurn = *profile.SlashBurnPercent
	}
	if profile != nil && profile.LivenessWindowSec > 0 {
		*livenessSec = profile.LivenessWindowSec
	}
	runHeadless := *headless
	if profile != nil && profile.Headless {
		runHeadless = true
	}

	fmt.Printf("Starting MissionMesh settlement node...\n")
	fmt.Printf("Database: %s\n", *dbPath)
	fmt.Printf("Workspace: %s\n", *workspace)

	os.MkdirAll(*workspace, 0755)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var announcer settle.TaskAnnouncer
	relays := splitRelayURLs(*relayURLs)
	if len(relays) > 0 {
		key, err := loadOrCreateAnnounceKey(*workspace)
		if err != nil {
			log.Fatalf("Failed to load announce key: %v", err)
		}
		announcer = settle.NewRelayAnnouncer(ctx, key, relays)
	} else {
		fmt.Println("[Startup] No relays configured. Task wake-up hints disabled; agents poll only.")
	}

	econ := settle.EconomicsConfig{
		ProtocolFeePercent: *feePercent,
		BondPercent:        *bondPercent,
		SlashBurnPercent:   *slashBurn,
		OperatorAddress:    settle.NormalizeAddress(*operatorAddr),
	}
	regCfg := settle.RegistryConfig{}
	if *livenessSec > 0 {
		regCfg.LivenessWindow = time.Duration(*livenessSec) * time.Second
	}

	svc, err := settle.NewService(*dbPath, econ, regCfg, nil, announcer)
	if err != nil {
		log.Fatalf("Failed to initialize settlement service: %v", err)
	}

	if strings.TrimSpace(*rpcURL) != "" && strings.TrimSpace(*vaultAddr) != "" {
		watcher, err := settle.NewDepositWatcher(strings.TrimSpace(*rpcURL), strings.TrimSpace(*vaultAddr), svc.Ledger)
		if err != nil {
			fmt.Printf("[Startup] Deposit watcher disabled: %v\n", err)
		} else {
			go watcher.Start(ctx)
			fmt.Println("[Startup] Deposit watcher enabled")
		}
	} else if strings.TrimSpace(*rpcURL) != "" || strings.TrimSpace(*vaultAddr) != "" {
		fmt.Println("[Startup] Partial chain config detected (need both -rpc and -vault). Deposit watcher disabled.")
	} else {
		fmt.Println("[Startup] No chain config provided. Deposit watcher disabled.")
	}

	if err := applyStartupProfile(svc, profile); err != nil {
		fmt.Printf("[Startup] Profile actions completed with warnings: %v\n", err)
	}

	go dispatchCleanupLoop(ctx, svc)

	var controlServer *controlAPIServer
	if strings.TrimSpace(*controlListen) != "" {
		if strings.TrimSpace(*controlToken) == "" {
			log.Fatalf("Refusing to start control API without token. Set --control-token when using --control-listen.")
		}
		if !isLikelyLoopbackAddr(strings.TrimSpace(*controlListen)) {
			fmt.Printf("[Startup] Warning: control API is not bound to loopback (%s). Prefer 127.0.0.1 or localhost.\n", strings.TrimSpace(*controlListen))
		}
		srv, err := startControlAPI(strings.TrimSpace(*controlListen), svc, strings.TrimSpace(*controlToken))
		if err != nil {
			log.Fatalf("Failed to start control API: %v", err)
		}
		controlServer = srv
		fmt.Printf("[Startup] Control API listening on http://%s\n", strings.TrimSpace(*controlListen))
	}

	fmt.Println("Settlement node started.")
	if runHeadless {
		fmt.Println("[Startup] Headless mode enabled: operator console disabled")
	} else {
		fmt.Println("Operator console: mission <id> | balance <address> | mint <address> <amount> | transfer <from> <to> <amount> | agents | tasks <agent> [limit] | txlog <missionID> [limit] | supply | help")
		go operatorConsole(svc)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if controlServer != nil {
		_ = controlServer.Stop()
	}
	cancel()
	_ = svc.Close()
	fmt.Println("Settlement node stopped.")
}

func loadStartupProfile(path string) (*startupProfile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var profile startupProfile
	if err := toml.Unmarshal(b, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func applyStartupProfile(svc *settle.Service, profile *startupProfile) error {
	if profile == nil {
		return nil
	}
	var errs []string
	for _, entry := range profile.Agents {
		agentID := strings.TrimSpace(entry.AgentID)
		if agentID == "" {
			continue
		}
		if _, err := svc.Reputation.RegisterAgent(agentID, strings.TrimSpace(entry.Address)); err != nil {
			errs = append(errs, fmt.Sprintf("register %s: %v", agentID, err))
			continue
		}
		fmt.Printf("[Startup] Registered agent: %s\n", agentID)
	}
	for _, entry := range profile.SeedMints {
		addr := strings.TrimSpace(entry.Address)
		if addr == "" || entry.Amount <= 0 {
			continue
		}
		if err := svc.Ledger.Mint(addr, entry.Amount, `{"source":"startup_profile"}`); err != nil {
			errs = append(errs, fmt.Sprintf("mint %s: %v", addr, err))
			continue
		}
		fmt.Printf("[Startup] Seeded %d to %s\n", entry.Amount, addr)
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// loadOrCreateAnnounceKey loads the relay signing key from disk, or generates
// and saves a new one.
func loadOrCreateAnnounceKey(workspace string) (nostr.SecretKey, error) {
	keyPath := filepath.Join(workspace, identityKeyFileName)
	if b, err := os.ReadFile(keyPath); err == nil {
		hexKey := strings.TrimSpace(string(b))
		sk, err := nostr.SecretKeyFromHex(hexKey)
		if err == nil {
			fmt.Printf("[Identity] Loaded existing key from %s\n", keyPath)
			return sk, nil
		}
	}

	sk := nostr.Generate()
	if err := os.WriteFile(keyPath, []byte(sk.Hex()), 0600); err != nil {
		fmt.Printf("[Identity] Warning: could not save key to %s: %v\n", keyPath, err)
	} else {
		fmt.Printf("[Identity] Generated new key, saved to %s\n", keyPath)
	}
	return sk, nil
}

func dispatchCleanupLoop(ctx context.Context, svc *settle.Service) {
	ticker := time.NewTicker(dispatchCleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed, err := svc.Dispatch.Cleanup()
			if err != nil {
				fmt.Printf("[Dispatch] Cleanup failed: %v\n", err)
				continue
			}
			if removed > 0 {
				fmt.Printf("[Dispatch] Cleaned up %d stale tasks\n", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}

// describeMission formats the console view of a mission. An unknown id is an
// expected condition, not an error.
func describeMission(svc *settle.Service, missionID string) string {
	mission, err := svc.Registry.GetMission(missionID)
	if err != nil {
		return fmt.Sprintf("[Operator] Mission lookup failed: %v\n", err)
	}
	if mission == nil {
		return fmt.Sprintf("[Operator] Mission %s not found\n", missionID)
	}
	out := fmt.Sprintf("[Operator] Mission %s: status=%s requester=%s worker=%s reward=%d revisions=%d\n",
		mission.ID, mission.Status, mission.RequesterID, mission.AssignedAgent, mission.Reward, mission.RevisionCount)
	if mission.FailReason != "" {
		out += fmt.Sprintf("[Operator] Fail reason: %s\n", mission.FailReason)
	}
	return out
}

func operatorConsole(svc *settle.Service) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		switch strings.ToLower(parts[0]) {
		case "help":
			fmt.Println("Commands:")
			fmt.Println("  mission <id>")
			fmt.Println("  balance <address>")
			fmt.Println("  mint <address> <amount>")
			fmt.Println("  transfer <from> <to> <amount>")
			fmt.Println("  agents")
			fmt.Println("  tasks <agent> [limit]")
			fmt.Println("  txlog <missionID> [limit]")
			fmt.Println("  supply")
			fmt.Println("  help")
		case "mission":
			if len(parts) < 2 {
				fmt.Println("[Operator] Usage: mission <id>")
				continue
			}
			fmt.Print(describeMission(svc, parts[1]))
		case "balance":
			if len(parts) < 2 {
				fmt.Println("[Operator] Usage: balance <address>")
				continue
			}
			balance, err := svc.Ledger.GetBalance(parts[1])
			if err != nil {
				fmt.Printf("[Operator] Balance lookup failed: %v\n", err)
				continue
			}
			available, err := svc.Ledger.GetAvailableBalance(parts[1])
			if err != nil {
				fmt.Printf("[Operator] Available balance lookup failed: %v\n", err)
				continue
			}
			fmt.Printf("[Operator] Balance %s: total=%d available=%d\n", parts[1], balance, available)
		case "mint":
			if len(parts) < 3 {
				fmt.Println("[Operator] Usage: mint <address> <amount>")
				continue
			}
			amount, err := strconv.ParseInt(parts[2], 10, 64)
			if err != nil {
				fmt.Printf("[Operator] Invalid amount: %v\n", err)
				continue
			}
			if err := svc.Ledger.Mint(parts[1], amount, `{"source":"operator"}`); err != nil {
				fmt.Printf("[Operator] Mint failed: %v\n", err)
				continue
			}
			fmt.Printf("[Operator] Minted %d to %s\n", amount, parts[1])
		case "transfer":
			if len(parts) < 4 {
				fmt.Println("[Operator] Usage: transfer <from> <to> <amount>")
				continue
			}
			amount, err := strconv.ParseInt(parts[3], 10, 64)
			if err != nil {
				fmt.Printf("[Operator] Invalid amount: %v\n", err)
				continue
			}
			if err := svc.Ledger.Transfer(parts[1], parts[2], amount); err != nil {
				fmt.Printf("[Operator] Transfer failed: %v\n", err)
				continue
			}
			fmt.Printf("[Operator] Transferred %d from %s to %s\n", amount, parts[1], parts[2])
		case "agents":
			agents, err := svc.Reputation.ListAgents()
			if err != nil {
				fmt.Printf("[Operator] Agent list failed: %v\n", err)
				continue
			}
			if len(agents) == 0 {
				fmt.Println("[Operator] No registered agents")
				continue
			}
			fmt.Printf("[Operator] Registered agents (%d):\n", len(agents))
			for _, a := range agents {
				fmt.Printf("- %s rep=%d status=%s address=%s\n", a.AgentID, a.Reputation, a.Status, a.Address)
			}
		case "tasks":
			if len(parts) < 2 {
				fmt.Println("[Operator] Usage: tasks <agent> [limit]")
				continue
			}
			limit := 20
			if len(parts) > 2 {
				if n, err := strconv.Atoi(strings.TrimSpace(parts[2])); err == nil && n > 0 {
					limit = n
				}
			}
			result, err := svc.Dispatch.Poll(parts[1], limit)
			if err != nil {
				fmt.Printf("[Operator] Task poll failed: %v\n", err)
				continue
			}
			if len(result.Tasks) == 0 {
				fmt.Println("[Operator] No pending tasks")
				continue
			}
			fmt.Printf("[Operator] Pending tasks (%d, more=%t):\n", len(result.Tasks), result.HasMore)
			for _, t := range result.Tasks {
				fmt.Printf("- id=%s type=%s priority=%s mission=%s expires=%d\n", t.ID, t.Type, t.Priority, t.MissionID, t.ExpiresAt)
			}
		case "txlog":
			if len(parts) < 2 {
				fmt.Println("[Operator] Usage: txlog <missionID> [limit]")
				continue
			}
			limit := 20
			if len(parts) > 2 {
				if n, err := strconv.Atoi(strings.TrimSpace(parts[2])); err == nil && n > 0 {
					limit = n
				}
			}
			items, err := svc.Ledger.Transactions(parts[1], limit)
			if err != nil {
				fmt.Printf("[Operator] Transaction log failed: %v\n", err)
				continue
			}
			if len(items) == 0 {
				fmt.Println("[Operator] No transactions for mission")
				continue
			}
			fmt.Printf("[Operator] Transactions (%d):\n", len(items))
			for _, tx := range items {
				fmt.Printf("- %s type=%s from=%s to=%s amount=%d ts=%d\n", tx.TxID, tx.Type, tx.From, tx.To, tx.Amount, tx.Timestamp)
			}
		case "supply":
			supply, err := svc.Ledger.TotalSupply()
			if err != nil {
				fmt.Printf("[Operator] Supply lookup failed: %v\n", err)
				continue
			}
			fmt.Printf("[Operator] Total supply: %d\n", supply)
		default:
			fmt.Printf("[Operator] Unknown command: %s (try: help)\n", parts[0])
		}
	}
}

func splitRelayURLs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func isLikelyLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(strings.ToLower(addr))
	return strings.HasPrefix(addr, "127.0.0.1:") || strings.HasPrefix(addr, "localhost:") || strings.HasPrefix(addr, "[::1]:")
}
