package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"missionmesh/pkg/settle"
)

type controlAPIServer struct {
	svc   *settle.Service
	token string
	srv   *http.Server
	mu    sync.Mutex
	rate  map[string]rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

const (
	controlRateLimitCount  = 120
	controlRateLimitWindow = time.Minute
	controlShutdownTimeout = 3 * time.Second
)

func startControlAPI(listenAddr string, svc *settle.Service, token string) (*controlAPIServer, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	c := &controlAPIServer{
		svc:   svc,
		token: strings.TrimSpace(token),
		rate:  make(map[string]rateWindow),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", c.withAuth(c.handleStatus))
	mux.HandleFunc("/v1/agents", c.withAuth(c.handleAgents))
	mux.HandleFunc("/v1/agents/register", c.withAuth(c.handleAgentRegister))
	mux.HandleFunc("/v1/agent", c.withAuth(c.handleAgent))
	mux.HandleFunc("/v1/balance", c.withAuth(c.handleBalance))
	mux.HandleFunc("/v1/mint", c.withAuth(c.handleMint))
	mux.HandleFunc("/v1/transfer", c.withAuth(c.handleTransfer))
	mux.HandleFunc("/v1/mission", c.withAuth(c.handleMission))
	mux.HandleFunc("/v1/missions/create", c.withAuth(c.handleMissionCreate))
	mux.HandleFunc("/v1/missions/bidding", c.withAuth(c.handleMissionBidding))
	mux.HandleFunc("/v1/missions/assign", c.withAuth(c.handleMissionAssign))
	mux.HandleFunc("/v1/missions/start", c.withAuth(c.handleMissionStart))
	mux.HandleFunc("/v1/missions/submit", c.withAuth(c.handleMissionSubmit))
	mux.HandleFunc("/v1/missions/revision", c.withAuth(c.handleMissionRevision))
	mux.HandleFunc("/v1/votes", c.withAuth(c.handleVote))
	mux.HandleFunc("/v1/verification", c.withAuth(c.handleVerification))
	mux.HandleFunc("/v1/tasks", c.withAuth(c.handleTasks))
	mux.HandleFunc("/v1/tasks/ack", c.withAuth(c.handleTasksAck))
	mux.HandleFunc("/v1/heartbeat", c.withAuth(c.handleHeartbeat))
	mux.HandleFunc("/v1/transactions", c.withAuth(c.handleTransactions))
	mux.HandleFunc("/v1/reputation", c.withAuth(c.handleReputation))

	c.srv = &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := c.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("[ControlAPI] Listen error: %v\n", err)
		}
	}()
	return c, nil
}

func (c *controlAPIServer) Stop() error {
	if c == nil || c.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlShutdownTimeout)
	defer cancel()
	return c.srv.Shutdown(ctx)
}

func (c *controlAPIServer) withAuth(next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.allowRequest(r) {
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": "rate limit exceeded"})
			return
		}
		if c.token != "" {
			in := []byte(strings.TrimSpace(r.Header.Get("X-MissionMesh-Token")))
			expected := []byte(c.token)
			if len(in) != len(expected) || subtle.ConstantTimeCompare(in, expected) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (c *controlAPIServer) allowRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		host = strings.TrimSpace(r.RemoteAddr)
		if host == "" {
			host = "unknown"
		}
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.rate[host]
	if w.start.IsZero() || now.Sub(w.start) >= controlRateLimitWindow {
		w = rateWindow{start: now, count: 0}
	}
	if w.count >= controlRateLimitCount {
		c.rate[host] = w
		return false
	}
	w.count++
	c.rate[host] = w
	return true
}

func (c *controlAPIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	supply, err := c.svc.Ledger.TotalSupply()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	agents, err := c.svc.Reputation.ListAgents()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_supply": supply,
		"agent_count":  len(agents),
	})
}

func (c *controlAPIServer) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	agents, err := c.svc.Reputation.ListAgents()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(agents), "agents": agents})
}

func (c *controlAPIServer) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
		Address string `json:"address"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "agent_id is required"})
		return
	}
	agent, err := c.svc.Reputation.RegisterAgent(agentID, req.Address)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "agent": agent})
}

func (c *controlAPIServer) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	agentID := strings.TrimSpace(r.URL.Query().Get("id"))
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "id is required"})
		return
	}
	agent, err := c.svc.Reputation.GetAgent(agentID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	if agent == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "unknown agent: " + agentID})
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (c *controlAPIServer) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	addr := strings.TrimSpace(r.URL.Query().Get("address"))
	if addr == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "address is required"})
		return
	}
	balance, err := c.svc.Ledger.GetBalance(addr)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	available, err := c.svc.Ledger.GetAvailableBalance(addr)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	escrowed, err := c.svc.Ledger.GetEscrowedAmount(addr)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":   addr,
		"balance":   balance,
		"available": available,
		"escrowed":  escrowed,
	})
}

func (c *controlAPIServer) handleMint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		Address string `json:"address"`
		Amount  int64  `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	addr := strings.TrimSpace(req.Address)
	if addr == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "address is required"})
		return
	}
	if err := c.svc.Ledger.Mint(addr, req.Amount, `{"source":"control_api"}`); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "address": addr, "amount": req.Amount})
}

func (c *controlAPIServer) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Amount int64  `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.From) == "" || strings.TrimSpace(req.To) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "from and to are required"})
		return
	}
	if err := c.svc.Ledger.Transfer(req.From, req.To, req.Amount); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (c *controlAPIServer) handleMission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	missionID := strings.TrimSpace(r.URL.Query().Get("id"))
	if missionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "id is required"})
		return
	}
	mission, err := c.svc.Registry.GetMission(missionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	if mission == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "unknown mission: " + missionID})
		return
	}
	writeJSON(w, http.StatusOK, mission)
}

func (c *controlAPIServer) handleMissionCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		MissionID   string `json:"mission_id"`
		RequesterID string `json:"requester_id"`
		Reward      int64  `json:"reward"`
		DeadlineMs  int64  `json:"deadline_ms"`
		TimeoutSec  int64  `json:"timeout_sec"`
		RiskTier    string `json:"risk_tier"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "requester_id is required"})
		return
	}
	var deadline time.Time
	if req.DeadlineMs > 0 {
		deadline = time.UnixMilli(req.DeadlineMs)
	}
	mission, err := c.svc.Registry.CreateMission(req.MissionID, req.RequesterID, req.Reward, deadline, req.TimeoutSec, req.RiskTier)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "mission": mission})
}

func (c *controlAPIServer) handleMissionBidding(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		MissionID string `json:"mission_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	if err := c.svc.Registry.OpenBidding(req.MissionID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "mission_id": req.MissionID})
}

func (c *controlAPIServer) handleMissionAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		MissionID string `json:"mission_id"`
		WorkerID  string `json:"worker_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	if err := c.svc.Registry.AssignMission(req.MissionID, req.WorkerID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "mission_id": req.MissionID, "worker_id": req.WorkerID})
}

func (c *controlAPIServer) handleMissionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		MissionID string `json:"mission_id"`
		WorkerID  string `json:"worker_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	if err := c.svc.Registry.StartWork(req.MissionID, req.WorkerID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "mission_id": req.MissionID})
}

func (c *controlAPIServer) handleMissionSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		MissionID string `json:"mission_id"`
		WorkerID  string `json:"worker_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	selection, err := c.svc.Registry.SubmitWork(req.MissionID, req.WorkerID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "selection": selection})
}

func (c *controlAPIServer) handleMissionRevision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		MissionID string `json:"mission_id"`
		Feedback  string `json:"feedback"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	if err := c.svc.Registry.RequestRevision(req.MissionID, req.Feedback); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "mission_id": req.MissionID})
}

func (c *controlAPIServer) handleVote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		MissionID  string `json:"mission_id"`
		VerifierID string `json:"verifier_id"`
		Pass       bool   `json:"pass"`
		Feedback   string `json:"feedback"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.MissionID) == "" || strings.TrimSpace(req.VerifierID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "mission_id and verifier_id are required"})
		return
	}
	round, err := c.svc.Registry.SubmitVote(req.MissionID, req.VerifierID, req.Pass, req.Feedback)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "round": round})
}

func (c *controlAPIServer) handleVerification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	missionID := strings.TrimSpace(r.URL.Query().Get("mission_id"))
	if missionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "mission_id is required"})
		return
	}
	round, err := c.svc.Panel.GetRound(missionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	if round == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "no verification round for mission: " + missionID})
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (c *controlAPIServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	agentID := strings.TrimSpace(r.URL.Query().Get("agent"))
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "agent is required"})
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 20, 500)
	result, err := c.svc.Dispatch.Poll(agentID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(result.Tasks),
		"tasks":    result.Tasks,
		"has_more": result.HasMore,
	})
}

func (c *controlAPIServer) handleTasksAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	if len(req.TaskIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "task_ids is required"})
		return
	}
	acked, err := c.svc.Dispatch.Acknowledge(req.TaskIDs)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "acked": acked})
}

func (c *controlAPIServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "agent_id is required"})
		return
	}
	if err := c.svc.Registry.Heartbeat(agentID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "agent_id": agentID})
}

func (c *controlAPIServer) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	missionID := strings.TrimSpace(r.URL.Query().Get("mission"))
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 500)
	items, err := c.svc.Ledger.Transactions(missionID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(items), "items": items})
}

func (c *controlAPIServer) handleReputation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method not allowed"})
		return
	}
	agentID := strings.TrimSpace(r.URL.Query().Get("agent"))
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "agent is required"})
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 20, 500)
	items, err := c.svc.Reputation.History(agentID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(items), "items": items})
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseLimit(raw string, fallback int, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}
