package settle

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"
)

// Store owns the sqlite database backing every settlement table. All
// financial mutations go through a single writer mutex so that concurrent
// callers never interleave a balance read with another caller's write.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (creating if needed) the settlement database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS balances (
		address TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0)
	);
	CREATE TABLE IF NOT EXISTS escrows (
		mission_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		locked_at INTEGER NOT NULL,
		released_to TEXT,
		released_at INTEGER,
		slashed_amount INTEGER,
		slashed_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS bonds (
		mission_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		locked_at INTEGER NOT NULL,
		released_to TEXT,
		released_at INTEGER,
		slashed_amount INTEGER,
		slashed_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tx_id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		from_address TEXT,
		to_address TEXT,
		amount INTEGER NOT NULL,
		mission_id TEXT,
		metadata TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_mission ON transactions(mission_id);
	CREATE TABLE IF NOT EXISTS missions (
		id TEXT PRIMARY KEY,
		requester_id TEXT NOT NULL,
		reward INTEGER NOT NULL,
		status TEXT NOT NULL,
		assigned_agent TEXT,
		deadline INTEGER NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		revision_count INTEGER NOT NULL DEFAULT 0,
		risk_tier TEXT NOT NULL DEFAULT 'low',
		fail_reason TEXT,
		created_at INTEGER NOT NULL,
		settled_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS dispatch_tasks (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		mission_id TEXT,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_dispatch_agent ON dispatch_tasks(agent_id, acknowledged);
	CREATE TABLE IF NOT EXISTS verification_rounds (
		mission_id TEXT PRIMARY KEY,
		verifiers TEXT NOT NULL,
		consensus INTEGER,
		outliers TEXT,
		settled INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS votes (
		mission_id TEXT NOT NULL,
		verifier_id TEXT NOT NULL,
		pass INTEGER NOT NULL,
		feedback TEXT,
		voted_at INTEGER NOT NULL,
		PRIMARY KEY (mission_id, verifier_id)
	);
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		address TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'probation',
		reputation INTEGER NOT NULL DEFAULT 50,
		last_seen INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS reputation_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		old_score INTEGER NOT NULL,
		new_score INTEGER NOT NULL,
		reason TEXT NOT NULL,
		mission_id TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reputation_agent ON reputation_events(agent_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// NormalizeAddress canonicalizes a ledger account address. Ethereum-style hex
// addresses are checksummed-decoded then lowercased; anything else is
// lowercased and trimmed so that lookups are case-insensitive.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if common.IsHexAddress(addr) {
		return strings.ToLower(common.HexToAddress(addr).Hex())
	}
	return strings.ToLower(addr)
}

// scanEscrow maps one escrows/bonds row into a typed record.
func scanEscrow(row *sql.Row) (*Escrow, error) {
	var e Escrow
	var releasedTo sql.NullString
	var releasedAt, slashedAmount, slashedAt sql.NullInt64
	err := row.Scan(&e.MissionID, &e.Owner, &e.Amount, &e.Status, &e.LockedAt,
		&releasedTo, &releasedAt, &slashedAmount, &slashedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.ReleasedTo = releasedTo.String
	e.ReleasedAt = releasedAt.Int64
	e.SlashedAmount = slashedAmount.Int64
	e.SlashedAt = slashedAt.Int64
	return &e, nil
}

// scanMission maps one missions row into a typed record.
func scanMission(row *sql.Row) (*Mission, error) {
	var m Mission
	var assigned, failReason sql.NullString
	var settledAt sql.NullInt64
	err := row.Scan(&m.ID, &m.RequesterID, &m.Reward, &m.Status, &assigned,
		&m.Deadline, &m.TimeoutSeconds, &m.RevisionCount, &m.RiskTier,
		&failReason, &m.CreatedAt, &settledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.AssignedAgent = assigned.String
	m.FailReason = failReason.String
	m.SettledAt = settledAt.Int64
	return &m, nil
}

const missionColumns = `id, requester_id, reward, status, assigned_agent,
	deadline, timeout_seconds, revision_count, risk_tier, fail_reason,
	created_at, settled_at`

const escrowColumns = `mission_id, owner, amount, status, locked_at,
	released_to, released_at, slashed_amount, slashed_at`
