package settle

import (
	"fmt"
)

// Service bundles the settlement substrate: one store and the component
// structs built over it, constructed once at process start and passed by
// reference to every consumer. No package-level singletons.
type Service struct {
	Store      *Store
	Ledger     *Ledger
	Escrow     *EscrowManager
	Dispatch   *DispatchQueue
	Panel      *VerifierPanel
	Reputation *ReputationEngine
	Settlement *SettlementEngine
	Registry   *MissionRegistry
}

// NewService opens the database at dbPath and wires the full component
// graph. announcer may be nil to disable relay wake-up hints.
func NewService(dbPath string, econ EconomicsConfig, regCfg RegistryConfig, clock Clock, announcer TaskAnnouncer) (*Service, error) {
	store, err := NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if clock == nil {
		clock = NewRealClock()
	}

	ledger := NewLedger(store)
	escrow := NewEscrowManager(ledger, econ)
	dispatch := NewDispatchQueue(store, clock, announcer)
	reputation := NewReputationEngine(store)
	panel := NewVerifierPanel(store, reputation)
	settlement := NewSettlementEngine(store, escrow, panel, reputation)
	registry := NewMissionRegistry(store, ledger, escrow, dispatch, panel, reputation, settlement, clock, regCfg)

	return &Service{
		Store:      store,
		Ledger:     ledger,
		Escrow:     escrow,
		Dispatch:   dispatch,
		Panel:      panel,
		Reputation: reputation,
		Settlement: settlement,
		Registry:   registry,
	}, nil
}

// Close releases the service's database handle.
func (s *Service) Close() error {
	return s.Store.Close()
}
