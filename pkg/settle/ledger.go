package settle

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ledger is the single source of financial truth: account balances, escrow
// and bond rows, and the append-only transaction log. Every mutating call
// runs as one serialized sqlite transaction; on any failure the whole unit
// rolls back and balances are untouched.
type Ledger struct {
	store *Store
}

// NewLedger wraps a store with the ledger operations.
func NewLedger(store *Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns the full balance of an address, zero if unknown.
func (l *Ledger) GetBalance(addr string) (int64, error) {
	addr = NormalizeAddress(addr)
	var balance int64
	err := l.store.db.QueryRow("SELECT balance FROM balances WHERE address = ?", addr).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// GetAvailableBalance returns balance minus the sum of locked escrows and
// bonds owned by the address.
func (l *Ledger) GetAvailableBalance(addr string) (int64, error) {
	addr = NormalizeAddress(addr)
	balance, err := l.GetBalance(addr)
	if err != nil {
		return 0, err
	}
	locked, err := l.lockedTotal(l.store.db, addr)
	if err != nil {
		return 0, err
	}
	return balance - locked, nil
}

// GetEscrowedAmount returns the total locked escrow+bond amount for an address.
func (l *Ledger) GetEscrowedAmount(addr string) (int64, error) {
	return l.lockedTotal(l.store.db, NormalizeAddress(addr))
}

type queryer interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (l *Ledger) lockedTotal(q queryer, addr string) (int64, error) {
	var escrowed, bonded int64
	err := q.QueryRow(
		"SELECT COALESCE(SUM(amount), 0) FROM escrows WHERE owner = ? AND status = ?",
		addr, EscrowStatusLocked).Scan(&escrowed)
	if err != nil {
		return 0, fmt.Errorf("sum escrows: %w", err)
	}
	err = q.QueryRow(
		"SELECT COALESCE(SUM(amount), 0) FROM bonds WHERE owner = ? AND status = ?",
		addr, EscrowStatusLocked).Scan(&bonded)
	if err != nil {
		return 0, fmt.Errorf("sum bonds: %w", err)
	}
	return escrowed + bonded, nil
}

// Mint credits newly issued units to an address and logs a mint entry.
func (l *Ledger) Mint(addr string, amount int64, metadata string) error {
	if amount <= 0 {
		return fmt.Errorf("mint amount must be positive")
	}
	addr = NormalizeAddress(addr)

	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	tx, err := l.store.db.Begin()
	if err != nil {
		return fmt.Errorf("begin mint: %w", err)
	}
	defer tx.Rollback()

	if err := creditBalance(tx, addr, amount); err != nil {
		return err
	}
	if err := appendTransaction(tx, TxTypeMint, "", addr, amount, "", metadata); err != nil {
		return err
	}
	return tx.Commit()
}

// Burn destroys amount of an address's units and logs a burn entry. Only the
// available balance can be burned; locked collateral leaves only by release
// or slash.
func (l *Ledger) Burn(addr string, amount int64, metadata string) error {
	if amount <= 0 {
		return fmt.Errorf("burn amount must be positive")
	}
	addr = NormalizeAddress(addr)

	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	tx, err := l.store.db.Begin()
	if err != nil {
		return fmt.Errorf("begin burn: %w", err)
	}
	defer tx.Rollback()

	balance, err := balanceOf(tx, addr)
	if err != nil {
		return err
	}
	available, err := availableIn(tx, l, addr, balance)
	if err != nil {
		return err
	}
	if available < amount {
		return fmt.Errorf("insufficient balance: have %d available, need %d", available, amount)
	}
	if err := debitBalance(tx, addr, amount); err != nil {
		return err
	}
	if err := appendTransaction(tx, TxTypeBurn, addr, "", amount, "", metadata); err != nil {
		return err
	}
	return tx.Commit()
}

// Transfer moves amount from one address to another. Fails without mutation
// if the sender's full balance is insufficient.
func (l *Ledger) Transfer(from, to string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive")
	}
	from = NormalizeAddress(from)
	to = NormalizeAddress(to)
	if from == to {
		return fmt.Errorf("cannot transfer to self")
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	tx, err := l.store.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback()

	balance, err := balanceOf(tx, from)
	if err != nil {
		return err
	}
	available, err := availableIn(tx, l, from, balance)
	if err != nil {
		return err
	}
	if available < amount {
		return fmt.Errorf("insufficient balance: have %d available, need %d", available, amount)
	}
	if err := debitBalance(tx, from, amount); err != nil {
		return err
	}
	if err := creditBalance(tx, to, amount); err != nil {
		return err
	}
	if err := appendTransaction(tx, TxTypeTransfer, from, to, amount, "", ""); err != nil {
		return err
	}
	return tx.Commit()
}

// LockEscrow reserves amount of addr's balance against missionID. Fails
// without mutation if an escrow already exists for the mission or if the
// owner's available balance cannot cover the amount.
func (l *Ledger) LockEscrow(addr string, amount int64, missionID string) error {
	return l.lockCollateral("escrows", addr, amount, missionID)
}

// ReleaseEscrow pays a locked escrow out to recipient: the owner's balance is
// debited, the recipient credited, and the escrow marked released, in one
// atomic unit.
func (l *Ledger) ReleaseEscrow(missionID, recipient string) error {
	return l.releaseCollateral("escrows", TxTypeEscrowRelease, missionID, recipient)
}

// SlashEscrow burns slashAmount out of a locked escrow. The unslashed
// remainder stays with the owner's general balance; it was never debited.
func (l *Ledger) SlashEscrow(missionID string, slashAmount int64) error {
	return l.slashCollateral("escrows", missionID, slashAmount)
}

// LockBond reserves worker collateral for a mission, same rules as LockEscrow.
func (l *Ledger) LockBond(addr string, amount int64, missionID string) error {
	return l.lockCollateral("bonds", addr, amount, missionID)
}

// ReleaseBond returns (or forfeits, when recipient differs from the owner) a
// locked bond.
func (l *Ledger) ReleaseBond(missionID, recipient string) error {
	return l.releaseCollateral("bonds", TxTypeEscrowRelease, missionID, recipient)
}

// SlashBond burns slashAmount out of a locked bond.
func (l *Ledger) SlashBond(missionID string, slashAmount int64) error {
	return l.slashCollateral("bonds", missionID, slashAmount)
}

func (l *Ledger) lockCollateral(table, addr string, amount int64, missionID string) error {
	if amount <= 0 {
		return fmt.Errorf("lock amount must be positive")
	}
	if missionID == "" {
		return fmt.Errorf("mission id is required")
	}
	addr = NormalizeAddress(addr)

	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	tx, err := l.store.db.Begin()
	if err != nil {
		return fmt.Errorf("begin lock: %w", err)
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE mission_id = ?", missionID).Scan(&existing)
	if err != nil {
		return fmt.Errorf("check existing lock: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("%s record already exists for mission %s", collateralName(table), missionID)
	}

	balance, err := balanceOf(tx, addr)
	if err != nil {
		return err
	}
	available, err := availableIn(tx, l, addr, balance)
	if err != nil {
		return err
	}
	if available < amount {
		return fmt.Errorf("insufficient available balance: have %d, need %d", available, amount)
	}

	now := time.Now().Unix()
	_, err = tx.Exec("INSERT INTO "+table+" (mission_id, owner, amount, status, locked_at) VALUES (?, ?, ?, ?, ?)",
		missionID, addr, amount, EscrowStatusLocked, now)
	if err != nil {
		return fmt.Errorf("insert lock: %w", err)
	}
	metadata := fmt.Sprintf(`{"kind":%q}`, collateralName(table))
	if err := appendTransaction(tx, TxTypeEscrowLock, addr, "", amount, missionID, metadata); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *Ledger) releaseCollateral(table, txType, missionID, recipient string) error {
	recipient = NormalizeAddress(recipient)
	if recipient == "" {
		return fmt.Errorf("recipient is required")
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	tx, err := l.store.db.Begin()
	if err != nil {
		return fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow("SELECT "+escrowColumns+" FROM "+table+" WHERE mission_id = ?", missionID)
	rec, err := scanEscrow(row)
	if err != nil {
		return fmt.Errorf("load %s: %w", collateralName(table), err)
	}
	if rec == nil {
		return fmt.Errorf("no %s for mission %s", collateralName(table), missionID)
	}
	if rec.Status != EscrowStatusLocked {
		return fmt.Errorf("%s for mission %s is %s, not locked", collateralName(table), missionID, rec.Status)
	}

	if err := debitBalance(tx, rec.Owner, rec.Amount); err != nil {
		return err
	}
	if err := creditBalance(tx, recipient, rec.Amount); err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err = tx.Exec("UPDATE "+table+" SET status = ?, released_to = ?, released_at = ? WHERE mission_id = ?",
		EscrowStatusReleased, recipient, now, missionID)
	if err != nil {
		return fmt.Errorf("mark released: %w", err)
	}
	metadata := fmt.Sprintf(`{"kind":%q}`, collateralName(table))
	if err := appendTransaction(tx, txType, rec.Owner, recipient, rec.Amount, missionID, metadata); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *Ledger) slashCollateral(table, missionID string, slashAmount int64) error {
	if slashAmount <= 0 {
		return fmt.Errorf("slash amount must be positive")
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	tx, err := l.store.db.Begin()
	if err != nil {
		return fmt.Errorf("begin slash: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow("SELECT "+escrowColumns+" FROM "+table+" WHERE mission_id = ?", missionID)
	rec, err := scanEscrow(row)
	if err != nil {
		return fmt.Errorf("load %s: %w", collateralName(table), err)
	}
	if rec == nil {
		return fmt.Errorf("no %s for mission %s", collateralName(table), missionID)
	}
	if rec.Status != EscrowStatusLocked {
		return fmt.Errorf("%s for mission %s is %s, not locked", collateralName(table), missionID, rec.Status)
	}
	if slashAmount > rec.Amount {
		return fmt.Errorf("slash amount %d exceeds locked %d", slashAmount, rec.Amount)
	}

	// Burn only the slashed portion; the remainder was never debited and
	// stays in the owner's general balance.
	if err := debitBalance(tx, rec.Owner, slashAmount); err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err = tx.Exec("UPDATE "+table+" SET status = ?, slashed_amount = ?, slashed_at = ? WHERE mission_id = ?",
		EscrowStatusSlashed, slashAmount, now, missionID)
	if err != nil {
		return fmt.Errorf("mark slashed: %w", err)
	}
	metadata := fmt.Sprintf(`{"kind":%q,"remainder":%d}`, collateralName(table), rec.Amount-slashAmount)
	if err := appendTransaction(tx, TxTypeEscrowSlash, rec.Owner, "", slashAmount, missionID, metadata); err != nil {
		return err
	}
	return tx.Commit()
}

// GetEscrow returns the escrow record for a mission, nil if none.
func (l *Ledger) GetEscrow(missionID string) (*Escrow, error) {
	row := l.store.db.QueryRow("SELECT "+escrowColumns+" FROM escrows WHERE mission_id = ?", missionID)
	return scanEscrow(row)
}

// GetBond returns the bond record for a mission, nil if none.
func (l *Ledger) GetBond(missionID string) (*Escrow, error) {
	row := l.store.db.QueryRow("SELECT "+escrowColumns+" FROM bonds WHERE mission_id = ?", missionID)
	return scanEscrow(row)
}

// Transactions returns log entries for a mission, oldest first. An empty
// missionID returns the full log.
func (l *Ledger) Transactions(missionID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT id, tx_id, type, from_address, to_address, amount, mission_id, metadata, timestamp FROM transactions"
	args := []interface{}{}
	if missionID != "" {
		query += " WHERE mission_id = ?"
		args = append(args, missionID)
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := l.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var from, to, mission, metadata sql.NullString
		if err := rows.Scan(&t.ID, &t.TxID, &t.Type, &from, &to, &t.Amount, &mission, &metadata, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.From = from.String
		t.To = to.String
		t.MissionID = mission.String
		t.Metadata = metadata.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// TotalSupply sums every balance. Used by conservation audits: the total only
// moves by mints (up) and burns/slashes (down).
func (l *Ledger) TotalSupply() (int64, error) {
	var total int64
	err := l.store.db.QueryRow("SELECT COALESCE(SUM(balance), 0) FROM balances").Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum balances: %w", err)
	}
	return total, nil
}

func collateralName(table string) string {
	if table == "bonds" {
		return "bond"
	}
	return "escrow"
}

func balanceOf(tx *sql.Tx, addr string) (int64, error) {
	var balance int64
	err := tx.QueryRow("SELECT balance FROM balances WHERE address = ?", addr).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

func availableIn(tx *sql.Tx, l *Ledger, addr string, balance int64) (int64, error) {
	locked, err := l.lockedTotal(tx, addr)
	if err != nil {
		return 0, err
	}
	return balance - locked, nil
}

func creditBalance(tx *sql.Tx, addr string, amount int64) error {
	_, err := tx.Exec(`
		INSERT INTO balances (address, balance) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET balance = balance + excluded.balance`,
		addr, amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", addr, err)
	}
	return nil
}

func debitBalance(tx *sql.Tx, addr string, amount int64) error {
	res, err := tx.Exec("UPDATE balances SET balance = balance - ? WHERE address = ? AND balance >= ?",
		amount, addr, amount)
	if err != nil {
		return fmt.Errorf("debit %s: %w", addr, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit %s: %w", addr, err)
	}
	if n == 0 {
		return fmt.Errorf("debit %s: balance below %d", addr, amount)
	}
	return nil
}

func appendTransaction(tx *sql.Tx, txType, from, to string, amount int64, missionID, metadata string) error {
	_, err := tx.Exec(`
		INSERT INTO transactions (tx_id, type, from_address, to_address, amount, mission_id, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), txType, nullable(from), nullable(to), amount,
		nullable(missionID), nullable(metadata), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("append %s transaction: %w", txType, err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
