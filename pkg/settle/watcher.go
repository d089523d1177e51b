package settle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Funding vault ABI (event only). Deposits on-chain are mirrored as mints in
// the off-chain ledger.
const fundingVaultEventABI = `[{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"depositor","type":"address"},{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}],"name":"Deposited","type":"event"}]`

// DepositEvent is one mirrored on-chain deposit.
type DepositEvent struct {
	Depositor common.Address
	Amount    *big.Int
	TxHash    common.Hash
}

// DepositWatcher polls the funding vault contract for Deposited events and
// mints the mirrored amount into the ledger. It is the only bridge between
// on-chain value and the off-chain settlement ledger.
type DepositWatcher struct {
	client    *ethclient.Client
	ledger    *Ledger
	vaultAddr common.Address
	vaultABI  abi.ABI
	lastBlock uint64
}

// NewDepositWatcher dials the RPC endpoint and prepares the watcher starting
// at the current head block.
func NewDepositWatcher(rpcURL, vaultAddr string, ledger *Ledger) (*DepositWatcher, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}

	vABI, err := abi.JSON(strings.NewReader(fundingVaultEventABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse funding vault ABI: %w", err)
	}

	header, err := client.HeaderByNumber(context.Background(), nil)
	lastBlock := uint64(0)
	if err == nil {
		lastBlock = header.Number.Uint64()
	} else {
		fmt.Printf("[Watcher] Warning: could not fetch latest block, will start from 0: %v\n", err)
	}

	return &DepositWatcher{
		client:    client,
		ledger:    ledger,
		vaultAddr: common.HexToAddress(vaultAddr),
		vaultABI:  vABI,
		lastBlock: lastBlock,
	}, nil
}

// Start begins polling for Deposited events until ctx is cancelled.
func (w *DepositWatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	fmt.Printf("[Watcher] Mirroring funding vault %s from block %d\n", w.vaultAddr.Hex(), w.lastBlock)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollLogs(ctx)
		}
	}
}

func (w *DepositWatcher) pollLogs(ctx context.Context) {
	header, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return
	}
	currentBlock := header.Number.Uint64()
	if currentBlock <= w.lastBlock {
		return
	}

	// Cap query range to 2000 blocks per call (many RPCs reject larger ranges)
	const maxBlockRange = uint64(2000)
	toBlock := currentBlock
	if toBlock-w.lastBlock > maxBlockRange {
		toBlock = w.lastBlock + maxBlockRange
	}

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(w.lastBlock + 1)),
		ToBlock:   big.NewInt(int64(toBlock)),
		Addresses: []common.Address{w.vaultAddr},
	}

	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		fmt.Printf("[Watcher] FilterLogs error: %v\n", err)
		return
	}

	for _, vLog := range logs {
		if len(vLog.Topics) == 0 {
			continue
		}
		if vLog.Address != w.vaultAddr || vLog.Topics[0] != w.vaultABI.Events["Deposited"].ID {
			continue
		}

		var event DepositEvent
		if err := w.vaultABI.UnpackIntoInterface(&event, "Deposited", vLog.Data); err != nil {
			continue
		}
		if len(vLog.Topics) > 1 {
			event.Depositor = common.BytesToAddress(vLog.Topics[1].Bytes())
		}
		event.TxHash = vLog.TxHash
		w.mirrorDeposit(event)
	}

	w.lastBlock = toBlock
}

// mirrorDeposit mints the deposited amount to the depositor's ledger
// account. Amounts beyond int64 range are rejected rather than truncated.
func (w *DepositWatcher) mirrorDeposit(event DepositEvent) {
	if event.Amount == nil || !event.Amount.IsInt64() || event.Amount.Sign() <= 0 {
		fmt.Printf("[Watcher] Skipping unmintable deposit from %s\n", event.Depositor.Hex())
		return
	}
	addr := NormalizeAddress(event.Depositor.Hex())
	metadata := fmt.Sprintf(`{"source":"chain","txHash":%q}`, event.TxHash.Hex())
	if err := w.ledger.Mint(addr, event.Amount.Int64(), metadata); err != nil {
		fmt.Printf("[Watcher] Mirror mint failed for %s: %v\n", addr, err)
		return
	}
	fmt.Printf("[Watcher] Mirrored deposit of %d to %s (tx %s)\n", event.Amount.Int64(), addr, event.TxHash.Hex())
}
