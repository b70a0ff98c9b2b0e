// Package abci implements the block-assembly state machine that drives
// proposal, validation, and commit of blocks: BeginBlock/CheckTx/DeliverTx/
// EndBlock/Commit/Query, mirroring the lifecycle of a Tendermint ABCI
// application without any socket framing — callers drive App directly,
// in-process, the way a single-node harness or test would.
package abci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sedly-project/sedly/internal/chain"
	"github.com/sedly-project/sedly/internal/consensus"
	klog "github.com/sedly-project/sedly/internal/log"
	"github.com/sedly-project/sedly/internal/mempool"
	"github.com/sedly-project/sedly/internal/miner"
	"github.com/sedly-project/sedly/internal/state"
	"github.com/sedly-project/sedly/internal/storage"
	"github.com/sedly-project/sedly/internal/utxo"
	"github.com/sedly-project/sedly/pkg/block"
	"github.com/sedly-project/sedly/pkg/pow"
	"github.com/sedly-project/sedly/pkg/tx"
	"github.com/sedly-project/sedly/pkg/types"
	"github.com/rs/zerolog"
)

// App errors.
var (
	ErrNoBlockInProgress  = errors.New("no block being built")
	ErrBlockInProgress    = errors.New("a block is already being built")
	ErrCoinbaseInCheckTx  = errors.New("coinbase transactions are not accepted via CheckTx")
	ErrAlreadyInitialized = errors.New("chain already initialized")
)

// pendingBlock accumulates transactions delivered between BeginBlock and
// Commit.
type pendingBlock struct {
	height    uint64
	prevHash  types.Hash
	timestamp uint64
	bits      uint32
	txs       []*tx.Transaction
	fees      uint64
}

// App is the block-assembly state machine: it owns the chain store, UTXO
// set, PoW engine, and consensus-state snapshot, and drives them through
// the BeginBlock -> CheckTx* -> DeliverTx* -> EndBlock -> Commit cycle.
type App struct {
	mu sync.Mutex

	db      storage.DB
	store   *chain.BlockStore
	utxos   *utxo.Store
	pow     *consensus.PoW
	st      *state.Manager
	pool    *mempool.Pool
	adapter *miner.UTXOAdapter

	coinbaseAddr types.Address
	blockReward  uint64
	maxSupply    uint64 // 0 = unlimited
	supply       uint64

	pending *pendingBlock

	log zerolog.Logger
}

// New creates an App over an already-initialized chain (InitChain must have
// been called, or the store must already hold a tip).
func New(db storage.DB, pw *consensus.PoW, pool *mempool.Pool, coinbaseAddr types.Address, blockReward, maxSupply uint64) (*App, error) {
	store := chain.NewBlockStore(db)
	utxos := utxo.NewStore(db)

	tipHash, height, supply, err := store.GetTip()
	if err != nil {
		return nil, fmt.Errorf("load tip: %w", err)
	}

	blk, err := store.GetBlock(tipHash)
	if err != nil {
		return nil, fmt.Errorf("load tip block: %w", err)
	}

	snapshot := state.Snapshot{
		Height:         height,
		BestBlockHash:  tipHash,
		DifficultyBits: blk.Header.Bits,
	}

	return &App{
		db:           db,
		store:        store,
		utxos:        utxos,
		pow:          pw,
		st:           state.NewManager(snapshot),
		pool:         pool,
		adapter:      miner.NewUTXOAdapter(utxos),
		coinbaseAddr: coinbaseAddr,
		blockReward:  blockReward,
		maxSupply:    maxSupply,
		supply:       supply,
		log:          klog.WithComponent("abci"),
	}, nil
}

// InitChain bootstraps a fresh database with the genesis block: stores it,
// indexes its coinbase outputs as the initial UTXO set, and seeds the
// consensus-state snapshot. Returns ErrAlreadyInitialized if the store
// already has a tip.
func InitChain(db storage.DB, pw *consensus.PoW, pool *mempool.Pool, coinbaseAddr types.Address, blockReward, maxSupply uint64, genesis *block.Block) (*App, error) {
	store := chain.NewBlockStore(db)
	utxos := utxo.NewStore(db)

	if tipHash, _, _, err := store.GetTip(); err == nil && !tipHash.IsZero() {
		return nil, ErrAlreadyInitialized
	}

	if err := store.PutBlock(genesis); err != nil {
		return nil, fmt.Errorf("store genesis block: %w", err)
	}

	genesisHash := genesis.Hash()
	for _, t := range genesis.Transactions {
		txHash := t.Hash()
		for i, out := range t.Outputs {
			u := &utxo.UTXO{
				Outpoint: types.Outpoint{TxID: txHash, Index: uint32(i)},
				Value:    out.Value,
				Script:   out.Script,
				Height:   0,
				Coinbase: true,
			}
			if err := utxos.Put(u); err != nil {
				return nil, fmt.Errorf("index genesis output %d: %w", i, err)
			}
		}
	}

	if err := store.SetTip(genesisHash, 0, 0); err != nil {
		return nil, fmt.Errorf("set genesis tip: %w", err)
	}

	snapshot := state.Snapshot{
		Height:            0,
		BestBlockHash:     genesisHash,
		DifficultyBits:    genesis.Header.Bits,
		TotalTransactions: uint64(len(genesis.Transactions)),
	}

	return &App{
		db:           db,
		store:        store,
		utxos:        utxos,
		pow:          pw,
		st:           state.NewManager(snapshot),
		pool:         pool,
		adapter:      miner.NewUTXOAdapter(utxos),
		coinbaseAddr: coinbaseAddr,
		blockReward:  blockReward,
		maxSupply:    maxSupply,
		log:          klog.WithComponent("abci"),
	}, nil
}

// Info returns the current consensus-state snapshot (height, best block
// hash, difficulty bits, app hash).
func (a *App) Info() state.Snapshot {
	return a.st.Current()
}

// CheckTx decodes and validates a transaction against the current UTXO
// set. It does not mutate any state; a transaction accepted here may still
// be rejected by DeliverTx if the UTXO set has moved on by the time the
// block is assembled. A decode failure yields CodeDecodeError; any other
// rejection yields CodeInvalidTx.
func (a *App) CheckTx(raw []byte) CheckTxResponse {
	transaction, err := tx.Decode(raw)
	if err != nil {
		return CheckTxResponse{Code: CodeDecodeError, Log: err.Error(), Codespace: Codespace}
	}

	height := a.st.Current().Height
	if _, code, logMsg := a.validateTx(transaction, height); code != CodeOK {
		return CheckTxResponse{Code: code, Log: logMsg, Codespace: Codespace}
	}

	size := uint64(len(raw))
	return CheckTxResponse{Code: CodeOK, GasWanted: size, GasUsed: size}
}

// validateTx runs the shared CheckTx/DeliverTx validation: reject coinbase,
// reject inputs that aren't spendable yet at height, then run full
// signature/fee validation. Returns CodeOK and the tx's fee on success.
func (a *App) validateTx(transaction *tx.Transaction, height uint64) (fee uint64, code uint32, logMsg string) {
	if transaction.IsCoinbase() {
		return 0, CodeInvalidTx, ErrCoinbaseInCheckTx.Error()
	}
	for _, in := range transaction.Inputs {
		ok, err := a.utxos.IsUTXOSpendable(in.PrevOut, height)
		if err != nil {
			return 0, CodeInvalidTx, fmt.Sprintf("check spendability: %v", err)
		}
		if !ok {
			return 0, CodeInvalidTx, fmt.Sprintf("%s: %s", tx.ErrInputNotFound, in.PrevOut)
		}
	}
	fee, err := transaction.ValidateWithUTXOs(a.adapter)
	if err != nil {
		return 0, CodeInvalidTx, err.Error()
	}
	return fee, CodeOK, ""
}

// BeginBlock starts construction of the block at the current height+1,
// computing its difficulty bits from chain history (re-read from the
// store every time, never a cached running value, so a partially-applied
// retarget can never leak across a restart).
func (a *App) BeginBlock(timestamp uint64) (BeginBlockResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending != nil {
		return BeginBlockResponse{}, ErrBlockInProgress
	}

	snapshot := a.st.Current()
	height := snapshot.Height + 1

	bits := a.pow.ExpectedBits(height, snapshot.DifficultyBits, a.recentBlocks(height))

	a.pending = &pendingBlock{
		height:    height,
		prevHash:  snapshot.BestBlockHash,
		timestamp: timestamp,
		bits:      bits,
	}

	a.log.Info().Uint64("height", height).Str("bits", fmt.Sprintf("%#x", bits)).Msg("begin block")
	return BeginBlockResponse{
		Events: []Event{{
			Type: "begin_block",
			Attributes: map[string]string{
				"height":     fmt.Sprintf("%d", height),
				"difficulty": fmt.Sprintf("%#x", bits),
			},
		}},
	}, nil
}

// recentBlocks reads the last pow.AdjustmentInterval blocks by height for
// the difficulty controller. Returns nil (not an error) if fewer than that
// many blocks exist yet — ExpectedBits treats that as "before first window".
func (a *App) recentBlocks(height uint64) []pow.BlockInfo {
	if height < pow.AdjustmentInterval {
		return nil
	}
	start := height - pow.AdjustmentInterval
	blocks := make([]pow.BlockInfo, 0, pow.AdjustmentInterval)
	for h := start; h < height; h++ {
		blk, err := a.store.GetBlockByHeight(h)
		if err != nil {
			return nil
		}
		blocks = append(blocks, pow.BlockInfo{Height: blk.Header.Height, Timestamp: blk.Header.Timestamp})
	}
	return blocks
}

// DeliverTx decodes the transaction, validates it against the live UTXO
// set (not yet mutated by this block), and appends it to the block under
// construction. A decode failure yields CodeDecodeError; calling DeliverTx
// with no block in progress yields CodeNoBlockInProgress.
func (a *App) DeliverTx(raw []byte) DeliverTxResponse {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending == nil {
		return DeliverTxResponse{Code: CodeNoBlockInProgress, Log: ErrNoBlockInProgress.Error(), Codespace: Codespace}
	}

	transaction, err := tx.Decode(raw)
	if err != nil {
		return DeliverTxResponse{Code: CodeDecodeError, Log: err.Error(), Codespace: Codespace}
	}

	height := a.st.Current().Height
	fee, code, logMsg := a.validateTx(transaction, height)
	if code != CodeOK {
		return DeliverTxResponse{Code: code, Log: logMsg, Codespace: Codespace}
	}

	a.pending.txs = append(a.pending.txs, transaction)
	a.pending.fees += fee

	txHash := transaction.Hash()
	size := uint64(len(raw))
	return DeliverTxResponse{
		Code:      CodeOK,
		Data:      txHash[:],
		GasWanted: size,
		GasUsed:   size,
		Events: []Event{{
			Type:       "deliver_tx",
			Attributes: map[string]string{"txhash": txHash.String()},
		}},
	}
}

// EndBlock finalizes the set of transactions for the block under
// construction. It currently performs no further validation — its
// presence keeps the four-phase lifecycle symmetric with a real ABCI
// driver, and is the seam a future upgrade (validator set changes,
// consensus param updates) would hook into.
func (a *App) EndBlock() (EndBlockResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return EndBlockResponse{}, ErrNoBlockInProgress
	}
	height := a.pending.height
	return EndBlockResponse{
		Events: []Event{{Type: "end_block", Attributes: map[string]string{"height": fmt.Sprintf("%d", height)}}},
	}, nil
}

// Commit seals the pending block via proof-of-work, durably persists it
// and its UTXO effects as a single atomic batch, advances the consensus
// state, and prunes confirmed transactions from the mempool.
func (a *App) Commit(ctx context.Context) (CommitResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending == nil {
		return CommitResponse{}, ErrNoBlockInProgress
	}
	p := a.pending

	reward := a.blockReward
	if a.maxSupply > 0 {
		if a.supply >= a.maxSupply {
			reward = 0
		} else if a.supply+reward > a.maxSupply {
			reward = a.maxSupply - a.supply
		}
	}

	coinbase := miner.BuildCoinbase(a.coinbaseAddr, reward+p.fees, p.height)
	txs := make([]*tx.Transaction, 0, 1+len(p.txs))
	txs = append(txs, coinbase)
	txs = append(txs, p.txs...)

	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.Hash()
	}
	merkle := block.ComputeMerkleRoot(txHashes)

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   p.prevHash,
		MerkleRoot: merkle,
		Timestamp:  p.timestamp,
		Bits:       p.bits,
		Height:     p.height,
	}

	blk := block.NewBlock(header, txs)
	stats, err := a.pow.SealWithCancel(ctx, blk)
	if err != nil {
		a.log.Warn().Err(err).Uint64("height", p.height).Msg("commit: seal failed")
		return CommitResponse{}, fmt.Errorf("seal block: %w", err)
	}
	if err := a.pow.VerifyHeader(blk.Header); err != nil {
		return CommitResponse{}, fmt.Errorf("sealed block failed verification: %w", err)
	}

	newSupply := a.supply + reward
	if err := a.commitAtomically(blk, newSupply); err != nil {
		a.log.Error().Err(err).Uint64("height", p.height).Msg("commit: store write failed")
		return CommitResponse{}, fmt.Errorf("commit block: %w", err)
	}

	if err := a.st.AdvanceBlock(blk.Hash(), uint64(len(txs)), header.Bits); err != nil {
		return CommitResponse{}, fmt.Errorf("advance state: %w", err)
	}

	if a.pool != nil {
		a.pool.RemoveConfirmed(p.txs)
	}

	a.supply = newSupply
	a.pending = nil

	blockHash := blk.Hash()
	a.log.Info().
		Uint64("height", header.Height).
		Int("txs", len(txs)).
		Uint64("hashes", stats.TotalHashes).
		Str("hashrate", consensus.FormatHashRate(stats.HashRate)).
		Msg("committed block")

	return CommitResponse{Data: blockHash[:], RetainHeight: 0, Block: blk}, nil
}

// commitAtomically writes the block (hash/height/tx indexes), the UTXO set
// transition (spend every non-coinbase input, create every output), and the
// new chain tip as a single durable unit.
func (a *App) commitAtomically(blk *block.Block, newSupply uint64) error {
	return a.db.Atomically(func(b storage.Batch) error {
		if err := a.store.PutBlockBatch(b, blk); err != nil {
			return err
		}

		for _, t := range blk.Transactions {
			coinbase := t.IsCoinbase()
			if !coinbase {
				for _, in := range t.Inputs {
					if err := a.utxos.DeleteBatch(b, in.PrevOut); err != nil {
						return err
					}
				}
			}
			txHash := t.Hash()
			for i, out := range t.Outputs {
				u := &utxo.UTXO{
					Outpoint: types.Outpoint{TxID: txHash, Index: uint32(i)},
					Value:    out.Value,
					Script:   out.Script,
					Height:   blk.Header.Height,
					Coinbase: coinbase,
				}
				if err := a.utxos.PutBatch(b, u); err != nil {
					return err
				}
			}
		}

		return a.store.SetTipBatch(b, blk.Hash(), blk.Header.Height, newSupply)
	})
}

// Query handles the module's read-only query surface: "block/<height>"
// returns the JSON-encoded block at that height, "info" returns a small
// JSON summary of chain height and best block hash, "utxoroot" returns the
// UTXO set's commitment hash. A malformed "block/..." argument yields
// CodeMalformedQuery; any other unrecognized path yields
// CodeUnknownQueryPath.
func (a *App) Query(path string) QueryResponse {
	switch {
	case path == "info":
		s := a.st.Current()
		value, _ := json.Marshal(struct {
			Height    uint64 `json:"height"`
			BestBlock string `json:"best_block"`
		}{Height: s.Height, BestBlock: s.BestBlockHash.String()})
		return QueryResponse{Code: CodeOK, Key: []byte(path), Value: value, Height: s.Height}

	case path == "utxoroot":
		root, err := utxo.Commitment(a.utxos)
		if err != nil {
			return QueryResponse{Code: CodeInvalidTx, Key: []byte(path), Codespace: Codespace}
		}
		value, _ := json.Marshal(struct {
			Root string `json:"root"`
		}{Root: root.String()})
		return QueryResponse{Code: CodeOK, Key: []byte(path), Value: value, Height: a.st.Current().Height}

	case strings.HasPrefix(path, "block/"):
		var height uint64
		if n, err := fmt.Sscanf(path, "block/%d", &height); n != 1 || err != nil {
			return QueryResponse{Code: CodeMalformedQuery, Key: []byte(path), Codespace: Codespace}
		}
		blk, err := a.store.GetBlockByHeight(height)
		if err != nil {
			return QueryResponse{Code: CodeInvalidTx, Key: []byte(path), Height: height, Codespace: Codespace}
		}
		value, _ := json.Marshal(blk)
		return QueryResponse{Code: CodeOK, Key: []byte(path), Value: value, Height: height}

	default:
		return QueryResponse{Code: CodeUnknownQueryPath, Key: []byte(path), Codespace: Codespace}
	}
}
